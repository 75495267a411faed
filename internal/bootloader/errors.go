package bootloader

import (
	"errors"
	"fmt"
)

var (
	ErrNotEntered  = errors.New("bootloader: not in bootloader mode")
	ErrBadPacket   = errors.New("bootloader: malformed response")
	ErrNoResponse  = errors.New("bootloader: no response")
	ErrFailed      = errors.New("bootloader: command failed")
	ErrInvalidApp  = errors.New("bootloader: application checksum invalid")
	ErrWrongLayout = errors.New("bootloader: unexpected gatt layout")
)

var statusNames = map[uint8]string{
	0x00: "SUCCESS",
	0x03: "ERR_LENGTH",
	0x04: "ERR_DATA",
	0x05: "ERR_CMD",
	0x08: "ERR_CHECKSUM",
	0x09: "ERR_ARRAY",
	0x0A: "ERR_ROW",
	0x0C: "ERR_APP",
	0x0D: "ERR_ACTIVE",
	0x0F: "ERR_UNK",
}

// StatusName returns the bootloader name of a status code.
func StatusName(code uint8) string {
	if name, ok := statusNames[code]; ok {
		return name
	}
	return fmt.Sprintf("ERR_%02X", code)
}

// StatusError is a response carrying a non-zero status.
type StatusError struct {
	Op   Command
	Code uint8
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("bootloader: %v: %s (0x%02X)", e.Op, StatusName(e.Code), e.Code)
}

func (e *StatusError) Unwrap() error { return ErrFailed }

// Device identifies a target chip.
type Device struct {
	SiliconID  uint32
	SiliconRev uint8
}

func (d Device) String() string {
	return fmt.Sprintf("silicon %08X rev %d", d.SiliconID, d.SiliconRev)
}

// DeviceMismatchError is a target whose silicon does not match the image.
type DeviceMismatchError struct {
	Expected Device
	Actual   Device
}

func (e *DeviceMismatchError) Error() string {
	return fmt.Sprintf("bootloader: image is for %v, target is %v", e.Expected, e.Actual)
}

// ChecksumMismatchError is a row whose verified checksum differs from the
// image.
type ChecksumMismatchError struct {
	ArrayID  uint8
	Row      uint16
	Expected uint8
	Actual   uint8
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("bootloader: row %d/%d checksum 0x%02X, want 0x%02X",
		e.ArrayID, e.Row, e.Actual, e.Expected)
}
