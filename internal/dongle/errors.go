package dongle

import (
	"errors"
	"fmt"

	"github.com/chaz8081/cyble/internal/dongle/protocol"
)

var (
	ErrTimeout          = errors.New("dongle: command timed out")
	ErrClosed           = errors.New("dongle: engine closed")
	ErrNotConnected     = errors.New("dongle: not connected")
	ErrAlreadyConnected = errors.New("dongle: already connected")
	ErrCommandFailed    = errors.New("dongle: command failed")
	ErrNotReady         = errors.New("dongle: not ready")
	ErrNotFound         = errors.New("dongle: nothing found")
	ErrDesync           = errors.New("dongle: completion does not match the command in flight")
)

// StatusError is a non-zero status closing a command.
type StatusError struct {
	Opcode protocol.Opcode
	Status uint16
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("dongle: %v: status %d", e.Opcode, e.Status)
}

func (e *StatusError) Unwrap() error { return ErrCommandFailed }

// GattError is an ATT error response closing a command.
type GattError struct {
	Opcode protocol.Opcode
	PDU    uint8
	Handle uint16
	Code   uint8
}

func (e *GattError) Error() string {
	return fmt.Sprintf("dongle: %v: %s on handle 0x%04X: %s",
		e.Opcode, protocol.ATTOpcodeName(e.PDU), e.Handle, protocol.ATTErrorName(e.Code))
}

func (e *GattError) Unwrap() error { return ErrCommandFailed }

// AuthError is a failed pairing. Reason is the SMP failure reason.
type AuthError struct {
	Reason uint8
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("dongle: pairing failed: reason 0x%02X", e.Reason)
}

func (e *AuthError) Unwrap() error { return ErrCommandFailed }
