package protocol

import (
	"encoding/hex"
	"fmt"
	"strings"

	"tinygo.org/x/bluetooth"
)

// DefaultMTU is the ATT MTU of a fresh connection.
const DefaultMTU = 23

// CCCD is the Client Characteristic Configuration descriptor.
var CCCD = bluetooth.New16BitUUID(0x2902)

// CCCD flag bits.
const (
	CCCDNotify   = 0x01
	CCCDIndicate = 0x02
)

// Service is a primary service discovered on the peer.
type Service struct {
	Start uint16
	End   uint16
	UUID  bluetooth.UUID
}

// Characteristic is a characteristic declaration. UUID is zero when the
// characteristic was found by a UUID-filtered discovery.
type Characteristic struct {
	Handle      uint16
	Properties  Properties
	ValueHandle uint16
	UUID        bluetooth.UUID
}

// Descriptor is a characteristic descriptor.
type Descriptor struct {
	Handle uint16
	UUID   bluetooth.UUID
}

// Properties is the characteristic properties bit field.
type Properties uint8

const (
	PropBroadcast Properties = 1 << iota
	PropRead
	PropWriteWithoutResponse
	PropWrite
	PropNotify
	PropIndicate
	PropAuthenticatedSignedWrites
	PropExtendedProperties
)

var propNames = []string{
	"broadcast",
	"read",
	"write-without-response",
	"write",
	"notify",
	"indicate",
	"signed-write",
	"extended",
}

func (p Properties) String() string {
	var names []string
	for i, name := range propNames {
		if p&(1<<i) != 0 {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ",")
}

// UUIDToWire returns the 16 byte little-endian form the dongle expects.
func UUIDToWire(u bluetooth.UUID) []byte {
	raw, err := hex.DecodeString(strings.ReplaceAll(u.String(), "-", ""))
	if err != nil || len(raw) != 16 {
		// String always renders 32 hex digits.
		panic(fmt.Sprintf("protocol: unexpected UUID rendering %q", u.String()))
	}
	for i, j := 0, len(raw)-1; i < j; i, j = i+1, j-1 {
		raw[i], raw[j] = raw[j], raw[i]
	}
	return raw
}

// UUIDFromWire decodes a 16 byte little-endian UUID.
func UUIDFromWire(b []byte) (bluetooth.UUID, error) {
	if len(b) < 16 {
		return bluetooth.UUID{}, fmt.Errorf("uuid128: %w", ErrShortPayload)
	}
	var be [16]byte
	for i := range be {
		be[i] = b[15-i]
	}
	return bluetooth.NewUUID(be), nil
}

// UUIDName renders a UUID in its short form when it is a 16-bit one.
func UUIDName(u bluetooth.UUID) string {
	if u.Is16Bit() {
		return fmt.Sprintf("%04X", u.Get16Bit())
	}
	return strings.ToUpper(u.String())
}

// Address kinds used by Establish_Connection.
const (
	AddressPublic = 0
	AddressRandom = 1
)

// MACToWire returns the 6 byte little-endian BD address.
func MACToWire(m bluetooth.MAC) []byte {
	out := make([]byte, 6)
	copy(out, m[:])
	return out
}

// MACFromWire decodes a 6 byte little-endian BD address.
func MACFromWire(b []byte) (bluetooth.MAC, error) {
	var m bluetooth.MAC
	if len(b) < 6 {
		return m, fmt.Errorf("bd address: %w", ErrShortPayload)
	}
	copy(m[:], b[:6])
	return m, nil
}

var attOpcodeNames = map[uint8]string{
	0x01: "ERROR_RSP",
	0x02: "EXCHANGE_MTU_REQ",
	0x03: "EXCHANGE_MTU_RSP",
	0x04: "FIND_INFO_REQ",
	0x05: "FIND_INFO_RSP",
	0x06: "FIND_BY_TYPE_VALUE_REQ",
	0x07: "FIND_BY_TYPE_VALUE_RSP",
	0x08: "READ_BY_TYPE_REQ",
	0x09: "READ_BY_TYPE_RSP",
	0x0A: "READ_REQ",
	0x0B: "READ_RSP",
	0x0C: "READ_BLOB_REQ",
	0x0D: "READ_BLOB_RSP",
	0x0E: "READ_MULTIPLE_REQ",
	0x0F: "READ_MULTIPLE_RSP",
	0x10: "READ_BY_GROUP_TYPE_REQ",
	0x11: "READ_BY_GROUP_TYPE_RSP",
	0x12: "WRITE_REQ",
	0x13: "WRITE_RSP",
	0x16: "PREPARE_WRITE_REQ",
	0x17: "PREPARE_WRITE_RSP",
	0x18: "EXECUTE_WRITE_REQ",
	0x19: "EXECUTE_WRITE_RSP",
	0x1B: "HANDLE_VALUE_NTF",
	0x1D: "HANDLE_VALUE_IND",
	0x1E: "HANDLE_VALUE_CNF",
	0x52: "WRITE_CMD",
	0xD2: "SIGNED_WRITE_CMD",
}

// ATTOpcodeName names an ATT PDU opcode.
func ATTOpcodeName(op uint8) string {
	if name, ok := attOpcodeNames[op]; ok {
		return name
	}
	return fmt.Sprintf("PDU(%02X)", op)
}

var attErrorNames = map[uint8]string{
	0x01: "invalid handle",
	0x02: "read not permitted",
	0x03: "write not permitted",
	0x04: "invalid PDU",
	0x05: "insufficient authentication",
	0x06: "request not supported",
	0x07: "invalid offset",
	0x08: "insufficient authorization",
	0x09: "prepare queue full",
	0x0A: "attribute not found",
	0x0B: "attribute not long",
	0x0C: "insufficient encryption key size",
	0x0D: "invalid attribute value length",
	0x0E: "unlikely error",
	0x0F: "insufficient encryption",
	0x10: "unsupported group type",
	0x11: "insufficient resources",
}

// ATTErrorName names an ATT error code.
func ATTErrorName(code uint8) string {
	if name, ok := attErrorNames[code]; ok {
		return name
	}
	return fmt.Sprintf("error 0x%02X", code)
}
