// Package bootloader speaks the Cypress bootloader protocol carried over one
// GATT characteristic: requests are written to it, responses come back as
// notifications.
package bootloader

import (
	"encoding/binary"
	"fmt"
)

// Packet framing bytes.
const (
	SOP = 0x01
	EOP = 0x17
)

// Command is a bootloader request code.
type Command uint8

const (
	CmdChecksum   Command = 0x31
	CmdReportSize Command = 0x32
	CmdData       Command = 0x37
	CmdEnter      Command = 0x38
	CmdProgram    Command = 0x39
	CmdVerify     Command = 0x3A
	CmdExit       Command = 0x3B
)

var commandNames = map[Command]string{
	CmdChecksum:   "CHECKSUM",
	CmdReportSize: "REPORT_SIZE",
	CmdData:       "DATA",
	CmdEnter:      "ENTER",
	CmdProgram:    "PROGRAM",
	CmdVerify:     "VERIFY",
	CmdExit:       "EXIT",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("CMD(%02X)", uint8(c))
}

// overhead is SOP, code, length, checksum and EOP.
const overhead = 7

// Checksum is the 16-bit two's complement of the byte sum of b, so that b
// followed by its checksum sums to zero.
func Checksum(b []byte) uint16 {
	var sum uint16
	for _, v := range b {
		sum += uint16(v)
	}
	return -sum
}

// EncodePacket frames a request:
//
//	[SOP][code][len u16][payload][checksum u16][EOP]
//
// The checksum covers code, length and payload.
func EncodePacket(code Command, payload []byte) ([]byte, error) {
	if len(payload) > 0xFFFF {
		return nil, fmt.Errorf("bootloader: %v payload of %d bytes: %w", code, len(payload), ErrBadPacket)
	}
	pkt := make([]byte, 0, overhead+len(payload))
	pkt = append(pkt, SOP, byte(code))
	pkt = binary.LittleEndian.AppendUint16(pkt, uint16(len(payload)))
	pkt = append(pkt, payload...)
	pkt = binary.LittleEndian.AppendUint16(pkt, Checksum(pkt[1:]))
	return append(pkt, EOP), nil
}

// Response is a decoded response packet. Code is the bootloader status; 0
// is success.
type Response struct {
	Code uint8
	Data []byte
}

// DecodePacket checks the framing and checksum of a response.
func DecodePacket(pkt []byte) (Response, error) {
	if len(pkt) < overhead {
		return Response{}, fmt.Errorf("bootloader: %d byte packet: %w", len(pkt), ErrBadPacket)
	}
	if pkt[0] != SOP || pkt[len(pkt)-1] != EOP {
		return Response{}, fmt.Errorf("bootloader: framing % X...% X: %w", pkt[0], pkt[len(pkt)-1], ErrBadPacket)
	}
	body := pkt[1 : len(pkt)-3]
	got := binary.LittleEndian.Uint16(pkt[len(pkt)-3:])
	if want := Checksum(body); got != want {
		return Response{}, fmt.Errorf("bootloader: checksum 0x%04X, want 0x%04X: %w", got, want, ErrBadPacket)
	}
	n := int(binary.LittleEndian.Uint16(body[1:]))
	if n != len(body)-3 {
		return Response{}, fmt.Errorf("bootloader: length field %d, %d data bytes: %w", n, len(body)-3, ErrBadPacket)
	}
	return Response{Code: body[0], Data: body[3:]}, nil
}
