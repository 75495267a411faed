// Package protocol implements the framing and message layer of the CY5677
// dongle command/event protocol.
//
// Outbound (host to dongle) frames:
//
//	43 59 | opcode u16 | len u16 | payload[len]
//
// Inbound (dongle to host) frames:
//
//	BD A7 | tot u16 | event u16 | payload[tot-2]
//
// All multi-byte fields are little-endian.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
)

// Sync pairs marking the start of a frame.
var (
	RXSync = [2]byte{0xBD, 0xA7}
	TXSync = [2]byte{0x43, 0x59}
)

// DefaultMaxFrame bounds a single message (sync excluded) when no limit is configured.
const DefaultMaxFrame = 2048

var (
	ErrShortPayload   = errors.New("protocol: payload too short")
	ErrLengthMismatch = errors.New("protocol: length field does not match message size")
)

type scanState int

const (
	stateIdle scanState = iota
	stateSawFirst
	stateCollecting
)

// Scanner turns a raw byte stream into discrete messages. Once a sync pair
// has been seen the scanner is driven only by the length field, so payload
// bytes equal to the sync values are never mistaken for a new frame.
//
// A Scanner is not safe for concurrent use.
type Scanner struct {
	name     string
	sync     [2]byte
	need     func(buf []byte) (int, bool)
	maxFrame int

	state scanState
	buf   []byte
	msgs  [][]byte
}

// NewRXScanner returns a scanner for frames coming from the dongle.
func NewRXScanner(maxFrame int) *Scanner {
	return newScanner("rx", RXSync, maxFrame, func(buf []byte) (int, bool) {
		if len(buf) < 2 {
			return 0, false
		}
		tot := int(binary.LittleEndian.Uint16(buf))
		if tot < 2 {
			return -1, true
		}
		return 2 + tot, true
	})
}

// NewTXScanner returns a scanner for frames going to the dongle.
func NewTXScanner(maxFrame int) *Scanner {
	return newScanner("tx", TXSync, maxFrame, func(buf []byte) (int, bool) {
		if len(buf) < 4 {
			return 0, false
		}
		return 4 + int(binary.LittleEndian.Uint16(buf[2:])), true
	})
}

func newScanner(name string, sync [2]byte, maxFrame int, need func([]byte) (int, bool)) *Scanner {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrame
	}
	return &Scanner{name: name, sync: sync, need: need, maxFrame: maxFrame}
}

// Feed appends raw bytes to the scanner. Complete messages become
// available through Next.
func (s *Scanner) Feed(data []byte) {
	for _, b := range data {
		s.step(b)
	}
}

func (s *Scanner) step(b byte) {
	switch s.state {
	case stateIdle:
		if b == s.sync[0] {
			s.state = stateSawFirst
		}
	case stateSawFirst:
		switch b {
		case s.sync[1]:
			s.state = stateCollecting
			s.buf = s.buf[:0]
		case s.sync[0]:
			// still a candidate first byte
		default:
			s.state = stateIdle
		}
	case stateCollecting:
		s.buf = append(s.buf, b)
		n, known := s.need(s.buf)
		if !known {
			return
		}
		if n < 0 || n > s.maxFrame {
			slog.Warn("[DONGLE] dropping partial frame, bad length field",
				"dir", s.name, "need", n, "max", s.maxFrame)
			s.reset()
			return
		}
		if len(s.buf) >= n {
			msg := make([]byte, len(s.buf))
			copy(msg, s.buf)
			s.msgs = append(s.msgs, msg)
			s.reset()
		}
	}
}

func (s *Scanner) reset() {
	s.state = stateIdle
	s.buf = s.buf[:0]
}

// Next pops the oldest complete message, sync pair excluded.
func (s *Scanner) Next() ([]byte, bool) {
	if len(s.msgs) == 0 {
		return nil, false
	}
	msg := s.msgs[0]
	s.msgs[0] = nil
	s.msgs = s.msgs[1:]
	return msg, true
}

// Pending reports how many complete messages are waiting.
func (s *Scanner) Pending() int { return len(s.msgs) }

// Partial reports whether a frame is being collected.
func (s *Scanner) Partial() bool { return s.state != stateIdle }

// EncodeCommand composes a complete outbound frame, sync pair included.
func EncodeCommand(op Opcode, payload []byte) ([]byte, error) {
	if len(payload) > 0xFFFF {
		return nil, fmt.Errorf("protocol: command payload of %d bytes does not fit the length field", len(payload))
	}
	buf := make([]byte, 0, 6+len(payload))
	buf = append(buf, TXSync[:]...)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(op))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(payload)))
	return append(buf, payload...), nil
}

// EncodeEvent composes a complete inbound frame, sync pair included. The
// engine never sends events; this is used by decoders and fake dongles.
func EncodeEvent(code EventCode, payload []byte) ([]byte, error) {
	if len(payload) > 0xFFFF-2 {
		return nil, fmt.Errorf("protocol: event payload of %d bytes does not fit the length field", len(payload))
	}
	buf := make([]byte, 0, 6+len(payload))
	buf = append(buf, RXSync[:]...)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(2+len(payload)))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(code))
	return append(buf, payload...), nil
}

// DecodeCommand splits a message produced by a TX scanner.
func DecodeCommand(msg []byte) (Opcode, []byte, error) {
	if len(msg) < 4 {
		return 0, nil, fmt.Errorf("decode command: %w", ErrShortPayload)
	}
	n := int(binary.LittleEndian.Uint16(msg[2:]))
	if len(msg) != 4+n {
		return 0, nil, fmt.Errorf("decode command: len=%d, have %d: %w", n, len(msg)-4, ErrLengthMismatch)
	}
	return Opcode(binary.LittleEndian.Uint16(msg)), msg[4:], nil
}

// DecodeEvent splits a message produced by an RX scanner.
func DecodeEvent(msg []byte) (EventCode, []byte, error) {
	if len(msg) < 4 {
		return 0, nil, fmt.Errorf("decode event: %w", ErrShortPayload)
	}
	tot := int(binary.LittleEndian.Uint16(msg))
	if len(msg) != 2+tot {
		return 0, nil, fmt.Errorf("decode event: tot=%d, have %d: %w", tot, len(msg)-2, ErrLengthMismatch)
	}
	return EventCode(binary.LittleEndian.Uint16(msg[2:])), msg[4:], nil
}
