// Package cyacd decodes the text firmware images consumed by the Cypress
// bootloader.
//
// The first line is the header: silicon id (u32), silicon revision and
// checksum type, big-endian hex. Every following line is a row:
//
//	:AAIIIISSSS<data>CC
//
// array id, row number, data size, data, and a line checksum that makes
// the byte sum of the line zero modulo 256.
package cyacd

import (
	"bufio"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

var (
	ErrHeader   = errors.New("cyacd: bad header")
	ErrChecksum = errors.New("cyacd: line checksum mismatch")
	ErrSize     = errors.New("cyacd: row size mismatch")
	ErrFormat   = errors.New("cyacd: malformed row")
)

// Checksum types carried in the header.
const (
	ChecksumSum   = 0
	ChecksumCRC16 = 1
)

// Row is one flash row.
type Row struct {
	ArrayID  uint8
	Number   uint16
	Data     []byte
	Checksum uint8 // checksum of Data, compared with the device's VERIFY answer
}

// Firmware is a parsed image.
type Firmware struct {
	SiliconID    uint32
	SiliconRev   uint8
	ChecksumType uint8
	Rows         []Row
}

// Size is the number of data bytes across all rows.
func (f *Firmware) Size() int {
	n := 0
	for _, r := range f.Rows {
		n += len(r.Data)
	}
	return n
}

// RowError is a row that could not be decoded.
type RowError struct {
	Line int // 1-based
	Err  error
}

func (e *RowError) Error() string { return fmt.Sprintf("line %d: %v", e.Line, e.Err) }

func (e *RowError) Unwrap() error { return e.Err }

// ParseError collects every bad row of an image.
type ParseError struct {
	Rows []*RowError
}

func (e *ParseError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "cyacd: %d bad row(s)", len(e.Rows))
	for _, r := range e.Rows {
		b.WriteString("; ")
		b.WriteString(r.Error())
	}
	return b.String()
}

func (e *ParseError) Unwrap() []error {
	errs := make([]error, len(e.Rows))
	for i, r := range e.Rows {
		errs[i] = r
	}
	return errs
}

// DataChecksum is the two's complement of the byte sum of data.
func DataChecksum(data []byte) uint8 {
	var sum uint8
	for _, b := range data {
		sum += b
	}
	return -sum
}

// Parse decodes an image. Rows that fail to decode are reported together in
// a *ParseError; the good rows are still returned so the caller can show
// them, but an image with bad rows must not be programmed.
func Parse(r io.Reader) (*Firmware, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	line := 0
	var header string
	for sc.Scan() {
		line++
		if header = strings.TrimSpace(sc.Text()); header != "" {
			break
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("cyacd: read: %w", err)
	}
	raw, err := hex.DecodeString(header)
	if err != nil || len(raw) < 6 {
		return nil, fmt.Errorf("%w: %q", ErrHeader, header)
	}
	fw := &Firmware{
		SiliconID:    binary.BigEndian.Uint32(raw),
		SiliconRev:   raw[4],
		ChecksumType: raw[5],
	}

	var perr ParseError
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		row, err := parseRow(text)
		if err != nil {
			perr.Rows = append(perr.Rows, &RowError{Line: line, Err: err})
			continue
		}
		fw.Rows = append(fw.Rows, row)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("cyacd: read: %w", err)
	}
	if len(perr.Rows) > 0 {
		return fw, &perr
	}
	return fw, nil
}

func parseRow(text string) (Row, error) {
	if !strings.HasPrefix(text, ":") {
		return Row{}, fmt.Errorf("%w: missing ':'", ErrFormat)
	}
	raw, err := hex.DecodeString(text[1:])
	if err != nil {
		return Row{}, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	if len(raw) < 6 {
		return Row{}, fmt.Errorf("%w: %d bytes", ErrFormat, len(raw))
	}

	body, sum := raw[:len(raw)-1], raw[len(raw)-1]
	if want := DataChecksum(body); sum != want {
		return Row{}, fmt.Errorf("%w: got 0x%02X, want 0x%02X", ErrChecksum, sum, want)
	}

	size := int(binary.BigEndian.Uint16(body[3:]))
	data := body[5:]
	if len(data) != size {
		return Row{}, fmt.Errorf("%w: header says %d, row has %d", ErrSize, size, len(data))
	}
	return Row{
		ArrayID:  body[0],
		Number:   binary.BigEndian.Uint16(body[1:]),
		Data:     data,
		Checksum: DataChecksum(data),
	}, nil
}

// Load parses the image at path.
func Load(path string) (*Firmware, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cyacd: %w", err)
	}
	defer f.Close()
	return Parse(f)
}
