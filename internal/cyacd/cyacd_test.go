package cyacd

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// rowLine encodes one row line with a valid line checksum.
func rowLine(arrayID uint8, number uint16, data []byte) string {
	raw := []byte{arrayID}
	raw = binary.BigEndian.AppendUint16(raw, number)
	raw = binary.BigEndian.AppendUint16(raw, uint16(len(data)))
	raw = append(raw, data...)
	raw = append(raw, DataChecksum(raw))
	return ":" + strings.ToUpper(hex.EncodeToString(raw))
}

func testRows() [][]byte {
	return [][]byte{
		bytes.Repeat([]byte{0x11}, 128),
		{0x00, 0x40, 0x00, 0x20, 0xD5, 0x01},
		bytes.Repeat([]byte{0xFF, 0x00, 0x7E}, 40),
	}
}

func testImage() string {
	lines := []string{"04C811930021"}
	for i, data := range testRows() {
		lines = append(lines, rowLine(0, uint16(0x0100+i), data))
	}
	return strings.Join(lines, "\r\n") + "\r\n"
}

func TestParse(t *testing.T) {
	fw, err := Parse(strings.NewReader(testImage()))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if fw.SiliconID != 0x04C81193 || fw.SiliconRev != 0x00 || fw.ChecksumType != 0x21 {
		t.Errorf("header = %08X/%02X/%02X, want 04C81193/00/21", fw.SiliconID, fw.SiliconRev, fw.ChecksumType)
	}

	rows := testRows()
	if len(fw.Rows) != len(rows) {
		t.Fatalf("rows = %d, want %d", len(fw.Rows), len(rows))
	}
	total := 0
	for i, r := range fw.Rows {
		if r.Number != uint16(0x0100+i) || r.ArrayID != 0 {
			t.Errorf("row %d = array %d number %#x", i, r.ArrayID, r.Number)
		}
		if !bytes.Equal(r.Data, rows[i]) {
			t.Errorf("row %d data = % X, want % X", i, r.Data, rows[i])
		}
		if r.Checksum != DataChecksum(rows[i]) {
			t.Errorf("row %d checksum = %#x, want %#x", i, r.Checksum, DataChecksum(rows[i]))
		}
		total += len(rows[i])
	}
	if fw.Size() != total {
		t.Errorf("Size() = %d, want %d", fw.Size(), total)
	}
}

func TestDataChecksum(t *testing.T) {
	tests := []struct {
		data []byte
		want uint8
	}{
		{nil, 0x00},
		{[]byte{0x01}, 0xFF},
		{[]byte{0x80, 0x80}, 0x00},
		{[]byte{0x12, 0x34, 0x56}, 0x64},
	}
	for _, tt := range tests {
		if got := DataChecksum(tt.data); got != tt.want {
			t.Errorf("DataChecksum(% X) = %#x, want %#x", tt.data, got, tt.want)
		}
	}
}

func TestParseFlippedBitFailsOnlyThatRow(t *testing.T) {
	good := strings.Split(testImage(), "\r\n")
	for row := 1; row <= 3; row++ {
		for _, pos := range []int{1, 8, 20} {
			t.Run(fmt.Sprintf("row%d/char%d", row, pos), func(t *testing.T) {
				lines := append([]string(nil), good...)
				b := []byte(lines[row])
				// flip one bit of a hex digit, keeping it a hex digit
				b[pos] = flipHexBit(b[pos])
				lines[row] = string(b)

				fw, err := Parse(strings.NewReader(strings.Join(lines, "\n")))
				var perr *ParseError
				if !errors.As(err, &perr) {
					t.Fatalf("Parse() error = %v, want ParseError", err)
				}
				if len(perr.Rows) != 1 || perr.Rows[0].Line != row+1 {
					t.Fatalf("bad rows = %v, want only line %d", perr.Rows, row+1)
				}
				if !errors.Is(err, ErrChecksum) {
					t.Errorf("errors.Is(err, ErrChecksum) = false for %v", err)
				}
				if len(fw.Rows) != 2 {
					t.Errorf("good rows = %d, want 2", len(fw.Rows))
				}
			})
		}
	}
}

func flipHexBit(c byte) byte {
	v := c - '0'
	if c >= 'A' {
		v = c - 'A' + 10
	}
	v ^= 0x1
	return "0123456789ABCDEF"[v]
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name  string
		image string
		want  error
	}{
		{"bad header", "XYZ\n", ErrHeader},
		{"short header", "04C811\n", ErrHeader},
		{"missing colon", "04C811930000\n" + rowLine(0, 1, []byte{1})[1:] + "\n", ErrFormat},
		{"odd hex", "04C811930000\n" + rowLine(0, 1, []byte{1}) + "0\n", ErrFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse(strings.NewReader(tt.image)); !errors.Is(err, tt.want) {
				t.Errorf("Parse() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestParseSizeMismatch(t *testing.T) {
	raw := []byte{0x00, 0x00, 0x01, 0x00, 0x05, 0xAA, 0xBB}
	raw = append(raw, DataChecksum(raw))
	image := "04C811930000\n:" + hex.EncodeToString(raw) + "\n"

	if _, err := Parse(strings.NewReader(image)); !errors.Is(err, ErrSize) {
		t.Errorf("Parse() error = %v, want ErrSize", err)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fw.cyacd")
	if err := os.WriteFile(path, []byte(testImage()), 0644); err != nil {
		t.Fatal(err)
	}
	fw, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(fw.Rows) != 3 {
		t.Errorf("rows = %d, want 3", len(fw.Rows))
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.cyacd")); err == nil {
		t.Error("Load() of a missing file should fail")
	}
}
