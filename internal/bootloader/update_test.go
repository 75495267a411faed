package bootloader

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/chaz8081/cyble/internal/cyacd"
	"github.com/chaz8081/cyble/internal/dongle/protocol"
)

func testFirmware() *cyacd.Firmware {
	fw := &cyacd.Firmware{SiliconID: testSilicon, SiliconRev: 0}
	for n := uint16(0x10); n < 0x13; n++ {
		data := bytes.Repeat([]byte{byte(n)}, 256)
		fw.Rows = append(fw.Rows, cyacd.Row{Number: n, Data: data, Checksum: cyacd.DataChecksum(data)})
	}
	return fw
}

func newTestProgrammer(f *fakeSession) *Programmer {
	return NewProgrammer(f, ServiceUUID, testChannelOptions())
}

func TestProgram(t *testing.T) {
	f := newFakeSession()
	p := newTestProgrammer(f)

	var phases []Phase
	var lastDone, lastTotal int
	p.OnProgress(func(phase Phase, done, total int) {
		if len(phases) == 0 || phases[len(phases)-1] != phase {
			phases = append(phases, phase)
		}
		if phase == PhaseRows {
			lastDone, lastTotal = done, total
		}
	})

	fw := testFirmware()
	if err := p.Program(context.Background(), fw); err != nil {
		t.Fatalf("Program() error = %v", err)
	}

	for _, row := range fw.Rows {
		if !bytes.Equal(f.Row(row.Number), row.Data) {
			t.Errorf("row 0x%X not programmed", row.Number)
		}
	}
	cmds := f.Commands()
	if cmds[0] != CmdEnter || cmds[1] != CmdReportSize {
		t.Errorf("first commands = %v, want ENTER REPORT_SIZE", cmds[:2])
	}
	if n := len(cmds); cmds[n-2] != CmdChecksum || cmds[n-1] != CmdExit {
		t.Errorf("last commands = %v, want CHECKSUM EXIT", cmds[n-2:])
	}
	if !f.notify {
		t.Error("notifications not enabled")
	}

	wantPhases := []Phase{PhaseDiscover, PhaseEnter, PhaseRows, PhaseValidate, PhaseExit, PhaseDone}
	if len(phases) != len(wantPhases) {
		t.Fatalf("phases = %v, want %v", phases, wantPhases)
	}
	for i := range phases {
		if phases[i] != wantPhases[i] {
			t.Errorf("phase %d = %v, want %v", i, phases[i], wantPhases[i])
		}
	}
	if lastDone != 3 || lastTotal != 3 {
		t.Errorf("row progress = %d/%d, want 3/3", lastDone, lastTotal)
	}
}

func TestProgramDeviceMismatch(t *testing.T) {
	f := newFakeSession()
	f.siliconRev = 1

	err := newTestProgrammer(f).Program(context.Background(), testFirmware())
	var me *DeviceMismatchError
	if !errors.As(err, &me) {
		t.Fatalf("Program() error = %v, want DeviceMismatchError", err)
	}
	if me.Actual.SiliconRev != 1 || me.Expected.SiliconRev != 0 {
		t.Errorf("DeviceMismatchError = %+v", me)
	}
	for _, cmd := range f.Commands() {
		if cmd == CmdProgram {
			t.Fatal("rows programmed on the wrong device")
		}
	}
}

func TestProgramStopsAtBadRow(t *testing.T) {
	f := newFakeSession()
	fw := testFirmware()
	fw.Rows[1].Checksum++

	err := newTestProgrammer(f).Program(context.Background(), fw)
	var me *ChecksumMismatchError
	if !errors.As(err, &me) {
		t.Fatalf("Program() error = %v, want ChecksumMismatchError", err)
	}
	if me.Row != fw.Rows[1].Number {
		t.Errorf("mismatch row = 0x%X, want 0x%X", me.Row, fw.Rows[1].Number)
	}
	if f.Row(fw.Rows[2].Number) != nil {
		t.Error("row after the failed one was programmed")
	}
	for _, cmd := range f.Commands() {
		if cmd == CmdChecksum || cmd == CmdExit {
			t.Errorf("%v sent after a failed row", cmd)
		}
	}
}

func TestProgramGattLayout(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *fakeSession)
	}{
		{"two characteristics", func(f *fakeSession) {
			f.chars = append(f.chars, protocol.Characteristic{Handle: 0x0010, ValueHandle: 0x0011})
		}},
		{"no cccd", func(f *fakeSession) {
			f.descs[0].UUID = ServiceUUID
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeSession()
			tt.setup(f)
			err := newTestProgrammer(f).Program(context.Background(), testFirmware())
			if !errors.Is(err, ErrWrongLayout) {
				t.Errorf("Program() error = %v, want ErrWrongLayout", err)
			}
			if len(f.Requests()) != 0 {
				t.Errorf("bootloader commands sent: %v", f.Commands())
			}
		})
	}
}

func TestPhaseString(t *testing.T) {
	if got := PhaseRows.String(); got != "rows" {
		t.Errorf("PhaseRows.String() = %q, want rows", got)
	}
}
