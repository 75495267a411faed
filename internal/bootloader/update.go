package bootloader

import (
	"context"
	"fmt"
	"log/slog"

	"tinygo.org/x/bluetooth"

	"github.com/chaz8081/cyble/internal/cyacd"
	"github.com/chaz8081/cyble/internal/dongle/protocol"
)

// ServiceUUID is the Cypress bootloader service.
var ServiceUUID = bluetooth.NewUUID([16]byte{
	0x00, 0x06, 0x00, 0x00, 0xF8, 0xCE, 0x11, 0xE4,
	0xAB, 0xF4, 0x00, 0x02, 0xA5, 0xD5, 0xC5, 0x1B,
})

// Session is the GATT client a Programmer drives. *dongle.Client
// satisfies it.
type Session interface {
	Link
	FindPrimaryService(ctx context.Context, uuid bluetooth.UUID) (protocol.Service, error)
	Characteristics(ctx context.Context, svc protocol.Service, uuid bluetooth.UUID) ([]protocol.Characteristic, error)
	Descriptors(ctx context.Context, attr uint16) ([]protocol.Descriptor, error)
	WriteDescriptor(ctx context.Context, attr uint16, notify, indicate bool) error
	ReadDescriptor(ctx context.Context, attr uint16) (notify, indicate bool, err error)
}

// Phase is a step of a firmware update.
type Phase int

const (
	PhaseDiscover Phase = iota
	PhaseEnter
	PhaseRows
	PhaseValidate
	PhaseExit
	PhaseDone
)

var phaseNames = []string{"discover", "enter", "rows", "validate", "exit", "done"}

func (p Phase) String() string {
	if p >= 0 && int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Progress reports update progress. done and total count rows during
// PhaseRows and are zero otherwise.
type Progress func(phase Phase, done, total int)

// Programmer writes a firmware image through the bootloader service of a
// connected peer.
type Programmer struct {
	session  Session
	service  bluetooth.UUID
	opts     Options
	progress Progress
}

// NewProgrammer returns a Programmer for the bootloader service with the
// given UUID.
func NewProgrammer(s Session, service bluetooth.UUID, opts Options) *Programmer {
	return &Programmer{session: s, service: service, opts: opts}
}

// OnProgress sets the progress callback.
func (p *Programmer) OnProgress(fn Progress) { p.progress = fn }

func (p *Programmer) report(phase Phase, done, total int) {
	if p.progress != nil {
		p.progress(phase, done, total)
	}
}

// Program updates the peer with fw. Any row failing verification aborts
// the update.
func (p *Programmer) Program(ctx context.Context, fw *cyacd.Firmware) error {
	if fw.ChecksumType != cyacd.ChecksumSum {
		slog.Warn("[BOOT] image asks for crc16 packets, using sum checksums", "type", fw.ChecksumType)
	}

	p.report(PhaseDiscover, 0, 0)
	attr, err := p.discover(ctx)
	if err != nil {
		return err
	}

	ch := NewChannel(p.session, attr, p.opts)
	defer ch.Close()

	p.report(PhaseEnter, 0, 0)
	info, err := ch.Enter(ctx)
	if err != nil {
		return err
	}
	slog.Info("[BOOT] entered bootloader", "device", info.Device, "version", info.Version())

	want := Device{SiliconID: fw.SiliconID, SiliconRev: fw.SiliconRev}
	if info.Device != want {
		return &DeviceMismatchError{Expected: want, Actual: info.Device}
	}

	size, err := ch.FlashSize(ctx, 0)
	if err != nil {
		return err
	}
	slog.Info("[BOOT] flash", "first_row", size.FirstRow, "rows", size.TotalRows)

	total := len(fw.Rows)
	p.report(PhaseRows, 0, total)
	for i, row := range fw.Rows {
		if err := ch.WriteRow(ctx, row.ArrayID, row.Number, row.Data, row.Checksum); err != nil {
			slog.Error("[BOOT] row failed", "array", row.ArrayID, "row", row.Number, "error", err)
			return err
		}
		p.report(PhaseRows, i+1, total)
	}
	slog.Info("[BOOT] rows written", "count", total)

	p.report(PhaseValidate, 0, 0)
	if err := ch.Validate(ctx); err != nil {
		return err
	}

	p.report(PhaseExit, 0, 0)
	if err := ch.Exit(ctx); err != nil {
		return err
	}
	p.report(PhaseDone, 0, 0)
	slog.Info("[BOOT] update complete")
	return nil
}

// discover finds the bootloader characteristic, enables its notifications
// and returns its value handle.
func (p *Programmer) discover(ctx context.Context) (uint16, error) {
	svc, err := p.session.FindPrimaryService(ctx, p.service)
	if err != nil {
		return 0, err
	}
	slog.Debug("[BOOT] service", "start", svc.Start, "end", svc.End)

	chars, err := p.session.Characteristics(ctx, svc, bluetooth.UUID{})
	if err != nil {
		return 0, err
	}
	if len(chars) != 1 {
		return 0, fmt.Errorf("bootloader: %d characteristics in service: %w", len(chars), ErrWrongLayout)
	}
	value := chars[0].ValueHandle

	descs, err := p.session.Descriptors(ctx, value+1)
	if err != nil {
		return 0, err
	}
	if len(descs) != 1 || descs[0].UUID != protocol.CCCD {
		return 0, fmt.Errorf("bootloader: no CCCD after handle 0x%04X: %w", value, ErrWrongLayout)
	}
	cccd := descs[0].Handle

	if err := p.session.WriteDescriptor(ctx, cccd, true, false); err != nil {
		return 0, err
	}
	notify, _, err := p.session.ReadDescriptor(ctx, cccd)
	if err != nil {
		return 0, err
	}
	if !notify {
		return 0, fmt.Errorf("bootloader: notifications did not stick on 0x%04X: %w", cccd, ErrWrongLayout)
	}
	slog.Debug("[BOOT] notifications on", "value", value, "cccd", cccd)
	return value, nil
}
