package bootloader

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Link is the GATT access a Channel needs. *dongle.Client satisfies it.
type Link interface {
	WriteBest(ctx context.Context, attr uint16, data []byte) error
	Subscribe(attr uint16, fn func(data []byte)) (cancel func())
}

// Options tunes a Channel.
type Options struct {
	// Timeout bounds the wait for a response.
	Timeout time.Duration
	// ProgramTimeout bounds the wait for PROGRAM, which erases and writes
	// a flash row.
	ProgramTimeout time.Duration
	// ChunkSize is the largest row slice sent in one DATA or PROGRAM.
	ChunkSize int
}

// DefaultChunk is the row slice size the bootloader accepts.
const DefaultChunk = 137

func DefaultOptions() Options {
	return Options{
		Timeout:        10 * time.Second,
		ProgramTimeout: 20 * time.Second,
		ChunkSize:      DefaultChunk,
	}
}

// DeviceInfo is the ENTER response.
type DeviceInfo struct {
	Device
	Major uint8
	Minor uint8
	Patch uint8
}

// Version returns the bootloader version as major.minor.patch.
func (d DeviceInfo) Version() string {
	return fmt.Sprintf("%d.%d.%d", d.Major, d.Minor, d.Patch)
}

// FlashSize is the row range of a flash array.
type FlashSize struct {
	FirstRow  uint16
	TotalRows uint16
}

// Channel runs bootloader commands on one characteristic. Commands are
// sequential; a Channel must not be used from several goroutines at once.
type Channel struct {
	link   Link
	attr   uint16
	opts   Options
	resp   chan []byte
	cancel func()

	mu      sync.Mutex
	entered bool
}

// NewChannel subscribes to the notifications of the characteristic value
// at attr. Close removes the subscription.
func NewChannel(link Link, attr uint16, opts Options) *Channel {
	def := DefaultOptions()
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.ProgramTimeout <= 0 {
		opts.ProgramTimeout = def.ProgramTimeout
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = def.ChunkSize
	}
	c := &Channel{link: link, attr: attr, opts: opts, resp: make(chan []byte, 4)}
	c.cancel = link.Subscribe(attr, c.notified)
	return c
}

// notified runs on the dongle worker and must not block.
func (c *Channel) notified(data []byte) {
	select {
	case c.resp <- append([]byte(nil), data...):
	default:
		slog.Warn("[BOOT] dropping unexpected response", "len", len(data))
	}
}

func (c *Channel) Close() {
	c.cancel()
}

// Entered reports whether the target is in bootloader mode.
func (c *Channel) Entered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entered
}

func (c *Channel) setEntered(v bool) {
	c.mu.Lock()
	c.entered = v
	c.mu.Unlock()
}

func (c *Channel) drain() {
	for {
		select {
		case <-c.resp:
		default:
			return
		}
	}
}

func (c *Channel) send(ctx context.Context, cmd Command, payload []byte) error {
	pkt, err := EncodePacket(cmd, payload)
	if err != nil {
		return err
	}
	c.drain()
	slog.Debug("[BOOT] request", "cmd", cmd, "len", len(payload))
	if err := c.link.WriteBest(ctx, c.attr, pkt); err != nil {
		return fmt.Errorf("bootloader: %v: %w", cmd, err)
	}
	return nil
}

// transact sends a request and waits for its response.
func (c *Channel) transact(ctx context.Context, cmd Command, payload []byte, timeout time.Duration) ([]byte, error) {
	if err := c.send(ctx, cmd, payload); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case pkt := <-c.resp:
		resp, err := DecodePacket(pkt)
		if err != nil {
			return nil, fmt.Errorf("bootloader: %v: %w", cmd, err)
		}
		if resp.Code != 0 {
			return nil, &StatusError{Op: cmd, Code: resp.Code}
		}
		return resp.Data, nil
	case <-timer.C:
		return nil, fmt.Errorf("bootloader: %v after %v: %w", cmd, timeout, ErrNoResponse)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Channel) mustBeEntered(cmd Command) error {
	if !c.Entered() {
		return fmt.Errorf("bootloader: %v: %w", cmd, ErrNotEntered)
	}
	return nil
}

// Enter puts the target in bootloader mode and returns its identity.
func (c *Channel) Enter(ctx context.Context) (DeviceInfo, error) {
	data, err := c.transact(ctx, CmdEnter, nil, c.opts.Timeout)
	if err != nil {
		return DeviceInfo{}, err
	}
	if len(data) < 8 {
		return DeviceInfo{}, fmt.Errorf("bootloader: ENTER returned %d bytes: %w", len(data), ErrBadPacket)
	}
	c.setEntered(true)
	return DeviceInfo{
		Device: Device{
			SiliconID:  binary.LittleEndian.Uint32(data),
			SiliconRev: data[4],
		},
		Major: data[5],
		Minor: data[6],
		Patch: data[7],
	}, nil
}

// FlashSize returns the row range of flash array arrayID.
func (c *Channel) FlashSize(ctx context.Context, arrayID uint8) (FlashSize, error) {
	if err := c.mustBeEntered(CmdReportSize); err != nil {
		return FlashSize{}, err
	}
	data, err := c.transact(ctx, CmdReportSize, []byte{arrayID}, c.opts.Timeout)
	if err != nil {
		return FlashSize{}, err
	}
	if len(data) < 4 {
		return FlashSize{}, fmt.Errorf("bootloader: REPORT_SIZE returned %d bytes: %w", len(data), ErrBadPacket)
	}
	return FlashSize{
		FirstRow:  binary.LittleEndian.Uint16(data),
		TotalRows: binary.LittleEndian.Uint16(data[2:]),
	}, nil
}

// StageData buffers part of a row in the target.
func (c *Channel) StageData(ctx context.Context, data []byte) error {
	if err := c.mustBeEntered(CmdData); err != nil {
		return err
	}
	_, err := c.transact(ctx, CmdData, data, c.opts.Timeout)
	return err
}

// Program writes the staged data followed by data to a flash row.
func (c *Channel) Program(ctx context.Context, arrayID uint8, row uint16, data []byte) error {
	if err := c.mustBeEntered(CmdProgram); err != nil {
		return err
	}
	payload := append(rowAddr(arrayID, row), data...)
	_, err := c.transact(ctx, CmdProgram, payload, c.opts.ProgramTimeout)
	return err
}

// Verify returns the checksum of a flash row as the target computes it.
func (c *Channel) Verify(ctx context.Context, arrayID uint8, row uint16) (uint8, error) {
	if err := c.mustBeEntered(CmdVerify); err != nil {
		return 0, err
	}
	data, err := c.transact(ctx, CmdVerify, rowAddr(arrayID, row), c.opts.Timeout)
	if err != nil {
		return 0, err
	}
	if len(data) < 1 {
		return 0, fmt.Errorf("bootloader: VERIFY returned no data: %w", ErrBadPacket)
	}
	return data[0], nil
}

// WriteRow stages and programs a whole row, then verifies it against
// checksum.
func (c *Channel) WriteRow(ctx context.Context, arrayID uint8, row uint16, data []byte, checksum uint8) error {
	for len(data) > c.opts.ChunkSize {
		if err := c.StageData(ctx, data[:c.opts.ChunkSize]); err != nil {
			return fmt.Errorf("row %d: %w", row, err)
		}
		data = data[c.opts.ChunkSize:]
	}
	if err := c.Program(ctx, arrayID, row, data); err != nil {
		return fmt.Errorf("row %d: %w", row, err)
	}
	got, err := c.Verify(ctx, arrayID, row)
	if err != nil {
		return fmt.Errorf("row %d: %w", row, err)
	}
	if got != checksum {
		return &ChecksumMismatchError{ArrayID: arrayID, Row: row, Expected: checksum, Actual: got}
	}
	return nil
}

// Validate asks the target to check the application checksum.
func (c *Channel) Validate(ctx context.Context) error {
	if err := c.mustBeEntered(CmdChecksum); err != nil {
		return err
	}
	data, err := c.transact(ctx, CmdChecksum, nil, c.opts.Timeout)
	if err != nil {
		return err
	}
	if len(data) < 1 || data[0] != 1 {
		return ErrInvalidApp
	}
	return nil
}

// Exit leaves bootloader mode. The target resets without answering.
func (c *Channel) Exit(ctx context.Context) error {
	if err := c.mustBeEntered(CmdExit); err != nil {
		return err
	}
	if err := c.send(ctx, CmdExit, nil); err != nil {
		return err
	}
	c.setEntered(false)
	return nil
}

func rowAddr(arrayID uint8, row uint16) []byte {
	return binary.LittleEndian.AppendUint16([]byte{arrayID}, row)
}
