package bootloader

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/chaz8081/cyble/internal/cyacd"
	"github.com/chaz8081/cyble/internal/dongle/protocol"
)

const (
	testSilicon = 0x04C81193
	testValue   = 0x000E
	testCCCD    = 0x000F
)

type request struct {
	Cmd     Command
	Payload []byte
}

// fakeSession is a peer running the bootloader. It keeps staged data and
// programmed rows, and answers VERIFY with the checksum of what it stored.
type fakeSession struct {
	mu       sync.Mutex
	subs     map[uint16]func([]byte)
	requests []request
	staged   []byte
	rows     map[uint16][]byte
	notify   bool
	silent   bool

	siliconRev uint8
	chars      []protocol.Characteristic
	descs      []protocol.Descriptor

	// override answers a command instead of the emulation; returning nil
	// falls through to it.
	override func(cmd Command, payload []byte) []byte
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		subs:  make(map[uint16]func([]byte)),
		rows:  make(map[uint16][]byte),
		chars: []protocol.Characteristic{{Handle: 0x000D, Properties: protocol.PropWrite | protocol.PropNotify, ValueHandle: testValue}},
		descs: []protocol.Descriptor{{Handle: testCCCD, UUID: protocol.CCCD}},
	}
}

func okResponse(data ...byte) []byte {
	pkt, _ := EncodePacket(Command(0), data)
	return pkt
}

func statusResponse(code uint8) []byte {
	pkt, _ := EncodePacket(Command(code), nil)
	return pkt
}

func (f *fakeSession) Subscribe(attr uint16, fn func([]byte)) func() {
	f.mu.Lock()
	f.subs[attr] = fn
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.subs, attr)
		f.mu.Unlock()
	}
}

func (f *fakeSession) WriteBest(_ context.Context, attr uint16, data []byte) error {
	req, err := DecodePacket(data)
	if err != nil {
		return err
	}
	cmd := Command(req.Code)

	f.mu.Lock()
	f.requests = append(f.requests, request{Cmd: cmd, Payload: append([]byte(nil), req.Data...)})
	override := f.override
	f.mu.Unlock()

	var resp []byte
	if override != nil {
		resp = override(cmd, req.Data)
	}
	if resp == nil {
		resp = f.emulate(cmd, req.Data)
	}

	f.mu.Lock()
	fn := f.subs[attr]
	if f.silent {
		fn = nil
	}
	f.mu.Unlock()
	if resp != nil && fn != nil {
		fn(resp)
	}
	return nil
}

func (f *fakeSession) emulate(cmd Command, payload []byte) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd {
	case CmdEnter:
		data := binary.LittleEndian.AppendUint32(nil, testSilicon)
		return okResponse(append(data, f.siliconRev, 1, 2, 3)...)
	case CmdReportSize:
		return okResponse(0x10, 0x00, 0x00, 0x01)
	case CmdData:
		f.staged = append(f.staged, payload...)
		return okResponse()
	case CmdProgram:
		row := binary.LittleEndian.Uint16(payload[1:])
		f.rows[row] = append(f.staged, payload[3:]...)
		f.staged = nil
		return okResponse()
	case CmdVerify:
		row := binary.LittleEndian.Uint16(payload[1:])
		return okResponse(cyacd.DataChecksum(f.rows[row]))
	case CmdChecksum:
		return okResponse(1)
	}
	return nil
}

func (f *fakeSession) FindPrimaryService(_ context.Context, uuid bluetooth.UUID) (protocol.Service, error) {
	return protocol.Service{Start: 0x000C, End: 0x000F, UUID: uuid}, nil
}

func (f *fakeSession) Characteristics(context.Context, protocol.Service, bluetooth.UUID) ([]protocol.Characteristic, error) {
	return f.chars, nil
}

func (f *fakeSession) Descriptors(context.Context, uint16) ([]protocol.Descriptor, error) {
	return f.descs, nil
}

func (f *fakeSession) WriteDescriptor(_ context.Context, _ uint16, notify, _ bool) error {
	f.mu.Lock()
	f.notify = notify
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) ReadDescriptor(context.Context, uint16) (bool, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.notify, false, nil
}

func (f *fakeSession) Requests() []request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]request, len(f.requests))
	copy(out, f.requests)
	return out
}

func (f *fakeSession) Commands() []Command {
	var cmds []Command
	for _, r := range f.Requests() {
		cmds = append(cmds, r.Cmd)
	}
	return cmds
}

func (f *fakeSession) Row(n uint16) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[n]
}

func testChannelOptions() Options {
	return Options{Timeout: time.Second, ProgramTimeout: time.Second, ChunkSize: DefaultChunk}
}

func newTestChannel(t *testing.T, f *fakeSession) *Channel {
	t.Helper()
	ch := NewChannel(f, testValue, testChannelOptions())
	t.Cleanup(ch.Close)
	return ch
}

func enteredChannel(t *testing.T, f *fakeSession) *Channel {
	t.Helper()
	ch := newTestChannel(t, f)
	if _, err := ch.Enter(context.Background()); err != nil {
		t.Fatalf("Enter() error = %v", err)
	}
	return ch
}
