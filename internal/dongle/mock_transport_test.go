package dongle

import (
	"encoding/binary"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/cyble/internal/dongle/protocol"
)

// txFrame is one command the engine wrote.
type txFrame struct {
	Op      protocol.Opcode
	Payload []byte
}

// mockTransport is a scripted fake dongle. Writes are decoded with the TX
// scanner and recorded; the responder may queue events in reply.
type mockTransport struct {
	mu      sync.Mutex
	rx      []byte
	writes  []txFrame
	closed  bool
	scan    *protocol.Scanner
	respond func(m *mockTransport, op protocol.Opcode, payload []byte)
	wrote   chan protocol.Opcode
}

func newMockTransport(respond func(m *mockTransport, op protocol.Opcode, payload []byte)) *mockTransport {
	return &mockTransport{
		scan:    protocol.NewTXScanner(protocol.DefaultMaxFrame),
		respond: respond,
		wrote:   make(chan protocol.Opcode, 64),
	}
}

func (m *mockTransport) Read(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, io.EOF
	}
	n := copy(p, m.rx)
	m.rx = m.rx[n:]
	return n, nil
}

func (m *mockTransport) Write(p []byte) (int, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	m.scan.Feed(p)
	var frames []txFrame
	for {
		msg, ok := m.scan.Next()
		if !ok {
			break
		}
		op, payload, err := protocol.DecodeCommand(msg)
		if err != nil {
			continue
		}
		f := txFrame{Op: op, Payload: append([]byte(nil), payload...)}
		m.writes = append(m.writes, f)
		frames = append(frames, f)
	}
	respond := m.respond
	m.mu.Unlock()

	for _, f := range frames {
		if respond != nil {
			respond(m, f.Op, f.Payload)
		}
		select {
		case m.wrote <- f.Op:
		default:
		}
	}
	return len(p), nil
}

func (m *mockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Writes returns a copy of the recorded commands.
func (m *mockTransport) Writes() []txFrame {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]txFrame, len(m.writes))
	copy(out, m.writes)
	return out
}

// Ops returns the recorded opcodes in order.
func (m *mockTransport) Ops() []protocol.Opcode {
	var ops []protocol.Opcode
	for _, w := range m.Writes() {
		ops = append(ops, w.Op)
	}
	return ops
}

// SimulateEvent queues an event for the engine to read.
func (m *mockTransport) SimulateEvent(code protocol.EventCode, payload []byte) {
	frame, err := protocol.EncodeEvent(code, payload)
	if err != nil {
		panic(err)
	}
	m.SimulateBytes(frame)
}

// SimulateBytes queues raw bytes for the engine to read.
func (m *mockTransport) SimulateBytes(b []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rx = append(m.rx, b...)
}

func (m *mockTransport) Complete(op protocol.Opcode, status uint16) {
	m.SimulateEvent(protocol.EvtCommandComplete, le16(uint16(op), status))
}

func (m *mockTransport) Status(op protocol.Opcode, status uint16) {
	m.SimulateEvent(protocol.EvtCommandStatus, le16(uint16(op), status))
}

func (m *mockTransport) Connected(handle uint16) {
	m.SimulateEvent(protocol.EvtEstablishConnectionResponse, le16(uint16(protocol.CmdEstablishConnection), handle))
}

func (m *mockTransport) Terminated(handle uint16, reason uint8) {
	m.SimulateEvent(protocol.EvtConnectionTerminated, append(le16(handle), reason))
}

func (m *mockTransport) Notify(handle, attr uint16, data []byte) {
	payload := append(le16(handle, attr, uint16(len(data))), data...)
	m.SimulateEvent(protocol.EvtCharacteristicValueNotification, payload)
}

func (m *mockTransport) ReadResponse(code protocol.EventCode, op protocol.Opcode, handle uint16, data []byte) {
	payload := append(le16(uint16(op), handle, uint16(len(data))), data...)
	m.SimulateEvent(code, payload)
}

func (m *mockTransport) GattError(op protocol.Opcode, handle uint16, pdu uint8, attr uint16, code uint8) {
	payload := le16(uint16(op), handle)
	payload = append(payload, pdu)
	payload = binary.LittleEndian.AppendUint16(payload, attr)
	m.SimulateEvent(protocol.EvtGattErrorNotification, append(payload, code))
}

// waitWrite blocks until the engine wrote op.
func (m *mockTransport) waitWrite(t *testing.T, op protocol.Opcode) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case got := <-m.wrote:
			if got == op {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %v, writes = %v", op, m.Ops())
		}
	}
}

// completeAll answers every command with a successful COMMAND_COMPLETE.
func completeAll(m *mockTransport, op protocol.Opcode, _ []byte) {
	if op == protocol.CmdToolDisconnected {
		return
	}
	m.Complete(op, 0)
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.PollInterval = time.Millisecond
	opts.CommandTimeout = time.Second
	opts.ConnectTimeout = time.Second
	opts.DiscoveryTimeout = time.Second
	opts.LongReadTimeout = time.Second
	return opts
}

func newTestEngine(t *testing.T, respond func(m *mockTransport, op protocol.Opcode, payload []byte)) (*Engine, *mockTransport) {
	t.Helper()
	m := newMockTransport(respond)
	e := NewEngine(m, testOptions())
	t.Cleanup(func() { _ = e.Close() })
	return e, m
}

// newConnectedClient returns a client already connected on handle 0x0004.
func newConnectedClient(t *testing.T, respond func(m *mockTransport, op protocol.Opcode, payload []byte)) (*Client, *mockTransport) {
	t.Helper()
	e, m := newTestEngine(t, respond)
	m.Connected(0x0004)
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := e.Handle(); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("engine never saw the connection")
		}
		time.Sleep(time.Millisecond)
	}
	return NewClient(e), m
}
