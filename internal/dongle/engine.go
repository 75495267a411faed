package dongle

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chaz8081/cyble/internal/dongle/protocol"
)

// Options configures the engine.
type Options struct {
	PollInterval     time.Duration // reader back-off when the transport has nothing
	CommandTimeout   time.Duration
	ConnectTimeout   time.Duration
	DiscoveryTimeout time.Duration
	LongReadTimeout  time.Duration
	AbortOnMismatch  bool // fail the current command on a mismatched completion
	MaxFrame         int
}

// DefaultOptions returns the timings of the vendor tool.
func DefaultOptions() Options {
	return Options{
		PollInterval:     100 * time.Millisecond,
		CommandTimeout:   5 * time.Second,
		ConnectTimeout:   10 * time.Second,
		DiscoveryTimeout: 10 * time.Second,
		LongReadTimeout:  10 * time.Second,
		MaxFrame:         protocol.DefaultMaxFrame,
	}
}

// Outcome is what a completed command produced. Data collects the payload
// of data-bearing events; the record slices collect discovery results.
type Outcome struct {
	Data            []byte
	Services        []protocol.Service
	Characteristics []protocol.Characteristic
	Descriptors     []protocol.Descriptor
}

type result struct {
	out Outcome
	err error
}

type requestKind int

const (
	kindCommand requestKind = iota
	kindAbort
	kindQuit
)

type request struct {
	kind    requestKind
	op      protocol.Opcode
	payload []byte
	target  *request // abort only
	done    chan result
}

const noHandle = -1

// Engine serializes commands to the dongle and routes its events. One
// worker goroutine owns the transport writes and all protocol state;
// callers reach it only through the request channel.
type Engine struct {
	t    Transport
	opts Options

	reqs       chan *request
	rx         chan []byte
	rxErr      chan error
	done       chan struct{}
	readerDone chan struct{}
	closeOnce  sync.Once

	handle atomic.Int32
	mtu    atomic.Uint32

	hmu      sync.Mutex
	handlers Handlers
	subs     map[uint16]func([]byte)

	// owned by the worker
	rxScan  *protocol.Scanner
	queue   []*request
	current *request
	acc     Outcome
	retired *protocol.Opcode // aborted while in flight, may still answer once
}

// NewEngine starts the worker and reader goroutines on an open transport.
func NewEngine(t Transport, opts Options) *Engine {
	def := DefaultOptions()
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = def.CommandTimeout
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if opts.DiscoveryTimeout <= 0 {
		opts.DiscoveryTimeout = def.DiscoveryTimeout
	}
	if opts.LongReadTimeout <= 0 {
		opts.LongReadTimeout = def.LongReadTimeout
	}
	if opts.MaxFrame <= 0 {
		opts.MaxFrame = def.MaxFrame
	}

	e := &Engine{
		t:          t,
		opts:       opts,
		reqs:       make(chan *request, 64),
		rx:         make(chan []byte, 16),
		rxErr:      make(chan error, 1),
		done:       make(chan struct{}),
		readerDone: make(chan struct{}),
		subs:       make(map[uint16]func([]byte)),
		rxScan:     protocol.NewRXScanner(opts.MaxFrame),
	}
	e.handle.Store(noHandle)
	e.mtu.Store(protocol.DefaultMTU)

	go e.read()
	go e.run()
	return e
}

// Options returns the effective options.
func (e *Engine) Options() Options { return e.opts }

// Handle returns the connection handle, if connected.
func (e *Engine) Handle() (uint16, bool) {
	h := e.handle.Load()
	if h == noHandle {
		return 0, false
	}
	return uint16(h), true
}

// MTU returns the ATT MTU of the current connection.
func (e *Engine) MTU() uint16 { return uint16(e.mtu.Load()) }

// Submit sends a command and waits for its completion. On timeout or
// cancellation the command is aborted host-side; the dongle is not told.
func (e *Engine) Submit(ctx context.Context, op protocol.Opcode, payload []byte, timeout time.Duration) (Outcome, error) {
	if timeout <= 0 {
		timeout = e.opts.CommandTimeout
	}
	req := &request{kind: kindCommand, op: op, payload: payload, done: make(chan result, 1)}
	if err := e.enqueue(ctx, req); err != nil {
		return Outcome{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-req.done:
		return res.out, res.err
	case <-timer.C:
		e.abort(req)
		return Outcome{}, fmt.Errorf("dongle: %v after %v: %w", op, timeout, ErrTimeout)
	case <-ctx.Done():
		e.abort(req)
		return Outcome{}, fmt.Errorf("dongle: %v: %w", op, ctx.Err())
	case <-e.done:
		// the worker may have answered just before exiting
		select {
		case res := <-req.done:
			return res.out, res.err
		default:
		}
		return Outcome{}, ErrClosed
	}
}

func (e *Engine) enqueue(ctx context.Context, req *request) error {
	select {
	case <-e.done:
		return ErrClosed
	default:
	}
	select {
	case e.reqs <- req:
		return nil
	case <-e.done:
		return ErrClosed
	case <-ctx.Done():
		return fmt.Errorf("dongle: %v: %w", req.op, ctx.Err())
	}
}

func (e *Engine) abort(target *request) {
	_ = e.enqueue(context.Background(), &request{kind: kindAbort, target: target})
}

// Close stops the worker, which sends Tool_Disconnected as its last write,
// then closes the transport.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		select {
		case e.reqs <- &request{kind: kindQuit}:
		case <-e.done:
		}
		<-e.done
		err = e.t.Close()
		<-e.readerDone
	})
	return err
}

// Done is closed when the worker has stopped.
func (e *Engine) Done() <-chan struct{} { return e.done }

func (e *Engine) read() {
	defer close(e.readerDone)
	buf := make([]byte, 4096)
	for {
		n, err := e.t.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case e.rx <- chunk:
			case <-e.done:
				return
			}
		}
		if err != nil {
			select {
			case e.rxErr <- err:
			case <-e.done:
			}
			return
		}
		if n == 0 {
			select {
			case <-time.After(e.opts.PollInterval):
			case <-e.done:
				return
			}
		}
	}
}

func (e *Engine) run() {
	defer close(e.done)
	slog.Debug("[DONGLE] worker started")

	for {
		select {
		case req := <-e.reqs:
			e.queue = append(e.queue, req)
		case data := <-e.rx:
			e.feed(data)
		case err := <-e.rxErr:
			slog.Error("[DONGLE] transport read failed, stopping", "error", err)
			e.failAll(fmt.Errorf("dongle: read: %w: %w", ErrClosed, err))
			return
		}
		if !e.pump() {
			slog.Debug("[DONGLE] worker stopped")
			return
		}
	}
}

// pump walks the queue oldest first. Aborts and Quit act immediately;
// a command is sent only when nothing is in flight, otherwise it keeps its
// place.
func (e *Engine) pump() bool {
	for i := 0; i < len(e.queue); {
		req := e.queue[i]
		switch req.kind {
		case kindQuit:
			e.removeAt(i)
			if err := e.write(protocol.CmdToolDisconnected, nil); err != nil {
				slog.Warn("[DONGLE] could not release the dongle", "error", err)
			}
			e.failAll(ErrClosed)
			return false

		case kindAbort:
			e.removeAt(i)
			if e.current != nil && e.current == req.target {
				slog.Warn("[DONGLE] aborting command in flight", "opcode", e.current.op)
				op := e.current.op
				e.retired = &op
				e.current = nil
				i = 0
				continue
			}
			if j := e.indexOf(req.target); j >= 0 {
				slog.Debug("[DONGLE] dropping timed out command before sending", "opcode", req.target.op)
				e.removeAt(j)
				if j < i {
					i--
				}
			}

		case kindCommand:
			if e.current != nil {
				i++
				continue
			}
			e.removeAt(i)
			e.start(req)
		}
	}
	return true
}

func (e *Engine) start(req *request) {
	if e.retired != nil && *e.retired == req.op {
		// a late answer would now close req; nothing left to tell apart
		e.retired = nil
	}
	e.acc = Outcome{}
	e.current = req
	if err := e.write(req.op, req.payload); err != nil {
		e.current = nil
		req.done <- result{err: err}
	}
}

func (e *Engine) write(op protocol.Opcode, payload []byte) error {
	frame, err := protocol.EncodeCommand(op, payload)
	if err != nil {
		return fmt.Errorf("dongle: %v: %w", op, err)
	}
	slog.Debug("[DONGLE] IRP_MJ_WRITE", "opcode", op, "data", hex.EncodeToString(frame))
	if _, err := e.t.Write(frame); err != nil {
		return fmt.Errorf("dongle: write %v: %w", op, err)
	}
	return nil
}

func (e *Engine) feed(data []byte) {
	slog.Debug("[DONGLE] IRP_MJ_READ", "data", hex.EncodeToString(data))
	e.rxScan.Feed(data)
	for {
		msg, ok := e.rxScan.Next()
		if !ok {
			return
		}
		ev, err := protocol.ParseEvent(msg)
		if err != nil {
			slog.Warn("[DONGLE] malformed event", "error", err, "msg", hex.EncodeToString(msg))
			if ev == nil {
				continue
			}
		}
		e.route(ev)
	}
}

func (e *Engine) removeAt(i int) {
	copy(e.queue[i:], e.queue[i+1:])
	e.queue[len(e.queue)-1] = nil
	e.queue = e.queue[:len(e.queue)-1]
}

func (e *Engine) indexOf(req *request) int {
	for i, r := range e.queue {
		if r == req {
			return i
		}
	}
	return -1
}

func (e *Engine) failAll(err error) {
	if e.current != nil {
		e.current.done <- result{err: err}
		e.current = nil
	}
	for _, req := range e.queue {
		if req.kind == kindCommand {
			req.done <- result{err: err}
		}
	}
	e.queue = nil
}

// closeCommand delivers the result of the command in flight. A completion
// for anything else is a correlation error: logged, and by default the
// command in flight is left to time out.
//
// A command aborted in flight may still be answered; its one late
// completion is absorbed so it cannot close the next command.
func (e *Engine) closeCommand(op protocol.Opcode, err error) {
	if e.retired != nil && *e.retired == op && (e.current == nil || e.current.op != op) {
		slog.Warn("[DONGLE] stale completion dropped", "opcode", op)
		e.retired = nil
		return
	}
	if e.current == nil {
		slog.Warn("[DONGLE] completion with no command waiting", "opcode", op)
		return
	}
	if e.current.op != op {
		slog.Warn("[DONGLE] completion for a command not in flight", "opcode", op, "current", e.current.op)
		if e.opts.AbortOnMismatch {
			e.current.done <- result{err: fmt.Errorf("dongle: %v completed while waiting for %v: %w", op, e.current.op, ErrDesync)}
			e.current = nil
		}
		return
	}
	res := result{err: err}
	if err == nil {
		res.out = e.acc
	}
	e.current.done <- res
	e.current = nil
	e.acc = Outcome{}
}

// saveData appends data produced for the command in flight.
func (e *Engine) saveData(op protocol.Opcode, data []byte) {
	if e.current == nil {
		slog.Warn("[DONGLE] data with no command waiting", "opcode", op)
		return
	}
	if e.current.op != op {
		slog.Warn("[DONGLE] data for a command not in flight", "opcode", op, "current", e.current.op)
		return
	}
	e.acc.Data = append(e.acc.Data, data...)
}

// collecting reports whether a discovery fragment produced by op belongs
// to the command in flight. Fragments left over from an aborted discovery
// are dropped.
func (e *Engine) collecting(code protocol.EventCode, op, want protocol.Opcode) bool {
	if e.current == nil {
		slog.Warn("[DONGLE] discovery results with no command waiting", "event", code, "opcode", op)
		return false
	}
	if op != want || e.current.op != op {
		slog.Warn("[DONGLE] stale discovery fragment dropped", "event", code, "opcode", op, "current", e.current.op)
		return false
	}
	return true
}
