package dongle

import (
	"encoding/hex"
	"log/slog"

	"github.com/chaz8081/cyble/internal/dongle/protocol"
)

// Handlers receive asynchronous events. They run on the engine's worker
// goroutine and must not block or call back into the engine synchronously.
type Handlers struct {
	ScanReport      func(report []byte)
	ScanStopped     func()
	PairingRequest  func(auth protocol.AuthInfo)
	PasskeyRequest  func()
	AuthResult      func(reason uint8) // 0 is success
	Disconnected    func(reason uint8) // HCI reason
	Notification    func(attr uint16, data []byte)
	Indication      func(attr uint16, result uint16, data []byte)
	DataLengthReady func(ev protocol.DataLengthChanged)
}

// SetHandlers replaces the event handlers.
func (e *Engine) SetHandlers(h Handlers) {
	e.hmu.Lock()
	defer e.hmu.Unlock()
	e.handlers = h
}

// UpdateHandlers edits the event handlers in place.
func (e *Engine) UpdateHandlers(fn func(h *Handlers)) {
	e.hmu.Lock()
	defer e.hmu.Unlock()
	fn(&e.handlers)
}

// Subscribe diverts notifications for attr to fn instead of the generic
// Notification handler. The returned function removes the subscription.
func (e *Engine) Subscribe(attr uint16, fn func(data []byte)) (cancel func()) {
	e.hmu.Lock()
	e.subs[attr] = fn
	e.hmu.Unlock()
	return func() {
		e.hmu.Lock()
		delete(e.subs, attr)
		e.hmu.Unlock()
	}
}

func (e *Engine) snapshot() Handlers {
	e.hmu.Lock()
	defer e.hmu.Unlock()
	return e.handlers
}

func (e *Engine) subscriber(attr uint16) func([]byte) {
	e.hmu.Lock()
	defer e.hmu.Unlock()
	return e.subs[attr]
}

func statusErr(op protocol.Opcode, status uint16) error {
	if status == 0 {
		return nil
	}
	return &StatusError{Opcode: op, Status: status}
}

// discovery commands answer "attribute not found" once the peer has
// nothing more to report; that is their normal end.
func endsOnNotFound(op protocol.Opcode) bool {
	switch op {
	case protocol.CmdDiscoverAllPrimaryServices,
		protocol.CmdDiscoverPrimaryServicesByUUID,
		protocol.CmdDiscoverAllCharacteristics:
		return true
	}
	return false
}

func (e *Engine) route(ev protocol.Event) {
	h := e.snapshot()

	switch ev := ev.(type) {
	case protocol.CommandStatus:
		slog.Debug("[DONGLE] command status", "opcode", ev.Opcode, "status", ev.Status)
		switch ev.Opcode {
		case protocol.CmdStartScan, protocol.CmdInitiatePairingRequest:
			e.closeCommand(ev.Opcode, statusErr(ev.Opcode, ev.Status))
		}

	case protocol.CommandComplete:
		slog.Debug("[DONGLE] command complete", "opcode", ev.Opcode, "status", ev.Status)
		if ev.Opcode == protocol.CmdInitiatePairingRequest {
			// already closed by its status; this is the pairing outcome
			if h.AuthResult != nil {
				h.AuthResult(0)
			}
			return
		}
		if ev.Opcode == protocol.CmdStartScan {
			// closed by its status; this ends the scan procedure
			slog.Debug("[DONGLE] scan procedure complete", "status", ev.Status)
			return
		}
		e.closeCommand(ev.Opcode, statusErr(ev.Opcode, ev.Status))

	case protocol.ScanReport:
		if h.ScanReport != nil {
			h.ScanReport(ev.Data)
		}

	case protocol.ScanStopped:
		slog.Info("[GATT] scan stopped")
		if h.ScanStopped != nil {
			h.ScanStopped()
		}

	case protocol.ConnectionResponse:
		slog.Info("[GATT] connected", "handle", ev.Handle)
		e.handle.Store(int32(ev.Handle))
		e.mtu.Store(protocol.DefaultMTU)

	case protocol.EnhancedConnectionComplete:
		role := "master"
		if ev.Role != 0 {
			role = "slave"
		}
		slog.Debug("[GATT] enhanced connection complete", "status", ev.Status, "handle", ev.Handle, "role", role)

	case protocol.PairingRequest:
		slog.Info("[GATT] pairing request", "security", ev.Auth.Security, "bonding", ev.Auth.Bonding, "key_size", ev.Auth.KeySize)
		if h.PairingRequest != nil {
			h.PairingRequest(ev.Auth)
		}

	case protocol.DataLengthChanged:
		slog.Debug("[GATT] data length changed",
			"max_tx_octets", ev.MaxTxOctets, "max_tx_time", ev.MaxTxTime,
			"max_rx_octets", ev.MaxRxOctets, "max_rx_time", ev.MaxRxTime)
		if h.DataLengthReady != nil {
			h.DataLengthReady(ev)
		}

	case protocol.NegotiatedPairing:
		slog.Info("[GATT] negotiated pairing parameters", "reason", ev.Reason, "auth_err", ev.Auth.AuthErr)

	case protocol.PasskeyEntryRequest:
		slog.Info("[GATT] passkey requested", "handle", ev.Handle)
		if h.PasskeyRequest != nil {
			h.PasskeyRequest()
		}

	case protocol.MTUResponse:
		slog.Info("[GATT] mtu negotiated", "mtu", ev.MTU)
		e.mtu.Store(uint32(ev.MTU))

	case protocol.AuthenticationError:
		slog.Warn("[GATT] authentication failed", "reason", ev.Reason)
		if h.AuthResult != nil {
			h.AuthResult(ev.Reason)
		}

	case protocol.ConnectionTerminated:
		slog.Info("[GATT] disconnected", "handle", ev.Handle, "reason", ev.Reason)
		e.handle.Store(noHandle)
		e.mtu.Store(protocol.DefaultMTU)
		if h.Disconnected != nil {
			h.Disconnected(ev.Reason)
		}

	case protocol.StackMiscStatus:
		slog.Debug("[DONGLE] stack status", "event", ev.Event, "data", hex.EncodeToString(ev.Data))

	case protocol.Notification:
		if fn := e.subscriber(ev.Attr); fn != nil {
			fn(ev.Data)
			return
		}
		if h.Notification != nil {
			h.Notification(ev.Attr, ev.Data)
		}

	case protocol.Indication:
		if h.Indication != nil {
			h.Indication(ev.Attr, ev.Result, ev.Data)
		}

	case protocol.DataResponse:
		e.saveData(ev.Opcode, ev.Data)

	case protocol.GattErrorNotification:
		slog.Warn("[GATT] error response", "opcode", ev.Opcode,
			"pdu", protocol.ATTOpcodeName(ev.PDU), "attr", ev.Attr, "error", protocol.ATTErrorName(ev.Error))
		if endsOnNotFound(ev.Opcode) {
			e.closeCommand(ev.Opcode, nil)
			return
		}
		e.closeCommand(ev.Opcode, &GattError{Opcode: ev.Opcode, PDU: ev.PDU, Handle: ev.Attr, Code: ev.Error})

	case protocol.ServiceByUUIDProgress:
		if ev.End == 0xFFFF {
			e.closeCommand(ev.Opcode, nil)
			return
		}
		if e.collecting(ev.Code(), ev.Opcode, protocol.CmdDiscoverPrimaryServicesByUUID) {
			e.acc.Services = append(e.acc.Services, protocol.Service{Start: ev.Start, End: ev.End})
		}

	case protocol.ServicesProgress:
		if e.collecting(ev.Code(), ev.Opcode, protocol.CmdDiscoverAllPrimaryServices) {
			e.acc.Services = append(e.acc.Services, ev.Services...)
		}

	case protocol.CharacteristicsProgress:
		want := protocol.CmdDiscoverAllCharacteristics
		if ev.Event == protocol.EvtDiscoverCharsByUUIDProgress {
			want = protocol.CmdDiscoverCharacteristicsByUUID
		}
		if e.collecting(ev.Code(), ev.Opcode, want) {
			e.acc.Characteristics = append(e.acc.Characteristics, ev.Characteristics...)
		}

	case protocol.DescriptorsProgress:
		if e.collecting(ev.Code(), ev.Opcode, protocol.CmdDiscoverAllCharDescriptors) {
			e.acc.Descriptors = append(e.acc.Descriptors, ev.Descriptors...)
		}

	case protocol.Unknown:
		slog.Debug("[DONGLE] unhandled event", "event", ev.Event, "payload", hex.EncodeToString(ev.Payload))

	default:
		slog.Debug("[DONGLE] unrouted event", "event", ev.Code())
	}
}
