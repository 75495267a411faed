package protocol

import (
	"encoding/binary"
	"fmt"

	"tinygo.org/x/bluetooth"
)

// Event is a decoded inbound message. Every event code the engine reacts
// to has its own type; anything else decodes to Unknown.
type Event interface {
	Code() EventCode
}

// CommandStatus reports that the dongle accepted (or refused) a command.
type CommandStatus struct {
	Opcode Opcode
	Status uint16
}

// CommandComplete reports the end of a command.
type CommandComplete struct {
	Opcode Opcode
	Status uint16
}

// ConnectionResponse carries the handle of a new connection.
type ConnectionResponse struct {
	Opcode Opcode
	Handle uint16
}

// EnhancedConnectionComplete is informational.
type EnhancedConnectionComplete struct {
	Opcode Opcode
	Status uint8
	Handle uint16
	Role   uint8
}

// AuthInfo mirrors the stack's authentication info block.
type AuthInfo struct {
	Security          uint8
	Bonding           uint8
	KeySize           uint8
	AuthErr           uint8
	PairingProperties uint8
}

// PairingRequest is sent when the peer asks to pair.
type PairingRequest struct {
	Handle uint16
	Auth   AuthInfo
}

// DataLengthChanged reports new link-layer data length limits.
type DataLengthChanged struct {
	Handle      uint16
	MaxTxOctets uint16
	MaxTxTime   uint16
	MaxRxOctets uint16
	MaxRxTime   uint16
}

// NegotiatedPairing reports the pairing parameters agreed with the peer.
type NegotiatedPairing struct {
	Handle uint16
	Reason uint8
	Auth   AuthInfo
}

// PasskeyEntryRequest asks the host for the pairing passkey.
type PasskeyEntryRequest struct {
	Opcode Opcode
	Handle uint16
}

// MTUResponse carries the negotiated ATT MTU.
type MTUResponse struct {
	Opcode Opcode
	Handle uint16
	MTU    uint16
}

// AuthenticationError reports a failed pairing.
type AuthenticationError struct {
	Opcode Opcode
	Handle uint16
	Reason uint8
}

// ConnectionTerminated reports a disconnection with its HCI reason.
type ConnectionTerminated struct {
	Handle uint16
	Reason uint8
}

// StackMiscStatus is a free-form stack report.
type StackMiscStatus struct {
	Event uint16
	Data  []byte
}

// Notification is a handle value notification.
type Notification struct {
	Handle uint16
	Attr   uint16
	Data   []byte
}

// Indication is a handle value indication.
type Indication struct {
	Handle uint16
	Attr   uint16
	Result uint16
	Data   []byte
}

// DataResponse carries data produced by the command named in Opcode: read
// responses and the GET_* family.
type DataResponse struct {
	Event  EventCode
	Opcode Opcode
	Data   []byte
}

// ScanReport is one advertising report, still encoded.
type ScanReport struct {
	Data []byte
}

// ScanStopped reports the end of a scan.
type ScanStopped struct{}

// GattErrorNotification is an ATT error response for a GATT command.
type GattErrorNotification struct {
	Opcode Opcode
	Handle uint16
	PDU    uint8
	Attr   uint16
	Error  uint8
}

// ServiceByUUIDProgress is one find-by-type-value result. End equal to
// 0xFFFF terminates the discovery.
type ServiceByUUIDProgress struct {
	Opcode Opcode
	Handle uint16
	Start  uint16
	End    uint16
}

// ServicesProgress is one fragment of an all-services discovery.
type ServicesProgress struct {
	Opcode   Opcode
	Handle   uint16
	Services []Service
}

// CharacteristicsProgress is one fragment of a characteristic discovery.
type CharacteristicsProgress struct {
	Event           EventCode
	Opcode          Opcode
	Handle          uint16
	Characteristics []Characteristic
}

// DescriptorsProgress is one fragment of a descriptor discovery.
type DescriptorsProgress struct {
	Opcode      Opcode
	Handle      uint16
	Descriptors []Descriptor
}

// Unknown is any event without a dedicated type.
type Unknown struct {
	Event   EventCode
	Payload []byte
}

func (CommandStatus) Code() EventCode              { return EvtCommandStatus }
func (CommandComplete) Code() EventCode            { return EvtCommandComplete }
func (ConnectionResponse) Code() EventCode         { return EvtEstablishConnectionResponse }
func (EnhancedConnectionComplete) Code() EventCode { return EvtEnhancedConnectionComplete }
func (PairingRequest) Code() EventCode             { return EvtPairingRequestReceived }
func (DataLengthChanged) Code() EventCode          { return EvtDataLengthChanged }
func (NegotiatedPairing) Code() EventCode          { return EvtNegotiatedPairingParameters }
func (PasskeyEntryRequest) Code() EventCode        { return EvtPasskeyEntryRequest }
func (MTUResponse) Code() EventCode                { return EvtExchangeMTUSizeResponse }
func (AuthenticationError) Code() EventCode        { return EvtAuthenticationError }
func (ConnectionTerminated) Code() EventCode       { return EvtConnectionTerminated }
func (StackMiscStatus) Code() EventCode            { return EvtReportStackMisc }
func (Notification) Code() EventCode               { return EvtCharacteristicValueNotification }
func (Indication) Code() EventCode                 { return EvtCharacteristicValueIndication }
func (e DataResponse) Code() EventCode             { return e.Event }
func (ScanReport) Code() EventCode                 { return EvtScanProgressResult }
func (ScanStopped) Code() EventCode                { return EvtScanStopped }
func (GattErrorNotification) Code() EventCode      { return EvtGattErrorNotification }
func (ServiceByUUIDProgress) Code() EventCode      { return EvtDiscoverServicesByUUIDProgress }
func (ServicesProgress) Code() EventCode           { return EvtDiscoverAllServicesProgress }
func (e CharacteristicsProgress) Code() EventCode  { return e.Event }
func (DescriptorsProgress) Code() EventCode        { return EvtDiscoverAllDescriptorsProgress }
func (e Unknown) Code() EventCode                  { return e.Event }

// reader walks a little-endian payload.
type reader struct {
	b   []byte
	err error
}

func (r *reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if len(r.b) < n {
		r.err = ErrShortPayload
		return false
	}
	return true
}

func (r *reader) u8() uint8 {
	if !r.need(1) {
		return 0
	}
	v := r.b[0]
	r.b = r.b[1:]
	return v
}

func (r *reader) u16() uint16 {
	if !r.need(2) {
		return 0
	}
	v := binary.LittleEndian.Uint16(r.b)
	r.b = r.b[2:]
	return v
}

func (r *reader) bytes(n int) []byte {
	if !r.need(n) {
		return nil
	}
	v := r.b[:n]
	r.b = r.b[n:]
	return v
}

func (r *reader) rest() []byte {
	v := r.b
	r.b = nil
	return v
}

func (r *reader) uuid(kind uint8) bluetooth.UUID {
	if kind == 1 {
		return bluetooth.New16BitUUID(r.u16())
	}
	raw := r.bytes(16)
	if raw == nil {
		return bluetooth.UUID{}
	}
	u, _ := UUIDFromWire(raw)
	return u
}

func (r *reader) authInfo() AuthInfo {
	return AuthInfo{
		Security:          r.u8(),
		Bonding:           r.u8(),
		KeySize:           r.u8(),
		AuthErr:           r.u8(),
		PairingProperties: r.u8(),
	}
}

// ParseEvent splits an RX message and decodes its payload. A decoding
// error never loses the event code: the returned Event is Unknown.
func ParseEvent(msg []byte) (Event, error) {
	code, payload, err := DecodeEvent(msg)
	if err != nil {
		return nil, err
	}
	ev, err := decodePayload(code, payload)
	if err != nil {
		return Unknown{Event: code, Payload: payload}, fmt.Errorf("protocol: decode %v: %w", code, err)
	}
	return ev, nil
}

func decodePayload(code EventCode, payload []byte) (Event, error) {
	r := &reader{b: payload}
	var ev Event

	switch code {
	case EvtCommandStatus:
		ev = CommandStatus{Opcode: Opcode(r.u16()), Status: r.u16()}
	case EvtCommandComplete:
		ev = CommandComplete{Opcode: Opcode(r.u16()), Status: r.u16()}
	case EvtEstablishConnectionResponse:
		ev = ConnectionResponse{Opcode: Opcode(r.u16()), Handle: r.u16()}
	case EvtEnhancedConnectionComplete:
		ev = EnhancedConnectionComplete{Opcode: Opcode(r.u16()), Status: r.u8(), Handle: r.u16(), Role: r.u8()}
	case EvtPairingRequestReceived:
		ev = PairingRequest{Handle: r.u16(), Auth: r.authInfo()}
	case EvtDataLengthChanged:
		ev = DataLengthChanged{
			Handle:      r.u16(),
			MaxTxOctets: r.u16(),
			MaxTxTime:   r.u16(),
			MaxRxOctets: r.u16(),
			MaxRxTime:   r.u16(),
		}
	case EvtNegotiatedPairingParameters:
		ev = NegotiatedPairing{Handle: r.u16(), Reason: r.u8(), Auth: r.authInfo()}
	case EvtPasskeyEntryRequest:
		ev = PasskeyEntryRequest{Opcode: Opcode(r.u16()), Handle: r.u16()}
	case EvtExchangeMTUSizeResponse:
		ev = MTUResponse{Opcode: Opcode(r.u16()), Handle: r.u16(), MTU: r.u16()}
	case EvtAuthenticationError:
		ev = AuthenticationError{Opcode: Opcode(r.u16()), Handle: r.u16(), Reason: r.u8()}
	case EvtConnectionTerminated:
		ev = ConnectionTerminated{Handle: r.u16(), Reason: r.u8()}
	case EvtReportStackMisc:
		event := r.u16()
		n := int(r.u16())
		ev = StackMiscStatus{Event: event, Data: r.bytes(n)}
	case EvtCharacteristicValueNotification:
		ev = Notification{Handle: r.u16(), Attr: r.u16(), Data: skipLen(r)}
	case EvtCharacteristicValueIndication:
		ev = Indication{Handle: r.u16(), Attr: r.u16(), Result: r.u16(), Data: skipLen(r)}
	case EvtGetBluetoothDeviceAddressResponse:
		ev = DataResponse{Event: code, Opcode: Opcode(r.u16()), Data: r.bytes(6)}
	case EvtGetScanParametersResponse, EvtGetTxPowerResponse, EvtGetRSSIResponse:
		ev = DataResponse{Event: code, Opcode: Opcode(r.u16()), Data: r.rest()}
	case EvtReadCharacteristicValueResponse, EvtReadLongCharValueResponse, EvtReadCharDescriptorResponse:
		op := Opcode(r.u16())
		r.u16() // connection handle
		ev = DataResponse{Event: code, Opcode: op, Data: skipLen(r)}
	case EvtScanProgressResult:
		r.u16()
		ev = ScanReport{Data: r.rest()}
	case EvtScanStopped:
		ev = ScanStopped{}
	case EvtGattErrorNotification:
		ev = GattErrorNotification{Opcode: Opcode(r.u16()), Handle: r.u16(), PDU: r.u8(), Attr: r.u16(), Error: r.u8()}
	case EvtDiscoverServicesByUUIDProgress:
		ev = ServiceByUUIDProgress{Opcode: Opcode(r.u16()), Handle: r.u16(), Start: r.u16(), End: r.u16()}
	case EvtDiscoverAllServicesProgress:
		ev = decodeServices(r)
	case EvtDiscoverCharsByUUIDProgress:
		ev = decodeCharsByUUID(r)
	case EvtDiscoverAllCharsProgress:
		ev = decodeAllChars(r)
	case EvtDiscoverAllDescriptorsProgress:
		ev = decodeDescriptors(r)
	default:
		return Unknown{Event: code, Payload: payload}, nil
	}
	if r.err != nil {
		return nil, r.err
	}
	return ev, nil
}

// skipLen drops the length field that precedes trailing data and returns
// what actually arrived.
func skipLen(r *reader) []byte {
	r.u16()
	if r.err != nil {
		return nil
	}
	return r.rest()
}

func decodeServices(r *reader) ServicesProgress {
	ev := ServicesProgress{Opcode: Opcode(r.u16()), Handle: r.u16()}
	for r.err == nil && len(r.b) > 0 {
		svc := Service{Start: r.u16(), End: r.u16()}
		svc.UUID = r.uuid(r.u8())
		if r.err == nil {
			ev.Services = append(ev.Services, svc)
		}
	}
	return ev
}

func decodeCharsByUUID(r *reader) CharacteristicsProgress {
	ev := CharacteristicsProgress{Event: EvtDiscoverCharsByUUIDProgress, Opcode: Opcode(r.u16()), Handle: r.u16()}
	for r.err == nil && len(r.b) >= 5 {
		ev.Characteristics = append(ev.Characteristics, Characteristic{
			Handle:      r.u16(),
			Properties:  Properties(r.u8()),
			ValueHandle: r.u16(),
		})
	}
	return ev
}

func decodeAllChars(r *reader) CharacteristicsProgress {
	ev := CharacteristicsProgress{Event: EvtDiscoverAllCharsProgress, Opcode: Opcode(r.u16()), Handle: r.u16()}
	for r.err == nil && len(r.b) >= 8 {
		c := Characteristic{
			Handle:      r.u16(),
			Properties:  Properties(r.u8()),
			ValueHandle: r.u16(),
		}
		c.UUID = r.uuid(r.u8())
		if r.err == nil {
			ev.Characteristics = append(ev.Characteristics, c)
		}
	}
	return ev
}

func decodeDescriptors(r *reader) DescriptorsProgress {
	ev := DescriptorsProgress{Opcode: Opcode(r.u16()), Handle: r.u16()}
	for r.err == nil && len(r.b) >= 5 {
		d := Descriptor{Handle: r.u16()}
		d.UUID = r.uuid(r.u8())
		if r.err == nil {
			ev.Descriptors = append(ev.Descriptors, d)
		}
	}
	return ev
}
