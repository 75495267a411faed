package dongle

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"

	"tinygo.org/x/bluetooth"

	"github.com/chaz8081/cyble/internal/dongle/protocol"
)

// MTU bounds accepted by ExchangeMTU.
const (
	MinMTU = 23
	MaxMTU = 512
)

// Client is a GATT client session over the dongle. The dongle connects to
// one peripheral at a time, so a Client has at most one connection.
type Client struct {
	e *Engine
}

// NewClient wraps an engine.
func NewClient(e *Engine) *Client {
	return &Client{e: e}
}

// Open opens the serial port and starts an engine on it.
func Open(serialOpts SerialOptions, opts Options) (*Client, error) {
	t, err := OpenSerial(serialOpts)
	if err != nil {
		return nil, err
	}
	return NewClient(NewEngine(t, opts)), nil
}

// Engine exposes the underlying engine.
func (c *Client) Engine() *Engine { return c.e }

// Close releases the dongle and closes the transport.
func (c *Client) Close() error { return c.e.Close() }

// Subscribe routes notifications of attr to fn. See Engine.Subscribe.
func (c *Client) Subscribe(attr uint16, fn func(data []byte)) (cancel func()) {
	return c.e.Subscribe(attr, fn)
}

// Connected reports whether a peripheral is connected.
func (c *Client) Connected() bool {
	_, ok := c.e.Handle()
	return ok
}

// MTU returns the ATT MTU of the current connection.
func (c *Client) MTU() int { return int(c.e.MTU()) }

func (c *Client) handle() (uint16, error) {
	h, ok := c.e.Handle()
	if !ok {
		return 0, ErrNotConnected
	}
	return h, nil
}

func le16(vals ...uint16) []byte {
	buf := make([]byte, 0, 2*len(vals))
	for _, v := range vals {
		buf = binary.LittleEndian.AppendUint16(buf, v)
	}
	return buf
}

// Connect connects to a peripheral. kind is protocol.AddressPublic or
// protocol.AddressRandom.
func (c *Client) Connect(ctx context.Context, addr bluetooth.MAC, kind uint8) error {
	if c.Connected() {
		return ErrAlreadyConnected
	}
	if kind > protocol.AddressRandom {
		return fmt.Errorf("dongle: address kind must be 0 or 1, got %d", kind)
	}
	slog.Info("[GATT] connecting", "address", addr.String(), "kind", kind)
	payload := append(protocol.MACToWire(addr), kind)
	if _, err := c.e.Submit(ctx, protocol.CmdEstablishConnection, payload, c.e.opts.ConnectTimeout); err != nil {
		return fmt.Errorf("dongle: connect to %s: %w", addr.String(), err)
	}
	return nil
}

// Disconnect terminates the connection. It succeeds when nothing is connected.
func (c *Client) Disconnect(ctx context.Context) error {
	h, ok := c.e.Handle()
	if !ok {
		return nil
	}
	if _, err := c.e.Submit(ctx, protocol.CmdTerminateConnection, le16(h), 0); err != nil {
		return fmt.Errorf("dongle: disconnect: %w", err)
	}
	return nil
}

// ExchangeMTU negotiates the ATT MTU and returns the value now in use.
func (c *Client) ExchangeMTU(ctx context.Context, mtu int) (int, error) {
	if mtu < MinMTU || mtu > MaxMTU {
		return 0, fmt.Errorf("dongle: mtu must be in %d..%d, got %d", MinMTU, MaxMTU, mtu)
	}
	h, err := c.handle()
	if err != nil {
		return 0, err
	}
	if _, err := c.e.Submit(ctx, protocol.CmdExchangeMTUSize, le16(h, uint16(mtu)), 0); err != nil {
		return 0, fmt.Errorf("dongle: exchange mtu: %w", err)
	}
	return c.MTU(), nil
}

func uuidArg(u bluetooth.UUID) []byte {
	// format 2 is the 128-bit form; 16-bit UUIDs travel expanded
	return append([]byte{2}, protocol.UUIDToWire(u)...)
}

// FindPrimaryService looks up a primary service by UUID.
func (c *Client) FindPrimaryService(ctx context.Context, uuid bluetooth.UUID) (protocol.Service, error) {
	h, err := c.handle()
	if err != nil {
		return protocol.Service{}, err
	}
	payload := append(le16(h), uuidArg(uuid)...)
	out, err := c.e.Submit(ctx, protocol.CmdDiscoverPrimaryServicesByUUID, payload, c.e.opts.DiscoveryTimeout)
	if err != nil {
		return protocol.Service{}, fmt.Errorf("dongle: find service %s: %w", uuid.String(), err)
	}
	if len(out.Services) == 0 {
		return protocol.Service{}, fmt.Errorf("dongle: service %s: %w", uuid.String(), ErrNotFound)
	}
	svc := out.Services[0]
	svc.UUID = uuid
	return svc, nil
}

// PrimaryServices discovers every primary service of the peer.
func (c *Client) PrimaryServices(ctx context.Context) ([]protocol.Service, error) {
	h, err := c.handle()
	if err != nil {
		return nil, err
	}
	out, err := c.e.Submit(ctx, protocol.CmdDiscoverAllPrimaryServices, le16(h), c.e.opts.DiscoveryTimeout)
	if err != nil {
		return nil, fmt.Errorf("dongle: discover services: %w", err)
	}
	if len(out.Services) == 0 {
		return nil, fmt.Errorf("dongle: discover services: %w", ErrNotFound)
	}
	return out.Services, nil
}

// Characteristics discovers the characteristics of a service. A zero uuid
// discovers all of them; otherwise only those with that UUID.
func (c *Client) Characteristics(ctx context.Context, svc protocol.Service, uuid bluetooth.UUID) ([]protocol.Characteristic, error) {
	h, err := c.handle()
	if err != nil {
		return nil, err
	}
	op := protocol.CmdDiscoverAllCharacteristics
	payload := le16(h)
	if uuid != (bluetooth.UUID{}) {
		op = protocol.CmdDiscoverCharacteristicsByUUID
		payload = append(payload, uuidArg(uuid)...)
	}
	payload = append(payload, le16(svc.Start, svc.End)...)

	out, err := c.e.Submit(ctx, op, payload, c.e.opts.DiscoveryTimeout)
	if err != nil {
		return nil, fmt.Errorf("dongle: discover characteristics: %w", err)
	}
	if len(out.Characteristics) == 0 {
		return nil, fmt.Errorf("dongle: discover characteristics: %w", ErrNotFound)
	}
	if op == protocol.CmdDiscoverCharacteristicsByUUID {
		for i := range out.Characteristics {
			out.Characteristics[i].UUID = uuid
		}
	}
	return out.Characteristics, nil
}

// Descriptors discovers the descriptors at attr. The range is the single
// handle, as the vendor tool does it.
func (c *Client) Descriptors(ctx context.Context, attr uint16) ([]protocol.Descriptor, error) {
	h, err := c.handle()
	if err != nil {
		return nil, err
	}
	out, err := c.e.Submit(ctx, protocol.CmdDiscoverAllCharDescriptors, le16(h, attr, attr), c.e.opts.DiscoveryTimeout)
	if err != nil {
		return nil, fmt.Errorf("dongle: discover descriptors: %w", err)
	}
	if len(out.Descriptors) == 0 {
		return nil, fmt.Errorf("dongle: discover descriptors: %w", ErrNotFound)
	}
	return out.Descriptors, nil
}

// Read reads a characteristic value that fits in MTU-1 bytes.
func (c *Client) Read(ctx context.Context, attr uint16) ([]byte, error) {
	h, err := c.handle()
	if err != nil {
		return nil, err
	}
	out, err := c.e.Submit(ctx, protocol.CmdReadCharacteristicValue, le16(h, attr), 0)
	if err != nil {
		return nil, fmt.Errorf("dongle: read 0x%04X: %w", attr, err)
	}
	return out.Data, nil
}

// ReadLong reads a characteristic value from offset with the long read
// procedure.
func (c *Client) ReadLong(ctx context.Context, attr uint16, offset uint16) ([]byte, error) {
	h, err := c.handle()
	if err != nil {
		return nil, err
	}
	out, err := c.e.Submit(ctx, protocol.CmdReadLongCharacteristicValues, le16(h, attr, offset), c.e.opts.LongReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("dongle: read long 0x%04X: %w", attr, err)
	}
	return out.Data, nil
}

// ReadBest picks Read or ReadLong for a value of the expected size.
func (c *Client) ReadBest(ctx context.Context, attr uint16, expected int) ([]byte, error) {
	if expected <= c.MTU()-1 {
		return c.Read(ctx, attr)
	}
	return c.ReadLong(ctx, attr, 0)
}

// write sends at most MTU-3 bytes; the rest is dropped, as ATT does.
func (c *Client) write(ctx context.Context, op protocol.Opcode, attr uint16, data []byte) error {
	h, err := c.handle()
	if err != nil {
		return err
	}
	if limit := c.MTU() - 3; len(data) > limit {
		slog.Debug("[GATT] truncating write", "attr", attr, "len", len(data), "limit", limit)
		data = data[:limit]
	}
	payload := append(le16(h, attr, uint16(len(data))), data...)
	if _, err := c.e.Submit(ctx, op, payload, 0); err != nil {
		return fmt.Errorf("dongle: write 0x%04X: %w", attr, err)
	}
	return nil
}

// Write writes a characteristic value, truncated to MTU-3 bytes.
func (c *Client) Write(ctx context.Context, attr uint16, data []byte) error {
	return c.write(ctx, protocol.CmdWriteCharacteristicValue, attr, data)
}

// WriteWithoutResponse writes a characteristic value without an ATT
// response, truncated to MTU-3 bytes.
func (c *Client) WriteWithoutResponse(ctx context.Context, attr uint16, data []byte) error {
	return c.write(ctx, protocol.CmdWriteWithoutResponse, attr, data)
}

// WriteLong writes the whole value starting at offset with the long write
// procedure.
func (c *Client) WriteLong(ctx context.Context, attr uint16, data []byte, offset uint16) error {
	h, err := c.handle()
	if err != nil {
		return err
	}
	if len(data) > 0xFFFF {
		return fmt.Errorf("dongle: write long of %d bytes exceeds the length field", len(data))
	}
	payload := append(le16(h, attr, offset, uint16(len(data))), data...)
	if _, err := c.e.Submit(ctx, protocol.CmdWriteLongCharacteristicValue, payload, c.e.opts.ConnectTimeout); err != nil {
		return fmt.Errorf("dongle: write long 0x%04X: %w", attr, err)
	}
	return nil
}

// WriteBest uses WriteLong when data does not fit in one write.
func (c *Client) WriteBest(ctx context.Context, attr uint16, data []byte) error {
	if len(data) > c.MTU()-3 {
		return c.WriteLong(ctx, attr, data, 0)
	}
	return c.Write(ctx, attr, data)
}

// WriteDescriptor sets the notify and indicate bits of a CCCD.
func (c *Client) WriteDescriptor(ctx context.Context, attr uint16, notify, indicate bool) error {
	var bits byte
	if notify {
		bits |= protocol.CCCDNotify
	}
	if indicate {
		bits |= protocol.CCCDIndicate
	}
	return c.write(ctx, protocol.CmdWriteCharacteristicDescriptor, attr, []byte{bits})
}

// ReadDescriptor returns the notify and indicate bits of a CCCD.
func (c *Client) ReadDescriptor(ctx context.Context, attr uint16) (notify, indicate bool, err error) {
	h, err := c.handle()
	if err != nil {
		return false, false, err
	}
	out, err := c.e.Submit(ctx, protocol.CmdReadCharacteristicDescriptor, le16(h, attr), 0)
	if err != nil {
		return false, false, fmt.Errorf("dongle: read descriptor 0x%04X: %w", attr, err)
	}
	if len(out.Data) < 2 {
		return false, false, fmt.Errorf("dongle: read descriptor 0x%04X: %w", attr, protocol.ErrShortPayload)
	}
	v := binary.LittleEndian.Uint16(out.Data)
	return v&protocol.CCCDNotify != 0, v&protocol.CCCDIndicate != 0, nil
}
