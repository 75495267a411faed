package dongle

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/chaz8081/cyble/internal/dongle/protocol"
)

// TxPowerLadder lists the transmit powers in dBm the dongle supports. The
// stack's power level enum is the index plus one.
var TxPowerLadder = []int{-18, -12, -6, -3, -2, -1, 0, 3}

// TxPowerLevel maps dBm onto the power level enum, rounding up to the next
// supported power and saturating at the maximum.
func TxPowerLevel(dbm int) uint8 {
	for i, p := range TxPowerLadder {
		if p >= dbm {
			return uint8(i + 1)
		}
	}
	return uint8(len(TxPowerLadder))
}

// TxPowerDBm maps a power level enum back to dBm.
func TxPowerDBm(level uint8) (int, bool) {
	if level == 0 || int(level) > len(TxPowerLadder) {
		return 0, false
	}
	return TxPowerLadder[level-1], true
}

// Channel selects the radio channel group for TX power commands.
type Channel uint8

const (
	ChannelAdvertising Channel = 0
	ChannelConnection  Channel = 1
)

func (c Channel) String() string {
	if c == ChannelConnection {
		return "CONN"
	}
	return "ADV"
}

// IOCapability is the local pairing I/O capability.
type IOCapability uint8

const (
	DisplayOnly IOCapability = iota
	DisplayYesNo
	KeyboardOnly
	NoInputNoOutput
	KeyboardDisplay
)

var ioCapNames = []string{"DISPLAY ONLY", "DISPLAY YESNO", "KEYBOARD ONLY", "NOINPUT NOOUTPUT", "KEYBOARD DISPLAY"}

func (c IOCapability) String() string {
	if int(c) < len(ioCapNames) {
		return ioCapNames[c]
	}
	return fmt.Sprintf("IO CAPABILITY ? %d ?", uint8(c))
}

// ParseIOCapability accepts the names returned by String.
func ParseIOCapability(s string) (IOCapability, error) {
	for i, name := range ioCapNames {
		if name == s {
			return IOCapability(i), nil
		}
	}
	return 0, fmt.Errorf("dongle: unknown io capability %q", s)
}

// Scan parameter enumerations.
var (
	DiscoveryProcedures = []string{"Observation", "Limited discovery", "General discovery"}
	OwnAddressTypes     = []string{"PUBLIC", "RANDOM", "PUBLIC RPA", "RANDOM RPA"}
	FilterPolicies      = []string{
		"ACCEPT_ALL",
		"ACCEPT_WHITELIST",
		"ACCEPT_DIRECTED_RPA",
		"ACCEPT_WHITELIST_DIRECTED_RPA",
	}
)

// ScanParams are the central scan parameters. Interval and Window are
// carried on the wire in 0.625 ms units.
type ScanParams struct {
	DiscoveryProcedure uint8
	Active             bool
	Interval           time.Duration
	Window             time.Duration
	OwnAddressType     uint8
	FilterPolicy       uint8
	Timeout            uint16 // seconds, 0 scans until stopped
	FilterDuplicates   bool
}

const scanUnit = 625 * time.Microsecond

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// MarshalBinary encodes the parameters in wire order.
func (p ScanParams) MarshalBinary() ([]byte, error) {
	interval := p.Interval / scanUnit
	window := p.Window / scanUnit
	if interval > 0xFFFF || window > 0xFFFF {
		return nil, fmt.Errorf("dongle: scan interval %v or window %v out of range", p.Interval, p.Window)
	}
	buf := []byte{p.DiscoveryProcedure, boolByte(p.Active)}
	buf = binary.LittleEndian.AppendUint16(buf, uint16(interval))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(window))
	buf = append(buf, p.OwnAddressType, p.FilterPolicy)
	buf = binary.LittleEndian.AppendUint16(buf, p.Timeout)
	return append(buf, boolByte(p.FilterDuplicates)), nil
}

// UnmarshalBinary decodes the wire form.
func (p *ScanParams) UnmarshalBinary(b []byte) error {
	if len(b) < 11 {
		return fmt.Errorf("dongle: scan parameters: %w", protocol.ErrShortPayload)
	}
	*p = ScanParams{
		DiscoveryProcedure: b[0],
		Active:             b[1] == 1,
		Interval:           time.Duration(binary.LittleEndian.Uint16(b[2:])) * scanUnit,
		Window:             time.Duration(binary.LittleEndian.Uint16(b[4:])) * scanUnit,
		OwnAddressType:     b[6],
		FilterPolicy:       b[7],
		Timeout:            binary.LittleEndian.Uint16(b[8:]),
		FilterDuplicates:   b[10] == 1,
	}
	return nil
}

func enumName(names []string, v uint8) string {
	if int(v) < len(names) {
		return names[v]
	}
	return fmt.Sprintf("? %d ?", v)
}

func (p ScanParams) String() string {
	return fmt.Sprintf("procedure=%s active=%t interval=%v window=%v own=%s filter=%s timeout=%ds dup-filter=%t",
		enumName(DiscoveryProcedures, p.DiscoveryProcedure), p.Active, p.Interval, p.Window,
		enumName(OwnAddressTypes, p.OwnAddressType), enumName(FilterPolicies, p.FilterPolicy),
		p.Timeout, p.FilterDuplicates)
}

// InitStack stops and restarts the dongle's BLE stack.
func (c *Client) InitStack(ctx context.Context) error {
	if _, err := c.e.Submit(ctx, protocol.CmdInitBleStack, nil, 0); err != nil {
		return fmt.Errorf("dongle: init stack: %w", err)
	}
	return nil
}

// RSSI returns the signal strength of the connection in dBm.
func (c *Client) RSSI(ctx context.Context) (int8, error) {
	out, err := c.e.Submit(ctx, protocol.CmdGetRSSI, nil, 0)
	if err != nil {
		return 0, fmt.Errorf("dongle: get rssi: %w", err)
	}
	if len(out.Data) < 1 {
		return 0, fmt.Errorf("dongle: get rssi: %w", protocol.ErrShortPayload)
	}
	return int8(out.Data[0]), nil
}

// TxPower returns the transmit power of a channel in dBm.
func (c *Client) TxPower(ctx context.Context, ch Channel) (int, error) {
	out, err := c.e.Submit(ctx, protocol.CmdGetTxPowerLevel, []byte{byte(ch)}, 0)
	if err != nil {
		return 0, fmt.Errorf("dongle: get tx power: %w", err)
	}
	if len(out.Data) < 2 {
		return 0, fmt.Errorf("dongle: get tx power: %w", protocol.ErrShortPayload)
	}
	dbm, ok := TxPowerDBm(out.Data[1])
	if !ok {
		return 0, fmt.Errorf("dongle: get tx power: unknown level %d", out.Data[1])
	}
	return dbm, nil
}

// SetTxPower sets the transmit power of a channel, rounded up to a
// supported value.
func (c *Client) SetTxPower(ctx context.Context, ch Channel, dbm int) error {
	if _, err := c.e.Submit(ctx, protocol.CmdSetTxPowerLevel, []byte{byte(ch), TxPowerLevel(dbm)}, 0); err != nil {
		return fmt.Errorf("dongle: set tx power: %w", err)
	}
	return nil
}

// Address returns the dongle's own public or random address.
func (c *Client) Address(ctx context.Context, public bool) (bluetooth.MAC, error) {
	out, err := c.e.Submit(ctx, protocol.CmdGetBluetoothDeviceAddress, []byte{boolByte(!public)}, 0)
	if err != nil {
		return bluetooth.MAC{}, fmt.Errorf("dongle: get address: %w", err)
	}
	mac, err := protocol.MACFromWire(out.Data)
	if err != nil {
		return bluetooth.MAC{}, fmt.Errorf("dongle: get address: %w", err)
	}
	return mac, nil
}

// ScanParams returns the scan parameters in use.
func (c *Client) ScanParams(ctx context.Context) (ScanParams, error) {
	var p ScanParams
	out, err := c.e.Submit(ctx, protocol.CmdGetScanParameters, nil, 0)
	if err != nil {
		return p, fmt.Errorf("dongle: get scan parameters: %w", err)
	}
	err = p.UnmarshalBinary(out.Data)
	return p, err
}

// SetScanParams replaces the scan parameters.
func (c *Client) SetScanParams(ctx context.Context, p ScanParams) error {
	payload, err := p.MarshalBinary()
	if err != nil {
		return err
	}
	if _, err := c.e.Submit(ctx, protocol.CmdSetScanParameters, payload, 0); err != nil {
		return fmt.Errorf("dongle: set scan parameters: %w", err)
	}
	return nil
}

// StartScan starts scanning. Reports arrive through Handlers.ScanReport.
func (c *Client) StartScan(ctx context.Context) error {
	if _, err := c.e.Submit(ctx, protocol.CmdStartScan, nil, 0); err != nil {
		return fmt.Errorf("dongle: start scan: %w", err)
	}
	return nil
}

// StopScan stops scanning.
func (c *Client) StopScan(ctx context.Context) error {
	if _, err := c.e.Submit(ctx, protocol.CmdStopScan, nil, 0); err != nil {
		return fmt.Errorf("dongle: stop scan: %w", err)
	}
	return nil
}

// SetLocalSecurity configures security mode 1 at level 1 (none), 2
// (unauthenticated encryption) or 3 (authenticated encryption). Bonding is
// off and keys are 16 bytes.
func (c *Client) SetLocalSecurity(ctx context.Context, level int) error {
	if level < 1 || level > 3 {
		return fmt.Errorf("dongle: security level must be 1, 2, or 3, got %d", level)
	}
	payload := []byte{
		0x10 + byte(level) - 1, // mode 1, level n
		0,                      // no bonding
		16,                     // encryption key size
		0,                      // auth error, output only
		0,                      // pairing properties
		0,                      // secure connections only: left to the peripheral
	}
	if _, err := c.e.Submit(ctx, protocol.CmdSetLocalDeviceSecurity, payload, 0); err != nil {
		return fmt.Errorf("dongle: set local security: %w", err)
	}
	return nil
}

// SetIOCapabilities sets the local pairing I/O capability.
func (c *Client) SetIOCapabilities(ctx context.Context, capability IOCapability) error {
	if capability > KeyboardDisplay {
		return fmt.Errorf("dongle: unknown io capability %d", capability)
	}
	if _, err := c.e.Submit(ctx, protocol.CmdSetDeviceIOCapabilities, []byte{byte(capability)}, 0); err != nil {
		return fmt.Errorf("dongle: set io capabilities: %w", err)
	}
	return nil
}

// InitiatePairing starts pairing with the connected peer. It returns once
// the dongle accepted the request; the outcome arrives through
// Handlers.AuthResult.
func (c *Client) InitiatePairing(ctx context.Context) error {
	h, err := c.handle()
	if err != nil {
		return err
	}
	if _, err := c.e.Submit(ctx, protocol.CmdInitiatePairingRequest, le16(h), 0); err != nil {
		return fmt.Errorf("dongle: initiate pairing: %w", err)
	}
	return nil
}

// MaxPasskey is the largest six digit passkey.
const MaxPasskey = 999999

// PairingPasskey answers a passkey entry request.
func (c *Client) PairingPasskey(ctx context.Context, passkey uint32) error {
	if passkey > MaxPasskey {
		return fmt.Errorf("dongle: passkey must be at most %d, got %d", MaxPasskey, passkey)
	}
	h, err := c.handle()
	if err != nil {
		return err
	}
	payload := le16(h)
	payload = binary.LittleEndian.AppendUint32(payload, passkey)
	payload = append(payload, 1) // accept
	if _, err := c.e.Submit(ctx, protocol.CmdPairingPasskey, payload, 0); err != nil {
		return fmt.Errorf("dongle: pairing passkey: %w", err)
	}
	return nil
}
