package dongle

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// SerialOptions configures the serial link to the dongle.
type SerialOptions struct {
	Port        string        // empty selects the first CY5677 found
	BaudRate    int           // 921600 for CY5677, 115200 for the older CY5670
	AssertRTS   bool          // drive RTS and DTR high on open
	ReadTimeout time.Duration // bound on a single Read
}

// DefaultSerialOptions returns the CY5677 settings.
func DefaultSerialOptions() SerialOptions {
	return SerialOptions{
		BaudRate:    921600,
		AssertRTS:   true,
		ReadTimeout: 100 * time.Millisecond,
	}
}

// PortInfo describes a serial port found on the host.
type PortInfo struct {
	Name    string
	USB     bool
	VID     string
	PID     string
	Serial  string
	Product string
}

// IsDongle reports whether the port belongs to a CY5677.
func (p PortInfo) IsDongle() bool {
	return p.USB && strings.EqualFold(p.VID, CY5677VendorID) && strings.EqualFold(p.PID, CY5677ProductID)
}

// ListPorts enumerates the serial ports of the host.
func ListPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("dongle: enumerate ports: %w", err)
	}
	ports := make([]PortInfo, 0, len(details))
	for _, d := range details {
		ports = append(ports, PortInfo{
			Name:    d.Name,
			USB:     d.IsUSB,
			VID:     d.VID,
			PID:     d.PID,
			Serial:  d.SerialNumber,
			Product: d.Product,
		})
	}
	return ports, nil
}

// FindDongle returns the name of the first port with the CY5677 VID:PID.
func FindDongle() (string, error) {
	ports, err := ListPorts()
	if err != nil {
		return "", err
	}
	for _, p := range ports {
		if p.IsDongle() {
			return p.Name, nil
		}
	}
	return "", fmt.Errorf("dongle: no %s:%s device found: %w", CY5677VendorID, CY5677ProductID, ErrNotReady)
}

// OpenSerial opens the dongle port 8N1. Any failure leaves nothing open.
func OpenSerial(opts SerialOptions) (Transport, error) {
	name := opts.Port
	if name == "" {
		found, err := FindDongle()
		if err != nil {
			return nil, err
		}
		name = found
	}

	mode := &serial.Mode{
		BaudRate: opts.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	if opts.AssertRTS {
		mode.InitialStatusBits = &serial.ModemOutputBits{RTS: true, DTR: true}
	}

	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, fmt.Errorf("dongle: open %s: %w: %w", name, ErrNotReady, err)
	}
	if opts.ReadTimeout > 0 {
		if err := port.SetReadTimeout(opts.ReadTimeout); err != nil {
			port.Close()
			return nil, fmt.Errorf("dongle: set read timeout on %s: %w: %w", name, ErrNotReady, err)
		}
	}
	if err := port.ResetInputBuffer(); err != nil {
		slog.Warn("[DONGLE] could not flush input buffer", "port", name, "error", err)
	}

	slog.Info("[DONGLE] opened", "port", name, "baud", opts.BaudRate)
	return port, nil
}
