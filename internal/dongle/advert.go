package dongle

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"tinygo.org/x/bluetooth"

	"github.com/chaz8081/cyble/internal/dongle/protocol"
)

// AdvType is the advertising event type of a scan report.
type AdvType uint8

var advTypeNames = []string{
	"Connectable undirected advertising",
	"Connectable directed advertising",
	"Scannable undirected advertising",
	"Non connectable undirected advertising",
	"Scan Response",
}

func (t AdvType) String() string {
	if int(t) < len(advTypeNames) {
		return advTypeNames[t]
	}
	return fmt.Sprintf("ADV TYPE ? %d ?", uint8(t))
}

// AddressType is the kind of a peer address.
type AddressType uint8

var addressTypeNames = []string{
	"Public Device Address",
	"Random Device Address",
	"Public Resolvable Address",
	"Random Resolvable Address",
}

func (t AddressType) String() string {
	if int(t) < len(addressTypeNames) {
		return addressTypeNames[t]
	}
	return fmt.Sprintf("ADDRESS TYPE ? %d ?", uint8(t))
}

// ScanReport is one advertising report.
type ScanReport struct {
	Type        AdvType
	Address     bluetooth.MAC
	AddressType AddressType
	RSSI        int8
	Data        []byte
	// LengthMismatch is set when the declared data length differs from
	// what arrived; Data holds what arrived.
	LengthMismatch bool
}

// ParseScanReport decodes the payload of a scan progress event.
func ParseScanReport(b []byte) (ScanReport, error) {
	if len(b) < 10 {
		return ScanReport{}, fmt.Errorf("dongle: scan report: %w", protocol.ErrShortPayload)
	}
	addr, _ := protocol.MACFromWire(b[1:7])
	r := ScanReport{
		Type:        AdvType(b[0]),
		Address:     addr,
		AddressType: AddressType(b[7]),
		RSSI:        int8(b[8]),
		Data:        b[10:],
	}
	r.LengthMismatch = int(b[9]) != len(r.Data)
	return r, nil
}

// AD structure types decoded by ParseAdvertising.
const (
	adFlags             = 0x01
	adUUID16Incomplete  = 0x02
	adUUID16Complete    = 0x03
	adUUID32Incomplete  = 0x04
	adUUID32Complete    = 0x05
	adUUID128Incomplete = 0x06
	adUUID128Complete   = 0x07
	adNameShort         = 0x08
	adNameComplete      = 0x09
	adTxPower           = 0x0A
	adServiceData16     = 0x16
	adServiceData32     = 0x20
	adServiceData128    = 0x21
	adManufacturer      = 0xFF
)

// ServiceData is service data carried in an advertisement.
type ServiceData struct {
	UUID bluetooth.UUID
	Data []byte
}

// ManufacturerData is manufacturer specific data.
type ManufacturerData struct {
	Company uint16
	Data    []byte
}

// ADStructure is an AD structure without a dedicated field.
type ADStructure struct {
	Type uint8
	Data []byte
}

// Advertisement is a decoded advertising payload.
type Advertisement struct {
	Flags        uint8
	HasFlags     bool
	Name         string
	ShortName    bool
	TxPower      int8
	HasTxPower   bool
	Services     []bluetooth.UUID
	ServiceData  []ServiceData
	Manufacturer []ManufacturerData
	Other        []ADStructure
}

// ParseAdvertising decodes a sequence of [len][type][data] AD structures.
func ParseAdvertising(b []byte) (Advertisement, error) {
	var adv Advertisement
	for len(b) > 0 {
		n := int(b[0])
		b = b[1:]
		if n == 0 {
			// zero padding ends the significant part
			break
		}
		if n > len(b) {
			return adv, fmt.Errorf("dongle: ad structure of %d bytes, %d left: %w", n, len(b), protocol.ErrShortPayload)
		}
		typ, data := b[0], b[1:n]
		b = b[n:]

		if err := adv.add(typ, data); err != nil {
			return adv, err
		}
	}
	return adv, nil
}

func (adv *Advertisement) add(typ uint8, data []byte) error {
	short := func(what string, need int) error {
		if len(data) < need {
			return fmt.Errorf("dongle: %s: %w", what, protocol.ErrShortPayload)
		}
		return nil
	}

	switch typ {
	case adFlags:
		if err := short("flags", 1); err != nil {
			return err
		}
		adv.Flags, adv.HasFlags = data[0], true
	case adUUID16Incomplete, adUUID16Complete:
		for ; len(data) >= 2; data = data[2:] {
			adv.Services = append(adv.Services, bluetooth.New16BitUUID(binary.LittleEndian.Uint16(data)))
		}
	case adUUID32Incomplete, adUUID32Complete:
		for ; len(data) >= 4; data = data[4:] {
			adv.Services = append(adv.Services, bluetooth.New32BitUUID(binary.LittleEndian.Uint32(data)))
		}
	case adUUID128Incomplete, adUUID128Complete:
		for ; len(data) >= 16; data = data[16:] {
			u, _ := protocol.UUIDFromWire(data)
			adv.Services = append(adv.Services, u)
		}
	case adNameShort, adNameComplete:
		adv.Name, adv.ShortName = string(data), typ == adNameShort
	case adTxPower:
		if err := short("tx power", 1); err != nil {
			return err
		}
		adv.TxPower, adv.HasTxPower = int8(data[0]), true
	case adServiceData16:
		if err := short("service data", 2); err != nil {
			return err
		}
		adv.ServiceData = append(adv.ServiceData, ServiceData{
			UUID: bluetooth.New16BitUUID(binary.LittleEndian.Uint16(data)),
			Data: data[2:],
		})
	case adServiceData32:
		if err := short("service data", 4); err != nil {
			return err
		}
		adv.ServiceData = append(adv.ServiceData, ServiceData{
			UUID: bluetooth.New32BitUUID(binary.LittleEndian.Uint32(data)),
			Data: data[4:],
		})
	case adServiceData128:
		if err := short("service data", 16); err != nil {
			return err
		}
		u, _ := protocol.UUIDFromWire(data)
		adv.ServiceData = append(adv.ServiceData, ServiceData{UUID: u, Data: data[16:]})
	case adManufacturer:
		if err := short("manufacturer data", 2); err != nil {
			return err
		}
		adv.Manufacturer = append(adv.Manufacturer, ManufacturerData{
			Company: binary.LittleEndian.Uint16(data),
			Data:    data[2:],
		})
	default:
		slog.Debug("[GATT] unknown ad structure", "type", typ, "len", len(data))
		adv.Other = append(adv.Other, ADStructure{Type: typ, Data: data})
	}
	return nil
}

// HasService reports whether the advertisement lists uuid.
func (adv Advertisement) HasService(uuid bluetooth.UUID) bool {
	for _, u := range adv.Services {
		if u == uuid {
			return true
		}
	}
	for _, sd := range adv.ServiceData {
		if sd.UUID == uuid {
			return true
		}
	}
	return false
}
