package dongle

import (
	"errors"
	"testing"

	"tinygo.org/x/bluetooth"

	"github.com/chaz8081/cyble/internal/dongle/protocol"
)

func TestParseScanReport(t *testing.T) {
	adv := []byte{0x02, 0x01, 0x06}
	raw := append([]byte{0x00, 0x2D, 0xA4, 0xC4, 0x50, 0xA0, 0x00, 0x00, 0xC4, byte(len(adv))}, adv...)

	r, err := ParseScanReport(raw)
	if err != nil {
		t.Fatalf("ParseScanReport() error = %v", err)
	}
	if r.Address.String() != "00:A0:50:C4:A4:2D" {
		t.Errorf("Address = %s", r.Address.String())
	}
	if r.RSSI != -60 || r.Type.String() != "Connectable undirected advertising" || r.AddressType.String() != "Public Device Address" {
		t.Errorf("report = %+v", r)
	}
	if r.LengthMismatch {
		t.Error("LengthMismatch = true for a well formed report")
	}

	raw[9] = 9
	if r, _ := ParseScanReport(raw); !r.LengthMismatch {
		t.Error("LengthMismatch = false for a wrong length byte")
	}
	if _, err := ParseScanReport(raw[:9]); !errors.Is(err, protocol.ErrShortPayload) {
		t.Errorf("ParseScanReport(short) error = %v, want ErrShortPayload", err)
	}
}

func TestParseAdvertising(t *testing.T) {
	data := []byte{
		0x02, 0x01, 0x06, // flags
		0x05, 0x03, 0x0D, 0x18, 0x0F, 0x18, // complete 16-bit list
		0x11, 0x07, 0x1B, 0xC5, 0xD5, 0xA5, 0x02, 0x00, 0xF4, 0xAB, 0xE4, 0x11, 0xCE, 0xF8, 0x00, 0x00, 0x06, 0x00,
		0x05, 0x09, 'C', 'y', 'B', 'L', // complete name
		0x02, 0x0A, 0xFC, // tx power
		0x04, 0x16, 0x0F, 0x18, 0x64, // battery service data
		0x05, 0xFF, 0x31, 0x01, 0xAA, 0xBB, // manufacturer
		0x02, 0x2A, 0x01, // unknown type
		0x00, 0x00, // padding
	}

	adv, err := ParseAdvertising(data)
	if err != nil {
		t.Fatalf("ParseAdvertising() error = %v", err)
	}
	if !adv.HasFlags || adv.Flags != 0x06 {
		t.Errorf("Flags = %#x, %t", adv.Flags, adv.HasFlags)
	}
	if adv.Name != "CyBL" || adv.ShortName {
		t.Errorf("Name = %q short=%t", adv.Name, adv.ShortName)
	}
	if !adv.HasTxPower || adv.TxPower != -4 {
		t.Errorf("TxPower = %d, %t", adv.TxPower, adv.HasTxPower)
	}
	if len(adv.Services) != 3 {
		t.Fatalf("Services = %v, want 3 entries", adv.Services)
	}
	if adv.Services[0] != bluetooth.New16BitUUID(0x180D) || adv.Services[1] != bluetooth.New16BitUUID(0x180F) {
		t.Errorf("16-bit services = %v", adv.Services[:2])
	}
	if adv.Services[2] != bootloaderService {
		t.Errorf("128-bit service = %s, want %s", adv.Services[2].String(), bootloaderService.String())
	}
	if len(adv.ServiceData) != 1 || adv.ServiceData[0].Data[0] != 0x64 {
		t.Errorf("ServiceData = %+v", adv.ServiceData)
	}
	if !adv.HasService(bluetooth.New16BitUUID(0x180F)) {
		t.Error("HasService(battery) = false")
	}
	if len(adv.Manufacturer) != 1 || adv.Manufacturer[0].Company != 0x0131 {
		t.Errorf("Manufacturer = %+v", adv.Manufacturer)
	}
	if len(adv.Other) != 1 || adv.Other[0].Type != 0x2A {
		t.Errorf("Other = %+v", adv.Other)
	}
}

func TestParseAdvertisingTruncated(t *testing.T) {
	tests := map[string][]byte{
		"overrun":     {0x05, 0x09, 'a'},
		"empty flags": {0x01, 0x01},
		"short mfr":   {0x02, 0xFF, 0x01},
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseAdvertising(data); !errors.Is(err, protocol.ErrShortPayload) {
				t.Errorf("ParseAdvertising() error = %v, want ErrShortPayload", err)
			}
		})
	}
}
