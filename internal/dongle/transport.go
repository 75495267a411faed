// Package dongle drives a CY5677 USB BLE dongle. It owns the serial link,
// serializes commands to the dongle one at a time, and turns the events it
// sends back into GATT results, callbacks and connection state.
package dongle

import "io"

// Transport is the byte stream to the dongle.
//
// Read may return 0, nil when no data is available within the transport's
// read timeout; that is not end of stream. Close must unblock a pending Read.
type Transport interface {
	io.ReadWriteCloser
}

// USB identifiers of the CY5677 dongle.
const (
	CY5677VendorID  = "04B4"
	CY5677ProductID = "F139"
)
