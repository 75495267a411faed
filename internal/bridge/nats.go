// Package bridge forwards dongle events to NATS and caches discovered
// attribute tables in Redis.
package bridge

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/chaz8081/cyble/internal/dongle"
)

// Publisher is the part of *nats.Conn the bridge needs.
type Publisher interface {
	Publish(subj string, data []byte) error
}

// ScanMessage is published on <subject>.scan.
type ScanMessage struct {
	Time        time.Time `json:"ts"`
	Address     string    `json:"address"`
	AddressType string    `json:"address_type"`
	AdvType     string    `json:"adv_type"`
	RSSI        int8      `json:"rssi"`
	Name        string    `json:"name,omitempty"`
	Services    []string  `json:"services,omitempty"`
	Data        string    `json:"data"` // hex
}

// NotifyMessage is published on <subject>.notify.
type NotifyMessage struct {
	Time       time.Time `json:"ts"`
	Peer       string    `json:"peer,omitempty"`
	Attr       uint16    `json:"attr"`
	Indication bool      `json:"indication,omitempty"`
	Data       string    `json:"data"` // hex
}

// DisconnectMessage is published on <subject>.disconnect.
type DisconnectMessage struct {
	Time   time.Time `json:"ts"`
	Peer   string    `json:"peer,omitempty"`
	Reason uint8     `json:"reason"`
}

// NATSPublisher publishes dongle events as JSON.
type NATSPublisher struct {
	pub     Publisher
	subject string
	now     func() time.Time

	mu   sync.Mutex
	peer string

	conn *nats.Conn
}

// NewNATSPublisher publishes through pub under subject.
func NewNATSPublisher(pub Publisher, subject string) *NATSPublisher {
	return &NATSPublisher{pub: pub, subject: subject, now: time.Now}
}

// DialNATS connects to the server at url.
func DialNATS(url, subject string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("cyble"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("[BRIDGE] nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("[BRIDGE] nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("bridge: connect %s: %w", url, err)
	}
	slog.Info("[BRIDGE] nats connected", "url", nc.ConnectedUrl(), "subject", subject)
	p := NewNATSPublisher(nc, subject)
	p.conn = nc
	return p, nil
}

// Close flushes pending messages and closes a dialled connection.
func (p *NATSPublisher) Close() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.Drain()
}

// SetPeer labels later notifications and disconnects with the peer
// address.
func (p *NATSPublisher) SetPeer(peer string) {
	p.mu.Lock()
	p.peer = peer
	p.mu.Unlock()
}

func (p *NATSPublisher) currentPeer() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peer
}

func (p *NATSPublisher) publish(kind string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("bridge: encode %s: %w", kind, err)
	}
	subj := p.subject + "." + kind
	if err := p.pub.Publish(subj, data); err != nil {
		return fmt.Errorf("bridge: publish %s: %w", subj, err)
	}
	return nil
}

// PublishScan publishes a raw scan report payload.
func (p *NATSPublisher) PublishScan(raw []byte) error {
	r, err := dongle.ParseScanReport(raw)
	if err != nil {
		return err
	}
	msg := ScanMessage{
		Time:        p.now(),
		Address:     r.Address.String(),
		AddressType: r.AddressType.String(),
		AdvType:     r.Type.String(),
		RSSI:        r.RSSI,
		Data:        hex.EncodeToString(r.Data),
	}
	// a malformed tail still yields whatever decoded before it
	adv, _ := dongle.ParseAdvertising(r.Data)
	msg.Name = adv.Name
	for _, u := range adv.Services {
		msg.Services = append(msg.Services, u.String())
	}
	return p.publish("scan", msg)
}

// PublishNotification publishes a notification or indication.
func (p *NATSPublisher) PublishNotification(attr uint16, data []byte, indication bool) error {
	return p.publish("notify", NotifyMessage{
		Time:       p.now(),
		Peer:       p.currentPeer(),
		Attr:       attr,
		Indication: indication,
		Data:       hex.EncodeToString(data),
	})
}

// PublishDisconnect publishes a disconnect with its HCI reason.
func (p *NATSPublisher) PublishDisconnect(reason uint8) error {
	return p.publish("disconnect", DisconnectMessage{Time: p.now(), Peer: p.currentPeer(), Reason: reason})
}

// Attach chains publication onto the engine's scan, notification,
// indication and disconnect handlers.
func (p *NATSPublisher) Attach(e *dongle.Engine) {
	logErr := func(err error) {
		if err != nil {
			slog.Warn("[BRIDGE] publish failed", "error", err)
		}
	}
	e.UpdateHandlers(func(h *dongle.Handlers) {
		scan, notify, indicate, lost := h.ScanReport, h.Notification, h.Indication, h.Disconnected
		h.ScanReport = func(report []byte) {
			if scan != nil {
				scan(report)
			}
			logErr(p.PublishScan(report))
		}
		h.Notification = func(attr uint16, data []byte) {
			if notify != nil {
				notify(attr, data)
			}
			logErr(p.PublishNotification(attr, data, false))
		}
		h.Indication = func(attr uint16, result uint16, data []byte) {
			if indicate != nil {
				indicate(attr, result, data)
			}
			logErr(p.PublishNotification(attr, data, true))
		}
		h.Disconnected = func(reason uint8) {
			if lost != nil {
				lost(reason)
			}
			logErr(p.PublishDisconnect(reason))
		}
	})
}
