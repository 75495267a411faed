package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/chaz8081/cyble/internal/bridge"
	"github.com/chaz8081/cyble/internal/dongle"
	"github.com/chaz8081/cyble/internal/dongle/protocol"
)

// --- Services ---

type ServicesCmd struct {
	peerArgs `embed:""`
	Refresh  bool `help:"Ignore the attribute cache and discover again"`
}

func (c *ServicesCmd) Run(ctx context.Context, app *App) error {
	s, mac, err := app.connect(ctx, c.Address, c.Random)
	if err != nil {
		return err
	}
	defer s.Close()

	cache, done := app.cache(ctx)
	defer done()
	if c.Refresh && cache != nil {
		if err := cache.Forget(ctx, mac); err != nil {
			slog.Warn("[BRIDGE] cache forget", "error", err)
		}
	}

	table, err := bridge.Cached(ctx, cache, s, mac)
	if err != nil {
		return err
	}
	fmt.Fprint(app.Out, formatTable(app.Styles, table))
	return nil
}

func formatTable(st Styles, t bridge.AttributeTable) string {
	var b strings.Builder
	b.WriteString(st.Title.Render(t.Address) + "\n")
	for _, svc := range t.Services {
		fmt.Fprintf(&b, "%s %s\n", st.Header.Render(fmt.Sprintf("[%04X-%04X]", svc.Start, svc.End)), uuidLabel(svc.UUID))
		for _, ch := range svc.Characteristics {
			fmt.Fprintf(&b, "  %04X %s  %s\n", ch.ValueHandle, uuidLabel(ch.UUID),
				st.Muted.Render(protocol.Properties(ch.Properties).String()))
			for _, d := range ch.Descriptors {
				fmt.Fprintf(&b, "    %04X %s\n", d.Handle, uuidLabel(d.UUID))
			}
		}
	}
	return b.String()
}

// uuidLabel shortens Bluetooth base UUIDs to their 16-bit form.
func uuidLabel(s string) string {
	u, err := bluetooth.ParseUUID(s)
	if err != nil {
		return s
	}
	return protocol.UUIDName(u)
}

// --- Read ---

type ReadCmd struct {
	peerArgs `embed:""`
	Handle   uint16 `arg:"" help:"Attribute handle of the value"`
	Length   int    `help:"Expected value length; longer values use the long read procedure" default:"0"`
	Decrypt  bool   `help:"Decrypt the value with the configured privacy secret"`
}

func (c *ReadCmd) Run(ctx context.Context, app *App) error {
	s, _, err := app.connect(ctx, c.Address, c.Random)
	if err != nil {
		return err
	}
	defer s.Close()

	data, err := s.ReadBest(ctx, c.Handle, c.Length)
	if err != nil {
		return err
	}
	if c.Decrypt {
		p, err := app.privacy()
		if err != nil {
			return err
		}
		if data, err = p.Decrypt(data); err != nil {
			return err
		}
	}
	fmt.Fprintln(app.Out, hexdump(data))
	return nil
}

// --- Write ---

type WriteCmd struct {
	peerArgs   `embed:""`
	Handle     uint16 `arg:"" help:"Attribute handle of the value"`
	Data       string `arg:"" help:"Value as hex"`
	Encrypt    bool   `help:"Encrypt the value with the configured privacy secret"`
	NoResponse bool   `help:"Write without response (value truncated to MTU-3)"`
	MTU        int    `help:"Exchange this MTU before writing" default:"0"`
}

func (c *WriteCmd) Run(ctx context.Context, app *App) error {
	data, err := parseHex(c.Data)
	if err != nil {
		return err
	}
	if c.Encrypt {
		p, err := app.privacy()
		if err != nil {
			return err
		}
		if data, err = p.Encrypt(data); err != nil {
			return err
		}
	}

	s, _, err := app.connect(ctx, c.Address, c.Random)
	if err != nil {
		return err
	}
	defer s.Close()

	if c.MTU > 0 {
		mtu, err := s.ExchangeMTU(ctx, c.MTU)
		if err != nil {
			return err
		}
		slog.Info("[GATT] mtu", "mtu", mtu)
	}
	if c.NoResponse {
		return s.WriteWithoutResponse(ctx, c.Handle, data)
	}
	if err := s.WriteBest(ctx, c.Handle, data); err != nil {
		return err
	}
	fmt.Fprintln(app.Out, app.Styles.Success.Render(fmt.Sprintf("wrote %d bytes to 0x%04X", len(data), c.Handle)))
	return nil
}

// --- Monitor ---

type MonitorCmd struct {
	peerArgs   `embed:""`
	Handle     uint16        `arg:"" help:"Attribute handle of the value"`
	Indicate   bool          `help:"Enable indications instead of notifications"`
	Decrypt    bool          `help:"Decrypt each value with the configured privacy secret"`
	MaxBackoff time.Duration `help:"Longest wait between reconnection attempts" default:"30s"`
}

type notification struct {
	at   time.Time
	data []byte
}

func (c *MonitorCmd) Run(ctx context.Context, app *App) error {
	mac, err := bluetooth.ParseMAC(c.Address)
	if err != nil {
		return fmt.Errorf("peer address %q: %w", c.Address, err)
	}
	decode := func(b []byte) ([]byte, error) { return b, nil }
	if c.Decrypt {
		p, err := app.privacy()
		if err != nil {
			return err
		}
		decode = p.Decrypt
	}

	s, err := app.open(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	if s.nats != nil {
		s.nats.SetPeer(mac.String())
	}

	values := make(chan notification, 64)
	push := func(data []byte) {
		select {
		case values <- notification{at: time.Now(), data: append([]byte(nil), data...)}:
		default:
			slog.Warn("[GATT] notification dropped", "attr", c.Handle)
		}
	}
	s.Engine().UpdateHandlers(func(h *dongle.Handlers) {
		notify, indicate := h.Notification, h.Indication
		h.Notification = func(attr uint16, data []byte) {
			if notify != nil {
				notify(attr, data)
			}
			if attr == c.Handle {
				push(data)
			}
		}
		h.Indication = func(attr uint16, result uint16, data []byte) {
			if indicate != nil {
				indicate(attr, result, data)
			}
			if attr == c.Handle {
				push(data)
			}
		}
	})

	go func() {
		for {
			select {
			case n := <-values:
				plain, err := decode(n.data)
				if err != nil {
					fmt.Fprintln(app.Out, app.Styles.Error.Render(err.Error()))
					continue
				}
				fmt.Fprintf(app.Out, "%s %s\n", app.Styles.Muted.Render(n.at.Format("15:04:05.000")), hexdump(plain))
			case <-ctx.Done():
				return
			}
		}
	}()

	cccd := c.Handle + 1
	err = s.KeepConnected(ctx, mac, addressKind(c.Random), dongle.ReconnectOptions{
		MaxBackoff: c.MaxBackoff,
		OnConnect: func(ctx context.Context) error {
			if err := s.WriteDescriptor(ctx, cccd, !c.Indicate, c.Indicate); err != nil {
				return err
			}
			fmt.Fprintln(app.Out, app.Styles.Success.Render("connected to "+mac.String()))
			return nil
		},
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// --- Pair ---

type PairCmd struct {
	peerArgs `embed:""`
	Security int           `help:"Local security level (1-3)" default:"3"`
	IO       string        `help:"IO capability" default:"keyboard-only" enum:"display-only,display-yesno,keyboard-only,noinput-nooutput,keyboard-display"`
	Passkey  int           `help:"Fixed passkey; default derives it from the privacy secret and the peer address" default:"-1"`
	Timeout  time.Duration `help:"How long to wait for the pairing to finish" default:"30s"`
}

func (c *PairCmd) Run(ctx context.Context, app *App) error {
	capability, err := dongle.ParseIOCapability(strings.ToUpper(strings.ReplaceAll(c.IO, "-", " ")))
	if err != nil {
		return err
	}
	opts := dongle.PairOptions{Security: c.Security, IOCapability: capability, Timeout: c.Timeout}

	switch {
	case c.Passkey > dongle.MaxPasskey:
		return fmt.Errorf("--passkey must be at most %d", dongle.MaxPasskey)
	case c.Passkey >= 0:
		pk := uint32(c.Passkey)
		opts.Passkey = func(bluetooth.MAC) (uint32, error) { return pk, nil }
	default:
		p, err := app.privacy()
		if err != nil {
			return fmt.Errorf("passkey: %w", err)
		}
		opts.Passkey = func(peer bluetooth.MAC) (uint32, error) {
			return p.Passkey(protocol.MACToWire(peer)), nil
		}
	}

	s, mac, err := app.connect(ctx, c.Address, c.Random)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.Pair(ctx, mac, opts); err != nil {
		return err
	}
	fmt.Fprintln(app.Out, app.Styles.Success.Render("paired with "+mac.String()))
	return nil
}
