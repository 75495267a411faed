// Package cli is the cyble command tree.
package cli

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"tinygo.org/x/bluetooth"

	"github.com/chaz8081/cyble/internal/bridge"
	"github.com/chaz8081/cyble/internal/config"
	"github.com/chaz8081/cyble/internal/dongle"
	"github.com/chaz8081/cyble/internal/dongle/protocol"
	"github.com/chaz8081/cyble/internal/privacy"
)

// CLI is the root command structure for cyble.
type CLI struct {
	Config  string `help:"Path to config file" type:"path" placeholder:"FILE"`
	Verbose bool   `short:"v" help:"Enable verbose debug output"`
	Port    string `help:"Serial port of the dongle (default: auto-detect)"`

	Ports    PortsCmd    `cmd:"" help:"List serial ports and mark CY5677 dongles"`
	Info     InfoCmd     `cmd:"" help:"Show dongle address, TX power and scan parameters"`
	Scan     ScanCmd     `cmd:"" help:"Scan for advertising peripherals"`
	Services ServicesCmd `cmd:"" help:"Discover the attribute table of a peripheral"`
	Read     ReadCmd     `cmd:"" help:"Read a characteristic value"`
	Write    WriteCmd    `cmd:"" help:"Write a characteristic value"`
	Monitor  MonitorCmd  `cmd:"" help:"Print notifications of a characteristic, reconnecting as needed"`
	Pair     PairCmd     `cmd:"" help:"Pair with a peripheral"`
	Update   UpdateCmd   `cmd:"" help:"Update peripheral firmware over the bootloader service"`
	Decode   DecodeCmd   `cmd:"" help:"Decode a hex capture of dongle traffic"`
	Cyacd    CyacdCmd    `cmd:"" help:"Check a .cyacd firmware image"`
	Init     InitCmd     `cmd:"" help:"Write the default config file"`
}

// App is what every command runs with: the loaded config and where to
// print.
type App struct {
	Config *config.Config
	Out    io.Writer
	Styles Styles
}

// Setup loads the config, applies flag overrides and installs the default
// slog handler.
func (c *CLI) Setup() (*App, error) {
	path := c.Config
	if path == "" {
		path = config.DefaultConfigPath()
	}
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, err
	}
	if c.Port != "" {
		cfg.Serial.Port = c.Port
	}
	if c.Verbose {
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: config.ParseLogLevel(cfg.LogLevel)})
	slog.SetDefault(slog.New(handler))

	return &App{Config: cfg, Out: os.Stdout, Styles: DefaultStyles()}, nil
}

func (a *App) serialOptions() dongle.SerialOptions {
	return dongle.SerialOptions{
		Port:        a.Config.Serial.Port,
		BaudRate:    a.Config.Serial.BaudRate,
		AssertRTS:   a.Config.Serial.AssertRTS,
		ReadTimeout: a.Config.Serial.ReadTimeout,
	}
}

func (a *App) engineOptions() dongle.Options {
	d := a.Config.Dongle
	return dongle.Options{
		PollInterval:     d.PollInterval,
		CommandTimeout:   d.CommandTimeout,
		ConnectTimeout:   d.ConnectTimeout,
		DiscoveryTimeout: d.DiscoveryTimeout,
		LongReadTimeout:  d.LongReadTimeout,
		AbortOnMismatch:  d.AbortOnMismatch,
		MaxFrame:         d.MaxFrame,
	}
}

// session is an open dongle with the optional bridge attached.
type session struct {
	*dongle.Client
	nats    *bridge.NATSPublisher
	cleanup []func()
}

func (s *session) Close() {
	for i := len(s.cleanup) - 1; i >= 0; i-- {
		s.cleanup[i]()
	}
}

// open opens the dongle, initialises its stack and attaches NATS
// publication when configured.
func (a *App) open(ctx context.Context) (*session, error) {
	c, err := dongle.Open(a.serialOptions(), a.engineOptions())
	if err != nil {
		return nil, err
	}
	s := &session{Client: c}
	s.cleanup = append(s.cleanup, func() {
		if err := c.Close(); err != nil {
			slog.Warn("[DONGLE] close failed", "error", err)
		}
	})

	if err := c.InitStack(ctx); err != nil {
		s.Close()
		return nil, err
	}

	if url := a.Config.Bridge.NATSURL; url != "" {
		pub, err := bridge.DialNATS(url, a.Config.Bridge.Subject)
		if err != nil {
			s.Close()
			return nil, err
		}
		pub.Attach(c.Engine())
		s.nats = pub
		s.cleanup = append(s.cleanup, func() { _ = pub.Close() })
	}
	return s, nil
}

// connect opens the dongle and connects to addr.
func (a *App) connect(ctx context.Context, addr string, random bool) (*session, bluetooth.MAC, error) {
	mac, err := bluetooth.ParseMAC(addr)
	if err != nil {
		return nil, mac, fmt.Errorf("peer address %q: %w", addr, err)
	}
	s, err := a.open(ctx)
	if err != nil {
		return nil, mac, err
	}
	if err := s.Connect(ctx, mac, addressKind(random)); err != nil {
		s.Close()
		return nil, mac, err
	}
	if s.nats != nil {
		s.nats.SetPeer(mac.String())
	}
	s.cleanup = append(s.cleanup, func() {
		if err := s.Disconnect(context.Background()); err != nil {
			slog.Debug("[GATT] disconnect", "error", err)
		}
	})
	return s, mac, nil
}

// cache returns the Redis attribute cache, or nil when none is configured
// or it cannot be reached.
func (a *App) cache(ctx context.Context) (*bridge.AttributeCache, func()) {
	addr := a.Config.Bridge.RedisAddr
	if addr == "" {
		return nil, func() {}
	}
	c, rdb, err := bridge.DialRedis(ctx, addr, a.Config.Bridge.CacheTTL)
	if err != nil {
		slog.Warn("[BRIDGE] attribute cache disabled", "error", err)
		return nil, func() {}
	}
	return c, func() { _ = rdb.Close() }
}

// privacy builds the payload cipher from the configured secret.
func (a *App) privacy() (*privacy.Privacy, error) {
	p := a.Config.Privacy
	switch {
	case p.Secret != "":
		secret, err := hex.DecodeString(p.Secret)
		if err != nil {
			return nil, fmt.Errorf("privacy.secret: %w", err)
		}
		return privacy.New(secret)
	case p.Passphrase != "":
		secret, err := privacy.DeriveSecret(p.Passphrase)
		if err != nil {
			return nil, err
		}
		return privacy.New(secret)
	}
	return nil, fmt.Errorf("no privacy.secret or privacy.passphrase configured")
}

func addressKind(random bool) uint8 {
	if random {
		return protocol.AddressRandom
	}
	return protocol.AddressPublic
}

// parseHex accepts hex with optional spaces, colons, dashes and a 0x
// prefix.
func parseHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', ':', '-', '\n', '\r', '\t':
			return -1
		}
		return r
	}, s)
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("hex data: %w", err)
	}
	return b, nil
}

// hexdump formats data as spaced upper-case hex.
func hexdump(b []byte) string {
	return fmt.Sprintf("% X", b)
}

// peerArgs are the arguments of commands that connect to a peripheral.
type peerArgs struct {
	Address string `arg:"" help:"Peripheral address (AA:BB:CC:DD:EE:FF)"`
	Random  bool   `help:"Peripheral uses a random address"`
}
