package cli

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/chaz8081/cyble/internal/dongle"
)

// --- Ports ---

type PortsCmd struct{}

func (c *PortsCmd) Run(app *App) error {
	ports, err := dongle.ListPorts()
	if err != nil {
		return err
	}
	fmt.Fprint(app.Out, formatPorts(app.Styles, ports))
	return nil
}

func formatPorts(st Styles, ports []dongle.PortInfo) string {
	if len(ports) == 0 {
		return st.Muted.Render("no serial ports found") + "\n"
	}
	var b strings.Builder
	for _, p := range ports {
		line := p.Name
		if p.USB {
			line += fmt.Sprintf("  %s:%s", p.VID, p.PID)
			if p.Product != "" {
				line += "  " + p.Product
			}
		}
		if p.IsDongle() {
			line = st.Success.Render(line + "  [CY5677]")
		}
		b.WriteString(line + "\n")
	}
	return b.String()
}

// --- Info ---

type InfoCmd struct{}

func (c *InfoCmd) Run(ctx context.Context, app *App) error {
	s, err := app.open(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	st := app.Styles
	fmt.Fprintln(app.Out, st.Title.Render("CY5677 dongle"))

	if addr, err := s.Address(ctx, true); err == nil {
		fmt.Fprintln(app.Out, st.field("Address", addr.String()))
	} else {
		slog.Warn("[DONGLE] address", "error", err)
	}
	for _, ch := range []dongle.Channel{dongle.ChannelAdvertising, dongle.ChannelConnection} {
		dbm, err := s.TxPower(ctx, ch)
		if err != nil {
			return err
		}
		fmt.Fprintln(app.Out, st.field("TX "+ch.String(), fmt.Sprintf("%d dBm", dbm)))
	}
	params, err := s.ScanParams(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(app.Out, st.field("Scan", params.String()))
	return nil
}

// --- Scan ---

type ScanCmd struct {
	Duration time.Duration `help:"How long to scan" default:"10s"`
	Name     string        `help:"Only show peripherals whose name contains this"`
	Service  string        `help:"Only show peripherals advertising this service UUID"`
}

type seen struct {
	report dongle.ScanReport
	adv    dongle.Advertisement
	count  int
}

func (c *ScanCmd) Run(ctx context.Context, app *App) error {
	var service bluetooth.UUID
	if c.Service != "" {
		u, err := bluetooth.ParseUUID(c.Service)
		if err != nil {
			return fmt.Errorf("--service %q: %w", c.Service, err)
		}
		service = u
	}

	s, err := app.open(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	reports := make(chan []byte, 64)
	s.Engine().UpdateHandlers(func(h *dongle.Handlers) {
		prev := h.ScanReport
		h.ScanReport = func(r []byte) {
			if prev != nil {
				prev(r)
			}
			select {
			case reports <- append([]byte(nil), r...):
			default:
				slog.Debug("[DONGLE] scan report dropped")
			}
		}
	})

	if err := s.StartScan(ctx); err != nil {
		return err
	}
	defer func() {
		if err := s.StopScan(context.Background()); err != nil {
			slog.Warn("[DONGLE] stop scan", "error", err)
		}
	}()

	found := make(map[bluetooth.MAC]*seen)
	timer := time.NewTimer(c.Duration)
	defer timer.Stop()
	for {
		select {
		case raw := <-reports:
			r, err := dongle.ParseScanReport(raw)
			if err != nil {
				slog.Warn("[DONGLE] bad scan report", "error", err)
				continue
			}
			adv, _ := dongle.ParseAdvertising(r.Data)
			if !c.match(adv, service) {
				continue
			}
			e, ok := found[r.Address]
			if !ok {
				e = &seen{}
				found[r.Address] = e
				fmt.Fprintln(app.Out, formatReport(app.Styles, r, adv))
			}
			e.report = r
			e.count++
			if adv.Name != "" {
				e.adv = adv
			}
		case <-timer.C:
			fmt.Fprint(app.Out, formatSummary(app.Styles, found))
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *ScanCmd) match(adv dongle.Advertisement, service bluetooth.UUID) bool {
	if c.Name != "" && !strings.Contains(strings.ToLower(adv.Name), strings.ToLower(c.Name)) {
		return false
	}
	if service != (bluetooth.UUID{}) && !adv.HasService(service) {
		return false
	}
	return true
}

func formatReport(st Styles, r dongle.ScanReport, adv dongle.Advertisement) string {
	line := fmt.Sprintf("%s %4d dBm  %s", r.Address.String(), r.RSSI, r.AddressType)
	if adv.Name != "" {
		line += "  " + st.Header.Render(adv.Name)
	}
	for _, u := range adv.Services {
		line += "  " + st.Muted.Render(u.String())
	}
	return line
}

func formatSummary(st Styles, found map[bluetooth.MAC]*seen) string {
	addrs := make([]bluetooth.MAC, 0, len(found))
	for a := range found {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].String() < addrs[j].String() })

	var b strings.Builder
	b.WriteString(st.Title.Render(fmt.Sprintf("%d peripherals", len(found))) + "\n")
	for _, a := range addrs {
		e := found[a]
		name := e.adv.Name
		if name == "" {
			name = st.Muted.Render("(unnamed)")
		}
		fmt.Fprintf(&b, "%s %4d dBm  %3d reports  %s\n", a.String(), e.report.RSSI, e.count, name)
	}
	return b.String()
}
