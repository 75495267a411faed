package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/chaz8081/cyble/internal/bootloader"
	"github.com/chaz8081/cyble/internal/config"
	"github.com/chaz8081/cyble/internal/cyacd"
	"github.com/chaz8081/cyble/internal/dongle"
	"github.com/chaz8081/cyble/internal/dongle/protocol"
)

var _ bootloader.Session = (*dongle.Client)(nil)

// --- Update ---

type UpdateCmd struct {
	peerArgs `embed:""`
	Image    string `arg:"" help:"Firmware image: a .cyacd path or an http(s) URL"`
	MTU      int    `help:"MTU to negotiate before programming" default:"247"`
}

func (c *UpdateCmd) Run(ctx context.Context, app *App) error {
	bar := newProgressBar(app.Out)

	path, err := c.fetch(ctx, app, bar)
	if err != nil {
		return err
	}
	fw, err := cyacd.Load(path)
	if err != nil {
		return err
	}
	slog.Info("[BOOT] image", "path", path, "silicon", fmt.Sprintf("%08X", fw.SiliconID), "rows", len(fw.Rows), "bytes", fw.Size())

	service, err := app.Config.ServiceUUID()
	if err != nil {
		return err
	}

	s, _, err := app.connect(ctx, c.Address, c.Random)
	if err != nil {
		return err
	}
	defer s.Close()

	if c.MTU > protocol.DefaultMTU {
		if _, err := s.ExchangeMTU(ctx, c.MTU); err != nil {
			slog.Warn("[GATT] mtu exchange failed, staying at default", "error", err)
		}
	}

	bl := app.Config.Bootloader
	p := bootloader.NewProgrammer(s.Client, service, bootloader.Options{
		Timeout:        bl.Timeout,
		ProgramTimeout: bl.ProgramTimeout,
		ChunkSize:      bl.ChunkSize,
	})
	p.OnProgress(bar.Phase)
	if err := p.Program(ctx, fw); err != nil {
		bar.Done()
		return err
	}
	fmt.Fprintln(app.Out, app.Styles.Success.Render("firmware updated"))
	return nil
}

// fetch returns a local path for the image, downloading URLs into the
// cache directory.
func (c *UpdateCmd) fetch(ctx context.Context, app *App, bar *progressBar) (string, error) {
	if !strings.HasPrefix(c.Image, "http://") && !strings.HasPrefix(c.Image, "https://") {
		return c.Image, nil
	}
	path, err := cyacd.Download(ctx, c.Image, app.Config.Bootloader.CacheDir, bar.Bytes)
	if err != nil {
		return "", err
	}
	bar.Done()
	return path, nil
}

// --- Cyacd ---

type CyacdCmd struct {
	File string `arg:"" help:"Path to a .cyacd image" type:"existingfile"`
	Rows bool   `help:"List every row"`
}

func (c *CyacdCmd) Run(app *App) error {
	f, err := os.Open(c.File)
	if err != nil {
		return err
	}
	defer f.Close()

	fw, err := cyacd.Parse(f)
	var perr *cyacd.ParseError
	if err != nil && !errors.As(err, &perr) {
		return err
	}
	fmt.Fprint(app.Out, formatFirmware(app.Styles, fw, c.Rows))
	if perr != nil {
		for _, re := range perr.Rows {
			fmt.Fprintln(app.Out, app.Styles.Error.Render(re.Error()))
		}
		return fmt.Errorf("%d bad rows", len(perr.Rows))
	}
	return nil
}

func formatFirmware(st Styles, fw *cyacd.Firmware, rows bool) string {
	var b strings.Builder
	b.WriteString(st.field("Silicon ID", fmt.Sprintf("%08X", fw.SiliconID)) + "\n")
	b.WriteString(st.field("Revision", fmt.Sprintf("%d", fw.SiliconRev)) + "\n")
	b.WriteString(st.field("Checksum", checksumName(fw.ChecksumType)) + "\n")
	b.WriteString(st.field("Rows", fmt.Sprintf("%d", len(fw.Rows))) + "\n")
	b.WriteString(st.field("Size", fmt.Sprintf("%d bytes", fw.Size())) + "\n")
	if rows {
		for _, r := range fw.Rows {
			fmt.Fprintf(&b, "  %02X:%04X  %3d bytes  checksum %02X\n", r.ArrayID, r.Number, len(r.Data), r.Checksum)
		}
	}
	return b.String()
}

func checksumName(t uint8) string {
	switch t {
	case cyacd.ChecksumSum:
		return "sum"
	case cyacd.ChecksumCRC16:
		return "crc16"
	}
	return fmt.Sprintf("unknown (%d)", t)
}

// --- Init ---

type InitCmd struct{}

func (c *InitCmd) Run(app *App) error {
	path, err := config.WriteDefault()
	if err != nil {
		return err
	}
	if path == "" {
		fmt.Fprintln(app.Out, app.Styles.Muted.Render("config already exists at "+config.DefaultConfigPath()))
		return nil
	}
	fmt.Fprintln(app.Out, app.Styles.Success.Render("wrote "+path))
	return nil
}

// --- Decode ---

type DecodeCmd struct {
	File string `arg:"" optional:"" help:"Hex capture file (default: stdin)"`
	TX   bool   `name:"tx" help:"Decode host-to-dongle commands instead of events"`
}

func (c *DecodeCmd) Run(app *App) error {
	in := io.Reader(os.Stdin)
	if c.File != "" && c.File != "-" {
		f, err := os.Open(c.File)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}
	text, err := io.ReadAll(in)
	if err != nil {
		return err
	}
	data, err := parseHex(string(text))
	if err != nil {
		return err
	}
	return decodeCapture(app.Out, app.Styles, data, c.TX, app.Config.Dongle.MaxFrame)
}

// decodeCapture prints every frame found in data.
func decodeCapture(w io.Writer, st Styles, data []byte, tx bool, maxFrame int) error {
	scan := protocol.NewRXScanner(maxFrame)
	if tx {
		scan = protocol.NewTXScanner(maxFrame)
	}
	scan.Feed(data)

	n := 0
	for {
		msg, ok := scan.Next()
		if !ok {
			break
		}
		n++
		if tx {
			op, payload, err := protocol.DecodeCommand(msg)
			if err != nil {
				fmt.Fprintln(w, st.Error.Render(err.Error()))
				continue
			}
			fmt.Fprintf(w, "%s %s\n", st.Header.Render(fmt.Sprintf("CMD %04X %v", uint16(op), op)), hexdump(payload))
			continue
		}
		ev, err := protocol.ParseEvent(msg)
		if err != nil {
			fmt.Fprintln(w, st.Error.Render(err.Error()))
			continue
		}
		code, payload, _ := protocol.DecodeEvent(msg)
		fmt.Fprintf(w, "%s %+v\n", st.Header.Render(fmt.Sprintf("EVT %04X %v", uint16(code), code)), ev)
		slog.Debug("[DONGLE] payload", "event", code, "hex", hexdump(payload))
	}
	if scan.Partial() {
		fmt.Fprintln(w, st.Warning.Render("capture ends inside a frame"))
	}
	fmt.Fprintln(w, st.Muted.Render(fmt.Sprintf("%d frames", n)))
	return nil
}
