package cli

import (
	"fmt"
	"io"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"

	"github.com/chaz8081/cyble/internal/bootloader"
)

// progressBar redraws a single progress line in place.
type progressBar struct {
	w       io.Writer
	bar     progress.Model
	desc    lipgloss.Style
	label   string
	percent float64
}

func newProgressBar(w io.Writer) *progressBar {
	return &progressBar{
		w: w,
		bar: progress.New(
			progress.WithDefaultGradient(),
			progress.WithWidth(40),
		),
		desc: lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Width(12),
	}
}

// Set draws percent (0.0 to 1.0) with a label.
func (p *progressBar) Set(label string, percent float64) {
	if percent < 0 {
		percent = 0
	}
	if percent > 1 {
		percent = 1
	}
	p.label, p.percent = label, percent
	fmt.Fprintf(p.w, "\r%s %s", p.desc.Render(label), p.bar.ViewAs(percent))
}

// Done ends the line.
func (p *progressBar) Done() {
	fmt.Fprintln(p.w)
}

// Bytes reports a download.
func (p *progressBar) Bytes(written, total int64) {
	if total <= 0 {
		return
	}
	p.Set("download", float64(written)/float64(total))
}

// Phase reports a firmware update. Phases other than rows keep the bar
// where it is and only change the label.
func (p *progressBar) Phase(phase bootloader.Phase, done, total int) {
	switch phase {
	case bootloader.PhaseRows:
		if total > 0 {
			p.Set(fmt.Sprintf("rows %d/%d", done, total), float64(done)/float64(total))
		}
	case bootloader.PhaseDone:
		p.Set(phase.String(), 1)
		p.Done()
	default:
		p.Set(phase.String(), p.percent)
	}
}
