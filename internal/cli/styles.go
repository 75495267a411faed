package cli

import "github.com/charmbracelet/lipgloss"

// Styles holds the lipgloss styles of command output.
type Styles struct {
	Title   lipgloss.Style
	Label   lipgloss.Style
	Value   lipgloss.Style
	Muted   lipgloss.Style
	Error   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Header  lipgloss.Style
}

// DefaultStyles returns the default color scheme.
func DefaultStyles() Styles {
	highlight := lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"}
	special := lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}

	return Styles{
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(highlight).
			Padding(0, 1),
		Label:   lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Width(14),
		Value:   lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#343433", Dark: "#C1C6B2"}),
		Muted:   lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		Error:   lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F87")).Bold(true),
		Success: lipgloss.NewStyle().Foreground(special),
		Warning: lipgloss.NewStyle().Foreground(lipgloss.Color("#FFB86C")),
		Header:  lipgloss.NewStyle().Bold(true).Foreground(highlight),
	}
}

// PlainStyles renders without colors or padding, for pipes and tests.
func PlainStyles() Styles {
	plain := lipgloss.NewStyle()
	return Styles{
		Title:   plain,
		Label:   plain.Width(14),
		Value:   plain,
		Muted:   plain,
		Error:   plain,
		Success: plain,
		Warning: plain,
		Header:  plain,
	}
}

// field renders one "label value" line.
func (s Styles) field(label, value string) string {
	return s.Label.Render(label) + s.Value.Render(value)
}
