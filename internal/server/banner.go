package server

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
)

var (
	bannerTitleStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#7AA2F7")).
				Bold(true)
	bannerBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#3B4261")).
			Padding(0, 2)
	bannerDimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6B7689"))
)

// PrintBanner writes the startup banner with the dashboard address.
func PrintBanner(w io.Writer, addr, version string) {
	body := bannerTitleStyle.Render("coxswain") +
		bannerDimStyle.Render(" "+version) + "\n" +
		bannerDimStyle.Render("dashboard  ") + "http://" + addr
	fmt.Fprintln(w, bannerBoxStyle.Render(body))
}
