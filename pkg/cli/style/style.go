package style

import (
	"github.com/charmbracelet/lipgloss"

	"deckhand/pkg/model"
)

var (
	// Colors
	Primary = lipgloss.Color("#2563EB")
	Green   = lipgloss.Color("#10B981")
	Red     = lipgloss.Color("#EF4444")
	Yellow  = lipgloss.Color("#F59E0B")
	Dim     = lipgloss.Color("#6B7280")
	White   = lipgloss.Color("#F9FAFB")

	Banner = lipgloss.NewStyle().
		Bold(true).
		Foreground(Primary).
		MarginBottom(1)

	Bold    = lipgloss.NewStyle().Bold(true).Foreground(White)
	DimText = lipgloss.NewStyle().Foreground(Dim)

	Healthy   = lipgloss.NewStyle().Foreground(Green).Bold(true)
	Unhealthy = lipgloss.NewStyle().Foreground(Red).Bold(true)
	Warning   = lipgloss.NewStyle().Foreground(Yellow)

	DotHealthy   = Healthy.Render("●")
	DotUnhealthy = Unhealthy.Render("●")
	DotWarning   = Warning.Render("●")
	DotDim       = DimText.Render("●")

	ErrorBox = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(Red).
		Foreground(Red).
		Padding(0, 1).
		MarginTop(1)

	SuccessBox = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(Green).
		Foreground(Green).
		Padding(0, 1).
		MarginTop(1)

	WarningBox = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(Yellow).
		Foreground(Yellow).
		Padding(0, 1).
		MarginTop(1)

	// Key-value
	Key = lipgloss.NewStyle().Foreground(Dim).Width(14)
	Val = lipgloss.NewStyle().Foreground(White)
)

// HealthDot renders a node health indicator.
func HealthDot(h model.NodeHealth) string {
	switch h {
	case model.HealthHealthy:
		return DotHealthy
	case model.HealthUnhealthy:
		return DotUnhealthy
	default:
		return DotDim
	}
}

// Outcome colors a unit outcome.
func Outcome(o model.Outcome) string {
	s := string(o)
	switch o {
	case model.OutcomeCreated, model.OutcomeUpdated, model.OutcomeDeleted:
		return Healthy.Render(s)
	case model.OutcomeFailed:
		return Unhealthy.Render(s)
	case model.OutcomeSkipped, model.OutcomePending:
		return Warning.Render(s)
	default:
		return DimText.Render(s)
	}
}

// Status renders a report summary box.
func Status(s model.ReportStatus, text string) string {
	switch s {
	case model.StatusSuccess:
		return SuccessBox.Render(text)
	case model.StatusPartial:
		return WarningBox.Render(text)
	default:
		return ErrorBox.Render(text)
	}
}
