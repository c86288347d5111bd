package main

import (
	"github.com/ashureev/agentic-squad/internal/domain"
	"github.com/ashureev/agentic-squad/internal/transport"
	"github.com/charmbracelet/lipgloss"
)

var (
	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39"))

	senderStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	userBubble = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).
			Padding(0, 1)

	aiBubble = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("42")).
			Padding(0, 1)

	promptStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("212")).
			Bold(true)
)

// renderEvent draws one chat event as a terminal bubble.
func renderEvent(e transport.Event) string {
	switch domain.MessageKind(e.Type) {
	case domain.KindUserMessage:
		return userBubble.Render(e.Text)
	case domain.KindError:
		return errorStyle.Render("✗ " + e.Text)
	default:
		sender := e.Sender
		if sender == "" {
			sender = domain.DefaultSender
		}
		return lipgloss.JoinVertical(lipgloss.Left, senderStyle.Render(sender), aiBubble.Render(e.Text))
	}
}
