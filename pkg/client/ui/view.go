package ui

import (
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("230")).Background(lipgloss.Color("62")).Padding(0, 1)
	systemStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("243")).Italic(true)
	senderStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("81"))
	privateStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("212"))
	userBarStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("107"))
)

func newViewport(width, height int) viewport.Model {
	vp := viewport.New(width, height)
	vp.MouseWheelEnabled = true
	return vp
}

// View renders the chat screen: title bar, transcript, online users, input.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if !m.ready {
		return "Connecting..."
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("SealChat — " + m.conn.Username()))
	b.WriteString("\n")
	b.WriteString(m.viewport.View())
	b.WriteString("\n")
	b.WriteString(userBarStyle.Render("Online: " + strings.Join(m.users, ", ")))
	b.WriteString("\n")
	b.WriteString(m.input.View())
	return b.String()
}
