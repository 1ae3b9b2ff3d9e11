// Package ui is the terminal presentation layer. It renders decoded
// envelopes and turns input lines and slash commands into calls on the
// client connection. Emoji substitution happens here, before text is handed
// to the connection.
package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/aeolun/sealchat/pkg/client"
	"github.com/aeolun/sealchat/pkg/protocol"
)

// envMsg delivers one decoded envelope from the connection's read loop.
type envMsg struct {
	env *protocol.Envelope
}

// connErrMsg delivers the terminal connection error.
type connErrMsg struct {
	err error
}

// notifiedMsg is returned by the desktop-notification command; nothing to do.
type notifiedMsg struct{}

// Model is the bubbletea model for the chat screen.
type Model struct {
	conn *client.Connection

	viewport viewport.Model
	input    textinput.Model
	lines    []string
	users    []string

	width    int
	height   int
	ready    bool
	rejected bool
	quitting bool
	err      error
}

// NewModel creates the chat UI bound to a live connection.
func NewModel(conn *client.Connection) Model {
	input := textinput.New()
	input.Placeholder = "Type a message, or /w, /sendfile, /download, /quit"
	input.Focus()
	input.CharLimit = 4096

	return Model{
		conn:  conn,
		input: input,
		lines: []string{
			"Connected as " + conn.Username(),
			"Commands: /w <user> <message>, /sendfile <path> [user], /download <file_id>, /quit",
		},
	}
}

// Init starts listening for server events.
func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, waitForEvent(m.conn))
}

// Rejected reports whether the server refused the username; the caller can
// prompt for a new one and dial again.
func (m Model) Rejected() bool {
	return m.rejected
}

// Err returns the connection error the UI exited with, if any.
func (m Model) Err() error {
	return m.err
}

// waitForEvent blocks until the connection produces an envelope or dies.
func waitForEvent(conn *client.Connection) tea.Cmd {
	return func() tea.Msg {
		select {
		case env, ok := <-conn.Events():
			if !ok {
				return connErrMsg{err: <-conn.Errors()}
			}
			return envMsg{env: env}
		case err := <-conn.Errors():
			return connErrMsg{err: err}
		}
	}
}

// appendLine adds a rendered line to the transcript and scrolls to it.
func (m *Model) appendLine(line string) {
	m.lines = append(m.lines, line)
	if m.ready {
		m.viewport.SetContent(strings.Join(m.lines, "\n"))
		m.viewport.GotoBottom()
	}
}

func (m *Model) appendSystem(text string) {
	m.appendLine(systemStyle.Render("[SYSTEM] " + text))
}

func formatPublic(env *protocol.Envelope) string {
	return fmt.Sprintf("%s %s > %s", env.Timestamp, senderStyle.Render(env.Sender), client.ApplyEmoji(env.Message))
}

func formatPrivate(env *protocol.Envelope) string {
	return privateStyle.Render(fmt.Sprintf("(Private from %s) %s: %s", env.Sender, env.Timestamp, client.ApplyEmoji(env.Message)))
}
