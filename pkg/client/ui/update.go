package ui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gen2brain/beeep"

	"github.com/aeolun/sealchat/pkg/client"
	"github.com/aeolun/sealchat/pkg/protocol"
)

// Update handles input and server events.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		vpHeight := msg.Height - 4 // title, user bar, input, spacing
		if !m.ready {
			m.viewport = newViewport(msg.Width, vpHeight)
			m.viewport.SetContent(strings.Join(m.lines, "\n"))
			m.viewport.GotoBottom()
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = vpHeight
		}
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.quitting = true
			m.conn.Close()
			return m, tea.Quit
		case tea.KeyEnter:
			text := strings.TrimSpace(m.input.Value())
			m.input.Reset()
			if text == "" {
				return m, nil
			}
			return m.handleInput(text)
		}

	case envMsg:
		m.handleEnvelope(msg.env)
		if m.rejected || m.quitting {
			return m, tea.Quit
		}
		cmds := []tea.Cmd{waitForEvent(m.conn)}
		if notify := notifyCmd(msg.env, m.conn.Username()); notify != nil {
			cmds = append(cmds, notify)
		}
		return m, tea.Batch(cmds...)

	case connErrMsg:
		if !m.quitting {
			m.err = msg.err
			m.appendSystem("Connection to the server was lost.")
		}
		return m, tea.Quit

	case notifiedMsg:
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// handleInput executes one input line: a slash command or a public message.
func (m Model) handleInput(text string) (tea.Model, tea.Cmd) {
	switch {
	case text == "/quit":
		m.quitting = true
		m.conn.Close()
		return m, tea.Quit

	case strings.HasPrefix(text, "/w "):
		parts := strings.SplitN(text, " ", 3)
		if len(parts) < 3 {
			m.appendSystem("Usage: /w <username> <message>")
			return m, nil
		}
		receiver, body := parts[1], client.ApplyEmoji(parts[2])
		if err := m.conn.SendPrivate(receiver, body); err != nil {
			m.appendSystem(fmt.Sprintf("Send failed: %v", err))
			return m, nil
		}
		m.appendLine(privateStyle.Render(fmt.Sprintf("(Private to %s) %s: %s", receiver, protocol.Timestamp(), body)))
		return m, nil

	case strings.HasPrefix(text, "/sendfile "):
		parts := strings.SplitN(text, " ", 3)
		if len(parts) < 2 {
			m.appendSystem("Usage: /sendfile <filepath> [username]")
			return m, nil
		}
		path := parts[1]
		receiver := ""
		if len(parts) > 2 {
			receiver = parts[2]
		}
		fileID, err := m.conn.SendFile(path, receiver)
		if err != nil {
			m.appendSystem(fmt.Sprintf("File upload failed: %v", err))
			return m, nil
		}
		m.appendSystem(fmt.Sprintf("Sent file (id: %s)", fileID))
		return m, nil

	case strings.HasPrefix(text, "/download "):
		fileID := strings.TrimSpace(strings.TrimPrefix(text, "/download "))
		if fileID == "" {
			m.appendSystem("Usage: /download <file_id>")
			return m, nil
		}
		if err := m.conn.RequestDownload(fileID); err != nil {
			m.appendSystem(fmt.Sprintf("Download request failed: %v", err))
			return m, nil
		}
		m.appendSystem("Requested download for " + fileID)
		return m, nil

	default:
		body := client.ApplyEmoji(text)
		if err := m.conn.SendPublic(body); err != nil {
			m.appendSystem(fmt.Sprintf("Send failed: %v", err))
			return m, nil
		}
		// The relay never echoes a broadcast back to its sender
		m.appendLine(fmt.Sprintf("%s %s > %s", protocol.Timestamp(), senderStyle.Render(m.conn.Username()), body))
		return m, nil
	}
}

// handleEnvelope renders one server envelope into the transcript.
func (m *Model) handleEnvelope(env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeSystem:
		if users, ok := protocol.ParseUserList(env.Message); ok {
			m.users = users
			return
		}
		if env.Message == protocol.UsernameRejected {
			m.rejected = true
			m.appendSystem("Username already taken.")
			return
		}
		m.appendSystem(client.ApplyEmoji(env.Message))

	case protocol.TypePublic:
		m.appendLine(formatPublic(env))

	case protocol.TypePrivate:
		m.appendLine(formatPrivate(env))

	case protocol.TypeFile:
		if env.Receiver != "" {
			m.appendSystem(fmt.Sprintf("%s sent you '%s'. To download, type: /download %s", env.Sender, env.Message, env.FileID))
		} else {
			m.appendSystem(fmt.Sprintf("%s sent '%s' to the chat. To download, type: /download %s", env.Sender, env.Message, env.FileID))
		}

	default:
		// file_download envelopes were converted to system notices by the
		// connection's read loop; anything else is unexpected but harmless
		m.appendSystem(fmt.Sprintf("Unhandled message type %q", env.Type))
	}
}

// notifyCmd fires a desktop notification for messages addressed to this
// user. Runs as a command so a slow notification daemon never blocks the UI.
func notifyCmd(env *protocol.Envelope, username string) tea.Cmd {
	var title, body string
	switch {
	case env.Type == protocol.TypePrivate:
		title = "Private message from " + env.Sender
		body = client.ApplyEmoji(env.Message)
	case env.Type == protocol.TypeFile && env.Receiver == username:
		title = env.Sender + " sent you a file"
		body = env.Message
	default:
		return nil
	}

	return func() tea.Msg {
		beeep.Notify(title, body, "")
		return notifiedMsg{}
	}
}
