package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/aeolun/sealchat/pkg/client"
	"github.com/aeolun/sealchat/pkg/client/ui"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

func main() {
	addr := flag.String("server", "localhost:6475", "Server address (host:port, or ws://host:port for WebSocket)")
	username := flag.String("username", "", "Username (prompted for if empty)")
	key := flag.String("key", "", "Shared key (base64); overrides SEALCHAT_KEY")
	downloads := flag.String("downloads", "downloads", "Directory for downloaded files")
	version := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *version {
		fmt.Printf("SealChat Client %s\n", Version)
		os.Exit(0)
	}

	sharedKey := *key
	if sharedKey == "" {
		sharedKey = os.Getenv("SEALCHAT_KEY")
	}
	if sharedKey == "" {
		fmt.Fprintln(os.Stderr, "No shared key: pass -key or set SEALCHAT_KEY")
		os.Exit(1)
	}

	reader := bufio.NewReader(os.Stdin)

	// Re-prompt for a username until the server accepts one; a rejection
	// closes the connection, so every attempt dials fresh.
	name := *username
	for {
		if name == "" {
			fmt.Print("Enter your username: ")
			line, err := reader.ReadString('\n')
			if err != nil {
				os.Exit(1)
			}
			name = strings.TrimSpace(line)
			if name == "" {
				fmt.Println("Username cannot be empty.")
				continue
			}
		}

		conn, err := client.Dial(client.Config{
			Address:      *addr,
			Username:     name,
			SharedKey:    sharedKey,
			DownloadsDir: *downloads,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		p := tea.NewProgram(ui.NewModel(conn), tea.WithAltScreen())
		finished, err := p.Run()
		conn.Close()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if m, ok := finished.(ui.Model); ok && m.Rejected() {
			fmt.Printf("Username %q is already taken, pick another.\n", name)
			name = ""
			continue
		}
		return
	}
}
