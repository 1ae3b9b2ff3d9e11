// Package client implements the collaborator side of the relay: it dials the
// server, runs the login handshake, and turns the encrypted frame stream into
// decoded envelopes for a presentation layer to render. The presentation
// layer is responsible for any text transforms (emoji substitution happens
// before a message enters this package's send path).
package client

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aeolun/sealchat/pkg/crypto"
	"github.com/aeolun/sealchat/pkg/protocol"
)

var (
	// ErrFileTooLarge is returned by SendFile before any frame is
	// transmitted when the file exceeds the configured limit.
	ErrFileTooLarge = errors.New("file exceeds size limit")
)

// Config holds everything needed to reach a server.
type Config struct {
	Address      string // host:port for TCP, or ws://host:port for WebSocket
	Username     string
	SharedKey    string // base64, same key the server was configured with
	DownloadsDir string
	MaxFileBytes int64 // 0 = protocol.DefaultMaxFileBytes
}

// Connection is a live client connection. Envelopes decoded from the stream
// arrive on Events; a read failure arrives on Errors, after which the
// connection is dead.
type Connection struct {
	cfg    Config
	cipher *crypto.Cipher
	conn   net.Conn

	writeMu sync.Mutex
	events  chan *protocol.Envelope
	errs    chan error

	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Dial connects, sends the login request, and starts the read loop. A
// duplicate-username rejection arrives asynchronously as a system envelope
// with message "username_rejected", followed by end of stream.
func Dial(cfg Config) (*Connection, error) {
	if cfg.Username == "" {
		return nil, fmt.Errorf("username cannot be empty")
	}
	if cfg.MaxFileBytes == 0 {
		cfg.MaxFileBytes = protocol.DefaultMaxFileBytes
	}

	var conn net.Conn
	var err error
	if host, ok := strings.CutPrefix(cfg.Address, "ws://"); ok {
		conn, err = DialWebSocket(host)
	} else {
		conn, err = net.DialTimeout("tcp", cfg.Address, 10*time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("could not connect to %s: %w", cfg.Address, err)
	}

	return newConnection(conn, cfg)
}

// newConnection wraps an established conn; split from Dial so tests can
// drive a connection over net.Pipe.
func newConnection(conn net.Conn, cfg Config) (*Connection, error) {
	cipher, err := crypto.NewFromBase64(cfg.SharedKey)
	if err != nil {
		conn.Close()
		return nil, err
	}

	c := &Connection{
		cfg:    cfg,
		cipher: cipher,
		conn:   conn,
		events: make(chan *protocol.Envelope, 64),
		errs:   make(chan error, 1),

		shutdown: make(chan struct{}),
	}

	login := protocol.NewEnvelope(protocol.TypeSystem, cfg.Username, protocol.LoginRequest)
	if err := c.send(login); err != nil {
		conn.Close()
		return nil, fmt.Errorf("login failed: %w", err)
	}

	c.wg.Add(1)
	go c.readLoop()

	return c, nil
}

// Events returns the channel of decoded envelopes from the server.
func (c *Connection) Events() <-chan *protocol.Envelope {
	return c.events
}

// Errors returns the channel the terminal read error is delivered on.
func (c *Connection) Errors() <-chan error {
	return c.errs
}

// Username returns the username this connection logged in with.
func (c *Connection) Username() string {
	return c.cfg.Username
}

// SendPublic broadcasts a chat message.
func (c *Connection) SendPublic(text string) error {
	return c.send(protocol.NewEnvelope(protocol.TypePublic, c.cfg.Username, text))
}

// SendPrivate sends a direct message to one user.
func (c *Connection) SendPrivate(receiver, text string) error {
	env := protocol.NewEnvelope(protocol.TypePrivate, c.cfg.Username, text)
	env.Receiver = receiver
	return c.send(env)
}

// SendFile uploads a file and announces it, to one receiver if given or to
// the whole chat otherwise. The size check runs before anything touches the
// wire; an oversized file results in zero frames sent. Returns the file id
// peers can download with.
func (c *Connection) SendFile(path, receiver string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("file not found: %w", err)
	}
	if info.Size() > c.cfg.MaxFileBytes {
		return "", fmt.Errorf("%w: %d bytes (limit %d)", ErrFileTooLarge, info.Size(), c.cfg.MaxFileBytes)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("could not read file: %w", err)
	}

	filename := filepath.Base(path)
	timestamp := protocol.Timestamp()

	upload := &protocol.Envelope{
		Type:      protocol.TypeFileUpload,
		Sender:    c.cfg.Username,
		Timestamp: timestamp,
		Filename:  filename,
		FileData:  base64.StdEncoding.EncodeToString(data),
	}
	if err := c.send(upload); err != nil {
		return "", fmt.Errorf("file upload failed: %w", err)
	}

	// The announcement carries the same timestamp so the locally derived
	// file id matches the one the server stores under.
	fileID := protocol.FileID(timestamp, filename)
	announce := &protocol.Envelope{
		Type:      protocol.TypeFile,
		Sender:    c.cfg.Username,
		Timestamp: timestamp,
		Message:   filename,
		FileID:    fileID,
		FileSize:  info.Size(),
		Receiver:  receiver,
	}
	if err := c.send(announce); err != nil {
		return "", fmt.Errorf("file announcement failed: %w", err)
	}

	return fileID, nil
}

// RequestDownload asks the server for a stored file. The reply arrives on
// Events as a file_download envelope and is saved to the downloads
// directory by the read loop.
func (c *Connection) RequestDownload(fileID string) error {
	env := &protocol.Envelope{
		Type:      protocol.TypeFileDownloadRequest,
		Sender:    c.cfg.Username,
		Timestamp: protocol.Timestamp(),
		FileID:    fileID,
	}
	return c.send(env)
}

// Close sends a best-effort disconnect notice and closes the connection.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.send(protocol.NewEnvelope(protocol.TypeSystem, c.cfg.Username, protocol.DisconnectRequest))
		close(c.shutdown)
		c.conn.Close()
	})
	c.wg.Wait()
	return nil
}

// send seals and frames one envelope, serialized against concurrent senders.
func (c *Connection) send(env *protocol.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	token := c.cipher.Seal(data)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return protocol.WriteFrame(c.conn, token)
}

// readLoop decodes incoming frames until the stream ends. file_download
// payloads are saved to disk here and surfaced as a system notice so the
// presentation layer never handles raw bytes.
func (c *Connection) readLoop() {
	defer c.wg.Done()
	defer close(c.events)

	for {
		token, err := protocol.ReadFrame(c.conn)
		if err != nil {
			c.errs <- err
			return
		}

		plaintext, err := c.cipher.Open(token)
		if err != nil {
			c.errs <- err
			return
		}

		env, err := protocol.DecodeEnvelope(plaintext)
		if err != nil {
			c.errs <- err
			return
		}

		if env.Type == protocol.TypeFileDownload {
			env = c.saveDownload(env)
		}

		select {
		case c.events <- env:
		case <-c.shutdown:
			return
		}
	}
}

// saveDownload persists a downloaded file and replaces the envelope with a
// system notice describing the outcome.
func (c *Connection) saveDownload(env *protocol.Envelope) *protocol.Envelope {
	filename := env.Message
	data, err := base64.StdEncoding.DecodeString(env.FileData)
	if err != nil {
		return protocol.SystemMessage(fmt.Sprintf("Failed to save downloaded file '%s': %v", filename, err))
	}

	dir := c.cfg.DownloadsDir
	if dir == "" {
		dir = "downloads"
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return protocol.SystemMessage(fmt.Sprintf("Failed to save downloaded file '%s': %v", filename, err))
	}

	// The filename came off the wire; keep only its base so a hostile
	// server cannot write outside the downloads directory.
	path := filepath.Join(dir, filepath.Base(filename))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return protocol.SystemMessage(fmt.Sprintf("Failed to save downloaded file '%s': %v", filename, err))
	}

	return protocol.SystemMessage(fmt.Sprintf("File '%s' downloaded to '%s'", filename, dir))
}
