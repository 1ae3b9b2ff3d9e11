package client

import (
	"encoding/base64"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/sealchat/pkg/crypto"
	"github.com/aeolun/sealchat/pkg/protocol"
)

// wireServer is the test's half of a net.Pipe, speaking the encrypted frame
// protocol the way a real server would.
type wireServer struct {
	conn   net.Conn
	cipher *crypto.Cipher
}

func (s *wireServer) readEnvelope() (*protocol.Envelope, error) {
	s.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	token, err := protocol.ReadFrame(s.conn)
	if err != nil {
		return nil, err
	}
	plaintext, err := s.cipher.Open(token)
	if err != nil {
		return nil, err
	}
	return protocol.DecodeEnvelope(plaintext)
}

func (s *wireServer) sendEnvelope(t *testing.T, env *protocol.Envelope) {
	t.Helper()
	data, err := env.Encode()
	require.NoError(t, err)
	require.NoError(t, protocol.WriteFrame(s.conn, s.cipher.Seal(data)))
}

// newTestConnection wires a Connection to an in-memory server end and
// consumes the login handshake.
func newTestConnection(t *testing.T, cfg Config) (*Connection, *wireServer) {
	t.Helper()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	cfg.SharedKey = key
	if cfg.Username == "" {
		cfg.Username = "alice"
	}
	if cfg.MaxFileBytes == 0 {
		cfg.MaxFileBytes = protocol.DefaultMaxFileBytes
	}

	clientEnd, serverEnd := net.Pipe()
	cipher, err := crypto.NewFromBase64(key)
	require.NoError(t, err)
	server := &wireServer{conn: serverEnd, cipher: cipher}

	// The pipe is synchronous, so the login frame must be drained while
	// newConnection writes it.
	type loginResult struct {
		env *protocol.Envelope
		err error
	}
	loginCh := make(chan loginResult, 1)
	go func() {
		env, err := server.readEnvelope()
		loginCh <- loginResult{env, err}
	}()

	conn, err := newConnection(clientEnd, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		serverEnd.Close()
		conn.Close()
	})

	login := <-loginCh
	require.NoError(t, login.err)
	require.Equal(t, protocol.TypeSystem, login.env.Type)
	require.Equal(t, protocol.LoginRequest, login.env.Message)
	require.Equal(t, cfg.Username, login.env.Sender)

	return conn, server
}

func TestSendPublic(t *testing.T) {
	conn, server := newTestConnection(t, Config{Username: "alice"})

	errCh := make(chan error, 1)
	go func() { errCh <- conn.SendPublic("hello") }()

	env, err := server.readEnvelope()
	require.NoError(t, err)
	assert.Equal(t, protocol.TypePublic, env.Type)
	assert.Equal(t, "alice", env.Sender)
	assert.Equal(t, "hello", env.Message)
	assert.Empty(t, env.Receiver)
	require.NoError(t, <-errCh)
}

func TestSendPrivate(t *testing.T) {
	conn, server := newTestConnection(t, Config{Username: "alice"})

	errCh := make(chan error, 1)
	go func() { errCh <- conn.SendPrivate("bob", "psst") }()

	env, err := server.readEnvelope()
	require.NoError(t, err)
	assert.Equal(t, protocol.TypePrivate, env.Type)
	assert.Equal(t, "bob", env.Receiver)
	assert.Equal(t, "psst", env.Message)
	require.NoError(t, <-errCh)
}

func TestSendFile(t *testing.T) {
	conn, server := newTestConnection(t, Config{Username: "alice"})

	contents := []byte("payload bytes")
	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, contents, 0644))

	type result struct {
		fileID string
		err    error
	}
	done := make(chan result, 1)
	go func() {
		fileID, err := conn.SendFile(path, "")
		done <- result{fileID, err}
	}()

	upload, err := server.readEnvelope()
	require.NoError(t, err)
	require.Equal(t, protocol.TypeFileUpload, upload.Type)
	assert.Equal(t, "notes.txt", upload.Filename)
	data, err := base64.StdEncoding.DecodeString(upload.FileData)
	require.NoError(t, err)
	assert.Equal(t, contents, data)

	announce, err := server.readEnvelope()
	require.NoError(t, err)
	require.Equal(t, protocol.TypeFile, announce.Type)
	assert.Equal(t, "notes.txt", announce.Message)
	assert.Equal(t, int64(len(contents)), announce.FileSize)
	assert.Empty(t, announce.Receiver)

	// Upload and announcement share a timestamp so both ends derive the
	// same file id
	assert.Equal(t, upload.Timestamp, announce.Timestamp)
	assert.Equal(t, protocol.FileID(announce.Timestamp, "notes.txt"), announce.FileID)

	r := <-done
	require.NoError(t, r.err)
	assert.Equal(t, announce.FileID, r.fileID)
}

func TestSendFileDirected(t *testing.T) {
	conn, server := newTestConnection(t, Config{Username: "alice"})

	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))

	go func() { conn.SendFile(path, "bob") }()

	upload, err := server.readEnvelope()
	require.NoError(t, err)
	require.Equal(t, protocol.TypeFileUpload, upload.Type)

	announce, err := server.readEnvelope()
	require.NoError(t, err)
	assert.Equal(t, "bob", announce.Receiver)
}

func TestSendFileTooLargeSendsNothing(t *testing.T) {
	conn, server := newTestConnection(t, Config{Username: "alice", MaxFileBytes: 8})

	path := filepath.Join(t.TempDir(), "big.bin")
	require.NoError(t, os.WriteFile(path, make([]byte, 64), 0644))

	_, err := conn.SendFile(path, "")
	assert.ErrorIs(t, err, ErrFileTooLarge)

	// The next frame on the wire must be this marker, proving the refused
	// upload put nothing on the wire first
	go conn.SendPublic("marker")
	env, readErr := server.readEnvelope()
	require.NoError(t, readErr)
	assert.Equal(t, protocol.TypePublic, env.Type)
	assert.Equal(t, "marker", env.Message)
}

func TestSendFileMissing(t *testing.T) {
	conn, _ := newTestConnection(t, Config{Username: "alice"})

	_, err := conn.SendFile(filepath.Join(t.TempDir(), "nope.txt"), "")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrFileTooLarge)
}

func TestEventsDeliverEnvelopes(t *testing.T) {
	conn, server := newTestConnection(t, Config{Username: "alice"})

	server.sendEnvelope(t, protocol.NewEnvelope(protocol.TypePublic, "bob", "hi alice"))

	select {
	case env := <-conn.Events():
		assert.Equal(t, protocol.TypePublic, env.Type)
		assert.Equal(t, "bob", env.Sender)
		assert.Equal(t, "hi alice", env.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("envelope never arrived on Events")
	}
}

func TestDownloadSavedToDisk(t *testing.T) {
	downloads := t.TempDir()
	conn, server := newTestConnection(t, Config{Username: "alice", DownloadsDir: downloads})

	contents := []byte("downloaded bytes")
	reply := protocol.NewEnvelope(protocol.TypeFileDownload, protocol.ServerSender, "report.txt")
	reply.FileSize = int64(len(contents))
	reply.FileData = base64.StdEncoding.EncodeToString(contents)
	server.sendEnvelope(t, reply)

	select {
	case env := <-conn.Events():
		require.Equal(t, protocol.TypeSystem, env.Type)
		assert.Contains(t, env.Message, "File 'report.txt' downloaded to")
	case <-time.After(2 * time.Second):
		t.Fatal("download notice never arrived")
	}

	got, err := os.ReadFile(filepath.Join(downloads, "report.txt"))
	require.NoError(t, err)
	assert.Equal(t, contents, got)
}

func TestDownloadFilenameConfinedToDownloadsDir(t *testing.T) {
	downloads := t.TempDir()
	conn, server := newTestConnection(t, Config{Username: "alice", DownloadsDir: downloads})

	contents := []byte("x")
	reply := protocol.NewEnvelope(protocol.TypeFileDownload, protocol.ServerSender, "../escape.txt")
	reply.FileSize = 1
	reply.FileData = base64.StdEncoding.EncodeToString(contents)
	server.sendEnvelope(t, reply)

	select {
	case <-conn.Events():
	case <-time.After(2 * time.Second):
		t.Fatal("download notice never arrived")
	}

	_, err := os.Stat(filepath.Join(downloads, "escape.txt"))
	assert.NoError(t, err, "file should be saved under its base name")
	_, err = os.Stat(filepath.Join(filepath.Dir(downloads), "escape.txt"))
	assert.True(t, os.IsNotExist(err), "file must not escape the downloads directory")
}

func TestReadErrorSurfaces(t *testing.T) {
	conn, server := newTestConnection(t, Config{Username: "alice"})

	server.conn.Close()

	select {
	case err := <-conn.Errors():
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("read error never surfaced")
	}

	// The events channel is closed once the read loop exits
	select {
	case _, ok := <-conn.Events():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("events channel never closed")
	}
}

func TestDialRejectsEmptyUsername(t *testing.T) {
	_, err := Dial(Config{Address: "127.0.0.1:1", SharedKey: "irrelevant"})
	assert.Error(t, err)
}

func TestRequestDownload(t *testing.T) {
	conn, server := newTestConnection(t, Config{Username: "alice"})

	go conn.RequestDownload("10-20-30_report.txt")

	env, err := server.readEnvelope()
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeFileDownloadRequest, env.Type)
	assert.Equal(t, "10-20-30_report.txt", env.FileID)
	assert.Equal(t, "alice", env.Sender)
}
