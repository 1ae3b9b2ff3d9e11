package server

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/sealchat/pkg/client"
	"github.com/aeolun/sealchat/pkg/protocol"
)

// freePort reserves an ephemeral port and releases it for the server to take.
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

// waitEvent reads the next envelope from a client connection.
func waitEvent(t *testing.T, c *client.Connection) *protocol.Envelope {
	t.Helper()
	select {
	case env, ok := <-c.Events():
		require.True(t, ok, "connection closed while waiting for an envelope")
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("no envelope arrived")
		return nil
	}
}

func TestWebSocketTransport(t *testing.T) {
	wsPort := freePort(t)
	s := startTestServerWith(t, func(cfg *ServerConfig) { cfg.WebSocketPort = wsPort })

	bob := login(t, s, "bob")

	wendy, err := client.Dial(client.Config{
		Address:   fmt.Sprintf("ws://127.0.0.1:%d", wsPort),
		Username:  "wendy",
		SharedKey: s.config.SharedKey,
	})
	require.NoError(t, err)
	t.Cleanup(func() { wendy.Close() })

	// The login completed over ws: the registry push reaches wendy's events
	env := waitEvent(t, wendy)
	require.Equal(t, protocol.TypeSystem, env.Type)
	users, ok := protocol.ParseUserList(env.Message)
	require.True(t, ok)
	assert.Equal(t, []string{"bob", "wendy"}, users)

	// ws to tcp
	require.NoError(t, wendy.SendPublic("over websocket"))
	got := bob.expect(func(e *protocol.Envelope) bool { return e.Type == protocol.TypePublic })
	assert.Equal(t, "wendy", got.Sender)
	assert.Equal(t, "over websocket", got.Message)

	// tcp to ws
	bob.send(protocol.NewEnvelope(protocol.TypePublic, "bob", "over tcp"))
	for {
		env := waitEvent(t, wendy)
		if env.Type != protocol.TypePublic {
			continue
		}
		assert.Equal(t, "bob", env.Sender)
		assert.Equal(t, "over tcp", env.Message)
		break
	}
}

func TestWebSocketDuplicateUsernameRejected(t *testing.T) {
	wsPort := freePort(t)
	s := startTestServerWith(t, func(cfg *ServerConfig) { cfg.WebSocketPort = wsPort })

	login(t, s, "alice")

	imposter, err := client.Dial(client.Config{
		Address:   fmt.Sprintf("ws://127.0.0.1:%d", wsPort),
		Username:  "alice",
		SharedKey: s.config.SharedKey,
	})
	require.NoError(t, err)
	t.Cleanup(func() { imposter.Close() })

	env := waitEvent(t, imposter)
	require.Equal(t, protocol.TypeSystem, env.Type)
	assert.Equal(t, protocol.UsernameRejected, env.Message)
	assert.Equal(t, []string{"alice"}, s.Registry().Snapshot())
}
