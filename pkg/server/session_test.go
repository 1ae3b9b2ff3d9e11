package server

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/sealchat/pkg/protocol"
)

// sinkConn is a net.Conn that records written frames and never blocks.
type sinkConn struct {
	mu     sync.Mutex
	writes [][]byte
}

func (c *sinkConn) Write(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, append([]byte(nil), b...))
	return len(b), nil
}

func (c *sinkConn) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writes)
}

func (c *sinkConn) Read(b []byte) (int, error)         { select {} }
func (c *sinkConn) Close() error                       { return nil }
func (c *sinkConn) LocalAddr() net.Addr                { return &net.TCPAddr{} }
func (c *sinkConn) RemoteAddr() net.Addr               { return &net.TCPAddr{} }
func (c *sinkConn) SetDeadline(t time.Time) error      { return nil }
func (c *sinkConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *sinkConn) SetWriteDeadline(t time.Time) error { return nil }

func newTestRegistry() *Registry {
	return NewRegistry(func(env *protocol.Envelope) ([]byte, error) {
		return env.Encode()
	})
}

func newTestSession(username string) (*Session, *sinkConn) {
	conn := &sinkConn{}
	return &Session{
		Username: username,
		Conn:     NewSafeConn(conn, 0),
		Remote:   "test",
	}, conn
}

func TestRegisterDuplicate(t *testing.T) {
	reg := newTestRegistry()

	first, _ := newTestSession("alice")
	second, _ := newTestSession("alice")

	require.True(t, reg.Register("alice", first))
	assert.False(t, reg.Register("alice", second))

	// The original session stays registered
	sess, ok := reg.Lookup("alice")
	require.True(t, ok)
	assert.Same(t, first, sess)
}

func TestRegisterConcurrentSameUsername(t *testing.T) {
	reg := newTestRegistry()

	const attempts = 32
	results := make(chan bool, attempts)

	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess, _ := newTestSession("alice")
			results <- reg.Register("alice", sess)
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for ok := range results {
		if ok {
			wins++
		}
	}
	assert.Equal(t, 1, wins, "exactly one registration must win")
	assert.Equal(t, []string{"alice"}, reg.Snapshot())
}

func TestDeregisterIdempotent(t *testing.T) {
	reg := newTestRegistry()

	sess, conn := newTestSession("alice")
	require.True(t, reg.Register("alice", sess))
	pushes := conn.writeCount()

	reg.Deregister("alice")
	reg.Deregister("alice")
	reg.Deregister("never-registered")

	assert.Empty(t, reg.Snapshot())
	// No user-list frames were sent to a deregistered session's connection
	assert.Equal(t, pushes, conn.writeCount())
}

func TestSnapshotSorted(t *testing.T) {
	reg := newTestRegistry()

	for _, name := range []string{"zoe", "alice", "mallory", "bob"} {
		sess, _ := newTestSession(name)
		require.True(t, reg.Register(name, sess))
	}

	assert.Equal(t, []string{"alice", "bob", "mallory", "zoe"}, reg.Snapshot())
}

func TestRegisterPushesUserListToAll(t *testing.T) {
	reg := newTestRegistry()

	alice, aliceConn := newTestSession("alice")
	require.True(t, reg.Register("alice", alice))
	require.Equal(t, 1, aliceConn.writeCount(), "new session receives the list too")

	bob, bobConn := newTestSession("bob")
	require.True(t, reg.Register("bob", bob))

	assert.Equal(t, 2, aliceConn.writeCount())
	assert.Equal(t, 1, bobConn.writeCount())

	env, err := protocol.DecodeEnvelope(framePayload(t, bobConn.writes[0]))
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeSystem, env.Type)

	users, ok := protocol.ParseUserList(env.Message)
	require.True(t, ok)
	assert.Equal(t, []string{"alice", "bob"}, users)
}

func TestBroadcastExcludesSender(t *testing.T) {
	reg := newTestRegistry()

	alice, aliceConn := newTestSession("alice")
	bob, bobConn := newTestSession("bob")
	require.True(t, reg.Register("alice", alice))
	require.True(t, reg.Register("bob", bob))

	aliceBefore := aliceConn.writeCount()
	bobBefore := bobConn.writeCount()

	reg.Broadcast(protocol.NewEnvelope(protocol.TypePublic, "alice", "hello"), "alice")

	assert.Equal(t, aliceBefore, aliceConn.writeCount(), "sender must not receive an echo")
	require.Equal(t, bobBefore+1, bobConn.writeCount())

	env, err := protocol.DecodeEnvelope(framePayload(t, bobConn.writes[bobBefore]))
	require.NoError(t, err)
	assert.Equal(t, protocol.TypePublic, env.Type)
	assert.Equal(t, "alice", env.Sender)
	assert.Equal(t, "hello", env.Message)
}

func TestBroadcastNoExclusion(t *testing.T) {
	reg := newTestRegistry()

	alice, aliceConn := newTestSession("alice")
	bob, bobConn := newTestSession("bob")
	require.True(t, reg.Register("alice", alice))
	require.True(t, reg.Register("bob", bob))

	aliceBefore := aliceConn.writeCount()
	bobBefore := bobConn.writeCount()

	reg.Broadcast(protocol.SystemMessage("server restarting soon"), "")

	assert.Equal(t, aliceBefore+1, aliceConn.writeCount())
	assert.Equal(t, bobBefore+1, bobConn.writeCount())
}

// framePayload strips the length prefix from a raw frame write.
func framePayload(t *testing.T, frame []byte) []byte {
	t.Helper()
	require.GreaterOrEqual(t, len(frame), 4)
	return frame[4:]
}

// stallConn writes normally until setStalled, then parks every write until
// release is closed, signalling entered as it parks.
type stallConn struct {
	sinkConn
	mu      sync.Mutex
	stalled bool
	entered chan struct{}
	release chan struct{}
}

func (c *stallConn) Write(b []byte) (int, error) {
	c.mu.Lock()
	stalled := c.stalled
	c.mu.Unlock()
	if stalled {
		c.entered <- struct{}{}
		<-c.release
	}
	return len(b), nil
}

func (c *stallConn) setStalled() {
	c.mu.Lock()
	c.stalled = true
	c.mu.Unlock()
}

func TestBroadcastDoesNotHoldLockWhileWriting(t *testing.T) {
	reg := newTestRegistry()

	stall := &stallConn{entered: make(chan struct{}), release: make(chan struct{})}
	sess := &Session{Username: "sleepy", Conn: NewSafeConn(stall, 0), Remote: "test"}
	require.True(t, reg.Register("sleepy", sess))
	stall.setStalled()

	done := make(chan struct{})
	go func() {
		reg.Broadcast(protocol.SystemMessage("hello"), "")
		close(done)
	}()
	<-stall.entered // the broadcast is now parked mid-write

	snapshots := make(chan []string, 1)
	go func() { snapshots <- reg.Snapshot() }()
	select {
	case users := <-snapshots:
		assert.Equal(t, []string{"sleepy"}, users)
	case <-time.After(2 * time.Second):
		t.Fatal("snapshot blocked behind a stalled broadcast recipient")
	}

	_, ok := reg.Lookup("sleepy")
	assert.True(t, ok)

	close(stall.release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast never finished after the stall was released")
	}
}
