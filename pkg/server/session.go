package server

import (
	"sort"
	"sync"

	"github.com/aeolun/sealchat/pkg/protocol"
)

// Session represents one active client connection. It is created on accept,
// registered under its username once login succeeds, and owns the connection:
// the session's goroutine is the only reader, and it closes the connection
// exactly once on exit.
type Session struct {
	Username string
	Conn     *SafeConn
	Remote   string
}

// Registry is the authoritative map of online usernames to sessions. All
// operations, including the user-list broadcast that follows every
// register/deregister, run under one mutex so a login and a concurrent
// snapshot can never interleave into an inconsistent user list.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	seal     func(*protocol.Envelope) ([]byte, error)
	metrics  *Metrics
}

// NewRegistry creates a registry. seal converts an envelope to its encrypted
// wire payload; the registry stays ignorant of the key material itself.
func NewRegistry(seal func(*protocol.Envelope) ([]byte, error)) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		seal:     seal,
	}
}

// SetMetrics attaches metrics to the registry.
func (r *Registry) SetMetrics(metrics *Metrics) {
	r.metrics = metrics
}

// Register adds a session under its username. Returns false without side
// effects if the username is taken. On success every registered session,
// the new one included, receives the refreshed user list before Register
// returns.
func (r *Registry) Register(username string, sess *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.sessions[username]; taken {
		return false
	}
	r.sessions[username] = sess

	if r.metrics != nil {
		r.metrics.RecordActiveSessions(len(r.sessions))
		r.metrics.RecordSessionRegistered()
	}

	r.pushUserListLocked()
	return true
}

// Deregister removes a username. Idempotent; a no-op leaves the user list
// untouched, so teardown racing a failed login never double-broadcasts.
func (r *Registry) Deregister(username string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[username]; !ok {
		return
	}
	delete(r.sessions, username)

	if r.metrics != nil {
		r.metrics.RecordActiveSessions(len(r.sessions))
		r.metrics.RecordSessionDeregistered()
	}

	r.pushUserListLocked()
}

// Lookup returns the session registered under a username.
func (r *Registry) Lookup(username string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[username]
	return sess, ok
}

// Snapshot returns the online usernames, sorted. Callers must not assume
// any relationship to registration order.
func (r *Registry) Snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.snapshotLocked()
}

func (r *Registry) snapshotLocked() []string {
	users := make([]string, 0, len(r.sessions))
	for username := range r.sessions {
		users = append(users, username)
	}
	sort.Strings(users)
	return users
}

// Broadcast seals the envelope once and delivers it to every registered
// session except the excluded username ("" excludes nobody). The recipient
// set is snapshotted under the lock; the writes happen outside it, so a
// stalled peer never blocks registry operations. Per-recipient failures are
// logged and swallowed; a dead peer is reaped by its own session when its
// next read fails.
func (r *Registry) Broadcast(env *protocol.Envelope, exclude string) {
	payload, err := r.seal(env)
	if err != nil {
		errorLog.Printf("Broadcast encode failed (type=%s): %v", env.Type, err)
		return
	}

	r.mu.Lock()
	recipients := make([]*Session, 0, len(r.sessions))
	for username, sess := range r.sessions {
		if username == exclude {
			continue
		}
		recipients = append(recipients, sess)
	}
	r.mu.Unlock()

	delivered := 0
	for _, sess := range recipients {
		if err := sess.Conn.WriteFrame(payload); err != nil {
			debugLog.Printf("Broadcast to %s failed (type=%s): %v", sess.Username, env.Type, err)
			continue
		}
		delivered++
	}

	if r.metrics != nil {
		r.metrics.RecordBroadcast(env.Type, delivered)
	}
}

// pushUserListLocked sends the current user list to every registered session.
// Callers hold r.mu.
func (r *Registry) pushUserListLocked() {
	env := protocol.SystemMessage(protocol.UserListMessage(r.snapshotLocked()))
	payload, err := r.seal(env)
	if err != nil {
		errorLog.Printf("User list encode failed: %v", err)
		return
	}

	for username, sess := range r.sessions {
		if err := sess.Conn.WriteFrame(payload); err != nil {
			debugLog.Printf("User list push to %s failed: %v", username, err)
		}
	}
}

// CloseAll closes every registered connection and empties the registry.
// Used during server shutdown; sessions finish on their next read error.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, sess := range r.sessions {
		sess.Conn.Close()
	}
	r.sessions = make(map[string]*Session)

	if r.metrics != nil {
		r.metrics.RecordActiveSessions(0)
	}
}
