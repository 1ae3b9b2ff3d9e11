package server

import (
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aeolun/sealchat/pkg/crypto"
	"github.com/aeolun/sealchat/pkg/protocol"
	"github.com/aeolun/sealchat/pkg/storage"
)

// Package loggers. Debug output is discarded unless enabled; tests swap both.
var (
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
	errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags)
)

// writeTimeout bounds a single frame write to one peer, so a stalled
// receiver drops its own delivery instead of blocking a broadcast.
const writeTimeout = 10 * time.Second

// Server is the chat relay server.
type Server struct {
	config   ServerConfig
	cipher   *crypto.Cipher
	registry *Registry
	store    *storage.Store
	metrics  *Metrics

	listener      net.Listener
	wsServer      *http.Server
	metricsServer *http.Server
	shutdown      chan struct{}
	wg            sync.WaitGroup
}

// NewServer creates a server from resolved configuration.
func NewServer(config ServerConfig) (*Server, error) {
	if config.SharedKey == "" {
		return nil, fmt.Errorf("no shared key configured")
	}
	cipher, err := crypto.NewFromBase64(config.SharedKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load shared key: %w", err)
	}

	// A hand-built config may leave the limit fields zero; a zero envelope
	// cap would reject every frame, login included.
	defaults := DefaultConfig()
	if config.MaxFileBytes <= 0 {
		config.MaxFileBytes = defaults.MaxFileBytes
	}
	if config.MaxEnvelopeBytes <= 0 {
		config.MaxEnvelopeBytes = defaults.MaxEnvelopeBytes
	}

	storageDir, err := ExpandPath(config.StorageDir)
	if err != nil {
		return nil, err
	}
	dbPath, err := ExpandPath(config.DatabasePath)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storageDir, dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file store: %w", err)
	}

	s := &Server{
		config:   config,
		cipher:   cipher,
		store:    store,
		shutdown: make(chan struct{}),
	}
	s.registry = NewRegistry(s.sealEnvelope)

	// Metrics use the global prometheus registry, so they are only created
	// when a metrics port is configured (tests run several servers in one
	// process).
	if config.MetricsPort > 0 {
		s.metrics = NewMetrics()
		s.registry.SetMetrics(s.metrics)
	}

	return s, nil
}

// EnableDebugLogging turns on debug output.
func (s *Server) EnableDebugLogging() {
	debugLog = log.New(os.Stderr, "DEBUG: ", log.LstdFlags)
}

// Addr returns the TCP listen address. Valid after Start.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Registry exposes the client registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Start begins listening on the configured ports.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.ListenAddress, s.config.TCPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	log.Printf("TCP server listening on %s", listener.Addr())

	if s.config.WebSocketPort > 0 {
		if err := s.startWebSocketServer(); err != nil {
			s.listener.Close()
			return err
		}
	}

	if s.config.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		s.metricsServer = &http.Server{
			Addr:    fmt.Sprintf("%s:%d", s.config.ListenAddress, s.config.MetricsPort),
			Handler: mux,
		}
		go func() {
			if err := s.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errorLog.Printf("Metrics server error: %v", err)
			}
		}()
		log.Printf("Metrics listening on %s", s.metricsServer.Addr)
	}

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Stop closes the listeners and all active sessions. Sessions observe the
// closed connection on their next read and finish their own teardown.
func (s *Server) Stop() error {
	close(s.shutdown)

	if s.listener != nil {
		s.listener.Close()
	}
	if s.wsServer != nil {
		s.wsServer.Close()
	}
	if s.metricsServer != nil {
		s.metricsServer.Close()
	}

	s.wg.Wait()
	s.registry.CloseAll()
	return s.store.Close()
}

// acceptLoop accepts incoming TCP connections.
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				errorLog.Printf("Accept error: %v", err)
				continue
			}
		}

		go s.handleConnection(conn, "tcp")
	}
}

// handleConnection runs the session state machine for one client, from
// accept to close. It is the only goroutine that reads the connection and
// the one that closes it.
func (s *Server) handleConnection(conn net.Conn, transport string) {
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	sc := NewSafeConn(conn, writeTimeout)
	defer sc.Close()

	// AwaitingLogin: the first frame must carry the requested username
	env, err := s.readEnvelope(sc)
	if err != nil {
		debugLog.Printf("Connection from %s dropped before login: %v", conn.RemoteAddr(), err)
		return
	}
	if env.Type != protocol.TypeSystem || env.Message != protocol.LoginRequest {
		debugLog.Printf("Connection from %s sent %q before login", conn.RemoteAddr(), env.Type)
		return
	}

	username := env.Sender
	sess := &Session{
		Username: username,
		Conn:     sc,
		Remote:   conn.RemoteAddr().String(),
	}

	if !s.registry.Register(username, sess) {
		log.Printf("Rejected duplicate username %q from %s", username, sess.Remote)
		if s.metrics != nil {
			s.metrics.RecordLoginRejected()
		}
		// Close only after the rejection frame is fully written; half-close
		// first so the FIN trails the frame and the client can read it.
		s.sendSystem(sess, protocol.UsernameRejected)
		sc.CloseWrite()
		return
	}

	log.Printf("%s connected from %s (%s)", username, sess.Remote, transport)
	s.registry.Broadcast(protocol.SystemMessage(fmt.Sprintf("%s has joined the chat.", username)), username)

	defer func() {
		// Closing: deregister (pushes the refreshed user list), announce the
		// departure to everyone else, then the deferred Close above runs.
		s.registry.Deregister(username)
		s.registry.Broadcast(protocol.SystemMessage(fmt.Sprintf("%s has left the chat.", username)), username)
		log.Printf("%s disconnected", username)
	}()

	// Active: dispatch until the stream ends or a fatal error occurs
	for {
		env, err := s.readEnvelope(sc)
		if err != nil {
			if err == io.EOF {
				debugLog.Printf("%s closed the connection", username)
			} else {
				errorLog.Printf("%s read error: %v", username, err)
			}
			return
		}

		if s.metrics != nil {
			s.metrics.RecordMessageReceived(env.Type)
		}

		if err := s.dispatch(sess, env); err != nil {
			debugLog.Printf("%s session ending: %v", username, err)
			return
		}
	}
}

// readEnvelope reads one frame and takes it through the decryption and
// schema layers. Any error here is fatal to the session.
func (s *Server) readEnvelope(sc *SafeConn) (*protocol.Envelope, error) {
	if s.config.SessionTimeout > 0 {
		sc.SetReadDeadline(time.Now().Add(s.config.SessionTimeout))
	}

	token, err := protocol.ReadFrame(sc)
	if err != nil {
		return nil, err
	}

	plaintext, err := s.cipher.Open(token)
	if err != nil {
		return nil, err
	}

	if int64(len(plaintext)) > s.config.MaxEnvelopeBytes {
		return nil, fmt.Errorf("envelope of %d bytes exceeds limit", len(plaintext))
	}

	return protocol.DecodeEnvelope(plaintext)
}

// sealEnvelope converts an envelope into its encrypted wire payload.
func (s *Server) sealEnvelope(env *protocol.Envelope) ([]byte, error) {
	data, err := env.Encode()
	if err != nil {
		return nil, err
	}
	return s.cipher.Seal(data), nil
}

// sendEnvelope delivers an envelope to a single session.
func (s *Server) sendEnvelope(sess *Session, env *protocol.Envelope) error {
	payload, err := s.sealEnvelope(env)
	if err != nil {
		return err
	}
	if err := sess.Conn.WriteFrame(payload); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.RecordMessageDelivered(env.Type)
	}
	return nil
}

// sendSystem delivers a server-generated system message to a single session.
func (s *Server) sendSystem(sess *Session, message string) error {
	return s.sendEnvelope(sess, protocol.SystemMessage(message))
}
