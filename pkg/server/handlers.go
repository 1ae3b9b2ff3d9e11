package server

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log"

	"github.com/aeolun/sealchat/pkg/protocol"
	"github.com/aeolun/sealchat/pkg/storage"
)

// errDisconnect signals a clean, client-requested teardown to the session loop.
var errDisconnect = errors.New("client requested disconnect")

// dispatch routes one validated envelope. A non-nil return is fatal to the
// session; recoverable conditions are answered with a system envelope and
// return nil.
func (s *Server) dispatch(sess *Session, env *protocol.Envelope) error {
	switch env.Type {
	case protocol.TypeSystem:
		return s.handleSystem(sess, env)
	case protocol.TypePublic:
		return s.handlePublic(sess, env)
	case protocol.TypePrivate:
		return s.handlePrivate(sess, env)
	case protocol.TypeFileUpload:
		return s.handleFileUpload(sess, env)
	case protocol.TypeFile:
		return s.handleFileAnnounce(sess, env)
	case protocol.TypeFileDownloadRequest:
		return s.handleFileDownloadRequest(sess, env)
	default:
		// DecodeEnvelope rejects unknown types, so this only fires for
		// server-only types a client has no business sending.
		return fmt.Errorf("unexpected envelope type %q", env.Type)
	}
}

// handleSystem handles system envelopes from an active client. The only
// meaningful one is the explicit disconnect; anything else is noise.
func (s *Server) handleSystem(sess *Session, env *protocol.Envelope) error {
	if env.Message == protocol.DisconnectRequest {
		return errDisconnect
	}
	debugLog.Printf("%s sent system message %q, ignoring", sess.Username, env.Message)
	return nil
}

// handlePublic relays a broadcast message verbatim to every other session.
// The sender never receives their own message back.
func (s *Server) handlePublic(sess *Session, env *protocol.Envelope) error {
	log.Printf("[PUBLIC] %s: %s", env.Sender, env.Message)
	s.registry.Broadcast(env, sess.Username)
	return nil
}

// handlePrivate relays a direct message verbatim to one session, or reports
// an unknown receiver back to the sender.
func (s *Server) handlePrivate(sess *Session, env *protocol.Envelope) error {
	receiver, ok := s.registry.Lookup(env.Receiver)
	if !ok {
		return s.sendSystem(sess, fmt.Sprintf("User '%s' not found.", env.Receiver))
	}

	log.Printf("[PRIVATE] %s -> %s", env.Sender, env.Receiver)
	if err := s.sendEnvelope(receiver, env); err != nil {
		// The receiver's socket died; their session will notice. Tell the
		// sender rather than killing this session.
		debugLog.Printf("Private delivery to %s failed: %v", env.Receiver, err)
		return s.sendSystem(sess, fmt.Sprintf("User '%s' not found.", env.Receiver))
	}
	return nil
}

// handleFileUpload decodes and persists an uploaded file, confirming to the
// uploader only. Peers learn about the file via the separate announcement.
func (s *Server) handleFileUpload(sess *Session, env *protocol.Envelope) error {
	data, err := base64.StdEncoding.DecodeString(env.FileData)
	if err != nil {
		return s.sendSystem(sess, "Failed to upload file: invalid base64 data")
	}

	if int64(len(data)) > s.config.MaxFileBytes {
		return s.sendSystem(sess, fmt.Sprintf(
			"Failed to upload file: %d bytes exceeds the %d byte limit", len(data), s.config.MaxFileBytes))
	}

	timestamp := env.Timestamp
	if timestamp == "" {
		timestamp = protocol.Timestamp()
	}
	fileID := protocol.FileID(timestamp, env.Filename)

	if err := s.store.Put(fileID, env.Filename, sess.Username, data); err != nil {
		errorLog.Printf("Failed to save upload %q from %s: %v", env.Filename, sess.Username, err)
		return s.sendSystem(sess, fmt.Sprintf("Failed to upload file: %v", err))
	}

	log.Printf("[UPLOAD] Saved %q as %q (%d bytes) from %s", env.Filename, fileID, len(data), sess.Username)
	if s.metrics != nil {
		s.metrics.RecordUploadBytes(len(data))
	}

	return s.sendSystem(sess, fmt.Sprintf("File '%s' uploaded successfully", env.Filename))
}

// handleFileAnnounce routes a post-upload announcement: to one receiver when
// directed, otherwise to everyone but the sender.
func (s *Server) handleFileAnnounce(sess *Session, env *protocol.Envelope) error {
	if env.Receiver != "" {
		receiver, ok := s.registry.Lookup(env.Receiver)
		if !ok {
			return s.sendSystem(sess, fmt.Sprintf("User '%s' not found.", env.Receiver))
		}
		log.Printf("[FILE] %s -> %s: %s", env.Sender, env.Receiver, env.Message)
		if err := s.sendEnvelope(receiver, env); err != nil {
			debugLog.Printf("File announce to %s failed: %v", env.Receiver, err)
			return s.sendSystem(sess, fmt.Sprintf("User '%s' not found.", env.Receiver))
		}
		return nil
	}

	log.Printf("[FILE] %s shared publicly: %s", env.Sender, env.Message)
	s.registry.Broadcast(env, sess.Username)
	return nil
}

// handleFileDownloadRequest looks up a stored blob and sends it back to the
// requester only, with the original filename recovered from the file id.
func (s *Server) handleFileDownloadRequest(sess *Session, env *protocol.Envelope) error {
	log.Printf("[DOWNLOAD] %s requested %q", sess.Username, env.FileID)

	data, err := s.store.Get(env.FileID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrInvalidID) {
			return s.sendSystem(sess, fmt.Sprintf("File '%s' not found", env.FileID))
		}
		errorLog.Printf("Failed to read %q for %s: %v", env.FileID, sess.Username, err)
		return s.sendSystem(sess, fmt.Sprintf("Error downloading file: %v", err))
	}

	if s.metrics != nil {
		s.metrics.RecordDownloadBytes(len(data))
	}

	reply := protocol.NewEnvelope(protocol.TypeFileDownload, protocol.ServerSender, protocol.FilenameFromID(env.FileID))
	reply.FileSize = int64(len(data))
	reply.FileData = base64.StdEncoding.EncodeToString(data)
	return s.sendEnvelope(sess, reply)
}
