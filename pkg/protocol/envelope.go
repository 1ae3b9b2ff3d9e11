package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Envelope types
const (
	TypeSystem              = "system"
	TypePublic              = "public"
	TypePrivate             = "private"
	TypeFile                = "file"
	TypeFileUpload          = "file_upload"
	TypeFileDownload        = "file_download"
	TypeFileDownloadRequest = "file_download_request"
)

// Well-known system message strings
const (
	// ServerSender is the sender name on all server-generated envelopes.
	ServerSender = "server"

	// LoginRequest is the message of the first frame a client sends; the
	// envelope's sender carries the requested username.
	LoginRequest = "login_request"

	// UsernameRejected is sent when the requested username is already taken.
	// The server closes the connection after this frame.
	UsernameRejected = "username_rejected"

	// DisconnectRequest is an explicit clean-disconnect message from a client.
	DisconnectRequest = "disconnect"

	// UserListPrefix prefixes the comma-separated online user list pushed to
	// every client whenever someone joins or leaves.
	UserListPrefix = "user_list:"
)

// DefaultMaxFileBytes is the file transfer size cap (100 MiB). Clients must
// reject larger files before sending any frame; the server enforces the same
// bound on upload since the whole file is held in memory for one base64
// round trip.
const DefaultMaxFileBytes = 100 * 1024 * 1024

var (
	ErrInvalidEnvelope = errors.New("invalid envelope")
	ErrUnknownType     = errors.New("unknown envelope type")
)

// Envelope is the decrypted, schema-validated message exchanged between
// client and server. Which optional fields are present depends on Type.
type Envelope struct {
	Type      string `json:"type"`
	Sender    string `json:"sender"`
	Timestamp string `json:"timestamp"`
	Message   string `json:"message,omitempty"`
	Receiver  string `json:"receiver,omitempty"`
	FileID    string `json:"file_id,omitempty"`
	FileSize  int64  `json:"file_size,omitempty"`
	Filename  string `json:"filename,omitempty"`
	FileData  string `json:"file_data,omitempty"` // base64
}

// Timestamp returns the wall-clock time in the wire format (HH:MM:SS).
func Timestamp() string {
	return time.Now().Format("15:04:05")
}

// NewEnvelope builds an envelope with the current timestamp.
func NewEnvelope(msgType, sender, message string) *Envelope {
	return &Envelope{
		Type:      msgType,
		Sender:    sender,
		Timestamp: Timestamp(),
		Message:   message,
	}
}

// SystemMessage builds a server-originated system envelope.
func SystemMessage(message string) *Envelope {
	return NewEnvelope(TypeSystem, ServerSender, message)
}

// Encode serializes the envelope to its wire form (UTF-8 JSON).
func (e *Envelope) Encode() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// DecodeEnvelope parses and validates an envelope from its wire form.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

// Validate enforces the per-type field requirements. It runs before any
// dispatch, on both ends of the connection.
func (e *Envelope) Validate() error {
	switch e.Type {
	case TypeSystem, TypeFileDownload:
		// No required fields beyond sender; the login frame's sender carries
		// the requested username, so sender is non-empty in every case.
	case TypePublic:
		if e.Message == "" {
			return fmt.Errorf("%w: public message requires message text", ErrInvalidEnvelope)
		}
	case TypePrivate:
		if e.Message == "" {
			return fmt.Errorf("%w: private message requires message text", ErrInvalidEnvelope)
		}
		if e.Receiver == "" {
			return fmt.Errorf("%w: private message requires a receiver", ErrInvalidEnvelope)
		}
	case TypeFile:
		// Receiver is optional: unset means a broadcast announcement.
	case TypeFileUpload:
		if e.Filename == "" {
			return fmt.Errorf("%w: file_upload requires a filename", ErrInvalidEnvelope)
		}
		if e.FileData == "" {
			return fmt.Errorf("%w: file_upload requires file data", ErrInvalidEnvelope)
		}
	case TypeFileDownloadRequest:
		if e.FileID == "" {
			return fmt.Errorf("%w: file_download_request requires a file id", ErrInvalidEnvelope)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
	}

	if e.Sender == "" {
		return fmt.Errorf("%w: sender is required", ErrInvalidEnvelope)
	}

	return nil
}

// FileID derives the server-side storage id for an upload: the timestamp with
// colons replaced by dashes, an underscore, then the original filename.
// Uploads sharing a second-resolution timestamp and filename overwrite.
func FileID(timestamp, filename string) string {
	return strings.ReplaceAll(timestamp, ":", "-") + "_" + filename
}

// FilenameFromID recovers the original filename from a file id. The timestamp
// segment contains no underscores, so everything after the first one is the
// filename.
func FilenameFromID(fileID string) string {
	if _, name, ok := strings.Cut(fileID, "_"); ok {
		return name
	}
	return fileID
}

// UserListMessage formats the online-users broadcast payload.
func UserListMessage(users []string) string {
	return UserListPrefix + strings.Join(users, ",")
}

// ParseUserList extracts usernames from a user_list system message.
// Returns false if the message is not a user list.
func ParseUserList(message string) ([]string, bool) {
	rest, ok := strings.CutPrefix(message, UserListPrefix)
	if !ok {
		return nil, false
	}
	if rest == "" {
		return nil, true
	}
	return strings.Split(rest, ","), true
}
