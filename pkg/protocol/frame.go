package protocol

import (
	"encoding/binary"
	"errors"
	"io"
)

var (
	// ErrTruncatedFrame indicates the connection closed partway through a frame.
	// A clean close before any header byte is reported as io.EOF instead.
	ErrTruncatedFrame = errors.New("connection closed mid-frame")
)

// WriteFrame writes a length-prefixed frame to the writer.
// Format: [Length (4 bytes, big-endian)][Payload (Length bytes)]
//
// Header and payload are written in a single Write call so a reader never
// observes the header without the payload following it.
func WriteFrame(w io.Writer, payload []byte) error {
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one length-prefixed frame from the reader, blocking until
// the full payload has arrived. Short reads are not errors; ReadFrame loops
// until it has exactly the advertised number of bytes.
//
// Returns io.EOF when the stream ends before any header byte (peer closed
// between frames), and ErrTruncatedFrame when it ends inside a frame.
//
// No maximum length is enforced here; the payload is opaque ciphertext and
// any size cap belongs above the encryption boundary.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		if err == io.ErrUnexpectedEOF {
			return nil, ErrTruncatedFrame
		}
		return nil, err
	}

	length := binary.BigEndian.Uint32(header)
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, ErrTruncatedFrame
		}
		return nil, err
	}

	return payload, nil
}
