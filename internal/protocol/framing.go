package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/npezzotti/go-multidraw/internal/canvas"
)

// MaxPayloadLength caps a frame's payload. Image payloads are compressed
// but can exceed the raw canvas size on incompressible pixel data, so
// allow a margin above it.
const MaxPayloadLength = canvas.BufLen + canvas.BufLen/8

const headerLen = 5 // 1 byte command + 4 byte payload length

// ErrMalformedFrame reports a frame that cannot be decoded: unknown
// command tag, oversized length, or truncated payload. It is a
// connection-level error; the peer is considered dead.
type ErrMalformedFrame struct {
	Reason string
}

func (e *ErrMalformedFrame) Error() string {
	return fmt.Sprintf("malformed frame: %s", e.Reason)
}

func writeFrame(w io.Writer, tag byte, payload []byte) error {
	if len(payload) > MaxPayloadLength {
		return fmt.Errorf("payload length %d exceeds maximum %d", len(payload), MaxPayloadLength)
	}

	var hdr [headerLen]byte
	hdr[0] = tag
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(payload)))

	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}

	return nil
}

func readFrame(r io.Reader) (byte, []byte, error) {
	var hdr [headerLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}

	length := binary.BigEndian.Uint32(hdr[1:])
	if length > MaxPayloadLength {
		return 0, nil, &ErrMalformedFrame{Reason: fmt.Sprintf("payload length %d exceeds maximum %d", length, MaxPayloadLength)}
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}

	return hdr[0], payload, nil
}

// WriteClientMessage frames and writes a client message.
func WriteClientMessage(w io.Writer, msg *ClientMessage) error {
	return writeFrame(w, byte(msg.Command), msg.Payload)
}

// ClientMessageReader decodes client frames from a stream and survives
// reads interrupted mid-frame. Header and payload bytes consumed before
// an error are retained, so a poll that times out while a frame is
// still arriving can be resumed by calling ReadMessage again.
type ClientMessageReader struct {
	r       io.Reader
	hdr     [headerLen]byte
	hdrN    int
	payload []byte
	payN    int
}

func NewClientMessageReader(r io.Reader) *ClientMessageReader {
	return &ClientMessageReader{r: r}
}

// ReadMessage reads one client frame, picking up where a previous
// interrupted call left off. A malformed frame leaves the stream
// unusable; the connection is expected to be torn down.
func (cr *ClientMessageReader) ReadMessage() (*ClientMessage, error) {
	for cr.hdrN < headerLen {
		n, err := cr.r.Read(cr.hdr[cr.hdrN:])
		cr.hdrN += n
		if err != nil {
			return nil, err
		}
	}

	if cr.payload == nil {
		length := binary.BigEndian.Uint32(cr.hdr[1:])
		if length > MaxPayloadLength {
			return nil, &ErrMalformedFrame{Reason: fmt.Sprintf("payload length %d exceeds maximum %d", length, MaxPayloadLength)}
		}
		cr.payload = make([]byte, length)
	}

	for cr.payN < len(cr.payload) {
		n, err := cr.r.Read(cr.payload[cr.payN:])
		cr.payN += n
		if err != nil {
			return nil, err
		}
	}

	tag, payload := cr.hdr[0], cr.payload
	cr.hdrN, cr.payload, cr.payN = 0, nil, 0

	cmd := ClientCommand(tag)
	if !cmd.valid() {
		return nil, &ErrMalformedFrame{Reason: fmt.Sprintf("unknown client command %d", tag)}
	}

	return &ClientMessage{Command: cmd, Payload: payload}, nil
}

// ReadClientMessage reads and decodes one client frame. An unknown
// command tag yields an ErrMalformedFrame.
func ReadClientMessage(r io.Reader) (*ClientMessage, error) {
	tag, payload, err := readFrame(r)
	if err != nil {
		return nil, err
	}

	cmd := ClientCommand(tag)
	if !cmd.valid() {
		return nil, &ErrMalformedFrame{Reason: fmt.Sprintf("unknown client command %d", tag)}
	}

	return &ClientMessage{Command: cmd, Payload: payload}, nil
}

// WriteServerMessage frames and writes a server message.
func WriteServerMessage(w io.Writer, msg *ServerMessage) error {
	return writeFrame(w, byte(msg.Command), msg.Payload)
}

// ReadServerMessage reads and decodes one server frame.
func ReadServerMessage(r io.Reader) (*ServerMessage, error) {
	tag, payload, err := readFrame(r)
	if err != nil {
		return nil, err
	}

	cmd := ServerCommand(tag)
	if !cmd.valid() {
		return nil, &ErrMalformedFrame{Reason: fmt.Sprintf("unknown server command %d", tag)}
	}

	return &ServerMessage{Command: cmd, Payload: payload}, nil
}
