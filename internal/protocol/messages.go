// Package protocol defines the framed messages exchanged between drawing
// clients and the server. A frame is a one-byte command tag, a four-byte
// big-endian payload length, and the payload itself. Image payloads are
// deflate-compressed before framing.
package protocol

import (
	"fmt"
	"unicode/utf8"
)

// MaxNameLength bounds nickname and room name payloads in bytes.
const MaxNameLength = 32

// ClientCommand tags a message sent by a drawing client.
type ClientCommand byte

const (
	// Pass is a no-op, sent to keep the connection moving.
	Pass ClientCommand = iota
	// SetNickname carries the client's nickname as UTF-8.
	SetNickname
	// JoinCreateRoom carries a room name as UTF-8; the room is created
	// if it does not exist.
	JoinCreateRoom
	// SendImage carries the client's compressed foreground snapshot.
	SendImage
	// Disconnect announces the client is leaving; payload is empty.
	Disconnect
)

func (c ClientCommand) String() string {
	switch c {
	case Pass:
		return "PASS"
	case SetNickname:
		return "SET_NICKNAME"
	case JoinCreateRoom:
		return "JOIN_CREATE_ROOM"
	case SendImage:
		return "SEND_IMAGE"
	case Disconnect:
		return "DISCONNECT"
	default:
		return fmt.Sprintf("CLIENT_COMMAND(%d)", byte(c))
	}
}

func (c ClientCommand) valid() bool {
	return c <= Disconnect
}

// ServerCommand tags a message sent by the server.
type ServerCommand byte

const (
	// Poke is a liveness probe with an empty payload.
	Poke ServerCommand = iota
	// AcceptIntoRoom confirms a join; payload is empty.
	AcceptIntoRoom
	// RejectFromRoom refuses a join; payload is a human-readable reason.
	RejectFromRoom
	// SendMiddleground carries the compressed composite of every other
	// room member's latest drawing.
	SendMiddleground
)

func (c ServerCommand) String() string {
	switch c {
	case Poke:
		return "POKE"
	case AcceptIntoRoom:
		return "ACCEPT_INTO_ROOM"
	case RejectFromRoom:
		return "REJECT_FROM_ROOM"
	case SendMiddleground:
		return "SEND_MIDDLEGROUND"
	default:
		return fmt.Sprintf("SERVER_COMMAND(%d)", byte(c))
	}
}

func (c ServerCommand) valid() bool {
	return c <= SendMiddleground
}

// ClientMessage is a framed client-to-server message. An empty payload
// is valid and distinct from no message at all.
type ClientMessage struct {
	Command ClientCommand
	Payload []byte
}

func (m *ClientMessage) String() string {
	if m.Command == SendImage {
		return fmt.Sprintf("%s <%d bytes>", m.Command, len(m.Payload))
	}
	return fmt.Sprintf("%s %q", m.Command, m.Payload)
}

// ServerMessage is a framed server-to-client message.
type ServerMessage struct {
	Command ServerCommand
	Payload []byte
}

func (m *ServerMessage) String() string {
	if m.Command == SendMiddleground {
		return fmt.Sprintf("%s <%d bytes>", m.Command, len(m.Payload))
	}
	return fmt.Sprintf("%s %q", m.Command, m.Payload)
}

// ValidateName checks a nickname or room name payload: non-empty UTF-8,
// at most MaxNameLength bytes.
func ValidateName(payload []byte) (string, error) {
	if len(payload) == 0 {
		return "", fmt.Errorf("name cannot be empty")
	}
	if len(payload) > MaxNameLength {
		return "", fmt.Errorf("name exceeds %d bytes", MaxNameLength)
	}
	if !utf8.Valid(payload) {
		return "", fmt.Errorf("name is not valid UTF-8")
	}
	return string(payload), nil
}
