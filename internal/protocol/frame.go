// Package protocol defines the JSON frames exchanged with the chat server
// over the persistent channel.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/johndosdos/ticketchat/internal/model"
)

// Type names a frame.
type Type string

// Outbound frames.
const (
	TypeJoinRoom    Type = "JOIN_ROOM"
	TypeSendMessage Type = "SEND_MESSAGE"
	TypeTyping      Type = "TYPING"
	TypeStopTyping  Type = "STOP_TYPING"
)

// Inbound frames.
const (
	TypeRoomJoined        Type = "ROOM_JOINED"
	TypeNewMessage        Type = "NEW_MESSAGE"
	TypeUserTyping        Type = "USER_TYPING"
	TypeUserStoppedTyping Type = "USER_STOPPED_TYPING"
	TypeError             Type = "ERROR"
)

var ErrMissingType = errors.New("protocol: frame has no type")

// Frame is the envelope of every message on the persistent channel.
type Frame struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// JoinRoom registers room membership right after the handshake.
type JoinRoom struct {
	TicketID      model.ID   `json:"ticketId"`
	ParticipantID string     `json:"participantId"`
	Role          model.Role `json:"role"`
}

// RoomJoined acknowledges JoinRoom.
type RoomJoined struct {
	Message string `json:"message"`
}

// SendMessage carries an outgoing chat message. The same payload is the
// request body of the HTTP fallback.
type SendMessage struct {
	TicketID          model.ID   `json:"ticketId"`
	Body              string     `json:"body"`
	SenderRole        model.Role `json:"senderRole"`
	SenderDisplayName string     `json:"senderDisplayName"`
}

// Typing is the payload of TYPING, STOP_TYPING, USER_TYPING and
// USER_STOPPED_TYPING. Inbound frames omit the ticket id.
type Typing struct {
	TicketID          model.ID   `json:"ticketId,omitempty"`
	SenderRole        model.Role `json:"senderRole"`
	SenderDisplayName string     `json:"senderDisplayName"`
}

// Error is a protocol-level error reported by the server.
type Error struct {
	Message string `json:"message"`
}

// Encode marshals a frame of type t around payload.
func Encode(t Type, payload any) ([]byte, error) {
	if t == "" {
		return nil, ErrMissingType
	}

	f := Frame{Type: t}
	if payload != nil {
		p, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("could not encode %s payload: %w", t, err)
		}
		f.Payload = p
	}

	return json.Marshal(f)
}

// Decode unmarshals the envelope. The payload stays raw until the caller
// knows what to decode it into.
func Decode(p []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(p, &f); err != nil {
		return Frame{}, fmt.Errorf("could not decode frame: %w", err)
	}
	if f.Type == "" {
		return Frame{}, ErrMissingType
	}
	return f, nil
}

// DecodePayload unmarshals the frame payload into v.
func (f Frame) DecodePayload(v any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("%s frame has no payload", f.Type)
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("could not decode %s payload: %w", f.Type, err)
	}
	return nil
}
