package chat

import (
	"errors"
	"fmt"
)

var (
	ErrNotReady      = errors.New("chat: persistent channel is not ready")
	ErrEmptyBody     = errors.New("chat: message body is empty")
	ErrSendInFlight  = errors.New("chat: a message is already being sent")
	ErrRateLimited   = errors.New("chat: sending too fast, try again shortly")
	ErrSessionClosed = errors.New("chat: room session is closed")
)

// DeliveryError reports that a message could not be delivered over the
// persistent channel nor the fallback request. The draft is kept.
type DeliveryError struct {
	Persistent error
	Fallback   error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("chat: message not delivered: persistent: %v; fallback: %v", e.Persistent, e.Fallback)
}

func (e *DeliveryError) Unwrap() []error {
	return []error{e.Persistent, e.Fallback}
}

// ProtocolError is an ERROR frame sent by the server.
type ProtocolError struct {
	Message string
}

func (e *ProtocolError) Error() string {
	return "chat: server error: " + e.Message
}
