package model

import "time"

// Message holds information about a single chat entry in a ticket room.
type Message struct {
	ID                ID        `json:"id"`
	TicketID          ID        `json:"ticketId"`
	Body              string    `json:"body"`
	SenderRole        Role      `json:"senderRole"`
	SenderDisplayName string    `json:"senderDisplayName"`
	CreatedAt         time.Time `json:"createdAt"`

	// Opening marks the synthetic entry built from the ticket itself. It is
	// never sent over the wire.
	Opening bool `json:"-"`
}

// Before reports whether m sorts ahead of o by (CreatedAt, ID).
func (m Message) Before(o Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return CompareIDs(m.ID, o.ID) < 0
}

// OpeningMessage builds the synthetic first entry of a room from the
// customer's original issue.
func OpeningMessage(t Ticket) Message {
	return Message{
		ID:                "opening-" + t.ID,
		TicketID:          t.ID,
		Body:              t.Issue,
		SenderRole:        RoleCustomer,
		SenderDisplayName: t.CustomerName,
		CreatedAt:         t.CreatedAt,
		Opening:           true,
	}
}
