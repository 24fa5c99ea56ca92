// Package model defines data structure.
package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Role is the side of the ticket a participant speaks for.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleAgent    Role = "agent"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleCustomer || r == RoleAgent
}

// ID identifies tickets and messages. Servers emit both JSON strings and
// JSON numbers for ids, so ID decodes either.
type ID string

func (id *ID) UnmarshalJSON(p []byte) error {
	p = bytes.TrimSpace(p)
	if bytes.Equal(p, []byte("null")) {
		*id = ""
		return nil
	}

	if len(p) > 0 && p[0] == '"' {
		var s string
		if err := json.Unmarshal(p, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(p, &n); err != nil {
		return fmt.Errorf("id must be a string or a number: %w", err)
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }

// CompareIDs orders ids numerically when both are unsigned integers and
// lexically otherwise.
func CompareIDs(a, b ID) int {
	na, errA := strconv.ParseUint(string(a), 10, 64)
	nb, errB := strconv.ParseUint(string(b), 10, 64)
	if errA == nil && errB == nil {
		switch {
		case na < nb:
			return -1
		case na > nb:
			return 1
		}
		return 0
	}
	return strings.Compare(string(a), string(b))
}

// Participant is the local user of a room, supplied by the session layer.
type Participant struct {
	ID          string `json:"id"`
	Role        Role   `json:"role"`
	DisplayName string `json:"displayName"`
}

// Ticket holds the ticket identity a room needs for its opening entry.
type Ticket struct {
	ID           ID        `json:"id"`
	CustomerName string    `json:"customerName"`
	Issue        string    `json:"issue"`
	CreatedAt    time.Time `json:"createdAt"`
}
