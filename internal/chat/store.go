package chat

import (
	"slices"
	"sort"
	"time"

	"github.com/johndosdos/ticketchat/internal/clock"
	"github.com/johndosdos/ticketchat/internal/model"
)

// MessageStore is the ordered, append-only log of one room. Messages are
// kept sorted by (CreatedAt, ID); the opening entry always comes first.
// It is owned by the room's event loop and is not safe for concurrent use.
type MessageStore struct {
	clock    clock.Clock
	freshFor time.Duration

	opening  *model.Message
	messages []model.Message
	arrived  map[model.ID]time.Time

	// OnChange runs after every mutation.
	OnChange func()
}

func NewMessageStore(clk clock.Clock, freshFor time.Duration) *MessageStore {
	return &MessageStore{
		clock:    clk,
		freshFor: freshFor,
		arrived:  make(map[model.ID]time.Time),
	}
}

// SetOpening installs the synthetic ticket-opening entry.
func (s *MessageStore) SetOpening(m model.Message) {
	m.Opening = true
	s.opening = &m
	s.changed()
}

// Append inserts m in order. It is a no-op, returning false, when m has
// no id or a message with the same id is already stored.
func (s *MessageStore) Append(m model.Message) bool {
	if !s.insert(m) {
		return false
	}
	s.changed()
	return true
}

// AppendAll merges a batch, such as a history load, and reports how many
// messages were new. OnChange runs at most once.
func (s *MessageStore) AppendAll(messages []model.Message) int {
	added := 0
	for _, m := range messages {
		if s.insert(m) {
			added++
		}
	}
	if added > 0 {
		s.changed()
	}
	return added
}

func (s *MessageStore) insert(m model.Message) bool {
	if m.ID == "" {
		return false
	}
	if _, dup := s.arrived[m.ID]; dup {
		return false
	}
	if s.opening != nil && s.opening.ID == m.ID {
		return false
	}

	m.Opening = false
	i := sort.Search(len(s.messages), func(i int) bool {
		return m.Before(s.messages[i])
	})
	s.messages = slices.Insert(s.messages, i, m)
	s.arrived[m.ID] = s.clock.Now()
	return true
}

// All returns the current ordered view.
func (s *MessageStore) All() []model.Message {
	out := make([]model.Message, 0, len(s.messages)+1)
	if s.opening != nil {
		out = append(out, *s.opening)
	}
	return append(out, s.messages...)
}

// Len counts stored messages, excluding the opening entry.
func (s *MessageStore) Len() int { return len(s.messages) }

// Fresh reports whether the message arrived less than FreshFor ago.
func (s *MessageStore) Fresh(id model.ID) bool {
	at, ok := s.arrived[id]
	return ok && s.clock.Now().Sub(at) < s.freshFor
}

func (s *MessageStore) changed() {
	if s.OnChange != nil {
		s.OnChange()
	}
}
