package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/johndosdos/ticketchat/internal/chat"
	"github.com/johndosdos/ticketchat/internal/model"
	"github.com/johndosdos/ticketchat/internal/sanitize"
)

// printer renders room events as plain lines.
type printer struct {
	w       io.Writer
	session *chat.Session
	self    model.Participant
	shown   map[model.ID]bool
	state   chat.State
	typing  string
}

func newPrinter(w io.Writer, session *chat.Session, self model.Participant) *printer {
	return &printer{
		w:       w,
		session: session,
		self:    self,
		shown:   make(map[model.ID]bool),
	}
}

func (p *printer) follow(events <-chan chat.Event) {
	for e := range events {
		switch e.Kind {
		case chat.EventMessages:
			p.messages()
		case chat.EventStatus:
			p.status(e.Status)
		case chat.EventTyping:
			p.typingLine(e.Typing)
		case chat.EventDeliveryFailed:
			fmt.Fprintf(p.w, "! message not delivered, draft kept: %q\n", p.session.Draft())
		case chat.EventProtocolError:
			fmt.Fprintf(p.w, "! %v\n", e.Err)
		case chat.EventHistoryFailed:
			fmt.Fprintf(p.w, "! could not load earlier messages: %v\n", e.Err)
		}
	}
}

// messages prints every message not printed yet. Late history entries
// print as they arrive even if they sort earlier.
func (p *printer) messages() {
	for _, m := range p.session.Messages() {
		if p.shown[m.ID] {
			continue
		}
		p.shown[m.ID] = true

		who := m.SenderDisplayName
		if who == "" {
			who = string(m.SenderRole)
		}
		if m.SenderRole == p.self.Role && m.SenderDisplayName == p.self.DisplayName {
			who = "you"
		}

		prefix := ""
		if m.Opening {
			prefix = "[ticket] "
		}
		fmt.Fprintf(p.w, "%s %s%s: %s\n", m.CreatedAt.Local().Format("15:04"), prefix, who, sanitize.Text(m.Body))
	}
}

func (p *printer) status(s chat.Status) {
	if s.State == p.state && s.State != chat.StateOpen {
		return
	}
	p.state = s.State

	switch s.State {
	case chat.StateReconnecting:
		fmt.Fprintf(p.w, "* connection lost, retrying in %s (attempt %d)\n", s.Delay, s.Attempt)
	case chat.StateFailed:
		fmt.Fprintf(p.w, "* could not reconnect after %d attempts; messages are sent over the fallback path. /retry to try again\n", s.Attempt)
	case chat.StateOpen:
		if s.Ready {
			fmt.Fprintln(p.w, "* connected")
		}
	}
}

func (p *printer) typingLine(names []string) {
	line := ""
	switch len(names) {
	case 0:
	case 1:
		line = names[0] + " is typing..."
	default:
		line = strings.Join(names, ", ") + " are typing..."
	}
	if line == p.typing {
		return
	}
	p.typing = line
	if line != "" {
		fmt.Fprintf(p.w, "* %s\n", line)
	}
}
