package storage

import (
	"sync"

	"supportchat/service/chat"
)

// Aggregator multiplexes the admin broadcast topic into per-user chat logs
// for the operator console. Sessions are created lazily on first contact and
// removed only by explicit operator action.

// SessionPreview is a read-only projection of one session's tail for the
// session list. Nothing here is stored; it is derived on demand.
type SessionPreview struct {
	UserID        int64
	SenderName    string
	LastMessage   string
	LastTimestamp int64
	MessageCount  int
}

type Aggregator struct {
	mu       sync.Mutex
	order    []int64 // insertion order of first contact
	sessions map[int64][]chat.ChatMessage
	selected int64
	hasSel   bool
}

func NewAggregator() *Aggregator {
	return &Aggregator{sessions: make(map[int64][]chat.ChatMessage)}
}

// Route appends msg to userID's log, creating the session if absent.
func (a *Aggregator) Route(userID int64, msg chat.ChatMessage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.sessions[userID]; !ok {
		a.order = append(a.order, userID)
	}
	a.sessions[userID] = append(a.sessions[userID], msg)
}

// Select designates the active session for display. Selecting an unknown
// user id is allowed; the session appears once the user writes.
func (a *Aggregator) Select(userID int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.selected = userID
	a.hasSel = true
}

func (a *Aggregator) Selected() (int64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.selected, a.hasSel
}

// Clear drops userID's session entirely, key included: a later message from
// the same user starts a fresh log. Clearing the selected session also
// clears the selection.
func (a *Aggregator) Clear(userID int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.sessions[userID]; !ok {
		return
	}
	delete(a.sessions, userID)
	for i, id := range a.order {
		if id == userID {
			a.order = append(a.order[:i:i], a.order[i+1:]...)
			break
		}
	}
	if a.hasSel && a.selected == userID {
		a.hasSel = false
		a.selected = 0
	}
}

// Messages returns a copy of one session's log in append order.
func (a *Aggregator) Messages(userID int64) []chat.ChatMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]chat.ChatMessage(nil), a.sessions[userID]...)
}

// Sessions lists previews in insertion order of first contact, not recency.
func (a *Aggregator) Sessions() []SessionPreview {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]SessionPreview, 0, len(a.order))
	for _, id := range a.order {
		log := a.sessions[id]
		if len(log) == 0 {
			continue
		}
		tail := log[len(log)-1]
		out = append(out, SessionPreview{
			UserID:        id,
			SenderName:    firstSenderName(log),
			LastMessage:   tail.Content,
			LastTimestamp: tail.Timestamp,
			MessageCount:  len(log),
		})
	}
	return out
}

func firstSenderName(log []chat.ChatMessage) string {
	for _, m := range log {
		if m.Type == chat.MessageUser && m.SenderName != "" {
			return m.SenderName
		}
	}
	return ""
}

// Bind wires the aggregator to the admin-broadcast category, keying each
// message by its sender. Returns the detach function.
func (a *Aggregator) Bind(m *chat.Manager) func() {
	sub := m.Subscribe(chat.EventAdminBroadcast, func(payload interface{}) {
		msg, ok := payload.(*chat.ChatMessage)
		if !ok || msg == nil {
			return
		}
		a.Route(msg.Sender, *msg)
	})
	return func() { m.Unsubscribe(sub) }
}
