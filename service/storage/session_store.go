package storage

import (
	"sync"

	"supportchat/logger"
	"supportchat/service/chat"
)

// SessionStore is the single-user widget's ordered message log: append-only
// from both the local send path and the network path, persisted to the
// durable cache on every append, cleared wholesale or not at all.
type SessionStore struct {
	mu     sync.Mutex
	userID int64
	msgs   []chat.ChatMessage
	cache  HistoryCache
}

// NewSessionStore loads any cached history for userID. A cache read fault
// starts the log empty rather than failing the session.
func NewSessionStore(userID int64, cache HistoryCache) *SessionStore {
	s := &SessionStore{userID: userID, cache: cache}
	if cache != nil {
		msgs, err := cache.Load(userID)
		if err != nil {
			logger.Warnf("history load for user %d: %v", userID, err)
		} else {
			s.msgs = msgs
		}
	}
	return s
}

func (s *SessionStore) UserID() int64 { return s.userID }

// AppendLocal records a locally authored message before any server echo, so
// the sender sees their own text immediately.
func (s *SessionStore) AppendLocal(msg chat.ChatMessage) {
	s.append(msg)
}

// AppendRemote records a message delivered on the private queue.
func (s *SessionStore) AppendRemote(msg chat.ChatMessage) {
	s.append(msg)
}

func (s *SessionStore) append(msg chat.ChatMessage) {
	s.mu.Lock()
	s.msgs = append(s.msgs, msg)
	snapshot := append([]chat.ChatMessage(nil), s.msgs...)
	s.mu.Unlock()
	s.persist(snapshot)
}

func (s *SessionStore) persist(snapshot []chat.ChatMessage) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Save(s.userID, snapshot); err != nil {
		logger.Warnf("history save for user %d: %v", s.userID, err)
	}
}

// Messages returns a copy of the log in append order.
func (s *SessionStore) Messages() []chat.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]chat.ChatMessage(nil), s.msgs...)
}

func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

// Clear empties the log and removes the durable cache entry. Destructive and
// irreversible; the call site owns the confirmation.
func (s *SessionStore) Clear() error {
	s.mu.Lock()
	s.msgs = nil
	s.mu.Unlock()
	if s.cache == nil {
		return nil
	}
	return s.cache.Purge(s.userID)
}

// Bind wires the store to the manager's messages category and returns the
// detach function. Remote appends flow in until detached.
func (s *SessionStore) Bind(m *chat.Manager) func() {
	sub := m.Subscribe(chat.EventMessages, func(payload interface{}) {
		msg, ok := payload.(*chat.ChatMessage)
		if !ok || msg == nil {
			return
		}
		s.AppendRemote(*msg)
	})
	return func() { m.Unsubscribe(sub) }
}
