package storage

import (
	"testing"

	"supportchat/service/chat"
)

func msg(content string, sender int64, typ chat.MessageType) chat.ChatMessage {
	return chat.ChatMessage{Content: content, Sender: sender, Type: typ, Timestamp: 1700000000000}
}

func TestAppendLocalIsImmediate(t *testing.T) {
	store := NewSessionStore(7, NewMemoryHistory())

	// optimistic append: visible before any network acknowledgement exists
	store.AppendLocal(msg("hello", 7, chat.MessageUser))

	got := store.Messages()
	if len(got) != 1 {
		t.Fatalf("log length = %d, want 1", len(got))
	}
	if got[0].Content != "hello" || got[0].Sender != 7 || got[0].Type != chat.MessageUser {
		t.Errorf("message = %+v", got[0])
	}
}

func TestAppendOrderPreserved(t *testing.T) {
	store := NewSessionStore(7, NewMemoryHistory())
	store.AppendLocal(msg("first", 7, chat.MessageUser))
	store.AppendRemote(msg("second", 1, chat.MessageAdmin))
	store.AppendRemote(msg("third", 0, chat.MessageRule))

	got := store.Messages()
	if len(got) != 3 {
		t.Fatalf("log length = %d", len(got))
	}
	for i, want := range []string{"first", "second", "third"} {
		if got[i].Content != want {
			t.Errorf("position %d = %q, want %q", i, got[i].Content, want)
		}
	}
}

func TestHistorySurvivesReload(t *testing.T) {
	cache := NewMemoryHistory()

	store := NewSessionStore(7, cache)
	store.AppendLocal(msg("persisted", 7, chat.MessageUser))

	reloaded := NewSessionStore(7, cache)
	got := reloaded.Messages()
	if len(got) != 1 || got[0].Content != "persisted" {
		t.Errorf("reloaded log = %+v", got)
	}
}

func TestClearPurgesDurableCache(t *testing.T) {
	cache := NewMemoryHistory()
	store := NewSessionStore(7, cache)
	store.AppendLocal(msg("gone soon", 7, chat.MessageUser))

	if err := store.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if store.Len() != 0 {
		t.Errorf("in-memory log not emptied")
	}

	reloaded := NewSessionStore(7, cache)
	if reloaded.Len() != 0 {
		t.Errorf("cache entry survived clear: %+v", reloaded.Messages())
	}
}

func TestHistoryScopedPerIdentity(t *testing.T) {
	cache := NewMemoryHistory()

	alice := NewSessionStore(7, cache)
	alice.AppendLocal(msg("alice only", 7, chat.MessageUser))

	bob := NewSessionStore(9, cache)
	if bob.Len() != 0 {
		t.Errorf("user 9 sees user 7's history: %+v", bob.Messages())
	}

	// purging one identity leaves the other intact
	if err := bob.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if got := NewSessionStore(7, cache).Len(); got != 1 {
		t.Errorf("user 7 history damaged by user 9 clear, len=%d", got)
	}
}

func TestMessagesReturnsCopy(t *testing.T) {
	store := NewSessionStore(7, nil)
	store.AppendLocal(msg("original", 7, chat.MessageUser))

	snapshot := store.Messages()
	snapshot[0].Content = "mutated"

	if store.Messages()[0].Content != "original" {
		t.Errorf("external mutation reached the log")
	}
}
