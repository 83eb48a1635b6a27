package chat_test

import (
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"supportchat/service/chat"
	"supportchat/service/stomp/stomptest"
	"supportchat/service/storage"
	"supportchat/tools/security"
)

var testSecret = []byte("test-secret")

func startBroker(t *testing.T) (*stomptest.Broker, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	b := stomptest.New(testSecret)
	r := gin.New()
	b.Attach(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return b, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func newManager(url string) *chat.Manager {
	return chat.NewManager(chat.Config{
		BrokerURL:      url,
		ReconnectDelay: 100 * time.Millisecond,
		DialTimeout:    2 * time.Second,
	})
}

func identity(t *testing.T, userID int64, admin bool) chat.Identity {
	t.Helper()
	role := "USER"
	if admin {
		role = security.RoleAdmin
	}
	token, _, err := security.Generate(security.DefaultOptions(testSecret), userID, role)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return chat.Identity{UserID: userID, Token: token, Admin: admin}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func connectAndWait(t *testing.T, b *stomptest.Broker, m *chat.Manager, id chat.Identity) {
	t.Helper()
	m.Connect(id)
	waitFor(t, "connect", m.IsConnected)
	waitFor(t, "message queue subscription", func() bool {
		return b.SubscribedTo(id.UserID, chat.DestUserMessages)
	})
	waitFor(t, "alert queue subscription", func() bool {
		return b.SubscribedTo(id.UserID, chat.DestUserAlerts)
	})
	if id.Admin {
		waitFor(t, "admin topic subscription", func() bool {
			return b.SubscribedTo(id.UserID, chat.TopicAdminChat)
		})
	}
}

func TestConnectEmitsConnectOnce(t *testing.T) {
	b, url := startBroker(t)
	m := newManager(url)
	defer m.Disconnect()

	connects := make(chan struct{}, 8)
	m.Subscribe(chat.EventConnect, func(interface{}) { connects <- struct{}{} })

	id := identity(t, 7, false)
	connectAndWait(t, b, m, id)

	select {
	case <-connects:
	case <-time.After(5 * time.Second):
		t.Fatalf("no connect event")
	}

	// same identity again: no-op, no duplicate connect event
	m.Connect(id)
	select {
	case <-connects:
		t.Fatalf("duplicate connect event for same identity")
	case <-time.After(300 * time.Millisecond):
	}
	if got := len(b.ConnectedUsers()); got != 1 {
		t.Errorf("broker sees %d connections, want 1", got)
	}
}

func TestIdentitySwitchTearsDownFirst(t *testing.T) {
	b, url := startBroker(t)
	m := newManager(url)
	defer m.Disconnect()

	var mu sync.Mutex
	var events []string
	record := func(ev string) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}
	m.Subscribe(chat.EventConnect, func(interface{}) { record("connect") })
	m.Subscribe(chat.EventDisconnect, func(interface{}) { record("disconnect") })

	connectAndWait(t, b, m, identity(t, 7, false))
	connectAndWait(t, b, m, identity(t, 8, false))

	waitFor(t, "event sequence", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 3
	})
	mu.Lock()
	defer mu.Unlock()
	want := []string{"connect", "disconnect", "connect"}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("events = %v, want %v", events, want)
		}
	}
}

func TestSendMessageReachesBroker(t *testing.T) {
	b, url := startBroker(t)
	m := newManager(url)
	defer m.Disconnect()

	connectAndWait(t, b, m, identity(t, 7, false))
	m.SendMessage("hello")

	waitFor(t, "broker to see the send", func() bool {
		for _, rec := range b.Sends() {
			if rec.UserID == 7 && rec.Destination == chat.DestSendMessage &&
				strings.Contains(string(rec.Body), `"content":"hello"`) {
				return true
			}
		}
		return false
	})
}

func TestSendWhileDisconnectedIsNoOp(t *testing.T) {
	b, url := startBroker(t)
	m := newManager(url)

	m.SendMessage("dropped")
	m.SendAdminResponse(7, "dropped")
	m.Disconnect() // idempotent with no active connection
	m.Disconnect()

	if n := len(b.Sends()); n != 0 {
		t.Errorf("broker received %d sends from a disconnected client", n)
	}
}

func TestAlertDelivery(t *testing.T) {
	b, url := startBroker(t)
	m := newManager(url)
	defer m.Disconnect()

	alerts := make(chan *chat.Alert, 4)
	m.Subscribe(chat.EventAlerts, func(p interface{}) { alerts <- p.(*chat.Alert) })

	connectAndWait(t, b, m, identity(t, 7, false))
	b.PushAlert(7, chat.Alert{Message: "Limit exceeded", DeviceID: 3, ExceededBy: 1.5, Timestamp: 42, Read: true})

	select {
	case a := <-alerts:
		if a.Message != "Limit exceeded" || a.DeviceID != 3 || a.ExceededBy != 1.5 || a.Timestamp != 42 {
			t.Errorf("alert = %+v", a)
		}
		if a.Read {
			t.Errorf("inbound alert must be unread")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no alert event")
	}
}

func TestMalformedFrameDoesNotBlockSubsequent(t *testing.T) {
	b, url := startBroker(t)
	m := newManager(url)
	defer m.Disconnect()

	msgs := make(chan *chat.ChatMessage, 4)
	m.Subscribe(chat.EventMessages, func(p interface{}) { msgs <- p.(*chat.ChatMessage) })

	connectAndWait(t, b, m, identity(t, 7, false))
	b.PushRaw(7, chat.DestUserMessages, []byte(`{broken`))
	b.PushMessage(7, chat.ChatMessage{Content: "still here", Sender: 1, Type: chat.MessageAdmin, Timestamp: 1})

	select {
	case got := <-msgs:
		if got.Content != "still here" {
			t.Errorf("got %+v, want the well-formed message", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("valid frame after malformed one never arrived")
	}
}

func TestAdminResponseRouting(t *testing.T) {
	b, url := startBroker(t)

	user := newManager(url)
	defer user.Disconnect()
	msgs := make(chan *chat.ChatMessage, 4)
	user.Subscribe(chat.EventMessages, func(p interface{}) { msgs <- p.(*chat.ChatMessage) })
	connectAndWait(t, b, user, identity(t, 7, false))

	admin := newManager(url)
	defer admin.Disconnect()
	connectAndWait(t, b, admin, identity(t, 1, true))

	admin.SendAdminResponse(7, "on it")

	select {
	case got := <-msgs:
		if got.Type != chat.MessageAdmin || got.Content != "on it" {
			t.Errorf("user received %+v", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("admin response never reached the user queue")
	}
}

func TestAdminResponseFromRegularUserDropped(t *testing.T) {
	b, url := startBroker(t)
	m := newManager(url)
	defer m.Disconnect()

	connectAndWait(t, b, m, identity(t, 7, false))
	m.SendAdminResponse(9, "not allowed")

	time.Sleep(200 * time.Millisecond)
	for _, rec := range b.Sends() {
		if rec.Destination == chat.DestAdminResponse {
			t.Fatalf("non-admin identity published an admin response")
		}
	}
}

func TestLateConnectSubscriberGetsSyntheticDelivery(t *testing.T) {
	b, url := startBroker(t)
	m := newManager(url)
	defer m.Disconnect()

	connectAndWait(t, b, m, identity(t, 7, false))

	notified := make(chan struct{}, 1)
	m.Subscribe(chat.EventConnect, func(interface{}) { notified <- struct{}{} })
	select {
	case <-notified:
	case <-time.After(time.Second):
		t.Fatalf("late connect subscriber missed the current connected state")
	}
}

func TestDisconnectDuringHandshakeIsPrompt(t *testing.T) {
	b, url := startBroker(t)
	b.SetConnectDelay(500 * time.Millisecond)
	m := newManager(url)

	connects := make(chan struct{}, 1)
	m.Subscribe(chat.EventConnect, func(interface{}) { connects <- struct{}{} })

	m.Connect(identity(t, 7, false))
	time.Sleep(150 * time.Millisecond) // dial done, CONNECTED still pending

	start := time.Now()
	m.Disconnect()
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("disconnect mid-handshake took %v", elapsed)
	}

	select {
	case <-connects:
		t.Fatalf("connect event delivered after teardown")
	case <-time.After(700 * time.Millisecond):
	}
	if m.IsConnected() {
		t.Fatalf("manager reports connected after teardown")
	}
}

func TestBrokerDropTriggersAutoReconnect(t *testing.T) {
	b, url := startBroker(t)
	m := newManager(url)
	defer m.Disconnect()

	var mu sync.Mutex
	connects, disconnects := 0, 0
	m.Subscribe(chat.EventConnect, func(interface{}) { mu.Lock(); connects++; mu.Unlock() })
	m.Subscribe(chat.EventDisconnect, func(interface{}) { mu.Lock(); disconnects++; mu.Unlock() })

	connectAndWait(t, b, m, identity(t, 7, false))
	b.Kick(7)

	waitFor(t, "disconnect event after broker-side drop", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return disconnects >= 1
	})
	waitFor(t, "automatic reconnect", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return connects >= 2
	})
	waitFor(t, "subscription replay", func() bool {
		return b.SubscribedTo(7, chat.DestUserMessages) &&
			b.SubscribedTo(7, chat.DestUserAlerts)
	})
}

func TestLateConnectSubscriberPanicContained(t *testing.T) {
	b, url := startBroker(t)
	m := newManager(url)
	defer m.Disconnect()
	connectAndWait(t, b, m, identity(t, 7, false))

	// synthetic delivery to a live-session subscriber gets the same panic
	// containment as real dispatch
	m.Subscribe(chat.EventConnect, func(interface{}) { panic("boom") })

	notified := make(chan struct{}, 1)
	m.Subscribe(chat.EventConnect, func(interface{}) { notified <- struct{}{} })
	select {
	case <-notified:
	case <-time.After(time.Second):
		t.Fatalf("subscription after contained panic not serviced")
	}
}

func TestReconnectUsesLastIdentity(t *testing.T) {
	b, url := startBroker(t)
	m := newManager(url)
	defer m.Disconnect()

	connectAndWait(t, b, m, identity(t, 7, false))
	m.Reconnect()
	waitFor(t, "reconnect", m.IsConnected)

	id, ok := m.Identity()
	if !ok || id.UserID != 7 {
		t.Errorf("identity after reconnect = %+v ok=%v", id, ok)
	}
	waitFor(t, "resubscription", func() bool {
		return b.SubscribedTo(7, chat.DestUserMessages)
	})
}

func TestAdminAggregatesBroadcasts(t *testing.T) {
	b, url := startBroker(t)

	admin := newManager(url)
	defer admin.Disconnect()
	agg := storage.NewAggregator()
	detach := agg.Bind(admin)
	defer detach()
	connectAndWait(t, b, admin, identity(t, 1, true))

	for _, uid := range []int64{7, 9} {
		u := newManager(url)
		defer u.Disconnect()
		connectAndWait(t, b, u, identity(t, uid, false))
		u.SendMessage("hello from user")
	}

	waitFor(t, "two aggregated sessions", func() bool {
		return len(agg.Sessions()) == 2
	})
	if len(agg.Messages(7)) != 1 || len(agg.Messages(9)) != 1 {
		t.Errorf("logs = %d/%d, want one message each", len(agg.Messages(7)), len(agg.Messages(9)))
	}

	agg.Select(7)
	agg.Clear(7)
	sessions := agg.Sessions()
	if len(sessions) != 1 || sessions[0].UserID != 9 {
		t.Errorf("sessions after clear = %+v", sessions)
	}
	if _, ok := agg.Selected(); ok {
		t.Errorf("selection survived clear")
	}
}

func TestSessionStoreBindAppendsRemote(t *testing.T) {
	b, url := startBroker(t)
	m := newManager(url)
	defer m.Disconnect()

	store := storage.NewSessionStore(7, storage.NewMemoryHistory())
	detach := store.Bind(m)
	defer detach()

	connectAndWait(t, b, m, identity(t, 7, false))
	b.PushMessage(7, chat.ChatMessage{Content: "from broker", Sender: 1, Type: chat.MessageAdmin, Timestamp: 5})

	waitFor(t, "remote append", func() bool { return store.Len() == 1 })
	if got := store.Messages()[0]; got.Content != "from broker" || got.Type != chat.MessageAdmin {
		t.Errorf("stored message = %+v", got)
	}
}

func TestConnectWithoutCredentialIgnored(t *testing.T) {
	_, url := startBroker(t)
	m := newManager(url)
	m.Connect(chat.Identity{UserID: 7})

	time.Sleep(200 * time.Millisecond)
	if m.IsConnected() {
		t.Fatalf("connected without a credential")
	}
}
