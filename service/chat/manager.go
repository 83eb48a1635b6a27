package chat

import (
	"encoding/json"
	"sync"
	"time"

	"supportchat/logger"
	"supportchat/service/stomp"
)

// Manager owns one frame-protocol client and the identity bound to it.
// Exactly one identity is active at a time; connecting a second one tears
// the first down before the new session starts. All lifecycle outcomes are
// delivered through the registry, never returned or thrown.

type Config struct {
	BrokerURL string
	Host      string

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	ReconnectDelay    time.Duration
	DialTimeout       time.Duration
	WriteWait         time.Duration
	SendQueueSize     int
}

type Manager struct {
	conf   Config
	reg    *Registry
	router *Router

	mu        sync.Mutex
	client    *stomp.Client
	identity  *Identity
	connected bool
}

func NewManager(conf Config) *Manager {
	reg := NewRegistry()
	return &Manager{
		conf:   conf,
		reg:    reg,
		router: NewRouter(reg),
	}
}

// Registry exposes the fan-out for components that wire themselves to event
// categories (session stores, alert center, UI adapters).
func (m *Manager) Registry() *Registry { return m.reg }

func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *Manager) Identity() (Identity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.identity == nil {
		return Identity{}, false
	}
	return *m.identity, true
}

// Connect activates a session for id. Connecting while the same identity is
// live is a no-op. Connecting a different identity (including the same user
// with a changed role) tears the previous session down first, so its
// disconnect event fires before the new identity's connect event.
func (m *Manager) Connect(id Identity) {
	if id.Token == "" {
		logger.Warnf("connect without credential for user %d ignored", id.UserID)
		return
	}

	m.mu.Lock()
	if m.client != nil && m.connected &&
		m.identity != nil && m.identity.UserID == id.UserID && m.identity.Admin == id.Admin {
		m.mu.Unlock()
		logger.Warnf("already connected as user %d, skipping reconnect", id.UserID)
		return
	}
	old := m.client
	m.client = nil
	m.mu.Unlock()

	if old != nil {
		old.Deactivate() // synchronous: disconnect event delivered before we proceed
	}

	cli := stomp.NewClient(stomp.Config{
		URL:               m.conf.BrokerURL,
		Token:             id.Token,
		Host:              m.conf.Host,
		HeartbeatInterval: m.conf.HeartbeatInterval,
		HeartbeatTimeout:  m.conf.HeartbeatTimeout,
		ReconnectDelay:    m.conf.ReconnectDelay,
		DialTimeout:       m.conf.DialTimeout,
		WriteWait:         m.conf.WriteWait,
		SendQueueSize:     m.conf.SendQueueSize,
	}, stomp.Handlers{
		OnConnect:    func() { m.onConnect(id) },
		OnDisconnect: m.onDisconnect,
		OnError:      m.onError,
		OnMessage:    m.router.Route,
	})

	m.mu.Lock()
	m.client = cli
	ident := id
	m.identity = &ident
	m.mu.Unlock()

	cli.Subscribe(DestUserMessages)
	cli.Subscribe(DestUserAlerts)
	if id.Admin {
		cli.Subscribe(TopicAdminChat)
	}
	cli.Activate()
	logger.Infof("connecting user %d (admin=%v) to %s", id.UserID, id.Admin, m.conf.BrokerURL)
}

// Disconnect deactivates the transport. Externally registered event-category
// listeners persist across reconnects; only the wire subscriptions die with
// the session. Idempotent.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	cli := m.client
	m.client = nil
	m.mu.Unlock()
	if cli == nil {
		return
	}
	cli.Deactivate()
}

// Reconnect is the manual affordance: teardown plus connect with the
// last-known identity.
func (m *Manager) Reconnect() {
	m.mu.Lock()
	ident := m.identity
	m.mu.Unlock()
	if ident == nil {
		logger.Warnf("reconnect with no prior identity ignored")
		return
	}
	m.Disconnect()
	m.Connect(*ident)
}

// Subscribe registers fn under an event category and returns its handle. A
// late subscriber to the connect category while a session is live gets an
// immediate synthetic delivery so it cannot miss the current connected
// state.
func (m *Manager) Subscribe(ev Event, fn Callback) *Subscription {
	sub := m.reg.Subscribe(ev, fn)
	if ev == EventConnect && fn != nil {
		m.mu.Lock()
		live := m.connected
		m.mu.Unlock()
		if live {
			invoke(EventConnect, fn, nil)
		}
	}
	return sub
}

func (m *Manager) Unsubscribe(sub *Subscription) {
	m.reg.Unsubscribe(sub)
}

// SendMessage publishes content to the user-chat destination. Fire-and-
// forget; the caller does the optimistic local append. Silent no-op while
// disconnected.
func (m *Manager) SendMessage(content string) {
	m.mu.Lock()
	cli := m.client
	live := m.connected
	m.mu.Unlock()
	if cli == nil || !live {
		logger.Warnf("sendMessage while disconnected dropped")
		return
	}
	body, _ := json.Marshal(map[string]string{"content": content})
	if err := cli.Send(DestSendMessage, body); err != nil {
		logger.Warnf("sendMessage: %v", err)
	}
}

// SendAdminResponse publishes an operator reply routed to one user's private
// queue. Administrator-only; otherwise a logged no-op.
func (m *Manager) SendAdminResponse(targetUserID int64, content string) {
	m.mu.Lock()
	cli := m.client
	live := m.connected
	admin := m.identity != nil && m.identity.Admin
	m.mu.Unlock()
	if cli == nil || !live {
		logger.Warnf("sendAdminResponse while disconnected dropped")
		return
	}
	if !admin {
		logger.Warnf("sendAdminResponse from non-admin identity dropped")
		return
	}
	body, _ := json.Marshal(map[string]interface{}{
		"userId":  targetUserID,
		"content": content,
	})
	if err := cli.Send(DestAdminResponse, body); err != nil {
		logger.Warnf("sendAdminResponse: %v", err)
	}
}

func (m *Manager) onConnect(id Identity) {
	m.mu.Lock()
	m.connected = true
	m.mu.Unlock()
	logger.Infof("connected as user %d", id.UserID)
	m.reg.Publish(EventConnect, nil)
}

func (m *Manager) onDisconnect() {
	m.mu.Lock()
	m.connected = false
	m.mu.Unlock()
	m.reg.Publish(EventDisconnect, nil)
}

func (m *Manager) onError(f *stomp.Frame) {
	logger.Warnf("broker fault: %s", f.Get(stomp.HeaderMessage))
	m.reg.Publish(EventError, f)
}
