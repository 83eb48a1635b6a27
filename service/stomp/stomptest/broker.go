// Package stomptest provides an in-process stand-in for the production
// message broker: just enough of the frame protocol to exercise the client.
// It is test/development tooling, not a broker implementation.
package stomptest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"supportchat/logger"
	"supportchat/service/chat"
	"supportchat/service/stomp"
	"supportchat/tools/security"
)

// Responder optionally auto-replies to user sends, standing in for the
// production broker's rule-based support bot.
type Responder func(content string) (reply string, typ chat.MessageType, ok bool)

// SendRecord is one SEND observed by the broker, kept for assertions.
type SendRecord struct {
	UserID      int64
	Destination string
	Body        []byte
}

type Broker struct {
	secret       []byte
	responder    Responder
	connectDelay time.Duration
	upgrader     websocket.Upgrader

	mu       sync.Mutex
	sessions map[*session]struct{}
	sends    []SendRecord
}

type session struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	userID  int64
	admin   bool
	subs    map[string]string // destination -> subscription id
}

func New(secret []byte) *Broker {
	return &Broker{
		secret:   secret,
		sessions: make(map[*session]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (b *Broker) SetResponder(r Responder) { b.responder = r }

// SetConnectDelay holds the CONNECTED reply back by d, for tests that need a
// window between dial and handshake completion. Set before any client dials.
func (b *Broker) SetConnectDelay(d time.Duration) { b.connectDelay = d }

// Kick severs every connection for userID from the broker side, simulating a
// broker restart or network fault the client did not ask for.
func (b *Broker) Kick(userID int64) {
	b.mu.Lock()
	conns := make([]*websocket.Conn, 0, 1)
	for s := range b.sessions {
		if s.userID == userID {
			conns = append(conns, s.conn)
		}
	}
	b.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

// Attach mounts the websocket endpoint on a gin engine.
func (b *Broker) Attach(r *gin.Engine) {
	r.GET("/ws", b.handleWS)
}

// Sends returns a snapshot of every SEND the broker has accepted.
func (b *Broker) Sends() []SendRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]SendRecord(nil), b.sends...)
}

// ConnectedUsers lists user ids with a completed handshake.
func (b *Broker) ConnectedUsers() []int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]int64, 0, len(b.sessions))
	for s := range b.sessions {
		if s.userID != 0 {
			out = append(out, s.userID)
		}
	}
	return out
}

// SubscribedTo reports whether some session for userID has an active
// subscription on destination. Tests use it to sync with the client's
// post-handshake subscribes.
func (b *Broker) SubscribedTo(userID int64, destination string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.sessions {
		if s.userID != userID {
			continue
		}
		if _, ok := s.subs[destination]; ok {
			return true
		}
	}
	return false
}

// PushMessage delivers a chat message to userID's private queue.
func (b *Broker) PushMessage(userID int64, msg chat.ChatMessage) {
	body, _ := json.Marshal(msg)
	b.deliver(chat.DestUserMessages, body, func(s *session) bool { return s.userID == userID })
}

// PushAlert delivers an overconsumption alert to userID's private queue.
func (b *Broker) PushAlert(userID int64, alert chat.Alert) {
	body, _ := json.Marshal(alert)
	b.deliver(chat.DestUserAlerts, body, func(s *session) bool { return s.userID == userID })
}

// PushRaw delivers an arbitrary body on a destination, for malformed-frame
// tests.
func (b *Broker) PushRaw(userID int64, destination string, body []byte) {
	b.deliver(destination, body, func(s *session) bool { return s.userID == userID })
}

func (b *Broker) handleWS(c *gin.Context) {
	conn, err := b.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Errorf("stomptest upgrade: %v", err)
		return
	}
	sess := &session{conn: conn, subs: make(map[string]string)}
	b.mu.Lock()
	b.sessions[sess] = struct{}{}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.sessions, sess)
		b.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if stomp.IsHeartbeat(raw) {
			continue
		}
		f, err := stomp.Parse(raw)
		if err != nil {
			sess.writeFrame(errorFrame(fmt.Sprintf("malformed frame: %v", err)))
			return
		}
		if done := b.handleFrame(sess, f); done {
			return
		}
	}
}

func (b *Broker) handleFrame(sess *session, f *stomp.Frame) (done bool) {
	switch f.Command {
	case stomp.CommandConnect:
		if b.connectDelay > 0 {
			time.Sleep(b.connectDelay)
		}
		token, ok := security.BearerToken(f.Get(stomp.HeaderAuthorization))
		if !ok {
			sess.writeFrame(errorFrame("missing credential"))
			return true
		}
		claims, err := security.Verify(security.DefaultOptions(b.secret), token)
		if err != nil {
			sess.writeFrame(errorFrame("credential rejected"))
			return true
		}
		b.mu.Lock()
		sess.userID = claims.UserID
		sess.admin = claims.Admin()
		b.mu.Unlock()
		sess.writeFrame(stomp.NewFrame(stomp.CommandConnected).
			Set(stomp.HeaderVersion, "1.2").
			Set(stomp.HeaderHeartBeat, "0,0"))
	case stomp.CommandSubscribe:
		b.mu.Lock()
		sess.subs[f.Get(stomp.HeaderDestination)] = f.Get(stomp.HeaderID)
		b.mu.Unlock()
	case stomp.CommandUnsubscribe:
		id := f.Get(stomp.HeaderID)
		b.mu.Lock()
		for dest, subID := range sess.subs {
			if subID == id {
				delete(sess.subs, dest)
			}
		}
		b.mu.Unlock()
	case stomp.CommandSend:
		b.handleSend(sess, f)
	case stomp.CommandDisconnect:
		return true
	}
	return false
}

func (b *Broker) handleSend(sess *session, f *stomp.Frame) {
	dest := f.Get(stomp.HeaderDestination)
	b.mu.Lock()
	b.sends = append(b.sends, SendRecord{UserID: sess.userID, Destination: dest, Body: f.Body})
	b.mu.Unlock()

	switch dest {
	case chat.DestSendMessage:
		var payload struct {
			Content string `json:"content"`
		}
		if err := json.Unmarshal(f.Body, &payload); err != nil {
			logger.Warnf("stomptest: bad send body: %v", err)
			return
		}
		msg := chat.ChatMessage{
			Content:    payload.Content,
			Sender:     sess.userID,
			SenderName: fmt.Sprintf("user-%d", sess.userID),
			Type:       chat.MessageUser,
			Timestamp:  time.Now().UnixMilli(),
		}
		body, _ := json.Marshal(msg)
		// fan user activity out to the operator topic
		b.deliver(chat.TopicAdminChat, body, func(s *session) bool { return true })
		if b.responder != nil {
			if reply, typ, ok := b.responder(payload.Content); ok {
				resp := chat.ChatMessage{
					Content:    reply,
					SenderName: "Support Bot",
					Type:       typ,
					Timestamp:  time.Now().UnixMilli(),
				}
				respBody, _ := json.Marshal(resp)
				b.deliver(chat.DestUserMessages, respBody,
					func(s *session) bool { return s.userID == sess.userID })
			}
		}
	case chat.DestAdminResponse:
		if !sess.admin {
			logger.Warnf("stomptest: admin response from non-admin user %d dropped", sess.userID)
			return
		}
		var payload struct {
			UserID  int64  `json:"userId"`
			Content string `json:"content"`
		}
		if err := json.Unmarshal(f.Body, &payload); err != nil {
			logger.Warnf("stomptest: bad admin response body: %v", err)
			return
		}
		msg := chat.ChatMessage{
			Content:    payload.Content,
			Sender:     sess.userID,
			SenderName: "Administrator",
			Type:       chat.MessageAdmin,
			Timestamp:  time.Now().UnixMilli(),
		}
		body, _ := json.Marshal(msg)
		b.deliver(chat.DestUserMessages, body,
			func(s *session) bool { return s.userID == payload.UserID })
	}
}

// deliver writes a MESSAGE frame to every matching session subscribed to the
// destination.
func (b *Broker) deliver(destination string, body []byte, match func(*session) bool) {
	type target struct {
		sess  *session
		subID string
	}
	b.mu.Lock()
	targets := make([]target, 0, len(b.sessions))
	for s := range b.sessions {
		if subID, sub := s.subs[destination]; sub && match(s) {
			targets = append(targets, target{sess: s, subID: subID})
		}
	}
	b.mu.Unlock()

	for _, t := range targets {
		f := stomp.NewFrame(stomp.CommandMessage).
			Set(stomp.HeaderDestination, destination).
			Set(stomp.HeaderSubscription, t.subID).
			Set(stomp.HeaderMessageID, uuid.NewString()).
			Set(stomp.HeaderContentType, "application/json")
		f.Body = body
		t.sess.writeFrame(f)
	}
}

func errorFrame(msg string) *stomp.Frame {
	return stomp.NewFrame(stomp.CommandError).Set(stomp.HeaderMessage, msg)
}

func (s *session) writeFrame(f *stomp.Frame) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := s.conn.WriteMessage(websocket.TextMessage, f.Marshal()); err != nil {
		logger.Warnf("stomptest write: %v", err)
	}
}
