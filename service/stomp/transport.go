package stomp

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"supportchat/logger"
	"supportchat/tools/errs"
)

// transport owns one raw websocket: dialing, the single writer goroutine
// draining the send queue, and close. Framing and protocol state live in
// Client.

type transportConf struct {
	URL         string
	Header      http.Header
	DialTimeout time.Duration
	WriteWait   time.Duration
	QueueSize   int
}

type transport struct {
	conn      *websocket.Conn
	sendCh    chan []byte
	done      chan struct{}
	closeOnce sync.Once
	writeWait time.Duration
}

func dialTransport(conf transportConf) (*transport, error) {
	dialer := &websocket.Dialer{HandshakeTimeout: conf.DialTimeout}
	conn, _, err := dialer.Dial(conf.URL, conf.Header)
	if err != nil {
		return nil, errs.Transport(err, "dial "+conf.URL)
	}
	conn.SetReadLimit(1 << 20) // 1MB

	t := &transport{
		conn:      conn,
		sendCh:    make(chan []byte, conf.QueueSize),
		done:      make(chan struct{}),
		writeWait: conf.WriteWait,
	}
	go t.writePump()
	return t, nil
}

// writePump is the only goroutine allowed to write to the socket.
func (t *transport) writePump() {
	for {
		select {
		case <-t.done:
			return
		case raw, ok := <-t.sendCh:
			if !ok {
				return
			}
			_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeWait))
			if err := t.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				logger.Warnf("transport write: %v", err)
				t.close()
				return
			}
		}
	}
}

// enqueue hands raw to the writer. It never blocks; a full queue drops the
// frame with a warning, which for this client only ever costs a heart-beat
// or an optimistically-sent frame.
func (t *transport) enqueue(raw []byte) error {
	select {
	case <-t.done:
		return errs.Transportf("transport closed")
	case t.sendCh <- raw:
		return nil
	default:
		logger.Warnf("transport send queue full, dropping %d bytes", len(raw))
		return errs.Transportf("send queue full")
	}
}

// read blocks for the next websocket message. A positive deadline bounds the
// wait so a silent peer is detected as gone; zero waits indefinitely, for
// sessions where inbound heart-beats were negotiated away.
func (t *transport) read(deadline time.Duration) ([]byte, error) {
	var at time.Time
	if deadline > 0 {
		at = time.Now().Add(deadline)
	}
	_ = t.conn.SetReadDeadline(at)
	_, raw, err := t.conn.ReadMessage()
	if err != nil {
		return nil, errs.Transport(err, "read")
	}
	return raw, nil
}

func (t *transport) close() {
	t.closeOnce.Do(func() {
		close(t.done)
		_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeWait))
		_ = t.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = t.conn.Close()
	})
}

func (t *transport) closed() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}
