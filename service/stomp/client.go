package stomp

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"supportchat/logger"
	"supportchat/tools/errs"
)

// Client layers the publish/subscribe frame protocol on one transport. It is
// single-use: Activate starts the connect/reconnect loop, Deactivate ends it
// for good. The owner constructs a fresh Client per logical session.

type Config struct {
	URL               string
	Token             string        // bearer credential sent in the CONNECT frame
	Host              string        // optional host header value
	HeartbeatInterval time.Duration // outgoing beat cadence (default 25s)
	HeartbeatTimeout  time.Duration // silence beyond this counts as disconnect (default 75s)
	ReconnectDelay    time.Duration // fixed delay between reconnect attempts (default 5s)
	DialTimeout       time.Duration
	WriteWait         time.Duration
	SendQueueSize     int
}

func (c *Config) norm() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 75 * time.Second
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 256
	}
}

// Handlers are the asynchronous completions of the transport boundary. All
// of them are invoked from the client's run goroutine, never concurrently
// with each other.
type Handlers struct {
	OnConnect    func()
	OnDisconnect func()
	OnError      func(f *Frame)
	OnMessage    func(destination string, body []byte)
}

type Client struct {
	conf Config
	h    Handlers

	mu        sync.Mutex
	tr        *transport
	subs      map[string]string // destination -> subscription id
	connected bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewClient(conf Config, h Handlers) *Client {
	conf.norm()
	return &Client{
		conf:   conf,
		h:      h,
		subs:   make(map[string]string),
		stopCh: make(chan struct{}),
	}
}

// Activate starts the connect loop. Dial or handshake failure does not
// surface to the caller; the loop retries at a fixed delay until Deactivate.
func (c *Client) Activate() {
	c.wg.Add(1)
	go c.run()
}

// Deactivate tears the session down and blocks until the run loop has
// exited, which guarantees the OnDisconnect for a live session has been
// delivered by the time it returns. Safe to call at any point, including
// mid-handshake, and idempotent.
func (c *Client) Deactivate() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		if c.tr != nil && c.connected {
			_ = c.tr.enqueue(NewFrame(CommandDisconnect).Marshal())
		}
		tr := c.tr
		c.mu.Unlock()
		close(c.stopCh)
		if tr != nil {
			tr.close()
		}
	})
	c.wg.Wait()
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Subscribe registers interest in a broker destination. The subscription is
// remembered and replayed after every reconnect.
func (c *Client) Subscribe(destination string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[destination]; ok {
		return
	}
	id := "sub-" + uuid.NewString()[:8]
	c.subs[destination] = id
	if c.connected && c.tr != nil {
		_ = c.tr.enqueue(subscribeFrame(id, destination).Marshal())
	}
}

func (c *Client) Unsubscribe(destination string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.subs[destination]
	if !ok {
		return
	}
	delete(c.subs, destination)
	if c.connected && c.tr != nil {
		_ = c.tr.enqueue(NewFrame(CommandUnsubscribe).Set(HeaderID, id).Marshal())
	}
}

// Send publishes body to a destination. Fire-and-forget: a misuse fault is
// returned when there is no live session, delivery is otherwise not
// acknowledged.
func (c *Client) Send(destination string, body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected || c.tr == nil {
		return errs.Misusef("send to %s while disconnected", destination)
	}
	f := NewFrame(CommandSend).
		Set(HeaderDestination, destination).
		Set(HeaderContentType, "application/json")
	f.Body = body
	return c.tr.enqueue(f.Marshal())
}

func subscribeFrame(id, destination string) *Frame {
	return NewFrame(CommandSubscribe).
		Set(HeaderID, id).
		Set(HeaderDestination, destination)
}

func (c *Client) run() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		tr, err := dialTransport(transportConf{
			URL:         c.conf.URL,
			Header:      c.connectHeader(),
			DialTimeout: c.conf.DialTimeout,
			WriteWait:   c.conf.WriteWait,
			QueueSize:   c.conf.SendQueueSize,
		})
		if err != nil {
			logger.Warnf("stomp: %v, retry in %v", err, c.conf.ReconnectDelay)
			if !c.sleep() {
				return
			}
			continue
		}

		// publish the transport before the handshake so a concurrent
		// Deactivate can sever a session that is still mid-handshake
		c.mu.Lock()
		c.tr = tr
		c.mu.Unlock()
		select {
		case <-c.stopCh:
			tr.close()
			c.mu.Lock()
			c.tr = nil
			c.mu.Unlock()
			return
		default:
		}

		err = c.session(tr)
		tr.close()

		c.mu.Lock()
		wasConnected := c.connected
		c.connected = false
		c.tr = nil
		c.mu.Unlock()
		if wasConnected && c.h.OnDisconnect != nil {
			c.h.OnDisconnect()
		}

		select {
		case <-c.stopCh:
			return
		default:
		}
		if err != nil {
			logger.Warnf("stomp session ended: %v, retry in %v", err, c.conf.ReconnectDelay)
		}
		if !c.sleep() {
			return
		}
	}
}

func (c *Client) connectHeader() http.Header {
	h := http.Header{}
	h.Set(HeaderAuthorization, "Bearer "+c.conf.Token)
	return h
}

// session performs the CONNECT handshake and then pumps inbound frames until
// the transport fails or the client is deactivated.
func (c *Client) session(tr *transport) error {
	beat := fmt.Sprintf("%d,%d",
		c.conf.HeartbeatInterval.Milliseconds(),
		c.conf.HeartbeatTimeout.Milliseconds())
	connect := NewFrame(CommandConnect).
		Set(HeaderAcceptVersion, "1.2").
		Set(HeaderHeartBeat, beat).
		Set(HeaderAuthorization, "Bearer "+c.conf.Token)
	if c.conf.Host != "" {
		connect.Set(HeaderHost, c.conf.Host)
	}
	if err := tr.enqueue(connect.Marshal()); err != nil {
		return err
	}

	raw, err := tr.read(c.conf.DialTimeout)
	if err != nil {
		return err
	}
	reply, err := Parse(raw)
	if err != nil {
		return err
	}
	switch reply.Command {
	case CommandConnected:
		// fall through
	case CommandError:
		if c.h.OnError != nil {
			c.h.OnError(reply)
		}
		return errs.Protocolf("handshake rejected: %s", reply.Get(HeaderMessage))
	default:
		return errs.Protocolf("unexpected handshake reply %s", reply.Command)
	}

	// a Deactivate that raced the handshake wins: the session ends here
	// without ever reporting connected
	select {
	case <-c.stopCh:
		return nil
	default:
	}

	sendBeat, expectBeat := negotiateHeartbeat(
		c.conf.HeartbeatInterval, c.conf.HeartbeatTimeout, reply.Get(HeaderHeartBeat))

	c.mu.Lock()
	c.connected = true
	for dest, id := range c.subs {
		_ = tr.enqueue(subscribeFrame(id, dest).Marshal())
	}
	c.mu.Unlock()

	if c.h.OnConnect != nil {
		c.h.OnConnect()
	}

	if sendBeat > 0 {
		stopBeats := make(chan struct{})
		defer close(stopBeats)
		go c.heartbeats(tr, sendBeat, stopBeats)
	}

	for {
		raw, err := tr.read(expectBeat)
		if err != nil {
			if tr.closed() {
				return nil // deliberate teardown
			}
			return err
		}
		if IsHeartbeat(raw) {
			continue
		}
		f, err := Parse(raw)
		if err != nil {
			// malformed frame: drop it, keep the session
			logger.Warnf("stomp: dropping frame: %v", err)
			continue
		}
		switch f.Command {
		case CommandMessage:
			if c.h.OnMessage != nil {
				c.h.OnMessage(f.Get(HeaderDestination), f.Body)
			}
		case CommandError:
			if c.h.OnError != nil {
				c.h.OnError(f)
			}
			// the broker closes the connection after an ERROR frame
			return errs.Protocolf("broker error: %s", f.Get(HeaderMessage))
		case CommandReceipt:
			// receipts are not requested; tolerate them
		default:
			logger.Warnf("stomp: unexpected %s frame", f.Command)
		}
	}
}

func (c *Client) heartbeats(tr *transport, interval time.Duration, stop chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			_ = tr.enqueue(Heartbeat)
		}
	}
}

// negotiateHeartbeat resolves the server's heart-beat reply ("sx,sy" in
// millis) against our proposal. send is the outgoing beat cadence, expect
// bounds the wait for inbound traffic; zero disables that direction, per the
// protocol's rule that either side advertising 0 opts out.
func negotiateHeartbeat(interval, timeout time.Duration, header string) (send, expect time.Duration) {
	sx, sy := parseHeartbeatHeader(header)
	if interval > 0 && sy > 0 {
		send = max(interval, sy)
	}
	if timeout > 0 && sx > 0 {
		expect = max(timeout, sx)
	}
	return send, expect
}

func parseHeartbeatHeader(v string) (sx, sy time.Duration) {
	a, b, ok := strings.Cut(v, ",")
	if !ok {
		return 0, 0
	}
	x, err1 := strconv.Atoi(strings.TrimSpace(a))
	y, err2 := strconv.Atoi(strings.TrimSpace(b))
	if err1 != nil || err2 != nil || x < 0 || y < 0 {
		return 0, 0
	}
	return time.Duration(x) * time.Millisecond, time.Duration(y) * time.Millisecond
}

// sleep waits out the reconnect delay, returning false if deactivated.
func (c *Client) sleep() bool {
	select {
	case <-c.stopCh:
		return false
	case <-time.After(c.conf.ReconnectDelay):
		return true
	}
}
