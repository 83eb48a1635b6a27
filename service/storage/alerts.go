package storage

import (
	"sync"

	"supportchat/service/chat"
)

// AlertCenter collects overconsumption alerts for the notification bell.
// Read state is toggled by the consumer and never round-trips to the broker.
type AlertCenter struct {
	mu     sync.Mutex
	alerts []chat.Alert
}

func NewAlertCenter() *AlertCenter {
	return &AlertCenter{}
}

func (c *AlertCenter) Add(a chat.Alert) {
	c.mu.Lock()
	c.alerts = append(c.alerts, a)
	c.mu.Unlock()
}

// Alerts returns a copy in arrival order.
func (c *AlertCenter) Alerts() []chat.Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]chat.Alert(nil), c.alerts...)
}

func (c *AlertCenter) UnreadCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, a := range c.alerts {
		if !a.Read {
			n++
		}
	}
	return n
}

// MarkRead flags the alert at index i. Out-of-range indexes are ignored.
func (c *AlertCenter) MarkRead(i int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i >= 0 && i < len(c.alerts) {
		c.alerts[i].Read = true
	}
}

func (c *AlertCenter) MarkAllRead() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.alerts {
		c.alerts[i].Read = true
	}
}

func (c *AlertCenter) ClearAll() {
	c.mu.Lock()
	c.alerts = nil
	c.mu.Unlock()
}

// Bind wires the center to the alerts category and returns the detach
// function.
func (c *AlertCenter) Bind(m *chat.Manager) func() {
	sub := m.Subscribe(chat.EventAlerts, func(payload interface{}) {
		alert, ok := payload.(*chat.Alert)
		if !ok || alert == nil {
			return
		}
		c.Add(*alert)
	})
	return func() { m.Unsubscribe(sub) }
}
