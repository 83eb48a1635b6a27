package chat

// Domain types shared by the realtime client and the session stores. Wire
// bodies are UTF-8 JSON matching these shapes.

type MessageType string

const (
	MessageUser   MessageType = "USER_MESSAGE"
	MessageAdmin  MessageType = "ADMIN_MESSAGE"
	MessageSystem MessageType = "SYSTEM_MESSAGE"
	MessageRule   MessageType = "RULE_RESPONSE"
	MessageAI     MessageType = "AI_RESPONSE"
)

// ChatMessage is immutable once created; logs only append or clear.
type ChatMessage struct {
	Content    string      `json:"content"`
	Sender     int64       `json:"sender"`
	SenderName string      `json:"senderName"`
	Type       MessageType `json:"type"`
	Timestamp  int64       `json:"timestamp"` // epoch millis
}

// Alert is an overconsumption notice. Read is client-side state only; the
// broker never sees it.
type Alert struct {
	Message            string  `json:"message"`
	DeviceID           int64   `json:"deviceId"`
	UserID             int64   `json:"userId,omitempty"`
	CurrentConsumption float64 `json:"currentConsumption,omitempty"`
	MaxConsumption     float64 `json:"maxConsumption,omitempty"`
	ExceededBy         float64 `json:"exceededBy"`
	Timestamp          int64   `json:"timestamp"`
	Read               bool    `json:"read"`
}

// Identity is the authenticated principal bound to one active connection.
type Identity struct {
	UserID int64
	Token  string
	Admin  bool
}

// Broker destinations. Private queues are resolved per-user by the broker;
// the admin topic carries all user-originated chat activity.
const (
	DestUserMessages  = "/user/queue/messages"
	DestUserAlerts    = "/user/queue/alerts"
	TopicAdminChat    = "/topic/admin-chat"
	DestSendMessage   = "/app/chat.sendMessage"
	DestAdminResponse = "/app/chat.adminResponse"
)

// Event is an in-client fan-out category, independent of wire destinations.
type Event string

const (
	EventMessages       Event = "messages"
	EventAlerts         Event = "alerts"
	EventAdminBroadcast Event = "admin-broadcast"
	EventConnect        Event = "connect"
	EventDisconnect     Event = "disconnect"
	EventError          Event = "error"
)
