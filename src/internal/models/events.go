package models

import "encoding/json"

// Real-time channel event names. Inbound events are parsed by the websocket
// handler; outbound events are pushed through presence endpoints.
const (
	EventRegister            = "register"
	EventToggleStatus        = "toggle-status"
	EventGetAdvisors         = "get-advisors"
	EventRequestSession      = "request-session"
	EventAnswerSession       = "answer-session"
	EventAnswerSessionNative = "answer-session-native"
	EventSessionConnect      = "session-connect"
	EventSignal              = "signal"
	EventChatMessage         = "chat-message"
	EventMessageDelivered    = "message-delivered"
	EventMessageRead         = "message-read"
	EventSessionEnded        = "session-ended"
	EventGetMessages         = "get-messages"
	EventGetHistory          = "get-history"
	EventGetWallet           = "get-wallet"
	EventSavePushToken       = "save-push-token"

	EventIncomingSession = "incoming-session"
	EventSessionAnswered = "session-answered"
	EventBillingStarted  = "billing-started"
	EventWalletUpdate    = "wallet-update"
	EventAdvisorUpdate   = "advisor-update"
)

// Envelope is the frame every websocket message travels in. Ack carries the
// request id the client supplied so it can match replies to requests.
type Envelope struct {
	Event string          `json:"event"`
	Ack   string          `json:"ack,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type RegisterResponse struct {
	Ok            bool    `json:"ok"`
	Error         string  `json:"error,omitempty"`
	UserID        string  `json:"userId,omitempty"`
	Role          string  `json:"role,omitempty"`
	Name          string  `json:"name,omitempty"`
	WalletBalance float64 `json:"walletBalance,omitempty"`
	TotalEarnings float64 `json:"totalEarnings,omitempty"`
}

type ToggleStatusRequest struct {
	Kind   string `json:"type"`
	Online bool   `json:"online"`
}

type RequestSessionData struct {
	ToUserID string          `json:"toUserId"`
	Kind     string          `json:"type"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

type RequestSessionAck struct {
	Ok        bool   `json:"ok"`
	SessionID string `json:"sessionId,omitempty"`
	Error     string `json:"error,omitempty"`
}

type AnswerSessionData struct {
	SessionID string `json:"sessionId"`
	ToUserID  string `json:"toUserId,omitempty"`
	Kind      string `json:"type,omitempty"`
	Accept    bool   `json:"accept"`
}

type SessionConnectData struct {
	SessionID string `json:"sessionId"`
}

type SignalData struct {
	SessionID  string          `json:"sessionId"`
	ToUserID   string          `json:"toUserId,omitempty"`
	FromUserID string          `json:"fromUserId,omitempty"`
	Signal     json.RawMessage `json:"signal"`
}

type ChatMessageData struct {
	MessageID  string `json:"messageId"`
	SessionID  string `json:"sessionId,omitempty"`
	ToUserID   string `json:"toUserId,omitempty"`
	FromUserID string `json:"fromUserId,omitempty"`
	Content    string `json:"content"`
	Timestamp  int64  `json:"timestamp"`
}

type ReceiptData struct {
	MessageID string `json:"messageId"`
	ToUserID  string `json:"toUserId"`
	SessionID string `json:"sessionId,omitempty"`
}

type SessionEndedData struct {
	SessionID string `json:"sessionId"`
	ToUserID  string `json:"toUserId,omitempty"`
}

type GetMessagesData struct {
	SessionID string `json:"sessionId"`
}

type SavePushTokenData struct {
	PushToken string `json:"pushToken"`
}

type IncomingSessionEvent struct {
	SessionID  string          `json:"sessionId"`
	FromUserID string          `json:"fromUserId"`
	Kind       string          `json:"type"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}

type SessionAnsweredEvent struct {
	SessionID  string `json:"sessionId"`
	FromUserID string `json:"fromUserId"`
	Kind       string `json:"type,omitempty"`
	Accept     bool   `json:"accept"`
}

type BillingStartedEvent struct {
	StartTime int64 `json:"startTime"`
}

type WalletUpdateEvent struct {
	Balance       float64  `json:"balance"`
	TotalEarnings *float64 `json:"totalEarnings,omitempty"`
}

// SessionSummary is attached to the terminal session-ended event.
type SessionSummary struct {
	Deducted float64 `json:"deducted"`
	Earned   float64 `json:"earned"`
	Duration int64   `json:"duration"`
}

type SessionEndedEvent struct {
	SessionID string         `json:"sessionId"`
	Reason    string         `json:"reason"`
	Summary   SessionSummary `json:"summary"`
}

// CallInvitePush is what the service publishes to RabbitMQ for the
// notification sender to deliver to a backgrounded device.
type CallInvitePush struct {
	TargetUserID string `json:"target_user_id"`
	PushToken    string `json:"push_token"`
	CallID       string `json:"call_id"`
	CallKind     string `json:"call_kind"`
	CallerID     string `json:"caller_id"`
	CallerName   string `json:"caller_name"`
}
