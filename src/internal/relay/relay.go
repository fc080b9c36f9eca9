package relay

import (
	"context"
	"encoding/json"

	"consulthub-session-svc/src/internal/models"

	"github.com/sirupsen/logrus"
)

// Presence is the slice of the presence tracker the relay needs.
type Presence interface {
	Send(userID, event string, payload any)
	IsConnected(userID string) bool
}

// PendingQueue stores chat messages for recipients with no live endpoint.
type PendingQueue interface {
	QueuePendingChat(ctx context.Context, userID string, msg *models.ChatMessageData) error
	DrainPendingChat(ctx context.Context, userID string) ([]*models.ChatMessageData, error)
}

// Relay shuttles opaque payloads between the two session participants. It
// never interprets signaling contents beyond a coarse type tag used for logs.
type Relay struct {
	presence Presence
	pending  PendingQueue
	messages ChatRepository
}

func New(presence Presence, pending PendingQueue, messages ChatRepository) *Relay {
	return &Relay{
		presence: presence,
		pending:  pending,
		messages: messages,
	}
}

// Signal forwards a call-setup/teardown payload verbatim, tagged with the
// sender and session id. No endpoint means the message is silently dropped;
// callers detect setup failures by their own timeouts.
func (r *Relay) Signal(fromUserID string, data *models.SignalData) {
	if data.SessionID == "" || data.ToUserID == "" || len(data.Signal) == 0 {
		return
	}

	out := &models.SignalData{
		SessionID:  data.SessionID,
		FromUserID: fromUserID,
		Signal:     data.Signal,
	}
	r.presence.Send(data.ToUserID, models.EventSignal, out)

	logrus.WithFields(logrus.Fields{
		"session_id": data.SessionID,
		"from":       fromUserID,
		"to":         data.ToUserID,
		"tag":        signalTag(data.Signal),
	}).Debug("Signal relayed")
}

// signalTag pulls an optional type field out of the payload for diagnostics.
func signalTag(payload json.RawMessage) string {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return ""
	}
	return probe.Type
}

// Chat persists the message and delivers it live, or queues it for the
// recipient's next registration when they have no endpoint.
func (r *Relay) Chat(ctx context.Context, fromUserID string, data *models.ChatMessageData) error {
	if data.ToUserID == "" || data.MessageID == "" || data.Content == "" {
		return nil
	}

	data.FromUserID = fromUserID
	if err := r.messages.Save(ctx, data); err != nil {
		logrus.WithError(err).WithField("message_id", data.MessageID).Error("Failed to persist chat message")
	}

	if r.presence.IsConnected(data.ToUserID) {
		r.presence.Send(data.ToUserID, models.EventChatMessage, data)
		return nil
	}

	return r.pending.QueuePendingChat(ctx, data.ToUserID, data)
}

// Receipt forwards a delivered/read acknowledgment to the original sender.
func (r *Relay) Receipt(fromUserID, event string, data *models.ReceiptData) {
	if data.ToUserID == "" || data.MessageID == "" {
		return
	}
	r.presence.Send(data.ToUserID, event, &models.ReceiptData{
		MessageID: data.MessageID,
		ToUserID:  fromUserID,
		SessionID: data.SessionID,
	})
}

// History returns the persisted chat messages of one session.
func (r *Relay) History(ctx context.Context, sessionID string) ([]*models.ChatMessageData, error) {
	return r.messages.ListBySession(ctx, sessionID)
}

// FlushPending delivers every chat message queued while the user was offline.
func (r *Relay) FlushPending(ctx context.Context, userID string) {
	msgs, err := r.pending.DrainPendingChat(ctx, userID)
	if err != nil {
		logrus.WithError(err).WithField("user_id", userID).Error("Failed to drain pending chat")
		return
	}

	for _, msg := range msgs {
		r.presence.Send(userID, models.EventChatMessage, msg)
	}

	if len(msgs) > 0 {
		logrus.WithFields(logrus.Fields{
			"user_id": userID,
			"count":   len(msgs),
		}).Info("Pending chat flushed")
	}
}
