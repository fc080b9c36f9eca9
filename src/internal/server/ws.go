package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"consulthub-session-svc/src/internal/dependency"
	"consulthub-session-svc/src/internal/models"
	"consulthub-session-svc/src/internal/session"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// wsEndpoint wraps one websocket connection as a presence endpoint. The write
// mutex serializes pushes from the ticker, the relay, and ack replies.
type wsEndpoint struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (e *wsEndpoint) Send(event string, payload any) error {
	return e.write(event, "", payload)
}

func (e *wsEndpoint) reply(event, ack string, payload any) error {
	return e.write(event, ack, payload)
}

func (e *wsEndpoint) write(event, ack string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn.WriteJSON(&models.Envelope{Event: event, Ack: ack, Data: data})
}

type WsHandler struct {
	deps     *dependency.Manager
	upgrader websocket.Upgrader
}

func NewWsHandler(deps *dependency.Manager) *WsHandler {
	return &WsHandler{
		deps: deps,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (h *WsHandler) Upgrade(c *gin.Context) {
	userID := c.GetString("user_id")

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logrus.WithError(err).Error("Websocket upgrade failed")
		return
	}

	ep := &wsEndpoint{conn: conn}
	h.readLoop(userID, conn, ep)
}

func (h *WsHandler) readLoop(userID string, conn *websocket.Conn, ep *wsEndpoint) {
	registered := false

	defer func() {
		conn.Close()
		if registered {
			h.deps.Presence.Disconnect(context.Background(), userID, ep)
		}
	}()

	for {
		var env models.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logrus.WithError(err).WithField("user_id", userID).Debug("Websocket read error")
			}
			return
		}

		ctx := context.Background()

		if env.Event == models.EventRegister {
			registered = true
			h.handleRegister(ctx, userID, ep, &env)
			continue
		}

		if !registered {
			logrus.WithFields(logrus.Fields{
				"user_id": userID,
				"event":   env.Event,
			}).Debug("Event before register ignored")
			continue
		}

		h.dispatch(ctx, userID, ep, &env)
	}
}

func (h *WsHandler) dispatch(ctx context.Context, userID string, ep *wsEndpoint, env *models.Envelope) {
	switch env.Event {
	case models.EventToggleStatus:
		h.handleToggleStatus(ctx, userID, env)
	case models.EventGetAdvisors:
		h.handleGetAdvisors(ctx, ep, env)
	case models.EventRequestSession:
		h.handleRequestSession(ctx, userID, ep, env)
	case models.EventAnswerSession:
		h.handleAnswerSession(ctx, userID, env)
	case models.EventAnswerSessionNative:
		h.handleAnswerSessionNative(ctx, userID, ep, env)
	case models.EventSessionConnect:
		h.handleSessionConnect(ctx, userID, env)
	case models.EventSignal:
		h.handleSignal(userID, env)
	case models.EventChatMessage:
		h.handleChatMessage(ctx, userID, env)
	case models.EventMessageDelivered, models.EventMessageRead:
		h.handleReceipt(userID, env)
	case models.EventSessionEnded:
		h.handleSessionEnded(ctx, userID, env)
	case models.EventGetMessages:
		h.handleGetMessages(ctx, ep, env)
	case models.EventGetHistory:
		h.handleGetHistory(ctx, userID, ep, env)
	case models.EventGetWallet:
		h.handleGetWallet(ctx, userID, ep)
	case models.EventSavePushToken:
		h.handleSavePushToken(ctx, userID, env)
	default:
		logrus.WithField("event", env.Event).Debug("Unknown event ignored")
	}
}

func (h *WsHandler) handleRegister(ctx context.Context, userID string, ep *wsEndpoint, env *models.Envelope) {
	u, err := h.deps.UserService.GetByID(ctx, userID)
	if err != nil {
		_ = ep.reply(models.EventRegister, env.Ack, &models.RegisterResponse{Ok: false, Error: "User not found"})
		return
	}

	h.deps.Presence.Connect(ctx, userID, ep)
	if err := h.deps.UserService.UpdateLastSeen(ctx, userID); err != nil {
		logrus.WithError(err).WithField("user_id", userID).Debug("Last-seen update failed")
	}

	_ = ep.reply(models.EventRegister, env.Ack, &models.RegisterResponse{
		Ok:            true,
		UserID:        u.UserID,
		Role:          u.Role,
		Name:          u.Name,
		WalletBalance: u.WalletBalance,
		TotalEarnings: u.TotalEarnings,
	})

	logrus.WithFields(logrus.Fields{
		"user_id": userID,
		"role":    u.Role,
	}).Info("User registered")

	// Anything that queued up while the user was away.
	h.deps.Relay.FlushPending(ctx, userID)

	if u.IsAdvisor() {
		h.deps.BroadcastAdvisors(ctx)
	}
}

func (h *WsHandler) handleToggleStatus(ctx context.Context, userID string, env *models.Envelope) {
	var data models.ToggleStatusRequest
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return
	}

	if _, err := h.deps.UserService.ToggleAvailability(ctx, userID, data.Kind, data.Online); err != nil {
		logrus.WithError(err).WithField("user_id", userID).Error("Toggle status failed")
		return
	}

	h.deps.BroadcastAdvisors(ctx)
}

func (h *WsHandler) handleGetAdvisors(ctx context.Context, ep *wsEndpoint, env *models.Envelope) {
	advisors, err := h.deps.CacheService.GetAdvisorDirectory(ctx)
	if err != nil || advisors == nil {
		advisors, err = h.deps.UserService.ListAdvisors(ctx)
		if err != nil {
			_ = ep.reply(models.EventGetAdvisors, env.Ack, gin.H{"advisors": []any{}})
			return
		}
		if err := h.deps.CacheService.SaveAdvisorDirectory(ctx, advisors); err != nil {
			logrus.WithError(err).Debug("Advisor cache refresh failed")
		}
	}

	_ = ep.reply(models.EventGetAdvisors, env.Ack, gin.H{"advisors": advisors})
}

func (h *WsHandler) handleRequestSession(ctx context.Context, userID string, ep *wsEndpoint, env *models.Envelope) {
	var data models.RequestSessionData
	if err := json.Unmarshal(env.Data, &data); err != nil || data.ToUserID == "" || data.Kind == "" {
		_ = ep.reply(models.EventRequestSession, env.Ack, &models.RequestSessionAck{Ok: false, Error: "Missing fields"})
		return
	}

	sessionID, err := h.deps.SessionManager.CreateSession(ctx, userID, data.ToUserID, data.Kind, data.Metadata)
	if err != nil {
		_ = ep.reply(models.EventRequestSession, env.Ack, &models.RequestSessionAck{Ok: false, Error: err.Error()})
		return
	}

	_ = ep.reply(models.EventRequestSession, env.Ack, &models.RequestSessionAck{Ok: true, SessionID: sessionID})
}

func (h *WsHandler) handleAnswerSession(ctx context.Context, userID string, env *models.Envelope) {
	var data models.AnswerSessionData
	if err := json.Unmarshal(env.Data, &data); err != nil || data.SessionID == "" {
		return
	}

	if _, err := h.deps.SessionManager.AcceptSession(ctx, data.SessionID, userID, data.Kind, data.Accept); err != nil {
		logrus.WithError(err).WithField("session_id", data.SessionID).Debug("Answer ignored")
	}
}

func (h *WsHandler) handleAnswerSessionNative(ctx context.Context, userID string, ep *wsEndpoint, env *models.Envelope) {
	var data models.AnswerSessionData
	if err := json.Unmarshal(env.Data, &data); err != nil || data.SessionID == "" {
		_ = ep.reply(models.EventAnswerSessionNative, env.Ack, gin.H{"ok": false, "error": "Invalid data"})
		return
	}

	other, err := h.deps.SessionManager.AcceptSession(ctx, data.SessionID, userID, data.Kind, data.Accept)
	if err != nil {
		_ = ep.reply(models.EventAnswerSessionNative, env.Ack, gin.H{"ok": false, "error": err.Error()})
		return
	}

	_ = ep.reply(models.EventAnswerSessionNative, env.Ack, gin.H{"ok": true, "fromUserId": other})
}

func (h *WsHandler) handleSessionConnect(ctx context.Context, userID string, env *models.Envelope) {
	var data models.SessionConnectData
	if err := json.Unmarshal(env.Data, &data); err != nil || data.SessionID == "" {
		return
	}

	if err := h.deps.SessionManager.MarkConnected(ctx, data.SessionID, userID); err != nil {
		logrus.WithError(err).WithField("session_id", data.SessionID).Debug("Session connect ignored")
	}
}

func (h *WsHandler) handleSignal(userID string, env *models.Envelope) {
	var data models.SignalData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return
	}
	h.deps.Relay.Signal(userID, &data)
}

func (h *WsHandler) handleChatMessage(ctx context.Context, userID string, env *models.Envelope) {
	var data models.ChatMessageData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return
	}
	if err := h.deps.Relay.Chat(ctx, userID, &data); err != nil {
		logrus.WithError(err).WithField("message_id", data.MessageID).Error("Chat relay failed")
	}
}

func (h *WsHandler) handleReceipt(userID string, env *models.Envelope) {
	var data models.ReceiptData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return
	}
	h.deps.Relay.Receipt(userID, env.Event, &data)
}

func (h *WsHandler) handleSessionEnded(ctx context.Context, userID string, env *models.Envelope) {
	var data models.SessionEndedData
	if err := json.Unmarshal(env.Data, &data); err != nil || data.SessionID == "" {
		return
	}

	if err := h.deps.SessionManager.EndSessionFor(ctx, data.SessionID, userID, session.ReasonManual); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"session_id": data.SessionID,
			"user_id":    userID,
		}).Debug("Manual session end rejected")
	}
}

func (h *WsHandler) handleGetMessages(ctx context.Context, ep *wsEndpoint, env *models.Envelope) {
	var data models.GetMessagesData
	if err := json.Unmarshal(env.Data, &data); err != nil || data.SessionID == "" {
		_ = ep.reply(models.EventGetMessages, env.Ack, gin.H{"ok": false})
		return
	}

	msgs, err := h.deps.Relay.History(ctx, data.SessionID)
	if err != nil {
		_ = ep.reply(models.EventGetMessages, env.Ack, gin.H{"ok": false})
		return
	}
	_ = ep.reply(models.EventGetMessages, env.Ack, gin.H{"ok": true, "messages": msgs})
}

func (h *WsHandler) handleGetHistory(ctx context.Context, userID string, ep *wsEndpoint, env *models.Envelope) {
	records, err := h.deps.SessionManager.History(ctx, userID, 50)
	if err != nil {
		_ = ep.reply(models.EventGetHistory, env.Ack, gin.H{"ok": false})
		return
	}
	_ = ep.reply(models.EventGetHistory, env.Ack, gin.H{"ok": true, "sessions": records})
}

func (h *WsHandler) handleGetWallet(ctx context.Context, userID string, ep *wsEndpoint) {
	u, err := h.deps.UserService.GetByID(ctx, userID)
	if err != nil {
		return
	}

	update := &models.WalletUpdateEvent{Balance: u.WalletBalance}
	if u.IsAdvisor() {
		earnings := u.TotalEarnings
		update.TotalEarnings = &earnings
	}
	_ = ep.Send(models.EventWalletUpdate, update)
}

func (h *WsHandler) handleSavePushToken(ctx context.Context, userID string, env *models.Envelope) {
	var data models.SavePushTokenData
	if err := json.Unmarshal(env.Data, &data); err != nil || data.PushToken == "" {
		return
	}

	if err := h.deps.UserService.SavePushToken(ctx, userID, data.PushToken); err != nil {
		logrus.WithError(err).WithField("user_id", userID).Error("Failed to save push token")
	}
}
