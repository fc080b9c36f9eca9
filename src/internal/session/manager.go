package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"consulthub-session-svc/src/internal/billing"
	"consulthub-session-svc/src/internal/config"
	"consulthub-session-svc/src/internal/models"
	"consulthub-session-svc/src/internal/user"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Notifier delivers events to a user's live endpoint, dropping silently when
// the user is offline.
type Notifier interface {
	Send(userID, event string, payload any)
}

// PresenceChecker reports whether a user currently holds a live endpoint.
type PresenceChecker interface {
	IsConnected(userID string) bool
}

// PushSender dispatches a call invite to a device with no live endpoint.
// Best effort; the manager logs failures and moves on.
type PushSender interface {
	PublishCallInvite(invite *models.CallInvitePush) error
}

// Manager orchestrates the session lifecycle: creation, the two accept paths,
// connection confirmation, and the single idempotent finalizer every
// termination trigger funnels into.
type Manager struct {
	registry *Registry
	sessions Repository
	users    user.Service
	pairs    billing.PairRepository
	charger  billing.ChargeProcessor
	presence PresenceChecker
	notifier Notifier
	push     PushSender
	cfg      *config.Configuration
}

func NewManager(registry *Registry,
	sessions Repository,
	users user.Service,
	pairs billing.PairRepository,
	charger billing.ChargeProcessor,
	presence PresenceChecker,
	notifier Notifier,
	push PushSender,
	cfg *config.Configuration) *Manager {
	return &Manager{
		registry: registry,
		sessions: sessions,
		users:    users,
		pairs:    pairs,
		charger:  charger,
		presence: presence,
		notifier: notifier,
		push:     push,
		cfg:      cfg,
	}
}

// CreateSession validates the advisor's availability, creates the durable
// record and the live registry entry, and notifies the callee over their
// endpoint or, failing that, via push.
func (m *Manager) CreateSession(ctx context.Context, fromUserID, toUserID, kind string, metadata json.RawMessage) (string, error) {
	target, err := m.users.GetByID(ctx, toUserID)
	if err != nil {
		return "", err
	}
	caller, err := m.users.GetByID(ctx, fromUserID)
	if err != nil {
		return "", err
	}

	grace := time.Duration(m.cfg.Presence.GracePeriodMinutes) * time.Minute
	recentlyActive := !target.LastSeen.IsZero() && time.Since(target.LastSeen) < grace
	if !target.IsAvailable && !(target.IsOnline && recentlyActive) {
		return "", models.ErrAdvisorUnavailable
	}

	clientID, advisorID := fromUserID, toUserID
	if caller.IsAdvisor() {
		clientID, advisorID = toUserID, fromUserID
	}

	sessionID := uuid.NewString()
	now := time.Now()

	// Reserve before the durable round trip: the busy check and the registry
	// insert happen under one lock, so a second request for the same advisor
	// arriving while Create is in flight is rejected, not double-admitted.
	if err := m.registry.Reserve(&ActiveSession{
		SessionID: sessionID,
		Kind:      kind,
		ClientID:  clientID,
		AdvisorID: advisorID,
		StartedAt: now,
	}); err != nil {
		return "", err
	}

	rec := &Record{
		SessionID:  sessionID,
		ClientID:   clientID,
		AdvisorID:  advisorID,
		FromUserID: fromUserID,
		ToUserID:   toUserID,
		Kind:       kind,
		Status:     StatusActive,
		StartTime:  now,
	}
	if err := m.sessions.Create(ctx, rec); err != nil {
		m.registry.Remove(sessionID)
		return "", err
	}

	if m.presence.IsConnected(toUserID) {
		m.notifier.Send(toUserID, models.EventIncomingSession, &models.IncomingSessionEvent{
			SessionID:  sessionID,
			FromUserID: fromUserID,
			Kind:       kind,
			Metadata:   metadata,
		})
	} else if target.PushToken != "" {
		invite := &models.CallInvitePush{
			TargetUserID: toUserID,
			PushToken:    target.PushToken,
			CallID:       sessionID,
			CallKind:     kind,
			CallerID:     fromUserID,
			CallerName:   caller.Name,
		}
		if err := m.push.PublishCallInvite(invite); err != nil {
			logrus.WithError(err).WithField("session_id", sessionID).Error("Call invite push failed")
		}
	}

	logrus.WithFields(logrus.Fields{
		"session_id": sessionID,
		"kind":       kind,
		"client_id":  clientID,
		"advisor_id": advisorID,
	}).Info("Session requested")

	return sessionID, nil
}

// AcceptSession is the single convergence point for both answer paths: the
// in-app accept from a connected client and the native accept from a
// push-woken device that has no socket context. It resolves the counterpart
// from the registry or, if the session is already gone from memory, from the
// durable record, and returns the counterpart's user id.
func (m *Manager) AcceptSession(ctx context.Context, sessionID, accepterID, kind string, accept bool) (string, error) {
	var other, sessionKind string

	if s, ok := m.registry.Get(sessionID); ok {
		other = s.OtherParticipant(accepterID)
		sessionKind = s.Kind
	} else {
		rec, err := m.sessions.GetByID(ctx, sessionID)
		if err != nil {
			return "", err
		}
		if rec.FromUserID != accepterID && rec.ToUserID != accepterID {
			return "", models.ErrNotParticipant
		}
		if rec.FromUserID == accepterID {
			other = rec.ToUserID
		} else {
			other = rec.FromUserID
		}
		sessionKind = rec.Kind
	}

	if other == "" {
		return "", models.ErrNotParticipant
	}
	if kind == "" {
		kind = sessionKind
	}

	if !accept {
		if err := m.EndSession(ctx, sessionID, ReasonRejected); err != nil {
			logrus.WithError(err).WithField("session_id", sessionID).Error("Reject cleanup failed")
		}
	}

	m.notifier.Send(other, models.EventSessionAnswered, &models.SessionAnsweredEvent{
		SessionID:  sessionID,
		FromUserID: accepterID,
		Kind:       kind,
		Accept:     accept,
	})

	logrus.WithFields(logrus.Fields{
		"session_id": sessionID,
		"from":       accepterID,
		"to":         other,
		"accept":     accept,
	}).Info("Session answered")

	return other, nil
}

// MarkConnected records one participant's connected-at timestamp. When both
// sides are in, the billing anchor is fixed at max(connected-at) plus the
// configured buffer, the pair slab state is loaded, and both parties get a
// billing-started notification. Repeated calls are no-ops.
func (m *Manager) MarkConnected(ctx context.Context, sessionID, userID string) error {
	s, ok := m.registry.Get(sessionID)
	if !ok {
		return models.ErrSessionNotFound
	}

	now := time.Now()

	s.Lock()
	defer s.Unlock()

	var role string
	switch userID {
	case s.ClientID:
		if s.ClientConnectedAt.IsZero() {
			s.ClientConnectedAt = now
			role = "client"
		}
	case s.AdvisorID:
		if s.AdvisorConnectedAt.IsZero() {
			s.AdvisorConnectedAt = now
			role = "advisor"
		}
	default:
		return models.ErrNotParticipant
	}

	if role != "" {
		if err := m.sessions.SetConnectedAt(ctx, sessionID, role, now); err != nil {
			logrus.WithError(err).WithField("session_id", sessionID).Error("Failed to persist connected-at")
		}
		logrus.WithFields(logrus.Fields{
			"session_id": sessionID,
			"user_id":    userID,
			"role":       role,
		}).Info("Participant connected")
	}

	if s.ClientConnectedAt.IsZero() || s.AdvisorConnectedAt.IsZero() || !s.BillingAnchor.IsZero() {
		return nil
	}

	latest := s.ClientConnectedAt
	if s.AdvisorConnectedAt.After(latest) {
		latest = s.AdvisorConnectedAt
	}
	buffer := time.Duration(m.cfg.Billing.AnchorBufferSeconds) * time.Second
	s.BillingAnchor = latest.Add(buffer)

	if err := m.sessions.SetBillingStart(ctx, sessionID, s.BillingAnchor); err != nil {
		logrus.WithError(err).WithField("session_id", sessionID).Error("Failed to persist billing start")
	}

	startingSlab := m.cfg.Billing.NewPairStartingSlab
	pair, err := m.pairs.GetOrCreate(ctx, s.ClientID, s.AdvisorID, billing.YearMonth(now), startingSlab)
	if err != nil {
		logrus.WithError(err).WithField("session_id", sessionID).Error("Pair slab init failed")
		s.CurrentSlab = startingSlab
	} else {
		s.PairMonthID = pair.ID
		s.CurrentSlab = pair.CurrentSlab
		s.InitialPairSeconds = pair.SecondsUsed
	}

	started := &models.BillingStartedEvent{StartTime: s.BillingAnchor.UnixMilli()}
	m.notifier.Send(s.ClientID, models.EventBillingStarted, started)
	m.notifier.Send(s.AdvisorID, models.EventBillingStarted, started)

	logrus.WithFields(logrus.Fields{
		"session_id":   sessionID,
		"anchor":       s.BillingAnchor,
		"slab":         s.CurrentSlab,
		"pair_seconds": s.InitialPairSeconds,
	}).Info("Billing anchored")

	return nil
}

// EndSession is the single finalization path for every termination trigger:
// manual hangup, grace-expired disconnect, rejection, and insufficient funds.
// The registry's take-once removal makes a second call a no-op.
func (m *Manager) EndSession(ctx context.Context, sessionID, reason string) error {
	s, ok := m.registry.Remove(sessionID)
	if !ok {
		// Late or duplicate termination. Close the durable record if it is
		// somehow still open; the status filter makes this a no-op otherwise.
		if err := m.sessions.Finish(ctx, sessionID, time.Now(), 0); err != nil {
			logrus.WithError(err).WithField("session_id", sessionID).Debug("Late finish skipped")
		}
		return nil
	}

	s.Lock()
	defer s.Unlock()
	s.MarkFinalized()

	billable := s.ElapsedBillableSeconds
	end := time.Now()

	if err := m.sessions.Finish(ctx, sessionID, end, billable); err != nil {
		logrus.WithError(err).WithField("session_id", sessionID).Error("Failed to finish session record")
	}

	if !s.PairMonthID.IsZero() && billable > 0 {
		if err := m.pairs.AddSeconds(ctx, s.PairMonthID, billable); err != nil {
			logrus.WithError(err).WithField("session_id", sessionID).Error("Failed to fold seconds into pair record")
		}
	}

	if billable > 0 && billable < 60 {
		res, err := m.charger.Charge(ctx, &billing.ChargeRequest{
			SessionID:       sessionID,
			ClientID:        s.ClientID,
			AdvisorID:       s.AdvisorID,
			Kind:            s.Kind,
			DurationSeconds: billable,
			MinuteIndex:     1,
			Type:            billing.TypeEarlyExit,
		})
		if err != nil {
			logrus.WithError(err).WithField("session_id", sessionID).Warn("Early-exit charge failed")
			if errors.Is(err, models.ErrInsufficientFunds) {
				reason = ReasonInsufficientFunds
			}
		} else {
			s.TotalDeducted += res.Amount
		}
	} else if billable > 60 {
		// Round up: every started minute the ticker did not manage to bill is
		// charged here. Minute 1 stays a first-minute charge even when the
		// ticker never got it through (all-platform share, never slab-split).
		totalMinutes := int((billable + 59) / 60)
		for i := s.LastBilledMinute + 1; i <= totalMinutes; i++ {
			req := &billing.ChargeRequest{
				SessionID:       sessionID,
				ClientID:        s.ClientID,
				AdvisorID:       s.AdvisorID,
				Kind:            s.Kind,
				DurationSeconds: 60,
				MinuteIndex:     i,
				Type:            billing.TypeSlab,
				Slab:            s.CurrentSlab,
			}
			if i == 1 {
				req.Type = billing.TypeFirstMinute
				req.Slab = 0
			}
			res, err := m.charger.Charge(ctx, req)
			if err != nil {
				if errors.Is(err, models.ErrInsufficientFunds) {
					reason = ReasonInsufficientFunds
				}
				logrus.WithError(err).WithFields(logrus.Fields{
					"session_id":   sessionID,
					"minute_index": i,
				}).Warn("Final minute charge failed")
				break
			}
			s.TotalDeducted += res.Amount
			s.TotalEarned += res.AdvisorShare
			s.LastBilledMinute = i
		}
	}

	ended := &models.SessionEndedEvent{
		SessionID: sessionID,
		Reason:    reason,
		Summary: models.SessionSummary{
			Deducted: s.TotalDeducted,
			Earned:   s.TotalEarned,
			Duration: billable,
		},
	}
	m.notifier.Send(s.ClientID, models.EventSessionEnded, ended)
	m.notifier.Send(s.AdvisorID, models.EventSessionEnded, ended)

	logrus.WithFields(logrus.Fields{
		"session_id": sessionID,
		"reason":     reason,
		"duration":   billable,
		"deducted":   s.TotalDeducted,
		"earned":     s.TotalEarned,
	}).Info("Session ended")

	return nil
}

// EndSessionFor ends a session on behalf of one of its participants. Requests
// naming a session the requester is not part of are rejected.
func (m *Manager) EndSessionFor(ctx context.Context, sessionID, requesterID, reason string) error {
	if s, ok := m.registry.Get(sessionID); ok {
		if s.OtherParticipant(requesterID) == "" {
			return models.ErrNotParticipant
		}
		return m.EndSession(ctx, sessionID, reason)
	}

	rec, err := m.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if rec.ClientID != requesterID && rec.AdvisorID != requesterID {
		return models.ErrNotParticipant
	}
	return m.EndSession(ctx, sessionID, reason)
}

// EndUserSession ends whatever session the user is currently part of. Used by
// the presence tracker when a participant's offline grace period expires.
func (m *Manager) EndUserSession(ctx context.Context, userID, reason string) {
	sessionID, ok := m.registry.UserSession(userID)
	if !ok {
		return
	}
	if err := m.EndSession(ctx, sessionID, reason); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"session_id": sessionID,
			"user_id":    userID,
		}).Error("Failed to end user session")
	}
}

// History returns the user's most recent session records.
func (m *Manager) History(ctx context.Context, userID string, limit int64) ([]*Record, error) {
	return m.sessions.ListByUser(ctx, userID, limit)
}
