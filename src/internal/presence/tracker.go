package presence

import (
	"context"
	"sync"
	"time"

	"consulthub-session-svc/src/internal/config"
	"consulthub-session-svc/src/internal/user"

	"github.com/sirupsen/logrus"
)

// Endpoint is one user's live channel connection.
type Endpoint interface {
	Send(event string, payload any) error
}

// UserStore is the slice of user.Service the tracker needs for availability
// snapshots.
type UserStore interface {
	GetByID(ctx context.Context, userID string) (*user.User, error)
	SetAvailability(ctx context.Context, userID string, av user.Availability) error
}

type savedStatus struct {
	av      user.Availability
	takenAt time.Time
}

// Tracker maps user ids to live endpoints and runs the offline grace period.
// A disconnect pauses billing immediately (the endpoint is gone) but the
// user's availability and any active session survive until the grace timer
// fires without a reconnect.
type Tracker struct {
	mu        sync.Mutex
	endpoints map[string]Endpoint
	saved     map[string]savedStatus
	timers    map[string]*time.Timer

	users UserStore
	grace time.Duration

	// onGraceExpired is called after the grace period elapses without a
	// reconnect; the wiring layer uses it to end the user's active session.
	onGraceExpired func(userID string)
	// onAvailabilityChanged triggers an advisor-directory broadcast.
	onAvailabilityChanged func()
}

func NewTracker(users UserStore, cfg *config.Configuration) *Tracker {
	return &Tracker{
		endpoints: make(map[string]Endpoint),
		saved:     make(map[string]savedStatus),
		timers:    make(map[string]*time.Timer),
		users:     users,
		grace:     time.Duration(cfg.Presence.GracePeriodMinutes) * time.Minute,
	}
}

func (t *Tracker) SetGraceExpiredHandler(fn func(userID string)) {
	t.onGraceExpired = fn
}

func (t *Tracker) SetAvailabilityChangedHandler(fn func()) {
	t.onAvailabilityChanged = fn
}

// Connect registers the user's endpoint, cancels any pending offline
// transition, and restores the availability snapshot taken at disconnect if
// it is still fresh. Returns whether a snapshot was restored.
func (t *Tracker) Connect(ctx context.Context, userID string, ep Endpoint) bool {
	t.mu.Lock()
	t.endpoints[userID] = ep

	if timer, ok := t.timers[userID]; ok {
		timer.Stop()
		delete(t.timers, userID)
		logrus.WithField("user_id", userID).Info("Pending offline transition cancelled")
	}

	snapshot, hasSnapshot := t.saved[userID]
	if hasSnapshot {
		delete(t.saved, userID)
	}
	t.mu.Unlock()

	if !hasSnapshot {
		return false
	}
	if time.Since(snapshot.takenAt) >= 2*t.grace {
		return false
	}

	if err := t.users.SetAvailability(ctx, userID, snapshot.av); err != nil {
		logrus.WithError(err).WithField("user_id", userID).Error("Failed to restore availability")
		return false
	}

	logrus.WithFields(logrus.Fields{
		"user_id": userID,
		"chat":    snapshot.av.Chat,
		"audio":   snapshot.av.Audio,
		"video":   snapshot.av.Video,
	}).Info("Availability restored after reconnect")

	if t.onAvailabilityChanged != nil {
		t.onAvailabilityChanged()
	}
	return true
}

// Disconnect drops the endpoint mapping (only if ep is still the current
// one), snapshots an advisor's availability, and arms the grace timer.
func (t *Tracker) Disconnect(ctx context.Context, userID string, ep Endpoint) {
	t.mu.Lock()
	if current, ok := t.endpoints[userID]; !ok || current != ep {
		t.mu.Unlock()
		return
	}
	delete(t.endpoints, userID)
	t.mu.Unlock()

	u, err := t.users.GetByID(ctx, userID)
	if err != nil {
		logrus.WithError(err).WithField("user_id", userID).Error("Disconnect lookup failed")
	}

	if u != nil && u.IsAdvisor() {
		t.mu.Lock()
		t.saved[userID] = savedStatus{av: u.Availability(), takenAt: time.Now()}
		t.mu.Unlock()
	}

	logrus.WithFields(logrus.Fields{
		"user_id": userID,
		"grace":   t.grace,
	}).Info("User disconnected; grace period started")

	t.armGraceTimer(userID)
}

func (t *Tracker) armGraceTimer(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if timer, ok := t.timers[userID]; ok {
		timer.Stop()
	}
	t.timers[userID] = time.AfterFunc(t.grace, func() {
		t.graceExpired(userID)
	})
}

func (t *Tracker) graceExpired(userID string) {
	t.mu.Lock()
	delete(t.timers, userID)

	if _, reconnected := t.endpoints[userID]; reconnected {
		t.mu.Unlock()
		logrus.WithField("user_id", userID).Info("Reconnected before grace period ended")
		return
	}

	_, wasAdvisor := t.saved[userID]
	delete(t.saved, userID)
	t.mu.Unlock()

	if wasAdvisor {
		if err := t.users.SetAvailability(context.Background(), userID, user.Availability{}); err != nil {
			logrus.WithError(err).WithField("user_id", userID).Error("Failed to clear availability")
		} else {
			logrus.WithField("user_id", userID).Info("Marked offline after grace period")
			if t.onAvailabilityChanged != nil {
				t.onAvailabilityChanged()
			}
		}
	}

	if t.onGraceExpired != nil {
		t.onGraceExpired(userID)
	}
}

func (t *Tracker) IsConnected(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.endpoints[userID]
	return ok
}

func (t *Tracker) Endpoint(userID string) (Endpoint, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ep, ok := t.endpoints[userID]
	return ep, ok
}

// Send delivers one event to the user's endpoint. Messages to absent users
// are dropped; callers that need delivery guarantees queue elsewhere.
func (t *Tracker) Send(userID, event string, payload any) {
	ep, ok := t.Endpoint(userID)
	if !ok {
		return
	}
	if err := ep.Send(event, payload); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"user_id": userID,
			"event":   event,
		}).Debug("Endpoint send failed")
	}
}

// Broadcast sends one event to every connected endpoint.
func (t *Tracker) Broadcast(event string, payload any) {
	t.mu.Lock()
	eps := make(map[string]Endpoint, len(t.endpoints))
	for id, ep := range t.endpoints {
		eps[id] = ep
	}
	t.mu.Unlock()

	for id, ep := range eps {
		if err := ep.Send(event, payload); err != nil {
			logrus.WithError(err).WithField("user_id", id).Debug("Broadcast send failed")
		}
	}
}

// Drain stops all pending grace timers. Called on shutdown.
func (t *Tracker) Drain() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, timer := range t.timers {
		timer.Stop()
		delete(t.timers, id)
	}
}
