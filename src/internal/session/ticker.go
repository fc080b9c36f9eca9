package session

import (
	"context"
	"errors"
	"time"

	"consulthub-session-svc/src/internal/billing"
	"consulthub-session-svc/src/internal/config"
	"consulthub-session-svc/src/internal/models"

	"github.com/sirupsen/logrus"
)

// Ticker advances every live session's billable clock once per second. A
// session only accrues time while both participants hold a live presence
// endpoint and the billing anchor has passed.
type Ticker struct {
	registry *Registry
	presence PresenceChecker
	charger  billing.ChargeProcessor
	pairs    billing.PairRepository
	manager  *Manager
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

func NewTicker(registry *Registry,
	presence PresenceChecker,
	charger billing.ChargeProcessor,
	pairs billing.PairRepository,
	manager *Manager,
	cfg *config.Configuration) *Ticker {
	interval := time.Duration(cfg.Billing.TickIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Second
	}

	return &Ticker{
		registry: registry,
		presence: presence,
		charger:  charger,
		pairs:    pairs,
		manager:  manager,
		interval: interval,
	}
}

func (t *Ticker) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	t.done = make(chan struct{})

	go func() {
		defer close(t.done)

		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()

		logrus.WithField("interval", t.interval).Info("Billing ticker started")

		for {
			select {
			case <-ctx.Done():
				logrus.Info("Billing ticker stopped")
				return
			case now := <-ticker.C:
				t.Tick(ctx, now)
			}
		}
	}()
}

func (t *Ticker) Stop() {
	if t.cancel != nil {
		t.cancel()
		<-t.done
	}
}

// Tick runs one pass over a snapshot of the registry. Each session is
// processed in isolation so one failing session never blocks the others.
func (t *Ticker) Tick(ctx context.Context, now time.Time) {
	for _, s := range t.registry.Snapshot() {
		t.processSession(ctx, s, now)
	}
}

func (t *Ticker) processSession(ctx context.Context, s *ActiveSession, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{
				"session_id": s.SessionID,
				"panic":      r,
			}).Error("Tick panic recovered; session skipped this second")
		}
	}()

	s.Lock()

	if s.Finalized() {
		s.Unlock()
		return
	}

	if s.BillingAnchor.IsZero() || now.Before(s.BillingAnchor) {
		s.Unlock()
		return
	}

	// Paused: either side missing a live endpoint simply stops the clock.
	if !t.presence.IsConnected(s.ClientID) || !t.presence.IsConnected(s.AdvisorID) {
		s.Unlock()
		return
	}

	s.ElapsedBillableSeconds++
	elapsed := s.ElapsedBillableSeconds

	// Slab escalation from the pair's cumulative seconds. Never regresses.
	if !s.PairMonthID.IsZero() {
		computed := billing.SlabForSeconds(s.InitialPairSeconds + elapsed)
		if computed > s.CurrentSlab {
			logrus.WithFields(logrus.Fields{
				"session_id": s.SessionID,
				"from":       s.CurrentSlab,
				"to":         computed,
			}).Info("Slab upgraded")
			s.CurrentSlab = computed
			if err := t.pairs.RaiseSlab(ctx, s.PairMonthID, computed); err != nil {
				logrus.WithError(err).WithField("session_id", s.SessionID).Error("Failed to persist slab upgrade")
			}
		}
	}

	if elapsed < 60 {
		s.Unlock()
		return
	}

	var req *billing.ChargeRequest
	if s.LastBilledMinute == 0 {
		req = &billing.ChargeRequest{
			SessionID:       s.SessionID,
			ClientID:        s.ClientID,
			AdvisorID:       s.AdvisorID,
			Kind:            s.Kind,
			DurationSeconds: 60,
			MinuteIndex:     1,
			Type:            billing.TypeFirstMinute,
		}
	} else {
		target := 1 + int((elapsed-60)/60)
		if target > s.LastBilledMinute {
			req = &billing.ChargeRequest{
				SessionID:       s.SessionID,
				ClientID:        s.ClientID,
				AdvisorID:       s.AdvisorID,
				Kind:            s.Kind,
				DurationSeconds: 60,
				MinuteIndex:     target,
				Type:            billing.TypeSlab,
				Slab:            s.CurrentSlab,
			}
		}
	}

	if req == nil {
		s.Unlock()
		return
	}

	res, err := t.charger.Charge(ctx, req)
	if err != nil {
		s.Unlock()
		if errors.Is(err, models.ErrInsufficientFunds) {
			if endErr := t.manager.EndSession(ctx, s.SessionID, ReasonInsufficientFunds); endErr != nil {
				logrus.WithError(endErr).WithField("session_id", s.SessionID).Error("Failed to force-end session")
			}
			return
		}
		// Store hiccup: lastBilledMinute was not advanced, so the same
		// minute is retried on the next tick.
		logrus.WithError(err).WithFields(logrus.Fields{
			"session_id":   s.SessionID,
			"minute_index": req.MinuteIndex,
		}).Error("Charge failed; will retry next tick")
		return
	}

	s.TotalDeducted += res.Amount
	s.TotalEarned += res.AdvisorShare
	s.LastBilledMinute = req.MinuteIndex
	s.Unlock()
}
