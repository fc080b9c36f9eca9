package billing

import (
	"context"
	"fmt"

	"consulthub-session-svc/src/internal/config"
	"consulthub-session-svc/src/internal/models"
	"consulthub-session-svc/src/internal/user"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ChargeType selects the pricing rule for one charge.
type ChargeType int

const (
	// TypeFirstMinute is the full first minute, 100% platform share.
	TypeFirstMinute ChargeType = iota
	// TypeEarlyExit is a pro-rated charge for a session that ended inside the
	// first minute, 100% platform share.
	TypeEarlyExit
	// TypeSlab is a regular minute split per the pair's current slab.
	TypeSlab
)

// Ledger reasons
const (
	ReasonFirstMinute = "first_60"
	ReasonEarlyExit   = "first_60_partial"
)

// WalletService is the slice of user.Service the charge processor needs.
type WalletService interface {
	GetByID(ctx context.Context, userID string) (*user.User, error)
	DebitWallet(ctx context.Context, userID string, amount float64) (float64, error)
	CreditEarnings(ctx context.Context, userID string, amount float64) (*user.User, error)
}

// Notifier delivers live events to a user's presence endpoint, dropping them
// silently when the user is offline.
type Notifier interface {
	Send(userID, event string, payload any)
}

type ChargeRequest struct {
	SessionID       string
	ClientID        string
	AdvisorID       string
	Kind            string
	DurationSeconds int64
	MinuteIndex     int
	Type            ChargeType
	Slab            int
}

type ChargeResult struct {
	Amount        float64
	AdvisorShare  float64
	PlatformShare float64
	ClientBalance float64
}

// ChargeProcessor executes one monetary charge end to end: debit, credit,
// ledger append, wallet notifications.
type ChargeProcessor interface {
	Charge(ctx context.Context, req *ChargeRequest) (*ChargeResult, error)
}

type charger struct {
	users    WalletService
	ledger   LedgerRepository
	notifier Notifier
	cfg      *config.BillingConfig
}

func NewCharger(users WalletService, ledger LedgerRepository, notifier Notifier, cfg *config.Configuration) ChargeProcessor {
	return &charger{
		users:    users,
		ledger:   ledger,
		notifier: notifier,
		cfg:      &cfg.Billing,
	}
}

// pricePerMinute resolves the advisor's configured rate, falling back to the
// per-kind defaults when unset.
func (c *charger) pricePerMinute(advisor *user.User, kind string) float64 {
	if advisor.Price > 0 {
		return advisor.Price
	}
	switch kind {
	case "audio":
		return c.cfg.AudioPricePerMinute
	case "video":
		return c.cfg.VideoPricePerMinute
	default:
		return c.cfg.ChatPricePerMinute
	}
}

func (c *charger) Charge(ctx context.Context, req *ChargeRequest) (*ChargeResult, error) {
	advisor, err := c.users.GetByID(ctx, req.AdvisorID)
	if err != nil {
		return nil, err
	}

	price := c.pricePerMinute(advisor, req.Kind)

	var amount, advisorShare float64
	var reason string

	switch req.Type {
	case TypeFirstMinute:
		amount = price
		advisorShare = 0
		reason = ReasonFirstMinute
	case TypeEarlyExit:
		amount = price * float64(req.DurationSeconds) / 60
		advisorShare = 0
		reason = ReasonEarlyExit
	case TypeSlab:
		amount = price
		advisorShare = amount * AdvisorShareRate(req.Slab)
		reason = fmt.Sprintf("slab_%d", req.Slab)
	default:
		return nil, fmt.Errorf("unknown charge type %d", req.Type)
	}

	platformShare := amount - advisorShare

	// Debit first; an insufficient balance leaves the wallet untouched and
	// produces no ledger entry.
	clientBalance, err := c.users.DebitWallet(ctx, req.ClientID, amount)
	if err != nil {
		if err == models.ErrInsufficientFunds {
			logrus.WithFields(logrus.Fields{
				"session_id":   req.SessionID,
				"client_id":    req.ClientID,
				"amount":       amount,
				"minute_index": req.MinuteIndex,
			}).Warn("Charge failed: insufficient funds")
		}
		return nil, err
	}

	if advisorShare > 0 {
		updated, err := c.users.CreditEarnings(ctx, req.AdvisorID, advisorShare)
		if err != nil {
			logrus.WithError(err).WithField("advisor_id", req.AdvisorID).Error("Failed to credit advisor share")
		} else {
			advisor = updated
		}
	}

	entry := &LedgerEntry{
		BillingID:         uuid.NewString(),
		SessionID:         req.SessionID,
		MinuteIndex:       req.MinuteIndex,
		ChargedToClient:   amount,
		CreditedToAdvisor: advisorShare,
		PlatformAmount:    platformShare,
		Reason:            reason,
	}
	if err := c.ledger.Append(ctx, entry); err != nil {
		logrus.WithError(err).WithField("session_id", req.SessionID).Error("Ledger append failed after charge")
	}

	logrus.WithFields(logrus.Fields{
		"session_id":   req.SessionID,
		"reason":       reason,
		"minute_index": req.MinuteIndex,
		"amount":       amount,
		"advisor":      advisorShare,
		"platform":     platformShare,
	}).Info("Charge executed")

	c.notifier.Send(req.ClientID, models.EventWalletUpdate, &models.WalletUpdateEvent{
		Balance: clientBalance,
	})

	earnings := advisor.TotalEarnings
	c.notifier.Send(req.AdvisorID, models.EventWalletUpdate, &models.WalletUpdateEvent{
		Balance:       advisor.WalletBalance,
		TotalEarnings: &earnings,
	})

	return &ChargeResult{
		Amount:        amount,
		AdvisorShare:  advisorShare,
		PlatformShare: platformShare,
		ClientBalance: clientBalance,
	}, nil
}
