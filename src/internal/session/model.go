package session

import (
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Session kind constants
const (
	KindChat  = "chat"
	KindAudio = "audio"
	KindVideo = "video"
)

// Session status constants (durable record)
const (
	StatusActive = "active"
	StatusEnded  = "ended"
)

// Termination reasons carried on the terminal session-ended event.
const (
	ReasonManual            = "manual"
	ReasonRejected          = "rejected"
	ReasonDisconnect        = "disconnect"
	ReasonInsufficientFunds = "insufficient_funds"
)

// ActiveSession is the live, in-memory state of one consultation. All mutation
// goes through the embedded mutex; the registry hands out pointers but every
// reader/writer locks before touching billing fields.
type ActiveSession struct {
	mu sync.Mutex

	SessionID string
	Kind      string
	ClientID  string
	AdvisorID string
	StartedAt time.Time

	// Connected-at timestamps are set once and never cleared while live.
	ClientConnectedAt  time.Time
	AdvisorConnectedAt time.Time

	// BillingAnchor is max(connected-at) plus the configured buffer. Zero
	// until both parties have confirmed the media/chat channel.
	BillingAnchor time.Time

	ElapsedBillableSeconds int64
	LastBilledMinute       int

	CurrentSlab        int
	PairMonthID        primitive.ObjectID
	InitialPairSeconds int64

	TotalDeducted float64
	TotalEarned   float64

	finalized bool
}

func (s *ActiveSession) Lock()   { s.mu.Lock() }
func (s *ActiveSession) Unlock() { s.mu.Unlock() }

// MarkFinalized flags the session so a tick racing the finalizer backs off.
// Caller must hold the lock.
func (s *ActiveSession) MarkFinalized() { s.finalized = true }

// Finalized reports whether finalization has begun. Caller must hold the lock.
func (s *ActiveSession) Finalized() bool { return s.finalized }

// OtherParticipant returns the counterpart of userID, or "" if userID is not
// part of this session.
func (s *ActiveSession) OtherParticipant(userID string) string {
	switch userID {
	case s.ClientID:
		return s.AdvisorID
	case s.AdvisorID:
		return s.ClientID
	}
	return ""
}

// Record is the durable mirror of a session, created at request time and
// finalized exactly once. It is the source of truth only after the in-memory
// session is gone.
type Record struct {
	SessionID  string `bson:"session_id"`
	ClientID   string `bson:"client_id"`
	AdvisorID  string `bson:"advisor_id"`
	FromUserID string `bson:"from_user_id"`
	ToUserID   string `bson:"to_user_id"`
	Kind       string `bson:"kind"`
	Status     string `bson:"status"`

	StartTime          time.Time  `bson:"start_time"`
	ClientConnectedAt  *time.Time `bson:"client_connected_at,omitempty"`
	AdvisorConnectedAt *time.Time `bson:"advisor_connected_at,omitempty"`
	BillingStart       *time.Time `bson:"billing_start,omitempty"`
	EndTime            *time.Time `bson:"end_time,omitempty"`

	DurationSeconds int64 `bson:"duration_seconds"`
}
