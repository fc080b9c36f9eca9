package billing

import (
	"context"
	"time"

	"consulthub-session-svc/src/clients"
	"consulthub-session-svc/src/internal/models"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// LedgerEntry is one immutable charge record: what the client paid for one
// minute (or partial minute) and how it was split.
type LedgerEntry struct {
	BillingID         string    `bson:"billing_id"`
	SessionID         string    `bson:"session_id"`
	MinuteIndex       int       `bson:"minute_index"`
	ChargedToClient   float64   `bson:"charged_to_client"`
	CreditedToAdvisor float64   `bson:"credited_to_advisor"`
	PlatformAmount    float64   `bson:"platform_amount"`
	Reason            string    `bson:"reason"`
	CreatedAt         time.Time `bson:"created_at"`
}

type LedgerRepository interface {
	Append(ctx context.Context, entry *LedgerEntry) error
	ListBySession(ctx context.Context, sessionID string) ([]*LedgerEntry, error)
}

type ledgerRepository struct {
	collection *mongo.Collection
}

func NewLedgerRepository(db *clients.MongoDB, collectionName string) LedgerRepository {
	collection := db.Database.Collection(collectionName)
	return &ledgerRepository{collection: collection}
}

func (r *ledgerRepository) Append(ctx context.Context, entry *LedgerEntry) error {
	entry.CreatedAt = time.Now()

	_, err := r.collection.InsertOne(ctx, entry)
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"session_id":   entry.SessionID,
			"minute_index": entry.MinuteIndex,
		}).Error("Failed to append ledger entry")
		return models.ErrDatabaseInsert
	}
	return nil
}

func (r *ledgerRepository) ListBySession(ctx context.Context, sessionID string) ([]*LedgerEntry, error) {
	filter := bson.M{"session_id": sessionID}
	opts := options.Find().SetSort(bson.M{"minute_index": 1})

	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		logrus.WithError(err).WithField("session_id", sessionID).Error("Failed to list ledger entries")
		return nil, models.ErrDatabaseQuery
	}
	defer cursor.Close(ctx)

	var entries []*LedgerEntry
	for cursor.Next(ctx) {
		var e LedgerEntry
		if err := cursor.Decode(&e); err != nil {
			logrus.WithError(err).Error("Failed to decode ledger entry")
			continue
		}
		entries = append(entries, &e)
	}

	if err := cursor.Err(); err != nil {
		logrus.WithError(err).Error("Cursor error")
		return nil, models.ErrDatabaseQuery
	}

	return entries, nil
}
