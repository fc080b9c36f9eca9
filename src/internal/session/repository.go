package session

import (
	"context"
	"errors"
	"time"

	"consulthub-session-svc/src/clients"
	"consulthub-session-svc/src/internal/models"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type Repository interface {
	Create(ctx context.Context, rec *Record) error
	GetByID(ctx context.Context, sessionID string) (*Record, error)
	SetConnectedAt(ctx context.Context, sessionID, role string, at time.Time) error
	SetBillingStart(ctx context.Context, sessionID string, at time.Time) error
	Finish(ctx context.Context, sessionID string, endTime time.Time, durationSeconds int64) error
	ListByUser(ctx context.Context, userID string, limit int64) ([]*Record, error)
}

type repository struct {
	collection *mongo.Collection
}

func NewSessionRepository(db *clients.MongoDB, collectionName string) Repository {
	collection := db.Database.Collection(collectionName)
	return &repository{collection: collection}
}

func (r *repository) Create(ctx context.Context, rec *Record) error {
	_, err := r.collection.InsertOne(ctx, rec)
	if err != nil {
		logrus.WithError(err).WithField("session_id", rec.SessionID).Error("Failed to create session record")
		return models.ErrDatabaseInsert
	}
	return nil
}

func (r *repository) GetByID(ctx context.Context, sessionID string) (*Record, error) {
	var rec Record
	filter := bson.M{"session_id": sessionID}

	err := r.collection.FindOne(ctx, filter).Decode(&rec)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, models.ErrSessionNotFound
		}
		logrus.WithError(err).WithField("session_id", sessionID).Error("Failed to get session record")
		return nil, models.ErrDatabaseQuery
	}

	return &rec, nil
}

// SetConnectedAt stores the connected-at timestamp for one side, only if it
// has not been set before.
func (r *repository) SetConnectedAt(ctx context.Context, sessionID, role string, at time.Time) error {
	field := "client_connected_at"
	if role == "advisor" {
		field = "advisor_connected_at"
	}

	filter := bson.M{
		"session_id": sessionID,
		field:        bson.M{"$exists": false},
	}
	update := bson.M{"$set": bson.M{field: at}}

	_, err := r.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		logrus.WithError(err).WithField("session_id", sessionID).Error("Failed to set connected-at")
		return models.ErrDatabaseUpdate
	}
	return nil
}

func (r *repository) SetBillingStart(ctx context.Context, sessionID string, at time.Time) error {
	filter := bson.M{"session_id": sessionID}
	update := bson.M{"$set": bson.M{"billing_start": at}}

	_, err := r.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		logrus.WithError(err).WithField("session_id", sessionID).Error("Failed to set billing start")
		return models.ErrDatabaseUpdate
	}
	return nil
}

// Finish closes the durable record. The status filter makes it a no-op for a
// record that was already finalized.
func (r *repository) Finish(ctx context.Context, sessionID string, endTime time.Time, durationSeconds int64) error {
	filter := bson.M{
		"session_id": sessionID,
		"status":     StatusActive,
	}
	update := bson.M{
		"$set": bson.M{
			"status":           StatusEnded,
			"end_time":         endTime,
			"duration_seconds": durationSeconds,
		},
	}

	_, err := r.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		logrus.WithError(err).WithField("session_id", sessionID).Error("Failed to finish session record")
		return models.ErrDatabaseUpdate
	}
	return nil
}

func (r *repository) ListByUser(ctx context.Context, userID string, limit int64) ([]*Record, error) {
	filter := bson.M{
		"$or": []bson.M{
			{"client_id": userID},
			{"advisor_id": userID},
		},
	}
	opts := options.Find().
		SetSort(bson.M{"start_time": -1}).
		SetLimit(limit)

	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		logrus.WithError(err).WithField("user_id", userID).Error("Failed to list sessions")
		return nil, models.ErrDatabaseQuery
	}
	defer cursor.Close(ctx)

	var records []*Record
	for cursor.Next(ctx) {
		var rec Record
		if err := cursor.Decode(&rec); err != nil {
			logrus.WithError(err).Error("Failed to decode session record")
			continue
		}
		records = append(records, &rec)
	}

	if err := cursor.Err(); err != nil {
		logrus.WithError(err).Error("Cursor error")
		return nil, models.ErrDatabaseQuery
	}

	return records, nil
}
