package billing

import (
	"context"
	"fmt"
	"time"

	"consulthub-session-svc/src/clients"
	"consulthub-session-svc/src/internal/models"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// PairMonth tracks one (client, advisor) pair's cumulative billed seconds and
// unlocked slab within a calendar month.
type PairMonth struct {
	ID          primitive.ObjectID `bson:"_id,omitempty"`
	PairID      string             `bson:"pair_id"`
	ClientID    string             `bson:"client_id"`
	AdvisorID   string             `bson:"advisor_id"`
	YearMonth   string             `bson:"year_month"`
	CurrentSlab int                `bson:"current_slab"`
	SecondsUsed int64              `bson:"seconds_used"`
}

// YearMonth formats t the way pair records are keyed.
func YearMonth(t time.Time) string {
	return t.UTC().Format("2006-01")
}

func PairID(clientID, advisorID string) string {
	return fmt.Sprintf("%s_%s", clientID, advisorID)
}

type PairRepository interface {
	GetOrCreate(ctx context.Context, clientID, advisorID, yearMonth string, startingSlab int) (*PairMonth, error)
	RaiseSlab(ctx context.Context, id primitive.ObjectID, slab int) error
	AddSeconds(ctx context.Context, id primitive.ObjectID, seconds int64) error
}

type pairRepository struct {
	collection *mongo.Collection
}

func NewPairRepository(db *clients.MongoDB, collectionName string) PairRepository {
	collection := db.Database.Collection(collectionName)
	return &pairRepository{collection: collection}
}

// GetOrCreate upserts the pair record for the month. A brand-new pair starts
// at startingSlab (policy default, see config) with zero seconds.
func (r *pairRepository) GetOrCreate(ctx context.Context, clientID, advisorID, yearMonth string, startingSlab int) (*PairMonth, error) {
	pairID := PairID(clientID, advisorID)
	filter := bson.M{
		"pair_id":    pairID,
		"year_month": yearMonth,
	}
	update := bson.M{
		"$setOnInsert": bson.M{
			"pair_id":      pairID,
			"client_id":    clientID,
			"advisor_id":   advisorID,
			"year_month":   yearMonth,
			"current_slab": startingSlab,
			"seconds_used": int64(0),
		},
	}
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var rec PairMonth
	err := r.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&rec)
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"pair_id":    pairID,
			"year_month": yearMonth,
		}).Error("Failed to get or create pair month")
		return nil, models.ErrDatabaseUpdate
	}

	return &rec, nil
}

// RaiseSlab applies max(current, slab); the $max operator keeps the invariant
// even if two sessions of the same pair race.
func (r *pairRepository) RaiseSlab(ctx context.Context, id primitive.ObjectID, slab int) error {
	update := bson.M{"$max": bson.M{"current_slab": slab}}

	_, err := r.collection.UpdateByID(ctx, id, update)
	if err != nil {
		logrus.WithError(err).WithField("pair_month_id", id.Hex()).Error("Failed to raise slab")
		return models.ErrDatabaseUpdate
	}
	return nil
}

func (r *pairRepository) AddSeconds(ctx context.Context, id primitive.ObjectID, seconds int64) error {
	update := bson.M{"$inc": bson.M{"seconds_used": seconds}}

	_, err := r.collection.UpdateByID(ctx, id, update)
	if err != nil {
		logrus.WithError(err).WithField("pair_month_id", id.Hex()).Error("Failed to add pair seconds")
		return models.ErrDatabaseUpdate
	}
	return nil
}
