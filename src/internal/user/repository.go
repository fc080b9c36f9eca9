package user

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
	GetByID(ctx context.Context, userID string) (*User, error)
	ListAdvisors(ctx context.Context) ([]*User, error)
	SetAvailability(ctx context.Context, userID string, av Availability) error
	SavePushToken(ctx context.Context, userID, token string) error
	UpdateLastSeen(ctx context.Context, userID string) error
	DebitWallet(ctx context.Context, userID string, amount float64) (float64, error)
	CreditEarnings(ctx context.Context, userID string, amount float64) (*User, error)
}

type userRepository struct {
	Collection mongo.Collection
}

func NewUserRepository(mongoClient *clients.MongoDB, collectionName string) Repository {
	collection := *mongoClient.Database.Collection(collectionName)
	return &userRepository{
		Collection: collection,
	}
}

func (r *userRepository) GetByID(ctx context.Context, userID string) (*User, error) {
	return r.findOne(ctx, bson.M{"user_id": userID})
}

func (r *userRepository) findOne(ctx context.Context, filter bson.M) (*User, error) {
	var user User
	err := r.Collection.FindOne(ctx, filter).Decode(&user)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, models.ErrUserNotFound
		}
		logrus.WithError(err).Error("Failed to get user")
		return nil, models.ErrDatabaseQuery
	}
	return &user, nil
}

func (r *userRepository) ListAdvisors(ctx context.Context) ([]*User, error) {
	filter := bson.M{"role": RoleAdvisor}
	opts := options.Find().SetSort(bson.M{"name": 1})

	cursor, err := r.Collection.Find(ctx, filter, opts)
	if err != nil {
		logrus.WithError(err).Error("Failed to find advisors")
		return nil, models.ErrDatabaseQuery
	}
	defer cursor.Close(ctx)

	var advisors []*User
	for cursor.Next(ctx) {
		var u User
		if err := cursor.Decode(&u); err != nil {
			logrus.WithError(err).Error("Failed to decode advisor")
			continue
		}
		advisors = append(advisors, &u)
	}

	if err := cursor.Err(); err != nil {
		logrus.WithError(err).Error("Cursor error")
		return nil, models.ErrDatabaseQuery
	}

	return advisors, nil
}

func (r *userRepository) SetAvailability(ctx context.Context, userID string, av Availability) error {
	update := bson.M{
		"$set": bson.M{
			"is_chat_online":  av.Chat,
			"is_audio_online": av.Audio,
			"is_video_online": av.Video,
			"is_online":       av.Any(),
			"is_available":    av.Any(),
			"last_seen":       time.Now(),
		},
	}

	_, err := r.Collection.UpdateOne(ctx, bson.M{"user_id": userID}, update)
	if err != nil {
		logrus.WithError(err).WithField("user_id", userID).Error("Failed to update availability")
		return models.ErrDatabaseUpdate
	}
	return nil
}

func (r *userRepository) SavePushToken(ctx context.Context, userID, token string) error {
	update := bson.M{"$set": bson.M{"push_token": token}}

	_, err := r.Collection.UpdateOne(ctx, bson.M{"user_id": userID}, update)
	if err != nil {
		logrus.WithError(err).WithField("user_id", userID).Error("Failed to save push token")
		return models.ErrDatabaseUpdate
	}
	return nil
}

func (r *userRepository) UpdateLastSeen(ctx context.Context, userID string) error {
	update := bson.M{"$set": bson.M{"last_seen": time.Now()}}

	_, err := r.Collection.UpdateOne(ctx, bson.M{"user_id": userID}, update)
	if err != nil {
		logrus.WithError(err).WithField("user_id", userID).Error("Failed to update last seen")
		return models.ErrDatabaseUpdate
	}
	return nil
}

// DebitWallet decrements the balance only when it covers the amount. The
// balance guard lives in the filter so a concurrent debit can never overdraw.
func (r *userRepository) DebitWallet(ctx context.Context, userID string, amount float64) (float64, error) {
	filter := bson.M{
		"user_id":        userID,
		"wallet_balance": bson.M{"$gte": amount},
	}
	update := bson.M{"$inc": bson.M{"wallet_balance": -amount}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var updated User
	err := r.Collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&updated)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return 0, models.ErrInsufficientFunds
		}
		logrus.WithError(err).WithField("user_id", userID).Error("Failed to debit wallet")
		return 0, models.ErrDatabaseUpdate
	}

	return updated.WalletBalance, nil
}

func (r *userRepository) CreditEarnings(ctx context.Context, userID string, amount float64) (*User, error) {
	update := bson.M{
		"$inc": bson.M{
			"wallet_balance": amount,
			"total_earnings": amount,
		},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var updated User
	err := r.Collection.FindOneAndUpdate(ctx, bson.M{"user_id": userID}, update, opts).Decode(&updated)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, models.ErrUserNotFound
		}
		logrus.WithError(err).WithField("user_id", userID).Error("Failed to credit earnings")
		return nil, models.ErrDatabaseUpdate
	}

	return &updated, nil
}
