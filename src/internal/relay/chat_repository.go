package relay

import (
	"context"
	"time"

	"consulthub-session-svc/src/clients"
	"consulthub-session-svc/src/internal/models"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

type chatMessage struct {
	MessageID  string    `bson:"message_id"`
	SessionID  string    `bson:"session_id,omitempty"`
	FromUserID string    `bson:"from_user_id"`
	ToUserID   string    `bson:"to_user_id"`
	Content    string    `bson:"content"`
	Timestamp  int64     `bson:"timestamp"`
	SavedAt    time.Time `bson:"saved_at"`
}

type ChatRepository interface {
	Save(ctx context.Context, msg *models.ChatMessageData) error
	ListBySession(ctx context.Context, sessionID string) ([]*models.ChatMessageData, error)
}

type chatRepository struct {
	collection *mongo.Collection
}

func NewChatRepository(db *clients.MongoDB, collectionName string) ChatRepository {
	collection := db.Database.Collection(collectionName)
	return &chatRepository{collection: collection}
}

func (r *chatRepository) Save(ctx context.Context, msg *models.ChatMessageData) error {
	doc := &chatMessage{
		MessageID:  msg.MessageID,
		SessionID:  msg.SessionID,
		FromUserID: msg.FromUserID,
		ToUserID:   msg.ToUserID,
		Content:    msg.Content,
		Timestamp:  msg.Timestamp,
		SavedAt:    time.Now(),
	}

	_, err := r.collection.InsertOne(ctx, doc)
	if err != nil {
		logrus.WithError(err).WithField("message_id", msg.MessageID).Error("Failed to insert chat message")
		return models.ErrDatabaseInsert
	}
	return nil
}

func (r *chatRepository) ListBySession(ctx context.Context, sessionID string) ([]*models.ChatMessageData, error) {
	cursor, err := r.collection.Find(ctx, bson.M{"session_id": sessionID})
	if err != nil {
		logrus.WithError(err).WithField("session_id", sessionID).Error("Failed to list chat messages")
		return nil, models.ErrDatabaseQuery
	}
	defer cursor.Close(ctx)

	var out []*models.ChatMessageData
	for cursor.Next(ctx) {
		var doc chatMessage
		if err := cursor.Decode(&doc); err != nil {
			logrus.WithError(err).Error("Failed to decode chat message")
			continue
		}
		out = append(out, &models.ChatMessageData{
			MessageID:  doc.MessageID,
			SessionID:  doc.SessionID,
			FromUserID: doc.FromUserID,
			ToUserID:   doc.ToUserID,
			Content:    doc.Content,
			Timestamp:  doc.Timestamp,
		})
	}

	if err := cursor.Err(); err != nil {
		logrus.WithError(err).Error("Cursor error")
		return nil, models.ErrDatabaseQuery
	}

	return out, nil
}
