package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"consulthub-session-svc/src/internal/config"
	"consulthub-session-svc/src/internal/models"
	"consulthub-session-svc/src/internal/user"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const pendingChatKeyPattern = "chat:pending:%s" // chat:pending:<userID>

type Service interface {
	GetAdvisorDirectory(ctx context.Context) ([]*user.User, error)
	SaveAdvisorDirectory(ctx context.Context, advisors []*user.User) error
	InvalidateAdvisorDirectory(ctx context.Context) error
	QueuePendingChat(ctx context.Context, userID string, msg *models.ChatMessageData) error
	DrainPendingChat(ctx context.Context, userID string) ([]*models.ChatMessageData, error)
}

type cacheService struct {
	client *redis.Client
	cfg    *config.CacheConfig
}

func NewCacheService(client *redis.Client, cfg *config.Configuration) Service {
	return &cacheService{
		client: client,
		cfg:    &cfg.Cache}
}

func (c *cacheService) GetAdvisorDirectory(ctx context.Context) ([]*user.User, error) {
	data, err := c.client.Get(ctx, c.cfg.AdvisorListKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			logrus.Debug("Advisor directory not found in cache")
			return nil, nil // Not an error, just not found
		}
		logrus.WithError(err).Error("Failed to get advisor directory from cache")
		return nil, models.ErrRedisGet
	}

	var advisors []*user.User
	if err := json.Unmarshal([]byte(data), &advisors); err != nil {
		logrus.WithError(err).Error("Failed to unmarshal advisor directory from cache")
		return nil, models.ErrRedisGet
	}

	logrus.WithField("count", len(advisors)).Debug("Advisor directory retrieved from cache")
	return advisors, nil
}

func (c *cacheService) SaveAdvisorDirectory(ctx context.Context, advisors []*user.User) error {
	data, err := json.Marshal(advisors)
	if err != nil {
		logrus.WithError(err).Error("Failed to marshal advisor directory for cache")
		return models.ErrRedisSet
	}

	expiration := time.Duration(c.cfg.AdvisorListExpirationMinutes) * time.Minute
	err = c.client.Set(ctx, c.cfg.AdvisorListKey, data, expiration).Err()
	if err != nil {
		logrus.WithError(err).Error("Failed to cache advisor directory")
		return models.ErrRedisSet
	}

	return nil
}

func (c *cacheService) InvalidateAdvisorDirectory(ctx context.Context) error {
	err := c.client.Del(ctx, c.cfg.AdvisorListKey).Err()
	if err != nil {
		logrus.WithError(err).Error("Failed to invalidate advisor directory")
		return models.ErrRedisDelete
	}
	return nil
}

// QueuePendingChat appends a message to the recipient's offline queue. The
// queue expires so a recipient who never returns does not pin memory forever.
func (c *cacheService) QueuePendingChat(ctx context.Context, userID string, msg *models.ChatMessageData) error {
	data, err := json.Marshal(msg)
	if err != nil {
		logrus.WithError(err).Error("Failed to marshal pending chat message")
		return models.ErrRedisSet
	}

	key := fmt.Sprintf(pendingChatKeyPattern, userID)
	if err := c.client.RPush(ctx, key, data).Err(); err != nil {
		logrus.WithError(err).WithField("user_id", userID).Error("Failed to queue pending chat")
		return models.ErrRedisSet
	}

	ttl := time.Duration(c.cfg.PendingChatExpirationHours) * time.Hour
	if err := c.client.Expire(ctx, key, ttl).Err(); err != nil {
		logrus.WithError(err).WithField("user_id", userID).Error("Failed to set pending chat TTL")
	}

	logrus.WithFields(logrus.Fields{
		"user_id":    userID,
		"message_id": msg.MessageID,
	}).Debug("Chat message queued for offline recipient")

	return nil
}

func (c *cacheService) DrainPendingChat(ctx context.Context, userID string) ([]*models.ChatMessageData, error) {
	key := fmt.Sprintf(pendingChatKeyPattern, userID)

	items, err := c.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		logrus.WithError(err).WithField("user_id", userID).Error("Failed to read pending chat")
		return nil, models.ErrRedisGet
	}
	if len(items) == 0 {
		return nil, nil
	}

	if err := c.client.Del(ctx, key).Err(); err != nil {
		logrus.WithError(err).WithField("user_id", userID).Error("Failed to clear pending chat")
	}

	msgs := make([]*models.ChatMessageData, 0, len(items))
	for _, item := range items {
		var msg models.ChatMessageData
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			logrus.WithError(err).Error("Failed to unmarshal pending chat message")
			continue
		}
		msgs = append(msgs, &msg)
	}

	return msgs, nil
}
