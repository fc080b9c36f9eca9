package clients

import (
	"encoding/json"
	"fmt"
	"time"

	"consulthub-session-svc/src/internal/config"
	"consulthub-session-svc/src/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
)

// PushClient publishes call-invite notifications for the external push
// sender. Delivery is best effort; failures are logged and never retried here.
type PushClient struct {
	channel *amqp.Channel
	cfg     *config.RabbitMQConfig
}

func NewPushClient(cfg *config.Configuration, channel *amqp.Channel) *PushClient {
	return &PushClient{
		channel: channel,
		cfg:     &cfg.Queue.RabbitMQ,
	}
}

func (c *PushClient) PublishCallInvite(invite *models.CallInvitePush) error {
	body, err := json.Marshal(invite)
	if err != nil {
		return fmt.Errorf("failed to marshal call invite: %w", err)
	}

	err = c.channel.Publish(
		c.cfg.Exchange,
		c.cfg.RoutingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
			Timestamp:   time.Now(),
		},
	)

	if err != nil {
		logrus.WithError(err).Error("Failed to publish call invite")
		return fmt.Errorf("failed to publish call invite: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"target_user_id": invite.TargetUserID,
		"call_id":        invite.CallID,
		"call_kind":      invite.CallKind,
		"exchange":       c.cfg.Exchange,
		"routing_key":    c.cfg.RoutingKey,
	}).Debug("Call invite published")

	return nil
}
