package dependency

import (
	"context"

	"consulthub-session-svc/src/clients"
	"consulthub-session-svc/src/internal/billing"
	"consulthub-session-svc/src/internal/cache"
	"consulthub-session-svc/src/internal/config"
	"consulthub-session-svc/src/internal/middleware"
	"consulthub-session-svc/src/internal/models"
	"consulthub-session-svc/src/internal/presence"
	"consulthub-session-svc/src/internal/relay"
	"consulthub-session-svc/src/internal/session"
	"consulthub-session-svc/src/internal/user"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

type Manager struct {
	Router         *gin.Engine
	Config         *config.Configuration
	Mongodb        *clients.MongoDB
	Redis          *clients.RedisClient
	RabbitMQ       *clients.RabbitMQ
	PushClient     *clients.PushClient
	CacheService   cache.Service
	UserService    user.Service
	SessionRepo    session.Repository
	LedgerRepo     billing.LedgerRepository
	Registry       *session.Registry
	Presence       *presence.Tracker
	Charger        billing.ChargeProcessor
	SessionManager *session.Manager
	Ticker         *session.Ticker
	Relay          *relay.Relay
	AuthMiddleware *middleware.AuthMiddleware
}

func NewDependencyManager(router *gin.Engine,
	mongodb *clients.MongoDB,
	redisClient *clients.RedisClient,
	rabbitMQ *clients.RabbitMQ,
	cfg *config.Configuration) *Manager {
	cacheService := cache.NewCacheService(redisClient.Client, cfg)

	userRepo := user.NewUserRepository(mongodb, cfg.Database.Collections.Users)
	userService := user.NewUserService(userRepo, cfg)

	sessionRepo := session.NewSessionRepository(mongodb, cfg.Database.Collections.Sessions)
	pairRepo := billing.NewPairRepository(mongodb, cfg.Database.Collections.PairMonths)
	ledgerRepo := billing.NewLedgerRepository(mongodb, cfg.Database.Collections.Ledger)
	chatRepo := relay.NewChatRepository(mongodb, cfg.Database.Collections.ChatMessages)

	registry := session.NewRegistry()
	tracker := presence.NewTracker(userService, cfg)

	charger := billing.NewCharger(userService, ledgerRepo, tracker, cfg)
	pushClient := clients.NewPushClient(cfg, rabbitMQ.Channel)

	sessionManager := session.NewManager(registry, sessionRepo, userService, pairRepo,
		charger, tracker, tracker, pushClient, cfg)
	ticker := session.NewTicker(registry, tracker, charger, pairRepo, sessionManager, cfg)

	messageRelay := relay.New(tracker, cacheService, chatRepo)

	authMiddleware := middleware.NewAuthMiddleware(cfg.Security.JwtKey)

	deps := &Manager{
		Router:         router,
		Config:         cfg,
		Mongodb:        mongodb,
		Redis:          redisClient,
		RabbitMQ:       rabbitMQ,
		PushClient:     pushClient,
		CacheService:   cacheService,
		UserService:    userService,
		SessionRepo:    sessionRepo,
		LedgerRepo:     ledgerRepo,
		Registry:       registry,
		Presence:       tracker,
		Charger:        charger,
		SessionManager: sessionManager,
		Ticker:         ticker,
		Relay:          messageRelay,
		AuthMiddleware: authMiddleware,
	}

	tracker.SetGraceExpiredHandler(func(userID string) {
		sessionManager.EndUserSession(context.Background(), userID, session.ReasonDisconnect)
	})
	tracker.SetAvailabilityChangedHandler(func() {
		deps.BroadcastAdvisors(context.Background())
	})

	return deps
}

// BroadcastAdvisors refreshes the advisor-directory cache and pushes the
// updated listing to every connected endpoint.
func (m *Manager) BroadcastAdvisors(ctx context.Context) {
	if err := m.CacheService.InvalidateAdvisorDirectory(ctx); err != nil {
		logrus.WithError(err).Debug("Advisor cache invalidation failed")
	}

	advisors, err := m.UserService.ListAdvisors(ctx)
	if err != nil {
		logrus.WithError(err).Error("Failed to list advisors for broadcast")
		return
	}

	if err := m.CacheService.SaveAdvisorDirectory(ctx, advisors); err != nil {
		logrus.WithError(err).Debug("Advisor cache refresh failed")
	}

	m.Presence.Broadcast(models.EventAdvisorUpdate, advisors)
}
