package server

import (
	"net/http"
	"time"

	"consulthub-session-svc/src/internal/dependency"

	"github.com/gin-gonic/gin"
)

func SetupRoutes(deps *dependency.Manager) {
	router := deps.Router
	router.Use(enableCORS)

	setupHealthEndpoint(deps)
	setupRealtimeRoute(deps)
	setupCallRoutes(deps)
	setupSessionRoutes(deps)
}

func setupHealthEndpoint(deps *dependency.Manager) {
	router := deps.Router
	mongodb := deps.Mongodb
	redisClient := deps.Redis
	cfg := deps.Config

	router.GET("/health", func(c *gin.Context) {
		log.Info("Health check endpoint requested")

		mongoStatus := "ok"
		if err := mongodb.Client.Ping(c.Request.Context(), nil); err != nil {
			mongoStatus = "error: " + err.Error()
		}

		redisStatus := "ok"
		if err := redisClient.Client.Ping(c.Request.Context()).Err(); err != nil {
			redisStatus = "error: " + err.Error()
		}

		c.JSON(200, gin.H{
			"status":          "ok",
			"service":         cfg.App.Name,
			"version":         cfg.App.Version,
			"mongodb":         mongoStatus,
			"redis":           redisStatus,
			"active_sessions": deps.Registry.Len(),
			"timestamp":       time.Now().UTC().Format("2006-01-02T15:04:05Z07:00"),
		})
	})

	router.GET("/api/v1/status", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"api_version": "v1",
			"status":      "operational",
			"service":     cfg.App.Name,
		})
	})
}

func setupRealtimeRoute(deps *dependency.Manager) {
	handler := NewWsHandler(deps)
	deps.Router.GET("/ws", deps.AuthMiddleware.RequireAuth(), handler.Upgrade)
}

// setupCallRoutes exposes the native answer path: a push-woken device with no
// socket context answers over plain HTTP.
func setupCallRoutes(deps *dependency.Manager) {
	authMiddleware := deps.AuthMiddleware

	calls := deps.Router.Group("/api/v1/calls")
	{
		calls.POST("/:callId/answer",
			authMiddleware.RequireAuth(),
			answerCallHandler(deps))
	}
}

func answerCallHandler(deps *dependency.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		callID := c.Param("callId")
		userID := c.GetString("user_id")

		var body struct {
			Accept bool   `json:"accept"`
			Kind   string `json:"type"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid body"})
			return
		}

		other, err := deps.SessionManager.AcceptSession(c.Request.Context(), callID, userID, body.Kind, body.Accept)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"ok": false, "error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{"ok": true, "fromUserId": other})
	}
}

// setupSessionRoutes exposes the per-session billing breakdown: the flat
// session summary travels on the session-ended event, the minute-by-minute
// ledger is pulled here.
func setupSessionRoutes(deps *dependency.Manager) {
	sessions := deps.Router.Group("/api/v1/sessions")
	{
		sessions.GET("/:sessionId/billing",
			deps.AuthMiddleware.RequireAuth(),
			sessionBillingHandler(deps))
	}
}

func sessionBillingHandler(deps *dependency.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Param("sessionId")
		userID := c.GetString("user_id")

		rec, err := deps.SessionRepo.GetByID(c.Request.Context(), sessionID)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"ok": false, "error": "session not found"})
			return
		}
		if rec.ClientID != userID && rec.AdvisorID != userID {
			c.JSON(http.StatusForbidden, gin.H{"ok": false, "error": "not a participant"})
			return
		}

		entries, err := deps.LedgerRepo.ListBySession(c.Request.Context(), sessionID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "ledger unavailable"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"ok":       true,
			"entries":  entries,
			"duration": rec.DurationSeconds,
			"status":   rec.Status,
		})
	}
}

func enableCORS(c *gin.Context) {
	c.Header("Access-Control-Allow-Origin", "*")
	c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
	c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

	if c.Request.Method == "OPTIONS" {
		c.AbortWithStatus(204)
		return
	}

	c.Next()
}
