package handlers

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/call-signaling/config"
	"github.com/mossy-p/call-signaling/internal/middleware"
	store "github.com/mossy-p/call-signaling/internal/redis"
	"github.com/redis/go-redis/v9"
)

// NewRouter builds the dev relay: token issuance, call lookup, presence and
// the websocket signaling endpoint.
func NewRouter(cfg *config.Config, rdb *redis.Client, logger *log.Logger) *gin.Engine {
	calls := NewCallRegistry(rdb)
	presence := store.NewPresence(rdb)
	broker := NewBroker(cfg.JWTSecret, calls, presence, logger)
	auth := middleware.JWTAuth(cfg.JWTSecret)

	router := gin.Default()

	// Global CORS middleware (runs before routing)
	router.Use(OriginFilter(cfg.AllowedOrigins))

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	apiGroup := router.Group("/api")
	{
		// Login endpoint (public)
		apiGroup.POST("/auth/login", Login(cfg.JWTSecret))

		// Call record, participants only
		apiGroup.GET("/calls/:callId", auth, GetCall(calls))

		// Users with an open signaling connection
		apiGroup.GET("/presence", auth, OnlineUsers(presence))
	}

	// WebSocket signaling endpoint
	router.GET("/ws/signal", auth, broker.HandleSignaling)

	return router
}

// OnlineUsers lists users with at least one open signaling connection.
func OnlineUsers(presence *store.Presence) gin.HandlerFunc {
	return func(c *gin.Context) {
		users, err := presence.Users(c.Request.Context())
		if err != nil {
			log.Printf("Failed to load presence: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load presence"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"users": users})
	}
}
