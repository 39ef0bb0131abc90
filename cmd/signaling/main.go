package main

import (
	"context"
	"log"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/call-signaling/config"
	"github.com/mossy-p/call-signaling/internal/handlers"
	"github.com/mossy-p/call-signaling/internal/redis"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Connect to Redis, or run an embedded one for local testing
	rdb, closeRedis, err := redis.Open(context.Background(), cfg.Redis)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer closeRedis()

	if cfg.Redis.Enabled() {
		log.Println("Redis connection established")
	} else {
		log.Println("REDIS_HOST not set, using embedded Redis")
	}

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := handlers.NewRouter(cfg, rdb, log.Default())

	// Start server
	log.Printf("Starting call signaling relay on port %s", cfg.Port)
	if err := router.Run(":" + cfg.Port); err != nil {
		log.Fatal("Failed to start server:", err)
	}
}
