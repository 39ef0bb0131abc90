package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds settings for both the call client and the dev relay.
type Config struct {
	// Dev relay
	Port           string
	Environment    string
	AllowedOrigins []string
	JWTSecret      string
	Redis          RedisConfig

	Client    ClientConfig
	Reconnect ReconnectConfig
	Heartbeat HeartbeatConfig
	Call      CallConfig
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// Enabled reports whether a Redis host was configured.
func (r RedisConfig) Enabled() bool {
	return r.Host != ""
}

// ClientConfig identifies the local user towards the signaling server.
type ClientConfig struct {
	SignalURL   string
	UserID      string
	AuthToken   string
	DisplayName string
	Role        string
	CallTarget  string
	AutoAnswer  bool

	// ICEServers are STUN/TURN URLs for the media layer.
	ICEServers []string
	// MediaLoopback restricts ICE to loopback UDP, for single-host demos.
	MediaLoopback bool
}

// Configured reports whether enough identity was supplied to connect.
func (c ClientConfig) Configured() bool {
	return c.SignalURL != "" && c.UserID != "" && c.AuthToken != ""
}

type ReconnectConfig struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

type HeartbeatConfig struct {
	Interval   time.Duration
	MaxMissed  int
	StaleAfter time.Duration
}

type CallConfig struct {
	RingTimeout        time.Duration
	AssignTimeout      time.Duration
	CrossTabClearAfter time.Duration
	MediaCloseGrace    time.Duration
}

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first when present; real env vars take precedence.
func Load() *Config {
	if err := godotenv.Load(); err == nil {
		log.Println("config: loaded .env")
	}

	return &Config{
		Port:           getEnv("PORT", "8080"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		AllowedOrigins: getList("ALLOWED_ORIGINS", []string{"http://localhost:3000", "http://localhost:5173"}),
		JWTSecret:      getEnv("JWT_SECRET", "change-me-in-production"),
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", ""),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getInt("REDIS_DB", 0),
		},
		Client: ClientConfig{
			SignalURL:   getEnv("SIGNAL_URL", "ws://localhost:8080/ws/signal"),
			UserID:      getEnv("USER_ID", ""),
			AuthToken:   getEnv("AUTH_TOKEN", ""),
			DisplayName: getEnv("DISPLAY_NAME", ""),
			Role:        getEnv("USER_ROLE", "patient"),
			CallTarget:  getEnv("CALL_TARGET", ""),
			AutoAnswer:  getBool("AUTO_ANSWER", false),

			ICEServers:    getList("ICE_SERVERS", nil),
			MediaLoopback: getBool("MEDIA_LOOPBACK", false),
		},
		Reconnect: ReconnectConfig{
			BaseDelay:   getDuration("RECONNECT_BASE_DELAY", 2*time.Second),
			MaxDelay:    getDuration("RECONNECT_MAX_DELAY", 30*time.Second),
			MaxAttempts: getInt("RECONNECT_MAX_ATTEMPTS", 10),
		},
		Heartbeat: HeartbeatConfig{
			Interval:   getDuration("HEARTBEAT_INTERVAL", 10*time.Second),
			MaxMissed:  getInt("HEARTBEAT_MAX_MISSED", 3),
			StaleAfter: getDuration("HEARTBEAT_STALE_AFTER", 40*time.Second),
		},
		Call: CallConfig{
			RingTimeout:        getDuration("RING_TIMEOUT", 45*time.Second),
			AssignTimeout:      getDuration("ASSIGN_TIMEOUT", 15*time.Second),
			CrossTabClearAfter: getDuration("CROSSTAB_CLEAR_AFTER", time.Second),
			MediaCloseGrace:    getDuration("MEDIA_CLOSE_GRACE", 2*time.Second),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getList parses a comma-separated value, dropping empty entries.
func getList(key string, defaultValue []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getInt(key string, defaultValue int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("config: %s=%q is not an integer, using %d", key, v, defaultValue)
		return defaultValue
	}
	return n
}

func getBool(key string, defaultValue bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("config: %s=%q is not a boolean, using %v", key, v, defaultValue)
		return defaultValue
	}
	return b
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		log.Printf("config: %s=%q is not a positive duration, using %s", key, v, defaultValue)
		return defaultValue
	}
	return d
}
