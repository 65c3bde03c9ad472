package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Environment
	Environment string

	// Database
	DatabaseURL string

	// Redis
	RedisURL string

	// Server
	Port        string
	FrontendURL string

	// Matchmaking
	QueueTickSeconds     int
	ConfirmWindowSeconds int
	RankedBaseWindow     int
	RankedWindowGrowth   int
	PenaltyBaseSeconds   int
	PenaltyMultiplier    float64
	PenaltyResetHours    int

	// Match Settings
	BestOf                  int
	PiecePreviewCount       int
	InterGameDelaySeconds   int
	DisconnectGraceSeconds  int
	MatchTTLMinutes         int
	StaleThresholdMinutes   int
	ResultRetentionSeconds  int
	JanitorIntervalMinutes  int
	GraceSweepIntervalSecs  int

	// Security
	JWTSecret string
}

func Load() *Config {
	// Load .env file if it exists
	godotenv.Load()

	return &Config{
		// Environment
		Environment: getEnv("APP_ENV", "development"),

		// Database
		DatabaseURL: getEnv("DATABASE_URL", "postgres://localhost:5432/blockduel?sslmode=disable"),

		// Redis
		RedisURL: getEnv("REDIS_URL", "redis://localhost:6379/0"),

		// Server
		Port:        getEnv("APP_PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", "http://localhost:5173"),

		// Matchmaking
		QueueTickSeconds:     getEnvInt("QUEUE_TICK_SECONDS", 2),
		ConfirmWindowSeconds: getEnvInt("CONFIRM_WINDOW_SECONDS", 10),
		RankedBaseWindow:     getEnvInt("RANKED_BASE_WINDOW", 100),
		RankedWindowGrowth:   getEnvInt("RANKED_WINDOW_GROWTH_PER_10S", 50),
		PenaltyBaseSeconds:   getEnvInt("PENALTY_BASE_SECONDS", 30),
		PenaltyMultiplier:    getEnvFloat("PENALTY_MULTIPLIER", 2.0),
		PenaltyResetHours:    getEnvInt("PENALTY_RESET_HOURS", 24),

		// Match Settings
		BestOf:                  getEnvInt("BEST_OF", 3),
		PiecePreviewCount:       getEnvInt("PIECE_PREVIEW_COUNT", 5),
		InterGameDelaySeconds:   getEnvInt("INTER_GAME_DELAY_SECONDS", 5),
		DisconnectGraceSeconds:  getEnvInt("DISCONNECT_GRACE_SECONDS", 60),
		MatchTTLMinutes:         getEnvInt("MATCH_TTL_MINUTES", 120),
		StaleThresholdMinutes:   getEnvInt("STALE_THRESHOLD_MINUTES", 30),
		ResultRetentionSeconds:  getEnvInt("RESULT_RETENTION_SECONDS", 60),
		JanitorIntervalMinutes:  getEnvInt("JANITOR_INTERVAL_MINUTES", 5),
		GraceSweepIntervalSecs:  getEnvInt("GRACE_SWEEP_INTERVAL_SECONDS", 10),

		// Security
		JWTSecret: getEnv("JWT_SECRET", "change-me-in-production"),
	}
}

// QueueTick returns the matchmaking re-evaluation interval.
func (c *Config) QueueTick() time.Duration {
	return time.Duration(c.QueueTickSeconds) * time.Second
}

// ConfirmWindow returns how long both players have to accept a found match.
func (c *Config) ConfirmWindow() time.Duration {
	return time.Duration(c.ConfirmWindowSeconds) * time.Second
}

// DisconnectGrace returns how long a waiting match tolerates a dead
// connection before force-ending.
func (c *Config) DisconnectGrace() time.Duration {
	return time.Duration(c.DisconnectGraceSeconds) * time.Second
}

// InterGameDelay returns the pause between games of a series.
func (c *Config) InterGameDelay() time.Duration {
	return time.Duration(c.InterGameDelaySeconds) * time.Second
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
