package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the single configuration struct for the whole service. It is
// built once in main and injected into every component; business logic
// never reads the environment directly.
type Config struct {
	Port        string
	DatabaseURL string
	JWTSecret   string

	GoogleClientID     string
	GoogleClientSecret string
	GoogleProjectID    string
	GoogleCredentials  string
	PubSubTopic        string

	// PushAudience is the audience expected on the Pub/Sub push identity
	// token. Defaults to the endpoint's own URL.
	PushAudience string

	ClassifierEndpoint string
	ClassifierAPIKey   string
	ClassifierModel    string
	ClassifierTimeout  time.Duration

	RunnerInterval time.Duration
	BatchSize      int

	BackfillWindow      time.Duration
	BackfillMaxMessages int64

	AuditWebhookURL string
}

func Load() *Config {
	// Load .env file if it exists
	_ = godotenv.Load()

	return &Config{
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: getEnv("DATABASE_URL", "postgres://localhost:5432/maklermail?sslmode=disable"),
		JWTSecret:   getEnv("JWT_SECRET", "your-secret-key-change-in-production"),

		GoogleClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
		GoogleProjectID:    getEnv("GOOGLE_PROJECT_ID", ""),
		GoogleCredentials:  getEnv("GOOGLE_APPLICATION_CREDENTIALS", ""),
		PubSubTopic:        getEnv("GOOGLE_PUBSUB_TOPIC", "gmail-updates"),
		PushAudience:       getEnv("PUSH_AUDIENCE", ""),

		ClassifierEndpoint: getEnv("CLASSIFIER_ENDPOINT", ""),
		ClassifierAPIKey:   getEnv("CLASSIFIER_API_KEY", ""),
		ClassifierModel:    getEnv("CLASSIFIER_MODEL", "gpt-4o-mini"),
		ClassifierTimeout:  getDuration("CLASSIFIER_TIMEOUT", 20*time.Second),

		RunnerInterval: getDuration("RUNNER_INTERVAL", 15*time.Second),
		BatchSize:      getInt("RUNNER_BATCH_SIZE", 20),

		BackfillWindow:      getDuration("BACKFILL_WINDOW", 72*time.Hour),
		BackfillMaxMessages: int64(getInt("BACKFILL_MAX_MESSAGES", 50)),

		AuditWebhookURL: getEnv("AUDIT_WEBHOOK_URL", ""),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
