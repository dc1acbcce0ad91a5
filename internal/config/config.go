package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	TransportMemory = "memory"
	TransportNATS   = "nats"
)

type Config struct {
	Port               string
	DBUrl              string
	JWTSecret          string
	SupabaseURL        string
	SupabaseBucket     string
	SupabaseServiceKey string
	AppEnv             string

	EventTransport     string
	NATSURL            string
	NATSStream         string
	RealtimeChannel    string
	ChangeBridge       bool
	TypingTimeout      time.Duration
	UnreadPollInterval time.Duration
	NotificationCap    int
}

func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	jwtSecret, exists := os.LookupEnv("JWT_SECRET")
	if !exists || jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	cfg := &Config{
		Port:               getEnv("PORT", "8080"),
		DBUrl:              getEnv("DB_URL", ""),
		JWTSecret:          jwtSecret,
		SupabaseURL:        getEnv("SUPABASE_URL", ""),
		SupabaseBucket:     getEnv("SUPABASE_BUCKET", ""),
		SupabaseServiceKey: getEnv("SUPABASE_SERVICE_KEY", ""),
		AppEnv:             normalizeEnv(getEnv("APP_ENV", "production")),
		EventTransport:     strings.ToLower(strings.TrimSpace(getEnv("EVENT_TRANSPORT", TransportMemory))),
		NATSURL:            getEnv("NATS_URL", "nats://127.0.0.1:4222"),
		NATSStream:         getEnv("NATS_STREAM", "CHANGES"),
		RealtimeChannel:    getEnv("REALTIME_CHANNEL", "realtime_changes"),
		ChangeBridge:       getEnvBool("CHANGE_BRIDGE", true),
		TypingTimeout:      getEnvDuration("TYPING_TIMEOUT", 3*time.Second),
		UnreadPollInterval: getEnvDuration("UNREAD_POLL_INTERVAL", 30*time.Second),
		NotificationCap:    getEnvInt("NOTIFICATION_CAP", 50),
	}

	switch cfg.EventTransport {
	case TransportMemory, TransportNATS:
	default:
		return nil, fmt.Errorf("EVENT_TRANSPORT must be %q or %q, got %q", TransportMemory, TransportNATS, cfg.EventTransport)
	}

	return cfg, nil
}

// StorageEnabled reports whether image attachments can be uploaded.
func (c *Config) StorageEnabled() bool {
	return c.SupabaseURL != "" && c.SupabaseBucket != "" && c.SupabaseServiceKey != ""
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return fallback
	}

	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists || strings.TrimSpace(value) == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil || parsed <= 0 {
		log.Printf("config: ignoring invalid %s=%q", key, value)
		return fallback
	}
	return parsed
}

func getEnvInt(key string, fallback int) int {
	value, exists := os.LookupEnv(key)
	if !exists || strings.TrimSpace(value) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || parsed <= 0 {
		log.Printf("config: ignoring invalid %s=%q", key, value)
		return fallback
	}
	return parsed
}

func normalizeEnv(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "dev", "develop", "development", "local":
		return "development"
	case "prod", "production":
		return "production"
	case "stage", "staging":
		return "staging"
	case "test", "testing":
		return "test"
	default:
		return strings.ToLower(strings.TrimSpace(value))
	}
}

