package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"
)

// Config holds all configuration for the belated service
type Config struct {
	// Database configuration
	DBHost            string
	DBPort            string
	DBUser            string
	DBPassword        string
	DBName            string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration
	DBPingMaxWait     time.Duration

	// Server configuration
	Port       string
	SiteDomain string

	// Logging
	LogLevel  string
	LogFormat string

	// SendGrid configuration
	SendGridAPIKey    string
	SendGridFromName  string
	SendGridFromEmail string

	// Geocoding
	GeocoderURL         string
	GeocoderFallbackURL string
	GeocoderUserAgent   string
	GeocoderRPS         float64
	GeocoderMaxRetries  int

	// Invite ingestion over RabbitMQ, disabled when AMQPURL is empty
	AMQPURL          string
	InviteExchange   string
	InviteQueue      string
	InviteRoutingKey string
	InviteWorkers    int
	ServiceEmail     string

	DefaultLocationsFile string

	// Timezone used when rendering times in messages
	Timezone string
	Location *time.Location

	// Scheduling
	CheckpointOffsets   []int
	AlwaysNotifyMinutes int
	SweepSchedule       string
	SweepLookahead      time.Duration

	// Arrival model
	PositionWindow       time.Duration
	ComfortableSlack     float64
	ComfortableMinsEarly int
}

// Load loads configuration from environment variables
func Load() *Config {
	return &Config{
		DBHost:            getEnv("DB_HOST", "localhost"),
		DBPort:            getEnv("DB_PORT", "3306"),
		DBUser:            getEnv("DB_USER", "server"),
		DBPassword:        getEnv("DB_PASSWORD", "secret"),
		DBName:            getEnv("DB_NAME", "belated"),
		DBMaxOpenConns:    getIntEnv("DB_MAX_OPEN_CONNS", 25),
		DBMaxIdleConns:    getIntEnv("DB_MAX_IDLE_CONNS", 10),
		DBConnMaxLifetime: time.Duration(getIntEnv("DB_CONN_MAX_LIFETIME_MIN", 5)) * time.Minute,
		DBPingMaxWait:     time.Duration(getIntEnv("DB_PING_MAX_WAIT_SEC", 60)) * time.Second,

		Port:       getEnv("PORT", "8080"),
		SiteDomain: getEnv("SITE_DOMAIN", "localhost:8080"),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),

		SendGridAPIKey:    getEnv("SENDGRID_API_KEY", ""),
		SendGridFromName:  getEnv("SENDGRID_FROM_NAME", "Belated"),
		SendGridFromEmail: getEnv("SENDGRID_FROM_EMAIL", "info@belated.app"),

		GeocoderURL:         getEnv("GEOCODER_URL", "https://nominatim.openstreetmap.org"),
		GeocoderFallbackURL: getEnv("GEOCODER_FALLBACK_URL", ""),
		GeocoderUserAgent:   getEnv("GEOCODER_USER_AGENT", "Belated/1.0 (https://belated.app)"),
		GeocoderRPS:         getFloatEnv("GEOCODER_RPS", 1),
		GeocoderMaxRetries:  getIntEnv("GEOCODER_MAX_RETRIES", 3),

		AMQPURL:          getEnv("AMQP_URL", ""),
		InviteExchange:   getEnv("INVITE_EXCHANGE", "belated"),
		InviteQueue:      getEnv("INVITE_QUEUE", "belated-invites"),
		InviteRoutingKey: getEnv("INVITE_ROUTING_KEY", "invite"),
		InviteWorkers:    getIntEnv("INVITE_WORKERS", 4),
		ServiceEmail:     strings.ToLower(getEnv("SERVICE_EMAIL", "")),

		DefaultLocationsFile: getEnv("DEFAULT_LOCATIONS_FILE", ""),

		Timezone: getEnv("TIMEZONE", "Australia/Brisbane"),

		CheckpointOffsets:   getIntSliceEnv("CHECKPOINT_OFFSETS", []int{120, 60, 30, 15, 5, 0}),
		AlwaysNotifyMinutes: getIntEnv("ALWAYS_NOTIFY_MINUTES", 15),
		SweepSchedule:       getEnv("SWEEP_SCHEDULE", "1,31 * * * *"),
		SweepLookahead:      getDurationEnv("SWEEP_LOOKAHEAD", 3*time.Hour),

		PositionWindow:       getDurationEnv("POSITION_WINDOW", 30*time.Minute),
		ComfortableSlack:     getFloatEnv("COMFORTABLE_SLACK", 0.7),
		ComfortableMinsEarly: getIntEnv("COMFORTABLE_MINS_EARLY", 5),
	}
}

// Validate checks the loaded values once at startup and resolves the timezone.
func (c *Config) Validate() error {
	if len(c.CheckpointOffsets) == 0 {
		return fmt.Errorf("CHECKPOINT_OFFSETS must not be empty")
	}
	if !sort.SliceIsSorted(c.CheckpointOffsets, func(i, j int) bool {
		return c.CheckpointOffsets[i] > c.CheckpointOffsets[j]
	}) {
		return fmt.Errorf("CHECKPOINT_OFFSETS must be in decreasing order, got %v", c.CheckpointOffsets)
	}
	for i, o := range c.CheckpointOffsets {
		if o < 0 {
			return fmt.Errorf("CHECKPOINT_OFFSETS must not be negative, got %d", o)
		}
		if i > 0 && o == c.CheckpointOffsets[i-1] {
			return fmt.Errorf("CHECKPOINT_OFFSETS has duplicate offset %d", o)
		}
	}
	if c.ComfortableSlack <= 0 || c.ComfortableSlack > 1 {
		return fmt.Errorf("COMFORTABLE_SLACK must be in (0, 1], got %v", c.ComfortableSlack)
	}
	if c.ComfortableMinsEarly < 0 {
		return fmt.Errorf("COMFORTABLE_MINS_EARLY must not be negative, got %d", c.ComfortableMinsEarly)
	}
	if c.PositionWindow <= 0 {
		return fmt.Errorf("POSITION_WINDOW must be positive, got %v", c.PositionWindow)
	}
	if c.SweepLookahead <= 0 {
		return fmt.Errorf("SWEEP_LOOKAHEAD must be positive, got %v", c.SweepLookahead)
	}
	if c.GeocoderRPS <= 0 {
		return fmt.Errorf("GEOCODER_RPS must be positive, got %v", c.GeocoderRPS)
	}
	if c.AMQPURL != "" && c.InviteQueue == "" {
		return fmt.Errorf("INVITE_QUEUE is required when AMQP_URL is set")
	}
	if c.InviteWorkers <= 0 {
		return fmt.Errorf("INVITE_WORKERS must be positive, got %d", c.InviteWorkers)
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return fmt.Errorf("unknown TIMEZONE %q: %w", c.Timezone, err)
	}
	c.Location = loc
	return nil
}

// DSN returns the MySQL connection string
func (c *Config) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?parseTime=true&loc=UTC", c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName)
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getDurationEnv gets a duration environment variable or returns a default value
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getIntEnv gets an integer environment variable or returns a default value
func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getIntSliceEnv parses a comma-separated list of integers, falling back to
// the default when any element is malformed
func getIntSliceEnv(key string, defaultValue []int) []int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []int
	for _, part := range strings.Split(value, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return defaultValue
		}
		out = append(out, n)
	}
	return out
}
