package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	DBFile      string
	AdminAddr   string
	APIAddr     string
	BaseURL     string
	UploadsPath string
	AuthSecret  string
	TokenExpiry time.Duration

	// Message lifecycle.
	MessageTTL       time.Duration
	RoomTTL          time.Duration
	MessageRetention int
	SweepInterval    time.Duration

	// Client protocol constants.
	SendMinInterval  time.Duration
	HandshakeTimeout time.Duration
	KeyWaitGrace     time.Duration

	// Web push (optional; push is disabled when the keys are empty).
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	PushContact     string
}

func Load(cliMode bool) (*Config, error) {
	tokenExpiry, err := time.ParseDuration(getEnv("TOKEN_EXPIRY", "24h"))
	if err != nil {
		return nil, err
	}

	retention, err := strconv.Atoi(getEnv("MESSAGE_RETENTION", "1000"))
	if err != nil {
		return nil, fmt.Errorf("MESSAGE_RETENTION must be an integer: %w", err)
	}

	cfg := &Config{
		DBFile:      getEnv("WAVES_DB", "waves.db"),
		AdminAddr:   getEnv("ADMIN_ADDR", "localhost:8081"),
		APIAddr:     getEnv("API_ADDR", ":8080"),
		BaseURL:     getEnv("BASE_URL", "http://localhost:8080"),
		UploadsPath: getEnv("UPLOADS_PATH", "uploads"),
		AuthSecret:  os.Getenv("AUTH_SECRET"),
		TokenExpiry: tokenExpiry,

		MessageTTL:       31 * 24 * time.Hour,
		RoomTTL:          40 * 24 * time.Hour,
		MessageRetention: retention,
		SweepInterval:    time.Hour,

		SendMinInterval:  time.Second,
		HandshakeTimeout: 10 * time.Second,
		KeyWaitGrace:     3 * time.Second,

		VAPIDPublicKey:  os.Getenv("VAPID_PUBLIC_KEY"),
		VAPIDPrivateKey: os.Getenv("VAPID_PRIVATE_KEY"),
		PushContact:     getEnv("PUSH_CONTACT", "mailto:admin@localhost"),
	}

	if err := cfg.Validate(cliMode); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate(cliMode bool) error {
	if c.AuthSecret == "" && !cliMode {
		return fmt.Errorf("AUTH_SECRET is required")
	}

	if c.TokenExpiry <= 0 {
		return fmt.Errorf("TOKEN_EXPIRY must be greater than 0")
	}

	if c.MessageRetention <= 0 {
		return fmt.Errorf("MESSAGE_RETENTION must be greater than 0")
	}

	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
