// Package config loads the signaling relay's environment configuration.
// Secrets support the _FILE convention via pkg/env for docker secrets.
package config

import (
	"fmt"
	"time"

	"owly-callkit/pkg/constants"
	"owly-callkit/pkg/env"
)

// Config holds everything the signaling service needs at startup.
type Config struct {
	Env  string
	Port string

	JWTSecret        string
	MediaTokenExpiry time.Duration

	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	RedisHost     string
	RedisPort     int
	RedisPassword string

	// Push credentials; either may be empty, disabling that provider.
	FCMCredentialsFile string
	APNsKeyFile        string
	APNsKeyID          string
	APNsTeamID         string
	APNsTopic          string

	MaxSignalingConnections int
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		Env:  env.GetString("ENV", "development"),
		Port: env.GetString("PORT", "8085"),

		JWTSecret:        env.GetStringFromFile("JWT_SECRET", ""),
		MediaTokenExpiry: env.GetDuration("MEDIA_TOKEN_EXPIRY", constants.MediaTokenExpiry),

		DBHost:     env.GetString("DB_HOST", "localhost"),
		DBPort:     env.GetInt("DB_PORT", 5432),
		DBUser:     env.GetString("DB_USER", "postgres"),
		DBPassword: env.GetStringFromFile("DB_PASSWORD", ""),
		DBName:     env.GetString("DB_NAME", "owly"),
		DBSSLMode:  env.GetString("DB_SSLMODE", "disable"),

		RedisHost:     env.GetString("REDIS_HOST", "localhost"),
		RedisPort:     env.GetInt("REDIS_PORT", 6379),
		RedisPassword: env.GetStringFromFile("REDIS_PASSWORD", ""),

		FCMCredentialsFile: env.GetString("FCM_CREDENTIALS_FILE", ""),
		APNsKeyFile:        env.GetString("APNS_KEY_FILE", ""),
		APNsKeyID:          env.GetString("APNS_KEY_ID", ""),
		APNsTeamID:         env.GetString("APNS_TEAM_ID", ""),
		APNsTopic:          env.GetString("APNS_TOPIC", ""),

		MaxSignalingConnections: env.GetInt("WS_MAX_SIGNALING_CONNECTIONS", constants.MaxSignalingConnections),
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET environment variable is required")
	}
	if len(cfg.JWTSecret) < 32 {
		return nil, fmt.Errorf("JWT_SECRET must be at least 32 characters")
	}

	return cfg, nil
}

// DSN returns the postgres connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

// RedisAddr returns the redis host:port address.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}
