package config

import (
	"fmt"
	"os"
	"time"
)

// JWTConfig holds configuration for bearer token verification.
// Tokens are issued elsewhere; the engine only checks them.
type JWTConfig struct {
	Secret string
	Issuer string
	Leeway time.Duration
}

// minSecretLength is the shortest HMAC secret accepted
const minSecretLength = 16

// NewJWTConfig creates a JWT configuration from environment variables.
// It reads JWT_SECRET (required), JWT_ISSUER (optional) and JWT_LEEWAY (default: 30s).
// It returns nil and no error when JWT_SECRET is unset, meaning auth is disabled.
func NewJWTConfig() (*JWTConfig, error) {
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		return nil, nil
	}

	leewayStr := os.Getenv("JWT_LEEWAY")
	if leewayStr == "" {
		leewayStr = "30s" // default
	}
	leeway, err := time.ParseDuration(leewayStr)
	if err != nil {
		return nil, fmt.Errorf("invalid JWT_LEEWAY: %v", err)
	}

	config := &JWTConfig{
		Secret: secret,
		Issuer: os.Getenv("JWT_ISSUER"),
		Leeway: leeway,
	}

	if err := config.normalize(); err != nil {
		return nil, err
	}

	return config, nil
}

// normalize validates the configuration.
func (c *JWTConfig) normalize() error {
	if len(c.Secret) < minSecretLength {
		return fmt.Errorf("JWT_SECRET must be at least %d characters", minSecretLength)
	}
	if c.Leeway < 0 {
		return fmt.Errorf("JWT_LEEWAY must be non-negative, got: %s", c.Leeway)
	}
	return nil
}
