package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Env holds settings that never live in ledgerview.yml.
type Env struct {
	JWTSecret    string `env:"LEDGERVIEW_JWT_SECRET"`
	LogLevel     string `env:"LEDGERVIEW_LOG_LEVEL" envDefault:"info"`
	LogFormat    string `env:"LEDGERVIEW_LOG_FORMAT" envDefault:"json"`
	OTelEndpoint string `env:"LEDGERVIEW_OTEL_ENDPOINT"`
	OTelEnabled  bool   `env:"LEDGERVIEW_OTEL_ENABLED" envDefault:"true"`
}

// ParseEnv loads configuration from environment variables into target.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

func LoadEnv() (Env, error) {
	var e Env
	if err := ParseEnv(&e); err != nil {
		return Env{}, err
	}
	switch e.LogFormat {
	case "json", "text":
	default:
		return Env{}, fmt.Errorf("LEDGERVIEW_LOG_FORMAT must be json or text, got %q", e.LogFormat)
	}
	return e, nil
}
