package gateway

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Settings locate and authenticate the gateway. They come from the
// environment so credentials never land in config files.
type Settings struct {
	LoginURL     string `env:"LOGIN_URL"`
	AuthURL      string `env:"AUTH_URL"`
	DescURL      string `env:"DESC_URL"`
	DictURL      string `env:"DICT_URL"`
	QueryURL     string `env:"QUERY_URL"`
	User         string `env:"USR"`
	Password     string `env:"PWD2"`
	DBName       string `env:"DB_NAME"`
	InstanceName string `env:"INSTANCE_NAME"`

	Timeout time.Duration `env:"GATEWAY_TIMEOUT" envDefault:"30s"`
}

// SettingsFromEnv parses Settings from the process environment.
func SettingsFromEnv() (Settings, error) {
	var s Settings
	if err := env.Parse(&s); err != nil {
		return Settings{}, fmt.Errorf("parse env: %w", err)
	}
	return s, nil
}

// Validate checks the fields every query needs.
func (s Settings) Validate() error {
	missing := []string{}
	if s.LoginURL == "" {
		missing = append(missing, "LOGIN_URL")
	}
	if s.AuthURL == "" {
		missing = append(missing, "AUTH_URL")
	}
	if s.QueryURL == "" {
		missing = append(missing, "QUERY_URL")
	}
	if s.User == "" {
		missing = append(missing, "USR")
	}
	if s.DBName == "" {
		missing = append(missing, "DB_NAME")
	}
	if s.InstanceName == "" {
		missing = append(missing, "INSTANCE_NAME")
	}
	if len(missing) > 0 {
		return fmt.Errorf("gateway settings incomplete, set %v", missing)
	}
	return nil
}
