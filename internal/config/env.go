package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment.
// Variables already set win. A missing file is not an error.
func LoadDotEnv(path string) error {
	if strings.TrimSpace(path) == "" {
		path = ".env"
	}
	err := godotenv.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// ApplyEnv overlays environment overrides onto cfg. PORT is honoured for
// PaaS deployments; PROMOSCHED_HTTP_ADDR wins over it.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if cfg == nil {
		return
	}
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := strings.TrimSpace(getenv("PORT")); v != "" {
		cfg.HTTP.Addr = ":" + v
	}
	if v := strings.TrimSpace(getenv("PROMOSCHED_HTTP_ADDR")); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := strings.TrimSpace(getenv("PROMOSCHED_AUTH_USERNAME")); v != "" {
		cfg.Auth.Username = v
	}
	if v := getenv("PROMOSCHED_AUTH_PASSWORD"); v != "" {
		cfg.Auth.Password = v
	}
	if v := strings.TrimSpace(getenv("PROMOSCHED_TELEGRAM_TOKEN")); v != "" {
		cfg.Telegram.Token = v
	}
	if v := strings.TrimSpace(getenv("PROMOSCHED_STORAGE_DSN")); v != "" {
		cfg.Storage.DSN = v
	}
}
