// Package config loads service configuration from a .env file and the
// environment. Environment variables take precedence over .env values.
package config

import (
	"fmt"
	"net/url"
	"os"

	"github.com/joho/godotenv"
)

// Config holds everything the server needs at startup.
type Config struct {
	Port        string
	DatabaseURL string // empty means run on the in-memory store
}

// Load reads .env (if present) and the environment. DATABASE_URL wins;
// otherwise a URL is composed from the individual POSTGRES_* variables,
// and if POSTGRES_HOST is unset too the database URL stays empty.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		Port:        getenv("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = postgresURL()
	}
	return cfg
}

func postgresURL() string {
	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		return ""
	}
	user := getenv("POSTGRES_USER", "postgres")
	pass := os.Getenv("POSTGRES_PASSWORD")
	port := getenv("POSTGRES_PORT", "5432")
	db := getenv("POSTGRES_DB", "postgres")
	ssl := getenv("POSTGRES_SSL_MODE", "require")

	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		url.QueryEscape(user), url.QueryEscape(pass), host, port, db, ssl)
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
