package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
)

// Validate checks the configuration for obvious mistakes. It runs at
// load time so a bad deployment fails before serving traffic.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ModelName) == "" {
		return fmt.Errorf("%w: model_name is empty", ErrInvalidModelName)
	}

	// GEMINI_API_KEY is read directly by the genkit plugin, not via
	// viper; only its presence is checked here.
	if os.Getenv("GEMINI_API_KEY") == "" && os.Getenv("GOOGLE_API_KEY") == "" {
		return fmt.Errorf("%w: set GEMINI_API_KEY or GOOGLE_API_KEY", ErrMissingAPIKey)
	}

	if c.UsesPostgres() {
		if strings.TrimSpace(c.PostgresHost) == "" {
			return fmt.Errorf("%w: postgres_host is empty", ErrInvalidPostgresHost)
		}
		if c.PostgresPort < 1 || c.PostgresPort > 65535 {
			return fmt.Errorf("%w: %d", ErrInvalidPostgresPort, c.PostgresPort)
		}
	}

	if strings.TrimSpace(c.Server.Addr) == "" {
		return fmt.Errorf("%w: server.addr is empty", ErrInvalidListenAddr)
	}

	if c.Catalog.BaseURL != "" {
		u, err := url.Parse(c.Catalog.BaseURL)
		if err != nil || !u.IsAbs() {
			return fmt.Errorf("%w: %q", ErrInvalidCatalogURL, c.Catalog.BaseURL)
		}
	}

	if len(c.Agents) == 0 {
		return ErrNoAgents
	}
	return nil
}
