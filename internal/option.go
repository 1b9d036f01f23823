package internal

import (
	"log/slog"

	"github.com/starford/anylist/internal/credentials"
)

// Option is a functional option for configuring the application.
type Option func(*application)

type application struct {
	config *Config
	logger *slog.Logger
	store  *credentials.Store
}

// WithConfig sets the application configuration.
func WithConfig(cfg *Config) Option {
	return func(a *application) {
		a.config = cfg
	}
}

// WithLogger replaces the JSON stdout logger built from the config.
func WithLogger(l *slog.Logger) Option {
	return func(a *application) {
		a.logger = l
	}
}

// WithCredentialsStore uses store instead of one opened at the configured path.
func WithCredentialsStore(store *credentials.Store) Option {
	return func(a *application) {
		a.store = store
	}
}
