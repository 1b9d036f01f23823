// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/starford/anylist/internal/api"
	"github.com/starford/anylist/internal/apperr"
	"github.com/starford/anylist/internal/binserver"
	"github.com/starford/anylist/internal/cache"
	"github.com/starford/anylist/internal/credentials"
	"github.com/starford/anylist/internal/events"
	"github.com/starford/anylist/internal/listclient"
	"github.com/starford/anylist/internal/models"
	"github.com/starford/anylist/internal/refresher"
	"github.com/starford/anylist/internal/validate"
)

const (
	shutdownTimeout    = 10 * time.Second
	serverReadyTimeout = 30 * time.Second
	serverPollInterval = 250 * time.Millisecond
)

// Run starts the application with the given options and blocks until ctx is
// cancelled or SIGINT/SIGTERM arrives.
func Run(ctx context.Context, opts ...Option) error {
	app := &application{}

	for _, opt := range opts {
		opt(app)
	}

	if app.config == nil {
		return fmt.Errorf("config is required")
	}

	cfg := app.config

	logger := app.logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: cfg.App.LogLevel,
		}))
		slog.SetDefault(logger)
	}

	store := app.store
	if store == nil {
		store = credentials.NewStore(cfg.Credentials.FilePath(), credentials.WithLogger(logger))
	}

	logger.Info("Configuration loaded",
		slog.String("credentials_path", store.Path()),
		slog.String("cache_path", cfg.Cache.Path),
		slog.Bool("server_binary", cfg.Server.Enabled()),
		slog.Bool("http_enabled", cfg.App.HTTP.Enabled()),
		slog.String("log_level", cfg.App.LogLevel.String()))

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	creds, err := store.Load()
	if err != nil {
		return fmt.Errorf("load credentials: %w", err)
	}

	clientCfg, err := BuildClientConfig(store, creds, cfg.Client)
	if err != nil {
		return err
	}

	broker := events.NewBroker()
	defer broker.Close()

	var mgr *binserver.Manager
	if cfg.Server.Enabled() {
		if creds == nil {
			return apperr.New(apperr.KindAuth, "server binary configured but no credentials saved; run login first")
		}
		mgr, err = binserver.New(
			cfg.Server.ProcessConfig(*creds, cfg.Credentials.ServerFile()),
			binserver.WithLogger(logger),
			binserver.WithBroker(broker),
		)
		if err != nil {
			return fmt.Errorf("init server manager: %w", err)
		}
		if err := mgr.Start(ctx); err != nil {
			return fmt.Errorf("start server: %w", err)
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := mgr.Stop(stopCtx); err != nil {
				logger.Error("server stop failed", slog.String("error", err.Error()))
			}
		}()
	}

	clientOpts := []listclient.Option{listclient.WithLogger(logger)}
	if mgr != nil {
		clientOpts = append(clientOpts, listclient.WithServer(mgr))
	}
	client := listclient.New(clientCfg, clientOpts...)

	db, err := cache.Open(cfg.Cache.Path)
	if err != nil {
		return fmt.Errorf("init cache: %w", err)
	}
	defer db.Close()

	ref := refresher.New(client, db,
		refresher.WithLists(cfg.Client.Lists...),
		refresher.WithInterval(cfg.Client.RefreshInterval()),
		refresher.WithBroker(broker),
		refresher.WithLogger(logger),
	)

	var httpServer *http.Server
	if cfg.App.HTTP.Enabled() {
		deps := api.Deps{
			Cache:       db,
			Refresher:   ref,
			Resolver:    client,
			Events:      broker,
			AuthEnabled: cfg.Auth.AuthEnabled(),
			Token:       cfg.Auth.Token,
		}
		if mgr != nil {
			deps.Server = mgr
		}
		httpServer = &http.Server{
			Addr:              cfg.App.HTTP.Address(),
			Handler:           api.NewRouter(deps),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if mgr != nil {
			readyCtx, cancel := context.WithTimeout(gCtx, serverReadyTimeout)
			err := client.WaitReady(readyCtx, serverPollInterval)
			cancel()
			if err != nil && gCtx.Err() == nil {
				logger.Warn("server not answering yet", slog.String("error", err.Error()))
			}
		}
		return ref.Run(gCtx)
	})

	// Refresh as soon as a (re)started server is up.
	if mgr != nil {
		g.Go(func() error {
			ch, cancel := mgr.Subscribe()
			defer cancel()
			for {
				select {
				case <-gCtx.Done():
					return nil
				case ev := <-ch:
					if ev.Type == binserver.EventStarted {
						ref.Trigger()
					}
				}
			}
		})
	}

	if cfg.Credentials.Watch {
		g.Go(func() error {
			err := store.Watch(gCtx, func(c *models.Credentials) {
				onCredentialsChanged(gCtx, logger, mgr, c)
			})
			if err != nil {
				logger.Warn("credentials watch disabled", slog.String("error", err.Error()))
			}
			return nil
		})
	}

	if httpServer != nil {
		g.Go(func() error {
			logger.Info("Starting HTTP server", slog.String("address", httpServer.Addr))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("HTTP server error: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("Shutting down...")
		if httpServer == nil {
			return nil
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Stopped successfully")
	return nil
}

// BuildClientConfig merges the stored credentials into the configured client
// settings. Without stored credentials the section is used on its own.
func BuildClientConfig(store *credentials.Store, creds *models.Credentials, section ClientConfig) (models.ClientConfig, error) {
	base := section.Model()
	if creds == nil {
		if err := validate.ClientConfig(base); err != nil {
			return models.ClientConfig{}, err
		}
		return base, nil
	}
	merged, err := store.CreateConfig(&base)
	if err != nil {
		return models.ClientConfig{}, err
	}
	return *merged, nil
}

func onCredentialsChanged(ctx context.Context, logger *slog.Logger, mgr *binserver.Manager, c *models.Credentials) {
	if c == nil {
		logger.Warn("credentials removed; running server keeps its login")
		return
	}
	if mgr == nil {
		return
	}
	if err := mgr.SetCredentials(c.Email, c.Password); err != nil {
		logger.Error("rejected updated credentials", slog.String("error", err.Error()))
		return
	}
	if err := mgr.Restart(ctx); err != nil {
		logger.Error("server restart failed", slog.String("error", err.Error()))
	}
}
