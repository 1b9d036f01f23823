package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/starford/anylist/internal"
	"github.com/starford/anylist/internal/apperr"
	"github.com/starford/anylist/internal/binserver"
	"github.com/starford/anylist/internal/credentials"
	"github.com/starford/anylist/internal/listclient"
	"github.com/starford/anylist/internal/models"
	pkgconfig "github.com/starford/anylist/pkg/config"
)

const (
	readyTimeout = 30 * time.Second
	readyPoll    = 250 * time.Millisecond
)

var stdout io.Writer = os.Stdout

func loadConfig(cmd *cli.Command) (*internal.Config, error) {
	cfg := internal.NewDefaultConfig()
	if _, err := pkgconfig.LoadOptional(cmd.String("config"), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

func run(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := internal.Run(ctx, internal.WithConfig(cfg)); err != nil {
		return fmt.Errorf("app run error: %w", err)
	}
	return nil
}

func login(_ context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store := credentials.NewStore(cfg.Credentials.FilePath())
	err = store.Save(models.Credentials{
		Email:         cmd.String("email"),
		Password:      cmd.String("password"),
		ServerAddress: cmd.String("server"),
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Credentials saved to %s\n", store.Path())
	return nil
}

func logout(_ context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store := credentials.NewStore(cfg.Credentials.FilePath())
	if err := store.Delete(); err != nil {
		return err
	}
	fmt.Fprintln(stdout, "Credentials removed")
	return nil
}

// session is a client for one command, plus the server it spawned if any.
type session struct {
	client *listclient.Client
	mgr    *binserver.Manager
}

func (s *session) close() {
	if s.mgr == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = s.mgr.Stop(ctx)
	s.mgr.Close()
}

// openSession builds a client from config and stored credentials. When no
// server address is known but a binary is configured, the binary is spawned
// and polled until it answers.
func openSession(ctx context.Context, cmd *cli.Command) (*session, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	store := credentials.NewStore(cfg.Credentials.FilePath(), credentials.WithLogger(logger))
	creds, err := store.Load()
	if err != nil {
		return nil, err
	}
	clientCfg, err := internal.BuildClientConfig(store, creds, cfg.Client)
	if err != nil {
		return nil, err
	}

	s := &session{}
	opts := []listclient.Option{listclient.WithLogger(logger)}
	if clientCfg.ServerAddress == "" && cfg.Server.Enabled() {
		if creds == nil {
			return nil, apperr.New(apperr.KindAuth, "no saved credentials; run login first")
		}
		s.mgr, err = binserver.New(
			cfg.Server.ProcessConfig(*creds, cfg.Credentials.ServerFile()),
			binserver.WithLogger(logger),
		)
		if err != nil {
			return nil, err
		}
		if err := s.mgr.Start(ctx); err != nil {
			s.mgr.Close()
			return nil, err
		}
		opts = append(opts, listclient.WithServer(s.mgr))
	}
	s.client = listclient.New(clientCfg, opts...)

	if s.mgr != nil {
		readyCtx, cancel := context.WithTimeout(ctx, readyTimeout)
		defer cancel()
		if err := s.client.WaitReady(readyCtx, readyPoll); err != nil {
			s.close()
			return nil, err
		}
	}
	return s, nil
}

func itemName(cmd *cli.Command) (string, error) {
	name := strings.TrimSpace(strings.Join(cmd.Args().Slice(), " "))
	if name == "" {
		return "", errors.New("item name is required")
	}
	return name, nil
}

func addItem(ctx context.Context, cmd *cli.Command) error {
	name, err := itemName(cmd)
	if err != nil {
		return err
	}
	s, err := openSession(ctx, cmd)
	if err != nil {
		return err
	}
	defer s.close()

	var fields *models.ItemFields
	if notes := cmd.String("notes"); notes != "" {
		fields = &models.ItemFields{Notes: &notes}
	}
	code, err := s.client.AddItem(ctx, name, fields, cmd.String("list"))
	if err != nil {
		return err
	}
	report(code, "Added "+name, name+" is already on the list")
	return nil
}

func removeItem(ctx context.Context, cmd *cli.Command) error {
	name, err := itemName(cmd)
	if err != nil {
		return err
	}
	s, err := openSession(ctx, cmd)
	if err != nil {
		return err
	}
	defer s.close()

	code, err := s.client.RemoveItemByName(ctx, name, cmd.String("list"))
	if err != nil {
		return err
	}
	report(code, "Removed "+name, name+" is not on the list")
	return nil
}

func setChecked(checked bool) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		name, err := itemName(cmd)
		if err != nil {
			return err
		}
		s, err := openSession(ctx, cmd)
		if err != nil {
			return err
		}
		defer s.close()

		code, err := s.client.CheckItem(ctx, name, cmd.String("list"), checked)
		if err != nil {
			return err
		}
		state := "unchecked"
		if checked {
			state = "checked"
		}
		report(code, fmt.Sprintf("Marked %s as %s", name, state), fmt.Sprintf("%s was already %s", name, state))
		return nil
	}
}

func listItems(ctx context.Context, cmd *cli.Command) error {
	s, err := openSession(ctx, cmd)
	if err != nil {
		return err
	}
	defer s.close()

	list := cmd.String("list")
	if !cmd.Bool("all") {
		code, items, err := s.client.GetItems(ctx, list)
		if err != nil {
			return err
		}
		if err := readFailed(code); err != nil {
			return err
		}
		printNames(items, "")
		return nil
	}

	code, unchecked, checked, err := s.client.GetAllItems(ctx, list)
	if err != nil {
		return err
	}
	if err := readFailed(code); err != nil {
		return err
	}
	printNames(unchecked, "[ ] ")
	printNames(checked, "[x] ")
	return nil
}

func listLists(ctx context.Context, cmd *cli.Command) error {
	s, err := openSession(ctx, cmd)
	if err != nil {
		return err
	}
	defer s.close()

	code, lists, err := s.client.GetLists(ctx)
	if err != nil {
		return err
	}
	if err := readFailed(code); err != nil {
		return err
	}
	printNames(lists, "")
	return nil
}

// readFailed turns a degraded read into an error so the command exits
// non-zero instead of printing an empty list.
func readFailed(code int) error {
	if code == http.StatusOK {
		return nil
	}
	return apperr.WithCode(apperr.KindServer, "read failed", code)
}

func report(code int, changed, unchanged string) {
	if code == http.StatusNotModified {
		fmt.Fprintln(stdout, unchanged)
		return
	}
	fmt.Fprintln(stdout, changed)
}

func printNames(names []string, prefix string) {
	for _, n := range names {
		fmt.Fprintln(stdout, prefix+n)
	}
}
