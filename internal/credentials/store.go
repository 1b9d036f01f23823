// Package credentials persists a single credential record per file with
// owner-only permissions.
package credentials

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/starford/anylist/internal/apperr"
	"github.com/starford/anylist/internal/models"
	"github.com/starford/anylist/internal/validate"
)

// DefaultFileName is the dotfile created in the user's home directory when
// no explicit path is given.
const DefaultFileName = ".anylist_credentials"

const (
	fileMode = 0o600
	dirMode  = 0o700
)

// DefaultPath returns $HOME/.anylist_credentials, or the bare file name when
// the home directory cannot be determined.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return DefaultFileName
	}
	return filepath.Join(home, DefaultFileName)
}

// Store reads and writes one credentials file. It holds no open handles;
// every call performs its own file I/O.
type Store struct {
	path   string
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the timestamp source used for SavedAt.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger used by Watch.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// NewStore returns a store for path; an empty path selects DefaultPath().
func NewStore(path string, opts ...Option) *Store {
	if path == "" {
		path = DefaultPath()
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	s := &Store{
		path:   path,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the absolute location of the credentials file.
func (s *Store) Path() string {
	return s.path
}

// Save validates c and overwrites the file with it, stamping SavedAt.
func (s *Store) Save(c models.Credentials) error {
	if err := validateCredentials(c); err != nil {
		return err
	}
	c.SavedAt = s.now().UTC()

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("credentials: marshal: %w", err)
	}
	return writeFile(s.path, data)
}

// Load returns the stored credentials, or nil when the file does not exist.
// A file that cannot be parsed, or lacks email or password, is an AUTH error.
func (s *Store) Load() (*models.Credentials, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, apperr.Wrap(apperr.KindAuth, "read credentials", err)
	}
	var c models.Credentials
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, apperr.Wrap(apperr.KindAuth, "parse credentials", err)
	}
	if c.Email == "" || c.Password == "" {
		return nil, apperr.New(apperr.KindAuth, "credentials record missing email or password")
	}
	return &c, nil
}

// Update merges u into the stored record and saves it again, which
// re-validates and re-timestamps it.
func (s *Store) Update(u models.CredentialsUpdate) (*models.Credentials, error) {
	c, err := s.Load()
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, apperr.New(apperr.KindAuth, "no stored credentials to update")
	}
	if u.Email != nil {
		c.Email = *u.Email
	}
	if u.Password != nil {
		c.Password = *u.Password
	}
	if u.ServerAddress != nil {
		c.ServerAddress = *u.ServerAddress
	}
	if err := s.Save(*c); err != nil {
		return nil, err
	}
	return s.Load()
}

// Delete removes the file. A missing file is not an error.
func (s *Store) Delete() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("credentials: delete: %w", err)
	}
	return nil
}

// CreateConfig builds a client configuration from the stored credentials,
// overlaid with the non-zero fields of extra, and validates the result.
func (s *Store) CreateConfig(extra *models.ClientConfig) (*models.ClientConfig, error) {
	c, err := s.Load()
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, apperr.New(apperr.KindAuth, "no stored credentials")
	}
	cfg := models.ClientConfig{
		Email:         c.Email,
		Password:      c.Password,
		ServerAddress: c.ServerAddress,
	}
	if extra != nil {
		merge(&cfg, *extra)
	}
	if err := validate.ClientConfig(cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func merge(dst *models.ClientConfig, src models.ClientConfig) {
	if src.ServerAddress != "" {
		dst.ServerAddress = src.ServerAddress
	}
	if src.Email != "" {
		dst.Email = src.Email
	}
	if src.Password != "" {
		dst.Password = src.Password
	}
	if src.ServerBinaryPath != "" {
		dst.ServerBinaryPath = src.ServerBinaryPath
	}
	if src.DefaultListName != "" {
		dst.DefaultListName = src.DefaultListName
	}
	if src.RefreshIntervalMinutes != 0 {
		dst.RefreshIntervalMinutes = src.RefreshIntervalMinutes
	}
}

func validateCredentials(c models.Credentials) error {
	if err := validate.Email(c.Email); err != nil {
		return err
	}
	if err := validate.Password(c.Password); err != nil {
		return err
	}
	if c.ServerAddress != "" {
		return validate.ServerAddress(c.ServerAddress)
	}
	return nil
}

// writeFile atomically replaces path: tmp file → fsync → rename. The temp
// file is created 0600, so the record is never readable by other users.
func writeFile(path string, content []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return fmt.Errorf("credentials: mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".anylist-tmp-*")
	if err != nil {
		return fmt.Errorf("credentials: create temp: %w", err)
	}
	tmpName := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if err := tmp.Chmod(fileMode); err != nil {
		return fmt.Errorf("credentials: chmod: %w", err)
	}
	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("credentials: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("credentials: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("credentials: close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("credentials: rename: %w", err)
	}
	success = true
	return nil
}
