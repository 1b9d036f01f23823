package internal

import (
	"fmt"
	"log/slog"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/anylist/internal/binserver"
	"github.com/starford/anylist/internal/credentials"
	"github.com/starford/anylist/internal/models"
	"github.com/starford/anylist/internal/validate"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Config represents the application configuration.
type Config struct {
	App         ApplicationConfig `yaml:"app"`
	Client      ClientConfig      `yaml:"client"`
	Server      ServerConfig      `yaml:"server"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Cache       CacheConfig       `yaml:"cache"`
	Auth        AuthConfig        `yaml:"auth"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return fmt.Errorf("app: %w", err)
	}
	if err := c.Client.Validate(); err != nil {
		return fmt.Errorf("client: %w", err)
	}
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := c.Cache.Validate(); err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	return c.Auth.Validate()
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds status API configuration. Port 0 disables the API.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Enabled reports whether the status API should be served.
func (c *HTTPConfig) Enabled() bool {
	return c.Port > 0
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Min(0), validation.Max(65535)),
	)
}

// ClientConfig holds list service client settings. Values stored in the
// credentials file fill whatever is left empty here.
type ClientConfig struct {
	ServerAddress          string   `yaml:"server_address"`
	DefaultList            string   `yaml:"default_list"`
	RefreshIntervalMinutes int      `yaml:"refresh_interval_minutes"`
	Lists                  []string `yaml:"lists"`
}

// Validate validates the client configuration.
func (c *ClientConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.ServerAddress, validation.By(func(v any) error {
			addr, _ := v.(string)
			if addr == "" {
				return nil
			}
			return validate.ServerAddress(addr)
		})),
		validation.Field(&c.RefreshIntervalMinutes, validation.Min(0), validation.Max(1440)),
	)
}

// RefreshInterval returns the refresh period, defaulting to five minutes.
func (c *ClientConfig) RefreshInterval() time.Duration {
	if c.RefreshIntervalMinutes <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.RefreshIntervalMinutes) * time.Minute
}

// Model converts the section into the client's configuration type.
func (c *ClientConfig) Model() models.ClientConfig {
	return models.ClientConfig{
		ServerAddress:          c.ServerAddress,
		DefaultListName:        c.DefaultList,
		RefreshIntervalMinutes: c.RefreshIntervalMinutes,
	}
}

// ServerConfig describes the optional local server binary.
type ServerConfig struct {
	BinaryPath string `yaml:"binary_path"`
	Port       int    `yaml:"port"`
	IPFilter   string `yaml:"ip_filter"`
}

// Enabled reports whether a binary is configured.
func (c *ServerConfig) Enabled() bool {
	return c.BinaryPath != ""
}

// Validate validates the server configuration.
func (c *ServerConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Min(1), validation.Max(65535)),
	)
}

// ProcessConfig builds the supervisor configuration from this section and
// the stored credentials.
func (c *ServerConfig) ProcessConfig(creds models.Credentials, credentialsFile string) models.ServerProcessConfig {
	port := c.Port
	if port == 0 {
		port = binserver.DefaultPort
	}
	return models.ServerProcessConfig{
		BinaryPath:      c.BinaryPath,
		Port:            port,
		Email:           creds.Email,
		Password:        creds.Password,
		CredentialsFile: credentialsFile,
		IPFilter:        c.IPFilter,
	}
}

// CredentialsConfig locates the credentials file.
type CredentialsConfig struct {
	Path                  string `yaml:"path"`
	ServerCredentialsFile string `yaml:"server_credentials_file"`
	Watch                 bool   `yaml:"watch"`
}

// FilePath returns the configured path or the default under $HOME.
func (c *CredentialsConfig) FilePath() string {
	if c.Path != "" {
		return c.Path
	}
	return credentials.DefaultPath()
}

// ServerFile returns the file handed to the server binary for its own
// session state.
func (c *CredentialsConfig) ServerFile() string {
	if c.ServerCredentialsFile != "" {
		return c.ServerCredentialsFile
	}
	return c.FilePath() + ".server"
}

// CacheConfig holds SQLite snapshot cache configuration.
type CacheConfig struct {
	Path string `yaml:"path"`
}

// Validate validates the cache configuration.
func (c *CacheConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// AuthConfig holds status API authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
		},
		Client: ClientConfig{
			RefreshIntervalMinutes: 5,
		},
		Server: ServerConfig{
			Port:     binserver.DefaultPort,
			IPFilter: binserver.DefaultIPFilter,
		},
		Credentials: CredentialsConfig{
			Watch: true,
		},
		Cache: CacheConfig{
			Path: "./anylist.db",
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
	}
}
