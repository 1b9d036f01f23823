// Package validate holds the configuration and credential rules shared by
// the client, the server supervisor and the credential store.
package validate

import (
	"errors"
	"net/url"
	"os"
	"regexp"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/anylist/internal/apperr"
	"github.com/starford/anylist/internal/models"
)

// Bounds for ClientConfig.RefreshIntervalMinutes.
const (
	MinRefreshMinutes = 1
	MaxRefreshMinutes = 1440
	MinPasswordLength = 6
)

var emailRe = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

var (
	errEmailFormat   = validation.NewError("validation_email_format", "must be a valid email address")
	errPasswordShort = validation.NewError("validation_password_length", "must be at least 6 characters")
	errScheme        = validation.NewError("validation_url_scheme", "must use http or https")
	errURL           = validation.NewError("validation_url", "must be a valid URL")
	errNotExist      = validation.NewError("validation_path_exists", "does not exist")
)

// Email checks the local@domain.tld shape.
func Email(email string) error {
	return field("email", validation.Validate(email,
		validation.Required,
		validation.Match(emailRe).ErrorObject(errEmailFormat),
	))
}

// Password requires a non-empty password of at least MinPasswordLength characters.
func Password(password string) error {
	return field("password", validation.Validate(password,
		validation.Required,
		validation.RuneLength(MinPasswordLength, 0).ErrorObject(errPasswordShort),
	))
}

// ServerAddress accepts absolute http or https URLs only.
func ServerAddress(addr string) error {
	return field("serverAddress", validation.Validate(addr,
		validation.Required,
		validation.By(httpURL),
	))
}

// ClientConfig checks every field that is set. RefreshIntervalMinutes must
// fall within [MinRefreshMinutes, MaxRefreshMinutes] and ServerBinaryPath
// must exist on disk.
func ClientConfig(cfg models.ClientConfig) error {
	if cfg.Email != "" {
		if err := Email(cfg.Email); err != nil {
			return err
		}
	}
	if cfg.Password != "" {
		if err := Password(cfg.Password); err != nil {
			return err
		}
	}
	if cfg.ServerAddress != "" {
		if err := ServerAddress(cfg.ServerAddress); err != nil {
			return err
		}
	}
	if cfg.RefreshIntervalMinutes != 0 {
		if err := field("refreshIntervalMinutes", validation.Validate(cfg.RefreshIntervalMinutes,
			validation.Min(MinRefreshMinutes),
			validation.Max(MaxRefreshMinutes),
		)); err != nil {
			return err
		}
	}
	if cfg.ServerBinaryPath != "" {
		if err := field("serverBinaryPath", validation.Validate(cfg.ServerBinaryPath, validation.By(exists))); err != nil {
			return err
		}
	}
	return nil
}

// ServerProcessConfig requires the binary path, email, password, credentials
// file and port, reporting the first one missing.
func ServerProcessConfig(cfg models.ServerProcessConfig) error {
	checks := []struct {
		name  string
		value any
	}{
		{"binaryPath", cfg.BinaryPath},
		{"email", cfg.Email},
		{"password", cfg.Password},
		{"credentialsFile", cfg.CredentialsFile},
		{"port", cfg.Port},
	}
	for _, c := range checks {
		if err := field(c.name, validation.Validate(c.value, validation.Required)); err != nil {
			return err
		}
	}
	return field("port", validation.Validate(cfg.Port, validation.Min(1), validation.Max(65535)))
}

func httpURL(value any) error {
	s, _ := value.(string)
	u, err := url.Parse(strings.TrimSpace(s))
	if err != nil || u.Host == "" {
		return errURL
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errScheme
	}
	return nil
}

func exists(value any) error {
	s, _ := value.(string)
	if _, err := os.Stat(s); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return errNotExist
		}
		return err
	}
	return nil
}

func field(name string, err error) error {
	if err == nil {
		return nil
	}
	return apperr.Newf(apperr.KindValidation, "%s: %s", name, err.Error())
}
