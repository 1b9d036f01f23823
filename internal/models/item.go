// Package models defines the domain types for anylist.
package models

import "time"

// Item is a single entry on a remote list.
type Item struct {
	ID      string `json:"id,omitempty"`
	Name    string `json:"name"`
	Checked bool   `json:"checked"`
	Notes   string `json:"notes,omitempty"`
	List    string `json:"list,omitempty"`
}

// ItemFields holds the optional fields merged into add and update requests.
// Nil fields are left out of the request body.
type ItemFields struct {
	Name    *string
	Checked *bool
	Notes   *string
}

// ClientConfig configures the list API client. Zero values mean "not set".
type ClientConfig struct {
	ServerAddress          string `yaml:"server_address" json:"serverAddress,omitempty"`
	Email                  string `yaml:"-" json:"email,omitempty"`
	Password               string `yaml:"-" json:"password,omitempty"`
	ServerBinaryPath       string `yaml:"-" json:"serverBinaryPath,omitempty"`
	DefaultListName        string `yaml:"default_list" json:"defaultListName,omitempty"`
	RefreshIntervalMinutes int    `yaml:"refresh_interval_minutes" json:"refreshIntervalMinutes,omitempty"`
}

// ServerProcessConfig describes how to launch the local server binary.
type ServerProcessConfig struct {
	BinaryPath      string
	Port            int
	Email           string
	Password        string
	CredentialsFile string
	IPFilter        string
}

// Credentials is the persisted authentication record.
type Credentials struct {
	Email         string    `json:"email"`
	Password      string    `json:"password"`
	ServerAddress string    `json:"serverAddress,omitempty"`
	SavedAt       time.Time `json:"savedAt"`
}

// CredentialsUpdate carries a partial credentials change. Nil fields are kept.
type CredentialsUpdate struct {
	Email         *string
	Password      *string
	ServerAddress *string
}
