package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.storechat/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`
}

// Session is the per-session ~/.storechat/sessions/<name>/session.toml.
type Session struct {
	Role    string `toml:"role"`
	UserID  string `toml:"user_id"`
	StoreID string `toml:"store_id"`

	APIBaseURL string `toml:"api_base_url"`
	SocketURL  string `toml:"socket_url"`
	Namespace  string `toml:"namespace"`

	// TokenFile is re-read on every credential request so an external auth
	// process can rotate it.
	TokenFile      string `toml:"token_file"`
	CredentialMode string `toml:"credential_mode"` // "bearer" or "cookie"
	CookieName     string `toml:"cookie_name"`

	ReconnectAttempts int      `toml:"reconnect_attempts"`
	ReconnectDelay    Duration `toml:"reconnect_delay"`
	RequestTimeout    Duration `toml:"request_timeout"`
	TypingQuiet       Duration `toml:"typing_quiet"`
	MaxUploadBytes    int64    `toml:"max_upload_bytes"`

	MetricsAddr string `toml:"metrics_addr"`
}

// Duration is a time.Duration written as a Go duration string ("1.5s").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// DefaultSession returns a session config with every tunable set.
func DefaultSession() *Session {
	return &Session{
		Role:              "buyer",
		APIBaseURL:        "http://localhost:5000/api",
		SocketURL:         "ws://localhost:5000",
		Namespace:         "chat",
		CredentialMode:    "bearer",
		CookieName:        "access_token",
		ReconnectAttempts: 5,
		ReconnectDelay:    Duration{2 * time.Second},
		RequestTimeout:    Duration{30 * time.Second},
		TypingQuiet:       Duration{1500 * time.Millisecond},
	}
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadSession overlays the file at path on DefaultSession. Keys absent from
// the file keep their defaults.
func LoadSession(path string) (*Session, error) {
	cfg := DefaultSession()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	return writeTOML(path, cfg)
}

// SaveSession writes a session config to path.
func SaveSession(path string, cfg *Session) error {
	return writeTOML(path, cfg)
}

func writeTOML(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(v)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
