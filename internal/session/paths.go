package session

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.storechat.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".storechat")
}

// Dir returns the session-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "sessions", name)
}

// SocketPath returns the daemon control socket for a session.
func SocketPath(name string) string {
	return filepath.Join(Dir(name), "daemon.sock")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// SessionConfigPath returns the per-session config file.
func SessionConfigPath(name string) string {
	return filepath.Join(Dir(name), "session.toml")
}

// DBPath returns the local chat cache database.
func DBPath(name string) string {
	return filepath.Join(Dir(name), "chat.db")
}

// PreviewDir holds local attachment previews until they are revoked.
func PreviewDir(name string) string {
	return filepath.Join(Dir(name), "previews")
}

// LogDir returns the log directory for a session.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "storechatd.log")
}

// EnsureDir creates the session directory tree with proper permissions.
func EnsureDir(name string) error {
	for _, d := range []string{Dir(name), LogDir(name), PreviewDir(name)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
