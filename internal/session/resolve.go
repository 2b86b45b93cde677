package session

import (
	"os"

	"github.com/matheus3301/storechat/internal/config"
)

const DefaultSessionName = "main"

// SessionEnv names the environment variable that selects a session when no
// flag is given.
const SessionEnv = "STORECHAT_SESSION"

// Resolve picks the session to run as. The --session flag wins, then
// $STORECHAT_SESSION, then default_session from config.toml, then "main".
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	if env := os.Getenv(SessionEnv); env != "" {
		return env
	}
	if cfg, err := config.Load(ConfigPath()); err == nil && cfg.DefaultSession != "" {
		return cfg.DefaultSession
	}
	return DefaultSessionName
}
