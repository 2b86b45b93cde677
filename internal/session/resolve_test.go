package session

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolvePrecedence(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv(SessionEnv, "")

	if got := Resolve(""); got != DefaultSessionName {
		t.Errorf("Resolve() with nothing set = %q, want %q", got, DefaultSessionName)
	}

	if err := os.MkdirAll(filepath.Join(home, ".storechat"), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(ConfigPath(), []byte("default_session = \"shop\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if got := Resolve(""); got != "shop" {
		t.Errorf("Resolve() from config = %q, want shop", got)
	}

	t.Setenv(SessionEnv, "support")
	if got := Resolve(""); got != "support" {
		t.Errorf("Resolve() from env = %q, want support", got)
	}
	if got := Resolve("flag"); got != "flag" {
		t.Errorf("Resolve(flag) = %q, want flag", got)
	}
}
