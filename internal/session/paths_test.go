package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDir(t *testing.T) {
	home, _ := os.UserHomeDir()
	got := Dir("main")
	want := filepath.Join(home, ".storechat", "sessions", "main")
	if got != want {
		t.Errorf("Dir(main) = %q, want %q", got, want)
	}
}

func TestSessionFiles(t *testing.T) {
	tests := []struct {
		name   string
		got    string
		suffix string
	}{
		{"socket", SocketPath("shop"), filepath.Join("sessions", "shop", "daemon.sock")},
		{"db", DBPath("shop"), filepath.Join("sessions", "shop", "chat.db")},
		{"config", SessionConfigPath("shop"), filepath.Join("sessions", "shop", "session.toml")},
		{"log", LogPath("shop"), filepath.Join("sessions", "shop", "logs", "storechatd.log")},
		{"previews", PreviewDir("shop"), filepath.Join("sessions", "shop", "previews")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !strings.HasSuffix(tt.got, tt.suffix) {
				t.Errorf("%s = %q, want suffix %q", tt.name, tt.got, tt.suffix)
			}
		})
	}
}
