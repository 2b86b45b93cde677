package lock

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const fileName = "LOCK"

// HeldError is returned when another daemon already serves the session.
type HeldError struct {
	PID   int
	Owner string
	Path  string
}

func (e *HeldError) Error() string {
	if e.Owner != "" {
		return fmt.Sprintf("chat session locked by PID %d as %s (%s)", e.PID, e.Owner, e.Path)
	}
	return fmt.Sprintf("chat session locked by PID %d (%s)", e.PID, e.Path)
}

// Lock is an exclusive flock on a session directory.
type Lock struct {
	file *os.File
	path string
}

// Info is what the holder wrote into the lock file.
type Info struct {
	PID     int
	Owner   string
	Started time.Time
}

// Acquire takes the session lock and records owner (for example
// "seller:u42") next to the PID. Only one daemon may hold a session's
// realtime connection at a time.
func Acquire(sessionDir, owner string) (*Lock, error) {
	if err := os.MkdirAll(sessionDir, 0700); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	path := filepath.Join(sessionDir, fileName)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		info, _ := Read(sessionDir)
		return nil, &HeldError{PID: info.PID, Owner: info.Owner, Path: path}
	}

	if err := writeInfo(f, Info{PID: os.Getpid(), Owner: owner, Started: time.Now().UTC()}); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write lock file: %w", err)
	}
	return &Lock{file: f, path: path}, nil
}

// Release drops the lock and removes the file. Safe on a nil receiver
// and safe to call twice.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = os.Remove(l.path)
	err := l.file.Close()
	l.file = nil
	return err
}

// Read parses the lock file in sessionDir without taking the lock.
func Read(sessionDir string) (Info, error) {
	f, err := os.Open(filepath.Join(sessionDir, fileName))
	if err != nil {
		return Info{}, err
	}
	defer f.Close()

	var info Info
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		key, val, ok := strings.Cut(sc.Text(), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			info.PID, _ = strconv.Atoi(val)
		case "owner":
			info.Owner = val
		case "time":
			info.Started, _ = time.Parse(time.RFC3339, val)
		}
	}
	return info, sc.Err()
}

func writeInfo(f *os.File, info Info) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	_, err := fmt.Fprintf(f, "pid=%d\nowner=%s\ntime=%s\n",
		info.PID, info.Owner, info.Started.Format(time.RFC3339))
	return err
}
