package upload

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// Previewer creates and revokes local preview resources for selected files.
type Previewer interface {
	Create(id string, f File) (string, error)
	Revoke(previewURL string) error
}

// DirPreviewer keeps a copy of each selected file in Dir and hands out a
// file:// URL to it until revoked.
type DirPreviewer struct {
	Dir string
}

func (p DirPreviewer) Create(id string, f File) (string, error) {
	if err := os.MkdirAll(p.Dir, 0700); err != nil {
		return "", err
	}
	src, err := f.Open()
	if err != nil {
		return "", err
	}
	defer src.Close()

	path := filepath.Join(p.Dir, id+filepath.Ext(f.Name))
	dst, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		_ = os.Remove(path)
		return "", err
	}
	if err := dst.Close(); err != nil {
		return "", err
	}
	return (&url.URL{Scheme: "file", Path: path}).String(), nil
}

func (p DirPreviewer) Revoke(previewURL string) error {
	u, err := url.Parse(previewURL)
	if err != nil || u.Scheme != "file" {
		return fmt.Errorf("not a preview url: %q", previewURL)
	}
	if !strings.HasPrefix(filepath.Clean(u.Path), filepath.Clean(p.Dir)+string(filepath.Separator)) {
		return fmt.Errorf("preview %q is outside %s", u.Path, p.Dir)
	}
	if err := os.Remove(u.Path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
