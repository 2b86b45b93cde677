package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/matheus3301/storechat/internal/chaterr"
)

// Mode says how a credential is presented to the backend.
type Mode string

const (
	Bearer Mode = "bearer"
	Cookie Mode = "cookie"
)

// Credential is a currently valid auth token and how to attach it.
type Credential struct {
	Token      string
	Mode       Mode
	CookieName string
	ExpiresAt  time.Time
}

// Apply attaches the credential to an outgoing request or handshake header.
func (c Credential) Apply(h http.Header) {
	if c.Token == "" {
		return
	}
	switch c.Mode {
	case Cookie:
		name := c.CookieName
		if name == "" {
			name = "access_token"
		}
		h.Add("Cookie", (&http.Cookie{Name: name, Value: c.Token}).String())
	default:
		h.Set("Authorization", "Bearer "+c.Token)
	}
}

// CredentialProvider returns a valid credential, refreshing it if needed.
// Callers ask again for every operation instead of caching the result.
type CredentialProvider interface {
	Credential(ctx context.Context) (Credential, error)
}

// StaticProvider always returns the same credential, or Err if set.
type StaticProvider struct {
	Cred Credential
	Err  error
}

func (p *StaticProvider) Credential(context.Context) (Credential, error) {
	if p.Err != nil {
		return Credential{}, p.Err
	}
	return p.Cred, nil
}

// expirySkew treats a token that is about to expire as already expired.
const expirySkew = 10 * time.Second

// FileProvider reads the token from a file on every call. JWTs are checked
// for expiry (without signature verification, which is the backend's job);
// opaque tokens are passed through.
type FileProvider struct {
	Path       string
	Mode       Mode
	CookieName string

	now func() time.Time
}

// NewFileProvider creates a provider for the token stored at path.
func NewFileProvider(path string, mode Mode, cookieName string) *FileProvider {
	return &FileProvider{Path: path, Mode: mode, CookieName: cookieName, now: time.Now}
}

func (p *FileProvider) Credential(ctx context.Context) (Credential, error) {
	if err := ctx.Err(); err != nil {
		return Credential{}, err
	}
	if p.Path == "" {
		return Credential{}, chaterr.New(chaterr.Auth, "credential", errors.New("no token file configured"))
	}
	raw, err := os.ReadFile(p.Path)
	if err != nil {
		return Credential{}, chaterr.New(chaterr.Auth, "credential", fmt.Errorf("read token: %w", err))
	}
	token := strings.TrimSpace(string(raw))
	if token == "" {
		return Credential{}, chaterr.New(chaterr.Auth, "credential", errors.New("token file is empty"))
	}

	cred := Credential{Token: token, Mode: p.Mode, CookieName: p.CookieName}
	exp, ok := jwtExpiry(token)
	if !ok {
		return cred, nil
	}
	now := time.Now
	if p.now != nil {
		now = p.now
	}
	if !exp.After(now().Add(expirySkew)) {
		return Credential{}, chaterr.New(chaterr.Auth, "credential", fmt.Errorf("token expired at %s", exp.Format(time.RFC3339)))
	}
	cred.ExpiresAt = exp
	return cred, nil
}

func jwtExpiry(token string) (time.Time, bool) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, false
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
