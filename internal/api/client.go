// Package api is the REST client for the chat backend: message persistence,
// conversation history, read receipts, inbox listings and attachment uploads.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/matheus3301/storechat/internal/chaterr"
	"github.com/matheus3301/storechat/internal/observability"
	"github.com/matheus3301/storechat/internal/session"
)

const defaultTimeout = 30 * time.Second

// Config holds the endpoint and per-request timeout.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client talks to the backend. Every request fetches a fresh credential
// and runs under its own timeout.
type Client struct {
	baseURL string
	timeout time.Duration
	http    *http.Client
	creds   session.CredentialProvider
	log     *zap.Logger
}

// New creates a client. A nil logger is replaced by a no-op logger.
func New(cfg Config, creds session.CredentialProvider, log *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		timeout: cfg.Timeout,
		http:    &http.Client{},
		creds:   creds,
		log:     log.Named("api"),
	}
}

// StatusError is a non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http %d", e.Code)
	}
	return fmt.Sprintf("http %d: %s", e.Code, e.Body)
}

// request describes one REST call. kind classifies non-2xx responses other
// than 401 and 404, and malformed bodies.
type request struct {
	op          string
	kind        chaterr.Kind
	method      string
	path        string
	body        io.Reader
	contentType string
	cred        *session.Credential
}

func (c *Client) credential(ctx context.Context, op string) (session.Credential, error) {
	if c.creds == nil {
		return session.Credential{}, nil
	}
	cred, err := c.creds.Credential(ctx)
	if err != nil {
		if chaterr.KindOf(err) == chaterr.Auth {
			return session.Credential{}, err
		}
		return session.Credential{}, chaterr.New(chaterr.Auth, op, err)
	}
	return cred, nil
}

// do executes r and decodes a JSON response into out (if non-nil).
func (c *Client) do(ctx context.Context, r request, out any) (err error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ctx, span := observability.StartSpan(ctx, "api."+r.op,
		attribute.String("http.method", r.method),
		attribute.String("http.route", r.path))
	defer func() { observability.EndSpan(span, err) }()

	var cred session.Credential
	if r.cred != nil {
		cred = *r.cred
	} else if cred, err = c.credential(ctx, r.op); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, r.method, c.baseURL+r.path, r.body)
	if err != nil {
		return chaterr.New(r.kind, r.op, err)
	}
	req.Header.Set("Accept", "application/json")
	if r.contentType != "" {
		req.Header.Set("Content-Type", r.contentType)
	}
	cred.Apply(req.Header)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		observability.ObserveAPIRequest(r.op, 0, time.Since(start))
		return chaterr.New(chaterr.Network, r.op, err)
	}
	defer resp.Body.Close()
	observability.ObserveAPIRequest(r.op, resp.StatusCode, time.Since(start))
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		serr := &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		c.log.Debug("request rejected",
			zap.String("op", r.op),
			zap.Int("status", resp.StatusCode))
		switch resp.StatusCode {
		case http.StatusUnauthorized:
			return chaterr.New(chaterr.Auth, r.op, serr)
		case http.StatusNotFound:
			return chaterr.New(chaterr.NotFound, r.op, serr)
		}
		return chaterr.New(r.kind, r.op, serr)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return chaterr.New(r.kind, r.op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func jsonBody(v any) (io.Reader, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return &buf, nil
}

// IsNotFound reports whether err is a 404 from the backend.
func IsNotFound(err error) bool {
	return errors.Is(err, chaterr.ErrNotFound)
}
