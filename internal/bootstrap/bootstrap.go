// Package bootstrap obtains an auth token and a backend session id before a
// terminal transport connects.
package bootstrap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultTokenPath           = "/api/v1/auth/token"
	DefaultSessionPathTemplate = "/api/v1/terminal/pod/{{namespace}}/{{pod}}/shell/{{container}}"
	DefaultTTYPathTemplate     = "/api/v1/terminal/tty/{{sessionId}}"
	DefaultSockJSPath          = "/api/v1/terminal/sockjs"

	defaultTimeout = 10 * time.Second
	maxBodySize    = 1 << 20
)

var (
	ErrTokenRequest     = errors.New("bootstrap: token request failed")
	ErrSessionRequest   = errors.New("bootstrap: session request failed")
	ErrMissingSessionID = errors.New("bootstrap: response carries no session id")
	ErrIncompleteTarget = errors.New("bootstrap: namespace, pod and container are required")
)

// StatusError reports a non-OK HTTP response.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: HTTP %d", e.URL, e.Code)
}

// Target names the container a shell session is opened in.
type Target struct {
	Namespace string
	Pod       string
	Container string
}

func (t Target) String() string {
	return t.Namespace + "/" + t.Pod + "/" + t.Container
}

// Session is a backend shell session ready for a transport.
type Session struct {
	ID     string
	Target Target
	Token  string
}

// Config holds the backend endpoints.
type Config struct {
	BaseURL             string
	TokenPath           string
	SessionPathTemplate string
	TTYPathTemplate     string
	SockJSPath          string
	// AuthToken is sent as a bearer token on bootstrap requests.
	AuthToken string
	// HTTPClient overrides the default client.
	HTTPClient *http.Client
}

// Client talks to the backend bootstrap endpoints.
type Client struct {
	cfg  Config
	http *http.Client
}

// NewClient creates a client, filling unset paths with their defaults.
func NewClient(cfg Config) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.TokenPath == "" {
		cfg.TokenPath = DefaultTokenPath
	}
	if cfg.SessionPathTemplate == "" {
		cfg.SessionPathTemplate = DefaultSessionPathTemplate
	}
	if cfg.TTYPathTemplate == "" {
		cfg.TTYPathTemplate = DefaultTTYPathTemplate
	}
	if cfg.SockJSPath == "" {
		cfg.SockJSPath = DefaultSockJSPath
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{cfg: cfg, http: hc}
}

type tokenResponse struct {
	Token string `json:"token"`
}

type sessionResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		ID string `json:"id"`
	} `json:"data"`
}

// Token fetches a fresh auth token.
func (c *Client) Token(ctx context.Context) (string, error) {
	var resp tokenResponse
	if err := c.get(ctx, c.cfg.BaseURL+c.cfg.TokenPath, ErrTokenRequest, &resp); err != nil {
		return "", err
	}
	return resp.Token, nil
}

// SessionURL returns the session creation URL for t.
func (c *Client) SessionURL(t Target) string {
	r := strings.NewReplacer(
		"{{namespace}}", url.PathEscape(t.Namespace),
		"{{pod}}", url.PathEscape(t.Pod),
		"{{container}}", url.PathEscape(t.Container),
	)
	return c.cfg.BaseURL + r.Replace(c.cfg.SessionPathTemplate)
}

// TTYURL returns the tty WebSocket URL for a session.
func (c *Client) TTYURL(sessionID string) string {
	return c.cfg.BaseURL + strings.ReplaceAll(c.cfg.TTYPathTemplate, "{{sessionId}}", url.PathEscape(sessionID))
}

// SockJSURL returns the SockJS endpoint base URL.
func (c *Client) SockJSURL() string {
	return c.cfg.BaseURL + c.cfg.SockJSPath
}

// Start fetches a token, then creates a session for t. Any failure aborts
// the sequence; nothing is retried.
func (c *Client) Start(ctx context.Context, t Target) (Session, error) {
	if t.Namespace == "" || t.Pod == "" || t.Container == "" {
		return Session{}, ErrIncompleteTarget
	}
	token, err := c.Token(ctx)
	if err != nil {
		log.Error().Err(err).Str("target", t.String()).Msg("bootstrap: token request failed")
		return Session{}, err
	}

	var resp sessionResponse
	if err := c.get(ctx, c.SessionURL(t), ErrSessionRequest, &resp); err != nil {
		log.Error().Err(err).Str("target", t.String()).Msg("bootstrap: session request failed")
		return Session{}, err
	}
	if resp.Data.ID == "" {
		log.Error().Str("target", t.String()).Str("message", resp.Message).Msg("bootstrap: no session id")
		return Session{}, ErrMissingSessionID
	}

	log.Debug().Str("target", t.String()).Str("session_id", resp.Data.ID).Msg("bootstrap: session created")
	return Session{ID: resp.Data.ID, Target: t, Token: token}, nil
}

func (c *Client) get(ctx context.Context, rawURL string, kind error, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", kind, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.AuthToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", kind, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodySize))
		return fmt.Errorf("%w: %w", kind, &StatusError{URL: rawURL, Code: resp.StatusCode})
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodySize)).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %w", kind, err)
	}
	return nil
}
