package bootstrap

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(req *http.Request) {
	r.mu.Lock()
	r.calls = append(r.calls, req.Method+" "+req.URL.EscapedPath())
	r.mu.Unlock()
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func newBackend(t *testing.T, tokenStatus, sessionStatus int, sessionBody string) (*httptest.Server, *recorder) {
	t.Helper()
	rec := &recorder{}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/auth/token", func(w http.ResponseWriter, r *http.Request) {
		rec.add(r)
		w.WriteHeader(tokenStatus)
		w.Write([]byte(`{"token":"abc"}`))
	})
	mux.HandleFunc("/api/v1/terminal/pod/", func(w http.ResponseWriter, r *http.Request) {
		rec.add(r)
		w.WriteHeader(sessionStatus)
		w.Write([]byte(sessionBody))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, rec
}

var admin = Target{Namespace: "karmada-system", Pod: "karmada-ttyd-admin", Container: "karmada-ttyd-admin"}

func TestStartHappyPath(t *testing.T) {
	srv, rec := newBackend(t, http.StatusOK, http.StatusOK, `{"code":200,"message":"success","data":{"id":"sess-1"}}`)
	c := NewClient(Config{BaseURL: srv.URL})

	sess, err := c.Start(context.Background(), admin)
	require.NoError(t, err)
	assert.Equal(t, Session{ID: "sess-1", Target: admin, Token: "abc"}, sess)
	assert.Equal(t, []string{
		"GET /api/v1/auth/token",
		"GET /api/v1/terminal/pod/karmada-system/karmada-ttyd-admin/shell/karmada-ttyd-admin",
	}, rec.list())
}

func TestStartTokenFailure(t *testing.T) {
	srv, rec := newBackend(t, http.StatusUnauthorized, http.StatusOK, `{"data":{"id":"x"}}`)
	c := NewClient(Config{BaseURL: srv.URL})

	_, err := c.Start(context.Background(), admin)
	require.ErrorIs(t, err, ErrTokenRequest)
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusUnauthorized, se.Code)
	assert.Len(t, rec.list(), 1, "session endpoint is never called")
}

func TestStartSessionFailure(t *testing.T) {
	srv, rec := newBackend(t, http.StatusOK, http.StatusInternalServerError, `{}`)
	c := NewClient(Config{BaseURL: srv.URL})

	_, err := c.Start(context.Background(), admin)
	require.ErrorIs(t, err, ErrSessionRequest)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusInternalServerError, se.Code)
	assert.Len(t, rec.list(), 2)
}

func TestStartMissingSessionID(t *testing.T) {
	srv, _ := newBackend(t, http.StatusOK, http.StatusOK, `{"code":200,"data":{}}`)
	c := NewClient(Config{BaseURL: srv.URL})

	_, err := c.Start(context.Background(), admin)
	assert.ErrorIs(t, err, ErrMissingSessionID)
}

func TestStartMalformedBody(t *testing.T) {
	srv, _ := newBackend(t, http.StatusOK, http.StatusOK, `<html>`)
	c := NewClient(Config{BaseURL: srv.URL})

	_, err := c.Start(context.Background(), admin)
	assert.ErrorIs(t, err, ErrSessionRequest)
}

func TestStartIncompleteTarget(t *testing.T) {
	c := NewClient(Config{BaseURL: "http://127.0.0.1:1"})
	_, err := c.Start(context.Background(), Target{Namespace: "default"})
	assert.ErrorIs(t, err, ErrIncompleteTarget)
}

func TestBearerToken(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
		w.Write([]byte(`{"token":"t"}`))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, AuthToken: "secret"})
	tok, err := c.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "t", tok)
	assert.Equal(t, "Bearer secret", got)
}

func TestURLs(t *testing.T) {
	c := NewClient(Config{BaseURL: "http://dashboard:8000/"})

	assert.Equal(t, "http://dashboard:8000/api/v1/terminal/pod/ns/my%20pod/shell/c",
		c.SessionURL(Target{Namespace: "ns", Pod: "my pod", Container: "c"}))
	assert.Equal(t, "http://dashboard:8000/api/v1/terminal/tty/sess-1", c.TTYURL("sess-1"))
	assert.Equal(t, "http://dashboard:8000/api/v1/terminal/sockjs", c.SockJSURL())

	custom := NewClient(Config{BaseURL: "http://h", SessionPathTemplate: "/s/{{pod}}/{{container}}/{{namespace}}"})
	assert.Equal(t, "http://h/s/p/c/n", custom.SessionURL(Target{Namespace: "n", Pod: "p", Container: "c"}))
}
