package server

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karmada-io/karmada-terminal/internal/bootstrap"
	"github.com/karmada-io/karmada-terminal/internal/config"
	"github.com/karmada-io/karmada-terminal/internal/disposable"
	"github.com/karmada-io/karmada-terminal/internal/event"
	"github.com/karmada-io/karmada-terminal/internal/shell"
	"github.com/karmada-io/karmada-terminal/internal/terminal"
	"github.com/karmada-io/karmada-terminal/internal/transport"
)

const (
	waitFor   = 3 * time.Second
	bootToken = "boot-token"
)

type fakeContainer struct {
	mu       sync.Mutex
	out      bytes.Buffer
	onResize event.Emitter[struct{}]
}

func (c *fakeContainer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out.Write(p)
}

func (c *fakeContainer) Size() (int, int, error) { return 80, 24, nil }

func (c *fakeContainer) OnResize(fn func()) disposable.Disposable {
	return c.onResize.Subscribe(func(struct{}) { fn() })
}

func (c *fakeContainer) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out.String()
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := &config.Config{
		AuthToken:          bootToken,
		CORSAllowedOrigins: []string{"*"},
		SessionIdleTimeout: time.Hour,
		ServerPreferences:  map[string]any{"cursorBlink": true},
	}
	s, err := New(cfg, &shell.LocalConnector{
		Shell: "/bin/sh",
		Args:  []string{"-c", `printf "ready\n"; cat`},
	})
	require.NoError(t, err)

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return srv
}

func newClient(srv *httptest.Server) *bootstrap.Client {
	return bootstrap.NewClient(bootstrap.Config{BaseURL: srv.URL, AuthToken: bootToken})
}

func openView(t *testing.T) (*terminal.View, *fakeContainer) {
	t.Helper()
	c := &fakeContainer{}
	v := terminal.NewView(terminal.Options{})
	require.NoError(t, v.Open(c))
	t.Cleanup(v.Dispose)
	return v, c
}

var target = bootstrap.Target{Namespace: "default", Pod: "nginx", Container: "app"}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)
	for _, path := range []string{"/health", "/ready"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func TestBootstrapRequiresAuth(t *testing.T) {
	srv := newTestServer(t)

	_, err := bootstrap.NewClient(bootstrap.Config{BaseURL: srv.URL}).Start(context.Background(), target)
	require.ErrorIs(t, err, bootstrap.ErrTokenRequest)
	var se *bootstrap.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnauthorized, se.Code)
}

func TestAttachOverTTY(t *testing.T) {
	srv := newTestServer(t)
	client := newClient(srv)

	sess, err := client.Start(context.Background(), target)
	require.NoError(t, err)
	require.NotEmpty(t, sess.ID)

	var mu sync.Mutex
	var titles []string
	v, c := openView(t)
	tty, err := transport.NewTTY(v, transport.TTYOptions{
		URL:    client.TTYURL(sess.ID),
		Token:  sess.Token,
		Tokens: transport.TokenFunc(client.Token),
		Titles: transport.TitleFunc(func(title string) {
			mu.Lock()
			titles = append(titles, title)
			mu.Unlock()
		}),
	})
	require.NoError(t, err)
	defer tty.Close()

	tty.Connect()
	require.Eventually(t, func() bool { return tty.State() == transport.StateOpen }, waitFor, 10*time.Millisecond)
	require.Eventually(t, func() bool { return strings.Contains(c.String(), "ready") }, waitFor, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return slices.Contains(titles, "default/nginx/app")
	}, waitFor, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		blink, ok := v.Option("cursorBlink")
		return ok && blink == true
	}, waitFor, 10*time.Millisecond)

	v.Input([]byte("karmada\r"))
	require.Eventually(t, func() bool {
		return strings.Count(c.String(), "karmada") >= 2
	}, waitFor, 10*time.Millisecond)
}

func TestAttachOverSockJS(t *testing.T) {
	srv := newTestServer(t)
	client := newClient(srv)

	sess, err := client.Start(context.Background(), target)
	require.NoError(t, err)

	v, c := openView(t)
	sj, err := transport.NewSockJS(v, transport.SockJSOptions{BaseURL: client.SockJSURL(), SessionID: sess.ID})
	require.NoError(t, err)
	defer sj.Close()

	sj.Connect()
	require.Eventually(t, func() bool { return strings.Contains(c.String(), "ready") }, waitFor, 10*time.Millisecond)

	v.Input([]byte("placement\r"))
	require.Eventually(t, func() bool {
		return strings.Count(c.String(), "placement") >= 2
	}, waitFor, 10*time.Millisecond)
}

func TestNewConnector(t *testing.T) {
	c, err := NewConnector(&config.Config{ShellConnector: "local", Shell: "/bin/bash"})
	require.NoError(t, err)
	assert.Equal(t, &shell.LocalConnector{Shell: "/bin/bash"}, c)

	_, err = NewConnector(&config.Config{ShellConnector: "ssh"})
	require.ErrorIs(t, err, config.ErrInvalid)
}
