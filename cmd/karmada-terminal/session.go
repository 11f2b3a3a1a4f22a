package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/karmada-io/karmada-terminal/internal/bootstrap"
	"github.com/karmada-io/karmada-terminal/internal/config"
	"github.com/karmada-io/karmada-terminal/internal/console"
	"github.com/karmada-io/karmada-terminal/internal/terminal"
	"github.com/karmada-io/karmada-terminal/internal/transport"
)

func addViewFlags(cmd *cobra.Command) {
	cmd.Flags().String("renderer", "", "Renderer: dom, canvas or webgl")
	cmd.Flags().String("escape-key", "", `Key that leaves the session, e.g. "ctrl-]" or "none"`)
}

func applyViewFlags(cmd *cobra.Command, cfg *config.Config) {
	if v, _ := cmd.Flags().GetString("renderer"); v != "" {
		cfg.RendererType = v
	}
	if v, _ := cmd.Flags().GetString("escape-key"); v != "" {
		cfg.EscapeKey = v
	}
}

func targetFromArgs(args []string) bootstrap.Target {
	return bootstrap.Target{Namespace: args[0], Pod: args[1], Container: args[2]}
}

func newBootstrapClient(cfg *config.Config) *bootstrap.Client {
	return bootstrap.NewClient(bootstrap.Config{
		BaseURL:             cfg.Endpoint,
		TokenPath:           cfg.TokenPath,
		SessionPathTemplate: cfg.SessionPathTemplate,
		TTYPathTemplate:     cfg.TTYPathTemplate,
		SockJSPath:          cfg.SockJSPath,
		AuthToken:           cfg.AuthToken,
	})
}

// newView builds a view on the local terminal with the addons the CLI uses.
func newView(cfg *config.Config, con *console.TTY) (*terminal.View, error) {
	view := terminal.NewView(terminal.Options{})
	if err := view.SetRendererType(terminal.RendererType(cfg.RendererType)); err != nil {
		return nil, err
	}
	if err := view.SetAddon(terminal.AddonClipboard, terminal.NewClipboardAddon()); err != nil {
		return nil, err
	}
	links := terminal.NewWebLinksAddon(func(uri string) {
		log.Debug().Str("uri", uri).Msg("link detected")
	})
	if err := view.SetAddon(terminal.AddonWebLinks, links); err != nil {
		return nil, err
	}
	if err := view.Open(con); err != nil {
		return nil, fmt.Errorf("open view: %w", err)
	}
	return view, nil
}

// interactive prepares the console, runs fn, and restores the terminal.
func interactive(cmd *cobra.Command, fn func(ctx context.Context, con *console.TTY) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	con := console.Stdio()
	if err := con.MakeRaw(); err != nil {
		return err
	}
	defer con.Restore()
	return fn(ctx, con)
}

// pump feeds keystrokes into view until the session ends or the user leaves.
func pump(ctx context.Context, cfg *config.Config, con *console.TTY, view *terminal.View, sess transport.Session, leave func() bool) error {
	key, enabled, err := console.ParseEscapeKey(cfg.EscapeKey)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	in := &console.Input{
		Reader:        con.Input(),
		Send:          view.Input,
		Escape:        key,
		EscapeEnabled: enabled,
		LeaveAlert:    leave,
		Notify:        view.ShowOverlay,
	}
	errc := make(chan error, 1)
	go func() { errc <- in.Run(ctx) }()

	select {
	case <-sess.Done():
		return nil
	case <-ctx.Done():
		return nil
	case err := <-errc:
		if errors.Is(err, console.ErrDetached) {
			log.Info().Msg("detached by escape key")
			return nil
		}
		return err
	}
}
