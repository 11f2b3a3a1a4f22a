package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/karmada-io/karmada-terminal/internal/console"
	"github.com/karmada-io/karmada-terminal/internal/terminal"
	"github.com/karmada-io/karmada-terminal/internal/transport"
)

var attachCmd = &cobra.Command{
	Use:   "attach NAMESPACE POD CONTAINER",
	Short: "Open a terminal in a pod container over the tty protocol",
	Args:  cobra.ExactArgs(3),
	RunE:  runAttach,
}

func init() {
	addViewFlags(attachCmd)
	attachCmd.Flags().Bool("no-reconnect", false, "Do not reconnect after an abnormal close")
	attachCmd.Flags().String("title-fixed", "", "Keep the window title fixed to this text")
	attachCmd.Flags().String("query", "", "Preference overrides as a URL query, e.g. fontSize=16&rendererType=canvas")

	rootCmd.AddCommand(attachCmd)
}

func runAttach(cmd *cobra.Command, args []string) error {
	applyViewFlags(cmd, cfg)
	if v, _ := cmd.Flags().GetBool("no-reconnect"); v {
		cfg.Reconnect = false
	}
	if v, _ := cmd.Flags().GetString("title-fixed"); v != "" {
		cfg.TitleFixed = v
	}
	if v, _ := cmd.Flags().GetString("query"); v != "" {
		cfg.PreferencesQuery = v
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	target := targetFromArgs(args)
	client := newBootstrapClient(cfg)
	sess, err := client.Start(cmd.Context(), target)
	if err != nil {
		return fmt.Errorf("start session for %s: %w", target, err)
	}

	return interactive(cmd, func(ctx context.Context, con *console.TTY) error {
		view, err := newView(cfg, con)
		if err != nil {
			return err
		}
		defer view.Dispose()

		clientOptions := transport.Preferences{}
		if cfg.TitleFixed != "" {
			clientOptions[transport.PrefTitleFixed] = cfg.TitleFixed
		}
		tty, err := transport.NewTTY(view, transport.TTYOptions{
			URL:           client.TTYURL(sess.ID),
			Token:         sess.Token,
			Tokens:        transport.TokenFunc(client.Token),
			TokenTimeout:  cfg.TokenTimeout,
			ClientOptions: clientOptions,
			Query:         cfg.PreferencesQuery,
			Flow:          cfg.Flow,
			Reconnect:     cfg.Reconnect,
			Title:         target.String(),
			Titles:        con,
			Transfers:     terminal.RefuseTransfers,
		})
		if err != nil {
			return err
		}
		defer tty.Close()

		tty.Connect()
		return pump(ctx, cfg, con, view, tty, func() bool {
			return tty.State() == transport.StateOpen && tty.LeaveAlert()
		})
	})
}
