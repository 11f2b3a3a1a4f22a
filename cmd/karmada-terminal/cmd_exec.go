package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/karmada-io/karmada-terminal/internal/console"
	"github.com/karmada-io/karmada-terminal/internal/transport"
)

var execCmd = &cobra.Command{
	Use:   "exec NAMESPACE POD CONTAINER",
	Short: "Open a terminal in a pod container over SockJS",
	Args:  cobra.ExactArgs(3),
	RunE:  runExec,
}

func init() {
	addViewFlags(execCmd)

	rootCmd.AddCommand(execCmd)
}

func runExec(cmd *cobra.Command, args []string) error {
	applyViewFlags(cmd, cfg)
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
		con.SetTitle(target.String())

		sj, err := transport.NewSockJS(view, transport.SockJSOptions{
			BaseURL:   client.SockJSURL(),
			SessionID: sess.ID,
		})
		if err != nil {
			return err
		}
		defer sj.Close()

		sj.Connect()
		return pump(ctx, cfg, con, view, sj, func() bool {
			return sj.State() == transport.StateOpen
		})
	})
}
