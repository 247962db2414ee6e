package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/omochice/trenches-chat/internal/observability"
	"github.com/omochice/trenches-chat/internal/session"
	"github.com/omochice/trenches-chat/internal/transport/sim"
	"github.com/omochice/trenches-chat/internal/transport/ws"
	"github.com/omochice/trenches-chat/internal/tui"
	"github.com/spf13/cobra"
)

func newChatCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Open the chat (default command)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runChat(cmd, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.username, "username", "u", "", "join immediately as this user")
	return cmd
}

func runChat(cmd *cobra.Command, opts *options) error {
	cfg, err := opts.load()
	if err != nil {
		return err
	}

	// The terminal belongs to the TUI, so logs only go to a file.
	logger, closer, err := observability.OpenFile(cfg.LogFile, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer closer.Close()

	bridge := tui.NewBridge(256)
	defer bridge.Close()

	mgr := session.New(cfg.Session(),
		ws.NewFactory(cfg.RelayURL,
			ws.WithHandshakeTimeout(cfg.HandshakeTimeout),
			ws.WithLogger(logger.With("component", "ws")),
		),
		sim.NewFactory(cfg.Sim(), sim.WithLogger(logger.With("component", "sim"))),
		session.WithLogger(logger.With("component", "session")),
		session.OnAppend(bridge.OnAppend),
		session.OnStatus(bridge.OnStatus),
	)
	defer mgr.Stop()

	var modelOpts []tui.Option
	if opts.username != "" {
		modelOpts = append(modelOpts, tui.WithUsername(opts.username))
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = tui.Run(ctx, tui.New(mgr, bridge, modelOpts...),
		tea.WithInput(cmd.InOrStdin()),
		tea.WithOutput(cmd.OutOrStdout()),
	)
	if err != nil {
		return fmt.Errorf("chat: %w", err)
	}
	return nil
}
