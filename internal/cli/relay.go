package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/omochice/trenches-chat/internal/config"
	"github.com/omochice/trenches-chat/internal/observability"
	"github.com/omochice/trenches-chat/internal/relay"
	"github.com/spf13/cobra"
)

func newRelayCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run a relay server",
		Long:  "Run a WebSocket relay that forwards every chat message to all other connected clients.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRelay(cmd, opts)
		},
	}
	cmd.Flags().String("listen", "", "address to listen on (default \":8080\")")
	_ = opts.v.BindPFlag(config.KeyListen, cmd.Flags().Lookup("listen"))
	return cmd
}

func runRelay(cmd *cobra.Command, opts *options) error {
	cfg, err := opts.load()
	if err != nil {
		return err
	}
	logger, err := observability.NewLogger(cmd.ErrOrStderr(), cfg.LogLevel)
	if err != nil {
		return err
	}

	hub := relay.NewHub(logger.With("component", "hub"))
	srv := relay.New(cfg.Listen, hub, relay.WithLogger(logger.With("component", "relay")))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info("shutting down")
		srv.Stop()
		return <-errCh
	}
}
