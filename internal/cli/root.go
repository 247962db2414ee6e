// Package cli wires the trenches commands.
package cli

import (
	"github.com/omochice/trenches-chat/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Version is overridden at build time with -ldflags.
var Version = "dev"

// options are shared by every command.
type options struct {
	v          *viper.Viper
	configPath string
	username   string
}

func (o *options) load() (config.Config, error) {
	return config.Load(o.v, o.configPath)
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

// NewRootCmd builds the command tree. Running it without a subcommand starts
// the chat.
func NewRootCmd() *cobra.Command {
	opts := &options{v: viper.New()}

	rootCmd := &cobra.Command{
		Use:           "trenches",
		Short:         "Terminal chat over a WebSocket relay",
		Long:          "trenches is a terminal chat client. When the relay cannot be reached it falls back to a local demo mode with simulated participants.",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runChat(cmd, opts)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "config file (default is $XDG_CONFIG_HOME/trenches/config.toml)")
	flags.String("relay", "", "relay WebSocket address")
	_ = opts.v.BindPFlag(config.KeyRelayURL, flags.Lookup("relay"))

	rootCmd.Flags().StringVarP(&opts.username, "username", "u", "", "join immediately as this user")

	rootCmd.AddCommand(
		newChatCmd(opts),
		newRelayCmd(opts),
		newConfigCmd(opts),
		newVersionCmd(),
	)

	return rootCmd
}
