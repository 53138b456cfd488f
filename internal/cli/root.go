package cli

import (
	"github.com/spf13/cobra"

	"github.com/QYUbit/cosync/pkg/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	ConfigPath string
}

// NewRootCommand creates the root command for the cosync CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "cosync",
		Short: "cosync - CRDT state replication for entity-component runtimes",
		Long: `cosync replicates entity-component state between peers as last-writer-wins
registers, over WebSocket, QUIC, WebTransport or a Redis channel.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to a YAML config file")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewDecodeCommand(opts))
	cmd.AddCommand(NewVersionCommand())

	return cmd
}

// loadConfig reads the config file when one was given and the defaults otherwise.
func loadConfig(opts *RootOptions) (config.Config, error) {
	if opts.ConfigPath == "" {
		cfg := config.Default()
		return cfg, cfg.Validate()
	}
	return config.Load(opts.ConfigPath)
}
