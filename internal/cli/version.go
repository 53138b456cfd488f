package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X github.com/QYUbit/cosync/internal/cli.Version=...".
var Version = "dev"

// WireVersion names the message layout this build speaks.
const WireVersion = 1

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "cosync %s (wire v%d)\n", Version, WireVersion)
		},
	}
}
