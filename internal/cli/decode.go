package cli

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/QYUbit/cosync/pkg/crdt"
)

type decodeOptions struct {
	raw bool
}

// NewDecodeCommand creates the decode command.
func NewDecodeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &decodeOptions{}

	cmd := &cobra.Command{
		Use:   "decode [hex]",
		Short: "Print the messages in an encoded CRDT buffer",
		Long: `Decode a CRDT buffer and print one line per message.

The buffer is read as hex from the argument or from stdin. With --raw, stdin is
read as binary. Unknown and malformed messages are skipped and counted.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDecode(rootOpts, opts, cmd, args)
		},
	}

	cmd.Flags().BoolVar(&opts.raw, "raw", false, "read binary from stdin instead of hex")
	return cmd
}

func runDecode(rootOpts *RootOptions, opts *decodeOptions, cmd *cobra.Command, args []string) error {
	data, err := readBuffer(opts, cmd.InOrStdin(), args)
	if err != nil {
		return err
	}

	msgs, skipped, rest := crdt.DecodeAll(data)
	out := cmd.OutOrStdout()
	for i, m := range msgs {
		if rootOpts.Verbose {
			fmt.Fprintf(out, "%d\t%s\t%s\n", i, m.Type(), m)
			continue
		}
		fmt.Fprintln(out, m.String())
	}
	fmt.Fprintf(out, "%d message(s), %d skipped, %d trailing byte(s)\n", len(msgs), skipped, rest)
	return nil
}

func readBuffer(opts *decodeOptions, stdin io.Reader, args []string) ([]byte, error) {
	if opts.raw {
		if len(args) > 0 {
			return nil, WrapExitError(ExitCommandError, "--raw reads stdin and takes no argument", nil)
		}
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, WrapExitError(ExitFailure, "failed to read stdin", err)
		}
		return data, nil
	}

	var text string
	if len(args) > 0 {
		text = args[0]
	} else {
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, WrapExitError(ExitFailure, "failed to read stdin", err)
		}
		text = string(b)
	}

	data, err := hex.DecodeString(strings.Join(strings.Fields(text), ""))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid hex input", err)
	}
	return data, nil
}
