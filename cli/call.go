package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"mini-sync/codec"
)

// CallOptions holds flags for the call command.
type CallOptions struct {
	ClientOptions
	Print bool
}

func NewCallCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CallOptions{ClientOptions: ClientOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "call <procedure> [json-arg...]",
		Short: "Call a server procedure once and print the result",
		Long: `Connect, call the procedure at the dotted path with the given arguments and
print the JSON result. Each argument is parsed as JSON; anything that does not
parse is passed as a string.

Example:
  syncd call counter.increment
  syncd call counter.add 5 --state`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCall(cmd.Context(), opts, args[0], args[1:], cmd.OutOrStdout())
		},
	}
	opts.bind(cmd)
	cmd.Flags().BoolVar(&opts.Print, "state", false, "also print the state after the call")

	return cmd
}

// parseArgs decodes each argument as a JSON value, falling back to the raw string.
func parseArgs(raw []string) []any {
	out := make([]any, len(raw))
	for i, s := range raw {
		v, err := codec.UnmarshalValue([]byte(s))
		if err != nil {
			out[i] = s
			continue
		}
		out[i] = v
	}
	return out
}

func runCall(ctx context.Context, opts *CallOptions, path string, rawArgs []string, out io.Writer) error {
	c, release, err := opts.newClient(nil)
	if err != nil {
		return err
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, opts.Config.Client.CallTimeout)
	defer cancel()

	if err := c.Connect(ctx); err != nil {
		return WrapExitError(ExitCommandError, "failed to connect", err)
	}
	if err := c.WaitForSync(ctx); err != nil {
		return WrapExitError(ExitCommandError, "no state from server", err)
	}

	v, err := c.Remote().Dotted(path).Call(ctx, parseArgs(rawArgs)...)
	if err != nil {
		return WrapExitError(ExitFailure, fmt.Sprintf("call %s", strings.TrimSpace(path)), err)
	}
	data, err := codec.MarshalValue(v)
	if err != nil {
		return WrapExitError(ExitFailure, "cannot print result", err)
	}
	fmt.Fprintln(out, string(data))

	if opts.Print {
		data, err := codec.MarshalValue(c.State())
		if err != nil {
			return WrapExitError(ExitFailure, "cannot print state", err)
		}
		fmt.Fprintln(out, string(data))
	}
	return nil
}
