package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mini-sync/client"
	"mini-sync/codec"
	"mini-sync/config"
	"mini-sync/loadbalance"
	"mini-sync/procedure"
	"mini-sync/registry"
)

// ClientOptions holds the connection flags shared by watch and call.
type ClientOptions struct {
	*RootOptions
	URL      string
	Discover bool
	ID       string
}

func (o *ClientOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.URL, "url", "", "server url, ws:// or tcp:// (overrides client.url)")
	cmd.Flags().BoolVar(&o.Discover, "discover", false, "find the server through the etcd registry")
	cmd.Flags().StringVar(&o.ID, "id", "", "client id (default: random)")
}

// resolver picks the endpoint source. The returned func releases it.
func (o *ClientOptions) resolver(cfg *config.Config, log *zap.Logger) (client.Resolver, func(), error) {
	if !o.Discover {
		url := cfg.Client.URL
		if o.URL != "" {
			url = o.URL
		}
		return client.URL(url), func() {}, nil
	}

	if len(cfg.Registry.EtcdEndpoints) == 0 {
		return nil, nil, errors.New("--discover needs registry.etcd_endpoints")
	}
	bal, ok := loadbalance.New(cfg.Client.Balancer)
	if !ok {
		return nil, nil, fmt.Errorf("unknown balancer %q", cfg.Client.Balancer)
	}
	reg, err := registry.NewEtcdRegistry(cfg.Registry.EtcdEndpoints, cfg.Registry.DialTimeout, log)
	if err != nil {
		return nil, nil, err
	}
	r := &client.DiscoveryResolver{Registry: reg, Service: cfg.Registry.Service, Balancer: bal}
	return r, func() { reg.Close() }, nil
}

func (o *ClientOptions) newClient(procedures procedure.Tree) (*client.Client, func(), error) {
	cfg, log := o.Config, o.Logger
	r, release, err := o.resolver(cfg, log)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to resolve server", err)
	}

	opts := append(client.ConfigOptions(cfg.Client), client.WithLogger(log))
	if o.ID != "" {
		opts = append(opts, client.WithClientID(procedure.ClientID(o.ID)))
	}
	c, err := client.New(r, procedures, nil, opts...)
	if err != nil {
		release()
		return nil, nil, WrapExitError(ExitCommandError, "failed to build client", err)
	}
	return c, func() {
		c.Close()
		release()
	}, nil
}

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	ClientOptions
}

func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{ClientOptions: ClientOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the server state, printing it on every change",
		Long: `Connect as a replica and print the state as JSON each time it changes.
The replica reconnects with backoff and resyncs after every disconnect.

The replica exposes one procedure to the server, client.ping, which returns
"pong".

Example:
  syncd watch --url ws://localhost:8080/sync
  syncd watch --discover -c syncd.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWatch(ctx, opts, cmd.OutOrStdout())
		},
	}
	opts.bind(cmd)

	return cmd
}

func replicaProcedures() procedure.Tree {
	return procedure.Tree{
		"client": procedure.Tree{
			"ping": procedure.Handler(func(ctx context.Context, caller procedure.ClientID, args procedure.Args) (any, error) {
				return "pong", nil
			}),
		},
	}
}

func runWatch(ctx context.Context, opts *WatchOptions, out io.Writer) error {
	c, release, err := opts.newClient(replicaProcedures())
	if err != nil {
		return err
	}
	defer release()

	c.OnConnectionChange(func(connected bool) {
		opts.Logger.Info("connection changed", zap.Bool("connected", connected))
	})
	c.OnStateChange(func(st any) {
		data, err := codec.MarshalValue(st)
		if err != nil {
			opts.Logger.Warn("cannot print state", zap.Error(err))
			return
		}
		fmt.Fprintln(out, string(data))
	})

	err = c.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return WrapExitError(ExitCommandError, "watch stopped", err)
}
