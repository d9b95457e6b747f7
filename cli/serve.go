package cli

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mini-sync/config"
	"mini-sync/middleware"
	"mini-sync/procedure"
	"mini-sync/registry"
	"mini-sync/server"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen string
	Stream string
}

func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the authority serving the demo counter state",
		Long: `Run the authority. Replicas connect over WebSocket at the mount path (and
over raw framed TCP when a stream address is set), receive the full state, then a
patch for every change. Procedures: counter.increment, counter.add(n),
counter.reset.

When registry.etcd_endpoints is configured the server advertises
registry.advertise_url under registry.service until it shuts down.

Example:
  syncd serve --listen :8080
  syncd serve -c syncd.yaml --stream :9090`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "WebSocket listen address (overrides server.listen_addr)")
	cmd.Flags().StringVar(&opts.Stream, "stream", "", "raw TCP listen address (overrides server.stream_addr)")

	return cmd
}

// serverOptions translates the server config section.
func serverOptions(cfg config.ServerConfig, log *zap.Logger) []server.Option {
	opts := []server.Option{
		server.WithLogger(log),
		server.WithCallTimeout(cfg.CallTimeout),
		server.WithSendQueueSize(cfg.SendQueueSize),
		server.WithMaxMessageBytes(cfg.MaxMessageBytes),
	}

	mws := []middleware.Middleware{middleware.LoggingMiddleware(log)}
	if cfg.RateLimit.PerSecond > 0 {
		mws = append(mws, middleware.PerClientRateLimitMiddleware(cfg.RateLimit.PerSecond, cfg.RateLimit.Burst))
	}
	if cfg.HandlerTimeout > 0 {
		mws = append(mws, middleware.TimeOutMiddleware(cfg.HandlerTimeout))
	}
	return append(opts, server.WithMiddleware(mws...))
}

// newCounterServer builds the demo authority.
func newCounterServer(cfg config.ServerConfig, log *zap.Logger) (*server.Server, error) {
	counter := NewCounter()
	tree, err := procedure.FromService(counter)
	if err != nil {
		return nil, err
	}
	srv, err := server.New(CounterState{History: []Change{}}, procedure.Tree{"counter": tree}, serverOptions(cfg, log)...)
	if err != nil {
		return nil, err
	}
	counter.Bind(srv)
	return srv, nil
}

func runServe(ctx context.Context, opts *ServeOptions) error {
	cfg, log := opts.Config, opts.Logger
	if opts.Listen != "" {
		cfg.Server.ListenAddr = opts.Listen
	}
	if opts.Stream != "" {
		cfg.Server.StreamAddr = opts.Stream
	}

	srv, err := newCounterServer(cfg.Server, log)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build server", err)
	}

	l, err := net.Listen("tcp", cfg.Server.ListenAddr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	errc := make(chan error, 2)
	go func() { errc <- srv.Serve(l, cfg.Server.MountPath) }()

	if cfg.Server.StreamAddr != "" {
		sl, err := net.Listen("tcp", cfg.Server.StreamAddr)
		if err != nil {
			srv.Shutdown(cfg.Server.ShutdownTimeout)
			return WrapExitError(ExitCommandError, "failed to listen for streams", err)
		}
		go func() { errc <- srv.ServeStream(sl) }()
	}

	if len(cfg.Registry.EtcdEndpoints) > 0 {
		reg, err := advertise(ctx, srv, cfg, l.Addr(), log)
		if err != nil {
			srv.Shutdown(cfg.Server.ShutdownTimeout)
			return WrapExitError(ExitCommandError, "failed to advertise", err)
		}
		defer reg.Close()
	}

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errc:
		if err != nil {
			srv.Shutdown(cfg.Server.ShutdownTimeout)
			return WrapExitError(ExitCommandError, "server stopped", err)
		}
	}
	if err := srv.Shutdown(cfg.Server.ShutdownTimeout); err != nil {
		return WrapExitError(ExitFailure, "shutdown", err)
	}
	return nil
}

func advertise(ctx context.Context, srv *server.Server, cfg *config.Config, addr net.Addr, log *zap.Logger) (*registry.EtcdRegistry, error) {
	reg, err := registry.NewEtcdRegistry(cfg.Registry.EtcdEndpoints, cfg.Registry.DialTimeout, log)
	if err != nil {
		return nil, err
	}

	url := cfg.Registry.AdvertiseURL
	if url == "" {
		url = fmt.Sprintf("ws://%s%s", addr.String(), cfg.Server.MountPath)
	}
	ep := registry.Endpoint{URL: url, Weight: 1}
	if err := srv.Advertise(ctx, reg, cfg.Registry.Service, ep, cfg.Registry.TTLSeconds); err != nil {
		reg.Close()
		return nil, fmt.Errorf("register endpoint: %w", err)
	}
	log.Info("advertised", zap.String("service", cfg.Registry.Service), zap.String("url", url))
	return reg, nil
}
