// Package client is the replica side of a sync connection: it mirrors the authority's state,
// exposes local procedures to the authority and calls the authority's procedures.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"mini-sync/codec"
	"mini-sync/config"
	"mini-sync/message"
	"mini-sync/middleware"
	"mini-sync/procedure"
	"mini-sync/replica"
	"mini-sync/rpc"
	"mini-sync/server"
	"mini-sync/transport"
)

// ServerID is the caller id local procedures see for calls made by the authority.
const ServerID procedure.ClientID = "server"

var (
	ErrClosed           = errors.New("client: closed")
	ErrAlreadyConnected = errors.New("client: already connected")
	ErrUnsupportedURL   = errors.New("client: unsupported url scheme")
)

type options struct {
	logger          *zap.Logger
	id              procedure.ClientID
	callTimeout     time.Duration
	sendQueueSize   int
	maxMessageBytes int64
	reconnect       config.ReconnectConfig
	middlewares     []middleware.Middleware
}

type Option func(*options)

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClientID fixes the id sent to the server. It survives reconnects, so the server can
// tell a returning replica from a new one.
func WithClientID(id procedure.ClientID) Option {
	return func(o *options) { o.id = id }
}

func WithCallTimeout(d time.Duration) Option {
	return func(o *options) { o.callTimeout = d }
}

func WithSendQueueSize(n int) Option {
	return func(o *options) { o.sendQueueSize = n }
}

func WithMaxMessageBytes(n int64) Option {
	return func(o *options) { o.maxMessageBytes = n }
}

// WithReconnect sets the backoff used by Run.
func WithReconnect(rc config.ReconnectConfig) Option {
	return func(o *options) { o.reconnect = rc }
}

// WithMiddleware wraps the local procedures the authority calls.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(o *options) { o.middlewares = append(o.middlewares, mws...) }
}

// ConfigOptions translates the client section of a config file.
func ConfigOptions(cfg config.ClientConfig) []Option {
	return []Option{
		WithCallTimeout(cfg.CallTimeout),
		WithMaxMessageBytes(cfg.MaxMessageBytes),
		WithReconnect(cfg.Reconnect),
	}
}

// connection is one dial's worth of state. A reconnect builds a new one, so nothing from an
// old connection (pending calls, handler contexts) leaks into the next.
type connection struct {
	url     string
	session *transport.Session
	rpc     *rpc.Manager
	done    chan struct{}
	err     error
}

type listener[T any] struct {
	id int
	fn func(T)
}

type Client struct {
	target     Resolver
	procedures procedure.Tree
	replica    *replica.Manager
	opts       options
	logger     *zap.Logger

	mu           sync.Mutex
	conn         *connection
	closed       bool
	closeCh      chan struct{}
	synced       chan struct{}
	syncedClosed bool
	nextID       int
	stateFns     []listener[any]
	connFns      []listener[bool]
}

// New prepares a client; nothing is dialed until Connect or Run. fallback is the state
// reported before the first full sync and after a disconnect.
func New(target Resolver, procedures procedure.Tree, fallback any, opts ...Option) (*Client, error) {
	o := options{
		logger:        zap.NewNop(),
		callTimeout:   rpc.DefaultTimeout,
		sendQueueSize: 256,
		reconnect:     config.Defaults().Client.Reconnect,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.id == "" {
		o.id = procedure.ClientID(uuid.NewString())
	}
	if _, err := procedure.Extract(procedures); err != nil {
		return nil, err
	}

	logger := o.logger.With(zap.String("client_id", string(o.id)))
	rep, err := replica.NewManager(fallback, replica.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	return &Client{
		target:     target,
		procedures: procedures,
		replica:    rep,
		opts:       o,
		logger:     logger,
		closeCh:    make(chan struct{}),
		synced:     make(chan struct{}),
	}, nil
}

func (c *Client) ID() procedure.ClientID {
	return c.opts.id
}

// State returns the current replica (the fallback until synced).
func (c *Client) State() any {
	return c.replica.State()
}

// Decode converts the replica into a Go value.
func (c *Client) Decode(into any) error {
	return c.replica.Decode(into)
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// WaitForSync blocks until a full sync has arrived on the current connection.
func (c *Client) WaitForSync(ctx context.Context) error {
	c.mu.Lock()
	ch := c.synced
	c.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closeCh:
		return ErrClosed
	}
}

// OnStateChange registers fn for every replica change, including the reset to the fallback
// on disconnect. The returned func unregisters it.
func (c *Client) OnStateChange(fn func(state any)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.stateFns = append(c.stateFns, listener[any]{id: id, fn: fn})
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.stateFns = without(c.stateFns, id)
	}
}

// OnConnectionChange registers fn for connects and disconnects.
func (c *Client) OnConnectionChange(fn func(connected bool)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.connFns = append(c.connFns, listener[bool]{id: id, fn: fn})
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.connFns = without(c.connFns, id)
	}
}

func without[T any](ls []listener[T], id int) []listener[T] {
	out := ls[:0:0]
	for _, l := range ls {
		if l.id != id {
			out = append(out, l)
		}
	}
	return out
}

func (c *Client) notifyState(st any) {
	c.mu.Lock()
	fns := append([]listener[any](nil), c.stateFns...)
	c.mu.Unlock()
	for _, l := range fns {
		l.fn(st)
	}
}

func (c *Client) notifyConnection(connected bool) {
	c.mu.Lock()
	fns := append([]listener[bool](nil), c.connFns...)
	c.mu.Unlock()
	for _, l := range fns {
		l.fn(connected)
	}
}

// Connect dials once, registers the local procedures on a fresh RPC manager and starts the
// read loop. It returns once the channel is open; use WaitForSync for the first state.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrClosed
	case c.conn != nil:
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.mu.Unlock()

	target, err := c.target.Resolve(ctx, string(c.opts.id))
	if err != nil {
		return fmt.Errorf("client: resolve: %w", err)
	}
	ch, err := c.dial(ctx, target)
	if err != nil {
		return err
	}

	logger := c.logger.With(zap.String("url", target))
	session := transport.NewSession(ch, codec.Default, c.opts.sendQueueSize, logger)
	manager := rpc.NewManager(session.Send,
		rpc.WithPeer(ServerID),
		rpc.WithDefaultTimeout(c.opts.callTimeout),
		rpc.WithLogger(logger),
		rpc.WithMiddleware(c.opts.middlewares...),
	)
	if err := manager.RegisterTree(c.procedures); err != nil {
		session.Close()
		return err
	}

	cn := &connection{url: target, session: session, rpc: manager, done: make(chan struct{})}
	c.mu.Lock()
	if c.closed || c.conn != nil {
		closed := c.closed
		c.mu.Unlock()
		session.Close()
		if closed {
			return ErrClosed
		}
		return ErrAlreadyConnected
	}
	c.conn = cn
	c.mu.Unlock()

	logger.Info("connected")
	go c.readLoop(cn, logger)
	c.notifyConnection(true)
	return nil
}

func (c *Client) dial(ctx context.Context, target string) (transport.Channel, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("client: parse url %q: %w", target, err)
	}

	switch u.Scheme {
	case "ws", "wss":
		q := u.Query()
		q.Set(server.ClientIDParam, string(c.opts.id))
		u.RawQuery = q.Encode()
		header := http.Header{}
		header.Set(server.ClientIDHeader, string(c.opts.id))
		return transport.DialWebSocket(ctx, u.String(), header, c.opts.maxMessageBytes)
	case "tcp":
		var d net.Dialer
		nc, err := d.DialContext(ctx, "tcp", u.Host)
		if err != nil {
			return nil, fmt.Errorf("client: dial %s: %w", u.Host, err)
		}
		var opts []transport.StreamOption
		if c.opts.maxMessageBytes > 0 {
			opts = append(opts, transport.WithMaxFrameBytes(uint32(c.opts.maxMessageBytes)))
		}
		return transport.NewStreamChannel(nc, opts...), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedURL, u.Scheme)
	}
}

func (c *Client) readLoop(cn *connection, logger *zap.Logger) {
	err := cn.session.Run(context.Background(), func(ctx context.Context, msg *message.Message) {
		if cn.rpc.HandleMessage(ctx, msg) {
			return
		}
		handled, err := c.replica.HandleMessage(msg, c.notifyState)
		if errors.Is(err, replica.ErrNoBaseline) {
			logger.Warn("dropping patch received before full sync")
			return
		}
		if err != nil {
			// the replica can no longer follow; a fresh connection resyncs it
			logger.Warn("replica diverged, reconnecting", zap.Error(err))
			cn.session.Close()
			return
		}
		if handled && msg.Type == message.TypeStateSync {
			c.markSynced()
		}
	})

	c.mu.Lock()
	if c.conn == cn {
		c.conn = nil
	}
	if c.syncedClosed {
		c.synced = make(chan struct{})
		c.syncedClosed = false
	}
	c.mu.Unlock()

	c.replica.Reset()
	cn.rpc.Cleanup()
	cn.err = err
	close(cn.done)

	logger.Info("disconnected", zap.Error(err))
	c.notifyConnection(false)
	c.notifyState(c.replica.State())
}

func (c *Client) markSynced() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.syncedClosed {
		close(c.synced)
		c.syncedClosed = true
	}
}

func (c *Client) current() *connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// Disconnect closes the current connection, if any, and waits for its teardown. Run treats
// it like any other drop and reconnects.
func (c *Client) Disconnect() {
	cn := c.current()
	if cn == nil {
		return
	}
	cn.session.Close()
	<-cn.done
}

// Run keeps the client connected until ctx ends or Close is called, reconnecting with
// exponential backoff. It gives up once the configured attempts are exhausted.
func (c *Client) Run(ctx context.Context) error {
	b := c.newBackOff()
	for {
		err := c.Connect(ctx)
		switch {
		case err == nil:
			b.Reset()
			cn := c.current()
			if cn != nil {
				select {
				case <-cn.done:
					err = cn.err
				case <-ctx.Done():
					c.Disconnect()
					return ctx.Err()
				}
			}
		case errors.Is(err, ErrClosed):
			return err
		case errors.Is(err, ErrAlreadyConnected):
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if c.isClosed() {
			return ErrClosed
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return fmt.Errorf("client: giving up reconnecting: %w", err)
		}
		c.logger.Info("reconnecting", zap.Duration("after", wait), zap.Error(err))

		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-c.closeCh:
			t.Stop()
			return ErrClosed
		}
	}
}

func (c *Client) newBackOff() backoff.BackOff {
	rc := c.opts.reconnect
	eb := backoff.NewExponentialBackOff()
	if rc.InitialInterval > 0 {
		eb.InitialInterval = rc.InitialInterval
	}
	if rc.MaxInterval > 0 {
		eb.MaxInterval = rc.MaxInterval
	}
	if rc.Multiplier > 0 {
		eb.Multiplier = rc.Multiplier
	}
	eb.RandomizationFactor = rc.Jitter
	eb.MaxElapsedTime = 0
	eb.Reset()

	if rc.MaxAttempts > 0 {
		return backoff.WithMaxRetries(eb, rc.MaxAttempts)
	}
	return eb
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close disconnects for good. Pending calls fail with CONNECTION_LOST.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.closeCh)
	c.mu.Unlock()

	c.Disconnect()
	return nil
}

// Call invokes a procedure on the authority.
func (c *Client) Call(ctx context.Context, path []string, args ...any) (any, error) {
	cn := c.current()
	if cn == nil {
		return nil, &rpc.Error{
			Kind:    rpc.KindConnectionLost,
			Path:    path,
			Message: "not connected",
		}
	}
	return cn.rpc.Call(ctx, path, args)
}

// Go starts a call without waiting for it.
func (c *Client) Go(ctx context.Context, path []string, args ...any) (*rpc.Future, error) {
	cn := c.current()
	if cn == nil {
		return nil, &rpc.Error{Kind: rpc.KindConnectionLost, Path: path, Message: "not connected"}
	}
	return cn.rpc.Go(ctx, path, args), nil
}

// Remote returns a proxy for building procedure paths fluently.
func (c *Client) Remote() Proxy {
	return Proxy{caller: c}
}
