// Package server is the authority: it owns the canonical state, accepts replica
// connections, broadcasts every state change and serves procedure calls in both directions.
//
// Connection pipeline:
//
//	Accept (WebSocket upgrade or raw stream) → ServeChannel
//	  → Session: reader goroutine decodes envelopes in order, writer goroutine drains the queue
//	  → state.Join: full sync first, then every patch in mutation order
//	  → rpc.Manager: each incoming call runs in its own goroutine through the middleware chain
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"mini-sync/codec"
	"mini-sync/message"
	"mini-sync/middleware"
	"mini-sync/procedure"
	"mini-sync/registry"
	"mini-sync/rpc"
	"mini-sync/state"
	"mini-sync/transport"
)

const (
	// ClientIDParam and ClientIDHeader carry a replica's stable id on the upgrade request.
	ClientIDParam  = "client_id"
	ClientIDHeader = "X-Sync-Client-Id"
)

// ErrServerClosed is returned by ServeChannel after Shutdown.
var ErrServerClosed = errors.New("server: closed")

// Server is the state authority.
type Server struct {
	state      *state.Manager
	procedures procedure.Tree
	opts       options
	logger     *zap.Logger

	ctx    context.Context // cancelled by Shutdown
	cancel context.CancelFunc

	mu          sync.Mutex
	conns       map[procedure.ClientID]*conn
	middlewares []middleware.Middleware
	listeners   []net.Listener
	httpServers []*http.Server
	advertised  []advertisement

	wg       sync.WaitGroup // Tracks live connections for graceful shutdown
	shutdown atomic.Bool    // Set during shutdown to suppress Accept errors
}

type conn struct {
	id      procedure.ClientID
	session *transport.Session
	rpc     *rpc.Manager
}

type advertisement struct {
	reg     registry.Registry
	service string
	url     string
}

type options struct {
	logger          *zap.Logger
	callTimeout     time.Duration
	sendQueueSize   int
	maxMessageBytes int64
	heartbeat       time.Duration
	acceptOptions   *websocket.AcceptOptions
	middlewares     []middleware.Middleware
	onConnect       func(procedure.ClientID)
	onDisconnect    func(procedure.ClientID, error)
}

type Option func(*options)

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithCallTimeout sets the default timeout of server→client calls.
func WithCallTimeout(d time.Duration) Option {
	return func(o *options) { o.callTimeout = d }
}

// WithSendQueueSize bounds each connection's outbound queue.
func WithSendQueueSize(n int) Option {
	return func(o *options) { o.sendQueueSize = n }
}

// WithMaxMessageBytes bounds incoming messages.
func WithMaxMessageBytes(n int64) Option {
	return func(o *options) { o.maxMessageBytes = n }
}

// WithHeartbeat enables heartbeat frames on raw stream connections.
func WithHeartbeat(d time.Duration) Option {
	return func(o *options) { o.heartbeat = d }
}

// WithAcceptOptions passes WebSocket upgrade options, e.g. allowed origins.
func WithAcceptOptions(ao *websocket.AcceptOptions) Option {
	return func(o *options) { o.acceptOptions = ao }
}

// WithMiddleware wraps every incoming procedure call.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(o *options) { o.middlewares = append(o.middlewares, mws...) }
}

// WithOnConnect runs after a replica has been sent its full sync.
func WithOnConnect(fn func(id procedure.ClientID)) Option {
	return func(o *options) { o.onConnect = fn }
}

// WithOnDisconnect runs after a replica's connection is torn down. err is nil for an
// orderly close.
func WithOnDisconnect(fn func(id procedure.ClientID, err error)) Option {
	return func(o *options) { o.onDisconnect = fn }
}

// New creates a server holding initial as its state and exposing procedures to replicas.
func New(initial any, procedures procedure.Tree, opts ...Option) (*Server, error) {
	o := options{
		logger:          zap.NewNop(),
		callTimeout:     rpc.DefaultTimeout,
		sendQueueSize:   256,
		maxMessageBytes: 16 << 20,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if _, err := procedure.Extract(procedures); err != nil {
		return nil, err
	}
	st, err := state.NewManager(initial, state.WithLogger(o.logger))
	if err != nil {
		return nil, fmt.Errorf("server: initial state: %w", err)
	}

	s := &Server{
		state:       st,
		procedures:  procedures,
		opts:        o,
		logger:      o.logger,
		conns:       make(map[procedure.ClientID]*conn),
		middlewares: append([]middleware.Middleware(nil), o.middlewares...),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

// Use appends a middleware for incoming calls, on existing and future connections.
func (s *Server) Use(mw middleware.Middleware) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.middlewares = append(s.middlewares, mw)
	for _, c := range s.conns {
		c.rpc.Use(mw)
	}
}

// State returns the current snapshot. Treat it as read-only.
func (s *Server) State() any {
	return s.state.State()
}

// DecodeState converts the current snapshot into the value pointed to by into.
func (s *Server) DecodeState(into any) error {
	return s.state.Decode(into)
}

// SetState mutates the state and broadcasts the resulting patch to every replica.
func (s *Server) SetState(recipe state.Recipe) ([]message.PatchOp, error) {
	return s.state.SetState(recipe)
}

// Clients returns the ids of connected replicas, sorted.
func (s *Server) Clients() []procedure.ClientID {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]procedure.ClientID, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Call invokes a procedure exposed by the replica clientID.
func (s *Server) Call(ctx context.Context, clientID procedure.ClientID, path []string, args ...any) (any, error) {
	s.mu.Lock()
	c, ok := s.conns[clientID]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: client %s is not connected", rpc.ErrConnectionLost, clientID)
	}
	return c.rpc.Call(ctx, path, args, rpc.WithClientID(clientID))
}

// ServeHTTP upgrades the request to a WebSocket and serves it until it disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.shutdown.Load() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	id := clientIDFrom(r)

	ws, err := transport.AcceptWebSocket(w, r, s.opts.acceptOptions, s.opts.maxMessageBytes)
	if err != nil {
		// Accept has already written the HTTP error response
		s.logger.Debug("websocket upgrade failed", zap.String("client_id", string(id)), zap.Error(err))
		return
	}
	if err := s.ServeChannel(s.ctx, ws, id); err != nil && !errors.Is(err, ErrServerClosed) {
		s.logger.Info("connection ended with error", zap.String("client_id", string(id)), zap.Error(err))
	}
}

// Handler returns the server as an http.Handler to mount on any mux.
func (s *Server) Handler() http.Handler {
	return s
}

func clientIDFrom(r *http.Request) procedure.ClientID {
	if id := r.URL.Query().Get(ClientIDParam); id != "" {
		return procedure.ClientID(id)
	}
	if id := r.Header.Get(ClientIDHeader); id != "" {
		return procedure.ClientID(id)
	}
	return procedure.ClientID(uuid.NewString())
}

// Serve mounts the server at mountPath on an HTTP server running on listener and blocks
// until Shutdown.
func (s *Server) Serve(listener net.Listener, mountPath string) error {
	mux := http.NewServeMux()
	mux.Handle(mountPath, s)
	hs := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	s.mu.Lock()
	s.httpServers = append(s.httpServers, hs)
	s.mu.Unlock()

	s.logger.Info("serving websocket", zap.String("addr", listener.Addr().String()), zap.String("path", mountPath))
	err := hs.Serve(listener)
	if s.shutdown.Load() && errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ServeStream accepts raw framed connections on listener until Shutdown. Stream
// replicas get a fresh client id per connection.
func (s *Server) ServeStream(listener net.Listener) error {
	s.mu.Lock()
	s.listeners = append(s.listeners, listener)
	s.mu.Unlock()

	var streamOpts []transport.StreamOption
	if s.opts.heartbeat > 0 {
		streamOpts = append(streamOpts, transport.WithHeartbeat(s.opts.heartbeat))
	}
	if s.opts.maxMessageBytes > 0 {
		streamOpts = append(streamOpts, transport.WithMaxFrameBytes(uint32(min(s.opts.maxMessageBytes, int64(^uint32(0))))))
	}

	s.logger.Info("serving stream", zap.String("addr", listener.Addr().String()))
	// Accept loop: one goroutine per connection
	for {
		nc, err := listener.Accept()
		if err != nil {
			// During shutdown, listener.Close() causes Accept to return an error.
			// Check the shutdown flag to distinguish intentional close from real errors.
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		ch := transport.NewStreamChannel(nc, streamOpts...)
		go func() {
			id := procedure.ClientID(uuid.NewString())
			if err := s.ServeChannel(s.ctx, ch, id); err != nil && !errors.Is(err, ErrServerClosed) {
				s.logger.Info("connection ended with error", zap.String("client_id", string(id)), zap.Error(err))
			}
		}()
	}
}

// ServeChannel runs the replica protocol over an established channel and blocks until it
// closes. Any transport can be plugged in here.
func (s *Server) ServeChannel(ctx context.Context, ch transport.Channel, id procedure.ClientID) error {
	// The flag is stored under mu, so no Add can slip past a Shutdown already in Wait.
	s.mu.Lock()
	if s.shutdown.Load() {
		s.mu.Unlock()
		ch.Close()
		return ErrServerClosed
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	logger := s.logger.With(zap.String("client_id", string(id)))
	c := s.attach(ch, id, logger)

	// Full sync and subscription happen under the state lock, so no patch is lost or
	// delivered twice.
	leave := s.state.Join(func(msg *message.Message) {
		if err := c.session.Send(s.ctx, msg); err != nil {
			logger.Warn("dropping replica", zap.String("type", string(msg.Type)), zap.Error(err))
		}
	})
	logger.Info("replica connected")
	if s.opts.onConnect != nil {
		s.opts.onConnect(id)
	}

	err := c.session.Run(ctx, func(ctx context.Context, msg *message.Message) {
		if !c.rpc.HandleMessage(ctx, msg) {
			logger.Warn("ignoring message replicas may not send", zap.String("type", string(msg.Type)))
		}
	})

	leave()
	s.detach(c)
	logger.Info("replica disconnected", zap.Error(err))
	if s.opts.onDisconnect != nil {
		s.opts.onDisconnect(id, err)
	}
	return err
}

// attach registers a connection, replacing (and closing) one with the same id.
func (s *Server) attach(ch transport.Channel, id procedure.ClientID, logger *zap.Logger) *conn {
	session := transport.NewSession(ch, codec.Default, s.opts.sendQueueSize, logger)

	s.mu.Lock()
	defer s.mu.Unlock()

	manager := rpc.NewManager(session.Send,
		rpc.WithPeer(id),
		rpc.WithDefaultTimeout(s.opts.callTimeout),
		rpc.WithLogger(logger),
		rpc.WithMiddleware(s.middlewares...),
	)
	if err := manager.RegisterTree(s.procedures); err != nil {
		// validated in New
		logger.Error("register procedures", zap.Error(err))
	}

	c := &conn{id: id, session: session, rpc: manager}
	if s.shutdown.Load() {
		// admitted before Shutdown took its snapshot of conns
		session.Close()
	}
	if old, ok := s.conns[id]; ok {
		logger.Info("replacing existing connection")
		old.session.Close()
	}
	s.conns[id] = c
	return c
}

func (s *Server) detach(c *conn) {
	s.mu.Lock()
	if s.conns[c.id] == c {
		delete(s.conns, c.id)
	}
	s.mu.Unlock()
	c.rpc.Cleanup()
	c.session.Close()
}

// Advertise registers endpoint under service so replicas can discover this server. The
// entry is removed by Shutdown.
func (s *Server) Advertise(ctx context.Context, reg registry.Registry, service string, endpoint registry.Endpoint, ttl int64) error {
	if err := reg.Register(ctx, service, endpoint, ttl); err != nil {
		return err
	}
	s.mu.Lock()
	s.advertised = append(s.advertised, advertisement{reg: reg, service: service, url: endpoint.URL})
	s.mu.Unlock()
	return nil
}

// Shutdown performs graceful shutdown:
//  1. Deregister from the registry (replicas stop picking this server)
//  2. Set shutdown flag (so Accept errors are recognized as intentional)
//  3. Close listeners and HTTP servers (stop accepting new connections)
//  4. Wait for in-flight procedure calls, then close every connection
//  5. Wait for connection goroutines to finish (with timeout)
func (s *Server) Shutdown(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	// Step 1: Deregister FIRST, so replicas reconnect elsewhere
	s.mu.Lock()
	advertised := s.advertised
	s.advertised = nil
	s.mu.Unlock()
	for _, a := range advertised {
		ctx, cancel := context.WithDeadline(context.Background(), deadline)
		if err := a.reg.Deregister(ctx, a.service, a.url); err != nil {
			s.logger.Warn("deregister failed", zap.String("service", a.service), zap.Error(err))
		}
		cancel()
	}

	// Step 2: Set shutdown flag BEFORE closing listeners
	// If we close first, the Accept error fires before the flag is set,
	// and Serve() would return a real error instead of nil
	s.mu.Lock()
	s.shutdown.Store(true)
	s.mu.Unlock()

	// Step 3: stop accepting
	s.mu.Lock()
	listeners, httpServers := s.listeners, s.httpServers
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, l := range listeners {
		l.Close()
	}
	for _, hs := range httpServers {
		hs.Close()
	}

	// Step 4: let running handlers finish, then hang up
	var lingering bool
	for _, c := range conns {
		if !c.rpc.Wait(time.Until(deadline)) {
			lingering = true
		}
		c.session.Close()
	}
	s.cancel()

	// Step 5: Wait for connection goroutines with the remaining time
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Until(deadline)):
		return fmt.Errorf("server: timeout waiting for connections to close")
	}
	if lingering {
		return fmt.Errorf("server: timeout waiting for ongoing calls to finish")
	}
	return nil
}
