// Package rpc runs bidirectional calls over one connection: it correlates outgoing calls
// with their replies and dispatches incoming calls to registered procedures.
package rpc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"mini-sync/codec"
	"mini-sync/message"
	"mini-sync/middleware"
	"mini-sync/procedure"
)

// DefaultTimeout bounds an outgoing call when no other timeout is given.
const DefaultTimeout = 30 * time.Second

// SendFunc hands one message to the connection. It must not block for long; the server
// backs it with a bounded queue.
type SendFunc func(ctx context.Context, msg *message.Message) error

type pendingCall struct {
	future   *Future
	timer    *time.Timer
	path     []string
	clientID procedure.ClientID
}

// Manager owns the pending-call table and the procedure registry of one connection.
type Manager struct {
	send     SendFunc
	registry *procedure.Registry
	logger   *zap.Logger
	timeout  time.Duration
	peer     procedure.ClientID
	newID    func() string

	mu          sync.Mutex
	pending     map[string]*pendingCall
	middlewares []middleware.Middleware
	closed      bool

	// handlers is tracked so shutdown can wait for in-flight procedures
	handlers sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

type Option func(*Manager)

// WithLogger sets the logger; the default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithDefaultTimeout changes the timeout applied to calls without WithTimeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(m *Manager) { m.timeout = d }
}

// WithPeer names the other end of the connection. Incoming calls are attributed to it and
// errors of outgoing calls record it.
func WithPeer(id procedure.ClientID) Option {
	return func(m *Manager) { m.peer = id }
}

// WithMiddleware wraps incoming dispatch.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(m *Manager) { m.middlewares = append(m.middlewares, mws...) }
}

// WithIDGenerator replaces the ULID correlation id source.
func WithIDGenerator(fn func() string) Option {
	return func(m *Manager) { m.newID = fn }
}

func NewManager(send SendFunc, opts ...Option) *Manager {
	m := &Manager{
		send:     send,
		registry: procedure.NewRegistry(),
		logger:   zap.NewNop(),
		timeout:  DefaultTimeout,
		newID:    func() string { return ulid.Make().String() },
		pending:  make(map[string]*pendingCall),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m
}

// RegisterProcedure exposes h at path to the peer.
func (m *Manager) RegisterProcedure(path []string, h procedure.Handler) error {
	return m.registry.Register(path, h)
}

// RegisterTree exposes every handler in tree to the peer.
func (m *Manager) RegisterTree(tree procedure.Tree) error {
	return m.registry.RegisterTree(tree)
}

// Use appends middlewares for calls dispatched from now on.
func (m *Manager) Use(mws ...middleware.Middleware) {
	m.mu.Lock()
	m.middlewares = append(m.middlewares, mws...)
	m.mu.Unlock()
}

// Registry exposes the procedures this manager serves.
func (m *Manager) Registry() *procedure.Registry {
	return m.registry
}

type callOptions struct {
	timeout  time.Duration
	clientID procedure.ClientID
}

type CallOption func(*callOptions)

// WithTimeout overrides the manager's default timeout for one call.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = d }
}

// WithClientID records which client the call targets; it only shows up in errors.
func WithClientID(id procedure.ClientID) CallOption {
	return func(o *callOptions) { o.clientID = id }
}

// Call invokes the procedure at path on the peer and blocks until the call settles or ctx
// ends. A ctx deadline earlier than the call timeout shortens the timeout.
func (m *Manager) Call(ctx context.Context, path []string, params []any, opts ...CallOption) (any, error) {
	return m.Go(ctx, path, params, opts...).Wait(ctx)
}

// Go starts a call and returns its Future without waiting.
func (m *Manager) Go(ctx context.Context, path []string, params []any, opts ...CallOption) *Future {
	o := callOptions{timeout: m.timeout, clientID: m.peer}
	for _, opt := range opts {
		opt(&o)
	}
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < o.timeout {
			o.timeout = until
		}
	}

	f := newFuture()
	path = append([]string(nil), path...)

	normalized := make([]any, len(params))
	for i, p := range params {
		v, err := codec.Normalize(p)
		if err != nil {
			f.settle(nil, fmt.Errorf("rpc: parameter %d of %s: %w", i, procedure.Key(path), err))
			return f
		}
		normalized[i] = v
	}

	id := m.newID()

	// Step 1: register the pending call and arm its timer under the lock
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		f.settle(nil, connectionLost(path, o.clientID, fmt.Errorf("connection closed")))
		return f
	}
	pc := &pendingCall{future: f, path: path, clientID: o.clientID}
	timeout := o.timeout
	pc.timer = time.AfterFunc(timeout, func() {
		m.fail(id, fmt.Errorf("%w after %s", ErrTimeout, timeout))
	})
	m.pending[id] = pc
	m.mu.Unlock()

	// Step 2: send the call
	msg := message.New(&message.RPCCall{RPCCallID: id, ProcedurePath: path, Parameters: normalized})
	if err := m.send(ctx, msg); err != nil {
		m.fail(id, fmt.Errorf("send: %w", err))
	}
	return f
}

// take removes and returns the pending call for id. Only the caller that gets ok == true
// may settle it.
func (m *Manager) take(id string) (*pendingCall, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pc, ok := m.pending[id]
	if !ok {
		return nil, false
	}
	delete(m.pending, id)
	pc.timer.Stop()
	return pc, true
}

func (m *Manager) fail(id string, cause error) {
	pc, ok := m.take(id)
	if !ok {
		return
	}
	pc.future.settle(nil, connectionLost(pc.path, pc.clientID, cause))
}

// Pending reports how many outgoing calls are awaiting a reply.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// HandleMessage processes an RPC message from the peer and reports whether it was one.
// Incoming calls run in their own goroutines; this never blocks on a handler.
func (m *Manager) HandleMessage(ctx context.Context, msg *message.Message) bool {
	switch p := msg.Data.(type) {
	case *message.RPCCall:
		m.dispatch(ctx, p)
	case *message.RPCReturn:
		pc, ok := m.take(p.RPCCallID)
		if !ok {
			m.logger.Debug("dropping reply for unknown call", zap.String("rpc_call_id", p.RPCCallID))
			return true
		}
		pc.future.settle(p.Value, nil)
	case *message.RPCException:
		pc, ok := m.take(p.RPCCallID)
		if !ok {
			m.logger.Debug("dropping exception for unknown call", zap.String("rpc_call_id", p.RPCCallID))
			return true
		}
		pc.future.settle(nil, fromInfo(p.Error, pc.path, pc.clientID))
	default:
		return false
	}
	return true
}

func (m *Manager) dispatch(ctx context.Context, call *message.RPCCall) {
	handler, ok := m.registry.Lookup(call.ProcedurePath)
	if !ok {
		m.reply(ctx, message.New(&message.RPCException{
			RPCCallID: call.RPCCallID,
			Error: message.ErrorInfo{
				Kind:    string(KindProcedureNotFound),
				Name:    "ProcedureNotFoundError",
				Message: fmt.Sprintf("procedure %q is not registered", procedure.Key(call.ProcedurePath)),
			},
		}))
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.handlers.Add(1)
	chain := middleware.Chain(append([]middleware.Middleware{middleware.RecoverMiddleware()}, m.middlewares...)...)
	m.mu.Unlock()

	inv := &middleware.Invocation{
		CallID: call.RPCCallID,
		Path:   call.ProcedurePath,
		Caller: m.peer,
		Args:   procedure.Args(call.Parameters),
	}
	final := func(ctx context.Context, inv *middleware.Invocation) (any, error) {
		return handler(ctx, inv.Caller, inv.Args)
	}

	go func() {
		defer m.handlers.Done()

		value, err := chain(final)(m.ctx, inv)
		if err == nil {
			value, err = codec.Normalize(value)
			if err != nil {
				err = fmt.Errorf("unencodable result: %w", err)
			}
		}
		if err != nil {
			m.reply(ctx, message.New(&message.RPCException{RPCCallID: call.RPCCallID, Error: errorInfo(err)}))
			return
		}
		m.reply(ctx, message.New(&message.RPCReturn{RPCCallID: call.RPCCallID, Value: value}))
	}()
}

func (m *Manager) reply(ctx context.Context, msg *message.Message) {
	if err := m.send(ctx, msg); err != nil {
		m.logger.Debug("reply not delivered", zap.String("type", string(msg.Type)), zap.Error(err))
	}
}

// Cleanup rejects every pending call with CONNECTION_LOST and clears the registry. Calls
// started afterwards fail immediately. Handler contexts are cancelled.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	pending := m.pending
	m.pending = make(map[string]*pendingCall)
	m.mu.Unlock()

	for _, pc := range pending {
		pc.timer.Stop()
		pc.future.settle(nil, connectionLost(pc.path, pc.clientID, fmt.Errorf("connection closed")))
	}
	m.registry.Clear()
	m.cancel()
}

// Wait blocks until in-flight handlers finish or the timeout elapses, and reports whether
// they all finished.
func (m *Manager) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		m.handlers.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
