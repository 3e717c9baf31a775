// Package rpc correlates requests and responses over one envelope codec and
// dispatches the agent's inbound calls.
//
// conn.go - the duplex connection
//
// This file contains:
// - Handler, the closed set of inbound call kinds
// - Conn, outbound calls with pending-call tracking and the read loop
// - Call, an in-flight outbound request
//
// Stream endpoints declared by outgoing params or results are registered with
// the mux under the envelope id: the receiver before the envelope is written,
// the sender after, so no frame can precede the call that announces it.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/HyphaGroup/agentwire/internal/agenterr"
	"github.com/HyphaGroup/agentwire/internal/logger"
	"github.com/HyphaGroup/agentwire/internal/metrics"
	"github.com/HyphaGroup/agentwire/internal/stream"
	"github.com/HyphaGroup/agentwire/internal/wire"
)

// Handler receives the agent's inbound calls. Every method the agent may send
// maps to exactly one of these; anything else is rejected by the read loop.
type Handler interface {
	// HandleEvent runs on the read loop and must not block.
	HandleEvent(ctx context.Context, ev wire.Event)
	// HandleRequest runs on its own goroutine. The returned value is sent as
	// the result; an error is sent as an error response.
	HandleRequest(ctx context.Context, id wire.ID, req wire.RequestParams) (any, error)
}

// Conn is one duplex connection to the agent.
type Conn struct {
	codec     *wire.Codec
	mux       *stream.Mux
	handler   Handler
	ids       idSource
	logger    *slog.Logger
	diag      *logger.Diagnostics
	onAnomaly func(wire.Anomaly)

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	pending  map[wire.ID]*Call
	closed   bool
	err      error
	done     chan struct{}
	startOne sync.Once
	inflight sync.WaitGroup
}

type options struct {
	prefix     string
	logger     *slog.Logger
	diag       *logger.Diagnostics
	onAnomaly  func(wire.Anomaly)
	codecOpts  []wire.CodecOption
	maxPending int
}

// Option configures a Conn.
type Option func(*options)

// WithIDPrefix sets the prefix of minted correlation ids.
func WithIDPrefix(prefix string) Option {
	return func(o *options) {
		if prefix != "" {
			o.prefix = prefix
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithDiagnostics sets the rate-limited anomaly reporter.
func WithDiagnostics(d *logger.Diagnostics) Option {
	return func(o *options) { o.diag = d }
}

// WithAnomalyHandler observes every protocol anomaly after it is logged.
func WithAnomalyHandler(fn func(wire.Anomaly)) Option {
	return func(o *options) { o.onAnomaly = fn }
}

// WithTap installs a raw line observer on the codec.
func WithTap(t wire.Tap) Option {
	return func(o *options) {
		if t != nil {
			o.codecOpts = append(o.codecOpts, wire.WithTap(t))
		}
	}
}

// WithMaxLineSize bounds one envelope on the wire.
func WithMaxLineSize(n int) Option {
	return func(o *options) { o.codecOpts = append(o.codecOpts, wire.WithMaxLineSize(n)) }
}

// WithMaxPendingFrames bounds the mux pending queue. 0 is unbounded.
func WithMaxPendingFrames(n int) Option {
	return func(o *options) { o.maxPending = n }
}

// NewConn binds a connection to the agent's stdout (r) and stdin (w). Start
// begins reading.
func NewConn(r io.Reader, w io.Writer, h Handler, opts ...Option) *Conn {
	o := options{prefix: DefaultIDPrefix}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logger.Slog()
	}
	if o.diag == nil {
		o.diag = logger.DefaultDiagnostics(o.logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		handler:   h,
		ids:       idSource{prefix: o.prefix},
		logger:    o.logger,
		diag:      o.diag,
		onAnomaly: o.onAnomaly,
		ctx:       ctx,
		cancel:    cancel,
		pending:   make(map[wire.ID]*Call),
		done:      make(chan struct{}),
	}

	codecOpts := append([]wire.CodecOption{wire.WithAnomalyHandler(c.reportAnomaly)}, o.codecOpts...)
	c.codec = wire.NewCodec(r, w, codecOpts...)

	c.mux = stream.NewMux(c.write,
		stream.WithLogger(o.logger),
		stream.WithAnomalyHandler(c.reportAnomaly),
		stream.WithMaxPending(o.maxPending),
	)

	return c
}

// Start launches the read loop. Calling it more than once has no effect.
func (c *Conn) Start() {
	c.startOne.Do(func() { go c.readLoop() })
}

// Mux returns the stream multiplexer bound to this connection.
func (c *Conn) Mux() *stream.Mux {
	return c.mux
}

// Done is closed when the connection shuts down.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection shut down, or nil while it is open.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close shuts the connection down. Pending calls fail with ErrConnClosed.
// It does not close the underlying pipes.
func (c *Conn) Close() {
	c.shutdown(agenterr.ErrConnClosed)
}

// CloseWithError shuts the connection down with err as the failure of every
// pending call. A nil err behaves like Close.
func (c *Conn) CloseWithError(err error) {
	if err == nil {
		err = agenterr.ErrConnClosed
	}
	c.shutdown(err)
}

// Settle waits until inbound request handlers have returned or ctx is done.
func (c *Conn) Settle(ctx context.Context) error {
	ch := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(ch)
	}()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Call sends a request and waits for its response, decoding the result into
// result when it is non-nil.
func (c *Conn) Call(ctx context.Context, method string, params, result any) error {
	call, err := c.Go(method, params)
	if err != nil {
		return err
	}
	return call.Wait(ctx, result)
}

// Go sends a request and returns without waiting for the response.
func (c *Conn) Go(method string, params any) (*Call, error) {
	id := c.ids.next()
	env, err := wire.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	call := &Call{ID: id, Method: method, conn: c, done: make(chan struct{})}

	c.mu.Lock()
	if c.closed {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	c.pending[id] = call
	c.mu.Unlock()

	producer, consumer := stream.Endpoints(params)
	if consumer != nil {
		if err := c.mux.RegisterReceiver(id, consumer); err != nil {
			c.forget(id)
			return nil, err
		}
	}

	if err := c.write(env); err != nil {
		c.forget(id)
		c.mux.Release(id)
		return nil, err
	}

	if producer != nil {
		if err := c.mux.RegisterSender(id, producer); err != nil {
			c.logger.Warn("failed to attach request stream", "id", id, "method", method, "error", err)
		}
	}
	return call, nil
}

// Notify sends a request without an id.
func (c *Conn) Notify(method string, params any) error {
	env, err := wire.NewRequest("", method, params)
	if err != nil {
		return err
	}
	return c.write(env)
}

func (c *Conn) write(env *wire.Envelope) error {
	c.mu.Lock()
	closed, cerr := c.closed, c.err
	c.mu.Unlock()
	if closed {
		return cerr
	}
	if err := c.codec.Write(env); err != nil {
		return err
	}
	if env.Kind() != wire.KindStream {
		metrics.RecordEnvelope(env.Kind().String(), "out")
	}
	return nil
}

func (c *Conn) forget(id wire.ID) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Conn) readLoop() {
	for {
		env, err := c.codec.Read()
		if err != nil {
			if agenterr.KindOf(err) == agenterr.KindProtocol {
				// Malformed line, already reported. Keep reading.
				continue
			}
			if errors.Is(err, io.EOF) {
				err = agenterr.New(agenterr.KindTransport, "read", io.ErrUnexpectedEOF)
			}
			c.shutdown(err)
			return
		}

		kind := env.Kind()
		if kind != wire.KindStream {
			metrics.RecordEnvelope(kind.String(), "in")
		}

		switch kind {
		case wire.KindStream:
			c.mux.HandleFrame(env)
		case wire.KindResponse:
			c.handleResponse(env)
		case wire.KindRequest:
			c.handleRequest(env)
		}
	}
}

func (c *Conn) handleResponse(env *wire.Envelope) {
	c.mu.Lock()
	call, ok := c.pending[env.ID]
	if ok {
		delete(c.pending, env.ID)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("response for unknown call", "id", env.ID)
		return
	}
	call.finish(env, nil)
}

func (c *Conn) handleRequest(env *wire.Envelope) {
	if env.ID != "" {
		c.mu.Lock()
		_, collides := c.pending[env.ID]
		c.mu.Unlock()
		if collides {
			c.reportAnomaly(wire.Anomaly{
				Kind: wire.AnomalyCollision,
				Line: string(env.ID),
				Err:  agenterr.Errorf(agenterr.KindProtocol, "dispatch", "inbound %s reuses outstanding id %q", env.Method, env.ID),
			})
			c.replyError(env.ID, wire.CodeInvalidRequest, "id collides with an outstanding request")
			return
		}
	}

	switch env.Method {
	case wire.MethodEvent:
		var ev wire.Event
		if err := json.Unmarshal(env.Params, &ev); err != nil {
			c.badParams(env, err)
			return
		}
		c.handler.HandleEvent(c.ctx, ev)
		if env.ID != "" {
			c.reply(env.ID, nil)
		}

	case wire.MethodRequest:
		var req wire.RequestParams
		if err := json.Unmarshal(env.Params, &req); err != nil {
			c.badParams(env, err)
			return
		}
		c.inflight.Add(1)
		go func() {
			defer c.inflight.Done()
			result, err := c.handler.HandleRequest(c.ctx, env.ID, req)
			if env.ID == "" {
				return
			}
			if err != nil {
				c.replyError(env.ID, wire.CodeInternalError, err.Error())
				return
			}
			c.reply(env.ID, result)
		}()

	default:
		c.reportAnomaly(wire.Anomaly{Kind: wire.AnomalyUnknown, Line: env.Method})
		if env.ID != "" {
			c.replyError(env.ID, wire.CodeMethodNotFound, "unknown method: "+env.Method)
		}
	}
}

func (c *Conn) badParams(env *wire.Envelope, err error) {
	perr := agenterr.Wrap(agenterr.KindProtocol, env.Method, err)
	c.reportAnomaly(wire.Anomaly{Kind: wire.AnomalyMalformed, Line: env.Method, Err: perr})
	if env.ID != "" {
		c.replyError(env.ID, wire.CodeInvalidParams, err.Error())
	}
}

func (c *Conn) reply(id wire.ID, result any) {
	env, err := wire.NewResult(id, result)
	if err != nil {
		c.replyError(id, wire.CodeInternalError, err.Error())
		return
	}

	producer, consumer := stream.Endpoints(result)
	if consumer != nil {
		if err := c.mux.RegisterReceiver(id, consumer); err != nil {
			c.logger.Warn("failed to attach result stream", "id", id, "error", err)
		}
	}
	if err := c.write(env); err != nil {
		c.logger.Debug("failed to send response", "id", id, "error", err)
		return
	}
	if producer != nil {
		if err := c.mux.RegisterSender(id, producer); err != nil {
			c.logger.Warn("failed to attach result stream", "id", id, "error", err)
		}
	}
}

func (c *Conn) replyError(id wire.ID, code int, message string) {
	if err := c.write(wire.NewError(id, code, message)); err != nil {
		c.logger.Debug("failed to send error response", "id", id, "error", err)
	}
}

func (c *Conn) reportAnomaly(a wire.Anomaly) {
	metrics.RecordAnomaly(a.Kind)
	args := []any{"line", a.Line}
	if a.Err != nil {
		args = append(args, "error", a.Err)
	}
	c.diag.Report(a.Kind, "protocol anomaly", args...)
	if c.onAnomaly != nil {
		c.onAnomaly(a)
	}
}

func (c *Conn) shutdown(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.err = err
	pending := c.pending
	c.pending = make(map[wire.ID]*Call)
	c.mu.Unlock()

	c.cancel()
	c.mux.Close()
	for _, call := range pending {
		call.finish(nil, err)
	}
	close(c.done)
}

// Call is an outbound request awaiting its response.
type Call struct {
	ID     wire.ID
	Method string

	conn *Conn
	done chan struct{}
	once sync.Once
	resp *wire.Envelope
	err  error
}

func (call *Call) finish(resp *wire.Envelope, err error) {
	call.once.Do(func() {
		call.resp = resp
		call.err = err
		close(call.done)
	})
}

// Done is closed once the response arrived or the connection failed.
func (call *Call) Done() <-chan struct{} {
	return call.done
}

// Result decodes the response into v. It must be called after Done.
func (call *Call) Result(v any) error {
	if call.err != nil {
		return call.err
	}
	if call.resp.Error != nil {
		return &agenterr.RemoteError{Code: call.resp.Error.Code, Message: call.resp.Error.Message}
	}
	if v == nil || len(call.resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(call.resp.Result, v); err != nil {
		return agenterr.Wrap(agenterr.KindProtocol, call.Method, err)
	}
	return nil
}

// Wait blocks for the response. If ctx ends first the call is abandoned and
// a late response is dropped.
func (call *Call) Wait(ctx context.Context, v any) error {
	select {
	case <-call.done:
		return call.Result(v)
	case <-ctx.Done():
		call.conn.forget(call.ID)
		return ctx.Err()
	}
}
