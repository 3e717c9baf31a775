package stream

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/HyphaGroup/agentwire/internal/agenterr"
	"github.com/HyphaGroup/agentwire/internal/logger"
	"github.com/HyphaGroup/agentwire/internal/metrics"
	"github.com/HyphaGroup/agentwire/internal/wire"
)

// SendFunc writes one envelope to the peer.
type SendFunc func(*wire.Envelope) error

// Mux routes stream frames between the connection and registered endpoints.
//
// Incoming frames always go through the pending queue first, so a frame that
// arrives before its consumer registers is kept until the consumer wakes.
// Each receiver has its own delivery goroutine that parks on its id when it
// owes a wake but has nothing queued, and is unparked by the next arrival for
// that id. The mutex guards only the queue and the registration maps.
type Mux struct {
	send      SendFunc
	logger    *slog.Logger
	onAnomaly func(wire.Anomaly)

	mu        sync.Mutex
	queue     *Queue
	receivers map[wire.ID]*receiver
	senders   map[wire.ID]*sender
	closed    bool
}

// Option configures a Mux.
type Option func(*Mux)

// WithMaxPending bounds the pending queue. 0 keeps it unbounded.
func WithMaxPending(n int) Option {
	return func(m *Mux) { m.queue = NewQueue(n) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Mux) { m.logger = l }
}

// WithAnomalyHandler receives queue_full reports.
func WithAnomalyHandler(fn func(wire.Anomaly)) Option {
	return func(m *Mux) { m.onAnomaly = fn }
}

// NewMux creates a mux that writes outgoing frames through send.
func NewMux(send SendFunc, opts ...Option) *Mux {
	m := &Mux{
		send:      send,
		queue:     NewQueue(0),
		receivers: make(map[wire.ID]*receiver),
		senders:   make(map[wire.ID]*sender),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = logger.Slog()
	}
	return m
}

type receiver struct {
	id       wire.ID
	ch       chan<- json.RawMessage
	owed     int // guarded by Mux.mu
	kick     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func (r *receiver) signal() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

func (r *receiver) stop() {
	r.stopOnce.Do(func() { close(r.done) })
}

type sender struct {
	id   wire.ID
	ch   <-chan json.RawMessage
	mu   sync.Mutex
	done bool
}

// RegisterReceiver attaches a consumer to id. Frames already queued for id
// stay queued until the consumer wakes. If the mux is closed the consumer's
// channel is closed immediately.
func (m *Mux) RegisterReceiver(id wire.ID, c Consumer) error {
	ch := c.Consume()
	r := &receiver{
		id:   id,
		ch:   ch,
		kick: make(chan struct{}, 1),
		done: make(chan struct{}),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		close(ch)
		return agenterr.ErrConnClosed
	}
	if _, exists := m.receivers[id]; exists {
		m.mu.Unlock()
		return agenterr.Errorf(agenterr.KindProtocol, "register receiver", "stream %q already has a receiver", id)
	}
	m.receivers[id] = r
	m.mu.Unlock()

	go m.deliver(r)
	c.Started(Waker{fn: func() { m.wakeReceiver(r) }})
	return nil
}

// RegisterSender attaches a producer to id.
func (m *Mux) RegisterSender(id wire.ID, p Producer) error {
	s := &sender{id: id, ch: p.Produce()}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return agenterr.ErrConnClosed
	}
	if _, exists := m.senders[id]; exists {
		m.mu.Unlock()
		return agenterr.Errorf(agenterr.KindProtocol, "register sender", "stream %q already has a sender", id)
	}
	m.senders[id] = s
	m.mu.Unlock()

	p.Started(Waker{fn: func() { m.wakeSender(s) }})
	return nil
}

// HandleFrame queues an incoming stream frame and unparks its receiver.
func (m *Mux) HandleFrame(e *wire.Envelope) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if !m.queue.Push(e) {
		m.mu.Unlock()
		metrics.RecordPendingDrop()
		if m.onAnomaly != nil {
			m.onAnomaly(wire.Anomaly{Kind: wire.AnomalyQueueFull, Line: string(e.ID)})
		}
		return
	}
	depth := m.queue.Len()
	r := m.receivers[e.ID]
	m.mu.Unlock()

	metrics.RecordStreamFrame(e.Stream.String(), "in")
	metrics.SetPendingFrames(depth)
	if r != nil {
		r.signal()
	}
}

// Finish queues a close frame for id behind the frames already pending, so
// the receiver drains everything that arrived and then sees the end of the
// stream. It does nothing when id has no receiver.
func (m *Mux) Finish(id wire.ID) {
	m.mu.Lock()
	r := m.receivers[id]
	if m.closed || r == nil {
		m.mu.Unlock()
		return
	}
	m.queue.Push(wire.NewFrame(id, wire.StreamClose, nil))
	m.mu.Unlock()
	r.signal()
}

// Release ends the stream on id as if a close frame had arrived and discards
// anything still queued for it.
func (m *Mux) Release(id wire.ID) {
	m.mu.Lock()
	r := m.receivers[id]
	delete(m.receivers, id)
	delete(m.senders, id)
	m.queue.Drop(id)
	depth := m.queue.Len()
	m.mu.Unlock()

	metrics.SetPendingFrames(depth)
	if r != nil {
		r.stop()
	}
}

// Close tears down every stream. Receiver channels are closed, which is the
// implicit close for consumers still waiting.
func (m *Mux) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	receivers := m.receivers
	m.receivers = make(map[wire.ID]*receiver)
	m.senders = make(map[wire.ID]*sender)
	m.queue.Reset()
	m.mu.Unlock()

	metrics.SetPendingFrames(0)
	for _, r := range receivers {
		r.stop()
	}
}

// Pending returns the number of queued frames.
func (m *Mux) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.Len()
}

// Active returns the number of registered receivers and senders.
func (m *Mux) Active() (receivers, senders int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.receivers), len(m.senders)
}

func (m *Mux) wakeReceiver(r *receiver) {
	m.mu.Lock()
	if m.receivers[r.id] != r {
		m.mu.Unlock()
		return
	}
	r.owed++
	m.mu.Unlock()
	r.signal()
}

// deliver is the receiver's delivery goroutine. It is the only place that
// closes the consumer channel.
func (m *Mux) deliver(r *receiver) {
	defer close(r.ch)

	for {
		select {
		case <-r.kick:
		case <-r.done:
			return
		}

		for {
			m.mu.Lock()
			if r.owed == 0 {
				m.mu.Unlock()
				break
			}
			e, ok := m.queue.Pop(r.id)
			if !ok {
				// Parked: the next frame for this id kicks us again.
				m.mu.Unlock()
				break
			}
			r.owed--
			depth := m.queue.Len()
			if e.Stream == wire.StreamClose {
				if m.receivers[r.id] == r {
					delete(m.receivers, r.id)
				}
				m.mu.Unlock()
				metrics.SetPendingFrames(depth)
				return
			}
			m.mu.Unlock()
			metrics.SetPendingFrames(depth)

			data := e.Data
			if data == nil {
				data = json.RawMessage("null")
			}
			select {
			case r.ch <- data:
			case <-r.done:
				return
			}
		}
	}
}

func (m *Mux) wakeSender(s *sender) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done {
		return
	}
	m.mu.Lock()
	registered := m.senders[s.id] == s
	m.mu.Unlock()
	if !registered {
		s.done = true
		return
	}

	var frame *wire.Envelope
	select {
	case data, ok := <-s.ch:
		if ok {
			frame = wire.NewFrame(s.id, wire.StreamOpen, data)
		} else {
			s.done = true
			frame = wire.NewFrame(s.id, wire.StreamClose, nil)
		}
	default:
		return
	}

	err := m.send(frame)
	if err != nil {
		s.done = true
	}
	if s.done {
		m.removeSender(s)
	}
	if err != nil {
		m.logger.Debug("stream send failed", "id", s.id, "error", err)
		return
	}
	metrics.RecordStreamFrame(frame.Stream.String(), "out")
}

func (m *Mux) removeSender(s *sender) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.senders[s.id] == s {
		delete(m.senders, s.id)
	}
}
