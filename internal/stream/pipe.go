package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
)

// ErrOutboundClosed is returned by Send after Close.
var ErrOutboundClosed = errors.New("stream: outbound closed")

// Inbound is a ready-made Consumer. Next wakes the mux for one frame and
// waits for it.
type Inbound struct {
	ch        chan json.RawMessage
	ready     chan struct{}
	readyOnce sync.Once
	waker     Waker

	mu    sync.Mutex
	woken bool // a wake is out and its frame not yet received
}

// NewInbound creates an unregistered consumer.
func NewInbound() *Inbound {
	return &Inbound{
		ch:    make(chan json.RawMessage, 1),
		ready: make(chan struct{}),
	}
}

// Consume implements Consumer.
func (in *Inbound) Consume() chan<- json.RawMessage { return in.ch }

// Started implements Consumer.
func (in *Inbound) Started(w Waker) {
	in.readyOnce.Do(func() {
		in.waker = w
		close(in.ready)
	})
}

// Next returns the next payload, or io.EOF once the stream is closed.
//
// A Next that gives up on ctx leaves its wake outstanding. The frame it
// asked for is delivered later, and the following Next receives it without
// waking the mux again.
func (in *Inbound) Next(ctx context.Context) (json.RawMessage, error) {
	// A payload or close may already be waiting from an earlier wake.
	select {
	case data, ok := <-in.ch:
		return in.received(data, ok)
	default:
	}

	select {
	case <-in.ready:
	case data, ok := <-in.ch:
		// Registration failed and the mux closed the channel.
		return in.received(data, ok)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	in.mu.Lock()
	if !in.woken {
		in.woken = true
		in.waker.Wake()
	}
	in.mu.Unlock()

	select {
	case data, ok := <-in.ch:
		return in.received(data, ok)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (in *Inbound) received(data json.RawMessage, ok bool) (json.RawMessage, error) {
	in.mu.Lock()
	in.woken = false
	in.mu.Unlock()
	if !ok {
		return nil, io.EOF
	}
	return data, nil
}

// Outbound is a ready-made Producer. Wakes issued before the mux starts it
// are counted and replayed from Started.
type Outbound struct {
	ch chan json.RawMessage

	sendMu sync.Mutex // serializes pushes with Close
	closed bool

	mu    sync.Mutex
	waker Waker
	armed bool
	owed  int
}

// NewOutbound creates a producer buffering up to buffer items before it is
// started. A buffer below 1 is raised to 1.
func NewOutbound(buffer int) *Outbound {
	if buffer < 1 {
		buffer = 1
	}
	return &Outbound{ch: make(chan json.RawMessage, buffer)}
}

// Produce implements Producer.
func (o *Outbound) Produce() <-chan json.RawMessage { return o.ch }

// Started implements Producer.
func (o *Outbound) Started(w Waker) {
	o.mu.Lock()
	if o.armed {
		o.mu.Unlock()
		return
	}
	o.waker = w
	o.armed = true
	owed := o.owed
	o.owed = 0
	o.mu.Unlock()

	// Replay asynchronously: Started must not block the registering caller.
	if owed > 0 {
		go func() {
			for i := 0; i < owed; i++ {
				w.Wake()
			}
		}()
	}
}

func (o *Outbound) wake() {
	o.mu.Lock()
	if !o.armed {
		o.owed++
		o.mu.Unlock()
		return
	}
	w := o.waker
	o.mu.Unlock()
	w.Wake()
}

// Send marshals v, queues it and wakes the mux for one frame.
func (o *Outbound) Send(ctx context.Context, v any) error {
	var raw json.RawMessage
	switch x := v.(type) {
	case json.RawMessage:
		raw = x
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		raw = data
	}

	o.sendMu.Lock()
	if o.closed {
		o.sendMu.Unlock()
		return ErrOutboundClosed
	}
	select {
	case o.ch <- raw:
	case <-ctx.Done():
		o.sendMu.Unlock()
		return ctx.Err()
	}
	o.sendMu.Unlock()

	o.wake()
	return nil
}

// Close ends the stream; the mux sends a close frame on the wake that
// observes it.
func (o *Outbound) Close() {
	o.sendMu.Lock()
	if o.closed {
		o.sendMu.Unlock()
		return
	}
	o.closed = true
	close(o.ch)
	o.sendMu.Unlock()

	o.wake()
}
