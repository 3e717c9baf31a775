// Package stream multiplexes continuous data streams onto the correlation id
// space shared with ordinary requests and responses.
//
// waker.go - endpoint contracts
//
// This file contains:
// - Waker, the readiness token handed to an endpoint after registration
// - Producer and Consumer, the sending and receiving stream endpoints
// - Carrier and Endpoints, discovery of endpoints inside call payloads
//
// A Waker only comes into existence inside Started, which the mux calls after
// Produce or Consume has returned and the endpoint is registered. Waking
// before registration therefore cannot be expressed.
package stream

import "encoding/json"

// Waker authorizes exactly one frame per Wake call. The zero Waker does nothing.
type Waker struct {
	fn func()
}

// Wake signals readiness for one frame.
func (w Waker) Wake() {
	if w.fn != nil {
		w.fn()
	}
}

// Producer is a stream the local side sends.
type Producer interface {
	// Produce returns the channel of outbound items. The mux reads one item
	// per Wake and sends a close frame once the channel is closed.
	Produce() <-chan json.RawMessage
	// Started hands over the Waker. It must not block.
	Started(Waker)
}

// Consumer is a stream the local side receives.
type Consumer interface {
	// Consume returns the channel the mux pushes payloads into. Only the mux
	// closes it.
	Consume() chan<- json.RawMessage
	// Started hands over the Waker. It must not block.
	Started(Waker)
}

// Carrier is implemented by call payloads that carry stream endpoints.
type Carrier interface {
	StreamEndpoints() (Producer, Consumer)
}

// Endpoints extracts the stream endpoints declared by a call payload.
func Endpoints(v any) (Producer, Consumer) {
	if c, ok := v.(Carrier); ok {
		return c.StreamEndpoints()
	}
	var (
		p Producer
		c Consumer
	)
	if vp, ok := v.(Producer); ok {
		p = vp
	}
	if vc, ok := v.(Consumer); ok {
		c = vc
	}
	return p, c
}
