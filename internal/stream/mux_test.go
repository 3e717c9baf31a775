package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HyphaGroup/agentwire/internal/agenterr"
	"github.com/HyphaGroup/agentwire/internal/wire"
)

type frameLog struct {
	mu     sync.Mutex
	frames []*wire.Envelope
}

func (f *frameLog) send(e *wire.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, e)
	return nil
}

func (f *frameLog) snapshot() []*wire.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*wire.Envelope(nil), f.frames...)
}

func (f *frameLog) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

type testProducer struct {
	ch    chan json.RawMessage
	waker Waker
}

func (p *testProducer) Produce() <-chan json.RawMessage { return p.ch }
func (p *testProducer) Started(w Waker)                 { p.waker = w }

type testConsumer struct {
	ch    chan json.RawMessage
	waker Waker
}

func (c *testConsumer) Consume() chan<- json.RawMessage { return c.ch }
func (c *testConsumer) Started(w Waker)                 { c.waker = w }

func open(id wire.ID, data string) *wire.Envelope {
	return wire.NewFrame(id, wire.StreamOpen, json.RawMessage(data))
}

func closeFrame(id wire.ID) *wire.Envelope {
	return wire.NewFrame(id, wire.StreamClose, nil)
}

func nextCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestMux_StreamSeven(t *testing.T) {
	m := NewMux((&frameLog{}).send)
	defer m.Close()

	in := NewInbound()
	require.NoError(t, m.RegisterReceiver("7", in))

	m.HandleFrame(open("7", `"a"`))
	m.HandleFrame(open("7", `"b"`))
	m.HandleFrame(closeFrame("7"))

	ctx := nextCtx(t)
	data, err := in.Next(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `"a"`, string(data))

	data, err = in.Next(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `"b"`, string(data))

	_, err = in.Next(ctx)
	assert.Equal(t, io.EOF, err)

	receivers, _ := m.Active()
	assert.Equal(t, 0, receivers)
	assert.Equal(t, 0, m.Pending())
}

func TestMux_EarlyArrival(t *testing.T) {
	m := NewMux((&frameLog{}).send)
	defer m.Close()

	m.HandleFrame(open("x", `1`))
	m.HandleFrame(closeFrame("x"))
	assert.Equal(t, 2, m.Pending())

	in := NewInbound()
	require.NoError(t, m.RegisterReceiver("x", in))

	ctx := nextCtx(t)
	data, err := in.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1", string(data))

	_, err = in.Next(ctx)
	assert.Equal(t, io.EOF, err)
}

func TestInbound_AbandonedNextKeepsWakeOwed(t *testing.T) {
	m := NewMux((&frameLog{}).send)
	defer m.Close()

	in := NewInbound()
	require.NoError(t, m.RegisterReceiver("a", in))

	for i := 0; i < 2; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		_, err := in.Next(ctx)
		cancel()
		require.ErrorIs(t, err, context.DeadlineExceeded)
	}

	m.HandleFrame(open("a", `1`))
	m.HandleFrame(open("a", `2`))
	m.HandleFrame(open("a", `3`))

	// Only the one outstanding wake is served.
	assert.Eventually(t, func() bool { return m.Pending() == 2 }, time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return m.Pending() < 2 }, 50*time.Millisecond, 5*time.Millisecond)

	ctx := nextCtx(t)
	data, err := in.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1", string(data))
	assert.Never(t, func() bool { return m.Pending() < 2 }, 30*time.Millisecond, 5*time.Millisecond)

	data, err = in.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2", string(data))
	assert.Equal(t, 1, m.Pending())
}

func TestMux_OrderPreserved(t *testing.T) {
	const n = 200
	m := NewMux((&frameLog{}).send)
	defer m.Close()

	in := NewInbound()
	require.NoError(t, m.RegisterReceiver("s", in))

	// Interleave arrivals on another id to check isolation.
	go func() {
		for i := 0; i < n; i++ {
			m.HandleFrame(open("s", fmt.Sprintf("%d", i)))
			m.HandleFrame(open("other", `"noise"`))
		}
		m.HandleFrame(closeFrame("s"))
	}()

	ctx := nextCtx(t)
	for i := 0; i < n; i++ {
		data, err := in.Next(ctx)
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("%d", i), string(data))
	}
	_, err := in.Next(ctx)
	assert.Equal(t, io.EOF, err)
}

func TestMux_DeliveryIsWakeGated(t *testing.T) {
	m := NewMux((&frameLog{}).send)
	defer m.Close()

	c := &testConsumer{ch: make(chan json.RawMessage, 4)}
	require.NoError(t, m.RegisterReceiver("g", c))

	m.HandleFrame(open("g", `"one"`))
	m.HandleFrame(open("g", `"two"`))

	assert.Never(t, func() bool { return len(c.ch) > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	c.waker.Wake()
	assert.Eventually(t, func() bool { return len(c.ch) == 1 }, time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return len(c.ch) > 1 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, 1, m.Pending())
}

func TestMux_WakeBeforeFrameParks(t *testing.T) {
	m := NewMux((&frameLog{}).send)
	defer m.Close()

	c := &testConsumer{ch: make(chan json.RawMessage, 4)}
	require.NoError(t, m.RegisterReceiver("p", c))

	c.waker.Wake()
	assert.Never(t, func() bool { return len(c.ch) > 0 }, 30*time.Millisecond, 5*time.Millisecond)

	m.HandleFrame(open("p", `"late"`))
	select {
	case data := <-c.ch:
		assert.JSONEq(t, `"late"`, string(data))
	case <-time.After(time.Second):
		t.Fatal("parked wake was not satisfied by the arriving frame")
	}
}

func TestMux_SenderWakeSemantics(t *testing.T) {
	log := &frameLog{}
	m := NewMux(log.send)
	defer m.Close()

	p := &testProducer{ch: make(chan json.RawMessage, 4)}
	require.NoError(t, m.RegisterSender("up", p))

	// Nothing available: nothing sent.
	p.waker.Wake()
	assert.Equal(t, 0, log.len())

	p.ch <- json.RawMessage(`"a"`)
	p.ch <- json.RawMessage(`"b"`)

	// One wake, one frame.
	p.waker.Wake()
	require.Equal(t, 1, log.len())
	p.waker.Wake()
	require.Equal(t, 2, log.len())

	close(p.ch)
	p.waker.Wake()
	p.waker.Wake()

	frames := log.snapshot()
	require.Len(t, frames, 3)
	assert.Equal(t, wire.StreamOpen, frames[0].Stream)
	assert.JSONEq(t, `"a"`, string(frames[0].Data))
	assert.JSONEq(t, `"b"`, string(frames[1].Data))
	assert.Equal(t, wire.StreamClose, frames[2].Stream)
	assert.Equal(t, wire.ID("up"), frames[2].ID)

	_, senders := m.Active()
	assert.Equal(t, 0, senders)
}

func TestMux_OutboundReplaysEarlyWakes(t *testing.T) {
	log := &frameLog{}
	m := NewMux(log.send)
	defer m.Close()

	out := NewOutbound(4)
	ctx := nextCtx(t)
	require.NoError(t, out.Send(ctx, "first"))
	require.NoError(t, out.Send(ctx, "second"))

	require.NoError(t, m.RegisterSender("att", out))
	assert.Eventually(t, func() bool { return log.len() == 2 }, time.Second, 5*time.Millisecond)

	out.Close()
	assert.Eventually(t, func() bool { return log.len() == 3 }, time.Second, 5*time.Millisecond)

	frames := log.snapshot()
	assert.JSONEq(t, `"first"`, string(frames[0].Data))
	assert.JSONEq(t, `"second"`, string(frames[1].Data))
	assert.Equal(t, wire.StreamClose, frames[2].Stream)

	assert.ErrorIs(t, out.Send(ctx, "late"), ErrOutboundClosed)
}

func TestMux_OutboundToInbound(t *testing.T) {
	var remote *Mux
	local := NewMux(func(e *wire.Envelope) error {
		remote.HandleFrame(e)
		return nil
	})
	remote = NewMux((&frameLog{}).send)
	defer local.Close()
	defer remote.Close()

	in := NewInbound()
	require.NoError(t, remote.RegisterReceiver("pipe", in))

	out := NewOutbound(1)
	require.NoError(t, local.RegisterSender("pipe", out))

	ctx := nextCtx(t)
	go func() {
		for i := 0; i < 10; i++ {
			_ = out.Send(ctx, i)
		}
		out.Close()
	}()

	for i := 0; i < 10; i++ {
		data, err := in.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("%d", i), string(data))
	}
	_, err := in.Next(ctx)
	assert.Equal(t, io.EOF, err)
}

func TestMux_BoundDropsOpenFrames(t *testing.T) {
	var anomalies []wire.Anomaly
	m := NewMux((&frameLog{}).send,
		WithMaxPending(2),
		WithAnomalyHandler(func(a wire.Anomaly) { anomalies = append(anomalies, a) }),
	)
	defer m.Close()

	m.HandleFrame(open("q", `1`))
	m.HandleFrame(open("q", `2`))
	m.HandleFrame(open("q", `3`))
	assert.Equal(t, 2, m.Pending())
	require.Len(t, anomalies, 1)
	assert.Equal(t, wire.AnomalyQueueFull, anomalies[0].Kind)

	// Close frames are never refused.
	m.HandleFrame(closeFrame("q"))
	assert.Equal(t, 3, m.Pending())
}

func TestMux_TeardownClosesConsumers(t *testing.T) {
	m := NewMux((&frameLog{}).send)

	in := NewInbound()
	require.NoError(t, m.RegisterReceiver("t", in))

	done := make(chan error, 1)
	go func() {
		_, err := in.Next(context.Background())
		done <- err
	}()

	m.Close()
	select {
	case err := <-done:
		assert.Equal(t, io.EOF, err)
	case <-time.After(time.Second):
		t.Fatal("consumer not released by teardown")
	}

	late := NewInbound()
	err := m.RegisterReceiver("late", late)
	assert.ErrorIs(t, err, agenterr.ErrConnClosed)
	_, err = late.Next(nextCtx(t))
	assert.Equal(t, io.EOF, err)
}

func TestMux_ReleaseDropsQueued(t *testing.T) {
	m := NewMux((&frameLog{}).send)
	defer m.Close()

	in := NewInbound()
	require.NoError(t, m.RegisterReceiver("r", in))
	m.HandleFrame(open("r", `1`))
	m.Release("r")

	assert.Equal(t, 0, m.Pending())
	_, err := in.Next(nextCtx(t))
	assert.Equal(t, io.EOF, err)
}

func TestMux_FinishDrainsThenCloses(t *testing.T) {
	m := NewMux((&frameLog{}).send)
	defer m.Close()

	in := NewInbound()
	require.NoError(t, m.RegisterReceiver("f", in))
	m.HandleFrame(open("f", `1`))
	m.HandleFrame(open("f", `2`))
	m.Finish("f")

	ctx := nextCtx(t)
	for _, want := range []string{"1", "2"} {
		data, err := in.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, string(data))
	}
	_, err := in.Next(ctx)
	assert.Equal(t, io.EOF, err)

	// No receiver left: nothing is queued.
	m.Finish("f")
	assert.Equal(t, 0, m.Pending())
}

func TestMux_DuplicateRegistration(t *testing.T) {
	m := NewMux((&frameLog{}).send)
	defer m.Close()

	require.NoError(t, m.RegisterReceiver("d", NewInbound()))
	err := m.RegisterReceiver("d", NewInbound())
	assert.ErrorIs(t, err, agenterr.Protocol)

	require.NoError(t, m.RegisterSender("d", NewOutbound(1)))
	err = m.RegisterSender("d", NewOutbound(1))
	assert.ErrorIs(t, err, agenterr.Protocol)
}

func TestWaker_ZeroValue(t *testing.T) {
	var w Waker
	assert.NotPanics(t, w.Wake)
}

type carrier struct {
	out *Outbound
	in  *Inbound
}

func (c carrier) StreamEndpoints() (Producer, Consumer) { return c.out, c.in }

func TestEndpoints(t *testing.T) {
	out, in := NewOutbound(1), NewInbound()

	p, c := Endpoints(carrier{out: out, in: in})
	assert.Same(t, out, p)
	assert.Same(t, in, c)

	p, c = Endpoints(out)
	assert.Same(t, out, p)
	assert.Nil(t, c)

	p, c = Endpoints(map[string]string{"plain": "params"})
	assert.Nil(t, p)
	assert.Nil(t, c)
}
