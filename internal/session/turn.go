package session

import (
	"context"
	"encoding/json"
	"io"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/HyphaGroup/agentwire/internal/agenterr"
	"github.com/HyphaGroup/agentwire/internal/rpc"
	"github.com/HyphaGroup/agentwire/internal/stream"
	"github.com/HyphaGroup/agentwire/internal/wire"
)

// TurnState is the lifecycle state of a turn.
type TurnState string

const (
	TurnActive    TurnState = "active"
	TurnCompleted TurnState = "completed"
	TurnCancelled TurnState = "cancelled"
	TurnFailed    TurnState = "failed"
)

// Step is one agent step within a turn.
type Step struct {
	N           int          `json:"n"`
	Interrupted bool         `json:"interrupted,omitempty"`
	Events      []wire.Event `json:"events,omitempty"`
}

// Turn is one prompt and everything the agent emits in response to it.
// Events are consumed with Next or All by a single reader.
type Turn struct {
	ID        string
	Prompt    wire.Content
	StartedAt time.Time

	session  *Session
	inbound  *stream.Inbound
	pumpDone chan struct{}

	mu       sync.Mutex
	call     *rpc.Call
	state    TurnState
	queue    []wire.Event
	steps    []Step
	status   string
	err      error
	endedAt  time.Time
	onFinish func()

	notify     chan struct{}
	done       chan struct{}
	finishOnce sync.Once
}

func newTurn(s *Session, content wire.Content) *Turn {
	return &Turn{
		ID:        "turn_" + uuid.New().String()[:8],
		Prompt:    content,
		StartedAt: time.Now(),
		session:   s,
		inbound:   stream.NewInbound(),
		pumpDone:  make(chan struct{}),
		state:     TurnActive,
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Next returns the next event. It returns io.EOF once the turn completed and
// its events are drained, agenterr.ErrCancelled after Cancel even if events
// are still buffered, and the failure after a failure.
func (t *Turn) Next(ctx context.Context) (wire.Event, error) {
	for {
		t.mu.Lock()
		switch {
		case t.state == TurnCancelled:
			t.mu.Unlock()
			t.finish()
			return wire.Event{}, agenterr.ErrCancelled
		case len(t.queue) > 0:
			ev := t.queue[0]
			t.queue[0] = wire.Event{}
			t.queue = t.queue[1:]
			t.mu.Unlock()
			return ev, nil
		case t.state == TurnCompleted:
			t.mu.Unlock()
			t.finish()
			return wire.Event{}, io.EOF
		case t.state == TurnFailed:
			err := t.err
			t.mu.Unlock()
			t.finish()
			return wire.Event{}, err
		}
		t.mu.Unlock()

		select {
		case <-t.notify:
		case <-ctx.Done():
			return wire.Event{}, ctx.Err()
		}
	}
}

// All iterates the turn's events. Iteration stops after the first error;
// a completed turn ends without one.
func (t *Turn) All(ctx context.Context) iter.Seq2[wire.Event, error] {
	return func(yield func(wire.Event, error) bool) {
		for {
			ev, err := t.Next(ctx)
			if err == io.EOF {
				return
			}
			if !yield(ev, err) || err != nil {
				return
			}
		}
	}
}

// Wait blocks until the turn reaches a terminal state and returns its error:
// nil when completed.
func (t *Turn) Wait(ctx context.Context) error {
	select {
	case <-t.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Done is closed when the turn reaches a terminal state.
func (t *Turn) Done() <-chan struct{} {
	return t.done
}

// State returns the current state.
func (t *Turn) State() TurnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Status returns the agent's completion status, set once the turn ended.
func (t *Turn) Status() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Err returns the terminal error, nil while active or after completion.
func (t *Turn) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Steps returns a copy of the steps recorded so far.
func (t *Turn) Steps() []Step {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Step, len(t.steps))
	for i, st := range t.steps {
		out[i] = st
		out[i].Events = append([]wire.Event(nil), st.Events...)
	}
	return out
}

// Text concatenates the assistant text emitted so far.
func (t *Turn) Text() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.textLocked()
}

func (t *Turn) textLocked() string {
	var b strings.Builder
	for _, st := range t.steps {
		for _, ev := range st.Events {
			if ev.Type != wire.EventContent {
				continue
			}
			var part wire.ContentPart
			if err := json.Unmarshal(ev.Payload, &part); err != nil {
				continue
			}
			if part.Type == wire.PartText {
				b.WriteString(part.Text)
			}
		}
	}
	return b.String()
}

// Cancel cancels the turn. See Session.Cancel.
func (t *Turn) Cancel(ctx context.Context) error {
	return t.session.cancelTurn(ctx, t)
}

// Close cancels the turn if it is still active and releases whatever the
// turn owns, the session of a one-shot Prompt included.
func (t *Turn) Close() error {
	if t.State() == TurnActive {
		_ = t.Cancel(context.Background())
	}
	t.finish()
	return nil
}

func (t *Turn) setOnFinish(fn func()) {
	t.mu.Lock()
	t.onFinish = fn
	t.mu.Unlock()
}

func (t *Turn) finish() {
	t.finishOnce.Do(func() {
		t.mu.Lock()
		fn := t.onFinish
		t.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
}

func (t *Turn) setCall(call *rpc.Call) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.call = call
	return t.state == TurnActive
}

func (t *Turn) getCall() *rpc.Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.call
}

// push appends an event. It must not block: it runs on the read loop.
func (t *Turn) push(ev wire.Event) bool {
	t.mu.Lock()
	if t.state != TurnActive {
		t.mu.Unlock()
		return false
	}
	t.track(ev)
	t.queue = append(t.queue, ev)
	t.mu.Unlock()
	t.wake()
	return true
}

// track records ev in the step structure. Callers hold t.mu.
func (t *Turn) track(ev wire.Event) {
	switch ev.Type {
	case wire.EventStepBegin:
		n := len(t.steps) + 1
		var sb wire.StepBegin
		if err := ev.Decode(&sb); err == nil && sb.N > 0 {
			n = sb.N
		}
		t.steps = append(t.steps, Step{N: n})
	case wire.EventStepInterrupted:
		if len(t.steps) > 0 {
			t.steps[len(t.steps)-1].Interrupted = true
		}
	case wire.EventTurnBegin, wire.EventTurnEnd:
	default:
		// Events before the first step_begin land in an implicit step 0.
		if len(t.steps) == 0 {
			t.steps = append(t.steps, Step{N: 0})
		}
		last := &t.steps[len(t.steps)-1]
		last.Events = append(last.Events, ev)
	}
}

func (t *Turn) wake() {
	select {
	case t.notify <- struct{}{}:
	default:
	}
}

// transition moves an active turn to a terminal state. Only the first call
// wins.
func (t *Turn) transition(state TurnState, status string, err error) bool {
	t.mu.Lock()
	if t.state != TurnActive {
		t.mu.Unlock()
		return false
	}
	t.state = state
	t.status = status
	t.err = err
	t.endedAt = time.Now()
	if state == TurnCancelled {
		t.queue = nil
	}
	close(t.done)
	t.mu.Unlock()
	t.wake()
	return true
}

// pump surfaces frames streamed under the prompt id as stream_data events.
// It ends when the stream closes, which the session guarantees on every
// terminal path.
func (t *Turn) pump() {
	defer close(t.pumpDone)
	for {
		data, err := t.inbound.Next(context.Background())
		if err != nil {
			return
		}
		t.push(wire.Event{Type: wire.EventStreamData, Payload: data})
	}
}

func (t *Turn) record(sessionID string) TurnRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := TurnRecord{
		ID:        t.ID,
		SessionID: sessionID,
		Prompt:    t.Prompt.String(),
		State:     t.state,
		Status:    t.status,
		Steps:     len(t.steps),
		Output:    t.textLocked(),
		StartedAt: t.StartedAt,
		EndedAt:   t.endedAt,
	}
	if t.err != nil {
		rec.Error = t.err.Error()
	}
	return rec
}

// promptParams carries the prompt's stream endpoints to the connection.
type promptParams struct {
	wire.PromptParams
	in  *stream.Inbound
	out *stream.Outbound
}

func (p promptParams) StreamEndpoints() (stream.Producer, stream.Consumer) {
	var prod stream.Producer
	if p.out != nil {
		prod = p.out
	}
	var cons stream.Consumer
	if p.in != nil {
		cons = p.in
	}
	return prod, cons
}
