package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Recorder persists what happens in a session. Errors are logged and never
// fail the session.
type Recorder interface {
	RecordSession(ctx context.Context, rec SessionRecord) error
	UpdateSession(ctx context.Context, rec SessionRecord) error
	RecordTurn(ctx context.Context, rec TurnRecord) error
	RecordApproval(ctx context.Context, rec ApprovalRecord) error
}

// SessionRecord describes a session.
type SessionRecord struct {
	ID              string     `json:"id"`
	WorkDir         string     `json:"work_dir,omitempty"`
	AgentVersion    string     `json:"agent_version,omitempty"`
	ProtocolVersion string     `json:"protocol_version,omitempty"`
	State           State      `json:"state"`
	Error           string     `json:"error,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
}

// TurnRecord describes a finished turn.
type TurnRecord struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Prompt    string    `json:"prompt"`
	State     TurnState `json:"state"`
	Status    string    `json:"status,omitempty"`
	Steps     int       `json:"steps"`
	Output    string    `json:"output,omitempty"`
	Error     string    `json:"error,omitempty"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
}

// ApprovalRecord describes one approval resolution.
type ApprovalRecord struct {
	RequestID  string    `json:"request_id"`
	SessionID  string    `json:"session_id"`
	TurnID     string    `json:"turn_id,omitempty"`
	Sender     string    `json:"sender,omitempty"`
	Action     string    `json:"action"`
	Decision   string    `json:"decision"`
	Source     string    `json:"source"`
	ResolvedAt time.Time `json:"resolved_at"`
}

type recordFunc func(ctx context.Context, r Recorder) error

// recordQueue runs recorder writes on one goroutine in submission order.
// Callers never wait on storage; the connection read loop is one of them.
type recordQueue struct {
	rec     Recorder
	logger  *slog.Logger
	timeout time.Duration

	mu      sync.Mutex
	pending []recordFunc
	running bool
	idle    chan struct{} // closed when a drain run finishes
}

func newRecordQueue(rec Recorder, l *slog.Logger, timeout time.Duration) *recordQueue {
	return &recordQueue{rec: rec, logger: l, timeout: timeout}
}

func (q *recordQueue) push(fn recordFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, fn)
	if !q.running {
		q.running = true
		q.idle = make(chan struct{})
		go q.drain()
	}
}

func (q *recordQueue) drain() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.running = false
			close(q.idle)
			q.mu.Unlock()
			return
		}
		fn := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
		if err := fn(ctx, q.rec); err != nil {
			q.logger.Warn("failed to record history", "error", err)
		}
		cancel()
	}
}

// flush waits until every queued write has run or ctx ends.
func (q *recordQueue) flush(ctx context.Context) error {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return nil
	}
	idle := q.idle
	q.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
