package logger

import (
	"log/slog"
	"sync"

	"golang.org/x/time/rate"
)

// Diagnostics logs peer protocol anomalies at warn level with per-kind rate
// limiting, so a misbehaving agent cannot flood the log.
type Diagnostics struct {
	logger     *slog.Logger
	limiters   map[string]*rate.Limiter
	suppressed map[string]int
	mu         sync.Mutex
	rate       rate.Limit // reports per second per kind
	burst      int
}

// NewDiagnostics creates a diagnostics reporter. A nil logger uses Slog().
func NewDiagnostics(logger *slog.Logger, perSecond float64, burst int) *Diagnostics {
	if logger == nil {
		logger = Slog()
	}
	if burst < 1 {
		burst = 1
	}
	return &Diagnostics{
		logger:     logger,
		limiters:   make(map[string]*rate.Limiter),
		suppressed: make(map[string]int),
		rate:       rate.Limit(perSecond),
		burst:      burst,
	}
}

// DefaultDiagnostics returns a reporter allowing 5 reports/second per kind
// with a burst of 10
func DefaultDiagnostics(logger *slog.Logger) *Diagnostics {
	return NewDiagnostics(logger, 5, 10)
}

// getLimiter returns the limiter for kind. Caller holds d.mu.
func (d *Diagnostics) getLimiter(kind string) *rate.Limiter {
	limiter, exists := d.limiters[kind]
	if !exists {
		limiter = rate.NewLimiter(d.rate, d.burst)
		d.limiters[kind] = limiter
	}
	return limiter
}

// Report logs one anomaly of the given kind unless the kind is over its rate.
// It returns whether the anomaly was logged. The first report after a quiet
// period carries the number of suppressed reports.
func (d *Diagnostics) Report(kind, msg string, args ...any) bool {
	d.mu.Lock()
	if !d.getLimiter(kind).Allow() {
		d.suppressed[kind]++
		d.mu.Unlock()
		return false
	}
	dropped := d.suppressed[kind]
	delete(d.suppressed, kind)
	d.mu.Unlock()

	attrs := append([]any{"kind", kind}, args...)
	if dropped > 0 {
		attrs = append(attrs, "suppressed", dropped)
	}
	d.logger.Warn(msg, attrs...)
	return true
}

// Suppressed returns how many reports of kind were dropped since the last
// logged one.
func (d *Diagnostics) Suppressed(kind string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.suppressed[kind]
}

// Reset forgets all limiters and suppressed counts
func (d *Diagnostics) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.limiters = make(map[string]*rate.Limiter)
	d.suppressed = make(map[string]int)
}
