package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ActiveSessions tracks sessions in the Ready state
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentwire_active_sessions",
			Help: "Number of ready sessions",
		},
	)

	// TurnsTotal counts finished turns by terminal status
	TurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentwire_turns_total",
			Help: "Total number of turns by terminal status",
		},
		[]string{"status"},
	)

	// TurnDuration tracks how long turns run
	TurnDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentwire_turn_duration_seconds",
			Help:    "Turn duration in seconds",
			Buckets: []float64{0.5, 1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"status"},
	)

	// EnvelopesTotal counts envelopes crossing the codec
	EnvelopesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentwire_envelopes_total",
			Help: "Total number of envelopes by kind and direction",
		},
		[]string{"kind", "direction"},
	)

	// StreamFramesTotal counts multiplexed stream frames
	StreamFramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentwire_stream_frames_total",
			Help: "Total number of stream frames by frame kind and direction",
		},
		[]string{"frame", "direction"},
	)

	// PendingFrames tracks frames waiting for a consumer wake
	PendingFrames = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentwire_pending_frames",
			Help: "Number of stream frames waiting in the pending queue",
		},
	)

	// PendingDrops tracks frames dropped because the pending queue was full
	PendingDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentwire_pending_frame_drops_total",
			Help: "Total number of stream frames dropped due to a full pending queue",
		},
	)

	// ApprovalsTotal counts resolved approval requests
	ApprovalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentwire_approvals_total",
			Help: "Total number of approval resolutions by decision and source",
		},
		[]string{"decision", "source"},
	)

	// ProtocolAnomalies counts peer protocol violations
	ProtocolAnomalies = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentwire_protocol_anomalies_total",
			Help: "Total number of protocol anomalies by kind",
		},
		[]string{"kind"},
	)

	// ProcessExits counts agent process exits
	ProcessExits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentwire_process_exits_total",
			Help: "Total number of agent process exits by reason",
		},
		[]string{"reason"},
	)

	// ToolCalls tracks MCP tool invocations
	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentwire_tool_calls_total",
			Help: "Total number of MCP tool calls",
		},
		[]string{"tool", "status"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordSessionStart increments the active session gauge
func RecordSessionStart() {
	ActiveSessions.Inc()
}

// RecordSessionEnd decrements the active session gauge
func RecordSessionEnd() {
	ActiveSessions.Dec()
}

// RecordTurn records a finished turn
func RecordTurn(status string, durationSeconds float64) {
	TurnsTotal.WithLabelValues(status).Inc()
	TurnDuration.WithLabelValues(status).Observe(durationSeconds)
}

// RecordEnvelope records an envelope read or written
func RecordEnvelope(kind, direction string) {
	EnvelopesTotal.WithLabelValues(kind, direction).Inc()
}

// RecordStreamFrame records a stream frame
func RecordStreamFrame(frame, direction string) {
	StreamFramesTotal.WithLabelValues(frame, direction).Inc()
}

// SetPendingFrames sets the pending queue depth
func SetPendingFrames(n int) {
	PendingFrames.Set(float64(n))
}

// RecordPendingDrop records a frame dropped by a full pending queue
func RecordPendingDrop() {
	PendingDrops.Inc()
}

// RecordApproval records an approval resolution
func RecordApproval(decision, source string) {
	ApprovalsTotal.WithLabelValues(decision, source).Inc()
}

// RecordAnomaly records a protocol anomaly
func RecordAnomaly(kind string) {
	ProtocolAnomalies.WithLabelValues(kind).Inc()
}

// RecordProcessExit records an agent process exit
func RecordProcessExit(reason string) {
	ProcessExits.WithLabelValues(reason).Inc()
}

// RecordToolCall records an MCP tool invocation
func RecordToolCall(tool string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	ToolCalls.WithLabelValues(tool, status).Inc()
}
