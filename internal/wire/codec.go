package wire

import (
	"bufio"
	"bytes"
	"io"
	"sync"

	"github.com/HyphaGroup/agentwire/internal/agenterr"
)

// DefaultMaxLineSize bounds a single envelope on the wire.
const DefaultMaxLineSize = 16 * 1024 * 1024

// Anomaly kinds reported through the anomaly hook.
const (
	AnomalyNull      = "null_message"
	AnomalyMalformed = "malformed"
	AnomalyCollision = "id_collision"
	AnomalyQueueFull = "queue_full"
	AnomalyUnknown   = "unknown_method"
)

// Anomaly is a peer protocol violation that did not stop the codec.
type Anomaly struct {
	Kind string
	Line string
	Err  error
}

// Tap observes raw lines crossing the codec.
type Tap interface {
	Sent(line []byte)
	Received(line []byte)
}

// Codec reads and writes newline-delimited envelopes. Reads must come from a
// single goroutine; writes may come from any goroutine.
type Codec struct {
	scanner   *bufio.Scanner
	w         io.Writer
	wmu       sync.Mutex
	tap       Tap
	onAnomaly func(Anomaly)
}

// CodecOption configures a Codec.
type CodecOption func(*codecConfig)

type codecConfig struct {
	maxLine   int
	tap       Tap
	onAnomaly func(Anomaly)
}

// WithMaxLineSize sets the largest accepted envelope in bytes.
func WithMaxLineSize(n int) CodecOption {
	return func(c *codecConfig) {
		if n > 0 {
			c.maxLine = n
		}
	}
}

// WithTap installs a raw line observer.
func WithTap(t Tap) CodecOption {
	return func(c *codecConfig) { c.tap = t }
}

// WithAnomalyHandler installs the diagnostics hook for peer violations.
func WithAnomalyHandler(fn func(Anomaly)) CodecOption {
	return func(c *codecConfig) { c.onAnomaly = fn }
}

// NewCodec binds a codec to a reader and a writer.
func NewCodec(r io.Reader, w io.Writer, opts ...CodecOption) *Codec {
	cfg := codecConfig{maxLine: DefaultMaxLineSize}
	for _, opt := range opts {
		opt(&cfg)
	}

	scanner := bufio.NewScanner(r)
	initial := 64 * 1024
	if initial > cfg.maxLine {
		initial = cfg.maxLine
	}
	scanner.Buffer(make([]byte, initial), cfg.maxLine)

	return &Codec{
		scanner:   scanner,
		w:         w,
		tap:       cfg.tap,
		onAnomaly: cfg.onAnomaly,
	}
}

// Read returns the next envelope. Null messages are reported and skipped.
// A malformed line returns a protocol error; the codec stays usable and the
// next call continues with the following line. io.EOF marks a clean end of
// the stream.
func (c *Codec) Read() (*Envelope, error) {
	for c.scanner.Scan() {
		line := c.scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if c.tap != nil {
			c.tap.Received(append([]byte(nil), line...))
		}

		env, err := Decode(line)
		if err != nil {
			c.Report(Anomaly{Kind: AnomalyMalformed, Line: truncate(line), Err: err})
			return nil, err
		}
		if env == nil {
			c.Report(Anomaly{Kind: AnomalyNull, Line: "null"})
			continue
		}
		return env, nil
	}

	// bufio.ErrTooLong ends the scanner for good, so it is a transport failure.
	if err := c.scanner.Err(); err != nil {
		return nil, agenterr.Wrap(agenterr.KindTransport, "read", err)
	}
	return nil, io.EOF
}

// Write encodes and sends one envelope followed by a newline.
func (c *Codec) Write(e *Envelope) error {
	data, err := Encode(e)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if _, err := c.w.Write(data); err != nil {
		return agenterr.Wrap(agenterr.KindTransport, "write", err)
	}
	if c.tap != nil {
		c.tap.Sent(data[:len(data)-1])
	}
	return nil
}

// Report forwards an anomaly to the diagnostics hook.
func (c *Codec) Report(a Anomaly) {
	if c.onAnomaly != nil {
		c.onAnomaly(a)
	}
}

func truncate(line []byte) string {
	const max = 256
	if len(line) > max {
		return string(line[:max]) + "..."
	}
	return string(line)
}
