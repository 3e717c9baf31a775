// Package trace records the raw lines exchanged with the agent.
//
// trace.go - JSONL wire trace files
//
// This file contains:
// - Recorder, a wire.Tap writing one JSON object per line
// - zstd (.zst) and gzip (.gz) compression chosen by file suffix
// - ReadAll for decoding a trace back into entries
package trace

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/HyphaGroup/agentwire/internal/wire"
)

// Direction is the side a line travelled from.
type Direction string

const (
	Sent     Direction = "sent"
	Received Direction = "received"
)

// Entry is one traced line.
type Entry struct {
	Time      time.Time `json:"ts"`
	Direction Direction `json:"dir"`
	Line      string    `json:"line"`
}

// Recorder writes trace entries. It is safe for concurrent use; the codec
// calls Sent and Received from different goroutines.
type Recorder struct {
	mu     sync.Mutex
	file   *os.File
	comp   io.WriteCloser // nil when uncompressed
	buf    *bufio.Writer
	enc    *json.Encoder
	err    error
	closed bool
	now    func() time.Time
}

var _ wire.Tap = (*Recorder)(nil)

// Create truncates or creates path and returns a Recorder writing to it.
func Create(path string) (*Recorder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating trace file: %w", err)
	}

	r := &Recorder{file: f, now: time.Now}
	var w io.Writer = f
	switch {
	case strings.HasSuffix(path, ".zst"):
		zw, err := zstd.NewWriter(f)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("creating zstd writer: %w", err)
		}
		r.comp, w = zw, zw
	case strings.HasSuffix(path, ".gz"):
		gw := gzip.NewWriter(f)
		r.comp, w = gw, gw
	}
	r.buf = bufio.NewWriter(w)
	r.enc = json.NewEncoder(r.buf)
	r.enc.SetEscapeHTML(false)
	return r, nil
}

// Sent implements wire.Tap.
func (r *Recorder) Sent(line []byte) { r.write(Sent, line) }

// Received implements wire.Tap.
func (r *Recorder) Received(line []byte) { r.write(Received, line) }

func (r *Recorder) write(dir Direction, line []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.err != nil {
		return
	}
	e := Entry{Time: r.now().UTC(), Direction: dir, Line: string(line)}
	if err := r.enc.Encode(e); err != nil {
		r.err = err
	}
}

// Err returns the first write error.
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Close flushes and closes the file. Later Sent/Received calls are dropped.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	errs := []error{r.err, r.buf.Flush()}
	if r.comp != nil {
		errs = append(errs, r.comp.Close())
	}
	errs = append(errs, r.file.Close())
	return errors.Join(errs...)
}

// ReadAll decodes every entry in the trace at path.
func ReadAll(path string) ([]Entry, error) {
	var entries []Entry
	err := Each(path, func(e Entry) error {
		entries = append(entries, e)
		return nil
	})
	return entries, err
}

// Each calls fn for every entry in the trace at path, stopping at the first
// error fn returns.
func Each(path string, fn func(Entry) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening trace file: %w", err)
	}
	defer func() { _ = f.Close() }()

	var rd io.Reader = f
	switch {
	case strings.HasSuffix(path, ".zst"):
		zr, err := zstd.NewReader(f)
		if err != nil {
			return fmt.Errorf("creating zstd reader: %w", err)
		}
		defer zr.Close()
		rd = zr
	case strings.HasSuffix(path, ".gz"):
		gr, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("creating gzip reader: %w", err)
		}
		defer func() { _ = gr.Close() }()
		rd = gr
	}

	dec := json.NewDecoder(rd)
	for n := 1; ; n++ {
		var e Entry
		if err := dec.Decode(&e); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("trace entry %d: %w", n, err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
}
