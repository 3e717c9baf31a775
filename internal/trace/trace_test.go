package trace

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HyphaGroup/agentwire/internal/wire"
)

func TestRecorder_RoundTrip(t *testing.T) {
	for _, name := range []string{"trace.jsonl", "trace.jsonl.zst", "trace.jsonl.gz"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			r, err := Create(path)
			require.NoError(t, err)
			base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
			r.now = func() time.Time { return base }

			r.Sent([]byte(`{"jsonrpc":"2.0","id":"1","method":"initialize"}`))
			r.Received([]byte(`{"jsonrpc":"2.0","id":"1","result":{}}`))
			r.Received([]byte("not json <&>"))
			require.NoError(t, r.Close())
			r.Sent([]byte("after close"))

			entries, err := ReadAll(path)
			require.NoError(t, err)
			require.Len(t, entries, 3)
			assert.Equal(t, Sent, entries[0].Direction)
			assert.Equal(t, Received, entries[1].Direction)
			assert.Equal(t, "not json <&>", entries[2].Line)
			assert.True(t, entries[0].Time.Equal(base), "Time = %v, want %v", entries[0].Time, base)
		})
	}
}

func TestRecorder_Compressed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.zst")
	r, err := Create(path)
	require.NoError(t, err)
	r.Sent([]byte(strings.Repeat(`{"method":"event"}`, 10)))
	require.NoError(t, r.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), `"method"`, "zst trace should not contain plain text")
}

func TestRecorder_CodecTap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.jsonl")
	r, err := Create(path)
	require.NoError(t, err)

	pr, pw := io.Pipe()
	codec := wire.NewCodec(pr, io.Discard, wire.WithTap(r))

	go func() {
		_, _ = pw.Write([]byte(`{"jsonrpc":"2.0","method":"event","params":{"type":"turn_begin","payload":{}}}` + "\n"))
		_ = pw.Close()
	}()

	_, err = codec.Read()
	require.NoError(t, err)
	require.NoError(t, r.Close())

	entries, err := ReadAll(path)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, Received, entries[0].Direction)
}

func TestEach_StopsOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.jsonl")
	r, err := Create(path)
	require.NoError(t, err)
	r.Sent([]byte("a"))
	r.Sent([]byte("b"))
	require.NoError(t, r.Close())

	stop := io.ErrShortBuffer
	n := 0
	err = Each(path, func(Entry) error {
		n++
		return stop
	})
	assert.Equal(t, stop, err)
	assert.Equal(t, 1, n)
}

func TestReadAll_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{\"dir\":\"sent\"}\n{oops\n"), 0o644))

	_, err := ReadAll(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "entry 2")
}
