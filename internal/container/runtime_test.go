package container

import (
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopWriteCloser struct {
	closed bool
}

func (w *nopWriteCloser) Write(p []byte) (int, error) { return len(p), nil }
func (w *nopWriteCloser) Close() error                { w.closed = true; return nil }

func TestProcess_WaitRunsOnce(t *testing.T) {
	var calls atomic.Int32
	exit := make(chan struct{})
	p := NewProcess(nil, nil, nil, func() (int, error) {
		calls.Add(1)
		<-exit
		return 3, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			code, err := p.Wait()
			assert.NoError(t, err)
			assert.Equal(t, 3, code)
		}()
	}

	select {
	case <-p.Done():
		require.FailNow(t, "Done() closed before exit")
	case <-time.After(20 * time.Millisecond):
	}

	close(exit)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load(), "wait func should run once")
	select {
	case <-p.Done():
	default:
		assert.Fail(t, "Done() not closed after Wait returned")
	}
}

func TestProcess_SignalsUnsupportedByDefault(t *testing.T) {
	p := NewProcess(nil, nil, nil, func() (int, error) { return 0, nil })

	assert.ErrorIs(t, p.Interrupt(), ErrUnsupported)
	assert.ErrorIs(t, p.Kill(), ErrUnsupported)
}

func TestProcess_Options(t *testing.T) {
	var interrupted, killed bool
	p := NewProcess(nil, nil, nil, func() (int, error) { return 0, nil },
		WithInterrupt(func() error { interrupted = true; return nil }),
		WithKill(func() error { killed = true; return nil }),
		WithPid(42),
	)

	require.NoError(t, p.Interrupt())
	assert.True(t, interrupted)
	require.NoError(t, p.Kill())
	assert.True(t, killed)
	assert.Equal(t, 42, p.Pid)
}

func TestProcess_CloseIsIdempotent(t *testing.T) {
	stdin := &nopWriteCloser{}
	stdoutR, stdoutW := io.Pipe()
	cleanups := 0

	p := NewProcess(stdin, stdoutR, nil, func() (int, error) { return 0, nil },
		WithCleanup(func() error { cleanups++; return nil }),
	)

	require.NoError(t, p.Close())
	_ = p.Close()

	assert.True(t, stdin.closed, "stdin not closed")
	_, err := stdoutW.Write([]byte("x"))
	assert.Error(t, err, "write to closed stdout pipe should fail")
	assert.Equal(t, 1, cleanups, "cleanup should run once")
}
