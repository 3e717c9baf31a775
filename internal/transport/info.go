package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/HyphaGroup/agentwire/internal/agenterr"
	"github.com/HyphaGroup/agentwire/internal/container"
	"github.com/HyphaGroup/agentwire/internal/wire"
)

const maxInfoOutput = 1 << 20

// QueryInfo runs `<exec> info --json` and decodes what it prints. A process
// that cannot be started is a transport error; one that runs but exits
// non-zero or prints something unreadable is a protocol error.
func QueryInfo(ctx context.Context, l Launcher, cmd container.Command) (*wire.InfoResult, error) {
	const op = "info"

	proc, err := l.Launch(ctx, cmd)
	if err != nil {
		return nil, agenterr.Wrap(agenterr.KindTransport, op, err)
	}
	defer func() { _ = proc.Close() }()
	_ = proc.CloseStdin()

	type output struct {
		stdout []byte
		stderr string
		err    error
	}
	outCh := make(chan output, 1)
	go func() {
		var stderr bytes.Buffer
		errDone := make(chan struct{})
		go func() {
			if proc.Stderr != nil {
				_, _ = io.Copy(&stderr, io.LimitReader(proc.Stderr, maxInfoOutput))
			}
			close(errDone)
		}()
		stdout, err := io.ReadAll(io.LimitReader(proc.Stdout, maxInfoOutput))
		<-errDone
		outCh <- output{stdout: stdout, stderr: stderr.String(), err: err}
	}()

	var out output
	select {
	case out = <-outCh:
	case <-ctx.Done():
		_ = proc.Kill()
		return nil, agenterr.Wrap(agenterr.KindProtocol, op, ctx.Err())
	}

	code, err := proc.Wait()
	if err != nil {
		return nil, agenterr.Wrap(agenterr.KindTransport, op, err)
	}
	if out.err != nil {
		return nil, agenterr.Wrap(agenterr.KindTransport, op, out.err)
	}
	if code != 0 {
		return nil, agenterr.Errorf(agenterr.KindProtocol, op, "info query exited with code %d: %s", code, strings.TrimSpace(out.stderr))
	}

	var info wire.InfoResult
	if err := json.Unmarshal(bytes.TrimSpace(out.stdout), &info); err != nil {
		return nil, agenterr.Wrap(agenterr.KindProtocol, op, fmt.Errorf("failed to parse info output: %w", err))
	}
	if info.Version == "" {
		return nil, agenterr.Errorf(agenterr.KindProtocol, op, "info output has no version")
	}
	return &info, nil
}
