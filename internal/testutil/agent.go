package testutil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/HyphaGroup/agentwire/internal/agenterr"
	"github.com/HyphaGroup/agentwire/internal/container"
	"github.com/HyphaGroup/agentwire/internal/wire"
)

// FakeAgent is a scripted agent that speaks the wire protocol. It records
// what the client sent and can run in-process through Launch or as a
// re-executed helper process through RunHelper.
type FakeAgent struct {
	// Configurable responses
	Version         string // reported by info --json, default "0.82"
	ProtocolVersion string // default wire.ProtocolVersion
	MinProtocol     string // capabilities.min_protocol
	InfoExitCode    int
	LaunchError     error
	HandshakeError  *wire.RPCError
	// IgnoreStdinClose keeps the agent alive after stdin closes, so only an
	// interrupt or a kill stops it.
	IgnoreStdinClose bool
	// OnPrompt scripts a turn and returns its status; "" means finished.
	// nil echoes the user text in one step.
	OnPrompt func(t *FakeTurn) string

	mu sync.Mutex

	// Call tracking
	launches    []container.Command
	initializes []wire.InitializeParams
	prompts     []wire.PromptParams
	cancels     int
	approvals   []wire.ApprovalResponse
	interrupts  int
}

// NewFakeAgent returns an agent with default versions.
func NewFakeAgent() *FakeAgent {
	return &FakeAgent{Version: "0.82", ProtocolVersion: wire.ProtocolVersion}
}

// Launches returns every command the agent was launched with.
func (a *FakeAgent) Launches() []container.Command {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.launches)
}

// Initializes returns the handshake params received.
func (a *FakeAgent) Initializes() []wire.InitializeParams {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.initializes)
}

// Prompts returns the prompt params received.
func (a *FakeAgent) Prompts() []wire.PromptParams {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.prompts)
}

// Cancels returns how many cancel requests arrived.
func (a *FakeAgent) Cancels() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cancels
}

// Approvals returns the approval responses received.
func (a *FakeAgent) Approvals() []wire.ApprovalResponse {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.approvals)
}

// Interrupts returns how many times the in-process agent was interrupted.
func (a *FakeAgent) Interrupts() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.interrupts
}

// IsInfoQuery reports whether args ask for the info query.
func IsInfoQuery(args []string) bool {
	return slices.Contains(args, "info") && !slices.Contains(args, "--wire")
}

func (a *FakeAgent) infoJSON() []byte {
	data, _ := json.Marshal(wire.InfoResult{Version: a.Version, ProtocolVersion: a.ProtocolVersion})
	return append(data, '\n')
}

// Launch runs the agent in-process over pipes. It satisfies the transport
// launcher contract.
func (a *FakeAgent) Launch(ctx context.Context, cmd container.Command) (*container.Process, error) {
	a.mu.Lock()
	a.launches = append(a.launches, cmd)
	a.mu.Unlock()

	if a.LaunchError != nil {
		return nil, a.LaunchError
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if IsInfoQuery(cmd.Args) {
		code := a.InfoExitCode
		stdout := io.NopCloser(strings.NewReader(string(a.infoJSON())))
		stderr := io.NopCloser(strings.NewReader(""))
		if code != 0 {
			stdout = io.NopCloser(strings.NewReader(""))
			stderr = io.NopCloser(strings.NewReader("info failed"))
		}
		return container.NewProcess(nil, stdout, stderr, func() (int, error) { return code, nil }), nil
	}

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()

	s := a.newServer(inR, outW, errW)
	exit := make(chan int, 1)
	go func() {
		code := s.run()
		_ = outW.Close()
		_ = errW.Close()
		_ = inR.Close()
		exit <- code
	}()

	wait := func() (int, error) { return <-exit, nil }
	return container.NewProcess(inW, outR, errR, wait,
		container.WithInterrupt(func() error {
			a.mu.Lock()
			a.interrupts++
			a.mu.Unlock()
			s.terminate(130)
			return nil
		}),
		container.WithKill(func() error {
			s.terminate(137)
			return nil
		}),
	), nil
}

// RunHelper runs the agent as a process: args select the info query or
// wire mode. It returns the exit code.
func (a *FakeAgent) RunHelper(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if IsInfoQuery(args) {
		if a.InfoExitCode != 0 {
			_, _ = io.WriteString(stderr, "info failed\n")
			return a.InfoExitCode
		}
		_, _ = stdout.Write(a.infoJSON())
		return 0
	}
	return a.Serve(stdin, stdout, stderr)
}

// Serve speaks the wire protocol on r and w until r ends or the script
// exits. It returns the exit code.
func (a *FakeAgent) Serve(r io.Reader, w, stderr io.Writer) int {
	return a.newServer(r, w, stderr).run()
}

type fakeServer struct {
	agent  *FakeAgent
	codec  *wire.Codec
	w      io.Writer
	stderr io.Writer

	exit     chan int
	done     chan struct{}
	doneOnce sync.Once

	mu      sync.Mutex
	nextID  int
	pending map[wire.ID]chan *wire.Envelope
	frames  map[wire.ID]chan *wire.Envelope
	turn    *FakeTurn
}

func (a *FakeAgent) newServer(r io.Reader, w, stderr io.Writer) *fakeServer {
	return &fakeServer{
		agent:   a,
		codec:   wire.NewCodec(r, w),
		w:       w,
		stderr:  stderr,
		exit:    make(chan int, 1),
		done:    make(chan struct{}),
		pending: make(map[wire.ID]chan *wire.Envelope),
		frames:  make(map[wire.ID]chan *wire.Envelope),
	}
}

func (s *fakeServer) terminate(code int) {
	select {
	case s.exit <- code:
	default:
	}
}

func (s *fakeServer) run() int {
	defer s.doneOnce.Do(func() { close(s.done) })

	msgs := make(chan *wire.Envelope)
	go func() {
		defer close(msgs)
		for {
			env, err := s.codec.Read()
			if err != nil {
				if agenterr.KindOf(err) == agenterr.KindProtocol {
					continue
				}
				return
			}
			select {
			case msgs <- env:
			case <-s.done:
				return
			}
		}
	}()

	for {
		select {
		case env, ok := <-msgs:
			if !ok {
				if !s.agent.IgnoreStdinClose {
					return 0
				}
				msgs = nil
				continue
			}
			s.handle(env)
		case code := <-s.exit:
			return code
		}
	}
}

func (s *fakeServer) handle(env *wire.Envelope) {
	switch env.Kind() {
	case wire.KindStream:
		s.frameChan(env.ID) <- env
	case wire.KindResponse:
		s.mu.Lock()
		ch, ok := s.pending[env.ID]
		delete(s.pending, env.ID)
		s.mu.Unlock()
		if ok {
			ch <- env
		}
	case wire.KindRequest:
		s.handleRequest(env)
	}
}

func (s *fakeServer) handleRequest(env *wire.Envelope) {
	a := s.agent
	switch env.Method {
	case wire.MethodInitialize:
		var p wire.InitializeParams
		_ = json.Unmarshal(env.Params, &p)
		a.mu.Lock()
		a.initializes = append(a.initializes, p)
		a.mu.Unlock()
		if a.HandshakeError != nil {
			_ = s.codec.Write(wire.NewError(env.ID, a.HandshakeError.Code, a.HandshakeError.Message))
			return
		}
		s.reply(env.ID, wire.InitializeResult{
			ProtocolVersion: a.ProtocolVersion,
			Agent:           wire.AgentInfo{Name: "fake-agent", Version: a.Version},
			Capabilities: wire.Capabilities{
				MinProtocol: a.MinProtocol,
				MaxProtocol: a.ProtocolVersion,
			},
		})

	case wire.MethodPrompt:
		var p wire.PromptParams
		if err := json.Unmarshal(env.Params, &p); err != nil {
			_ = s.codec.Write(wire.NewError(env.ID, wire.CodeInvalidParams, err.Error()))
			return
		}
		a.mu.Lock()
		a.prompts = append(a.prompts, p)
		a.mu.Unlock()

		t := &FakeTurn{ID: env.ID, Params: p, s: s, cancelled: make(chan struct{})}
		s.mu.Lock()
		s.turn = t
		s.mu.Unlock()
		go s.runTurn(t)

	case wire.MethodCancel:
		a.mu.Lock()
		a.cancels++
		a.mu.Unlock()
		s.mu.Lock()
		t := s.turn
		s.mu.Unlock()
		if t != nil {
			t.cancelOnce.Do(func() { close(t.cancelled) })
		}
		s.reply(env.ID, struct{}{})

	default:
		if env.ID != "" {
			_ = s.codec.Write(wire.NewError(env.ID, wire.CodeMethodNotFound, "unknown method: "+env.Method))
		}
	}
}

func (s *fakeServer) runTurn(t *FakeTurn) {
	script := s.agent.OnPrompt
	if script == nil {
		script = EchoTurn
	}
	status := script(t)
	if t.exited {
		return
	}
	if status == "" {
		status = wire.PromptFinished
	}
	s.mu.Lock()
	if s.turn == t {
		s.turn = nil
	}
	s.mu.Unlock()
	s.reply(t.ID, wire.PromptResult{Status: status})
}

func (s *fakeServer) reply(id wire.ID, result any) {
	env, err := wire.NewResult(id, result)
	if err != nil {
		return
	}
	_ = s.codec.Write(env)
}

func (s *fakeServer) frameChan(id wire.ID) chan *wire.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.frames[id]
	if !ok {
		ch = make(chan *wire.Envelope, 256)
		s.frames[id] = ch
	}
	return ch
}

func (s *fakeServer) call(method string, params any) (*wire.Envelope, error) {
	s.mu.Lock()
	s.nextID++
	id := wire.ID(strconv.Itoa(s.nextID))
	ch := make(chan *wire.Envelope, 1)
	s.pending[id] = ch
	s.mu.Unlock()

	env, err := wire.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}
	if err := s.codec.Write(env); err != nil {
		return nil, err
	}
	select {
	case resp := <-ch:
		return resp, nil
	case <-s.done:
		return nil, io.ErrClosedPipe
	}
}

// EchoTurn is the default script: one step that echoes the user text.
func EchoTurn(t *FakeTurn) string {
	_ = t.Begin()
	_ = t.Step()
	_ = t.Say("echo: " + t.Text())
	_ = t.End()
	return wire.PromptFinished
}

// FakeTurn is the agent side of one prompt.
type FakeTurn struct {
	ID     wire.ID
	Params wire.PromptParams

	s          *fakeServer
	cancelled  chan struct{}
	cancelOnce sync.Once
	step       int
	exited     bool
}

// Text is the prompt's text content.
func (t *FakeTurn) Text() string {
	return t.Params.UserInput.String()
}

// Cancelled is closed when the client sends cancel.
func (t *FakeTurn) Cancelled() <-chan struct{} {
	return t.cancelled
}

// Event sends an event notification.
func (t *FakeTurn) Event(typ wire.EventType, payload any) error {
	ev, err := wire.NewEvent(typ, payload)
	if err != nil {
		return err
	}
	env, err := wire.NewRequest("", wire.MethodEvent, ev)
	if err != nil {
		return err
	}
	return t.s.codec.Write(env)
}

// Begin sends turn_begin.
func (t *FakeTurn) Begin() error {
	return t.Event(wire.EventTurnBegin, map[string]any{"user_input": t.Params.UserInput})
}

// Step opens the next step.
func (t *FakeTurn) Step() error {
	t.step++
	return t.Event(wire.EventStepBegin, wire.StepBegin{N: t.step})
}

// Interrupt marks the current step interrupted.
func (t *FakeTurn) Interrupt() error {
	return t.Event(wire.EventStepInterrupted, struct{}{})
}

// Say sends a text content part.
func (t *FakeTurn) Say(text string) error {
	return t.Event(wire.EventContent, wire.ContentPart{Type: wire.PartText, Text: text})
}

// End sends turn_end.
func (t *FakeTurn) End() error {
	return t.Event(wire.EventTurnEnd, struct{}{})
}

// Approval asks the client to authorize req and returns its decision.
func (t *FakeTurn) Approval(req wire.ApprovalRequest) (string, error) {
	if req.ToolCallID == "" {
		req.ToolCallID = "call-" + req.ID
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	resp, err := t.s.call(wire.MethodRequest, wire.RequestParams{Type: wire.RequestApproval, Payload: payload})
	if err != nil {
		return "", err
	}
	if resp.Error != nil {
		return "", resp.Error
	}
	var ar wire.ApprovalResponse
	if err := json.Unmarshal(resp.Result, &ar); err != nil {
		return "", err
	}
	a := t.s.agent
	a.mu.Lock()
	a.approvals = append(a.approvals, ar)
	a.mu.Unlock()
	return ar.Response, nil
}

// StreamData sends one stream frame under the prompt id.
func (t *FakeTurn) StreamData(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return t.s.codec.Write(wire.NewFrame(t.ID, wire.StreamOpen, data))
}

// CloseStream closes the stream under the prompt id.
func (t *FakeTurn) CloseStream() error {
	return t.s.codec.Write(wire.NewFrame(t.ID, wire.StreamClose, nil))
}

// Attachment collects the frames the client streamed under the prompt id
// until the close frame.
func (t *FakeTurn) Attachment(timeout time.Duration) ([]json.RawMessage, error) {
	ch := t.s.frameChan(t.ID)
	deadline := time.After(timeout)
	var items []json.RawMessage
	for {
		select {
		case env := <-ch:
			if env.Stream == wire.StreamClose {
				return items, nil
			}
			items = append(items, env.Data)
		case <-deadline:
			return items, errors.New("attachment stream did not close")
		}
	}
}

// Send writes an arbitrary envelope.
func (t *FakeTurn) Send(env *wire.Envelope) error {
	return t.s.codec.Write(env)
}

// Raw writes a line as is, without validation.
func (t *FakeTurn) Raw(line string) error {
	_, err := fmt.Fprintln(t.s.w, line)
	return err
}

// Stderr writes a line to the agent's stderr.
func (t *FakeTurn) Stderr(line string) {
	if t.s.stderr != nil {
		_, _ = fmt.Fprintln(t.s.stderr, line)
	}
}

// Exit ends the agent with code, without answering the prompt.
func (t *FakeTurn) Exit(code int) {
	t.exited = true
	t.s.terminate(code)
}
