package session_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compresr/turnstile/internal/admission"
	"github.com/compresr/turnstile/internal/history"
	"github.com/compresr/turnstile/internal/monitoring"
	"github.com/compresr/turnstile/internal/pool"
	"github.com/compresr/turnstile/internal/session"
	"github.com/compresr/turnstile/internal/upstream"
)

// =============================================================================
// FAKES
// =============================================================================

type step struct {
	frame upstream.Frame
	err   error
	delay time.Duration
}

func data(s string) step    { return step{frame: upstream.Frame{Data: []byte(s)}} }
func comment() step         { return step{frame: upstream.Frame{Comment: true}} }
func done() step            { return step{frame: upstream.Frame{Done: true}} }
func fail(err error) step   { return step{err: err} }
func content(s string) step { return data(`{"choices":[{"index":0,"delta":{"content":` + quote(s) + `}}]}`) }
func finish(reason string) step {
	return data(`{"choices":[{"index":0,"delta":{},"finish_reason":"` + reason + `"}]}`)
}
func usage(in, out int) step {
	b, _ := json.Marshal(map[string]any{"choices": []any{}, "usage": map[string]int{"prompt_tokens": in, "completion_tokens": out}})
	return data(string(b))
}

func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// script describes what the fake backend streams. hang makes the stream block
// after the last step until its context ends.
type script struct {
	steps []step
	hang  bool
}

type fakeStream struct {
	ctx    context.Context
	steps  []step
	hang   bool
	pos    int
	closed atomic.Int32
}

func (s *fakeStream) Next() (upstream.Frame, error) {
	if s.pos >= len(s.steps) {
		if s.hang {
			<-s.ctx.Done()
			return upstream.Frame{}, s.ctx.Err()
		}
		return upstream.Frame{}, io.EOF
	}
	st := s.steps[s.pos]
	s.pos++
	if st.delay > 0 {
		select {
		case <-time.After(st.delay):
		case <-s.ctx.Done():
			return upstream.Frame{}, s.ctx.Err()
		}
	}
	if st.err != nil {
		return upstream.Frame{}, st.err
	}
	return st.frame, nil
}

func (s *fakeStream) Close() error {
	s.closed.Add(1)
	return nil
}

type fakeConn struct {
	backend *fakeBackend
	closed  atomic.Int32
}

func (c *fakeConn) Stream(ctx context.Context, body []byte) (upstream.Stream, error) {
	return c.backend.stream(ctx, body)
}

func (c *fakeConn) Close() error {
	c.closed.Add(1)
	return nil
}

// fakeBackend is the dialer and the scripted upstream.
type fakeBackend struct {
	mu        sync.Mutex
	script    script
	streamErr error
	bodies    [][]byte
	streams   []*fakeStream
}

func (b *fakeBackend) Dial(context.Context) (upstream.Conn, error) {
	return &fakeConn{backend: b}, nil
}

func (b *fakeBackend) stream(ctx context.Context, body []byte) (upstream.Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bodies = append(b.bodies, body)
	if b.streamErr != nil {
		return nil, b.streamErr
	}
	s := &fakeStream{ctx: ctx, steps: b.script.steps, hang: b.script.hang}
	b.streams = append(b.streams, s)
	return s, nil
}

func (b *fakeBackend) lastStream() *fakeStream {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.streams) == 0 {
		return nil
	}
	return b.streams[len(b.streams)-1]
}

// countingPool records every acquire and release.
type countingPool struct {
	*pool.Pool
	acquires atomic.Int32
	mu       sync.Mutex
	releases []bool
}

func (p *countingPool) Acquire(ctx context.Context, timeout time.Duration) (*pool.Connection, error) {
	p.acquires.Add(1)
	return p.Pool.Acquire(ctx, timeout)
}

func (p *countingPool) Release(c *pool.Connection, healthy bool) {
	p.mu.Lock()
	p.releases = append(p.releases, healthy)
	p.mu.Unlock()
	p.Pool.Release(c, healthy)
}

func (p *countingPool) released() []bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]bool(nil), p.releases...)
}

type countingAdmission struct {
	*admission.Controller
	acquires atomic.Int32
	releases atomic.Int32
}

func (a *countingAdmission) Acquire(ctx context.Context) error {
	err := a.Controller.Acquire(ctx)
	if err == nil {
		a.acquires.Add(1)
	}
	return err
}

func (a *countingAdmission) Release() {
	a.releases.Add(1)
	a.Controller.Release()
}

type recordingSink struct {
	mu          sync.Mutex
	completions []monitoring.Completion
}

func (s *recordingSink) RecordCompletion(c monitoring.Completion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completions = append(s.completions, c)
}

func (s *recordingSink) all() []monitoring.Completion {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]monitoring.Completion(nil), s.completions...)
}

type harness struct {
	backend   *fakeBackend
	pool      *countingPool
	admission *countingAdmission
	sink      *recordingSink
	manager   *session.Manager
}

func newHarness(t *testing.T, sc script, cfg session.Config) *harness {
	t.Helper()
	h := &harness{backend: &fakeBackend{script: sc}, sink: &recordingSink{}}

	p, err := pool.New(pool.Config{MaxConnections: 2, AcquireTimeout: 200 * time.Millisecond}, h.backend)
	require.NoError(t, err)
	t.Cleanup(p.Close)
	h.pool = &countingPool{Pool: p}

	ac, err := admission.New(admission.Config{MaxConcurrentSessions: 4, Timeout: 200 * time.Millisecond})
	require.NoError(t, err)
	h.admission = &countingAdmission{Controller: ac}

	h.manager, err = session.NewManager(cfg, session.Deps{
		Pool:      h.pool,
		Admission: h.admission,
		Sink:      h.sink,
	})
	require.NoError(t, err)
	return h
}

func userRequest(text string) session.Request {
	return session.Request{Model: "claude-test", History: history.History{history.UserText(text)}, MaxTokens: 64}
}

func drain(seq func(func(session.Event) bool)) []session.Event {
	var out []session.Event
	for ev := range seq {
		out = append(out, ev)
	}
	return out
}

func types(events []session.Event) []session.EventType {
	out := make([]session.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

// settled asserts the exactly-once release contract.
func (h *harness) settled(t *testing.T, wantHealthy bool) {
	t.Helper()
	releases := h.pool.released()
	require.Len(t, releases, 1, "connection must be released exactly once")
	assert.Equal(t, wantHealthy, releases[0])
	assert.Equal(t, int32(1), h.admission.acquires.Load())
	assert.Equal(t, int32(1), h.admission.releases.Load())
	assert.Equal(t, 0, h.admission.Snapshot().InFlight)
	assert.Equal(t, 0, h.pool.Snapshot().InUse)
	require.Len(t, h.sink.all(), 1, "completion must be recorded exactly once")
}

// =============================================================================
// HAPPY PATHS
// =============================================================================

func TestSession_StreamsText(t *testing.T) {
	h := newHarness(t, script{steps: []step{content("Hel"), content("lo"), finish("stop"), usage(12, 3), done()}}, session.Config{})

	s := h.manager.New(context.Background(), userRequest("hi"))
	events := drain(s.Events(context.Background()))

	assert.Equal(t, []session.EventType{
		session.EventMessageStart,
		session.EventContentBlockStart,
		session.EventContentBlockDelta,
		session.EventContentBlockDelta,
		session.EventContentBlockStop,
		session.EventMessageDelta,
		session.EventMessageStop,
	}, types(events))
	assert.Equal(t, "Hel", events[2].Delta.Text)
	assert.Equal(t, "end_turn", events[5].StopReason)
	assert.Equal(t, session.Usage{InputTokens: 12, OutputTokens: 3}, *events[5].Usage)

	assert.Equal(t, session.StateCompleted, s.State())
	o, ok := s.Outcome()
	require.True(t, ok)
	assert.NoError(t, o.Err)

	h.settled(t, true)
	c := h.sink.all()[0]
	assert.Equal(t, monitoring.OutcomeCompleted, c.Outcome)
	assert.Equal(t, 12, c.InputTokens)
	assert.Equal(t, 3, c.OutputTokens)
	assert.False(t, c.Estimated)
	assert.Equal(t, "end_turn", c.StopReason)
	assert.Equal(t, len(events), c.Events)
	assert.Equal(t, 1, h.pool.Snapshot().Idle, "healthy connection returns to the idle set")
}

func TestSession_StreamsToolCall(t *testing.T) {
	h := newHarness(t, script{steps: []step{
		content("Checking."),
		data(`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"read_file","arguments":""}}]}}]}`),
		data(`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"path\":"}}]}}]}`),
		data(`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"a.go\"}"}}]}}]}`),
		finish("tool_calls"),
		done(),
	}}, session.Config{})

	s := h.manager.New(context.Background(), userRequest("read a.go"))
	msg, errInfo := session.Collect(s.Events(context.Background()))
	require.Nil(t, errInfo)
	require.NotNil(t, msg)

	assert.Equal(t, "tool_use", msg.StopReason)
	require.Len(t, msg.Content, 2)
	assert.Equal(t, "Checking.", msg.Content[0].Text)
	assert.Equal(t, "tool_use", msg.Content[1].Type)
	assert.Equal(t, "call_1", msg.Content[1].ID)
	assert.Equal(t, "read_file", msg.Content[1].Name)
	assert.JSONEq(t, `{"path":"a.go"}`, string(msg.Content[1].Input))
	assert.Equal(t, s.MessageID(), msg.ID)
	h.settled(t, true)

	c := h.sink.all()[0]
	assert.True(t, c.Estimated, "no usage chunk means estimated counts")
	assert.Positive(t, c.OutputTokens)
}

func TestSession_EOFAfterFinishCompletes(t *testing.T) {
	h := newHarness(t, script{steps: []step{content("ok"), finish("length")}}, session.Config{})

	s := h.manager.New(context.Background(), userRequest("hi"))
	events := drain(s.Events(context.Background()))

	require.NotEmpty(t, events)
	assert.Equal(t, session.EventMessageStop, events[len(events)-1].Type)
	assert.Equal(t, "max_tokens", events[len(events)-2].StopReason)
	h.settled(t, true)
}

func TestSession_CommentFramesBecomePings(t *testing.T) {
	h := newHarness(t, script{steps: []step{comment(), content("x"), finish("stop"), done()}}, session.Config{})

	events := drain(h.manager.New(context.Background(), userRequest("hi")).Events(context.Background()))
	assert.Equal(t, session.EventPing, events[1].Type)
}

func TestSession_HeartbeatWhileUpstreamSilent(t *testing.T) {
	first := content("late")
	first.delay = 150 * time.Millisecond
	h := newHarness(t, script{steps: []step{first, finish("stop"), done()}},
		session.Config{HeartbeatInterval: 20 * time.Millisecond})

	events := drain(h.manager.New(context.Background(), userRequest("hi")).Events(context.Background()))

	pings := 0
	for _, ev := range events {
		if ev.Type == session.EventPing {
			pings++
		}
	}
	assert.GreaterOrEqual(t, pings, 1)
	assert.Equal(t, session.EventMessageStop, events[len(events)-1].Type)
	h.settled(t, true)
}

func TestSession_RequestTranslated(t *testing.T) {
	h := newHarness(t, script{steps: []step{finish("stop"), done()}}, session.Config{})

	req := userRequest("hello")
	req.System = "be brief"
	drain(h.manager.New(context.Background(), req).Events(context.Background()))

	require.Len(t, h.backend.bodies, 1)
	var body struct {
		Model    string `json:"model"`
		Stream   bool   `json:"stream"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(h.backend.bodies[0], &body))
	assert.Equal(t, "claude-test", body.Model)
	assert.True(t, body.Stream)
	require.Len(t, body.Messages, 2)
	assert.Equal(t, "system", body.Messages[0].Role)
	assert.Equal(t, "hello", body.Messages[1].Content)
}

// =============================================================================
// FAILURES BEFORE CONNECTING
// =============================================================================

func TestSession_ValidationErrorNeverConnects(t *testing.T) {
	h := newHarness(t, script{}, session.Config{})

	req := session.Request{History: history.History{
		history.NewTurn(history.RoleUser, history.ToolResult{ToolUseID: "missing", Content: "x"}),
	}}
	s := h.manager.New(context.Background(), req)
	events := drain(s.Events(context.Background()))

	require.Equal(t, []session.EventType{session.EventMessageStart, session.EventError}, types(events))
	assert.Equal(t, session.TypeInvalidRequest, events[1].Error.Type)
	assert.Equal(t, session.StateFailed, s.State())

	assert.Zero(t, h.pool.acquires.Load())
	assert.Zero(t, h.admission.acquires.Load())
	assert.Zero(t, h.admission.releases.Load())
	require.Len(t, h.sink.all(), 1)
	assert.Equal(t, "validation", h.sink.all()[0].ErrorKind)
}

func TestSession_LoopDetectedNeverConnects(t *testing.T) {
	h := newHarness(t, script{}, session.Config{})

	args := json.RawMessage(`{"path":"a.go"}`)
	req := session.Request{History: history.History{
		history.UserText("go"),
		history.NewTurn(history.RoleAssistant, history.NewToolUse("t1", "read", args)),
		history.NewTurn(history.RoleUser, history.ToolResult{ToolUseID: "t1", Content: "x"}),
		history.NewTurn(history.RoleAssistant, history.NewToolUse("t2", "read", args)),
		history.NewTurn(history.RoleUser, history.ToolResult{ToolUseID: "t2", Content: "x"}),
	}}
	events := drain(h.manager.New(context.Background(), req).Events(context.Background()))

	require.Len(t, events, 2)
	assert.Equal(t, session.TypeLoopDetected, events[1].Error.Type)
	assert.Zero(t, h.pool.acquires.Load())
}

func TestSession_AdmissionTimeoutIsOverloaded(t *testing.T) {
	h := newHarness(t, script{}, session.Config{})
	for range 4 {
		require.NoError(t, h.admission.Controller.Acquire(context.Background()))
	}

	events := drain(h.manager.New(context.Background(), userRequest("hi")).Events(context.Background()))

	require.Len(t, events, 2)
	assert.Equal(t, session.TypeOverloaded, events[1].Error.Type)
	assert.True(t, session.RetryableType(events[1].Error.Type))
	assert.Zero(t, h.pool.acquires.Load())
	assert.Zero(t, h.admission.releases.Load())
}

func TestSession_PoolTimeoutIsOverloaded(t *testing.T) {
	h := newHarness(t, script{}, session.Config{})
	c1, err := h.pool.Pool.Acquire(context.Background(), 0)
	require.NoError(t, err)
	c2, err := h.pool.Pool.Acquire(context.Background(), 0)
	require.NoError(t, err)
	defer h.pool.Pool.Release(c1, true)
	defer h.pool.Pool.Release(c2, true)

	events := drain(h.manager.New(context.Background(), userRequest("hi")).Events(context.Background()))

	require.Len(t, events, 2)
	assert.Equal(t, session.TypeOverloaded, events[1].Error.Type)
	assert.Empty(t, h.pool.released(), "no connection was leased")
	assert.Equal(t, int32(1), h.admission.releases.Load())
	assert.Equal(t, "pool_timeout", h.sink.all()[0].ErrorKind)
}

// =============================================================================
// FAULT INJECTION
// =============================================================================

func TestSession_UpstreamStatusError(t *testing.T) {
	h := newHarness(t, script{}, session.Config{})
	h.backend.streamErr = &upstream.Error{Phase: upstream.PhaseStatus, StatusCode: 429, Message: "slow down"}

	events := drain(h.manager.New(context.Background(), userRequest("hi")).Events(context.Background()))

	require.Len(t, events, 2)
	assert.Equal(t, session.TypeRateLimit, events[1].Error.Type)
	h.settled(t, false)
}

func TestSession_UpstreamFailsMidStream(t *testing.T) {
	h := newHarness(t, script{steps: []step{content("par"), fail(errors.New("connection reset by peer"))}}, session.Config{})

	s := h.manager.New(context.Background(), userRequest("hi"))
	events := drain(s.Events(context.Background()))

	last := events[len(events)-1]
	assert.Equal(t, session.EventError, last.Type)
	assert.Equal(t, session.TypeAPI, last.Error.Type)
	assert.Equal(t, "upstream", h.sink.all()[0].ErrorKind)
	for _, ev := range events[:len(events)-1] {
		assert.NotEqual(t, session.EventError, ev.Type, "exactly one error event")
	}
	assert.Equal(t, session.StateFailed, s.State())
	h.settled(t, false)
	assert.Equal(t, int32(1), h.backend.lastStream().closed.Load())
}

func TestSession_MalformedChunkFails(t *testing.T) {
	h := newHarness(t, script{steps: []step{data(`{"choices":[`)}, hang: true}, session.Config{})

	events := drain(h.manager.New(context.Background(), userRequest("hi")).Events(context.Background()))

	assert.Equal(t, session.EventError, events[len(events)-1].Type)
	h.settled(t, false)
}

func TestSession_TruncatedStreamFails(t *testing.T) {
	h := newHarness(t, script{steps: []step{content("abc")}}, session.Config{})

	events := drain(h.manager.New(context.Background(), userRequest("hi")).Events(context.Background()))

	last := events[len(events)-1]
	require.Equal(t, session.EventError, last.Type)
	assert.Contains(t, last.Error.Message, "finish_reason")
	h.settled(t, false)
}

func TestSession_DeadlineExceeded(t *testing.T) {
	h := newHarness(t, script{steps: []step{content("slow")}, hang: true},
		session.Config{StreamMaxDuration: 80 * time.Millisecond})

	s := h.manager.New(context.Background(), userRequest("hi"))
	start := time.Now()
	events := drain(s.Events(context.Background()))

	assert.Less(t, time.Since(start), 2*time.Second)
	last := events[len(events)-1]
	require.Equal(t, session.EventError, last.Type)
	assert.Equal(t, session.TypeTimeout, last.Error.Type)
	assert.Equal(t, session.StateFailed, s.State())
	h.settled(t, false)
	assert.Equal(t, "deadline_exceeded", h.sink.all()[0].ErrorKind)
}

func TestSession_ConsumerAbandons(t *testing.T) {
	h := newHarness(t, script{steps: []step{content("a"), content("b")}, hang: true}, session.Config{})

	s := h.manager.New(context.Background(), userRequest("hi"))
	var got []session.EventType
	for ev := range s.Events(context.Background()) {
		got = append(got, ev.Type)
		if ev.Type == session.EventContentBlockDelta {
			break
		}
	}

	assert.Equal(t, session.EventContentBlockDelta, got[len(got)-1])
	assert.Equal(t, session.StateCancelled, s.State())
	h.settled(t, false)
	assert.Equal(t, int32(1), h.backend.lastStream().closed.Load())
	assert.Equal(t, monitoring.OutcomeCancelled, h.sink.all()[0].Outcome)
}

func TestSession_BreakOnMessageStopStillCompletes(t *testing.T) {
	h := newHarness(t, script{steps: []step{content("a"), finish("stop"), done()}}, session.Config{})

	s := h.manager.New(context.Background(), userRequest("hi"))
	for ev := range s.Events(context.Background()) {
		if ev.Type == session.EventMessageStop {
			break
		}
	}

	assert.Equal(t, session.StateCompleted, s.State())
	h.settled(t, true)
}

func TestSession_BreakOnMessageDeltaStillCompletes(t *testing.T) {
	h := newHarness(t, script{steps: []step{content("a"), finish("stop"), done()}}, session.Config{})

	s := h.manager.New(context.Background(), userRequest("hi"))
	for ev := range s.Events(context.Background()) {
		if ev.Type == session.EventMessageDelta {
			break
		}
	}

	assert.Equal(t, session.StateCompleted, s.State())
	h.settled(t, true)
	assert.Equal(t, "completed", string(h.sink.all()[0].Outcome))
	assert.Equal(t, "end_turn", h.sink.all()[0].StopReason)
}

func TestSession_BreakBeforeMessageDeltaCancels(t *testing.T) {
	h := newHarness(t, script{steps: []step{content("a"), finish("stop"), done()}}, session.Config{})

	s := h.manager.New(context.Background(), userRequest("hi"))
	for ev := range s.Events(context.Background()) {
		if ev.Type == session.EventContentBlockStop {
			break
		}
	}

	assert.Equal(t, session.StateCancelled, s.State())
	h.settled(t, false)
}

func TestSession_ParentContextCancelled(t *testing.T) {
	h := newHarness(t, script{steps: []step{content("a")}, hang: true}, session.Config{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := h.manager.New(ctx, userRequest("hi"))

	var events []session.Event
	for ev := range s.Events(ctx) {
		events = append(events, ev)
		if ev.Type == session.EventContentBlockDelta {
			cancel()
		}
	}

	for _, ev := range events {
		assert.NotEqual(t, session.EventError, ev.Type, "cancellation sends no error event")
	}
	assert.Equal(t, session.StateCancelled, s.State())
	h.settled(t, false)
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func TestSession_EventsNotRestartable(t *testing.T) {
	h := newHarness(t, script{steps: []step{finish("stop"), done()}}, session.Config{})

	s := h.manager.New(context.Background(), userRequest("hi"))
	assert.NotEmpty(t, drain(s.Events(context.Background())))
	assert.Empty(t, drain(s.Events(context.Background())))
	require.Len(t, h.sink.all(), 1)
}

func TestSession_CloseBeforeStart(t *testing.T) {
	h := newHarness(t, script{}, session.Config{})

	s := h.manager.New(context.Background(), userRequest("hi"))
	s.Close()
	s.Close()

	assert.Equal(t, session.StateCancelled, s.State())
	assert.Empty(t, drain(s.Events(context.Background())))
	assert.Zero(t, h.pool.acquires.Load())
	require.Len(t, h.sink.all(), 1)
}

func TestSession_ConnectionReused(t *testing.T) {
	h := newHarness(t, script{steps: []step{finish("stop"), done()}}, session.Config{})

	for range 2 {
		drain(h.manager.New(context.Background(), userRequest("hi")).Events(context.Background()))
	}

	all := h.sink.all()
	require.Len(t, all, 2)
	assert.False(t, all[0].ConnectionReused)
	assert.True(t, all[1].ConnectionReused)
	assert.Equal(t, all[0].ConnectionID, all[1].ConnectionID)
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, session.WithDefaults(session.Config{}).Validate())
	assert.Error(t, session.Config{StreamMaxDuration: -1, HeartbeatInterval: time.Second}.Validate())
	assert.Error(t, session.Config{StreamMaxDuration: time.Second}.Validate())

	_, err := session.NewManager(session.Config{}, session.Deps{})
	assert.Error(t, err)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "streaming", session.StateStreaming.String())
	assert.True(t, session.StateCancelled.Terminal())
	assert.False(t, session.StateConnecting.Terminal())
}
