// Package session runs one completion request end-to-end.
//
// DESIGN: A Session is a lazy, single-use event sequence (iter.Seq[Event]).
// Ranging over it drives the whole lifecycle on the consumer's goroutine:
//
//	New ──normalize──► Admitted ──pool──► Connecting ──2xx──► Streaming
//	                                                            │
//	                          Completed | Failed | Cancelled ◄──┘
//
// Every resource acquired along the way is released by a single deferred
// teardown guarded by sync.Once, so the pooled connection, the admission slot
// and the usage tracker are settled exactly once on every exit path: normal
// end, upstream error, deadline, consumer break or panic.
//
// Upstream frames are read by one goroutine and handed over an unbuffered
// channel, so a slow consumer suspends the reader instead of queueing frames.
//
// FILES:
//   - session.go:    Manager, Session, state machine
//   - translator.go: chat completion chunks → Messages API events
//   - events.go:     Event model and wire encoding
//   - errors.go:     error taxonomy and Classify
//   - tracker.go:    usage tracker and completion record
//   - collect.go:    non-streaming aggregation
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/compresr/turnstile/internal/history"
	"github.com/compresr/turnstile/internal/monitoring"
	"github.com/compresr/turnstile/internal/pool"
	"github.com/compresr/turnstile/internal/tokens"
	"github.com/compresr/turnstile/internal/upstream"
)

const (
	DefaultStreamMaxDuration = 10 * time.Minute
	DefaultHeartbeatInterval = 15 * time.Second

	// drainTimeout bounds how long a completed stream may take to reach EOF.
	drainTimeout = time.Second
)

// errInterrupted marks a session whose run ended without a terminal transition (a panic).
var errInterrupted = errors.New("session interrupted")

// Config contains the per-session limits.
type Config struct {
	StreamMaxDuration time.Duration `yaml:"stream_max_duration"` // Overall deadline from Connecting
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`  // Ping when upstream is silent this long
	AcquireTimeout    time.Duration `yaml:"acquire_timeout"`     // Pool wait; 0 uses the pool default
}

// WithDefaults fills unset fields.
func WithDefaults(cfg Config) Config {
	if cfg.StreamMaxDuration == 0 {
		cfg.StreamMaxDuration = DefaultStreamMaxDuration
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	return cfg
}

// Validate checks the session limits.
func (c Config) Validate() error {
	if c.StreamMaxDuration <= 0 {
		return fmt.Errorf("session.stream_max_duration must be positive")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("session.heartbeat_interval must be positive")
	}
	if c.AcquireTimeout < 0 {
		return fmt.Errorf("session.acquire_timeout cannot be negative")
	}
	return nil
}

// =============================================================================
// STATE
// =============================================================================

// State is a session lifecycle state.
type State int32

const (
	StateNew State = iota
	StateAdmitted
	StateConnecting
	StateStreaming
	StateCompleted
	StateFailed
	StateCancelled
)

var stateNames = [...]string{"new", "admitted", "connecting", "streaming", "completed", "failed", "cancelled"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Terminal reports whether s is Completed, Failed or Cancelled.
func (s State) Terminal() bool { return s >= StateCompleted }

func (s State) outcome() monitoring.Outcome {
	switch s {
	case StateCompleted:
		return monitoring.OutcomeCompleted
	case StateCancelled:
		return monitoring.OutcomeCancelled
	}
	return monitoring.OutcomeFailed
}

// Outcome is the terminal result of a session.
type Outcome struct {
	State State
	Err   error      // nil for Completed
	Error *ErrorInfo // the error event sent downstream, nil for Completed and Cancelled
}

// =============================================================================
// MANAGER
// =============================================================================

// ConnPool is the connection pool as seen by a session.
type ConnPool interface {
	Acquire(ctx context.Context, timeout time.Duration) (*pool.Connection, error)
	Release(c *pool.Connection, healthy bool)
}

// Admitter is the admission controller as seen by a session.
type Admitter interface {
	Acquire(ctx context.Context) error
	Release()
}

// Deps are the collaborators shared by all sessions of a Manager.
type Deps struct {
	Normalizer    *history.Normalizer
	Pool          ConnPool
	Admission     Admitter
	Estimator     tokens.Estimator          // defaults to tokens.Approx
	Sink          monitoring.CompletionSink // optional
	ModelOverride string                    // replaces the client's model upstream
}

// Manager creates sessions.
type Manager struct {
	cfg  Config
	deps Deps
}

// NewManager validates cfg and deps.
func NewManager(cfg Config, deps Deps) (*Manager, error) {
	cfg = WithDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Pool == nil {
		return nil, errors.New("session: connection pool is required")
	}
	if deps.Admission == nil {
		return nil, errors.New("session: admission controller is required")
	}
	if deps.Normalizer == nil {
		deps.Normalizer = history.NewNormalizer(history.Config{})
	}
	if deps.Estimator == nil {
		deps.Estimator = tokens.Approx{BytesPerToken: tokens.DefaultBytesPerToken}
	}
	return &Manager{cfg: cfg, deps: deps}, nil
}

// Config returns the effective configuration.
func (m *Manager) Config() Config { return m.cfg }

// Request is one client completion request.
type Request struct {
	Model         string
	System        string
	History       history.History
	Tools         []upstream.Tool
	MaxTokens     int
	Temperature   *float64
	TopP          *float64
	StopSequences []string
}

// New creates a session for req. Nothing is acquired until Events is ranged
// over. The request ID is taken from ctx.
func (m *Manager) New(ctx context.Context, req Request) *Session {
	s := &Session{
		id:        uuid.NewString(),
		messageID: "msg_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		requestID: monitoring.RequestIDFromContext(ctx),
		mgr:       m,
		req:       req,
	}
	s.logger = log.With().
		Str("component", "session").
		Str("session_id", s.id).
		Str("request_id", s.requestID).
		Logger()
	return s
}

// =============================================================================
// SESSION
// =============================================================================

// Session is the lifecycle of one request. It is not safe for concurrent
// iteration; State and Outcome may be read from any goroutine.
type Session struct {
	id        string
	messageID string
	requestID string
	mgr       *Manager
	req       Request
	logger    zerolog.Logger

	started    atomic.Bool
	state      atomic.Int32
	finishOnce sync.Once

	mu      sync.Mutex
	outcome Outcome

	// Owned by the iterating goroutine.
	stopped    bool // yield returned false
	admitted   bool
	conn       *pool.Connection
	tracker    *Tracker
	stopReason string
}

// ID returns the session ID.
func (s *Session) ID() string { return s.id }

// MessageID returns the ID reported in message_start.
func (s *Session) MessageID() string { return s.messageID }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Outcome returns the terminal result; ok is false while the session runs.
func (s *Session) Outcome() (Outcome, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome, s.outcome.State.Terminal()
}

// Events returns the session's event sequence. The sequence is not
// restartable: only the first range over it runs the session, later ones
// yield nothing. Breaking out of the range cancels the session and closes the
// upstream connection.
func (s *Session) Events(ctx context.Context) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		if !s.started.CompareAndSwap(false, true) {
			return
		}
		s.run(ctx, yield)
	}
}

// Close settles a session that was never iterated. It is a no-op once
// Events has started.
func (s *Session) Close() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	s.tracker = newTracker(time.Now(), 0)
	s.terminate(StateCancelled, context.Canceled, nil)
	s.finish()
}

func (s *Session) run(parent context.Context, yield func(Event) bool) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	s.tracker = newTracker(time.Now(), 0)
	defer s.finish()

	nh, normErr := s.mgr.deps.Normalizer.Normalize(s.req.History)
	estimateFrom := []history.Turn(nh)
	if normErr != nil {
		estimateFrom = s.req.History
	}
	s.tracker.estimatedInput = tokens.CountHistory(s.mgr.deps.Estimator, s.req.System, estimateFrom)

	if !s.emit(yield, Event{
		Type:    EventMessageStart,
		Message: &MessageInfo{ID: s.messageID, Model: s.model()},
		Usage:   &Usage{InputTokens: s.tracker.estimatedInput},
	}) {
		s.cancel()
		return
	}
	if normErr != nil {
		s.fail(yield, normErr)
		return
	}

	if err := s.mgr.deps.Admission.Acquire(ctx); err != nil {
		s.abort(ctx, yield, err)
		return
	}
	s.admitted = true
	s.setState(StateAdmitted)

	body, err := upstream.BuildRequest(upstream.Request{
		Model:         s.req.Model,
		System:        s.req.System,
		History:       nh,
		Tools:         s.req.Tools,
		MaxTokens:     s.req.MaxTokens,
		Temperature:   s.req.Temperature,
		TopP:          s.req.TopP,
		StopSequences: s.req.StopSequences,
	}, s.mgr.deps.ModelOverride)
	if err != nil {
		s.fail(yield, err)
		return
	}

	conn, err := s.mgr.deps.Pool.Acquire(ctx, s.mgr.cfg.AcquireTimeout)
	if err != nil {
		s.abort(ctx, yield, err)
		return
	}
	s.conn = conn
	s.setState(StateConnecting)

	streamCtx, cancelStream := context.WithTimeout(ctx, s.mgr.cfg.StreamMaxDuration)
	defer cancelStream()

	stream, err := conn.Stream(streamCtx, body)
	if err != nil {
		s.abortStream(ctx, streamCtx, yield, err)
		return
	}
	s.setState(StateStreaming)
	s.logger.Debug().Uint64("conn_id", conn.ID()).Bool("reused", conn.Reused()).Msg("session: streaming")

	s.pump(ctx, streamCtx, cancelStream, stream, yield)
}

type frameResult struct {
	frame upstream.Frame
	err   error
}

// pump relays upstream frames until a terminal transition.
func (s *Session) pump(ctx, streamCtx context.Context, cancelStream context.CancelFunc, stream upstream.Stream, yield func(Event) bool) {
	frames := make(chan frameResult)
	quit := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			f, err := stream.Next()
			select {
			case frames <- frameResult{frame: f, err: err}:
			case <-quit:
				return
			}
			if err != nil || f.Done {
				return
			}
		}
	}()

	completed := false
	defer func() {
		close(quit)
		if completed {
			// Let a finished body reach EOF so the socket can be reused, but not forever.
			stop := time.AfterFunc(drainTimeout, cancelStream)
			<-done
			_ = stream.Close()
			stop.Stop()
			return
		}
		cancelStream()
		<-done
		_ = stream.Close()
	}()

	interval := s.mgr.cfg.HeartbeatInterval
	heartbeat := time.NewTimer(interval)
	defer heartbeat.Stop()

	tr := newTranslator()
	for {
		select {
		case <-ctx.Done():
			s.cancel()
			return

		case <-streamCtx.Done():
			if ctx.Err() != nil {
				s.cancel()
				return
			}
			s.fail(yield, deadlineError(s.mgr.cfg.StreamMaxDuration))
			return

		case <-heartbeat.C:
			if !s.emit(yield, Event{Type: EventPing}) {
				s.cancel()
				return
			}
			heartbeat.Reset(interval)

		case fr := <-frames:
			if !heartbeat.Stop() {
				select {
				case <-heartbeat.C:
				default:
				}
			}
			heartbeat.Reset(interval)

			if fr.err != nil {
				if errors.Is(fr.err, io.EOF) {
					if tr.finished() {
						completed = true
						s.complete(yield, tr)
						return
					}
					s.fail(yield, upstream.StreamError("stream ended before a finish_reason"))
					return
				}
				err := fr.err
				var uerr *upstream.Error
				if !errors.As(err, &uerr) {
					err = &upstream.Error{Phase: upstream.PhaseStream, Message: "read failed", Cause: err}
				}
				s.abortStream(ctx, streamCtx, yield, err)
				return
			}

			s.tracker.frame(len(fr.frame.Data))
			switch {
			case fr.frame.Comment:
				if !s.emit(yield, Event{Type: EventPing}) {
					s.cancel()
					return
				}
			case fr.frame.Done:
				completed = true
				s.complete(yield, tr)
				return
			default:
				events, err := tr.chunk(fr.frame.Data)
				if err != nil {
					s.fail(yield, err)
					return
				}
				for _, ev := range events {
					if !s.emit(yield, ev) {
						s.cancel()
						return
					}
				}
			}
		}
	}
}

// =============================================================================
// TRANSITIONS
// =============================================================================

func (s *Session) model() string {
	if s.req.Model != "" {
		return s.req.Model
	}
	return s.mgr.deps.ModelOverride
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// terminate records the terminal transition; only the first one counts.
func (s *Session) terminate(st State, err error, info *ErrorInfo) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outcome.State.Terminal() {
		return false
	}
	s.outcome = Outcome{State: st, Err: err, Error: info}
	s.setState(st)
	return true
}

// emit yields ev unless the consumer already stopped.
func (s *Session) emit(yield func(Event) bool, ev Event) bool {
	if s.stopped {
		return false
	}
	s.tracker.event()
	if !yield(ev) {
		s.stopped = true
		return false
	}
	return true
}

func (s *Session) cancel() {
	if s.terminate(StateCancelled, context.Canceled, nil) {
		s.logger.Debug().Msg("session: cancelled by consumer")
	}
}

// fail records Failed and sends the single terminal error event.
func (s *Session) fail(yield func(Event) bool, err error) {
	info := Classify(err)
	if !s.terminate(StateFailed, err, &info) {
		return
	}
	s.logger.Warn().Err(err).Str("kind", string(info.Kind)).Str("state", s.State().String()).Msg("session: failed")
	s.emit(yield, Event{Type: EventError, Error: &info})
}

// abort handles a failure while waiting for a resource: a cancelled parent
// context means the consumer is gone.
func (s *Session) abort(ctx context.Context, yield func(Event) bool, err error) {
	if ctx.Err() != nil {
		s.cancel()
		return
	}
	s.fail(yield, err)
}

// abortStream is abort for the Connecting/Streaming span, where the stream
// context may also have hit the session deadline.
func (s *Session) abortStream(ctx, streamCtx context.Context, yield func(Event) bool, err error) {
	switch {
	case ctx.Err() != nil:
		s.cancel()
	case errors.Is(streamCtx.Err(), context.DeadlineExceeded):
		s.fail(yield, deadlineError(s.mgr.cfg.StreamMaxDuration))
	default:
		s.fail(yield, err)
	}
}

// complete emits the closing events. The session counts as Completed once
// message_delta was delivered.
func (s *Session) complete(yield func(Event) bool, tr *translator) {
	s.tracker.reported = tr.usage
	s.tracker.reportedSeen = tr.usageSeen
	s.tracker.estimatedOut = s.mgr.deps.Estimator.Count(tr.output.String())
	s.stopReason = tr.stopReason()

	// events ends with message_delta, message_stop.
	events := tr.complete(s.tracker.usage())
	delta := len(events) - 2
	for _, ev := range events[:delta] {
		if !s.emit(yield, ev) {
			s.cancel()
			return
		}
	}
	if s.stopped {
		s.cancel()
		return
	}
	// Delivered even if the consumer stops right here.
	s.emit(yield, events[delta])
	s.terminate(StateCompleted, nil, nil)
	s.emit(yield, events[delta+1])
}

// finish is the single teardown for every exit path.
func (s *Session) finish() {
	s.finishOnce.Do(func() {
		s.terminate(StateFailed, errInterrupted, &ErrorInfo{Type: TypeAPI, Message: errInterrupted.Error(), Kind: KindInternal})
		o, _ := s.Outcome()

		var (
			connID uint64
			reused bool
		)
		if s.conn != nil {
			connID, reused = s.conn.ID(), s.conn.Reused()
			s.mgr.deps.Pool.Release(s.conn, o.State == StateCompleted)
		}
		if s.admitted {
			s.mgr.deps.Admission.Release()
		}

		c := monitoring.Completion{
			RequestID:        s.requestID,
			SessionID:        s.id,
			MessageID:        s.messageID,
			Model:            s.model(),
			Outcome:          o.State.outcome(),
			StopReason:       s.stopReason,
			ConnectionID:     connID,
			ConnectionReused: reused,
		}
		if o.Error != nil {
			c.ErrorKind = string(o.Error.Kind)
			c.Error = truncate(o.Error.Message, 500)
		}
		completion, first := s.tracker.Finalize(c, time.Now())
		if first && s.mgr.deps.Sink != nil {
			s.mgr.deps.Sink.RecordCompletion(completion)
		}

		s.logger.Info().
			Str("outcome", string(completion.Outcome)).
			Str("error_kind", completion.ErrorKind).
			Int("input_tokens", completion.InputTokens).
			Int("output_tokens", completion.OutputTokens).
			Int("events", completion.Events).
			Dur("duration", completion.Duration).
			Msg("session finished")
	})
}
