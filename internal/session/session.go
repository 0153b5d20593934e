package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/opencode-ai/agentloop/internal/dispatch"
	"github.com/opencode-ai/agentloop/internal/event"
	"github.com/opencode-ai/agentloop/internal/logging"
	"github.com/opencode-ai/agentloop/internal/metrics"
	"github.com/opencode-ai/agentloop/internal/provider"
	"github.com/opencode-ai/agentloop/internal/ratelimit"
	"github.com/opencode-ai/agentloop/internal/tool"
	"github.com/opencode-ai/agentloop/internal/toolcall"
	"github.com/opencode-ai/agentloop/pkg/types"
)

const (
	// MaxSteps is the default number of turns one Run may take.
	MaxSteps = 50
	// MaxParseAttempts is the default number of failed parses of the call
	// at one block index before that call is abandoned.
	MaxParseAttempts = 3
	// DefaultMaxTokens is the output budget requested when none is set.
	DefaultMaxTokens = 8192
)

// State is the position of a session in its turn loop.
type State int

const (
	Idle State = iota
	AwaitingRateClearance
	Streaming
	Finalizing
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingRateClearance:
		return "awaiting_rate_clearance"
	case Streaming:
		return "streaming"
	case Finalizing:
		return "finalizing"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Callbacks receive incremental output. They are never called concurrently
// and may be left nil.
type Callbacks struct {
	OnText         func(fragment string)
	OnThinking     func(fragment string)
	OnToolStart    func(name string, arguments map[string]any)
	OnToolProgress func(message string, fraction float64)
	OnToolResult   func(result types.ToolResult)
	OnError        func(message string, recoverable bool)
}

// Options configures a Session. Transport is required.
type Options struct {
	Transport provider.Transport
	// Limiter is shared by every session of the process. Nil gives the
	// session a private limiter with all classes disabled.
	Limiter *ratelimit.Limiter
	// Dispatcher runs tool calls. Nil builds one over Registry.
	Dispatcher *dispatch.Dispatcher
	// Registry declares the tools offered to the model. Nil offers none.
	Registry *tool.Registry

	Model          string
	System         string
	MaxTokens      int
	ThinkingBudget int
	MaxSteps       int
	// MaxParseAttempts bounds the failed parses of one call before it is
	// abandoned. Values above toolcall.MaxAttempts have no effect.
	MaxParseAttempts int
	// ToolTimeout is the deadline of each tool call. Zero uses the
	// dispatcher's timeout.
	ToolTimeout time.Duration
	Priority    ratelimit.Priority
	// Formats sets the tool-call argument formats, in precedence order.
	Formats []toolcall.Format
	// History seeds the conversation.
	History []types.Message

	Callbacks Callbacks
	Bus       *event.Bus
	Metrics   *metrics.Metrics
	Logger    *zerolog.Logger
	// ID overrides the generated session ID.
	ID string
}

// Session is one conversation. Run and Continue must not overlap; the
// accessors are safe to call from any goroutine.
type Session struct {
	id         string
	opts       Options
	limiter    *ratelimit.Limiter
	dispatcher *dispatch.Dispatcher
	tools      []provider.ToolSpec
	toolNames  []string
	buffer     *toolcall.Buffer
	base       zerolog.Logger // without a component
	log        zerolog.Logger

	running atomic.Bool
	cbMu    sync.Mutex

	mu      sync.Mutex
	history []types.Message
	state   State
	usage   types.Usage
}

// New creates a session.
func New(opts Options) (*Session, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("session: transport is required")
	}
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = MaxSteps
	}
	if opts.MaxParseAttempts <= 0 {
		opts.MaxParseAttempts = MaxParseAttempts
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}
	if opts.ID == "" {
		opts.ID = ulid.Make().String()
	}

	s := &Session{
		id:         opts.ID,
		opts:       opts,
		limiter:    opts.Limiter,
		dispatcher: opts.Dispatcher,
		history:    types.CloneHistory(opts.History),
	}

	base := logging.Logger
	if opts.Logger != nil {
		base = *opts.Logger
	}
	s.base = base.With().Str("session", s.id).Logger()
	s.log = s.base.With().Str("component", "session").Logger()

	if s.limiter == nil {
		s.limiter = ratelimit.New(ratelimit.DefaultConfig(), ratelimit.WithLogger(s.base.With().Str("component", "ratelimit").Logger()))
	}
	if opts.Registry != nil {
		specs, err := opts.Registry.Specs()
		if err != nil {
			return nil, fmt.Errorf("session: %w", err)
		}
		s.tools = specs
		s.toolNames = opts.Registry.Names()
		if s.dispatcher == nil {
			s.dispatcher = dispatch.New(opts.Registry, dispatch.DefaultConfig(),
				dispatch.WithMetrics(opts.Metrics), dispatch.WithLogger(s.base.With().Str("component", "dispatch").Logger()))
		}
	}

	var bufOpts []toolcall.Option
	if len(opts.Formats) > 0 {
		bufOpts = append(bufOpts, toolcall.WithFormats(opts.Formats...))
	}
	s.buffer = toolcall.New(bufOpts...)
	s.log.Debug().Interface("formats", s.buffer.Formats()).Strs("tools", s.toolNames).Msg("Session created")
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// History returns a copy of the conversation.
func (s *Session) History() []types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return types.CloneHistory(s.history)
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Usage returns the tokens reported by the provider over the session.
func (s *Session) Usage() types.Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}

// Run appends a user message and drives the loop until a turn ends without
// tool calls. The returned history is a copy and is returned on error too.
func (s *Session) Run(ctx context.Context, userText string) ([]types.Message, error) {
	if !s.running.CompareAndSwap(false, true) {
		return s.History(), ErrBusy
	}
	defer s.running.Store(false)

	s.mu.Lock()
	s.history = append(s.history, types.NewUserText(userText))
	s.mu.Unlock()

	return s.run(ctx)
}

// Continue drives the loop from the current history, for example after a
// run ended with a recoverable error.
func (s *Session) Continue(ctx context.Context) ([]types.Message, error) {
	if !s.running.CompareAndSwap(false, true) {
		return s.History(), ErrBusy
	}
	defer s.running.Store(false)

	s.mu.Lock()
	n := len(s.history)
	ok := n > 0 && s.history[n-1].Role == types.RoleUser
	s.mu.Unlock()
	if !ok {
		return s.History(), ErrNothingToContinue
	}

	return s.run(ctx)
}

func (s *Session) setState(to State, step int) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.mu.Unlock()
	if from == to {
		return
	}
	s.log.Debug().Stringer("from", from).Stringer("to", to).Int("step", step).Msg("State changed")
	s.publish(event.SessionState, event.StateData{From: from.String(), To: to.String(), Step: step})
}

func (s *Session) commit(m types.Message) {
	s.mu.Lock()
	s.history = append(s.history, m)
	s.mu.Unlock()
	s.publish(event.MessageCommitted, event.MessageData{Message: m.Clone()})
}

func (s *Session) publish(typ event.Type, data any) {
	if s.opts.Bus == nil {
		return
	}
	s.opts.Bus.PublishSync(event.Event{Type: typ, SessionID: s.id, Data: data})
}

// callback serializes callback invocations.
func (s *Session) callback(fn func(cb Callbacks)) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	fn(s.opts.Callbacks)
}

func (s *Session) reportError(msg string, recoverable bool) {
	s.publish(event.SessionError, event.ErrorData{Message: msg, Recoverable: recoverable})
	s.callback(func(cb Callbacks) {
		if cb.OnError != nil {
			cb.OnError(msg, recoverable)
		}
	})
}
