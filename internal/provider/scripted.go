package provider

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/opencode-ai/agentloop/pkg/types"
)

// Turn scripts one Open call of a Scripted transport.
type Turn struct {
	Events    []types.StreamEvent
	Usage     types.Usage
	RateLimit types.RateLimitInfo
	// OpenErr fails Open itself.
	OpenErr error
	// RecvErr is returned after the events instead of io.EOF.
	RecvErr error
	// Hang blocks after the events until the context ends or the stream
	// is closed.
	Hang bool
}

// Scripted replays canned turns in order. It records every request.
type Scripted struct {
	mu       sync.Mutex
	turns    []Turn
	requests []*Request
}

// NewScripted creates a transport that replays turns.
func NewScripted(turns ...Turn) *Scripted {
	return &Scripted{turns: turns}
}

// ID returns "scripted".
func (s *Scripted) ID() string { return "scripted" }

// Push appends more turns.
func (s *Scripted) Push(turns ...Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, turns...)
}

// Requests returns the requests seen so far.
func (s *Scripted) Requests() []*Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// Open pops the next turn.
func (s *Scripted) Open(ctx context.Context, req *Request) (Stream, error) {
	s.mu.Lock()
	cp := *req
	cp.Messages = types.CloneHistory(req.Messages)
	s.requests = append(s.requests, &cp)
	if len(s.turns) == 0 {
		s.mu.Unlock()
		return nil, &TransportError{Provider: s.ID(), Op: "open", Err: errors.New("script exhausted")}
	}
	turn := s.turns[0]
	s.turns = s.turns[1:]
	s.mu.Unlock()

	if turn.OpenErr != nil {
		return nil, wrapError(s.ID(), "open", turn.OpenErr)
	}
	return newScriptedStream(ctx, turn), nil
}

type scriptedStream struct {
	ctx    context.Context
	turn   Turn
	pos    int
	done   chan struct{}
	once   sync.Once
	closed bool
	mu     sync.Mutex
}

func newScriptedStream(ctx context.Context, turn Turn) *scriptedStream {
	if turn.RateLimit == (types.RateLimitInfo{}) {
		turn.RateLimit = types.NoRateLimitInfo()
	}
	return &scriptedStream{ctx: ctx, turn: turn, done: make(chan struct{})}
}

func (s *scriptedStream) Recv() (types.StreamEvent, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, &TransportError{Provider: "scripted", Op: "recv", Err: errClosed}
	}
	if err := s.ctx.Err(); err != nil {
		return nil, &TransportError{Provider: "scripted", Op: "recv", Err: err}
	}

	if s.pos < len(s.turn.Events) {
		ev := s.turn.Events[s.pos]
		s.pos++
		return ev, nil
	}
	if s.turn.RecvErr != nil {
		return nil, wrapError("scripted", "recv", s.turn.RecvErr)
	}
	if s.turn.Hang {
		select {
		case <-s.ctx.Done():
			return nil, &TransportError{Provider: "scripted", Op: "recv", Err: s.ctx.Err()}
		case <-s.done:
			return nil, &TransportError{Provider: "scripted", Op: "recv", Err: errClosed}
		}
	}
	return nil, io.EOF
}

func (s *scriptedStream) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
	})
	return nil
}

func (s *scriptedStream) Metadata() Metadata {
	return Metadata{Usage: s.turn.Usage, RateLimit: s.turn.RateLimit}
}

// TextEvents returns a complete text block at index.
func TextEvents(index int, fragments ...string) []types.StreamEvent {
	events := []types.StreamEvent{types.BlockStart{Index: index, Kind: types.KindText}}
	for _, f := range fragments {
		events = append(events, types.BlockDelta{Index: index, Kind: types.DeltaText, Fragment: f})
	}
	return append(events, types.BlockStop{Index: index})
}

// ThinkingEvents returns a complete thinking block at index.
func ThinkingEvents(index int, fragments ...string) []types.StreamEvent {
	events := []types.StreamEvent{types.BlockStart{Index: index, Kind: types.KindThinking}}
	for _, f := range fragments {
		events = append(events, types.BlockDelta{Index: index, Kind: types.DeltaThinking, Fragment: f})
	}
	return append(events, types.BlockStop{Index: index})
}

// ToolUseEvents returns a complete tool-use block at index whose arguments
// arrive as the given fragments.
func ToolUseEvents(index int, callID, name string, fragments ...string) []types.StreamEvent {
	events := []types.StreamEvent{types.BlockStart{Index: index, Kind: types.KindToolUse, CallID: callID, Name: name}}
	for _, f := range fragments {
		events = append(events, types.BlockDelta{Index: index, Kind: types.DeltaArguments, Fragment: f})
	}
	return append(events, types.BlockStop{Index: index})
}

// Message joins event groups and terminates them with a MessageStop.
func Message(stopReason string, groups ...[]types.StreamEvent) []types.StreamEvent {
	var events []types.StreamEvent
	for _, g := range groups {
		events = append(events, g...)
	}
	return append(events, types.MessageStop{StopReason: stopReason})
}

// Echo answers every request with the last user text. It needs no network
// and backs the CLI's offline mode.
type Echo struct{}

// ID returns "echo".
func (Echo) ID() string { return "echo" }

// Open streams the echoed text word by word.
func (Echo) Open(ctx context.Context, req *Request) (Stream, error) {
	text := req.LastUserText()
	if text == "" {
		text = "(nothing to echo)"
	}
	words := strings.SplitAfter(text, " ")
	turn := Turn{
		Events: Message("end_turn", TextEvents(0, words...)),
		Usage: types.Usage{
			InputTokens:  len(req.Messages) * 4,
			OutputTokens: len(words),
		},
	}
	return newScriptedStream(ctx, turn), nil
}
