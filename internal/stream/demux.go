// Package stream demultiplexes provider stream events into content blocks.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"

	"github.com/opencode-ai/agentloop/internal/logging"
	"github.com/opencode-ai/agentloop/internal/provider"
	"github.com/opencode-ai/agentloop/internal/toolcall"
	"github.com/opencode-ai/agentloop/pkg/types"
)

// Handler receives text and thinking fragments as they arrive.
type Handler interface {
	OnText(index int, fragment string)
	OnThinking(index int, fragment string)
}

// HandlerFuncs adapts plain functions to Handler. Nil fields are skipped.
type HandlerFuncs struct {
	Text     func(index int, fragment string)
	Thinking func(index int, fragment string)
}

func (h HandlerFuncs) OnText(index int, fragment string) {
	if h.Text != nil {
		h.Text(index, fragment)
	}
}

func (h HandlerFuncs) OnThinking(index int, fragment string) {
	if h.Thinking != nil {
		h.Thinking(index, fragment)
	}
}

type blockState int

const (
	stateUnstarted blockState = iota
	stateOpen
	stateClosed
)

func (s blockState) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateClosed:
		return "closed"
	default:
		return "unstarted"
	}
}

// ProtocolError reports an event that does not fit the block state machine.
// The event is ignored; the stream continues.
type ProtocolError struct {
	Index  int
	Event  string
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol violation at block %d (%s): %s", e.Index, e.Event, e.Reason)
}

type block struct {
	index    int
	kind     types.BlockKind
	state    blockState
	text     strings.Builder
	sig      strings.Builder
	callID   string
	name     string
	redacted string
	final    types.ContentBlock
}

// Result is the outcome of one stream.
type Result struct {
	// Blocks are in BlockStart order.
	Blocks      []types.ContentBlock
	Calls       []toolcall.ParsedCall
	ParseErrors []*toolcall.ParseError
	Violations  []*ProtocolError
	Usage       types.Usage
	StopReason  string
	// Truncated is set when any block was still open at the end.
	Truncated bool
}

// Message returns the assistant message holding the blocks.
func (r Result) Message() types.Message {
	content := make([]types.ContentBlock, len(r.Blocks))
	copy(content, r.Blocks)
	return types.Message{Role: types.RoleAssistant, Content: content}
}

// Requests returns the dispatcher requests for the parsed calls.
func (r Result) Requests() []types.ToolCallRequest {
	reqs := make([]types.ToolCallRequest, len(r.Calls))
	for i, c := range r.Calls {
		reqs[i] = c.Request()
	}
	return reqs
}

// Demux applies events to per-index block state machines. It is driven by
// one goroutine.
type Demux struct {
	buffer  *toolcall.Buffer
	handler Handler
	log     zerolog.Logger

	blocks  map[int]*block
	order   []*block
	calls   []toolcall.ParsedCall
	perrs   []*toolcall.ParseError
	viols   []*ProtocolError
	usage   types.Usage
	reason  string
	stopped bool
	trunc   bool
}

// New creates a demultiplexer. Tool-use fragments are routed to buffer.
// A nil handler discards fragments.
func New(buffer *toolcall.Buffer, handler Handler, logger *zerolog.Logger) *Demux {
	if buffer == nil {
		buffer = toolcall.New()
	}
	if handler == nil {
		handler = HandlerFuncs{}
	}
	log := logging.Component("stream")
	if logger != nil {
		log = logger.With().Str("component", "stream").Logger()
	}
	return &Demux{
		buffer:  buffer,
		handler: handler,
		log:     log,
		blocks:  make(map[int]*block),
	}
}

// Push applies one event. A returned *ProtocolError means the event was
// ignored.
func (d *Demux) Push(ev types.StreamEvent) error {
	if d.stopped {
		return d.violation(-1, "event", "event after message stop")
	}

	switch e := ev.(type) {
	case types.BlockStart:
		return d.start(e)
	case types.BlockDelta:
		return d.delta(e)
	case types.BlockStop:
		return d.stop(e)
	case types.MessageStop:
		d.reason = e.StopReason
		d.finish()
		return nil
	case types.UsageUpdate:
		d.usage = d.usage.Merge(e.Usage)
		return nil
	case types.UnknownEvent:
		d.log.Debug().Str("type", e.Type).Msg("ignoring unknown stream event")
		return nil
	case nil:
		return d.violation(-1, "event", "nil event")
	default:
		d.log.Debug().Str("type", fmt.Sprintf("%T", ev)).Msg("ignoring unknown stream event")
		return nil
	}
}

func (d *Demux) start(e types.BlockStart) error {
	// A closed index may be reused by a later block; both are kept in order.
	if b, ok := d.blocks[e.Index]; ok && b.state != stateClosed {
		return d.violation(e.Index, "block_start", "block already "+b.state.String())
	}
	switch e.Kind {
	case types.KindText, types.KindThinking, types.KindToolUse:
	default:
		return d.violation(e.Index, "block_start", fmt.Sprintf("unknown block kind %q", e.Kind))
	}

	b := &block{index: e.Index, kind: e.Kind, state: stateOpen, callID: e.CallID, name: e.Name, redacted: e.Redacted}
	d.blocks[e.Index] = b
	d.order = append(d.order, b)
	if e.Kind == types.KindToolUse {
		d.buffer.Start(e.Index, e.CallID, e.Name)
	}
	return nil
}

func (d *Demux) delta(e types.BlockDelta) error {
	b, ok := d.blocks[e.Index]
	if !ok {
		return d.violation(e.Index, "block_delta", "block unstarted")
	}
	if b.state != stateOpen {
		return d.violation(e.Index, "block_delta", "block "+b.state.String())
	}

	switch {
	case b.kind == types.KindText && e.Kind == types.DeltaText:
		b.text.WriteString(e.Fragment)
		d.handler.OnText(e.Index, e.Fragment)
	case b.kind == types.KindThinking && e.Kind == types.DeltaThinking:
		b.text.WriteString(e.Fragment)
		d.handler.OnThinking(e.Index, e.Fragment)
	case b.kind == types.KindThinking && e.Kind == types.DeltaSignature:
		b.sig.WriteString(e.Fragment)
	case b.kind == types.KindToolUse && e.Kind == types.DeltaArguments:
		if e.CallID != "" && b.callID == "" {
			b.callID = e.CallID
		}
		d.buffer.Append(e.Index, e.Fragment, e.CallID)
	default:
		return d.violation(e.Index, "block_delta", fmt.Sprintf("%s delta on %s block", e.Kind, b.kind))
	}
	return nil
}

func (d *Demux) stop(e types.BlockStop) error {
	b, ok := d.blocks[e.Index]
	if !ok {
		return d.violation(e.Index, "block_stop", "block unstarted")
	}
	if b.state != stateOpen {
		return d.violation(e.Index, "block_stop", "block "+b.state.String())
	}
	d.finalize(b, false)
	return nil
}

// finalize closes b. Truncated tool calls are never parsed.
func (d *Demux) finalize(b *block, truncated bool) {
	b.state = stateClosed
	if truncated {
		d.trunc = true
	}

	switch b.kind {
	case types.KindText:
		b.final = types.TextBlock{Text: b.text.String(), Truncated: truncated}

	case types.KindThinking:
		b.final = types.ThinkingBlock{Text: b.text.String(), Signature: b.sig.String(), Redacted: b.redacted, Truncated: truncated}

	case types.KindToolUse:
		if truncated {
			raw := d.buffer.Discard(b.index)
			b.final = types.ErrorBlock{
				CallID:    b.callID,
				Name:      b.name,
				Kind:      types.ErrorKindTruncated,
				Message:   "tool call cut off before its arguments completed",
				Raw:       raw,
				Truncated: true,
			}
			return
		}

		call, err := d.buffer.Finalize(b.index)
		if err != nil {
			var perr *toolcall.ParseError
			if !errors.As(err, &perr) {
				perr = &toolcall.ParseError{Index: b.index, CallID: b.callID, Name: b.name, Err: err}
			}
			d.perrs = append(d.perrs, perr)
			d.log.Warn().
				Int("index", b.index).
				Str("tool", b.name).
				Int("attempts", perr.Attempts).
				Err(perr.Err).
				Msg("tool call arguments unparseable")
			b.final = types.ErrorBlock{
				CallID:  perr.CallID,
				Name:    perr.Name,
				Kind:    types.ErrorKindParse,
				Message: perr.Error(),
				Raw:     perr.Raw,
			}
			return
		}
		d.calls = append(d.calls, call)
		b.final = call.Block()
	}
}

// finish ends the message; open blocks are finalized as truncated.
func (d *Demux) finish() {
	if d.stopped {
		return
	}
	d.stopped = true
	for _, b := range d.order {
		if b.state == stateOpen {
			d.log.Warn().Int("index", b.index).Str("kind", string(b.kind)).Msg("block still open at message stop")
			d.finalize(b, true)
		}
	}
}

func (d *Demux) violation(index int, event, reason string) error {
	err := &ProtocolError{Index: index, Event: event, Reason: reason}
	d.viols = append(d.viols, err)
	d.log.Warn().Err(err).Msg("ignoring stream event")
	return err
}

// Abandon drops all buffered tool-call state.
func (d *Demux) Abandon() {
	if pending := d.buffer.Pending(); len(pending) > 0 {
		d.log.Debug().Ints("indices", pending).Msg("abandoning buffered tool calls")
	}
	d.buffer.Reset()
}

// Result returns the blocks finalized so far.
func (d *Demux) Result() Result {
	res := Result{
		Calls:       append([]toolcall.ParsedCall(nil), d.calls...),
		ParseErrors: append([]*toolcall.ParseError(nil), d.perrs...),
		Violations:  append([]*ProtocolError(nil), d.viols...),
		Usage:       d.usage,
		StopReason:  d.reason,
		Truncated:   d.trunc,
	}
	for _, b := range d.order {
		if b.final != nil {
			res.Blocks = append(res.Blocks, b.final)
		}
	}
	return res
}

// Run drives src to completion. The stream is closed when ctx ends, in
// which case buffered tool calls are abandoned and ctx's error is returned.
// Read failures are returned as *provider.TransportError together with the
// partial result.
func (d *Demux) Run(ctx context.Context, src provider.Stream) (Result, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = src.Close()
	})
	defer stop()

	for !d.stopped {
		ev, err := src.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				d.Abandon()
				return d.Result(), fmt.Errorf("stream cancelled: %w", ctxErr)
			}
			var te *provider.TransportError
			if !errors.As(err, &te) {
				err = &provider.TransportError{Provider: "stream", Op: "recv", Err: err}
			}
			d.finish()
			return d.Result(), err
		}
		_ = d.Push(ev)
	}

	if !d.stopped {
		d.log.Warn().Msg("stream ended without message stop")
		d.finish()
	}

	meta := src.Metadata()
	d.usage = d.usage.Merge(meta.Usage)
	if d.reason == "" {
		d.reason = meta.StopReason
	}
	return d.Result(), nil
}
