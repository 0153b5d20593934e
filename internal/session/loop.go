package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/opencode-ai/agentloop/internal/dispatch"
	"github.com/opencode-ai/agentloop/internal/event"
	"github.com/opencode-ai/agentloop/internal/provider"
	"github.com/opencode-ai/agentloop/internal/stream"
	"github.com/opencode-ai/agentloop/pkg/types"
)

// turnResult summarizes one model turn.
type turnResult struct {
	usage      types.Usage
	stopReason string
	toolCalls  int
	// failed holds the calls that could not be executed because their
	// arguments never parsed or the stream cut them off.
	failed []types.ErrorBlock
	// abandoned counts the failed calls whose parse attempts ran out.
	abandoned int
}

// run executes turns until one ends without tool calls. Calls that fail to
// parse are answered in history and never end the run; MaxSteps bounds it.
func (s *Session) run(ctx context.Context) ([]types.Message, error) {
	ctx = dispatch.WithScope(ctx, s.id)
	if s.dispatcher != nil {
		s.dispatcher.ResetScope(s.id)
	}
	s.setState(Idle, 0)
	s.publish(event.SessionStarted, event.StartedData{Model: s.opts.Model, Tools: s.toolNames})

	var (
		usage  types.Usage
		reason string
	)
	for step := 1; ; step++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return s.cancelled(step-1, usage, reason, ctxErr)
		}
		if step > s.opts.MaxSteps {
			err := fmt.Errorf("%w (%d)", ErrMaxSteps, s.opts.MaxSteps)
			s.log.Warn().Int("maxSteps", s.opts.MaxSteps).Msg("Step limit reached")
			s.reportError(err.Error(), false)
			return s.fail(step-1, usage, reason, err)
		}

		out, err := s.turn(ctx, step)
		usage = addUsage(usage, out.usage)
		if out.stopReason != "" {
			reason = out.stopReason
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return s.cancelled(step, usage, reason, ctxErr)
			}
			s.log.Error().Err(err).Int("step", step).Msg("Turn failed")
			s.reportError(err.Error(), Recoverable(err))
			return s.fail(step, usage, reason, fmt.Errorf("turn %d: %w", step, err))
		}

		if len(out.failed) == 0 {
			s.buffer.Reset()
		}

		if out.toolCalls == 0 && len(out.failed) == 0 {
			s.setState(Done, step)
			s.opts.Metrics.Turn("done")
			s.log.Info().Int("steps", step).Str("stopReason", reason).Msg("Session done")
			s.publish(event.SessionDone, event.DoneData{Steps: step, StopReason: reason, Usage: usage})
			return s.History(), nil
		}
		s.opts.Metrics.Turn("tools")
		s.setState(Idle, step)
	}
}

func (s *Session) cancelled(step int, usage types.Usage, reason string, err error) ([]types.Message, error) {
	s.log.Info().Int("step", step).Msg("Session cancelled")
	return s.fail(step, usage, reason, fmt.Errorf("session cancelled: %w", err))
}

func (s *Session) fail(step int, usage types.Usage, reason string, err error) ([]types.Message, error) {
	s.setState(Failed, step)
	s.opts.Metrics.Turn("failed")
	s.publish(event.SessionDone, event.DoneData{Steps: step, StopReason: reason, Usage: usage, Failed: true})
	return s.History(), err
}

// turn runs one request/response cycle and the tools it asked for. Nothing
// is committed when the stream fails, so the history stays replayable.
func (s *Session) turn(ctx context.Context, step int) (turnResult, error) {
	var out turnResult
	req := s.request()

	s.setState(AwaitingRateClearance, step)
	est := Estimate(req)
	if s.limiter.Wait(est, s.opts.Priority) > 0 {
		s.publish(event.RateLimitWait, event.RateLimitWaitData{EstimatedTokens: est.InputTokens + est.OutputTokens})
	}
	if err := s.limiter.Reserve(ctx, est, s.opts.Priority); err != nil {
		return out, err
	}

	s.setState(Streaming, step)
	src, err := s.opts.Transport.Open(ctx, req)
	if err != nil {
		return out, err
	}
	defer src.Close()

	demux := stream.New(s.buffer, s.handler(), &s.base)
	res, err := demux.Run(ctx, src)
	out.usage = res.Usage
	out.stopReason = res.StopReason
	s.account(res.Usage, src.Metadata().RateLimit)
	if err != nil {
		return out, err
	}

	s.setState(Finalizing, step)
	msg := res.Message()
	if len(msg.Content) > 0 {
		s.commit(msg)
	}
	for _, pe := range res.ParseErrors {
		s.opts.Metrics.ParseFailed()
		text := pe.Error()
		if pe.Exhausted || s.buffer.Attempts(pe.Index) >= s.opts.MaxParseAttempts {
			s.buffer.Discard(pe.Index)
			out.abandoned++
			text += "; call abandoned"
			s.log.Warn().Int("index", pe.Index).Str("tool", pe.Name).Int("attempts", pe.Attempts).Msg("Giving up on tool call")
		}
		s.reportError(text, true)
	}
	for _, b := range msg.Content {
		eb, ok := b.(types.ErrorBlock)
		if !ok {
			continue
		}
		out.failed = append(out.failed, eb)
		if eb.Kind == types.ErrorKindTruncated {
			s.reportError(eb.Message, true)
		}
	}

	reqs := res.Requests()
	out.toolCalls = len(reqs)
	var results []types.ToolResult
	if len(reqs) > 0 {
		results = s.execute(ctx, reqs)
	}
	if len(results) > 0 || len(out.failed) > 0 {
		s.commit(toolMessage(results, out.failed, out.abandoned))
	}

	s.log.Debug().
		Int("step", step).
		Int("blocks", len(msg.Content)).
		Int("tools", len(reqs)).
		Int("failed", len(out.failed)).
		Str("stopReason", res.StopReason).
		Msg("Turn finished")
	return out, nil
}

func (s *Session) request() *provider.Request {
	return &provider.Request{
		Model:          s.opts.Model,
		System:         s.opts.System,
		Messages:       s.History(),
		Tools:          s.tools,
		MaxTokens:      s.opts.MaxTokens,
		ThinkingBudget: s.opts.ThinkingBudget,
	}
}

func (s *Session) handler() stream.Handler {
	return stream.HandlerFuncs{
		Text: func(index int, fragment string) {
			s.publish(event.TextDelta, event.DeltaData{Index: index, Delta: fragment})
			s.callback(func(cb Callbacks) {
				if cb.OnText != nil {
					cb.OnText(fragment)
				}
			})
		},
		Thinking: func(index int, fragment string) {
			s.publish(event.ThinkingDelta, event.DeltaData{Index: index, Delta: fragment})
			s.callback(func(cb Callbacks) {
				if cb.OnThinking != nil {
					cb.OnThinking(fragment)
				}
			})
		},
	}
}

// account feeds provider feedback to the limiter.
func (s *Session) account(usage types.Usage, info types.RateLimitInfo) {
	s.limiter.Record(usage)
	s.limiter.Observe(info)
	s.mu.Lock()
	s.usage = addUsage(s.usage, usage)
	s.mu.Unlock()
}

// execute dispatches the calls concurrently. Results are in call order.
func (s *Session) execute(ctx context.Context, reqs []types.ToolCallRequest) []types.ToolResult {
	if s.dispatcher == nil {
		results := make([]types.ToolResult, len(reqs))
		for i, req := range reqs {
			results[i] = types.ErrorResult(req.CallID, req.Name, types.ErrorKindUnknownTool,
				fmt.Sprintf("unknown tool %q: no tools are available", req.Name))
		}
		return results
	}

	ctx = dispatch.WithHooks(ctx, dispatch.Hooks{
		Start: func(req types.ToolCallRequest) {
			s.publish(event.ToolStarted, event.ToolStartedData{CallID: req.CallID, Name: req.Name, Arguments: req.Arguments})
			s.callback(func(cb Callbacks) {
				if cb.OnToolStart != nil {
					cb.OnToolStart(req.Name, req.Arguments)
				}
			})
		},
		Progress: func(callID, message string, fraction float64) {
			s.publish(event.ToolProgress, event.ToolProgressData{CallID: callID, Message: message, Fraction: fraction})
			s.callback(func(cb Callbacks) {
				if cb.OnToolProgress != nil {
					cb.OnToolProgress(message, fraction)
				}
			})
		},
		Done: func(result types.ToolResult, elapsed time.Duration) {
			s.publish(event.ToolCompleted, event.ToolCompletedData{Result: result, Duration: elapsed})
			s.callback(func(cb Callbacks) {
				if cb.OnToolResult != nil {
					cb.OnToolResult(result)
				}
			})
		},
	})

	var deadline func(types.ToolCallRequest) time.Time
	if s.opts.ToolTimeout > 0 {
		deadline = func(types.ToolCallRequest) time.Time {
			return time.Now().Add(s.opts.ToolTimeout)
		}
	}
	return s.dispatcher.ExecuteAll(ctx, reqs, deadline)
}

// toolMessage builds the user message answering a turn: one result block
// per executed call, then a request to re-issue the calls that never ran.
func toolMessage(results []types.ToolResult, failed []types.ErrorBlock, abandoned int) types.Message {
	content := make([]types.ContentBlock, 0, len(results)+1)
	for _, r := range results {
		content = append(content, types.ToolResultBlock{ToolResult: r})
	}
	if len(failed) > 0 {
		content = append(content, types.TextBlock{Text: reissuePrompt(failed, abandoned)})
	}
	return types.Message{Role: types.RoleUser, Content: content}
}

func reissuePrompt(failed []types.ErrorBlock, abandoned int) string {
	var b strings.Builder
	b.WriteString("These tool calls were not executed:\n")
	for _, f := range failed {
		name := f.Name
		if name == "" {
			name = "(unnamed)"
		}
		fmt.Fprintf(&b, "- %s: %s\n", name, f.Message)
	}
	if abandoned > 0 {
		fmt.Fprintf(&b, "%d of them failed to parse too many times and were abandoned; use a different approach for those.\n", abandoned)
	}
	switch {
	case abandoned == 0:
		b.WriteString("Issue them again with complete, valid JSON arguments.")
	case abandoned < len(failed):
		b.WriteString("Issue the others again with complete, valid JSON arguments.")
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func addUsage(a, b types.Usage) types.Usage {
	return types.Usage{
		InputTokens:  a.InputTokens + b.InputTokens,
		OutputTokens: a.OutputTokens + b.OutputTokens,
	}
}
