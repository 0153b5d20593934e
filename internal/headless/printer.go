package headless

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/opencode-ai/agentloop/internal/event"
	"github.com/opencode-ai/agentloop/pkg/types"
)

// Printer renders session events in one of the output formats and collects
// the final Result.
type Printer struct {
	mu       sync.Mutex
	writer   io.Writer
	format   OutputFormat
	quiet    bool
	verbose  bool
	lineOpen bool

	unsubscribe  func()
	cancelStream context.CancelFunc
	streamDone   chan struct{}

	startTime time.Time
	result    *Result
	toolCalls []ToolCall
	inputs    map[string]map[string]any
}

// NewPrinter creates a new event printer.
func NewPrinter(writer io.Writer, format OutputFormat, quiet, verbose bool) *Printer {
	return &Printer{
		writer:    writer,
		format:    format,
		quiet:     quiet,
		verbose:   verbose,
		startTime: time.Now(),
		result: &Result{
			Status:   "running",
			ExitCode: ExitSuccess,
		},
		inputs: make(map[string]map[string]any),
	}
}

// Attach starts listening to bus. JSONL output reads the bus stream so the
// lines carry the same encoding other stream consumers see.
func (p *Printer) Attach(bus *event.Bus) error {
	p.unsubscribe = bus.SubscribeAll(p.handleEvent)
	if p.format != OutputJSONL {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	raws, err := bus.Stream(ctx)
	if err != nil {
		cancel()
		p.Detach()
		return err
	}
	p.cancelStream = cancel
	p.streamDone = make(chan struct{})
	go p.writeStream(raws)
	return nil
}

// Detach stops listening and waits for buffered JSONL lines to be written.
func (p *Printer) Detach() {
	if p.unsubscribe != nil {
		p.unsubscribe()
		p.unsubscribe = nil
	}
	if p.cancelStream != nil {
		p.cancelStream()
		<-p.streamDone
		p.cancelStream = nil
	}
}

// SetSessionID sets the session ID for the printer.
func (p *Printer) SetSessionID(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.result.SessionID = sessionID
}

// SetModel updates the model in the result.
func (p *Printer) SetModel(model string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.result.Model = model
}

// SetTokens updates token usage in the result.
func (p *Printer) SetTokens(usage types.Usage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.result.Tokens = usage
}

// SetResult updates the result with final values.
func (p *Printer) SetResult(status string, exitCode ExitCode, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.result.Status = status
	p.result.ExitCode = exitCode
	if err != nil {
		p.result.Error = err.Error()
	}
	p.result.DurationMS = time.Since(p.startTime).Milliseconds()
}

// GetResult returns the current result.
func (p *Printer) GetResult() *Result {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.result.DurationMS = time.Since(p.startTime).Milliseconds()
	p.result.ToolCalls = p.toolCalls
	res := *p.result
	return &res
}

// Retrying reports that a failed run is about to be continued.
func (p *Printer) Retrying(err error, wait time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.format != OutputText || p.quiet {
		return
	}
	p.line("[retry] %v; continuing in %s", err, formatDuration(wait))
}

// PrintFinalResult prints the final JSON result (for json format).
func (p *Printer) PrintFinalResult() {
	if p.format != OutputJSON {
		return
	}

	result := p.GetResult()
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return
	}
	fmt.Fprintln(p.writer, string(data))
}

// handleEvent runs on the publishing goroutine.
func (p *Printer) handleEvent(e event.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.trackEvent(e)
	if p.format == OutputText {
		p.handleTextEvent(e)
	}
}

// handleTextEvent outputs events in human-readable text format.
func (p *Printer) handleTextEvent(e event.Event) {
	if e.Type == event.TextDelta {
		if data, ok := e.Data.(event.DeltaData); ok && data.Delta != "" {
			fmt.Fprint(p.writer, data.Delta)
			p.lineOpen = !strings.HasSuffix(data.Delta, "\n")
		}
		return
	}
	if p.quiet {
		return
	}

	switch data := e.Data.(type) {
	case event.StartedData:
		p.line("[session:%s] %s, tools: %s", truncateID(e.SessionID), data.Model, strings.Join(data.Tools, ", "))

	case event.DeltaData:
		if e.Type == event.ThinkingDelta && p.verbose && data.Delta != "" {
			fmt.Fprint(p.writer, data.Delta)
			p.lineOpen = !strings.HasSuffix(data.Delta, "\n")
		}

	case event.ToolStartedData:
		info := formatToolInfo(data.Name, data.Arguments)
		if info == "" && !p.verbose {
			return
		}
		p.line("[tool:%s] %s", data.Name, info)

	case event.ToolProgressData:
		if p.verbose {
			p.line("[progress] %s (%.0f%%)", data.Message, data.Fraction*100)
		}

	case event.ToolCompletedData:
		r := data.Result
		if r.IsError() {
			p.line("[tool:%s] Error (%s): %s", r.Name, r.ErrorKind, truncateOutput(r.Text(), 200))
		} else if p.verbose {
			p.line("[tool:%s] Done in %s", r.Name, formatDuration(data.Duration))
		}

	case event.RateLimitWaitData:
		p.line("[ratelimit] waiting for capacity (~%d tokens)", data.EstimatedTokens)

	case event.StateData:
		if p.verbose {
			p.line("[state] %s -> %s (step %d)", data.From, data.To, data.Step)
		}

	case event.ErrorData:
		suffix := ""
		if data.Recoverable {
			suffix = " (recoverable)"
		}
		p.line("[error] %s%s", data.Message, suffix)

	case event.DoneData:
		label, verb := "[done]", "completed"
		if data.Failed {
			label, verb = "[failed]", "stopped"
		}
		p.line("%s Session %s in %s after %d steps (input: %d tokens, output: %d tokens)",
			label, verb, formatDuration(time.Since(p.startTime)), data.Steps,
			data.Usage.InputTokens, data.Usage.OutputTokens)
	}
}

// line writes one status line, ending any streamed text first.
func (p *Printer) line(format string, args ...any) {
	if p.lineOpen {
		fmt.Fprintln(p.writer)
		p.lineOpen = false
	}
	fmt.Fprintf(p.writer, format+"\n", args...)
}

// writeStream outputs events in JSONL format.
func (p *Printer) writeStream(raws <-chan event.Raw) {
	defer close(p.streamDone)
	for raw := range raws {
		if !p.verbose && !isImportantEvent(raw.Type) {
			continue
		}
		data, err := json.Marshal(raw)
		if err != nil {
			continue
		}
		p.mu.Lock()
		fmt.Fprintln(p.writer, string(data))
		p.mu.Unlock()
	}
}

// trackEvent tracks events for the final result.
func (p *Printer) trackEvent(e event.Event) {
	switch data := e.Data.(type) {
	case event.StartedData:
		p.result.Attempts++

	case event.MessageData:
		if data.Message.Role == types.RoleAssistant {
			if text := data.Message.Text(); text != "" {
				p.result.FinalMessage = text
			}
		}

	case event.ToolStartedData:
		p.inputs[data.CallID] = data.Arguments

	case event.ToolCompletedData:
		p.trackToolCall(data)

	case event.DoneData:
		p.result.Steps += data.Steps
	}
}

// trackToolCall tracks tool call information for the result.
func (p *Printer) trackToolCall(data event.ToolCompletedData) {
	r := data.Result
	call := ToolCall{
		Tool:       r.Name,
		CallID:     r.CallID,
		Input:      p.inputs[r.CallID],
		DurationMS: data.Duration.Milliseconds(),
	}
	delete(p.inputs, r.CallID)
	if r.IsError() {
		call.Error = *r.Error
		call.ErrorKind = r.ErrorKind
	} else {
		call.Output = truncateOutput(r.Text(), 500)
	}
	p.toolCalls = append(p.toolCalls, call)
}

// Helper functions

func truncateID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func truncateOutput(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
}

func formatToolInfo(name string, input map[string]any) string {
	if input == nil {
		return ""
	}

	switch name {
	case "edit":
		if path, ok := input["filePath"].(string); ok {
			return fmt.Sprintf("Editing %s", path)
		}
	case "bash":
		if cmd, ok := input["command"].(string); ok {
			cmd = strings.Split(cmd, "\n")[0]
			if len(cmd) > 60 {
				cmd = cmd[:60] + "..."
			}
			return fmt.Sprintf("$ %s", cmd)
		}
	case "glob":
		if pattern, ok := input["pattern"].(string); ok {
			return fmt.Sprintf("Searching: %s", pattern)
		}
	case "webfetch":
		if url, ok := input["url"].(string); ok {
			return fmt.Sprintf("Fetching: %s", url)
		}
	case "computer":
		if action, ok := input["action"].(string); ok {
			return fmt.Sprintf("Browser: %s", action)
		}
	}

	return ""
}

func isImportantEvent(eventType event.Type) bool {
	switch eventType {
	case event.SessionState, event.ThinkingDelta, event.ToolProgress:
		return false
	default:
		return true
	}
}
