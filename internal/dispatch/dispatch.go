// Package dispatch executes parsed tool calls against the tool registry.
//
// Execute never panics past its boundary and never blocks past the call's
// deadline: every failure, including a tool that ignores its context, comes
// back as a types.ToolResult with Error set.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agnivade/levenshtein"
	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/sync/errgroup"

	"github.com/opencode-ai/agentloop/internal/backoff"
	"github.com/opencode-ai/agentloop/internal/logging"
	"github.com/opencode-ai/agentloop/internal/metrics"
	"github.com/opencode-ai/agentloop/internal/permission"
	"github.com/opencode-ai/agentloop/internal/tool"
	"github.com/opencode-ai/agentloop/pkg/types"
)

const (
	DefaultTimeout        = 120 * time.Second
	DefaultMaxOutputBytes = 5 * 1024 * 1024
)

// RetryConfig controls retries of idempotent tools after execution errors.
type RetryConfig struct {
	// Attempts is the number of retries after the first run. Zero disables.
	Attempts int            `yaml:"attempts"`
	Policy   backoff.Policy `yaml:"policy"`
}

// Config configures a Dispatcher.
type Config struct {
	// Timeout applies when Execute is given a zero deadline.
	Timeout time.Duration `yaml:"timeout"`
	// MaxOutputBytes caps tool output; the excess is replaced by a marker.
	MaxOutputBytes int `yaml:"maxOutputBytes"`
	// Concurrency bounds ExecuteAll. Zero means unbounded.
	Concurrency int `yaml:"concurrency"`
	// RepeatLimit is the number of identical consecutive calls accepted.
	// Zero disables the check.
	RepeatLimit int         `yaml:"repeatLimit"`
	Retry       RetryConfig `yaml:"retry"`
}

// DefaultConfig returns the dispatcher defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:        DefaultTimeout,
		MaxOutputBytes: DefaultMaxOutputBytes,
		RepeatLimit:    permission.DefaultRepeatLimit,
		Retry: RetryConfig{
			Attempts: 2,
			Policy:   backoff.Policy{Base: 500 * time.Millisecond, Multiplier: 2, Cap: 5 * time.Second},
		},
	}
}

// ProgressFunc receives intermediate tool status.
type ProgressFunc func(callID, message string, fraction float64)

// Dispatcher validates and runs tool calls.
type Dispatcher struct {
	registry *tool.Registry
	cfg      Config
	repeat   *permission.RepeatGuard
	workDir  string
	progress ProgressFunc
	metrics  *metrics.Metrics
	log      zerolog.Logger

	mu      sync.Mutex
	schemas map[string]*jsonschema.Schema // keyed by raw schema text
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithProgress forwards tool progress reports to fn.
func WithProgress(fn ProgressFunc) Option {
	return func(d *Dispatcher) { d.progress = fn }
}

// WithWorkDir sets the working directory handed to tools.
func WithWorkDir(dir string) Option {
	return func(d *Dispatcher) { d.workDir = dir }
}

// WithMetrics records executions in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(log zerolog.Logger) Option {
	return func(d *Dispatcher) { d.log = log }
}

// New creates a dispatcher over registry. Unset config fields take their
// defaults; RepeatLimit and Retry.Attempts are used as given.
func New(registry *tool.Registry, cfg Config, opts ...Option) *Dispatcher {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = def.MaxOutputBytes
	}
	if cfg.Retry.Policy == (backoff.Policy{}) {
		cfg.Retry.Policy = def.Retry.Policy
	}
	d := &Dispatcher{
		registry: registry,
		cfg:      cfg,
		repeat:   permission.NewRepeatGuard(cfg.RepeatLimit),
		log:      logging.Component("dispatch"),
		schemas:  make(map[string]*jsonschema.Schema),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Config returns the effective configuration.
func (d *Dispatcher) Config() Config {
	return d.cfg
}

type scopeKey struct{}

// WithScope tags ctx with the conversation the calls belong to. Repeated
// calls are only compared within one scope.
func WithScope(ctx context.Context, scope string) context.Context {
	return context.WithValue(ctx, scopeKey{}, scope)
}

func scopeFrom(ctx context.Context) string {
	s, _ := ctx.Value(scopeKey{}).(string)
	return s
}

// Hooks observe the calls made with a context. Start and Done run on the
// calling goroutine of Execute; Progress runs on the tool's goroutine.
type Hooks struct {
	Start    func(req types.ToolCallRequest)
	Progress ProgressFunc
	Done     func(result types.ToolResult, elapsed time.Duration)
}

type hooksKey struct{}

// WithHooks attaches hooks to ctx. They run in addition to WithProgress.
func WithHooks(ctx context.Context, h Hooks) context.Context {
	return context.WithValue(ctx, hooksKey{}, h)
}

func hooksFrom(ctx context.Context) Hooks {
	h, _ := ctx.Value(hooksKey{}).(Hooks)
	return h
}

// ResetScope forgets the repeat history of scope.
func (d *Dispatcher) ResetScope(scope string) {
	d.repeat.Reset(scope)
}

// Execute runs one call. A zero deadline means now plus Config.Timeout.
func (d *Dispatcher) Execute(ctx context.Context, req types.ToolCallRequest, deadline time.Time) (result types.ToolResult) {
	start := time.Now()
	if deadline.IsZero() {
		deadline = start.Add(d.cfg.Timeout)
	}
	hooks := hooksFrom(ctx)
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Str("tool", req.Name).Str("callID", req.CallID).Interface("panic", r).Msg("Dispatch panicked")
			result = d.fail(req, types.ErrorKindExecution, fmt.Sprintf("tool %s failed", req.Name), fmt.Errorf("panic: %v", r))
		}
		elapsed := time.Since(start)
		d.metrics.ToolExecuted(req.Name, status(result), elapsed)
		if hooks.Done != nil {
			hooks.Done(result, elapsed)
		}
	}()
	if hooks.Start != nil {
		hooks.Start(req)
	}

	t, ok := d.registry.Get(req.Name)
	if !ok {
		return d.fail(req, types.ErrorKindUnknownTool, d.unknownToolMessage(req.Name), nil)
	}

	args, err := d.prepare(t, req.Arguments)
	if err != nil {
		return d.fail(req, types.ErrorKindValidation, fmt.Sprintf("invalid arguments for %s", t.Name()), err)
	}
	if g, ok := t.(tool.Guarded); ok {
		if err := g.Guard(args); err != nil {
			return d.fail(req, types.ErrorKindValidation, fmt.Sprintf("%s refused", t.Name()), err)
		}
	}
	if err := d.repeat.Check(scopeFrom(ctx), t.Name(), args); err != nil {
		return d.fail(req, types.ErrorKindValidation, fmt.Sprintf("%s refused", t.Name()), err)
	}

	return d.run(ctx, t, req, args, deadline)
}

// ExecuteAll runs calls concurrently, bounded by Config.Concurrency, and
// returns results in request order. deadline is evaluated when each call
// starts; a nil deadline uses Config.Timeout.
func (d *Dispatcher) ExecuteAll(ctx context.Context, reqs []types.ToolCallRequest, deadline func(types.ToolCallRequest) time.Time) []types.ToolResult {
	results := make([]types.ToolResult, len(reqs))
	var g errgroup.Group
	if d.cfg.Concurrency > 0 {
		g.SetLimit(d.cfg.Concurrency)
	}
	for i, req := range reqs {
		g.Go(func() error {
			var dl time.Time
			if deadline != nil {
				dl = deadline(req)
			}
			results[i] = d.Execute(ctx, req, dl)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// prepare copies the arguments, normalizes aliases, fills defaults and
// validates the result.
func (d *Dispatcher) prepare(t tool.Tool, raw map[string]any) (map[string]any, error) {
	args := make(map[string]any, len(raw))
	for k, v := range raw {
		args[k] = v
	}

	if a, ok := t.(tool.Aliased); ok {
		aliases := a.Aliases()
		names := make([]string, 0, len(aliases))
		for alias := range aliases {
			names = append(names, alias)
		}
		sort.Strings(names)
		for _, alias := range names {
			v, ok := args[alias]
			if !ok {
				continue
			}
			canonical := aliases[alias]
			if _, exists := args[canonical]; !exists {
				args[canonical] = v
			}
			delete(args, alias)
		}
	}

	if df, ok := t.(tool.Defaulter); ok {
		for k, v := range df.Defaults() {
			if _, exists := args[k]; !exists {
				args[k] = v
			}
		}
	}

	schema, err := d.schema(t)
	if err != nil {
		return nil, err
	}
	doc, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("arguments are not JSON: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(doc))
	if err != nil {
		return nil, fmt.Errorf("arguments are not JSON: %w", err)
	}
	if err := schema.Validate(inst); err != nil {
		return nil, err
	}

	// Tools see plain JSON values regardless of how the caller built the map.
	var normalized map[string]any
	if err := json.Unmarshal(doc, &normalized); err != nil {
		return nil, fmt.Errorf("arguments are not JSON: %w", err)
	}
	if err := t.Validate(normalized); err != nil {
		return nil, err
	}
	return normalized, nil
}

// schema compiles and caches a tool's parameter schema.
func (d *Dispatcher) schema(t tool.Tool) (*jsonschema.Schema, error) {
	params := t.Parameters()
	key := string(params)

	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.schemas[key]; ok {
		return s, nil
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(params))
	if err != nil {
		return nil, fmt.Errorf("tool %s has an unreadable schema: %w", t.Name(), err)
	}
	c := jsonschema.NewCompiler()
	url := t.Name() + ".schema.json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("tool %s schema: %w", t.Name(), err)
	}
	s, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("tool %s schema: %w", t.Name(), err)
	}
	d.schemas[key] = s
	return s, nil
}

type outcome struct {
	res *tool.Result
	err error
}

// run executes the tool in its own goroutine so a tool that ignores its
// context cannot hold the caller past the deadline.
func (d *Dispatcher) run(ctx context.Context, t tool.Tool, req types.ToolCallRequest, args map[string]any, deadline time.Time) types.ToolResult {
	runCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	call := tool.Call{
		ID:      req.CallID,
		Args:    args,
		WorkDir: d.workDir,
	}
	observe := hooksFrom(ctx).Progress
	if d.progress != nil || observe != nil {
		call.Progress = func(message string, fraction float64) {
			if d.progress != nil {
				d.progress(req.CallID, message, fraction)
			}
			if observe != nil {
				observe(req.CallID, message, fraction)
			}
		}
	}

	done := make(chan outcome, 1)
	go func() {
		var o outcome
		defer func() {
			if r := recover(); r != nil {
				d.log.Error().Str("tool", t.Name()).Str("callID", req.CallID).Interface("panic", r).Msg("Tool panicked")
				o = outcome{err: fmt.Errorf("panic: %v", r)}
			}
			done <- o
		}()
		o.res, o.err = d.invoke(runCtx, t, call)
	}()

	var o outcome
	select {
	case o = <-done:
	case <-runCtx.Done():
		select {
		case o = <-done:
		default:
			return d.abandon(ctx, t, req, deadline)
		}
	}

	if o.err != nil {
		if errors.Is(o.err, context.DeadlineExceeded) && ctx.Err() == nil {
			return d.abandon(ctx, t, req, deadline)
		}
		return d.fail(req, types.ErrorKindExecution, fmt.Sprintf("%s failed", t.Name()), o.err)
	}
	return d.finish(req, t.Name(), o.res)
}

// invoke runs the tool, retrying idempotent tools after execution errors.
func (d *Dispatcher) invoke(ctx context.Context, t tool.Tool, call tool.Call) (*tool.Result, error) {
	idem, ok := t.(tool.Idempotent)
	if !ok || !idem.Idempotent() || d.cfg.Retry.Attempts <= 0 {
		return t.Run(ctx, call)
	}

	var res *tool.Result
	op := func() error {
		var err error
		res, err = t.Run(ctx, call)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		d.log.Debug().Err(err).Str("tool", t.Name()).Str("callID", call.ID).Dur("wait", wait).Msg("Retrying tool")
	}
	if err := backoff.Retry(ctx, d.cfg.Retry.Policy, d.cfg.Retry.Attempts, op, notify); err != nil {
		return nil, err
	}
	return res, nil
}

// abandon reports a call that did not finish in time and asks the tool to
// stop without waiting for it.
func (d *Dispatcher) abandon(ctx context.Context, t tool.Tool, req types.ToolCallRequest, deadline time.Time) types.ToolResult {
	if c, ok := t.(tool.Canceler); ok {
		go c.Cancel(req.CallID)
	}
	if err := ctx.Err(); err != nil {
		return d.fail(req, types.ErrorKindExecution, fmt.Sprintf("%s canceled", t.Name()), err)
	}
	d.log.Warn().Str("tool", t.Name()).Str("callID", req.CallID).Time("deadline", deadline).Msg("Tool timed out")
	return d.fail(req, types.ErrorKindTimeout, fmt.Sprintf("%s did not finish before its deadline", t.Name()), ErrTimeout)
}

// finish converts a tool result, capping the output.
func (d *Dispatcher) finish(req types.ToolCallRequest, name string, res *tool.Result) types.ToolResult {
	out := types.ToolResult{CallID: req.CallID, Name: name}
	if res == nil {
		return out
	}
	output := Truncate(res.Output, d.cfg.MaxOutputBytes)
	out.Output = &output
	out.Attachment = res.Attachment
	d.log.Debug().Str("tool", name).Str("callID", req.CallID).Int("bytes", len(res.Output)).Msg("Tool finished")
	return out
}

func (d *Dispatcher) fail(req types.ToolCallRequest, kind types.ErrorKind, msg string, err error) types.ToolResult {
	e := &Error{Kind: kind, CallID: req.CallID, Tool: req.Name, Message: msg, Err: err}
	if kind != types.ErrorKindTimeout {
		d.log.Debug().Str("tool", req.Name).Str("callID", req.CallID).Str("kind", string(kind)).Err(e).Msg("Tool call failed")
	}
	return e.Result()
}

// unknownToolMessage names the closest registered tool, if any is close.
func (d *Dispatcher) unknownToolMessage(name string) string {
	names := d.registry.Names()
	msg := fmt.Sprintf("unknown tool %q", name)

	best, bestDist := "", -1
	for _, candidate := range names {
		dist := levenshtein.ComputeDistance(strings.ToLower(name), strings.ToLower(candidate))
		if bestDist < 0 || dist < bestDist {
			best, bestDist = candidate, dist
		}
	}
	if best != "" && bestDist <= max(2, len(best)/3) {
		msg += fmt.Sprintf("; did you mean %q?", best)
	}
	if len(names) > 0 {
		msg += " Available tools: " + strings.Join(names, ", ")
	}
	return msg
}

// TruncationMarker is appended to output cut at the cap.
func TruncationMarker(omitted int) string {
	return fmt.Sprintf("\n\n(Output truncated: %d more bytes)", omitted)
}

// Truncate keeps exactly limit bytes of s followed by a marker when s is
// longer than limit.
func Truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	return s[:limit] + TruncationMarker(len(s)-limit)
}

func status(r types.ToolResult) string {
	if r.IsError() {
		return string(r.ErrorKind)
	}
	return "success"
}
