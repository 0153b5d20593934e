// Package headless runs one prompt without a terminal UI and reports the outcome.
package headless

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/opencode-ai/agentloop/internal/backoff"
	"github.com/opencode-ai/agentloop/internal/event"
	"github.com/opencode-ai/agentloop/internal/logging"
	"github.com/opencode-ai/agentloop/internal/provider"
	"github.com/opencode-ai/agentloop/internal/ratelimit"
	"github.com/opencode-ai/agentloop/internal/session"
)

// Runner executes one prompt against a session and reports the outcome.
type Runner struct {
	config  *Config
	session *session.Session
	bus     *event.Bus
	model   string
	log     zerolog.Logger
}

// NewRunner creates a runner. The session must publish to bus.
func NewRunner(cfg *Config, sess *session.Session, bus *event.Bus, model string) *Runner {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Runner{
		config:  cfg,
		session: sess,
		bus:     bus,
		model:   model,
		log:     logging.Component("headless"),
	}
}

// Run executes the prompt and returns the result. A run that fails with a
// recoverable error is continued up to Config.Retries times.
func (r *Runner) Run(ctx context.Context, writer io.Writer) (*Result, error) {
	printer := NewPrinter(writer, r.config.OutputFormat, r.config.Quiet, r.config.Verbose)
	printer.SetSessionID(r.session.ID())
	printer.SetModel(r.model)

	prompt, err := r.getPrompt()
	if err == nil && prompt == "" {
		err = errors.New("prompt is required")
	}
	if err != nil {
		printer.SetResult("error", ExitInvalidInput, err)
		printer.PrintFinalResult()
		return printer.GetResult(), err
	}

	if err := printer.Attach(r.bus); err != nil {
		printer.SetResult("error", ExitError, err)
		return printer.GetResult(), err
	}

	runCtx := ctx
	if r.config.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.config.Timeout)
		defer cancel()
	}

	err = r.drive(runCtx, prompt, printer)
	printer.Detach()
	printer.SetTokens(r.session.Usage())

	status, code := classify(err)
	printer.SetResult(status, code, err)
	printer.PrintFinalResult()

	r.log.Info().
		Str("session", r.session.ID()).
		Str("status", status).
		Int("exitCode", int(code)).
		Msg("Headless run finished")
	return printer.GetResult(), err
}

// drive runs the prompt, then continues the session after recoverable
// failures until it succeeds or the retries are spent.
func (r *Runner) drive(ctx context.Context, prompt string, printer *Printer) error {
	first := true
	op := func() error {
		var err error
		if first {
			first = false
			_, err = r.session.Run(ctx, prompt)
		} else {
			_, err = r.session.Continue(ctx)
		}
		if err != nil && (ctx.Err() != nil || !session.Recoverable(err)) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		r.log.Warn().Err(err).Dur("wait", wait).Msg("Run failed, continuing session")
		printer.Retrying(err, wait)
	}
	return backoff.Retry(ctx, r.config.RetryPolicy, r.config.Retries, op, notify)
}

// classify maps a run error to a status and exit code.
func classify(err error) (string, ExitCode) {
	var (
		exhausted *ratelimit.ExhaustedError
		transport *provider.TransportError
	)
	switch {
	case err == nil:
		return "success", ExitSuccess
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout", ExitTimeout
	case errors.Is(err, context.Canceled):
		return "cancelled", ExitError
	case errors.Is(err, session.ErrMaxSteps):
		return "max_steps", ExitMaxSteps
	case errors.As(err, &exhausted), errors.As(err, &transport):
		return "provider_error", ExitProviderError
	default:
		return "error", ExitError
	}
}

// getPrompt joins the prompt, stdin and attached files.
func (r *Runner) getPrompt() (string, error) {
	prompt := r.config.Prompt

	if r.config.ReadStdin {
		in := r.config.Stdin
		if in == nil {
			in = os.Stdin
		}
		data, err := io.ReadAll(in)
		if err != nil {
			return "", fmt.Errorf("failed to read stdin: %w", err)
		}
		if stdin := strings.TrimSpace(string(data)); stdin != "" {
			if prompt != "" {
				prompt += "\n\n" + stdin
			} else {
				prompt = stdin
			}
		}
	}

	if len(r.config.Files) > 0 {
		var b strings.Builder
		for _, file := range r.config.Files {
			content, err := os.ReadFile(file)
			if err != nil {
				return "", fmt.Errorf("failed to read file %s: %w", file, err)
			}
			fmt.Fprintf(&b, "\n\n--- File: %s ---\n%s", file, content)
		}
		prompt += b.String()
	}

	return strings.TrimSpace(prompt), nil
}
