package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/opencode-ai/agentloop/internal/permission"
)

const (
	DefaultBashTimeout = 120 * time.Second
	MaxBashTimeout     = 10 * time.Minute
	MaxOutputLength    = 30000
	SigkillTimeout     = 200 * time.Millisecond
)

const bashDescription = `Executes a shell command and returns its combined stdout and stderr.

Usage:
- command is required
- Optional timeout in milliseconds (max 600000)
- Provide a brief description of what the command does
- Commands run in their own process group and are killed on timeout
- In restricted mode only read-only commands are accepted: no output
  redirection, no file modification, no privilege escalation`

// BashInput represents the input for the bash tool.
type BashInput struct {
	Command     string `json:"command"`
	Timeout     int    `json:"timeout,omitempty"` // milliseconds
	Description string `json:"description,omitempty"`
}

// Executor runs a command line for a call. Cancel aborts the call's process
// if it is still running.
type Executor interface {
	Execute(ctx context.Context, callID, dir, command string) (output []byte, exitCode int, err error)
	Cancel(callID string)
}

// BashTool implements shell command execution.
type BashTool struct {
	workDir  string
	policy   *permission.Policy
	executor Executor
}

// BashToolOption configures the bash tool.
type BashToolOption func(*BashTool)

// WithPolicy sets the command policy checked before execution.
func WithPolicy(p *permission.Policy) BashToolOption {
	return func(t *BashTool) {
		t.policy = p
	}
}

// WithExecutor replaces the shell executor.
func WithExecutor(e Executor) BashToolOption {
	return func(t *BashTool) {
		t.executor = e
	}
}

// NewBashTool creates a new bash tool. Without a policy every command that
// parses is accepted except recursive deletes and privilege escalation.
func NewBashTool(workDir string, opts ...BashToolOption) *BashTool {
	t := &BashTool{
		workDir: workDir,
		policy:  &permission.Policy{},
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.executor == nil {
		t.executor = NewShellExecutor(detectShell())
	}
	return t
}

func detectShell() string {
	if s := os.Getenv("SHELL"); s != "" {
		// Exclude unsupported shells
		if s != "/bin/fish" && s != "/usr/bin/fish" &&
			s != "/bin/nu" && s != "/usr/bin/nu" {
			return s
		}
	}

	if runtime.GOOS == "darwin" {
		return "/bin/zsh"
	}
	if runtime.GOOS == "windows" {
		if comspec := os.Getenv("COMSPEC"); comspec != "" {
			return comspec
		}
		return "cmd.exe"
	}

	if bash, err := exec.LookPath("bash"); err == nil {
		return bash
	}

	return "/bin/sh"
}

func (t *BashTool) Name() string        { return "bash" }
func (t *BashTool) Description() string { return bashDescription }

func (t *BashTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"command": {
				"type": "string",
				"minLength": 1,
				"description": "The command to execute"
			},
			"timeout": {
				"type": "integer",
				"minimum": 1,
				"maximum": 600000,
				"description": "Optional timeout in milliseconds (max 600000)"
			},
			"description": {
				"type": "string",
				"description": "Brief description of what this command does"
			}
		},
		"required": ["command"]
	}`)
}

// Aliases accepts the names models have used for the command field.
func (t *BashTool) Aliases() map[string]string {
	return map[string]string{
		"cmd":           "command",
		"script":        "command",
		"shell_command": "command",
	}
}

func (t *BashTool) Validate(args map[string]any) error {
	cmd, _ := args["command"].(string)
	if strings.TrimSpace(cmd) == "" {
		return errors.New("command must not be blank")
	}
	return nil
}

// Guard applies the command policy.
func (t *BashTool) Guard(args map[string]any) error {
	if t.policy == nil {
		return nil
	}
	cmd, _ := args["command"].(string)
	return t.policy.Check(cmd)
}

// Cancel kills the process group of an in-flight call.
func (t *BashTool) Cancel(callID string) {
	t.executor.Cancel(callID)
}

func (t *BashTool) Run(ctx context.Context, call Call) (*Result, error) {
	var params BashInput
	if err := call.Decode(&params); err != nil {
		return nil, err
	}

	timeout := DefaultBashTimeout
	if params.Timeout > 0 {
		timeout = min(time.Duration(params.Timeout)*time.Millisecond, MaxBashTimeout)
	}
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dir := t.workDir
	if call.WorkDir != "" {
		dir = call.WorkDir
	}

	call.Report("running "+firstLine(params.Command), 0)
	output, exitCode, err := t.executor.Execute(cmdCtx, call.ID, dir, params.Command)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	timedOut := errors.Is(cmdCtx.Err(), context.DeadlineExceeded)

	result := string(output)
	if len(result) > MaxOutputLength {
		result = result[:MaxOutputLength] + "\n\n(Output truncated)"
	}
	if timedOut {
		result += fmt.Sprintf("\n\n(Command timed out after %v)", timeout)
	}
	if err != nil && !timedOut {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("failed to run command: %w", err)
		}
	}
	call.Report("done", 1)

	title := params.Description
	if title == "" {
		title = firstLine(params.Command)
	}

	return &Result{
		Title:  title,
		Output: result,
		Metadata: map[string]any{
			"exit":        exitCode,
			"description": params.Description,
			"timedOut":    timedOut,
		},
	}, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}

// ShellExecutor runs commands through a shell, each in its own process
// group so the whole tree can be killed.
type ShellExecutor struct {
	shell string

	mu      sync.Mutex
	running map[string]*exec.Cmd
}

// NewShellExecutor creates an executor using the given shell binary.
func NewShellExecutor(shell string) *ShellExecutor {
	return &ShellExecutor{
		shell:   shell,
		running: make(map[string]*exec.Cmd),
	}
}

func (e *ShellExecutor) Execute(ctx context.Context, callID, dir, command string) ([]byte, int, error) {
	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(ctx, e.shell, "/c", command)
	} else {
		cmd = exec.CommandContext(ctx, e.shell, "-c", command)
	}
	cmd.Dir = dir
	cmd.Env = os.Environ()
	setProcessGroup(cmd)
	cmd.Cancel = func() error {
		killProcess(cmd)
		return nil
	}
	cmd.WaitDelay = SigkillTimeout * 5

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	if err := cmd.Start(); err != nil {
		return nil, -1, err
	}

	if callID != "" {
		e.mu.Lock()
		e.running[callID] = cmd
		e.mu.Unlock()
		defer func() {
			e.mu.Lock()
			delete(e.running, callID)
			e.mu.Unlock()
		}()
	}

	err := cmd.Wait()
	output := buf.Bytes()
	exitCode := 0
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	return output, exitCode, err
}

func (e *ShellExecutor) Cancel(callID string) {
	e.mu.Lock()
	cmd := e.running[callID]
	e.mu.Unlock()
	if cmd != nil {
		go killProcess(cmd)
	}
}
