package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/agentloop/internal/logging"
	"github.com/opencode-ai/agentloop/internal/session"
	"github.com/opencode-ai/agentloop/pkg/types"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive session",
	Long: `Start an interactive session. Each line is sent as a user message and the
reply is streamed as it arrives.

Commands:
  /continue  resume after a failed run
  /usage     show token usage
  /logs      show where logs are written
  /exit      leave`,
	RunE: runChat,
}

func runChat(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	r := &repl{in: cmd.InOrStdin(), out: cmd.OutOrStdout()}
	sess, err := a.newSession(r.callbacks())
	if err != nil {
		return err
	}
	r.sess = sess

	fmt.Fprintf(r.out, "agentloop %s, %s, tools: %s\n", Version, a.modelLabel(), strings.Join(a.registry.Names(), ", "))
	return r.loop(cmd.Context())
}

// repl reads user lines and drives a session.
type repl struct {
	sess     *session.Session
	in       io.Reader
	out      io.Writer
	lineOpen bool
}

func (r *repl) callbacks() session.Callbacks {
	return session.Callbacks{
		OnText: func(fragment string) {
			fmt.Fprint(r.out, fragment)
			r.lineOpen = !strings.HasSuffix(fragment, "\n")
		},
		OnToolStart: func(name string, arguments map[string]any) {
			r.endLine()
			fmt.Fprintf(r.out, "[tool:%s] %s\n", name, summarize(arguments))
		},
		OnToolResult: func(result types.ToolResult) {
			if result.IsError() {
				r.endLine()
				fmt.Fprintf(r.out, "[tool:%s] Error (%s): %s\n", result.Name, result.ErrorKind, firstLine(result.Text()))
			}
		},
	}
}

// loop runs until /exit, end of input or ctx cancellation.
func (r *repl) loop(ctx context.Context) error {
	scanner := bufio.NewScanner(r.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		fmt.Fprint(r.out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(r.out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())

		var err error
		switch line {
		case "":
			continue
		case "/exit", "/quit":
			return nil
		case "/usage":
			u := r.sess.Usage()
			fmt.Fprintf(r.out, "input: %d tokens, output: %d tokens\n", u.InputTokens, u.OutputTokens)
			continue
		case "/logs":
			if path := logging.GetLogFilePath(); path != "" {
				fmt.Fprintf(r.out, "logging to %s\n", path)
			} else {
				fmt.Fprintln(r.out, "no log file (logs go to stderr with --print-logs)")
			}
			continue
		case "/continue":
			_, err = r.sess.Continue(ctx)
		default:
			_, err = r.sess.Run(ctx, line)
		}
		r.endLine()

		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			if errors.Is(err, session.ErrNothingToContinue) {
				fmt.Fprintln(r.out, "nothing to continue")
				continue
			}
			if session.Recoverable(err) {
				fmt.Fprintf(r.out, "[failed] %v (type /continue to retry)\n", err)
			} else {
				fmt.Fprintf(r.out, "[failed] %v\n", err)
			}
		}
	}
}

func (r *repl) endLine() {
	if r.lineOpen {
		fmt.Fprintln(r.out)
		r.lineOpen = false
	}
}

// summarize renders the first string argument of a tool call.
func summarize(arguments map[string]any) string {
	for _, key := range []string{"command", "filePath", "pattern", "url", "action"} {
		if v, ok := arguments[key].(string); ok {
			return firstLine(v)
		}
	}
	return ""
}

func firstLine(s string) string {
	s, _, _ = strings.Cut(s, "\n")
	if len(s) > 80 {
		s = s[:80] + "..."
	}
	return s
}
