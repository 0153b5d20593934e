package commands

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/agentloop/internal/headless"
	"github.com/opencode-ai/agentloop/internal/session"
)

var (
	runPrompt  string
	runStdin   bool
	runFiles   []string
	runFormat  string
	runQuiet   bool
	runVerbose bool
	runTimeout string
	runRetries int
)

var runCmd = &cobra.Command{
	Use:   "run [prompt...]",
	Short: "Run one prompt headlessly",
	Long: `Run one prompt without an interactive terminal and exit when the model
stops calling tools.

Output is plain text, a final JSON result, or one JSON event per line.

Examples:
  agentloop run "List the Go files in this repo"
  agentloop run -o json -t 5m "Run the tests and fix failures"
  echo "Fix lint errors" | agentloop run --stdin
  agentloop run -f spec.md "Implement the API from spec"
  agentloop run -o jsonl "Implement feature X" | jq -r '.type'`,
	RunE: runHeadless,
}

func init() {
	runCmd.Flags().StringVarP(&runPrompt, "prompt", "p", "", "Prompt to execute")
	runCmd.Flags().BoolVar(&runStdin, "stdin", false, "Read prompt from stdin")
	runCmd.Flags().StringArrayVarP(&runFiles, "file", "f", nil, "File(s) to attach as context")
	runCmd.Flags().StringVarP(&runFormat, "format", "o", "text", "Output format: text, json, jsonl")
	runCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "Only print the model's text")
	runCmd.Flags().BoolVarP(&runVerbose, "verbose", "v", false, "Show all events")
	runCmd.Flags().StringVarP(&runTimeout, "timeout", "t", "30m", "Maximum execution time (e.g., 5m, 1h)")
	runCmd.Flags().IntVar(&runRetries, "retries", 3, "Times to continue the session after a recoverable failure")
}

func runHeadless(cmd *cobra.Command, args []string) error {
	format, err := headless.ParseFormat(runFormat)
	if err != nil {
		return err
	}

	cfg := headless.DefaultConfig()
	cfg.Prompt = runPrompt
	if cfg.Prompt == "" && len(args) > 0 {
		cfg.Prompt = strings.Join(args, " ")
	}
	if cfg.Prompt == "" && !runStdin {
		return fmt.Errorf("prompt required. Provide via argument, --prompt flag, or --stdin")
	}
	cfg.ReadStdin = runStdin
	cfg.Stdin = cmd.InOrStdin()
	cfg.Files = runFiles
	cfg.OutputFormat = format
	cfg.Quiet = runQuiet
	cfg.Verbose = runVerbose
	cfg.Retries = runRetries
	if cfg.Timeout, err = time.ParseDuration(runTimeout); err != nil {
		return fmt.Errorf("invalid timeout: %w", err)
	}

	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}

	sess, err := a.newSession(session.Callbacks{})
	if err != nil {
		a.close()
		return err
	}

	result, err := headless.NewRunner(cfg, sess, a.bus, a.modelLabel()).Run(cmd.Context(), cmd.OutOrStdout())
	a.close()

	if result != nil && result.ExitCode != headless.ExitSuccess {
		os.Exit(int(result.ExitCode))
	}
	return err
}
