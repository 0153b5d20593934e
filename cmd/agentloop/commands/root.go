// Package commands provides the CLI commands for agentloop.
package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	// Version information set at build time
	Version   = "0.1.0"
	BuildTime = "dev"
)

// Global flags
var (
	printLogs      bool
	logLevel       string
	workDir        string
	modelFlag      string
	systemPrompt   string
	maxSteps       int
	restricted     bool
	webFetch       bool
	chromeDebugURL string
	metricsAddr    string
)

var rootCmd = &cobra.Command{
	Use:   "agentloop",
	Short: "agentloop - a streaming tool-using agent",
	Long: `agentloop drives a conversation with a language model, streaming its
replies and running the tools it calls until the model stops asking.

Run 'agentloop run' for a single headless prompt or 'agentloop chat' for an
interactive session.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.BoolVar(&printLogs, "print-logs", false, "Print logs to stderr")
	flags.StringVar(&logLevel, "log-level", "", "Log level (DEBUG|INFO|WARN|ERROR), overrides config")
	flags.StringVarP(&workDir, "workdir", "w", "", "Working directory")
	flags.StringVarP(&modelFlag, "model", "m", "", "Model to use (provider/model format)")
	flags.StringVar(&systemPrompt, "system-prompt", "", "System prompt file")
	flags.IntVar(&maxSteps, "max-steps", 0, "Maximum turns per run")
	flags.BoolVar(&restricted, "restricted", false, "Read-only tools only")
	flags.BoolVar(&webFetch, "webfetch", false, "Enable the webfetch tool")
	flags.StringVar(&chromeDebugURL, "chrome-debug-url", "", "Enable the computer tool against this Chrome DevTools URL")
	flags.StringVar(&metricsAddr, "metrics-addr", "", "Serve metrics, sessions and events on this address")

	rootCmd.SetVersionTemplate(fmt.Sprintf("agentloop %s (%s)\n", Version, BuildTime))

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(configCmd)
}

// Execute runs the root command. SIGINT and SIGTERM cancel the command's
// context.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

// GetWorkDir returns the working directory from flag or current directory.
func GetWorkDir(dir string) (string, error) {
	if dir != "" {
		return dir, nil
	}
	return os.Getwd()
}
