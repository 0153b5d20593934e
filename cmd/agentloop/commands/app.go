package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/opencode-ai/agentloop/internal/config"
	"github.com/opencode-ai/agentloop/internal/dispatch"
	"github.com/opencode-ai/agentloop/internal/event"
	"github.com/opencode-ai/agentloop/internal/logging"
	"github.com/opencode-ai/agentloop/internal/metrics"
	"github.com/opencode-ai/agentloop/internal/provider"
	"github.com/opencode-ai/agentloop/internal/ratelimit"
	"github.com/opencode-ai/agentloop/internal/server"
	"github.com/opencode-ai/agentloop/internal/session"
	"github.com/opencode-ai/agentloop/internal/tool"
)

// app holds the process-wide components every session shares.
type app struct {
	cfg     *config.Config
	workDir string
	model   string

	bus        *event.Bus
	metrics    *metrics.Metrics
	limiter    *ratelimit.Limiter
	registry   *tool.Registry
	dispatcher *dispatch.Dispatcher
	transport  provider.Transport
	driver     *tool.ChromeDriver
	server     *server.Server
}

// loadConfig loads the configuration for dir and applies the global flags.
func loadConfig(dir string) (*config.Config, error) {
	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return nil, err
	}

	cfg, err := config.Load(dir)
	if err != nil {
		return nil, err
	}

	if modelFlag != "" {
		cfg.Provider.Model = modelFlag
		if id, _ := provider.ParseModelString(modelFlag); id != "" {
			cfg.Provider.Provider = ""
		}
	}
	if systemPrompt != "" {
		data, err := os.ReadFile(systemPrompt)
		if err != nil {
			return nil, fmt.Errorf("failed to read system prompt: %w", err)
		}
		cfg.Session.System = string(data)
	}
	if maxSteps > 0 {
		cfg.Session.MaxSteps = maxSteps
	}
	if restricted {
		cfg.Tools.Restricted = true
	}
	if webFetch {
		cfg.Tools.WebFetch = true
	}
	if chromeDebugURL != "" {
		cfg.Tools.ChromeDebugURL = chromeDebugURL
	}
	if metricsAddr != "" {
		cfg.Metrics.Addr = metricsAddr
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// initLogging sends logs to stderr with --print-logs and to a file
// otherwise, so they never mix with command output.
func initLogging(cfg *config.Config) {
	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.LogLevel()
	logCfg.Pretty = cfg.Log.Pretty
	logCfg.LogToFile = cfg.Log.File || !printLogs
	logCfg.LogDir = cfg.Log.Dir
	if logCfg.LogDir == "" {
		logCfg.LogDir = config.GetPaths().LogDir()
	}
	if !printLogs {
		logCfg.Output = io.Discard
	}
	logging.Init(logCfg)
}

// newApp wires the shared components.
func newApp(ctx context.Context) (*app, error) {
	dir, err := GetWorkDir(workDir)
	if err != nil {
		return nil, err
	}
	cfg, err := loadConfig(dir)
	if err != nil {
		return nil, err
	}
	initLogging(cfg)

	if cfg.Tools.WorkDir != "" && workDir == "" {
		dir = cfg.Tools.WorkDir
	}

	a := &app{
		cfg:     cfg,
		workDir: dir,
		bus:     event.NewBus(),
		metrics: metrics.New(prometheus.NewRegistry()),
	}
	_, a.model = provider.ParseModelString(cfg.Provider.Model)

	a.limiter = ratelimit.New(cfg.RateLimit,
		ratelimit.WithMetrics(a.metrics),
		ratelimit.WithLogger(logging.Component("ratelimit")))

	if cfg.Tools.ChromeDebugURL != "" {
		a.driver, err = tool.NewChromeDriver(tool.ChromeConfig{DebugURL: cfg.Tools.ChromeDebugURL})
		if err != nil {
			a.close()
			return nil, fmt.Errorf("failed to attach to chrome: %w", err)
		}
	}

	opts := tool.Options{
		Restricted: cfg.Tools.Restricted,
		BashRules:  cfg.Tools.Bash,
		WebFetch:   cfg.Tools.WebFetch,
	}
	if a.driver != nil {
		opts.Driver = a.driver
	}
	a.registry = tool.DefaultRegistry(dir, opts)
	a.dispatcher = dispatch.New(a.registry, cfg.Dispatch,
		dispatch.WithWorkDir(dir),
		dispatch.WithMetrics(a.metrics),
		dispatch.WithLogger(logging.Component("dispatch")))

	a.transport, err = provider.New(ctx, cfg.Provider)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to initialize provider: %w", err)
	}

	if cfg.Metrics.Addr != "" {
		srvCfg := server.DefaultConfig()
		srvCfg.Addr = cfg.Metrics.Addr
		a.server = server.New(srvCfg, a.bus, a.metrics, a.limiter)
		go func() {
			if err := a.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logging.Error().Err(err).Str("addr", srvCfg.Addr).Msg("Metrics server stopped")
			}
		}()
	}

	logging.Info().
		Str("workDir", dir).
		Str("provider", cfg.ProviderID()).
		Str("model", a.model).
		Strs("tools", a.registry.Names()).
		Msg("agentloop started")
	return a, nil
}

// newSession creates a session over the shared components.
func (a *app) newSession(cb session.Callbacks) (*session.Session, error) {
	sess, err := session.New(session.Options{
		Transport:        a.transport,
		Limiter:          a.limiter,
		Dispatcher:       a.dispatcher,
		Registry:         a.registry,
		Model:            a.model,
		System:           a.cfg.Session.System,
		MaxTokens:        a.cfg.Provider.MaxTokens,
		ThinkingBudget:   a.cfg.Provider.ThinkingBudget,
		MaxSteps:         a.cfg.Session.MaxSteps,
		MaxParseAttempts: a.cfg.Session.MaxParseAttempts,
		ToolTimeout:      a.cfg.Session.ToolTimeout,
		Priority:         a.cfg.Priority(),
		Formats:          a.cfg.ToolCall.Formats,
		Callbacks:        cb,
		Bus:              a.bus,
		Metrics:          a.metrics,
	})
	if err != nil {
		return nil, err
	}
	if a.server != nil {
		a.server.Track(sess)
	}
	return sess, nil
}

// modelLabel is the "provider/model" string shown to users.
func (a *app) modelLabel() string {
	if strings.Contains(a.cfg.Provider.Model, "/") {
		return a.cfg.Provider.Model
	}
	return a.cfg.ProviderID() + "/" + a.model
}

func (a *app) close() {
	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.server.Shutdown(ctx); err != nil {
			logging.Warn().Err(err).Msg("Metrics server shutdown failed")
		}
		cancel()
	}
	if a.driver != nil {
		a.driver.Close()
	}
	if a.bus != nil {
		a.bus.Close()
	}
	logging.Close()
}
