package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/opencode-ai/agentloop/internal/dispatch"
	"github.com/opencode-ai/agentloop/internal/logging"
	"github.com/opencode-ai/agentloop/internal/permission"
	"github.com/opencode-ai/agentloop/internal/provider"
	"github.com/opencode-ai/agentloop/internal/ratelimit"
	"github.com/opencode-ai/agentloop/internal/toolcall"
)

// Config is the complete agentloop configuration.
type Config struct {
	Provider  provider.Config  `yaml:"provider"`
	Session   SessionConfig    `yaml:"session"`
	RateLimit ratelimit.Config `yaml:"rateLimit"`
	Dispatch  dispatch.Config  `yaml:"dispatch"`
	ToolCall  ToolCallConfig   `yaml:"toolcall"`
	Tools     ToolsConfig      `yaml:"tools"`
	Log       LogConfig        `yaml:"log"`
	Metrics   MetricsConfig    `yaml:"metrics"`
}

// SessionConfig configures the turn loop.
type SessionConfig struct {
	System           string        `yaml:"system"`
	MaxSteps         int           `yaml:"maxSteps"`
	MaxParseAttempts int           `yaml:"maxParseAttempts"`
	ToolTimeout      time.Duration `yaml:"toolTimeout"`
	// Priority is "normal" or "high".
	Priority string `yaml:"priority"`
}

// ToolCallConfig configures argument parsing.
type ToolCallConfig struct {
	// Formats are tried in order.
	Formats []toolcall.Format `yaml:"formats"`
}

// ToolsConfig selects the built-in tools.
type ToolsConfig struct {
	WorkDir    string `yaml:"workDir"`
	Restricted bool   `yaml:"restricted"`
	WebFetch   bool   `yaml:"webfetch"`
	// ChromeDebugURL enables the computer tool against a running browser.
	ChromeDebugURL string           `yaml:"chromeDebugURL"`
	Bash           permission.Rules `yaml:"bash"`
}

// LogConfig configures the global logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
	File   bool   `yaml:"file"`
	Dir    string `yaml:"dir"`
}

// MetricsConfig configures the metrics endpoint.
type MetricsConfig struct {
	// Addr serves /metrics and /healthz when set.
	Addr string `yaml:"addr"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Provider: provider.Config{
			Model:     "anthropic/claude-sonnet-4-20250514",
			MaxTokens: 8192,
		},
		Session: SessionConfig{
			MaxSteps:         50,
			MaxParseAttempts: 3,
			Priority:         "normal",
		},
		RateLimit: ratelimit.DefaultConfig(),
		Dispatch:  dispatch.DefaultConfig(),
		ToolCall:  ToolCallConfig{Formats: slices.Clone(toolcall.DefaultFormats)},
		Log:       LogConfig{Level: "info"},
	}
}

// Load builds the configuration for directory from these sources, later
// ones taking precedence:
//
//  1. Defaults
//  2. Global config (~/.config/agentloop/config.yaml)
//  3. Project config (agentloop.yaml, agentloop.yml, agentloop.json, agentloop.jsonc)
//  4. AGENTLOOP_CONFIG file
//  5. AGENTLOOP_CONFIG_CONTENT inline YAML or JSON
//  6. Environment variables
//
// A .env file in directory is loaded into the environment first; variables
// already set are kept. Missing files are skipped; malformed ones are errors.
func Load(directory string) (*Config, error) {
	cfg := Default()

	if directory != "" {
		envPath := filepath.Join(directory, ".env")
		if err := godotenv.Load(envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envPath, err)
		}
	}

	var paths []string
	for _, name := range []string{"config.yaml", "config.yml", "config.jsonc"} {
		paths = append(paths, filepath.Join(GetPaths().Config, name))
	}
	if directory != "" {
		for _, name := range []string{"agentloop.yaml", "agentloop.yml", "agentloop.json", "agentloop.jsonc"} {
			paths = append(paths, filepath.Join(directory, name))
		}
	}
	if path := os.Getenv("AGENTLOOP_CONFIG"); path != "" {
		paths = append(paths, path)
	}

	loaded := make(map[string]bool)
	for _, path := range paths {
		abs, err := filepath.Abs(path)
		if err != nil || loaded[abs] {
			continue
		}
		ok, err := loadFile(path, cfg)
		if err != nil {
			return nil, err
		}
		loaded[abs] = ok
	}

	if content := os.Getenv("AGENTLOOP_CONFIG_CONTENT"); content != "" {
		if err := decode([]byte(content), directory, cfg); err != nil {
			return nil, fmt.Errorf("AGENTLOOP_CONFIG_CONTENT: %w", err)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// loadFile merges the file at path into cfg. It reports false when the file
// does not exist.
func loadFile(path string, cfg *Config) (bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := decode(data, filepath.Dir(path), cfg); err != nil {
		return false, fmt.Errorf("%s: %w", path, err)
	}
	return true, nil
}

// decode overlays YAML or JSON(C) data onto cfg. JSON is decoded as YAML so
// both accept the same keys and duration strings such as "60s".
func decode(data []byte, baseDir string, cfg *Config) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "//") || strings.HasPrefix(trimmed, "/*") {
		data = jsonc.ToJSON(data)
	}
	data = interpolate(data, baseDir)
	return yaml.Unmarshal(data, cfg)
}

var (
	envPattern  = regexp.MustCompile(`\{env:([^}]+)\}`)
	filePattern = regexp.MustCompile(`\{file:([^}]+)\}`)
)

// interpolate processes {env:VAR} and {file:path} placeholders. File contents
// are escaped for use inside a double-quoted string.
func interpolate(data []byte, baseDir string) []byte {
	str := envPattern.ReplaceAllStringFunc(string(data), func(match string) string {
		return os.Getenv(envPattern.FindStringSubmatch(match)[1])
	})

	str = filePattern.ReplaceAllStringFunc(str, func(match string) string {
		path := filePattern.FindStringSubmatch(match)[1]
		if strings.HasPrefix(path, "~/") {
			path = filepath.Join(os.Getenv("HOME"), path[2:])
		} else if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}

		content, err := os.ReadFile(path)
		if err != nil {
			return match // keep the placeholder
		}
		escaped := strings.ReplaceAll(string(content), "\\", "\\\\")
		escaped = strings.ReplaceAll(escaped, "\"", "\\\"")
		escaped = strings.ReplaceAll(escaped, "\n", "\\n")
		escaped = strings.ReplaceAll(escaped, "\r", "\\r")
		escaped = strings.ReplaceAll(escaped, "\t", "\\t")
		return escaped
	})

	return []byte(str)
}

// apiKeyEnv maps providers to the variable holding their key.
var apiKeyEnv = map[string]string{
	"anthropic": "ANTHROPIC_API_KEY",
	"claude":    "ANTHROPIC_API_KEY",
	"openai":    "OPENAI_API_KEY",
	"ark":       "ARK_API_KEY",
}

// applyEnvOverrides applies environment variable overrides.
func applyEnvOverrides(cfg *Config) {
	if model := os.Getenv("AGENTLOOP_MODEL"); model != "" {
		cfg.Provider.Model = model
	}
	if p := os.Getenv("AGENTLOOP_PROVIDER"); p != "" {
		cfg.Provider.Provider = p
	}
	if level := os.Getenv("AGENTLOOP_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}

	id := cfg.ProviderID()
	if cfg.Provider.APIKey == "" {
		if env, ok := apiKeyEnv[id]; ok {
			cfg.Provider.APIKey = os.Getenv(env)
		}
	}
	if id == "ark" && cfg.Provider.BaseURL == "" {
		cfg.Provider.BaseURL = os.Getenv("ARK_BASE_URL")
	}
}

// ProviderID returns the provider the configuration selects.
func (c *Config) ProviderID() string {
	if c.Provider.Provider != "" {
		return strings.ToLower(c.Provider.Provider)
	}
	if id, _ := provider.ParseModelString(c.Provider.Model); id != "" {
		return strings.ToLower(id)
	}
	return "anthropic"
}

// Priority returns the limiter priority for session reservations.
func (c *Config) Priority() ratelimit.Priority {
	if strings.EqualFold(c.Session.Priority, "high") {
		return ratelimit.PriorityHigh
	}
	return ratelimit.PriorityNormal
}

// LogLevel returns the parsed log level.
func (c *Config) LogLevel() logging.Level {
	return logging.ParseLevel(c.Log.Level)
}

// Validate reports values outside their accepted range.
func (c *Config) Validate() error {
	var errs []error
	if id := c.ProviderID(); id != "bedrock" && id != "azure" && !slices.Contains(provider.Providers, id) {
		errs = append(errs, fmt.Errorf("provider %q is not one of %s", id, strings.Join(provider.Providers, ", ")))
	}
	if err := c.RateLimit.Validate(); err != nil {
		errs = append(errs, err)
	}
	for _, f := range c.ToolCall.Formats {
		if f != toolcall.FormatJSON && f != toolcall.FormatMarkup {
			errs = append(errs, fmt.Errorf("toolcall: unknown format %q", f))
		}
	}
	switch strings.ToLower(c.Session.Priority) {
	case "", "normal", "high":
	default:
		errs = append(errs, fmt.Errorf("session: priority %q is not normal or high", c.Session.Priority))
	}
	if c.Session.MaxSteps < 0 || c.Session.MaxParseAttempts < 0 || c.Session.ToolTimeout < 0 {
		errs = append(errs, fmt.Errorf("session: limits must not be negative"))
	}
	if c.Dispatch.Timeout < 0 || c.Dispatch.MaxOutputBytes < 0 || c.Dispatch.Concurrency < 0 {
		errs = append(errs, fmt.Errorf("dispatch: limits must not be negative"))
	}
	for pattern, action := range c.Tools.Bash {
		if action != permission.ActionAllow && action != permission.ActionDeny {
			errs = append(errs, fmt.Errorf("tools.bash: rule %q has action %q, want allow or deny", pattern, action))
		}
	}
	return errors.Join(errs...)
}

// Save writes the configuration as YAML.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
