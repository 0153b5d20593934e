// Package config loads the agentloop configuration.
//
// # Sources
//
// Load layers these sources over Default, later ones winning:
//
//  1. Global config (~/.config/agentloop/config.yaml, honoring XDG_CONFIG_HOME)
//  2. Project config (agentloop.yaml, agentloop.yml, agentloop.json or agentloop.jsonc)
//  3. The file named by AGENTLOOP_CONFIG
//  4. Inline content in AGENTLOOP_CONFIG_CONTENT
//  5. Environment overrides (AGENTLOOP_MODEL, AGENTLOOP_PROVIDER, AGENTLOOP_LOG_LEVEL)
//
// A .env file in the project directory is read into the environment before
// anything else. Provider API keys fall back to ANTHROPIC_API_KEY,
// OPENAI_API_KEY or ARK_API_KEY when the files leave them empty.
//
// # Formats
//
// YAML is the native format. JSON and JSONC files are accepted with the same
// keys; comments and trailing commas are stripped with tidwall/jsonc. Durations
// are written as Go duration strings:
//
//	provider:
//	  model: anthropic/claude-sonnet-4-20250514
//	  apiKey: "{env:ANTHROPIC_API_KEY}"
//	rateLimit:
//	  window: 60s
//	  inputLimit: 40000
//	session:
//	  system: "{file:prompts/system.txt}"
//	  toolTimeout: 2m
//	tools:
//	  bash:
//	    "make test *": allow
//
// # Interpolation
//
// {env:NAME} expands to the variable's value. {file:path} expands to the file's
// contents, escaped for a double-quoted string; relative paths resolve against
// the config file's directory and ~/ against HOME. A file placeholder whose
// file cannot be read is left as is.
package config
