package permission

import (
	"strings"
)

// Rules maps command patterns to actions. Patterns have the form
// "git commit *", "git *", "git" or "*".
type Rules map[string]Action

// Match finds the most specific action for a command.
func (r Rules) Match(cmd BashCommand) Action {
	if len(r) == 0 {
		return ActionDefault
	}
	name := commandBase(cmd.Name)

	// Try most specific match first: "git commit *"
	if cmd.Subcommand != "" {
		if action, ok := r[name+" "+cmd.Subcommand+" *"]; ok {
			return action
		}
	}

	for pattern, action := range r {
		if strings.Contains(pattern, " ") && !strings.HasSuffix(pattern, " *") {
			if MatchPattern(pattern, BashCommand{Name: name, Args: cmd.Args}) {
				return action
			}
		}
	}

	if action, ok := r[name+" *"]; ok {
		return action
	}
	if action, ok := r[name]; ok {
		return action
	}
	if action, ok := r["*"]; ok {
		return action
	}
	return ActionDefault
}

// MatchPattern checks if a command matches a wildcard pattern.
func MatchPattern(pattern string, cmd BashCommand) bool {
	parts := strings.Fields(pattern)
	if len(parts) == 0 {
		return false
	}

	if parts[0] == "*" && len(parts) == 1 {
		return true
	}

	if parts[0] != "*" && parts[0] != cmd.Name {
		return false
	}

	// A bare command name only matches the command without arguments.
	if len(parts) == 1 {
		return cmd.Name == parts[0] && len(cmd.Args) == 0
	}

	if parts[len(parts)-1] == "*" {
		for i := 1; i < len(parts)-1; i++ {
			argIndex := i - 1
			if argIndex >= len(cmd.Args) {
				return false
			}
			if parts[i] != "*" && parts[i] != cmd.Args[argIndex] {
				return false
			}
		}
		return true
	}

	if len(parts)-1 != len(cmd.Args) {
		return false
	}
	for i := 1; i < len(parts); i++ {
		if parts[i] != "*" && parts[i] != cmd.Args[i-1] {
			return false
		}
	}
	return true
}

// BuildPattern creates a rule pattern for a command.
// For "git commit -m msg", returns "git commit *"
// For "ls -la", returns "ls *"
func BuildPattern(cmd BashCommand) string {
	if cmd.Subcommand != "" {
		return cmd.Name + " " + cmd.Subcommand + " *"
	}
	return cmd.Name + " *"
}
