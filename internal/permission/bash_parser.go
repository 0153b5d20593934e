package permission

import (
	"fmt"
	"path/filepath"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// BashCommand represents a parsed command with its arguments.
type BashCommand struct {
	Name       string   // Command name (e.g., "rm", "git")
	Args       []string // Command arguments
	Subcommand string   // First non-flag argument (e.g., "commit" in "git commit")
}

// Redirect is one I/O redirection found in a script.
type Redirect struct {
	Op     string // Operator as written (">", ">>", "<", "&>", ...)
	Target string
}

// Writes reports whether the redirection sends output somewhere.
func (r Redirect) Writes() bool {
	switch r.Op {
	case ">", ">>", ">|", "&>", "&>>", "<>":
		return true
	case ">&":
		// fd duplication such as 2>&1 stays in the process
		return !isFD(r.Target)
	}
	return false
}

func isFD(s string) bool {
	if s == "-" {
		return true
	}
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// Script is the structural summary of a shell command line.
type Script struct {
	Commands []BashCommand
	// Redirects holds every redirection, including those inside
	// substitutions and subshells.
	Redirects []Redirect
	// Substitutions counts $(...), `...` and process substitutions.
	Substitutions int
	// Assigns names the variables set by assignments, whether alone or as
	// a command's environment prefix.
	Assigns    []string
	Background bool
}

// ParseScript parses a command line and collects its commands, redirects and
// substitutions. Commands nested in substitutions are included.
func ParseScript(command string) (*Script, error) {
	parser := syntax.NewParser(
		syntax.Variant(syntax.LangBash),
		syntax.KeepComments(false),
	)

	file, err := parser.Parse(strings.NewReader(command), "")
	if err != nil {
		return nil, fmt.Errorf("failed to parse command: %w", err)
	}

	script := &Script{}
	syntax.Walk(file, func(node syntax.Node) bool {
		switch n := node.(type) {
		case *syntax.Stmt:
			if n.Background {
				script.Background = true
			}
			for _, r := range n.Redirs {
				rd := Redirect{Op: r.Op.String()}
				if r.Word != nil {
					rd.Target = wordToString(r.Word)
				}
				script.Redirects = append(script.Redirects, rd)
			}
		case *syntax.CallExpr:
			for _, as := range n.Assigns {
				if as.Name != nil {
					script.Assigns = append(script.Assigns, as.Name.Value)
				}
			}
			cmd := extractCommand(n)
			if cmd != nil {
				script.Commands = append(script.Commands, *cmd)
			}
		case *syntax.DeclClause:
			cmd := BashCommand{Name: n.Variant.Value}
			for _, as := range n.Args {
				if as.Name != nil {
					script.Assigns = append(script.Assigns, as.Name.Value)
					cmd.Args = append(cmd.Args, as.Name.Value)
				}
			}
			script.Commands = append(script.Commands, cmd)
		case *syntax.CmdSubst, *syntax.ProcSubst:
			script.Substitutions++
		}
		return true
	})

	return script, nil
}

// extractCommand extracts command name and arguments from a CallExpr.
func extractCommand(call *syntax.CallExpr) *BashCommand {
	if len(call.Args) == 0 {
		return nil
	}

	cmd := &BashCommand{}
	cmd.Name = wordToString(call.Args[0])
	if cmd.Name == "" {
		return nil
	}

	for _, arg := range call.Args[1:] {
		argStr := wordToString(arg)
		cmd.Args = append(cmd.Args, argStr)

		if cmd.Subcommand == "" && !strings.HasPrefix(argStr, "-") {
			cmd.Subcommand = argStr
		}
	}

	return cmd
}

// wordToString converts a syntax.Word to a string.
func wordToString(word *syntax.Word) string {
	var sb strings.Builder
	for _, part := range word.Parts {
		switch p := part.(type) {
		case *syntax.Lit:
			sb.WriteString(p.Value)
		case *syntax.SglQuoted:
			sb.WriteString(p.Value)
		case *syntax.DblQuoted:
			for _, qp := range p.Parts {
				switch q := qp.(type) {
				case *syntax.Lit:
					sb.WriteString(q.Value)
				case *syntax.ParamExp:
					sb.WriteString("$" + q.Param.Value)
				case *syntax.CmdSubst:
					sb.WriteString("$()")
				}
			}
		case *syntax.ParamExp:
			// Variable expansion - return placeholder
			sb.WriteString("$" + p.Param.Value)
		case *syntax.CmdSubst:
			// Command substitution - ignore the content, mark as dynamic
			sb.WriteString("$()")
		}
	}
	return sb.String()
}

// DangerousCommands modify files, processes or the system.
var DangerousCommands = map[string]bool{
	"cd":       true,
	"rm":       true,
	"cp":       true,
	"mv":       true,
	"mkdir":    true,
	"touch":    true,
	"chmod":    true,
	"chown":    true,
	"rmdir":    true,
	"dd":       true,
	"ln":       true,
	"shred":    true,
	"truncate": true,
	"mkfs":     true,
	"kill":     true,
	"pkill":    true,
	"killall":  true,
	"reboot":   true,
	"shutdown": true,
	"tee":      true,
}

// IsDangerousCommand checks if a command is in the dangerous list.
func IsDangerousCommand(name string) bool {
	return DangerousCommands[commandBase(name)]
}

// commandBase strips a directory prefix so /bin/rm matches rm.
func commandBase(name string) string {
	if strings.Contains(name, "/") {
		return filepath.Base(name)
	}
	return name
}
