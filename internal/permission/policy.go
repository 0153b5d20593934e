package permission

import (
	"slices"
	"strings"
)

// ReadOnlyVerbs are the commands the read-only policy admits. A nil
// subcommand list admits any arguments; otherwise the first non-flag
// argument must be in the list.
var ReadOnlyVerbs = map[string][]string{
	"ls":       nil,
	"cat":      nil,
	"head":     nil,
	"tail":     nil,
	"grep":     nil,
	"egrep":    nil,
	"fgrep":    nil,
	"rg":       nil,
	"find":     nil,
	"wc":       nil,
	"pwd":      nil,
	"echo":     nil,
	"printf":   nil,
	"stat":     nil,
	"file":     nil,
	"du":       nil,
	"df":       nil,
	"tree":     nil,
	"sort":     nil,
	"uniq":     nil,
	"cut":      nil,
	"diff":     nil,
	"which":    nil,
	"date":     nil,
	"whoami":   nil,
	"uname":    nil,
	"basename": nil,
	"dirname":  nil,
	"realpath": nil,
	"true":     nil,
	"git":      {"status", "log", "diff", "show", "branch", "rev-parse", "ls-files", "blame"},
}

// escalation commands are always refused.
var escalation = map[string]bool{
	"sudo":   true,
	"su":     true,
	"doas":   true,
	"pkexec": true,
}

// forbiddenArgs lists arguments that turn an admitted verb into a writer
// or make it run another program. Each matches exactly or with "=value".
var forbiddenArgs = map[string][]string{
	"find": {"-exec", "-execdir", "-ok", "-okdir", "-delete", "-fprint", "-fprint0", "-fprintf", "-fls"},
	"sort": {"--output", "--compress-program"},
	"git":  {"--output", "--ext-diff", "--textconv", "--exec-path", "--config-env"},
	"rg":   {"--pre", "--pre-glob"},
}

// forbiddenShort lists single-letter options refused wherever they appear
// in a flag cluster, with or without an attached value ("-o/tmp/x", "-uo").
var forbiddenShort = map[string]string{
	"sort": "o",
	"tree": "o",
}

// maxOperands caps the non-flag arguments of verbs whose extra operand is
// an output file.
var maxOperands = map[string]int{
	"uniq": 1,
}

// Policy decides whether a shell command line may run.
type Policy struct {
	// ReadOnly restricts commands to ReadOnlyVerbs and refuses output
	// redirection.
	ReadOnly bool
	// Rules are consulted before the built-in lists. A deny always wins;
	// an allow admits a verb the read-only list lacks. Escalation and
	// recursive deletes are refused regardless.
	Rules Rules
}

// ReadOnly returns the restricted policy.
func ReadOnly() *Policy {
	return &Policy{ReadOnly: true}
}

// CheckReadOnly checks command against the restricted policy.
func CheckReadOnly(command string) error {
	return ReadOnly().Check(command)
}

// Check returns a *RejectedError if command violates the policy.
func (p *Policy) Check(command string) error {
	if strings.TrimSpace(command) == "" {
		return reject(KindParse, "", "empty command")
	}
	script, err := ParseScript(command)
	if err != nil {
		return reject(KindParse, command, "command could not be parsed (%v)", err)
	}

	if p.ReadOnly {
		for _, r := range script.Redirects {
			if r.Writes() && r.Target != "/dev/null" {
				return reject(KindRedirect, command, "output redirection to %q is not permitted in read-only mode", r.Target)
			}
		}
		if script.Background {
			return reject(KindVerb, command, "background jobs are not permitted in read-only mode")
		}
		if len(script.Assigns) > 0 {
			return reject(KindArgument, command, "setting %s is not permitted in read-only mode", script.Assigns[0])
		}
	}

	for _, cmd := range script.Commands {
		if err := p.checkCommand(cmd, command); err != nil {
			return err
		}
	}
	return nil
}

func (p *Policy) checkCommand(cmd BashCommand, command string) error {
	name := commandBase(cmd.Name)

	if escalation[name] {
		return reject(KindEscalation, command, "privilege escalation via %s is not permitted", name)
	}
	if name == "rm" && isRecursiveRemove(cmd.Args) {
		return reject(KindRecursive, command, "recursive delete is not permitted")
	}

	action := p.Rules.Match(cmd)
	if action == ActionDeny {
		return reject(KindDenied, command, "%s is denied by rule %q", name, BuildPattern(cmd))
	}
	if !p.ReadOnly || action == ActionAllow {
		return nil
	}

	if IsDangerousCommand(name) {
		return reject(KindDestructive, command, "%s modifies the system and is not permitted in read-only mode", name)
	}
	subs, ok := ReadOnlyVerbs[name]
	if !ok {
		return reject(KindVerb, command, "%s is not a permitted read-only command", name)
	}
	if subs != nil && !slices.Contains(subs, cmd.Subcommand) {
		return reject(KindVerb, command, "%s %s is not a permitted read-only command", name, cmd.Subcommand)
	}
	operands := 0
	for _, arg := range cmd.Args {
		for _, bad := range forbiddenArgs[name] {
			if arg == bad || strings.HasPrefix(arg, bad+"=") {
				return reject(KindArgument, command, "%s %s is not permitted in read-only mode", name, bad)
			}
		}
		if letters, ok := forbiddenShort[name]; ok && isShortCluster(arg) && strings.ContainsAny(arg[1:], letters) {
			return reject(KindArgument, command, "%s %s is not permitted in read-only mode", name, arg)
		}
		if !strings.HasPrefix(arg, "-") || arg == "-" {
			operands++
		}
	}
	if limit, ok := maxOperands[name]; ok && operands > limit {
		return reject(KindArgument, command, "%s with %d operands writes its output file and is not permitted in read-only mode", name, operands)
	}
	return nil
}

func isShortCluster(arg string) bool {
	return len(arg) > 1 && arg[0] == '-' && arg[1] != '-'
}

func isRecursiveRemove(args []string) bool {
	for _, arg := range args {
		if arg == "--" {
			return false
		}
		if arg == "--recursive" {
			return true
		}
		if strings.HasPrefix(arg, "-") && !strings.HasPrefix(arg, "--") &&
			strings.ContainsAny(arg[1:], "rR") {
			return true
		}
	}
	return false
}
