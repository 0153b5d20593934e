// Package permission decides whether shell commands and repeated tool calls
// may run.
//
// Commands are parsed with mvdan.cc/sh so pipelines, chains, subshells and
// command substitutions are all inspected:
//
//	script, err := ParseScript("cat go.mod | grep module > /dev/null")
//	// script.Commands: cat, grep; script.Redirects: > /dev/null
//
// A Policy checks every command in a script. The read-only policy admits the
// verbs in ReadOnlyVerbs and refuses output redirection, recursive deletes,
// privilege escalation and anything in DangerousCommands:
//
//	if err := CheckReadOnly("rm -rf /"); err != nil {
//		// err is a *RejectedError with Kind KindRecursive
//	}
//
// Rules add wildcard patterns on top of the built-in lists:
//
//	p := &Policy{ReadOnly: true, Rules: Rules{"make test *": ActionAllow, "git *": ActionDeny}}
//
// RepeatGuard rejects a tool call issued with identical arguments more than
// its limit times in a row.
package permission
