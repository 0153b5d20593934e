package permission

import (
	"errors"
	"fmt"
)

// Action is the outcome of a rule match.
type Action string

const (
	ActionAllow Action = "allow"
	ActionDeny  Action = "deny"
	// ActionDefault means no rule matched; the policy's built-in lists apply.
	ActionDefault Action = ""
)

// Kind classifies a rejection.
type Kind string

const (
	KindParse       Kind = "unparseable"
	KindVerb        Kind = "verb_not_permitted"
	KindRedirect    Kind = "output_redirect"
	KindRecursive   Kind = "recursive_delete"
	KindEscalation  Kind = "privilege_escalation"
	KindDestructive Kind = "destructive"
	KindArgument    Kind = "argument_not_permitted"
	KindDenied      Kind = "denied_by_rule"
	KindRepeat      Kind = "repeated_call"
)

// ErrRejected is matched by every *RejectedError.
var ErrRejected = errors.New("permission rejected")

// RejectedError is returned when a command or call is refused.
type RejectedError struct {
	Kind    Kind
	Command string
	Message string
}

func (e *RejectedError) Error() string {
	if e.Command != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Command)
	}
	return e.Message
}

func (e *RejectedError) Is(target error) bool {
	return target == ErrRejected
}

// IsRejectedError checks if an error is a permission rejection.
func IsRejectedError(err error) bool {
	var rej *RejectedError
	return errors.As(err, &rej)
}

func reject(kind Kind, command, format string, args ...any) *RejectedError {
	return &RejectedError{Kind: kind, Command: command, Message: fmt.Sprintf(format, args...)}
}
