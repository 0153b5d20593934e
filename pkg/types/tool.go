package types

// ToolCallRequest is a parsed tool call handed to the dispatcher.
type ToolCallRequest struct {
	CallID    string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"input"`
}

// Attachment is a binary payload encoded as base64 text.
type Attachment struct {
	MediaType string `json:"mediaType"`
	Data      string `json:"data"`
}

// ToolResult is the outcome of one tool call.
// At most one of Output and Error is authoritative; both are nil when the
// tool produced nothing.
type ToolResult struct {
	CallID     string      `json:"toolUseID"`
	Name       string      `json:"name,omitempty"`
	Output     *string     `json:"output,omitempty"`
	Error      *string     `json:"error,omitempty"`
	ErrorKind  ErrorKind   `json:"errorKind,omitempty"`
	Attachment *Attachment `json:"attachment,omitempty"`
}

// IsError reports whether the result carries an error.
func (r ToolResult) IsError() bool {
	return r.Error != nil
}

// Text returns the error or output text, whichever is authoritative.
func (r ToolResult) Text() string {
	if r.Error != nil {
		return *r.Error
	}
	if r.Output != nil {
		return *r.Output
	}
	return ""
}

// OutputResult builds a successful result.
func OutputResult(callID, name, output string) ToolResult {
	return ToolResult{CallID: callID, Name: name, Output: &output}
}

// ErrorResult builds a failed result.
func ErrorResult(callID, name string, kind ErrorKind, msg string) ToolResult {
	return ToolResult{CallID: callID, Name: name, Error: &msg, ErrorKind: kind}
}
