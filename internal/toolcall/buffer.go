// Package toolcall reassembles tool-call arguments that arrive as fragments
// spread over a stream, one accumulator per content-block index.
package toolcall

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/opencode-ai/agentloop/pkg/types"
)

// MaxAttempts is the number of failed finalizations tolerated per index
// before the entry is dropped.
const MaxAttempts = 3

// Format is a serialization style recognized by Finalize.
type Format string

const (
	// FormatJSON is a JSON object, tried strictly and then leniently.
	FormatJSON Format = "json"
	// FormatMarkup is the tagged invoke/parameter syntax.
	FormatMarkup Format = "markup"
)

// DefaultFormats is the parse order used when none is configured.
var DefaultFormats = []Format{FormatJSON, FormatMarkup}

// ErrUnparseable is matched by every *ParseError.
var ErrUnparseable = errors.New("tool call arguments unparseable")

// ParsedCall is a fully materialized tool call.
type ParsedCall struct {
	Index     int
	CallID    string
	Name      string
	Arguments map[string]any
	Format    Format
}

// Request converts the call into a dispatcher request.
func (c ParsedCall) Request() types.ToolCallRequest {
	return types.ToolCallRequest{CallID: c.CallID, Name: c.Name, Arguments: c.Arguments}
}

// Block converts the call into a history block.
func (c ParsedCall) Block() types.ToolUseBlock {
	return types.ToolUseBlock{CallID: c.CallID, Name: c.Name, Arguments: c.Arguments}
}

// ParseError reports a buffer that matched none of the configured formats.
type ParseError struct {
	Index    int
	CallID   string
	Name     string
	Raw      string
	Attempts int
	// Exhausted is set once Attempts reached MaxAttempts and the entry was dropped.
	Exhausted bool
	Err       error
}

func (e *ParseError) Error() string {
	name := e.Name
	if name == "" {
		name = "unknown tool"
	}
	return fmt.Sprintf("parse arguments for %s (index %d, attempt %d/%d): %v",
		name, e.Index, e.Attempts, MaxAttempts, e.Err)
}

func (e *ParseError) Unwrap() []error {
	return []error{ErrUnparseable, e.Err}
}

// Status is the partial state reported by Append.
type Status struct {
	Index int
	Bytes int
	// Parseable reports whether the buffer is currently a complete JSON value.
	Parseable bool
}

type entry struct {
	raw      strings.Builder
	callID   string
	name     string
	attempts int
}

// Buffer holds per-index accumulators. It is safe for concurrent use, though
// a single stream feeds it sequentially.
type Buffer struct {
	mu      sync.Mutex
	entries map[int]*entry
	formats []Format
	newID   func() string
}

// Option configures a Buffer.
type Option func(*Buffer)

// WithFormats sets the parse order. Formats left out are disabled.
func WithFormats(formats ...Format) Option {
	return func(b *Buffer) {
		if len(formats) > 0 {
			b.formats = append([]Format(nil), formats...)
		}
	}
}

// WithIDGenerator replaces the call id generator used when the stream
// announced none.
func WithIDGenerator(fn func() string) Option {
	return func(b *Buffer) { b.newID = fn }
}

// New creates an empty buffer.
func New(opts ...Option) *Buffer {
	b := &Buffer{
		entries: make(map[int]*entry),
		formats: append([]Format(nil), DefaultFormats...),
		newID:   func() string { return "toolu_" + ulid.Make().String() },
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Formats returns the configured parse order.
func (b *Buffer) Formats() []Format {
	return append([]Format(nil), b.formats...)
}

// Start records the fields announced when the block opened. An entry kept
// from an earlier failed attempt is cleared but keeps its attempt count.
func (b *Buffer) Start(index int, callID, name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.entryLocked(index)
	e.raw.Reset()
	e.callID = callID
	e.name = name
}

// Append adds a fragment to the entry at index, creating it if needed.
func (b *Buffer) Append(index int, fragment, callID string) Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.entryLocked(index)
	e.raw.WriteString(fragment)
	if callID != "" && e.callID == "" {
		e.callID = callID
	}
	raw := e.raw.String()
	return Status{
		Index:     index,
		Bytes:     len(raw),
		Parseable: json.Valid([]byte(raw)),
	}
}

// Pending returns the indices that hold unfinalized data.
func (b *Buffer) Pending() []int {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []int
	for idx, e := range b.entries {
		if e.raw.Len() > 0 || e.callID != "" || e.name != "" {
			out = append(out, idx)
		}
	}
	return out
}

// Attempts returns the failed finalizations recorded for index.
func (b *Buffer) Attempts(index int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entries[index]; ok {
		return e.attempts
	}
	return 0
}

// Finalize parses the entry at index. On success the entry is removed. On
// failure the raw text is discarded, the attempt count grows, and the entry
// is removed once MaxAttempts is reached.
func (b *Buffer) Finalize(index int) (ParsedCall, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.entryLocked(index)
	raw := e.raw.String()

	call, err := b.parse(raw, e.name)
	if err == nil {
		call.Index = index
		if e.name != "" {
			call.Name = e.name
		}
		call.CallID = e.callID
		if call.CallID == "" {
			call.CallID = b.newID()
		}
		delete(b.entries, index)
		return call, nil
	}

	e.attempts++
	perr := &ParseError{
		Index:    index,
		CallID:   e.callID,
		Name:     e.name,
		Raw:      raw,
		Attempts: e.attempts,
		Err:      err,
	}
	if e.attempts >= MaxAttempts {
		perr.Exhausted = true
		delete(b.entries, index)
	} else {
		e.raw.Reset()
	}
	return ParsedCall{}, perr
}

// Discard drops the entry at index without parsing it and returns the raw
// text it held.
func (b *Buffer) Discard(index int) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[index]
	if !ok {
		return ""
	}
	delete(b.entries, index)
	return e.raw.String()
}

// Reset abandons every entry, including attempt counts.
func (b *Buffer) Reset() {
	b.mu.Lock()
	b.entries = make(map[int]*entry)
	b.mu.Unlock()
}

func (b *Buffer) entryLocked(index int) *entry {
	e, ok := b.entries[index]
	if !ok {
		e = &entry{}
		b.entries[index] = e
	}
	return e
}

// parse tries each configured format in order and returns the first match.
func (b *Buffer) parse(raw, announced string) (ParsedCall, error) {
	if strings.TrimSpace(raw) == "" {
		return ParsedCall{Arguments: map[string]any{}, Format: FormatJSON}, nil
	}

	var errs []error
	for _, f := range b.formats {
		var (
			call ParsedCall
			err  error
		)
		switch f {
		case FormatJSON:
			call, err = parseJSON(raw, announced == "")
		case FormatMarkup:
			call, err = parseMarkup(raw)
		default:
			err = fmt.Errorf("unsupported format %q", f)
		}
		if err == nil {
			call.Format = f
			return call, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", f, err))
	}
	return ParsedCall{}, errors.Join(errs...)
}
