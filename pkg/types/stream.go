package types

// BlockKind is the kind announced by a BlockStart event.
type BlockKind string

const (
	KindText     BlockKind = "text"
	KindThinking BlockKind = "thinking"
	KindToolUse  BlockKind = "tool_use"
)

// DeltaKind identifies which accumulator a BlockDelta fragment feeds.
type DeltaKind string

const (
	DeltaText      DeltaKind = "text"
	DeltaThinking  DeltaKind = "thinking"
	DeltaArguments DeltaKind = "arguments"
	DeltaSignature DeltaKind = "signature"
)

// StreamEvent is one event produced by a provider stream.
// Events are consumed exactly once, in arrival order.
type StreamEvent interface {
	streamEvent()
}

// BlockStart opens the content block at Index.
// CallID and Name are only present for tool-use blocks, and only when the
// provider announces them up front.
type BlockStart struct {
	Index  int
	Kind   BlockKind
	CallID string
	Name   string
	// Redacted is the opaque payload of a thinking block whose content the
	// provider encrypted. It arrives whole with the start event.
	Redacted string
}

func (BlockStart) streamEvent() {}

// BlockDelta carries one fragment for the block at Index.
type BlockDelta struct {
	Index    int
	Kind     DeltaKind
	Fragment string
	// CallID is set by providers that repeat the call id on every fragment.
	CallID string
}

func (BlockDelta) streamEvent() {}

// BlockStop closes the block at Index.
type BlockStop struct {
	Index int
}

func (BlockStop) streamEvent() {}

// MessageStop ends the assistant message.
type MessageStop struct {
	StopReason string
}

func (MessageStop) streamEvent() {}

// UsageUpdate reports token usage observed mid-stream.
// Later updates replace earlier non-zero counts.
type UsageUpdate struct {
	Usage Usage
}

func (UsageUpdate) streamEvent() {}

// UnknownEvent is an event kind the engine does not understand.
type UnknownEvent struct {
	Type string
}

func (UnknownEvent) streamEvent() {}
