// Package provider turns model endpoints into Transports.
//
// A Transport opens one streaming call per turn. The returned Stream yields
// block-level events (BlockStart, BlockDelta, BlockStop, MessageStop and
// UsageUpdate) in arrival order and ends with io.EOF. Failures to open or
// read are reported as *TransportError; Temporary tells callers whether a
// retry may help.
//
// # Transports
//
//   - Anthropic: the Messages API through anthropic-sdk-go. Block indices,
//     tool call ids and rate limit headers come straight from the wire.
//
//     t, err := provider.NewAnthropic(provider.AnthropicConfig{
//     Model:     "claude-sonnet-4-20250514",
//     MaxTokens: 8192,
//     })
//
//   - Eino: any eino ToolCallingChatModel. NewOpenAI, NewClaude (including
//     Bedrock) and NewArk build one. Eino delivers whole message chunks, so
//     the stream assigns block indices itself: each run of reasoning or
//     content is a block and each distinct tool call is a block.
//
//   - Scripted and Echo: in-memory transports for tests and offline runs.
//
// New picks a transport from a Config, accepting "provider/model" strings.
package provider
