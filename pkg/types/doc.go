// Package types provides the core data types shared by the agent loop:
// conversation messages, content blocks, stream events and tool results.
package types
