// Package session drives the agentic loop of one conversation.
//
// A Session owns the message history. Each turn it builds a request from the
// history, the system prompt and the declared tool schemas, waits for the
// shared rate limiter, streams the model response through the demultiplexer
// and commits the finalized assistant message. Tool calls found in the
// message are dispatched concurrently and their results are appended as one
// user message, after which the next turn starts. The loop ends when a turn
// produces no tool calls.
//
//	s, err := session.New(session.Options{
//		Transport: transport,
//		Limiter:   limiter,
//		Registry:  registry,
//		Model:     "claude-sonnet-4-20250514",
//		Callbacks: session.Callbacks{
//			OnText: func(fragment string) { fmt.Print(fragment) },
//		},
//	})
//	history, err := s.Run(ctx, "List the Go files in this directory")
//
// # States
//
// A turn moves through Idle, AwaitingRateClearance, Streaming and
// Finalizing. The loop stops in Done, or in Failed when the transport
// fails, the rate limiter gives up, tool arguments cannot be parsed after
// repeated attempts, or the step limit is reached.
//
// # Errors
//
// Tool failures never end the loop; they are returned to the model as error
// results. Transport failures and rate limit exhaustion end the run with
// the error wrapped so that errors.As finds *provider.TransportError or
// *ratelimit.ExhaustedError. The history returned alongside stays valid for
// a later Continue.
package session
