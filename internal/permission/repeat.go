package permission

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
)

// DefaultRepeatLimit is the number of identical consecutive calls allowed.
const DefaultRepeatLimit = 3

const repeatHistory = 10

// RepeatGuard tracks identical consecutive tool calls per scope so a model
// stuck re-issuing the same call can be stopped.
type RepeatGuard struct {
	limit int

	mu      sync.Mutex
	history map[string][]string // scope -> last call hashes
}

// NewRepeatGuard creates a guard admitting limit identical calls in a row.
// A limit of zero or less disables the guard.
func NewRepeatGuard(limit int) *RepeatGuard {
	return &RepeatGuard{
		limit:   limit,
		history: make(map[string][]string),
	}
}

// Limit returns the configured limit.
func (g *RepeatGuard) Limit() int {
	if g == nil {
		return 0
	}
	return g.limit
}

// Check records the call and returns a *RejectedError when it is the
// (limit+1)th identical call in a row.
func (g *RepeatGuard) Check(scope, toolName string, input any) error {
	if g == nil || g.limit <= 0 {
		return nil
	}
	hash := hashCall(toolName, input)

	g.mu.Lock()
	defer g.mu.Unlock()

	history := g.history[scope]
	repeated := len(history) >= g.limit
	if repeated {
		for _, h := range history[len(history)-g.limit:] {
			if h != hash {
				repeated = false
				break
			}
		}
	}

	history = append(history, hash)
	if keep := max(repeatHistory, g.limit); len(history) > keep {
		history = history[len(history)-keep:]
	}
	g.history[scope] = history

	if repeated {
		return reject(KindRepeat, "", "%s called with identical arguments more than %d times in a row", toolName, g.limit)
	}
	return nil
}

// Reset forgets the history for a scope.
func (g *RepeatGuard) Reset(scope string) {
	if g == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.history, scope)
}

func hashCall(toolName string, input any) string {
	data, _ := json.Marshal(map[string]any{
		"tool":  toolName,
		"input": input,
	})
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
