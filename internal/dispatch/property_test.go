package dispatch

import (
	"context"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/opencode-ai/agentloop/internal/permission"
	"github.com/opencode-ai/agentloop/internal/tool"
	"github.com/opencode-ai/agentloop/pkg/types"
)

var (
	adversarialKeys = []string{
		"command", "cmd", "script", "timeout", "description",
		"action", "x", "y", "text", "key", "url", "amount", "direction", "duration_ms",
		"", "__proto__", "command ",
	}
	adversarialValues = []any{
		nil, "", "ls", "rm -rf /", "sudo ls", "cat /etc/passwd > /tmp/x", "$(reboot)",
		"click", "scroll", "wait", "screenshot", "navigate", "file:///etc/passwd",
		-1, 0, 5, 99, 100, 1 << 40, 1e308, -0.5, math.Inf(1), math.NaN(),
		true, false,
		[]any{"ls", 1}, map[string]any{"command": "ls"},
		strings.Repeat("x", 4096), "\x00\xff", make(chan int), func() {},
	}
	toolNames = []string{"bash", "computer", "boom", "missing", ""}
)

// Execute returns a result for the requested call no matter what arguments
// it is given, and a read-only shell only ever runs commands the policy
// accepts.
func TestExecute_NeverPanicsProperty(t *testing.T) {
	spy := &spyExecutor{}
	d := New(newRegistry(
		restrictedBash(spy),
		tool.NewComputerTool(&screen{}),
		panicTool(),
	), Config{})
	policy := permission.ReadOnly()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	properties.Property("execute always returns a result", prop.ForAll(
		func(name string, keys []int, values []int) bool {
			args := make(map[string]any)
			for i, k := range keys {
				if i < len(values) {
					args[adversarialKeys[k]] = adversarialValues[values[i]]
				}
			}
			req := types.ToolCallRequest{CallID: "call_p", Name: name, Arguments: args}

			start := time.Now()
			res := d.Execute(context.Background(), req, time.Now().Add(200*time.Millisecond))
			if time.Since(start) > time.Second {
				return false
			}
			if res.CallID != req.CallID {
				return false
			}
			if res.IsError() && res.ErrorKind == "" {
				return false
			}
			if name == "missing" || name == "" || name == "boom" {
				return res.IsError()
			}
			return true
		},
		gen.OneConstOf(toolNames[0], toolNames[1], toolNames[2], toolNames[3], toolNames[4]),
		gen.SliceOf(gen.IntRange(0, len(adversarialKeys)-1)),
		gen.SliceOf(gen.IntRange(0, len(adversarialValues)-1)),
	))

	properties.TestingRun(t)

	for _, cmd := range spy.calls() {
		if err := policy.Check(cmd); err != nil {
			t.Errorf("executor ran refused command %q: %v", cmd, err)
		}
	}
}
