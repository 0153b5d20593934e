package toolcall

import (
	"encoding/json"
	"errors"
	"reflect"
	"sort"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedID() Option {
	return WithIDGenerator(func() string { return "generated" })
}

func TestBuffer_FragmentedCommand(t *testing.T) {
	b := New()
	b.Start(0, "toolu_1", "bash")

	b.Append(0, `{"comma`, "")
	b.Append(0, `nd": "ech`, "")
	status := b.Append(0, `o hi"}`, "")
	assert.True(t, status.Parseable)
	assert.Equal(t, 22, status.Bytes)

	call, err := b.Finalize(0)
	require.NoError(t, err)
	assert.Equal(t, "bash", call.Name)
	assert.Equal(t, "toolu_1", call.CallID)
	assert.Equal(t, map[string]any{"command": "echo hi"}, call.Arguments)
	assert.Equal(t, FormatJSON, call.Format)
	assert.Empty(t, b.Pending())
}

func TestBuffer_PartialIsNotParseable(t *testing.T) {
	b := New()
	status := b.Append(3, `{"path": "/tm`, "")
	assert.False(t, status.Parseable)
	assert.Equal(t, 3, status.Index)
	assert.Equal(t, []int{3}, b.Pending())
}

func TestBuffer_EmptyBufferYieldsEmptyArguments(t *testing.T) {
	b := New(fixedID())
	b.Start(0, "", "screenshot")

	call, err := b.Finalize(0)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{}, call.Arguments)
	assert.Equal(t, "generated", call.CallID)
}

func TestBuffer_CallIDFromFragments(t *testing.T) {
	b := New()
	b.Append(1, `{"a":`, "call_9")
	b.Append(1, `1}`, "call_9")

	call, err := b.Finalize(1)
	require.NoError(t, err)
	assert.Equal(t, "call_9", call.CallID)
	assert.Equal(t, 1, call.Index)
}

func TestBuffer_LenientJSON(t *testing.T) {
	b := New()
	b.Start(0, "c1", "edit")
	b.Append(0, "```json\n{\n  // target\n  \"path\": \"a.go\",\n  \"count\": 2,\n}\n```", "")

	call, err := b.Finalize(0)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"path": "a.go", "count": float64(2)}, call.Arguments)
}

func TestBuffer_WrapperUnwrappedOnlyWithoutAnnouncedName(t *testing.T) {
	payload := `{"name":"bash","arguments":{"command":"ls"}}`

	b := New()
	b.Append(0, payload, "")
	call, err := b.Finalize(0)
	require.NoError(t, err)
	assert.Equal(t, "bash", call.Name)
	assert.Equal(t, map[string]any{"command": "ls"}, call.Arguments)

	b.Start(0, "c", "record")
	b.Append(0, payload, "")
	call, err = b.Finalize(0)
	require.NoError(t, err)
	assert.Equal(t, "record", call.Name)
	assert.Equal(t, "bash", call.Arguments["name"])
}

func TestBuffer_WrapperWithStringArguments(t *testing.T) {
	b := New()
	b.Append(0, `{"name":"read","input":"{\"path\":\"x\"}"}`, "")

	call, err := b.Finalize(0)
	require.NoError(t, err)
	assert.Equal(t, "read", call.Name)
	assert.Equal(t, map[string]any{"path": "x"}, call.Arguments)
}

func TestBuffer_Markup(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		wantName string
		wantArgs map[string]any
	}{
		{
			name:     "invoke",
			raw:      `<invoke name="bash"><parameter name="command">echo hi</parameter><parameter name="timeout">30</parameter></invoke>`,
			wantName: "bash",
			wantArgs: map[string]any{"command": "echo hi", "timeout": float64(30)},
		},
		{
			name:     "invoke without closing tag",
			raw:      "<invoke name=\"computer\">\n<parameter name=\"action\">screenshot</parameter>\n",
			wantName: "computer",
			wantArgs: map[string]any{"action": "screenshot"},
		},
		{
			name:     "function style",
			raw:      "<function=edit>\n<parameter=path>\nmain.go\n</parameter>\n<parameter=replace_all>true</parameter>\n</function>",
			wantName: "edit",
			wantArgs: map[string]any{"path": "main.go", "replace_all": true},
		},
		{
			name:     "tool_call json",
			raw:      `<tool_call>{"name": "read", "arguments": {"path": "go.mod"}}</tool_call>`,
			wantName: "read",
			wantArgs: map[string]any{"path": "go.mod"},
		},
		{
			name:     "object parameter",
			raw:      `<invoke name="computer"><parameter name="coordinate">[10, 20]</parameter></invoke>`,
			wantName: "computer",
			wantArgs: map[string]any{"coordinate": []any{float64(10), float64(20)}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New(WithFormats(FormatMarkup))
			b.Append(0, tt.raw, "")
			call, err := b.Finalize(0)
			require.NoError(t, err)
			assert.Equal(t, FormatMarkup, call.Format)
			assert.Equal(t, tt.wantName, call.Name)
			assert.Equal(t, tt.wantArgs, call.Arguments)
		})
	}
}

func TestBuffer_AnnouncedNameWinsOverMarkup(t *testing.T) {
	b := New()
	b.Start(0, "c", "bash")
	b.Append(0, `<invoke name="shell"><parameter name="command">pwd</parameter></invoke>`, "")

	call, err := b.Finalize(0)
	require.NoError(t, err)
	assert.Equal(t, "bash", call.Name)
}

func TestBuffer_FormatOrder(t *testing.T) {
	raw := `<invoke name="bash"><parameter name="command">ls</parameter></invoke>`

	t.Run("json only rejects markup", func(t *testing.T) {
		b := New(WithFormats(FormatJSON))
		b.Append(0, raw, "")
		_, err := b.Finalize(0)
		require.Error(t, err)
	})

	t.Run("markup first", func(t *testing.T) {
		b := New(WithFormats(FormatMarkup, FormatJSON))
		assert.Equal(t, []Format{FormatMarkup, FormatJSON}, b.Formats())

		b.Append(0, `{"command":"ls"}`, "")
		call, err := b.Finalize(0)
		require.NoError(t, err)
		assert.Equal(t, FormatJSON, call.Format)
	})

	t.Run("empty option keeps defaults", func(t *testing.T) {
		b := New(WithFormats())
		assert.Equal(t, DefaultFormats, b.Formats())
	})
}

func TestBuffer_ParseErrorAttempts(t *testing.T) {
	b := New()

	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		b.Start(0, "c1", "bash")
		b.Append(0, `{"command": "ls`, "")

		_, err := b.Finalize(0)
		require.Error(t, err)

		var perr *ParseError
		require.True(t, errors.As(err, &perr))
		assert.True(t, errors.Is(err, ErrUnparseable))
		assert.Equal(t, attempt, perr.Attempts)
		assert.Equal(t, `{"command": "ls`, perr.Raw)
		assert.Equal(t, "bash", perr.Name)
		assert.Equal(t, attempt == MaxAttempts, perr.Exhausted)
	}

	// The exhausted entry is gone, so a new block at index 0 starts over.
	assert.Equal(t, 0, b.Attempts(0))
	b.Start(0, "c2", "bash")
	b.Append(0, `{"command":"ls"}`, "")
	call, err := b.Finalize(0)
	require.NoError(t, err)
	assert.Equal(t, "c2", call.CallID)
}

func TestBuffer_FailedFinalizeKeepsAttemptsOnly(t *testing.T) {
	b := New()
	b.Append(0, `not json`, "")
	_, err := b.Finalize(0)
	require.Error(t, err)
	assert.Equal(t, 1, b.Attempts(0))

	// Stale raw text must not leak into the retry.
	b.Append(0, `{"ok":true}`, "")
	call, err := b.Finalize(0)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true}, call.Arguments)
	assert.Equal(t, 0, b.Attempts(0))
}

func TestBuffer_NonObjectJSONRejected(t *testing.T) {
	b := New(WithFormats(FormatJSON))
	b.Append(0, `["a"]`, "")
	_, err := b.Finalize(0)
	require.Error(t, err)
}

func TestBuffer_IndicesAreIndependent(t *testing.T) {
	b := New()
	b.Start(0, "a", "read")
	b.Start(1, "b", "bash")

	b.Append(0, `{"path":`, "")
	b.Append(1, `{"command":`, "")
	b.Append(0, `"x"}`, "")
	b.Append(1, `"ls"}`, "")

	first, err := b.Finalize(0)
	require.NoError(t, err)

	// Reusing index 0 must not disturb index 1.
	b.Start(0, "c", "read")
	b.Append(0, `{"path":"y"}`, "")

	second, err := b.Finalize(1)
	require.NoError(t, err)
	third, err := b.Finalize(0)
	require.NoError(t, err)

	assert.Equal(t, "x", first.Arguments["path"])
	assert.Equal(t, "ls", second.Arguments["command"])
	assert.Equal(t, "y", third.Arguments["path"])
}

func TestBuffer_Reset(t *testing.T) {
	b := New()
	b.Append(0, `{"a":`, "")
	b.Append(1, `x`, "")
	_, _ = b.Finalize(1)

	b.Reset()
	assert.Empty(t, b.Pending())
	assert.Equal(t, 0, b.Attempts(1))
}

func TestBuffer_Discard(t *testing.T) {
	b := New()
	b.Start(2, "c", "bash")
	b.Append(2, `{"command": "l`, "")

	assert.Equal(t, `{"command": "l`, b.Discard(2))
	assert.Empty(t, b.Pending())
	assert.Equal(t, "", b.Discard(2))
}

func TestParsedCall_Conversions(t *testing.T) {
	c := ParsedCall{CallID: "id", Name: "bash", Arguments: map[string]any{"command": "ls"}}
	assert.Equal(t, "bash", c.Request().Name)
	assert.Equal(t, "id", c.Block().CallID)
}

// TestFragmentationProperty checks that any split of a valid payload
// finalizes to the same call as the unsplit payload.
func TestFragmentationProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	finalize := func(pieces []string) (ParsedCall, error) {
		b := New(fixedID())
		b.Start(0, "", "tool")
		for _, p := range pieces {
			b.Append(0, p, "")
		}
		return b.Finalize(0)
	}

	properties.Property("fragmented equals whole", prop.ForAll(
		func(args map[string]string, cuts []int) bool {
			data, err := json.Marshal(args)
			if err != nil {
				return false
			}
			payload := string(data)

			points := make([]int, 0, len(cuts))
			for _, c := range cuts {
				points = append(points, c%(len(payload)+1))
			}
			sort.Ints(points)

			pieces := make([]string, 0, len(points)+1)
			prev := 0
			for _, p := range points {
				pieces = append(pieces, payload[prev:p])
				prev = p
			}
			pieces = append(pieces, payload[prev:])

			whole, werr := finalize([]string{payload})
			split, serr := finalize(pieces)
			if werr != nil || serr != nil {
				return false
			}
			return reflect.DeepEqual(whole, split)
		},
		gen.MapOf(gen.Identifier(), gen.AnyString()),
		gen.SliceOf(gen.IntRange(0, 10_000)),
	))

	properties.TestingRun(t)
}
