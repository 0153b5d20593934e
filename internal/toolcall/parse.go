package toolcall

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/jsonc"
)

var (
	errNotObject = errors.New("arguments are not a JSON object")
	errNoMarkup  = errors.New("no tool invocation markup found")
)

// argument keys that hold the payload of a {"name":..,"arguments":..} wrapper
var wrapperKeys = []string{"arguments", "input", "parameters"}

// parseJSON decodes raw as a JSON object, first strictly, then after
// stripping comments, trailing commas and surrounding prose. When unwrap is
// set a {"name":..,"arguments":{..}} wrapper yields its name and inner object.
func parseJSON(raw string, unwrap bool) (ParsedCall, error) {
	obj, err := decodeObject(raw)
	if err != nil {
		lenient := jsonc.ToJSON([]byte(extractObject(raw)))
		var lerr error
		if obj, lerr = decodeObject(string(lenient)); lerr != nil {
			return ParsedCall{}, err
		}
	}

	if unwrap {
		if name, args, ok := unwrapCall(obj); ok {
			return ParsedCall{Name: name, Arguments: args}, nil
		}
	}
	return ParsedCall{Arguments: obj}, nil
}

func decodeObject(raw string) (map[string]any, error) {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, err
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, errNotObject
	}
	return obj, nil
}

// extractObject trims anything outside the outermost braces, such as code
// fences around the object.
func extractObject(raw string) string {
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end < start {
		return raw
	}
	return raw[start : end+1]
}

func unwrapCall(obj map[string]any) (string, map[string]any, bool) {
	name, ok := obj["name"].(string)
	if !ok || name == "" {
		return "", nil, false
	}
	for _, key := range wrapperKeys {
		switch v := obj[key].(type) {
		case map[string]any:
			return name, v, true
		case string:
			if inner, err := decodeObject(v); err == nil {
				return name, inner, true
			}
		}
	}
	return "", nil, false
}

var (
	reInvoke   = regexp.MustCompile(`(?s)<invoke\s+name="([^"]+)"[^>]*>(.*?)(?:</invoke>|$)`)
	reParam    = regexp.MustCompile(`(?s)<parameter\s+name="([^"]+)"[^>]*>(.*?)</parameter>`)
	reFunction = regexp.MustCompile(`(?s)<function=([^>\s]+)>(.*?)(?:</function>|$)`)
	reFuncArg  = regexp.MustCompile(`(?s)<parameter=([^>\s]+)>(.*?)</parameter>`)
	reToolCall = regexp.MustCompile(`(?s)<tool_call>\s*(.*?)\s*</tool_call>`)
)

// parseMarkup extracts the first invocation written in one of the tagged
// styles models fall back to when they emit calls as text.
func parseMarkup(raw string) (ParsedCall, error) {
	if m := reInvoke.FindStringSubmatch(raw); m != nil {
		return ParsedCall{Name: m[1], Arguments: markupParams(reParam, m[2])}, nil
	}
	if m := reFunction.FindStringSubmatch(raw); m != nil {
		return ParsedCall{Name: m[1], Arguments: markupParams(reFuncArg, m[2])}, nil
	}
	if m := reToolCall.FindStringSubmatch(raw); m != nil {
		obj, err := decodeObject(m[1])
		if err != nil {
			return ParsedCall{}, fmt.Errorf("tool_call body: %w", err)
		}
		if name, args, ok := unwrapCall(obj); ok {
			return ParsedCall{Name: name, Arguments: args}, nil
		}
		return ParsedCall{}, errors.New("tool_call body has no name")
	}
	return ParsedCall{}, errNoMarkup
}

func markupParams(re *regexp.Regexp, body string) map[string]any {
	args := make(map[string]any)
	for _, pm := range re.FindAllStringSubmatch(body, -1) {
		args[pm[1]] = markupValue(pm[2])
	}
	return args
}

// markupValue keeps strings as written but decodes numbers, booleans,
// arrays and objects.
func markupValue(s string) any {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return trimmed
	}
	switch trimmed[0] {
	case '{', '[', 't', 'f', 'n', '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		var v any
		if err := json.Unmarshal([]byte(trimmed), &v); err == nil && v != nil {
			return v
		}
	}
	return trimmed
}
