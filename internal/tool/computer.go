package tool

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opencode-ai/agentloop/pkg/types"
)

// Driver performs GUI input and capture on a fixed-size screen.
type Driver interface {
	// Size returns the screen size in pixels.
	Size() (width, height int)
	// Screenshot returns a PNG of the current screen.
	Screenshot(ctx context.Context) ([]byte, error)
	Click(ctx context.Context, x, y int, button string, count int) error
	Move(ctx context.Context, x, y int) error
	Type(ctx context.Context, text string) error
	Key(ctx context.Context, key string) error
	Scroll(ctx context.Context, x, y, dx, dy int) error
	Navigate(ctx context.Context, url string) error
}

const computerDescription = `Controls a screen with the mouse and keyboard.

Actions:
- screenshot: capture the screen (no other fields needed)
- click, double_click, right_click: click at x,y
- move: move the mouse to x,y
- type: type text into the focused element
- key: press a named key such as Enter, Tab, Escape or ArrowDown
- scroll: scroll at x,y (default: screen center) by amount pixels in direction
- wait: pause for duration_ms milliseconds
- navigate: open url

Coordinates are pixels from the top-left corner and must lie on the screen.`

const maxWaitMs = 10000

var computerActions = []string{
	"screenshot", "click", "double_click", "right_click", "move",
	"type", "key", "scroll", "wait", "navigate",
}

// ComputerInput represents the input for the computer tool.
type ComputerInput struct {
	Action     string `json:"action"`
	X          *int   `json:"x,omitempty"`
	Y          *int   `json:"y,omitempty"`
	Text       string `json:"text,omitempty"`
	Key        string `json:"key,omitempty"`
	Direction  string `json:"direction,omitempty"`
	Amount     int    `json:"amount,omitempty"`
	DurationMs int    `json:"duration_ms,omitempty"`
	URL        string `json:"url,omitempty"`
}

// ComputerTool drives a Driver.
type ComputerTool struct {
	driver Driver
}

// NewComputerTool creates a computer tool over driver.
func NewComputerTool(driver Driver) *ComputerTool {
	return &ComputerTool{driver: driver}
}

func (t *ComputerTool) Name() string        { return "computer" }
func (t *ComputerTool) Description() string { return computerDescription }

func (t *ComputerTool) Parameters() json.RawMessage {
	width, height := t.driver.Size()
	return json.RawMessage(fmt.Sprintf(`{
		"type": "object",
		"properties": {
			"action": {
				"type": "string",
				"enum": ["%s"],
				"description": "The action to perform"
			},
			"x": {"type": "integer", "minimum": 0, "maximum": %d, "description": "Horizontal pixel coordinate"},
			"y": {"type": "integer", "minimum": 0, "maximum": %d, "description": "Vertical pixel coordinate"},
			"text": {"type": "string", "description": "Text to type"},
			"key": {"type": "string", "description": "Key name to press"},
			"direction": {"type": "string", "enum": ["up", "down", "left", "right"]},
			"amount": {"type": "integer", "minimum": 1, "maximum": 10000, "description": "Scroll distance in pixels"},
			"duration_ms": {"type": "integer", "minimum": 0, "maximum": %d},
			"url": {"type": "string", "description": "URL to open"}
		},
		"required": ["action"]
	}`, strings.Join(computerActions, `", "`), width-1, height-1, maxWaitMs))
}

func (t *ComputerTool) Aliases() map[string]string {
	return map[string]string{
		"keys":             "key",
		"scroll_direction": "direction",
		"scroll_amount":    "amount",
		"ms":               "duration_ms",
	}
}

// Defaults fill in the optional fields of scroll and wait.
func (t *ComputerTool) Defaults() map[string]any {
	return map[string]any{
		"direction":   "down",
		"amount":      300,
		"duration_ms": 1000,
	}
}

func (t *ComputerTool) Validate(args map[string]any) error {
	action, _ := args["action"].(string)
	switch action {
	case "click", "double_click", "right_click", "move":
		return t.checkPoint(args, true)
	case "scroll":
		return t.checkPoint(args, false)
	case "type":
		if s, _ := args["text"].(string); s == "" {
			return errors.New("type requires text")
		}
	case "key":
		if s, _ := args["key"].(string); s == "" {
			return errors.New("key requires key")
		}
	case "navigate":
		u, _ := args["url"].(string)
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return errors.New("navigate requires an http:// or https:// url")
		}
	}
	return nil
}

// checkPoint validates x,y against the screen.
func (t *ComputerTool) checkPoint(args map[string]any, required bool) error {
	x, hasX := intArg(args, "x")
	y, hasY := intArg(args, "y")
	if !hasX && !hasY && !required {
		return nil
	}
	if !hasX || !hasY {
		return errors.New("x and y are both required")
	}
	width, height := t.driver.Size()
	if x < 0 || x >= width || y < 0 || y >= height {
		return fmt.Errorf("coordinate (%d, %d) is outside the %dx%d screen", x, y, width, height)
	}
	return nil
}

func intArg(args map[string]any, key string) (int, bool) {
	switch v := args[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	}
	return 0, false
}

func (t *ComputerTool) Run(ctx context.Context, call Call) (*Result, error) {
	var in ComputerInput
	if err := call.Decode(&in); err != nil {
		return nil, err
	}
	switch in.Action {
	case "click", "double_click", "right_click", "move":
		if in.X == nil || in.Y == nil {
			return nil, errors.New("x and y are both required")
		}
	}
	call.Report(in.Action, 0)

	var output string
	switch in.Action {
	case "screenshot":
		png, err := t.driver.Screenshot(ctx)
		if err != nil {
			return nil, fmt.Errorf("screenshot failed: %w", err)
		}
		width, height := t.driver.Size()
		call.Report("captured", 1)
		return &Result{
			Title:  "Screenshot",
			Output: fmt.Sprintf("Captured %dx%d screenshot (%d bytes)", width, height, len(png)),
			Attachment: &types.Attachment{
				MediaType: "image/png",
				Data:      base64.StdEncoding.EncodeToString(png),
			},
			Metadata: map[string]any{"bytes": len(png)},
		}, nil

	case "click", "double_click", "right_click":
		button, count := "left", 1
		if in.Action == "double_click" {
			count = 2
		}
		if in.Action == "right_click" {
			button = "right"
		}
		if err := t.driver.Click(ctx, *in.X, *in.Y, button, count); err != nil {
			return nil, fmt.Errorf("%s failed: %w", in.Action, err)
		}
		output = fmt.Sprintf("%s at (%d, %d)", in.Action, *in.X, *in.Y)

	case "move":
		if err := t.driver.Move(ctx, *in.X, *in.Y); err != nil {
			return nil, fmt.Errorf("move failed: %w", err)
		}
		output = fmt.Sprintf("moved to (%d, %d)", *in.X, *in.Y)

	case "type":
		if err := t.driver.Type(ctx, in.Text); err != nil {
			return nil, fmt.Errorf("type failed: %w", err)
		}
		output = fmt.Sprintf("typed %d characters", len([]rune(in.Text)))

	case "key":
		if err := t.driver.Key(ctx, in.Key); err != nil {
			return nil, fmt.Errorf("key failed: %w", err)
		}
		output = "pressed " + in.Key

	case "scroll":
		width, height := t.driver.Size()
		x, y := width/2, height/2
		if in.X != nil && in.Y != nil {
			x, y = *in.X, *in.Y
		}
		dx, dy := 0, in.Amount
		switch in.Direction {
		case "up":
			dy = -in.Amount
		case "left":
			dx, dy = -in.Amount, 0
		case "right":
			dx, dy = in.Amount, 0
		}
		if err := t.driver.Scroll(ctx, x, y, dx, dy); err != nil {
			return nil, fmt.Errorf("scroll failed: %w", err)
		}
		output = fmt.Sprintf("scrolled %s by %d at (%d, %d)", in.Direction, in.Amount, x, y)

	case "wait":
		timer := time.NewTimer(time.Duration(in.DurationMs) * time.Millisecond)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
		output = fmt.Sprintf("waited %d ms", in.DurationMs)

	case "navigate":
		if err := t.driver.Navigate(ctx, in.URL); err != nil {
			return nil, fmt.Errorf("navigate failed: %w", err)
		}
		output = "navigated to " + in.URL

	default:
		return nil, fmt.Errorf("unknown action: %s", in.Action)
	}

	call.Report("done", 1)
	return &Result{Title: in.Action, Output: output}, nil
}
