package tool

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
)

// ChromeConfig configures a ChromeDriver.
type ChromeConfig struct {
	// DebugURL attaches to a running browser started with
	// --remote-debugging-port. Empty launches a headless browser.
	DebugURL string
	Width    int
	Height   int
}

// ChromeDriver implements Driver over the Chrome DevTools Protocol.
type ChromeDriver struct {
	width, height int

	taskCtx     context.Context
	taskCancel  context.CancelFunc
	allocCancel context.CancelFunc
}

// NewChromeDriver starts or attaches to a browser and sizes its viewport.
// The browser lives until Close.
func NewChromeDriver(config ChromeConfig) (*ChromeDriver, error) {
	if config.Width <= 0 {
		config.Width = 1280
	}
	if config.Height <= 0 {
		config.Height = 800
	}

	var allocCtx context.Context
	var allocCancel context.CancelFunc
	if config.DebugURL != "" {
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(context.Background(), config.DebugURL)
	} else {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.WindowSize(config.Width, config.Height),
		)
		allocCtx, allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	}
	taskCtx, taskCancel := chromedp.NewContext(allocCtx)

	d := &ChromeDriver{
		width:       config.Width,
		height:      config.Height,
		taskCtx:     taskCtx,
		taskCancel:  taskCancel,
		allocCancel: allocCancel,
	}
	// The first Run binds the browser to taskCtx.
	if err := chromedp.Run(taskCtx, chromedp.EmulateViewport(int64(config.Width), int64(config.Height))); err != nil {
		d.Close()
		return nil, fmt.Errorf("start browser: %w", err)
	}
	return d, nil
}

// Close shuts the browser tab and allocator down.
func (d *ChromeDriver) Close() {
	d.taskCancel()
	d.allocCancel()
}

func (d *ChromeDriver) Size() (int, int) {
	return d.width, d.height
}

// run executes actions on the browser, bounded by ctx.
func (d *ChromeDriver) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(d.taskCtx)
	defer cancel()
	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithDeadline(runCtx, deadline)
		defer cancelDeadline()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

func (d *ChromeDriver) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := d.run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, err
	}
	return buf, nil
}

func (d *ChromeDriver) Click(ctx context.Context, x, y int, button string, count int) error {
	return d.run(ctx, chromedp.MouseClickXY(float64(x), float64(y),
		chromedp.ButtonType(input.MouseButton(button)),
		chromedp.ClickCount(count),
	))
}

func (d *ChromeDriver) Move(ctx context.Context, x, y int) error {
	return d.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return input.DispatchMouseEvent(input.MouseMoved, float64(x), float64(y)).Do(ctx)
	}))
}

func (d *ChromeDriver) Type(ctx context.Context, text string) error {
	return d.run(ctx, chromedp.KeyEvent(text))
}

var namedKeys = map[string]string{
	"enter":      kb.Enter,
	"return":     kb.Enter,
	"tab":        kb.Tab,
	"escape":     kb.Escape,
	"esc":        kb.Escape,
	"backspace":  kb.Backspace,
	"delete":     kb.Delete,
	"arrowup":    kb.ArrowUp,
	"arrowdown":  kb.ArrowDown,
	"arrowleft":  kb.ArrowLeft,
	"arrowright": kb.ArrowRight,
	"up":         kb.ArrowUp,
	"down":       kb.ArrowDown,
	"left":       kb.ArrowLeft,
	"right":      kb.ArrowRight,
	"home":       kb.Home,
	"end":        kb.End,
	"pageup":     kb.PageUp,
	"pagedown":   kb.PageDown,
}

// keyFor maps a key name to what chromedp.KeyEvent expects. Single
// characters pass through.
func keyFor(name string) (string, error) {
	if k, ok := namedKeys[normalizeKeyName(name)]; ok {
		return k, nil
	}
	if len([]rune(name)) == 1 {
		return name, nil
	}
	return "", fmt.Errorf("unknown key %q", name)
}

func normalizeKeyName(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		switch {
		case r >= 'A' && r <= 'Z':
			out = append(out, r+('a'-'A'))
		case r == '_' || r == '-' || r == ' ':
		default:
			out = append(out, r)
		}
	}
	return string(out)
}

func (d *ChromeDriver) Key(ctx context.Context, key string) error {
	k, err := keyFor(key)
	if err != nil {
		return err
	}
	return d.run(ctx, chromedp.KeyEvent(k))
}

func (d *ChromeDriver) Scroll(ctx context.Context, x, y, dx, dy int) error {
	return d.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return input.DispatchMouseEvent(input.MouseWheel, float64(x), float64(y)).
			WithDeltaX(float64(dx)).
			WithDeltaY(float64(dy)).
			Do(ctx)
	}))
}

func (d *ChromeDriver) Navigate(ctx context.Context, url string) error {
	return d.run(ctx, chromedp.Navigate(url))
}
