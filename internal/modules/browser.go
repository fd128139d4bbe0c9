package modules

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/chromedp"

	"github.com/rahul/goalscript/internal/capability"
)

// Browser drives one shared Chrome session. The window stays open until
// close is called.
type Browser struct {
	Headless bool

	mu            sync.Mutex
	allocCtx      context.Context
	browserCtx    context.Context
	allocCancel   context.CancelFunc
	browserCancel context.CancelFunc
}

func NewBrowser(headless bool) *Browser {
	return &Browser{Headless: headless}
}

func (b *Browser) Name() string { return "browser" }

func (b *Browser) Description() string {
	return "Control a browser to interact with websites. The browser window remains open until 'close'."
}

func (b *Browser) Operations() []capability.Operation {
	selector := capability.ParamSpec{Name: "selector", Type: capability.TypeString, Required: true, Description: "CSS selector"}
	return []capability.Operation{
		{
			Name:   "navigate",
			Params: []capability.ParamSpec{{Name: "url", Type: capability.TypeString, Required: true}},
			Examples: []capability.Example{
				{Text: "open https://example.com in the browser", Parameters: map[string]any{"url": "https://example.com"}},
			},
			Fn: b.action(func(inv *capability.Invocation) (chromedp.Action, func() any) {
				return chromedp.Navigate(inv.String("url")), nil
			}),
		},
		{
			Name:        "content",
			Description: "Return the HTML of the current page.",
			Returns:     "page HTML",
			Fn: b.action(func(inv *capability.Invocation) (chromedp.Action, func() any) {
				var html string
				act := chromedp.ActionFunc(func(ctx context.Context) error {
					node, err := dom.GetDocument().Do(ctx)
					if err != nil {
						return err
					}
					html, err = dom.GetOuterHTML().WithNodeID(node.NodeID).Do(ctx)
					return err
				})
				return act, func() any {
					if len(html) > maxContent {
						return html[:maxContent] + "\n... (truncated)"
					}
					return html
				}
			}),
		},
		{
			Name:   "click",
			Params: []capability.ParamSpec{selector},
			Fn: b.action(func(inv *capability.Invocation) (chromedp.Action, func() any) {
				return chromedp.Click(inv.String("selector"), chromedp.ByQuery), nil
			}),
		},
		{
			Name:   "type",
			Params: []capability.ParamSpec{selector, {Name: "text", Type: capability.TypeString, Required: true}},
			Fn: b.action(func(inv *capability.Invocation) (chromedp.Action, func() any) {
				return chromedp.SendKeys(inv.String("selector"), inv.String("text"), chromedp.ByQuery), nil
			}),
		},
		{
			Name:   "press",
			Params: []capability.ParamSpec{{Name: "key", Type: capability.TypeString, Required: true}},
			Fn: b.action(func(inv *capability.Invocation) (chromedp.Action, func() any) {
				return chromedp.KeyEvent(inv.String("key")), nil
			}),
		},
		{
			Name:        "screenshot",
			Description: "Save a screenshot of the current page.",
			Params:      []capability.ParamSpec{{Name: "path", Type: capability.TypeString, Description: "file to write, defaults to screenshots/<time>.png"}},
			Returns:     "absolute path of the image",
			Fn:          b.screenshot,
		},
		{
			Name: "close",
			Fn: func(ctx context.Context, inv *capability.Invocation) (any, error) {
				b.Close()
				return nil, nil
			},
		},
	}
}

// Close shuts the browser down.
func (b *Browser) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cleanup()
}

func (b *Browser) initBrowser() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.browserCtx != nil {
		select {
		case <-b.browserCtx.Done():
			b.cleanup()
		default:
			return nil
		}
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.Flag("headless", b.Headless),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-default-browser-check", true),
	)

	b.allocCtx, b.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	b.browserCtx, b.browserCancel = chromedp.NewContext(b.allocCtx)

	return chromedp.Run(b.browserCtx)
}

func (b *Browser) cleanup() {
	if b.browserCancel != nil {
		b.browserCancel()
	}
	if b.allocCancel != nil {
		b.allocCancel()
	}
	b.browserCtx = nil
	b.allocCtx = nil
}

// action adapts a chromedp action into an operation. result, when not
// nil, produces the returned value after the action ran.
func (b *Browser) action(build func(inv *capability.Invocation) (chromedp.Action, func() any)) capability.Func {
	return func(ctx context.Context, inv *capability.Invocation) (any, error) {
		if err := b.initBrowser(); err != nil {
			return nil, fmt.Errorf("failed to initialize browser: %w", err)
		}
		act, result := build(inv)
		if err := b.run(ctx, act); err != nil {
			return nil, fmt.Errorf("browser %s failed: %w", inv.Operation, err)
		}
		if result == nil {
			return nil, nil
		}
		return result(), nil
	}
}

func (b *Browser) run(ctx context.Context, act chromedp.Action) error {
	b.mu.Lock()
	browserCtx := b.browserCtx
	b.mu.Unlock()

	actionCtx, cancel := context.WithTimeout(browserCtx, 60*time.Second)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(actionCtx, act)
}

func (b *Browser) screenshot(ctx context.Context, inv *capability.Invocation) (any, error) {
	if err := b.initBrowser(); err != nil {
		return nil, fmt.Errorf("failed to initialize browser: %w", err)
	}
	var buf []byte
	if err := b.run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, fmt.Errorf("browser screenshot failed: %w", err)
	}

	path := inv.String("path")
	if path == "" {
		path = filepath.Join("screenshots", fmt.Sprintf("screenshot_%d.png", time.Now().Unix()))
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(inv.Runtime.AppRoot(), path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, buf, 0644); err != nil {
		return nil, err
	}
	return path, nil
}
