package investing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	log "github.com/sirupsen/logrus"
)

// ChromeOptions configures the automation browser
type ChromeOptions struct {
	ExecPath    string // empty uses the chrome found on PATH
	ProfileDir  string // user data dir of the automation profile
	Headless    bool
	UserAgent   string
	OpTimeout   time.Duration
	WindowWidth int
}

// ChromePage is a Page backed by a dedicated chrome process.
// All DOM reads go through Evaluate, so nothing blocks on missing nodes.
type ChromePage struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	opTimeout   time.Duration
}

// NewChromePage starts a browser and returns a blank page
func NewChromePage(ctx context.Context, opts ChromeOptions) (*ChromePage, error) {
	width := opts.WindowWidth
	if width <= 0 {
		width = 1440
	}
	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.WindowSize(width, 900),
	)
	if opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecPath))
	}
	if opts.ProfileDir != "" {
		allocOpts = append(allocOpts, chromedp.UserDataDir(opts.ProfileDir))
	}
	if opts.UserAgent != "" {
		allocOpts = append(allocOpts, chromedp.UserAgent(opts.UserAgent))
	}

	// The browser outlives individual calls, so it hangs off its own root context
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocOpts...)
	browserCtx, cancel := chromedp.NewContext(allocCtx, chromedp.WithLogf(log.Debugf), chromedp.WithErrorf(log.Debugf))

	p := &ChromePage{ctx: browserCtx, cancel: cancel, allocCancel: allocCancel, opTimeout: opts.OpTimeout}
	if p.opTimeout <= 0 {
		p.opTimeout = 15 * time.Second
	}

	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	if err := chromedp.Run(browserCtx); err != nil {
		p.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("start chrome: %w", err)
	}
	return p, nil
}

// ChromePageFactory opens a new ChromePage per call
func ChromePageFactory(opts ChromeOptions) PageFactory {
	return func(ctx context.Context) (Page, error) {
		return NewChromePage(ctx, opts)
	}
}

// run executes actions under the per-operation timeout, aborting early when ctx is done
func (p *ChromePage) run(ctx context.Context, actions ...chromedp.Action) error {
	opCtx, cancel := context.WithTimeout(p.ctx, p.opTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(opCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func (p *ChromePage) Navigate(ctx context.Context, url string) error {
	return p.run(ctx, chromedp.Navigate(url))
}

func (p *ChromePage) Exists(ctx context.Context, selector string) (bool, error) {
	var found bool
	js := fmt.Sprintf(`document.querySelector(%s) !== null`, jsString(selector))
	if err := p.run(ctx, chromedp.Evaluate(js, &found)); err != nil {
		return false, err
	}
	return found, nil
}

func (p *ChromePage) Count(ctx context.Context, selector string) (int, error) {
	var n int
	js := fmt.Sprintf(`document.querySelectorAll(%s).length`, jsString(selector))
	if err := p.run(ctx, chromedp.Evaluate(js, &n)); err != nil {
		return 0, err
	}
	return n, nil
}

func (p *ChromePage) Text(ctx context.Context, selector string) (string, error) {
	var res struct {
		Found bool   `json:"found"`
		Text  string `json:"text"`
	}
	js := fmt.Sprintf(`(() => {
		const el = document.querySelector(%s);
		return el ? {found: true, text: el.innerText || el.textContent || ""} : {found: false, text: ""};
	})()`, jsString(selector))
	if err := p.run(ctx, chromedp.Evaluate(js, &res)); err != nil {
		return "", err
	}
	if !res.Found {
		return "", ErrElementNotFound
	}
	return strings.TrimSpace(res.Text), nil
}

// Click dispatches a DOM click, which also reaches controls hidden behind overlays
func (p *ChromePage) Click(ctx context.Context, selector string) error {
	var found bool
	js := fmt.Sprintf(`(() => {
		const el = document.querySelector(%s);
		if (!el) return false;
		el.click();
		return true;
	})()`, jsString(selector))
	if err := p.run(ctx, chromedp.Evaluate(js, &found)); err != nil {
		return err
	}
	if !found {
		return ErrElementNotFound
	}
	return nil
}

// Close shuts the browser down. It is safe to call more than once.
func (p *ChromePage) Close() error {
	err := chromedp.Cancel(p.ctx)
	p.cancel()
	p.allocCancel()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
