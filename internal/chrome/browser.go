// Package chrome drives headless Chrome through chromedp to print deck pages.
package chrome

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"deckpdf/internal/export"
	u "deckpdf/internal/utils"
)

// Renderer launches a fresh headless Chrome per export and prints the print
// view of a deck.
type Renderer struct {
	cfg u.PDFConfig
}

// NewRenderer returns a Renderer configured from cfg.
func NewRenderer(cfg u.PDFConfig) *Renderer {
	return &Renderer{cfg: cfg}
}

// RenderPDF navigates to job.URL, waits for network idle and for at least one
// job.PageSelector element, then prints with CSS page size and zero margins.
func (r *Renderer) RenderPDF(ctx context.Context, job export.RenderJob) ([]byte, error) {
	profileDir, err := createProfileDir(r.cfg)
	if err != nil {
		return nil, &export.AutomationError{Op: "launch", Cause: err}
	}
	defer os.RemoveAll(profileDir)

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, allocatorOptions(r.cfg, profileDir)...)
	defer allocCancel()

	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	defer browserCancel()

	timeout := r.cfg.RenderTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	runCtx, cancel := context.WithTimeout(browserCtx, timeout)
	defer cancel()

	if err := chromedp.Run(runCtx, chromedp.EmulateViewport(job.ViewportWidth, job.ViewportHeight)); err != nil {
		return nil, automationError("launch", err)
	}

	u.Debug("Loading print view", "url", job.URL)
	if err := chromedp.Run(runCtx, navigateAndWaitIdle(job.URL)); err != nil {
		return nil, automationError("navigate", err)
	}

	if err := chromedp.Run(runCtx, waitForPrintPages(job.PageSelector, job.ContentTimeout)); err != nil {
		if errors.Is(err, chromedp.ErrPollingTimeout) {
			return nil, &export.ContentTimeoutError{URL: job.URL, Selector: job.PageSelector, Limit: job.ContentTimeout}
		}
		return nil, automationError("wait for print pages", err)
	}

	var pdfBuf []byte
	err = chromedp.Run(runCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		pdfBuf, _, err = printParams().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, automationError("print", err)
	}
	return pdfBuf, nil
}

func automationError(op string, err error) error {
	if IsSessionInterrupted(err) {
		u.Warn("Chrome session interrupted", "op", op, "error", err)
	}
	return &export.AutomationError{Op: op, Cause: err}
}

// printParams keeps backgrounds, honours @page size and drops all margins.
func printParams() *page.PrintToPDFParams {
	return page.PrintToPDF().
		WithPrintBackground(true).
		WithPreferCSSPageSize(true).
		WithMarginTop(0).
		WithMarginBottom(0).
		WithMarginLeft(0).
		WithMarginRight(0)
}

// navigateAndWaitIdle navigates and then blocks until Chrome reports the
// networkIdle lifecycle event for the new document.
func navigateAndWaitIdle(url string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		idle := make(chan struct{})
		var (
			mu      sync.Mutex
			started bool
			once    sync.Once
		)

		lctx, cancel := context.WithCancel(ctx)
		defer cancel()
		chromedp.ListenTarget(lctx, func(ev any) {
			e, ok := ev.(*page.EventLifecycleEvent)
			if !ok {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			switch e.Name {
			case "init":
				started = true
			case "networkIdle":
				if started {
					once.Do(func() { close(idle) })
				}
			}
		})

		if err := page.SetLifecycleEventsEnabled(true).Do(ctx); err != nil {
			return err
		}
		if err := chromedp.Navigate(url).Do(ctx); err != nil {
			return err
		}

		select {
		case <-idle:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

// waitForPrintPages polls the page until selector matches at least one element.
func waitForPrintPages(selector string, timeout time.Duration) chromedp.Action {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	quoted, _ := json.Marshal(selector)
	expr := fmt.Sprintf(`document.querySelectorAll(%s).length > 0`, quoted)

	var found bool
	return chromedp.Poll(expr, &found,
		chromedp.WithPollingInterval(100*time.Millisecond),
		chromedp.WithPollingTimeout(timeout),
	)
}

func allocatorOptions(cfg u.PDFConfig, profileDir string) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserDataDir(profileDir),
		// Force software rendering and avoid Vulkan/ANGLE issues in minimal container environments.
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-gpu-compositing", true),
		chromedp.Flag("disable-features", "Vulkan,UseSkiaRenderer"),
		chromedp.Flag("use-gl", "swiftshader"),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.WindowSize(int(cfg.ViewportWidth), int(cfg.ViewportHeight)),
	)
	if cfg.ChromePath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ChromePath))
	}
	if cfg.ChromeNoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	return opts
}

// createProfileDir makes a throwaway user data dir under cfg.UserDataDir, or
// the system temp dir when unset.
func createProfileDir(cfg u.PDFConfig) (string, error) {
	base := cfg.UserDataDir
	if base == "" {
		base = os.TempDir()
	} else if err := os.MkdirAll(base, 0o755); err != nil {
		return "", fmt.Errorf("cannot create profile base dir: %w", err)
	}
	dir, err := os.MkdirTemp(base, "deckpdf-chrome-*")
	if err != nil {
		return "", fmt.Errorf("cannot create temp profile dir: %w", err)
	}
	return dir, nil
}

// IsSessionInterrupted reports errors caused by the browser or its tab going
// away rather than by the page itself.
func IsSessionInterrupted(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"target closed", "session closed", "websocket: close", "broken pipe", "connection reset"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
