// Package browser drives Chrome over the DevTools protocol for the delivery
// session. Chrome runs with a persistent profile directory so the chat web
// client stays logged in across restarts.
package browser

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"

	"groupbot/internal/session"
	logx "groupbot/pkg/logx"
)

type Config struct {
	ProfileDir string
	Headless   bool
	// ChromePath overrides the Chrome binary lookup.
	ChromePath string
	WindowW    int
	WindowH    int
}

// Launcher starts Chrome processes rooted at a long-lived context. Cancelling
// that context tears down every browser it started.
type Launcher struct {
	root context.Context
	log  logx.Logger

	mu  sync.RWMutex
	cfg Config
}

func NewLauncher(root context.Context, cfg Config, log logx.Logger) *Launcher {
	return &Launcher{root: root, cfg: cfg, log: log.With(logx.String("comp", "browser"))}
}

// Apply replaces the launch options used by the next Launch.
func (l *Launcher) Apply(cfg Config) {
	l.mu.Lock()
	l.cfg = cfg
	l.mu.Unlock()
}

func (l *Launcher) allocatorOptions(cfg Config) ([]chromedp.ExecAllocatorOption, error) {
	dir := cfg.ProfileDir
	if dir == "" {
		dir = "./whatsapp_session"
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("browser: profile dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o700); err != nil {
		return nil, fmt.Errorf("browser: create profile dir: %w", err)
	}
	w, h := cfg.WindowW, cfg.WindowH
	if w <= 0 || h <= 0 {
		w, h = 1920, 1080
	}

	opts := chromedp.DefaultExecAllocatorOptions[:]
	opts = append(opts,
		chromedp.UserDataDir(abs),
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.NoSandbox,
		chromedp.WindowSize(w, h),
	)
	if cfg.ChromePath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ChromePath))
	}
	return opts, nil
}

// Launch starts Chrome and opens one tab. ctx bounds startup only.
func (l *Launcher) Launch(ctx context.Context) (session.Surface, error) {
	l.mu.RLock()
	cfg := l.cfg
	l.mu.RUnlock()

	opts, err := l.allocatorOptions(cfg)
	if err != nil {
		return nil, err
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(l.root, opts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(format string, args ...any) {
			l.log.Debug(fmt.Sprintf(format, args...))
		}),
		chromedp.WithErrorf(func(format string, args ...any) {
			l.log.Warn(fmt.Sprintf(format, args...))
		}),
	)
	cancel := func() {
		tabCancel()
		allocCancel()
	}

	stop := context.AfterFunc(ctx, cancel)
	err = chromedp.Run(tabCtx)
	stop()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("browser: start chrome: %w", err)
	}

	l.log.Info("chrome started", logx.String("profile", cfg.ProfileDir), logx.Bool("headless", cfg.Headless))
	return &Surface{tab: tabCtx, cancel: cancel}, nil
}

// Surface is one Chrome tab. Selectors are resolved with chromedp.BySearch,
// so both XPath and CSS expressions are accepted.
type Surface struct {
	tab    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// bound derives a tab context that also ends when ctx does.
func (s *Surface) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	var (
		c      context.Context
		cancel context.CancelFunc
	)
	if dl, ok := ctx.Deadline(); ok {
		c, cancel = context.WithDeadline(s.tab, dl)
	} else {
		c, cancel = context.WithCancel(s.tab)
	}
	stop := context.AfterFunc(ctx, cancel)
	return c, func() {
		stop()
		cancel()
	}
}

func (s *Surface) run(ctx context.Context, actions ...chromedp.Action) error {
	c, cancel := s.bound(ctx)
	defer cancel()
	return chromedp.Run(c, actions...)
}

func (s *Surface) Navigate(ctx context.Context, url string) error {
	return s.run(ctx, chromedp.Navigate(url))
}

func (s *Surface) WaitVisible(ctx context.Context, selector string) error {
	return s.run(ctx, chromedp.WaitVisible(selector, chromedp.BySearch))
}

// Visible reports whether selector currently matches any node.
func (s *Surface) Visible(ctx context.Context, selector string) (bool, error) {
	var nodes []*cdp.Node
	err := s.run(ctx, chromedp.Nodes(selector, &nodes, chromedp.BySearch, chromedp.AtLeast(0)))
	if err != nil {
		return false, err
	}
	return len(nodes) > 0, nil
}

func (s *Surface) Click(ctx context.Context, selector string) error {
	return s.run(ctx, chromedp.Click(selector, chromedp.BySearch, chromedp.NodeVisible))
}

func (s *Surface) Type(ctx context.Context, selector, text string) error {
	return s.run(ctx, chromedp.SendKeys(selector, text, chromedp.BySearch, chromedp.NodeVisible))
}

func (s *Surface) SoftBreak(ctx context.Context, selector string) error {
	return s.run(ctx,
		chromedp.Focus(selector, chromedp.BySearch),
		chromedp.KeyEvent(kb.Enter, chromedp.KeyModifiers(input.ModifierShift)),
	)
}

func (s *Surface) Submit(ctx context.Context, selector string) error {
	return s.run(ctx, chromedp.SendKeys(selector, kb.Enter, chromedp.BySearch, chromedp.NodeVisible))
}

// Close shuts down the tab and its Chrome process.
func (s *Surface) Close() error {
	s.once.Do(s.cancel)
	return nil
}
