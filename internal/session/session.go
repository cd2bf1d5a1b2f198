// Package session owns the delivery session: one automated browser surface
// logged into the chat web client, driven through a small state machine.
package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"groupbot/internal/eventbus"
	"groupbot/internal/fault"
	logx "groupbot/pkg/logx"
)

// Surface is one browser tab the session drives. Every wait is bounded by ctx.
type Surface interface {
	Navigate(ctx context.Context, url string) error
	// WaitVisible blocks until selector is visible or ctx ends.
	WaitVisible(ctx context.Context, selector string) error
	// Visible reports whether selector is visible right now.
	Visible(ctx context.Context, selector string) (bool, error)
	Click(ctx context.Context, selector string) error
	Type(ctx context.Context, selector, text string) error
	// SoftBreak inserts a line break without submitting (Shift+Enter).
	SoftBreak(ctx context.Context, selector string) error
	// Submit sends the composed message (Enter).
	Submit(ctx context.Context, selector string) error
	Close() error
}

// Launcher starts a surface bound to the persistent profile.
type Launcher interface {
	Launch(ctx context.Context) (Surface, error)
}

type Selectors struct {
	Ready    string
	Join     string
	Composer string
	Login    string
}

type Config struct {
	HostURL        string
	InitTimeout    time.Duration
	JoinTimeout    time.Duration
	ComposeTimeout time.Duration
	// ActionTimeout bounds navigation and typing.
	ActionTimeout time.Duration
	Selectors     Selectors
}

func DefaultConfig() Config {
	return Config{
		HostURL:        "https://web.whatsapp.com",
		InitTimeout:    60 * time.Second,
		JoinTimeout:    5 * time.Second,
		ComposeTimeout: 10 * time.Second,
		ActionTimeout:  30 * time.Second,
		Selectors: Selectors{
			Ready:    `//div[@contenteditable="true"][@data-tab="3"]`,
			Join:     `//div[contains(text(), "Join group")]`,
			Composer: `//div[@contenteditable="true"][@data-tab="10"]`,
			Login:    `//canvas[@aria-label="Scan this QR code to link a device!"]`,
		},
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HostURL == "" {
		c.HostURL = d.HostURL
	}
	if c.InitTimeout <= 0 {
		c.InitTimeout = d.InitTimeout
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = d.JoinTimeout
	}
	if c.ComposeTimeout <= 0 {
		c.ComposeTimeout = d.ComposeTimeout
	}
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = d.ActionTimeout
	}
	if c.Selectors.Ready == "" {
		c.Selectors.Ready = d.Selectors.Ready
	}
	if c.Selectors.Join == "" {
		c.Selectors.Join = d.Selectors.Join
	}
	if c.Selectors.Composer == "" {
		c.Selectors.Composer = d.Selectors.Composer
	}
	// Login may stay empty: the lost-authentication probe is then skipped.
	return c
}

var (
	ErrAlreadyInitialized = fault.New("session already initialized")
	ErrNotInitialized     = fault.New("session not initialized")
	ErrNotReady           = fault.New("session not ready")
	ErrBusy               = fault.New("session busy")
	ErrEmptyMessage       = fault.New("message is empty")
	ErrUnauthenticated    = fault.New("session is not authenticated")
)

// Session serializes every operation on the current handle.
type Session struct {
	launcher Launcher
	log      logx.Logger
	bus      eventbus.Bus
	now      func() time.Time

	opMu sync.Mutex

	mu  sync.RWMutex
	cfg Config
	cur *Handle
}

func New(cfg Config, launcher Launcher, log logx.Logger, bus eventbus.Bus) *Session {
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Session{
		launcher: launcher,
		log:      log.With(logx.String("comp", "session")),
		bus:      bus,
		now:      time.Now,
		cfg:      cfg.withDefaults(),
	}
}

// Apply replaces host, timeouts and selectors. Operations already running keep
// the values they started with.
func (s *Session) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *Session) config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Current returns the current handle or nil.
func (s *Session) Current() *Handle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// State is the current handle's state, Uninitialized without one.
func (s *Session) State() State {
	if h := s.Current(); h != nil {
		return h.State()
	}
	return Uninitialized
}

// Snapshot describes the current handle; the zero Info has state uninitialized.
func (s *Session) Snapshot() Info {
	if h := s.Current(); h != nil {
		return h.Info()
	}
	return Info{State: Uninitialized}
}

// Initialize launches a fresh surface and waits for the logged-in indicator.
// It is rejected while a handle exists that has not failed.
func (s *Session) Initialize(ctx context.Context) (*Handle, error) {
	s.mu.Lock()
	if cur := s.cur; cur != nil && cur.State() != Failed {
		s.mu.Unlock()
		return cur, fault.WithHint(
			fault.Wrapf(ErrAlreadyInitialized, "state %s", cur.State()),
			"a browser session is already active",
		)
	}
	prev := s.cur
	h := newHandle(s.now())
	s.cur = h
	s.mu.Unlock()

	if prev != nil {
		prev.closeSurface()
	}
	s.publish(h, Uninitialized, Initializing, "")

	s.opMu.Lock()
	defer s.opMu.Unlock()

	// Browser operations outlive the caller; only their own bounds apply.
	ctx = context.WithoutCancel(ctx)
	cfg := s.config()
	log := s.log.With(logx.String("handle", h.ID()))
	log.Info("initializing session", logx.String("host", cfg.HostURL))

	surf, err := s.launcher.Launch(ctx)
	if err != nil {
		return h, s.failInit(h, fault.Wrap(err, "launch browser"), log)
	}
	h.setSurface(surf)

	ictx, cancel := context.WithTimeout(ctx, cfg.InitTimeout)
	defer cancel()
	if err := surf.Navigate(ictx, cfg.HostURL); err != nil {
		return h, s.failInit(h, fault.Wrapf(err, "open %s", cfg.HostURL), log)
	}
	if err := surf.WaitVisible(ictx, cfg.Selectors.Ready); err != nil {
		err = fault.WithHint(
			fault.Wrapf(err, "logged-in indicator not visible within %s", cfg.InitTimeout),
			"scan the QR code in the browser window, then initialize again",
		)
		return h, s.failInit(h, err, log)
	}

	if err := s.move(h, Initializing, Ready, nil); err != nil {
		return h, err
	}
	log.Info("session ready")
	return h, nil
}

// Close waits for the operation in progress and releases the current
// surface. It is used on shutdown; the handle keeps its last state.
func (s *Session) Close() {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if h := s.Current(); h != nil {
		h.closeSurface()
	}
}

func (s *Session) failInit(h *Handle, err error, log logx.Logger) error {
	err = fault.Mark(err, fault.SessionInitFailure)
	h.closeSurface()
	_ = s.move(h, Initializing, Failed, err)
	log.Warn("session initialization failed", logx.Err(err))
	return err
}

// OpenChannel navigates to address and accepts the join prompt if one shows.
func (s *Session) OpenChannel(ctx context.Context, address string) error {
	address = strings.TrimSpace(address)
	if address == "" {
		return fault.Missing("target address", "save the group invite link first")
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	h, surf, err := s.begin()
	if err != nil {
		return err
	}
	ctx = context.WithoutCancel(ctx)
	cfg := s.config()
	log := s.log.With(logx.String("handle", h.ID()))

	nctx, cancel := context.WithTimeout(ctx, cfg.ActionTimeout)
	err = surf.Navigate(nctx, address)
	cancel()
	if err != nil {
		return s.failBusy(h, fault.Wrap(err, "open group link"), log)
	}

	jctx, cancel := context.WithTimeout(ctx, cfg.JoinTimeout)
	err = surf.WaitVisible(jctx, cfg.Selectors.Join)
	cancel()
	if err == nil {
		cctx, cancel := context.WithTimeout(ctx, cfg.ActionTimeout)
		err = surf.Click(cctx, cfg.Selectors.Join)
		cancel()
		if err != nil {
			return s.failBusy(h, fault.Wrap(err, "accept join prompt"), log)
		}
		log.Info("join prompt accepted")
	} else {
		log.Debug("no join prompt", logx.Err(err))
	}

	if cfg.Selectors.Login != "" {
		pctx, cancel := context.WithTimeout(ctx, cfg.ActionTimeout)
		lost, perr := surf.Visible(pctx, cfg.Selectors.Login)
		cancel()
		if perr == nil && lost {
			err := fault.WithHint(ErrUnauthenticated, "the browser was logged out, initialize the session again")
			return s.failBusy(h, fault.Mark(err, fault.SessionInitFailure), log)
		}
	}

	return s.move(h, Busy, Ready, nil)
}

// Deliver types text into the composer and submits it as a single message.
// Lines are separated with soft breaks.
func (s *Session) Deliver(ctx context.Context, text string) error {
	lines := splitLines(text)
	if len(lines) == 0 {
		return fault.Mark(ErrEmptyMessage, fault.DeliveryFailure)
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	h, surf, err := s.begin()
	if err != nil {
		return err
	}
	ctx = context.WithoutCancel(ctx)
	cfg := s.config()
	log := s.log.With(logx.String("handle", h.ID()))
	sel := cfg.Selectors.Composer

	wctx, cancel := context.WithTimeout(ctx, cfg.ComposeTimeout)
	err = surf.WaitVisible(wctx, sel)
	cancel()
	if err != nil {
		return s.failBusy(h, fault.Wrapf(err, "composer not visible within %s", cfg.ComposeTimeout), log)
	}

	tctx, cancel := context.WithTimeout(ctx, cfg.ActionTimeout)
	defer cancel()
	if err := surf.Click(tctx, sel); err != nil {
		return s.failBusy(h, fault.Wrap(err, "focus composer"), log)
	}
	for i, line := range lines {
		if line != "" {
			if err := surf.Type(tctx, sel, line); err != nil {
				return s.failBusy(h, fault.Wrapf(err, "type line %d", i+1), log)
			}
		}
		if i < len(lines)-1 {
			if err := surf.SoftBreak(tctx, sel); err != nil {
				return s.failBusy(h, fault.Wrapf(err, "line break after line %d", i+1), log)
			}
		}
	}
	if err := surf.Submit(tctx, sel); err != nil {
		return s.failBusy(h, fault.Wrap(err, "submit message"), log)
	}

	log.Info("message delivered", logx.Int("lines", len(lines)))
	return s.move(h, Busy, Ready, nil)
}

// begin moves the current handle ready→busy.
func (s *Session) begin() (*Handle, Surface, error) {
	h := s.Current()
	if h == nil {
		return nil, nil, fault.Mark(
			fault.WithHint(ErrNotInitialized, "initialize the browser session first"),
			fault.ConfigurationMissing,
		)
	}
	if err := s.move(h, Ready, Busy, nil); err != nil {
		return h, nil, fault.Mark(err, fault.DeliveryFailure)
	}
	return h, h.surfaceRef(), nil
}

// failBusy marks unclassified errors as DeliveryFailure and fails the handle.
func (s *Session) failBusy(h *Handle, err error, log logx.Logger) error {
	if fault.KindOf(err) == "internal" {
		err = fault.Mark(err, fault.DeliveryFailure)
	}
	_ = s.move(h, Busy, Failed, err)
	h.closeSurface()
	log.Warn("session failed", logx.Err(err))
	return err
}

func (s *Session) move(h *Handle, from, to State, cause error) error {
	if err := h.transition(from, to, cause, s.now()); err != nil {
		return err
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	s.publish(h, from, to, msg)
	return nil
}

func (s *Session) publish(h *Handle, from, to State, errText string) {
	s.bus.Publish(eventbus.Event{
		Type: eventbus.TypeSessionState,
		Data: Transition{HandleID: h.ID(), From: from, To: to, Error: errText},
	})
}

// splitLines normalizes line endings and drops leading and trailing blank
// lines. Interior blank lines are kept.
func splitLines(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = strings.Trim(text, "\n")
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return strings.Split(text, "\n")
}
