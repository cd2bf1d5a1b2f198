package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"groupbot/internal/eventbus"
	"groupbot/internal/fault"
	"groupbot/internal/session"
	"groupbot/internal/session/sessiontest"
	logx "groupbot/pkg/logx"
)

const (
	selReady    = "#ready"
	selJoin     = "#join"
	selComposer = "#composer"
	selLogin    = "#login"
)

func testConfig() session.Config {
	return session.Config{
		HostURL:        "https://chat.example",
		InitTimeout:    50 * time.Millisecond,
		JoinTimeout:    20 * time.Millisecond,
		ComposeTimeout: 20 * time.Millisecond,
		ActionTimeout:  time.Second,
		Selectors: session.Selectors{
			Ready:    selReady,
			Join:     selJoin,
			Composer: selComposer,
			Login:    selLogin,
		},
	}
}

func newReady(t *testing.T, present ...string) (*session.Session, *sessiontest.Surface) {
	t.Helper()
	l := &sessiontest.Launcher{Present: append([]string{selReady}, present...)}
	s := session.New(testConfig(), l, logx.Nop(), nil)
	if _, err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if got := s.State(); got != session.Ready {
		t.Fatalf("state = %s, want ready", got)
	}
	return s, l.Last()
}

func TestInitializeReachesReady(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	l := &sessiontest.Launcher{Present: []string{selReady}}
	s := session.New(testConfig(), l, logx.Nop(), bus)
	if s.State() != session.Uninitialized {
		t.Fatalf("initial state = %s", s.State())
	}
	h, err := s.Initialize(context.Background())
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if h.ID() == "" || h.State() != session.Ready {
		t.Fatalf("handle = %+v", h.Info())
	}

	var got []session.State
	for len(got) < 2 {
		select {
		case ev := <-events:
			tr := ev.Data.(session.Transition)
			got = append(got, tr.To)
		case <-time.After(time.Second):
			t.Fatalf("transitions = %v", got)
		}
	}
	if got[0] != session.Initializing || got[1] != session.Ready {
		t.Fatalf("transitions = %v", got)
	}
}

func TestInitializeTimeoutFails(t *testing.T) {
	t.Parallel()
	l := &sessiontest.Launcher{} // ready indicator never shows
	s := session.New(testConfig(), l, logx.Nop(), nil)

	h, err := s.Initialize(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if !fault.Is(err, fault.SessionInitFailure) {
		t.Fatalf("err kind = %s", fault.KindOf(err))
	}
	if h.State() != session.Failed || h.Info().LastError == "" {
		t.Fatalf("handle = %+v", h.Info())
	}
	if !l.Last().Closed() {
		t.Fatal("surface not closed after failed init")
	}
}

func TestInitializeLaunchError(t *testing.T) {
	t.Parallel()
	l := &sessiontest.Launcher{Err: errors.New("no chrome")}
	s := session.New(testConfig(), l, logx.Nop(), nil)
	if _, err := s.Initialize(context.Background()); !fault.Is(err, fault.SessionInitFailure) {
		t.Fatalf("err = %v", err)
	}
	if s.State() != session.Failed {
		t.Fatalf("state = %s", s.State())
	}
}

func TestInitializeRejectedWhileReady(t *testing.T) {
	t.Parallel()
	s, _ := newReady(t)
	before := s.Current()

	h, err := s.Initialize(context.Background())
	if !fault.Is(err, session.ErrAlreadyInitialized) {
		t.Fatalf("err = %v", err)
	}
	if h != before || s.Current() != before || s.State() != session.Ready {
		t.Fatal("current handle changed")
	}
}

func TestInitializeRejectedWhileInitializing(t *testing.T) {
	t.Parallel()
	l := &sessiontest.Launcher{Present: []string{selReady}}
	l.Block()
	s := session.New(testConfig(), l, logx.Nop(), nil)

	done := make(chan error, 1)
	go func() {
		_, err := s.Initialize(context.Background())
		done <- err
	}()
	deadline := time.Now().Add(time.Second)
	for s.State() != session.Initializing {
		if time.Now().After(deadline) {
			t.Fatal("never reached initializing")
		}
		time.Sleep(time.Millisecond)
	}

	if _, err := s.Initialize(context.Background()); !fault.Is(err, session.ErrAlreadyInitialized) {
		t.Fatalf("second Initialize err = %v", err)
	}
	if s.State() != session.Initializing {
		t.Fatalf("state = %s", s.State())
	}

	l.Release()
	if err := <-done; err != nil {
		t.Fatalf("first Initialize: %v", err)
	}
	if s.State() != session.Ready {
		t.Fatalf("state = %s", s.State())
	}
}

func TestReinitializeAfterFailure(t *testing.T) {
	t.Parallel()
	l := &sessiontest.Launcher{}
	s := session.New(testConfig(), l, logx.Nop(), nil)
	first, _ := s.Initialize(context.Background())

	l.Present = []string{selReady}
	second, err := s.Initialize(context.Background())
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if second == first || second.State() != session.Ready {
		t.Fatal("expected a fresh ready handle")
	}
}

func TestDeliverSoftBreaks(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name      string
		text      string
		lines     int
		wantTyped string
	}{
		{"single", "hello", 1, "hello"},
		{"three", "a\nb\nc", 3, "a\nb\nc"},
		{"crlf and padding", "\r\nfirst\r\nsecond\n\n", 2, "first\nsecond"},
		{"interior blank", "top\n\nbottom", 3, "top\n\nbottom"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s, surf := newReady(t, selComposer)
			if err := s.Deliver(context.Background(), tc.text); err != nil {
				t.Fatalf("Deliver: %v", err)
			}
			if got := surf.Count("softbreak"); got != tc.lines-1 {
				t.Fatalf("soft breaks = %d, want %d", got, tc.lines-1)
			}
			if got := surf.Count("submit"); got != 1 {
				t.Fatalf("submits = %d, want 1", got)
			}
			if got := surf.Typed(); got != tc.wantTyped {
				t.Fatalf("typed = %q, want %q", got, tc.wantTyped)
			}
			if s.State() != session.Ready {
				t.Fatalf("state = %s", s.State())
			}
		})
	}
}

func TestDeliverEmptyRejectedWithoutTransition(t *testing.T) {
	t.Parallel()
	s, surf := newReady(t, selComposer)
	for _, text := range []string{"", "\n\r\n", "  \n "} {
		if err := s.Deliver(context.Background(), text); !fault.Is(err, session.ErrEmptyMessage) {
			t.Fatalf("Deliver(%q) err = %v", text, err)
		}
	}
	if s.State() != session.Ready || surf.Count("submit") != 0 {
		t.Fatal("empty message touched the session")
	}
}

func TestDeliverComposerTimeoutFails(t *testing.T) {
	t.Parallel()
	s, surf := newReady(t) // composer never visible

	err := s.Deliver(context.Background(), "hi")
	if !fault.Is(err, fault.DeliveryFailure) {
		t.Fatalf("err = %v", err)
	}
	if s.State() != session.Failed {
		t.Fatalf("state = %s", s.State())
	}
	if surf.Count("submit") != 0 {
		t.Fatal("submitted without composer")
	}

	err = s.Deliver(context.Background(), "again")
	if !fault.Is(err, session.ErrNotReady) {
		t.Fatalf("second Deliver err = %v", err)
	}
}

func TestDeliverSubmitErrorFails(t *testing.T) {
	t.Parallel()
	s, surf := newReady(t, selComposer)
	surf.FailOn("submit", errors.New("detached"))
	if err := s.Deliver(context.Background(), "x"); !fault.Is(err, fault.DeliveryFailure) {
		t.Fatalf("err = %v", err)
	}
	if s.State() != session.Failed {
		t.Fatalf("state = %s", s.State())
	}
}

func TestOpenChannelWithoutJoinPrompt(t *testing.T) {
	t.Parallel()
	s, surf := newReady(t, selComposer)

	if err := s.OpenChannel(context.Background(), "https://chat.example/invite/abc"); err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}
	if surf.Count("click") != 0 {
		t.Fatal("clicked a join prompt that was not there")
	}
	if err := s.Deliver(context.Background(), "hello"); err != nil {
		t.Fatalf("Deliver after open: %v", err)
	}
}

func TestOpenChannelClicksJoinPrompt(t *testing.T) {
	t.Parallel()
	s, surf := newReady(t, selJoin)
	if err := s.OpenChannel(context.Background(), "https://chat.example/invite/abc"); err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}
	calls := surf.Calls()
	last := calls[len(calls)-2] // click precedes the login probe
	if last.Op != "click" || last.Selector != selJoin {
		t.Fatalf("calls = %+v", calls)
	}
	if s.State() != session.Ready {
		t.Fatalf("state = %s", s.State())
	}
}

func TestOpenChannelDetectsLostLogin(t *testing.T) {
	t.Parallel()
	s, _ := newReady(t, selLogin)
	err := s.OpenChannel(context.Background(), "https://chat.example/invite/abc")
	if !fault.Is(err, session.ErrUnauthenticated) || fault.KindOf(err) != "session_init_failure" {
		t.Fatalf("err = %v, kind = %s", err, fault.KindOf(err))
	}
	if fault.Is(err, fault.DeliveryFailure) {
		t.Fatal("lost login should not be a delivery failure")
	}
	if s.State() != session.Failed {
		t.Fatalf("state = %s", s.State())
	}
}

func TestOpenChannelNavigateErrorFails(t *testing.T) {
	t.Parallel()
	s, surf := newReady(t)
	surf.FailOn("navigate", errors.New("net::ERR_NAME_NOT_RESOLVED"))
	if err := s.OpenChannel(context.Background(), "https://bad.example"); !fault.Is(err, fault.DeliveryFailure) {
		t.Fatalf("err = %v", err)
	}
	if s.State() != session.Failed {
		t.Fatalf("state = %s", s.State())
	}
}

func TestOperationsWithoutSession(t *testing.T) {
	t.Parallel()
	s := session.New(testConfig(), &sessiontest.Launcher{}, logx.Nop(), nil)
	if err := s.Deliver(context.Background(), "x"); !fault.Is(err, fault.ConfigurationMissing) {
		t.Fatalf("Deliver err = %v", err)
	}
	if err := s.OpenChannel(context.Background(), "https://chat.example"); !fault.Is(err, session.ErrNotInitialized) {
		t.Fatalf("OpenChannel err = %v", err)
	}
	if err := s.OpenChannel(context.Background(), " "); !fault.Is(err, fault.ConfigurationMissing) {
		t.Fatalf("OpenChannel empty err = %v", err)
	}
}

func TestConcurrentDeliverSerialized(t *testing.T) {
	t.Parallel()
	s, surf := newReady(t, selComposer)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.Deliver(context.Background(), "line one\nline two")
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Deliver: %v", err)
		}
	}
	if surf.Count("submit") != 8 || surf.Count("softbreak") != 8 {
		t.Fatalf("submits=%d softbreaks=%d", surf.Count("submit"), surf.Count("softbreak"))
	}
	if s.State() != session.Ready {
		t.Fatalf("state = %s", s.State())
	}
}

func TestCloseReleasesSurface(t *testing.T) {
	t.Parallel()
	s, surf := newReady(t)
	s.Close()
	if !surf.Closed() {
		t.Fatal("surface left open")
	}
	session.New(testConfig(), &sessiontest.Launcher{}, logx.Nop(), nil).Close()
}
