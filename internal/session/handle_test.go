package session

import (
	"testing"
	"time"

	"groupbot/internal/fault"
)

func TestHandleTransitions(t *testing.T) {
	t.Parallel()
	now := time.Now()
	h := newHandle(now)
	if h.State() != Initializing {
		t.Fatalf("new handle state = %s", h.State())
	}
	if err := h.transition(Initializing, Busy, nil, now); !fault.Is(err, ErrInvalidTransition) {
		t.Fatalf("initializing->busy err = %v", err)
	}
	if err := h.transition(Initializing, Ready, nil, now); err != nil {
		t.Fatalf("initializing->ready: %v", err)
	}
	if err := h.transition(Ready, Busy, nil, now); err != nil {
		t.Fatalf("ready->busy: %v", err)
	}
	if err := h.transition(Ready, Busy, nil, now); !fault.Is(err, ErrBusy) {
		t.Fatalf("busy->busy err = %v", err)
	}
	if err := h.transition(Busy, Failed, fault.New("boom"), now); err != nil {
		t.Fatalf("busy->failed: %v", err)
	}
	if h.Info().LastError != "boom" {
		t.Fatalf("last error = %q", h.Info().LastError)
	}
	err := h.transition(Ready, Busy, nil, now)
	if !fault.Is(err, ErrNotReady) || len(fault.GetAllHints(err)) == 0 {
		t.Fatalf("failed->busy err = %v", err)
	}
}

func TestSplitLines(t *testing.T) {
	t.Parallel()
	cases := map[string]int{
		"":           0,
		"\n\n":       0,
		" ":          0,
		"one":        1,
		"a\r\nb":     2,
		"\na\n\nb\n": 3,
		"x\ry":       2,
	}
	for in, want := range cases {
		if got := len(splitLines(in)); got != want {
			t.Errorf("splitLines(%q) = %d lines, want %d", in, got, want)
		}
	}
}
