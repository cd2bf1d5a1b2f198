// Package sessiontest provides an in-memory browser surface for tests.
package sessiontest

import (
	"context"
	"errors"
	"strings"
	"sync"

	"groupbot/internal/session"
)

// Call is one recorded surface operation.
type Call struct {
	Op       string // navigate, click, type, softbreak, submit, close
	Selector string
	Arg      string
}

// Surface is a scripted session.Surface. Selectors passed to NewSurface are
// visible immediately; any other selector blocks until the wait context ends.
type Surface struct {
	mu      sync.Mutex
	present map[string]bool
	fail    map[string]error // op -> error
	calls   []Call
	closed  bool
}

func NewSurface(present ...string) *Surface {
	s := &Surface{present: map[string]bool{}, fail: map[string]error{}}
	for _, p := range present {
		s.present[p] = true
	}
	return s
}

// Show makes selector visible (or hides it with visible=false).
func (s *Surface) Show(selector string, visible bool) {
	s.mu.Lock()
	s.present[selector] = visible
	s.mu.Unlock()
}

// FailOn makes every future call of op return err.
func (s *Surface) FailOn(op string, err error) {
	s.mu.Lock()
	s.fail[op] = err
	s.mu.Unlock()
}

func (s *Surface) record(c Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, c)
	if s.closed && c.Op != "close" {
		return errors.New("surface closed")
	}
	return s.fail[c.Op]
}

func (s *Surface) Navigate(_ context.Context, url string) error {
	return s.record(Call{Op: "navigate", Arg: url})
}

func (s *Surface) WaitVisible(ctx context.Context, selector string) error {
	if err := s.record(Call{Op: "wait", Selector: selector}); err != nil {
		return err
	}
	s.mu.Lock()
	ok := s.present[selector]
	s.mu.Unlock()
	if ok {
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

func (s *Surface) Visible(_ context.Context, selector string) (bool, error) {
	if err := s.record(Call{Op: "probe", Selector: selector}); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.present[selector], nil
}

func (s *Surface) Click(_ context.Context, selector string) error {
	return s.record(Call{Op: "click", Selector: selector})
}

func (s *Surface) Type(_ context.Context, selector, text string) error {
	return s.record(Call{Op: "type", Selector: selector, Arg: text})
}

func (s *Surface) SoftBreak(_ context.Context, selector string) error {
	return s.record(Call{Op: "softbreak", Selector: selector})
}

func (s *Surface) Submit(_ context.Context, selector string) error {
	return s.record(Call{Op: "submit", Selector: selector})
}

func (s *Surface) Close() error {
	_ = s.record(Call{Op: "close"})
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Calls returns a copy of the recorded calls.
func (s *Surface) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// Count returns how many calls of op were recorded.
func (s *Surface) Count(op string) int {
	n := 0
	for _, c := range s.Calls() {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Typed joins every typed chunk, rendering soft breaks as "\n".
func (s *Surface) Typed() string {
	var b strings.Builder
	for _, c := range s.Calls() {
		switch c.Op {
		case "type":
			b.WriteString(c.Arg)
		case "softbreak":
			b.WriteString("\n")
		}
	}
	return b.String()
}

func (s *Surface) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Launcher hands out surfaces. Next is returned by the following Launch;
// when nil a fresh Surface with Present selectors is created.
type Launcher struct {
	mu       sync.Mutex
	Present  []string
	Next     *Surface
	Err      error
	Launched []*Surface
	block    chan struct{}
}

// Block makes Launch wait until Release is called.
func (l *Launcher) Block() {
	l.mu.Lock()
	l.block = make(chan struct{})
	l.mu.Unlock()
}

func (l *Launcher) Release() {
	l.mu.Lock()
	if l.block != nil {
		close(l.block)
		l.block = nil
	}
	l.mu.Unlock()
}

func (l *Launcher) Launch(ctx context.Context) (session.Surface, error) {
	l.mu.Lock()
	block := l.block
	l.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Err != nil {
		return nil, l.Err
	}
	s := l.Next
	l.Next = nil
	if s == nil {
		s = NewSurface(l.Present...)
	}
	l.Launched = append(l.Launched, s)
	return s, nil
}

// Last returns the most recently launched surface.
func (l *Launcher) Last() *Surface {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.Launched) == 0 {
		return nil
	}
	return l.Launched[len(l.Launched)-1]
}
