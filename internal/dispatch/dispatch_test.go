package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"groupbot/internal/eventbus"
	"groupbot/internal/fault"
	"groupbot/internal/generator"
	"groupbot/internal/session"
	"groupbot/internal/session/sessiontest"
	"groupbot/internal/state"
	logx "groupbot/pkg/logx"
)

type fakeGen struct {
	mu    sync.Mutex
	text  string
	err   error
	calls []generator.Request
}

func (g *fakeGen) Generate(_ context.Context, req generator.Request) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, req)
	return g.text, g.err
}

type fakeChannel struct {
	openErr, deliverErr error
	opened, delivered   []string
}

func (c *fakeChannel) OpenChannel(_ context.Context, addr string) error {
	c.opened = append(c.opened, addr)
	return c.openErr
}

func (c *fakeChannel) Deliver(_ context.Context, text string) error {
	c.delivered = append(c.delivered, text)
	return c.deliverErr
}

func configured() *state.Store {
	st := state.New()
	st.SaveConfig("gsk_key", "https://chat.example/invite/abc")
	return st
}

func TestSlotsTable(t *testing.T) {
	t.Parallel()
	if len(Slots) != 3 {
		t.Fatalf("slots = %d", len(Slots))
	}
	if m := ManualSlot(); m.At != "16:30" || m.Label != "4:30 PM – Evening Snack Time" {
		t.Fatalf("manual slot = %+v", m)
	}
	if Slots[0].Name() != "dispatch-1130" {
		t.Fatalf("name = %q", Slots[0].Name())
	}
}

func TestRunSendsMessage(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()

	gen := &fakeGen{text: "one\ntwo\nthree"}
	ch := &fakeChannel{}
	d := New(configured(), gen, ch, logx.Nop(), bus)

	r, err := d.Run(context.Background(), ManualSlot(), TriggerTest)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if r.Status != StatusSent || r.ErrorKind != "" || r.Chars != len("one\ntwo\nthree") {
		t.Fatalf("run = %+v", r)
	}
	if gen.calls[0].Slot != "4:30 PM – Evening Snack Time" || gen.calls[0].APIKey != "gsk_key" {
		t.Fatalf("generator request = %+v", gen.calls[0])
	}
	if len(ch.opened) != 1 || ch.delivered[0] != "one\ntwo\nthree" {
		t.Fatalf("channel = %+v", ch)
	}

	select {
	case ev := <-events:
		if ev.Type != eventbus.TypeDispatchRun || ev.Data.(Run).ID != r.ID {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("run not published")
	}
}

func TestRunEmptyGenerationSkipsDelivery(t *testing.T) {
	t.Parallel()
	gen := &fakeGen{text: ""}
	ch := &fakeChannel{}
	d := New(configured(), gen, ch, logx.Nop(), nil)

	// Scheduled path: the job reports no error.
	if err := d.Job(ManualSlot()).Run(context.Background()); err != nil {
		t.Fatalf("job returned %v", err)
	}
	if len(ch.opened)+len(ch.delivered) != 0 {
		t.Fatal("delivery attempted after empty generation")
	}

	r, err := d.Run(context.Background(), ManualSlot(), TriggerTest)
	if !fault.Is(err, fault.GenerationFailure) || r.Status != StatusSkipped {
		t.Fatalf("run = %+v, err = %v", r, err)
	}
}

func TestRunFailureKinds(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		src        *state.Store
		gen        *fakeGen
		ch         *fakeChannel
		wantKind   string
		wantStatus Status
	}{
		{name: "no credential", src: state.New(), gen: &fakeGen{text: "x"}, ch: &fakeChannel{}, wantKind: "configuration_missing", wantStatus: StatusSkipped},
		{name: "generator error", src: configured(), gen: &fakeGen{err: errors.New("429")}, ch: &fakeChannel{}, wantKind: "generation_failure", wantStatus: StatusSkipped},
		{name: "open fails", src: configured(), gen: &fakeGen{text: "x"}, ch: &fakeChannel{openErr: errors.New("nav")}, wantKind: "delivery_failure", wantStatus: StatusFailed},
		{name: "deliver fails", src: configured(), gen: &fakeGen{text: "x"}, ch: &fakeChannel{deliverErr: errors.New("gone")}, wantKind: "delivery_failure", wantStatus: StatusFailed},
		{name: "no session", src: configured(), gen: &fakeGen{text: "x"}, ch: &fakeChannel{openErr: fault.Missing("session", "")}, wantKind: "configuration_missing", wantStatus: StatusFailed},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := New(tt.src, tt.gen, tt.ch, logx.Nop(), nil)
			r, err := d.Run(context.Background(), Slots[0], TriggerSchedule)
			if err == nil {
				t.Fatal("expected error")
			}
			if r.ErrorKind != tt.wantKind || r.Status != tt.wantStatus {
				t.Fatalf("run = %+v", r)
			}
		})
	}
}

func TestNoCredentialAttemptsNothing(t *testing.T) {
	t.Parallel()
	gen := &fakeGen{text: "x"}
	ch := &fakeChannel{}
	d := New(state.New(), gen, ch, logx.Nop(), nil)
	_, _ = d.Run(context.Background(), Slots[0], TriggerSchedule)
	if len(gen.calls) != 0 || len(ch.opened) != 0 {
		t.Fatal("work attempted without configuration")
	}
}

func TestRunThroughSession(t *testing.T) {
	t.Parallel()
	cfg := session.DefaultConfig()
	cfg.JoinTimeout = 10 * time.Millisecond
	cfg.Selectors.Login = ""
	l := &sessiontest.Launcher{Present: []string{cfg.Selectors.Ready, cfg.Selectors.Composer}}
	sess := session.New(cfg, l, logx.Nop(), nil)
	if _, err := sess.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	d := New(configured(), &fakeGen{text: "hungry?\ndrink water\nchocolate maybe"}, sess, logx.Nop(), nil)
	r, err := d.Run(context.Background(), ManualSlot(), TriggerTest)
	if err != nil || r.Status != StatusSent {
		t.Fatalf("run = %+v, err = %v", r, err)
	}
	surf := l.Last()
	if surf.Count("softbreak") != 2 || surf.Count("submit") != 1 {
		t.Fatalf("softbreaks=%d submits=%d", surf.Count("softbreak"), surf.Count("submit"))
	}
}

func TestJobsCoverEverySlot(t *testing.T) {
	t.Parallel()
	d := New(configured(), &fakeGen{}, &fakeChannel{}, logx.Nop(), nil)
	jobs := d.Jobs()
	if len(jobs) != len(Slots) {
		t.Fatalf("jobs = %d", len(jobs))
	}
	for i, j := range jobs {
		if j.At != Slots[i].At || j.Slot != Slots[i].Label || j.Run == nil {
			t.Fatalf("job %d = %+v", i, j)
		}
	}
}
