package control

import (
	"context"
	"strings"
	"testing"
	"time"

	"groupbot/internal/dispatch"
	"groupbot/internal/eventbus"
	"groupbot/internal/generator"
	"groupbot/internal/session"
	"groupbot/internal/session/sessiontest"
	"groupbot/internal/state"
	"groupbot/internal/task/scheduler"
	logx "groupbot/pkg/logx"
)

const (
	selReady    = "#ready"
	selComposer = "#composer"
)

type staticGen struct{ text string }

func (g staticGen) Generate(context.Context, generator.Request) (string, error) { return g.text, nil }

type fixture struct {
	c        *Surface
	store    *state.Store
	sched    *scheduler.Service
	launcher *sessiontest.Launcher
	bus      eventbus.Bus
}

func newFixture(t *testing.T, present ...string) *fixture {
	t.Helper()
	bus := eventbus.New()
	store := state.New()
	l := &sessiontest.Launcher{Present: present}
	sess := session.New(session.Config{
		HostURL:        "https://chat.example",
		InitTimeout:    50 * time.Millisecond,
		JoinTimeout:    5 * time.Millisecond,
		ComposeTimeout: 20 * time.Millisecond,
		ActionTimeout:  time.Second,
		Selectors:      session.Selectors{Ready: selReady, Join: "#join", Composer: selComposer},
	}, l, logx.Nop(), bus)
	sched := scheduler.New(context.Background(), scheduler.Config{Tick: time.Hour, Timezone: "UTC"}, store, logx.Nop(), bus)
	t.Cleanup(func() { _ = sched.Close(context.Background()) })
	d := dispatch.New(store, staticGen{text: "snack o'clock"}, sess, logx.Nop(), bus)
	return &fixture{
		c:        New(store, sess, sched, d, logx.Nop(), bus),
		store:    store,
		sched:    sched,
		launcher: l,
		bus:      bus,
	}
}

func TestStartPreconditions(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		credential string
		address    string
		initialize bool
		wantText   string
	}{
		{"empty credential", "", "https://chat.example/invite/x", true, "credential is not configured"},
		{"empty address", "gsk_key", "", true, "target address is not configured"},
		{"no session", "gsk_key", "https://chat.example/invite/x", false, "browser session is not configured"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, selReady)
			f.c.SaveConfig(tt.credential, tt.address)
			if tt.initialize {
				if st := f.c.InitializeSession(context.Background()); !st.OK() {
					t.Fatalf("init: %+v", st)
				}
			}
			st := f.c.Start()
			if st.Level != LevelError || !strings.Contains(st.Text, tt.wantText) {
				t.Fatalf("status = %+v", st)
			}
			if f.sched.Running() || f.store.Running() {
				t.Fatal("scheduler started without configuration")
			}
		})
	}
}

func TestStartStopCycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t, selReady, selComposer)
	f.c.SaveConfig("gsk_key", "https://chat.example/invite/x")
	if st := f.c.InitializeSession(context.Background()); st.Level != LevelSuccess {
		t.Fatalf("init: %+v", st)
	}
	if st := f.c.Start(); st.Level != LevelSuccess {
		t.Fatalf("start: %+v", st)
	}
	if st := f.c.Start(); st.Level != LevelInfo {
		t.Fatalf("second start: %+v", st)
	}
	view := f.c.Snapshot()
	if !view.Config.Running || len(view.Scheduler.Entries) != len(dispatch.Slots) {
		t.Fatalf("view = %+v", view)
	}
	if st := f.c.Stop(); st.Level != LevelSuccess {
		t.Fatalf("stop: %+v", st)
	}
	if st := f.c.Stop(); st.Level != LevelInfo {
		t.Fatalf("second stop: %+v", st)
	}
	if f.store.Running() {
		t.Fatal("running flag left set")
	}
}

func TestInitializeSessionTwice(t *testing.T) {
	t.Parallel()
	f := newFixture(t, selReady)
	first := f.c.InitializeSession(context.Background())
	h := f.store.Session()
	second := f.c.InitializeSession(context.Background())
	if first.Level != LevelSuccess || second.Level != LevelInfo {
		t.Fatalf("statuses = %+v, %+v", first, second)
	}
	if f.store.Session() != h || len(f.launcher.Launched) != 1 {
		t.Fatal("second initialize replaced the session")
	}
}

func TestInitializeSessionFailureLeavesStoreEmpty(t *testing.T) {
	t.Parallel()
	f := newFixture(t) // ready indicator never shows
	st := f.c.InitializeSession(context.Background())
	if st.Level != LevelError || !strings.Contains(st.Text, "failed to initialize") {
		t.Fatalf("status = %+v", st)
	}
	if f.store.Session() != nil {
		t.Fatal("failed handle stored")
	}
}

func TestSendTestAfterComposerTimeoutNeedsReinit(t *testing.T) {
	t.Parallel()
	f := newFixture(t, selReady) // composer missing on the first surface
	f.c.SaveConfig("gsk_key", "https://chat.example/invite/x")
	if st := f.c.InitializeSession(context.Background()); !st.OK() {
		t.Fatalf("init: %+v", st)
	}

	if st := f.c.SendTest(context.Background()); st.Level != LevelError {
		t.Fatalf("first test: %+v", st)
	}
	st := f.c.SendTest(context.Background())
	if st.Level != LevelError || !strings.Contains(st.Text, "initialize the browser session again") {
		t.Fatalf("second test: %+v", st)
	}

	f.launcher.Next = sessiontest.NewSurface(selReady, selComposer)
	if st := f.c.InitializeSession(context.Background()); st.Level != LevelSuccess {
		t.Fatalf("reinit: %+v", st)
	}
	if st := f.c.SendTest(context.Background()); st.Level != LevelSuccess {
		t.Fatalf("test after reinit: %+v", st)
	}
	if got := f.launcher.Last().Typed(); got != "snack o'clock" {
		t.Fatalf("typed = %q", got)
	}
}

func TestCommandsArePublished(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	events, unsub := f.bus.Subscribe(16)
	defer unsub()

	f.c.SaveConfig("k", "a")
	f.c.Stop()

	var names []string
	deadline := time.After(time.Second)
	for len(names) < 2 {
		select {
		case ev := <-events:
			if ev.Type != eventbus.TypeCommand {
				continue
			}
			names = append(names, ev.Data.(Command).Name)
		case <-deadline:
			t.Fatalf("commands = %v", names)
		}
	}
	if names[0] != "save-config" || names[1] != "stop" {
		t.Fatalf("commands = %v", names)
	}
}
