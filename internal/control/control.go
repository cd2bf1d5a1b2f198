// Package control implements the operator commands behind the panel. Every
// command returns a Status to render; none of them returns an error.
package control

import (
	"context"
	"strings"
	"time"

	"groupbot/internal/dispatch"
	"groupbot/internal/eventbus"
	"groupbot/internal/fault"
	"groupbot/internal/session"
	"groupbot/internal/state"
	"groupbot/internal/task/scheduler"
	logx "groupbot/pkg/logx"
)

type Level string

const (
	LevelSuccess Level = "success"
	LevelInfo    Level = "info"
	LevelError   Level = "error"
)

// Status is the human-readable outcome of a command.
type Status struct {
	Level Level  `json:"level"`
	Text  string `json:"text"`
}

func (s Status) OK() bool { return s.Level != LevelError }

// Command is published on the bus after each command.
type Command struct {
	Name   string        `json:"name"`
	Status Status        `json:"status"`
	At     time.Time     `json:"at"`
	Took   time.Duration `json:"took"`
}

type Session interface {
	Initialize(ctx context.Context) (*session.Handle, error)
	Snapshot() session.Info
}

type Scheduler interface {
	Start(jobs []scheduler.Job) (bool, error)
	Stop() bool
	Snapshot() scheduler.Snapshot
}

type Runner interface {
	Run(ctx context.Context, slot dispatch.Slot, trigger dispatch.Trigger) (dispatch.Run, error)
	Jobs() []scheduler.Job
}

type Surface struct {
	store  *state.Store
	sess   Session
	sched  Scheduler
	runner Runner
	log    logx.Logger
	bus    eventbus.Bus
}

func New(store *state.Store, sess Session, sched Scheduler, runner Runner, log logx.Logger, bus eventbus.Bus) *Surface {
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Surface{
		store:  store,
		sess:   sess,
		sched:  sched,
		runner: runner,
		log:    log.With(logx.String("comp", "control")),
		bus:    bus,
	}
}

// SaveConfig stores the credential and target address. A running scheduler
// picks them up at its next firing.
func (c *Surface) SaveConfig(credential, address string) Status {
	start := time.Now()
	c.store.SaveConfig(credential, address)
	snap := c.store.Snapshot()
	c.log.Info("configuration saved", logx.Bool("credential_set", snap.CredentialSet), logx.Bool("address_set", snap.TargetAddress != ""))
	return c.finish("save-config", start, Status{Level: LevelSuccess, Text: "Configuration saved."})
}

// InitializeSession starts the browser and waits for the logged-in page.
func (c *Surface) InitializeSession(ctx context.Context) Status {
	start := time.Now()
	h, err := c.sess.Initialize(ctx)
	if err != nil {
		if fault.Is(err, session.ErrAlreadyInitialized) {
			return c.finish("init-session", start, Status{Level: LevelInfo, Text: "Browser session is already initialized."})
		}
		return c.finish("init-session", start, failure("Browser session failed to initialize", err))
	}
	c.store.SetSession(h)
	return c.finish("init-session", start, Status{Level: LevelSuccess, Text: "Browser session is ready."})
}

// Start launches the daily schedule.
func (c *Surface) Start() Status {
	start := time.Now()
	if err := c.ready(); err != nil {
		return c.finish("start", start, failure("Cannot start the scheduler", err))
	}
	started, err := c.sched.Start(c.runner.Jobs())
	if err != nil {
		return c.finish("start", start, failure("Cannot start the scheduler", err))
	}
	if !started {
		return c.finish("start", start, Status{Level: LevelInfo, Text: "Scheduler is already running."})
	}
	return c.finish("start", start, Status{Level: LevelSuccess, Text: "Scheduler started: messages go out at 11:30, 16:30 and 21:30."})
}

// Stop halts the schedule. A delivery already in progress completes.
func (c *Surface) Stop() Status {
	start := time.Now()
	if !c.sched.Stop() {
		return c.finish("stop", start, Status{Level: LevelInfo, Text: "Scheduler is not running."})
	}
	return c.finish("stop", start, Status{Level: LevelSuccess, Text: "Scheduler stopped."})
}

// SendTest runs one immediate dispatch for the manual slot.
func (c *Surface) SendTest(ctx context.Context) Status {
	start := time.Now()
	if err := c.ready(); err != nil {
		return c.finish("test", start, failure("Cannot send a test message", err))
	}
	r, err := c.runner.Run(ctx, dispatch.ManualSlot(), dispatch.TriggerTest)
	if err != nil {
		if r.Status == dispatch.StatusSkipped {
			return c.finish("test", start, failure("Test message skipped", err))
		}
		return c.finish("test", start, failure("Test message failed", err))
	}
	return c.finish("test", start, Status{Level: LevelSuccess, Text: "Test message sent."})
}

// View is everything the status page renders.
type View struct {
	Config    state.Snapshot     `json:"config"`
	Session   session.Info       `json:"session"`
	Scheduler scheduler.Snapshot `json:"scheduler"`
}

func (c *Surface) Snapshot() View {
	return View{
		Config:    c.store.Snapshot(),
		Session:   c.sess.Snapshot(),
		Scheduler: c.sched.Snapshot(),
	}
}

// ready checks the preconditions shared by Start and SendTest.
func (c *Surface) ready() error {
	cred, addr := c.store.Dispatch()
	switch {
	case cred == "":
		return fault.Missing("credential", "save the API key first")
	case addr == "":
		return fault.Missing("target address", "save the group invite link first")
	case c.store.Session() == nil:
		return fault.Missing("browser session", "initialize the browser session first")
	}
	return nil
}

func (c *Surface) finish(name string, start time.Time, st Status) Status {
	took := time.Since(start)
	fields := []logx.Field{logx.String("cmd", name), logx.String("level", string(st.Level)), logx.Duration("took", took)}
	if st.Level == LevelError {
		c.log.Warn(st.Text, fields...)
	} else {
		c.log.Debug("command done", fields...)
	}
	c.bus.Publish(eventbus.Event{Type: eventbus.TypeCommand, Data: Command{Name: name, Status: st, At: start, Took: took}})
	return st
}

// failure renders err with its hints for the operator.
func failure(prefix string, err error) Status {
	var b strings.Builder
	b.WriteString(prefix)
	b.WriteString(": ")
	b.WriteString(err.Error())
	if h := fault.FlattenHints(err); h != "" {
		b.WriteString(". Hint: ")
		b.WriteString(strings.ReplaceAll(h, "\n--\n", "; "))
	}
	return Status{Level: LevelError, Text: b.String()}
}
