package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"groupbot/internal/eventbus"
	"groupbot/internal/runtime/supervisor"
	logx "groupbot/pkg/logx"
)

const defaultTick = 30 * time.Second

// New builds a stopped scheduler. root bounds every loop it will start; it is
// not the context of whoever calls Start.
func New(root context.Context, cfg Config, flag Flag, log logx.Logger, bus eventbus.Bus) *Service {
	if bus == nil {
		bus = eventbus.Nop()
	}
	log = log.With(logx.String("comp", "scheduler"))
	s := &Service{
		log:    log,
		bus:    bus,
		flag:   flag,
		sup:    supervisor.New(root, supervisor.WithLogger(log)),
		cfg:    cfg,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		now:    time.Now,
	}
	s.loc = s.loadLocationLocked()
	return s
}

// Running reports whether a loop generation is live.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stop != nil
}

// Apply swaps tick and timezone. A timezone change recomputes every next run.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if oldTZ == strings.TrimSpace(cfg.Timezone) {
		return
	}
	s.loc = s.loadLocationLocked()
	now := s.now().In(s.loc)
	for _, e := range s.entries {
		e.next = e.sched.Next(now)
	}
	s.log.Info("timezone changed", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.entries)))
}

// Start registers jobs and launches the polling loop. It is a no-op returning
// false when already running; the running registry is left untouched.
func (s *Service) Start(jobs []Job) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return false, nil
	}

	now := s.now().In(s.loc)
	entries := make([]*entry, 0, len(jobs))
	for _, j := range jobs {
		if strings.TrimSpace(j.Name) == "" {
			return false, errors.New("job name required")
		}
		if j.Run == nil {
			return false, fmt.Errorf("job %s: action required", j.Name)
		}
		spec, err := dailySpec(j.At)
		if err != nil {
			return false, fmt.Errorf("job %s: %w", j.Name, err)
		}
		sched, err := s.parser.Parse(spec)
		if err != nil {
			return false, fmt.Errorf("job %s: %w", j.Name, err)
		}
		entries = append(entries, &entry{job: j, spec: spec, sched: sched, next: sched.Next(now)})
	}

	s.entries = entries
	stop := make(chan struct{})
	s.stop = stop
	s.gen++
	gen := s.gen
	if s.flag != nil {
		s.flag.SetRunning(true)
	}

	s.sup.Go0(fmt.Sprintf("scheduler.loop.%d", gen), func(ctx context.Context) {
		s.loop(ctx, stop)
	})

	s.log.Info("scheduler started", logx.Int("jobs", len(entries)), logx.String("tz", s.loc.String()), logx.Uint64("gen", gen))
	for _, e := range entries {
		s.log.Debug("job registered", logx.String("name", e.job.Name), logx.String("spec", e.spec), logx.Time("next", e.next))
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeSchedulerState, Data: true})
	return true, nil
}

// Stop clears the registry and signals the loop to exit. A job that is
// already executing runs to completion. It returns false when not running.
func (s *Service) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop == nil {
		return false
	}
	close(s.stop)
	s.stop = nil
	s.entries = nil
	if s.flag != nil {
		s.flag.SetRunning(false)
	}
	s.log.Info("scheduler stopped", logx.Uint64("gen", s.gen))
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeSchedulerState, Data: false})
	return true
}

// Close stops the loop and waits for the loop goroutine (and any job it is
// running) to return, bounded by ctx.
func (s *Service) Close(ctx context.Context) error {
	s.Stop()
	return s.sup.Stop(ctx)
}

func (s *Service) tick() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.Tick > 0 {
		return s.cfg.Tick
	}
	return defaultTick
}

func (s *Service) loop(ctx context.Context, stop <-chan struct{}) {
	s.checkDue(ctx, stop)
	t := time.NewTimer(s.tick())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-t.C:
			s.checkDue(ctx, stop)
			t.Reset(s.tick())
		}
	}
}

// checkDue fires every due entry of the generation owning stop, in
// registration order.
func (s *Service) checkDue(ctx context.Context, stop <-chan struct{}) {
	s.mu.Lock()
	if s.stop == nil || s.stop != stop {
		s.mu.Unlock()
		return
	}
	now := s.now().In(s.loc)
	var due []*entry
	for _, e := range s.entries {
		if e.isDue(now) {
			e.lastSlot = e.next
			e.lastFired = now
			e.next = e.sched.Next(now)
			due = append(due, e)
		}
	}
	s.mu.Unlock()

	for _, e := range due {
		select {
		case <-stop:
			return
		default:
		}
		s.fire(ctx, e)
	}
}

// isDue keys the once-per-day rule on the trigger's date, so a late firing
// after a suspend does not swallow the next day's slot.
func (e *entry) isDue(now time.Time) bool {
	if now.Before(e.next) {
		return false
	}
	return !sameDay(e.lastSlot, e.next)
}

func sameDay(a, b time.Time) bool {
	if a.IsZero() {
		return false
	}
	a = a.In(b.Location())
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// fire runs one job action. Loop cancellation does not reach the action.
func (s *Service) fire(ctx context.Context, e *entry) {
	s.execMu.Lock()
	defer s.execMu.Unlock()

	log := s.log.With(logx.String("job", e.job.Name), logx.String("slot", e.job.Slot))
	start := time.Now()
	log.Info("job firing")

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("job panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return e.job.Run(context.WithoutCancel(ctx))
	}()
	took := time.Since(start)

	s.mu.Lock()
	e.runs++
	e.lastTook = took
	e.lastErr = ""
	if err != nil {
		e.lastErr = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		log.Warn("job failed", logx.Err(err), logx.Duration("took", took))
		return
	}
	log.Info("job done", logx.Duration("took", took))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
