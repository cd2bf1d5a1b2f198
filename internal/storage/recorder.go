package storage

import (
	"context"
	"time"

	"groupbot/internal/control"
	"groupbot/internal/dispatch"
	"groupbot/internal/eventbus"
	logx "groupbot/pkg/logx"
)

const writeTimeout = 2 * time.Second

// Recorder copies dispatch runs and panel commands from the bus into a Store.
type Recorder struct {
	store Store
	bus   eventbus.Bus
	log   logx.Logger
}

func NewRecorder(store Store, bus eventbus.Bus, log logx.Logger) *Recorder {
	return &Recorder{store: store, bus: bus, log: log.With(logx.String("comp", "recorder"))}
}

// Run consumes events until ctx is done. Write errors are logged and dropped.
func (r *Recorder) Run(ctx context.Context) {
	events, unsub := r.bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			r.handle(ev)
		}
	}
}

func (r *Recorder) handle(ev eventbus.Event) {
	wctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	switch ev.Type {
	case eventbus.TypeDispatchRun:
		run, ok := ev.Data.(dispatch.Run)
		if !ok {
			return
		}
		if err := r.store.AppendRun(wctx, run); err != nil {
			r.log.Warn("record run failed", logx.String("run", run.ID), logx.Err(err))
		}
	case eventbus.TypeCommand:
		c, ok := ev.Data.(control.Command)
		if !ok {
			return
		}
		e := AuditEntry{
			At:      c.At,
			Command: c.Name,
			Level:   string(c.Status.Level),
			Text:    c.Status.Text,
			TookMS:  c.Took.Milliseconds(),
		}
		if err := r.store.AppendAudit(wctx, e); err != nil {
			r.log.Warn("record command failed", logx.String("cmd", c.Name), logx.Err(err))
		}
	}
}
