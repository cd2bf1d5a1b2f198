// Package dispatch is the job action: generate a message for a slot and
// deliver it through the session. Each firing is attempted once.
package dispatch

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"groupbot/internal/eventbus"
	"groupbot/internal/fault"
	"groupbot/internal/generator"
	"groupbot/internal/task/scheduler"
	logx "groupbot/pkg/logx"
)

// Slot is one daily time of day with its prompt label.
type Slot struct {
	At    string // HH:MM
	Label string
}

// Name is the job name for the slot, e.g. "dispatch-1130".
func (s Slot) Name() string { return "dispatch-" + strings.ReplaceAll(s.At, ":", "") }

// Slots is the fixed daily table.
var Slots = []Slot{
	{At: "11:30", Label: "11:30 AM – Pre-Lunch Hunger"},
	{At: "16:30", Label: "4:30 PM – Evening Snack Time"},
	{At: "21:30", Label: "9:30 PM – Late Night Cravings"},
}

// ManualSlot is the slot used by the send-test command.
func ManualSlot() Slot { return Slots[1] }

type Trigger string

const (
	TriggerSchedule Trigger = "schedule"
	TriggerTest     Trigger = "test"
)

type Status string

const (
	StatusSent    Status = "sent"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// Run is the outcome of one firing.
type Run struct {
	ID        string        `json:"id"`
	Job       string        `json:"job"`
	Slot      string        `json:"slot"`
	Trigger   Trigger       `json:"trigger"`
	StartedAt time.Time     `json:"started_at"`
	Took      time.Duration `json:"took"`
	Status    Status        `json:"status"`
	ErrorKind string        `json:"error_kind,omitempty"`
	Error     string        `json:"error,omitempty"`
	Chars     int           `json:"chars,omitempty"`
}

// Source yields the runtime configuration at fire time.
type Source interface {
	Dispatch() (credential, address string)
}

// Channel is the delivery session.
type Channel interface {
	OpenChannel(ctx context.Context, address string) error
	Deliver(ctx context.Context, text string) error
}

type Dispatcher struct {
	src Source
	gen generator.Generator
	ch  Channel
	log logx.Logger
	bus eventbus.Bus
	now func() time.Time
}

func New(src Source, gen generator.Generator, ch Channel, log logx.Logger, bus eventbus.Bus) *Dispatcher {
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Dispatcher{
		src: src,
		gen: gen,
		ch:  ch,
		log: log.With(logx.String("comp", "dispatch")),
		bus: bus,
		now: time.Now,
	}
}

// Run performs one firing and publishes its Run. The returned error is the
// marked cause of a skipped or failed firing.
func (d *Dispatcher) Run(ctx context.Context, slot Slot, trigger Trigger) (Run, error) {
	r := Run{
		ID:        uuid.NewString(),
		Job:       slot.Name(),
		Slot:      slot.Label,
		Trigger:   trigger,
		StartedAt: d.now(),
	}
	err := d.run(ctx, slot, &r)
	r.Took = d.now().Sub(r.StartedAt)
	if err != nil {
		r.ErrorKind = fault.KindOf(err)
		r.Error = err.Error()
	}

	log := d.log.With(
		logx.String("run", r.ID),
		logx.String("slot", r.Slot),
		logx.String("trigger", string(r.Trigger)),
	)
	switch r.Status {
	case StatusSent:
		log.Info("message sent", logx.Duration("took", r.Took), logx.Int("chars", r.Chars))
	case StatusSkipped:
		log.Warn("dispatch skipped", logx.String("kind", r.ErrorKind), logx.Err(err))
	default:
		log.Error("delivery failed", logx.String("kind", r.ErrorKind), logx.Err(err))
	}
	d.bus.Publish(eventbus.Event{Type: eventbus.TypeDispatchRun, Data: r})
	return r, err
}

func (d *Dispatcher) run(ctx context.Context, slot Slot, r *Run) error {
	cred, addr := d.src.Dispatch()
	if cred == "" {
		r.Status = StatusSkipped
		return fault.Missing("credential", "save the API key in the panel")
	}
	if addr == "" {
		r.Status = StatusSkipped
		return fault.Missing("target address", "save the group invite link in the panel")
	}

	text, err := d.gen.Generate(ctx, generator.Request{APIKey: cred, Slot: slot.Label})
	if err == nil && strings.TrimSpace(text) == "" {
		err = fault.New("generator returned an empty message")
	}
	if err != nil {
		r.Status = StatusSkipped
		if fault.Is(err, fault.ConfigurationMissing) {
			return err
		}
		return fault.Mark(fault.Wrap(err, "generate message"), fault.GenerationFailure)
	}
	r.Chars = len(text)

	if err := d.ch.OpenChannel(ctx, addr); err != nil {
		r.Status = StatusFailed
		return markDelivery(err)
	}
	if err := d.ch.Deliver(ctx, text); err != nil {
		r.Status = StatusFailed
		return markDelivery(err)
	}
	r.Status = StatusSent
	return nil
}

// markDelivery keeps an existing kind (a missing session stays
// ConfigurationMissing) and marks everything else as DeliveryFailure.
func markDelivery(err error) error {
	if fault.KindOf(err) != "internal" {
		return err
	}
	return fault.Mark(err, fault.DeliveryFailure)
}

// Job adapts a slot into a scheduler job. Failures are logged and recorded by
// Run; the job itself never reports an error.
func (d *Dispatcher) Job(slot Slot) scheduler.Job {
	return scheduler.Job{
		Name: slot.Name(),
		At:   slot.At,
		Slot: slot.Label,
		Run: func(ctx context.Context) error {
			_, _ = d.Run(ctx, slot, TriggerSchedule)
			return nil
		},
	}
}

// Jobs returns the scheduler jobs for every slot in Slots.
func (d *Dispatcher) Jobs() []scheduler.Job {
	jobs := make([]scheduler.Job, 0, len(Slots))
	for _, s := range Slots {
		jobs = append(jobs, d.Job(s))
	}
	return jobs
}
