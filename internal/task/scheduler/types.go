package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"groupbot/internal/eventbus"
	"groupbot/internal/runtime/supervisor"
	logx "groupbot/pkg/logx"
)

// Config controls the polling loop.
type Config struct {
	Tick     time.Duration // default 30s
	Timezone string        // IANA TZ, e.g. "Asia/Kolkata"; empty means Local
}

// Job is one daily trigger. It is immutable once registered.
type Job struct {
	Name string
	At   string // HH:MM in the scheduler timezone
	Slot string // human label passed to the action
	Run  func(ctx context.Context) error
}

// Flag is the shared running flag the scheduler owns while started.
type Flag interface {
	Running() bool
	SetRunning(bool)
}

type entry struct {
	job   Job
	spec  string
	sched cron.Schedule

	next      time.Time
	lastSlot  time.Time // trigger time of the last firing
	lastFired time.Time
	lastErr   string
	lastTook  time.Duration
	runs      int
}

type Service struct {
	mu sync.Mutex

	log  logx.Logger
	bus  eventbus.Bus
	flag Flag
	sup  *supervisor.Supervisor

	cfg    Config
	loc    *time.Location
	parser cron.Parser

	entries []*entry
	// stop is non-nil while a loop generation is live; Stop closes it.
	stop chan struct{}
	gen  uint64

	// execMu serializes job actions across loop generations.
	execMu sync.Mutex

	now func() time.Time
}

type EntryInfo struct {
	Name      string        `json:"name"`
	At        string        `json:"at"`
	Slot      string        `json:"slot"`
	Spec      string        `json:"spec"`
	Next      time.Time     `json:"next,omitzero"`
	LastFired time.Time     `json:"last_fired,omitzero"`
	LastError string        `json:"last_error,omitempty"`
	LastTook  time.Duration `json:"last_took,omitempty"`
	Runs      int           `json:"runs"`
}

type Snapshot struct {
	Running  bool          `json:"running"`
	Tick     time.Duration `json:"tick"`
	Timezone string        `json:"timezone"`
	Entries  []EntryInfo   `json:"entries"`
}
