// Package runner executes the scheduler's periodic jobs: the
// materialization pass and the stream lifecycle sweeps. Jobs run on a
// cron schedule through a bounded queue and a small worker pool; a job
// still running when its next tick fires is skipped, not stacked.
package runner

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"livesched/internal/eventbus"
	logx "livesched/pkg/logx"
)

// Config controls the runner service.
type Config struct {
	Workers        int
	QueueSize      int
	DefaultTimeout time.Duration
	Timezone       string // IANA TZ, e.g. "Asia/Jakarta"
}

type runState struct {
	mu      sync.Mutex
	running bool
}

type task struct {
	id      string
	name    string
	timeout time.Duration
	run     func(ctx context.Context) error
	state   *runState
}

type jobDef struct {
	id      string
	name    string
	spec    string // cron spec or @every
	timeout time.Duration
	job     func(ctx context.Context) error
	entryID cron.EntryID
	state   *runState
}

// JobEvent is the payload for the job.* event types.
type JobEvent struct {
	ID       string
	Name     string
	Started  time.Time
	Duration time.Duration
	Error    string
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	bus eventbus.Bus
	cfg Config
	loc *time.Location

	parser cron.Parser
	c      *cron.Cron
	defs   []jobDef

	queue  chan task
	stopCh chan struct{}
	// stopDone is non-nil while a Stop() is in progress; it is closed
	// when the workers fully exit.
	stopDone chan struct{}

	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup
}

// JobInfo describes a registered job and its next firing.
type JobInfo struct {
	ID      string
	Name    string
	Spec    string
	Timeout time.Duration
	Next    time.Time
	Prev    time.Time
}
