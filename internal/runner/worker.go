package runner

import (
	"context"
	"time"

	"livesched/internal/eventbus"
	logx "livesched/pkg/logx"
)

func (s *Service) enqueue(t task) {
	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()
	if q == nil {
		s.log.Debug("runner not running, dropping job", logx.String("job", t.name))
		return
	}
	select {
	case q <- t:
	default:
		s.log.Warn("runner queue full, dropping job",
			logx.String("job", t.name),
			logx.Int("queue_len", len(q)),
			logx.Int("queue_cap", cap(q)),
		)
	}
}

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan task) {
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case t := <-queue:
			s.execOne(ctx, t)
		}
	}
}

func (s *Service) execOne(ctx context.Context, t task) {
	start := time.Now()
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: "job.started", Time: start, Data: JobEvent{ID: t.id, Name: t.name, Started: start}})
	}

	// Mark running for overlap control, shared with the cron callback.
	if t.state != nil {
		t.state.mu.Lock()
		t.state.running = true
		t.state.mu.Unlock()
		defer func() {
			t.state.mu.Lock()
			t.state.running = false
			t.state.mu.Unlock()
		}()
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if t.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, t.timeout)
	}
	err := t.run(runCtx)
	if cancel != nil {
		cancel()
	}

	dur := time.Since(start)
	if err != nil {
		s.log.Warn("job failed", logx.String("job", t.name), logx.Err(err), logx.Duration("dur", dur))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: "job.failed", Time: time.Now(), Data: JobEvent{ID: t.id, Name: t.name, Started: start, Duration: dur, Error: err.Error()}})
		}
		return
	}

	// Frequent cheap jobs stay at debug; only elevate slow runs.
	if dur >= 750*time.Millisecond {
		s.log.Info("job completed", logx.String("job", t.name), logx.Duration("dur", dur))
	} else {
		s.log.Debug("job completed", logx.String("job", t.name), logx.Duration("dur", dur))
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: "job.finished", Time: time.Now(), Data: JobEvent{ID: t.id, Name: t.name, Started: start, Duration: dur}})
	}
}
