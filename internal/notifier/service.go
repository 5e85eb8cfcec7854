package notifier

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"livesched/internal/eventbus"
	logx "livesched/pkg/logx"
)

// Service is the async notification pipeline. It is safe for concurrent
// use.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	sender Sender

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	queue     chan string
	stopDone  chan struct{} // non-nil while stopping
	workerWG  sync.WaitGroup
	unsub     func()
}

// New builds a Service around a Sender.
func New(cfg Config, sender Sender, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{sender: sender, log: log}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the config. Queue and worker sizing take effect on the
// next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start spins up the workers. Idempotent; a no-op when disabled.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan string, s.cfg.QueueSize)
	s.accepting = true
	workers := s.cfg.Workers
	q := s.queue
	s.mu.Unlock()

	s.workerWG.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer s.workerWG.Done()
			s.workerLoop(ctx, q)
		}()
	}
	s.log.Info("notifier started", logx.Int("workers", workers), logx.Int("queue", cap(q)))
}

// Stop blocks intake and drains the queue best-effort until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	q := s.queue
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	unsub := s.unsub
	s.unsub = nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	// Closing the queue lets workers drain remaining messages and exit.
	close(q)

	go func() {
		s.workerWG.Wait()
		s.mu.Lock()
		s.queue = nil
		s.stopDone = nil
		s.mu.Unlock()
		close(done)
		s.log.Info("notifier stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// Drain continues in background.
	}
}

// Notify enqueues a message for delivery.
func (s *Service) Notify(text string) error {
	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	s.mu.Unlock()

	select {
	case q <- text:
		return nil
	default:
		return ErrQueueFull
	}
}

// Attach subscribes the notifier to scheduler events on the bus. Events
// arriving while the queue is full are dropped; notifications are
// best-effort by design.
func (s *Service) Attach(bus eventbus.Bus) {
	if bus == nil {
		return
	}
	events, unsub := bus.Subscribe(64)
	s.mu.Lock()
	s.unsub = unsub
	s.mu.Unlock()

	go func() {
		for e := range events {
			text := formatEvent(e)
			if text == "" {
				continue
			}
			if err := s.Notify(text); err != nil {
				s.log.Debug("notification dropped", logx.String("type", e.Type), logx.Err(err))
			}
		}
	}()
}

func (s *Service) workerLoop(ctx context.Context, queue <-chan string) {
	for text := range queue {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := s.sender.Send(sendCtx, text)
		cancel()
		if err != nil {
			s.log.Warn("notification send failed", logx.Err(err))
		}
	}
}

func formatEvent(e eventbus.Event) string {
	switch e.Type {
	case eventbus.TypeStreamCreated:
		if d, ok := e.Data.(eventbus.StreamEvent); ok {
			return fmt.Sprintf("📅 Scheduled: %s at %s", d.Title, d.StartsAt.Format("2006-01-02 15:04 MST"))
		}
	case eventbus.TypeStreamStarted:
		if d, ok := e.Data.(eventbus.StreamEvent); ok {
			return fmt.Sprintf("🔴 Live: %s", d.Title)
		}
	case eventbus.TypeStreamEnded:
		if d, ok := e.Data.(eventbus.StreamEvent); ok {
			return fmt.Sprintf("⏹ Ended: %s", d.Title)
		}
	case eventbus.TypeRuleRejected:
		if d, ok := e.Data.(eventbus.RuleRejectedEvent); ok {
			return fmt.Sprintf("⚠️ Rule %s rejected: %s", d.RuleID, d.Reason)
		}
	case eventbus.TypeStreamsPurged:
		if d, ok := e.Data.(eventbus.PurgeEvent); ok {
			return fmt.Sprintf("🧹 Purged %d ended streams", d.Removed)
		}
	}
	return ""
}
