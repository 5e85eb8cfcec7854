package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"livesched/internal/eventbus"
	logx "livesched/pkg/logx"
)

// AddCron registers a job on a cron spec ("*/5 * * * *", "@hourly").
// Registering the same name twice replaces the earlier job.
func (s *Service) AddCron(name, spec string, timeout time.Duration, job func(ctx context.Context) error) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.TrimSpace(name) == "" {
		return "", errors.New("name required")
	}
	_ = s.removeJobLocked(name)
	id := fmt.Sprintf("cron:%d", time.Now().UnixNano())
	d := jobDef{
		id:      id,
		name:    name,
		spec:    spec,
		timeout: s.resolveTimeout(timeout),
		job:     job,
		state:   &runState{},
	}
	s.defs = append(s.defs, d)
	if s.c != nil {
		if err := s.addCronLocked(&s.defs[len(s.defs)-1]); err != nil {
			return id, err
		}
		s.log.Debug("job registered", logx.String("job", name), logx.String("spec", spec))
	}
	// Not started yet: keep the definition and register on Start().
	return id, nil
}

// AddInterval registers a job firing every given duration.
func (s *Service) AddInterval(name string, every time.Duration, timeout time.Duration, job func(ctx context.Context) error) (string, error) {
	if every <= 0 {
		return "", errors.New("interval must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.TrimSpace(name) == "" {
		return "", errors.New("name required")
	}
	_ = s.removeJobLocked(name)
	id := fmt.Sprintf("interval:%d", time.Now().UnixNano())
	d := jobDef{
		id:      id,
		name:    name,
		spec:    fmt.Sprintf("@every %s", every.String()),
		timeout: s.resolveTimeout(timeout),
		job:     job,
		state:   &runState{},
	}
	s.defs = append(s.defs, d)
	if s.c != nil {
		if err := s.addCronLocked(&s.defs[len(s.defs)-1]); err != nil {
			return id, err
		}
		s.log.Debug("job registered", logx.String("job", name), logx.String("spec", d.spec))
	}
	return id, nil
}

// Remove unschedules the named job. It reports whether anything was
// removed and is safe to call while stopped.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeJobLocked(name)
}

// removeJobLocked removes all defs matching name and unregisters them
// from cron if running. Call with s.mu held.
func (s *Service) removeJobLocked(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	removed := false
	if s.c != nil {
		for i := range s.defs {
			if s.defs[i].name == name && s.defs[i].entryID != 0 {
				s.c.Remove(s.defs[i].entryID)
				s.defs[i].entryID = 0
				removed = true
			}
		}
	}
	n := 0
	for _, d := range s.defs {
		if d.name == name {
			removed = true
			continue
		}
		s.defs[n] = d
		n++
	}
	s.defs = s.defs[:n]
	return removed
}

func (s *Service) addCronLocked(d *jobDef) error {
	eid, err := s.c.AddFunc(d.spec, func() {
		// Overlap control: a tick that lands while the previous run is
		// still executing is skipped, not queued behind it.
		d.state.mu.Lock()
		running := d.state.running
		d.state.mu.Unlock()
		if running {
			s.log.Debug("job skipped, previous run still executing", logx.String("job", d.name))
			if s.bus != nil {
				now := time.Now()
				s.bus.Publish(eventbus.Event{Type: "job.skipped", Time: now, Data: JobEvent{ID: d.id, Name: d.name, Started: now, Error: "overlap_skip"}})
			}
			return
		}
		s.enqueue(task{id: d.id, name: d.name, timeout: d.timeout, run: d.job, state: d.state})
	})
	if err == nil {
		d.entryID = eid
	}
	return err
}
