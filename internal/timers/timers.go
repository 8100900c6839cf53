// Package timers emits timer.cron and timer.after events from
// configured schedules.
package timers

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/surgeguard/internal/events"
	"github.com/rcourtman/surgeguard/internal/models"
)

// Kind values a timer spec accepts.
const (
	KindCron     = "cron"     // standard 5-field cron expression
	KindAfter    = "after"    // one-shot delay, e.g. "90s"
	KindInterval = "interval" // repeating delay, e.g. "5m"
)

// Spec describes one timer.
type Spec struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"`
	Schedule string `json:"schedule"`
}

// Sink receives fired timer events.
type Sink func(models.Event)

type entry struct {
	spec   Spec
	cancel context.CancelFunc
}

// Scheduler runs timers and pushes their firings to the sink.
type Scheduler struct {
	normalizer *events.Normalizer
	sink       Sink
	parser     cron.Parser

	mu      sync.Mutex
	entries map[string]*entry
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a scheduler.
func New(n *events.Normalizer, sink Sink) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		normalizer: n,
		sink:       sink,
		parser:     cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		entries:    make(map[string]*entry),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Add validates and starts a timer. Adding an existing ID replaces it.
func (s *Scheduler) Add(spec Spec) error {
	spec.ID = strings.TrimSpace(spec.ID)
	if spec.ID == "" {
		return fmt.Errorf("timer id is required")
	}

	var run func(ctx context.Context)
	switch spec.Kind {
	case KindCron:
		sched, err := s.parser.Parse(spec.Schedule)
		if err != nil {
			return fmt.Errorf("timer %s: invalid cron expression %q: %w", spec.ID, spec.Schedule, err)
		}
		run = func(ctx context.Context) { s.runCron(ctx, spec, sched) }

	case KindAfter, KindInterval:
		d, err := time.ParseDuration(spec.Schedule)
		if err != nil || d <= 0 {
			return fmt.Errorf("timer %s: invalid duration %q", spec.ID, spec.Schedule)
		}
		if spec.Kind == KindAfter {
			run = func(ctx context.Context) { s.runAfter(ctx, spec, d) }
		} else {
			run = func(ctx context.Context) { s.runInterval(ctx, spec, d) }
		}

	default:
		return fmt.Errorf("timer %s: unknown kind %q", spec.ID, spec.Kind)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.entries[spec.ID]; ok {
		old.cancel()
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.entries[spec.ID] = &entry{spec: spec, cancel: cancel}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		run(ctx)
	}()
	log.Info().Str("timer", spec.ID).Str("kind", spec.Kind).Str("schedule", spec.Schedule).Msg("Timer scheduled")
	return nil
}

// Remove stops a timer.
func (s *Scheduler) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[id]; ok {
		e.cancel()
		delete(s.entries, id)
		log.Info().Str("timer", id).Msg("Timer removed")
	}
}

// Stop cancels every timer and waits for them to exit.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) fire(spec Spec, oneShot bool) {
	s.sink(s.normalizer.TimerFired(spec.ID, spec.Schedule, oneShot))
}

func (s *Scheduler) runCron(ctx context.Context, spec Spec, sched cron.Schedule) {
	for {
		next := sched.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.fire(spec, false)
		}
	}
}

func (s *Scheduler) runAfter(ctx context.Context, spec Spec, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
		s.fire(spec, true)
		s.Remove(spec.ID)
	}
}

func (s *Scheduler) runInterval(ctx context.Context, spec Spec, d time.Duration) {
	ticker := time.NewTicker(d)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.fire(spec, false)
		}
	}
}
