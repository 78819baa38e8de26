package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "revokeguard/pkg/logx"
)

type Config struct {
	Enabled  bool
	Timezone string
}

// Service triggers named jobs on cron or interval schedules.
//
// Jobs run with panic recovery, an optional per-job timeout, and an in-flight
// guard: a trigger firing while the previous run is still active is skipped.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger

	parser cron.Parser
	c      *cron.Cron
	runCtx context.Context

	entries map[string]cron.EntryID
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		log: log,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser:  cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		entries: map[string]cron.EntryID{},
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || !s.cfg.Enabled {
		return nil
	}

	loc := time.Local
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("scheduler timezone: %w", err)
		}
		loc = l
	}

	s.runCtx = ctx
	s.c = cron.New(cron.WithLocation(loc), cron.WithParser(s.parser))
	s.c.Start()
	s.log.Debug("scheduler started", logx.String("tz", loc.String()))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.entries = map[string]cron.EntryID{}
	s.mu.Unlock()

	if c == nil {
		return
	}
	stopCtx := c.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
}

// AddSchedule registers a job from a raw schedule string (cron or interval).
func (s *Service) AddSchedule(name, spec string, timeout time.Duration, job func(ctx context.Context) error) error {
	parsed, err := ParseSchedule(spec)
	if err != nil {
		return err
	}
	if parsed.Kind == SpecInterval {
		return s.AddInterval(name, parsed.Every, timeout, job)
	}
	return s.AddCron(name, parsed.Cron, timeout, job)
}

func (s *Service) AddCron(name, spec string, timeout time.Duration, job func(ctx context.Context) error) error {
	return s.add(name, spec, timeout, job)
}

func (s *Service) AddInterval(name string, every time.Duration, timeout time.Duration, job func(ctx context.Context) error) error {
	if every <= 0 {
		return fmt.Errorf("interval must be > 0")
	}
	return s.add(name, "@every "+every.String(), timeout, job)
}

func (s *Service) add(name, spec string, timeout time.Duration, job func(ctx context.Context) error) error {
	if name == "" {
		return fmt.Errorf("job name required")
	}
	if job == nil {
		return fmt.Errorf("job func required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return fmt.Errorf("scheduler not running")
	}
	if old, ok := s.entries[name]; ok {
		s.c.Remove(old)
	}

	runCtx := s.runCtx
	var inFlight atomic.Bool
	wrapped := func() {
		if !inFlight.CompareAndSwap(false, true) {
			s.log.Debug("job still running, trigger skipped", logx.String("job", name))
			return
		}
		defer inFlight.Store(false)
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("panic in scheduled job", logx.String("job", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()

		jctx := runCtx
		if jctx == nil {
			jctx = context.Background()
		}
		if jctx.Err() != nil {
			return
		}
		var cancel context.CancelFunc
		if timeout > 0 {
			jctx, cancel = context.WithTimeout(jctx, timeout)
			defer cancel()
		}

		start := time.Now()
		if err := job(jctx); err != nil {
			s.log.Warn("scheduled job failed", logx.String("job", name), logx.Duration("took", time.Since(start)), logx.Err(err))
			return
		}
		s.log.Debug("scheduled job done", logx.String("job", name), logx.Duration("took", time.Since(start)))
	}

	id, err := s.c.AddFunc(spec, wrapped)
	if err != nil {
		return fmt.Errorf("schedule %q for %s: %w", spec, name, err)
	}
	s.entries[name] = id
	return nil
}

// Remove unregisters a job; unknown names are a no-op.
func (s *Service) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return
	}
	if id, ok := s.entries[name]; ok {
		s.c.Remove(id)
		delete(s.entries, name)
	}
}
