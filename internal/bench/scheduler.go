package bench

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"vssbench/internal/config"
	"vssbench/internal/storage"
	logx "vssbench/pkg/logx"
)

var ErrBusy = errors.New("bench: a run is already in progress")

// ConfigSource yields the config a run should use. config.Manager.Get
// satisfies it.
type ConfigSource func() *config.Config

// Scheduler triggers runs on a cron schedule or on demand. At most one run
// is in flight; overlapping triggers are refused.
type Scheduler struct {
	runner *Runner
	cfg    ConfigSource
	log    logx.Logger
	parser cron.Parser

	mu      sync.Mutex
	c       *cron.Cron
	spec    string
	entry   cron.EntryID
	ctx     context.Context
	running string
	last    *storage.Result
	wg      sync.WaitGroup
}

func NewScheduler(runner *Runner, cfg ConfigSource, log logx.Logger) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		runner: runner,
		cfg:    cfg,
		log:    log.With(logx.String("comp", "scheduler")),
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Start begins ticking. Runs use ctx, so cancelling it aborts them.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	s.ctx = ctx
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(time.Local))
	if err := s.applyLocked(s.currentSpec()); err != nil {
		s.c = nil
		return err
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("schedule", s.spec))
	return nil
}

// Apply replaces the schedule. An empty spec disables scheduled runs.
func (s *Scheduler) Apply(spec string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return nil
	}
	return s.applyLocked(spec)
}

func (s *Scheduler) applyLocked(spec string) error {
	spec = strings.TrimSpace(spec)
	if spec == s.spec && (spec == "" || s.entry != 0) {
		return nil
	}
	var sched cron.Schedule
	if spec != "" {
		var err error
		if sched, err = s.parser.Parse(spec); err != nil {
			return err
		}
	}
	if s.entry != 0 {
		s.c.Remove(s.entry)
		s.entry = 0
	}
	s.spec = spec
	if sched == nil {
		return nil
	}
	s.entry = s.c.Schedule(sched, cron.FuncJob(func() {
		if _, err := s.Trigger(); err != nil && !errors.Is(err, ErrBusy) {
			s.log.Warn("scheduled run not started", logx.Err(err))
		} else if errors.Is(err, ErrBusy) {
			s.log.Info("scheduled run skipped; previous run still going")
		}
	}))
	s.log.Debug("schedule applied", logx.String("schedule", spec))
	return nil
}

func (s *Scheduler) currentSpec() string {
	if cfg := s.cfg(); cfg != nil {
		return cfg.Bench.Schedule
	}
	return ""
}

// Trigger starts a run in the background and returns its id.
func (s *Scheduler) Trigger() (string, error) {
	cfg := s.cfg()
	if cfg == nil {
		return "", errors.New("bench: no config loaded")
	}
	s.mu.Lock()
	if s.ctx == nil {
		s.mu.Unlock()
		return "", errors.New("bench: scheduler not started")
	}
	if s.running != "" {
		s.mu.Unlock()
		return "", ErrBusy
	}
	id := uuid.NewString()
	s.running = id
	ctx := s.ctx
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		res, err := s.runner.run(ctx, id, cfg)
		s.mu.Lock()
		s.running = ""
		if err == nil {
			s.last = &res
		}
		s.mu.Unlock()
		if err != nil {
			s.log.Error("run failed to start", logx.String("run", id), logx.Err(err))
		}
	}()
	return id, nil
}

// Running returns the id of the run in flight, if any.
func (s *Scheduler) Running() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Last returns the most recent completed result.
func (s *Scheduler) Last() (storage.Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return storage.Result{}, false
	}
	return *s.last, true
}

// Next reports when the schedule fires next. Zero means never.
func (s *Scheduler) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil || s.entry == 0 {
		return time.Time{}
	}
	return s.c.Entry(s.entry).Next
}

// Stop halts the cron and waits for the running job to return or ctx to
// end.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.entry = 0
	s.spec = ""
	s.ctx = nil
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
