package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/dftworks/abiflow/internal/flow"
	"github.com/dftworks/abiflow/internal/launcher"
	"github.com/dftworks/abiflow/internal/storage"
)

const DefaultInterval = 5 * time.Second

// Runner is what the scheduler needs from a launcher. It is an interface
// so the poll loop can be driven in tests without real solver processes.
type Runner interface {
	flow.ProbeRunner
	Start(t *flow.Task, results chan<- launcher.Result) error
}

// Scheduler drives one flow to completion. It owns all graph mutation:
// launched processes only report exits back through the results channel,
// and the single Run goroutine applies them.
type Scheduler struct {
	flow     *flow.Flow
	store    *storage.Storage
	flowID   int64
	runner   Runner
	interval time.Duration
	logger   *slog.Logger
	results  chan launcher.Result
	inflight int
}

// New builds a scheduler. store may be nil, in which case state is not
// persisted between polls.
func New(f *flow.Flow, store *storage.Storage, flowID int64, runner Runner, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		flow:     f,
		store:    store,
		flowID:   flowID,
		runner:   runner,
		interval: interval,
		logger:   logger,
		results:  make(chan launcher.Result, 32),
	}
}

// Run polls until the flow is done or the context is cancelled. Done does
// not mean fully successful: failed and blocked works also count as
// settled, and the caller inspects the flow for the verdict.
func (s *Scheduler) Run(ctx context.Context) error {
	s.flow.SetProbeRunner(s.runner)
	s.logger.Info("scheduler started", "flow", s.flow.Name, "interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	if err := s.reconcile(); err != nil {
		return err
	}
	if err := s.dispatch(); err != nil {
		return err
	}
	if s.settled() {
		return s.finish()
	}

	for {
		select {
		case <-ctx.Done():
			s.persist()
			return ctx.Err()

		case res := <-s.results:
			s.inflight--
			code := res.ExitCode
			if res.Err != nil {
				s.logger.Error("task exit not observed", "task", res.Task.ID(), "error", res.Err)
				code = -1
			}
			s.logger.Info("task finished", "task", res.Task.ID(), "exit", code)
			if err := s.flow.TaskDone(res.Task, code); err != nil {
				s.logger.Error("task completion rejected", "task", res.Task.ID(), "error", err)
			}
			if err := s.dispatch(); err != nil {
				return err
			}
			if s.settled() {
				return s.finish()
			}

		case <-ticker.C:
			// Picks up tasks whose earlier launch attempt failed.
			if err := s.dispatch(); err != nil {
				return err
			}
			if s.settled() {
				return s.finish()
			}
		}
	}
}

// reconcile settles tasks left in the running state by a previous
// session. Their processes are not ours to wait on, so any survivor is
// killed and the task goes through the normal failure and retry path.
func (s *Scheduler) reconcile() error {
	for _, t := range s.flow.AllTasks() {
		if t.Status() != flow.StatusRunning {
			continue
		}
		if launcher.Alive(t.PID) {
			launcher.KillGroup(t.PID)
		}
		s.logger.Warn("orphaned task from a previous session", "task", t.ID(), "pid", t.PID)
		if err := s.flow.TaskDone(t, -1); err != nil {
			return err
		}
	}
	return nil
}

// dispatch launches every ready task. A launch failure leaves the task
// ready so the next poll retries it.
func (s *Scheduler) dispatch() error {
	ready, err := s.flow.ReadyTasks()
	if err != nil {
		return err
	}
	for _, t := range ready {
		if err := s.runner.Start(t, s.results); err != nil {
			s.logger.Error("launch failed", "task", t.ID(), "error", err)
			continue
		}
		s.inflight++
	}
	return s.persist()
}

func (s *Scheduler) settled() bool {
	return s.inflight == 0 && s.flow.Done()
}

func (s *Scheduler) finish() error {
	counts := s.flow.TaskCounts()
	s.logger.Info("flow settled",
		"flow", s.flow.Name,
		"ok", counts[flow.StatusOK],
		"error", counts[flow.StatusError],
		"init", counts[flow.StatusInit])
	return s.persist()
}

func (s *Scheduler) persist() error {
	if s.store == nil {
		return nil
	}
	return s.store.SaveFlow(s.flowID, s.flow.Snapshot())
}
