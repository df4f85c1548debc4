package flow

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/dftworks/abiflow/internal/abivars"
)

// Flow is the top-level container of works for one calculation campaign.
// It owns the works exclusively, holds the cross-work dependency table and
// the continuation records of deferred (probe-driven) works, and answers
// the scheduler's two questions: which tasks are ready, and what happens
// when a task finishes.
//
// All mutation goes through a single-threaded poll loop; the flow does no
// internal locking. A concurrent poller would have to guard the dependency
// table and every status field with a mutex or a single-writer actor.
type Flow struct {
	Name    string
	Workdir string

	reg    *abivars.Registry
	runner ProbeRunner

	works     []*Work
	callbacks []*continuation
}

// continuation defers a dynamic work's construction until its trigger
// dependencies resolve. Fired exactly once, synchronously, from the poll
// loop.
type continuation struct {
	work  *Work
	fired bool
}

func New(workdir, name string, reg *abivars.Registry) *Flow {
	if reg == nil {
		reg = abivars.DefaultRegistry()
	}
	return &Flow{Name: name, Workdir: workdir, reg: reg}
}

func (f *Flow) Works() []*Work              { return f.works }
func (f *Flow) Registry() *abivars.Registry { return f.reg }

// SetProbeRunner attaches the launcher used for synchronous probe runs.
func (f *Flow) SetProbeRunner(r ProbeRunner) { f.runner = r }

// RegisterWork appends an empty work. Deps apply to every task later
// registered in it. A dependency cycle is rejected here, at registration
// time, never at schedule time.
func (f *Flow) RegisterWork(name string, deps ...Dep) (*Work, error) {
	w := &Work{
		flow: f,
		idx:  len(f.works),
		Name: name,
		deps: deps,
	}
	w.Workdir = filepath.Join(f.Workdir, fmt.Sprintf("w%d", w.idx))
	f.works = append(f.works, w)
	if err := f.checkCycles(); err != nil {
		f.works = f.works[:len(f.works)-1]
		return nil, err
	}
	return w, nil
}

// RegisterDynamicWork appends a probe-driven work of the given kind
// (qptdm, phonon) and records the continuation that will expand it once
// every dep resolves. The template deck is cloned per discovered
// sub-problem.
func (f *Flow) RegisterDynamicWork(kind, name string, template *abivars.Input, deps ...Dep) (*Work, error) {
	plan, finalize, err := newProbePlan(kind, template)
	if err != nil {
		return nil, err
	}
	w, err := f.RegisterWork(name, deps...)
	if err != nil {
		return nil, err
	}
	w.probe = plan
	w.finalize = finalize
	f.callbacks = append(f.callbacks, &continuation{work: w})
	return w, nil
}

// Build materializes every static work. Dynamic works build themselves
// after expansion.
func (f *Flow) Build() error {
	for _, w := range f.works {
		if err := w.Build(); err != nil {
			return err
		}
	}
	return nil
}

// ReadyTasks promotes init tasks whose dependencies are satisfied and
// returns every task currently ready to be handed to the launcher.
func (f *Flow) ReadyTasks() ([]*Task, error) {
	if err := f.advance(); err != nil {
		return nil, err
	}
	var ready []*Task
	for _, w := range f.works {
		if w.failed {
			continue
		}
		for _, t := range w.tasks {
			if t.status == StatusInit && t.built && !t.depsBlocked() && t.depsSatisfied() {
				if err := t.relinkInputs(); err != nil {
					return nil, err
				}
				t.status = StatusReady
			}
			if t.status == StatusReady {
				ready = append(ready, t)
			}
		}
	}
	return ready, nil
}

// TaskDone records an external process exit and propagates the outcome:
// retry on a bounded failure, mark the owning work failed on a permanent
// one, finalize works whose tasks are all ok and fire any continuation
// whose trigger resolved. Run-time task failures are recorded, never
// raised, so one failing calculation cannot abort the whole campaign.
func (f *Flow) TaskDone(t *Task, exitCode int) error {
	if err := t.OnDone(exitCode); err != nil {
		return err
	}
	if t.status == StatusError {
		if t.CanRestart() {
			return t.Restart()
		}
		t.work.markFailed(fmt.Sprintf("task %s: %s", t.ID(), t.lastError))
	}
	return f.advance()
}

// advance finalizes completed works and fires resolved continuations,
// looping until a pass makes no progress (an expansion that discovers zero
// sub-problems finalizes immediately and may resolve the next trigger).
func (f *Flow) advance() error {
	for {
		progressed := false

		for _, w := range f.works {
			if !w.finalized && !w.failed && w.AllOK() {
				if err := w.OnAllOK(); err != nil {
					// Recorded on the work; siblings keep going.
					continue
				}
				progressed = true
			}
		}

		for _, cb := range f.callbacks {
			if cb.fired {
				continue
			}
			w := cb.work
			if w.depsBlockedWork() || !w.depsSatisfiedWork() {
				continue
			}
			cb.fired = true
			progressed = true
			if err := w.ExpandProbe(f.runner); err != nil {
				w.markFailed(err.Error())
			}
		}

		if !progressed {
			return nil
		}
	}
}

func (w *Work) depsSatisfiedWork() bool {
	for _, d := range w.deps {
		if !d.satisfied() {
			return false
		}
	}
	return true
}

func (w *Work) depsBlockedWork() bool {
	for _, d := range w.deps {
		if !d.Soft && failedNode(d.Producer) {
			return true
		}
	}
	return false
}

// Blocked reports whether the work waits, directly or transitively, on a
// permanently failed producer. Dependencies declared at task registration
// count as much as work-level ones: once an unfinished task is cut off
// the work can never reach AllOK, so the work is cut off too. Blocked
// works stay in init awaiting manual intervention; they are never
// silently skipped or failed.
func (f *Flow) Blocked(w *Work) bool {
	return f.blockedNode(w, make(map[Node]bool))
}

func (f *Flow) blockedNode(n Node, seen map[Node]bool) bool {
	if seen[n] {
		return false
	}
	seen[n] = true
	for _, d := range nodeDeps(n) {
		if d.Soft {
			continue
		}
		if failedNode(d.Producer) || f.blockedNode(d.Producer, seen) {
			return true
		}
	}
	// Task-level deps live on the tasks, not the work. A work with an
	// unfinished task that is cut off never finalizes, which cuts off
	// every consumer of the work's artifacts as well.
	if w, ok := n.(*Work); ok {
		for _, t := range w.tasks {
			if t.status == StatusOK {
				continue
			}
			if f.blockedNode(t, seen) {
				return true
			}
		}
	}
	return false
}

func nodeDeps(n Node) []Dep {
	switch p := n.(type) {
	case *Task:
		return p.deps
	case *Work:
		return p.deps
	}
	return nil
}

// Done reports whether the campaign has nothing left to do: every work is
// either finalized-success, permanently failed, or terminally blocked.
func (f *Flow) Done() bool {
	for _, w := range f.works {
		if w.finalized || w.failed {
			continue
		}
		if !f.Blocked(w) {
			return false
		}
	}
	return true
}

// AllTasks returns every task in work order.
func (f *Flow) AllTasks() []*Task {
	var out []*Task
	for _, w := range f.works {
		out = append(out, w.tasks...)
	}
	return out
}

// TaskCounts tallies task statuses for status displays.
func (f *Flow) TaskCounts() map[Status]int {
	counts := make(map[Status]int)
	for _, t := range f.AllTasks() {
		counts[t.status]++
	}
	return counts
}

// checkCycles verifies the dependency table is a DAG: depth-first
// traversal that must not revisit a node already on the current path.
func (f *Flow) checkCycles() error {
	const (
		white = iota
		grey
		black
	)
	color := make(map[Node]int)

	var visit func(n Node, path []string) error
	visit = func(n Node, path []string) error {
		switch color[n] {
		case black:
			return nil
		case grey:
			return &CycleError{Path: append(path, n.ID())}
		}
		color[n] = grey
		for _, d := range nodeDeps(n) {
			if err := visit(d.Producer, append(path, n.ID())); err != nil {
				return err
			}
		}
		color[n] = black
		return nil
	}

	for _, w := range f.works {
		if err := visit(w, nil); err != nil {
			return err
		}
		for _, t := range w.tasks {
			if err := visit(t, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// ShowDependencies writes a read-only view of the dependency table.
func (f *Flow) ShowDependencies(out io.Writer) {
	for _, w := range f.works {
		fmt.Fprintf(out, "%s (%s) [%s]%s\n", w.ID(), w.Name, w.Status(), depsString(w.deps))
		for _, t := range w.tasks {
			fmt.Fprintf(out, "  %s [%s]%s\n", t.ID(), t.status, depsString(t.deps))
		}
	}
}

func depsString(deps []Dep) string {
	if len(deps) == 0 {
		return ""
	}
	parts := make([]string, len(deps))
	for i, d := range deps {
		parts[i] = fmt.Sprintf("%s:%s", d.Producer.ID(), d.Kind)
	}
	return " <- {" + strings.Join(parts, ", ") + "}"
}

// node resolves a persisted node id ("w0" or "w0_t1") back to the live
// object.
func (f *Flow) node(id string) (Node, bool) {
	for _, w := range f.works {
		if w.ID() == id {
			return w, true
		}
		for _, t := range w.tasks {
			if t.ID() == id {
				return t, true
			}
		}
	}
	return nil, false
}
