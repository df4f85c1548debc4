package flow

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dftworks/abiflow/internal/abivars"
)

// Work is an ordered collection of tasks sharing a working directory.
// Registration order is the priority order, not the execution order;
// execution order falls out of the dependency table alone.
type Work struct {
	flow *Flow
	idx  int

	Name    string
	Workdir string

	tasks []*Task
	deps  []Dep

	built      bool
	finalized  bool
	failed     bool
	failReason string

	// finalize is the work-level post-processing hook run by OnAllOK,
	// e.g. merging partial SCR files produced by sibling tasks.
	finalize func(*Work) error

	// probe is non-nil for works whose task list is discovered at run
	// time. See dynamic.go.
	probe *probePlan

	// helper marks the throw-away single-task work that carries a probe
	// deck; its ids must not collide with the expanded tasks'.
	helper bool
}

func (w *Work) ID() string {
	if w.helper {
		return fmt.Sprintf("w%d_probe", w.idx)
	}
	return fmt.Sprintf("w%d", w.idx)
}
func (w *Work) Flow() *Flow       { return w.flow }
func (w *Work) Tasks() []*Task    { return w.tasks }
func (w *Work) Deps() []Dep       { return w.deps }
func (w *Work) Built() bool       { return w.built }
func (w *Work) Finalized() bool   { return w.finalized }
func (w *Work) Failed() bool      { return w.failed }
func (w *Work) Dynamic() bool     { return w.probe != nil }

// Status derives the work's position from its tasks. A work is ok only
// once finalized, so consumers never see artifacts before the completion
// hook has run.
func (w *Work) Status() Status {
	switch {
	case w.failed:
		return StatusError
	case w.finalized:
		return StatusOK
	}
	running, ready, allDone := false, false, len(w.tasks) > 0
	for _, t := range w.tasks {
		switch t.status {
		case StatusRunning:
			running = true
		case StatusReady:
			ready = true
		}
		// An errored task is pending a restart, not done.
		if t.status < StatusDone || t.status == StatusError {
			allDone = false
		}
	}
	switch {
	case running:
		return StatusRunning
	case allDone:
		return StatusDone
	case ready:
		return StatusReady
	}
	return StatusInit
}

// OutFile looks up an artifact in the work's own outdata (where merged
// results land) and then in each task.
func (w *Work) OutFile(kind string) (string, bool) {
	if path, ok := w.flow.reg.Find(w.outdir(), kind); ok {
		return path, true
	}
	for _, t := range w.tasks {
		if path, ok := t.OutFile(kind); ok {
			return path, true
		}
	}
	return "", false
}

func (w *Work) outdir() string { return filepath.Join(w.Workdir, "outdata") }

// Register appends a task with the given deck. Valid only before Build;
// after that the work is immutable in composition.
func (w *Work) Register(vars *abivars.Input, deps ...Dep) (*Task, error) {
	if w.built {
		return nil, configErrorf("work %s: cannot register tasks after build", w.ID())
	}
	t := &Task{
		work:       w,
		idx:        len(w.tasks),
		vars:       vars,
		maxRetries: DefaultMaxRetries,
	}
	t.Workdir = filepath.Join(w.Workdir, fmt.Sprintf("t%d", t.idx))
	t.deps = append(t.deps, w.deps...)
	t.deps = append(t.deps, deps...)
	w.tasks = append(w.tasks, t)
	if err := w.flow.checkCycles(); err != nil {
		w.tasks = w.tasks[:len(w.tasks)-1]
		return nil, err
	}
	return t, nil
}

// AddDep declares a work-level dependency after registration. Valid only
// before Build; the cycle check runs immediately, as for any other
// mutation of the dependency table.
func (w *Work) AddDep(d Dep) error {
	if w.built {
		return configErrorf("work %s: cannot add deps after build", w.ID())
	}
	w.deps = append(w.deps, d)
	if err := w.flow.checkCycles(); err != nil {
		w.deps = w.deps[:len(w.deps)-1]
		return err
	}
	for _, t := range w.tasks {
		t.deps = append(t.deps, d)
	}
	return nil
}

// Build materializes every task in insertion order. Dynamic works are
// built by their expansion pass instead.
func (w *Work) Build() error {
	if w.probe != nil && !w.probe.expanded {
		return nil
	}
	if err := os.MkdirAll(w.outdir(), 0755); err != nil {
		return fmt.Errorf("work %s: %w", w.ID(), err)
	}
	for _, t := range w.tasks {
		if err := t.Build(); err != nil {
			return err
		}
	}
	w.built = true
	return nil
}

// AllOK reports whether every task reached terminal success. True for a
// built work with zero tasks: an expansion that discovered no sub-problems
// is a vacuous success, not a failure.
func (w *Work) AllOK() bool {
	if !w.built {
		return false
	}
	for _, t := range w.tasks {
		if t.status != StatusOK {
			return false
		}
	}
	return true
}

// OnAllOK runs the completion hook. The flow dispatches it exactly once by
// checking the finalized flag, and the method itself early-returns if a
// careless caller invokes it again.
func (w *Work) OnAllOK() error {
	if w.finalized {
		return nil
	}
	if w.failed {
		return configErrorf("work %s: cannot finalize a failed work", w.ID())
	}
	if !w.AllOK() {
		return configErrorf("work %s: cannot finalize before all tasks are ok", w.ID())
	}
	if w.finalize != nil {
		if err := w.finalize(w); err != nil {
			w.markFailed(fmt.Sprintf("finalize: %v", err))
			return fmt.Errorf("work %s: finalize: %w", w.ID(), err)
		}
	}
	w.finalized = true
	return nil
}

// markFailed records a permanent failure at the work level. The work never
// finalizes; downstream consumers stay in init, blocked.
func (w *Work) markFailed(reason string) {
	w.failed = true
	w.failReason = reason
}

// FailReason is the last recorded cause of a permanent failure, for
// introspection of a blocked flow.
func (w *Work) FailReason() string { return w.failReason }

// mergeArtifacts concatenates each task's artifact of the given kind into
// a single file under the work's outdata, and returns its path. Stand-in
// for the mrgscr/mrgddb merge step.
func (w *Work) mergeArtifacts(kind, outName string) (string, error) {
	if err := os.MkdirAll(w.outdir(), 0755); err != nil {
		return "", err
	}
	var parts [][]byte
	for _, t := range w.tasks {
		path, ok := t.OutFile(kind)
		if !ok {
			return "", configErrorf("work %s: task %s produced no %s file", w.ID(), t.ID(), kind)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		parts = append(parts, data)
	}
	out := filepath.Join(w.outdir(), outName)
	f, err := os.Create(out)
	if err != nil {
		return "", err
	}
	defer f.Close()
	for _, p := range parts {
		if _, err := f.Write(p); err != nil {
			return "", err
		}
	}
	return out, nil
}
