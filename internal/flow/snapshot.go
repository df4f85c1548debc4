package flow

import (
	"github.com/dftworks/abiflow/internal/abivars"
)

// Snapshot is the full persisted form of a flow: every work, task, status,
// retry counter, error record and dependency edge. Restoring a snapshot
// yields a flow equivalent in content to the original, which is what lets
// a restarted scheduler continue exactly where it left off.
type Snapshot struct {
	Name    string     `json:"name"`
	Workdir string     `json:"workdir"`
	Works   []WorkSnap `json:"works"`
}

type WorkSnap struct {
	Idx        int            `json:"idx"`
	Name       string         `json:"name"`
	Workdir    string         `json:"workdir"`
	Kind       string         `json:"kind,omitempty"`
	Built      bool           `json:"built"`
	Finalized  bool           `json:"finalized"`
	Failed     bool           `json:"failed"`
	FailReason string         `json:"fail_reason,omitempty"`
	Expanded   bool           `json:"expanded,omitempty"`
	Fired      bool           `json:"fired,omitempty"`
	Template   *abivars.Input `json:"template,omitempty"`
	Deps       []DepSnap      `json:"deps,omitempty"`
	Tasks      []TaskSnap     `json:"tasks"`
}

type TaskSnap struct {
	Idx        int            `json:"idx"`
	Workdir    string         `json:"workdir"`
	Status     string         `json:"status"`
	Retries    int            `json:"retries"`
	MaxRetries int            `json:"max_retries"`
	LastError  string         `json:"last_error,omitempty"`
	Cancelled  bool           `json:"cancelled,omitempty"`
	Built      bool           `json:"built"`
	PID        int            `json:"pid,omitempty"`
	Vars       *abivars.Input `json:"vars"`
	Products   []string       `json:"products,omitempty"`
	Deps       []DepSnap      `json:"deps,omitempty"`
}

// DepSnap references the producer by node id, resolved back to the live
// object on restore.
type DepSnap struct {
	Producer string `json:"producer"`
	Kind     string `json:"kind"`
	Soft     bool   `json:"soft,omitempty"`
}

func snapDeps(deps []Dep) []DepSnap {
	out := make([]DepSnap, len(deps))
	for i, d := range deps {
		out[i] = DepSnap{Producer: d.Producer.ID(), Kind: d.Kind, Soft: d.Soft}
	}
	return out
}

// Snapshot captures the flow's current state.
func (f *Flow) Snapshot() *Snapshot {
	snap := &Snapshot{Name: f.Name, Workdir: f.Workdir}
	for _, w := range f.works {
		ws := WorkSnap{
			Idx:        w.idx,
			Name:       w.Name,
			Workdir:    w.Workdir,
			Built:      w.built,
			Finalized:  w.finalized,
			Failed:     w.failed,
			FailReason: w.failReason,
			Deps:       snapDeps(w.deps),
		}
		if w.probe != nil {
			ws.Kind = w.probe.kind
			ws.Expanded = w.probe.expanded
			ws.Template = w.probe.template
			ws.Fired = f.callbackFired(w)
		}
		for _, t := range w.tasks {
			ws.Tasks = append(ws.Tasks, TaskSnap{
				Idx:        t.idx,
				Workdir:    t.Workdir,
				Status:     t.status.String(),
				Retries:    t.retries,
				MaxRetries: t.maxRetries,
				LastError:  t.lastError,
				Cancelled:  t.cancelled,
				Built:      t.built,
				PID:        t.PID,
				Vars:       t.vars,
				Products:   t.products,
				Deps:       snapDeps(t.deps),
			})
		}
		snap.Works = append(snap.Works, ws)
	}
	return snap
}

func (f *Flow) callbackFired(w *Work) bool {
	for _, cb := range f.callbacks {
		if cb.work == w {
			return cb.fired
		}
	}
	return false
}

// Restore rebuilds a flow from a snapshot. Works and tasks are created
// first, then dependency edges are resolved by node id, so forward
// references inside the table are harmless.
func Restore(snap *Snapshot, reg *abivars.Registry) (*Flow, error) {
	f := New(snap.Workdir, snap.Name, reg)

	for _, ws := range snap.Works {
		w := &Work{
			flow:       f,
			idx:        ws.Idx,
			Name:       ws.Name,
			Workdir:    ws.Workdir,
			built:      ws.Built,
			finalized:  ws.Finalized,
			failed:     ws.Failed,
			failReason: ws.FailReason,
		}
		if ws.Kind != "" {
			plan, finalize, err := newProbePlan(ws.Kind, ws.Template)
			if err != nil {
				return nil, err
			}
			plan.expanded = ws.Expanded
			w.probe = plan
			w.finalize = finalize
			f.callbacks = append(f.callbacks, &continuation{work: w, fired: ws.Fired})
		}
		for _, ts := range ws.Tasks {
			status, err := ParseStatus(ts.Status)
			if err != nil {
				return nil, err
			}
			w.tasks = append(w.tasks, &Task{
				work:       w,
				idx:        ts.Idx,
				Workdir:    ts.Workdir,
				vars:       ts.Vars,
				status:     status,
				retries:    ts.Retries,
				maxRetries: ts.MaxRetries,
				lastError:  ts.LastError,
				cancelled:  ts.Cancelled,
				built:      ts.Built,
				PID:        ts.PID,
				products:   ts.Products,
			})
		}
		f.works = append(f.works, w)
	}

	for wi, ws := range snap.Works {
		w := f.works[wi]
		deps, err := f.restoreDeps(ws.Deps)
		if err != nil {
			return nil, err
		}
		w.deps = deps
		for ti, ts := range ws.Tasks {
			deps, err := f.restoreDeps(ts.Deps)
			if err != nil {
				return nil, err
			}
			w.tasks[ti].deps = deps
		}
	}

	if err := f.checkCycles(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *Flow) restoreDeps(snaps []DepSnap) ([]Dep, error) {
	var deps []Dep
	for _, ds := range snaps {
		producer, ok := f.node(ds.Producer)
		if !ok {
			return nil, configErrorf("snapshot references unknown node %q", ds.Producer)
		}
		deps = append(deps, Dep{Producer: producer, Kind: ds.Kind, Soft: ds.Soft})
	}
	return deps, nil
}
