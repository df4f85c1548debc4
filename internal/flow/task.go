package flow

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dftworks/abiflow/internal/abivars"
)

// Node is anything that produces artifacts another node can consume: a
// Task or a whole Work. References through Dep are lookup-only; they never
// imply ownership.
type Node interface {
	ID() string
	Status() Status
	OutFile(kind string) (string, bool)
}

// Dep declares that a consumer needs the producer's artifact of the given
// kind. A soft dependency is satisfied once the producer is done, whether
// or not it succeeded.
type Dep struct {
	Producer Node
	Kind     string
	Soft     bool
}

func (d Dep) satisfied() bool {
	s := d.Producer.Status()
	if d.Soft {
		return s >= StatusDone
	}
	return s == StatusOK
}

// Task is one external solver invocation: an input deck, a working
// directory and a status.
type Task struct {
	work *Work
	idx  int

	Workdir string
	vars    *abivars.Input
	deps    []Dep

	// products are the artifact kinds this task is expected to leave in
	// outdata; checked when the process exits.
	products []string

	status     Status
	retries    int
	maxRetries int
	lastError  string
	cancelled  bool
	built      bool

	// Resolved at build time: artifact kind -> producer path.
	inFiles map[string]string

	PID int
}

// DefaultMaxRetries bounds the error->ready restart loop.
const DefaultMaxRetries = 2

func (t *Task) ID() string      { return fmt.Sprintf("%s_t%d", t.work.ID(), t.idx) }
func (t *Task) Status() Status  { return t.status }
func (t *Task) Work() *Work     { return t.work }
func (t *Task) Retries() int    { return t.retries }
func (t *Task) MaxRetries() int { return t.maxRetries }
func (t *Task) LastError() string { return t.lastError }
func (t *Task) Deps() []Dep     { return t.deps }
func (t *Task) Built() bool     { return t.built }

// Vars returns the task's own deck. Callers must not mutate it; Clone
// first.
func (t *Task) Vars() *abivars.Input { return t.vars }

func (t *Task) LogPath() string { return filepath.Join(t.Workdir, "run.log") }
func (t *Task) outdir() string  { return filepath.Join(t.Workdir, "outdata") }
func (t *Task) indir() string   { return filepath.Join(t.Workdir, "indata") }

// OutFile resolves an artifact this task produced. Absence is a checkable
// condition, not an error.
func (t *Task) OutFile(kind string) (string, bool) {
	return t.work.flow.reg.Find(t.outdir(), kind)
}

// setStatus enforces the forward-only state machine. Restart is the only
// sanctioned way back.
func (t *Task) setStatus(s Status) error {
	if s < t.status {
		return configErrorf("task %s: illegal transition %s -> %s", t.ID(), t.status, s)
	}
	t.status = s
	return nil
}

// MarkRunning records that the external launcher handed the task to a
// process.
func (t *Task) MarkRunning(pid int) error {
	if t.status != StatusReady {
		return configErrorf("task %s: cannot run from status %s", t.ID(), t.status)
	}
	t.PID = pid
	return t.setStatus(StatusRunning)
}

// Cancel flags a running task as externally cancelled. The launcher kills
// the process; once the exit is observed the task lands in error with a
// distinguished reason and the ordinary retry policy applies.
func (t *Task) Cancel() error {
	if t.status != StatusRunning {
		return configErrorf("task %s: cannot cancel from status %s", t.ID(), t.status)
	}
	t.cancelled = true
	return nil
}

// SetProducts declares the artifact kinds the task must produce for its
// run to count as successful.
func (t *Task) SetProducts(kinds ...string) { t.products = kinds }

func (t *Task) Products() []string { return t.products }

// OnDone is called when the external process exits. The task inspects the
// exit code and its declared products to decide between ok and error.
func (t *Task) OnDone(exitCode int) error {
	if t.status != StatusRunning {
		return configErrorf("task %s: cannot finish from status %s", t.ID(), t.status)
	}
	if err := t.setStatus(StatusDone); err != nil {
		return err
	}
	switch {
	case t.cancelled:
		t.lastError = "cancelled by external signal"
		return t.setStatus(StatusError)
	case exitCode != 0:
		t.lastError = fmt.Sprintf("solver exited with code %d", exitCode)
		return t.setStatus(StatusError)
	}
	for _, kind := range t.products {
		if _, ok := t.OutFile(kind); !ok {
			t.lastError = fmt.Sprintf("expected %s artifact is missing", kind)
			return t.setStatus(StatusError)
		}
	}
	return t.setStatus(StatusOK)
}

// Restart resets an errored task to ready for another attempt. Bounded:
// once retries are exhausted the error is permanent.
func (t *Task) Restart() error {
	if t.status != StatusError {
		return configErrorf("task %s: cannot restart from status %s", t.ID(), t.status)
	}
	if t.retries >= t.maxRetries {
		return configErrorf("task %s: retry limit reached (%d)", t.ID(), t.maxRetries)
	}
	t.retries++
	t.cancelled = false
	t.status = StatusReady
	return nil
}

// CanRestart reports whether the retry budget allows another attempt.
func (t *Task) CanRestart() bool {
	return t.status == StatusError && t.retries < t.maxRetries
}

// depsSatisfied reports whether every declared dependency has reached the
// required state.
func (t *Task) depsSatisfied() bool {
	for _, d := range t.deps {
		if !d.satisfied() {
			return false
		}
	}
	return true
}

// depsBlocked reports whether some producer failed permanently, which
// leaves this task in init awaiting manual intervention.
func (t *Task) depsBlocked() bool {
	for _, d := range t.deps {
		if d.Soft {
			continue
		}
		if failedNode(d.Producer) {
			return true
		}
	}
	return false
}

// Build materializes the working directory, links the resolved producer
// artifacts into indata and serializes the deck. A dependency whose
// producer cannot offer the artifact yet is a ConfigError: it surfaces
// here, not at run time.
func (t *Task) Build() error {
	for _, dir := range []string{t.Workdir, t.indir(), t.outdir(), filepath.Join(t.Workdir, "tmpdata")} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("task %s: %w", t.ID(), err)
		}
	}

	t.inFiles = make(map[string]string)
	for _, d := range t.deps {
		path, ok := d.Producer.OutFile(d.Kind)
		if !ok {
			// The producer may legitimately not have run yet; only a
			// producer that already finished without the artifact is a
			// configuration error.
			if d.Producer.Status().Terminal() {
				return configErrorf("task %s: producer %s has no %s artifact", t.ID(), d.Producer.ID(), d.Kind)
			}
			continue
		}
		t.inFiles[d.Kind] = path
		link := filepath.Join(t.indir(), "in_"+d.Kind)
		os.Remove(link)
		if err := os.Symlink(path, link); err != nil {
			return fmt.Errorf("task %s: link %s: %w", t.ID(), d.Kind, err)
		}
	}

	if err := os.WriteFile(filepath.Join(t.Workdir, "run.abi"), []byte(t.vars.Deck()), 0644); err != nil {
		return fmt.Errorf("task %s: %w", t.ID(), err)
	}
	if err := os.WriteFile(filepath.Join(t.Workdir, "run.files"), []byte(t.filesFile()), 0644); err != nil {
		return fmt.Errorf("task %s: %w", t.ID(), err)
	}

	t.built = true
	return nil
}

// relinkInputs refreshes the indata links for artifacts that appeared
// after the first build pass, right before the task becomes ready.
func (t *Task) relinkInputs() error {
	if t.inFiles == nil {
		t.inFiles = make(map[string]string)
	}
	for _, d := range t.deps {
		if _, done := t.inFiles[d.Kind]; done {
			continue
		}
		path, ok := d.Producer.OutFile(d.Kind)
		if !ok {
			return configErrorf("task %s: producer %s has no %s artifact", t.ID(), d.Producer.ID(), d.Kind)
		}
		t.inFiles[d.Kind] = path
		link := filepath.Join(t.indir(), "in_"+d.Kind)
		os.Remove(link)
		if err := os.Symlink(path, link); err != nil {
			return fmt.Errorf("task %s: link %s: %w", t.ID(), d.Kind, err)
		}
	}
	return nil
}

// filesFile renders the classic five-line files file the solver reads on
// stdin.
func (t *Task) filesFile() string {
	return "run.abi\nrun.abo\nindata/in\noutdata/out\ntmpdata/tmp\n"
}

func failedNode(n Node) bool {
	switch p := n.(type) {
	case *Task:
		return p.status == StatusError && !p.CanRestart()
	case *Work:
		return p.failed
	}
	return false
}
