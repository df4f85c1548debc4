package flow

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dftworks/abiflow/internal/abivars"
	"github.com/dftworks/abiflow/internal/yamldoc"
)

// A dynamic work does not know its tasks at construction time. It first
// runs a cheap probe: the solver is invoked with a dry-run marker that
// makes it emit the list of sub-problems into its log instead of doing
// real work. The log is parsed and the work populates itself with one task
// per discovered sub-problem. Exactly one expansion pass happens per work.

// ProbeRunner runs a probe task synchronously to completion. This is a
// deliberate blocking point: the rest of the graph cannot be constructed
// until the probe's log exists.
type ProbeRunner interface {
	RunProbe(t *Task) error
}

// Descriptor is one discovered sub-problem.
type Descriptor interface {
	Label() string
}

// QptDescriptor is a single screening q-point.
type QptDescriptor [3]float64

func (d QptDescriptor) Label() string { return fmt.Sprintf("qpt=[%g,%g,%g]", d[0], d[1], d[2]) }

// PertDescriptor is one irreducible DFPT perturbation.
type PertDescriptor yamldoc.Perturbation

func (d PertDescriptor) Label() string {
	return fmt.Sprintf("idir=%d ipert=%d qpt=[%g,%g,%g]", d.Idir, d.Ipert, d.Qpt[0], d.Qpt[1], d.Qpt[2])
}

// Expander is the two-phase builder behind a dynamic work: Discover parses
// the probe log payload into descriptors, Expand maps one descriptor onto
// a concrete deck. The phases are separate so each is testable on its own.
type Expander interface {
	// Tag is the delimiter tag of the probe log section, e.g. "!Kpoints".
	Tag() string
	Discover(payload string) ([]Descriptor, error)
	Expand(template *abivars.Input, d Descriptor) *abivars.Input
}

type probePlan struct {
	kind     string
	template *abivars.Input
	marker   map[string]any
	expander Expander
	expanded bool
}

// WorkKinds is the closed set of dynamic work kinds.
const (
	KindQptdm  = "qptdm"
	KindPhonon = "phonon"
)

// newProbePlan decodes a dynamic work kind into its expander, dry-run
// marker and completion hook.
func newProbePlan(kind string, template *abivars.Input) (*probePlan, func(*Work) error, error) {
	switch kind {
	case KindQptdm:
		return &probePlan{
			kind:     kind,
			template: template,
			marker:   map[string]any{"nqptdm": -1},
			expander: QptdmExpander{},
		}, mergeSCR, nil
	case KindPhonon:
		return &probePlan{
			kind:     kind,
			template: template,
			marker:   map[string]any{"paral_rf": -1},
			expander: PhononExpander{},
		}, mergeDDB, nil
	}
	return nil, nil, configErrorf("unknown dynamic work kind %q", kind)
}

// ExpandProbe runs the probe/expand protocol:
//
//  1. Build a throw-away single-task work holding the probe deck and run
//     it synchronously to completion.
//  2. Parse the probe log for the expander's tagged section.
//  3. Register one task per discovered sub-problem, overlaying the
//     sub-problem fields on a clone of the template deck.
//  4. Build, and continue as an ordinary work.
//
// Zero discovered sub-problems leaves a valid empty work that finalizes
// vacuously. A missing tagged section is a ProbeError.
func (w *Work) ExpandProbe(runner ProbeRunner) error {
	if w.probe == nil {
		return configErrorf("work %s: not a dynamic work", w.ID())
	}
	if w.probe.expanded {
		return configErrorf("work %s: already expanded", w.ID())
	}
	if runner == nil {
		return configErrorf("work %s: no probe runner attached", w.ID())
	}

	probeVars := w.probe.template.Clone().SetMany(w.probe.marker)
	helper := &Work{
		flow:    w.flow,
		idx:     w.idx,
		Name:    w.Name + "-probe",
		Workdir: filepath.Join(w.Workdir, "probe"),
		helper:  true,
	}
	probeTask, err := helper.register(probeVars, w.deps...)
	if err != nil {
		return err
	}
	if err := helper.Build(); err != nil {
		return err
	}
	if err := runner.RunProbe(probeTask); err != nil {
		return &ProbeError{Work: w.ID(), Msg: err.Error()}
	}

	descriptors, err := w.discover(probeTask.LogPath())
	if err != nil {
		return err
	}
	for _, d := range descriptors {
		if _, err := w.Register(w.probe.expander.Expand(w.probe.template, d)); err != nil {
			return err
		}
	}
	w.probe.expanded = true
	return w.Build()
}

func (w *Work) discover(logPath string) ([]Descriptor, error) {
	f, err := os.Open(logPath)
	if err != nil {
		return nil, &ProbeError{Work: w.ID(), Msg: fmt.Sprintf("no probe log: %v", err)}
	}
	defer f.Close()

	reader := yamldoc.NewReader(f)
	tag := w.probe.expander.Tag()
	payload, ok, err := reader.NextDocWithTag(tag)
	if err != nil {
		return nil, &ProbeError{Work: w.ID(), Msg: err.Error()}
	}
	if !ok {
		return nil, &ProbeError{Work: w.ID(), Msg: fmt.Sprintf("log has no %s section", tag)}
	}
	descriptors, err := w.probe.expander.Discover(payload)
	if err != nil {
		return nil, &ProbeError{Work: w.ID(), Msg: err.Error()}
	}
	return descriptors, nil
}

// register is Register without the post-build guard, for the throw-away
// probe helper.
func (w *Work) register(vars *abivars.Input, deps ...Dep) (*Task, error) {
	t := &Task{
		work:       w,
		idx:        len(w.tasks),
		vars:       vars,
		maxRetries: DefaultMaxRetries,
	}
	t.Workdir = filepath.Join(w.Workdir, fmt.Sprintf("t%d", t.idx))
	t.deps = append(t.deps, deps...)
	w.tasks = append(w.tasks, t)
	return t, nil
}

// QptdmExpander parallelizes a screening run over the q-points the solver
// reports when asked with nqptdm = -1.
type QptdmExpander struct{}

func (QptdmExpander) Tag() string { return "!Kpoints" }

func (QptdmExpander) Discover(payload string) ([]Descriptor, error) {
	qpts, err := yamldoc.ParseQpoints(payload)
	if err != nil {
		return nil, err
	}
	out := make([]Descriptor, len(qpts))
	for i, q := range qpts {
		out[i] = QptDescriptor(q)
	}
	return out, nil
}

func (QptdmExpander) Expand(template *abivars.Input, d Descriptor) *abivars.Input {
	q := d.(QptDescriptor)
	return template.Clone().SetMany(map[string]any{
		"nqptdm": 1,
		"qptdm":  [3]float64(q),
	})
}

// PhononExpander parallelizes a DFPT run over the irreducible
// perturbations the solver reports when asked with paral_rf = -1.
type PhononExpander struct{}

func (PhononExpander) Tag() string { return "!IrredPerts" }

func (PhononExpander) Discover(payload string) ([]Descriptor, error) {
	perts, err := yamldoc.ParseIrredPerts(payload)
	if err != nil {
		return nil, err
	}
	out := make([]Descriptor, len(perts))
	for i, p := range perts {
		out[i] = PertDescriptor(p)
	}
	return out, nil
}

func (PhononExpander) Expand(template *abivars.Input, d Descriptor) *abivars.Input {
	p := d.(PertDescriptor)
	rfdir := []int{0, 0, 0}
	if p.Idir >= 1 && p.Idir <= 3 {
		rfdir[p.Idir-1] = 1
	}
	return template.Clone().SetMany(map[string]any{
		"rfphon":  1,
		"nqpt":    1,
		"qpt":     p.Qpt,
		"rfdir":   rfdir,
		"rfatpol": []int{p.Ipert, p.Ipert},
	})
}

func mergeSCR(w *Work) error {
	_, err := w.mergeArtifacts("SCR", "out_SCR")
	return err
}

func mergeDDB(w *Work) error {
	_, err := w.mergeArtifacts("DDB", "out_DDB")
	return err
}
