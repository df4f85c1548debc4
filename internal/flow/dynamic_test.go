package flow

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/dftworks/abiflow/internal/abivars"
)

// fakeProbeRunner stands in for the external solver: it writes a canned
// log into the probe task's working directory.
type fakeProbeRunner struct {
	log string
	err error
}

func (r fakeProbeRunner) RunProbe(t *Task) error {
	if r.err != nil {
		return r.err
	}
	return os.WriteFile(t.LogPath(), []byte(r.log), 0644)
}

const qptdmProbeLog = ` screening driver, dry run

--- !Kpoints
reduced_coordinates_of_qpoints: [[0,0,0],[0.5,0,0]]
...
 done
`

func scrTemplate() *abivars.Input {
	return abivars.FromMap(map[string]any{
		"optdriver": 3,
		"ecuteps":   2.0,
		"nband":     20,
	})
}

// runSCF drives the upstream scf task to success, leaving a WFK artifact
// behind for the screening work to consume.
func runSCF(t *testing.T, f *Flow, scf *Task) {
	t.Helper()
	if err := f.Build(); err != nil {
		t.Fatal(err)
	}
	if _, err := f.ReadyTasks(); err != nil {
		t.Fatal(err)
	}
	if err := scf.MarkRunning(1); err != nil {
		t.Fatal(err)
	}
	touchArtifact(t, scf, "out_WFK")
	if err := f.TaskDone(scf, 0); err != nil {
		t.Fatal(err)
	}
}

func setupQptdm(t *testing.T, log string) (*Flow, *Task, *Work) {
	t.Helper()
	f := newTestFlow(t)
	f.SetProbeRunner(fakeProbeRunner{log: log})

	scfWork, _ := f.RegisterWork("scf")
	scf, _ := scfWork.Register(scfVars())

	scrWork, err := f.RegisterDynamicWork(KindQptdm, "screening", scrTemplate(),
		Dep{Producer: scf, Kind: "WFK"})
	if err != nil {
		t.Fatal(err)
	}
	return f, scf, scrWork
}

func TestQptdmExpansion(t *testing.T) {
	f, scf, scrWork := setupQptdm(t, qptdmProbeLog)
	runSCF(t, f, scf)

	tasks := scrWork.Tasks()
	if len(tasks) != 2 {
		t.Fatalf("expanded into %d tasks, want 2", len(tasks))
	}

	wantQpts := [][3]float64{{0, 0, 0}, {0.5, 0, 0}}
	for i, task := range tasks {
		v, ok := task.Vars().Get("nqptdm")
		if !ok || v != 1 {
			t.Errorf("task %d: nqptdm = %v, want 1", i, v)
		}
		q, ok := task.Vars().Get("qptdm")
		if !ok || q.([3]float64) != wantQpts[i] {
			t.Errorf("task %d: qptdm = %v, want %v", i, q, wantQpts[i])
		}
		// Everything else must come from the template untouched.
		for _, key := range []string{"optdriver", "ecuteps", "nband"} {
			got, _ := task.Vars().Get(key)
			want, _ := scrTemplate().Get(key)
			if got != want {
				t.Errorf("task %d: %s = %v, want template value %v", i, key, got, want)
			}
		}
		if _, err := os.Stat(filepath.Join(task.Workdir, "run.abi")); err != nil {
			t.Errorf("expanded task %d not built: %v", i, err)
		}
	}

	// The probe workdir sits inside the work, apart from the real tasks.
	if _, err := os.Stat(filepath.Join(scrWork.Workdir, "probe", "t0", "run.log")); err != nil {
		t.Errorf("probe log missing: %v", err)
	}
}

func TestQptdmMergeOnCompletion(t *testing.T) {
	f, scf, scrWork := setupQptdm(t, qptdmProbeLog)
	runSCF(t, f, scf)

	ready, err := f.ReadyTasks()
	if err != nil {
		t.Fatal(err)
	}
	if len(ready) != 2 {
		t.Fatalf("%d ready screening tasks, want 2", len(ready))
	}
	for _, task := range ready {
		if err := task.MarkRunning(1); err != nil {
			t.Fatal(err)
		}
		touchArtifact(t, task, "out_SCR")
		if err := f.TaskDone(task, 0); err != nil {
			t.Fatal(err)
		}
	}

	if !scrWork.Finalized() {
		t.Fatal("screening work not finalized after all tasks ok")
	}
	merged, ok := scrWork.OutFile("SCR")
	if !ok {
		t.Fatal("merged SCR artifact not resolvable")
	}
	if filepath.Dir(merged) != filepath.Join(scrWork.Workdir, "outdata") {
		t.Errorf("merged SCR in %s, want the work outdata", merged)
	}
}

func TestZeroSubproblemsIsVacuousSuccess(t *testing.T) {
	log := "--- !Kpoints\nreduced_coordinates_of_qpoints: []\n...\n"
	f, scf, scrWork := setupQptdm(t, log)
	runSCF(t, f, scf)

	if len(scrWork.Tasks()) != 0 {
		t.Fatalf("expanded into %d tasks, want 0", len(scrWork.Tasks()))
	}
	if !scrWork.Finalized() {
		t.Error("empty expansion should still finalize")
	}
	if scrWork.Failed() {
		t.Error("empty expansion is success, not failure")
	}
}

func TestMissingProbeSectionFailsOwningWorkOnly(t *testing.T) {
	f := newTestFlow(t)
	f.SetProbeRunner(fakeProbeRunner{log: "no yaml here\n"})

	scfWork, _ := f.RegisterWork("scf")
	scf, _ := scfWork.Register(scfVars())

	scrWork, err := f.RegisterDynamicWork(KindQptdm, "screening", scrTemplate(),
		Dep{Producer: scf, Kind: "WFK"})
	if err != nil {
		t.Fatal(err)
	}
	sibling, err := f.RegisterWork("nscf", Dep{Producer: scf, Kind: "DEN"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := sibling.Register(scfVars()); err != nil {
		t.Fatal(err)
	}

	if err := f.Build(); err != nil {
		t.Fatal(err)
	}
	if _, err := f.ReadyTasks(); err != nil {
		t.Fatal(err)
	}
	if err := scf.MarkRunning(1); err != nil {
		t.Fatal(err)
	}
	touchArtifact(t, scf, "out_WFK")
	touchArtifact(t, scf, "out_DEN")
	if err := f.TaskDone(scf, 0); err != nil {
		t.Fatal(err)
	}

	if !scrWork.Failed() {
		t.Error("work with unparseable probe output should fail")
	}
	if sibling.Failed() {
		t.Error("sibling work must not be affected by a probe failure")
	}
	ready, err := f.ReadyTasks()
	if err != nil {
		t.Fatal(err)
	}
	if len(ready) != 1 {
		t.Errorf("%d ready tasks, want the sibling's 1", len(ready))
	}
}

// recordingProbeRunner notes which task ids the probe runs carried.
type recordingProbeRunner struct {
	log string
	ids []string
}

func (r *recordingProbeRunner) RunProbe(t *Task) error {
	r.ids = append(r.ids, t.ID())
	return os.WriteFile(t.LogPath(), []byte(r.log), 0644)
}

func TestProbeTaskIDDistinctFromExpandedTasks(t *testing.T) {
	f := newTestFlow(t)
	runner := &recordingProbeRunner{log: qptdmProbeLog}
	f.SetProbeRunner(runner)

	scfWork, _ := f.RegisterWork("scf")
	scf, _ := scfWork.Register(scfVars())
	scrWork, err := f.RegisterDynamicWork(KindQptdm, "screening", scrTemplate(),
		Dep{Producer: scf, Kind: "WFK"})
	if err != nil {
		t.Fatal(err)
	}
	runSCF(t, f, scf)

	if len(runner.ids) != 1 || runner.ids[0] != "w1_probe_t0" {
		t.Fatalf("probe ran with ids %v, want [w1_probe_t0]", runner.ids)
	}
	seen := map[string]bool{runner.ids[0]: true}
	for _, task := range scrWork.Tasks() {
		if seen[task.ID()] {
			t.Errorf("task id %s collides", task.ID())
		}
		seen[task.ID()] = true
	}
}

func TestExpandProbeRunsExactlyOnce(t *testing.T) {
	f, scf, scrWork := setupQptdm(t, qptdmProbeLog)
	runSCF(t, f, scf)

	err := scrWork.ExpandProbe(f.runner)
	var cfg *ConfigError
	if !errors.As(err, &cfg) {
		t.Fatalf("second expansion: got %v, want ConfigError", err)
	}
	if len(scrWork.Tasks()) != 2 {
		t.Errorf("second expansion changed the task count to %d", len(scrWork.Tasks()))
	}
}

func TestDiscoverAndExpandPhases(t *testing.T) {
	exp := PhononExpander{}
	descs, err := exp.Discover("irred_perts:\n- {idir: 2, ipert: 1, qpt: [0.25, 0, 0]}\n")
	if err != nil {
		t.Fatal(err)
	}
	if len(descs) != 1 {
		t.Fatalf("got %d descriptors, want 1", len(descs))
	}

	template := abivars.FromMap(map[string]any{"ecut": 3.0})
	deck := exp.Expand(template, descs[0])

	if v, _ := deck.Get("rfphon"); v != 1 {
		t.Errorf("rfphon = %v, want 1", v)
	}
	if v, _ := deck.Get("rfdir"); v.([]int)[1] != 1 {
		t.Errorf("rfdir = %v, want direction 2 set", v)
	}
	if v, _ := deck.Get("rfatpol"); v.([]int)[0] != 1 {
		t.Errorf("rfatpol = %v, want [1 1]", v)
	}
	if _, ok := template.Get("rfphon"); ok {
		t.Error("expansion mutated the template")
	}
}
