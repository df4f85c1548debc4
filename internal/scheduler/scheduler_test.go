package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dftworks/abiflow/internal/abivars"
	"github.com/dftworks/abiflow/internal/flow"
	"github.com/dftworks/abiflow/internal/launcher"
)

const qptdmProbeLog = `--- !Kpoints
reduced_coordinates_of_qpoints: [[0,0,0],[0.5,0,0]]
...
`

// fakeRunner completes every launched task instantly: it drops the
// artifacts a real solver would leave behind and reports exit 0. Probe
// runs get a canned q-point log.
type fakeRunner struct {
	exitCode int
}

func (r fakeRunner) RunProbe(t *flow.Task) error {
	return os.WriteFile(t.LogPath(), []byte(qptdmProbeLog), 0644)
}

func (r fakeRunner) Start(t *flow.Task, results chan<- launcher.Result) error {
	if err := t.MarkRunning(1); err != nil {
		return err
	}
	if r.exitCode == 0 {
		kinds := t.Products()
		if _, ok := t.Vars().Get("qptdm"); ok {
			kinds = append(kinds, "SCR")
		}
		for _, kind := range kinds {
			path := filepath.Join(t.Workdir, "outdata", "out_"+kind)
			if err := os.WriteFile(path, []byte(kind+"\n"), 0644); err != nil {
				return err
			}
		}
	}
	go func() { results <- launcher.Result{Task: t, ExitCode: r.exitCode} }()
	return nil
}

func buildGWFlow(t *testing.T) *flow.Flow {
	t.Helper()
	f := flow.New(t.TempDir(), "si-gw", abivars.DefaultRegistry())

	scfWork, err := f.RegisterWork("scf")
	if err != nil {
		t.Fatal(err)
	}
	scf, err := scfWork.Register(abivars.FromMap(map[string]any{"ecut": 8.0}))
	if err != nil {
		t.Fatal(err)
	}
	scf.SetProducts("WFK")

	if _, err := f.RegisterDynamicWork(flow.KindQptdm, "screening",
		abivars.FromMap(map[string]any{"optdriver": 3}),
		flow.Dep{Producer: scf, Kind: "WFK"}); err != nil {
		t.Fatal(err)
	}
	if err := f.Build(); err != nil {
		t.Fatal(err)
	}
	return f
}

func TestRunDrivesFlowToCompletion(t *testing.T) {
	f := buildGWFlow(t)
	s := New(f, nil, 0, fakeRunner{}, 10*time.Millisecond, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Run(ctx); err != nil {
		t.Fatal(err)
	}

	if !f.Done() {
		t.Fatal("flow not done after Run returned")
	}
	counts := f.TaskCounts()
	if counts[flow.StatusOK] != 3 {
		t.Errorf("%d tasks ok, want scf + 2 screening", counts[flow.StatusOK])
	}

	scrWork := f.Works()[1]
	if !scrWork.Finalized() {
		t.Error("screening work not finalized")
	}
	if _, ok := scrWork.OutFile("SCR"); !ok {
		t.Error("merged SCR not produced")
	}
}

func TestRunSettlesOnPersistentFailure(t *testing.T) {
	f := buildGWFlow(t)
	s := New(f, nil, 0, fakeRunner{exitCode: 1}, 10*time.Millisecond, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Run(ctx); err != nil {
		t.Fatal(err)
	}

	if !f.Done() {
		t.Fatal("flow with a dead-end failure should still settle")
	}
	scfWork := f.Works()[0]
	if !scfWork.Failed() {
		t.Error("scf work should be failed after retries ran out")
	}
	scf := scfWork.Tasks()[0]
	if scf.Retries() != flow.DefaultMaxRetries {
		t.Errorf("scf retried %d times, want %d", scf.Retries(), flow.DefaultMaxRetries)
	}
	if len(f.Works()[1].Tasks()) != 0 {
		t.Error("screening expanded despite its producer failing")
	}
}
