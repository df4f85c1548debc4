package launcher

import (
	"os"
	"testing"

	"github.com/dftworks/abiflow/internal/abivars"
	"github.com/dftworks/abiflow/internal/flow"
)

func readyTask(t *testing.T) (*flow.Flow, *flow.Task) {
	t.Helper()
	f := flow.New(t.TempDir(), "f", abivars.DefaultRegistry())
	w, err := f.RegisterWork("scf")
	if err != nil {
		t.Fatal(err)
	}
	task, err := w.Register(abivars.FromMap(map[string]any{"ecut": 8.0}))
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Build(); err != nil {
		t.Fatal(err)
	}
	if _, err := f.ReadyTasks(); err != nil {
		t.Fatal(err)
	}
	return f, task
}

func TestStartReportsExit(t *testing.T) {
	_, task := readyTask(t)

	// cat copies the files file to the log, a stand-in for a solver
	// that reads stdin and writes stdout.
	l := New("/bin/cat", nil)
	results := make(chan Result, 1)
	if err := l.Start(task, results); err != nil {
		t.Fatal(err)
	}
	if task.Status() != flow.StatusRunning {
		t.Errorf("status %s after start, want running", task.Status())
	}
	if task.PID == 0 {
		t.Error("pid not recorded")
	}

	res := <-results
	if res.Err != nil || res.ExitCode != 0 {
		t.Fatalf("exit %d err %v", res.ExitCode, res.Err)
	}

	log, err := os.ReadFile(task.LogPath())
	if err != nil {
		t.Fatal(err)
	}
	if len(log) == 0 {
		t.Error("log is empty, stdin was not forwarded")
	}
}

func TestStartReportsNonzeroExit(t *testing.T) {
	_, task := readyTask(t)

	l := New("/bin/false", nil)
	results := make(chan Result, 1)
	if err := l.Start(task, results); err != nil {
		t.Fatal(err)
	}
	res := <-results
	if res.Err != nil {
		t.Fatalf("nonzero exit should not be a wait error: %v", res.Err)
	}
	if res.ExitCode == 0 {
		t.Error("exit code 0 from /bin/false")
	}
}

func TestRunProbeSynchronous(t *testing.T) {
	_, task := readyTask(t)

	l := New("/bin/cat", nil)
	if err := l.RunProbe(task); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(task.LogPath()); err != nil {
		t.Errorf("probe log missing: %v", err)
	}
}

func TestKillRejectsNonRunning(t *testing.T) {
	_, task := readyTask(t)
	if err := Kill(task); err == nil {
		t.Fatal("killing a task that is not running should fail")
	}
}
