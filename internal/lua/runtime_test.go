package lua

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dftworks/abiflow/internal/abivars"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flow.lua")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestExecuteBuildsFlow(t *testing.T) {
	script := writeScript(t, `
function build()
  local scf = work("scf")
  local t = task(scf, {ecut = 8.0, tolvrs = 1e-8})
  products(t, "DEN", "WFK")

  local nscf = work("nscf", dep(t, "DEN"))
  task(nscf, {iscf = -2, nband = 20})

  dynamic_work("qptdm", "screening", {optdriver = 3, ecuteps = 2.0}, dep(nscf, "WFK"))
  log("graph ready")
end
`)

	r := NewRuntime(t.TempDir(), "si-gw", abivars.DefaultRegistry())
	f, err := r.Execute(script)
	if err != nil {
		t.Fatal(err)
	}

	works := f.Works()
	if len(works) != 3 {
		t.Fatalf("%d works, want 3", len(works))
	}
	if !works[2].Dynamic() {
		t.Error("screening work should be dynamic")
	}

	nscf := works[1].Tasks()[0]
	deps := nscf.Deps()
	if len(deps) != 1 || deps[0].Producer.ID() != "w0_t0" || deps[0].Kind != "DEN" {
		t.Errorf("nscf deps %+v", deps)
	}
	if v, ok := nscf.Vars().Get("iscf"); !ok || v != -2.0 {
		t.Errorf("iscf = %v", v)
	}

	scf := works[0].Tasks()[0]
	if got := scf.Products(); len(got) != 2 || got[0] != "DEN" || got[1] != "WFK" {
		t.Errorf("scf products %v", got)
	}

	logs := r.GetLogs()
	if len(logs) != 1 || logs[0] != "graph ready" {
		t.Errorf("logs %v", logs)
	}
}

func TestExecuteRequiresBuildFunction(t *testing.T) {
	script := writeScript(t, `local x = 1`)
	r := NewRuntime(t.TempDir(), "f", abivars.DefaultRegistry())
	if _, err := r.Execute(script); err == nil {
		t.Fatal("script without a build function should be rejected")
	}
}

func TestSandboxHasNoProcessAccess(t *testing.T) {
	script := writeScript(t, `
function build()
  os.execute("true")
end
`)
	r := NewRuntime(t.TempDir(), "f", abivars.DefaultRegistry())
	_, err := r.Execute(script)
	if err == nil {
		t.Fatal("os library should not be available to scripts")
	}
	if !strings.Contains(err.Error(), "flow script failed") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestDeckArraysConvert(t *testing.T) {
	script := writeScript(t, `
function build()
  local w = work("gs")
  task(w, {acell = {10.0, 10.0, 10.0}, kpt = {0.25, 0.25, 0.25}})
end
`)
	r := NewRuntime(t.TempDir(), "f", abivars.DefaultRegistry())
	f, err := r.Execute(script)
	if err != nil {
		t.Fatal(err)
	}
	task := f.Works()[0].Tasks()[0]
	v, ok := task.Vars().Get("acell")
	if !ok {
		t.Fatal("acell missing")
	}
	arr, ok := v.([]any)
	if !ok || len(arr) != 3 || arr[0] != 10.0 {
		t.Errorf("acell = %#v", v)
	}
}
