package abivars

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestCloneIsIndependent(t *testing.T) {
	template := FromMap(map[string]any{
		"ecut":   8.0,
		"nband":  10,
		"tolvrs": 1e-8,
	})

	task := template.Clone()
	task.Set("nqptdm", 1)
	task.Set("qptdm", [3]float64{0.5, 0, 0})

	if _, ok := template.Get("nqptdm"); ok {
		t.Fatal("mutation of a clone leaked into the template")
	}
	if task.Len() != template.Len()+2 {
		t.Fatalf("clone has %d vars, want %d", task.Len(), template.Len()+2)
	}
}

func TestDeckFormat(t *testing.T) {
	in := New()
	in.Set("ecut", 3.0)
	in.Set("ngkpt", []int{4, 4, 4})
	in.Set("qpt", [3]float64{0.25, 0, 0})

	deck := in.Deck()
	for _, want := range []string{"ecut 3\n", "ngkpt 4 4 4\n", "qpt 0.25 0 0\n"} {
		if !strings.Contains(deck, want) {
			t.Errorf("deck missing %q:\n%s", want, deck)
		}
	}

	// Insertion order must be preserved.
	if strings.Index(deck, "ecut") > strings.Index(deck, "qpt") {
		t.Error("deck does not preserve insertion order")
	}
}

func TestInputJSONRoundTrip(t *testing.T) {
	in := New()
	in.Set("ecut", 8.0)
	in.Set("rfphon", 1)
	in.Set("qpt", [3]float64{0.5, 0.5, 0})

	data, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}

	back := New()
	if err := json.Unmarshal(data, back); err != nil {
		t.Fatal(err)
	}

	if got, want := back.Keys(), in.Keys(); len(got) != len(want) {
		t.Fatalf("got keys %v, want %v", got, want)
	}
	for i, k := range in.Keys() {
		if back.Keys()[i] != k {
			t.Errorf("key %d: got %q, want %q", i, back.Keys()[i], k)
		}
	}
	if back.Deck() == "" {
		t.Error("round-tripped deck is empty")
	}
}

func TestRegistryFind(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"out_WFK", "out_SCR", "run.log"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0644); err != nil {
			t.Fatal(err)
		}
	}

	reg := DefaultRegistry()

	path, ok := reg.Find(dir, "WFK")
	if !ok {
		t.Fatal("WFK not found")
	}
	if filepath.Base(path) != "out_WFK" {
		t.Errorf("got %q", path)
	}

	if _, ok := reg.Find(dir, "DDB"); ok {
		t.Error("found a DDB that does not exist")
	}
	if _, ok := reg.Find(dir, "NOSUCH"); ok {
		t.Error("unknown kind should never resolve")
	}
}
