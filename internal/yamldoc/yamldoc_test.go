package yamldoc

import (
	"errors"
	"strings"
	"testing"
)

const probeLog = `
 Abinit 7.4.2 screening driver
 reading wavefunctions from si_WFK

--- !Kpoints
reduced_coordinates_of_qpoints: [[0,0,0],[0.5,0,0]]
...

 total energy -8.8 Ha

--- !IrredPerts
irred_perts:
- {idir: 1, ipert: 1, qpt: [0.25, 0, 0]}
- {idir: 3, ipert: 2, qpt: [0.25, 0, 0]}
...
 leaving driver
`

func newTestReader(s string) *Reader {
	return NewReader(strings.NewReader(s))
}

func TestNextDocWithTag(t *testing.T) {
	r := newTestReader(probeLog)

	text, ok, err := r.NextDocWithTag("!Kpoints")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected a !Kpoints document")
	}

	qpts, err := ParseQpoints(text)
	if err != nil {
		t.Fatal(err)
	}
	want := [][3]float64{{0, 0, 0}, {0.5, 0, 0}}
	if len(qpts) != len(want) {
		t.Fatalf("got %d q-points, want %d", len(qpts), len(want))
	}
	for i := range want {
		if qpts[i] != want[i] {
			t.Errorf("qpt %d: got %v, want %v", i, qpts[i], want[i])
		}
	}
}

func TestNextDocWithTagNotFound(t *testing.T) {
	r := newTestReader(probeLog)
	_, ok, err := r.NextDocWithTag("!RunHints")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("found a document that should not exist")
	}
}

func TestNextDocWithTagUnterminated(t *testing.T) {
	r := newTestReader("--- !Kpoints\nreduced_coordinates_of_qpoints: []\n")
	_, _, err := r.NextDocWithTag("!Kpoints")
	var malformed *MalformedSectionError
	if !errors.As(err, &malformed) {
		t.Fatalf("got %v, want MalformedSectionError", err)
	}
	if malformed.Tag != "!Kpoints" {
		t.Errorf("got tag %q, want !Kpoints", malformed.Tag)
	}
}

func TestAllDocsUnterminated(t *testing.T) {
	r := newTestReader("--- !Kpoints\nreduced_coordinates_of_qpoints: []\n...\n--- !IrredPerts\nirred_perts: []\n")
	docs, err := r.AllDocs()
	var malformed *MalformedSectionError
	if !errors.As(err, &malformed) {
		t.Fatalf("got %v, want MalformedSectionError", err)
	}
	if len(docs) != 1 {
		t.Fatalf("got %d complete docs before the malformed one, want 1", len(docs))
	}
}

// Scanning a tagged document and re-scanning the whole stream must agree on
// the document text.
func TestTagLookupMatchesFullScan(t *testing.T) {
	r := newTestReader(probeLog)

	tagged, ok, err := r.NextDocWithTag("!IrredPerts")
	if err != nil || !ok {
		t.Fatalf("tagged lookup failed: ok=%v err=%v", ok, err)
	}

	if err := r.Seek(0, 0); err != nil {
		t.Fatal(err)
	}
	docs, err := r.AllDocs()
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 2 {
		t.Fatalf("got %d docs, want 2", len(docs))
	}

	found := false
	for _, d := range docs {
		if d.Tag == "!IrredPerts" {
			found = true
			if d.Text != tagged {
				t.Errorf("full scan text %q != tagged lookup text %q", d.Text, tagged)
			}
		}
	}
	if !found {
		t.Error("full scan did not see the !IrredPerts document")
	}
}

func TestParseIrredPerts(t *testing.T) {
	r := newTestReader(probeLog)
	text, ok, err := r.NextDocWithTag("!IrredPerts")
	if err != nil || !ok {
		t.Fatalf("lookup failed: ok=%v err=%v", ok, err)
	}

	perts, err := ParseIrredPerts(text)
	if err != nil {
		t.Fatal(err)
	}
	if len(perts) != 2 {
		t.Fatalf("got %d perturbations, want 2", len(perts))
	}
	if perts[0].Idir != 1 || perts[0].Ipert != 1 {
		t.Errorf("unexpected first perturbation: %+v", perts[0])
	}
	if perts[1].Qpt != [3]float64{0.25, 0, 0} {
		t.Errorf("unexpected q-point: %v", perts[1].Qpt)
	}
}
