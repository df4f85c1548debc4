package abivars

import (
	"os"
	"sort"
	"strings"
)

// Registry maps artifact kinds ("WFK", "SCR", ...) to the filename suffixes
// Abinit uses for them. It is built explicitly at startup and passed by
// reference, so tests can substitute their own registries.
type Registry struct {
	exts map[string][]string
}

func NewRegistry() *Registry {
	return &Registry{exts: make(map[string][]string)}
}

// DefaultRegistry covers the artifact kinds the flow layer wires between
// tasks.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("WFK", "WFK")
	r.Register("WFQ", "WFQ")
	r.Register("DEN", "DEN")
	r.Register("SCR", "SCR")
	r.Register("SIGRES", "SIGRES.nc")
	r.Register("DDB", "DDB")
	r.Register("GSR", "GSR.nc")
	r.Register("1WF", "1WF")
	r.Register("1DEN", "1DEN")
	return r
}

func (r *Registry) Register(kind string, suffixes ...string) {
	r.exts[kind] = append(r.exts[kind], suffixes...)
}

func (r *Registry) Known(kind string) bool {
	_, ok := r.exts[kind]
	return ok
}

func (r *Registry) Kinds() []string {
	kinds := make([]string, 0, len(r.exts))
	for k := range r.exts {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Find scans dir for a file of the given kind, e.g. "out_WFK" for kind
// "WFK". Absence is a normal condition reported through ok, not an error.
func (r *Registry) Find(dir, kind string) (string, bool) {
	suffixes, known := r.exts[kind]
	if !known {
		return "", false
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		for _, suffix := range suffixes {
			if strings.HasSuffix(e.Name(), "_"+suffix) {
				return dir + string(os.PathSeparator) + e.Name(), true
			}
		}
	}
	return "", false
}
