package yamldoc

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// Abinit logs are free-form text with YAML documents embedded between a
// "---" line (optionally carrying a tag like "--- !Kpoints") and a "..."
// line. Reader scans such a stream and pulls the documents out.

// MalformedSectionError reports an opening "---" delimiter with no matching
// "..." before end-of-stream. Unterminated documents are always an error,
// for both tagged lookup and full scans.
type MalformedSectionError struct {
	Tag  string
	Line int
}

func (e *MalformedSectionError) Error() string {
	if e.Tag != "" {
		return fmt.Sprintf("yamldoc: section %q opened at line %d has no closing delimiter", e.Tag, e.Line)
	}
	return fmt.Sprintf("yamldoc: section opened at line %d has no closing delimiter", e.Line)
}

// Doc is one embedded YAML document. Text is the raw payload between the
// delimiter lines, with the delimiters themselves stripped.
type Doc struct {
	Tag  string
	Text string
}

// Reader maintains a cursor over the underlying stream. It is not safe for
// concurrent use; give each probe parse its own Reader.
type Reader struct {
	src  io.ReadSeeker
	scan *bufio.Scanner
	line int
}

func NewReader(src io.ReadSeeker) *Reader {
	r := &Reader{src: src}
	r.reset()
	return r
}

func (r *Reader) reset() {
	r.scan = bufio.NewScanner(r.src)
	r.scan.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	r.line = 0
}

// Seek rewinds the cursor to the beginning of the stream.
func (r *Reader) Seek(offset int64, whence int) error {
	if _, err := r.src.Seek(offset, whence); err != nil {
		return err
	}
	r.reset()
	return nil
}

func (r *Reader) next() (string, bool) {
	if !r.scan.Scan() {
		return "", false
	}
	r.line++
	return r.scan.Text(), true
}

// docTag extracts the tag from an opening delimiter line, e.g.
// "--- !Kpoints" -> "!Kpoints". Returns "" for a bare "---".
func docTag(line string) string {
	rest := strings.TrimSpace(strings.TrimPrefix(line, "---"))
	if strings.HasPrefix(rest, "!") {
		return strings.Fields(rest)[0]
	}
	return ""
}

// NextDocWithTag scans forward from the current cursor for the first
// document whose opening delimiter contains tag and returns its payload.
// Returns ok=false (not an error) if no such document opens before
// end-of-stream. An opened section with no closing "..." is a
// MalformedSectionError.
func (r *Reader) NextDocWithTag(tag string) (string, bool, error) {
	for {
		line, more := r.next()
		if !more {
			return "", false, nil
		}
		if !strings.HasPrefix(line, "---") || !strings.Contains(line, tag) {
			continue
		}
		open := r.line
		var b strings.Builder
		for {
			line, more := r.next()
			if !more {
				return "", false, &MalformedSectionError{Tag: tag, Line: open}
			}
			if strings.HasPrefix(line, "...") {
				return b.String(), true, nil
			}
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
}

// AllDocs scans the whole stream from the current cursor and returns every
// embedded document in order. The same strict delimiter policy applies: a
// trailing document with no closing "..." is a MalformedSectionError.
func (r *Reader) AllDocs() ([]Doc, error) {
	var docs []Doc
	for {
		line, more := r.next()
		if !more {
			return docs, nil
		}
		if !strings.HasPrefix(line, "---") {
			continue
		}
		doc := Doc{Tag: docTag(line)}
		open := r.line
		var b strings.Builder
		closed := false
		for {
			line, more := r.next()
			if !more {
				break
			}
			if strings.HasPrefix(line, "...") {
				closed = true
				break
			}
			b.WriteString(line)
			b.WriteByte('\n')
		}
		if !closed {
			return docs, &MalformedSectionError{Tag: doc.Tag, Line: open}
		}
		doc.Text = b.String()
		docs = append(docs, doc)
	}
}

// Perturbation is one irreducible DFPT perturbation reported by the solver:
// a displacement direction, the index of the perturbed atom and the phonon
// wavevector.
type Perturbation struct {
	Idir  int        `yaml:"idir"`
	Ipert int        `yaml:"ipert"`
	Qpt   [3]float64 `yaml:"qpt"`
}

// ParseQpoints decodes the payload of a !Kpoints document.
func ParseQpoints(text string) ([][3]float64, error) {
	var payload struct {
		Qpoints [][3]float64 `yaml:"reduced_coordinates_of_qpoints"`
	}
	if err := yaml.Unmarshal([]byte(text), &payload); err != nil {
		return nil, fmt.Errorf("yamldoc: invalid q-point document: %w", err)
	}
	return payload.Qpoints, nil
}

// ParseIrredPerts decodes the payload of an !IrredPerts document.
func ParseIrredPerts(text string) ([]Perturbation, error) {
	var payload struct {
		Perts []Perturbation `yaml:"irred_perts"`
	}
	if err := yaml.Unmarshal([]byte(text), &payload); err != nil {
		return nil, fmt.Errorf("yamldoc: invalid perturbation document: %w", err)
	}
	return payload.Perts, nil
}
