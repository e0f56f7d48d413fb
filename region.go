package chaosguard

import (
	"fmt"
	"strings"
)

// TargetKind says which file a Mutation edits.
type TargetKind string

const (
	TargetMarkup     TargetKind = "markup"
	TargetStylesheet TargetKind = "stylesheet"
)

// Document is the full content of one file. It is a value: Apply returns
// a new Document instead of editing in place.
type Document struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Markers is a named start/end token pair delimiting the editable region
// of one kind of file.
type Markers struct {
	ID     string     `yaml:"id" json:"id"`
	Target TargetKind `yaml:"target" json:"target"`
	Start  string     `yaml:"start" json:"start"`
	End    string     `yaml:"end" json:"end"`
}

func (m Markers) validate() error {
	switch {
	case m.ID == "":
		return &MarkerError{Reason: "marker pair has no id"}
	case m.Start == "" || m.End == "":
		return &MarkerError{Reason: fmt.Sprintf("marker pair %q has an empty token", m.ID)}
	case m.Start == m.End:
		return &MarkerError{Reason: fmt.Sprintf("marker pair %q uses the same token twice", m.ID)}
	case m.Target != TargetMarkup && m.Target != TargetStylesheet:
		return &MarkerError{Reason: fmt.Sprintf("marker pair %q has unknown target %q", m.ID, m.Target)}
	}
	return nil
}

// Region locates the editable span of a Document. StartMarker and
// EndMarker are the byte offsets of the marker tokens; Start and End
// bound the interior, so Content[Start:End] is the editable slice.
type Region struct {
	StartMarker int `json:"start_marker"`
	Start       int `json:"start"`
	End         int `json:"end"`
	EndMarker   int `json:"end_marker"`
}

// Interior returns the editable slice of doc.
func (r Region) Interior(doc Document) string { return doc.Content[r.Start:r.End] }

// Prefix returns the immutable bytes up to and including the start marker.
func (r Region) Prefix(doc Document) string { return doc.Content[:r.Start] }

// Suffix returns the immutable bytes from the end marker onwards.
func (r Region) Suffix(doc Document) string { return doc.Content[r.End:] }

// Mutation is a proposed replacement for the interior of one Region.
// Start and End are the byte offsets the proposer believes bound the
// interior; they must match the located Region exactly.
type Mutation struct {
	Target      TargetKind `json:"target"`
	Path        string     `json:"path,omitempty"`
	Start       int        `json:"start"`
	End         int        `json:"end"`
	Replacement string     `json:"replacement"`
	// Request is the free-text request the proposer worked from. It is
	// only used for the audit excerpt.
	Request string `json:"request,omitempty"`
}

// Locate finds the single Region delimited by m in doc.
func Locate(doc Document, m Markers) (Region, error) {
	if err := m.validate(); err != nil {
		return Region{}, err
	}
	if n := strings.Count(doc.Content, m.Start); n != 1 {
		return Region{}, &MarkerError{Marker: m.Start, Count: n, Reason: markerCountReason(n)}
	}
	if n := strings.Count(doc.Content, m.End); n != 1 {
		return Region{}, &MarkerError{Marker: m.End, Count: n, Reason: markerCountReason(n)}
	}
	s := strings.Index(doc.Content, m.Start)
	e := strings.Index(doc.Content, m.End)
	if e < s+len(m.Start) {
		return Region{}, &MarkerError{Reason: "end marker precedes start marker"}
	}
	return Region{StartMarker: s, Start: s + len(m.Start), End: e, EndMarker: e}, nil
}

func markerCountReason(n int) string {
	if n == 0 {
		return "marker missing"
	}
	return "marker duplicated"
}

// CheckScope locates the Region for m and verifies that mut replaces
// exactly its interior, targets the right kind of file, touches an
// allowed path and does not smuggle a marker token into the document.
func CheckScope(p *Policy, doc Document, m Markers, mut Mutation) (Region, error) {
	r, err := Locate(doc, m)
	if err != nil {
		return Region{}, err
	}
	path := mut.Path
	if path == "" {
		path = doc.Path
	}
	switch {
	case mut.Target != m.Target:
		return r, &ScopeError{Path: path, Reason: fmt.Sprintf("%s mutation cannot use %s markers", mut.Target, m.Target)}
	case doc.Path != "" && path != doc.Path:
		return r, &ScopeError{Path: path, Reason: fmt.Sprintf("mutation targets a different file than %s", doc.Path)}
	case !p.pathAllowed(path):
		return r, &ScopeError{Path: path, Reason: "file may not be changed"}
	case mut.Start != r.Start || mut.End != r.End:
		return r, &ScopeError{Path: path, Reason: fmt.Sprintf(
			"edit spans [%d,%d) but the editable region is [%d,%d)", mut.Start, mut.End, r.Start, r.End)}
	case strings.Contains(mut.Replacement, m.Start) || strings.Contains(mut.Replacement, m.End):
		return r, &ScopeError{Path: path, Reason: "replacement contains a region marker"}
	}
	return r, nil
}

// Apply returns a new Document with the interior of r replaced. Callers
// apply only Accepted mutations; prefix and suffix are copied unchanged.
func Apply(doc Document, r Region, replacement string) Document {
	var b strings.Builder
	b.Grow(len(doc.Content) - (r.End - r.Start) + len(replacement))
	b.WriteString(doc.Content[:r.Start])
	b.WriteString(replacement)
	b.WriteString(doc.Content[r.End:])
	return Document{Path: doc.Path, Content: b.String()}
}

// MutationFromRevisions derives the Mutation that turns base into head.
// It fails with a ScopeError when anything outside the marked region
// differs between the two revisions.
func MutationFromRevisions(base, head Document, m Markers) (Mutation, error) {
	br, err := Locate(base, m)
	if err != nil {
		return Mutation{}, fmt.Errorf("base revision: %w", err)
	}
	hr, err := Locate(head, m)
	if err != nil {
		return Mutation{}, fmt.Errorf("head revision: %w", err)
	}
	if br.Prefix(base) != hr.Prefix(head) || br.Suffix(base) != hr.Suffix(head) {
		return Mutation{}, &ScopeError{Path: head.Path, Reason: "content outside the region markers changed"}
	}
	return Mutation{
		Target:      m.Target,
		Path:        base.Path,
		Start:       br.Start,
		End:         br.End,
		Replacement: hr.Interior(head),
	}, nil
}

// CheckChangedFiles reports every path in a change set that the policy
// does not allow to change.
func CheckChangedFiles(p *Policy, paths []string) []Violation {
	var out []Violation
	for _, path := range paths {
		if !p.pathAllowed(path) {
			out = append(out, Violation{
				RuleID:  string(KindAllowedPath),
				Subject: path,
				Reason:  "file may not be changed",
			})
		}
	}
	return out
}
