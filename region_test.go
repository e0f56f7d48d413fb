package chaosguard_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/njchilds90/chaosguard"
)

const page = `<!doctype html>
<html>
<body>
<main class="chaos-region">
<!-- CHAOS_START -->
<p>Welcome to the chaos board.</p>
<!-- CHAOS_END -->
</main>
</body>
</html>
`

const sheet = `.chaos-board { margin: 0 auto; }
/* CHAOS_START */
.chaos-region p { }
/* CHAOS_END */
`

func markupMarkers() chaosguard.Markers     { return chaosguard.DefaultMarkers()[0] }
func stylesheetMarkers() chaosguard.Markers { return chaosguard.DefaultMarkers()[1] }

func pageDoc() chaosguard.Document {
	return chaosguard.Document{Path: "chaos-board/index.html", Content: page}
}

func sheetDoc() chaosguard.Document {
	return chaosguard.Document{Path: "chaos-board/assets/chaos.css", Content: sheet}
}

func TestLocate_OffsetsMatchMarkers(t *testing.T) {
	for _, tc := range []struct {
		doc chaosguard.Document
		m   chaosguard.Markers
	}{
		{pageDoc(), markupMarkers()},
		{sheetDoc(), stylesheetMarkers()},
	} {
		r, err := chaosguard.Locate(tc.doc, tc.m)
		if err != nil {
			t.Fatalf("%s: %v", tc.doc.Path, err)
		}
		if r.StartMarker >= r.EndMarker || r.Start > r.End {
			t.Errorf("%s: bad ordering %+v", tc.doc.Path, r)
		}
		c := tc.doc.Content
		if got := c[r.StartMarker : r.StartMarker+len(tc.m.Start)]; got != tc.m.Start {
			t.Errorf("start marker bytes = %q", got)
		}
		if got := c[r.EndMarker : r.EndMarker+len(tc.m.End)]; got != tc.m.End {
			t.Errorf("end marker bytes = %q", got)
		}
	}
}

func TestLocate_MarkerErrors(t *testing.T) {
	m := markupMarkers()
	cases := map[string]string{
		"missing start":    strings.Replace(page, m.Start, "", 1),
		"missing end":      strings.Replace(page, m.End, "", 1),
		"duplicated start": strings.Replace(page, "</main>", m.Start+"</main>", 1),
		"duplicated end":   strings.Replace(page, "<main", m.End+"<main", 1),
		"misordered":       "<p>" + m.End + "x" + m.Start + "</p>",
	}
	for name, content := range cases {
		_, err := chaosguard.Locate(chaosguard.Document{Content: content}, m)
		if !errors.Is(err, chaosguard.ErrMarker) {
			t.Errorf("%s: err = %v, want ErrMarker", name, err)
		}
		var me *chaosguard.MarkerError
		if !errors.As(err, &me) {
			t.Errorf("%s: err is not a *MarkerError", name)
		}
	}
}

func TestCheckScope(t *testing.T) {
	p := chaosguard.DefaultPolicy()
	doc := pageDoc()
	m := markupMarkers()
	r, err := chaosguard.Locate(doc, m)
	if err != nil {
		t.Fatal(err)
	}
	ok := chaosguard.Mutation{Target: chaosguard.TargetMarkup, Start: r.Start, End: r.End, Replacement: "<p>x</p>"}
	if _, err := chaosguard.CheckScope(p, doc, m, ok); err != nil {
		t.Fatalf("in-scope mutation rejected: %v", err)
	}

	bad := map[string]chaosguard.Mutation{
		"into prefix":     {Target: chaosguard.TargetMarkup, Start: r.Start - 3, End: r.End, Replacement: "x"},
		"into suffix":     {Target: chaosguard.TargetMarkup, Start: r.Start, End: r.End + 1, Replacement: "x"},
		"partial":         {Target: chaosguard.TargetMarkup, Start: r.Start + 1, End: r.End, Replacement: "x"},
		"wrong target":    {Target: chaosguard.TargetStylesheet, Start: r.Start, End: r.End, Replacement: "x"},
		"other file":      {Target: chaosguard.TargetMarkup, Path: "chaos-board/about.html", Start: r.Start, End: r.End},
		"forges a marker": {Target: chaosguard.TargetMarkup, Start: r.Start, End: r.End, Replacement: m.End + "<script></script>"},
	}
	for name, mut := range bad {
		if _, err := chaosguard.CheckScope(p, doc, m, mut); !errors.Is(err, chaosguard.ErrOutOfScope) {
			t.Errorf("%s: err = %v, want ErrOutOfScope", name, err)
		}
	}
}

func TestCheckScope_DisallowedPath(t *testing.T) {
	doc := chaosguard.Document{Path: "chaos-board/secret.html", Content: page}
	m := markupMarkers()
	r, _ := chaosguard.Locate(doc, m)
	mut := chaosguard.Mutation{Target: chaosguard.TargetMarkup, Start: r.Start, End: r.End}
	_, err := chaosguard.CheckScope(chaosguard.DefaultPolicy(), doc, m, mut)
	var se *chaosguard.ScopeError
	if !errors.As(err, &se) || se.Path != doc.Path {
		t.Fatalf("err = %v, want ScopeError for %s", err, doc.Path)
	}
}

func TestApply_KeepsPrefixAndSuffix(t *testing.T) {
	doc := pageDoc()
	m := markupMarkers()
	r, err := chaosguard.Locate(doc, m)
	if err != nil {
		t.Fatal(err)
	}
	out := chaosguard.Apply(doc, r, "\n<p>new</p>\n")

	r2, err := chaosguard.Locate(out, m)
	if err != nil {
		t.Fatalf("markers lost after apply: %v", err)
	}
	if r2.Prefix(out) != r.Prefix(doc) || r2.Suffix(out) != r.Suffix(doc) {
		t.Error("apply changed bytes outside the region")
	}
	if got := r2.Interior(out); got != "\n<p>new</p>\n" {
		t.Errorf("interior = %q", got)
	}
	if doc.Content != page {
		t.Error("apply modified the source document")
	}
}

func TestMutationFromRevisions(t *testing.T) {
	m := markupMarkers()
	base := pageDoc()
	head := chaosguard.Document{Path: base.Path, Content: strings.Replace(page, "Welcome to the chaos board.", "Hello!", 1)}

	mut, err := chaosguard.MutationFromRevisions(base, head, m)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(mut.Replacement, "Hello!") {
		t.Errorf("replacement = %q", mut.Replacement)
	}
	r, _ := chaosguard.Locate(base, m)
	if mut.Start != r.Start || mut.End != r.End {
		t.Errorf("offsets = [%d,%d), want [%d,%d)", mut.Start, mut.End, r.Start, r.End)
	}

	outside := chaosguard.Document{Path: base.Path, Content: strings.Replace(head.Content, "<body>", `<body onload="x()">`, 1)}
	if _, err := chaosguard.MutationFromRevisions(base, outside, m); !errors.Is(err, chaosguard.ErrOutOfScope) {
		t.Errorf("err = %v, want ErrOutOfScope", err)
	}

	broken := chaosguard.Document{Path: base.Path, Content: strings.Replace(page, m.End, "", 1)}
	if _, err := chaosguard.MutationFromRevisions(base, broken, m); !errors.Is(err, chaosguard.ErrMarker) {
		t.Errorf("err = %v, want ErrMarker", err)
	}
}

func TestCheckChangedFiles(t *testing.T) {
	got := chaosguard.CheckChangedFiles(chaosguard.DefaultPolicy(), []string{
		"chaos-board/index.html",
		"chaos-board/assets/chaos.css",
		".github/workflows/deploy.yml",
	})
	if len(got) != 1 || got[0].Subject != ".github/workflows/deploy.yml" {
		t.Fatalf("violations = %+v", got)
	}
}
