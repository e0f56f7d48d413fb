package policyfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/njchilds90/chaosguard"
)

func TestParse_ExtendsDefault(t *testing.T) {
	p, err := Parse([]byte(`
disable: [track-utm]
rules:
  - id: max-diff
    kind: max-diff-size
    limit: 500
  - id: allow-marquee
    kind: allowed-tag
    value: marquee
`))
	require.NoError(t, err)

	byID := map[string]chaosguard.PolicyRule{}
	for _, r := range p.Rules() {
		byID[r.ID] = r
	}
	assert.NotContains(t, byID, "track-utm")
	assert.Equal(t, 500, byID["max-diff"].Limit)
	assert.Equal(t, "marquee", byID["allow-marquee"].Value)
	assert.Contains(t, byID, "forbid-script")
	assert.Len(t, p.Rules(), len(chaosguard.DefaultRules())+1-1)

	_, ok := p.Markers("markup")
	assert.True(t, ok)
}

func TestParse_ExtendsNone(t *testing.T) {
	p, err := Parse([]byte(`
extends: none
rules:
  - id: scope
    kind: selector-prefix-requirement
    value: .party
markers:
  - id: page
    target: markup
    start: "<!-- PARTY -->"
    end: "<!-- /PARTY -->"
`))
	require.NoError(t, err)
	assert.Len(t, p.Rules(), 1)

	_, ok := p.Markers("markup")
	assert.False(t, ok)
	m, ok := p.Markers("page")
	require.True(t, ok)
	assert.Equal(t, "<!-- PARTY -->", m.Start)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown field", "rulez: []\n"},
		{"unknown extends", "extends: strict\n"},
		{"bad regexp", "rules:\n  - id: x\n    kind: banned-content-pattern\n    value: \"(\"\n"},
		{"bad marker", "markers:\n  - id: m\n    target: markup\n    start: X\n    end: X\n"},
		{"not yaml", "rules: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestDump_RoundTrip(t *testing.T) {
	data, err := Dump(chaosguard.DefaultPolicy())
	require.NoError(t, err)
	assert.Contains(t, string(data), "extends: none")

	p, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, chaosguard.DefaultPolicy().Rules(), p.Rules())
	assert.Equal(t, chaosguard.DefaultPolicy().MarkerPairs(), p.MarkerPairs())
}

func TestLoader_Load(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("disable: [max-nodes]\n"), 0644))

	l := NewLoader(nil)
	p, err := l.Load(path)
	require.NoError(t, err)
	assert.Len(t, p.Rules(), len(chaosguard.DefaultRules())-1)

	_, err = l.Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestLoader_LoadDefaultFileMissing(t *testing.T) {
	t.Chdir(t.TempDir())
	p, err := NewLoader(nil).Load("")
	require.NoError(t, err)
	assert.Equal(t, chaosguard.DefaultRules(), p.Rules())
}
