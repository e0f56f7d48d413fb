// Package policyfile loads chaosguard policies from YAML.
//
// A policy file either extends the built-in rule set or replaces it:
//
//	extends: default        # or "none"
//	disable: [track-utm]    # rule IDs dropped from the base set
//	rules:                  # added, or replacing a base rule with the same ID
//	  - id: max-diff
//	    kind: max-diff-size
//	    limit: 500
//	markers:                # replaces the default marker pairs when set
//	  - id: markup
//	    target: markup
//	    start: "<!-- CHAOS_START -->"
//	    end: "<!-- CHAOS_END -->"
package policyfile

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/njchilds90/chaosguard"
)

const (
	// DefaultFile is the policy file looked up next to the chaos board.
	DefaultFile = "chaosguard.yaml"

	ExtendsDefault = "default"
	ExtendsNone    = "none"
)

// File is the on-disk form of a policy.
type File struct {
	Extends string                  `yaml:"extends,omitempty"`
	Disable []string                `yaml:"disable,omitempty"`
	Rules   []chaosguard.PolicyRule `yaml:"rules,omitempty"`
	Markers []chaosguard.Markers    `yaml:"markers,omitempty"`
}

// Resolve merges f over its base rule set and returns the rules and
// markers to compile.
func (f *File) Resolve() ([]chaosguard.PolicyRule, []chaosguard.Markers, error) {
	var base []chaosguard.PolicyRule
	switch f.Extends {
	case "", ExtendsDefault:
		base = chaosguard.DefaultRules()
	case ExtendsNone:
	default:
		return nil, nil, fmt.Errorf("policyfile: unknown extends %q", f.Extends)
	}

	disabled := make(map[string]bool, len(f.Disable))
	for _, id := range f.Disable {
		disabled[id] = true
	}
	override := make(map[string]chaosguard.PolicyRule, len(f.Rules))
	for _, r := range f.Rules {
		override[r.ID] = r
	}

	var rules []chaosguard.PolicyRule
	for _, r := range base {
		if disabled[r.ID] {
			continue
		}
		if o, ok := override[r.ID]; ok {
			r = o
			delete(override, r.ID)
		}
		rules = append(rules, r)
	}
	for _, r := range f.Rules {
		if o, pending := override[r.ID]; pending && !disabled[r.ID] {
			rules = append(rules, o)
			delete(override, r.ID)
		}
	}

	markers := f.Markers
	if len(markers) == 0 {
		markers = chaosguard.DefaultMarkers()
	}
	return rules, markers, nil
}

// Parse decodes a policy file and compiles it. Unknown fields are errors
// so that a misspelt key cannot silently weaken the policy.
func Parse(data []byte) (*chaosguard.Policy, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("policyfile: failed to parse: %w", err)
	}
	rules, markers, err := f.Resolve()
	if err != nil {
		return nil, err
	}
	return chaosguard.NewPolicy(rules, markers...)
}

// Loader loads the policy once at startup.
type Loader struct {
	logger *slog.Logger
}

// NewLoader creates a Loader. A nil logger falls back to slog.Default.
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// Load reads path and compiles the policy. An empty path, or a missing
// DefaultFile, yields chaosguard.DefaultPolicy; any other missing file is
// an error.
func (l *Loader) Load(path string) (*chaosguard.Policy, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
	case os.IsNotExist(err) && !explicit:
		l.logger.Debug("No policy file found, using defaults", slog.String("path", path))
		return chaosguard.DefaultPolicy(), nil
	default:
		return nil, fmt.Errorf("policyfile: failed to read %s: %w", path, err)
	}

	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	l.logger.Info("Loaded policy",
		slog.String("path", path),
		slog.Int("rules", len(p.Rules())),
		slog.Int("markers", len(p.MarkerPairs())))
	return p, nil
}

// Dump renders p as a self-contained policy file (extends: none).
func Dump(p *chaosguard.Policy) ([]byte, error) {
	f := File{Extends: ExtendsNone, Rules: p.Rules(), Markers: p.MarkerPairs()}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&f); err != nil {
		return nil, fmt.Errorf("policyfile: failed to marshal: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
