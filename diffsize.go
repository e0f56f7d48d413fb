package chaosguard

import "fmt"

// Size measures how much a Mutation changes its Region.
type Size struct {
	// Removed and Inserted count runes between the common prefix and
	// suffix of the old interior and the replacement.
	Removed  int `json:"removed"`
	Inserted int `json:"inserted"`
	// Changed is max(Removed, Inserted), the figure compared against the
	// max-diff-size ceiling.
	Changed int `json:"changed"`
	// Units is the number of parsed nodes or style rules.
	Units int `json:"units"`
}

// MeasureChange computes the rune-level change between before and after
// once their common prefix and suffix are trimmed.
func MeasureChange(before, after string) Size {
	a, b := []rune(before), []rune(after)
	pre := 0
	for pre < len(a) && pre < len(b) && a[pre] == b[pre] {
		pre++
	}
	suf := 0
	for suf < len(a)-pre && suf < len(b)-pre && a[len(a)-1-suf] == b[len(b)-1-suf] {
		suf++
	}
	s := Size{Removed: len(a) - pre - suf, Inserted: len(b) - pre - suf}
	s.Changed = max(s.Removed, s.Inserted)
	return s
}

// oversize reports the reasons s exceeds the policy ceilings. A non-empty
// result raises the Fallback flag; the mutation is never truncated.
func oversize(s Size, p *Policy) []Violation {
	var out []Violation
	if p.maxDiff.n > 0 && s.Changed > p.maxDiff.n {
		out = append(out, Violation{
			RuleID:  p.maxDiff.id,
			Subject: fmt.Sprintf("%d changed characters", s.Changed),
			Reason:  fmt.Sprintf("change exceeds the %d character ceiling; propose a smaller mutation", p.maxDiff.n),
		})
	}
	if p.maxNodes.n > 0 && s.Units > p.maxNodes.n {
		out = append(out, Violation{
			RuleID:  p.maxNodes.id,
			Subject: fmt.Sprintf("%d nodes or rules", s.Units),
			Reason:  fmt.Sprintf("change exceeds the %d unit ceiling; propose a smaller mutation", p.maxNodes.n),
		})
	}
	return out
}
