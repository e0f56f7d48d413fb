package chaosguard

import (
	"fmt"
)

// scanUnit is one piece of scannable text with its location.
type scanUnit struct {
	text     string
	location string
}

// checkContent matches every text leaf, attribute value, selector and
// declaration value against the banned patterns, in policy order. Only
// the first match per unit is reported.
//
// The filter is a backstop: it sees surface text only and cannot judge
// intent.
func checkContent(root *Node, rules []StyleRule, p *Policy) []Violation {
	if len(p.banned) == 0 {
		return nil
	}
	var out []Violation
	for _, u := range collectUnits(root, rules) {
		for _, b := range p.banned {
			loc := b.re.FindStringIndex(u.text)
			if loc == nil {
				continue
			}
			reason := "matches a banned content pattern"
			if b.category != "" {
				reason = fmt.Sprintf("matches a banned %s pattern", b.category)
			}
			out = append(out, Violation{
				RuleID:   b.id,
				Subject:  truncate(u.text[loc[0]:loc[1]], 60),
				Location: u.location,
				Reason:   reason,
			})
			break
		}
	}
	return out
}

func collectUnits(root *Node, rules []StyleRule) []scanUnit {
	var units []scanUnit
	if root != nil {
		root.Walk(func(n *Node) {
			switch n.Type {
			case TextNode, CommentNode:
				units = append(units, scanUnit{text: n.Text, location: n.location()})
			case ElementNode:
				for _, a := range n.Attrs {
					units = append(units, scanUnit{text: a.Value, location: n.location() + " @" + a.Name})
				}
			}
		})
	}
	for _, r := range rules {
		if r.AtRule != "" && r.Prelude != "" {
			units = append(units, scanUnit{text: r.Prelude, location: r.location()})
		}
		for _, sel := range r.Selectors {
			units = append(units, scanUnit{text: sel, location: r.location()})
		}
		for _, d := range r.Declarations {
			units = append(units, scanUnit{text: d.Value, location: r.location() + " " + d.Property})
		}
	}
	return units
}
