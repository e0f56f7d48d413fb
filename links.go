package chaosguard

import (
	"fmt"
	"slices"
	"strings"
)

// checkLinks enforces the anchor and image rules: https targets plus the
// required-attribute bundle configured for each tag. Only legal tags are
// inspected; forbidden tags are already reported by checkStructure.
func checkLinks(root *Node, p *Policy) []Violation {
	var out []Violation
	root.Walk(func(n *Node) {
		if n.Type != ElementNode {
			return
		}
		if _, forbidden := p.forbiddenTags[n.Tag]; forbidden {
			return
		}
		if _, allowed := p.allowedTags[n.Tag]; !allowed {
			return
		}
		switch n.Tag {
		case "a":
			out = append(out, checkTargetURL(n, "href", p)...)
		case "img":
			out = append(out, checkTargetURL(n, "src", p)...)
		}
		out = append(out, checkRequired(n, p)...)
	})
	return out
}

func checkTargetURL(n *Node, attr string, p *Policy) []Violation {
	v, ok := n.Attr(attr)
	if !ok || strings.TrimSpace(v) == "" {
		return []Violation{{RuleID: string(KindAllowedURLScheme), Subject: n.label(), Location: n.location(),
			Reason: fmt.Sprintf("<%s> requires a non-empty %s", n.Tag, attr)}}
	}
	if reason, bad := checkScheme(p, v); bad {
		return []Violation{{RuleID: string(KindAllowedURLScheme), Subject: fmt.Sprintf("<%s %s=%q>", n.Tag, attr, truncate(v, 60)),
			Location: n.location(), Reason: reason}}
	}
	return nil
}

func checkRequired(n *Node, p *Policy) []Violation {
	var out []Violation
	for _, req := range p.required[n.Tag] {
		v, ok := n.Attr(req.attr)
		var reason string
		switch {
		case !ok:
			reason = fmt.Sprintf("missing required attribute %s", req.attr)
		case req.token == "" && strings.TrimSpace(v) == "":
			reason = fmt.Sprintf("attribute %s must not be empty", req.attr)
		case req.token != "" && !slices.Contains(strings.Fields(strings.ToLower(v)), req.token):
			reason = fmt.Sprintf("attribute %s must include %q", req.attr, req.token)
		default:
			continue
		}
		if req.desc != "" {
			reason = req.desc + ": " + reason
		}
		out = append(out, Violation{RuleID: req.id, Subject: n.label(), Location: n.location(), Reason: reason})
	}
	return out
}
