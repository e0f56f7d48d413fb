package chaosguard

import (
	"fmt"
	"strings"

	"github.com/aymerick/douceur/css"
	"github.com/aymerick/douceur/parser"
	"github.com/gorilla/css/scanner"
)

// Declaration is one property/value pair of a StyleRule.
type Declaration struct {
	Property  string
	Value     string
	Important bool
}

// StyleRule is one parsed unit of a stylesheet fragment. Rules nested in
// @media or @supports blocks are flattened; Context names the enclosing
// at-rules.
type StyleRule struct {
	Index        int
	Context      string
	AtRule       string
	Prelude      string
	Selectors    []string
	Declarations []Declaration
	// Keyframe is set for the from/to/percentage blocks of @keyframes,
	// whose selectors are not element selectors.
	Keyframe bool
}

func (r StyleRule) location() string {
	if r.Context == "" {
		return fmt.Sprintf("rule %d", r.Index)
	}
	return fmt.Sprintf("rule %d in %s", r.Index, r.Context)
}

var allowedAtRules = map[string]bool{
	"@media": true, "@supports": true, "@import": true, "@font-face": true,
	"@keyframes": true, "@-webkit-keyframes": true,
}

// ParseStylesheet parses a stylesheet fragment into a flat list of
// StyleRules. Unbalanced blocks and tokenizer errors fail with a
// ParseError rather than being recovered.
func ParseStylesheet(s string) ([]StyleRule, error) {
	if err := scanBalanced(s); err != nil {
		return nil, err
	}
	sheet, err := parser.Parse(s)
	if err != nil {
		return nil, &ParseError{Target: TargetStylesheet, Reason: err.Error()}
	}
	var out []StyleRule
	flattenRules(sheet.Rules, "", false, &out)
	return out, nil
}

func scanBalanced(s string) error {
	var open []*scanner.Token
	sc := scanner.New(s)
	for {
		tok := sc.Next()
		switch tok.Type {
		case scanner.TokenEOF:
			if len(open) > 0 {
				last := open[len(open)-1]
				return &ParseError{Target: TargetStylesheet, Line: last.Line, Column: last.Column, Reason: "unclosed block"}
			}
			return nil
		case scanner.TokenError:
			return &ParseError{Target: TargetStylesheet, Line: tok.Line, Column: tok.Column,
				Reason: fmt.Sprintf("invalid token %q", truncate(tok.Value, 40))}
		case scanner.TokenChar:
			switch tok.Value {
			case "{":
				open = append(open, tok)
			case "}":
				if len(open) == 0 {
					return &ParseError{Target: TargetStylesheet, Line: tok.Line, Column: tok.Column, Reason: "unmatched '}'"}
				}
				open = open[:len(open)-1]
			}
		}
	}
}

func flattenRules(rules []*css.Rule, context string, keyframes bool, out *[]StyleRule) {
	for _, r := range rules {
		sr := StyleRule{Index: len(*out) + 1, Context: context, Prelude: strings.TrimSpace(r.Prelude), Keyframe: keyframes}
		for _, d := range r.Declarations {
			sr.Declarations = append(sr.Declarations, Declaration{Property: strings.ToLower(d.Property), Value: d.Value, Important: d.Important})
		}
		if r.Kind == css.AtRule {
			sr.AtRule = strings.ToLower(r.Name)
		} else {
			sr.Selectors = splitSelectors(sr.Prelude)
		}
		*out = append(*out, sr)

		if len(r.Rules) > 0 {
			inner := strings.TrimSpace(r.Name + " " + sr.Prelude)
			if context != "" {
				inner = context + " > " + inner
			}
			flattenRules(r.Rules, inner, strings.HasSuffix(sr.AtRule, "keyframes"), out)
		}
	}
}

// splitSelectors splits a selector list on top-level commas, leaving
// commas inside :is(), :not() and attribute selectors alone.
func splitSelectors(prelude string) []string {
	var out []string
	var cur strings.Builder
	depth := 0
	sc := scanner.New(prelude)
	for tok := sc.Next(); tok.Type != scanner.TokenEOF && tok.Type != scanner.TokenError; tok = sc.Next() {
		switch {
		case tok.Type == scanner.TokenFunction:
			depth++
		case tok.Type == scanner.TokenChar && (tok.Value == "(" || tok.Value == "["):
			depth++
		case tok.Type == scanner.TokenChar && (tok.Value == ")" || tok.Value == "]"):
			depth--
		case tok.Type == scanner.TokenChar && tok.Value == "," && depth == 0:
			if s := strings.TrimSpace(cur.String()); s != "" {
				out = append(out, s)
			}
			cur.Reset()
			continue
		}
		cur.WriteString(tok.Value)
	}
	if s := strings.TrimSpace(cur.String()); s != "" {
		out = append(out, s)
	}
	return out
}

// compound is one simple-selector sequence between combinators.
type compound struct {
	element  bool
	universe bool
	class    bool
}

func (c compound) bare() bool { return (c.element || c.universe) && !c.class }

func splitCompounds(sel string) []compound {
	var out []compound
	var cur compound
	started, afterDot := false, false
	depth := 0
	flush := func() {
		if started {
			out = append(out, cur)
		}
		cur, started, afterDot = compound{}, false, false
	}
	sc := scanner.New(sel)
	for tok := sc.Next(); tok.Type != scanner.TokenEOF && tok.Type != scanner.TokenError; tok = sc.Next() {
		if depth > 0 {
			switch {
			case tok.Type == scanner.TokenFunction, tok.Type == scanner.TokenChar && (tok.Value == "(" || tok.Value == "["):
				depth++
			case tok.Type == scanner.TokenChar && (tok.Value == ")" || tok.Value == "]"):
				depth--
			}
			continue
		}
		switch tok.Type {
		case scanner.TokenS, scanner.TokenComment:
			flush()
		case scanner.TokenIdent:
			switch {
			case afterDot:
				cur.class = true
			case !started:
				cur.element = true
			}
			started, afterDot = true, false
		case scanner.TokenFunction:
			depth++
			started, afterDot = true, false
		case scanner.TokenChar:
			switch tok.Value {
			case ">", "+", "~":
				flush()
			case ".":
				started, afterDot = true, true
			case "*":
				if !started {
					cur.universe = true
				}
				started, afterDot = true, false
			case "[", "(":
				depth++
				started, afterDot = true, false
			default:
				started, afterDot = true, false
			}
		default:
			started, afterDot = true, false
		}
	}
	flush()
	return out
}

func (p *Policy) hasScopePrefix(sel string) bool {
	for _, prefix := range p.prefixes {
		if !strings.HasPrefix(sel, prefix) {
			continue
		}
		rest := sel[len(prefix):]
		if rest == "" || !isNameChar(rest[0]) {
			return true
		}
	}
	return false
}

func isNameChar(c byte) bool {
	return c == '-' || c == '_' || c >= 0x80 ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

const ruleBareSelector = "selector-bare-element"

// checkSelectors applies the scoping and declaration rules to every
// StyleRule. Each offending selector alternative and declaration yields
// one violation; a bad rule never stops the others from being checked.
func checkSelectors(rules []StyleRule, p *Policy) []Violation {
	var out []Violation
	for _, r := range rules {
		if r.AtRule != "" {
			out = append(out, checkAtRule(r, p)...)
		}
		if !r.Keyframe {
			for _, sel := range r.Selectors {
				if v, bad := checkSelector(sel, p); bad {
					v.Location = r.location()
					out = append(out, v)
				}
			}
		}
		for _, d := range r.Declarations {
			if reason, bad := checkDeclaration(p, d.Property, d.Value); bad {
				out = append(out, Violation{RuleID: "stylesheet-declaration", Subject: d.Property + ": " + truncate(d.Value, 60),
					Location: r.location(), Reason: reason})
			}
		}
	}
	return out
}

func checkSelector(sel string, p *Policy) (Violation, bool) {
	compounds := splitCompounds(sel)
	if !p.hasScopePrefix(sel) {
		if len(compounds) > 0 && compounds[0].bare() {
			return Violation{RuleID: ruleBareSelector, Subject: sel,
				Reason: "bare element or universal selector is not allowed"}, true
		}
		return Violation{RuleID: p.prefixID, Subject: sel,
			Reason: fmt.Sprintf("selector must start with %s", strings.Join(p.prefixes, " or "))}, true
	}
	if siblingOfScope(sel) {
		return Violation{RuleID: p.prefixID, Subject: sel,
			Reason: "sibling combinator after the scoping prefix reaches outside the region"}, true
	}
	for _, c := range compounds {
		if c.bare() {
			return Violation{RuleID: ruleBareSelector, Subject: sel,
				Reason: "bare element or universal selector is not allowed"}, true
		}
	}
	return Violation{}, false
}

// siblingOfScope reports whether the first combinator after the leading
// compound is + or ~.
func siblingOfScope(sel string) bool {
	depth := 0
	ended := false
	sc := scanner.New(sel)
	for tok := sc.Next(); tok.Type != scanner.TokenEOF && tok.Type != scanner.TokenError; tok = sc.Next() {
		switch {
		case tok.Type == scanner.TokenFunction, tok.Type == scanner.TokenChar && (tok.Value == "(" || tok.Value == "["):
			depth++
			continue
		case tok.Type == scanner.TokenChar && (tok.Value == ")" || tok.Value == "]"):
			depth--
			continue
		}
		if depth > 0 {
			continue
		}
		switch {
		case tok.Type == scanner.TokenS || tok.Type == scanner.TokenComment:
			ended = true
		case tok.Type == scanner.TokenChar && (tok.Value == "+" || tok.Value == "~"):
			return true
		case tok.Type == scanner.TokenChar && tok.Value == ">":
			return false
		case ended:
			return false
		}
	}
	return false
}

func checkAtRule(r StyleRule, p *Policy) []Violation {
	if !allowedAtRules[r.AtRule] {
		return []Violation{{RuleID: "stylesheet-at-rule", Subject: r.AtRule + " " + truncate(r.Prelude, 60),
			Location: r.location(), Reason: fmt.Sprintf("%s is not allowed", r.AtRule)}}
	}
	if r.AtRule != "@import" {
		return nil
	}
	target, ok := firstURL(r.Prelude)
	if !ok {
		return []Violation{{RuleID: "stylesheet-import", Subject: "@import " + truncate(r.Prelude, 60),
			Location: r.location(), Reason: "@import must reference a stylesheet URL"}}
	}
	if reason, bad := checkStyleURL(p, target); bad {
		return []Violation{{RuleID: "stylesheet-import", Subject: "@import " + truncate(r.Prelude, 60),
			Location: r.location(), Reason: reason}}
	}
	return nil
}

var forbiddenProperties = map[string]bool{"behavior": true, "-moz-binding": true}

// checkDeclaration rejects script-capable properties and functions and
// url() references that are neither relative nor https.
func checkDeclaration(p *Policy, property, value string) (string, bool) {
	if forbiddenProperties[strings.ToLower(property)] {
		return fmt.Sprintf("property %q can execute code", property), true
	}
	if strings.Contains(normalizeURL(value), "javascript:") {
		return "javascript: is not allowed in stylesheets", true
	}
	// depth counts open parens inside image-set(); every string inside it
	// is a URL candidate.
	depth := 0
	sc := scanner.New(value)
	for tok := sc.Next(); tok.Type != scanner.TokenEOF; tok = sc.Next() {
		switch tok.Type {
		case scanner.TokenError:
			return fmt.Sprintf("invalid token %q", truncate(tok.Value, 40)), true
		case scanner.TokenURI:
			if reason, bad := checkStyleURL(p, unwrapURI(tok.Value)); bad {
				return reason, true
			}
		case scanner.TokenString:
			if depth == 0 {
				continue
			}
			if reason, bad := checkStyleURL(p, strings.Trim(tok.Value, `"'`)); bad {
				return reason, true
			}
		case scanner.TokenChar:
			switch {
			case depth > 0 && tok.Value == "(":
				depth++
			case depth > 0 && tok.Value == ")":
				depth--
			}
		case scanner.TokenFunction:
			name := strings.ToLower(tok.Value)
			if strings.ContainsRune(name, '\\') {
				return fmt.Sprintf("escaped function name %q", tok.Value), true
			}
			switch {
			case name == "expression(":
				return "expression() is not allowed", true
			case name == "url(":
				// The scanner only yields TokenURI for a lowercase url( whose
				// argument it can match.
				if reason, bad := checkStyleURL(p, functionArg(sc)); bad {
					return reason, true
				}
			case depth > 0:
				depth++
			case name == "image-set(", name == "-webkit-image-set(":
				depth = 1
			}
		}
	}
	return "", false
}

// functionArg consumes tokens up to the ")" closing the function just
// read and returns its trimmed, unquoted argument.
func functionArg(sc *scanner.Scanner) string {
	var b strings.Builder
	depth := 1
	for tok := sc.Next(); tok.Type != scanner.TokenEOF && tok.Type != scanner.TokenError; tok = sc.Next() {
		switch {
		case tok.Type == scanner.TokenFunction, tok.Type == scanner.TokenChar && tok.Value == "(":
			depth++
		case tok.Type == scanner.TokenChar && tok.Value == ")":
			depth--
			if depth == 0 {
				return strings.Trim(strings.TrimSpace(b.String()), `"'`)
			}
		}
		b.WriteString(tok.Value)
	}
	return strings.Trim(strings.TrimSpace(b.String()), `"'`)
}

// checkStyleURL accepts relative references and URLs whose scheme the
// policy allows. Protocol-relative URLs are rejected.
func checkStyleURL(p *Policy, raw string) (string, bool) {
	norm := normalizeURL(raw)
	if strings.HasPrefix(norm, "//") || strings.HasPrefix(norm, `\\`) {
		return fmt.Sprintf("protocol-relative URL %q is not allowed", truncate(raw, 60)), true
	}
	scheme, _, ok := strings.Cut(norm, ":")
	if !ok || strings.ContainsAny(scheme, "/?#.") {
		return "", false
	}
	return checkScheme(p, raw)
}

func firstURL(prelude string) (string, bool) {
	sc := scanner.New(prelude)
	for tok := sc.Next(); tok.Type != scanner.TokenEOF && tok.Type != scanner.TokenError; tok = sc.Next() {
		switch tok.Type {
		case scanner.TokenURI:
			return unwrapURI(tok.Value), true
		case scanner.TokenString:
			return strings.Trim(tok.Value, `"'`), true
		}
	}
	return "", false
}

// unwrapURI turns the scanner's `url( "x" )` token into x.
func unwrapURI(v string) string {
	v = strings.TrimSpace(v)
	if len(v) >= 4 && strings.EqualFold(v[:4], "url(") {
		v = v[4:]
	}
	v = strings.TrimSuffix(v, ")")
	return strings.Trim(strings.TrimSpace(v), `"'`)
}
