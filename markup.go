package chaosguard

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aymerick/douceur/parser"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// NodeType distinguishes the kinds of Node in a parsed fragment.
type NodeType int

const (
	FragmentNode NodeType = iota
	ElementNode
	TextNode
	CommentNode
)

// Attribute is a single name/value pair. Names are lower-cased.
type Attribute struct {
	Name  string
	Value string
}

// Node is one unit of a parsed markup fragment. The root of every tree
// returned by ParseFragment is a FragmentNode.
type Node struct {
	Type     NodeType
	Tag      string
	Attrs    []Attribute
	Text     string
	Children []*Node
	Line     int
	Column   int
}

// Attr returns the named attribute's value and whether it is present.
func (n *Node) Attr(name string) (string, bool) {
	for _, a := range n.Attrs {
		if a.Name == name {
			return a.Value, true
		}
	}
	return "", false
}

// Walk calls fn for n and every descendant in document order.
func (n *Node) Walk(fn func(*Node)) {
	fn(n)
	for _, c := range n.Children {
		c.Walk(fn)
	}
}

// Count returns the number of element, text and comment nodes below n.
func (n *Node) Count() int {
	total := 0
	n.Walk(func(c *Node) {
		if c.Type != FragmentNode {
			total++
		}
	})
	return total
}

func (n *Node) location() string { return fmt.Sprintf("%d:%d", n.Line, n.Column) }

// label renders a short description of n for violation reports.
func (n *Node) label() string {
	switch n.Type {
	case ElementNode:
		return "<" + n.Tag + ">"
	case CommentNode:
		return "<!--" + truncate(n.Text, 40) + "-->"
	default:
		return truncate(n.Text, 60)
	}
}

// ParseFragment parses an HTML fragment into a Node tree. Unlike
// html.Parse it never repairs its input: mismatched, stray or unclosed
// tags, self-closing non-void elements, doctypes, duplicate attributes
// and bare '<' in text all fail with a ParseError.
func ParseFragment(s string) (*Node, error) {
	root := &Node{Type: FragmentNode, Line: 1, Column: 1}
	stack := []*Node{root}
	pos := newPositioner(s)
	offset := 0

	z := html.NewTokenizer(strings.NewReader(s))
	for {
		tt := z.Next()
		raw := z.Raw()
		line, col := pos.at(offset)
		fail := func(format string, args ...any) error {
			return &ParseError{Target: TargetMarkup, Line: line, Column: col, Reason: fmt.Sprintf(format, args...)}
		}
		top := stack[len(stack)-1]

		switch tt {
		case html.ErrorToken:
			if !errors.Is(z.Err(), io.EOF) {
				return nil, fail("%v", z.Err())
			}
			if len(raw) > 0 || offset != len(s) {
				return nil, fail("truncated tag at end of fragment")
			}
			if len(stack) > 1 {
				open := stack[len(stack)-1]
				return nil, &ParseError{Target: TargetMarkup, Line: open.Line, Column: open.Column,
					Reason: fmt.Sprintf("unclosed <%s>", open.Tag)}
			}
			return root, nil

		case html.TextToken:
			if !isRawText(top.Tag) && strings.ContainsRune(string(raw), '<') {
				return nil, fail("unescaped '<' in text")
			}
			top.Children = append(top.Children, &Node{Type: TextNode, Text: string(z.Text()), Line: line, Column: col})

		case html.StartTagToken, html.SelfClosingTagToken:
			if !bytes.HasSuffix(raw, []byte(">")) {
				return nil, fail("unterminated tag")
			}
			tok := z.Token()
			n := &Node{Type: ElementNode, Tag: strings.ToLower(tok.Data), Line: line, Column: col}
			for _, a := range tok.Attr {
				name := strings.ToLower(a.Key)
				if _, dup := n.Attr(name); dup {
					return nil, fail("duplicate attribute %q on <%s>", name, n.Tag)
				}
				n.Attrs = append(n.Attrs, Attribute{Name: name, Value: a.Val})
			}
			top.Children = append(top.Children, n)
			switch {
			case isVoidElement(n.Tag):
			case tt == html.SelfClosingTagToken && (isForeignRoot(n.Tag) || inForeignContent(stack)):
			case tt == html.SelfClosingTagToken:
				return nil, fail("self-closing <%s/> is not a void element", n.Tag)
			default:
				stack = append(stack, n)
			}

		case html.EndTagToken:
			if !bytes.HasSuffix(raw, []byte(">")) {
				return nil, fail("unterminated end tag")
			}
			tag := strings.ToLower(z.Token().Data)
			if isVoidElement(tag) {
				return nil, fail("end tag for void element </%s>", tag)
			}
			if len(stack) == 1 {
				return nil, fail("stray end tag </%s>", tag)
			}
			if top.Tag != tag {
				return nil, fail("</%s> does not close <%s>", tag, top.Tag)
			}
			stack = stack[:len(stack)-1]

		case html.CommentToken:
			if !bytes.HasSuffix(raw, []byte("-->")) {
				return nil, fail("unterminated comment")
			}
			top.Children = append(top.Children, &Node{Type: CommentNode, Text: string(z.Text()), Line: line, Column: col})

		case html.DoctypeToken:
			return nil, fail("doctype is not allowed in a fragment")
		}
		offset += len(raw)
	}
}

// checkStructure reports every disallowed element and attribute in the
// tree. Traversal never stops early.
func checkStructure(root *Node, p *Policy) []Violation {
	var out []Violation
	root.Walk(func(n *Node) {
		switch n.Type {
		case CommentNode:
			out = append(out, Violation{
				RuleID: "markup-comment", Subject: n.label(), Location: n.location(),
				Reason: "comments are not allowed inside the region",
			})
		case ElementNode:
			out = append(out, checkTag(n, p)...)
			out = append(out, checkAttributes(n, p)...)
		}
	})
	return out
}

func checkTag(n *Node, p *Policy) []Violation {
	if id, ok := p.forbiddenTags[n.Tag]; ok {
		return []Violation{{RuleID: id, Subject: n.label(), Location: n.location(),
			Reason: fmt.Sprintf("<%s> is forbidden", n.Tag)}}
	}
	if _, ok := p.allowedTags[n.Tag]; !ok {
		return []Violation{{RuleID: string(KindAllowedTag), Subject: n.label(), Location: n.location(),
			Reason: fmt.Sprintf("<%s> is not in the allowed tag set", n.Tag)}}
	}
	return nil
}

func checkAttributes(n *Node, p *Policy) []Violation {
	var out []Violation
	for _, a := range n.Attrs {
		subject := fmt.Sprintf("<%s %s=%q>", n.Tag, a.Name, truncate(a.Value, 60))
		norm := normalizeURL(a.Value)
		for _, ap := range p.attrPatterns {
			target := a.Name
			if ap.value {
				target = norm
			}
			if ap.re.MatchString(target) {
				reason := ap.desc
				if reason == "" {
					reason = fmt.Sprintf("attribute matches forbidden pattern %q", ap.re.String())
				}
				out = append(out, Violation{RuleID: ap.id, Subject: subject, Location: n.location(), Reason: reason})
			}
		}
		// Link and image targets are checked by the link/image enforcer.
		switch {
		case a.Name == "srcset":
			for _, u := range srcsetURLs(a.Value) {
				if v, bad := checkScheme(p, u); bad {
					out = append(out, Violation{RuleID: string(KindAllowedURLScheme), Subject: subject,
						Location: n.location(), Reason: v})
				}
			}
		case isURLAttr(a.Name) && !isLinkOrImageTarget(n.Tag, a.Name):
			if v, bad := checkScheme(p, a.Value); bad {
				out = append(out, Violation{RuleID: string(KindAllowedURLScheme), Subject: subject,
					Location: n.location(), Reason: v})
			}
		}
		if a.Name == "style" {
			out = append(out, checkInlineStyle(n, a.Value, p)...)
		}
	}
	return out
}

const ruleInlineStyle = "inline-style"

func checkInlineStyle(n *Node, value string, p *Policy) []Violation {
	// The declaration parser loses a final url() value that has no
	// terminating semicolon.
	decls, err := parser.ParseDeclarations(strings.TrimRight(value, "; \t\n\r\f") + ";")
	if err != nil {
		return []Violation{{RuleID: ruleInlineStyle, Subject: truncate(value, 60), Location: n.location(),
			Reason: fmt.Sprintf("style attribute does not parse: %v", err)}}
	}
	var out []Violation
	for _, d := range decls {
		if reason, bad := checkDeclaration(p, d.Property, d.Value); bad {
			out = append(out, Violation{RuleID: ruleInlineStyle, Subject: d.Property + ": " + truncate(d.Value, 60),
				Location: n.location(), Reason: reason})
		}
	}
	if len(out) == 0 {
		// Whatever the parser dropped is still scanned as a whole.
		if reason, bad := checkDeclaration(p, "", value); bad {
			out = append(out, Violation{RuleID: ruleInlineStyle, Subject: truncate(value, 60),
				Location: n.location(), Reason: reason})
		}
	}
	return out
}

// srcsetURLs returns the URL of every image candidate in a srcset value.
// A URL runs up to whitespace; trailing commas end the candidate early,
// otherwise its descriptors run to the next comma outside parentheses.
func srcsetURLs(v string) []string {
	var urls []string
	for {
		v = strings.TrimLeft(v, " \t\n\r\f,")
		if v == "" {
			return urls
		}
		end := strings.IndexAny(v, " \t\n\r\f")
		if end < 0 {
			end = len(v)
		}
		u := v[:end]
		v = v[end:]
		if strings.HasSuffix(u, ",") {
			urls = append(urls, strings.TrimRight(u, ","))
			continue
		}
		urls = append(urls, u)
		v = skipDescriptors(v)
	}
}

func skipDescriptors(v string) string {
	depth := 0
	for i := 0; i < len(v); i++ {
		switch v[i] {
		case '(':
			depth++
		case ')':
			if depth > 0 {
				depth--
			}
		case ',':
			if depth == 0 {
				return v[i:]
			}
		}
	}
	return ""
}

// checkScheme reports whether raw uses a scheme outside the policy's
// allowed set. Relative references are rejected too: every URL in the
// region must be absolute.
func checkScheme(p *Policy, raw string) (string, bool) {
	norm := normalizeURL(raw)
	scheme, _, ok := strings.Cut(norm, ":")
	if !ok || strings.ContainsAny(scheme, "/?#") {
		return fmt.Sprintf("URL %q is not absolute", truncate(raw, 60)), true
	}
	if _, allowed := p.schemes[scheme]; !allowed {
		return fmt.Sprintf("URL scheme %q is not allowed", scheme), true
	}
	if !strings.HasPrefix(norm, scheme+"://") {
		return fmt.Sprintf("URL %q has no authority", truncate(raw, 60)), true
	}
	return "", false
}

// normalizeURL lower-cases raw and strips whitespace and control
// characters, which browsers ignore inside schemes ("java\tscript:").
func normalizeURL(raw string) string {
	return strings.Map(func(r rune) rune {
		if r <= 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, strings.ToLower(raw))
}

var urlAttrs = map[string]bool{
	"href": true, "src": true, "srcset": true, "cite": true, "poster": true,
	"background": true, "longdesc": true, "usemap": true, "data": true,
	"action": true, "formaction": true, "xlink:href": true,
}

func isURLAttr(name string) bool { return urlAttrs[name] }

func isLinkOrImageTarget(tag, attr string) bool {
	return (tag == "a" && attr == "href") || (tag == "img" && attr == "src")
}

func isVoidElement(tag string) bool {
	switch atom.Lookup([]byte(tag)) {
	case atom.Area, atom.Base, atom.Br, atom.Col, atom.Embed, atom.Hr, atom.Img, atom.Input,
		atom.Link, atom.Meta, atom.Param, atom.Source, atom.Track, atom.Wbr:
		return true
	}
	return false
}

// isForeignRoot reports whether tag opens SVG or MathML content, where
// self-closing syntax is legal on any element.
func isForeignRoot(tag string) bool { return tag == "svg" || tag == "math" }

func inForeignContent(stack []*Node) bool {
	for _, n := range stack {
		if isForeignRoot(n.Tag) {
			return true
		}
	}
	return false
}

func isRawText(tag string) bool {
	switch atom.Lookup([]byte(tag)) {
	case atom.Script, atom.Style, atom.Textarea, atom.Title, atom.Xmp, atom.Iframe, atom.Noembed,
		atom.Noframes, atom.Noscript, atom.Plaintext:
		return true
	}
	return false
}

// positioner maps byte offsets in a fragment to 1-based line/column.
type positioner struct {
	lineStarts []int
}

func newPositioner(s string) positioner {
	starts := []int{0}
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			starts = append(starts, i+1)
		}
	}
	return positioner{lineStarts: starts}
}

func (p positioner) at(offset int) (line, col int) {
	line = 1
	for i, start := range p.lineStarts {
		if start > offset {
			break
		}
		line = i + 1
	}
	return line, offset - p.lineStarts[line-1] + 1
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
