package chaosguard

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// RuleKind classifies a PolicyRule.
type RuleKind string

const (
	KindAllowedTag                RuleKind = "allowed-tag"
	KindForbiddenTag              RuleKind = "forbidden-tag"
	KindRequiredAttribute         RuleKind = "required-attribute"
	KindForbiddenAttributePattern RuleKind = "forbidden-attribute-pattern"
	KindAllowedURLScheme          RuleKind = "allowed-url-scheme"
	KindSelectorPrefix            RuleKind = "selector-prefix-requirement"
	KindBannedContent             RuleKind = "banned-content-pattern"
	KindMaxDiffSize               RuleKind = "max-diff-size"
	KindMaxNodes                  RuleKind = "max-nodes"
	KindAllowedPath               RuleKind = "allowed-path"
)

// Attribute pattern match targets for KindForbiddenAttributePattern.
const (
	MatchName  = "name"
	MatchValue = "value"
)

// PolicyRule is one declarative constraint. The meaning of the fields
// depends on Kind:
//
//   - allowed-tag, forbidden-tag: Value is the tag name.
//   - required-attribute: Tag and Attribute name the attribute; Value, when
//     set, is a token that must appear in the attribute's value. An empty
//     Value requires the attribute to be present and non-empty.
//   - forbidden-attribute-pattern: Value is a case-insensitive regexp
//     matched against the attribute name or, with Match "value", against
//     the normalized attribute value.
//   - allowed-url-scheme: Value is the scheme without the colon.
//   - selector-prefix-requirement: Value is the scoping prefix every
//     stylesheet selector must start with.
//   - banned-content-pattern: Value is a case-insensitive regexp; Category
//     groups patterns for reporting.
//   - max-diff-size, max-nodes: Limit is the ceiling.
//   - allowed-path: Value is a file path that may be mutated.
type PolicyRule struct {
	ID          string   `yaml:"id" json:"id"`
	Kind        RuleKind `yaml:"kind" json:"kind"`
	Value       string   `yaml:"value,omitempty" json:"value,omitempty"`
	Tag         string   `yaml:"tag,omitempty" json:"tag,omitempty"`
	Attribute   string   `yaml:"attribute,omitempty" json:"attribute,omitempty"`
	Match       string   `yaml:"match,omitempty" json:"match,omitempty"`
	Limit       int      `yaml:"limit,omitempty" json:"limit,omitempty"`
	Category    string   `yaml:"category,omitempty" json:"category,omitempty"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
}

type requirement struct {
	id    string
	attr  string
	token string
	desc  string
}

type attrPattern struct {
	id    string
	value bool
	re    *regexp.Regexp
	desc  string
}

type bannedPattern struct {
	id       string
	category string
	re       *regexp.Regexp
}

type limit struct {
	id string
	n  int
}

// Policy is the compiled, immutable form of a PolicyRule set. It is built
// once at startup and shared read-only by every validation run; all
// methods are safe for concurrent use.
type Policy struct {
	rules   []PolicyRule
	markers map[string]Markers

	allowedTags   map[string]string
	forbiddenTags map[string]string
	required      map[string][]requirement
	attrPatterns  []attrPattern
	schemes       map[string]string
	prefixes      []string
	prefixID      string
	banned        []bannedPattern
	maxDiff       limit
	maxNodes      limit
	paths         map[string]string
}

// NewPolicy validates and compiles rules. Rule IDs must be unique and
// every pattern must compile. Markers default to DefaultMarkers when none
// are given.
func NewPolicy(rules []PolicyRule, markers ...Markers) (*Policy, error) {
	p := &Policy{
		rules:         slices.Clone(rules),
		markers:       make(map[string]Markers),
		allowedTags:   make(map[string]string),
		forbiddenTags: make(map[string]string),
		required:      make(map[string][]requirement),
		schemes:       make(map[string]string),
		paths:         make(map[string]string),
	}
	if len(markers) == 0 {
		markers = DefaultMarkers()
	}
	for _, m := range markers {
		if err := m.validate(); err != nil {
			return nil, err
		}
		if _, dup := p.markers[m.ID]; dup {
			return nil, fmt.Errorf("chaosguard: duplicate marker pair %q", m.ID)
		}
		p.markers[m.ID] = m
	}

	seen := make(map[string]bool, len(rules))
	for i, r := range rules {
		if r.ID == "" {
			return nil, fmt.Errorf("chaosguard: rule %d (%s) has no id", i, r.Kind)
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("chaosguard: duplicate rule id %q", r.ID)
		}
		seen[r.ID] = true
		if err := p.add(r); err != nil {
			return nil, fmt.Errorf("chaosguard: rule %q: %w", r.ID, err)
		}
	}
	if len(p.prefixes) == 0 {
		return nil, fmt.Errorf("chaosguard: policy needs at least one %s rule", KindSelectorPrefix)
	}
	return p, nil
}

func (p *Policy) add(r PolicyRule) error {
	switch r.Kind {
	case KindAllowedTag:
		if r.Value == "" {
			return fmt.Errorf("tag name is required")
		}
		p.allowedTags[strings.ToLower(r.Value)] = r.ID
	case KindForbiddenTag:
		if r.Value == "" {
			return fmt.Errorf("tag name is required")
		}
		p.forbiddenTags[strings.ToLower(r.Value)] = r.ID
	case KindRequiredAttribute:
		if r.Tag == "" || r.Attribute == "" {
			return fmt.Errorf("tag and attribute are required")
		}
		tag := strings.ToLower(r.Tag)
		p.required[tag] = append(p.required[tag], requirement{
			id:    r.ID,
			attr:  strings.ToLower(r.Attribute),
			token: strings.ToLower(r.Value),
			desc:  r.Description,
		})
	case KindForbiddenAttributePattern:
		re, err := regexp.Compile("(?i)" + r.Value)
		if err != nil {
			return err
		}
		switch r.Match {
		case "", MatchName, MatchValue:
		default:
			return fmt.Errorf("match must be %q or %q", MatchName, MatchValue)
		}
		p.attrPatterns = append(p.attrPatterns, attrPattern{
			id: r.ID, value: r.Match == MatchValue, re: re, desc: r.Description,
		})
	case KindAllowedURLScheme:
		s := strings.TrimSuffix(strings.ToLower(r.Value), ":")
		if s == "" {
			return fmt.Errorf("scheme is required")
		}
		p.schemes[s] = r.ID
	case KindSelectorPrefix:
		if r.Value == "" {
			return fmt.Errorf("prefix is required")
		}
		p.prefixes = append(p.prefixes, r.Value)
		if p.prefixID == "" {
			p.prefixID = r.ID
		}
	case KindBannedContent:
		re, err := regexp.Compile("(?i)" + r.Value)
		if err != nil {
			return err
		}
		p.banned = append(p.banned, bannedPattern{id: r.ID, category: r.Category, re: re})
	case KindMaxDiffSize:
		if r.Limit <= 0 {
			return fmt.Errorf("limit must be positive")
		}
		p.maxDiff = limit{id: r.ID, n: r.Limit}
	case KindMaxNodes:
		if r.Limit <= 0 {
			return fmt.Errorf("limit must be positive")
		}
		p.maxNodes = limit{id: r.ID, n: r.Limit}
	case KindAllowedPath:
		if r.Value == "" {
			return fmt.Errorf("path is required")
		}
		p.paths[r.Value] = r.ID
	default:
		return fmt.Errorf("unknown kind %q", r.Kind)
	}
	return nil
}

// Rules returns a copy of the rules the policy was compiled from.
func (p *Policy) Rules() []PolicyRule { return slices.Clone(p.rules) }

// Markers returns the marker pair registered under id.
func (p *Policy) Markers(id string) (Markers, bool) {
	m, ok := p.markers[id]
	return m, ok
}

// MarkerPairs returns every registered marker pair, sorted by ID.
func (p *Policy) MarkerPairs() []Markers {
	out := make([]Markers, 0, len(p.markers))
	for _, m := range p.markers {
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b Markers) int { return strings.Compare(a.ID, b.ID) })
	return out
}

func (p *Policy) pathAllowed(path string) bool {
	if len(p.paths) == 0 {
		return true
	}
	_, ok := p.paths[path]
	return ok
}

// DefaultMarkers returns the marker pairs used by the chaos board page and
// its stylesheet.
func DefaultMarkers() []Markers {
	return []Markers{
		{ID: "markup", Target: TargetMarkup, Start: "<!-- CHAOS_START -->", End: "<!-- CHAOS_END -->"},
		{ID: "stylesheet", Target: TargetStylesheet, Start: "/* CHAOS_START */", End: "/* CHAOS_END */"},
	}
}

// DefaultPolicy compiles DefaultRules with DefaultMarkers.
func DefaultPolicy() *Policy {
	p, err := NewPolicy(DefaultRules())
	if err != nil {
		panic(err)
	}
	return p
}

var defaultAllowedTags = []string{
	"h1", "h2", "h3", "h4", "h5", "h6",
	"p", "br", "hr",
	"b", "i", "em", "strong", "u", "s", "del", "ins", "small", "mark",
	"a", "img",
	"ul", "ol", "li",
	"table", "thead", "tbody", "tr", "th", "td",
	"code", "pre", "kbd",
	"blockquote", "cite", "q",
	"figure", "figcaption",
	"div", "span", "section", "article", "header", "footer",
	"details", "summary",
	"abbr", "sup", "sub",
}

var defaultForbiddenTags = []string{
	"script", "iframe", "embed", "object", "form", "input", "svg",
	"style", "link", "meta", "base", "math", "frame", "frameset",
	"textarea", "button", "select", "template", "noscript", "applet",
}

// DefaultRules returns the rule set for the chaos board: a conservative
// tag allowlist, https-only links and images with the required link
// bundle, .chaos-region scoped selectors, and a small denylist.
func DefaultRules() []PolicyRule {
	var rules []PolicyRule
	for _, t := range defaultAllowedTags {
		rules = append(rules, PolicyRule{ID: "allow-" + t, Kind: KindAllowedTag, Value: t})
	}
	for _, t := range defaultForbiddenTags {
		rules = append(rules, PolicyRule{ID: "forbid-" + t, Kind: KindForbiddenTag, Value: t})
	}
	rules = append(rules,
		PolicyRule{ID: "link-target-blank", Kind: KindRequiredAttribute, Tag: "a", Attribute: "target", Value: "_blank",
			Description: `external links must open in a new tab (target="_blank")`},
		PolicyRule{ID: "link-rel-nofollow", Kind: KindRequiredAttribute, Tag: "a", Attribute: "rel", Value: "nofollow"},
		PolicyRule{ID: "link-rel-noopener", Kind: KindRequiredAttribute, Tag: "a", Attribute: "rel", Value: "noopener"},
		PolicyRule{ID: "link-rel-noreferrer", Kind: KindRequiredAttribute, Tag: "a", Attribute: "rel", Value: "noreferrer"},
		PolicyRule{ID: "image-alt", Kind: KindRequiredAttribute, Tag: "img", Attribute: "alt",
			Description: "images must include non-empty alternative text"},

		PolicyRule{ID: "attr-event-handler", Kind: KindForbiddenAttributePattern, Value: `^on`, Match: MatchName,
			Description: "inline event handler attributes are not allowed"},
		PolicyRule{ID: "attr-dangerous-name", Kind: KindForbiddenAttributePattern,
			Value: `^(srcdoc|formaction|action|http-equiv|xmlns(:.*)?|xlink:.*)$`, Match: MatchName,
			Description: "attribute can load or execute content"},
		PolicyRule{ID: "attr-javascript-url", Kind: KindForbiddenAttributePattern, Value: `^javascript:`, Match: MatchValue,
			Description: "javascript: URLs are not allowed"},
		PolicyRule{ID: "attr-vbscript-url", Kind: KindForbiddenAttributePattern, Value: `^vbscript:`, Match: MatchValue,
			Description: "vbscript: URLs are not allowed"},

		PolicyRule{ID: "scheme-https", Kind: KindAllowedURLScheme, Value: "https"},

		PolicyRule{ID: "selector-scope", Kind: KindSelectorPrefix, Value: ".chaos-region"},

		PolicyRule{ID: "harass-self-harm", Kind: KindBannedContent, Category: "harassment", Value: `\b(kys|kill\s+yourself)\b`},
		PolicyRule{ID: "harass-insult", Kind: KindBannedContent, Category: "harassment", Value: `\byou\s+(are|r)\s+(an?\s+)?(idiot|loser|moron|worthless)\b`},
		PolicyRule{ID: "phish-seed-phrase", Kind: KindBannedContent, Category: "phishing", Value: `\b(seed|recovery|secret)\s+phrase\b`},
		PolicyRule{ID: "phish-connect-wallet", Kind: KindBannedContent, Category: "phishing", Value: `\bconnect\s+(your\s+)?wallet\b`},
		PolicyRule{ID: "phish-claim-airdrop", Kind: KindBannedContent, Category: "phishing", Value: `\bclaim\s+(your\s+)?(free\s+)?(airdrop|tokens?|nfts?)\b`},
		PolicyRule{ID: "phish-verify-account", Kind: KindBannedContent, Category: "phishing", Value: `\bverify\s+your\s+(account|wallet|identity)\b`},
		PolicyRule{ID: "drainer-approval", Kind: KindBannedContent, Category: "drainer", Value: `\b(setApprovalForAll|increaseAllowance|eth_sign)\b`},
		PolicyRule{ID: "track-google", Kind: KindBannedContent, Category: "tracking", Value: `(google-analytics\.com|googletagmanager\.com)`},
		PolicyRule{ID: "track-facebook", Kind: KindBannedContent, Category: "tracking", Value: `(connect\.facebook\.net|facebook\.com/tr\b)`},
		PolicyRule{ID: "track-doubleclick", Kind: KindBannedContent, Category: "tracking", Value: `doubleclick\.net`},
		PolicyRule{ID: "track-utm", Kind: KindBannedContent, Category: "tracking", Value: `[?&]utm_(source|medium|campaign|term|content)=`},

		PolicyRule{ID: "max-diff", Kind: KindMaxDiffSize, Limit: 2000},
		PolicyRule{ID: "max-nodes", Kind: KindMaxNodes, Limit: 200},

		PolicyRule{ID: "path-index", Kind: KindAllowedPath, Value: "chaos-board/index.html"},
		PolicyRule{ID: "path-stylesheet", Kind: KindAllowedPath, Value: "chaos-board/assets/chaos.css"},
	)
	return rules
}
