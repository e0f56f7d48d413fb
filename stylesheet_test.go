package chaosguard_test

import (
	"errors"
	"reflect"
	"testing"

	"github.com/njchilds90/chaosguard"
)

func TestValidate_BareElementSelector(t *testing.T) {
	v := chaosguard.NewValidator(nil)
	res, _ := v.Validate(stylesheetRequest(t, `body { color: red; }`))
	if res.Decision != chaosguard.Reject {
		t.Fatalf("decision = %s", res.Decision)
	}
	if got := ruleIDs(res.Violations); !reflect.DeepEqual(got, []string{"selector-bare-element"}) {
		t.Errorf("rule ids = %v", got)
	}
}

func TestValidate_Selectors(t *testing.T) {
	v := chaosguard.NewValidator(nil)
	cases := []struct {
		css  string
		want []string
	}{
		{`.chaos-region { color: red; }`, nil},
		{`.chaos-region .card, .chaos-region div.card:hover { color: red; }`, nil},
		{`.chaos-region:hover .x > .y + .z ~ .w { color: red; }`, nil},
		{`.chaos-region [data-x="a, b"] { color: red; }`, nil},
		{`.chaos-region::after { content: "!"; }`, nil},
		{`.chaos-region h1 { color: red; }`, []string{"selector-bare-element"}},
		{`.chaos-region > p:hover { color: red; }`, []string{"selector-bare-element"}},
		{`.chaos-region * { color: red; }`, []string{"selector-bare-element"}},
		{`* { color: red; }`, []string{"selector-bare-element"}},
		{`.other { color: red; }`, []string{"selector-scope"}},
		{`.chaos-regionx { color: red; }`, []string{"selector-scope"}},
		{`#main .chaos-region { color: red; }`, []string{"selector-scope"}},
		{`.chaos-region .ok, p, .nope { color: red; }`, []string{"selector-bare-element", "selector-scope"}},
		{`.chaos-region :is(h1, h2) { color: red; }`, nil},
		{`.chaos-region ~ #site-header { display: none; }`, []string{"selector-scope"}},
		{`.chaos-region ~ .site-nav { display: none; }`, []string{"selector-scope"}},
		{`.chaos-region+.x { color: red; }`, []string{"selector-scope"}},
		{`.chaos-region.wide + .footer { color: red; }`, []string{"selector-scope"}},
		{`.chaos-region .a ~ .b { color: red; }`, nil},
	}
	for _, tc := range cases {
		res, _ := v.Validate(stylesheetRequest(t, tc.css))
		if got := ruleIDs(res.Violations); len(got) != len(tc.want) || (len(got) > 0 && !reflect.DeepEqual(got, tc.want)) {
			t.Errorf("%s: rule ids = %v, want %v", tc.css, got, tc.want)
		}
	}
}

func TestValidate_BadRuleDoesNotBlockOthers(t *testing.T) {
	v := chaosguard.NewValidator(nil)
	res, _ := v.Validate(stylesheetRequest(t, `
body { color: red; }
.chaos-region .ok { color: blue; }
html { margin: 0; }
.chaos-region .bg { background: url(http://tracker.example/p.gif); }
`))
	want := []string{"selector-bare-element", "selector-bare-element", "stylesheet-declaration"}
	if got := ruleIDs(res.Violations); !reflect.DeepEqual(got, want) {
		t.Errorf("rule ids = %v, want %v", got, want)
	}
}

func TestValidate_StylesheetURLs(t *testing.T) {
	v := chaosguard.NewValidator(nil)
	cases := []struct {
		css    string
		reject bool
	}{
		{`.chaos-region .a { background: url(img/confetti.png); }`, false},
		{`.chaos-region .a { background: url("https://cdn.example.com/c.png"); }`, false},
		{`.chaos-region .a { background: url(http://cdn.example.com/c.png); }`, true},
		{`.chaos-region .a { background: url(//cdn.example.com/c.png); }`, true},
		{`.chaos-region .a { background: url("data:image/png;base64,AAAA"); }`, true},
		{`.chaos-region .a { width: expression(alert(1)); }`, true},
		{`.chaos-region .a { behavior: url(x.htc); }`, true},
		{`.chaos-region .a { background: URL(http://cdn.example.com/c.png); }`, true},
		{`.chaos-region .a { background: image-set(url(http://evil.example/x.png) 1x); }`, true},
		{`.chaos-region .a { background: image-set("https://ok.example/a.png" 1x, "http://evil.example/b.png" 2x); }`, true},
		{`.chaos-region .a { background: -webkit-image-set(url(https://ok.example/a.png) 1x, url(http://evil.example/b.png) 2x); }`, true},
		{`.chaos-region .a { background: image-set("https://ok.example/a.png" 1x, url(img/b.png) 2x); }`, false},
		{`.chaos-region .a { background: url(http://cdn.example.com/c.png) }`, true},
		{`@import "theme.css";`, false},
		{`@import url("https://cdn.example.com/theme.css");`, false},
		{`@import url("http://cdn.example.com/theme.css");`, true},
		{`@charset "utf-8";`, true},
	}
	for _, tc := range cases {
		res, _ := v.Validate(stylesheetRequest(t, tc.css))
		if got := res.Decision == chaosguard.Reject; got != tc.reject {
			t.Errorf("%s: decision = %s, violations = %+v", tc.css, res.Decision, res.Violations)
		}
	}
}

func TestValidate_NestedAtRules(t *testing.T) {
	v := chaosguard.NewValidator(nil)

	res, _ := v.Validate(stylesheetRequest(t, `@media (max-width: 600px) { .chaos-region .a { color: red; } body { color: red; } }`))
	if got := ruleIDs(res.Violations); !reflect.DeepEqual(got, []string{"selector-bare-element"}) {
		t.Errorf("media: rule ids = %v", got)
	}

	res, _ = v.Validate(stylesheetRequest(t,
		`@keyframes spin { from { transform: rotate(0deg); } to { transform: rotate(360deg); } } .chaos-region .s { animation: spin 2s; }`))
	if res.Decision != chaosguard.Accept {
		t.Errorf("keyframes: decision = %s, violations = %+v", res.Decision, res.Violations)
	}
}

func TestValidate_StylesheetDenylist(t *testing.T) {
	v := chaosguard.NewValidator(nil)
	res, _ := v.Validate(stylesheetRequest(t, `.chaos-region .x::after { content: "enter your seed phrase"; }`))
	if got := ruleIDs(res.Violations); !reflect.DeepEqual(got, []string{"phish-seed-phrase"}) {
		t.Errorf("rule ids = %v", got)
	}
}

func TestParseStylesheet_FailsClosed(t *testing.T) {
	for _, css := range []string{
		`.chaos-region { color: red;`,
		`.chaos-region { color: red; } }`,
		`.chaos-region { content: "unterminated; }`,
	} {
		_, err := chaosguard.ParseStylesheet(css)
		if !errors.Is(err, chaosguard.ErrParse) {
			t.Errorf("%q: err = %v, want ErrParse", css, err)
		}
	}
}

func TestParseStylesheet_Flattens(t *testing.T) {
	rules, err := chaosguard.ParseStylesheet(`.chaos-region .a, .chaos-region .b { color: red; margin: 0 !important; }
@media print { .chaos-region .c { display: none; } }`)
	if err != nil {
		t.Fatal(err)
	}
	if len(rules) != 3 {
		t.Fatalf("rules = %d, want 3", len(rules))
	}
	if !reflect.DeepEqual(rules[0].Selectors, []string{".chaos-region .a", ".chaos-region .b"}) {
		t.Errorf("selectors = %q", rules[0].Selectors)
	}
	if len(rules[0].Declarations) != 2 || !rules[0].Declarations[1].Important {
		t.Errorf("declarations = %+v", rules[0].Declarations)
	}
	if rules[1].AtRule != "@media" || rules[2].Context != "@media print" {
		t.Errorf("at-rule = %q, context = %q", rules[1].AtRule, rules[2].Context)
	}
}
