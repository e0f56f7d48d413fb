package chaosguard

import (
	"errors"
	"html"
	"slices"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
)

// Decision is the outcome of a validation run.
type Decision string

const (
	Accept   Decision = "accept"
	Reject   Decision = "reject"
	Fallback Decision = "fallback"
)

// Rule identifiers used for fatal conditions.
const (
	RuleMarkerError    = "marker-error"
	RuleOutOfScopeEdit = "out-of-scope-edit"
	RuleParseError     = "parse-error"
)

// Violation is one policy finding: the rule that fired, the offending
// node or text, where it was found and why it was rejected.
type Violation struct {
	RuleID   string `json:"rule_id" yaml:"rule_id"`
	Subject  string `json:"subject" yaml:"subject"`
	Location string `json:"location,omitempty" yaml:"location,omitempty"`
	Reason   string `json:"reason" yaml:"reason"`
}

// ValidationResult is returned to the caller of Validate. Violations
// holds every finding of the run regardless of the decision.
type ValidationResult struct {
	Decision   Decision    `json:"decision"`
	Violations []Violation `json:"violations"`
	Size       Size        `json:"size"`
	Region     Region      `json:"region"`
	// Err is the fatal error that aborted the run, if any.
	Err error `json:"-"`
}

// AuditRecord is the immutable summary of one validation run.
type AuditRecord struct {
	ID             string      `json:"id"`
	Seq            uint64      `json:"seq"`
	Time           time.Time   `json:"time"`
	Path           string      `json:"path,omitempty"`
	Target         TargetKind  `json:"target"`
	Markers        string      `json:"markers"`
	RequestExcerpt string      `json:"request_excerpt,omitempty"`
	Decision       Decision    `json:"decision"`
	Violations     []Violation `json:"violations"`
	Size           Size        `json:"size"`
	Abort          string      `json:"abort,omitempty"`
}

// reportInput carries everything the reporter aggregates.
type reportInput struct {
	id     string
	seq    uint64
	now    time.Time
	req    Request
	region Region
	fatal  error
	policy []Violation
	size   Size
	oversz []Violation
}

// report turns the component findings into a decision. Any fatal error or
// policy violation rejects; otherwise an oversize flag falls back;
// otherwise the mutation is accepted.
func report(in reportInput) (ValidationResult, AuditRecord) {
	var violations []Violation
	if in.fatal != nil {
		violations = append(violations, Violation{RuleID: fatalRuleID(in.fatal), Subject: in.req.path(), Reason: in.fatal.Error()})
	}
	violations = append(violations, in.policy...)
	violations = append(violations, in.oversz...)

	decision := Accept
	switch {
	case in.fatal != nil || len(in.policy) > 0:
		decision = Reject
	case len(in.oversz) > 0:
		decision = Fallback
	}

	res := ValidationResult{
		Decision:   decision,
		Violations: violations,
		Size:       in.size,
		Region:     in.region,
		Err:        in.fatal,
	}
	rec := AuditRecord{
		ID:             in.id,
		Seq:            in.seq,
		Time:           in.now,
		Path:           in.req.path(),
		Target:         in.req.Mutation.Target,
		Markers:        in.req.Markers,
		RequestExcerpt: Excerpt(in.req.Mutation.Request, excerptLen),
		Decision:       decision,
		Violations:     slices.Clone(violations),
		Size:           in.size,
	}
	if in.fatal != nil {
		rec.Abort = in.fatal.Error()
	}
	return res, rec
}

func fatalRuleID(err error) string {
	switch {
	case errors.Is(err, ErrMarker):
		return RuleMarkerError
	case errors.Is(err, ErrOutOfScope):
		return RuleOutOfScopeEdit
	default:
		return RuleParseError
	}
}

const excerptLen = 200

var excerptPolicy = bluemonday.StrictPolicy()

// Excerpt reduces untrusted request text to at most n runes of plain
// text, suitable for audit logs and PR descriptions.
func Excerpt(request string, n int) string {
	text := html.UnescapeString(excerptPolicy.Sanitize(request))
	return truncate(strings.Join(strings.Fields(text), " "), n)
}
