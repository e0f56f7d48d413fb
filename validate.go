package chaosguard

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Request is one validation job: a Document, the ID of the marker pair
// delimiting its Region, and the proposed Mutation. ChangedFiles, when
// set, lists every file the change set touches; each must be allowed by
// the policy's allowed-path rules.
type Request struct {
	Document     Document
	Markers      string
	Mutation     Mutation
	ChangedFiles []string
}

func (r Request) path() string {
	if r.Mutation.Path != "" {
		return r.Mutation.Path
	}
	return r.Document.Path
}

// Validator runs the validation pipeline against one immutable Policy.
// A Validator is safe for concurrent use; the only state it mutates is
// the audit sequence counter.
type Validator struct {
	policy *Policy
	now    func() time.Time
	newID  func() string
	seq    atomic.Uint64
}

// Option configures a Validator.
type Option func(*Validator)

// WithClock replaces time.Now for audit timestamps.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

// WithIDGenerator replaces the UUIDv7 audit record ID generator.
func WithIDGenerator(gen func() string) Option {
	return func(v *Validator) { v.newID = gen }
}

// NewValidator returns a Validator for p. If p is nil, DefaultPolicy is
// used.
func NewValidator(p *Policy, opts ...Option) *Validator {
	if p == nil {
		p = DefaultPolicy()
	}
	v := &Validator{policy: p, now: time.Now, newID: newRecordID}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Policy returns the policy the validator enforces.
func (v *Validator) Policy() *Policy { return v.policy }

func newRecordID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Validate runs the full pipeline for req. It never returns without an
// AuditRecord: fatal conditions (marker, scope and parse errors) reject
// the mutation and are reported in both the result and the record.
func (v *Validator) Validate(req Request) (ValidationResult, AuditRecord) {
	in := v.begin(req)
	p := v.policy

	m, ok := p.Markers(req.Markers)
	if !ok {
		in.fatal = &MarkerError{Reason: fmt.Sprintf("unknown marker pair %q", req.Markers)}
		return report(in)
	}
	region, err := CheckScope(p, req.Document, m, req.Mutation)
	in.region = region
	if err != nil {
		in.fatal = err
		return report(in)
	}

	mut := req.Mutation
	in.size = MeasureChange(region.Interior(req.Document), mut.Replacement)
	switch mut.Target {
	case TargetMarkup:
		root, err := ParseFragment(mut.Replacement)
		if err != nil {
			in.fatal = err
			return report(in)
		}
		in.size.Units = root.Count()
		in.policy = append(in.policy, checkStructure(root, p)...)
		in.policy = append(in.policy, checkLinks(root, p)...)
		in.policy = append(in.policy, checkContent(root, nil, p)...)
	case TargetStylesheet:
		rules, err := ParseStylesheet(mut.Replacement)
		if err != nil {
			in.fatal = err
			return report(in)
		}
		in.size.Units = len(rules)
		in.policy = append(in.policy, checkSelectors(rules, p)...)
		in.policy = append(in.policy, checkContent(nil, rules, p)...)
	}
	in.oversz = oversize(in.size, p)
	return report(in)
}

// RevisionRequest describes a change between two revisions of one file.
type RevisionRequest struct {
	Base, Head   Document
	Markers      string
	Request      string
	ChangedFiles []string
}

// ValidateRevisions validates the change that turns Base into Head. A
// change outside the marked region, or a revision whose markers are
// broken, rejects the whole change.
func (v *Validator) ValidateRevisions(rr RevisionRequest) (ValidationResult, AuditRecord) {
	m, ok := v.policy.Markers(rr.Markers)
	if !ok {
		return v.Validate(Request{Document: rr.Base, Markers: rr.Markers, ChangedFiles: rr.ChangedFiles})
	}
	mut, err := MutationFromRevisions(rr.Base, rr.Head, m)
	if err != nil {
		in := v.begin(Request{
			Document:     rr.Head,
			Markers:      rr.Markers,
			Mutation:     Mutation{Target: m.Target, Path: rr.Head.Path, Request: rr.Request},
			ChangedFiles: rr.ChangedFiles,
		})
		in.fatal = err
		return report(in)
	}
	mut.Request = rr.Request
	return v.Validate(Request{Document: rr.Base, Markers: rr.Markers, Mutation: mut, ChangedFiles: rr.ChangedFiles})
}

func (v *Validator) begin(req Request) reportInput {
	return reportInput{
		id:     v.newID(),
		seq:    v.seq.Add(1),
		now:    v.now(),
		req:    req,
		policy: CheckChangedFiles(v.policy, req.ChangedFiles),
	}
}

// Outcome pairs the result and audit record of one request.
type Outcome struct {
	Result ValidationResult
	Record AuditRecord
}

// ValidateAll validates independent requests in parallel. Outcomes are
// returned in request order.
func (v *Validator) ValidateAll(reqs []Request) []Outcome {
	out := make([]Outcome, len(reqs))
	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, rec := v.Validate(req)
			out[i] = Outcome{Result: res, Record: rec}
		}()
	}
	wg.Wait()
	return out
}
