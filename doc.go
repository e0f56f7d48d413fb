// Package chaosguard validates proposed edits to the marked region of a
// publicly served HTML page and its stylesheet.
//
// # Overview
//
// A chaos board page carries one editable region delimited by a marker
// pair (<!-- CHAOS_START --> / <!-- CHAOS_END --> in the markup,
// /* CHAOS_START */ / /* CHAOS_END */ in the stylesheet). An upstream
// proposer turns free-text requests into a [Mutation] that replaces the
// region's interior. chaosguard decides whether that Mutation may reach
// the served document.
//
// A run goes through these stages:
//   - Region extraction ([Locate], [CheckScope]): exactly one start and one
//     end marker, in order, and the Mutation must replace exactly the
//     interior of the region.
//   - Structure ([ParseFragment]): the fragment is parsed strictly with the
//     golang.org/x/net/html tokenizer. Malformed markup fails closed.
//     Disallowed tags and attributes are reported one per node.
//   - Selectors ([ParseStylesheet]): every selector must start with the
//     scoping prefix and contain no bare element or universal compound.
//   - Links and images: https only, with the required attribute bundle.
//   - Content: text and attribute values are matched against a denylist.
//   - Size ([MeasureChange]): oversized changes yield [Fallback] so the
//     proposer can try a smaller one.
//
// All findings are collected before the decision is made. Every run yields
// an [AuditRecord]; the auditlog package stores them in SQLite.
//
// [Validator.ValidateRevisions] derives the Mutation from a base and head
// revision of the file and rejects changes outside the region.
//
// # Policies
//
// A [Policy] is compiled once from a list of [PolicyRule] values and is
// never mutated afterwards. [DefaultPolicy] covers the chaos board; the
// policyfile package loads overrides from YAML.
//
// # Thread Safety
//
// [Validator.Validate] is safe for concurrent use. [Validator.ValidateAll]
// validates independent requests in parallel against the same Policy.
//
// # Example
//
//	v := chaosguard.NewValidator(chaosguard.DefaultPolicy())
//	res, rec := v.Validate(req)
//	if res.Decision != chaosguard.Accept {
//		log.Printf("rejected %s: %v", rec.ID, res.Violations)
//	}
package chaosguard
