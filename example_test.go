package chaosguard_test

import (
	"fmt"

	"github.com/njchilds90/chaosguard"
)

func ExampleValidator_Validate() {
	doc := chaosguard.Document{
		Path:    "chaos-board/index.html",
		Content: "<main><!-- CHAOS_START --><p>old</p><!-- CHAOS_END --></main>",
	}
	m, _ := chaosguard.DefaultPolicy().Markers("markup")
	r, _ := chaosguard.Locate(doc, m)

	v := chaosguard.NewValidator(chaosguard.DefaultPolicy())
	res, _ := v.Validate(chaosguard.Request{
		Document: doc,
		Markers:  "markup",
		Mutation: chaosguard.Mutation{
			Target:      chaosguard.TargetMarkup,
			Start:       r.Start,
			End:         r.End,
			Replacement: `<p>new</p><script>alert(1)</script>`,
		},
	})
	fmt.Println(res.Decision)
	for _, viol := range res.Violations {
		fmt.Println(viol.RuleID, viol.Subject)
	}
	// Output:
	// reject
	// forbid-script <script>
}

func ExampleMeasureChange() {
	s := chaosguard.MeasureChange("<p>hello world</p>", "<p>hello chaos</p>")
	fmt.Println(s.Removed, s.Inserted, s.Changed)
	// Output: 5 5 5
}

func ExampleExcerpt() {
	fmt.Println(chaosguard.Excerpt("make it <b>sparkle</b>\n\nplease", 40))
	// Output: make it sparkle please
}
