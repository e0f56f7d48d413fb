package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/njchilds90/chaosguard"
)

type validateOptions struct {
	document    string
	path        string
	markers     string
	target      string
	replacement string
	request     string
	start, end  int
	json        bool
}

func validateCmd(g *globalOptions) *cobra.Command {
	o := &validateOptions{}
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a replacement for the editable region of a document",
		Example: `  chaosguard validate --document chaos-board/index.html --replacement fragment.html
  echo '.chaos-region .x { color: red; }' | chaosguard validate --document chaos-board/assets/chaos.css --replacement -`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := g.loadPolicy()
			if err != nil {
				return err
			}
			doc, err := readDocument(cmd, o.document, o.path)
			if err != nil {
				return err
			}
			replacement, err := readInput(cmd, o.replacement)
			if err != nil {
				return err
			}

			markersID, target, err := resolveTarget(p, o.markers, o.target, doc.Path)
			if err != nil {
				return err
			}
			mut := chaosguard.Mutation{
				Target:      target,
				Path:        doc.Path,
				Replacement: replacement,
				Request:     o.request,
			}
			if cmd.Flags().Changed("start") || cmd.Flags().Changed("end") {
				mut.Start, mut.End = o.start, o.end
			} else if m, ok := p.Markers(markersID); ok {
				// Marker errors are reported by Validate.
				if r, err := chaosguard.Locate(doc, m); err == nil {
					mut.Start, mut.End = r.Start, r.End
				}
			}

			v := chaosguard.NewValidator(p)
			res, rec := v.Validate(chaosguard.Request{Document: doc, Markers: markersID, Mutation: mut})
			if err := g.record(cmd.Context(), rec); err != nil {
				return err
			}
			if err := printResult(cmd.OutOrStdout(), res, rec, o.json); err != nil {
				return err
			}
			return decisionErr(res.Decision)
		},
	}

	cmd.Flags().StringVarP(&o.document, "document", "d", "", "Document containing the marker pair (required)")
	cmd.Flags().StringVar(&o.path, "path", "", "Repository path of the document (default: --document as given)")
	cmd.Flags().StringVarP(&o.markers, "markers", "m", "", "Marker pair ID (default: derived from target)")
	cmd.Flags().StringVarP(&o.target, "target", "t", "", "markup or stylesheet (default: from markers or file extension)")
	cmd.Flags().StringVarP(&o.replacement, "replacement", "r", "", "File holding the replacement, or - for stdin (required)")
	cmd.Flags().StringVar(&o.request, "request", "", "Free-text request the edit was made for")
	cmd.Flags().IntVar(&o.start, "start", 0, "Start offset of the edit (default: located region)")
	cmd.Flags().IntVar(&o.end, "end", 0, "End offset of the edit (default: located region)")
	cmd.Flags().BoolVar(&o.json, "json", false, "Print the result as JSON")
	_ = cmd.MarkFlagRequired("document")
	_ = cmd.MarkFlagRequired("replacement")
	return cmd
}

type diffOptions struct {
	base, head string
	path       string
	markers    string
	request    string
	changed    []string
	json       bool
}

func diffCmd(g *globalOptions) *cobra.Command {
	o := &diffOptions{}
	cmd := &cobra.Command{
		Use:   "diff",
		Short: "Validate the change between a base and head revision of a document",
		Example: `  git show main:chaos-board/index.html > /tmp/base.html
  chaosguard diff --base /tmp/base.html --head chaos-board/index.html --path chaos-board/index.html \
    --changed chaos-board/index.html`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := g.loadPolicy()
			if err != nil {
				return err
			}
			head, err := readDocument(cmd, o.head, o.path)
			if err != nil {
				return err
			}
			base, err := readDocument(cmd, o.base, head.Path)
			if err != nil {
				return err
			}
			markersID, _, err := resolveTarget(p, o.markers, "", head.Path)
			if err != nil {
				return err
			}

			v := chaosguard.NewValidator(p)
			res, rec := v.ValidateRevisions(chaosguard.RevisionRequest{
				Base:         base,
				Head:         head,
				Markers:      markersID,
				Request:      o.request,
				ChangedFiles: o.changed,
			})
			if err := g.record(cmd.Context(), rec); err != nil {
				return err
			}
			if err := printResult(cmd.OutOrStdout(), res, rec, o.json); err != nil {
				return err
			}
			return decisionErr(res.Decision)
		},
	}

	cmd.Flags().StringVar(&o.base, "base", "", "Base revision of the document (required)")
	cmd.Flags().StringVar(&o.head, "head", "", "Head revision of the document (required)")
	cmd.Flags().StringVar(&o.path, "path", "", "Repository path of the document (default: --head as given)")
	cmd.Flags().StringVarP(&o.markers, "markers", "m", "", "Marker pair ID (default: from file extension)")
	cmd.Flags().StringVar(&o.request, "request", "", "Free-text request the edit was made for")
	cmd.Flags().StringSliceVar(&o.changed, "changed", nil, "Paths changed by the proposal; each must be on the allowlist")
	cmd.Flags().BoolVar(&o.json, "json", false, "Print the result as JSON")
	_ = cmd.MarkFlagRequired("base")
	_ = cmd.MarkFlagRequired("head")
	return cmd
}

// resolveTarget fills in whichever of markers and target was omitted.
func resolveTarget(p *chaosguard.Policy, markersID, target, path string) (string, chaosguard.TargetKind, error) {
	t := chaosguard.TargetKind(target)
	switch t {
	case "", chaosguard.TargetMarkup, chaosguard.TargetStylesheet:
	default:
		return "", "", fmt.Errorf("unknown target %q", target)
	}
	if markersID != "" {
		if m, ok := p.Markers(markersID); ok && t == "" {
			t = m.Target
		}
		return markersID, t, nil
	}
	if t == "" {
		t = chaosguard.TargetMarkup
		if strings.EqualFold(filepath.Ext(path), ".css") {
			t = chaosguard.TargetStylesheet
		}
	}
	return string(t), t, nil
}

func readDocument(cmd *cobra.Command, file, path string) (chaosguard.Document, error) {
	content, err := readInput(cmd, file)
	if err != nil {
		return chaosguard.Document{}, err
	}
	if path == "" {
		path = filepath.ToSlash(filepath.Clean(file))
	}
	return chaosguard.Document{Path: path, Content: content}, nil
}

func readInput(cmd *cobra.Command, file string) (string, error) {
	if file == "-" {
		b, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(b), nil
	}
	b, err := os.ReadFile(file)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

type resultOutput struct {
	RecordID   string                 `json:"record_id"`
	Decision   chaosguard.Decision    `json:"decision"`
	Violations []chaosguard.Violation `json:"violations"`
	Size       chaosguard.Size        `json:"size"`
	Error      string                 `json:"error,omitempty"`
}

func printResult(w io.Writer, res chaosguard.ValidationResult, rec chaosguard.AuditRecord, asJSON bool) error {
	violations := res.Violations
	if violations == nil {
		violations = []chaosguard.Violation{}
	}
	if asJSON {
		out := resultOutput{RecordID: rec.ID, Decision: res.Decision, Violations: violations, Size: res.Size}
		if res.Err != nil {
			out.Error = res.Err.Error()
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	fmt.Fprintf(w, "%s (%d changed, %d units)\n", res.Decision, res.Size.Changed, res.Size.Units)
	for _, v := range violations {
		loc := ""
		if v.Location != "" {
			loc = " at " + v.Location
		}
		fmt.Fprintf(w, "  %s: %s%s: %s\n", v.RuleID, v.Subject, loc, v.Reason)
	}
	return nil
}
