package dossier

import (
	"fmt"
	"strings"
	"time"

	"dossier/pkg/pipeline"
)

// RenderMarkdown renders a delivered document.
func RenderMarkdown(doc *Document) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Dossier: %s\n\n", doc.Title)
	if doc.Domain != "" {
		fmt.Fprintf(&b, "*Domain: %s*\n\n", doc.Domain)
	}

	for _, s := range doc.Sections {
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", heading(s.Name), s.Body)
	}

	if len(doc.HiddenGems) > 0 {
		b.WriteString("## Hidden Gems\n\n")
		for _, g := range doc.HiddenGems {
			fmt.Fprintf(&b, "- **%s:** %s", g.Title, g.Detail)
			if g.Impact != "" {
				fmt.Fprintf(&b, " (impact: %s)", g.Impact)
			}
			b.WriteByte('\n')
		}
		b.WriteByte('\n')
	}

	if len(doc.Perspectives) > 0 {
		b.WriteString("## Alternative Perspectives\n\n")
		for i, p := range doc.Perspectives {
			fmt.Fprintf(&b, "### Viewpoint %d: %s\n\n%s\n\n", i+1, p.Focus, p.Summary)
			for _, arg := range p.Arguments {
				fmt.Fprintf(&b, "- %s\n", arg)
			}
			if len(p.Arguments) > 0 {
				b.WriteByte('\n')
			}
		}
	}

	if len(doc.Annotations) > 0 {
		b.WriteString("## Risks and Ethics\n\n")
		for _, f := range doc.Annotations {
			b.WriteString("- ")
			b.WriteString(flagLine(f))
			b.WriteByte('\n')
		}
		b.WriteByte('\n')
	}

	if len(doc.Citations) > 0 {
		b.WriteString("## Evidence\n\n")
		for _, c := range doc.Citations {
			fmt.Fprintf(&b, "%s. %s", c.ID, c.Text)
			if len(c.Sources) > 0 {
				fmt.Fprintf(&b, " [%s]", strings.Join(c.Sources, ", "))
			}
			b.WriteByte('\n')
		}
		b.WriteByte('\n')
	}

	m := doc.Metadata
	b.WriteString("---\n\n")
	fmt.Fprintf(&b, "*Engine: %s. Run %s, %d attempt(s), %s.*\n", m.Engine, m.RunID, m.Attempts, m.Elapsed.Round(time.Millisecond))
	if !m.GeneratedAt.IsZero() {
		fmt.Fprintf(&b, "\n*Generated %s*\n", m.GeneratedAt.UTC().Format("January 2, 2006 15:04:05 UTC"))
	}
	writeNotes(&b, m.Notes)
	return b.String()
}

// RenderFailure renders the report of a run that did not deliver.
func RenderFailure(out *pipeline.Outcome) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Dossier: %s\n\n", out.Subject.ID)
	fmt.Fprintf(&b, "## Generation status: %s\n\n", out.Status)
	if f := out.Failure; f != nil {
		fmt.Fprintf(&b, "**Kind:** %s  \n", f.Kind)
		if f.Stage != "" {
			fmt.Fprintf(&b, "**Stage:** %s  \n", f.Stage)
		}
		fmt.Fprintf(&b, "**Attempt:** %d  \n", f.Attempt)
		fmt.Fprintf(&b, "**Reason:** %s\n\n", f.Reason)
		if len(f.Deficiencies) > 0 {
			b.WriteString("### Deficiencies\n\n")
			for _, d := range f.Deficiencies {
				fmt.Fprintf(&b, "- **%s:** %s", d.Predicate, d.Detail)
				if len(d.Stages) > 0 {
					ids := make([]string, len(d.Stages))
					for i, id := range d.Stages {
						ids[i] = string(id)
					}
					fmt.Fprintf(&b, " (stages: %s)", strings.Join(ids, ", "))
				}
				b.WriteByte('\n')
			}
			b.WriteByte('\n')
		}
	}
	b.WriteString("---\n\n")
	fmt.Fprintf(&b, "*Run %s, %d attempt(s), %s.*\n", out.RunID, len(out.Attempts), out.Elapsed().Round(time.Millisecond))
	writeNotes(&b, Notes(out))
	return b.String()
}

func writeNotes(b *strings.Builder, notes []string) {
	if len(notes) == 0 {
		return
	}
	b.WriteString("\n### Execution notes\n\n")
	for _, n := range notes {
		fmt.Fprintf(b, "- %s\n", n)
	}
}

func flagLine(f pipeline.RiskFlag) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**%s**", f.Code)
	if f.Severity != "" {
		fmt.Fprintf(&b, " (%s)", f.Severity)
	}
	fmt.Fprintf(&b, ": %s", f.Detail)
	if f.Code == pipeline.Contradiction {
		if f.Resolved {
			b.WriteString(" *resolved*")
		} else {
			b.WriteString(" *unresolved*")
		}
	}
	return b.String()
}

// heading turns a section key such as "executive_summary" into a title.
func heading(name string) string {
	words := strings.Fields(strings.ReplaceAll(name, "_", " "))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
