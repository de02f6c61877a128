package ui

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/tidwall/pretty"
	"gopkg.in/yaml.v3"

	"github.com/prdsync/prdsync/internal/applier"
	"github.com/prdsync/prdsync/internal/engine"
	"github.com/prdsync/prdsync/internal/planner"
)

// Format selects how a report is written.
type Format string

const (
	FormatText     Format = "text"
	FormatJSON     Format = "json"
	FormatYAML     Format = "yaml"
	FormatMarkdown Format = "markdown"
)

// ParseFormat validates an output format. Empty means text.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatText, nil
	case FormatText, FormatJSON, FormatYAML, FormatMarkdown:
		return f, nil
	case "md":
		return FormatMarkdown, nil
	default:
		return "", fmt.Errorf("invalid format %q (valid: text, json, yaml, markdown)", s)
	}
}

// ReportOptions tune the human-readable formats.
type ReportOptions struct {
	// Verbose lists no-ops too.
	Verbose bool
}

// RenderReport renders a report in the given format.
func RenderReport(r *engine.Report, format Format, opts ReportOptions) (string, error) {
	switch format {
	case FormatJSON:
		data, err := json.Marshal(r)
		if err != nil {
			return "", fmt.Errorf("encode report: %w", err)
		}
		data = pretty.Pretty(data)
		if ShouldUseColor() {
			data = pretty.Color(data, nil)
		}
		return string(data), nil
	case FormatYAML:
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(r); err != nil {
			return "", fmt.Errorf("encode report: %w", err)
		}
		if err := enc.Close(); err != nil {
			return "", err
		}
		return buf.String(), nil
	case FormatMarkdown:
		return RenderMarkdown(ReportMarkdown(r, opts)), nil
	default:
		return ReportText(r, opts), nil
	}
}

// WriteReport renders a report to w.
func WriteReport(w io.Writer, r *engine.Report, format Format, opts ReportOptions) error {
	out, err := RenderReport(r, format, opts)
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, out)
	return err
}

// ReportText renders the plan and apply result for the terminal.
func ReportText(r *engine.Report, opts ReportOptions) string {
	var b strings.Builder
	p := r.Plan
	if p == nil {
		return ""
	}

	header := "PLAN"
	if r.DryRun {
		header += " (dry run)"
	}
	b.WriteString(RenderCategory(header) + "\n")

	for _, c := range p.Creates {
		line := fmt.Sprintf("%s %s  create %s", RenderPass(IconCreate.String()), c.ID, c.Target)
		if title := createTitle(c); title != "" {
			line += "  " + RenderMuted(fmt.Sprintf("%q", TruncateSimple(title, 60)))
		}
		b.WriteString(line + "\n")
	}
	for _, u := range p.Updates {
		fmt.Fprintf(&b, "%s %s  update %s  %s  %s\n",
			RenderAccent(IconUpdate.String()), u.ID, u.Target,
			strings.Join(u.Fields, ", "), RenderMuted(u.Reason))
	}
	for _, c := range p.Conflicts {
		id := c.ID
		if id == "" {
			id = "(board)"
		}
		fmt.Fprintf(&b, "%s %s  %s  %s\n", RenderFail(IconConflict.String()), id,
			RenderFail(string(c.Kind)), WrapText(c.Message, 72, TreeIndent+TreeIndent))
		if len(c.Details) > 0 {
			b.WriteString(TreeIndent + RenderMuted(TreeLast+strings.Join(c.Details, ", ")) + "\n")
		}
	}
	if opts.Verbose {
		for _, n := range p.NoOps {
			fmt.Fprintf(&b, "%s %s  %s\n", RenderMuted(IconNoOp.String()), n.ID, RenderMuted(n.Reason))
		}
	}
	for _, w := range p.Warnings {
		id := w.ID
		if id == "" {
			id = "(board)"
		}
		fmt.Fprintf(&b, "%s %s  %s\n", RenderWarn(IconWarn.String()), id, w.Message)
	}
	for _, w := range r.Warnings {
		fmt.Fprintf(&b, "%s %s\n", RenderWarn(IconWarn.String()), w)
	}

	b.WriteString(RenderSeparator() + "\n")
	b.WriteString(statsLine(p.Stats) + "\n")

	if r.Result != nil {
		b.WriteString("\n" + RenderCategory("applied") + "\n")
		b.WriteString(ResultText(r.Result))
	}
	return b.String()
}

// ResultText summarises what an apply wrote.
func ResultText(res *applier.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "cards: %d created, %d updated  stories: %d created, %d updated  labels: %d created\n",
		res.CardsCreated, res.CardsUpdated, res.StoriesCreated, res.StoriesUpdated, res.LabelsCreated)
	for _, f := range res.Failures {
		fmt.Fprintf(&b, "%s %s  %s  %s\n", RenderFail(IconConflict.String()), f.ID, f.Target, RenderFail(f.Error))
	}
	return b.String()
}

func statsLine(s planner.Stats) string {
	parts := []string{
		plural(s.Creates, "create"),
		plural(s.Updates, "update"),
		plural(s.Conflicts, "conflict"),
		plural(s.NoOps, "no-op"),
	}
	line := strings.Join(parts, ", ")
	if s.Skipped > 0 {
		line += fmt.Sprintf(" (%d unchanged)", s.Skipped)
	}
	if s.Conflicts > 0 {
		return RenderWarn(line)
	}
	return line
}

func plural(n int, word string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, word)
	}
	return fmt.Sprintf("%d %ss", n, word)
}

func createTitle(c planner.Create) string {
	switch {
	case c.Card != nil:
		return c.Card.Name
	case c.Story != nil:
		return c.Story.Title
	}
	return ""
}

// ReportMarkdown renders the report as markdown tables.
func ReportMarkdown(r *engine.Report, opts ReportOptions) string {
	var b strings.Builder
	p := r.Plan
	if p == nil {
		return ""
	}

	title := "# Sync plan"
	if r.DryRun {
		title += " (dry run)"
	}
	b.WriteString(title + "\n\n")
	s := p.Stats
	fmt.Fprintf(&b, "%s, %s, %s, %s.\n\n",
		plural(s.Creates, "create"), plural(s.Updates, "update"),
		plural(s.Conflicts, "conflict"), plural(s.NoOps, "no-op"))

	if len(p.Creates) > 0 {
		b.WriteString("## Creates\n\n| ID | Target | Title |\n|---|---|---|\n")
		for _, c := range p.Creates {
			fmt.Fprintf(&b, "| %s | %s | %s |\n", c.ID, c.Target, mdCell(createTitle(c)))
		}
		b.WriteString("\n")
	}
	if len(p.Updates) > 0 {
		b.WriteString("## Updates\n\n| ID | Target | Fields | Reason |\n|---|---|---|---|\n")
		for _, u := range p.Updates {
			fmt.Fprintf(&b, "| %s | %s | %s | %s |\n", u.ID, u.Target, mdCell(strings.Join(u.Fields, ", ")), mdCell(u.Reason))
		}
		b.WriteString("\n")
	}
	if len(p.Conflicts) > 0 {
		b.WriteString("## Conflicts\n\n| ID | Kind | Message |\n|---|---|---|\n")
		for _, c := range p.Conflicts {
			fmt.Fprintf(&b, "| %s | %s | %s |\n", mdCell(c.ID), c.Kind, mdCell(c.Message))
		}
		b.WriteString("\n")
	}
	if opts.Verbose && len(p.NoOps) > 0 {
		b.WriteString("## No-ops\n\n| ID | Reason |\n|---|---|\n")
		for _, n := range p.NoOps {
			fmt.Fprintf(&b, "| %s | %s |\n", n.ID, mdCell(n.Reason))
		}
		b.WriteString("\n")
	}
	if len(p.Warnings) > 0 || len(r.Warnings) > 0 {
		b.WriteString("## Warnings\n\n")
		for _, w := range p.Warnings {
			fmt.Fprintf(&b, "- %s\n", strings.TrimSpace(w.ID+" "+w.Message))
		}
		for _, w := range r.Warnings {
			fmt.Fprintf(&b, "- %s\n", w)
		}
		b.WriteString("\n")
	}
	if res := r.Result; res != nil {
		b.WriteString("## Applied\n\n")
		fmt.Fprintf(&b, "- cards: %d created, %d updated\n- stories: %d created, %d updated\n- labels: %d created\n",
			res.CardsCreated, res.CardsUpdated, res.StoriesCreated, res.StoriesUpdated, res.LabelsCreated)
		for _, f := range res.Failures {
			fmt.Fprintf(&b, "- **failed** %s (%s): %s\n", f.ID, f.Target, mdCell(f.Error))
		}
	}
	return b.String()
}

// mdCell escapes a table cell.
func mdCell(s string) string {
	if s == "" {
		return "-"
	}
	s = strings.ReplaceAll(s, "|", `\|`)
	return strings.ReplaceAll(s, "\n", " ")
}
