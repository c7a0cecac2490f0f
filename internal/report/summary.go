package report

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// Markdown renders the run summary and the lowest-compliance prescribers.
func (r Report) Markdown(top int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Mandatory use report %s\n\n", r.Period)
	fmt.Fprintf(&b, "- Artifact: `%s`\n", r.Name)
	fmt.Fprintf(&b, "- Prescribers: %d (%d registered)\n", r.Totals.Prescribers, r.Totals.Registered)
	fmt.Fprintf(&b, "- Dispensations: %d\n", r.Totals.Dispensations)
	fmt.Fprintf(&b, "- Searches: %d\n", r.Totals.Searches)
	fmt.Fprintf(&b, "- Search rate: %.2f%%\n", r.Totals.SearchRate)

	rows := r.Rows
	if top > 0 && len(rows) > top {
		rows = rows[:top]
	}
	if len(rows) == 0 {
		return b.String()
	}
	b.WriteString("\n## Lowest search compliance\n\n")
	b.WriteString("| Prescriber | ID | Registered | Dispensations | Searches | Rate |\n")
	b.WriteString("|---|---|---|---|---|---|\n")
	for _, row := range rows {
		name := row.DisplayName
		if name == "" {
			name = "Unknown"
		}
		fmt.Fprintf(&b, "| %s | %s | %t | %d | %d | %.1f%% |\n",
			escapeCell(name), row.FinalID, row.Registered, row.Dispensations, row.Searches, row.SearchRate)
	}
	return b.String()
}

func escapeCell(value string) string {
	return strings.ReplaceAll(value, "|", `\|`)
}

// HTML renders the markdown summary as a standalone page.
func (r Report) HTML(top int) ([]byte, error) {
	var content bytes.Buffer
	md := goldmark.New(goldmark.WithExtensions(extension.GFM))
	if err := md.Convert([]byte(r.Markdown(top)), &content); err != nil {
		return nil, fmt.Errorf("markdown convert: %w", err)
	}
	var page bytes.Buffer
	page.WriteString("<!doctype html><html><head><meta charset='utf-8'><title>Mandatory Use Report</title>")
	page.WriteString("<style>body{font-family:sans-serif;max-width:960px;margin:2rem auto;}table{border-collapse:collapse;}th,td{border:1px solid #ccc;padding:0.3rem 0.5rem;text-align:left;}</style>")
	page.WriteString("</head><body>")
	page.Write(content.Bytes())
	page.WriteString("</body></html>")
	return page.Bytes(), nil
}
