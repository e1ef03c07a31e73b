// Package render produces output from a fully assembled
// schema.ClinicalSnapshot.
package render

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/AnshvardhanShetty/CLINITY/internal/schema"
)

// RenderJSON produces a pretty-printed JSON representation of the snapshot.
// The output round-trips through json.Unmarshal back to an equal snapshot.
func RenderJSON(snap *schema.ClinicalSnapshot) ([]byte, error) {
	if snap == nil {
		return nil, fmt.Errorf("render: nil snapshot")
	}
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("render: json marshal: %w", err)
	}
	return b, nil
}

// RenderMarkdown produces a Markdown handover sheet. Safety alerts and
// missing mandatory fields always lead; every fact carries its source tag so
// a reader can trace any line back to a document.
func RenderMarkdown(snap *schema.ClinicalSnapshot) string {
	if snap == nil {
		return ""
	}
	var sb strings.Builder

	fmt.Fprintf(&sb, "# Clinical Snapshot (%s)\n\n", snap.Mode)
	fmt.Fprintf(&sb, "Run `%s` | generated %s | %d source document(s)\n\n",
		snap.RunID, snap.GeneratedAt.Format("2006-01-02 15:04 MST"), snap.SourceCount)

	if len(snap.MissingMandatory) > 0 {
		sb.WriteString("## ⚠ Missing Mandatory Fields\n\n")
		for _, m := range snap.MissingMandatory {
			fmt.Fprintf(&sb, "- **%s**\n", m)
		}
		sb.WriteString("\n")
	}

	if len(snap.SafetyAlerts) > 0 {
		sb.WriteString("## Safety Alerts\n\n")
		for _, a := range snap.SafetyAlerts {
			fmt.Fprintf(&sb, "- %s **[%s]** %s%s\n",
				severityMarker(a.Severity), strings.ToUpper(string(a.Severity)),
				mdEscape(a.Text), sourceTag(a.SourceDocID))
		}
		sb.WriteString("\n")
	}

	if snap.CurrentStatusText != "" {
		sb.WriteString("## Current Status\n\n")
		sb.WriteString(snap.CurrentStatusText)
		sb.WriteString("\n\n")
	}

	for _, sec := range snap.Sections {
		fmt.Fprintf(&sb, "## %s\n\n", sec.Heading)
		for _, f := range sec.Facts {
			writeFact(&sb, f)
		}
		sb.WriteString("\n")
	}

	if len(snap.UnresolvedConflicts) > 0 {
		sb.WriteString("## Unresolved Conflicts\n\n")
		sb.WriteString("Sources disagree on the following; none of these values is confirmed.\n\n")
		for _, f := range snap.UnresolvedConflicts {
			fmt.Fprintf(&sb, "- **%s**\n", f.FactKey)
			for _, cv := range f.ConflictingValues {
				fmt.Fprintf(&sb, "  - %q%s\n", cv.Value, sourceTag(cv.DocID))
			}
			if f.ChosenValue != "" {
				fmt.Fprintf(&sb, "  - most recent source says: %q\n", f.ChosenValue)
			}
		}
		sb.WriteString("\n")
	}

	if len(snap.Gaps) > 0 {
		sb.WriteString("## Gaps\n\n")
		for _, g := range snap.Gaps {
			fmt.Fprintf(&sb, "- `%s`: %s\n", g.DocID, mdEscape(g.Reason))
		}
		sb.WriteString("\n")
	}

	if len(snap.Sources) > 0 {
		sb.WriteString("## Source Key\n\n")
		ids := make([]string, 0, len(snap.Sources))
		for id := range snap.Sources {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			fmt.Fprintf(&sb, "- `%s`: %s\n", id, mdEscape(snap.Sources[id]))
		}
		sb.WriteString("\n")
	}

	return sb.String()
}

// writeFact renders one resolved fact as a list item.
func writeFact(sb *strings.Builder, f schema.ResolvedFact) {
	value := f.ChosenValue
	if value == "" {
		value = f.FactKey
	}
	fmt.Fprintf(sb, "- %s", mdEscape(value))
	if f.Category == schema.CategoryPendingTask && f.Urgency != "" && f.Urgency != schema.UrgencyRoutine {
		fmt.Fprintf(sb, " **(%s)**", f.Urgency)
	}
	if f.Status == schema.StatusResolved {
		sb.WriteString(" _(resolved)_")
	}
	if f.Confidence > 0 {
		fmt.Fprintf(sb, " (confidence %.2f)", f.Confidence)
	}
	for _, id := range f.SourceDocIDs {
		fmt.Fprintf(sb, " [%s]", id)
	}
	sb.WriteString("\n")
}

func severityMarker(s schema.Severity) string {
	switch s {
	case schema.SeverityCritical:
		return "🔴"
	case schema.SeverityHigh:
		return "🟠"
	default:
		return "🟡"
	}
}

func sourceTag(docID string) string {
	if docID == "" {
		return ""
	}
	return fmt.Sprintf(" [%s]", docID)
}

// mdEscape replaces characters that would break Markdown list items.
func mdEscape(s string) string {
	s = strings.ReplaceAll(s, "|", "\\|")
	s = strings.ReplaceAll(s, "\n", " ")
	return s
}
