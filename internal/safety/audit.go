package safety

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/AnshvardhanShetty/CLINITY/internal/registry"
	"github.com/AnshvardhanShetty/CLINITY/internal/schema"
)

// Mandatory documentation findings. Absence is itself a reportable finding,
// never silently skipped.
const (
	MissingAllergy = "Allergy status not documented"
	MissingResus   = "Resuscitation status not documented"
)

// Auditor runs the safety audit over verified extractions plus a rule-based
// scan of the raw source text, so a safety item the model missed still
// surfaces. The audit never removes extractions; it derives alerts and may
// annotate an extraction as critical.
type Auditor struct {
	rules Rules
	reg   *registry.Registry
}

// NewAuditor constructs an Auditor for one run.
func NewAuditor(rules Rules, reg *registry.Registry) *Auditor {
	return &Auditor{rules: rules, reg: reg}
}

// Result carries the audit output: alerts ordered by severity descending,
// missing mandatory fields, and the extraction set with critical annotations
// applied.
type Result struct {
	Alerts           []schema.SafetyAlert
	MissingMandatory []string
	Extractions      []schema.Extraction
}

// Audit runs all checks. The input extraction slice is not mutated; the
// returned copy carries any critical-lab annotations.
func (a *Auditor) Audit(extractions []schema.Extraction) Result {
	annotated := make([]schema.Extraction, len(extractions))
	copy(annotated, extractions)

	var alerts []schema.SafetyAlert
	seen := make(map[string]bool) // dedupe key -> emitted

	alerts = append(alerts, a.extractionAlerts(annotated, seen)...)
	alerts = append(alerts, a.interactionAlerts(annotated)...)
	for _, doc := range a.reg.All() {
		alerts = append(alerts, a.scanDocument(doc, seen)...)
	}

	sort.SliceStable(alerts, func(i, j int) bool {
		return alerts[i].Severity.Ordinal() > alerts[j].Severity.Ordinal()
	})

	missing := a.missingMandatory(annotated)
	if len(alerts) > 0 || len(missing) > 0 {
		zap.L().Info("safety: audit complete",
			zap.Int("alerts", len(alerts)),
			zap.Strings("missing_mandatory", missing),
		)
	}

	return Result{Alerts: alerts, MissingMandatory: missing, Extractions: annotated}
}

// missingMandatory checks the presence of the mandatory safety fields.
// Deterministic for a given input set: running the same inputs twice yields
// the same result.
func (a *Auditor) missingMandatory(extractions []schema.Extraction) []string {
	var haveAllergy, haveResus bool
	for _, ex := range extractions {
		switch ex.Category {
		case schema.CategoryAllergy:
			haveAllergy = true
		case schema.CategoryResusStatus:
			haveResus = true
		}
	}
	var missing []string
	if !haveAllergy {
		missing = append(missing, MissingAllergy)
	}
	if !haveResus {
		missing = append(missing, MissingResus)
	}
	return missing
}

// extractionAlerts derives alerts from the verified extraction set:
// critical lab values (regardless of extraction confidence), high-risk
// medications, allergy and resuscitation surfacing.
func (a *Auditor) extractionAlerts(extractions []schema.Extraction, seen map[string]bool) []schema.SafetyAlert {
	var alerts []schema.SafetyAlert

	for i := range extractions {
		ex := &extractions[i]
		switch ex.Category {
		case schema.CategoryLabValue:
			if ex.NumericValue == nil {
				continue
			}
			lab, threshold, ok := a.labForText(ex.Value)
			if !ok {
				continue
			}
			crossed, direction := threshold.exceeds(*ex.NumericValue)
			if !crossed {
				continue
			}
			key := "lab|" + ex.Provenance.DocID + "|" + lab
			if seen[key] {
				continue
			}
			seen[key] = true
			ex.Note = appendNote(ex.Note, "critical threshold exceeded")
			alerts = append(alerts, schema.SafetyAlert{
				Severity:    schema.SeverityCritical,
				Kind:        schema.AlertCriticalLab,
				Text:        fmt.Sprintf("CRITICAL: %s %.1f (%s)", strings.ToTitle(lab[:1])+lab[1:], *ex.NumericValue, direction),
				SourceDocID: ex.Provenance.DocID,
			})

		case schema.CategoryMedication:
			med := a.highRiskMed(ex.Value)
			if med == "" {
				continue
			}
			key := "med|" + ex.Provenance.DocID + "|" + med
			if seen[key] {
				continue
			}
			seen[key] = true
			alerts = append(alerts, schema.SafetyAlert{
				Severity:    schema.SeverityHigh,
				Kind:        schema.AlertHighRiskMed,
				Text:        "HIGH-RISK MED: " + strings.ToTitle(med[:1]) + med[1:],
				SourceDocID: ex.Provenance.DocID,
			})

		case schema.CategoryAllergy:
			lower := strings.ToLower(ex.Value)
			if strings.Contains(lower, "nkda") || strings.Contains(lower, "no known") {
				continue
			}
			key := "allergy|" + ex.Provenance.DocID + "|" + normalizeKey(ex.Value)
			if seen[key] {
				continue
			}
			seen[key] = true
			alerts = append(alerts, schema.SafetyAlert{
				Severity:    schema.SeverityCritical,
				Kind:        schema.AlertAllergy,
				Text:        "ALLERGY: " + ex.Value,
				SourceDocID: ex.Provenance.DocID,
			})

		case schema.CategoryResusStatus:
			key := "resus|" + ex.Provenance.DocID
			if seen[key] {
				continue
			}
			seen[key] = true
			alerts = append(alerts, schema.SafetyAlert{
				Severity:    resusSeverity(ex.Value),
				Kind:        schema.AlertResusStatus,
				Text:        "RESUS STATUS: " + strings.ToUpper(ex.Value),
				SourceDocID: ex.Provenance.DocID,
			})
		}
	}
	return alerts
}

// interactionAlerts runs the pairwise check of active medications against
// the interaction table. Each alert names both agents.
func (a *Auditor) interactionAlerts(extractions []schema.Extraction) []schema.SafetyAlert {
	type med struct {
		agent string
		docID string
	}
	var meds []med
	for _, ex := range extractions {
		if ex.Category != schema.CategoryMedication || ex.Status == schema.StatusResolved {
			continue
		}
		meds = append(meds, med{agent: strings.ToLower(ex.Value), docID: ex.Provenance.DocID})
	}

	var alerts []schema.SafetyAlert
	emitted := make(map[string]bool)
	for i := 0; i < len(meds); i++ {
		for j := i + 1; j < len(meds); j++ {
			for _, rule := range a.rules.Interactions {
				pairKey := rule.A + "|" + rule.B
				if emitted[pairKey] {
					continue
				}
				ab := strings.Contains(meds[i].agent, rule.A) && strings.Contains(meds[j].agent, rule.B)
				ba := strings.Contains(meds[i].agent, rule.B) && strings.Contains(meds[j].agent, rule.A)
				if !ab && !ba {
					continue
				}
				emitted[pairKey] = true
				text := fmt.Sprintf("INTERACTION: %s + %s", rule.A, rule.B)
				if rule.Note != "" {
					text += " (" + rule.Note + ")"
				}
				alerts = append(alerts, schema.SafetyAlert{
					Severity:    schema.SeverityMedium,
					Kind:        schema.AlertInteraction,
					Text:        text,
					SourceDocID: meds[i].docID,
				})
			}
		}
	}
	return alerts
}

// Raw-text scan patterns. The scan backs up the model: a safety item the
// extractor missed still surfaces from the source text itself.
var (
	allergyScanRe = regexp.MustCompile(`(?i)allerg(?:y|ies|ic)\s*(?:to)?:?\s*([^,.\n]+)`)

	labScanRe = regexp.MustCompile(`(?i)\b(potassium|k\+?|sodium|na\+?|glucose|ha?emoglobin|hb|platelets?|inr|creatinine)[:\s]+(\d+\.?\d*)`)

	resusScanRe = regexp.MustCompile(`(?i)(dnar|dnacpr|not for resus\w*|for resuscitation|full escalation|ceiling of care|for cpr)`)

	infectionTerms = []string{"mrsa", "c.diff", "c difficile", "vre", "esbl", "cpe", "tuberculosis", "isolation"}
	fallTerms      = []string{"fall risk", "falls risk", "high falls", "bed rails", "1:1 supervision"}
)

// scanDocument pattern-scans one document's raw text for allergy mentions,
// critical labs, resuscitation status, high-risk medications,
// infection-control and fall-risk flags. Shares the dedupe set with the
// extraction-derived checks so each finding is reported once per document.
func (a *Auditor) scanDocument(doc schema.Document, seen map[string]bool) []schema.SafetyAlert {
	var alerts []schema.SafetyAlert
	lower := strings.ToLower(doc.RawText)

	for _, m := range allergyScanRe.FindAllStringSubmatch(doc.RawText, -1) {
		agent := strings.TrimSpace(m[1])
		agentLower := strings.ToLower(agent)
		if agent == "" || strings.Contains(agentLower, "nkda") || strings.Contains(agentLower, "no known") {
			continue
		}
		key := "allergy|" + doc.ID + "|" + normalizeKey(agent)
		if seen[key] {
			continue
		}
		seen[key] = true
		alerts = append(alerts, schema.SafetyAlert{
			Severity:    schema.SeverityCritical,
			Kind:        schema.AlertAllergy,
			Text:        "ALLERGY: " + agent,
			SourceDocID: doc.ID,
		})
	}

	for _, m := range labScanRe.FindAllStringSubmatch(doc.RawText, -1) {
		lab, threshold, ok := a.rules.labFor(m[1])
		if !ok {
			continue
		}
		var v float64
		if _, err := fmt.Sscanf(m[2], "%f", &v); err != nil {
			continue
		}
		crossed, direction := threshold.exceeds(v)
		if !crossed {
			continue
		}
		key := "lab|" + doc.ID + "|" + lab
		if seen[key] {
			continue
		}
		seen[key] = true
		alerts = append(alerts, schema.SafetyAlert{
			Severity:    schema.SeverityCritical,
			Kind:        schema.AlertCriticalLab,
			Text:        fmt.Sprintf("CRITICAL: %s %.1f (%s)", strings.ToTitle(lab[:1])+lab[1:], v, direction),
			SourceDocID: doc.ID,
		})
	}

	for _, m := range resusScanRe.FindAllString(lower, -1) {
		key := "resus|" + doc.ID
		if seen[key] {
			continue
		}
		seen[key] = true
		alerts = append(alerts, schema.SafetyAlert{
			Severity:    resusSeverity(m),
			Kind:        schema.AlertResusStatus,
			Text:        "RESUS STATUS: " + strings.ToUpper(m),
			SourceDocID: doc.ID,
		})
	}

	for _, medName := range a.rules.HighRiskMeds {
		if !strings.Contains(lower, medName) {
			continue
		}
		key := "med|" + doc.ID + "|" + medName
		if seen[key] {
			continue
		}
		seen[key] = true
		alerts = append(alerts, schema.SafetyAlert{
			Severity:    schema.SeverityHigh,
			Kind:        schema.AlertHighRiskMed,
			Text:        "HIGH-RISK MED: " + strings.ToTitle(medName[:1]) + medName[1:],
			SourceDocID: doc.ID,
		})
	}

	for _, term := range infectionTerms {
		if !strings.Contains(lower, term) {
			continue
		}
		key := "infection|" + doc.ID + "|" + term
		if seen[key] {
			continue
		}
		seen[key] = true
		alerts = append(alerts, schema.SafetyAlert{
			Severity:    schema.SeverityHigh,
			Kind:        schema.AlertInfectionControl,
			Text:        "INFECTION CONTROL: " + strings.ToUpper(term),
			SourceDocID: doc.ID,
		})
	}

	for _, term := range fallTerms {
		if !strings.Contains(lower, term) {
			continue
		}
		key := "fall|" + doc.ID
		if seen[key] {
			continue
		}
		seen[key] = true
		alerts = append(alerts, schema.SafetyAlert{
			Severity:    schema.SeverityMedium,
			Kind:        schema.AlertFallRisk,
			Text:        "FALL RISK: " + term,
			SourceDocID: doc.ID,
		})
		break
	}

	return alerts
}

// labForText finds a known lab name or alias mentioned in an extraction's
// value text.
func (a *Auditor) labForText(value string) (string, LabThreshold, bool) {
	for _, token := range strings.Fields(strings.ToLower(value)) {
		token = strings.Trim(token, ".,;:()")
		if lab, t, ok := a.rules.labFor(token); ok {
			return lab, t, ok
		}
	}
	return "", LabThreshold{}, false
}

// highRiskMed returns the matched high-risk agent, or "" when none match.
func (a *Auditor) highRiskMed(value string) string {
	lower := strings.ToLower(value)
	for _, medName := range a.rules.HighRiskMeds {
		if strings.Contains(lower, medName) {
			return medName
		}
	}
	return ""
}

// resusSeverity grades a resuscitation status: explicit DNAR-type limits are
// critical, other documentation high.
func resusSeverity(value string) schema.Severity {
	lower := strings.ToLower(value)
	if strings.Contains(lower, "dnar") || strings.Contains(lower, "dnacpr") || strings.Contains(lower, "not for") {
		return schema.SeverityCritical
	}
	return schema.SeverityHigh
}

func appendNote(existing, note string) string {
	if existing == "" {
		return note
	}
	return existing + "; " + note
}

func normalizeKey(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
