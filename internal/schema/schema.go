// Package schema defines the canonical data types shared across the
// compilation pipeline: source documents, extracted entities, resolved facts,
// safety alerts, and the final clinical snapshot.
package schema

import "time"

// DocumentType identifies the kind of source a document came from.
type DocumentType string

const (
	DocHandwritten     DocumentType = "handwritten"
	DocTypedNote       DocumentType = "typed_note"
	DocLabResult       DocumentType = "lab_result"
	DocRadiologyReport DocumentType = "radiology_report"
	DocPDF             DocumentType = "pdf"
)

// Document is a single ingested source. Text extraction (OCR, PDF parsing)
// happens upstream; the pipeline only ever sees raw text. Documents are
// immutable once registered.
type Document struct {
	ID            string       `json:"id"`
	Type          DocumentType `json:"type"`
	RawText       string       `json:"raw_text"`
	OCRConfidence float64      `json:"ocr_confidence,omitempty"`
	PatientRef    string       `json:"patient_ref,omitempty"`
	Timestamp     *time.Time   `json:"timestamp,omitempty"`
	Description   string       `json:"description,omitempty"`
}

// Category classifies an extracted clinical entity.
type Category string

const (
	CategoryProblem     Category = "problem"
	CategoryMedication  Category = "medication"
	CategoryAllergy     Category = "allergy"
	CategoryResusStatus Category = "resus_status"
	CategoryLabValue    Category = "lab_value"
	CategoryPendingTask Category = "pending_task"
	CategoryAnnotation  Category = "annotation"
	CategoryOther       Category = "other"
)

// SafetyCritical reports whether entities of this category require mandatory
// surfacing and a second, independent verification pass.
func (c Category) SafetyCritical() bool {
	switch c {
	case CategoryAllergy, CategoryResusStatus, CategoryLabValue:
		return true
	default:
		return false
	}
}

// EntityStatus marks whether an extracted entity describes a current or a
// historical finding.
type EntityStatus string

const (
	StatusActive   EntityStatus = "active"
	StatusResolved EntityStatus = "resolved"
	StatusUnknown  EntityStatus = "unknown"
)

// VerificationState is the terminal state assigned by the verification pass.
// Every extraction starts unverified; rejected extractions are removed from
// all downstream stages.
type VerificationState string

const (
	VerifyUnverified VerificationState = "unverified"
	VerifyConfirmed  VerificationState = "confirmed"
	VerifyDowngraded VerificationState = "downgraded"
	VerifyRejected   VerificationState = "rejected"
)

// Provenance links an extraction back to its exact source.
type Provenance struct {
	DocID   string `json:"doc_id"`
	Excerpt string `json:"excerpt"`
	Span    *Span  `json:"span,omitempty"`
}

// Span is an approximate character range within the source text.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Extraction is a candidate clinical entity produced by the extraction pass.
// The verification pass mutates Confidence and Verification; the safety audit
// may escalate Category; nothing mutates an Extraction after conflict
// resolution begins.
type Extraction struct {
	ID           string            `json:"id"`
	PatientRef   string            `json:"patient_ref,omitempty"`
	Category     Category          `json:"category"`
	Value        string            `json:"value"`
	NumericValue *float64          `json:"numeric_value,omitempty"`
	Status       EntityStatus      `json:"status"`
	Confidence   float64           `json:"confidence"`
	Provenance   Provenance        `json:"provenance"`
	Verification VerificationState `json:"verification_state"`
	Note         string            `json:"note,omitempty"`
}

// Resolution describes how a fact bucket was reconciled across sources.
type Resolution string

const (
	ResolutionSingleSource Resolution = "single-source"
	ResolutionAgreed       Resolution = "agreed"
	ResolutionConflicted   Resolution = "conflicted"
)

// ConflictingValue records one dissenting value with its source.
type ConflictingValue struct {
	Value string `json:"value"`
	DocID string `json:"doc_id"`
}

// ResolvedFact is the unit the conflict resolver produces. It never replaces
// its supporting extractions; they remain attached as provenance. A
// conflicted fact lists every distinct value; none is discarded.
type ResolvedFact struct {
	FactKey               string             `json:"fact_key"`
	Category              Category           `json:"category"`
	PatientRef            string             `json:"patient_ref,omitempty"`
	SupportingExtractions []string           `json:"supporting_extractions"`
	SourceDocIDs          []string           `json:"source_doc_ids"`
	Resolution            Resolution         `json:"resolution"`
	ChosenValue           string             `json:"chosen_value,omitempty"`
	ConflictingValues     []ConflictingValue `json:"conflicting_values,omitempty"`
	Confidence            float64            `json:"confidence"`
	Status                EntityStatus       `json:"status"`
	Urgency               Urgency            `json:"urgency,omitempty"`
}

// Severity ranks a safety alert.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
)

// Ordinal returns the rank of a severity for descending sorts. Critical is
// highest; unknown severities sort last.
func (s Severity) Ordinal() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	default:
		return 0
	}
}

// AlertKind identifies what triggered a safety alert.
type AlertKind string

const (
	AlertAllergy          AlertKind = "allergy"
	AlertResusStatus      AlertKind = "resus_status"
	AlertCriticalLab      AlertKind = "critical_lab"
	AlertHighRiskMed      AlertKind = "high_risk_med"
	AlertInteraction      AlertKind = "interaction"
	AlertInfectionControl AlertKind = "infection_control"
	AlertFallRisk         AlertKind = "fall_risk"
)

// SafetyAlert is a derived, read-only finding regenerated on every run.
type SafetyAlert struct {
	Severity    Severity  `json:"severity"`
	Kind        AlertKind `json:"kind"`
	Text        string    `json:"text"`
	SourceDocID string    `json:"source_doc_id"`
}

// Urgency classifies pending tasks for ranking.
type Urgency string

const (
	UrgencyUrgent  Urgency = "urgent"
	UrgencySoon    Urgency = "soon"
	UrgencyRoutine Urgency = "routine"
)

// Mode selects the output emphasis of a compilation run.
type Mode string

const (
	ModeHandover  Mode = "handover"
	ModeDischarge Mode = "discharge"
	ModeWardList  Mode = "ward-list"
)

// Gap records a document that contributed nothing to the run, with the
// reason. Gaps are reported, never silently dropped.
type Gap struct {
	DocID  string `json:"doc_id"`
	Reason string `json:"reason"`
}

// Section is an ordered group of resolved facts under a heading.
type Section struct {
	Heading string         `json:"heading"`
	Facts   []ResolvedFact `json:"resolved_facts"`
}

// ClinicalSnapshot is the final output of a compilation run. It is
// constructed once and never mutated after return.
type ClinicalSnapshot struct {
	RunID               string            `json:"run_id"`
	GeneratedAt         time.Time         `json:"generated_at"`
	Mode                Mode              `json:"mode"`
	SourceCount         int               `json:"source_count"`
	SafetyAlerts        []SafetyAlert     `json:"safety_alerts"`
	MissingMandatory    []string          `json:"missing_mandatory"`
	Sections            []Section         `json:"sections"`
	CurrentStatusText   string            `json:"current_status_text"`
	UnresolvedConflicts []ResolvedFact    `json:"unresolved_conflicts"`
	Gaps                []Gap             `json:"gaps,omitempty"`
	Sources             map[string]string `json:"sources,omitempty"`
}
