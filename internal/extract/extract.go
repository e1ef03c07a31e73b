// Package extract implements the first pipeline pass: per-document candidate
// entity extraction via the model capability. Documents are processed
// independently and concurrently; a single document's failure never cancels
// its siblings.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/AnshvardhanShetty/CLINITY/internal/capability"
	"github.com/AnshvardhanShetty/CLINITY/internal/registry"
	"github.com/AnshvardhanShetty/CLINITY/internal/schema"
)

// defaultConcurrentDocs limits concurrent capability calls during fan-out
// when no limit is configured.
const defaultConcurrentDocs = 4

// maxDocChars bounds how much document text is placed in one prompt.
const maxDocChars = 12000

// Initial confidence band: candidates start below full confidence pending
// verification; entities carrying explicit uncertainty markers start lower.
const (
	baseConfidence      = 0.6
	uncertainConfidence = 0.45
)

// uncertaintyRe matches source-text cues that an entity is tentative. Word
// boundaries keep "unlikely" or "queryable" from reading as uncertainty.
var uncertaintyRe = regexp.MustCompile(`(?i)\b(possibly|possible|likely|unclear|query|unsure)\b`)

// Completer is the slice of the capability client the extractor needs.
type Completer interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

const systemPrompt = `You are a clinical information extraction system. Extract structured information from clinical documents.

Output ONLY valid JSON conforming to the schema below. No prose, no markdown, no explanation outside the JSON.

Rules:
1. Only extract information explicitly stated in the document. Never invent or assume.
2. Every entity MUST include the exact quote from the document that supports it.
3. Distinguish active from resolved/historical findings.
4. Preserve clinical terminology exactly as written.
5. For lab values, include the numeric value when one is stated.

Output schema (JSON only):
{
  "entities": [
    {
      "category": "problem|medication|allergy|resus_status|lab_value|pending_task|annotation|other",
      "text": "entity description",
      "status": "active|resolved|unknown",
      "numeric_value": 6.2,
      "patient_ref": "optional patient identifier if the document covers multiple patients",
      "quote": "exact supporting text from the document"
    }
  ]
}
If the document contains nothing extractable, return {"entities": []}.`

const userPromptTemplate = `DOCUMENT TYPE: %s
DOCUMENT ID: %s

DOCUMENT CONTENT:
%s

Extract the clinical entities now. Return JSON only.`

// candidatePayload mirrors the JSON shape the model is asked to produce.
type candidatePayload struct {
	Entities []candidateEntity `json:"entities"`
}

type candidateEntity struct {
	Category     string   `json:"category"`
	Text         string   `json:"text"`
	Status       string   `json:"status"`
	NumericValue *float64 `json:"numeric_value"`
	PatientRef   string   `json:"patient_ref"`
	Quote        string   `json:"quote"`
}

// Extractor runs Pass 1 against the model capability.
type Extractor struct {
	client      Completer
	concurrency int
}

// New constructs an Extractor. concurrency caps the document fan-out; zero or
// negative falls back to the default.
func New(client Completer, concurrency int) *Extractor {
	if concurrency <= 0 {
		concurrency = defaultConcurrentDocs
	}
	return &Extractor{client: client, concurrency: concurrency}
}

// Document extracts candidate entities from one document. Empty or
// whitespace-only text yields zero extractions without a model call. Model
// failures are returned as errors for the caller to record as a gap; one
// repair attempt is made for unparseable responses before giving up.
func (e *Extractor) Document(ctx context.Context, doc schema.Document) ([]schema.Extraction, error) {
	if strings.TrimSpace(doc.RawText) == "" {
		return nil, nil
	}

	content := doc.RawText
	if len(content) > maxDocChars {
		content = content[:maxDocChars]
	}
	prompt := fmt.Sprintf(userPromptTemplate, doc.Type, doc.ID, content)

	raw, err := e.client.Complete(ctx, systemPrompt, prompt)
	if err != nil {
		return nil, eris.Wrapf(err, "extract: document %s", doc.ID)
	}

	payload, parseErr := parsePayload(raw)
	if parseErr != nil {
		// One repair attempt: show the model its invalid response.
		repair := prompt + "\n\nYour previous response was:\n" + raw +
			"\n\nThat response was not valid JSON (" + parseErr.Error() +
			"). Output only the corrected JSON conforming to the schema."
		raw2, err2 := e.client.Complete(ctx, systemPrompt, repair)
		if err2 != nil {
			return nil, eris.Wrapf(err2, "extract: document %s repair", doc.ID)
		}
		payload, parseErr = parsePayload(raw2)
		if parseErr != nil {
			zap.L().Warn("extract: response unparseable after repair",
				zap.String("doc_id", doc.ID),
				zap.Error(parseErr),
			)
			return nil, eris.Wrapf(capability.ErrUnparseable, "document %s", doc.ID)
		}
	}

	return buildCandidates(doc, payload), nil
}

// parsePayload parses the cleaned model response, tolerating invalid escape
// sequences with a one-shot sanitization before giving up.
func parsePayload(raw string) (*candidatePayload, error) {
	raw = capability.CleanResponse(raw)
	var payload candidatePayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		fixed := capability.FixInvalidJSONEscapes(raw)
		if err2 := json.Unmarshal([]byte(fixed), &payload); err2 != nil {
			return nil, err
		}
	}
	return &payload, nil
}

// buildCandidates converts the parsed payload into Extractions with
// provenance and an initial confidence.
func buildCandidates(doc schema.Document, payload *candidatePayload) []schema.Extraction {
	var out []schema.Extraction
	for _, ent := range payload.Entities {
		text := strings.TrimSpace(ent.Text)
		if text == "" {
			continue
		}

		cat := normalizeCategory(ent.Category)
		status := normalizeStatus(ent.Status)

		patientRef := strings.TrimSpace(ent.PatientRef)
		if patientRef == "" {
			patientRef = doc.PatientRef
		}

		prov := schema.Provenance{
			DocID:   doc.ID,
			Excerpt: strings.TrimSpace(ent.Quote),
		}
		if prov.Excerpt == "" {
			prov.Excerpt = text
		}
		if idx := strings.Index(strings.ToLower(doc.RawText), strings.ToLower(prov.Excerpt)); idx >= 0 {
			prov.Span = &schema.Span{Start: idx, End: idx + len(prov.Excerpt)}
		}

		out = append(out, schema.Extraction{
			ID:           uuid.NewString(),
			PatientRef:   patientRef,
			Category:     cat,
			Value:        text,
			NumericValue: ent.NumericValue,
			Status:       status,
			Confidence:   initialConfidence(text, prov.Excerpt),
			Provenance:   prov,
			Verification: schema.VerifyUnverified,
		})
	}
	return out
}

// initialConfidence assigns the starting confidence, lowered when the entity
// or its excerpt carries uncertainty markers.
func initialConfidence(text, excerpt string) float64 {
	combined := text + " " + excerpt
	if strings.Contains(combined, "?") || uncertaintyRe.MatchString(combined) {
		return uncertainConfidence
	}
	return baseConfidence
}

func normalizeCategory(s string) schema.Category {
	switch schema.Category(strings.ToLower(strings.TrimSpace(s))) {
	case schema.CategoryProblem:
		return schema.CategoryProblem
	case schema.CategoryMedication:
		return schema.CategoryMedication
	case schema.CategoryAllergy:
		return schema.CategoryAllergy
	case schema.CategoryResusStatus:
		return schema.CategoryResusStatus
	case schema.CategoryLabValue:
		return schema.CategoryLabValue
	case schema.CategoryPendingTask:
		return schema.CategoryPendingTask
	case schema.CategoryAnnotation:
		return schema.CategoryAnnotation
	default:
		return schema.CategoryOther
	}
}

func normalizeStatus(s string) schema.EntityStatus {
	switch schema.EntityStatus(strings.ToLower(strings.TrimSpace(s))) {
	case schema.StatusActive:
		return schema.StatusActive
	case schema.StatusResolved:
		return schema.StatusResolved
	default:
		return schema.StatusUnknown
	}
}

// All fans extraction out across every registered document. Each document is
// an independent task; a failure is recorded as a gap for that document and
// the remaining documents continue (bulkhead isolation). The returned
// extractions are grouped in document registration order.
func (e *Extractor) All(ctx context.Context, reg *registry.Registry) ([]schema.Extraction, []schema.Gap) {
	docs := reg.All()
	perDoc := make([][]schema.Extraction, len(docs))
	var mu sync.Mutex
	var gaps []schema.Gap

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)

	for i, doc := range docs {
		g.Go(func() error {
			exs, err := e.Document(gCtx, doc)
			if err != nil {
				zap.L().Warn("extract: document failed",
					zap.String("doc_id", doc.ID),
					zap.Error(err),
				)
				mu.Lock()
				gaps = append(gaps, schema.Gap{DocID: doc.ID, Reason: eris.Cause(err).Error()})
				mu.Unlock()
				return nil // isolate: do not cancel sibling documents
			}
			perDoc[i] = exs
			return nil
		})
	}
	_ = g.Wait()

	var all []schema.Extraction
	for _, exs := range perDoc {
		all = append(all, exs...)
	}
	return all, gaps
}
