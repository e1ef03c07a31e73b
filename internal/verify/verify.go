// Package verify implements the second pipeline pass: every candidate
// extraction is checked against its claimed source excerpt. Extractions are
// confirmed, downgraded, or rejected; rejected entities are removed from all
// downstream stages. Safety-critical categories get a second, independent
// model judgment and are never accepted on a single pass.
package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/AnshvardhanShetty/CLINITY/internal/capability"
	"github.com/AnshvardhanShetty/CLINITY/internal/registry"
	"github.com/AnshvardhanShetty/CLINITY/internal/schema"
)

// Fuzzy-match bands for the excerpt/source token overlap ratio. Tolerant of
// OCR noise: the excerpt does not need to appear verbatim, only most of its
// tokens do.
const (
	confirmOverlap = 0.7
	partialOverlap = 0.4
)

// Confidence adjustments applied on verification outcomes.
const (
	confirmBoost   = 0.2
	confidenceCap  = 0.95
	downgradeScale = 0.7
)

// Completer is the slice of the capability client the verifier needs for the
// independent safety-critical judgment.
type Completer interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

const judgeSystemPrompt = `You are a clinical verification system. Given a source excerpt and a claim extracted from it, judge whether the excerpt supports the claim.

Output ONLY valid JSON: {"supported": true|false, "confidence": 0.0-1.0, "note": "brief reason"}

Be strict. Only mark supported when the excerpt clearly supports the claim.`

// judgment mirrors the JSON the judge is asked to produce.
type judgment struct {
	Supported  bool    `json:"supported"`
	Confidence float64 `json:"confidence"`
	Note       string  `json:"note"`
}

// Verifier runs Pass 2.
type Verifier struct {
	client Completer
	reg    *registry.Registry
}

// New constructs a Verifier over the run's source registry.
func New(client Completer, reg *registry.Registry) *Verifier {
	return &Verifier{client: client, reg: reg}
}

// All verifies every extraction and returns the surviving set with
// verification state and confidence updated. Rejected extractions are
// excluded from the result.
func (v *Verifier) All(ctx context.Context, extractions []schema.Extraction) []schema.Extraction {
	var kept []schema.Extraction
	for _, ex := range extractions {
		verified := v.one(ctx, ex)
		if verified.Verification == schema.VerifyRejected {
			zap.L().Info("verify: rejected",
				zap.String("extraction_id", ex.ID),
				zap.String("category", string(ex.Category)),
				zap.String("doc_id", ex.Provenance.DocID),
				zap.String("note", verified.Note),
			)
			continue
		}
		kept = append(kept, verified)
	}
	return kept
}

// one verifies a single extraction. The source document must be registered;
// an excerpt citing an unknown document is rejected outright.
func (v *Verifier) one(ctx context.Context, ex schema.Extraction) schema.Extraction {
	doc := v.reg.Get(ex.Provenance.DocID)
	if doc == nil {
		ex.Verification = schema.VerifyRejected
		ex.Note = "source document not registered"
		return ex
	}

	overlap := tokenOverlap(ex.Provenance.Excerpt, doc.RawText)
	switch {
	case overlap >= confirmOverlap:
		ex.Verification = schema.VerifyConfirmed
		ex.Confidence = min(ex.Confidence+confirmBoost, confidenceCap)
	case overlap >= partialOverlap:
		ex.Verification = schema.VerifyDowngraded
		ex.Confidence *= downgradeScale
		ex.Note = "partial excerpt match"
	default:
		ex.Verification = schema.VerifyRejected
		ex.Note = "excerpt not found in source"
		return ex
	}

	if v.safetyCritical(ex) {
		ex = v.secondPass(ctx, ex)
	}
	return ex
}

// safetyCritical reports whether this extraction needs the independent
// second judgment: allergy, resuscitation status, lab values, and high-risk
// flagged medications all qualify.
func (v *Verifier) safetyCritical(ex schema.Extraction) bool {
	return ex.Category.SafetyCritical() || ex.Category == schema.CategoryMedication
}

// secondPass asks the model to independently judge excerpt support. A
// confirmed safety-critical extraction keeps its confirmation only when the
// judge agrees; if the judge disagrees or is unavailable, the extraction is
// downgraded. It is never silently accepted on the first pass alone.
func (v *Verifier) secondPass(ctx context.Context, ex schema.Extraction) schema.Extraction {
	prompt := fmt.Sprintf("EXCERPT:\n%s\n\nCLAIM:\n%s: %s\n\nJudge now. Return JSON only.",
		ex.Provenance.Excerpt, ex.Category, ex.Value)

	raw, err := v.client.Complete(ctx, judgeSystemPrompt, prompt)
	if err != nil {
		zap.L().Warn("verify: safety judge unavailable, downgrading",
			zap.String("extraction_id", ex.ID),
			zap.Error(err),
		)
		return downgrade(ex, "safety re-check unavailable")
	}

	var j judgment
	cleaned := capability.CleanResponse(raw)
	if err := json.Unmarshal([]byte(cleaned), &j); err != nil {
		if err2 := json.Unmarshal([]byte(capability.FixInvalidJSONEscapes(cleaned)), &j); err2 != nil {
			return downgrade(ex, "safety re-check unparseable")
		}
	}

	if !j.Supported {
		note := "safety re-check disagreed"
		if j.Note != "" {
			note += ": " + j.Note
		}
		return downgrade(ex, note)
	}

	// Agreement: blend in the judge's confidence, never exceeding the cap.
	if j.Confidence > 0 {
		ex.Confidence = min((ex.Confidence+j.Confidence)/2+confirmBoost/2, confidenceCap)
	}
	return ex
}

func downgrade(ex schema.Extraction, note string) schema.Extraction {
	ex.Verification = schema.VerifyDowngraded
	ex.Confidence *= downgradeScale
	if ex.Note == "" {
		ex.Note = note
	} else {
		ex.Note += "; " + note
	}
	return ex
}

// tokenOverlap returns the fraction of excerpt tokens present in the source
// text. Case-insensitive; punctuation is stripped from token edges so OCR
// artifacts around words do not defeat the match.
func tokenOverlap(excerpt, source string) float64 {
	exTokens := tokenize(excerpt)
	if len(exTokens) == 0 {
		return 0
	}
	srcSet := make(map[string]bool)
	for _, t := range tokenize(source) {
		srcSet[t] = true
	}
	matched := 0
	for _, t := range exTokens {
		if srcSet[t] {
			matched++
		}
	}
	return float64(matched) / float64(len(exTokens))
}

func tokenize(s string) []string {
	fields := strings.Fields(strings.ToLower(s))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,;:!?()[]{}'\"")
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}
