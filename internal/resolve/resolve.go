// Package resolve groups verified extractions into clinical fact buckets,
// detects contradictions between sources, and produces ResolvedFacts. The
// original extractions are never mutated here; they stay attached to each
// fact as provenance. A conflict is surfaced, never silently resolved.
package resolve

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/AnshvardhanShetty/CLINITY/internal/registry"
	"github.com/AnshvardhanShetty/CLINITY/internal/schema"
)

// bucketOverlap is the minimum normalized-value token overlap for two
// extractions of the same category and patient to be treated as the same
// fact.
const bucketOverlap = 0.6

// UnassignedPatient is the bucket for entities without a resolvable patient
// reference. The resolver never guesses patient identity.
const UnassignedPatient = "unassigned"

// Resolver runs conflict resolution for one run.
type Resolver struct {
	reg *registry.Registry
}

// New constructs a Resolver over the run's registry; document timestamps
// drive the recency tie-break.
func New(reg *registry.Registry) *Resolver {
	return &Resolver{reg: reg}
}

// All resolves every verified extraction into facts. Order is deterministic:
// buckets are emitted sorted by fact key.
func (r *Resolver) All(extractions []schema.Extraction) []schema.ResolvedFact {
	buckets := r.bucket(extractions)

	facts := make([]schema.ResolvedFact, 0, len(buckets))
	for _, b := range buckets {
		facts = append(facts, r.resolveBucket(b))
	}
	sort.Slice(facts, func(i, j int) bool { return facts[i].FactKey < facts[j].FactKey })
	return facts
}

// bucket groups extractions by category and patient, then clusters by value
// similarity. Allergy and resuscitation status cluster on category and
// patient alone, so contradictory values for the same safety field collide
// in one bucket and the contradiction surfaces.
func (r *Resolver) bucket(extractions []schema.Extraction) [][]schema.Extraction {
	groups := make(map[string][]schema.Extraction)
	var order []string
	for _, ex := range extractions {
		patient := ex.PatientRef
		if patient == "" {
			patient = UnassignedPatient
		}
		key := string(ex.Category) + "|" + patient
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], ex)
	}
	sort.Strings(order)

	var buckets [][]schema.Extraction
	for _, key := range order {
		group := groups[key]
		cat := group[0].Category
		if cat == schema.CategoryAllergy || cat == schema.CategoryResusStatus {
			buckets = append(buckets, group)
			continue
		}
		buckets = append(buckets, clusterBySimilarity(group)...)
	}
	return buckets
}

// clusterBySimilarity greedily merges extractions whose normalized values
// overlap enough to describe the same fact.
func clusterBySimilarity(group []schema.Extraction) [][]schema.Extraction {
	var clusters [][]schema.Extraction
	for _, ex := range group {
		placed := false
		for i, cluster := range clusters {
			if valueOverlap(ex.Value, cluster[0].Value) >= bucketOverlap {
				clusters[i] = append(cluster, ex)
				placed = true
				break
			}
		}
		if !placed {
			clusters = append(clusters, []schema.Extraction{ex})
		}
	}
	return clusters
}

// resolveBucket reconciles one fact bucket into a ResolvedFact.
func (r *Resolver) resolveBucket(bucket []schema.Extraction) schema.ResolvedFact {
	first := bucket[0]
	patient := first.PatientRef
	if patient == "" {
		patient = UnassignedPatient
	}

	fact := schema.ResolvedFact{
		Category:   first.Category,
		PatientRef: first.PatientRef,
		Status:     bucketStatus(bucket),
	}
	for _, ex := range bucket {
		fact.SupportingExtractions = append(fact.SupportingExtractions, ex.ID)
		if ex.Confidence > fact.Confidence {
			fact.Confidence = ex.Confidence
		}
	}
	var allDocIDs []string
	for _, ex := range bucket {
		allDocIDs = append(allDocIDs, ex.Provenance.DocID)
	}
	fact.SourceDocIDs = dedupe(allDocIDs)
	if first.Category == schema.CategoryPendingTask {
		fact.Urgency = detectUrgency(first.Value)
	}

	// Distinct normalized values with the documents asserting them.
	type variant struct {
		display string
		docIDs  []string
		conf    float64
	}
	variants := make(map[string]*variant)
	var variantOrder []string
	docSet := make(map[string]bool)
	for _, ex := range bucket {
		norm := normalizeValue(ex.Value)
		v, ok := variants[norm]
		if !ok {
			v = &variant{display: ex.Value}
			variants[norm] = v
			variantOrder = append(variantOrder, norm)
		}
		v.docIDs = append(v.docIDs, ex.Provenance.DocID)
		if ex.Confidence > v.conf {
			v.conf = ex.Confidence
		}
		docSet[ex.Provenance.DocID] = true
	}

	fact.FactKey = factKey(first.Category, patient, variants[variantOrder[0]].display)

	switch {
	case len(variants) == 1 && len(docSet) == 1:
		fact.Resolution = schema.ResolutionSingleSource
		fact.ChosenValue = variants[variantOrder[0]].display

	case len(variants) == 1:
		fact.Resolution = schema.ResolutionAgreed
		fact.ChosenValue = variants[variantOrder[0]].display

	case len(docSet) == 1:
		// Intra-document disagreement: only one source contributes, so the
		// most confident reading stands and the wobble is noted in the log.
		fact.Resolution = schema.ResolutionSingleSource
		best := variants[variantOrder[0]]
		for _, norm := range variantOrder[1:] {
			if variants[norm].conf > best.conf {
				best = variants[norm]
			}
		}
		fact.ChosenValue = best.display
		zap.L().Debug("resolve: intra-document value drift",
			zap.String("fact_key", fact.FactKey),
			zap.Int("variants", len(variants)),
		)

	default:
		fact.Resolution = schema.ResolutionConflicted
		for _, norm := range variantOrder {
			v := variants[norm]
			for _, docID := range dedupe(v.docIDs) {
				fact.ConflictingValues = append(fact.ConflictingValues, schema.ConflictingValue{
					Value: v.display,
					DocID: docID,
				})
			}
		}
		// Recency tie-break selects a suggested value for display ranking
		// only; every dissenting value stays listed above.
		if suggested := r.latestValue(bucket); suggested != "" {
			fact.ChosenValue = suggested
		}
		zap.L().Warn("resolve: conflict detected",
			zap.String("fact_key", fact.FactKey),
			zap.Int("values", len(variants)),
			zap.Int("sources", len(docSet)),
		)
	}

	return fact
}

// latestValue returns the value from the most recently timestamped document
// in the bucket. A missing timestamp on any front-runner, or a tie, leaves
// no suggestion.
func (r *Resolver) latestValue(bucket []schema.Extraction) string {
	bestIdx := -1
	tie := false
	for i, ex := range bucket {
		doc := r.reg.Get(ex.Provenance.DocID)
		if doc == nil || doc.Timestamp == nil {
			continue
		}
		if bestIdx == -1 {
			bestIdx = i
			continue
		}
		bestDoc := r.reg.Get(bucket[bestIdx].Provenance.DocID)
		switch {
		case doc.Timestamp.After(*bestDoc.Timestamp):
			bestIdx = i
			tie = false
		case doc.Timestamp.Equal(*bestDoc.Timestamp) && normalizeValue(ex.Value) != normalizeValue(bucket[bestIdx].Value):
			tie = true
		}
	}
	if bestIdx == -1 || tie {
		return ""
	}
	// A suggestion only helps when some document lacked a timestamp or an
	// older one disagreed; if untimestamped extractions carry other values,
	// stay neutral.
	best := bucket[bestIdx]
	for _, ex := range bucket {
		doc := r.reg.Get(ex.Provenance.DocID)
		if (doc == nil || doc.Timestamp == nil) && normalizeValue(ex.Value) != normalizeValue(best.Value) {
			return ""
		}
	}
	return best.Value
}

func bucketStatus(bucket []schema.Extraction) schema.EntityStatus {
	status := schema.StatusUnknown
	for _, ex := range bucket {
		if ex.Status == schema.StatusActive {
			return schema.StatusActive
		}
		if ex.Status == schema.StatusResolved {
			status = schema.StatusResolved
		}
	}
	return status
}

// detectUrgency grades a pending task from its wording.
func detectUrgency(text string) schema.Urgency {
	lower := strings.ToLower(text)
	for _, kw := range []string{"urgent", "immediately", "asap", "stat", "emergency"} {
		if strings.Contains(lower, kw) {
			return schema.UrgencyUrgent
		}
	}
	for _, kw := range []string{"soon", "today", "tomorrow", "priority"} {
		if strings.Contains(lower, kw) {
			return schema.UrgencySoon
		}
	}
	return schema.UrgencyRoutine
}

func factKey(cat schema.Category, patient, value string) string {
	slug := normalizeValue(value)
	slug = strings.ReplaceAll(slug, " ", "-")
	if len(slug) > 40 {
		slug = slug[:40]
	}
	if cat == schema.CategoryAllergy {
		slug = "allergy-status"
	}
	if cat == schema.CategoryResusStatus {
		slug = "resus-status"
	}
	return fmt.Sprintf("%s/%s/%s", cat, patient, slug)
}

// normalizeValue lowercases, strips punctuation, and collapses whitespace so
// superficially different phrasings compare equal.
func normalizeValue(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == ' ', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// valueOverlap is the symmetric token overlap between two normalized values.
func valueOverlap(a, b string) float64 {
	ta := strings.Fields(normalizeValue(a))
	tb := strings.Fields(normalizeValue(b))
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	set := make(map[string]bool, len(ta))
	for _, t := range ta {
		set[t] = true
	}
	matched := 0
	for _, t := range tb {
		if set[t] {
			matched++
		}
	}
	denom := len(ta)
	if len(tb) < denom {
		denom = len(tb)
	}
	return float64(matched) / float64(denom)
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	var out []string
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
