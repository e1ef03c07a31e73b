// Package snapshot assembles the final ClinicalSnapshot: it ranks resolved
// facts by clinical priority, filters them for the requested mode, segregates
// unresolved conflicts, and synthesizes a short current-status narrative.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/AnshvardhanShetty/CLINITY/internal/registry"
	"github.com/AnshvardhanShetty/CLINITY/internal/schema"
)

// Completer is the model surface synthesis needs. Satisfied by
// *capability.Client.
type Completer interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

const synthesisSystemPrompt = `You are writing the current-status line of a clinical handover sheet.
You will receive a JSON list of resolved clinical facts. Write 2-3 plain sentences
summarizing the patient's current state. Use ONLY the facts given. Do not add
findings, do not speculate, do not soften safety-critical items.
Respond with the sentences only, no preamble and no markdown.`

// Builder turns pipeline outputs into a ClinicalSnapshot.
type Builder struct {
	client Completer
	reg    *registry.Registry
}

// New constructs a Builder. client may be nil; synthesis then always falls
// back to the deterministic summary.
func New(client Completer, reg *registry.Registry) *Builder {
	return &Builder{client: client, reg: reg}
}

// Input carries everything upstream passes produced for one run.
type Input struct {
	RunID            string
	Mode             schema.Mode
	Facts            []schema.ResolvedFact
	Alerts           []schema.SafetyAlert
	MissingMandatory []string
	Gaps             []schema.Gap
}

// Build assembles the snapshot. Conflicted facts never enter a section; they
// are reported under UnresolvedConflicts so a contradiction can never be read
// as a confident statement.
func (b *Builder) Build(ctx context.Context, in Input) schema.ClinicalSnapshot {
	confident, conflicted := splitConflicts(in.Facts)
	visible := filterForMode(in.Mode, confident)

	snap := schema.ClinicalSnapshot{
		RunID:               in.RunID,
		GeneratedAt:         time.Now().UTC(),
		Mode:                in.Mode,
		SourceCount:         b.reg.Count(),
		SafetyAlerts:        in.Alerts,
		MissingMandatory:    in.MissingMandatory,
		Sections:            b.sections(visible),
		UnresolvedConflicts: conflicted,
		Gaps:                in.Gaps,
		Sources:             b.reg.SourceKey(),
	}
	snap.CurrentStatusText = b.synthesize(ctx, visible, in.Alerts)
	return snap
}

// splitConflicts separates confidently resolved facts from conflicted ones.
func splitConflicts(facts []schema.ResolvedFact) (confident, conflicted []schema.ResolvedFact) {
	for _, f := range facts {
		if f.Resolution == schema.ResolutionConflicted {
			conflicted = append(conflicted, f)
		} else {
			confident = append(confident, f)
		}
	}
	return confident, conflicted
}

// filterForMode drops facts the requested output has no use for. Safety
// categories are never filtered in any mode.
func filterForMode(mode schema.Mode, facts []schema.ResolvedFact) []schema.ResolvedFact {
	var out []schema.ResolvedFact
	for _, f := range facts {
		if f.Category.SafetyCritical() {
			out = append(out, f)
			continue
		}
		switch mode {
		case schema.ModeDischarge:
			// Discharge summaries carry the episode, not the shift: completed
			// intra-shift tasks are noise here.
			if f.Category == schema.CategoryPendingTask && f.Status == schema.StatusResolved {
				continue
			}
		case schema.ModeWardList:
			// Ward lists carry safety items, active problems, and the status
			// line only.
			if f.Category != schema.CategoryProblem {
				continue
			}
			if f.Status == schema.StatusResolved {
				continue
			}
		}
		out = append(out, f)
	}
	return out
}

// sectionOrder lists the headings in display order. Resuscitation and
// allergies lead every layout; mode differences are handled upstream by
// filterForMode.
var sectionOrder = []struct {
	heading  string
	category schema.Category
}{
	{"Resuscitation Status", schema.CategoryResusStatus},
	{"Allergies", schema.CategoryAllergy},
	{"Active Problems", schema.CategoryProblem},
	{"Medications", schema.CategoryMedication},
	{"Pending Tasks", schema.CategoryPendingTask},
	{"Recent Results", schema.CategoryLabValue},
	{"Notes", schema.CategoryAnnotation},
	{"Other", schema.CategoryOther},
}

// sections groups facts under headings and ranks them within each heading.
// Empty headings are omitted.
func (b *Builder) sections(facts []schema.ResolvedFact) []schema.Section {
	byCat := make(map[schema.Category][]schema.ResolvedFact)
	for _, f := range facts {
		byCat[f.Category] = append(byCat[f.Category], f)
	}

	var sections []schema.Section
	for _, def := range sectionOrder {
		group := byCat[def.category]
		if len(group) == 0 {
			continue
		}
		rank(def.category, group)
		sections = append(sections, schema.Section{Heading: def.heading, Facts: group})
	}
	return sections
}

// rank orders facts within one section: active before resolved, pending
// tasks by urgency, then confidence descending, then fact key for stability.
func rank(cat schema.Category, group []schema.ResolvedFact) {
	sort.SliceStable(group, func(i, j int) bool {
		a, b := group[i], group[j]
		if sa, sb := statusRank(a.Status), statusRank(b.Status); sa != sb {
			return sa > sb
		}
		if cat == schema.CategoryPendingTask {
			if ua, ub := urgencyRank(a.Urgency), urgencyRank(b.Urgency); ua != ub {
				return ua > ub
			}
		}
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		return a.FactKey < b.FactKey
	})
}

func statusRank(s schema.EntityStatus) int {
	switch s {
	case schema.StatusActive:
		return 2
	case schema.StatusUnknown:
		return 1
	default:
		return 0
	}
}

func urgencyRank(u schema.Urgency) int {
	switch u {
	case schema.UrgencyUrgent:
		return 3
	case schema.UrgencySoon:
		return 2
	case schema.UrgencyRoutine:
		return 1
	default:
		return 0
	}
}

// synthesize produces the current-status narrative. Model failure or an
// over-long answer falls back to the deterministic summary; synthesis never
// fails the run.
func (b *Builder) synthesize(ctx context.Context, facts []schema.ResolvedFact, alerts []schema.SafetyAlert) string {
	fallback := deterministicStatus(facts, alerts)
	if b.client == nil || len(facts) == 0 {
		return fallback
	}

	payload, err := json.Marshal(facts)
	if err != nil {
		return fallback
	}
	resp, err := b.client.Complete(ctx, synthesisSystemPrompt, string(payload))
	if err != nil {
		zap.L().Warn("snapshot: synthesis failed, using deterministic summary", zap.Error(err))
		return fallback
	}
	text := strings.TrimSpace(resp)
	if text == "" || len(text) > 1000 {
		return fallback
	}
	return text
}

// deterministicStatus builds a summary line from counts alone, model-free.
func deterministicStatus(facts []schema.ResolvedFact, alerts []schema.SafetyAlert) string {
	if len(facts) == 0 && len(alerts) == 0 {
		return "No clinical data extracted from the provided documents."
	}

	active, pending := 0, 0
	for _, f := range facts {
		switch {
		case f.Category == schema.CategoryPendingTask && f.Status != schema.StatusResolved:
			pending++
		case f.Category == schema.CategoryProblem && f.Status == schema.StatusActive:
			active++
		}
	}
	critical := 0
	for _, a := range alerts {
		if a.Severity == schema.SeverityCritical {
			critical++
		}
	}

	parts := []string{fmt.Sprintf("%d active problem(s)", active)}
	parts = append(parts, fmt.Sprintf("%d pending task(s)", pending))
	if critical > 0 {
		parts = append(parts, fmt.Sprintf("%d critical safety alert(s)", critical))
	}
	return "Compiled state: " + strings.Join(parts, ", ") + ". Review safety alerts before acting."
}
