// Package compile orchestrates a full compilation run: document registration,
// extraction, verification, safety audit, conflict resolution, and snapshot
// assembly. Every pass completes before the next begins; the safety audit
// always runs over verified extractions, never raw candidates.
package compile

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/AnshvardhanShetty/CLINITY/internal/extract"
	"github.com/AnshvardhanShetty/CLINITY/internal/registry"
	"github.com/AnshvardhanShetty/CLINITY/internal/resolve"
	"github.com/AnshvardhanShetty/CLINITY/internal/safety"
	"github.com/AnshvardhanShetty/CLINITY/internal/schema"
	"github.com/AnshvardhanShetty/CLINITY/internal/snapshot"
	"github.com/AnshvardhanShetty/CLINITY/internal/verify"
)

// DefaultRunTimeout bounds one full compilation run. When it expires the run
// still returns a snapshot; documents that missed the window show up as gaps.
const DefaultRunTimeout = 120 * time.Second

// Completer is the model surface the pipeline passes share. Satisfied by
// *capability.Client.
type Completer interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Options configures one compilation run.
type Options struct {
	Mode              schema.Mode
	RunTimeout        time.Duration
	Rules             safety.Rules
	MaxConcurrentDocs int
}

// Compiler runs the multi-pass pipeline.
type Compiler struct {
	client Completer
	opts   Options
}

// New constructs a Compiler. Zero-value options get defaults: handover mode,
// DefaultRunTimeout, built-in safety rules.
func New(client Completer, opts Options) *Compiler {
	if opts.Mode == "" {
		opts.Mode = schema.ModeHandover
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = DefaultRunTimeout
	}
	if opts.Rules.Version == "" {
		opts.Rules = safety.DefaultRules()
	}
	return &Compiler{client: client, opts: opts}
}

// Run compiles the given documents into a ClinicalSnapshot. A run with zero
// documents succeeds and reports both mandatory fields missing. Model
// failures degrade individual documents into gaps; they do not fail the run.
// The only errors returned are structural: invalid document sets or
// provenance citing unregistered documents.
func (c *Compiler) Run(ctx context.Context, docs []schema.Document) (schema.ClinicalSnapshot, error) {
	runID := uuid.NewString()
	log := zap.L().With(zap.String("run_id", runID))

	reg, err := registry.New(docs)
	if err != nil {
		return schema.ClinicalSnapshot{}, eris.Wrap(err, "compile: register documents")
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.RunTimeout)
	defer cancel()

	started := time.Now()
	log.Info("compile: run started",
		zap.Int("documents", reg.Count()),
		zap.String("mode", string(c.opts.Mode)),
	)

	extractions, gaps := extract.New(c.client, c.opts.MaxConcurrentDocs).All(ctx, reg)
	if err := reg.ValidateProvenance(extractions); err != nil {
		return schema.ClinicalSnapshot{}, eris.Wrap(err, "compile: provenance check")
	}
	log.Info("compile: extraction complete",
		zap.Int("candidates", len(extractions)),
		zap.Int("gaps", len(gaps)),
	)

	verified := verify.New(c.client, reg).All(ctx, extractions)
	log.Info("compile: verification complete",
		zap.Int("kept", len(verified)),
		zap.Int("rejected", len(extractions)-len(verified)),
	)

	audit := safety.NewAuditor(c.opts.Rules, reg).Audit(verified)
	log.Info("compile: safety audit complete",
		zap.Int("alerts", len(audit.Alerts)),
		zap.Strings("missing_mandatory", audit.MissingMandatory),
	)

	facts := resolve.New(reg).All(audit.Extractions)

	snap := snapshot.New(c.client, reg).Build(ctx, snapshot.Input{
		RunID:            runID,
		Mode:             c.opts.Mode,
		Facts:            facts,
		Alerts:           audit.Alerts,
		MissingMandatory: audit.MissingMandatory,
		Gaps:             gaps,
	})

	log.Info("compile: run finished",
		zap.Duration("elapsed", time.Since(started)),
		zap.Int("facts", len(facts)),
		zap.Int("conflicts", len(snap.UnresolvedConflicts)),
	)
	return snap, nil
}
