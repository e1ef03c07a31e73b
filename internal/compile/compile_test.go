package compile

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AnshvardhanShetty/CLINITY/internal/safety"
	"github.com/AnshvardhanShetty/CLINITY/internal/schema"
)

// stageClient routes calls by pipeline stage, recognized from the system
// prompt, with optional per-document extraction failures.
type stageClient struct {
	extractByDoc map[string]string
	extractErrs  map[string]error
	judge        string
	synthesis    string
	synthesisErr error
}

func (s *stageClient) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	switch {
	case strings.Contains(systemPrompt, "extraction system"):
		for docID, err := range s.extractErrs {
			if strings.Contains(userPrompt, "DOCUMENT ID: "+docID) {
				return "", err
			}
		}
		for docID, resp := range s.extractByDoc {
			if strings.Contains(userPrompt, "DOCUMENT ID: "+docID) {
				return resp, nil
			}
		}
		return `{"entities":[]}`, nil
	case strings.Contains(systemPrompt, "verification system"):
		if s.judge != "" {
			return s.judge, nil
		}
		return `{"supported": true, "confidence": 0.9, "note": "clear"}`, nil
	default:
		if s.synthesisErr != nil {
			return "", s.synthesisErr
		}
		return s.synthesis, nil
	}
}

func TestRunEndToEnd(t *testing.T) {
	docs := []schema.Document{
		{
			ID:      "note-1",
			Type:    schema.DocTypedNote,
			RawText: "Admitted with community acquired pneumonia. Allergies: penicillin (rash). On warfarin 3mg od.",
		},
		{
			ID:      "lab-1",
			Type:    schema.DocLabResult,
			RawText: "U&E today: K+ 6.2, Na 141, Cr 88.",
		},
	}

	client := &stageClient{
		extractByDoc: map[string]string{
			"note-1": `{"entities":[
				{"category":"problem","text":"community acquired pneumonia","status":"active","quote":"community acquired pneumonia"},
				{"category":"allergy","text":"penicillin (rash)","status":"unknown","quote":"Allergies: penicillin (rash)"},
				{"category":"medication","text":"warfarin 3mg od","status":"active","quote":"On warfarin 3mg od"}
			]}`,
			"lab-1": `{"entities":[
				{"category":"lab_value","text":"K+ 6.2","status":"active","numeric_value":6.2,"quote":"K+ 6.2"}
			]}`,
		},
		synthesis: "Pneumonia under treatment; hyperkalaemia needs urgent review.",
	}

	snap, err := New(client, Options{Mode: schema.ModeHandover}).Run(context.Background(), docs)
	require.NoError(t, err)

	assert.NotEmpty(t, snap.RunID)
	assert.Equal(t, schema.ModeHandover, snap.Mode)
	assert.Equal(t, 2, snap.SourceCount)
	assert.Empty(t, snap.Gaps)

	// Resus never documented; allergy was.
	assert.Equal(t, []string{safety.MissingResus}, snap.MissingMandatory)

	kinds := make(map[schema.AlertKind]int)
	for _, a := range snap.SafetyAlerts {
		kinds[a.Kind]++
	}
	assert.Equal(t, 1, kinds[schema.AlertCriticalLab])
	assert.Equal(t, 1, kinds[schema.AlertAllergy])
	assert.Equal(t, 1, kinds[schema.AlertHighRiskMed])
	assert.Equal(t, schema.SeverityCritical, snap.SafetyAlerts[0].Severity)

	assert.Equal(t, "Pneumonia under treatment; hyperkalaemia needs urgent review.", snap.CurrentStatusText)
	assert.NotEmpty(t, snap.Sections)
	assert.Empty(t, snap.UnresolvedConflicts)
	assert.Equal(t, "lab_result", snap.Sources["lab-1"])
}

func TestRunZeroDocuments(t *testing.T) {
	client := &stageClient{}
	snap, err := New(client, Options{}).Run(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, 0, snap.SourceCount)
	assert.Len(t, snap.MissingMandatory, 2)
	assert.Empty(t, snap.Sections)
	assert.Equal(t, "No clinical data extracted from the provided documents.", snap.CurrentStatusText)
}

func TestRunDocumentFailureBecomesGap(t *testing.T) {
	docs := []schema.Document{
		{ID: "good", RawText: "NKDA. For full escalation."},
		{ID: "bad", RawText: "unreadable scan"},
	}
	client := &stageClient{
		extractByDoc: map[string]string{
			"good": `{"entities":[
				{"category":"allergy","text":"NKDA","status":"unknown","quote":"NKDA"},
				{"category":"resus_status","text":"for full escalation","status":"active","quote":"For full escalation"}
			]}`,
		},
		extractErrs: map[string]error{"bad": errors.New("provider down")},
		synthesis:   "Stable.",
	}

	snap, err := New(client, Options{}).Run(context.Background(), docs)
	require.NoError(t, err)

	require.Len(t, snap.Gaps, 1)
	assert.Equal(t, "bad", snap.Gaps[0].DocID)
	assert.Contains(t, snap.Gaps[0].Reason, "provider down")
	assert.Empty(t, snap.MissingMandatory)
}

func TestRunDuplicateDocIDFails(t *testing.T) {
	docs := []schema.Document{
		{ID: "dup", RawText: "a"},
		{ID: "dup", RawText: "b"},
	}
	_, err := New(&stageClient{}, Options{}).Run(context.Background(), docs)
	require.Error(t, err)
}

func TestRunTimeoutYieldsPartialSnapshot(t *testing.T) {
	docs := []schema.Document{{ID: "slow", RawText: "some text"}}
	client := &stageClient{}

	ctx := context.Background()
	snap, err := New(client, Options{RunTimeout: time.Nanosecond}).Run(ctx, docs)
	require.NoError(t, err)

	// The run window elapsed before extraction; the document shows up as a
	// gap rather than failing the run.
	require.Len(t, snap.Gaps, 1)
	assert.Equal(t, "slow", snap.Gaps[0].DocID)
	assert.Len(t, snap.MissingMandatory, 2)
}
