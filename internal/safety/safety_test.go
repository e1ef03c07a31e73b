package safety

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AnshvardhanShetty/CLINITY/internal/registry"
	"github.com/AnshvardhanShetty/CLINITY/internal/schema"
)

func num(v float64) *float64 { return &v }

func testAuditor(t *testing.T, docs ...schema.Document) *Auditor {
	t.Helper()
	reg, err := registry.New(docs)
	require.NoError(t, err)
	return NewAuditor(DefaultRules(), reg)
}

func findAlert(alerts []schema.SafetyAlert, kind schema.AlertKind) []schema.SafetyAlert {
	var out []schema.SafetyAlert
	for _, a := range alerts {
		if a.Kind == kind {
			out = append(out, a)
		}
	}
	return out
}

func TestCriticalLabAlert(t *testing.T) {
	a := testAuditor(t, schema.Document{ID: "doc-1", RawText: "bloods reviewed"})
	res := a.Audit([]schema.Extraction{{
		ID:           "ex-1",
		Category:     schema.CategoryLabValue,
		Value:        "potassium 6.2",
		NumericValue: num(6.2),
		Provenance:   schema.Provenance{DocID: "doc-1"},
	}})

	labs := findAlert(res.Alerts, schema.AlertCriticalLab)
	require.Len(t, labs, 1)
	assert.Equal(t, schema.SeverityCritical, labs[0].Severity)
	assert.Contains(t, labs[0].Text, "6.2")
	assert.Contains(t, labs[0].Text, "high")
	assert.Equal(t, "doc-1", labs[0].SourceDocID)

	// The extraction carries the annotation; the input set is not mutated in
	// place beyond the returned copy.
	assert.Contains(t, res.Extractions[0].Note, "critical threshold exceeded")
}

func TestCriticalLabAlertEmittedOncePerDocument(t *testing.T) {
	// The same K+ appears both as an extraction and in the raw text scan;
	// only one alert may surface.
	a := testAuditor(t, schema.Document{ID: "doc-1", RawText: "U&E: K+ 6.2, Na 141"})
	res := a.Audit([]schema.Extraction{{
		ID:           "ex-1",
		Category:     schema.CategoryLabValue,
		Value:        "K+ 6.2",
		NumericValue: num(6.2),
		Provenance:   schema.Provenance{DocID: "doc-1"},
	}})

	labs := findAlert(res.Alerts, schema.AlertCriticalLab)
	assert.Len(t, labs, 1)
}

func TestNormalLabNoAlert(t *testing.T) {
	a := testAuditor(t, schema.Document{ID: "doc-1", RawText: "bloods"})
	res := a.Audit([]schema.Extraction{{
		ID:           "ex-1",
		Category:     schema.CategoryLabValue,
		Value:        "potassium 4.1",
		NumericValue: num(4.1),
		Provenance:   schema.Provenance{DocID: "doc-1"},
	}})
	assert.Empty(t, findAlert(res.Alerts, schema.AlertCriticalLab))
}

func TestHighRiskMedicationAlert(t *testing.T) {
	a := testAuditor(t, schema.Document{ID: "doc-1", RawText: "meds reviewed"})
	res := a.Audit([]schema.Extraction{{
		ID:         "ex-1",
		Category:   schema.CategoryMedication,
		Value:      "warfarin 3mg od",
		Status:     schema.StatusActive,
		Provenance: schema.Provenance{DocID: "doc-1"},
	}})

	meds := findAlert(res.Alerts, schema.AlertHighRiskMed)
	require.Len(t, meds, 1)
	assert.Equal(t, schema.SeverityHigh, meds[0].Severity)
	assert.Contains(t, meds[0].Text, "Warfarin")
}

func TestInteractionAlert(t *testing.T) {
	a := testAuditor(t, schema.Document{ID: "doc-1", RawText: "meds"})
	res := a.Audit([]schema.Extraction{
		{ID: "ex-1", Category: schema.CategoryMedication, Value: "warfarin 3mg od", Status: schema.StatusActive, Provenance: schema.Provenance{DocID: "doc-1"}},
		{ID: "ex-2", Category: schema.CategoryMedication, Value: "aspirin 75mg", Status: schema.StatusActive, Provenance: schema.Provenance{DocID: "doc-1"}},
	})

	inter := findAlert(res.Alerts, schema.AlertInteraction)
	require.Len(t, inter, 1)
	assert.Equal(t, schema.SeverityMedium, inter[0].Severity)
	assert.Contains(t, inter[0].Text, "warfarin")
	assert.Contains(t, inter[0].Text, "aspirin")
}

func TestInteractionIgnoresResolvedMeds(t *testing.T) {
	a := testAuditor(t, schema.Document{ID: "doc-1", RawText: "meds"})
	res := a.Audit([]schema.Extraction{
		{ID: "ex-1", Category: schema.CategoryMedication, Value: "warfarin", Status: schema.StatusActive, Provenance: schema.Provenance{DocID: "doc-1"}},
		{ID: "ex-2", Category: schema.CategoryMedication, Value: "aspirin", Status: schema.StatusResolved, Provenance: schema.Provenance{DocID: "doc-1"}},
	})
	assert.Empty(t, findAlert(res.Alerts, schema.AlertInteraction))
}

func TestAllergyAlertSkipsNKDA(t *testing.T) {
	a := testAuditor(t, schema.Document{ID: "doc-1", RawText: "x"})
	res := a.Audit([]schema.Extraction{
		{ID: "ex-1", Category: schema.CategoryAllergy, Value: "penicillin (anaphylaxis)", Provenance: schema.Provenance{DocID: "doc-1"}},
		{ID: "ex-2", Category: schema.CategoryAllergy, Value: "NKDA", Provenance: schema.Provenance{DocID: "doc-1"}},
	})

	allergies := findAlert(res.Alerts, schema.AlertAllergy)
	require.Len(t, allergies, 1)
	assert.Equal(t, schema.SeverityCritical, allergies[0].Severity)
	assert.Contains(t, allergies[0].Text, "penicillin")
}

func TestResusSeverity(t *testing.T) {
	a := testAuditor(t, schema.Document{ID: "doc-1", RawText: "x"})
	res := a.Audit([]schema.Extraction{
		{ID: "ex-1", Category: schema.CategoryResusStatus, Value: "DNACPR discussed and signed", Provenance: schema.Provenance{DocID: "doc-1"}},
	})

	resus := findAlert(res.Alerts, schema.AlertResusStatus)
	require.Len(t, resus, 1)
	assert.Equal(t, schema.SeverityCritical, resus[0].Severity)
}

func TestRawTextScanCatchesMissedFindings(t *testing.T) {
	// Nothing was extracted, but the source text still names a critical lab,
	// a DNAR, an infection flag, and a falls flag.
	a := testAuditor(t, schema.Document{
		ID:      "doc-1",
		RawText: "Handwritten: K+ 6.8, DNAR in place. MRSA positive, high falls risk.",
	})
	res := a.Audit(nil)

	assert.Len(t, findAlert(res.Alerts, schema.AlertCriticalLab), 1)
	assert.Len(t, findAlert(res.Alerts, schema.AlertResusStatus), 1)
	assert.Len(t, findAlert(res.Alerts, schema.AlertInfectionControl), 1)
	assert.Len(t, findAlert(res.Alerts, schema.AlertFallRisk), 1)
}

func TestRawTextScanCatchesMissedAllergy(t *testing.T) {
	a := testAuditor(t, schema.Document{
		ID:      "doc-1",
		RawText: "Allergies: penicillin (anaphylaxis). Obs stable.",
	})
	res := a.Audit(nil)

	allergies := findAlert(res.Alerts, schema.AlertAllergy)
	require.Len(t, allergies, 1)
	assert.Equal(t, schema.SeverityCritical, allergies[0].Severity)
	assert.Contains(t, allergies[0].Text, "penicillin")
	assert.Equal(t, "doc-1", allergies[0].SourceDocID)
}

func TestRawTextScanSkipsNKDA(t *testing.T) {
	a := testAuditor(t, schema.Document{ID: "doc-1", RawText: "Allergies: NKDA per old notes."})
	res := a.Audit(nil)
	assert.Empty(t, findAlert(res.Alerts, schema.AlertAllergy))
}

func TestAllergyAlertEmittedOncePerDocument(t *testing.T) {
	// The same allergy appears both as an extraction and in the raw text scan;
	// only one alert may surface.
	a := testAuditor(t, schema.Document{ID: "doc-1", RawText: "Allergies: penicillin"})
	res := a.Audit([]schema.Extraction{{
		ID:         "ex-1",
		Category:   schema.CategoryAllergy,
		Value:      "penicillin",
		Provenance: schema.Provenance{DocID: "doc-1"},
	}})

	assert.Len(t, findAlert(res.Alerts, schema.AlertAllergy), 1)
}

func TestLabScanMatchesBothHaemoglobinSpellings(t *testing.T) {
	for _, raw := range []string{"Haemoglobin: 62", "Hemoglobin: 62"} {
		a := testAuditor(t, schema.Document{ID: "doc-1", RawText: raw})
		res := a.Audit(nil)
		assert.Len(t, findAlert(res.Alerts, schema.AlertCriticalLab), 1, raw)
	}
}

func TestAlertsSortedBySeverity(t *testing.T) {
	a := testAuditor(t, schema.Document{ID: "doc-1", RawText: "on warfarin and aspirin, K+ 6.5"})
	res := a.Audit(nil)

	require.NotEmpty(t, res.Alerts)
	for i := 1; i < len(res.Alerts); i++ {
		assert.GreaterOrEqual(t,
			res.Alerts[i-1].Severity.Ordinal(), res.Alerts[i].Severity.Ordinal())
	}
	assert.Equal(t, schema.SeverityCritical, res.Alerts[0].Severity)
}

func TestMissingMandatoryDeterministic(t *testing.T) {
	a := testAuditor(t, schema.Document{ID: "doc-1", RawText: "plain note"})

	first := a.Audit(nil)
	second := a.Audit(nil)
	assert.Equal(t, []string{MissingAllergy, MissingResus}, first.MissingMandatory)
	assert.Equal(t, first.MissingMandatory, second.MissingMandatory)

	// Documented allergy clears only the allergy entry.
	res := a.Audit([]schema.Extraction{
		{ID: "ex-1", Category: schema.CategoryAllergy, Value: "NKDA", Provenance: schema.Provenance{DocID: "doc-1"}},
	})
	assert.Equal(t, []string{MissingResus}, res.MissingMandatory)
}

func TestLoadRulesOverridesSections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
version: ward-7b
critical_labs:
  potassium:
    low: 3.0
    high: 5.8
`), 0o644))

	rules, err := LoadRules(path)
	require.NoError(t, err)
	assert.Equal(t, "ward-7b", rules.Version)

	// The named section is replaced wholesale.
	_, threshold, ok := rules.labFor("potassium")
	require.True(t, ok)
	require.NotNil(t, threshold.High)
	assert.InDelta(t, 5.8, *threshold.High, 1e-9)
	_, _, ok = rules.labFor("sodium")
	assert.False(t, ok)

	// Sections absent from the file keep the builtin tables.
	assert.Contains(t, rules.HighRiskMeds, "warfarin")
	assert.NotEmpty(t, rules.Interactions)
}

func TestLoadRulesMissingFile(t *testing.T) {
	_, err := LoadRules(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
