// Package safety implements the third pipeline pass: mandatory-field checks,
// critical lab thresholds, high-risk medication flags, and interaction
// detection. Rule tables are versioned configuration data, not inline logic,
// so they can be audited and updated without touching pipeline code.
package safety

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// LabThreshold bounds a lab value. A nil bound means no limit in that
// direction. Values strictly outside the bounds are critical.
type LabThreshold struct {
	Low     *float64 `yaml:"low"`
	High    *float64 `yaml:"high"`
	Unit    string   `yaml:"unit"`
	Aliases []string `yaml:"aliases"`
}

// Interaction names a pair of agents that must not be co-prescribed without
// review.
type Interaction struct {
	A    string `yaml:"a"`
	B    string `yaml:"b"`
	Note string `yaml:"note"`
}

// Rules is the full safety rule table for one run.
type Rules struct {
	Version      string                  `yaml:"version"`
	CriticalLabs map[string]LabThreshold `yaml:"critical_labs"`
	HighRiskMeds []string                `yaml:"high_risk_meds"`
	Interactions []Interaction           `yaml:"interactions"`
}

func f(v float64) *float64 { return &v }

// DefaultRules returns the built-in rule table. Thresholds follow common UK
// critical-reporting limits; the medication list covers anticoagulants,
// insulin, sulfonylureas, opioids, and narrow-therapeutic-index agents.
func DefaultRules() Rules {
	return Rules{
		Version: "builtin-1",
		CriticalLabs: map[string]LabThreshold{
			"potassium":   {Low: f(2.5), High: f(6.0), Unit: "mmol/L", Aliases: []string{"k", "k+"}},
			"sodium":      {Low: f(125), High: f(155), Unit: "mmol/L", Aliases: []string{"na", "na+"}},
			"glucose":     {Low: f(2.0), High: f(25.0), Unit: "mmol/L", Aliases: []string{"bm", "bg"}},
			"haemoglobin": {Low: f(70), Unit: "g/L", Aliases: []string{"hb", "hemoglobin"}},
			"platelets":   {Low: f(50), Unit: "x10^9/L", Aliases: []string{"plt", "platelet"}},
			"inr":         {High: f(5.0)},
			"creatinine":  {High: f(400), Unit: "umol/L", Aliases: []string{"cr", "creat"}},
		},
		HighRiskMeds: []string{
			"warfarin", "heparin", "enoxaparin", "rivaroxaban", "apixaban", "dabigatran",
			"insulin", "gliclazide", "glipizide", "glimepiride",
			"morphine", "oxycodone", "fentanyl", "codeine", "tramadol",
			"digoxin", "amiodarone",
			"methotrexate", "lithium",
		},
		Interactions: []Interaction{
			{A: "warfarin", B: "aspirin", Note: "bleeding risk"},
			{A: "warfarin", B: "ibuprofen", Note: "bleeding risk"},
			{A: "warfarin", B: "amiodarone", Note: "INR potentiation"},
			{A: "methotrexate", B: "trimethoprim", Note: "bone marrow suppression"},
			{A: "lithium", B: "ibuprofen", Note: "lithium toxicity"},
			{A: "tramadol", B: "sertraline", Note: "serotonin syndrome"},
		},
	}
}

// LoadRules reads a YAML rule file. Sections absent from the file fall back
// to the built-in table, so a deployment can override just the thresholds or
// just the medication list.
func LoadRules(path string) (Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, eris.Wrapf(err, "safety: read rules %s", path)
	}
	var loaded Rules
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return Rules{}, eris.Wrapf(err, "safety: parse rules %s", path)
	}

	merged := DefaultRules()
	if loaded.Version != "" {
		merged.Version = loaded.Version
	}
	if len(loaded.CriticalLabs) > 0 {
		merged.CriticalLabs = loaded.CriticalLabs
	}
	if len(loaded.HighRiskMeds) > 0 {
		merged.HighRiskMeds = loaded.HighRiskMeds
	}
	if len(loaded.Interactions) > 0 {
		merged.Interactions = loaded.Interactions
	}
	return merged, nil
}

// labFor resolves a lab name or alias (case-insensitive) to its canonical
// name and threshold. ok is false for unknown labs.
func (r Rules) labFor(name string) (string, LabThreshold, bool) {
	needle := strings.ToLower(strings.TrimSpace(name))
	if t, ok := r.CriticalLabs[needle]; ok {
		return needle, t, true
	}
	for canonical, t := range r.CriticalLabs {
		for _, alias := range t.Aliases {
			if alias == needle {
				return canonical, t, true
			}
		}
	}
	return "", LabThreshold{}, false
}

// exceeds reports whether v is outside the threshold, and in which
// direction.
func (t LabThreshold) exceeds(v float64) (bool, string) {
	if t.Low != nil && v < *t.Low {
		return true, "low"
	}
	if t.High != nil && v > *t.High {
		return true, "high"
	}
	return false, ""
}
