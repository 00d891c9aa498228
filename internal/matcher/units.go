package matcher

import (
	"fmt"
	"strings"

	"github.com/trial-screening-engine/internal/domain"
)

// unitConversion converts a lab value between two canonical units
type unitConversion struct {
	from, to string
	convert  func(float64) float64
}

// conversions is keyed by normalized lab name
var conversions = map[string][]unitConversion{
	// IFCC mmol/mol to NGSP percent
	"hba1c": {
		{from: "mmol/mol", to: "%", convert: func(v float64) float64 { return v/10.929 + 2.15 }},
		{from: "%", to: "mmol/mol", convert: func(v float64) float64 { return (v - 2.15) * 10.929 }},
	},
	"glucose": {
		{from: "mmol/l", to: "mg/dl", convert: func(v float64) float64 { return v * 18.016 }},
		{from: "mg/dl", to: "mmol/l", convert: func(v float64) float64 { return v / 18.016 }},
	},
	"creatinine": {
		{from: "umol/l", to: "mg/dl", convert: func(v float64) float64 { return v / 88.42 }},
		{from: "mg/dl", to: "umol/l", convert: func(v float64) float64 { return v * 88.42 }},
	},
}

var unitAliases = map[string]string{
	"percent":           "%",
	"µmol/l":            "umol/l",
	"μmol/l":            "umol/l",
	"ml/min/1.73m2":     "ml/min/1.73m2",
	"ml/min/1.73m²":     "ml/min/1.73m2",
	"ml/min/1.73 m2":    "ml/min/1.73m2",
	"ml/min/1.73 m²":    "ml/min/1.73m2",
	"kg/m2":             "kg/m2",
	"kg/m²":             "kg/m2",
	"mmol/mol hb":       "mmol/mol",
	"mg/dl (fasting)":   "mg/dl",
	"mmol/l (fasting)":  "mmol/l",
	"ml/min per 1.73m2": "ml/min/1.73m2",
}

func canonicalUnit(unit string) string {
	u := strings.ToLower(strings.TrimSpace(unit))
	if alias, ok := unitAliases[u]; ok {
		return alias
	}
	return strings.ReplaceAll(u, " ", "")
}

// convertUnit expresses value in the target unit. Either unit being empty means
// the value is taken as already expressed in the criterion's unit.
func convertUnit(lab string, value float64, from, to string) (float64, error) {
	f, t := canonicalUnit(from), canonicalUnit(to)
	if f == "" || t == "" || f == t {
		return value, nil
	}
	for _, conv := range conversions[domain.NormalizeLabName(lab)] {
		if conv.from == f && conv.to == t {
			return conv.convert(value), nil
		}
	}
	return 0, fmt.Errorf("no conversion for %s from %q to %q", lab, from, to)
}
