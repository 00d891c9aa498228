package matcher

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/trial-screening-engine/internal/domain"
)

// comparator applies one operator to a criterion and the patient's recorded value
type comparator func(c domain.Criterion, p *domain.PatientProfile) (outcome, error)

// notPregnant is the implied pregnancy status for male patients
const notPregnant = "not pregnant"

func (m *Matcher) evaluateStructured(ctx context.Context, c domain.Criterion, p *domain.PatientProfile) (outcome, error) {
	if err := ctx.Err(); err != nil {
		return outcome{}, err
	}
	if c.Field == "" {
		return outcome{}, domain.NewAmbiguousCriterionError(c.ID, "structured criterion names no patient field")
	}

	cmp, ok := m.comparators[c.Operator]
	if !ok {
		return outcome{}, domain.NewAmbiguousCriterionError(c.ID, fmt.Sprintf("operator %q does not apply to structured data", c.Operator))
	}

	if !p.IsPresent(c.Field) && !impliedByOtherFields(c.Field, p) {
		return outcome{
			status:        domain.StatusMissingData,
			confidence:    0,
			patientValue:  "not recorded",
			reasoning:     reasoningTrace(c, "not recorded", c.Field+" absent from profile", domain.StatusMissingData),
			deterministic: true,
		}, nil
	}

	out, err := cmp(c, p)
	if err != nil {
		return outcome{}, err
	}
	out.deterministic = true
	out.confidence = 1.0
	return out, nil
}

// impliedByOtherFields covers fields whose value follows from another recorded field
func impliedByOtherFields(field string, p *domain.PatientProfile) bool {
	return field == domain.FieldPregnancy && isMale(p)
}

func isMale(p *domain.PatientProfile) bool {
	switch strings.ToLower(strings.TrimSpace(p.Demographics.Sex)) {
	case "m", "male":
		return true
	}
	return false
}

func statusOf(matched bool) domain.MatchStatus {
	if matched {
		return domain.StatusMatch
	}
	return domain.StatusNoMatch
}

func compareRange(c domain.Criterion, p *domain.PatientProfile) (outcome, error) {
	if c.Min == nil && c.Max == nil {
		return outcome{}, domain.NewAmbiguousCriterionError(c.ID, "range criterion has neither min nor max")
	}
	value, display, err := numericValue(c, p)
	if err != nil {
		return outcome{}, err
	}

	matched := (c.Min == nil || value >= *c.Min) && (c.Max == nil || value <= *c.Max)
	status := statusOf(matched)
	comparison := fmt.Sprintf("%s within %s", formatNumber(value), describeBounds(c))
	if !matched {
		comparison = fmt.Sprintf("%s outside %s", formatNumber(value), describeBounds(c))
	}
	return outcome{
		status:       status,
		patientValue: display,
		reasoning:    reasoningTrace(c, display, comparison, status),
	}, nil
}

func compareEq(c domain.Criterion, p *domain.PatientProfile) (outcome, error) {
	if len(c.Values) == 0 {
		return outcome{}, domain.NewAmbiguousCriterionError(c.ID, "eq criterion has no target value")
	}

	if isNumericField(c.Field) {
		target, err := strconv.ParseFloat(strings.TrimSpace(c.Values[0]), 64)
		if err != nil {
			return outcome{}, domain.NewAmbiguousCriterionError(c.ID, fmt.Sprintf("eq target %q is not numeric", c.Values[0]))
		}
		value, display, err := numericValue(c, p)
		if err != nil {
			return outcome{}, err
		}
		matched := math.Abs(value-target) < 1e-9
		status := statusOf(matched)
		return outcome{
			status:       status,
			patientValue: display,
			reasoning:    reasoningTrace(c, display, fmt.Sprintf("%s = %s", formatNumber(value), c.Values[0]), status),
		}, nil
	}

	value, err := categoricalValue(c, p)
	if err != nil {
		return outcome{}, err
	}
	matched := containsFold(c.Values, value)
	status := statusOf(matched)
	return outcome{
		status:       status,
		patientValue: value,
		reasoning:    reasoningTrace(c, value, fmt.Sprintf("%q = %q", value, strings.Join(c.Values, "|")), status),
	}, nil
}

func compareMembership(c domain.Criterion, p *domain.PatientProfile) (outcome, error) {
	if len(c.Values) == 0 {
		return outcome{}, domain.NewAmbiguousCriterionError(c.ID, "membership criterion has no target values")
	}

	var (
		recorded []string
		hit      string
	)
	switch c.Field {
	case domain.FieldDiagnoses:
		for _, d := range p.Diagnoses {
			recorded = append(recorded, describeDiagnosis(d))
			if hit == "" && diagnosisMatches(d, c.Values) {
				hit = describeDiagnosis(d)
			}
		}
	case domain.FieldMedications:
		for _, med := range p.Medications {
			recorded = append(recorded, describeMedication(med))
			if hit == "" && medicationMatches(med, c.Values) {
				hit = describeMedication(med)
			}
		}
	default:
		value, err := categoricalValue(c, p)
		if err != nil {
			return outcome{}, err
		}
		recorded = []string{value}
		if containsFold(c.Values, value) {
			hit = value
		}
	}

	display := strings.Join(recorded, "; ")
	if display == "" {
		display = "none recorded"
	}
	targets := strings.Join(c.Values, ", ")
	if hit != "" {
		return outcome{
			status:       domain.StatusMatch,
			patientValue: hit,
			reasoning:    reasoningTrace(c, display, fmt.Sprintf("%s in {%s}", hit, targets), domain.StatusMatch),
		}, nil
	}
	return outcome{
		status:       domain.StatusNoMatch,
		patientValue: display,
		reasoning:    reasoningTrace(c, display, fmt.Sprintf("none in {%s}", targets), domain.StatusNoMatch),
	}, nil
}

func isNumericField(field string) bool {
	return field == domain.FieldAge || field == domain.FieldBMI || strings.HasPrefix(field, domain.LabFieldPrefix)
}

// numericValue returns the patient's value in the criterion's unit
func numericValue(c domain.Criterion, p *domain.PatientProfile) (float64, string, error) {
	switch {
	case c.Field == domain.FieldAge:
		if p.Demographics.Age == nil {
			return 0, "", domain.NewAmbiguousCriterionError(c.ID, "age flagged present but has no value")
		}
		age := *p.Demographics.Age
		if age < 0 || age > 150 {
			return 0, "", domain.NewAmbiguousCriterionError(c.ID, fmt.Sprintf("implausible age %v", age))
		}
		return age, formatNumber(age), nil
	case c.Field == domain.FieldBMI:
		if p.Vitals.BMI == nil {
			return 0, "", domain.NewAmbiguousCriterionError(c.ID, "BMI flagged present but has no value")
		}
		bmi := *p.Vitals.BMI
		if bmi <= 0 {
			return 0, "", domain.NewAmbiguousCriterionError(c.ID, fmt.Sprintf("implausible BMI %v", bmi))
		}
		return bmi, formatNumber(bmi), nil
	case c.IsLabField():
		lab, ok := p.Lab(c.LabName())
		if !ok {
			return 0, "", domain.NewAmbiguousCriterionError(c.ID, "lab flagged present but has no value")
		}
		if math.IsNaN(lab.Value) || math.IsInf(lab.Value, 0) {
			return 0, "", domain.NewAmbiguousCriterionError(c.ID, "lab value is not a number")
		}
		display := strings.TrimSpace(formatNumber(lab.Value) + " " + lab.Unit)
		value, err := convertUnit(c.LabName(), lab.Value, lab.Unit, c.Unit)
		if err != nil {
			return 0, "", domain.NewAmbiguousCriterionError(c.ID, err.Error())
		}
		if value != lab.Value {
			display = fmt.Sprintf("%s (%s %s)", display, formatNumber(value), c.Unit)
		}
		return value, display, nil
	}
	return 0, "", domain.NewAmbiguousCriterionError(c.ID, fmt.Sprintf("field %q is not numeric", c.Field))
}

func categoricalValue(c domain.Criterion, p *domain.PatientProfile) (string, error) {
	var v string
	switch c.Field {
	case domain.FieldSex:
		v = p.Demographics.Sex
	case domain.FieldSmoking:
		v = p.Lifestyle.SmokingStatus
	case domain.FieldPregnancy:
		v = p.Lifestyle.PregnancyStatus
		if v == "" && isMale(p) {
			v = notPregnant
		}
	default:
		return "", domain.NewAmbiguousCriterionError(c.ID, fmt.Sprintf("field %q is not categorical", c.Field))
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return "", domain.NewAmbiguousCriterionError(c.ID, fmt.Sprintf("field %q is flagged present but empty", c.Field))
	}
	return v, nil
}

func diagnosisMatches(d domain.Diagnosis, targets []string) bool {
	code := strings.ToUpper(strings.TrimSpace(d.Code))
	display := strings.ToLower(d.Display)
	for _, t := range targets {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if code != "" && strings.HasPrefix(code, strings.ToUpper(t)) {
			return true
		}
		if strings.Contains(display, strings.ToLower(t)) {
			return true
		}
	}
	return false
}

func medicationMatches(med domain.Medication, targets []string) bool {
	name := strings.ToLower(med.Name)
	generic := strings.ToLower(med.GenericName)
	for _, t := range targets {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if strings.Contains(name, t) || (generic != "" && strings.Contains(generic, t)) {
			return true
		}
	}
	return false
}

func describeDiagnosis(d domain.Diagnosis) string {
	if d.Code == "" {
		return d.Display
	}
	return fmt.Sprintf("%s (%s)", d.Display, d.Code)
}

func describeMedication(med domain.Medication) string {
	return strings.TrimSpace(med.Name + " " + med.Dose)
}

func describeBounds(c domain.Criterion) string {
	unit := ""
	if c.Unit != "" {
		unit = " " + c.Unit
	}
	switch {
	case c.Min != nil && c.Max != nil:
		return fmt.Sprintf("[%s, %s]%s", formatNumber(*c.Min), formatNumber(*c.Max), unit)
	case c.Min != nil:
		return fmt.Sprintf(">= %s%s", formatNumber(*c.Min), unit)
	default:
		return fmt.Sprintf("<= %s%s", formatNumber(*c.Max), unit)
	}
}

func containsFold(values []string, v string) bool {
	for _, candidate := range values {
		if strings.EqualFold(strings.TrimSpace(candidate), v) {
			return true
		}
	}
	return false
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(math.Round(v*100)/100, 'f', -1, 64)
}
