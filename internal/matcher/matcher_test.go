package matcher

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trial-screening-engine/internal/domain"
	"github.com/trial-screening-engine/internal/retrieval"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

func ptr(v float64) *float64 { return &v }

// fakeEvidence returns canned evidence and records the queries it receives
type fakeEvidence struct {
	mu       sync.Mutex
	evidence []domain.RetrievedEvidence
	err      error
	queries  []retrieval.Query
}

func (f *fakeEvidence) Retrieve(ctx context.Context, q retrieval.Query, topK int) ([]domain.RetrievedEvidence, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	if f.err != nil {
		return nil, f.err
	}
	return f.evidence, nil
}

// lexicalOnly builds fused patient record evidence as if only the lexical
// channel answered
func lexicalOnly(texts ...string) []domain.RetrievedEvidence {
	out := make([]domain.RetrievedEvidence, len(texts))
	for i, text := range texts {
		out[i] = domain.RetrievedEvidence{
			DocumentID:  fmt.Sprintf("doc-%d", i+1),
			Text:        text,
			Source:      domain.SourcePatientHistory,
			Score:       1.0 / float64(60+i+1),
			Channel:     domain.ChannelFused,
			LexicalRank: i + 1,
		}
	}
	return out
}

func patient() *domain.PatientProfile {
	return &domain.PatientProfile{
		PatientID:    "PT-001",
		Demographics: domain.Demographics{Age: ptr(58), Sex: "male"},
		Diagnoses: []domain.Diagnosis{
			{Code: "E11.9", Display: "Type 2 diabetes mellitus without complications"},
			{Code: "I10", Display: "Essential hypertension"},
		},
		Medications: []domain.Medication{{Name: "Metformin", Dose: "1000 mg"}},
		Labs: map[string]domain.LabValue{
			"HbA1c": {Value: 64, Unit: "mmol/mol"},
			"eGFR":  {Value: 72, Unit: "mL/min/1.73m2"},
		},
		Vitals:  domain.Vitals{BMI: ptr(31.4)},
		History: []string{"Metformin started 2021, dose unchanged since"},
	}
}

func newTestMatcher(evidence EvidenceSource) *Matcher {
	return NewMatcher(evidence, nil, Config{TopK: 5, RRFConstant: 60, ConflictThreshold: 0.3}, quietLogger())
}

func TestEvaluate_Structured(t *testing.T) {
	m := newTestMatcher(nil)
	ctx := context.Background()

	tests := []struct {
		name      string
		criterion domain.Criterion
		profile   func(p *domain.PatientProfile)
		want      domain.MatchStatus
		wantConf  float64
		valueHas  string
	}{
		{
			name: "Age_In_Range",
			criterion: domain.Criterion{ID: "INC-1", Kind: domain.INCLUSION, Category: domain.CategoryDemographic,
				Text: "Age 18 to 75", Operator: domain.OpRange, Field: domain.FieldAge, Min: ptr(18), Max: ptr(75)},
			want: domain.StatusMatch, wantConf: 1.0, valueHas: "58",
		},
		{
			name: "Age_Out_Of_Range",
			criterion: domain.Criterion{ID: "INC-1", Kind: domain.INCLUSION, Category: domain.CategoryDemographic,
				Text: "Age 18 to 50", Operator: domain.OpRange, Field: domain.FieldAge, Min: ptr(18), Max: ptr(50)},
			want: domain.StatusNoMatch, wantConf: 1.0,
		},
		{
			name: "Age_Missing",
			criterion: domain.Criterion{ID: "INC-1", Kind: domain.INCLUSION, Category: domain.CategoryDemographic,
				Text: "Age 18 to 75", Operator: domain.OpRange, Field: domain.FieldAge, Min: ptr(18), Max: ptr(75)},
			profile: func(p *domain.PatientProfile) { p.Demographics.Age = nil },
			want:    domain.StatusMissingData, wantConf: 0,
		},
		{
			name: "HbA1c_Converted_From_IFCC",
			criterion: domain.Criterion{ID: "INC-3", Kind: domain.INCLUSION, Category: domain.CategoryLaboratory,
				Text: "HbA1c 7.0-10.5%", Operator: domain.OpRange, Field: "lab:hba1c", Min: ptr(7.0), Max: ptr(10.5), Unit: "%"},
			want: domain.StatusMatch, wantConf: 1.0, valueHas: "8.01 %",
		},
		{
			name: "Lower_Bound_Only",
			criterion: domain.Criterion{ID: "INC-5", Kind: domain.INCLUSION, Category: domain.CategoryLaboratory,
				Text: "eGFR >= 45", Operator: domain.OpRange, Field: "lab:egfr", Min: ptr(45), Unit: "mL/min/1.73m²"},
			want: domain.StatusMatch, wantConf: 1.0,
		},
		{
			name: "Diagnosis_Code_Prefix",
			criterion: domain.Criterion{ID: "INC-2", Kind: domain.INCLUSION, Category: domain.CategoryClinical,
				Text: "Type 2 diabetes", Operator: domain.OpMembership, Field: domain.FieldDiagnoses, Values: []string{"E11"}},
			want: domain.StatusMatch, wantConf: 1.0, valueHas: "E11.9",
		},
		{
			name: "Diagnosis_Absent_Is_True_Negative",
			criterion: domain.Criterion{ID: "EXC-1", Kind: domain.EXCLUSION, Category: domain.CategoryClinical,
				Text: "Type 1 diabetes", Operator: domain.OpMembership, Field: domain.FieldDiagnoses, Values: []string{"E10", "type 1 diabetes"}},
			want: domain.StatusNoMatch, wantConf: 1.0,
		},
		{
			name: "Diagnoses_Flagged_Missing",
			criterion: domain.Criterion{ID: "EXC-1", Kind: domain.EXCLUSION, Category: domain.CategoryClinical,
				Text: "Type 1 diabetes", Operator: domain.OpMembership, Field: domain.FieldDiagnoses, Values: []string{"E10"}},
			profile: func(p *domain.PatientProfile) { p.Present = map[string]bool{domain.FieldDiagnoses: false} },
			want:    domain.StatusMissingData, wantConf: 0,
		},
		{
			name: "Medication_Case_Insensitive",
			criterion: domain.Criterion{ID: "INC-4", Kind: domain.INCLUSION, Category: domain.CategoryMedication,
				Text: "On metformin", Operator: domain.OpMembership, Field: domain.FieldMedications, Values: []string{"metformin"}},
			want: domain.StatusMatch, wantConf: 1.0,
		},
		{
			name: "Male_Patient_Not_Pregnant",
			criterion: domain.Criterion{ID: "EXC-4", Kind: domain.EXCLUSION, Category: domain.CategoryLifestyle,
				Text: "Pregnant", Operator: domain.OpEq, Field: domain.FieldPregnancy, Values: []string{"pregnant"}},
			want: domain.StatusNoMatch, wantConf: 1.0, valueHas: "not pregnant",
		},
		{
			name: "Sex_Eq",
			criterion: domain.Criterion{ID: "INC-9", Kind: domain.INCLUSION, Category: domain.CategoryDemographic,
				Text: "Male", Operator: domain.OpEq, Field: domain.FieldSex, Values: []string{"Male"}},
			want: domain.StatusMatch, wantConf: 1.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := patient()
			if tt.profile != nil {
				tt.profile(p)
			}
			eval, err := m.Evaluate(ctx, tt.criterion, p)
			require.NoError(t, err)

			assert.Equal(t, tt.want, eval.Assessment.Status)
			assert.InDelta(t, tt.wantConf, eval.Assessment.Confidence, 1e-9)
			assert.True(t, eval.Assessment.Deterministic)
			assert.True(t, eval.IsTerminal())
			assert.Equal(t, []State{StatePending, StateEvaluating, TerminalState(tt.want)}, eval.Trace)
			assert.Contains(t, eval.Assessment.Reasoning, tt.criterion.Text)
			if tt.valueHas != "" {
				assert.Contains(t, eval.Assessment.PatientValue, tt.valueHas)
			}
		})
	}
}

func TestEvaluate_Ambiguous(t *testing.T) {
	m := newTestMatcher(nil)
	ctx := context.Background()

	tests := []struct {
		name      string
		criterion domain.Criterion
	}{
		{"Unknown_Category", domain.Criterion{ID: "X-1", Kind: domain.INCLUSION, Category: "GENOMIC", Text: "BRCA1", Operator: domain.OpEq, Field: "brca1", Values: []string{"positive"}}},
		{"Range_Without_Bounds", domain.Criterion{ID: "X-2", Kind: domain.INCLUSION, Category: domain.CategoryDemographic, Text: "Age", Operator: domain.OpRange, Field: domain.FieldAge}},
		{"Unconvertible_Unit", domain.Criterion{ID: "X-3", Kind: domain.INCLUSION, Category: domain.CategoryLaboratory, Text: "eGFR", Operator: domain.OpRange, Field: "lab:egfr", Min: ptr(45), Unit: "mg/dL"}},
		{"No_Field", domain.Criterion{ID: "X-4", Kind: domain.INCLUSION, Category: domain.CategoryVital, Text: "BMI", Operator: domain.OpRange, Min: ptr(25)}},
		{"Non_Numeric_Eq_Target", domain.Criterion{ID: "X-5", Kind: domain.INCLUSION, Category: domain.CategoryVital, Text: "BMI", Operator: domain.OpEq, Field: domain.FieldBMI, Values: []string{"obese"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eval, err := m.Evaluate(ctx, tt.criterion, patient())
			require.Error(t, err)
			assert.True(t, domain.IsAmbiguous(err), "got %v", err)
			assert.False(t, eval.IsTerminal())
			assert.Equal(t, StateEvaluating, eval.Trace[len(eval.Trace)-1])
		})
	}
}

func TestEvaluate_Semantic(t *testing.T) {
	ctx := context.Background()
	dka := domain.Criterion{ID: "EXC-3", Kind: domain.EXCLUSION, Category: domain.CategoryMedicalHistory,
		Text: "History of DKA", Operator: domain.OpSemantic}
	stable := domain.Criterion{ID: "INC-7", Kind: domain.INCLUSION, Category: domain.CategoryMedication,
		Text: "Stable metformin dose for at least 3 months", Operator: domain.OpSemantic}

	t.Run("Supporting_Evidence_Matches", func(t *testing.T) {
		source := &fakeEvidence{evidence: lexicalOnly(
			"Metformin 1000 mg twice daily, dose unchanged for the past 6 months",
			"Metformin dose stable since 2021",
		)}
		eval, err := newTestMatcher(source).Evaluate(ctx, stable, patient())
		require.NoError(t, err)

		assert.Equal(t, domain.StatusMatch, eval.Assessment.Status)
		assert.InDelta(t, 0.5, eval.Assessment.Confidence, 1e-9)
		assert.Equal(t, []string{"doc-1", "doc-2"}, eval.Assessment.EvidenceIDs)
		assert.False(t, eval.Assessment.Deterministic)
		assert.Len(t, eval.Evidence, 2)

		require.Len(t, source.queries, 1)
		assert.Equal(t, stable.Text, source.queries[0].Criterion)
		assert.Contains(t, source.queries[0].Entities, "Metformin")
	})

	t.Run("Negated_Evidence_Contradicts", func(t *testing.T) {
		source := &fakeEvidence{evidence: lexicalOnly(
			"No history of diabetic ketoacidosis",
			"Patient denies prior diabetic ketoacidosis episodes",
		)}
		eval, err := newTestMatcher(source).Evaluate(ctx, dka, patient())
		require.NoError(t, err)
		assert.Equal(t, domain.StatusNoMatch, eval.Assessment.Status)
	})

	t.Run("Conflicting_Evidence_Is_Uncertain", func(t *testing.T) {
		source := &fakeEvidence{evidence: lexicalOnly(
			"Admitted with diabetic ketoacidosis in 2019",
			"Diabetic ketoacidosis episode after missed insulin",
			"No diabetic ketoacidosis on record",
		)}
		eval, err := newTestMatcher(source).Evaluate(ctx, dka, patient())
		require.NoError(t, err)

		assert.Equal(t, domain.StatusUncertain, eval.Assessment.Status)
		assert.InDelta(t, 2.0/3.0, eval.Assessment.Confidence, 1e-9)
		assert.Contains(t, eval.Assessment.Concerns, "conflicting evidence")
	})

	t.Run("No_Evidence_Is_Missing_Data", func(t *testing.T) {
		source := &fakeEvidence{err: domain.ErrNoEvidenceFound}
		eval, err := newTestMatcher(source).Evaluate(ctx, dka, patient())
		require.NoError(t, err)

		assert.Equal(t, domain.StatusMissingData, eval.Assessment.Status)
		assert.Zero(t, eval.Assessment.Confidence)
		assert.Empty(t, eval.Assessment.EvidenceIDs)
	})

	t.Run("Retrieval_Failure_Propagates", func(t *testing.T) {
		source := &fakeEvidence{err: fmt.Errorf("lexical: %w", domain.ErrRetrievalTimeout)}
		eval, err := newTestMatcher(source).Evaluate(ctx, dka, patient())
		assert.ErrorIs(t, err, domain.ErrRetrievalTimeout)
		assert.False(t, eval.IsTerminal())
	})

	t.Run("Medical_History_Routes_To_Semantic", func(t *testing.T) {
		c := dka
		c.Operator = domain.OpEq
		source := &fakeEvidence{evidence: lexicalOnly("No history of diabetic ketoacidosis")}
		_, err := newTestMatcher(source).Evaluate(ctx, c, patient())
		require.NoError(t, err)
		assert.Len(t, source.queries, 1)
	})
}

func TestConclude(t *testing.T) {
	m := newTestMatcher(&fakeEvidence{err: domain.ErrRetrievalUnavailable})
	c := domain.Criterion{ID: "EXC-3", Kind: domain.EXCLUSION, Category: domain.CategoryMedicalHistory, Text: "History of DKA", Operator: domain.OpSemantic}

	eval, err := m.Evaluate(context.Background(), c, patient())
	require.Error(t, err)

	done := Conclude(eval, domain.CriterionAssessment{CriterionID: c.ID, Status: domain.StatusMissingData})
	assert.True(t, done.IsTerminal())
	assert.Equal(t, []State{StatePending, StateEvaluating, State(domain.StatusMissingData)}, done.Trace)

	// concluding twice keeps the first terminal state
	again := Conclude(done, domain.CriterionAssessment{CriterionID: c.ID, Status: domain.StatusUncertain})
	assert.Equal(t, domain.StatusMissingData, again.Assessment.Status)
}

func TestTracker_RejectsIllegalTransitions(t *testing.T) {
	tr := newTracker()
	assert.Error(t, tr.advance(TerminalState(domain.StatusMatch)))
	require.NoError(t, tr.advance(StateEvaluating))
	assert.Error(t, tr.advance(StatePending))
	require.NoError(t, tr.advance(TerminalState(domain.StatusMatch)))
	assert.Error(t, tr.advance(TerminalState(domain.StatusNoMatch)))
}

func TestConvertUnit(t *testing.T) {
	v, err := convertUnit("HbA1c", 53, "mmol/mol", "%")
	require.NoError(t, err)
	assert.InDelta(t, 7.0, v, 0.01)

	v, err = convertUnit("glucose", 7.0, "mmol/L", "mg/dL")
	require.NoError(t, err)
	assert.InDelta(t, 126.1, v, 0.1)

	v, err = convertUnit("egfr", 60, "mL/min/1.73 m²", "mL/min/1.73m2")
	require.NoError(t, err)
	assert.Equal(t, 60.0, v)

	_, err = convertUnit("egfr", 60, "mL/min", "mg/dL")
	assert.Error(t, err)
}
