package matcher

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/trial-screening-engine/internal/domain"
)

func TestClassify(t *testing.T) {
	dka := keyTerms("History of DKA")
	assert.Equal(t, []string{"diabetic", "ketoacidosis"}, dka)

	tests := []struct {
		snippet string
		want    Polarity
	}{
		{"Admitted for DKA in March 2019", Supports},
		{"No history of diabetic ketoacidosis", Contradicts},
		{"Patient is negative for diabetic ketoacidosis", Contradicts},
		{"Diabetic ketoacidosis resolved without sequelae", Contradicts},
		{"Euglycemic ketosis risk with SGLT2 inhibitors", Neutral},
		{"Blood pressure well controlled", Neutral},
	}
	for _, tt := range tests {
		t.Run(tt.snippet, func(t *testing.T) {
			assert.Equal(t, tt.want, classify(criterionTerms("History of DKA"), tt.snippet))
		})
	}
}

func TestClassify_Qualifiers_And_Sentences(t *testing.T) {
	tests := []struct {
		name      string
		criterion string
		snippet   string
		want      Polarity
	}{
		{"Subtype_Number_Must_Match", "Type 1 diabetes", "Long-standing type 2 diabetes on metformin", Neutral},
		{"Subtype_Number_Present", "Type 1 diabetes", "Type 1 diabetes since childhood", Supports},
		{"Number_Elsewhere_Is_Not_Subtype", "Type 1 diabetes", "Type 2 diabetes, 1 hypoglycaemic episode", Neutral},
		{"Qualifier_Required", "Acute pancreatitis", "Chronic pancreatitis with calcifications", Neutral},
		{"Qualifier_Present", "Acute pancreatitis", "Admitted with acute pancreatitis in 2019", Supports},
		{"Duration_Number_Not_Required", "Stable metformin dose for at least 3 months", "Metformin dose stable since 2021", Supports},
		{"Negation_Stops_At_Sentence", "History of pancreatitis", "No fever. Admitted with pancreatitis in 2019", Supports},
		{"Negation_Within_Sentence", "History of pancreatitis", "Admitted with fever. No pancreatitis found", Contradicts},
		{"Decimal_Is_Not_A_Boundary", "History of pancreatitis", "Lipase 3.5 times normal, no pancreatitis", Contradicts},
		{"Sentences_Disagree", "History of pancreatitis", "Pancreatitis in 2019; no pancreatitis on repeat imaging", Neutral},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classify(criterionTerms(tt.criterion), tt.snippet))
		})
	}
}

func TestLexicalJudge_Judge(t *testing.T) {
	j := NewLexicalJudge(0.3, 60)
	c := domain.Criterion{ID: "EXC-3", Text: "History of diabetic ketoacidosis"}

	t.Run("Majority_Below_Conflict_Threshold", func(t *testing.T) {
		jd := j.Judge(c, lexicalOnly(
			"DKA admission 2019",
			"Diabetic ketoacidosis treated in ICU",
			"Recurrent diabetic ketoacidosis",
			"Diabetic ketoacidosis documented twice",
			"No diabetic ketoacidosis since 2020",
		))
		assert.Equal(t, domain.StatusMatch, jd.Status)
		assert.False(t, jd.Conflict)
		assert.Equal(t, 4, jd.Support)
		assert.Equal(t, 1, jd.Contradict)
		assert.InDelta(t, 0.5, jd.Confidence, 1e-9)
	})

	t.Run("Irrelevant_Evidence_Is_Missing", func(t *testing.T) {
		jd := j.Judge(c, lexicalOnly("Blood pressure 130/80"))
		assert.Equal(t, domain.StatusMissingData, jd.Status)
		assert.Zero(t, jd.Confidence)
		assert.Empty(t, jd.EvidenceIDs)
	})

	t.Run("Empty_Evidence", func(t *testing.T) {
		jd := j.Judge(c, nil)
		assert.Equal(t, domain.StatusMissingData, jd.Status)
	})

	t.Run("Reference_Snippets_Are_Context", func(t *testing.T) {
		evidence := lexicalOnly("Diabetic ketoacidosis is a known risk with SGLT2 inhibitors")
		evidence[0].Source = domain.SourceReference
		jd := j.Judge(c, evidence)
		assert.Equal(t, domain.StatusMissingData, jd.Status)
		assert.Equal(t, 1, jd.Context)
		assert.Zero(t, jd.Support)
		assert.Empty(t, jd.EvidenceIDs)
	})

	t.Run("Reference_Does_Not_Outvote_Patient", func(t *testing.T) {
		evidence := lexicalOnly(
			"Acute pancreatitis has been reported with GLP-1 receptor agonists",
			"No history of pancreatitis",
		)
		evidence[0].Source = domain.SourceReference
		jd := j.Judge(domain.Criterion{ID: "EXC-4", Text: "History of pancreatitis"}, evidence)
		assert.Equal(t, domain.StatusNoMatch, jd.Status)
		assert.Equal(t, []string{"doc-2"}, jd.EvidenceIDs)
		// confidence follows the patient snippet, ranked second
		assert.InDelta(t, (1.0/62)/(2.0/61), jd.Confidence, 1e-9)
	})

	t.Run("Wrong_Subtype_Is_Missing", func(t *testing.T) {
		jd := j.Judge(domain.Criterion{ID: "EXC-1", Text: "Type 1 diabetes"},
			lexicalOnly("Long-standing type 2 diabetes on metformin"))
		assert.Equal(t, domain.StatusMissingData, jd.Status)
		assert.Zero(t, jd.Confidence)
	})
}
