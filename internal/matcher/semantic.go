package matcher

import (
	"context"
	"errors"
	"strings"

	"github.com/trial-screening-engine/internal/domain"
	"github.com/trial-screening-engine/internal/knowledge"
	"github.com/trial-screening-engine/internal/retrieval"
)

// maxQueryEntities caps the patient entities appended to a retrieval query
const maxQueryEntities = 5

func (m *Matcher) evaluateSemantic(ctx context.Context, c domain.Criterion, p *domain.PatientProfile) (outcome, error) {
	if m.evidence == nil {
		return missingEvidence(c, "no knowledge store configured"), nil
	}

	q := retrieval.Query{Criterion: c.Text, Entities: relevantEntities(c, p)}
	evidence, err := m.evidence.Retrieve(ctx, q, m.config.TopK)
	if errors.Is(err, domain.ErrNoEvidenceFound) {
		return missingEvidence(c, "no evidence found"), nil
	}
	if err != nil {
		return outcome{}, err
	}

	jd := m.judge.Judge(c, evidence)
	out := outcome{
		status:       jd.Status,
		confidence:   jd.Confidence,
		evidence:     evidence,
		evidenceIDs:  jd.EvidenceIDs,
		patientValue: summarizeEvidence(evidence, jd.EvidenceIDs),
		reasoning:    jd.Reasoning,
	}
	if jd.Conflict {
		out.concerns = append(out.concerns, "conflicting evidence")
	}
	if jd.Status == domain.StatusMissingData {
		out.concerns = append(out.concerns, "retrieved evidence does not address the criterion")
		out.deterministic = true
	}
	return out, nil
}

func missingEvidence(c domain.Criterion, why string) outcome {
	return outcome{
		status:        domain.StatusMissingData,
		confidence:    0,
		patientValue:  "no evidence",
		reasoning:     reasoningTrace(c, "no evidence", why, domain.StatusMissingData),
		deterministic: true,
	}
}

// relevantEntities picks patient diagnoses, medications and history lines that
// share a content term with the criterion
func relevantEntities(c domain.Criterion, p *domain.PatientProfile) []string {
	terms := map[string]struct{}{}
	for _, t := range keyTerms(c.Text) {
		terms[t] = struct{}{}
	}

	var candidates []string
	for _, d := range p.Diagnoses {
		candidates = append(candidates, d.Display)
	}
	for _, med := range p.Medications {
		candidates = append(candidates, med.Name)
	}
	candidates = append(candidates, p.History...)

	var entities []string
	seen := map[string]struct{}{}
	for _, cand := range candidates {
		if len(entities) == maxQueryEntities {
			break
		}
		key := strings.ToLower(strings.TrimSpace(cand))
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		for _, t := range knowledge.Tokenize(retrieval.ExpandAbbreviations(cand)) {
			if _, ok := terms[t]; ok {
				entities = append(entities, cand)
				seen[key] = struct{}{}
				break
			}
		}
	}
	return entities
}

// summarizeEvidence is the patient value column for semantic criteria
func summarizeEvidence(evidence []domain.RetrievedEvidence, used []string) string {
	if len(used) == 0 {
		return "no relevant evidence"
	}
	for _, e := range evidence {
		if e.DocumentID == used[0] {
			text := strings.TrimSpace(e.Text)
			if r := []rune(text); len(r) > 120 {
				text = string(r[:117]) + "..."
			}
			return text
		}
	}
	return used[0]
}
