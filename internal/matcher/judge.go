package matcher

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/trial-screening-engine/internal/domain"
	"github.com/trial-screening-engine/internal/knowledge"
	"github.com/trial-screening-engine/internal/retrieval"
)

// Polarity is how one evidence snippet bears on a criterion
type Polarity int

const (
	Neutral Polarity = iota
	Supports
	Contradicts
)

func (p Polarity) String() string {
	switch p {
	case Supports:
		return "supports"
	case Contradicts:
		return "contradicts"
	}
	return "neutral"
}

// Judgment is the verdict on a criterion from a set of evidence. Context counts
// reference snippets, which describe the condition but say nothing about the patient.
type Judgment struct {
	Status      domain.MatchStatus
	Confidence  float64
	Support     int
	Contradict  int
	Neutral     int
	Context     int
	Conflict    bool
	EvidenceIDs []string
	Reasoning   string
}

// EvidenceJudge decides whether evidence supports a criterion. Implementations
// must be safe for concurrent use and deterministic for a given input.
type EvidenceJudge interface {
	Judge(c domain.Criterion, evidence []domain.RetrievedEvidence) Judgment
	Name() string
}

// DefaultConflictThreshold is the minimum share of relevant evidence on each side
// for the verdict to count as conflicting
const DefaultConflictThreshold = 0.3

// minTermOverlap is the share of criterion key terms a snippet needs to be relevant
const minTermOverlap = 0.5

// negation windows, in words
const (
	preNegationWindow  = 5
	postNegationWindow = 3
)

var preNegationCues = map[string]struct{}{
	"no": {}, "not": {}, "denies": {}, "denied": {}, "without": {}, "negative": {},
	"never": {}, "absence": {}, "absent": {}, "free": {}, "none": {}, "nor": {},
}

var postNegationCues = map[string]struct{}{
	"discontinued": {}, "stopped": {}, "resolved": {}, "negative": {}, "absent": {}, "excluded": {},
}

// genericTerms carry no criterion-specific meaning
var genericTerms = map[string]struct{}{
	"history": {}, "patient": {}, "patients": {}, "current": {}, "currently": {},
	"known": {}, "prior": {}, "previous": {}, "diagnosis": {}, "diagnosed": {},
	"least": {}, "more": {}, "than": {}, "within": {}, "any": {}, "evidence": {},
	"months": {}, "month": {}, "years": {}, "year": {}, "weeks": {}, "days": {},
	"clinically": {}, "significant": {}, "documented": {},
}

// LexicalJudge classifies snippets by criterion term overlap and negation cues
type LexicalJudge struct {
	conflictThreshold float64
	rrfConstant       int
}

// NewLexicalJudge creates the reference judge
func NewLexicalJudge(conflictThreshold float64, rrfConstant int) *LexicalJudge {
	if conflictThreshold <= 0 || conflictThreshold > 0.5 {
		conflictThreshold = DefaultConflictThreshold
	}
	if rrfConstant <= 0 {
		rrfConstant = retrieval.DefaultRRFConstant
	}
	return &LexicalJudge{conflictThreshold: conflictThreshold, rrfConstant: rrfConstant}
}

// Name identifies the judge in audit metadata
func (j *LexicalJudge) Name() string {
	return "lexical-negation-judge"
}

// Judge classifies every patient record snippet and derives the criterion
// verdict. Relevant evidence split across both sides above the conflict
// threshold is UNCERTAIN, with the majority share as confidence. Otherwise the
// confidence is the normalized fused score of the best relevant snippet.
func (j *LexicalJudge) Judge(c domain.Criterion, evidence []domain.RetrievedEvidence) Judgment {
	terms := criterionTerms(c.Text)
	var jd Judgment
	best := 0.0
	for _, e := range evidence {
		if !e.FromPatientRecord() {
			jd.Context++
			continue
		}
		switch classify(terms, e.Text) {
		case Supports:
			jd.Support++
		case Contradicts:
			jd.Contradict++
		default:
			jd.Neutral++
			continue
		}
		jd.EvidenceIDs = append(jd.EvidenceIDs, e.DocumentID)
		best = max(best, e.Score)
	}

	relevant := jd.Support + jd.Contradict
	if relevant == 0 {
		jd.Status = domain.StatusMissingData
		jd.Confidence = 0
		jd.Reasoning = fmt.Sprintf("%s -> %d snippets retrieved, none from the patient record address the criterion -> %s",
			c.Text, len(evidence), jd.Status)
		return jd
	}

	supportShare := float64(jd.Support) / float64(relevant)
	contradictShare := float64(jd.Contradict) / float64(relevant)
	counts := fmt.Sprintf("%d supporting, %d contradicting, %d neutral, %d reference", jd.Support, jd.Contradict, jd.Neutral, jd.Context)

	switch {
	case supportShare >= j.conflictThreshold && contradictShare >= j.conflictThreshold:
		jd.Conflict = true
		jd.Status = domain.StatusUncertain
		jd.Confidence = max(supportShare, contradictShare)
		jd.Reasoning = fmt.Sprintf("%s -> %s -> conflicting evidence -> %s", c.Text, counts, jd.Status)
		return jd
	case jd.Support > jd.Contradict:
		jd.Status = domain.StatusMatch
	default:
		jd.Status = domain.StatusNoMatch
	}
	jd.Confidence = retrieval.NormalizedScore(best, j.rrfConstant)
	jd.Reasoning = fmt.Sprintf("%s -> %s -> evidence %s -> %s", c.Text, counts, dominant(jd), jd.Status)
	return jd
}

func dominant(jd Judgment) string {
	if jd.Support > jd.Contradict {
		return Supports.String()
	}
	return Contradicts.String()
}

// keyTerms are the criterion's content words with abbreviations expanded
func keyTerms(text string) []string {
	seen := map[string]struct{}{}
	var terms []string
	for _, t := range knowledge.Tokenize(retrieval.ExpandAbbreviations(text)) {
		if _, generic := genericTerms[t]; generic {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		terms = append(terms, t)
	}
	return terms
}

// rawWords keeps stopwords, which carry the negation cues
func rawWords(text string) []string {
	return strings.FieldsFunc(strings.ToLower(retrieval.ExpandAbbreviations(text)), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// qualifiers narrow a condition; a snippet that lacks one is about something else
var qualifiers = map[string]struct{}{
	"acute": {}, "chronic": {}, "active": {}, "severe": {}, "uncontrolled": {},
	"recurrent": {}, "metastatic": {}, "gestational": {}, "malignant": {}, "unstable": {},
	"refractory": {}, "proliferative": {}, "persistent": {}, "symptomatic": {},
}

// durationUnits follow numbers that bound a period rather than name a subtype
var durationUnits = map[string]struct{}{
	"day": {}, "days": {}, "week": {}, "weeks": {}, "month": {}, "months": {}, "year": {}, "years": {},
}

// termSet is what a snippet must mention to address a criterion. Every required
// phrase must appear verbatim; the key terms must overlap by minTermOverlap.
type termSet struct {
	terms    []string
	required [][]string
}

// criterionTerms derives the key terms and required phrases of a criterion. A
// bare number is bound to the word before it ("type 1", "stage 3") unless it counts
// a duration or follows a stopword.
func criterionTerms(text string) termSet {
	ts := termSet{terms: keyTerms(text)}
	words := rawWords(text)
	for i, w := range words {
		if _, ok := qualifiers[w]; ok {
			ts.required = append(ts.required, []string{w})
			continue
		}
		if !isNumber(w) {
			continue
		}
		if i+1 < len(words) {
			if _, ok := durationUnits[words[i+1]]; ok {
				continue
			}
		}
		if i > 0 && len(knowledge.Tokenize(words[i-1])) > 0 && !strings.ContainsFunc(words[i-1], unicode.IsDigit) {
			ts.required = append(ts.required, []string{words[i-1], w})
			continue
		}
		ts.required = append(ts.required, []string{w})
	}
	return ts
}

func isNumber(w string) bool {
	return w != "" && !strings.ContainsFunc(w, func(r rune) bool { return !unicode.IsDigit(r) })
}

// sentences splits a snippet so negation cues cannot reach across a boundary.
// A period inside a number ("7.5") does not end a sentence.
func sentences(text string) []string {
	var out []string
	runes := []rune(text)
	start := 0
	for i, r := range runes {
		boundary := false
		switch r {
		case '!', '?', ';', '\n':
			boundary = true
		case '.':
			boundary = i+1 == len(runes) || unicode.IsSpace(runes[i+1])
		}
		if !boundary {
			continue
		}
		if s := strings.TrimSpace(string(runes[start:i])); s != "" {
			out = append(out, s)
		}
		start = i + 1
	}
	if s := strings.TrimSpace(string(runes[start:])); s != "" {
		out = append(out, s)
	}
	return out
}

// classify decides the polarity of one snippet against the criterion. Each
// sentence is judged on its own; sentences that disagree leave the snippet neutral.
func classify(ts termSet, snippet string) Polarity {
	if len(ts.terms) == 0 {
		return Neutral
	}
	result := Neutral
	for _, sentence := range sentences(snippet) {
		p := classifySentence(ts, rawWords(sentence))
		if p == Neutral {
			continue
		}
		if result != Neutral && result != p {
			return Neutral
		}
		result = p
	}
	return result
}

func classifySentence(ts termSet, words []string) Polarity {
	for _, phrase := range ts.required {
		if !containsPhrase(words, phrase) {
			return Neutral
		}
	}

	positions := map[string]int{}
	for i, w := range words {
		if _, ok := positions[w]; !ok {
			positions[w] = i
		}
	}

	hits := 0
	first, last := -1, -1
	for _, t := range ts.terms {
		pos, ok := positions[t]
		if !ok {
			continue
		}
		hits++
		if first < 0 || pos < first {
			first = pos
		}
		if pos > last {
			last = pos
		}
	}
	if float64(hits)/float64(len(ts.terms)) < minTermOverlap {
		return Neutral
	}

	for i := max(0, first-preNegationWindow); i < first; i++ {
		if _, neg := preNegationCues[words[i]]; neg {
			return Contradicts
		}
	}
	for i := last + 1; i < len(words) && i <= last+postNegationWindow; i++ {
		if _, neg := postNegationCues[words[i]]; neg {
			return Contradicts
		}
	}
	return Supports
}

func containsPhrase(words, phrase []string) bool {
	for i := 0; i+len(phrase) <= len(words); i++ {
		match := true
		for k, p := range phrase {
			if words[i+k] != p {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}
