package grading

import (
	"errors"
	"math"
	"strconv"
	"strings"

	"quiz-attempt-service/internal/domain"
)

var errResponseType = errors.New("unexpected response type")

// Result is the outcome of grading one question.
type Result struct {
	Awarded     float64
	Max         float64
	NeedsManual bool
}

// Strategy grades a single question type.
type Strategy interface {
	Grade(q domain.Question, response any) (Result, error)
}

// Outcome aggregates the per-question results for a whole attempt.
type Outcome struct {
	Score       float64
	MaxScore    float64 // auto-gradable points only
	NeedsManual bool
}

// Percent returns Score as a share of MaxScore in [0, 100].
func (o Outcome) Percent() float64 {
	if o.MaxScore <= 0 {
		return 0
	}
	return o.Score / o.MaxScore * 100
}

// Option customizes the grader.
type Option func(*config)

type config struct {
	partialMulti bool
}

// WithPartialCredit awards proportional credit for multi-select answers that
// contain no wrong option.
func WithPartialCredit(b bool) Option { return func(c *config) { c.partialMulti = b } }

// Grader routes questions to the strategy for their type.
type Grader struct {
	strategies map[domain.QuestionType]Strategy
}

// NewGrader installs the built-in strategies.
func NewGrader(opts ...Option) *Grader {
	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}
	return &Grader{
		strategies: map[domain.QuestionType]Strategy{
			domain.QuestionMultipleChoice: multipleChoice{partial: cfg.partialMulti},
			domain.QuestionTrueFalse:      trueFalse{},
			domain.QuestionShortAnswer:    textMatch{},
			domain.QuestionFillBlank:      textMatch{},
			domain.QuestionEssay:          essay{},
		},
	}
}

// Grade scores one response. Malformed responses earn zero points.
func (g *Grader) Grade(q domain.Question, response any) Result {
	s, ok := g.strategies[q.Type]
	if !ok {
		return Result{Max: q.PointValue(), NeedsManual: true}
	}
	res, err := s.Grade(q, response)
	if err != nil {
		return Result{Max: res.Max}
	}
	return res
}

// Score grades every question of a against the answers map. Unanswered
// questions count towards MaxScore but award nothing; essays are excluded
// from MaxScore and flag the attempt for manual grading when answered.
func (g *Grader) Score(a domain.Assessment, answers domain.Answers) Outcome {
	var out Outcome
	for _, q := range a.Questions {
		if q.Type == domain.QuestionEssay {
			if resp, ok := answers[q.ID]; ok && !isBlank(resp) {
				out.NeedsManual = true
			}
			continue
		}
		out.MaxScore += q.PointValue()
		resp, ok := answers[q.ID]
		if !ok {
			continue
		}
		res := g.Grade(q, resp)
		out.Score += res.Awarded
		out.NeedsManual = out.NeedsManual || res.NeedsManual
	}
	out.Score = round2(out.Score)
	out.MaxScore = round2(out.MaxScore)
	return out
}

// ApplyLatePenalty reduces score multiplicatively by penalty percent.
func ApplyLatePenalty(score, penaltyPercent float64) float64 {
	if penaltyPercent <= 0 {
		return score
	}
	if penaltyPercent >= 100 {
		return 0
	}
	return round2(score * (1 - penaltyPercent/100))
}

// Passed compares the percentage against the passing score. With nothing
// auto-gradable the attempt passes only when the threshold is zero.
func Passed(score, maxScore, passingScore float64) bool {
	if maxScore <= 0 {
		return passingScore <= 0
	}
	return score/maxScore*100 >= passingScore
}

// CorrectAnswers lists the accepted answers per question for review screens.
func CorrectAnswers(a domain.Assessment) map[string][]string {
	out := make(map[string][]string, len(a.Questions))
	for _, q := range a.Questions {
		switch q.Type {
		case domain.QuestionMultipleChoice:
			out[q.ID] = correctOptionIDs(q)
		case domain.QuestionEssay:
		default:
			if len(q.Accepted) > 0 {
				out[q.ID] = append([]string(nil), q.Accepted...)
			}
		}
	}
	return out
}

// --- Strategies ---

type multipleChoice struct{ partial bool }

func (s multipleChoice) Grade(q domain.Question, response any) (Result, error) {
	res := Result{Max: q.PointValue()}
	correct := toSet(correctOptionIDs(q))
	// a bare option ID is a one-element selection
	picked, ok := toStrings(response)
	if choice, single := response.(string); single {
		picked, ok = []string{choice}, true
	}
	if !ok {
		return res, errResponseType
	}
	selected := toSet(picked)
	if setEqual(correct, selected) {
		res.Awarded = res.Max
		return res, nil
	}
	if !s.partial || len(correct) == 0 {
		return res, nil
	}
	hits := 0
	for k := range selected {
		if _, ok := correct[k]; !ok {
			return res, nil
		}
		hits++
	}
	res.Awarded = round2(res.Max * float64(hits) / float64(len(correct)))
	return res, nil
}

type trueFalse struct{}

func (trueFalse) Grade(q domain.Question, response any) (Result, error) {
	res := Result{Max: q.PointValue()}
	if len(q.Accepted) == 0 {
		return res, nil
	}
	want, err := strconv.ParseBool(strings.TrimSpace(q.Accepted[0]))
	if err != nil {
		return res, err
	}
	var got bool
	switch v := response.(type) {
	case bool:
		got = v
	case string:
		got, err = strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return res, errResponseType
		}
	default:
		return res, errResponseType
	}
	if got == want {
		res.Awarded = res.Max
	}
	return res, nil
}

type textMatch struct{}

func (textMatch) Grade(q domain.Question, response any) (Result, error) {
	res := Result{Max: q.PointValue()}
	var raw string
	switch v := response.(type) {
	case string:
		raw = v
	case float64:
		raw = strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		raw = strconv.Itoa(v)
	default:
		return res, errResponseType
	}
	got := normalize(raw, q.CaseSensitive)
	for _, accepted := range q.Accepted {
		if normalize(accepted, q.CaseSensitive) == got {
			res.Awarded = res.Max
			return res, nil
		}
	}
	return res, nil
}

type essay struct{}

func (essay) Grade(q domain.Question, _ any) (Result, error) {
	return Result{Max: q.PointValue(), NeedsManual: true}, nil
}

// helpers

// normalize trims and collapses whitespace, folding case unless caseSensitive.
func normalize(s string, caseSensitive bool) string {
	s = strings.Join(strings.Fields(s), " ")
	if caseSensitive {
		return s
	}
	return strings.ToLower(s)
}

func correctOptionIDs(q domain.Question) []string {
	ids := make([]string, 0, 1)
	for _, o := range q.Options {
		if o.Correct {
			ids = append(ids, o.ID)
		}
	}
	return ids
}

func toStrings(v any) ([]string, bool) {
	switch t := v.(type) {
	case []string:
		return t, true
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			s, ok := e.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}

func toSet(arr []string) map[string]struct{} {
	m := make(map[string]struct{}, len(arr))
	for _, s := range arr {
		m[s] = struct{}{}
	}
	return m
}

func setEqual(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

func isBlank(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	default:
		return false
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
