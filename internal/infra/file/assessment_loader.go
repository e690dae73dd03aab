package file

import (
	"context"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"quiz-attempt-service/internal/domain"
)

type document struct {
	Assessments []domain.Assessment `yaml:"assessments"`
}

// AssessmentLoader serves assessments parsed from a YAML seed file.
type AssessmentLoader struct {
	assessments map[string]domain.Assessment
}

// Load reads and validates the YAML document at path.
func Load(path string) (*AssessmentLoader, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	l, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return l, nil
}

func Parse(data []byte) (*AssessmentLoader, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	l := &AssessmentLoader{assessments: make(map[string]domain.Assessment, len(doc.Assessments))}
	for i, a := range doc.Assessments {
		if err := validate(a); err != nil {
			return nil, fmt.Errorf("assessment %d: %w", i, err)
		}
		if a.Kind == "" {
			a.Kind = domain.KindQuiz
		}
		if _, dup := l.assessments[a.ID]; dup {
			return nil, fmt.Errorf("assessment %d: duplicate id %q", i, a.ID)
		}
		l.assessments[a.ID] = a
	}
	return l, nil
}

func (l *AssessmentLoader) LoadAssessment(_ context.Context, assessmentID string) (domain.Assessment, error) {
	if a, ok := l.assessments[assessmentID]; ok {
		return a, nil
	}
	return domain.Assessment{}, domain.ErrAssessmentNotFound
}

// All returns every assessment ordered by ID.
func (l *AssessmentLoader) All() []domain.Assessment {
	out := make([]domain.Assessment, 0, len(l.assessments))
	for _, a := range l.assessments {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func validate(a domain.Assessment) error {
	if a.ID == "" {
		return fmt.Errorf("missing id")
	}
	switch a.Kind {
	case "", domain.KindQuiz:
	case domain.KindAssignment:
		if a.Assignment == nil || a.Assignment.DueDate.IsZero() {
			return fmt.Errorf("%s: assignment requires a due date", a.ID)
		}
	default:
		return fmt.Errorf("%s: unknown kind %q", a.ID, a.Kind)
	}
	// omit timeLimit for an untimed quiz; zero is not a synonym
	if tl := a.Settings.TimeLimitMinutes; tl != nil && *tl <= 0 {
		return fmt.Errorf("%s: timeLimit must be positive, got %d", a.ID, *tl)
	}
	seen := make(map[string]struct{}, len(a.Questions))
	for _, q := range a.Questions {
		if q.ID == "" {
			return fmt.Errorf("%s: question without id", a.ID)
		}
		if _, dup := seen[q.ID]; dup {
			return fmt.Errorf("%s: duplicate question %q", a.ID, q.ID)
		}
		seen[q.ID] = struct{}{}
	}
	return nil
}
