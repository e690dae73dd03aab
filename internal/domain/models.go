package domain

import "time"

// QuestionType enumerates the supported question formats.
type QuestionType string

const (
	QuestionMultipleChoice QuestionType = "multiple_choice"
	QuestionTrueFalse      QuestionType = "true_false"
	QuestionShortAnswer    QuestionType = "short_answer"
	QuestionEssay          QuestionType = "essay"
	QuestionFillBlank      QuestionType = "fill_blank"
)

// AssessmentKind distinguishes time-boxed quizzes from deadline-boxed assignments.
type AssessmentKind string

const (
	KindQuiz       AssessmentKind = "quiz"
	KindAssignment AssessmentKind = "assignment"
)

// Option represents a possible answer for a multiple-choice question.
type Option struct {
	ID      string `json:"id" yaml:"id"`
	Text    string `json:"text" yaml:"text"`
	Correct bool   `json:"correct" yaml:"correct"`
}

// Question is a single gradable item. Multiple-choice questions are keyed by
// Options[].Correct; every other type uses Accepted.
type Question struct {
	ID       string       `json:"id" yaml:"id"`
	Type     QuestionType `json:"type" yaml:"type"`
	Prompt   string       `json:"prompt" yaml:"prompt"`
	Options  []Option     `json:"options,omitempty" yaml:"options"`
	Accepted []string     `json:"accepted,omitempty" yaml:"accepted"`
	Points   float64      `json:"points" yaml:"points"` // defaults to 1 if zero
	// CaseSensitive disables case folding for short-answer and fill-blank matching.
	CaseSensitive bool `json:"caseSensitive,omitempty" yaml:"caseSensitive"`
}

// PointValue returns the question's weight, defaulting to 1.
func (q Question) PointValue() float64 {
	if q.Points <= 0 {
		return 1
	}
	return q.Points
}

// Settings are the authoring-side knobs that govern attempts.
type Settings struct {
	TimeLimitMinutes   *int       `json:"timeLimit,omitempty" yaml:"timeLimit"` // nil means unlimited
	AttemptLimit       int        `json:"attemptLimit" yaml:"attemptLimit"`
	PassingScore       float64    `json:"passingScore" yaml:"passingScore"` // percent, 0-100
	AvailableFrom      *time.Time `json:"availableFrom,omitempty" yaml:"availableFrom"`
	AvailableUntil     *time.Time `json:"availableUntil,omitempty" yaml:"availableUntil"`
	ShuffleQuestions   bool       `json:"shuffleQuestions" yaml:"shuffleQuestions"`
	ShuffleOptions     bool       `json:"shuffleOptions" yaml:"shuffleOptions"`
	ShowCorrectAnswers bool       `json:"showCorrectAnswers" yaml:"showCorrectAnswers"`
	AllowReview        bool       `json:"allowReview" yaml:"allowReview"`
}

// TimeLimit converts the minute setting into a duration. Zero means unlimited.
func (s Settings) TimeLimit() time.Duration {
	if s.TimeLimitMinutes == nil || *s.TimeLimitMinutes <= 0 {
		return 0
	}
	return time.Duration(*s.TimeLimitMinutes) * time.Minute
}

// MaxAttempts returns the attempt limit, treating unset as a single attempt.
func (s Settings) MaxAttempts() int {
	if s.AttemptLimit < 1 {
		return 1
	}
	return s.AttemptLimit
}

// AssignmentSettings replaces the time limit for deadline-boxed submissions.
type AssignmentSettings struct {
	DueDate                time.Time  `json:"dueDate" yaml:"dueDate"`
	LateSubmissionDeadline *time.Time `json:"lateSubmissionDeadline,omitempty" yaml:"lateSubmissionDeadline"`
	LateSubmissionPenalty  float64    `json:"lateSubmissionPenalty" yaml:"lateSubmissionPenalty"` // percent
}

// ClosesAt is the last instant a submission is accepted.
func (a AssignmentSettings) ClosesAt() time.Time {
	if a.LateSubmissionDeadline != nil && a.LateSubmissionDeadline.After(a.DueDate) {
		return *a.LateSubmissionDeadline
	}
	return a.DueDate
}

// Assessment is immutable per version and read-only to the attempt engine.
type Assessment struct {
	ID         string              `json:"id" yaml:"id"`
	Title      string              `json:"title" yaml:"title"`
	Kind       AssessmentKind      `json:"kind" yaml:"kind"`
	Questions  []Question          `json:"questions" yaml:"questions"`
	Settings   Settings            `json:"settings" yaml:"settings"`
	Assignment *AssignmentSettings `json:"assignment,omitempty" yaml:"assignment"`
}

// IsAssignment reports whether the assessment follows the due-date variant.
func (a Assessment) IsAssignment() bool {
	return a.Kind == KindAssignment && a.Assignment != nil
}

// Question looks up a question by ID.
func (a Assessment) Question(id string) (Question, bool) {
	for _, q := range a.Questions {
		if q.ID == id {
			return q, true
		}
	}
	return Question{}, false
}

// Answers maps question IDs to submitted values. Keys may be sparse.
type Answers map[string]any

// Merge returns a copy of a with every key from delta applied (last write wins).
func (a Answers) Merge(delta Answers) Answers {
	out := make(Answers, len(a)+len(delta))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range delta {
		out[k] = v
	}
	return out
}

// Clone copies the map.
func (a Answers) Clone() Answers {
	return a.Merge(nil)
}

// FileRef points at an artifact held by the external blob store.
type FileRef struct {
	Filename     string `json:"filename" yaml:"filename"`
	OriginalName string `json:"originalName" yaml:"originalName"`
	URL          string `json:"url" yaml:"url"`
	Size         int64  `json:"size" yaml:"size"`
}

// MergeFiles replaces refs by filename and appends new ones.
func MergeFiles(current, delta []FileRef) []FileRef {
	if len(delta) == 0 {
		return current
	}
	out := make([]FileRef, 0, len(current)+len(delta))
	index := make(map[string]int, len(current))
	for _, f := range current {
		index[f.Filename] = len(out)
		out = append(out, f)
	}
	for _, f := range delta {
		if i, ok := index[f.Filename]; ok {
			out[i] = f
			continue
		}
		index[f.Filename] = len(out)
		out = append(out, f)
	}
	return out
}

// SubmitReason records why an attempt was finalized.
type SubmitReason string

const (
	ReasonManual      SubmitReason = "manual"
	ReasonAutoTimeout SubmitReason = "auto-timeout"
)

// Valid reports whether r is a known reason.
func (r SubmitReason) Valid() bool {
	return r == ReasonManual || r == ReasonAutoTimeout
}

// AttemptState is the coarse lifecycle position of an attempt.
type AttemptState string

const (
	StateNotStarted AttemptState = "not_started"
	StateInProgress AttemptState = "in_progress"
	StateCompleted  AttemptState = "completed"
)

// Attempt is one learner's instance of taking an assessment.
type Attempt struct {
	ID            string       `json:"id"`
	AssessmentID  string       `json:"assessmentId"`
	LearnerID     string       `json:"learnerId"`
	AttemptNumber int          `json:"attemptNumber"`
	StartedAt     time.Time    `json:"startedAt"`
	CompletedAt   *time.Time   `json:"completedAt,omitempty"`
	Answers       Answers      `json:"answers"`
	Files         []FileRef    `json:"files,omitempty"`
	Score         *float64     `json:"score,omitempty"`
	MaxScore      float64      `json:"maxScore"`
	Passed        *bool        `json:"passed,omitempty"`
	Reason        SubmitReason `json:"reason,omitempty"`
	LateApplied   bool         `json:"lateApplied"`
	NeedsManual   bool         `json:"needsManualGrading"`
}

// Completed reports whether the attempt reached its terminal state.
func (a Attempt) Completed() bool {
	return a.CompletedAt != nil
}

// State derives the lifecycle state.
func (a Attempt) State() AttemptState {
	if a.Completed() {
		return StateCompleted
	}
	return StateInProgress
}

// Result returns the frozen outcome of a completed attempt.
func (a Attempt) Result() (Result, bool) {
	if !a.Completed() {
		return Result{}, false
	}
	res := Result{
		AttemptID:   a.ID,
		CompletedAt: *a.CompletedAt,
		MaxScore:    a.MaxScore,
		Reason:      a.Reason,
		LateApplied: a.LateApplied,
		NeedsManual: a.NeedsManual,
	}
	if a.Score != nil {
		res.Score = *a.Score
	}
	if a.Passed != nil {
		res.Passed = *a.Passed
	}
	return res, true
}

// Result is the outcome exposed to the presenter once an attempt is finalized.
type Result struct {
	AttemptID   string       `json:"attemptId"`
	CompletedAt time.Time    `json:"completedAt"`
	Score       float64      `json:"score"`
	MaxScore    float64      `json:"maxScore"`
	Passed      bool         `json:"passed"`
	Reason      SubmitReason `json:"reason"`
	LateApplied bool         `json:"lateApplied"`
	NeedsManual bool         `json:"needsManualGrading"`
}

// Finalization is the computed payload written by the single terminal transition.
type Finalization struct {
	Answers     Answers
	Files       []FileRef
	Score       float64
	MaxScore    float64
	Passed      bool
	CompletedAt time.Time
	Reason      SubmitReason
	LateApplied bool
	NeedsManual bool
}

// FinalizeFunc computes the terminal payload from the attempt as stored at
// the moment of the terminal write.
type FinalizeFunc func(current Attempt) Finalization

// Apply returns a copy of a in its finalized form.
func (f Finalization) Apply(a Attempt) Attempt {
	score, passed, completedAt := f.Score, f.Passed, f.CompletedAt
	a.Answers = f.Answers.Clone()
	a.Files = f.Files
	a.Score = &score
	a.MaxScore = f.MaxScore
	a.Passed = &passed
	a.CompletedAt = &completedAt
	a.Reason = f.Reason
	a.LateApplied = f.LateApplied
	a.NeedsManual = f.NeedsManual
	return a
}

// NewAttempt describes an attempt the store should create.
type NewAttempt struct {
	ID           string
	AssessmentID string
	LearnerID    string
	AttemptLimit int
	StartedAt    time.Time
}

// Status is the read-only view polled by presenters.
type Status struct {
	AttemptID      string              `json:"attemptId"`
	State          AttemptState        `json:"state"`
	Remaining      *time.Duration      `json:"-"`
	Deadline       *time.Time          `json:"deadline,omitempty"`
	Answers        Answers             `json:"answers"`
	Files          []FileRef           `json:"files,omitempty"`
	Result         *Result             `json:"result,omitempty"`
	CorrectAnswers map[string][]string `json:"correctAnswers,omitempty"`
}

// EventType labels attempt events fanned out to live sessions.
type EventType string

const (
	EventSaved     EventType = "saved"
	EventCompleted EventType = "completed"
)

// AttemptEvent is published whenever an attempt changes.
type AttemptEvent struct {
	Type      EventType `json:"type"`
	AttemptID string    `json:"attemptId"`
	Result    *Result   `json:"result,omitempty"`
	At        time.Time `json:"at"`
}
