package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type QuestionType string

const (
	QuestionTypeMultipleChoice QuestionType = "multiple_choice"
	QuestionTypeTrueFalse      QuestionType = "true_false"
	QuestionTypeShortAnswer    QuestionType = "short_answer"
)

// Exam is the immutable view of an exam as seen by the attempt engine.
type Exam struct {
	ExamID          int64
	Name            string
	DurationMinutes int
	// PassScore is a percentage in [0, 100].
	PassScore decimal.Decimal
	// MaxAttempts is the retake limit, 0 means unlimited.
	MaxAttempts int
	// AssignedTo restricts the exam to a single user when set.
	AssignedTo *int64
}

// Duration returns the wall-clock length of a single attempt.
func (e Exam) Duration() time.Duration {
	return time.Duration(e.DurationMinutes) * time.Minute
}

// OpenTo reports whether the given user may take the exam.
func (e Exam) OpenTo(userID int64) bool {
	return e.AssignedTo == nil || *e.AssignedTo == userID
}

type Question struct {
	QuestionID    int64
	ExamID        int64
	QuestionText  string
	QuestionType  QuestionType
	CorrectAnswer string
	Options       []string
}

// PresentedOptions returns the options shown to a candidate. True/false questions without stored
// options get the implicit pair.
func (q Question) PresentedOptions() []string {
	if len(q.Options) == 0 && q.QuestionType == QuestionTypeTrueFalse {
		return []string{"True", "False"}
	}

	opts := make([]string, len(q.Options))
	copy(opts, q.Options)
	return opts
}

type AttemptStatus string

const (
	AttemptStatusInProgress AttemptStatus = "in_progress"
	AttemptStatusCompleted  AttemptStatus = "completed"
	AttemptStatusExpired    AttemptStatus = "expired"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s AttemptStatus) IsTerminal() bool {
	return s == AttemptStatusCompleted || s == AttemptStatusExpired
}

// Attempt is one timed instance of a user taking an exam.
type Attempt struct {
	AttemptID     int64
	UserID        int64
	ExamID        int64
	AttemptNumber int
	Status        AttemptStatus
	StartedAt     time.Time
	ExpiresAt     time.Time
	SubmittedAt   *time.Time

	// QuestionOrder is frozen at creation and never re-shuffled.
	QuestionOrder []int64
	// OptionOrder holds the options as they were shown at creation, keyed by question ID.
	OptionOrder map[int64][]string

	// Answers, Score and Passed are only populated once the attempt is scored.
	Answers map[int64]string
	Score   *decimal.Decimal
	Passed  bool

	IPAddress string
	UserAgent string
}

// ExpiredAt reports whether the attempt deadline has passed at now.
func (a Attempt) ExpiredAt(now time.Time) bool {
	return now.After(a.ExpiresAt)
}

// Remaining returns the time left before the deadline, never negative.
func (a Attempt) Remaining(now time.Time) time.Duration {
	if d := a.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Result is the latest scored outcome of a user for an exam. It is overwritten by every scored
// attempt, so an earlier higher score can be replaced by a later lower one.
type Result struct {
	UserID  int64
	ExamID  int64
	Score   decimal.Decimal
	Passed  bool
	TakenAt time.Time
}

type Certificate struct {
	CertificateID     int64
	UserID            int64
	ExamID            int64
	CertificateNumber string
	Name              string
	Institution       string
	Score             decimal.Decimal
	IssuedAt          time.Time
}

type ActivityType string

const (
	ActivityExamStarted       ActivityType = "exam_started"
	ActivityExamSubmitted     ActivityType = "exam_submitted"
	ActivityCertificateIssued ActivityType = "certificate_issued"
)

type Activity struct {
	UserID    int64
	Type      ActivityType
	IPAddress string
	Details   string
	Timestamp time.Time
}

// Caller is the authenticated principal of a request.
type Caller struct {
	UserID    int64
	Username  string
	FullName  string
	Staff     bool
	IPAddress string
	UserAgent string
}

// DisplayName is the name printed on certificates.
func (c Caller) DisplayName() string {
	if c.FullName != "" {
		return c.FullName
	}
	return c.Username
}

// Leaderboard lists users by accumulated points, highest first.
type Leaderboard struct {
	Entries []LeaderboardEntry
}

type LeaderboardEntry struct {
	UserID int64
	Points float64
}
