package attempt

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/victornm/examcert/internal/certificate"
	"github.com/victornm/examcert/internal/domain"
	"github.com/victornm/examcert/internal/errors"
	"github.com/victornm/examcert/internal/event"
	"github.com/victornm/examcert/internal/scoring"
	"github.com/victornm/examcert/internal/telemetry"
)

// maxStartRetries bounds how many times a start losing a creation race is replayed.
const maxStartRetries = 3

// Store is the attempt store and question bank as seen by the controller.
type Store interface {
	GetExam(ctx context.Context, examID int64) (*domain.Exam, error)
	ListQuestions(ctx context.Context, examID int64) ([]domain.Question, error)

	// GetLiveAttempt returns the latest in_progress attempt of the pair, CodeNotFound if there is none.
	GetLiveAttempt(ctx context.Context, userID, examID int64) (*domain.Attempt, error)
	// ExpireAttempt moves an in_progress attempt to expired, it reports false if the attempt had
	// already left in_progress.
	ExpireAttempt(ctx context.Context, attemptID int64, at time.Time) (bool, error)
	CountTerminalAttempts(ctx context.Context, userID, examID int64) (int, error)
	// CreateAttempt inserts a new in_progress attempt and sets its ID. It fails with
	// CodeAlreadyExists if the pair already has a live attempt or the attempt number is taken.
	CreateAttempt(ctx context.Context, a *domain.Attempt) error
	// GetAttempt returns the attempt only if it belongs to the user.
	GetAttempt(ctx context.Context, attemptID, userID int64) (*domain.Attempt, error)
	// ScoreAttempt stores the scored attempt and upserts the result in one transaction, only if the
	// attempt is still in_progress. Otherwise it fails with CodeFailedPrecondition.
	ScoreAttempt(ctx context.Context, a *domain.Attempt, r domain.Result) error

	ListResultsByUser(ctx context.Context, userID int64) ([]domain.Result, error)
	ListResultsByExam(ctx context.Context, examID int64) ([]domain.Result, error)
}

type Issuer interface {
	IssueIfAbsent(ctx context.Context, req certificate.IssueRequest) (*domain.Certificate, bool, error)
}

type Config struct {
	Store    Store
	Issuer   Issuer
	EventBus *event.Bus

	// Now defaults to time.Now.
	Now func() time.Time
	// Shuffle defaults to math/rand/v2 Shuffle, it must be safe for concurrent use.
	Shuffle func(n int, swap func(i, j int))
}

type Service struct {
	store   Store
	issuer  Issuer
	eb      *event.Bus
	now     func() time.Time
	shuffle func(n int, swap func(i, j int))
}

func NewService(c Config) *Service {
	s := &Service{
		store:   c.Store,
		issuer:  c.Issuer,
		eb:      c.EventBus,
		now:     c.Now,
		shuffle: c.Shuffle,
	}

	if s.now == nil {
		s.now = time.Now
	}

	if s.shuffle == nil {
		s.shuffle = rand.Shuffle
	}

	return s
}

// PresentedQuestion is a question as shown to the candidate, it never carries the correct answer.
type PresentedQuestion struct {
	QuestionID   int64
	QuestionText string
	QuestionType domain.QuestionType
	Options      []string
}

type StartResponse struct {
	Attempt     domain.Attempt
	Questions   []PresentedQuestion
	MaxAttempts int
	Remaining   time.Duration
	// Resumed is true when an existing live attempt was returned.
	Resumed bool
}

// Start resumes the caller's live attempt for the exam or creates a new one.
func (s *Service) Start(ctx context.Context, c domain.Caller, examID int64) (*StartResponse, error) {
	if c.Staff {
		return nil, errors.PermissionDenied("staff users cannot take exams")
	}

	exam, err := s.store.GetExam(ctx, examID)
	if err != nil {
		return nil, err
	}

	if !exam.OpenTo(c.UserID) {
		return nil, errors.PermissionDenied("exam %d is not assigned to you", examID)
	}

	for i := 0; i < maxStartRetries; i++ {
		resp, err := s.start(ctx, c, exam)
		if errors.CodeOf(err) != errors.CodeAlreadyExists {
			return resp, err
		}

		slog.InfoContext(ctx, "attempt: lost concurrent start, retrying",
			"user", c.UserID,
			"exam", examID,
			"retry", i+1,
		)
	}

	return nil, errors.New(errors.CodeAlreadyExists,
		errors.WithMessagef("attempt for exam %d is being started concurrently, try again", examID))
}

func (s *Service) start(ctx context.Context, c domain.Caller, exam *domain.Exam) (*StartResponse, error) {
	now := s.now()

	live, err := s.store.GetLiveAttempt(ctx, c.UserID, exam.ExamID)
	switch {
	case err == nil && !live.ExpiredAt(now):
		return s.resume(ctx, exam, live, now)

	case err == nil:
		if _, err := s.store.ExpireAttempt(ctx, live.AttemptID, now); err != nil {
			return nil, fmt.Errorf("expire attempt %d: %w", live.AttemptID, err)
		}

		slog.InfoContext(ctx, "attempt: expired stale attempt",
			"attempt", live.AttemptID,
			"user", c.UserID,
			"exam", exam.ExamID,
		)

	case errors.CodeOf(err) != errors.CodeNotFound:
		return nil, fmt.Errorf("get live attempt: %w", err)
	}

	prior, err := s.store.CountTerminalAttempts(ctx, c.UserID, exam.ExamID)
	if err != nil {
		return nil, fmt.Errorf("count attempts: %w", err)
	}

	if exam.MaxAttempts > 0 && prior >= exam.MaxAttempts {
		return nil, errors.PermissionDenied("retake limit reached for exam %d", exam.ExamID)
	}

	questions, err := s.store.ListQuestions(ctx, exam.ExamID)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}

	if len(questions) == 0 {
		return nil, errors.InvalidArgument("no questions found for exam %d", exam.ExamID)
	}

	presented := s.randomize(questions)

	a := &domain.Attempt{
		UserID:        c.UserID,
		ExamID:        exam.ExamID,
		AttemptNumber: prior + 1,
		Status:        domain.AttemptStatusInProgress,
		StartedAt:     now,
		ExpiresAt:     now.Add(exam.Duration()),
		QuestionOrder: make([]int64, 0, len(presented)),
		OptionOrder:   make(map[int64][]string, len(presented)),
		IPAddress:     c.IPAddress,
		UserAgent:     truncate(c.UserAgent, maxUserAgentLen),
	}

	for _, q := range presented {
		a.QuestionOrder = append(a.QuestionOrder, q.QuestionID)
		if len(q.Options) > 0 {
			a.OptionOrder[q.QuestionID] = q.Options
		}
	}

	if err := s.store.CreateAttempt(ctx, a); err != nil {
		return nil, err
	}

	s.eb.Publish(ctx, domain.EventAttemptStarted{Attempt: *a})
	telemetry.AttemptsStarted.WithLabelValues("false").Inc()

	return &StartResponse{
		Attempt:     *a,
		Questions:   presented,
		MaxAttempts: exam.MaxAttempts,
		Remaining:   a.Remaining(now),
	}, nil
}

func (s *Service) resume(ctx context.Context, exam *domain.Exam, a *domain.Attempt, now time.Time) (*StartResponse, error) {
	questions, err := s.store.ListQuestions(ctx, exam.ExamID)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}

	byID := make(map[int64]domain.Question, len(questions))
	for _, q := range questions {
		byID[q.QuestionID] = q
	}

	presented := make([]PresentedQuestion, 0, len(a.QuestionOrder))
	for _, qid := range a.QuestionOrder {
		q, ok := byID[qid]
		if !ok {
			continue
		}

		opts, ok := a.OptionOrder[qid]
		if !ok {
			opts = q.PresentedOptions()
		}

		presented = append(presented, PresentedQuestion{
			QuestionID:   q.QuestionID,
			QuestionText: q.QuestionText,
			QuestionType: q.QuestionType,
			Options:      opts,
		})
	}

	telemetry.AttemptsStarted.WithLabelValues("true").Inc()

	return &StartResponse{
		Attempt:     *a,
		Questions:   presented,
		MaxAttempts: exam.MaxAttempts,
		Remaining:   a.Remaining(now),
		Resumed:     true,
	}, nil
}

// randomize shuffles the question order and the options of each question.
func (s *Service) randomize(questions []domain.Question) []PresentedQuestion {
	out := make([]PresentedQuestion, 0, len(questions))
	for _, q := range questions {
		opts := q.PresentedOptions()
		s.shuffle(len(opts), func(i, j int) { opts[i], opts[j] = opts[j], opts[i] })

		out = append(out, PresentedQuestion{
			QuestionID:   q.QuestionID,
			QuestionText: q.QuestionText,
			QuestionType: q.QuestionType,
			Options:      opts,
		})
	}

	s.shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

type SubmitRequest struct {
	AttemptID int64
	// Answers is keyed by "q<id>" or "<id>".
	Answers map[string]any
}

type SubmitResponse struct {
	Attempt domain.Attempt
	Score   decimal.Decimal
	Passed  bool
	// Certificate is set when the attempt passed and a certificate exists for the pair.
	Certificate *domain.Certificate
}

// Submit scores the caller's live attempt exactly once.
func (s *Service) Submit(ctx context.Context, c domain.Caller, req SubmitRequest) (*SubmitResponse, error) {
	if c.Staff {
		return nil, errors.PermissionDenied("staff users cannot submit exams")
	}

	a, err := s.store.GetAttempt(ctx, req.AttemptID, c.UserID)
	if err != nil {
		return nil, err
	}

	if a.Status != domain.AttemptStatusInProgress {
		return nil, alreadySubmitted(a.AttemptID)
	}

	exam, err := s.store.GetExam(ctx, a.ExamID)
	if err != nil {
		return nil, fmt.Errorf("get exam: %w", err)
	}

	questions, err := s.store.ListQuestions(ctx, a.ExamID)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}

	order := a.QuestionOrder
	if len(order) == 0 {
		// Attempts created without a frozen order are scored against the bank.
		for _, q := range questions {
			order = append(order, q.QuestionID)
		}
	}

	if len(order) == 0 {
		return nil, errors.InvalidArgument("no questions found for exam %d", a.ExamID)
	}

	key := make(map[int64]string, len(questions))
	for _, q := range questions {
		key[q.QuestionID] = q.CorrectAnswer
	}

	now := s.now()
	answers := scoring.NormalizeAnswers(req.Answers)
	out := scoring.Score(order, key, answers, exam.PassScore)

	a.Status = domain.AttemptStatusCompleted
	if a.ExpiredAt(now) {
		a.Status = domain.AttemptStatusExpired
	}
	a.Answers = answers
	a.Score = &out.Score
	a.Passed = out.Passed
	a.SubmittedAt = &now

	err = s.store.ScoreAttempt(ctx, a, domain.Result{
		UserID:  a.UserID,
		ExamID:  a.ExamID,
		Score:   out.Score,
		Passed:  out.Passed,
		TakenAt: now,
	})
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "attempt: scored",
		"attempt", a.AttemptID,
		"user", a.UserID,
		"exam", a.ExamID,
		"score", out.Score.StringFixed(2),
		"passed", out.Passed,
		"status", a.Status,
	)

	s.eb.Publish(ctx, domain.EventAttemptSubmitted{Attempt: *a})
	telemetry.AttemptsSubmitted.WithLabelValues(string(a.Status), strconv.FormatBool(out.Passed)).Inc()

	resp := &SubmitResponse{
		Attempt: *a,
		Score:   out.Score,
		Passed:  out.Passed,
	}

	if out.Passed {
		resp.Certificate = s.issueCertificate(ctx, c, exam, a, out.Score)
	}

	return resp, nil
}

// issueCertificate is best-effort, a failure leaves the pair without a certificate for now.
func (s *Service) issueCertificate(ctx context.Context, c domain.Caller, exam *domain.Exam, a *domain.Attempt, score decimal.Decimal) *domain.Certificate {
	cert, _, err := s.issuer.IssueIfAbsent(ctx, certificate.IssueRequest{
		UserID:    c.UserID,
		ExamID:    exam.ExamID,
		Name:      c.DisplayName(),
		Score:     score,
		IPAddress: c.IPAddress,
	})
	if err != nil {
		slog.ErrorContext(ctx, "attempt: issue certificate failed",
			"attempt", a.AttemptID,
			"user", c.UserID,
			"exam", exam.ExamID,
			"error", err,
		)
		return nil
	}

	return cert
}

// Results returns the latest outcome of the caller for every exam taken.
func (s *Service) Results(ctx context.Context, c domain.Caller) ([]domain.Result, error) {
	return s.store.ListResultsByUser(ctx, c.UserID)
}

// ExamResults returns the latest outcome of every user for an exam, staff only.
func (s *Service) ExamResults(ctx context.Context, c domain.Caller, examID int64) ([]domain.Result, error) {
	if !c.Staff {
		return nil, errors.PermissionDenied("permission denied")
	}

	if _, err := s.store.GetExam(ctx, examID); err != nil {
		return nil, err
	}

	return s.store.ListResultsByExam(ctx, examID)
}

const maxUserAgentLen = 1000

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func alreadySubmitted(attemptID int64) error {
	return errors.FailedPrecondition("attempt %d is already submitted", attemptID)
}
