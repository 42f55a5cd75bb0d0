// Package memory is a process-local store enforcing the same uniqueness rules as the Postgres schema.
package memory

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/victornm/examcert/internal/domain"
	"github.com/victornm/examcert/internal/errors"
)

type pair struct {
	userID int64
	examID int64
}

type Store struct {
	mu sync.RWMutex

	seq          int64
	exams        map[int64]domain.Exam
	questions    map[int64]domain.Question
	attempts     map[int64]domain.Attempt
	results      map[pair]domain.Result
	certificates map[pair]domain.Certificate
	numbers      map[string]pair
	activities   []domain.Activity
}

func New() *Store {
	return &Store{
		exams:        make(map[int64]domain.Exam),
		questions:    make(map[int64]domain.Question),
		attempts:     make(map[int64]domain.Attempt),
		results:      make(map[pair]domain.Result),
		certificates: make(map[pair]domain.Certificate),
		numbers:      make(map[string]pair),
	}
}

func (s *Store) nextID() int64 {
	s.seq++
	return s.seq
}

// PutExam inserts or replaces an exam, assigning an ID when ExamID is zero.
func (s *Store) PutExam(_ context.Context, e *domain.Exam) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.ExamID == 0 {
		e.ExamID = s.nextID()
	}
	s.exams[e.ExamID] = *e
	return nil
}

// PutQuestion inserts or replaces a question, assigning an ID when QuestionID is zero.
func (s *Store) PutQuestion(_ context.Context, q *domain.Question) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.exams[q.ExamID]; !ok {
		return errors.NotFound("exam %d not found", q.ExamID)
	}

	if q.QuestionID == 0 {
		q.QuestionID = s.nextID()
	}
	q.Options = slices.Clone(q.Options)
	s.questions[q.QuestionID] = *q
	return nil
}

func (s *Store) DeleteQuestion(_ context.Context, questionID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.questions, questionID)
	return nil
}

func (s *Store) GetExam(_ context.Context, examID int64) (*domain.Exam, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.exams[examID]
	if !ok {
		return nil, errors.NotFound("exam %d not found", examID)
	}
	return &e, nil
}

func (s *Store) ListQuestions(_ context.Context, examID int64) ([]domain.Question, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Question
	for _, q := range s.questions {
		if q.ExamID == examID {
			q.Options = slices.Clone(q.Options)
			out = append(out, q)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].QuestionID < out[j].QuestionID })
	return out, nil
}

func (s *Store) GetLiveAttempt(_ context.Context, userID, examID int64) (*domain.Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if a, ok := s.liveAttempt(pair{userID, examID}); ok {
		return &a, nil
	}
	return nil, errors.NotFound("no attempt in progress for exam %d", examID)
}

// liveAttempt must be called with the lock held.
func (s *Store) liveAttempt(p pair) (domain.Attempt, bool) {
	var (
		live  domain.Attempt
		found bool
	)
	for _, a := range s.attempts {
		if a.UserID != p.userID || a.ExamID != p.examID || a.Status != domain.AttemptStatusInProgress {
			continue
		}
		if !found || a.StartedAt.After(live.StartedAt) {
			live, found = a, true
		}
	}

	if found {
		live = cloneAttempt(live)
	}
	return live, found
}

func (s *Store) ExpireAttempt(_ context.Context, attemptID int64, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.attempts[attemptID]
	if !ok || a.Status != domain.AttemptStatusInProgress {
		return false, nil
	}

	a.Status = domain.AttemptStatusExpired
	a.SubmittedAt = &at
	s.attempts[attemptID] = a
	return true, nil
}

func (s *Store) CountTerminalAttempts(_ context.Context, userID, examID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, a := range s.attempts {
		if a.UserID == userID && a.ExamID == examID && a.Status.IsTerminal() {
			n++
		}
	}
	return n, nil
}

func (s *Store) CreateAttempt(_ context.Context, a *domain.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := pair{a.UserID, a.ExamID}
	if _, ok := s.liveAttempt(p); ok {
		return errors.New(errors.CodeAlreadyExists,
			errors.WithMessagef("exam %d already has an attempt in progress", a.ExamID))
	}

	for _, other := range s.attempts {
		if other.UserID == a.UserID && other.ExamID == a.ExamID && other.AttemptNumber == a.AttemptNumber {
			return errors.New(errors.CodeAlreadyExists,
				errors.WithMessagef("attempt number %d already taken for exam %d", a.AttemptNumber, a.ExamID))
		}
	}

	a.AttemptID = s.nextID()
	s.attempts[a.AttemptID] = cloneAttempt(*a)
	return nil
}

func (s *Store) GetAttempt(_ context.Context, attemptID, userID int64) (*domain.Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.attempts[attemptID]
	if !ok || a.UserID != userID {
		return nil, errors.NotFound("attempt %d not found", attemptID)
	}

	a = cloneAttempt(a)
	return &a, nil
}

func (s *Store) ScoreAttempt(_ context.Context, a *domain.Attempt, r domain.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.attempts[a.AttemptID]
	if !ok {
		return errors.NotFound("attempt %d not found", a.AttemptID)
	}

	if cur.Status != domain.AttemptStatusInProgress {
		return errors.FailedPrecondition("attempt %d is already submitted", a.AttemptID)
	}

	cur.Status = a.Status
	cur.Answers = cloneAnswers(a.Answers)
	if a.Score != nil {
		score := *a.Score
		cur.Score = &score
	}
	cur.Passed = a.Passed
	cur.SubmittedAt = a.SubmittedAt
	s.attempts[a.AttemptID] = cur

	s.results[pair{r.UserID, r.ExamID}] = r
	return nil
}

func (s *Store) ListResultsByUser(_ context.Context, userID int64) ([]domain.Result, error) {
	return s.listResults(func(p pair) bool { return p.userID == userID }), nil
}

func (s *Store) ListResultsByExam(_ context.Context, examID int64) ([]domain.Result, error) {
	return s.listResults(func(p pair) bool { return p.examID == examID }), nil
}

func (s *Store) listResults(match func(p pair) bool) []domain.Result {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Result
	for p, r := range s.results {
		if match(p) {
			out = append(out, r)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].TakenAt.After(out[j].TakenAt) })
	return out
}

// ListAttempts returns every attempt of the pair ordered by attempt number.
func (s *Store) ListAttempts(_ context.Context, userID, examID int64) ([]domain.Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Attempt
	for _, a := range s.attempts {
		if a.UserID == userID && a.ExamID == examID {
			out = append(out, cloneAttempt(a))
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].AttemptNumber < out[j].AttemptNumber })
	return out, nil
}

func (s *Store) InsertCertificateIfAbsent(_ context.Context, c *domain.Certificate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := pair{c.UserID, c.ExamID}
	if existing, ok := s.certificates[p]; ok {
		*c = existing
		return false, nil
	}

	if _, ok := s.numbers[c.CertificateNumber]; ok {
		return false, errors.New(errors.CodeAlreadyExists,
			errors.WithMessagef("certificate number %s already exists", c.CertificateNumber))
	}

	c.CertificateID = s.nextID()
	s.certificates[p] = *c
	s.numbers[c.CertificateNumber] = p
	return true, nil
}

func (s *Store) ListCertificatesByUser(_ context.Context, userID int64) ([]domain.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Certificate
	for p, c := range s.certificates {
		if p.userID == userID {
			out = append(out, c)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.After(out[j].IssuedAt) })
	return out, nil
}

func (s *Store) GetCertificateByNumber(_ context.Context, number string) (*domain.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for n, p := range s.numbers {
		if strings.EqualFold(n, number) {
			c := s.certificates[p]
			return &c, nil
		}
	}
	return nil, errors.NotFound("certificate %s not found", number)
}

func (s *Store) AppendActivity(_ context.Context, a domain.Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.activities = append(s.activities, a)
	return nil
}

// ListActivities returns the activity log of a user, newest first.
func (s *Store) ListActivities(_ context.Context, userID int64) ([]domain.Activity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Activity
	for i := len(s.activities) - 1; i >= 0; i-- {
		if s.activities[i].UserID == userID {
			out = append(out, s.activities[i])
		}
	}
	return out, nil
}

func cloneAttempt(a domain.Attempt) domain.Attempt {
	a.QuestionOrder = slices.Clone(a.QuestionOrder)
	a.Answers = cloneAnswers(a.Answers)

	if a.OptionOrder != nil {
		opts := make(map[int64][]string, len(a.OptionOrder))
		for k, v := range a.OptionOrder {
			opts[k] = slices.Clone(v)
		}
		a.OptionOrder = opts
	}

	if a.Score != nil {
		score := *a.Score
		a.Score = &score
	}

	if a.SubmittedAt != nil {
		at := *a.SubmittedAt
		a.SubmittedAt = &at
	}

	return a
}

func cloneAnswers(m map[int64]string) map[int64]string {
	if m == nil {
		return nil
	}

	out := make(map[int64]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
