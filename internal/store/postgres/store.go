// Package postgres implements the attempt, certificate and activity stores on PostgreSQL.
// Every invariant that must hold under concurrency is enforced by a constraint in schema.sql.
package postgres

import (
	"context"
	_ "embed"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/victornm/examcert/internal/domain"
	"github.com/victornm/examcert/internal/errors"
)

//go:embed schema.sql
var schema string

const codeUniqueViolation = "23505"

type Store struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Migrate creates the tables and indexes if they don't exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return stderrors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation
}

// PutExam inserts the exam, or replaces it when ExamID is set.
func (s *Store) PutExam(ctx context.Context, e *domain.Exam) error {
	if e.ExamID == 0 {
		const stmt = `
INSERT INTO exams (name, duration_minutes, pass_score, max_attempts, assigned_to)
VALUES ($1, $2, $3, $4, $5)
RETURNING exam_id;`

		err := s.db.QueryRow(ctx, stmt, e.Name, e.DurationMinutes, e.PassScore, e.MaxAttempts, e.AssignedTo).Scan(&e.ExamID)
		if err != nil {
			return fmt.Errorf("insert exam: %w", err)
		}
		return nil
	}

	const stmt = `
INSERT INTO exams (exam_id, name, duration_minutes, pass_score, max_attempts, assigned_to)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (exam_id) DO UPDATE SET
	name = EXCLUDED.name,
	duration_minutes = EXCLUDED.duration_minutes,
	pass_score = EXCLUDED.pass_score,
	max_attempts = EXCLUDED.max_attempts,
	assigned_to = EXCLUDED.assigned_to;`

	if _, err := s.db.Exec(ctx, stmt, e.ExamID, e.Name, e.DurationMinutes, e.PassScore, e.MaxAttempts, e.AssignedTo); err != nil {
		return fmt.Errorf("upsert exam: %w", err)
	}
	return nil
}

// PutQuestion inserts the question, or replaces it when QuestionID is set.
func (s *Store) PutQuestion(ctx context.Context, q *domain.Question) error {
	opts := q.Options
	if opts == nil {
		opts = []string{}
	}

	if q.QuestionID == 0 {
		const stmt = `
INSERT INTO questions (exam_id, question_text, question_type, correct_answer, options)
VALUES ($1, $2, $3, $4, $5)
RETURNING question_id;`

		err := s.db.QueryRow(ctx, stmt, q.ExamID, q.QuestionText, q.QuestionType, q.CorrectAnswer, opts).Scan(&q.QuestionID)
		if err != nil {
			return fmt.Errorf("insert question: %w", err)
		}
		return nil
	}

	const stmt = `
INSERT INTO questions (question_id, exam_id, question_text, question_type, correct_answer, options)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (question_id) DO UPDATE SET
	exam_id = EXCLUDED.exam_id,
	question_text = EXCLUDED.question_text,
	question_type = EXCLUDED.question_type,
	correct_answer = EXCLUDED.correct_answer,
	options = EXCLUDED.options;`

	if _, err := s.db.Exec(ctx, stmt, q.QuestionID, q.ExamID, q.QuestionText, q.QuestionType, q.CorrectAnswer, opts); err != nil {
		return fmt.Errorf("upsert question: %w", err)
	}
	return nil
}

func (s *Store) DeleteQuestion(ctx context.Context, questionID int64) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM questions WHERE question_id = $1;`, questionID); err != nil {
		return fmt.Errorf("delete question: %w", err)
	}
	return nil
}

func (s *Store) GetExam(ctx context.Context, examID int64) (*domain.Exam, error) {
	const stmt = `
SELECT exam_id, name, duration_minutes, pass_score, max_attempts, assigned_to
FROM exams
WHERE exam_id = $1;`

	var e domain.Exam
	err := s.db.QueryRow(ctx, stmt, examID).Scan(&e.ExamID, &e.Name, &e.DurationMinutes, &e.PassScore, &e.MaxAttempts, &e.AssignedTo)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("exam %d not found", examID)
	}

	if err != nil {
		return nil, fmt.Errorf("get exam: %w", err)
	}

	return &e, nil
}

func (s *Store) ListQuestions(ctx context.Context, examID int64) ([]domain.Question, error) {
	const stmt = `
SELECT question_id, exam_id, question_text, question_type, correct_answer, options
FROM questions
WHERE exam_id = $1
ORDER BY question_id;`

	rows, err := s.db.Query(ctx, stmt, examID)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}

	return pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.Question, error) {
		var q domain.Question
		err := r.Scan(&q.QuestionID, &q.ExamID, &q.QuestionText, &q.QuestionType, &q.CorrectAnswer, &q.Options)
		return q, err
	})
}

const attemptColumns = `attempt_id, user_id, exam_id, attempt_number, status, started_at, expires_at, submitted_at,
	question_order, option_order, answers, score, passed, ip_address, user_agent`

func scanAttempt(r pgx.Row) (*domain.Attempt, error) {
	var a domain.Attempt
	err := r.Scan(
		&a.AttemptID, &a.UserID, &a.ExamID, &a.AttemptNumber, &a.Status, &a.StartedAt, &a.ExpiresAt, &a.SubmittedAt,
		&a.QuestionOrder, &a.OptionOrder, &a.Answers, &a.Score, &a.Passed, &a.IPAddress, &a.UserAgent,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Store) GetLiveAttempt(ctx context.Context, userID, examID int64) (*domain.Attempt, error) {
	stmt := `
SELECT ` + attemptColumns + `
FROM exam_attempts
WHERE user_id = $1 AND exam_id = $2 AND status = 'in_progress'
ORDER BY started_at DESC
LIMIT 1;`

	a, err := scanAttempt(s.db.QueryRow(ctx, stmt, userID, examID))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("no attempt in progress for exam %d", examID)
	}

	if err != nil {
		return nil, fmt.Errorf("get live attempt: %w", err)
	}

	return a, nil
}

func (s *Store) ExpireAttempt(ctx context.Context, attemptID int64, at time.Time) (bool, error) {
	const stmt = `
UPDATE exam_attempts SET status = 'expired', submitted_at = $2
WHERE attempt_id = $1 AND status = 'in_progress';`

	tag, err := s.db.Exec(ctx, stmt, attemptID, at)
	if err != nil {
		return false, fmt.Errorf("expire attempt: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

func (s *Store) CountTerminalAttempts(ctx context.Context, userID, examID int64) (int, error) {
	const stmt = `
SELECT COUNT(*)
FROM exam_attempts
WHERE user_id = $1 AND exam_id = $2 AND status IN ('completed', 'expired');`

	var n int
	if err := s.db.QueryRow(ctx, stmt, userID, examID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count attempts: %w", err)
	}
	return n, nil
}

func (s *Store) CreateAttempt(ctx context.Context, a *domain.Attempt) error {
	const stmt = `
INSERT INTO exam_attempts (user_id, exam_id, attempt_number, status, started_at, expires_at, question_order,
	option_order, ip_address, user_agent)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
RETURNING attempt_id;`

	err := s.db.QueryRow(ctx, stmt,
		a.UserID, a.ExamID, a.AttemptNumber, a.Status, a.StartedAt, a.ExpiresAt, a.QuestionOrder,
		a.OptionOrder, a.IPAddress, a.UserAgent,
	).Scan(&a.AttemptID)

	if isUniqueViolation(err) {
		return errors.New(errors.CodeAlreadyExists,
			errors.WithMessagef("exam %d already has an attempt in progress", a.ExamID),
			errors.WithCause(err))
	}

	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}

	return nil
}

func (s *Store) GetAttempt(ctx context.Context, attemptID, userID int64) (*domain.Attempt, error) {
	stmt := `
SELECT ` + attemptColumns + `
FROM exam_attempts
WHERE attempt_id = $1 AND user_id = $2;`

	a, err := scanAttempt(s.db.QueryRow(ctx, stmt, attemptID, userID))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("attempt %d not found", attemptID)
	}

	if err != nil {
		return nil, fmt.Errorf("get attempt: %w", err)
	}

	return a, nil
}

// ListAttempts returns every attempt of the pair ordered by attempt number.
func (s *Store) ListAttempts(ctx context.Context, userID, examID int64) ([]domain.Attempt, error) {
	stmt := `
SELECT ` + attemptColumns + `
FROM exam_attempts
WHERE user_id = $1 AND exam_id = $2
ORDER BY attempt_number;`

	rows, err := s.db.Query(ctx, stmt, userID, examID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}

	return pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.Attempt, error) {
		a, err := scanAttempt(r)
		if err != nil {
			return domain.Attempt{}, err
		}
		return *a, nil
	})
}

func (s *Store) ScoreAttempt(ctx context.Context, a *domain.Attempt, r domain.Result) (err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			err = stderrors.Join(err, tx.Rollback(ctx))
		}
	}()

	const (
		updAttemptStmt = `
UPDATE exam_attempts SET status = $2, answers = $3, score = $4, passed = $5, submitted_at = $6
WHERE attempt_id = $1 AND status = 'in_progress';`

		upsResultStmt = `
INSERT INTO results (user_id, exam_id, score, passed, taken_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (user_id, exam_id) DO UPDATE SET
	score = EXCLUDED.score,
	passed = EXCLUDED.passed,
	taken_at = EXCLUDED.taken_at;`
	)

	tag, err := tx.Exec(ctx, updAttemptStmt, a.AttemptID, a.Status, a.Answers, a.Score, a.Passed, a.SubmittedAt)
	if err != nil {
		return fmt.Errorf("update attempt: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return errors.FailedPrecondition("attempt %d is already submitted", a.AttemptID)
	}

	if _, err = tx.Exec(ctx, upsResultStmt, r.UserID, r.ExamID, r.Score, r.Passed, r.TakenAt); err != nil {
		return fmt.Errorf("upsert result: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *Store) ListResultsByUser(ctx context.Context, userID int64) ([]domain.Result, error) {
	return s.listResults(ctx, `WHERE user_id = $1`, userID)
}

func (s *Store) ListResultsByExam(ctx context.Context, examID int64) ([]domain.Result, error) {
	return s.listResults(ctx, `WHERE exam_id = $1`, examID)
}

func (s *Store) listResults(ctx context.Context, where string, id int64) ([]domain.Result, error) {
	stmt := `
SELECT user_id, exam_id, score, passed, taken_at
FROM results
` + where + `
ORDER BY taken_at DESC;`

	rows, err := s.db.Query(ctx, stmt, id)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}

	return pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.Result, error) {
		var res domain.Result
		err := r.Scan(&res.UserID, &res.ExamID, &res.Score, &res.Passed, &res.TakenAt)
		return res, err
	})
}

const certificateColumns = `certificate_id, user_id, exam_id, certificate_number, name, institution, score, issued_at`

func scanCertificate(r pgx.Row) (*domain.Certificate, error) {
	var c domain.Certificate
	err := r.Scan(&c.CertificateID, &c.UserID, &c.ExamID, &c.CertificateNumber, &c.Name, &c.Institution, &c.Score, &c.IssuedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) InsertCertificateIfAbsent(ctx context.Context, c *domain.Certificate) (bool, error) {
	const insStmt = `
INSERT INTO certificates (user_id, exam_id, certificate_number, name, institution, score, issued_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (user_id, exam_id) DO NOTHING
RETURNING certificate_id;`

	err := s.db.QueryRow(ctx, insStmt, c.UserID, c.ExamID, c.CertificateNumber, c.Name, c.Institution, c.Score, c.IssuedAt).
		Scan(&c.CertificateID)

	switch {
	case err == nil:
		return true, nil

	case isUniqueViolation(err):
		return false, errors.New(errors.CodeAlreadyExists,
			errors.WithMessagef("certificate number %s already exists", c.CertificateNumber),
			errors.WithCause(err))

	case !stderrors.Is(err, pgx.ErrNoRows):
		return false, fmt.Errorf("insert certificate: %w", err)
	}

	selStmt := `SELECT ` + certificateColumns + ` FROM certificates WHERE user_id = $1 AND exam_id = $2;`

	existing, err := scanCertificate(s.db.QueryRow(ctx, selStmt, c.UserID, c.ExamID))
	if err != nil {
		return false, fmt.Errorf("get certificate: %w", err)
	}

	*c = *existing
	return false, nil
}

func (s *Store) ListCertificatesByUser(ctx context.Context, userID int64) ([]domain.Certificate, error) {
	stmt := `SELECT ` + certificateColumns + ` FROM certificates WHERE user_id = $1 ORDER BY issued_at DESC;`

	rows, err := s.db.Query(ctx, stmt, userID)
	if err != nil {
		return nil, fmt.Errorf("list certificates: %w", err)
	}

	return pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.Certificate, error) {
		c, err := scanCertificate(r)
		if err != nil {
			return domain.Certificate{}, err
		}
		return *c, nil
	})
}

func (s *Store) GetCertificateByNumber(ctx context.Context, number string) (*domain.Certificate, error) {
	stmt := `SELECT ` + certificateColumns + ` FROM certificates WHERE upper(certificate_number) = upper($1);`

	c, err := scanCertificate(s.db.QueryRow(ctx, stmt, number))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("certificate %s not found", number)
	}

	if err != nil {
		return nil, fmt.Errorf("get certificate: %w", err)
	}

	return c, nil
}

func (s *Store) AppendActivity(ctx context.Context, a domain.Activity) error {
	const stmt = `
INSERT INTO activity_logs (user_id, activity_type, ip_address, details, created_at)
VALUES ($1, $2, $3, $4, $5);`

	if _, err := s.db.Exec(ctx, stmt, a.UserID, a.Type, a.IPAddress, a.Details, a.Timestamp); err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

// ListActivities returns the activity log of a user, newest first.
func (s *Store) ListActivities(ctx context.Context, userID int64) ([]domain.Activity, error) {
	const stmt = `
SELECT user_id, activity_type, ip_address, details, created_at
FROM activity_logs
WHERE user_id = $1
ORDER BY created_at DESC, activity_id DESC;`

	rows, err := s.db.Query(ctx, stmt, userID)
	if err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}

	return pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.Activity, error) {
		var a domain.Activity
		err := r.Scan(&a.UserID, &a.Type, &a.IPAddress, &a.Details, &a.Timestamp)
		return a, err
	})
}
