package api

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/victornm/examcert/internal/activity"
	"github.com/victornm/examcert/internal/attempt"
	"github.com/victornm/examcert/internal/auth"
	"github.com/victornm/examcert/internal/certificate"
	"github.com/victornm/examcert/internal/domain"
	"github.com/victornm/examcert/internal/errors"
	"github.com/victornm/examcert/internal/event"
	"github.com/victornm/examcert/internal/leaderboard"
)

const submittedMessage = "Exam submitted successfully"

type Config struct {
	Router       gin.IRouter
	Auth         *auth.Authenticator
	EventBus     *event.Bus
	Attempt      *attempt.Service
	Certificate  *certificate.Service
	Leaderboard  *leaderboard.Service
	Activity     *activity.Service
	Redis        Redis
	PubsubPrefix string
}

type Redis interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

type API struct {
	as  *attempt.Service
	cs  *certificate.Service
	ls  *leaderboard.Service
	acs *activity.Service

	redis  Redis
	prefix string
}

func New(c Config) *API {
	a := &API{
		as:     c.Attempt,
		cs:     c.Certificate,
		ls:     c.Leaderboard,
		acs:    c.Activity,
		redis:  c.Redis,
		prefix: c.PubsubPrefix,
	}

	useJSONFieldNames()

	// HTTP APIs
	v1 := c.Router.Group("/api/v1")
	v1.GET("/certificates/verify", a.VerifyCertificate)

	private := v1.Group("", c.Auth.Middleware(abort))
	private.POST("/exams/start", a.StartExam)
	private.POST("/exams/submit", a.SubmitExam)
	private.GET("/exams/:id/results", a.ExamResults)
	private.GET("/me/results", a.MyResults)
	private.GET("/me/certificates", a.MyCertificates)
	private.GET("/me/activity", a.MyActivity)
	private.GET("/leaderboard", a.GetLeaderboard)

	// Register event handlers
	if a.redis != nil {
		c.EventBus.Subscribe(domain.EventNameCertificateIssued, "pubsub", func(ctx context.Context, e event.Event) error {
			return a.PublishCertificateIssued(ctx, e.(domain.EventCertificateIssued))
		})

		c.EventBus.Subscribe(domain.EventNamePointsAwarded, "pubsub", func(ctx context.Context, e event.Event) error {
			return a.PublishPointsAwarded(ctx, e.(domain.EventPointsAwarded))
		})
	}

	return a
}

type (
	StartExamRequest struct {
		ExamID int64 `json:"exam_id" binding:"required,gt=0"`
	}

	StartExamResponse struct {
		AttemptID       int64      `json:"attempt_id"`
		AttemptNumber   int        `json:"attempt_number"`
		ExpiresAt       string     `json:"expires_at"`
		DurationSeconds int64      `json:"duration_seconds"`
		MaxAttempts     int        `json:"max_attempts"`
		Resumed         bool       `json:"resumed"`
		Questions       []Question `json:"questions"`
	}

	Question struct {
		ID           int64    `json:"id"`
		QuestionText string   `json:"question_text"`
		QuestionType string   `json:"question_type"`
		Options      []string `json:"options"`
	}
)

func (a *API) StartExam(c *gin.Context) {
	var req StartExamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, bindingError(err))
		return
	}

	resp, err := a.as.Start(c.Request.Context(), caller(c), req.ExamID)
	if err != nil {
		abort(c, err)
		return
	}

	out := StartExamResponse{
		AttemptID:       resp.Attempt.AttemptID,
		AttemptNumber:   resp.Attempt.AttemptNumber,
		ExpiresAt:       resp.Attempt.ExpiresAt.UTC().Format(time.RFC3339),
		DurationSeconds: int64(resp.Remaining / time.Second),
		MaxAttempts:     resp.MaxAttempts,
		Resumed:         resp.Resumed,
		Questions:       make([]Question, 0, len(resp.Questions)),
	}

	for _, q := range resp.Questions {
		opts := q.Options
		if opts == nil {
			opts = []string{}
		}

		out.Questions = append(out.Questions, Question{
			ID:           q.QuestionID,
			QuestionText: q.QuestionText,
			QuestionType: string(q.QuestionType),
			Options:      opts,
		})
	}

	c.JSON(http.StatusOK, out)
}

type (
	SubmitExamRequest struct {
		AttemptID int64          `json:"attempt_id" binding:"required,gt=0"`
		Answers   map[string]any `json:"answers"`
	}

	SubmitExamResponse struct {
		Score             json.Number `json:"score"`
		Passed            bool        `json:"passed"`
		Status            string      `json:"status"`
		AttemptNumber     int         `json:"attempt_number"`
		Message           string      `json:"message"`
		CertificateNumber string      `json:"certificate_number,omitempty"`
	}
)

func (a *API) SubmitExam(c *gin.Context) {
	var req SubmitExamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, bindingError(err))
		return
	}

	resp, err := a.as.Submit(c.Request.Context(), caller(c), attempt.SubmitRequest{
		AttemptID: req.AttemptID,
		Answers:   req.Answers,
	})
	if err != nil {
		abort(c, err)
		return
	}

	out := SubmitExamResponse{
		Score:         score(resp.Score),
		Passed:        resp.Passed,
		Status:        string(resp.Attempt.Status),
		AttemptNumber: resp.Attempt.AttemptNumber,
		Message:       submittedMessage,
	}

	if resp.Certificate != nil {
		out.CertificateNumber = resp.Certificate.CertificateNumber
	}

	c.JSON(http.StatusOK, out)
}

type Result struct {
	UserID  int64       `json:"user_id"`
	ExamID  int64       `json:"exam_id"`
	Score   json.Number `json:"score"`
	Passed  bool        `json:"passed"`
	TakenAt string      `json:"taken_at"`
}

func (a *API) MyResults(c *gin.Context) {
	results, err := a.as.Results(c.Request.Context(), caller(c))
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"results": toResults(results)})
}

func (a *API) ExamResults(c *gin.Context) {
	examID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || examID <= 0 {
		abort(c, errors.InvalidArgument("invalid exam id %q", c.Param("id")))
		return
	}

	results, err := a.as.ExamResults(c.Request.Context(), caller(c), examID)
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"results": toResults(results)})
}

func toResults(results []domain.Result) []Result {
	out := make([]Result, 0, len(results))
	for _, r := range results {
		out = append(out, Result{
			UserID:  r.UserID,
			ExamID:  r.ExamID,
			Score:   score(r.Score),
			Passed:  r.Passed,
			TakenAt: r.TakenAt.UTC().Format(time.RFC3339),
		})
	}
	return out
}

type Certificate struct {
	CertificateNumber string      `json:"certificate_number"`
	UserID            int64       `json:"user_id"`
	ExamID            int64       `json:"exam_id"`
	Name              string      `json:"name"`
	Institution       string      `json:"institution"`
	Score             json.Number `json:"score"`
	IssuedAt          string      `json:"issued_at"`
}

func toCertificate(c domain.Certificate) Certificate {
	return Certificate{
		CertificateNumber: c.CertificateNumber,
		UserID:            c.UserID,
		ExamID:            c.ExamID,
		Name:              c.Name,
		Institution:       c.Institution,
		Score:             score(c.Score),
		IssuedAt:          c.IssuedAt.UTC().Format(time.RFC3339),
	}
}

func (a *API) MyCertificates(c *gin.Context) {
	certs, err := a.cs.ListByUser(c.Request.Context(), caller(c).UserID)
	if err != nil {
		abort(c, err)
		return
	}

	out := make([]Certificate, 0, len(certs))
	for _, cert := range certs {
		out = append(out, toCertificate(cert))
	}

	c.JSON(http.StatusOK, gin.H{"certificates": out})
}

func (a *API) VerifyCertificate(c *gin.Context) {
	cert, err := a.cs.Verify(c.Request.Context(), c.Query("q"))
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusOK, toCertificate(*cert))
}

type Activity struct {
	Type      string `json:"activity_type"`
	IPAddress string `json:"ip_address"`
	Details   string `json:"details"`
	Timestamp string `json:"timestamp"`
}

func (a *API) MyActivity(c *gin.Context) {
	items, err := a.acs.List(c.Request.Context(), caller(c).UserID)
	if err != nil {
		abort(c, err)
		return
	}

	out := make([]Activity, 0, len(items))
	for _, it := range items {
		out = append(out, Activity{
			Type:      string(it.Type),
			IPAddress: it.IPAddress,
			Details:   it.Details,
			Timestamp: it.Timestamp.UTC().Format(time.RFC3339),
		})
	}

	c.JSON(http.StatusOK, gin.H{"activities": out})
}

type LeaderboardEntry struct {
	UserID int64   `json:"user_id"`
	Points float64 `json:"points"`
}

func (a *API) GetLeaderboard(c *gin.Context) {
	var req struct {
		Limit int `form:"limit" binding:"omitempty,min=1,max=100"`
	}
	if err := c.ShouldBindQuery(&req); err != nil {
		abort(c, bindingError(err))
		return
	}

	l, err := a.ls.GetLeaderboard(c.Request.Context(), leaderboard.GetLeaderboardRequest{Limit: req.Limit})
	if err != nil {
		abort(c, err)
		return
	}

	entries := make([]LeaderboardEntry, 0, len(l.Entries))
	for _, e := range l.Entries {
		entries = append(entries, LeaderboardEntry{UserID: e.UserID, Points: e.Points})
	}

	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func caller(c *gin.Context) domain.Caller {
	cl, _ := auth.CallerFrom(c)
	return cl
}

// score renders a percentage as a JSON number with 2 decimal places.
func score(d decimal.Decimal) json.Number {
	return json.Number(d.StringFixed(2))
}

func abort(c *gin.Context, err error) {
	e := errors.Convert(err)
	if e.Code == errors.CodeInternal {
		slog.ErrorContext(c.Request.Context(), "api: request failed",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"error", err,
		)
	}

	c.AbortWithStatusJSON(e.HTTPStatusCode(), gin.H{"error": e})
}

func bindingError(err error) error {
	var verrs validator.ValidationErrors
	if !stderrors.As(err, &verrs) {
		return errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("invalid request body"),
			errors.WithCause(err))
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s must satisfy %s=%s", fe.Field(), fe.Tag(), fe.Param()))
			continue
		}
		msgs = append(msgs, fmt.Sprintf("%s is %s", fe.Field(), fe.Tag()))
	}

	return errors.InvalidArgument("%s", strings.Join(msgs, "; "))
}

var registerTagNames sync.Once

// useJSONFieldNames makes validation errors refer to fields by their JSON or form names.
func useJSONFieldNames() {
	registerTagNames.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		v.RegisterTagNameFunc(tagName)
	})
}

func tagName(f reflect.StructField) string {
	for _, tag := range []string{"json", "form"} {
		name, _, _ := strings.Cut(f.Tag.Get(tag), ",")
		if name != "" && name != "-" {
			return name
		}
	}
	return f.Name
}
