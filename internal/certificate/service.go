// Package certificate issues at most one certificate per user and exam.
package certificate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/victornm/examcert/internal/domain"
	"github.com/victornm/examcert/internal/errors"
	"github.com/victornm/examcert/internal/event"
	"github.com/victornm/examcert/internal/telemetry"
)

const (
	DefaultInstitution = "TaskCert Platform"

	numberPrefix = "CERT-"
	numberLength = 10
	// maxNumberRetries bounds regeneration after a certificate number collision.
	maxNumberRetries = 3
)

type Store interface {
	// InsertCertificateIfAbsent inserts c unless the (user, exam) pair already has a certificate.
	// In both cases c is overwritten with the stored row and created tells which one happened.
	// A clash on the certificate number fails with CodeAlreadyExists.
	InsertCertificateIfAbsent(ctx context.Context, c *domain.Certificate) (created bool, err error)
	ListCertificatesByUser(ctx context.Context, userID int64) ([]domain.Certificate, error)
	GetCertificateByNumber(ctx context.Context, number string) (*domain.Certificate, error)
}

type Config struct {
	Store       Store
	EventBus    *event.Bus
	Institution string
	Now         func() time.Time
	// NewNumber defaults to a random CERT-XXXXXXXXXX number.
	NewNumber func() string
}

type Service struct {
	store       Store
	eb          *event.Bus
	institution string
	now         func() time.Time
	newNumber   func() string
}

func NewService(c Config) *Service {
	s := &Service{
		store:       c.Store,
		eb:          c.EventBus,
		institution: c.Institution,
		now:         c.Now,
		newNumber:   c.NewNumber,
	}

	if s.institution == "" {
		s.institution = DefaultInstitution
	}

	if s.now == nil {
		s.now = time.Now
	}

	if s.newNumber == nil {
		s.newNumber = NewNumber
	}

	return s
}

// NewNumber generates a human-displayable certificate number from a random UUID.
func NewNumber() string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return numberPrefix + strings.ToUpper(hex[:numberLength])
}

type IssueRequest struct {
	UserID int64
	ExamID int64
	// Name is printed on the certificate.
	Name  string
	Score decimal.Decimal
	// IPAddress is only used for the audit trail.
	IPAddress string
}

// IssueIfAbsent creates the certificate of the pair unless one exists. The score of an existing
// certificate is never updated. It reports whether the certificate was created by this call.
func (s *Service) IssueIfAbsent(ctx context.Context, req IssueRequest) (*domain.Certificate, bool, error) {
	var lastErr error
	for i := 0; i < maxNumberRetries; i++ {
		c := &domain.Certificate{
			UserID:            req.UserID,
			ExamID:            req.ExamID,
			CertificateNumber: s.newNumber(),
			Name:              req.Name,
			Institution:       s.institution,
			Score:             req.Score,
			IssuedAt:          s.now(),
		}

		created, err := s.store.InsertCertificateIfAbsent(ctx, c)
		if errors.CodeOf(err) == errors.CodeAlreadyExists {
			slog.WarnContext(ctx, "certificate: number collision, regenerating",
				"number", c.CertificateNumber,
				"user", req.UserID,
				"exam", req.ExamID,
			)
			lastErr = err
			continue
		}

		if err != nil {
			return nil, false, fmt.Errorf("insert certificate: %w", err)
		}

		if created {
			slog.InfoContext(ctx, "certificate: issued",
				"number", c.CertificateNumber,
				"user", c.UserID,
				"exam", c.ExamID,
			)
			telemetry.CertificatesIssued.Inc()
			s.eb.Publish(ctx, domain.EventCertificateIssued{Certificate: *c, IPAddress: req.IPAddress})
		}

		return c, created, nil
	}

	return nil, false, fmt.Errorf("generate certificate number: %w", lastErr)
}

// ListByUser returns the certificates of a user.
func (s *Service) ListByUser(ctx context.Context, userID int64) ([]domain.Certificate, error) {
	return s.store.ListCertificatesByUser(ctx, userID)
}

// Verify looks a certificate up by its number, case-insensitively.
func (s *Service) Verify(ctx context.Context, number string) (*domain.Certificate, error) {
	number = strings.TrimSpace(number)
	if number == "" {
		return nil, errors.InvalidArgument("certificate number is required")
	}

	c, err := s.store.GetCertificateByNumber(ctx, strings.ToUpper(number))
	if errors.CodeOf(err) == errors.CodeNotFound {
		return nil, errors.NotFound("certificate not found, please check the certificate number")
	}

	return c, err
}
