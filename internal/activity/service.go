// Package activity keeps the per-user audit trail of exam activity. It only reacts to events, so a
// failure here never affects the attempt that triggered it.
package activity

import (
	"context"
	"fmt"
	"time"

	"github.com/victornm/examcert/internal/domain"
	"github.com/victornm/examcert/internal/event"
)

const subscriberName = "activity"

type Store interface {
	AppendActivity(ctx context.Context, a domain.Activity) error
	ListActivities(ctx context.Context, userID int64) ([]domain.Activity, error)
}

type Config struct {
	Store    Store
	EventBus *event.Bus
	Now      func() time.Time
}

type Service struct {
	store Store
	now   func() time.Time
}

func NewService(c Config) *Service {
	s := &Service{
		store: c.Store,
		now:   c.Now,
	}

	if s.now == nil {
		s.now = time.Now
	}

	c.EventBus.Subscribe(domain.EventNameAttemptStarted, subscriberName, func(ctx context.Context, e event.Event) error {
		return s.AttemptStarted(ctx, e.(domain.EventAttemptStarted))
	})

	c.EventBus.Subscribe(domain.EventNameAttemptSubmitted, subscriberName, func(ctx context.Context, e event.Event) error {
		return s.AttemptSubmitted(ctx, e.(domain.EventAttemptSubmitted))
	})

	c.EventBus.Subscribe(domain.EventNameCertificateIssued, subscriberName, func(ctx context.Context, e event.Event) error {
		return s.CertificateIssued(ctx, e.(domain.EventCertificateIssued))
	})

	return s
}

func (s *Service) AttemptStarted(ctx context.Context, e domain.EventAttemptStarted) error {
	a := e.Attempt
	return s.append(ctx, domain.Activity{
		UserID:    a.UserID,
		Type:      domain.ActivityExamStarted,
		IPAddress: a.IPAddress,
		Details:   fmt.Sprintf("Started exam %d, attempt #%d", a.ExamID, a.AttemptNumber),
		Timestamp: a.StartedAt,
	})
}

func (s *Service) AttemptSubmitted(ctx context.Context, e domain.EventAttemptSubmitted) error {
	a := e.Attempt

	score := "0.00"
	if a.Score != nil {
		score = a.Score.StringFixed(2)
	}

	ts := s.now()
	if a.SubmittedAt != nil {
		ts = *a.SubmittedAt
	}

	return s.append(ctx, domain.Activity{
		UserID:    a.UserID,
		Type:      domain.ActivityExamSubmitted,
		IPAddress: a.IPAddress,
		Details:   fmt.Sprintf("Submitted exam %d, attempt #%d: score %s%%, status %s", a.ExamID, a.AttemptNumber, score, a.Status),
		Timestamp: ts,
	})
}

func (s *Service) CertificateIssued(ctx context.Context, e domain.EventCertificateIssued) error {
	c := e.Certificate
	return s.append(ctx, domain.Activity{
		UserID:    c.UserID,
		Type:      domain.ActivityCertificateIssued,
		IPAddress: e.IPAddress,
		Details:   fmt.Sprintf("Earned certificate %s for exam %d", c.CertificateNumber, c.ExamID),
		Timestamp: c.IssuedAt,
	})
}

// List returns the activity log of a user, newest first.
func (s *Service) List(ctx context.Context, userID int64) ([]domain.Activity, error) {
	return s.store.ListActivities(ctx, userID)
}

func (s *Service) append(ctx context.Context, a domain.Activity) error {
	if err := s.store.AppendActivity(ctx, a); err != nil {
		return fmt.Errorf("append %s activity: %w", a.Type, err)
	}
	return nil
}
