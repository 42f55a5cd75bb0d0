package activity_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/victornm/examcert/internal/activity"
	"github.com/victornm/examcert/internal/domain"
	"github.com/victornm/examcert/internal/event"
	"github.com/victornm/examcert/internal/store/memory"
)

func TestService_RecordsEvents(t *testing.T) {
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	score := decimal.NewFromFloat(75)

	tests := map[string]struct {
		event  event.Event
		assert func(t *testing.T, got []domain.Activity)
	}{
		"should record a started attempt": {
			event: domain.EventAttemptStarted{Attempt: domain.Attempt{
				UserID: 7, ExamID: 3, AttemptNumber: 2, StartedAt: now, IPAddress: "10.0.0.1",
			}},
			assert: func(t *testing.T, got []domain.Activity) {
				require.Equal(t, []domain.Activity{{
					UserID:    7,
					Type:      domain.ActivityExamStarted,
					IPAddress: "10.0.0.1",
					Details:   "Started exam 3, attempt #2",
					Timestamp: now,
				}}, got)
			},
		},

		"should record a submitted attempt with its score and status": {
			event: domain.EventAttemptSubmitted{Attempt: domain.Attempt{
				UserID: 7, ExamID: 3, AttemptNumber: 1, Status: domain.AttemptStatusExpired, Score: &score, SubmittedAt: &now,
			}},
			assert: func(t *testing.T, got []domain.Activity) {
				require.Len(t, got, 1)
				require.Equal(t, domain.ActivityExamSubmitted, got[0].Type)
				require.Equal(t, "Submitted exam 3, attempt #1: score 75.00%, status expired", got[0].Details)
				require.Equal(t, now, got[0].Timestamp)
			},
		},

		"should record an issued certificate": {
			event: domain.EventCertificateIssued{
				Certificate: domain.Certificate{UserID: 7, ExamID: 3, CertificateNumber: "CERT-ABCDEF1234", IssuedAt: now},
				IPAddress:   "10.0.0.2",
			},
			assert: func(t *testing.T, got []domain.Activity) {
				require.Len(t, got, 1)
				require.Equal(t, domain.ActivityCertificateIssued, got[0].Type)
				require.Equal(t, "10.0.0.2", got[0].IPAddress)
				require.Equal(t, "Earned certificate CERT-ABCDEF1234 for exam 3", got[0].Details)
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			st := memory.New()
			eb := event.NewBus()
			s := activity.NewService(activity.Config{Store: st, EventBus: eb})

			eb.Publish(context.Background(), tt.event)
			eb.Stop()

			got, err := s.List(context.Background(), 7)
			require.NoError(t, err)
			tt.assert(t, got)
		})
	}
}
