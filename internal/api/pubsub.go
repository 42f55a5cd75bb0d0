package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/victornm/examcert/internal/domain"
)

type (
	Notification struct {
		Event string `json:"event"`
		Data  any    `json:"data"`
	}

	PointsAwarded struct {
		AttemptID int64   `json:"attempt_id"`
		Points    float64 `json:"points"`
		Total     float64 `json:"total"`
	}
)

func (a *API) PublishCertificateIssued(ctx context.Context, e domain.EventCertificateIssued) error {
	return a.publishNotification(ctx, e.Certificate.UserID, e.Name(), toCertificate(e.Certificate))
}

func (a *API) PublishPointsAwarded(ctx context.Context, e domain.EventPointsAwarded) error {
	return a.publishNotification(ctx, e.UserID, e.Name(), PointsAwarded{
		AttemptID: e.AttemptID,
		Points:    e.Points,
		Total:     e.Total,
	})
}

// UserChannel is the pub/sub channel carrying the notifications of a user.
func UserChannel(prefix string, userID int64) string {
	return fmt.Sprintf("%s:user:%d", prefix, userID)
}

func (a *API) publishNotification(ctx context.Context, userID int64, event string, data any) error {
	n := Notification{
		Event: event,
		Data:  data,
	}

	b, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("pubsub: marshal %s: %v", event, err)
	}

	return a.redis.Publish(ctx, UserChannel(a.prefix, userID), b).Err()
}
