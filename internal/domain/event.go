package domain

const (
	EventNameAttemptStarted    = "attempt.started"
	EventNameAttemptSubmitted  = "attempt.submitted"
	EventNameCertificateIssued = "certificate.issued"
	EventNamePointsAwarded     = "points.awarded"
)

type EventAttemptStarted struct {
	Attempt Attempt
}

func (EventAttemptStarted) Name() string { return EventNameAttemptStarted }

type EventAttemptSubmitted struct {
	Attempt Attempt
}

func (EventAttemptSubmitted) Name() string { return EventNameAttemptSubmitted }

type EventCertificateIssued struct {
	Certificate Certificate
	IPAddress   string
}

func (EventCertificateIssued) Name() string { return EventNameCertificateIssued }

type EventPointsAwarded struct {
	UserID    int64
	AttemptID int64
	Points    float64
	Total     float64
}

func (EventPointsAwarded) Name() string { return EventNamePointsAwarded }
