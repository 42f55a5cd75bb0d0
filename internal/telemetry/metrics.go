package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "examcert"

var (
	AttemptsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "attempts_started_total",
		Help:      "Number of start requests served, by whether an existing attempt was resumed.",
	}, []string{"resumed"})

	AttemptsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "attempts_submitted_total",
		Help:      "Number of scored attempts, by terminal status and outcome.",
	}, []string{"status", "passed"})

	CertificatesIssued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "certificates_issued_total",
		Help:      "Number of certificates created.",
	})

	PointsAwarded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "points_awarded_total",
		Help:      "Sum of gamification points awarded.",
	})
)
