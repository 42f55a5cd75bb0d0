package leaderboard

import (
	"context"
	stderrors "errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/victornm/examcert/internal/domain"
	"github.com/victornm/examcert/internal/event"
	"github.com/victornm/examcert/internal/telemetry"
)

const (
	subscriberName = "leaderboard"

	DefaultPassPoints = 50
	DefaultTopN       = 20

	// awardTTL only has to outlive any redelivery of the same submit.
	awardTTL = 7 * 24 * time.Hour
)

type Config struct {
	EventBus *event.Bus
	Redis    redis.UniversalClient
	Prefix   string
	// PassPoints is awarded for every passed attempt, DefaultPassPoints when zero.
	PassPoints float64
}

type Service struct {
	eb         *event.Bus
	redis      redis.UniversalClient
	prefix     string
	passPoints float64
}

func NewService(c Config) *Service {
	s := &Service{
		eb:         c.EventBus,
		redis:      c.Redis,
		prefix:     c.Prefix,
		passPoints: c.PassPoints,
	}

	if s.passPoints <= 0 {
		s.passPoints = DefaultPassPoints
	}

	s.eb.Subscribe(domain.EventNameAttemptSubmitted, subscriberName, func(ctx context.Context, e event.Event) error {
		return s.AwardPoints(ctx, e.(domain.EventAttemptSubmitted))
	})

	return s
}

type GetLeaderboardRequest struct {
	// Limit defaults to DefaultTopN.
	Limit int
}

// GetLeaderboard returns the users with the most points, highest first.
func (s *Service) GetLeaderboard(ctx context.Context, req GetLeaderboardRequest) (*domain.Leaderboard, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = DefaultTopN
	}

	res, err := s.redis.ZRevRangeWithScores(ctx, s.getLeaderboardKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("get leaderboard: %w", err)
	}

	entries := make([]domain.LeaderboardEntry, 0, len(res))
	for _, z := range res {
		id, err := strconv.ParseInt(z.Member.(string), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse leaderboard member %v: %w", z.Member, err)
		}

		entries = append(entries, domain.LeaderboardEntry{
			UserID: id,
			Points: z.Score,
		})
	}

	return &domain.Leaderboard{
		Entries: entries,
	}, nil
}

// AwardPoints credits the user of a passed attempt. Each attempt is credited at most once.
func (s *Service) AwardPoints(ctx context.Context, e domain.EventAttemptSubmitted) error {
	a := e.Attempt
	if !a.Passed {
		return nil
	}

	ok, err := s.redis.SetNX(ctx, s.getAwardKey(a.AttemptID), s.passPoints, awardTTL).Result()
	if err != nil {
		return fmt.Errorf("setnx: %w", err)
	}

	if !ok {
		return nil
	}

	total, err := s.redis.ZIncrBy(ctx, s.getLeaderboardKey(), s.passPoints, strconv.FormatInt(a.UserID, 10)).Result()
	if err != nil {
		err = fmt.Errorf("update leaderboard: %w", err)
		// Release the marker so a redelivery can still award the points.
		if delErr := s.redis.Del(context.WithoutCancel(ctx), s.getAwardKey(a.AttemptID)).Err(); delErr != nil {
			err = stderrors.Join(err, fmt.Errorf("release award marker: %w", delErr))
		}
		return err
	}

	telemetry.PointsAwarded.Add(s.passPoints)

	s.eb.Publish(ctx, domain.EventPointsAwarded{
		UserID:    a.UserID,
		AttemptID: a.AttemptID,
		Points:    s.passPoints,
		Total:     total,
	})

	return nil
}

func (s *Service) getLeaderboardKey() string {
	return fmt.Sprintf("%s:leaderboard", s.prefix)
}

func (s *Service) getAwardKey(attemptID int64) string {
	return fmt.Sprintf("%s:awarded:%d", s.prefix, attemptID)
}
