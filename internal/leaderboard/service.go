package leaderboard

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/victornm/quizsync/internal/domain"
	"github.com/victornm/quizsync/internal/errors"
	"github.com/victornm/quizsync/internal/event"
)

const (
	defaultPublishInterval = 200 * time.Millisecond
	defaultTTL             = 24 * time.Hour
)

type Config struct {
	EventBus *event.Bus
	Redis    redis.UniversalClient
	Prefix   string
	// PublishInterval is the minimum time between two leaderboard.updated events of a session.
	PublishInterval time.Duration
	TTL             time.Duration
}

// Service keeps the running scores of every session in a sorted set, so clients can show a live ranking
// while the quiz is played.
type Service struct {
	eb              *event.Bus
	redis           redis.UniversalClient
	prefix          string
	publishInterval time.Duration
	ttl             time.Duration
}

func NewService(c Config) *Service {
	s := &Service{
		eb:              c.EventBus,
		redis:           c.Redis,
		prefix:          c.Prefix,
		publishInterval: c.PublishInterval,
		ttl:             c.TTL,
	}

	if s.publishInterval <= 0 {
		s.publishInterval = defaultPublishInterval
	}
	if s.ttl <= 0 {
		s.ttl = defaultTTL
	}

	s.eb.Subscribe(domain.EventNameScoreUpdated, func(ctx context.Context, e event.Event) error {
		return s.UpdateLeaderboard(ctx, e.(domain.EventScoreUpdated))
	})

	s.eb.Subscribe(domain.EventNameSessionDeleted, func(ctx context.Context, e event.Event) error {
		return s.DeleteLeaderboard(ctx, e.(domain.EventSessionDeleted).Session.SessionID)
	})

	return s
}

type GetLeaderboardRequest struct {
	SessionID string
}

// GetLeaderboard returns the leaderboard for a session, including all players and their scores.
func (s *Service) GetLeaderboard(ctx context.Context, req GetLeaderboardRequest) (*domain.Leaderboard, error) {
	res, err := s.redis.ZRevRangeWithScores(ctx, s.getLeaderboardKey(req.SessionID), 0, -1).Result()
	if err != nil {
		return nil, errors.Unavailable(fmt.Errorf("get leaderboard: %w", err))
	}

	if len(res) == 0 {
		return nil, errors.NotFound("leaderboard not found: session=%s", req.SessionID)
	}

	scores := make([]domain.LeaderboardEntry, 0, len(res))
	for _, z := range res {
		scores = append(scores, domain.LeaderboardEntry{
			PlayerID: z.Member.(string),
			Score:    z.Score,
		})
	}

	return &domain.Leaderboard{
		SessionID: req.SessionID,
		Entries:   scores,
	}, nil
}

// UpdateLeaderboard overwrites the player's score in the leaderboard.
func (s *Service) UpdateLeaderboard(ctx context.Context, e domain.EventScoreUpdated) error {
	sc := e.Score
	key := s.getLeaderboardKey(sc.SessionID)

	_, err := s.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, key, redis.Z{
			Score:  float64(sc.TotalScore),
			Member: sc.PlayerID,
		})
		p.Expire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("update leaderboard: %w", err)
	}

	return s.schedulePublishLeaderboard(ctx, sc)
}

// DeleteLeaderboard drops the session's leaderboard.
func (s *Service) DeleteLeaderboard(ctx context.Context, sessionID string) error {
	if err := s.redis.Del(ctx, s.getLeaderboardKey(sessionID), s.getLeaderboardTimeKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("delete leaderboard: %w", err)
	}

	return nil
}

// schedulePublishLeaderboard publishes the leaderboard changes at most once per publish interval.
// Many players answer within a short time, so this reduces the number of published events.
func (s *Service) schedulePublishLeaderboard(ctx context.Context, sc domain.Score) error {
	// This keeps multiple instances of the service from publishing the same leaderboard, but an update
	// landing inside the interval is only seen with the next publish.
	ok, err := s.redis.SetNX(ctx, s.getLeaderboardTimeKey(sc.SessionID), sc.UpdateTime.UnixMilli(), s.publishInterval).Result()
	if err != nil {
		return fmt.Errorf("setnx: %w", err)
	}

	if !ok {
		return nil
	}

	return s.publishLeaderboard(ctx, sc)
}

func (s *Service) publishLeaderboard(ctx context.Context, sc domain.Score) error {
	l, err := s.GetLeaderboard(ctx, GetLeaderboardRequest{
		SessionID: sc.SessionID,
	})
	if err != nil {
		return fmt.Errorf("get leaderboard failed: session=%s: %w", sc.SessionID, err)
	}

	s.eb.Publish(ctx, domain.EventLeaderboardUpdated{
		Leaderboard: *l,
	})

	return nil
}

func (s *Service) getLeaderboardKey(session string) string {
	return fmt.Sprintf("%s:%s:leaderboard", s.prefix, session)
}

func (s *Service) getLeaderboardTimeKey(session string) string {
	return fmt.Sprintf("%s:%s:time", s.prefix, session)
}
