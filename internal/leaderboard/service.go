package leaderboard

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Minami189/QuizWebSocket/internal/domain"
	"github.com/Minami189/QuizWebSocket/internal/errors"
	"github.com/Minami189/QuizWebSocket/internal/event"
)

const (
	publishInterval  = 200 * time.Millisecond
	defaultRetention = time.Hour
)

type Config struct {
	EventBus *event.Bus
	Redis    redis.UniversalClient
	Prefix   string
	// Retention is how long a leaderboard outlives its room.
	Retention time.Duration
	Now       func() time.Time
}

// Service mirrors the finished scores of every room into a redis sorted set.
type Service struct {
	eb        *event.Bus
	redis     redis.UniversalClient
	prefix    string
	retention time.Duration
	now       func() time.Time
}

func NewService(c Config) *Service {
	s := &Service{
		eb:        c.EventBus,
		redis:     c.Redis,
		prefix:    c.Prefix,
		retention: c.Retention,
		now:       c.Now,
	}

	if s.retention <= 0 {
		s.retention = defaultRetention
	}
	if s.now == nil {
		s.now = time.Now
	}

	s.eb.Subscribe(func(ctx context.Context, e event.Event) error {
		return s.Reset(ctx, e.(domain.EventRoomCreated))
	}, domain.EventNameRoomCreated)

	s.eb.Subscribe(func(ctx context.Context, e event.Event) error {
		return s.RecordScore(ctx, e.(domain.EventScoreRecorded))
	}, domain.EventNameScoreRecorded)

	s.eb.Subscribe(func(ctx context.Context, e event.Event) error {
		return s.FinalizeSession(ctx, e.(domain.EventSessionEnded))
	}, domain.EventNameSessionEnded)

	s.eb.Subscribe(func(ctx context.Context, e event.Event) error {
		return s.Expire(ctx, e.(domain.EventRoomRemoved))
	}, domain.EventNameRoomRemoved)

	return s
}

type GetLeaderboardRequest struct {
	RoomCode string
}

// GetLeaderboard returns the leaderboard for a room, highest score first.
func (s *Service) GetLeaderboard(ctx context.Context, req GetLeaderboardRequest) (*domain.Leaderboard, error) {
	res, err := s.redis.ZRevRangeWithScores(ctx, s.leaderboardKey(req.RoomCode), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("get leaderboard: %w", err)
	}

	if len(res) == 0 {
		return nil, errors.NotFound("leaderboard not found: room=%s", req.RoomCode)
	}

	entries := make([]domain.LeaderboardEntry, 0, len(res))
	for _, z := range res {
		entries = append(entries, domain.LeaderboardEntry{
			Email: z.Member.(string),
			Score: z.Score,
		})
	}

	return &domain.Leaderboard{
		RoomCode: req.RoomCode,
		Entries:  entries,
	}, nil
}

// RecordScore overwrites the user's score in the room leaderboard.
func (s *Service) RecordScore(ctx context.Context, e domain.EventScoreRecorded) error {
	sc := e.Score

	if err := s.redis.ZAdd(ctx, s.leaderboardKey(sc.RoomCode), redis.Z{
		Score:  sc.Score.InexactFloat64(),
		Member: sc.Email,
	}).Err(); err != nil {
		return fmt.Errorf("record score: %w", err)
	}

	return s.schedulePublishLeaderboard(ctx, sc.RoomCode)
}

// FinalizeSession writes every final score of the room at once and publishes
// the result without throttling.
func (s *Service) FinalizeSession(ctx context.Context, e domain.EventSessionEnded) error {
	if len(e.Scores) == 0 {
		return nil
	}

	zs := make([]redis.Z, 0, len(e.Scores))
	for _, sc := range e.Scores {
		zs = append(zs, redis.Z{Score: sc.Score.InexactFloat64(), Member: sc.Email})
	}

	if err := s.redis.ZAdd(ctx, s.leaderboardKey(e.RoomCode), zs...).Err(); err != nil {
		return fmt.Errorf("finalize session: room=%s: %w", e.RoomCode, err)
	}

	return s.publishLeaderboard(ctx, e.RoomCode)
}

// Reset drops whatever a previous room with the same code left behind, so a
// reused code starts with an empty leaderboard and no pending expiry.
func (s *Service) Reset(ctx context.Context, e domain.EventRoomCreated) error {
	if err := s.redis.Del(ctx, s.leaderboardKey(e.RoomCode), s.leaderboardTimeKey(e.RoomCode)).Err(); err != nil {
		return fmt.Errorf("reset leaderboard: room=%s: %w", e.RoomCode, err)
	}
	return nil
}

// Expire keeps the leaderboard of a removed room around for the retention period only.
func (s *Service) Expire(ctx context.Context, e domain.EventRoomRemoved) error {
	_, err := s.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Expire(ctx, s.leaderboardKey(e.RoomCode), s.retention)
		p.Del(ctx, s.leaderboardTimeKey(e.RoomCode))
		return nil
	})
	if err != nil {
		return fmt.Errorf("expire leaderboard: room=%s: %w", e.RoomCode, err)
	}
	return nil
}

// schedulePublishLeaderboard publishes the leaderboard at most once per
// publishInterval per room, so a burst of finished quizzes results in a
// single update.
func (s *Service) schedulePublishLeaderboard(ctx context.Context, code string) error {
	ok, err := s.redis.SetNX(ctx, s.leaderboardTimeKey(code), s.now().UnixMilli(), publishInterval).Result()
	if err != nil {
		return fmt.Errorf("setnx: %w", err)
	}

	if !ok {
		return nil
	}

	return s.publishLeaderboard(ctx, code)
}

func (s *Service) publishLeaderboard(ctx context.Context, code string) error {
	l, err := s.GetLeaderboard(ctx, GetLeaderboardRequest{RoomCode: code})
	if err != nil {
		return fmt.Errorf("get leaderboard failed: room=%s: %w", code, err)
	}

	s.eb.Publish(ctx, domain.EventLeaderboardUpdated{
		Leaderboard: *l,
	})

	return s.redis.Set(ctx, s.leaderboardTimeKey(code), s.now().UnixMilli(), publishInterval).Err()
}

func (s *Service) leaderboardKey(code string) string {
	return fmt.Sprintf("%s:room:%s:leaderboard", s.prefix, code)
}

func (s *Service) leaderboardTimeKey(code string) string {
	return fmt.Sprintf("%s:room:%s:time", s.prefix, code)
}
