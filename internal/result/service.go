package result

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/victornm/quizsync/internal/domain"
	"github.com/victornm/quizsync/internal/errors"
	"github.com/victornm/quizsync/internal/event"
	"github.com/victornm/quizsync/internal/quiz"
	"github.com/victornm/quizsync/internal/schedule"
	"github.com/victornm/quizsync/internal/store"
	"github.com/victornm/quizsync/internal/telemetry"
)

const defaultTeardownDelay = 30 * time.Second

var hundred = decimal.NewFromInt(100)

type Quizzes interface {
	GetQuiz(ctx context.Context, req quiz.GetQuizRequest) (*domain.Quiz, error)
}

type Config struct {
	Store     *store.Store
	EventBus  *event.Bus
	Scheduler *schedule.Scheduler
	// Quizzes is consulted for the saved flag at teardown. The session's quiz snapshot is used when nil.
	Quizzes       Quizzes
	TeardownDelay time.Duration
}

// Service finalizes completed sessions: it records final scores, picks the best player and deletes
// the session after a grace period.
type Service struct {
	store         *store.Store
	eb            *event.Bus
	sched         *schedule.Scheduler
	quizzes       Quizzes
	teardownDelay time.Duration
}

func NewService(c Config) *Service {
	s := &Service{
		store:         c.Store,
		eb:            c.EventBus,
		sched:         c.Scheduler,
		quizzes:       c.Quizzes,
		teardownDelay: c.TeardownDelay,
	}

	if s.teardownDelay <= 0 {
		s.teardownDelay = defaultTeardownDelay
	}

	s.eb.Subscribe(domain.EventNameQuizCompleted, func(ctx context.Context, e event.Event) error {
		return s.finalize(ctx, e.(domain.EventQuizCompleted).Session)
	})

	return s
}

type CompleteQuizRequest struct {
	SessionID     string
	PlayerID      string
	Score         int
	QuestionCount int
}

// CompleteQuiz records the player's final and percentage score once. Other fields of the player are kept.
func (s *Service) CompleteQuiz(ctx context.Context, req CompleteQuizRequest) (*domain.Player, error) {
	if req.QuestionCount <= 0 {
		return nil, errors.InvalidArgument("question count must be positive")
	}
	if req.Score < 0 || req.Score > req.QuestionCount {
		return nil, errors.InvalidArgument("score %d out of range [0, %d]", req.Score, req.QuestionCount)
	}

	now := time.Now().UTC()
	p, err := s.store.UpdatePlayer(ctx, req.SessionID, req.PlayerID, func(p *domain.Player) error {
		if p.Completed() {
			return errors.New(errors.CodeAlreadyExists,
				errors.WithMessagef("quiz already completed: session=%s player=%s", req.SessionID, req.PlayerID))
		}

		complete(p, req.Score, req.QuestionCount, now)
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "result: quiz completed by player",
		"session", req.SessionID,
		"player", req.PlayerID,
		"score", req.Score,
		"percentage", p.PercentageScore.String(),
	)

	return p, nil
}

func complete(p *domain.Player, score, questionCount int, now time.Time) {
	pct := decimal.NewFromInt(int64(score)).Mul(hundred).Div(decimal.NewFromInt(int64(questionCount))).Round(2)

	p.FinalScore = &score
	p.PercentageScore = &pct
	p.CompleteTime = now
}

type ComputeBestPlayerRequest struct {
	SessionID string
}

// ComputeBestPlayer returns the completed player with the highest final score, or nil when no player
// has completed. Ties go to the player who completed first, then to the player who joined first.
func (s *Service) ComputeBestPlayer(ctx context.Context, req ComputeBestPlayerRequest) (*domain.Player, error) {
	players, err := s.store.ListPlayers(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}

	return BestPlayer(players), nil
}

// BestPlayer picks the best completed player of players, which are in join order.
func BestPlayer(players []domain.Player) *domain.Player {
	var best *domain.Player
	for i := range players {
		p := &players[i]
		if !p.Completed() {
			continue
		}

		if best == nil || better(p, best) {
			best = p
		}
	}

	if best == nil {
		return nil
	}

	out := *best
	return &out
}

func better(p, than *domain.Player) bool {
	if *p.FinalScore != *than.FinalScore {
		return *p.FinalScore > *than.FinalScore
	}

	return p.CompleteTime.Before(than.CompleteTime)
}

type ScheduleTeardownRequest struct {
	SessionID string
	// Delay before the session is deleted; zero selects the configured default.
	Delay time.Duration
}

// ScheduleTeardown deletes the session after the delay.
func (s *Service) ScheduleTeardown(ctx context.Context, req ScheduleTeardownRequest) {
	delay := req.Delay
	if delay <= 0 {
		delay = s.teardownDelay
	}

	slog.InfoContext(ctx, "result: teardown scheduled", "session", req.SessionID, "delay", delay)

	s.sched.After(delay, "teardown:"+req.SessionID, func(ctx context.Context) {
		if _, err := s.Teardown(ctx, TeardownRequest{SessionID: req.SessionID}); err != nil {
			slog.ErrorContext(ctx, "result: teardown failed", "session", req.SessionID, "error", err)
		}
	})
}

type TeardownRequest struct {
	SessionID string
}

// Teardown deletes the session with everything scoped to it, unless its quiz is saved. It reports
// whether this call deleted the session; a session that is already gone is not an error.
func (s *Service) Teardown(ctx context.Context, req TeardownRequest) (bool, error) {
	saved, err := s.quizSaved(ctx, req.SessionID)
	if errors.HasCode(err, errors.CodeNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if saved {
		slog.InfoContext(ctx, "result: quiz is saved, session kept", "session", req.SessionID)
		return false, nil
	}

	del, err := s.store.DeleteSession(ctx, req.SessionID)
	if errors.HasCode(err, errors.CodeNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	telemetry.SessionsDeleted.WithLabelValues("teardown").Inc()
	slog.InfoContext(ctx, "result: session deleted", "session", req.SessionID)

	s.eb.Publish(ctx, domain.EventSessionDeleted{Session: del.Session, Players: del.Players})

	return true, nil
}

func (s *Service) quizSaved(ctx context.Context, sessionID string) (bool, error) {
	snapshot, err := s.store.GetQuiz(ctx, sessionID)
	if err != nil {
		return false, err
	}

	if s.quizzes == nil {
		return snapshot.Saved, nil
	}

	q, err := s.quizzes.GetQuiz(ctx, quiz.GetQuizRequest{QuizID: snapshot.QuizID})
	switch {
	case errors.HasCode(err, errors.CodeNotFound):
		// Deleted from the catalog since.
		return false, nil
	case err != nil:
		return false, err
	}

	return q.Saved, nil
}

// finalize completes every player that has not reported a final score with the running score kept by
// the coordinator, then announces the results and schedules the teardown.
func (s *Service) finalize(ctx context.Context, ss domain.Session) error {
	players, err := s.store.ListPlayers(ctx, ss.SessionID)
	if errors.HasCode(err, errors.CodeNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for i, p := range players {
		if p.Completed() || ss.QuestionCount <= 0 {
			continue
		}

		updated, err := s.store.UpdatePlayer(ctx, ss.SessionID, p.PlayerID, func(p *domain.Player) error {
			if !p.Completed() {
				complete(p, p.Score, ss.QuestionCount, now)
			}
			return nil
		})
		if errors.HasCode(err, errors.CodeNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		players[i] = *updated
	}

	best := BestPlayer(players)

	attrs := []any{"session", ss.SessionID, "players", len(players)}
	if best != nil {
		attrs = append(attrs, "best", best.PlayerID, "best_score", *best.FinalScore)
	}
	slog.InfoContext(ctx, "result: results finalized", attrs...)

	s.eb.Publish(ctx, domain.EventResultsFinalized{Session: ss, Players: players, Best: best})

	s.ScheduleTeardown(ctx, ScheduleTeardownRequest{SessionID: ss.SessionID})

	return nil
}
