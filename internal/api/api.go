// Package api exposes the session coordinator over REST, a websocket state stream, gRPC and per-user
// Redis notifications.
package api

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"

	"github.com/victornm/quizsync/internal/auth"
	"github.com/victornm/quizsync/internal/countdown"
	"github.com/victornm/quizsync/internal/domain"
	"github.com/victornm/quizsync/internal/event"
	"github.com/victornm/quizsync/internal/history"
	"github.com/victornm/quizsync/internal/leaderboard"
	"github.com/victornm/quizsync/internal/lobby"
	"github.com/victornm/quizsync/internal/quiz"
	"github.com/victornm/quizsync/internal/result"
	"github.com/victornm/quizsync/internal/round"
	"github.com/victornm/quizsync/internal/store"
)

type Config struct {
	// HTTP and GRPC are optional; routes are only registered on the ones set.
	HTTP gin.IRouter
	GRPC *grpc.Server

	EventBus    *event.Bus
	Auth        *auth.Authenticator
	Store       Store
	Lobby       *lobby.Service
	Countdown   *countdown.Service
	Round       *round.Service
	Result      *result.Service
	Leaderboard *leaderboard.Service
	Quizzes     Quizzes
	History     History

	Redis        Redis
	PubsubPrefix string
}

type Redis interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// Store is the part of the session store the transports read directly.
type Store interface {
	Watch(ctx context.Context, sessionID string) (*store.Subscription, error)
	ListPlayers(ctx context.Context, sessionID string) ([]domain.Player, error)
}

type Quizzes interface {
	CreateQuiz(ctx context.Context, req quiz.CreateQuizRequest) (*domain.Quiz, error)
	ListQuizzes(ctx context.Context, req quiz.ListQuizzesRequest) ([]domain.Quiz, error)
}

type History interface {
	ListHistory(ctx context.Context, req history.ListHistoryRequest) ([]domain.Result, error)
}

type API struct {
	auth  *auth.Authenticator
	store Store

	lobby       *lobby.Service
	countdown   *countdown.Service
	round       *round.Service
	result      *result.Service
	leaderboard *leaderboard.Service
	quizzes     Quizzes
	history     History

	redis  Redis
	prefix string
}

func New(c Config) *API {
	a := &API{
		auth:        c.Auth,
		store:       c.Store,
		lobby:       c.Lobby,
		countdown:   c.Countdown,
		round:       c.Round,
		result:      c.Result,
		leaderboard: c.Leaderboard,
		quizzes:     c.Quizzes,
		history:     c.History,
		redis:       c.Redis,
		prefix:      c.PubsubPrefix,
	}

	if c.HTTP != nil {
		a.registerHTTP(c.HTTP)
	}

	if c.GRPC != nil {
		c.GRPC.RegisterService(&sessionServiceDesc, a)
	}

	// Per-user notifications
	if a.redis != nil {
		c.EventBus.Subscribe(domain.EventNameLeaderboardUpdated, func(ctx context.Context, e event.Event) error {
			return a.PublishLeaderboardUpdated(ctx, e.(domain.EventLeaderboardUpdated))
		})

		c.EventBus.Subscribe(domain.EventNameRoundRevealed, func(ctx context.Context, e event.Event) error {
			return a.PublishRoundRevealed(ctx, e.(domain.EventRoundRevealed))
		})

		c.EventBus.Subscribe(domain.EventNameResultsFinalized, func(ctx context.Context, e event.Event) error {
			return a.PublishResultsFinalized(ctx, e.(domain.EventResultsFinalized))
		})

		c.EventBus.Subscribe(domain.EventNameSessionDeleted, func(ctx context.Context, e event.Event) error {
			return a.PublishSessionDeleted(ctx, e.(domain.EventSessionDeleted))
		})
	}

	return a
}
