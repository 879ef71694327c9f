// Package storetest provides a session store backed by an in-process Redis for tests.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/victornm/quizsync/internal/domain"
	"github.com/victornm/quizsync/internal/errors"
	"github.com/victornm/quizsync/internal/quiz"
	"github.com/victornm/quizsync/internal/store"
)

// Redis starts a miniredis server and returns a client connected to it. Both are closed with the test.
func Redis(t testing.TB) (redis.UniversalClient, *miniredis.Miniredis) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	mr := miniredis.RunT(t)
	rc := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{mr.Addr()},
	})
	t.Cleanup(func() { rc.Close() })
	require.NoError(t, rc.Ping(ctx).Err(), "should be able to ping redis")

	return rc, mr
}

// New returns a store on a fresh miniredis server.
func New(t testing.TB) (*store.Store, *miniredis.Miniredis) {
	t.Helper()

	rc, mr := Redis(t)

	return store.New(store.Config{
		Redis:  rc,
		Prefix: "test",
		TTL:    24 * time.Hour,
	}), mr
}

// Quiz is a two-question quiz: "Capital of France?" (Paris) and "2+2?" (4).
func Quiz() domain.Quiz {
	return domain.Quiz{
		QuizID: "q1",
		Title:  "Capitals",
		Questions: []domain.Question{
			{Text: "Capital of France?", Answers: []string{"Paris", "London"}, CorrectAnswer: "Paris"},
			{Text: "2+2?", Answers: []string{"3", "4"}, CorrectAnswer: "4"},
		},
	}
}

// Quizzes serves quizzes by ID from memory.
type Quizzes map[string]domain.Quiz

func (q Quizzes) GetQuiz(_ context.Context, req quiz.GetQuizRequest) (*domain.Quiz, error) {
	found, ok := q[req.QuizID]
	if !ok {
		return nil, errors.NotFound("quiz not found: quiz=%s", req.QuizID)
	}

	return &found, nil
}
