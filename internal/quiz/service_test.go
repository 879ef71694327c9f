//go:build integration_test

package quiz_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/quizsync/internal/domain"
	"github.com/victornm/quizsync/internal/errors"
	"github.com/victornm/quizsync/internal/pgtest"
	"github.com/victornm/quizsync/internal/quiz"
)

func TestService(t *testing.T) {
	ctx := context.Background()

	s := quiz.NewService(quiz.Config{DB: pgtest.Start(t)})
	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.Migrate(ctx), "migration should be idempotent")

	questions := []domain.Question{
		{Text: "Capital of France?", Answers: []string{"Paris", "London"}, CorrectAnswer: "Paris"},
		{Text: "2+2?", Answers: []string{"3", "4"}, CorrectAnswer: "4"},
	}

	created, err := s.CreateQuiz(ctx, quiz.CreateQuizRequest{CreatorID: "u1", Title: "Mixed", Questions: questions})
	require.NoError(t, err)
	require.NotEmpty(t, created.QuizID)

	got, err := s.GetQuiz(ctx, quiz.GetQuizRequest{QuizID: created.QuizID})
	require.NoError(t, err)
	assert.Equal(t, created.QuizID, got.QuizID)
	assert.Equal(t, questions, got.Questions)
	assert.False(t, got.Saved)

	_, err = s.CreateQuiz(ctx, quiz.CreateQuizRequest{CreatorID: "u1", Title: "Saved", Questions: questions, Saved: true})
	require.NoError(t, err)

	list, err := s.ListQuizzes(ctx, quiz.ListQuizzesRequest{CreatorID: "u1"})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "Saved", list[0].Title, "newest first")

	require.NoError(t, s.SaveQuiz(ctx, quiz.SaveQuizRequest{QuizID: created.QuizID, CreatorID: "u1", Saved: true}))
	got, err = s.GetQuiz(ctx, quiz.GetQuizRequest{QuizID: created.QuizID})
	require.NoError(t, err)
	assert.True(t, got.Saved)

	err = s.DeleteQuiz(ctx, quiz.DeleteQuizRequest{QuizID: created.QuizID, CreatorID: "someone-else"})
	require.True(t, errors.HasCode(err, errors.CodeNotFound))

	require.NoError(t, s.DeleteQuiz(ctx, quiz.DeleteQuizRequest{QuizID: created.QuizID, CreatorID: "u1"}))

	_, err = s.GetQuiz(ctx, quiz.GetQuizRequest{QuizID: created.QuizID})
	require.True(t, errors.HasCode(err, errors.CodeNotFound))

	_, err = s.GetQuiz(ctx, quiz.GetQuizRequest{QuizID: "not-a-uuid"})
	require.True(t, errors.HasCode(err, errors.CodeNotFound))
}
