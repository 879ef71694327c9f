//go:build integration_test

package history_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/quizsync/internal/domain"
	"github.com/victornm/quizsync/internal/event"
	"github.com/victornm/quizsync/internal/history"
	"github.com/victornm/quizsync/internal/pgtest"
)

func TestService(t *testing.T) {
	ctx := context.Background()

	eb := event.NewBus()
	t.Cleanup(eb.Stop)

	s := history.NewService(history.Config{EventBus: eb, DB: pgtest.Start(t)})
	require.NoError(t, s.Migrate(ctx))

	older := time.Now().UTC().Add(-time.Hour).Truncate(time.Millisecond)
	results := []domain.Result{
		{
			SessionID:       uuid.NewString(),
			QuizID:          "q1",
			QuizTitle:       "Capitals",
			PlayerID:        "a",
			DisplayName:     "A",
			FinalScore:      1,
			QuestionCount:   3,
			PercentageScore: decimal.RequireFromString("33.33"),
			CompleteTime:    older,
		},
	}
	require.NoError(t, s.SaveResults(ctx, history.SaveResultsRequest{Results: results}))
	require.NoError(t, s.SaveResults(ctx, history.SaveResultsRequest{Results: results}), "saving twice is a no-op")

	two := 2
	eb.Publish(ctx, domain.EventResultsFinalized{
		Session: domain.Session{SessionID: uuid.NewString(), QuizID: "q2", QuizTitle: "Maths", QuestionCount: 2},
		Players: []domain.Player{{PlayerID: "a", DisplayName: "A", FinalScore: &two, CompleteTime: time.Now().UTC()}},
		Best:    &domain.Player{PlayerID: "a"},
	})

	var got []domain.Result
	require.Eventually(t, func() bool {
		var err error
		got, err = s.ListHistory(ctx, history.ListHistoryRequest{PlayerID: "a"})
		return err == nil && len(got) == 2
	}, 5*time.Second, 50*time.Millisecond)

	assert.Equal(t, "Maths", got[0].QuizTitle, "most recent first")
	assert.True(t, got[0].Best)
	assert.True(t, decimal.NewFromInt(100).Equal(got[0].PercentageScore))

	assert.Equal(t, "Capitals", got[1].QuizTitle)
	assert.True(t, decimal.RequireFromString("33.33").Equal(got[1].PercentageScore))
	assert.True(t, older.Equal(got[1].CompleteTime))

	got, err := s.ListHistory(ctx, history.ListHistoryRequest{PlayerID: "nobody"})
	require.NoError(t, err)
	assert.Empty(t, got)
}
