package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/victornm/quizsync/internal/domain"
)

const maxConcurrent = 100

type (
	Notification struct {
		Event string `json:"event"`
		Data  any    `json:"data"`
	}

	Leaderboard struct {
		SessionID string             `json:"session_id"`
		Entries   []LeaderboardEntry `json:"entries"`
	}

	LeaderboardEntry struct {
		PlayerID string `json:"player_id"`
		Score    string `json:"score"`
	}

	RoundRevealed struct {
		SessionID     string `json:"session_id"`
		QuestionIndex int    `json:"question_index"`
		CorrectAnswer string `json:"correct_answer"`
	}

	ResultsFinalized struct {
		SessionID string          `json:"session_id"`
		Players   []domain.Player `json:"players"`
		Best      *domain.Player  `json:"best"`
	}

	SessionDeleted struct {
		SessionID string `json:"session_id"`
	}
)

func toLeaderboard(l domain.Leaderboard) Leaderboard {
	data := Leaderboard{
		SessionID: l.SessionID,
		Entries:   make([]LeaderboardEntry, 0, len(l.Entries)),
	}

	for _, entry := range l.Entries {
		data.Entries = append(data.Entries, LeaderboardEntry{
			PlayerID: entry.PlayerID,
			Score:    strconv.FormatFloat(entry.Score, 'f', -1, 64),
		})
	}

	return data
}

func (a *API) PublishLeaderboardUpdated(ctx context.Context, e domain.EventLeaderboardUpdated) error {
	data := toLeaderboard(e.Leaderboard)

	users := make([]string, 0, len(data.Entries))
	for _, entry := range data.Entries {
		users = append(users, entry.PlayerID)
	}

	return a.notifyAll(ctx, users, e.Name(), data)
}

// PublishRoundRevealed notifies the players still in the session.
func (a *API) PublishRoundRevealed(ctx context.Context, e domain.EventRoundRevealed) error {
	players, err := a.store.ListPlayers(ctx, e.Session.SessionID)
	if err != nil {
		return fmt.Errorf("list players: %w", err)
	}

	return a.notifyAll(ctx, playerIDs(players), e.Name(), RoundRevealed{
		SessionID:     e.Session.SessionID,
		QuestionIndex: e.Session.CurrentQuestionIndex,
		CorrectAnswer: e.CorrectAnswer,
	})
}

func (a *API) PublishResultsFinalized(ctx context.Context, e domain.EventResultsFinalized) error {
	return a.notifyAll(ctx, playerIDs(e.Players), e.Name(), ResultsFinalized{
		SessionID: e.Session.SessionID,
		Players:   e.Players,
		Best:      e.Best,
	})
}

func (a *API) PublishSessionDeleted(ctx context.Context, e domain.EventSessionDeleted) error {
	return a.notifyAll(ctx, playerIDs(e.Players), e.Name(), SessionDeleted{
		SessionID: e.Session.SessionID,
	})
}

func playerIDs(players []domain.Player) []string {
	ids := make([]string, 0, len(players))
	for _, p := range players {
		ids = append(ids, p.PlayerID)
	}

	return ids
}

func (a *API) notifyAll(ctx context.Context, users []string, event string, data any) error {
	var eg errgroup.Group
	eg.SetLimit(maxConcurrent)

	for _, user := range users {
		user := user
		eg.Go(func() error {
			return a.publishNotification(ctx, user, event, data)
		})
	}

	return eg.Wait()
}

func (a *API) publishNotification(ctx context.Context, user, event string, data any) error {
	n := Notification{
		Event: event,
		Data:  data,
	}

	b, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("pubsub: marshal %s: %v", event, err)
	}

	return a.redis.Publish(ctx, UserChannel(a.prefix, user), b).Err()
}

// UserChannel is the Redis channel carrying the notifications of a user.
func UserChannel(prefix, user string) string {
	return fmt.Sprintf("%s:user:%s", prefix, user)
}
