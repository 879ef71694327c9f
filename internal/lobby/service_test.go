package lobby_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/victornm/quizsync/internal/domain"
	"github.com/victornm/quizsync/internal/errors"
	"github.com/victornm/quizsync/internal/event"
	"github.com/victornm/quizsync/internal/event/eventtest"
	"github.com/victornm/quizsync/internal/lobby"
	"github.com/victornm/quizsync/internal/store"
	"github.com/victornm/quizsync/internal/storetest"
)

func TestService_CreateSession(t *testing.T) {
	s, st, _ := makeService(t, nil)
	ctx := context.Background()

	ss, err := s.CreateSession(ctx, lobby.CreateSessionRequest{HostID: "host", HostName: "Hosty", QuizID: "q1"})
	require.NoError(t, err)

	assert.Len(t, ss.JoinCode, 6)
	assert.Equal(t, domain.StatusOpen, ss.Status)
	assert.Equal(t, domain.PhaseLobby, ss.Phase)
	assert.Equal(t, 20, ss.RoundTimeSeconds, "default round time")
	assert.Equal(t, 2, ss.QuestionCount)

	players, err := st.ListPlayers(ctx, ss.SessionID)
	require.NoError(t, err)
	require.Len(t, players, 1)
	assert.Equal(t, "host", players[0].PlayerID)
	assert.Equal(t, "Hosty", players[0].DisplayName)
	assert.Zero(t, players[0].Score)

	_, err = s.CreateSession(ctx, lobby.CreateSessionRequest{HostID: "host", QuizID: "missing"})
	require.True(t, errors.HasCode(err, errors.CodeNotFound))
}

func TestService_CreateSession_JoinCodeCollision(t *testing.T) {
	tests := map[string]struct {
		codes   []string
		wantErr bool
	}{
		"should retry with a new code when the first one is taken": {
			codes: []string{"111111", "111111", "222222"},
		},
		"should give up after the configured attempts": {
			codes:   []string{"111111", "111111", "111111", "111111"},
			wantErr: true,
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			var (
				mu    sync.Mutex
				codes = tt.codes
			)
			s, _, _ := makeService(t, func(c *lobby.Config) {
				c.JoinCodeAttempts = 3
				c.NewJoinCodeFunc = func() (string, error) {
					mu.Lock()
					defer mu.Unlock()
					code := codes[0]
					codes = codes[1:]
					return code, nil
				}
			})
			ctx := context.Background()

			first, err := s.CreateSession(ctx, lobby.CreateSessionRequest{HostID: "h1", QuizID: "q1"})
			require.NoError(t, err)
			require.Equal(t, "111111", first.JoinCode)

			second, err := s.CreateSession(ctx, lobby.CreateSessionRequest{HostID: "h2", QuizID: "q1"})
			if tt.wantErr {
				require.True(t, errors.HasCode(err, errors.CodeInternal), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "222222", second.JoinCode)
		})
	}
}

func TestService_JoinSession(t *testing.T) {
	s, st, rec := makeService(t, nil)
	ctx := context.Background()

	ss, err := s.CreateSession(ctx, lobby.CreateSessionRequest{HostID: "host", QuizID: "q1"})
	require.NoError(t, err)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < 10; i++ {
		g.Go(func() error {
			_, err := s.JoinSession(gctx, lobby.JoinSessionRequest{JoinCode: ss.JoinCode, PlayerID: "a", DisplayName: "Alice"})
			return err
		})
	}
	require.NoError(t, g.Wait())

	players, err := st.ListPlayers(ctx, ss.SessionID)
	require.NoError(t, err)
	require.Len(t, players, 2, "repeated joins with the same player ID must not duplicate records")
	assert.Equal(t, "host", players[0].PlayerID)
	assert.Equal(t, "a", players[1].PlayerID)

	rec.Wait(t, domain.EventNamePlayerJoined, 10)

	_, err = s.JoinSession(ctx, lobby.JoinSessionRequest{JoinCode: "000000", PlayerID: "b"})
	require.True(t, errors.HasCode(err, errors.CodeNotFound))

	_, err = s.JoinSession(ctx, lobby.JoinSessionRequest{JoinCode: ss.JoinCode})
	require.True(t, errors.HasCode(err, errors.CodeInvalidArgument))
}

func TestService_JoinSession_AlreadyStarted(t *testing.T) {
	s, st, _ := makeService(t, func(c *lobby.Config) {
		c.NewJoinCodeFunc = func() (string, error) { return "482913", nil }
	})
	ctx := context.Background()

	ss, err := s.CreateSession(ctx, lobby.CreateSessionRequest{HostID: "host", QuizID: "q1"})
	require.NoError(t, err)

	_, err = st.UpdateSession(ctx, ss.SessionID, func(ss *domain.Session) error {
		ss.Status = domain.StatusStarted
		return nil
	})
	require.NoError(t, err)

	_, err = s.JoinSession(ctx, lobby.JoinSessionRequest{JoinCode: "482913", PlayerID: "late"})
	require.True(t, errors.HasCode(err, errors.CodeAlreadyStarted), "got %v", err)

	_, err = st.GetPlayer(ctx, ss.SessionID, "late")
	require.True(t, errors.HasCode(err, errors.CodeNotFound), "no player record should be created")
}

func TestService_LeaveSession(t *testing.T) {
	type outputs struct {
		err     error
		store   *store.Store
		session *domain.Session
		events  *eventtest.Recorder
	}

	tests := map[string]struct {
		leaver string
		assert func(t *testing.T, out outputs)
	}{
		"player leaving removes only their record": {
			leaver: "a",
			assert: func(t *testing.T, out outputs) {
				require.NoError(t, out.err)

				players, err := out.store.ListPlayers(context.Background(), out.session.SessionID)
				require.NoError(t, err)
				require.Len(t, players, 1)
				assert.Equal(t, "host", players[0].PlayerID)

				e := out.events.Wait(t, domain.EventNamePlayerLeft, 1)[0].(domain.EventPlayerLeft)
				assert.Equal(t, "a", e.PlayerID)
			},
		},
		"host leaving deletes the session": {
			leaver: "host",
			assert: func(t *testing.T, out outputs) {
				require.NoError(t, out.err)

				_, err := out.store.GetSession(context.Background(), out.session.SessionID)
				require.True(t, errors.HasCode(err, errors.CodeNotFound))

				e := out.events.Wait(t, domain.EventNameSessionDeleted, 1)[0].(domain.EventSessionDeleted)
				assert.Len(t, e.Players, 2)
			},
		},
		"unknown player": {
			leaver: "ghost",
			assert: func(t *testing.T, out outputs) {
				require.True(t, errors.HasCode(out.err, errors.CodeNotFound))
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			s, st, rec := makeService(t, nil)
			ctx := context.Background()

			ss, err := s.CreateSession(ctx, lobby.CreateSessionRequest{HostID: "host", QuizID: "q1"})
			require.NoError(t, err)
			_, err = s.JoinSession(ctx, lobby.JoinSessionRequest{JoinCode: ss.JoinCode, PlayerID: "a"})
			require.NoError(t, err)

			err = s.LeaveSession(ctx, lobby.LeaveSessionRequest{SessionID: ss.SessionID, PlayerID: tt.leaver})

			tt.assert(t, outputs{err: err, store: st, session: ss, events: rec})
		})
	}
}

func TestService_GetState(t *testing.T) {
	s, st, _ := makeService(t, nil)
	ctx := context.Background()

	ss, err := s.CreateSession(ctx, lobby.CreateSessionRequest{HostID: "host", QuizID: "q1", RoundTimeSeconds: 15})
	require.NoError(t, err)

	state, err := s.GetState(ctx, lobby.GetStateRequest{SessionID: ss.SessionID})
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseLobby, state.Phase)
	assert.Equal(t, 15, state.RoundTimeSeconds)
	assert.Nil(t, state.Question, "no question is shown in the lobby")
	assert.Len(t, state.Players, 1)

	_, err = st.UpdateSession(ctx, ss.SessionID, func(ss *domain.Session) error {
		ss.Status = domain.StatusStarted
		ss.Phase = domain.PhaseAwaitingAnswers
		ss.RevealedAnswer = "Paris"
		return nil
	})
	require.NoError(t, err)

	state, err = s.GetState(ctx, lobby.GetStateRequest{SessionID: ss.SessionID})
	require.NoError(t, err)
	require.NotNil(t, state.Question)
	assert.Equal(t, "Capital of France?", state.Question.Text)
	assert.Empty(t, state.RevealedAnswer, "the correct answer is hidden while answers are collected")

	_, err = st.UpdateSession(ctx, ss.SessionID, func(ss *domain.Session) error {
		ss.Phase = domain.PhaseRevealing
		return nil
	})
	require.NoError(t, err)

	state, err = s.GetState(ctx, lobby.GetStateRequest{SessionID: ss.SessionID})
	require.NoError(t, err)
	assert.Equal(t, "Paris", state.RevealedAnswer)

	_, err = s.GetState(ctx, lobby.GetStateRequest{SessionID: "missing"})
	require.True(t, errors.HasCode(err, errors.CodeNotFound))
}

func TestNewJoinCode(t *testing.T) {
	for i := 0; i < 1000; i++ {
		code, err := lobby.NewJoinCode()
		require.NoError(t, err)
		require.Len(t, code, 6)
		require.NotEqual(t, byte('0'), code[0])
	}
}

func makeService(t *testing.T, configure func(c *lobby.Config)) (*lobby.Service, *store.Store, *eventtest.Recorder) {
	st, _ := storetest.New(t)

	eb := event.NewBus()
	t.Cleanup(eb.Stop)

	rec := eventtest.Record(eb, domain.EventNamePlayerJoined, domain.EventNamePlayerLeft, domain.EventNameSessionDeleted)

	c := lobby.Config{
		Store:    st,
		EventBus: eb,
		Quizzes:  storetest.Quizzes{"q1": storetest.Quiz()},
	}
	if configure != nil {
		configure(&c)
	}

	return lobby.NewService(c), st, rec
}
