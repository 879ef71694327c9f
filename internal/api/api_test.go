package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/victornm/quizsync/internal/api"
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
	"github.com/victornm/quizsync/internal/schedule"
	"github.com/victornm/quizsync/internal/store"
	"github.com/victornm/quizsync/internal/storetest"
)

const secret = "test-secret-test-secret"

type harness struct {
	engine *gin.Engine
	grpc   *grpc.Server
	auth   *auth.Authenticator
	store  *store.Store
	lobby  *lobby.Service
	pubsub redis.UniversalClient
	api    *api.API
}

// makeHarness wires every service on miniredis, with the quiz catalog and history in memory.
func makeHarness(t *testing.T, grpcOpts ...grpc.ServerOption) *harness {
	t.Helper()

	return buildHarness(t, nil, grpcOpts...)
}

// buildHarness is makeHarness with the store handed to the API optionally wrapped.
func buildHarness(t *testing.T, wrap func(h *harness, s api.Store) api.Store, grpcOpts ...grpc.ServerOption) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st, _ := storetest.New(t)
	lbRedis, _ := storetest.Redis(t)
	psRedis, _ := storetest.Redis(t)

	eb := event.NewBus()
	t.Cleanup(eb.Stop)

	sched := schedule.New(schedule.Config{})
	t.Cleanup(sched.Stop)

	quizzes := &memoryQuizzes{quizzes: storetest.Quizzes{"q1": storetest.Quiz()}}

	h := &harness{
		engine: gin.New(),
		grpc:   grpc.NewServer(grpcOpts...),
		auth:   auth.New(auth.Config{Secret: secret}),
		store:  st,
		pubsub: psRedis,
	}

	h.lobby = lobby.NewService(lobby.Config{Store: st, EventBus: eb, Quizzes: quizzes})

	var apiStore api.Store = st
	if wrap != nil {
		apiStore = wrap(h, st)
	}

	h.api = api.New(api.Config{
		HTTP:        h.engine,
		GRPC:        h.grpc,
		EventBus:    eb,
		Auth:        h.auth,
		Store:       apiStore,
		Lobby:       h.lobby,
		Countdown:   countdown.NewService(countdown.Config{Store: st, EventBus: eb, Scheduler: sched, Start: 1, TickInterval: time.Millisecond}),
		Round:       round.NewService(round.Config{Store: st, EventBus: eb, Scheduler: sched, RevealDuration: 10 * time.Millisecond}),
		Result:      result.NewService(result.Config{Store: st, EventBus: eb, Scheduler: sched, Quizzes: quizzes, TeardownDelay: time.Hour}),
		Leaderboard: leaderboard.NewService(leaderboard.Config{EventBus: eb, Redis: lbRedis, PublishInterval: time.Millisecond}),
		Quizzes:     quizzes,
		History: memoryHistory{
			"a": {{SessionID: "s0", QuizID: "q1", QuizTitle: "Capitals", PlayerID: "a", FinalScore: 1, QuestionCount: 3,
				PercentageScore: decimal.RequireFromString("33.33"), CompleteTime: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)}},
		},
		Redis:        psRedis,
		PubsubPrefix: "test",
	})

	return h
}

func (h *harness) token(t *testing.T, user string) string {
	t.Helper()

	token, err := h.auth.SignToken(user, "Name "+user)
	require.NoError(t, err)
	return token
}

// do sends a JSON request as user; an empty user sends no token.
func (h *harness) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var b bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&b).Encode(body))
	}

	req := httptest.NewRequest(method, path, &b)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+h.token(t, user))
	}

	w := httptest.NewRecorder()
	h.engine.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

// createSession creates a session of quiz q1 hosted by "host" and joined by the other players.
func (h *harness) createSession(t *testing.T, players ...string) domain.Session {
	t.Helper()

	w := h.do(t, http.MethodPost, "/v1/sessions", "host", api.CreateSessionBody{QuizID: "q1"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	ss := decodeBody[domain.Session](t, w)

	for _, p := range players {
		w := h.do(t, http.MethodPost, "/v1/sessions/join", p, api.JoinSessionBody{JoinCode: ss.JoinCode})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}

	return ss
}

type memoryQuizzes struct {
	mu      sync.Mutex
	quizzes storetest.Quizzes
}

func (m *memoryQuizzes) GetQuiz(ctx context.Context, req quiz.GetQuizRequest) (*domain.Quiz, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.quizzes.GetQuiz(ctx, req)
}

func (m *memoryQuizzes) CreateQuiz(_ context.Context, req quiz.CreateQuizRequest) (*domain.Quiz, error) {
	q := domain.Quiz{
		QuizID:    "new",
		Title:     req.Title,
		CreatorID: req.CreatorID,
		Questions: req.Questions,
		Saved:     req.Saved,
	}
	if err := quiz.Validate(&q); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.quizzes[q.QuizID] = q
	return &q, nil
}

func (m *memoryQuizzes) ListQuizzes(_ context.Context, req quiz.ListQuizzesRequest) ([]domain.Quiz, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.Quiz
	for _, q := range m.quizzes {
		if q.CreatorID == req.CreatorID {
			out = append(out, q)
		}
	}
	return out, nil
}

type memoryHistory map[string][]domain.Result

func (m memoryHistory) ListHistory(_ context.Context, req history.ListHistoryRequest) ([]domain.Result, error) {
	return m[req.PlayerID], nil
}

func TestAPI_PlaysQuizOverHTTP(t *testing.T) {
	h := makeHarness(t)
	ss := h.createSession(t, "a")
	base := "/v1/sessions/" + ss.SessionID

	w := h.do(t, http.MethodPost, base+"/start", "a", nil)
	require.Equal(t, http.StatusForbidden, w.Code, "only the host starts the session")

	w = h.do(t, http.MethodPost, base+"/start", "host", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	waitForQuestion := func(i int) domain.State {
		var st domain.State
		require.Eventually(t, func() bool {
			w := h.do(t, http.MethodGet, base, "a", nil)
			if w.Code != http.StatusOK {
				return false
			}
			st = decodeBody[domain.State](t, w)
			return st.Phase == domain.PhaseAwaitingAnswers && st.CurrentQuestionIndex == i
		}, 2*time.Second, 5*time.Millisecond)
		return st
	}

	st := waitForQuestion(0)
	require.NotNil(t, st.Question)
	assert.Equal(t, "Capital of France?", st.Question.Text)
	assert.Empty(t, st.RevealedAnswer, "the answer is hidden while the round is played")
	assert.NotContains(t, h.do(t, http.MethodGet, base, "a", nil).Body.String(), "correct_answer")

	w = h.do(t, http.MethodPost, base+"/answers", "a", api.SubmitAnswerBody{AnswerText: "Paris"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, api.SubmitAnswerResult{Accepted: true, IsCorrect: true, Score: 1}, decodeBody[api.SubmitAnswerResult](t, w))

	w = h.do(t, http.MethodPost, base+"/answers", "a", api.SubmitAnswerBody{AnswerText: "London"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.False(t, decodeBody[api.SubmitAnswerResult](t, w).Accepted, "a second answer is ignored")

	// An empty body is a zero MarkTimeoutBody.
	w = h.do(t, http.MethodPost, base+"/timeouts", "host", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	waitForQuestion(1)

	for _, p := range []string{"a", "host"} {
		w := h.do(t, http.MethodPost, base+"/answers", p, api.SubmitAnswerBody{AnswerText: "4"})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}

	require.Eventually(t, func() bool {
		w := h.do(t, http.MethodGet, base, "a", nil)
		return w.Code == http.StatusOK && decodeBody[domain.State](t, w).Phase == domain.PhaseFinished
	}, 2*time.Second, 5*time.Millisecond)

	// The best player is known once the results are finalized.
	require.Eventually(t, func() bool {
		return h.do(t, http.MethodGet, base+"/best", "host", nil).Code == http.StatusOK
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "a", decodeBody[domain.Player](t, h.do(t, http.MethodGet, base+"/best", "host", nil)).PlayerID)

	require.Eventually(t, func() bool {
		w := h.do(t, http.MethodGet, base+"/leaderboard", "a", nil)
		if w.Code != http.StatusOK {
			return false
		}
		lb := decodeBody[api.Leaderboard](t, w)
		return len(lb.Entries) == 2 && lb.Entries[0] == api.LeaderboardEntry{PlayerID: "a", Score: "2"}
	}, 2*time.Second, 5*time.Millisecond)
}

func TestAPI_HTTP(t *testing.T) {
	type request struct {
		method string
		path   string
		user   string
		body   any
	}

	tests := map[string]struct {
		arrange  func(t *testing.T, h *harness) request
		wantCode int
		assert   func(t *testing.T, w *httptest.ResponseRecorder)
	}{
		"should reject requests without a token": {
			arrange: func(*testing.T, *harness) request {
				return request{method: http.MethodGet, path: "/v1/quizzes"}
			},
			wantCode: http.StatusUnauthorized,
		},

		"should create a quiz owned by the caller": {
			arrange: func(*testing.T, *harness) request {
				return request{method: http.MethodPost, path: "/v1/quizzes", user: "creator", body: api.CreateQuizBody{
					Title: "Colors",
					Questions: []domain.Question{
						{Text: "Sky?", Answers: []string{"Blue", "Red"}, CorrectAnswer: "Blue"},
					},
				}}
			},
			wantCode: http.StatusCreated,
			assert: func(t *testing.T, w *httptest.ResponseRecorder) {
				assert.Equal(t, "creator", decodeBody[domain.Quiz](t, w).CreatorID)
			},
		},

		"should reject an invalid quiz": {
			arrange: func(*testing.T, *harness) request {
				return request{method: http.MethodPost, path: "/v1/quizzes", user: "creator", body: api.CreateQuizBody{Title: "Empty"}}
			},
			wantCode: http.StatusBadRequest,
		},

		"should reject a malformed body": {
			arrange: func(*testing.T, *harness) request {
				return request{method: http.MethodPost, path: "/v1/sessions/join", user: "a", body: "not an object"}
			},
			wantCode: http.StatusBadRequest,
		},

		"should reject an empty body when creating a session": {
			arrange: func(*testing.T, *harness) request {
				return request{method: http.MethodPost, path: "/v1/sessions", user: "host"}
			},
			wantCode: http.StatusBadRequest,
		},

		"should reject an empty body when joining": {
			arrange: func(*testing.T, *harness) request {
				return request{method: http.MethodPost, path: "/v1/sessions/join", user: "a"}
			},
			wantCode: http.StatusBadRequest,
		},

		"should return 404 when joining an unknown code": {
			arrange: func(*testing.T, *harness) request {
				return request{method: http.MethodPost, path: "/v1/sessions/join", user: "a", body: api.JoinSessionBody{JoinCode: "000000"}}
			},
			wantCode: http.StatusNotFound,
			assert: func(t *testing.T, w *httptest.ResponseRecorder) {
				var body struct {
					Error struct {
						Reason string `json:"reason"`
					} `json:"error"`
				}
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
				assert.Equal(t, "NotFound", body.Error.Reason)
			},
		},

		"should return 404 for the best player before anyone completed": {
			arrange: func(t *testing.T, h *harness) request {
				ss := h.createSession(t)
				return request{method: http.MethodGet, path: "/v1/sessions/" + ss.SessionID + "/best", user: "host"}
			},
			wantCode: http.StatusNotFound,
		},

		"should record a completed quiz": {
			arrange: func(t *testing.T, h *harness) request {
				ss := h.createSession(t, "a")
				return request{method: http.MethodPost, path: "/v1/sessions/" + ss.SessionID + "/complete", user: "a",
					body: api.CompleteQuizBody{Score: 1, QuestionCount: 3}}
			},
			wantCode: http.StatusOK,
			assert: func(t *testing.T, w *httptest.ResponseRecorder) {
				p := decodeBody[domain.Player](t, w)
				require.NotNil(t, p.PercentageScore)
				assert.Equal(t, "33.33", p.PercentageScore.String())
			},
		},

		"should leave a session": {
			arrange: func(t *testing.T, h *harness) request {
				ss := h.createSession(t, "a")
				return request{method: http.MethodDelete, path: "/v1/sessions/" + ss.SessionID + "/players/me", user: "a"}
			},
			wantCode: http.StatusNoContent,
		},

		"should list the caller's history": {
			arrange: func(*testing.T, *harness) request {
				return request{method: http.MethodGet, path: "/v1/history/me", user: "a"}
			},
			wantCode: http.StatusOK,
			assert: func(t *testing.T, w *httptest.ResponseRecorder) {
				body := decodeBody[struct {
					Results []api.HistoryEntry `json:"results"`
				}](t, w)
				require.Len(t, body.Results, 1)
				assert.Equal(t, "33.33", body.Results[0].PercentageScore)
				assert.Equal(t, "2024-01-02T03:04:05Z", body.Results[0].CompleteTime)
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			h := makeHarness(t)
			req := tt.arrange(t, h)

			w := h.do(t, req.method, req.path, req.user, req.body)
			require.Equal(t, tt.wantCode, w.Code, w.Body.String())

			if tt.assert != nil {
				tt.assert(t, w)
			}
		})
	}
}

func TestAPI_PublishesUserNotifications(t *testing.T) {
	h := makeHarness(t)
	ctx := context.Background()

	sub := h.pubsub.Subscribe(ctx, api.UserChannel("test", "p1"))
	t.Cleanup(func() { sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	err = h.api.PublishLeaderboardUpdated(ctx, domain.EventLeaderboardUpdated{Leaderboard: domain.Leaderboard{
		SessionID: "s1",
		Entries:   []domain.LeaderboardEntry{{PlayerID: "p1", Score: 2}},
	}})
	require.NoError(t, err)

	err = h.api.PublishSessionDeleted(ctx, domain.EventSessionDeleted{
		Session: domain.Session{SessionID: "s1"},
		Players: []domain.Player{{PlayerID: "p1"}},
	})
	require.NoError(t, err)

	var got []api.Notification
	for len(got) < 2 {
		msg, err := sub.ReceiveMessage(ctx)
		require.NoError(t, err)

		var n api.Notification
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &n))
		got = append(got, n)
	}

	assert.Equal(t, domain.EventNameLeaderboardUpdated, got[0].Event)
	assert.Equal(t, map[string]any{
		"session_id": "s1",
		"entries":    []any{map[string]any{"player_id": "p1", "score": "2"}},
	}, got[0].Data)
	assert.Equal(t, domain.EventNameSessionDeleted, got[1].Event)
}
