package api

import (
	stderrors "errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"

	"github.com/victornm/quizsync/internal/auth"
	"github.com/victornm/quizsync/internal/countdown"
	"github.com/victornm/quizsync/internal/domain"
	"github.com/victornm/quizsync/internal/errors"
	"github.com/victornm/quizsync/internal/history"
	"github.com/victornm/quizsync/internal/leaderboard"
	"github.com/victornm/quizsync/internal/lobby"
	"github.com/victornm/quizsync/internal/quiz"
	"github.com/victornm/quizsync/internal/result"
	"github.com/victornm/quizsync/internal/round"
)

type (
	CreateQuizBody struct {
		Title     string            `json:"title"`
		Questions []domain.Question `json:"questions"`
		Saved     bool              `json:"saved"`
	}

	CreateSessionBody struct {
		QuizID           string `json:"quiz_id" binding:"required"`
		RoundTimeSeconds int    `json:"round_time_seconds"`
	}

	JoinSessionBody struct {
		JoinCode    string `json:"join_code" binding:"required"`
		DisplayName string `json:"display_name"`
	}

	SubmitAnswerBody struct {
		AnswerText    string `json:"answer_text"`
		QuestionIndex *int   `json:"question_index"`
	}

	MarkTimeoutBody struct {
		QuestionIndex *int `json:"question_index"`
	}

	CompleteQuizBody struct {
		Score         int `json:"score"`
		QuestionCount int `json:"question_count"`
	}

	SubmitAnswerResult struct {
		Accepted  bool `json:"accepted"`
		IsCorrect bool `json:"is_correct"`
		Score     int  `json:"score"`
	}

	HistoryEntry struct {
		SessionID       string `json:"session_id"`
		QuizID          string `json:"quiz_id"`
		QuizTitle       string `json:"quiz_title"`
		FinalScore      int    `json:"final_score"`
		QuestionCount   int    `json:"question_count"`
		PercentageScore string `json:"percentage_score"`
		Best            bool   `json:"best"`
		CompleteTime    string `json:"complete_time"`
	}
)

func (a *API) registerHTTP(r gin.IRouter) {
	v1 := r.Group("/v1", a.auth.GinMiddleware())

	v1.POST("/quizzes", a.handleCreateQuiz)
	v1.GET("/quizzes", a.handleListQuizzes)

	v1.POST("/sessions", a.handleCreateSession)
	v1.POST("/sessions/join", a.handleJoinSession)
	v1.GET("/sessions/:id", a.handleGetState)
	v1.DELETE("/sessions/:id/players/me", a.handleLeaveSession)
	v1.POST("/sessions/:id/start", a.handleStartCountdown)
	v1.POST("/sessions/:id/answers", a.handleSubmitAnswer)
	v1.POST("/sessions/:id/timeouts", a.handleMarkTimeout)
	v1.POST("/sessions/:id/complete", a.handleCompleteQuiz)
	v1.GET("/sessions/:id/best", a.handleBestPlayer)
	v1.GET("/sessions/:id/leaderboard", a.handleGetLeaderboard)
	v1.GET("/sessions/:id/stream", a.handleStream)

	v1.GET("/history/me", a.handleListHistory)
}

func (a *API) handleCreateQuiz(c *gin.Context) {
	var body CreateQuizBody
	if !bind(c, &body) {
		return
	}

	q, err := a.quizzes.CreateQuiz(c.Request.Context(), quiz.CreateQuizRequest{
		CreatorID: identity(c).UserID,
		Title:     body.Title,
		Questions: body.Questions,
		Saved:     body.Saved,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, q)
}

func (a *API) handleListQuizzes(c *gin.Context) {
	qs, err := a.quizzes.ListQuizzes(c.Request.Context(), quiz.ListQuizzesRequest{
		CreatorID: identity(c).UserID,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"quizzes": qs})
}

func (a *API) handleCreateSession(c *gin.Context) {
	var body CreateSessionBody
	if !bind(c, &body) {
		return
	}

	id := identity(c)
	ss, err := a.lobby.CreateSession(c.Request.Context(), lobby.CreateSessionRequest{
		HostID:           id.UserID,
		HostName:         id.DisplayName,
		QuizID:           body.QuizID,
		RoundTimeSeconds: body.RoundTimeSeconds,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, ss)
}

func (a *API) handleJoinSession(c *gin.Context) {
	var body JoinSessionBody
	if !bind(c, &body) {
		return
	}

	id := identity(c)
	name := body.DisplayName
	if name == "" {
		name = id.DisplayName
	}

	ss, err := a.lobby.JoinSession(c.Request.Context(), lobby.JoinSessionRequest{
		JoinCode:    body.JoinCode,
		PlayerID:    id.UserID,
		DisplayName: name,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, ss)
}

func (a *API) handleGetState(c *gin.Context) {
	st, err := a.lobby.GetState(c.Request.Context(), lobby.GetStateRequest{SessionID: c.Param("id")})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, st)
}

func (a *API) handleLeaveSession(c *gin.Context) {
	err := a.lobby.LeaveSession(c.Request.Context(), lobby.LeaveSessionRequest{
		SessionID: c.Param("id"),
		PlayerID:  identity(c).UserID,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (a *API) handleStartCountdown(c *gin.Context) {
	ss, err := a.countdown.StartCountdown(c.Request.Context(), countdown.StartCountdownRequest{
		SessionID:   c.Param("id"),
		RequesterID: identity(c).UserID,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, ss)
}

func (a *API) handleSubmitAnswer(c *gin.Context) {
	var body SubmitAnswerBody
	if !bind(c, &body) {
		return
	}

	resp, err := a.round.SubmitAnswer(c.Request.Context(), round.SubmitAnswerRequest{
		SessionID:     c.Param("id"),
		PlayerID:      identity(c).UserID,
		AnswerText:    body.AnswerText,
		QuestionIndex: body.QuestionIndex,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, SubmitAnswerResult{
		Accepted:  resp.Accepted,
		IsCorrect: resp.IsCorrect,
		Score:     resp.Score,
	})
}

func (a *API) handleMarkTimeout(c *gin.Context) {
	var body MarkTimeoutBody
	if !bind(c, &body) {
		return
	}

	resp, err := a.round.MarkTimeout(c.Request.Context(), round.MarkTimeoutRequest{
		SessionID:     c.Param("id"),
		PlayerID:      identity(c).UserID,
		QuestionIndex: body.QuestionIndex,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"accepted": resp.Accepted})
}

func (a *API) handleCompleteQuiz(c *gin.Context) {
	var body CompleteQuizBody
	if !bind(c, &body) {
		return
	}

	p, err := a.result.CompleteQuiz(c.Request.Context(), result.CompleteQuizRequest{
		SessionID:     c.Param("id"),
		PlayerID:      identity(c).UserID,
		Score:         body.Score,
		QuestionCount: body.QuestionCount,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, p)
}

func (a *API) handleBestPlayer(c *gin.Context) {
	p, err := a.result.ComputeBestPlayer(c.Request.Context(), result.ComputeBestPlayerRequest{
		SessionID: c.Param("id"),
	})
	if err != nil {
		writeError(c, err)
		return
	}

	if p == nil {
		writeError(c, errors.NotFound("no player completed the quiz: session=%s", c.Param("id")))
		return
	}

	c.JSON(http.StatusOK, p)
}

func (a *API) handleGetLeaderboard(c *gin.Context) {
	l, err := a.leaderboard.GetLeaderboard(c.Request.Context(), leaderboard.GetLeaderboardRequest{
		SessionID: c.Param("id"),
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, toLeaderboard(*l))
}

func (a *API) handleListHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))

	results, err := a.history.ListHistory(c.Request.Context(), history.ListHistoryRequest{
		PlayerID: identity(c).UserID,
		Limit:    limit,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"results": historyEntries(results)})
}

func identity(c *gin.Context) auth.Identity {
	id, _ := auth.FromContext(c.Request.Context())
	return id
}

// bind decodes the JSON body into v. An empty body leaves v zero but is still validated, so
// required fields reject it.
func bind(c *gin.Context, v any) bool {
	err := c.ShouldBindJSON(v)
	if stderrors.Is(err, io.EOF) {
		err = binding.Validator.ValidateStruct(v)
	}
	if err != nil {
		writeError(c, errors.InvalidArgument("invalid body: %v", err))
		return false
	}

	return true
}

func writeError(c *gin.Context, err error) {
	e := errors.Convert(err)
	if e.Code == errors.CodeInternal || e.Code == errors.CodeStoreUnavailable {
		slog.ErrorContext(c.Request.Context(), "api: request failed",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"error", err,
		)
	}

	c.AbortWithStatusJSON(e.HTTPStatusCode(), gin.H{"error": e})
}
