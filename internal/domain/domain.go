package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle status of a session. It only moves forward: open, started, completed.
type Status string

const (
	StatusOpen      Status = "open"
	StatusStarted   Status = "started"
	StatusCompleted Status = "completed"
)

var statusRank = map[Status]int{
	StatusOpen:      0,
	StatusStarted:   1,
	StatusCompleted: 2,
}

// CanTransition reports whether a session may move from s to next.
func (s Status) CanTransition(next Status) bool {
	from, ok := statusRank[s]
	if !ok {
		return false
	}

	to, ok := statusRank[next]
	if !ok {
		return false
	}

	return to == from+1
}

// Phase is the coordinator's position inside a started session.
type Phase string

const (
	PhaseLobby           Phase = "lobby"
	PhaseCountdown       Phase = "countdown"
	PhaseAwaitingAnswers Phase = "awaiting_answers"
	PhaseRevealing       Phase = "revealing"
	PhaseFinished        Phase = "finished"
)

// Session represents one multiplayer quiz instance.
type Session struct {
	SessionID            string    `json:"session_id"`
	JoinCode             string    `json:"join_code"`
	Status               Status    `json:"status"`
	Phase                Phase     `json:"phase"`
	QuizID               string    `json:"quiz_id"`
	QuizTitle            string    `json:"quiz_title"`
	HostID               string    `json:"host_id"`
	Countdown            *int      `json:"countdown"`
	CurrentQuestionIndex int       `json:"current_question_index"`
	QuestionCount        int       `json:"question_count"`
	RoundTimeSeconds     int       `json:"round_time_seconds"`
	RevealedAnswer       string    `json:"revealed_answer,omitempty"`
	RoundStartTime       time.Time `json:"round_start_time"`
	CreateTime           time.Time `json:"create_time"`
	CompleteTime         time.Time `json:"complete_time"`
	// Version increases on every write of the session document.
	Version int64 `json:"version"`
}

// RoundDuration is the per-question answer window.
func (s *Session) RoundDuration() time.Duration {
	return time.Duration(s.RoundTimeSeconds) * time.Second
}

// Quiz is an immutable quiz definition.
type Quiz struct {
	QuizID     string     `json:"quiz_id"`
	Title      string     `json:"title"`
	CreatorID  string     `json:"creator_id"`
	Questions  []Question `json:"questions"`
	Saved      bool       `json:"saved"`
	CreateTime time.Time  `json:"create_time"`
}

type Question struct {
	Text          string   `json:"text"`
	Answers       []string `json:"answers"`
	CorrectAnswer string   `json:"correct_answer"`
}

// Question returns the question at index i, or false when i is out of range.
func (q *Quiz) Question(i int) (Question, bool) {
	if i < 0 || i >= len(q.Questions) {
		return Question{}, false
	}

	return q.Questions[i], true
}

// Player is one participant's record, keyed by PlayerID within a session.
type Player struct {
	PlayerID        string           `json:"player_id"`
	DisplayName     string           `json:"display_name"`
	Score           int              `json:"score"`
	FinalScore      *int             `json:"final_score,omitempty"`
	PercentageScore *decimal.Decimal `json:"percentage_score,omitempty"`
	JoinTime        time.Time        `json:"join_time"`
	CompleteTime    time.Time        `json:"complete_time"`
}

// Completed reports whether the player's final score has been recorded.
func (p *Player) Completed() bool {
	return p.FinalScore != nil
}

type ResponseKind string

const (
	// ResponseAnswer is an AnswerSubmission.
	ResponseAnswer ResponseKind = "answer"
	// ResponseTimeout is a TimeoutMarker.
	ResponseTimeout ResponseKind = "timeout"
)

// Response is a player's outcome for one question: either an answer submission or a timeout marker, never both.
type Response struct {
	PlayerID      string       `json:"player_id"`
	Kind          ResponseKind `json:"kind"`
	QuestionIndex int          `json:"question_index"`
	AnswerText    string       `json:"answer_text,omitempty"`
	IsCorrect     bool         `json:"is_correct"`
	SubmitTime    time.Time    `json:"submit_time"`
}

// Score is a player's running score within a session.
type Score struct {
	SessionID   string
	PlayerID    string
	DisplayName string
	TotalScore  int
	UpdateTime  time.Time
}

// Leaderboard represents a list of players and their running scores within a session.
// The list is sorted by score in descending order.
type Leaderboard struct {
	SessionID string
	Entries   []LeaderboardEntry
}

type LeaderboardEntry struct {
	PlayerID string
	Score    float64
}

// Result is a finalized per-player outcome of a completed session.
type Result struct {
	SessionID       string
	QuizID          string
	QuizTitle       string
	PlayerID        string
	DisplayName     string
	FinalScore      int
	QuestionCount   int
	PercentageScore decimal.Decimal
	Best            bool
	CompleteTime    time.Time
}

// State is the view of a session rendered by clients.
type State struct {
	SessionID            string        `json:"session_id"`
	JoinCode             string        `json:"join_code"`
	QuizTitle            string        `json:"quiz_title"`
	HostID               string        `json:"host_id"`
	Status               Status        `json:"status"`
	Phase                Phase         `json:"phase"`
	Countdown            *int          `json:"countdown"`
	CurrentQuestionIndex int           `json:"current_question_index"`
	QuestionCount        int           `json:"question_count"`
	RoundTimeSeconds     int           `json:"round_time_seconds"`
	Question             *QuestionView `json:"question,omitempty"`
	RevealedAnswer       string        `json:"revealed_answer,omitempty"`
	Players              []Player      `json:"players"`
}

// QuestionView is a question without its correct answer.
type QuestionView struct {
	Text    string   `json:"text"`
	Answers []string `json:"answers"`
}

// ChangeKind identifies which part of a session changed.
type ChangeKind string

const (
	ChangeSession   ChangeKind = "session"
	ChangePlayers   ChangeKind = "players"
	ChangeResponses ChangeKind = "responses"
	ChangeDeleted   ChangeKind = "deleted"
)

// Change is a notification that a session or one of its collections was written.
type Change struct {
	SessionID string     `json:"session_id"`
	Kind      ChangeKind `json:"kind"`
}
