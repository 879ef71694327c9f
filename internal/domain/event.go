package domain

const (
	EventNameSessionCreated     = "session.created"
	EventNamePlayerJoined       = "player.joined"
	EventNamePlayerLeft         = "player.left"
	EventNameSessionStarted     = "session.started"
	EventNameRoundStarted       = "round.started"
	EventNameScoreUpdated       = "score.updated"
	EventNameResponseRecorded   = "response.recorded"
	EventNameRoundRevealed      = "round.revealed"
	EventNameQuizCompleted      = "quiz.completed"
	EventNameResultsFinalized   = "results.finalized"
	EventNameSessionDeleted     = "session.deleted"
	EventNameLeaderboardUpdated = "leaderboard.updated"
)

type EventSessionCreated struct {
	Session Session
}

func (EventSessionCreated) Name() string { return EventNameSessionCreated }

type EventPlayerJoined struct {
	Session Session
	Player  Player
}

func (EventPlayerJoined) Name() string { return EventNamePlayerJoined }

type EventPlayerLeft struct {
	Session  Session
	PlayerID string
}

func (EventPlayerLeft) Name() string { return EventNamePlayerLeft }

// EventSessionStarted is published when the host starts the countdown.
type EventSessionStarted struct {
	Session Session
}

func (EventSessionStarted) Name() string { return EventNameSessionStarted }

// EventRoundStarted is published whenever a question starts accepting answers.
type EventRoundStarted struct {
	Session Session
}

func (EventRoundStarted) Name() string { return EventNameRoundStarted }

type EventScoreUpdated struct {
	Score Score
}

func (EventScoreUpdated) Name() string { return EventNameScoreUpdated }

type EventResponseRecorded struct {
	SessionID string
	Response  Response
}

func (EventResponseRecorded) Name() string { return EventNameResponseRecorded }

// EventRoundRevealed is published exactly once per question, when every player is accounted for.
type EventRoundRevealed struct {
	Session       Session
	CorrectAnswer string
}

func (EventRoundRevealed) Name() string { return EventNameRoundRevealed }

type EventQuizCompleted struct {
	Session Session
}

func (EventQuizCompleted) Name() string { return EventNameQuizCompleted }

type EventResultsFinalized struct {
	Session Session
	Players []Player
	Best    *Player
}

func (EventResultsFinalized) Name() string { return EventNameResultsFinalized }

type EventSessionDeleted struct {
	Session Session
	Players []Player
}

func (EventSessionDeleted) Name() string { return EventNameSessionDeleted }

type EventLeaderboardUpdated struct {
	Leaderboard Leaderboard
}

func (EventLeaderboardUpdated) Name() string { return EventNameLeaderboardUpdated }
