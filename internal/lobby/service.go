package lobby

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/victornm/quizsync/internal/domain"
	"github.com/victornm/quizsync/internal/errors"
	"github.com/victornm/quizsync/internal/event"
	"github.com/victornm/quizsync/internal/quiz"
	"github.com/victornm/quizsync/internal/store"
	"github.com/victornm/quizsync/internal/telemetry"
)

const (
	defaultJoinCodeAttempts = 10
	defaultRoundTime        = 20 * time.Second
	joinCodeLength          = 6
)

type Quizzes interface {
	GetQuiz(ctx context.Context, req quiz.GetQuizRequest) (*domain.Quiz, error)
}

type Config struct {
	Store    *store.Store
	EventBus *event.Bus
	Quizzes  Quizzes
	// JoinCodeAttempts bounds how many join codes are tried before giving up on a collision streak.
	JoinCodeAttempts int
	DefaultRoundTime time.Duration
	NewJoinCodeFunc  func() (string, error)
}

// Service admits players into sessions: it creates sessions, lets players join and leave, and renders
// the session state clients display.
type Service struct {
	store            *store.Store
	eb               *event.Bus
	quizzes          Quizzes
	joinCodeAttempts int
	defaultRoundTime time.Duration
	newJoinCode      func() (string, error)
}

func NewService(c Config) *Service {
	s := &Service{
		store:            c.Store,
		eb:               c.EventBus,
		quizzes:          c.Quizzes,
		joinCodeAttempts: c.JoinCodeAttempts,
		defaultRoundTime: c.DefaultRoundTime,
		newJoinCode:      c.NewJoinCodeFunc,
	}

	if s.joinCodeAttempts <= 0 {
		s.joinCodeAttempts = defaultJoinCodeAttempts
	}
	if s.defaultRoundTime <= 0 {
		s.defaultRoundTime = defaultRoundTime
	}
	if s.newJoinCode == nil {
		s.newJoinCode = NewJoinCode
	}

	return s
}

// CreateSessionRequest represents a request to create a new multiplayer session.
type CreateSessionRequest struct {
	// HostID is the identity of the creating user, who is also the first player.
	HostID   string
	HostName string
	QuizID   string
	// RoundTimeSeconds is the per-question answer window; zero selects the default.
	RoundTimeSeconds int
}

// CreateSession creates an open session for the quiz with a fresh join code and admits the host.
func (s *Service) CreateSession(ctx context.Context, req CreateSessionRequest) (*domain.Session, error) {
	if req.HostID == "" {
		return nil, errors.InvalidArgument("host is required")
	}
	if req.RoundTimeSeconds < 0 {
		return nil, errors.InvalidArgument("round time must not be negative")
	}

	q, err := s.quizzes.GetQuiz(ctx, quiz.GetQuizRequest{QuizID: req.QuizID})
	if err != nil {
		return nil, err
	}
	if len(q.Questions) == 0 {
		return nil, errors.InvalidArgument("quiz has no questions: quiz=%s", q.QuizID)
	}

	roundTime := req.RoundTimeSeconds
	if roundTime == 0 {
		roundTime = int(s.defaultRoundTime / time.Second)
	}

	ss, err := s.insertSession(ctx, req.HostID, roundTime, *q)
	if err != nil {
		return nil, err
	}

	host := domain.Player{
		PlayerID:    req.HostID,
		DisplayName: displayName(req.HostName),
		JoinTime:    ss.CreateTime,
	}
	if _, err := s.store.PutPlayer(ctx, ss.SessionID, host, nil); err != nil {
		return nil, fmt.Errorf("add host: %w", err)
	}

	telemetry.SessionsCreated.Inc()
	slog.InfoContext(ctx, "lobby: session created",
		"session", ss.SessionID,
		"code", ss.JoinCode,
		"host", ss.HostID,
		"quiz", ss.QuizID,
	)

	s.eb.Publish(ctx, domain.EventSessionCreated{Session: *ss})

	return ss, nil
}

// insertSession persists a new session, drawing join codes until one is not taken by a live session.
func (s *Service) insertSession(ctx context.Context, hostID string, roundTime int, q domain.Quiz) (*domain.Session, error) {
	for attempt := 0; attempt < s.joinCodeAttempts; attempt++ {
		code, err := s.newJoinCode()
		if err != nil {
			return nil, fmt.Errorf("generate join code: %w", err)
		}

		ss := &domain.Session{
			JoinCode:         code,
			Status:           domain.StatusOpen,
			Phase:            domain.PhaseLobby,
			QuizID:           q.QuizID,
			QuizTitle:        q.Title,
			HostID:           hostID,
			QuestionCount:    len(q.Questions),
			RoundTimeSeconds: roundTime,
			CreateTime:       time.Now().UTC(),
		}

		err = s.store.CreateSession(ctx, ss, q)
		if errors.HasCode(err, errors.CodeAlreadyExists) {
			slog.WarnContext(ctx, "lobby: join code collision", "code", code, "attempt", attempt)
			continue
		}
		if err != nil {
			return nil, err
		}

		return ss, nil
	}

	return nil, errors.New(errors.CodeInternal,
		errors.WithMessagef("no free join code after %d attempts", s.joinCodeAttempts))
}

type JoinSessionRequest struct {
	JoinCode    string
	PlayerID    string
	DisplayName string
}

// JoinSession admits a player into the open session with the join code. Joining again with the same
// player ID replaces the player's record instead of adding another one.
func (s *Service) JoinSession(ctx context.Context, req JoinSessionRequest) (*domain.Session, error) {
	code := strings.TrimSpace(req.JoinCode)
	if code == "" {
		return nil, errors.InvalidArgument("join code is required")
	}
	if req.PlayerID == "" {
		return nil, errors.InvalidArgument("player is required")
	}

	ss, err := s.store.FindSessionByJoinCode(ctx, code)
	if err != nil {
		return nil, err
	}

	p := domain.Player{
		PlayerID:    req.PlayerID,
		DisplayName: displayName(req.DisplayName),
		JoinTime:    time.Now().UTC(),
	}

	ss, err = s.store.PutPlayer(ctx, ss.SessionID, p, func(ss *domain.Session) error {
		if ss.Status != domain.StatusOpen {
			return errors.New(errors.CodeAlreadyStarted,
				errors.WithMessagef("session already started: code=%s", code))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	telemetry.PlayersJoined.Inc()
	slog.InfoContext(ctx, "lobby: player joined", "session", ss.SessionID, "player", p.PlayerID)

	s.eb.Publish(ctx, domain.EventPlayerJoined{Session: *ss, Player: p})

	return ss, nil
}

type LeaveSessionRequest struct {
	SessionID string
	PlayerID  string
}

// LeaveSession removes a player from a session. When the host leaves, the whole session is deleted.
func (s *Service) LeaveSession(ctx context.Context, req LeaveSessionRequest) error {
	ss, err := s.store.GetSession(ctx, req.SessionID)
	if err != nil {
		return err
	}

	if req.PlayerID == ss.HostID {
		del, err := s.store.DeleteSession(ctx, ss.SessionID)
		if err != nil {
			return err
		}

		telemetry.SessionsDeleted.WithLabelValues("host_left").Inc()
		slog.InfoContext(ctx, "lobby: host left, session deleted", "session", ss.SessionID)

		s.eb.Publish(ctx, domain.EventSessionDeleted{Session: del.Session, Players: del.Players})
		return nil
	}

	ok, err := s.store.DeletePlayer(ctx, ss.SessionID, req.PlayerID)
	if err != nil {
		return err
	}
	if !ok {
		return errors.NotFound("player not found: session=%s player=%s", ss.SessionID, req.PlayerID)
	}

	slog.InfoContext(ctx, "lobby: player left", "session", ss.SessionID, "player", req.PlayerID)

	s.eb.Publish(ctx, domain.EventPlayerLeft{Session: *ss, PlayerID: req.PlayerID})

	return nil
}

type GetStateRequest struct {
	SessionID string
}

// GetState renders the session as clients display it. The current question is included while it is
// being played; its correct answer only once revealed.
func (s *Service) GetState(ctx context.Context, req GetStateRequest) (*domain.State, error) {
	ss, err := s.store.GetSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}

	players, err := s.store.ListPlayers(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}

	st := &domain.State{
		SessionID:            ss.SessionID,
		JoinCode:             ss.JoinCode,
		QuizTitle:            ss.QuizTitle,
		HostID:               ss.HostID,
		Status:               ss.Status,
		Phase:                ss.Phase,
		Countdown:            ss.Countdown,
		CurrentQuestionIndex: ss.CurrentQuestionIndex,
		QuestionCount:        ss.QuestionCount,
		RoundTimeSeconds:     ss.RoundTimeSeconds,
		Players:              players,
	}

	if ss.Phase == domain.PhaseAwaitingAnswers || ss.Phase == domain.PhaseRevealing {
		q, err := s.store.GetQuiz(ctx, req.SessionID)
		if err != nil {
			return nil, err
		}

		if question, ok := q.Question(ss.CurrentQuestionIndex); ok {
			st.Question = &domain.QuestionView{Text: question.Text, Answers: question.Answers}
		}
	}

	if ss.Phase == domain.PhaseRevealing {
		st.RevealedAnswer = ss.RevealedAnswer
	}

	return st, nil
}

// NewJoinCode draws a random 6-digit join code without a leading zero.
func NewJoinCode() (string, error) {
	const lo, span = 100000, 900000

	n, err := rand.Int(rand.Reader, big.NewInt(span))
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("%0*d", joinCodeLength, lo+n.Int64()), nil
}

func displayName(name string) string {
	if name = strings.TrimSpace(name); name != "" {
		return name
	}

	return "Anonymous"
}
