// Package round runs the questions of a started session: it collects answers and timeouts, reveals the
// correct answer once every player is accounted for, and advances to the next question or completes the
// quiz. Every transition is a conditional write on the session, so it happens once even when several
// callers observe the same round at the same time.
package round

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/victornm/quizsync/internal/domain"
	"github.com/victornm/quizsync/internal/errors"
	"github.com/victornm/quizsync/internal/event"
	"github.com/victornm/quizsync/internal/schedule"
	"github.com/victornm/quizsync/internal/store"
	"github.com/victornm/quizsync/internal/telemetry"
)

const (
	defaultRevealDuration = 2 * time.Second
	defaultRoundGrace     = 2 * time.Second
)

type Config struct {
	Store     *store.Store
	EventBus  *event.Bus
	Scheduler *schedule.Scheduler
	// RevealDuration is how long the correct answer is shown before the next question.
	RevealDuration time.Duration
	// RoundGrace is added to a round's answer window before unaccounted players are timed out by the server.
	RoundGrace time.Duration
}

type Service struct {
	store  *store.Store
	eb     *event.Bus
	sched  *schedule.Scheduler
	reveal time.Duration
	grace  time.Duration
}

func NewService(c Config) *Service {
	s := &Service{
		store:  c.Store,
		eb:     c.EventBus,
		sched:  c.Scheduler,
		reveal: c.RevealDuration,
		grace:  c.RoundGrace,
	}

	if s.reveal <= 0 {
		s.reveal = defaultRevealDuration
	}
	if s.grace <= 0 {
		s.grace = defaultRoundGrace
	}

	s.eb.Subscribe(domain.EventNameRoundStarted, func(ctx context.Context, e event.Event) error {
		s.scheduleDeadline(ctx, e.(domain.EventRoundStarted).Session)
		return nil
	})

	// A player who leaves is no longer waited for.
	s.eb.Subscribe(domain.EventNamePlayerLeft, func(ctx context.Context, e event.Event) error {
		ss := e.(domain.EventPlayerLeft).Session
		_, err := s.Evaluate(ctx, EvaluateRequest{SessionID: ss.SessionID, QuestionIndex: ss.CurrentQuestionIndex})
		return err
	})

	return s
}

type SubmitAnswerRequest struct {
	SessionID  string
	PlayerID   string
	AnswerText string
	// QuestionIndex is the question the player answered. When set, answers to a question that is no
	// longer being played are ignored instead of being applied to the current one.
	QuestionIndex *int
}

type SubmitAnswerResponse struct {
	// Accepted is false when the player already answered or timed out on this question.
	Accepted  bool
	IsCorrect bool
	Score     int
}

// SubmitAnswer records the player's answer to the current question and, when correct, increments the
// player's score. A second response to the same question is ignored.
func (s *Service) SubmitAnswer(ctx context.Context, req SubmitAnswerRequest) (*SubmitAnswerResponse, error) {
	answer := strings.TrimSpace(req.AnswerText)
	if answer == "" {
		return nil, errors.InvalidArgument("answer is required")
	}

	rec, err := s.record(ctx, req.SessionID, req.PlayerID, req.QuestionIndex, func(q domain.Question, r *domain.Response) {
		r.Kind = domain.ResponseAnswer
		r.AnswerText = answer
		r.IsCorrect = answer == q.CorrectAnswer
	})
	if errors.HasCode(err, errors.CodeAlreadyAnswered) {
		slog.DebugContext(ctx, "round: duplicate answer ignored", "session", req.SessionID, "player", req.PlayerID)
		return &SubmitAnswerResponse{}, nil
	}
	if err != nil {
		return nil, err
	}

	return &SubmitAnswerResponse{
		Accepted:  true,
		IsCorrect: rec.Response.IsCorrect,
		Score:     rec.Player.Score,
	}, nil
}

type MarkTimeoutRequest struct {
	SessionID     string
	PlayerID      string
	QuestionIndex *int
}

type MarkTimeoutResponse struct {
	Accepted bool
}

// MarkTimeout records that the player's answer window elapsed without an answer.
func (s *Service) MarkTimeout(ctx context.Context, req MarkTimeoutRequest) (*MarkTimeoutResponse, error) {
	_, err := s.record(ctx, req.SessionID, req.PlayerID, req.QuestionIndex, func(_ domain.Question, r *domain.Response) {
		r.Kind = domain.ResponseTimeout
	})
	if errors.HasCode(err, errors.CodeAlreadyAnswered) {
		return &MarkTimeoutResponse{}, nil
	}
	if err != nil {
		return nil, err
	}

	return &MarkTimeoutResponse{Accepted: true}, nil
}

// record stores one response of the player for the question being played, publishes the outcome and
// re-evaluates the round.
func (s *Service) record(ctx context.Context, sessionID, playerID string, question *int, fill func(q domain.Question, r *domain.Response)) (*store.Recorded, error) {
	quiz, err := s.store.GetQuiz(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	rec, err := s.store.RecordResponse(ctx, sessionID, playerID, func(ss *domain.Session, _ *domain.Player) (domain.Response, error) {
		if err := acceptsResponses(ss, question); err != nil {
			return domain.Response{}, err
		}

		q, ok := quiz.Question(ss.CurrentQuestionIndex)
		if !ok {
			return domain.Response{}, errors.Internal(fmt.Errorf("question %d out of range: session=%s", ss.CurrentQuestionIndex, ss.SessionID))
		}

		r := domain.Response{
			QuestionIndex: ss.CurrentQuestionIndex,
			SubmitTime:    time.Now().UTC(),
		}
		fill(q, &r)
		return r, nil
	})
	if err != nil {
		return nil, err
	}

	telemetry.ResponsesRecorded.WithLabelValues(string(rec.Response.Kind)).Inc()
	slog.InfoContext(ctx, "round: response recorded",
		"session", sessionID,
		"player", playerID,
		"question", rec.Response.QuestionIndex,
		"kind", rec.Response.Kind,
		"correct", rec.Response.IsCorrect,
	)

	s.eb.Publish(ctx, domain.EventResponseRecorded{SessionID: sessionID, Response: rec.Response})
	s.eb.Publish(ctx, domain.EventScoreUpdated{Score: domain.Score{
		SessionID:   sessionID,
		PlayerID:    playerID,
		DisplayName: rec.Player.DisplayName,
		TotalScore:  rec.Player.Score,
		UpdateTime:  rec.Response.SubmitTime,
	}})

	if _, err := s.Evaluate(ctx, EvaluateRequest{SessionID: sessionID, QuestionIndex: rec.Response.QuestionIndex}); err != nil {
		// The response is recorded; the deadline or the next response evaluates the round again.
		slog.ErrorContext(ctx, "round: evaluate failed", "session", sessionID, "error", err)
	}

	return rec, nil
}

// acceptsResponses reports, as an error, why the session does not take a response for question.
// Responses to a round that is already closed count as duplicates.
func acceptsResponses(ss *domain.Session, question *int) error {
	if ss.Status != domain.StatusStarted {
		return errors.InvalidState("session is %s: session=%s", ss.Status, ss.SessionID)
	}

	if question != nil {
		switch {
		case *question < ss.CurrentQuestionIndex:
			return errRoundClosed
		case *question > ss.CurrentQuestionIndex:
			return errors.InvalidState("question %d has not started: session=%s", *question, ss.SessionID)
		}
	}

	switch ss.Phase {
	case domain.PhaseAwaitingAnswers:
		return nil
	case domain.PhaseRevealing:
		return errRoundClosed
	default:
		return errors.InvalidState("session is not accepting answers: session=%s phase=%s", ss.SessionID, ss.Phase)
	}
}

var errRoundClosed = errors.New(errors.CodeAlreadyAnswered, errors.WithMessagef("round is closed"))

type EvaluateRequest struct {
	SessionID     string
	QuestionIndex int
}

// Evaluate reveals the question's correct answer if every player is accounted for by an answer or a
// timeout. It reports whether this call performed the reveal; for a given question exactly one call
// does, however many run concurrently.
func (s *Service) Evaluate(ctx context.Context, req EvaluateRequest) (bool, error) {
	ss, err := s.store.GetSession(ctx, req.SessionID)
	if errors.HasCode(err, errors.CodeNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if ss.Phase != domain.PhaseAwaitingAnswers || ss.CurrentQuestionIndex != req.QuestionIndex {
		return false, nil
	}

	missing, err := s.unaccounted(ctx, req.SessionID, req.QuestionIndex)
	if err != nil {
		return false, err
	}
	if len(missing) > 0 {
		return false, nil
	}

	quiz, err := s.store.GetQuiz(ctx, req.SessionID)
	if err != nil {
		return false, err
	}

	q, ok := quiz.Question(req.QuestionIndex)
	if !ok {
		return false, errors.Internal(fmt.Errorf("question %d out of range: session=%s", req.QuestionIndex, req.SessionID))
	}

	// Once every player is accounted for the round stays that way, so only the phase needs guarding.
	ss, err = s.store.UpdateSession(ctx, req.SessionID, func(ss *domain.Session) error {
		if ss.Phase != domain.PhaseAwaitingAnswers || ss.CurrentQuestionIndex != req.QuestionIndex {
			return errRoundMoved
		}

		ss.Phase = domain.PhaseRevealing
		ss.RevealedAnswer = q.CorrectAnswer
		return nil
	})
	if err == errRoundMoved || errors.HasCode(err, errors.CodeNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	telemetry.RoundsRevealed.Inc()
	if !ss.RoundStartTime.IsZero() {
		telemetry.RoundDuration.Observe(time.Since(ss.RoundStartTime).Seconds())
	}
	slog.InfoContext(ctx, "round: answer revealed", "session", ss.SessionID, "question", ss.CurrentQuestionIndex)

	s.eb.Publish(ctx, domain.EventRoundRevealed{Session: *ss, CorrectAnswer: q.CorrectAnswer})

	question := ss.CurrentQuestionIndex
	s.sched.After(s.reveal, fmt.Sprintf("advance:%s:%d", ss.SessionID, question), func(ctx context.Context) {
		if err := s.advance(ctx, ss.SessionID, question); err != nil {
			slog.ErrorContext(ctx, "round: advance failed", "session", ss.SessionID, "question", question, "error", err)
		}
	})

	return true, nil
}

var errRoundMoved = errors.New(errors.CodeInvalidState, errors.WithMessagef("round already moved on"))

// unaccounted returns the players that have neither answered nor timed out on question.
func (s *Service) unaccounted(ctx context.Context, sessionID string, question int) ([]domain.Player, error) {
	players, err := s.store.ListPlayers(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	responses, err := s.store.ListResponses(ctx, sessionID, question)
	if err != nil {
		return nil, err
	}

	answered := make(map[string]struct{}, len(responses))
	for _, r := range responses {
		answered[r.PlayerID] = struct{}{}
	}

	var missing []domain.Player
	for _, p := range players {
		if _, ok := answered[p.PlayerID]; !ok {
			missing = append(missing, p)
		}
	}

	return missing, nil
}

// advance clears the revealed question's responses and moves to the next question, or completes the
// session after the last one.
func (s *Service) advance(ctx context.Context, sessionID string, question int) error {
	var completed bool

	ss, err := s.store.UpdateSession(ctx, sessionID, func(ss *domain.Session) error {
		if ss.Phase != domain.PhaseRevealing || ss.CurrentQuestionIndex != question {
			return errRoundMoved
		}

		now := time.Now().UTC()
		ss.RevealedAnswer = ""

		if next := question + 1; next < ss.QuestionCount {
			completed = false
			ss.CurrentQuestionIndex = next
			ss.Phase = domain.PhaseAwaitingAnswers
			ss.RoundStartTime = now
			return nil
		}

		if !ss.Status.CanTransition(domain.StatusCompleted) {
			return errors.InvalidState("session is %s: session=%s", ss.Status, ss.SessionID)
		}

		completed = true
		ss.Status = domain.StatusCompleted
		ss.Phase = domain.PhaseFinished
		ss.CompleteTime = now
		return nil
	}, store.ClearResponses(question))
	if err == errRoundMoved || errors.HasCode(err, errors.CodeNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if completed {
		telemetry.SessionsCompleted.Inc()
		slog.InfoContext(ctx, "round: quiz completed", "session", sessionID)
		s.eb.Publish(ctx, domain.EventQuizCompleted{Session: *ss})
		return nil
	}

	slog.InfoContext(ctx, "round: next question", "session", sessionID, "question", ss.CurrentQuestionIndex)
	s.eb.Publish(ctx, domain.EventRoundStarted{Session: *ss})

	return nil
}

// scheduleDeadline times out every player still unaccounted for once the round's answer window and
// grace period have passed, so a disconnected client cannot stall the round.
func (s *Service) scheduleDeadline(ctx context.Context, ss domain.Session) {
	question := ss.CurrentQuestionIndex
	d := ss.RoundDuration() + s.grace
	if !ss.RoundStartTime.IsZero() {
		d -= time.Since(ss.RoundStartTime)
	}

	s.sched.After(d, fmt.Sprintf("deadline:%s:%d", ss.SessionID, question), func(ctx context.Context) {
		if err := s.expire(ctx, ss.SessionID, question); err != nil {
			slog.ErrorContext(ctx, "round: deadline failed", "session", ss.SessionID, "question", question, "error", err)
		}
	})
}

func (s *Service) expire(ctx context.Context, sessionID string, question int) error {
	ss, err := s.store.GetSession(ctx, sessionID)
	if errors.HasCode(err, errors.CodeNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if ss.Phase != domain.PhaseAwaitingAnswers || ss.CurrentQuestionIndex != question {
		return nil
	}

	missing, err := s.unaccounted(ctx, sessionID, question)
	if err != nil {
		return err
	}

	for _, p := range missing {
		slog.InfoContext(ctx, "round: player timed out by deadline", "session", sessionID, "player", p.PlayerID, "question", question)

		_, err := s.MarkTimeout(ctx, MarkTimeoutRequest{SessionID: sessionID, PlayerID: p.PlayerID, QuestionIndex: &question})
		switch {
		case errors.HasCode(err, errors.CodeNotFound):
			// Left meanwhile.
		case err != nil:
			return err
		}
	}

	_, err = s.Evaluate(ctx, EvaluateRequest{SessionID: sessionID, QuestionIndex: question})
	return err
}
