package countdown

import (
	"context"
	"log/slog"
	"time"

	"github.com/victornm/quizsync/internal/domain"
	"github.com/victornm/quizsync/internal/errors"
	"github.com/victornm/quizsync/internal/event"
	"github.com/victornm/quizsync/internal/schedule"
	"github.com/victornm/quizsync/internal/store"
)

const (
	defaultStart        = 10
	defaultTickInterval = time.Second
)

type Config struct {
	Store     *store.Store
	EventBus  *event.Bus
	Scheduler *schedule.Scheduler
	// Start is the value the countdown starts from; it is decremented once per TickInterval.
	Start        int
	TickInterval time.Duration
}

// Service moves sessions from the lobby into the first round. The countdown is ticked by the process
// that accepted the start.
type Service struct {
	store        *store.Store
	eb           *event.Bus
	sched        *schedule.Scheduler
	start        int
	tickInterval time.Duration
}

func NewService(c Config) *Service {
	s := &Service{
		store:        c.Store,
		eb:           c.EventBus,
		sched:        c.Scheduler,
		start:        c.Start,
		tickInterval: c.TickInterval,
	}

	if s.start <= 0 {
		s.start = defaultStart
	}
	if s.tickInterval <= 0 {
		s.tickInterval = defaultTickInterval
	}

	return s
}

type StartCountdownRequest struct {
	SessionID   string
	RequesterID string
}

// StartCountdown marks the session started and begins ticking its countdown. Only the host may start
// a session, and only while it is open.
func (s *Service) StartCountdown(ctx context.Context, req StartCountdownRequest) (*domain.Session, error) {
	ss, err := s.store.UpdateSession(ctx, req.SessionID, func(ss *domain.Session) error {
		if req.RequesterID != ss.HostID {
			return errors.New(errors.CodeForbidden, errors.WithMessagef("only the host can start the session"))
		}
		if !ss.Status.CanTransition(domain.StatusStarted) {
			return errors.InvalidState("session is %s: session=%s", ss.Status, ss.SessionID)
		}

		start := s.start
		ss.Status = domain.StatusStarted
		ss.Phase = domain.PhaseCountdown
		ss.Countdown = &start
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "countdown: session started", "session", ss.SessionID, "countdown", s.start)

	s.eb.Publish(ctx, domain.EventSessionStarted{Session: *ss})

	s.sched.Every(s.tickInterval, "countdown:"+ss.SessionID, func(ctx context.Context) bool {
		return s.tick(ctx, ss.SessionID)
	})

	return ss, nil
}

// tick decrements the countdown once and reports whether ticking should continue. When the countdown
// reaches zero the first question starts.
func (s *Service) tick(ctx context.Context, sessionID string) bool {
	var done bool

	ss, err := s.store.UpdateSession(ctx, sessionID, func(ss *domain.Session) error {
		done = false
		if ss.Phase != domain.PhaseCountdown || ss.Countdown == nil {
			done = true
			return errStopTicking
		}

		next := *ss.Countdown - 1
		if next < 0 {
			next = 0
		}
		ss.Countdown = &next

		if next == 0 {
			done = true
			ss.Phase = domain.PhaseAwaitingAnswers
			ss.CurrentQuestionIndex = 0
			ss.RoundStartTime = time.Now().UTC()
		}
		return nil
	})

	switch {
	case errors.HasCode(err, errors.CodeNotFound):
		slog.InfoContext(ctx, "countdown: session gone, stop ticking", "session", sessionID)
		return false
	case err == errStopTicking:
		return false
	case err != nil:
		// The next tick retries.
		slog.ErrorContext(ctx, "countdown: tick failed", "session", sessionID, "error", err)
		return ctx.Err() == nil
	}

	if done {
		slog.InfoContext(ctx, "countdown: finished", "session", sessionID)
		s.eb.Publish(ctx, domain.EventRoundStarted{Session: *ss})
		return false
	}

	return true
}

var errStopTicking = errors.New(errors.CodeInvalidState, errors.WithMessagef("countdown is not running"))
