package history

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/victornm/quizsync/internal/domain"
	"github.com/victornm/quizsync/internal/errors"
	"github.com/victornm/quizsync/internal/event"
)

const schema = `
CREATE TABLE IF NOT EXISTS results (
	session_id       UUID NOT NULL,
	player_id        TEXT NOT NULL,
	quiz_id          TEXT NOT NULL,
	quiz_title       TEXT NOT NULL,
	display_name     TEXT NOT NULL,
	final_score      INTEGER NOT NULL,
	question_count   INTEGER NOT NULL,
	percentage_score NUMERIC(5, 2) NOT NULL,
	best             BOOLEAN NOT NULL,
	complete_time    TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (session_id, player_id)
);
CREATE INDEX IF NOT EXISTS results_player_idx ON results (player_id, complete_time DESC);`

type Config struct {
	EventBus *event.Bus
	DB       *pgxpool.Pool
}

// Service keeps the results of finished sessions after the sessions themselves are deleted.
type Service struct {
	eb *event.Bus
	db *pgxpool.Pool
}

func NewService(c Config) *Service {
	s := &Service{
		eb: c.EventBus,
		db: c.DB,
	}

	s.eb.Subscribe(domain.EventNameResultsFinalized, func(ctx context.Context, e event.Event) error {
		return s.SaveResults(ctx, SaveResultsRequest{Results: Results(e.(domain.EventResultsFinalized))})
	})

	return s
}

func (s *Service) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate results: %w", err)
	}

	return nil
}

// Results converts finalized session results into history records, skipping players without a final score.
func Results(e domain.EventResultsFinalized) []domain.Result {
	out := make([]domain.Result, 0, len(e.Players))
	for _, p := range e.Players {
		if !p.Completed() {
			continue
		}

		r := domain.Result{
			SessionID:     e.Session.SessionID,
			QuizID:        e.Session.QuizID,
			QuizTitle:     e.Session.QuizTitle,
			PlayerID:      p.PlayerID,
			DisplayName:   p.DisplayName,
			FinalScore:    *p.FinalScore,
			QuestionCount: e.Session.QuestionCount,
			Best:          e.Best != nil && e.Best.PlayerID == p.PlayerID,
			CompleteTime:  p.CompleteTime,
		}
		if p.PercentageScore != nil {
			r.PercentageScore = *p.PercentageScore
		} else if r.QuestionCount > 0 {
			r.PercentageScore = decimal.NewFromInt(int64(r.FinalScore)).
				Mul(decimal.NewFromInt(100)).
				Div(decimal.NewFromInt(int64(r.QuestionCount))).
				Round(2)
		}
		if r.CompleteTime.IsZero() {
			r.CompleteTime = e.Session.CompleteTime
		}

		out = append(out, r)
	}

	return out
}

type SaveResultsRequest struct {
	Results []domain.Result
}

// SaveResults stores results in one transaction. A result already stored for the same session and
// player is left unchanged, so saving is idempotent.
func (s *Service) SaveResults(ctx context.Context, req SaveResultsRequest) (err error) {
	if len(req.Results) == 0 {
		return nil
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			err = stderrors.Join(err, tx.Rollback(ctx))
		}
	}()

	const stmt = `
INSERT INTO results (session_id, player_id, quiz_id, quiz_title, display_name, final_score, question_count, percentage_score, best, complete_time)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (session_id, player_id) DO NOTHING;`

	b := &pgx.Batch{}
	for _, r := range req.Results {
		b.Queue(stmt, r.SessionID, r.PlayerID, r.QuizID, r.QuizTitle, r.DisplayName,
			r.FinalScore, r.QuestionCount, r.PercentageScore, r.Best, r.CompleteTime)
	}

	if err = tx.SendBatch(ctx, b).Close(); err != nil {
		return fmt.Errorf("insert results: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit results: %w", err)
	}

	slog.InfoContext(ctx, "history: results saved", "session", req.Results[0].SessionID, "count", len(req.Results))

	return nil
}

type ListHistoryRequest struct {
	PlayerID string
	// Limit caps the number of results; zero means 50.
	Limit int
}

// ListHistory returns the player's results, most recent first.
func (s *Service) ListHistory(ctx context.Context, req ListHistoryRequest) ([]domain.Result, error) {
	if req.PlayerID == "" {
		return nil, errors.InvalidArgument("player is required")
	}

	limit := req.Limit
	if limit <= 0 {
		limit = 50
	}

	const stmt = `
SELECT session_id::text, quiz_id, quiz_title, player_id, display_name, final_score, question_count, percentage_score, best, complete_time
FROM results
WHERE player_id = $1
ORDER BY complete_time DESC
LIMIT $2;`

	rows, err := s.db.Query(ctx, stmt, req.PlayerID, limit)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}

	results, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.Result, error) {
		var res domain.Result
		err := r.Scan(&res.SessionID, &res.QuizID, &res.QuizTitle, &res.PlayerID, &res.DisplayName,
			&res.FinalScore, &res.QuestionCount, &res.PercentageScore, &res.Best, &res.CompleteTime)
		return res, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan results: %w", err)
	}

	return results, nil
}
