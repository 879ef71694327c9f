package quiz

import (
	"context"
	stderrors "errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/victornm/quizsync/internal/domain"
	"github.com/victornm/quizsync/internal/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS quizzes (
	quiz_id     UUID PRIMARY KEY,
	creator_id  TEXT NOT NULL,
	title       TEXT NOT NULL,
	questions   JSONB NOT NULL,
	saved       BOOLEAN NOT NULL DEFAULT FALSE,
	create_time TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS quizzes_creator_idx ON quizzes (creator_id, create_time DESC);`

type Config struct {
	DB *pgxpool.Pool
}

// Service is the catalog of quiz definitions sessions are created from.
type Service struct {
	db *pgxpool.Pool
}

func NewService(c Config) *Service {
	return &Service{
		db: c.DB,
	}
}

// Migrate creates the catalog tables if they do not exist.
func (s *Service) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate quizzes: %w", err)
	}

	return nil
}

type CreateQuizRequest struct {
	CreatorID string
	Title     string
	Questions []domain.Question
	// Saved quizzes outlive the sessions played from them.
	Saved bool
}

func (s *Service) CreateQuiz(ctx context.Context, req CreateQuizRequest) (*domain.Quiz, error) {
	q := &domain.Quiz{
		CreatorID:  req.CreatorID,
		Title:      strings.TrimSpace(req.Title),
		Questions:  req.Questions,
		Saved:      req.Saved,
		CreateTime: time.Now().UTC(),
	}

	if q.CreatorID == "" {
		return nil, errors.InvalidArgument("creator is required")
	}
	if err := Validate(q); err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate quiz ID: %w", err)
	}
	q.QuizID = id.String()

	const stmt = `INSERT INTO quizzes (quiz_id, creator_id, title, questions, saved, create_time) VALUES ($1, $2, $3, $4, $5, $6);`
	if _, err := s.db.Exec(ctx, stmt, id, q.CreatorID, q.Title, q.Questions, q.Saved, q.CreateTime); err != nil {
		return nil, fmt.Errorf("insert quiz: %w", err)
	}

	return q, nil
}

// Validate checks that a quiz can be played: it has a title and questions, and every question has at
// least two distinct answers including its correct one.
func Validate(q *domain.Quiz) error {
	if strings.TrimSpace(q.Title) == "" {
		return errors.InvalidArgument("quiz title is required")
	}

	if len(q.Questions) == 0 {
		return errors.InvalidArgument("quiz has no questions")
	}

	for i, question := range q.Questions {
		if strings.TrimSpace(question.Text) == "" {
			return errors.InvalidArgument("question %d has no text", i)
		}

		if len(question.Answers) < 2 {
			return errors.InvalidArgument("question %d needs at least 2 answers", i)
		}

		seen := make(map[string]struct{}, len(question.Answers))
		for _, a := range question.Answers {
			if _, ok := seen[a]; ok {
				return errors.InvalidArgument("question %d has duplicate answer %q", i, a)
			}
			seen[a] = struct{}{}
		}

		if !slices.Contains(question.Answers, question.CorrectAnswer) {
			return errors.InvalidArgument("question %d: correct answer %q is not among its answers", i, question.CorrectAnswer)
		}
	}

	return nil
}

type GetQuizRequest struct {
	QuizID string
}

func (s *Service) GetQuiz(ctx context.Context, req GetQuizRequest) (*domain.Quiz, error) {
	id, err := uuid.Parse(req.QuizID)
	if err != nil {
		return nil, errors.NotFound("quiz not found: quiz=%s", req.QuizID)
	}

	const stmt = `SELECT quiz_id::text, creator_id, title, questions, saved, create_time FROM quizzes WHERE quiz_id = $1;`

	rows, err := s.db.Query(ctx, stmt, id)
	if err != nil {
		return nil, fmt.Errorf("query quiz: %w", err)
	}

	q, err := pgx.CollectExactlyOneRow(rows, scanQuiz)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("quiz not found: quiz=%s", req.QuizID)
	}
	if err != nil {
		return nil, fmt.Errorf("scan quiz: %w", err)
	}

	return &q, nil
}

type ListQuizzesRequest struct {
	CreatorID string
}

// ListQuizzes returns the creator's quizzes, newest first.
func (s *Service) ListQuizzes(ctx context.Context, req ListQuizzesRequest) ([]domain.Quiz, error) {
	const stmt = `
SELECT quiz_id::text, creator_id, title, questions, saved, create_time
FROM quizzes
WHERE creator_id = $1
ORDER BY create_time DESC;`

	rows, err := s.db.Query(ctx, stmt, req.CreatorID)
	if err != nil {
		return nil, fmt.Errorf("query quizzes: %w", err)
	}

	quizzes, err := pgx.CollectRows(rows, scanQuiz)
	if err != nil {
		return nil, fmt.Errorf("scan quizzes: %w", err)
	}

	return quizzes, nil
}

type SaveQuizRequest struct {
	QuizID    string
	CreatorID string
	Saved     bool
}

// SaveQuiz sets the saved flag of one of the creator's quizzes.
func (s *Service) SaveQuiz(ctx context.Context, req SaveQuizRequest) error {
	id, err := uuid.Parse(req.QuizID)
	if err != nil {
		return errors.NotFound("quiz not found: quiz=%s", req.QuizID)
	}

	tag, err := s.db.Exec(ctx, `UPDATE quizzes SET saved = $3 WHERE quiz_id = $1 AND creator_id = $2;`, id, req.CreatorID, req.Saved)
	if err != nil {
		return fmt.Errorf("update quiz: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("quiz not found: quiz=%s creator=%s", req.QuizID, req.CreatorID)
	}

	return nil
}

type DeleteQuizRequest struct {
	QuizID    string
	CreatorID string
}

func (s *Service) DeleteQuiz(ctx context.Context, req DeleteQuizRequest) error {
	id, err := uuid.Parse(req.QuizID)
	if err != nil {
		return errors.NotFound("quiz not found: quiz=%s", req.QuizID)
	}

	tag, err := s.db.Exec(ctx, `DELETE FROM quizzes WHERE quiz_id = $1 AND creator_id = $2;`, id, req.CreatorID)
	if err != nil {
		return fmt.Errorf("delete quiz: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("quiz not found: quiz=%s creator=%s", req.QuizID, req.CreatorID)
	}

	return nil
}

func scanQuiz(r pgx.CollectableRow) (domain.Quiz, error) {
	var q domain.Quiz
	if err := r.Scan(&q.QuizID, &q.CreatorID, &q.Title, &q.Questions, &q.Saved, &q.CreateTime); err != nil {
		return domain.Quiz{}, err
	}

	return q, nil
}
