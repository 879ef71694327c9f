package quiz_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/victornm/quizsync/internal/domain"
	"github.com/victornm/quizsync/internal/errors"
	"github.com/victornm/quizsync/internal/quiz"
)

func TestValidate(t *testing.T) {
	valid := func() *domain.Quiz {
		return &domain.Quiz{
			Title: "Capitals",
			Questions: []domain.Question{
				{Text: "Capital of France?", Answers: []string{"Paris", "London"}, CorrectAnswer: "Paris"},
			},
		}
	}

	tests := map[string]struct {
		arrange func() *domain.Quiz
		wantErr bool
	}{
		"valid quiz": {
			arrange: valid,
		},
		"missing title": {
			arrange: func() *domain.Quiz {
				q := valid()
				q.Title = "  "
				return q
			},
			wantErr: true,
		},
		"no questions": {
			arrange: func() *domain.Quiz {
				q := valid()
				q.Questions = nil
				return q
			},
			wantErr: true,
		},
		"single answer": {
			arrange: func() *domain.Quiz {
				q := valid()
				q.Questions[0].Answers = []string{"Paris"}
				return q
			},
			wantErr: true,
		},
		"duplicate answers": {
			arrange: func() *domain.Quiz {
				q := valid()
				q.Questions[0].Answers = []string{"Paris", "Paris"}
				return q
			},
			wantErr: true,
		},
		"correct answer not offered": {
			arrange: func() *domain.Quiz {
				q := valid()
				q.Questions[0].CorrectAnswer = "Berlin"
				return q
			},
			wantErr: true,
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			err := quiz.Validate(tt.arrange())
			if !tt.wantErr {
				require.NoError(t, err)
				return
			}
			require.True(t, errors.HasCode(err, errors.CodeInvalidArgument), "got %v", err)
		})
	}
}
