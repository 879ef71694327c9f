package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

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

// SessionServiceName is the gRPC service name. Every method takes and returns a google.protobuf.Struct
// whose fields use the same names as the REST bodies.
const SessionServiceName = "quizsync.v1.SessionService"

type (
	sessionRequest struct {
		SessionID string `json:"session_id"`
	}

	submitAnswerRequest struct {
		SessionID     string `json:"session_id"`
		AnswerText    string `json:"answer_text"`
		QuestionIndex *int   `json:"question_index"`
	}

	markTimeoutRequest struct {
		SessionID     string `json:"session_id"`
		QuestionIndex *int   `json:"question_index"`
	}

	completeQuizRequest struct {
		SessionID     string `json:"session_id"`
		Score         int    `json:"score"`
		QuestionCount int    `json:"question_count"`
	}

	listHistoryRequest struct {
		Limit int `json:"limit"`
	}
)

var sessionServiceDesc = grpc.ServiceDesc{
	ServiceName: SessionServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		method("CreateQuiz", func(a *API, ctx context.Context, req CreateQuizBody) (any, error) {
			return a.quizzes.CreateQuiz(ctx, quiz.CreateQuizRequest{
				CreatorID: caller(ctx).UserID,
				Title:     req.Title,
				Questions: req.Questions,
				Saved:     req.Saved,
			})
		}),
		method("ListQuizzes", func(a *API, ctx context.Context, _ struct{}) (any, error) {
			qs, err := a.quizzes.ListQuizzes(ctx, quiz.ListQuizzesRequest{CreatorID: caller(ctx).UserID})
			if err != nil {
				return nil, err
			}
			return map[string]any{"quizzes": qs}, nil
		}),
		method("CreateSession", func(a *API, ctx context.Context, req CreateSessionBody) (any, error) {
			id := caller(ctx)
			return a.lobby.CreateSession(ctx, lobby.CreateSessionRequest{
				HostID:           id.UserID,
				HostName:         id.DisplayName,
				QuizID:           req.QuizID,
				RoundTimeSeconds: req.RoundTimeSeconds,
			})
		}),
		method("JoinSession", func(a *API, ctx context.Context, req JoinSessionBody) (any, error) {
			id := caller(ctx)
			if req.DisplayName == "" {
				req.DisplayName = id.DisplayName
			}
			return a.lobby.JoinSession(ctx, lobby.JoinSessionRequest{
				JoinCode:    req.JoinCode,
				PlayerID:    id.UserID,
				DisplayName: req.DisplayName,
			})
		}),
		method("GetState", func(a *API, ctx context.Context, req sessionRequest) (any, error) {
			return a.lobby.GetState(ctx, lobby.GetStateRequest{SessionID: req.SessionID})
		}),
		method("LeaveSession", func(a *API, ctx context.Context, req sessionRequest) (any, error) {
			err := a.lobby.LeaveSession(ctx, lobby.LeaveSessionRequest{SessionID: req.SessionID, PlayerID: caller(ctx).UserID})
			return struct{}{}, err
		}),
		method("StartCountdown", func(a *API, ctx context.Context, req sessionRequest) (any, error) {
			return a.countdown.StartCountdown(ctx, countdown.StartCountdownRequest{SessionID: req.SessionID, RequesterID: caller(ctx).UserID})
		}),
		method("SubmitAnswer", func(a *API, ctx context.Context, req submitAnswerRequest) (any, error) {
			resp, err := a.round.SubmitAnswer(ctx, round.SubmitAnswerRequest{
				SessionID:     req.SessionID,
				PlayerID:      caller(ctx).UserID,
				AnswerText:    req.AnswerText,
				QuestionIndex: req.QuestionIndex,
			})
			if err != nil {
				return nil, err
			}
			return SubmitAnswerResult{Accepted: resp.Accepted, IsCorrect: resp.IsCorrect, Score: resp.Score}, nil
		}),
		method("MarkTimeout", func(a *API, ctx context.Context, req markTimeoutRequest) (any, error) {
			resp, err := a.round.MarkTimeout(ctx, round.MarkTimeoutRequest{
				SessionID:     req.SessionID,
				PlayerID:      caller(ctx).UserID,
				QuestionIndex: req.QuestionIndex,
			})
			if err != nil {
				return nil, err
			}
			return map[string]any{"accepted": resp.Accepted}, nil
		}),
		method("CompleteQuiz", func(a *API, ctx context.Context, req completeQuizRequest) (any, error) {
			return a.result.CompleteQuiz(ctx, result.CompleteQuizRequest{
				SessionID:     req.SessionID,
				PlayerID:      caller(ctx).UserID,
				Score:         req.Score,
				QuestionCount: req.QuestionCount,
			})
		}),
		method("ComputeBestPlayer", func(a *API, ctx context.Context, req sessionRequest) (any, error) {
			p, err := a.result.ComputeBestPlayer(ctx, result.ComputeBestPlayerRequest{SessionID: req.SessionID})
			if err != nil {
				return nil, err
			}
			if p == nil {
				return nil, errors.NotFound("no player completed the quiz: session=%s", req.SessionID)
			}
			return p, nil
		}),
		method("GetLeaderboard", func(a *API, ctx context.Context, req sessionRequest) (any, error) {
			l, err := a.leaderboard.GetLeaderboard(ctx, leaderboard.GetLeaderboardRequest{SessionID: req.SessionID})
			if err != nil {
				return nil, err
			}
			return toLeaderboard(*l), nil
		}),
		method("ListHistory", func(a *API, ctx context.Context, req listHistoryRequest) (any, error) {
			rs, err := a.history.ListHistory(ctx, history.ListHistoryRequest{PlayerID: caller(ctx).UserID, Limit: req.Limit})
			if err != nil {
				return nil, err
			}
			return map[string]any{"results": historyEntries(rs)}, nil
		}),
	},
	Metadata: "quizsync/v1/session.proto",
}

func method[Req any](name string, fn func(a *API, ctx context.Context, req Req) (any, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}

			handler := func(ctx context.Context, in any) (any, error) {
				// Identity is set by the auth interceptor.
				if _, err := auth.Require(ctx); err != nil {
					return nil, err
				}

				var req Req
				if err := decode(in.(*structpb.Struct), &req); err != nil {
					return nil, err
				}

				out, err := fn(srv.(*API), ctx, req)
				if err != nil {
					return nil, err
				}

				return encode(out)
			}

			if interceptor == nil {
				return handler(ctx, in)
			}

			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: fmt.Sprintf("/%s/%s", SessionServiceName, name),
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func decode(in *structpb.Struct, out any) error {
	d, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return errors.Internal(err)
	}

	if err := d.Decode(in.AsMap()); err != nil {
		return errors.InvalidArgument("invalid request: %v", err)
	}

	return nil
}

// encode converts a response into a Struct through its JSON form, so gRPC and REST clients see the same
// field names.
func encode(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Internal(fmt.Errorf("marshal response: %w", err))
	}

	m := make(map[string]any)
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, errors.Internal(fmt.Errorf("unmarshal response: %w", err))
	}

	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, errors.Internal(fmt.Errorf("convert response: %w", err))
	}

	return out, nil
}

func caller(ctx context.Context) auth.Identity {
	id, _ := auth.FromContext(ctx)
	return id
}

func historyEntries(rs []domain.Result) []HistoryEntry {
	entries := make([]HistoryEntry, 0, len(rs))
	for _, r := range rs {
		entries = append(entries, HistoryEntry{
			SessionID:       r.SessionID,
			QuizID:          r.QuizID,
			QuizTitle:       r.QuizTitle,
			FinalScore:      r.FinalScore,
			QuestionCount:   r.QuestionCount,
			PercentageScore: r.PercentageScore.StringFixed(2),
			Best:            r.Best,
			CompleteTime:    r.CompleteTime.UTC().Format(time.RFC3339),
		})
	}

	return entries
}
