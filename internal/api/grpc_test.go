package api_test

import (
	"context"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/victornm/quizsync/internal/api"
	"github.com/victornm/quizsync/internal/auth"
	"github.com/victornm/quizsync/internal/telemetry"
)

func TestAPI_GRPC(t *testing.T) {
	a := auth.New(auth.Config{Secret: secret})
	h := makeHarness(t, telemetry.GRPCServerInterceptor(a.GRPCAuthFunc()))
	conn := dialBufconn(t, h.grpc)

	invoke := func(user, method string, req map[string]any) (map[string]any, error) {
		ctx := context.Background()
		if user != "" {
			ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "bearer "+h.token(t, user))
		}

		in, err := structpb.NewStruct(req)
		require.NoError(t, err)

		out := new(structpb.Struct)
		if err := conn.Invoke(ctx, fmt.Sprintf("/%s/%s", api.SessionServiceName, method), in, out); err != nil {
			return nil, err
		}
		return out.AsMap(), nil
	}

	ss, err := invoke("host", "CreateSession", map[string]any{"quiz_id": "q1", "round_time_seconds": 15})
	require.NoError(t, err)
	assert.Equal(t, "host", ss["host_id"])
	assert.Equal(t, float64(15), ss["round_time_seconds"])

	_, err = invoke("a", "JoinSession", map[string]any{"join_code": ss["join_code"], "display_name": "Alice"})
	require.NoError(t, err)

	st, err := invoke("a", "GetState", map[string]any{"session_id": ss["session_id"]})
	require.NoError(t, err)
	require.Len(t, st["players"], 2)
	assert.Equal(t, "Alice", st["players"].([]any)[1].(map[string]any)["display_name"])

	tests := map[string]struct {
		user     string
		method   string
		req      map[string]any
		wantCode codes.Code
	}{
		"missing token": {
			method:   "GetState",
			req:      map[string]any{"session_id": ss["session_id"]},
			wantCode: codes.Unauthenticated,
		},
		"unknown session": {
			user:     "a",
			method:   "GetState",
			req:      map[string]any{"session_id": "missing"},
			wantCode: codes.NotFound,
		},
		"start by a player who is not the host": {
			user:     "a",
			method:   "StartCountdown",
			req:      map[string]any{"session_id": ss["session_id"]},
			wantCode: codes.PermissionDenied,
		},
		"answer before the session started": {
			user:     "a",
			method:   "SubmitAnswer",
			req:      map[string]any{"session_id": ss["session_id"], "answer_text": "Paris"},
			wantCode: codes.FailedPrecondition,
		},
		"request field of the wrong type": {
			user:     "a",
			method:   "CompleteQuiz",
			req:      map[string]any{"session_id": ss["session_id"], "score": map[string]any{"x": 1}},
			wantCode: codes.InvalidArgument,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := invoke(tt.user, tt.method, tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, status.Code(err), err.Error())
		})
	}
}

func dialBufconn(t *testing.T, srv *grpc.Server) *grpc.ClientConn {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return conn
}
