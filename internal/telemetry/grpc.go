package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	grpcauth "github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/auth"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/logging"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/recovery"
	"google.golang.org/grpc"

	"github.com/victornm/quizsync/internal/errors"
)

// GRPCServerInterceptor logs every call, turns panics into Internal errors and, when authFunc is set,
// rejects unauthenticated calls.
func GRPCServerInterceptor(authFunc grpcauth.AuthFunc) grpc.ServerOption {
	opts := []logging.Option{
		logging.WithLogOnEvents(logging.StartCall, logging.FinishCall),
	}

	interceptors := []grpc.UnaryServerInterceptor{
		logging.UnaryServerInterceptor(grpcServerLogger(slog.Default()), opts...),
		recovery.UnaryServerInterceptor(recovery.WithRecoveryHandlerContext(recoverPanic)),
	}

	if authFunc != nil {
		interceptors = append(interceptors, grpcauth.UnaryServerInterceptor(authFunc))
	}

	return grpc.ChainUnaryInterceptor(interceptors...)
}

func recoverPanic(ctx context.Context, p any) error {
	err := fmt.Errorf("%v, stack: %s", p, debug.Stack())
	slog.ErrorContext(ctx, "grpc: handler panic", "error", err)
	return errors.Internal(err)
}

func grpcServerLogger(l *slog.Logger) logging.Logger {
	return logging.LoggerFunc(func(ctx context.Context, lvl logging.Level, msg string, fields ...any) {
		l.Log(ctx, slog.Level(lvl), msg, fields...)
	})
}
