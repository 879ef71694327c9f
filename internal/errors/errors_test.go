package errors_test

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/victornm/quizsync/internal/errors"
)

func TestError_Mapping(t *testing.T) {
	tests := map[string]struct {
		code     errors.Code
		wantGRPC codes.Code
		wantHTTP int
	}{
		"not found":         {code: errors.CodeNotFound, wantGRPC: codes.NotFound, wantHTTP: http.StatusNotFound},
		"forbidden":         {code: errors.CodeForbidden, wantGRPC: codes.PermissionDenied, wantHTTP: http.StatusForbidden},
		"invalid state":     {code: errors.CodeInvalidState, wantGRPC: codes.FailedPrecondition, wantHTTP: http.StatusConflict},
		"already started":   {code: errors.CodeAlreadyStarted, wantGRPC: codes.FailedPrecondition, wantHTTP: http.StatusConflict},
		"store unavailable": {code: errors.CodeStoreUnavailable, wantGRPC: codes.Unavailable, wantHTTP: http.StatusServiceUnavailable},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			e := errors.New(tt.code)
			assert.Equal(t, tt.wantGRPC, status.Code(e))
			assert.Equal(t, tt.wantHTTP, e.HTTPStatusCode())
		})
	}
}

func TestHasCode(t *testing.T) {
	cause := stderrors.New("boom")
	err := fmt.Errorf("join: %w", errors.New(errors.CodeAlreadyStarted, errors.WithCause(cause)))

	assert.True(t, errors.HasCode(err, errors.CodeAlreadyStarted))
	assert.False(t, errors.HasCode(err, errors.CodeNotFound))
	assert.True(t, stderrors.Is(err, cause))
	assert.True(t, stderrors.Is(err, errors.New(errors.CodeAlreadyStarted)))
	assert.Equal(t, errors.CodeInternal, errors.Convert(cause).Code)
}
