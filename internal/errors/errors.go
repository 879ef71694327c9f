package errors

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Code classifies a failure of a coordination operation.
type Code int

const (
	CodeInternal Code = iota
	CodeInvalidArgument
	CodeNotFound
	CodeAlreadyExists
	CodeForbidden
	CodeInvalidState
	CodeAlreadyStarted
	CodeAlreadyAnswered
	CodeStoreUnavailable
	CodeUnauthenticated
)

var codeNames = map[Code]string{
	CodeInternal:         "Internal",
	CodeInvalidArgument:  "InvalidArgument",
	CodeNotFound:         "NotFound",
	CodeAlreadyExists:    "AlreadyExists",
	CodeForbidden:        "Forbidden",
	CodeInvalidState:     "InvalidState",
	CodeAlreadyStarted:   "AlreadyStarted",
	CodeAlreadyAnswered:  "AlreadyAnswered",
	CodeStoreUnavailable: "StoreUnavailable",
	CodeUnauthenticated:  "Unauthenticated",
}

var code2grpc = map[Code]codes.Code{
	CodeInternal:         codes.Internal,
	CodeInvalidArgument:  codes.InvalidArgument,
	CodeNotFound:         codes.NotFound,
	CodeAlreadyExists:    codes.AlreadyExists,
	CodeForbidden:        codes.PermissionDenied,
	CodeInvalidState:     codes.FailedPrecondition,
	CodeAlreadyStarted:   codes.FailedPrecondition,
	CodeAlreadyAnswered:  codes.AlreadyExists,
	CodeStoreUnavailable: codes.Unavailable,
	CodeUnauthenticated:  codes.Unauthenticated,
}

var code2http = map[Code]int{
	CodeInternal:         http.StatusInternalServerError,
	CodeInvalidArgument:  http.StatusBadRequest,
	CodeNotFound:         http.StatusNotFound,
	CodeAlreadyExists:    http.StatusConflict,
	CodeForbidden:        http.StatusForbidden,
	CodeInvalidState:     http.StatusConflict,
	CodeAlreadyStarted:   http.StatusConflict,
	CodeAlreadyAnswered:  http.StatusConflict,
	CodeStoreUnavailable: http.StatusServiceUnavailable,
	CodeUnauthenticated:  http.StatusUnauthorized,
}

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}

	return fmt.Sprintf("Code(%d)", int(c))
}

type Error struct {
	Code    Code   `json:"code"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
	err     error
}

func New(code Code, opts ...Option) *Error {
	e := &Error{
		Code:    code,
		Reason:  code.String(),
		Message: code.String(),
	}

	for _, opt := range opts {
		opt.apply(e)
	}

	return e
}

func (e *Error) Error() string {
	s := fmt.Sprintf("code: %s, message: %s", e.Code, e.Message)
	if e.err != nil {
		s += fmt.Sprintf(", err: %s", e.err)
	}

	return s
}

func (e *Error) Unwrap() error {
	return e.err
}

// Is reports whether target is an *Error with the same code, so errors.Is works against sentinel values.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}

	return t.Code == e.Code
}

func (e *Error) GRPCStatus() *status.Status {
	c, ok := code2grpc[e.Code]
	if !ok {
		c = codes.Internal
	}

	return status.New(c, e.Message)
}

func (e *Error) HTTPStatusCode() int {
	if c, ok := code2http[e.Code]; ok {
		return c
	}

	return http.StatusInternalServerError
}

func Convert(err error) *Error {
	var e *Error
	if !errors.As(err, &e) {
		return Internal(err)
	}

	return e
}

// HasCode reports whether err carries an *Error with the given code anywhere in its chain.
func HasCode(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

func Internal(err error) *Error {
	return New(CodeInternal, WithCause(err))
}

func NotFound(format string, args ...any) *Error {
	return New(CodeNotFound, WithMessagef(format, args...))
}

func InvalidArgument(format string, args ...any) *Error {
	return New(CodeInvalidArgument, WithMessagef(format, args...))
}

func InvalidState(format string, args ...any) *Error {
	return New(CodeInvalidState, WithMessagef(format, args...))
}

func Unavailable(err error) *Error {
	return New(CodeStoreUnavailable, WithCause(err))
}

type Option interface {
	apply(*Error)
}

type optionFunc func(*Error)

func (f optionFunc) apply(e *Error) {
	f(e)
}

func WithCause(err error) Option {
	return optionFunc(func(e *Error) {
		e.err = err
	})
}

func WithMessagef(format string, args ...any) Option {
	return optionFunc(func(e *Error) {
		e.Message = fmt.Sprintf(format, args...)
	})
}
