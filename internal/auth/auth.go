// Package auth resolves the identity of the caller from an HS256 bearer token.
package auth

import (
	"context"
	stderrors "errors"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	grpcauth "github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/auth"

	"github.com/victornm/quizsync/internal/errors"
)

const defaultTTL = 24 * time.Hour

type ctxKey struct{}

// Identity is the authenticated caller: a stable user ID and a human display name.
type Identity struct {
	UserID      string
	DisplayName string
}

type Claims struct {
	UID  string `json:"uid"`
	Name string `json:"name"`
	jwt.RegisteredClaims
}

type Config struct {
	Secret string
	TTL    time.Duration
}

type Authenticator struct {
	secret []byte
	ttl    time.Duration
}

func New(c Config) *Authenticator {
	a := &Authenticator{
		secret: []byte(c.Secret),
		ttl:    c.TTL,
	}

	if a.ttl <= 0 {
		a.ttl = defaultTTL
	}

	return a
}

// SignToken issues a token for the user.
func (a *Authenticator) SignToken(uid, name string) (string, error) {
	now := time.Now()
	claims := Claims{
		UID:  uid,
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uid,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Parse validates the token and returns the identity it carries.
func (a *Authenticator) Parse(token string) (Identity, error) {
	t, err := jwt.ParseWithClaims(token, &Claims{}, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Identity{}, unauthenticated(err)
	}

	c, ok := t.Claims.(*Claims)
	if !ok || !t.Valid || c.UID == "" {
		return Identity{}, unauthenticated(stderrors.New("invalid claims"))
	}

	return Identity{UserID: c.UID, DisplayName: c.Name}, nil
}

func unauthenticated(err error) error {
	return errors.New(errors.CodeUnauthenticated,
		errors.WithMessagef("invalid token"),
		errors.WithCause(err),
	)
}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}

// Require returns the caller's identity or a CodeUnauthenticated error.
func Require(ctx context.Context) (Identity, error) {
	id, ok := FromContext(ctx)
	if !ok {
		return Identity{}, errors.New(errors.CodeUnauthenticated, errors.WithMessagef("missing identity"))
	}

	return id, nil
}

// GinMiddleware rejects requests without a valid bearer token. The token may also be passed in the
// access_token query parameter, for websocket clients that cannot set headers.
func (a *Authenticator) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearer(c.GetHeader("Authorization"))
		if !ok {
			token = c.Query("access_token")
		}

		if token == "" {
			abort(c, errors.New(errors.CodeUnauthenticated, errors.WithMessagef("missing bearer token")))
			return
		}

		id, err := a.Parse(token)
		if err != nil {
			abort(c, err)
			return
		}

		c.Request = c.Request.WithContext(WithIdentity(c.Request.Context(), id))
		c.Next()
	}
}

func abort(c *gin.Context, err error) {
	e := errors.Convert(err)
	c.AbortWithStatusJSON(e.HTTPStatusCode(), gin.H{"error": e})
}

func bearer(h string) (string, bool) {
	const prefix = "bearer "
	if len(h) < len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}

	return strings.TrimSpace(h[len(prefix):]), true
}

// GRPCAuthFunc authenticates gRPC calls from the "authorization: bearer <token>" metadata.
func (a *Authenticator) GRPCAuthFunc() grpcauth.AuthFunc {
	return func(ctx context.Context) (context.Context, error) {
		token, err := grpcauth.AuthFromMD(ctx, "bearer")
		if err != nil {
			return nil, err
		}

		id, err := a.Parse(token)
		if err != nil {
			return nil, err
		}

		return WithIdentity(ctx, id), nil
	}
}
