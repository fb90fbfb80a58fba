package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/goevery/intercept/internal/ierr"
	"github.com/golang-jwt/jwt/v5"
)

const (
	ScopeControl = "control"
	ScopePublish = "publish"
)

type Claims struct {
	jwt.RegisteredClaims
	AuthorizedSources []string `json:"sources,omitempty"`
	Scope             []string `json:"scope,omitempty"`
}

type Authentication struct {
	Subject           string
	AuthorizedSources []string
	Scope             []string
	IsAdmin           bool
}

func (a *Authentication) IsController() bool {
	return a.IsAdmin || slices.Contains(a.Scope, ScopeControl)
}

func (a *Authentication) IsPublisher() bool {
	return a.IsAdmin || slices.Contains(a.Scope, ScopePublish)
}

func (a *Authentication) IsAuthorized(source string) bool {
	if a.Subject == "" {
		return false
	}

	if a.IsAdmin {
		return true
	}

	return slices.Contains(a.AuthorizedSources, source)
}

type contextKey string

const authenticationKey contextKey = "authentication"

func WithAuthentication(ctx context.Context, auth *Authentication) context.Context {
	return context.WithValue(ctx, authenticationKey, auth)
}

func AuthenticationFromContext(ctx context.Context) (*Authentication, bool) {
	auth, ok := ctx.Value(authenticationKey).(*Authentication)
	return auth, ok && auth != nil
}

type Authenticator struct {
	secret    []byte
	apiKeys   []string
	jwtParser *jwt.Parser
}

func NewAuthenticator(secret string, apiKeys []string) *Authenticator {
	jwtParser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(30*time.Second),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithAudience("intercept"),
	)

	return &Authenticator{
		secret:    []byte(secret),
		apiKeys:   slices.DeleteFunc(slices.Clone(apiKeys), func(k string) bool { return k == "" }),
		jwtParser: jwtParser,
	}
}

// Enabled reports whether any credential is configured. Without one the
// control surface is open, as on a single-user receiver.
func (a *Authenticator) Enabled() bool {
	return len(a.secret) > 0 || len(a.apiKeys) > 0
}

// AuthenticateBearer checks an Authorization header value. When
// authentication is disabled every caller is treated as an administrator.
func (a *Authenticator) AuthenticateBearer(header string) (*Authentication, error) {
	if !a.Enabled() {
		return &Authentication{Subject: "anonymous", IsAdmin: true}, nil
	}

	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return nil, ierr.New(ierr.ErrorCodeUnauthenticated, errors.New("missing bearer token"))
	}

	if auth, err := a.AuthenticateAPIKey(token); err == nil {
		return auth, nil
	}

	if strings.Count(token, ".") != 2 {
		return nil, ierr.New(ierr.ErrorCodeUnauthenticated, errors.New("invalid api key"))
	}

	return a.AuthenticateJWT(token)
}

func (a *Authenticator) keyFunc(token *jwt.Token) (any, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, ierr.New(ierr.ErrorCodeUnauthenticated, errors.New("unexpected signing method"))
	}
	return a.secret, nil
}

func (a *Authenticator) AuthenticateJWT(tokenString string) (*Authentication, error) {
	if len(a.secret) == 0 {
		return nil, ierr.New(ierr.ErrorCodeUnauthenticated, errors.New("jwt authentication is not configured"))
	}

	claims := Claims{}

	_, err := a.jwtParser.ParseWithClaims(tokenString, &claims, a.keyFunc)
	if err != nil {
		return nil, ierr.New(ierr.ErrorCodeUnauthenticated, err)
	}

	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return nil, ierr.New(ierr.ErrorCodeInvalidArgument, errors.New("invalid subject claim"))
	}

	if len(claims.AuthorizedSources) == 0 {
		return nil, ierr.New(ierr.ErrorCodeInvalidArgument, errors.New("authorized sources cannot be empty"))
	}

	return &Authentication{
		Subject:           subject,
		AuthorizedSources: claims.AuthorizedSources,
		Scope:             claims.Scope,
		IsAdmin:           false,
	}, nil
}

func (a *Authenticator) AuthenticateAPIKey(apiKey string) (*Authentication, error) {
	for _, key := range a.apiKeys {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
			return &Authentication{
				Subject: "api",
				Scope:   []string{ScopeControl, ScopePublish},
				IsAdmin: true,
			}, nil
		}
	}

	return nil, ierr.New(ierr.ErrorCodeUnauthenticated, errors.New("invalid api key"))
}
