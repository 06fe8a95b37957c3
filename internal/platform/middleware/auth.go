package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	id "cartkeep/pkg/domain"
	dErrors "cartkeep/pkg/domain-errors"
	"cartkeep/pkg/platform/httputil"
)

// AccountValidator validates an account credential and returns the account
// it identifies.
type AccountValidator interface {
	ValidateAccountToken(tokenString string) (id.UserID, error)
}

// DeniedHook observes rejected credentials.
type DeniedHook func(ctx context.Context, reason string)

type contextKeyAccount struct{}

type account struct {
	userID     id.UserID
	credential string
}

// GetAccount returns the authenticated account and its raw credential.
func GetAccount(ctx context.Context) (id.UserID, string, bool) {
	acct, ok := ctx.Value(contextKeyAccount{}).(account)
	if !ok {
		return id.UserID{}, "", false
	}
	return acct.userID, acct.credential, true
}

// WithAccount stores an authenticated account in the context.
func WithAccount(ctx context.Context, userID id.UserID, credential string) context.Context {
	return context.WithValue(ctx, contextKeyAccount{}, account{userID: userID, credential: credential})
}

// OptionalAuth authenticates a Bearer credential when one is present and
// passes anonymous requests through untouched. A malformed Authorization
// header or a credential that fails validation is answered with 401.
func OptionalAuth(validator AccountValidator, logger *slog.Logger, onDenied DeniedHook) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()
			token, ok := strings.CutPrefix(authHeader, "Bearer ")
			if !ok || strings.TrimSpace(token) == "" {
				deny(w, r, logger, onDenied, "malformed authorization header")
				return
			}

			userID, err := validator.ValidateAccountToken(token)
			if err != nil {
				reason := "invalid token"
				if de, ok := dErrors.As(err); ok {
					reason = de.Message
				}
				deny(w, r, logger, onDenied, reason)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithAccount(ctx, userID, token)))
		})
	}
}

func deny(w http.ResponseWriter, r *http.Request, logger *slog.Logger, onDenied DeniedHook, reason string) {
	ctx := r.Context()
	logger.WarnContext(ctx, "unauthorized access",
		"reason", reason,
		"request_id", GetRequestID(ctx),
	)
	if onDenied != nil {
		onDenied(ctx, reason)
	}
	httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "Invalid or expired token"))
}
