package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/sunledger/sunledger/pkg/log"
)

type contextKey string

const emailContextKey contextKey = "email"

// authMiddleware requires a bearer ID token whose email is in triggerEmails.
// Without a verifier every request is let through.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		ctx = log.With(ctx, log.Ctx(ctx).With(slog.String("reqPath", r.URL.Path)))

		if s.verifier == nil {
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeJSONError(w, "missing authorization header", http.StatusUnauthorized)
			return
		}
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			writeJSONError(w, "invalid authorization header", http.StatusUnauthorized)
			return
		}

		email, err := s.authenticateToken(ctx, parts[1])
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to validate id token", slog.Any("error", err))
			writeJSONError(w, "invalid id token", http.StatusUnauthorized)
			return
		}

		var allowed bool
		for _, e := range s.triggerEmails {
			if subtle.ConstantTimeCompare([]byte(email), []byte(e)) == 1 {
				allowed = true
				break
			}
		}
		if !allowed {
			log.Ctx(ctx).WarnContext(ctx, "unauthorized email for trigger", slog.String("email", email))
			writeJSONError(w, "forbidden", http.StatusForbidden)
			return
		}

		ctx = context.WithValue(ctx, emailContextKey, email)
		ctx = log.With(ctx, log.Ctx(ctx).With(slog.String("email", email)))
		log.Ctx(ctx).DebugContext(ctx, "trigger authorized")
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authenticateToken verifies token and returns its verified email claim.
func (s *Server) authenticateToken(ctx context.Context, token string) (string, error) {
	idToken, err := s.verifier(ctx, token)
	if err != nil {
		return "", err
	}
	var claims struct {
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return "", err
	}
	if claims.Email == "" {
		return "", errors.New("id token has no email claim")
	}
	if !claims.EmailVerified {
		return "", errors.New("id token email is not verified")
	}
	return claims.Email, nil
}
