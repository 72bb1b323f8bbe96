package web

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"
)

const (
	// SessionCookieName is the cookie carrying the session id.
	SessionCookieName = "loom_session"

	// SessionIDLength is the number of random bytes in a session id.
	SessionIDLength = 16

	// SessionExpiry is the cookie lifetime.
	SessionExpiry = 24 * time.Hour
)

type contextKey string

const sessionIDKey contextKey = "session-id"

// GenerateSessionID returns a random hex session id.
func GenerateSessionID() (string, error) {
	b := make([]byte, SessionIDLength)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate session id: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// ValidateSessionID reports whether id has the shape GenerateSessionID
// produces.
func ValidateSessionID(id string) bool {
	if len(id) != SessionIDLength*2 {
		return false
	}
	_, err := hex.DecodeString(id)
	return err == nil
}

// GetSessionID returns the session id stored by SessionMiddleware, or "".
func GetSessionID(ctx context.Context) string {
	id, _ := ctx.Value(sessionIDKey).(string)
	return id
}

func setSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

// SessionMiddleware makes sure every request carries a session id. A
// missing or malformed cookie is replaced with a fresh id.
func SessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie(SessionCookieName); err == nil && ValidateSessionID(c.Value) {
			next.ServeHTTP(w, r.WithContext(setSessionID(r.Context(), c.Value)))
			return
		}

		id, err := GenerateSessionID()
		if err != nil {
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		http.SetCookie(w, &http.Cookie{
			Name:     SessionCookieName,
			Value:    id,
			Path:     "/",
			MaxAge:   int(SessionExpiry.Seconds()),
			HttpOnly: true,
			SameSite: http.SameSiteStrictMode,
		})
		next.ServeHTTP(w, r.WithContext(setSessionID(r.Context(), id)))
	})
}
