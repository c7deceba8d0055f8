package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

type contextKey string

const agentKey contextKey = "agent"

// TokenTTL is the lifetime of an agent token.
const TokenTTL = 12 * time.Hour

// AgentClaims holds the JWT claims issued at PIN login.
type AgentClaims struct {
	Agent string `json:"agent"`
	jwt.RegisteredClaims
}

// GenerateToken creates a signed HS256 token for the agent.
func GenerateToken(secret []byte, agent string, now time.Time) (string, time.Time, error) {
	expiresAt := now.Add(TokenTTL)

	claims := AgentClaims{
		Agent: agent,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			Issuer:    "agentphone",
			Subject:   agent,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// RequireAuth validates the bearer token and stores the agent in the
// request context. Browsers cannot set headers on a WebSocket handshake, so
// the token is also accepted in the access_token query parameter.
func RequireAuth(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, ok := bearerToken(r)
			if !ok {
				writeError(w, http.StatusUnauthorized, "authentication required")
				return
			}

			claims := &AgentClaims{}
			token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return secret, nil
			})
			if err != nil || !token.Valid {
				slog.Debug("api auth: invalid jwt", "error", err)
				writeError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}
			if claims.Agent == "" {
				writeError(w, http.StatusUnauthorized, "invalid token claims")
				return
			}

			ctx := context.WithValue(r.Context(), agentKey, claims.Agent)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
			return "", false
		}
		return parts[1], true
	}
	if tok := r.URL.Query().Get("access_token"); tok != "" {
		return tok, true
	}
	return "", false
}

// AgentFromContext returns the authenticated agent, or "" if not set.
func AgentFromContext(ctx context.Context) string {
	agent, _ := ctx.Value(agentKey).(string)
	return agent
}
