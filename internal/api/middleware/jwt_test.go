package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func protected(t *testing.T, secret []byte) (http.Handler, *string) {
	t.Helper()
	var seen string
	h := RequireAuth(secret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = AgentFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))
	return h, &seen
}

func TestRequireAuthAcceptsValidToken(t *testing.T) {
	token, exp, err := GenerateToken(testSecret, "alice", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if time.Until(exp) <= 0 {
		t.Fatal("token already expired")
	}

	h, seen := protected(t, testSecret)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/state", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if *seen != "alice" {
		t.Errorf("agent = %q, want alice", *seen)
	}
}

func TestRequireAuthQueryToken(t *testing.T) {
	token, _, err := GenerateToken(testSecret, "alice", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	h, seen := protected(t, testSecret)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/events?access_token="+token, nil))
	if rr.Code != http.StatusOK || *seen != "alice" {
		t.Fatalf("got %d agent %q", rr.Code, *seen)
	}
}

func TestRequireAuthRejects(t *testing.T) {
	expired, _, _ := GenerateToken(testSecret, "alice", time.Now().Add(-2*TokenTTL))
	foreign, _, _ := GenerateToken([]byte("another-secret-another-secret-xx"), "alice", time.Now())
	none := jwt.NewWithClaims(jwt.SigningMethodNone, AgentClaims{Agent: "alice"})
	unsigned, _ := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	noAgent, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, AgentClaims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString(testSecret)

	tests := []struct {
		name   string
		header string
	}{
		{"missing", ""},
		{"wrong scheme", "Basic abc"},
		{"empty bearer", "Bearer "},
		{"garbage", "Bearer not-a-jwt"},
		{"expired", "Bearer " + expired},
		{"wrong secret", "Bearer " + foreign},
		{"alg none", "Bearer " + unsigned},
		{"no agent claim", "Bearer " + noAgent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := protected(t, testSecret)
			req := httptest.NewRequest(http.MethodGet, "/api/v1/state", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			if rr.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rr.Code)
			}
		})
	}
}
