package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/onnwee/neuralrank/internal/auth"
)

const testSecret = "middleware-test-secret"

func authHandler(t *testing.T, svc *auth.JWTService, scope string, m *Metrics) http.Handler {
	t.Helper()
	mux := http.NewServeMux()
	mux.Handle("POST /v1/rankers/{name}/select", RequireAuth(svc, scope, PathRanker, m)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := GetClaims(r)
			if claims == nil {
				t.Error("expected claims in request context")
			} else if GetSubject(r.Context()) != claims.Subject {
				t.Errorf("expected subject %q, got %q", claims.Subject, GetSubject(r.Context()))
			}
			w.WriteHeader(http.StatusAccepted)
		})))
	return mux
}

func mustToken(t *testing.T, svc *auth.JWTService, subject, scope string, rankers ...string) string {
	t.Helper()
	token, err := svc.GenerateToken(subject, scope, rankers, time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}
	return token
}

func TestRequireAuth(t *testing.T) {
	svc := auth.NewJWTService(testSecret)

	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "editor-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
		Scope: auth.ScopeTrain,
	}).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("failed to sign expired token: %v", err)
	}

	tests := []struct {
		name       string
		scope      string
		header     string
		path       string
		wantStatus int
		wantCode   string
		wantReason string
	}{
		{
			name:       "train token on any ranker",
			scope:      auth.ScopeTrain,
			header:     "Bearer " + mustToken(t, svc, "editor-1", auth.ScopeTrain),
			path:       "/v1/rankers/files/select",
			wantStatus: http.StatusAccepted,
		},
		{
			name:       "admin token implies train",
			scope:      auth.ScopeTrain,
			header:     "Bearer " + mustToken(t, svc, "ops", auth.ScopeAdmin),
			path:       "/v1/rankers/files/select",
			wantStatus: http.StatusAccepted,
		},
		{
			name:       "missing header",
			scope:      auth.ScopeTrain,
			path:       "/v1/rankers/files/select",
			wantStatus: http.StatusUnauthorized,
			wantCode:   "auth_failed",
			wantReason: "missing",
		},
		{
			name:       "wrong scheme",
			scope:      auth.ScopeTrain,
			header:     "Basic dXNlcjpwYXNz",
			path:       "/v1/rankers/files/select",
			wantStatus: http.StatusUnauthorized,
			wantCode:   "auth_failed",
			wantReason: "missing",
		},
		{
			name:       "garbage token",
			scope:      auth.ScopeTrain,
			header:     "Bearer not.a.token",
			path:       "/v1/rankers/files/select",
			wantStatus: http.StatusUnauthorized,
			wantCode:   "auth_failed",
			wantReason: "invalid",
		},
		{
			name:       "expired token",
			scope:      auth.ScopeTrain,
			header:     "Bearer " + expired,
			path:       "/v1/rankers/files/select",
			wantStatus: http.StatusUnauthorized,
			wantCode:   "auth_failed",
			wantReason: "expired",
		},
		{
			name:       "train token on admin route",
			scope:      auth.ScopeAdmin,
			header:     "Bearer " + mustToken(t, svc, "editor-1", auth.ScopeTrain),
			path:       "/v1/rankers/files/select",
			wantStatus: http.StatusForbidden,
			wantCode:   "forbidden",
			wantReason: "forbidden",
		},
		{
			name:       "token restricted to another ranker",
			scope:      auth.ScopeTrain,
			header:     "Bearer " + mustToken(t, svc, "editor-1", auth.ScopeTrain, "buffers"),
			path:       "/v1/rankers/files/select",
			wantStatus: http.StatusForbidden,
			wantCode:   "forbidden",
			wantReason: "forbidden",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMetrics()
			handler := authHandler(t, svc, tt.scope, m)

			req := httptest.NewRequest(http.MethodPost, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d", tt.wantStatus, rr.Code)
			}
			if tt.wantCode == "" {
				return
			}

			var body struct {
				Error struct {
					Code    string `json:"code"`
					Message string `json:"message"`
				} `json:"error"`
			}
			if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
				t.Fatalf("failed to decode error body: %v", err)
			}
			if body.Error.Code != tt.wantCode {
				t.Errorf("expected code %q, got %q", tt.wantCode, body.Error.Code)
			}
			if body.Error.Message == "" {
				t.Error("expected error message")
			}
			if got := testutil.ToFloat64(m.authFailures.WithLabelValues(tt.wantReason)); got != 1 {
				t.Errorf("expected 1 %s failure counted, got %v", tt.wantReason, got)
			}
			if rr.Code == http.StatusUnauthorized && rr.Header().Get("WWW-Authenticate") == "" {
				t.Error("expected WWW-Authenticate header on 401")
			}
		})
	}
}

func TestRequireAuth_NilRankerFunc(t *testing.T) {
	svc := auth.NewJWTService(testSecret)
	handler := RequireAuth(svc, auth.ScopeAdmin, nil, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name       string
		rankers    []string
		wantStatus int
	}{
		{"unrestricted admin", nil, http.StatusOK},
		{"restricted admin cannot use global routes", []string{"files"}, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/rankers", nil)
			req.Header.Set("Authorization", "Bearer "+mustToken(t, svc, "ops", auth.ScopeAdmin, tt.rankers...))
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)
			if rr.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, rr.Code)
			}
		})
	}
}

func TestGetClaims_Unauthenticated(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/rankers", nil)
	if c := GetClaims(req); c != nil {
		t.Errorf("expected nil claims, got %+v", c)
	}
}
