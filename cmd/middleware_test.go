package main

import (
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	settlehttp "partnerpay/internal/settlement/http"
	"partnerpay/utils"
)

func newTestApp() *application {
	discard := log.New(io.Discard, "", 0)
	return &application{errorLog: discard, infoLog: discard, jwtSecret: []byte("secret")}
}

func mint(t *testing.T, key, userID, role string) string {
	t.Helper()
	m, err := utils.NewManager(key)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	token, err := m.NewJWT(userID, role, time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return token
}

func TestJWTMiddleware(t *testing.T) {
	app := newTestApp()
	var seen string
	h := app.JWTMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = settlehttp.UserIDFrom(r.Context())
	}), "business")

	tests := []struct {
		name   string
		header string
		status int
		user   string
	}{
		{"missing header", "", http.StatusUnauthorized, ""},
		{"not bearer", "Basic abc", http.StatusUnauthorized, ""},
		{"wrong key", "Bearer " + mint(t, "other", "U1", "business"), http.StatusUnauthorized, ""},
		{"wrong role", "Bearer " + mint(t, "secret", "U1", "client"), http.StatusForbidden, ""},
		{"business", "Bearer " + mint(t, "secret", "U1", "business"), http.StatusOK, "U1"},
		{"admin", "Bearer " + mint(t, "secret", "A1", "admin"), http.StatusOK, "A1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = ""
			req := httptest.NewRequest(http.MethodPost, "/api/v1/partner/fulfillments/action", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			if rr.Code != tt.status || seen != tt.user {
				t.Fatalf("status %d user %q", rr.Code, seen)
			}
		})
	}
}

func TestRecoverPanic(t *testing.T) {
	app := newTestApp()
	h := app.recoverPanic(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusInternalServerError || rr.Header().Get("Connection") != "close" {
		t.Fatalf("status %d", rr.Code)
	}
}
