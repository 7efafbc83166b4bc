package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

const testSecret = "test-secret-1234567890"

func TestValidateTokenRejectsForgeries(t *testing.T) {
	svc := NewService(testSecret, time.Hour)
	foreign, err := NewService("different-secret-123", time.Hour).GenerateToken(1, "alice")
	if err != nil {
		t.Fatal(err)
	}
	valid, err := svc.GenerateToken(2, "bob")
	if err != nil {
		t.Fatal(err)
	}
	// Swap the first signature character; its six bits are all significant.
	sig := strings.LastIndexByte(valid, '.') + 1
	swap := byte('A')
	if valid[sig] == swap {
		swap = 'B'
	}
	tampered := valid[:sig] + string(swap) + valid[sig+1:]

	for name, token := range map[string]string{
		"malformed": "not-a-jwt",
		"foreign":   foreign,
		"tampered":  tampered,
	} {
		if _, err := svc.ValidateToken(token); err != ErrInvalidToken {
			t.Fatalf("%s: ValidateToken() error = %v, want %v", name, err, ErrInvalidToken)
		}
	}
}

func TestMiddleware(t *testing.T) {
	svc := NewService(testSecret, time.Hour)
	token, err := svc.GenerateToken(55, "carol")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name         string
		svc          *Service
		header       string
		wantStatus   int
		wantIdentity string
	}{
		{name: "anonymous", svc: svc, wantStatus: http.StatusNoContent},
		{name: "basic header is left to the protocol layer", svc: svc, header: "Basic abc123", wantStatus: http.StatusNoContent},
		{name: "bad bearer", svc: svc, header: "Bearer bad-token", wantStatus: http.StatusUnauthorized},
		{name: "valid bearer", svc: svc, header: "Bearer " + token, wantStatus: http.StatusNoContent, wantIdentity: "carol"},
		{name: "tokens disabled ignores bearer", svc: NewService("", time.Hour), header: "Bearer bad-token", wantStatus: http.StatusNoContent},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var identity string
			handler := Middleware(tc.svc)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				identity = Identity(r.Context())
				if claims := GetClaims(r.Context()); claims != nil && claims.UserID != 55 {
					t.Errorf("claims = %+v, want user 55", claims)
				}
				w.WriteHeader(http.StatusNoContent)
			}))
			req := httptest.NewRequest(http.MethodGet, "/api/repo", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
			if identity != tc.wantIdentity {
				t.Fatalf("identity = %q, want %q", identity, tc.wantIdentity)
			}
			if rec.Code == http.StatusUnauthorized && !strings.Contains(rec.Body.String(), `"code":"unauthorized"`) {
				t.Fatalf("body = %q, want unauthorized envelope", rec.Body.String())
			}
		})
	}
}

func TestRequireAuth(t *testing.T) {
	authed := context.WithValue(context.Background(), claimsKey, &Claims{UserID: 77, Username: "dana"})
	tests := []struct {
		name       string
		svc        *Service
		ctx        context.Context
		wantStatus int
	}{
		{name: "unauthenticated", svc: NewService(testSecret, time.Hour), ctx: context.Background(), wantStatus: http.StatusUnauthorized},
		{name: "authenticated", svc: NewService(testSecret, time.Hour), ctx: authed, wantStatus: http.StatusNoContent},
		{name: "open without secret", svc: NewService("", time.Hour), ctx: context.Background(), wantStatus: http.StatusNoContent},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			handler := RequireAuth(tc.svc)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNoContent)
			}))
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/repo", nil).WithContext(tc.ctx))
			if rec.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
			if tc.wantStatus == http.StatusUnauthorized && !strings.Contains(rec.Body.String(), "authentication required") {
				t.Fatalf("body = %q, want authentication required", rec.Body.String())
			}
		})
	}
}

func TestProtocolAuthorizer(t *testing.T) {
	hash, err := NewService(testSecret, time.Hour).HashPassword("s3cret")
	if err != nil {
		t.Fatal(err)
	}
	svc := NewService(testSecret, time.Hour, Account{Username: "ci", PasswordHash: hash})
	token, err := svc.GenerateToken(9, "erin")
	if err != nil {
		t.Fatal(err)
	}
	authorize := ProtocolAuthorizer(svc)

	tests := []struct {
		name       string
		write      bool
		user, pass string
		want       int
	}{
		{name: "anonymous fetch", want: http.StatusOK},
		{name: "anonymous push", write: true, want: http.StatusUnauthorized},
		{name: "account push", write: true, user: "ci", pass: "s3cret", want: http.StatusOK},
		{name: "account wrong password", write: true, user: "ci", pass: "nope", want: http.StatusUnauthorized},
		{name: "token as password", write: true, user: "x-token", pass: token, want: http.StatusOK},
		{name: "garbage password", write: true, user: "x-token", pass: "garbage", want: http.StatusUnauthorized},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/repo.git/git-receive-pack", nil)
			if tc.user != "" {
				req.SetBasicAuth(tc.user, tc.pass)
			}
			status, err := authorize(req, "repo", tc.write)
			if status != tc.want {
				t.Fatalf("status = %d (%v), want %d", status, err, tc.want)
			}
			if (err == nil) != (tc.want == http.StatusOK) {
				t.Fatalf("err = %v for status %d", err, status)
			}
		})
	}

	open := ProtocolAuthorizer(NewService("", time.Hour))
	if status, err := open(httptest.NewRequest(http.MethodPost, "/", nil), "repo", true); err != nil || status != http.StatusOK {
		t.Fatalf("open server push = %d, %v", status, err)
	}
}
