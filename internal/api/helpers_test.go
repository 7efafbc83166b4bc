package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
)

func TestParseOptionalQueryPositiveInt_DefaultAndValidValues(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()

	value, ok := parseOptionalQueryPositiveInt(rec, req, "limit", "limit", 25)
	if !ok {
		t.Fatal("expected default value parse to succeed")
	}
	if value != 25 {
		t.Fatalf("expected default value 25, got %d", value)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 when no query value is present, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/?limit=17", nil)
	rec = httptest.NewRecorder()
	value, ok = parseOptionalQueryPositiveInt(rec, req, "limit", "limit", 25)
	if !ok {
		t.Fatal("expected explicit positive query value to parse")
	}
	if value != 17 {
		t.Fatalf("expected parsed value 17, got %d", value)
	}

	maxInt := int(^uint(0) >> 1)
	req = httptest.NewRequest(http.MethodGet, "/?limit="+strconv.Itoa(maxInt), nil)
	rec = httptest.NewRecorder()
	value, ok = parseOptionalQueryPositiveInt(rec, req, "limit", "limit", 25)
	if !ok {
		t.Fatal("expected max int query value to parse")
	}
	if value != maxInt {
		t.Fatalf("expected parsed value %d, got %d", maxInt, value)
	}
}

func TestParseOptionalQueryPositiveInt_InvalidValues(t *testing.T) {
	tests := []string{
		"abc",
		"0",
		"-1",
		"9223372036854775808",
	}

	for _, raw := range tests {
		t.Run(raw, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/?limit="+raw, nil)
			rec := httptest.NewRecorder()
			if _, ok := parseOptionalQueryPositiveInt(rec, req, "limit", "limit", 25); ok {
				t.Fatalf("expected parse failure for %q", raw)
			}
			assertJSONError(t, rec, http.StatusBadRequest, codeInvalidArgument, "invalid limit query parameter")
		})
	}
}

func TestDecodeJSONErrors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantError  string
	}{
		{name: "empty", body: "", wantStatus: http.StatusBadRequest, wantError: "request body is required"},
		{name: "unknown field", body: `{"url":"demo","private":true}`, wantStatus: http.StatusBadRequest},
		{name: "syntax", body: `{"url":`, wantStatus: http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tc.body))
			rec := httptest.NewRecorder()
			var dst createRepoRequest
			if decodeJSON(rec, req, &dst) {
				t.Fatal("expected decode failure")
			}
			if rec.Code != tc.wantStatus {
				t.Fatalf("expected status %d, got %d", tc.wantStatus, rec.Code)
			}
			if tc.wantError != "" {
				assertJSONError(t, rec, tc.wantStatus, codeInvalidArgument, tc.wantError)
			}
		})
	}
}

func TestDecodeJSONBodyTooLarge(t *testing.T) {
	body := `{"name":"` + strings.Repeat("x", 64) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	rec := httptest.NewRecorder()
	req.Body = http.MaxBytesReader(rec, req.Body, 16)
	var dst createRepoRequest
	if decodeJSON(rec, req, &dst) {
		t.Fatal("expected decode failure")
	}
	assertJSONError(t, rec, http.StatusRequestEntityTooLarge, codeInvalidArgument, "request body too large")
}

// assertJSONError checks the error envelope. An empty wantMessage only
// checks the code.
func assertJSONError(t *testing.T, rec *httptest.ResponseRecorder, wantStatus int, wantCode, wantMessage string) {
	t.Helper()
	if rec.Code != wantStatus {
		t.Fatalf("expected status %d, got %d: %s", wantStatus, rec.Code, rec.Body.String())
	}
	var body errorEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode error body: %v", err)
	}
	if body.Error.Code != wantCode {
		t.Fatalf("expected error code %q, got %q", wantCode, body.Error.Code)
	}
	if wantMessage != "" && body.Error.Message != wantMessage {
		t.Fatalf("expected error message %q, got %q", wantMessage, body.Error.Message)
	}
}
