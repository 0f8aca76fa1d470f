package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestExtractBearerToken(t *testing.T) {
	cases := []struct {
		header string
		want   string
	}{
		{"", ""},
		{"Bearer abc123", "abc123"},
		{"Bearer  abc123 ", "abc123"},
		{"bearer abc123", ""}, // case-sensitive per RFC 6750
		{"Basic abc123", ""},
		{"Bearer", ""},
	}
	for _, tc := range cases {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if tc.header != "" {
			r.Header.Set("Authorization", tc.header)
		}
		if got := extractBearerToken(r); got != tc.want {
			t.Errorf("header %q: expected %q, got %q", tc.header, tc.want, got)
		}
	}
}

func TestConstantTimeEqual(t *testing.T) {
	if !constantTimeEqual("secret", "secret") {
		t.Error("Expected equal strings to match")
	}
	if constantTimeEqual("secret", "secret2") {
		t.Error("Expected different lengths not to match")
	}
	if constantTimeEqual("secret", "secreT") {
		t.Error("Expected different strings not to match")
	}
	if constantTimeEqual("", "secret") {
		t.Error("Expected empty token not to match")
	}
}
