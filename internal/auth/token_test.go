package auth

import (
	"errors"
	"strings"
	"testing"
	"time"
)

var testSecret = []byte("test-secret")

func TestIssueAndParse(t *testing.T) {
	claims := Claims{
		Sub:  "u1",
		Name: "Asha",
		Role: "manager",
		Exp:  time.Now().Add(time.Hour).Unix(),
	}
	token, err := IssueToken(testSecret, claims)
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	parsed, err := ParseToken(testSecret, token)
	if err != nil {
		t.Fatalf("ParseToken failed: %v", err)
	}
	if parsed.Sub != "u1" || parsed.Role != "manager" || parsed.Name != "Asha" {
		t.Fatalf("parsed claims = %+v", parsed)
	}
}

func TestParseRejectsTampering(t *testing.T) {
	claims := Claims{Sub: "u1", Role: "staff", Exp: time.Now().Add(time.Hour).Unix()}
	token, err := IssueToken(testSecret, claims)
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name  string
		token string
	}{
		{name: "wrong secret signature", token: mustIssue(t, []byte("other-secret"), claims)},
		{name: "truncated", token: token[:len(token)-5]},
		{name: "no separator", token: strings.ReplaceAll(token, ".", "")},
		{name: "empty", token: ""},
		{name: "garbage payload", token: "bm90anNvbg." + strings.Split(token, ".")[1]},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseToken(testSecret, tc.token); !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("expected ErrInvalidToken, got %v", err)
			}
		})
	}
}

func TestParseRejectsExpired(t *testing.T) {
	token, err := IssueToken(testSecret, Claims{Sub: "u1", Exp: time.Now().Add(-time.Minute).Unix()})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ParseToken(testSecret, token); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestParseRequiresSubject(t *testing.T) {
	token, err := IssueToken(testSecret, Claims{Exp: time.Now().Add(time.Hour).Unix()})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ParseToken(testSecret, token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for missing sub, got %v", err)
	}
}

func mustIssue(t *testing.T, secret []byte, claims Claims) string {
	t.Helper()
	token, err := IssueToken(secret, claims)
	if err != nil {
		t.Fatal(err)
	}
	return token
}
