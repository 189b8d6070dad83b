package jwt

import (
	"testing"
	"time"
)

func TestGenerateAndParse(t *testing.T) {
	token, err := GenerateToken("user-1", "alice", "secret", time.Hour)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	claims, err := Parse(token, "secret")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.UserID != "user-1" || claims.Username != "alice" {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if claims.Issuer != Issuer {
		t.Fatalf("expected issuer %s, got %s", Issuer, claims.Issuer)
	}
}

func TestParseRejectsBadTokens(t *testing.T) {
	token, err := GenerateToken("user-1", "alice", "secret", time.Hour)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := Parse(token, "other"); err == nil {
		t.Fatalf("expected wrong secret to fail")
	}
	expired, err := GenerateToken("user-1", "alice", "secret", -time.Minute)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := Parse(expired, "secret"); err == nil {
		t.Fatalf("expected expired token to fail")
	}
	if _, err := GenerateToken("user-1", "alice", "", time.Hour); err == nil {
		t.Fatalf("expected empty secret to be rejected")
	}
}
