package utils

import (
	"testing"
	"time"
)

func TestManagerRoundTrip(t *testing.T) {
	m, err := NewManager("secret")
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	token, err := m.NewJWT("U1", "business", time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	userID, err := m.Parse(token)
	if err != nil || userID != "U1" {
		t.Fatalf("parse: %q %v", userID, err)
	}

	other, _ := NewManager("other")
	if _, err := other.Parse(token); err == nil {
		t.Fatal("token accepted with the wrong key")
	}
}

func TestManagerRejectsExpired(t *testing.T) {
	m, _ := NewManager("secret")
	m.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	token, err := m.NewJWT("U1", "business", time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := m.Parse(token); err == nil {
		t.Fatal("expired token accepted")
	}
}

func TestNewManagerRequiresKey(t *testing.T) {
	if _, err := NewManager(""); err == nil {
		t.Fatal("expected error for empty key")
	}
}
