package app

import (
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestBcryptHasher(t *testing.T) {
	h := NewBcryptHasher(bcrypt.MinCost)

	digest, err := h.Hash("123456")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if digest == "123456" {
		t.Fatalf("digest must not equal the secret")
	}
	if !h.Verify("123456", digest) {
		t.Fatalf("expected matching secret to verify")
	}
	if h.Verify("654321", digest) {
		t.Fatalf("expected wrong secret to fail")
	}
	if h.Verify("123456", "not-a-bcrypt-digest") {
		t.Fatalf("malformed digest must not verify")
	}
}

func TestNewBcryptHasherFallsBackToDefaultCost(t *testing.T) {
	if got := NewBcryptHasher(0).cost; got != bcrypt.DefaultCost {
		t.Fatalf("expected default cost, got %d", got)
	}
	if got := NewBcryptHasher(99).cost; got != bcrypt.DefaultCost {
		t.Fatalf("expected default cost for out-of-range value, got %d", got)
	}
}
