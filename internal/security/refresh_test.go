package security

import "testing"

func TestNewRefreshToken_UniqueAndOpaque(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		tok, err := NewRefreshToken()
		if err != nil {
			t.Fatalf("NewRefreshToken: %v", err)
		}
		// 32 random bytes base64url-encode to 43 characters.
		if len(tok) != 43 {
			t.Fatalf("token length = %d, want 43", len(tok))
		}
		if seen[tok] {
			t.Fatal("duplicate refresh token generated")
		}
		seen[tok] = true
	}
}

func TestHashToken_StableAndDistinct(t *testing.T) {
	a := HashToken("token-a")
	if a != HashToken("token-a") {
		t.Error("HashToken is not deterministic")
	}
	if a == HashToken("token-b") {
		t.Error("distinct tokens hash equal")
	}
	if len(a) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(a))
	}
}

func TestTokenHashEqual(t *testing.T) {
	tok, err := NewRefreshToken()
	if err != nil {
		t.Fatalf("NewRefreshToken: %v", err)
	}
	stored := HashToken(tok)
	if !TokenHashEqual(tok, stored) {
		t.Error("TokenHashEqual: matching token not equal")
	}
	if TokenHashEqual("other", stored) {
		t.Error("TokenHashEqual: mismatched token compared equal")
	}
}
