package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/termhive/termhive/internal/database"
)

func TestHashAndCheckPassword(t *testing.T) {
	hash, err := HashPassword("s3cret")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if hash == "s3cret" {
		t.Fatal("password stored in the clear")
	}
	if !CheckPassword("s3cret", hash) {
		t.Error("correct password rejected")
	}
	if CheckPassword("wrong", hash) {
		t.Error("wrong password accepted")
	}
}

func TestIssueAndVerifyToken(t *testing.T) {
	g := NewGateway("test-secret", time.Hour)
	user := &database.User{ID: 7, Username: "alice", Email: "alice@example.com"}

	token, err := g.IssueToken(user)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	claims, err := g.VerifyToken(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.UserID != 7 || claims.Username != "alice" || claims.Email != "alice@example.com" {
		t.Errorf("unexpected claims: %+v", claims)
	}
}

func TestVerifyTokenExpired(t *testing.T) {
	g := NewGateway("test-secret", -time.Minute)
	token, err := g.IssueToken(&database.User{ID: 1, Username: "alice"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := g.VerifyToken(token); err != ErrInvalidToken {
		t.Errorf("expected ErrInvalidToken for expired token, got %v", err)
	}
}

func TestVerifyTokenWrongSecret(t *testing.T) {
	issuer := NewGateway("secret-a", time.Hour)
	verifier := NewGateway("secret-b", time.Hour)

	token, err := issuer.IssueToken(&database.User{ID: 1, Username: "alice"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := verifier.VerifyToken(token); err != ErrInvalidToken {
		t.Errorf("expected ErrInvalidToken for wrong secret, got %v", err)
	}
}

func TestVerifyTokenGarbage(t *testing.T) {
	g := NewGateway("test-secret", time.Hour)
	for _, tok := range []string{"", "not-a-token", "a.b.c"} {
		if _, err := g.VerifyToken(tok); err != ErrInvalidToken {
			t.Errorf("token %q: expected ErrInvalidToken, got %v", tok, err)
		}
	}
}

func TestVerifyTokenRejectsMissingUsername(t *testing.T) {
	g := NewGateway("test-secret", time.Hour)

	// A structurally valid token with no identity is useless downstream.
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := g.VerifyToken(signed); err != ErrInvalidToken {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerifyTokenRejectsUnsignedAlg(t *testing.T) {
	g := NewGateway("test-secret", time.Hour)

	claims := Claims{Username: "alice"}
	token := jwt.NewWithClaims(jwt.SigningMethodNone, claims)
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := g.VerifyToken(signed); err != ErrInvalidToken {
		t.Errorf("expected ErrInvalidToken for alg=none, got %v", err)
	}
}
