package identity

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"mootlab/moot"
)

func signToken(t *testing.T, secret, sub, role string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  sub,
		"role": role,
		"exp":  time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestJWTResolver_ResolvesActor(t *testing.T) {
	r, err := NewJWTResolver("test-secret")
	if err != nil {
		t.Fatalf("NewJWTResolver: %v", err)
	}

	actor, err := r.Resolve(signToken(t, "test-secret", "user-1", "faculty"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if actor.UserID != "user-1" || actor.Role != moot.RoleFaculty {
		t.Fatalf("actor = %+v", actor)
	}
}

func TestJWTResolver_RejectsBadSignature(t *testing.T) {
	r, _ := NewJWTResolver("test-secret")
	if _, err := r.Resolve(signToken(t, "other-secret", "user-1", "faculty")); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
	if _, err := r.Resolve(""); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated for empty token, got %v", err)
	}
}

func TestJWTResolver_UnknownRoleDowngradesToObserver(t *testing.T) {
	r, _ := NewJWTResolver("test-secret")
	actor, err := r.Resolve(signToken(t, "test-secret", "user-1", "registrar"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if actor.Role != moot.RoleObserver {
		t.Fatalf("role = %s, want observer", actor.Role)
	}
}
