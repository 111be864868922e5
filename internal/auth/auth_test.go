package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fixly/dispatch/internal/model"
)

const testSecret = "test-signing-secret"

func mintToken(t *testing.T, secret string, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func validClaims(userID string, role model.UserRole) Claims {
	return Claims{
		Role:   string(role),
		Email:  "p@example.com",
		Active: true,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
}

func TestVerify_ValidToken(t *testing.T) {
	v := NewVerifier(testSecret)
	tok := mintToken(t, testSecret, validClaims("prov-1", model.RoleServiceProvider))

	id, err := v.Verify(tok)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.UserID != "prov-1" {
		t.Errorf("UserID = %q, want prov-1", id.UserID)
	}
	if id.Role != model.RoleServiceProvider {
		t.Errorf("Role = %q, want service_provider", id.Role)
	}
}

func TestVerify_EmptyToken(t *testing.T) {
	v := NewVerifier(testSecret)
	if _, err := v.Verify(""); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("Verify(\"\") = %v, want ErrUnauthenticated", err)
	}
}

func TestVerify_WrongSecret(t *testing.T) {
	v := NewVerifier(testSecret)
	tok := mintToken(t, "other-secret", validClaims("u1", model.RoleCustomer))
	if _, err := v.Verify(tok); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("Verify(wrong secret) = %v, want ErrUnauthenticated", err)
	}
}

func TestVerify_Expired(t *testing.T) {
	v := NewVerifier(testSecret)
	claims := validClaims("u1", model.RoleCustomer)
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	tok := mintToken(t, testSecret, claims)
	if _, err := v.Verify(tok); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("Verify(expired) = %v, want ErrTokenExpired", err)
	}
}

func TestVerify_NoExpiry(t *testing.T) {
	v := NewVerifier(testSecret)
	claims := validClaims("u1", model.RoleCustomer)
	claims.ExpiresAt = nil
	tok := mintToken(t, testSecret, claims)
	if _, err := v.Verify(tok); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("Verify(no exp) = %v, want ErrTokenExpired", err)
	}
}

func TestVerify_InactiveAccount(t *testing.T) {
	v := NewVerifier(testSecret)
	claims := validClaims("u1", model.RoleCustomer)
	claims.Active = false
	tok := mintToken(t, testSecret, claims)
	if _, err := v.Verify(tok); !errors.Is(err, ErrInactiveAccount) {
		t.Errorf("Verify(inactive) = %v, want ErrInactiveAccount", err)
	}
}

func TestRequireRole(t *testing.T) {
	v := NewVerifier(testSecret)
	id := &Identity{UserID: "u1", Role: model.RoleCustomer}

	if err := v.RequireRole(id, model.RoleCustomer, model.RoleAdmin); err != nil {
		t.Errorf("RequireRole(customer allowed) = %v, want nil", err)
	}
	if err := v.RequireRole(id, model.RoleAdmin); !errors.Is(err, ErrForbidden) {
		t.Errorf("RequireRole(admin only) = %v, want ErrForbidden", err)
	}
}
