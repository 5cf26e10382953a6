package service

import (
	"context"
	"errors"
	"testing"

	"github.com/mmeshcher/bookmarket-system/internal/model"
	"github.com/mmeshcher/bookmarket-system/internal/repository"
)

func TestHashPasswordDeterministic(t *testing.T) {
	a := hashPassword("user", "pass")
	b := hashPassword("user", "pass")
	c := hashPassword("user", "other")

	if string(a) != string(b) {
		t.Fatalf("hashPassword must be deterministic, got %x and %x", a, b)
	}
	if string(a) == string(c) {
		t.Fatalf("different passwords must produce different hashes")
	}
}

func TestToKopecks(t *testing.T) {
	if got := toKopecks(120.50); got != 12050 {
		t.Fatalf("toKopecks(120.50) = %d, want 12050", got)
	}
	if got := toKopecks(0); got != 0 {
		t.Fatalf("toKopecks(0) = %d, want 0", got)
	}
}

func TestRegisterUser_PropagatesDuplicateError(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo, nil)

	if _, err := svc.RegisterUser(context.Background(), "login", "pass"); err != nil {
		t.Fatalf("first RegisterUser error: %v", err)
	}

	_, err := svc.RegisterUser(context.Background(), "login", "pass")
	if !errors.Is(err, repository.ErrUserExists) {
		t.Fatalf("expected ErrUserExists, got %v", err)
	}
}

func TestAuthenticateUser_InvalidCredentials(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo, nil)

	if _, err := svc.RegisterUser(context.Background(), "user", "correct"); err != nil {
		t.Fatalf("RegisterUser error: %v", err)
	}

	_, err := svc.AuthenticateUser(context.Background(), "user", "wrong")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}

	u, err := svc.AuthenticateUser(context.Background(), "user", "correct")
	if err != nil {
		t.Fatalf("AuthenticateUser error: %v", err)
	}
	if u.Login != "user" {
		t.Fatalf("login = %q, want user", u.Login)
	}
}

func TestGetPrincipal_CarriesFragmentAndRole(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo, nil)

	id, err := svc.RegisterUser(context.Background(), "user", "pass")
	if err != nil {
		t.Fatalf("RegisterUser error: %v", err)
	}

	p, err := svc.GetPrincipal(context.Background(), id)
	if err != nil {
		t.Fatalf("GetPrincipal error: %v", err)
	}
	if p.UserID != id {
		t.Fatalf("UserID = %d, want %d", p.UserID, id)
	}
	if p.SequenceFragment == "" {
		t.Fatalf("sequence fragment must be assigned at account creation")
	}
	if p.Role != model.RoleCustomer {
		t.Fatalf("role = %s, want customer", p.Role)
	}

	// Фрагмент неизменяем: повторное чтение возвращает то же значение.
	again, err := svc.GetPrincipal(context.Background(), id)
	if err != nil {
		t.Fatalf("GetPrincipal error: %v", err)
	}
	if again.SequenceFragment != p.SequenceFragment {
		t.Fatalf("fragment changed between reads: %q vs %q", p.SequenceFragment, again.SequenceFragment)
	}
}

func TestGetPrincipal_UnknownUser(t *testing.T) {
	svc := NewService(newFakeRepo(), nil)

	_, err := svc.GetPrincipal(context.Background(), 404)
	if !errors.Is(err, repository.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}
