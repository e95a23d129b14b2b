package app

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"taskboard/api/internal/auth"
	"taskboard/api/internal/authpw"
	"taskboard/api/internal/store"
)

func TestRegisterFirstUserBecomesAdmin(t *testing.T) {
	var created *store.User
	fs := &fakeStore{
		countUsersFn: func(context.Context) (int, error) { return 0, nil },
		createUserFn: func(_ context.Context, u *store.User) error {
			created = u
			return nil
		},
	}
	service, _ := newTestService(fs)

	session, err := service.Register(context.Background(), "admin@example.com", "longenough")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if created == nil || !created.IsAdmin {
		t.Errorf("expected first user to be admin, got %+v", created)
	}
	if created.DisplayName != "admin" {
		t.Errorf("expected display name from email local part, got %q", created.DisplayName)
	}
	if !session.IsAdmin {
		t.Error("session should carry admin flag")
	}

	claims, err := auth.ParseToken([]byte("test-secret"), session.Token)
	if err != nil {
		t.Fatalf("issued token does not parse: %v", err)
	}
	if claims.Sub != created.ID || !claims.Admin {
		t.Errorf("unexpected claims %+v", claims)
	}
}

func TestRegisterDisabled(t *testing.T) {
	fs := &fakeStore{
		countUsersFn: func(context.Context) (int, error) { return 3, nil },
	}
	service, _ := newTestService(fs)
	service.cfg.AllowRegistration = false

	_, err := service.Register(context.Background(), "b@example.com", "longenough")
	if domainErr := asDomainError(t, err); domainErr.Status != 403 {
		t.Errorf("expected 403, got %d", domainErr.Status)
	}
}

func TestRegisterSecondUserNotAdmin(t *testing.T) {
	var created *store.User
	fs := &fakeStore{
		countUsersFn: func(context.Context) (int, error) { return 1, nil },
		createUserFn: func(_ context.Context, u *store.User) error {
			created = u
			return nil
		},
	}
	service, _ := newTestService(fs)

	if _, err := service.Register(context.Background(), "b@example.com", "longenough"); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if created.IsAdmin {
		t.Error("second user must not be admin")
	}
}

func TestLoginUpdatesLastLogin(t *testing.T) {
	hash, err := authpw.HashPassword("correct horse")
	if err != nil {
		t.Fatalf("HashPassword failed: %v", err)
	}
	var updated *store.User
	fs := &fakeStore{
		getUserByEmailFn: func(_ context.Context, email string) (*store.User, error) {
			if email != "a@example.com" {
				return nil, sql.ErrNoRows
			}
			return &store.User{ID: "usr_1", Email: email, PasswordHash: hash, DisplayName: "Alice", IsActive: true}, nil
		},
		updateUserFn: func(_ context.Context, u *store.User) error {
			updated = u
			return nil
		},
	}
	service, _ := newTestService(fs)

	session, err := service.Login(context.Background(), "A@Example.com", "correct horse")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if session.UserID != "usr_1" || session.RefreshToken == "" {
		t.Errorf("unexpected session %+v", session)
	}
	if updated == nil || updated.LastLogin == nil {
		t.Error("expected last login to be recorded")
	}
}

func TestLoginWrongPassword(t *testing.T) {
	hash, _ := authpw.HashPassword("correct horse")
	fs := &fakeStore{
		getUserByEmailFn: func(_ context.Context, email string) (*store.User, error) {
			return &store.User{ID: "usr_1", Email: email, PasswordHash: hash, IsActive: true}, nil
		},
	}
	service, _ := newTestService(fs)

	_, err := service.Login(context.Background(), "a@example.com", "wrong")
	if !errors.Is(err, authpw.ErrInvalidCredentials) {
		t.Errorf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestRefreshRotatesToken(t *testing.T) {
	oldHash := auth.HashToken("old-refresh-token")
	var revoked, savedHash string
	fs := &fakeStore{
		lookupRefreshSessionFn: func(_ context.Context, tokenHash string) (string, error) {
			if tokenHash == oldHash {
				return "usr_1", nil
			}
			return "", sql.ErrNoRows
		},
		getUserByIDFn: func(_ context.Context, id string) (*store.User, error) {
			return &store.User{ID: "usr_1", Email: "a@example.com", DisplayName: "Alice", IsActive: true}, nil
		},
		revokeRefreshSessionFn: func(_ context.Context, tokenHash string) error {
			revoked = tokenHash
			return nil
		},
		saveRefreshSessionFn: func(_ context.Context, tokenHash, userID string, expiresAt time.Time) error {
			savedHash = tokenHash
			return nil
		},
	}
	service, _ := newTestService(fs)

	session, err := service.Refresh(context.Background(), "old-refresh-token")
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if revoked != oldHash {
		t.Error("old refresh token was not revoked")
	}
	if savedHash == "" || savedHash == oldHash {
		t.Error("expected a new refresh token hash to be saved")
	}
	if auth.HashToken(session.RefreshToken) != savedHash {
		t.Error("returned refresh token does not match the saved hash")
	}
}

func TestRefreshInactiveUser(t *testing.T) {
	fs := &fakeStore{
		lookupRefreshSessionFn: func(_ context.Context, tokenHash string) (string, error) {
			return "usr_1", nil
		},
		getUserByIDFn: func(_ context.Context, id string) (*store.User, error) {
			return &store.User{ID: "usr_1", IsActive: false}, nil
		},
	}
	service, _ := newTestService(fs)

	_, err := service.Refresh(context.Background(), "some-token")
	if !errors.Is(err, auth.ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestRefreshUnknownToken(t *testing.T) {
	service, _ := newTestService(&fakeStore{})

	_, err := service.Refresh(context.Background(), "bogus")
	if !errors.Is(err, auth.ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestLogoutRevokesAllSessions(t *testing.T) {
	var revokedToken, revokedUser string
	fs := &fakeStore{
		revokeRefreshSessionFn: func(_ context.Context, tokenHash string) error {
			revokedToken = tokenHash
			return nil
		},
		revokeUserSessionsFn: func(_ context.Context, userID string) error {
			revokedUser = userID
			return nil
		},
	}
	service, _ := newTestService(fs)

	if err := service.Logout(context.Background(), Session{UserID: "usr_1"}, "refresh-token"); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if revokedToken != auth.HashToken("refresh-token") {
		t.Error("presented refresh token was not revoked")
	}
	if revokedUser != "usr_1" {
		t.Error("user sessions were not revoked")
	}
}

func TestSessionFromTokenInactiveUser(t *testing.T) {
	fs := &fakeStore{
		getUserByIDFn: func(_ context.Context, id string) (*store.User, error) {
			return &store.User{ID: id, IsActive: false}, nil
		},
	}
	service, _ := newTestService(fs)

	token, err := auth.IssueToken([]byte("test-secret"), auth.Claims{
		Sub: "usr_1",
		Exp: time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	_, err = service.SessionFromToken(context.Background(), token)
	if !errors.Is(err, auth.ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken for inactive user, got %v", err)
	}
}

func TestForgotPasswordUnknownEmailIsSilent(t *testing.T) {
	resetCreated := false
	fs := &fakeStore{
		createPasswordResetFn: func(_ context.Context, token, userID string, expiresAt time.Time) error {
			resetCreated = true
			return nil
		},
	}
	service, mail := newTestService(fs)

	if err := service.ForgotPassword(context.Background(), "nobody@example.com"); err != nil {
		t.Fatalf("expected silence for unknown email, got %v", err)
	}
	if resetCreated || len(mail.resets) != 0 {
		t.Error("no reset should be issued for unknown email")
	}
}

func TestForgotPasswordIssuesToken(t *testing.T) {
	invalidated := false
	var resetExpiry time.Time
	fs := &fakeStore{
		getUserByEmailFn: func(_ context.Context, email string) (*store.User, error) {
			return &store.User{ID: "usr_1", Email: email, IsActive: true}, nil
		},
		invalidatePasswordResetsFn: func(_ context.Context, userID string) error {
			invalidated = true
			return nil
		},
		createPasswordResetFn: func(_ context.Context, token, userID string, expiresAt time.Time) error {
			resetExpiry = expiresAt
			return nil
		},
	}
	service, mail := newTestService(fs)

	if err := service.ForgotPassword(context.Background(), "a@example.com"); err != nil {
		t.Fatalf("ForgotPassword failed: %v", err)
	}
	if !invalidated {
		t.Error("prior reset tokens should be invalidated first")
	}
	if until := time.Until(resetExpiry); until < 55*time.Minute || until > 65*time.Minute {
		t.Errorf("expected roughly 1 hour expiry, got %v", until)
	}
	if len(mail.resets) != 1 || !strings.Contains(mail.resets[0], "/reset-password?token=") {
		t.Errorf("unexpected reset mail %v", mail.resets)
	}
}

func TestResetPasswordInvalidToken(t *testing.T) {
	service, _ := newTestService(&fakeStore{})

	err := service.ResetPassword(context.Background(), "bogus", "longenough")
	if domainErr := asDomainError(t, err); domainErr.Code != "VALIDATION_ERROR" {
		t.Errorf("expected VALIDATION_ERROR, got %s", domainErr.Code)
	}
}

func TestResetPasswordSetsNewHash(t *testing.T) {
	var updated *store.User
	fs := &fakeStore{
		consumePasswordResetFn: func(_ context.Context, token string) (string, error) {
			if token != "good-token" {
				return "", sql.ErrNoRows
			}
			return "usr_1", nil
		},
		getUserByIDFn: func(_ context.Context, id string) (*store.User, error) {
			return &store.User{ID: id, PasswordHash: "old", IsActive: true}, nil
		},
		updateUserFn: func(_ context.Context, u *store.User) error {
			updated = u
			return nil
		},
	}
	service, _ := newTestService(fs)

	if err := service.ResetPassword(context.Background(), "good-token", "brand new pass"); err != nil {
		t.Fatalf("ResetPassword failed: %v", err)
	}
	if updated == nil || updated.PasswordHash == "old" {
		t.Error("password hash was not replaced")
	}
}
