package app

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"time"

	"taskboard/api/internal/auth"
	"taskboard/api/internal/authpw"
	"taskboard/api/internal/store"
	"taskboard/api/internal/util"
)

func (s *Service) Login(ctx context.Context, email, password string) (Session, error) {
	user, err := s.passwords.Authenticate(ctx, email, password)
	if err != nil {
		return Session{}, err
	}

	now := time.Now()
	user.LastLogin = &now
	if err := s.store.UpdateUser(ctx, user); err != nil {
		return Session{}, err
	}

	return s.issueSession(ctx, user)
}

// Register creates an account and signs it in. The first account becomes the
// admin; afterwards registration can be closed by configuration.
func (s *Service) Register(ctx context.Context, email, password string) (Session, error) {
	count, err := s.store.CountUsers(ctx)
	if err != nil {
		return Session{}, err
	}
	firstUser := count == 0
	if !firstUser && !s.cfg.AllowRegistration {
		return Session{}, forbidden("Registration is disabled")
	}

	user, err := s.passwords.Register(ctx, authpw.RegisterInput{
		Email:    email,
		Password: password,
		IsAdmin:  firstUser && s.cfg.FirstUserIsAdmin,
	})
	if err != nil {
		return Session{}, err
	}

	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	userID, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil || !user.IsActive {
		return Session{}, auth.ErrInvalidToken
	}

	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return s.sessions.RevokeUserSessions(ctx, session.UserID)
}

func (s *Service) issueSession(ctx context.Context, user *store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)

	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		Sub:   user.ID,
		Name:  user.DisplayName,
		Admin: user.IsAdmin,
		Guest: user.IsGuest,
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewToken()
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, now.Add(s.cfg.RefreshTTL)); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Email:        user.Email,
		IsAdmin:      user.IsAdmin,
		IsGuest:      user.IsGuest,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}
	if !user.IsActive {
		return Session{}, auth.ErrInvalidToken
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Email:     user.Email,
		IsAdmin:   user.IsAdmin,
		IsGuest:   user.IsGuest,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Me(ctx context.Context, session Session) (map[string]any, error) {
	user, err := s.store.GetUserByID(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	return userPayload(user), nil
}

// ForgotPassword never reveals whether the address exists.
func (s *Service) ForgotPassword(ctx context.Context, email string) error {
	user, err := s.store.GetUserByEmail(ctx, email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}

	token := util.NewToken()
	err = s.store.InTx(ctx, func(ctx context.Context) error {
		if err := s.store.InvalidatePasswordResets(ctx, user.ID); err != nil {
			return err
		}
		return s.store.CreatePasswordReset(ctx, token, user.ID, time.Now().Add(time.Hour))
	})
	if err != nil {
		return err
	}

	resetURL := s.baseURL(ctx) + "/reset-password?token=" + token
	if err := s.mail.SendPasswordReset(ctx, user.Email, resetURL); err != nil {
		log.Printf("password reset email to %s failed: %v", user.Email, err)
	}
	return nil
}

func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	return s.store.InTx(ctx, func(ctx context.Context) error {
		userID, err := s.store.ConsumePasswordReset(ctx, token)
		if errors.Is(err, sql.ErrNoRows) {
			return validationError("Invalid or expired reset link")
		}
		if err != nil {
			return err
		}
		return s.passwords.SetPassword(ctx, userID, newPassword)
	})
}
