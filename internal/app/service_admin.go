package app

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"strconv"
	"time"

	"taskboard/api/internal/authpw"
	"taskboard/api/internal/util"
)

func (s *Service) AdminStats(ctx context.Context) (map[string]any, error) {
	totalUsers, err := s.store.CountUsers(ctx)
	if err != nil {
		return nil, err
	}
	activeUsers, err := s.store.CountActiveUsers(ctx)
	if err != nil {
		return nil, err
	}
	totalWorkspaces, err := s.store.CountWorkspaces(ctx)
	if err != nil {
		return nil, err
	}
	totalTasks, err := s.store.CountAllTasks(ctx)
	if err != nil {
		return nil, err
	}
	byStatus, err := s.store.CountTasksByStatus(ctx)
	if err != nil {
		return nil, err
	}
	tasksByStatus := map[string]int{}
	for status := range validTaskStatuses {
		tasksByStatus[status] = byStatus[status]
	}

	return map[string]any{
		"total_users":      totalUsers,
		"active_users":     activeUsers,
		"total_workspaces": totalWorkspaces,
		"total_tasks":      totalTasks,
		"tasks_by_status":  tasksByStatus,
	}, nil
}

func (s *Service) AdminListUsers(ctx context.Context) ([]map[string]any, error) {
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(users))
	for _, user := range users {
		items = append(items, userPayload(user))
	}
	return items, nil
}

type AdminCreateUserInput struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
	IsAdmin     bool   `json:"is_admin"`
	IsGuest     bool   `json:"is_guest"`
}

// AdminCreateUser creates an account directly when a password is supplied.
// Without one it runs the invite flow: an unusable random password plus a
// 48-hour reset token mailed to the new user.
func (s *Service) AdminCreateUser(ctx context.Context, input AdminCreateUserInput) (map[string]any, error) {
	invite := input.Password == ""
	if invite {
		baseURL, err := s.store.GetSetting(ctx, "app_base_url")
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		if baseURL == "" {
			return nil, validationError("Please configure Application Base URL in Settings before inviting users")
		}
	}

	password := input.Password
	if invite {
		password = util.NewToken()
	}

	user, err := s.passwords.Register(ctx, authpw.RegisterInput{
		Email:       input.Email,
		Password:    password,
		DisplayName: input.DisplayName,
		IsAdmin:     input.IsAdmin,
		IsGuest:     input.IsGuest,
	})
	if err != nil {
		return nil, err
	}

	if invite {
		token := util.NewToken()
		if err := s.store.CreatePasswordReset(ctx, token, user.ID, time.Now().Add(48*time.Hour)); err != nil {
			return nil, err
		}
		inviteURL := s.baseURL(ctx) + "/reset-password?token=" + token
		if err := s.mail.SendInvite(ctx, user.Email, user.DisplayName, inviteURL); err != nil {
			log.Printf("invite email to %s failed: %v", user.Email, err)
		}
	}
	return userPayload(user), nil
}

type AdminUpdateUserInput struct {
	DisplayName *string `json:"display_name"`
	IsActive    *bool   `json:"is_active"`
}

func (s *Service) AdminUpdateUser(ctx context.Context, userID string, input AdminUpdateUserInput) (map[string]any, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if input.DisplayName != nil && *input.DisplayName != "" {
		user.DisplayName = *input.DisplayName
	}
	if input.IsActive != nil {
		user.IsActive = *input.IsActive
	}
	if err := s.store.UpdateUser(ctx, user); err != nil {
		return nil, err
	}
	return userPayload(user), nil
}

func (s *Service) AdminDeleteUser(ctx context.Context, session Session, userID string) error {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	if user.ID == session.UserID {
		return conflict("Cannot delete yourself")
	}
	return s.store.DeleteUser(ctx, userID)
}

func (s *Service) AdminResetPassword(ctx context.Context, userID, newPassword string) error {
	if _, err := s.store.GetUserByID(ctx, userID); err != nil {
		return err
	}
	if err := s.passwords.SetPassword(ctx, userID, newPassword); err != nil {
		return err
	}
	return s.sessions.RevokeUserSessions(ctx, userID)
}

func (s *Service) AdminListWorkspaces(ctx context.Context) ([]map[string]any, error) {
	workspaces, err := s.store.ListAllWorkspaces(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(workspaces))
	for _, workspace := range workspaces {
		item, err := s.workspaceSummary(ctx, workspace, "")
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func (s *Service) AdminActivity(ctx context.Context, limit int) ([]map[string]any, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	entries, err := s.store.ListActivity(ctx, limit)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		items = append(items, map[string]any{
			"id":           entry.ID,
			"user_id":      entry.UserID,
			"user_name":    entry.UserName,
			"workspace_id": entry.WorkspaceID,
			"action":       entry.Action,
			"entity_type":  entry.EntityType,
			"entity_id":    entry.EntityID,
			"details":      entry.Details,
			"created_at":   entry.CreatedAt,
		})
	}
	return items, nil
}

// ---- site settings ----

const smtpPasswordMask = "********"

func (s *Service) GetSMTPSettings(ctx context.Context) (map[string]any, error) {
	settings, err := s.store.GetSettingsByPrefix(ctx, "smtp_")
	if err != nil {
		return nil, err
	}

	port := 587
	if raw := settings["smtp_port"]; raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			port = parsed
		}
	}
	password := ""
	if settings["smtp_password"] != "" {
		password = smtpPasswordMask
	}

	return map[string]any{
		"smtp_host":       settings["smtp_host"],
		"smtp_port":       port,
		"smtp_user":       settings["smtp_user"],
		"smtp_password":   password,
		"smtp_from_email": settings["smtp_from_email"],
		"smtp_from_name":  defaultString(settings["smtp_from_name"], "Taskboard"),
		"smtp_use_tls":    settings["smtp_use_tls"] != "false",
	}, nil
}

type SMTPSettingsInput struct {
	Host      string `json:"smtp_host"`
	Port      int    `json:"smtp_port"`
	User      string `json:"smtp_user"`
	Password  string `json:"smtp_password"`
	FromEmail string `json:"smtp_from_email"`
	FromName  string `json:"smtp_from_name"`
	UseTLS    bool   `json:"smtp_use_tls"`
}

func (s *Service) UpdateSMTPSettings(ctx context.Context, input SMTPSettingsInput) error {
	return s.store.InTx(ctx, func(ctx context.Context) error {
		pairs := map[string]string{
			"smtp_host":       input.Host,
			"smtp_port":       strconv.Itoa(input.Port),
			"smtp_user":       input.User,
			"smtp_from_email": input.FromEmail,
			"smtp_from_name":  input.FromName,
			"smtp_use_tls":    strconv.FormatBool(input.UseTLS),
		}
		for key, value := range pairs {
			if err := s.store.SetSetting(ctx, key, value); err != nil {
				return err
			}
		}
		// The masked placeholder means "unchanged".
		if input.Password != "" && input.Password != smtpPasswordMask {
			if err := s.store.SetSetting(ctx, "smtp_password", input.Password); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Service) SendTestEmail(ctx context.Context, session Session) error {
	if !s.mail.IsConfigured(ctx) {
		return validationError("SMTP not configured")
	}
	if err := s.mail.SendTest(ctx, session.Email); err != nil {
		return domainError(500, "SMTP_ERROR", "SMTP error: "+err.Error(), nil)
	}
	return nil
}

func (s *Service) GetAppSettings(ctx context.Context) (map[string]any, error) {
	value, err := s.store.GetSetting(ctx, "app_base_url")
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return map[string]any{"app_base_url": value}, nil
}

func (s *Service) UpdateAppSettings(ctx context.Context, appBaseURL string) error {
	return s.store.SetSetting(ctx, "app_base_url", appBaseURL)
}

func defaultString(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
