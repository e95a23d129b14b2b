// Package email provides email sending capabilities via SMTP.
package email

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
)

// Config holds SMTP configuration
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
	UseTLS   bool
}

// SettingsSource reads SMTP configuration stored by an administrator.
type SettingsSource interface {
	GetSettingsByPrefix(ctx context.Context, prefix string) (map[string]string, error)
}

// Service sends transactional email using configuration loaded
// from the settings store on every send, so administrators can
// change SMTP details without a restart.
type Service struct {
	settings SettingsSource
}

// NewService creates a new email service backed by stored settings.
func NewService(settings SettingsSource) *Service {
	return &Service{settings: settings}
}

func (s *Service) loadConfig(ctx context.Context) (Config, error) {
	values, err := s.settings.GetSettingsByPrefix(ctx, "smtp_")
	if err != nil {
		return Config{}, fmt.Errorf("load smtp settings: %w", err)
	}

	cfg := Config{
		Host:     values["smtp_host"],
		Port:     values["smtp_port"],
		Username: values["smtp_user"],
		Password: values["smtp_password"],
		From:     values["smtp_from_email"],
		FromName: values["smtp_from_name"],
		UseTLS:   values["smtp_use_tls"] != "false",
	}
	if cfg.Port == "" {
		cfg.Port = "587"
	}
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	if cfg.FromName == "" {
		cfg.FromName = "Taskboard"
	}
	return cfg, nil
}

func (cfg Config) configured() bool {
	return cfg.Host != "" && cfg.Port != "" && cfg.From != ""
}

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured(ctx context.Context) bool {
	cfg, err := s.loadConfig(ctx)
	if err != nil {
		return false
	}
	return cfg.configured()
}

func (s *Service) sendHTML(ctx context.Context, to []string, subject, htmlBody string) error {
	cfg, err := s.loadConfig(ctx)
	if err != nil {
		return err
	}
	if !cfg.configured() {
		return fmt.Errorf("email not configured")
	}

	from := cfg.From
	if cfg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", cfg.FromName, cfg.From)
	}

	boundary := "boundary-taskboard"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")

	// Plain text part (fallback)
	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "Please view this email in an HTML-capable email client.\r\n")
	fmt.Fprintf(&msg, "\r\n")

	// HTML part
	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", htmlBody)
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	var auth smtp.Auth
	if cfg.Username != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return smtp.SendMail(cfg.Host+":"+cfg.Port, auth, cfg.From, to, msg.Bytes())
}

// WorkspaceAddedData holds data for the workspace invitation template
type WorkspaceAddedData struct {
	AppName       string
	UserName      string
	WorkspaceName string
	RoleLabel     string
	AddedBy       string
	WorkspaceURL  string
}

type InviteData struct {
	AppName   string
	UserName  string
	InviteURL string
}

type PasswordResetData struct {
	AppName  string
	ResetURL string
}

// SendWorkspaceAdded notifies a user that they were added to a workspace.
func (s *Service) SendWorkspaceAdded(ctx context.Context, to, userName, workspaceName, role, addedBy, workspaceURL string) error {
	roleLabel := "a Viewer"
	if role == "editor" {
		roleLabel = "an Editor"
	}

	data := WorkspaceAddedData{
		AppName:       "Taskboard",
		UserName:      userName,
		WorkspaceName: workspaceName,
		RoleLabel:     roleLabel,
		AddedBy:       addedBy,
		WorkspaceURL:  workspaceURL,
	}

	subject := fmt.Sprintf("You've been added to %s", workspaceName)
	html, err := renderTemplate(workspaceAddedEmailTemplate, data)
	if err != nil {
		return fmt.Errorf("render workspace added template: %w", err)
	}

	return s.sendHTML(ctx, []string{to}, subject, html)
}

// SendInvite sends a new account invitation with a password setup link.
func (s *Service) SendInvite(ctx context.Context, to, userName, inviteURL string) error {
	data := InviteData{
		AppName:   "Taskboard",
		UserName:  userName,
		InviteURL: inviteURL,
	}

	subject := "You've been invited to Taskboard"
	html, err := renderTemplate(inviteEmailTemplate, data)
	if err != nil {
		return fmt.Errorf("render invite template: %w", err)
	}

	return s.sendHTML(ctx, []string{to}, subject, html)
}

// SendPasswordReset sends a password reset email.
func (s *Service) SendPasswordReset(ctx context.Context, to, resetURL string) error {
	data := PasswordResetData{
		AppName:  "Taskboard",
		ResetURL: resetURL,
	}

	subject := "Reset your Taskboard password"
	html, err := renderTemplate(passwordResetEmailTemplate, data)
	if err != nil {
		return fmt.Errorf("render password reset template: %w", err)
	}

	return s.sendHTML(ctx, []string{to}, subject, html)
}

// SendTest sends a test email to verify SMTP settings.
func (s *Service) SendTest(ctx context.Context, to string) error {
	body := "<p>This is a test email from Taskboard. Your SMTP settings are working.</p>"
	return s.sendHTML(ctx, []string{to}, "Taskboard test email", body)
}

func renderTemplate(tmpl string, data interface{}) (string, error) {
	t := template.Must(template.New("email").Parse(tmpl))
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const workspaceAddedEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>You've been added to a workspace</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #22c55e; padding-bottom: 10px; margin-bottom: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #22c55e; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
        .link { word-break: break-all; color: #22c55e; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <h2>Hi {{.UserName}},</h2>

    <p>{{.AddedBy}} has added you to the workspace <strong>{{.WorkspaceName}}</strong> as {{.RoleLabel}}.</p>

    <p>
        <a href="{{.WorkspaceURL}}" class="button">Open Workspace</a>
    </p>

    <p>Or copy and paste this link into your browser:</p>
    <p class="link">{{.WorkspaceURL}}</p>

    <div class="footer">
        <p>You are receiving this because you have a {{.AppName}} account.</p>
    </div>
</body>
</html>`

const inviteEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>You've been invited to {{.AppName}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #22c55e; padding-bottom: 10px; margin-bottom: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #22c55e; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
        .link { word-break: break-all; color: #22c55e; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <h2>Welcome, {{.UserName}}!</h2>

    <p>An account has been created for you on {{.AppName}}. Click the button below to set your password and get started.</p>

    <p>
        <a href="{{.InviteURL}}" class="button">Set Your Password</a>
    </p>

    <p>Or copy and paste this link into your browser:</p>
    <p class="link">{{.InviteURL}}</p>

    <p>This link will expire in 48 hours.</p>

    <div class="footer">
        <p>If you weren't expecting this invitation, you can safely ignore this email.</p>
    </div>
</body>
</html>`

const passwordResetEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Reset your {{.AppName}} password</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #22c55e; padding-bottom: 10px; margin-bottom: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #22c55e; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
        .link { word-break: break-all; color: #22c55e; }
        .warning { background: #fff3cd; padding: 12px; border-radius: 4px; margin: 20px 0; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <h2>Password Reset Request</h2>

    <p>We received a request to reset your password. Click the button below to create a new password:</p>

    <p>
        <a href="{{.ResetURL}}" class="button">Reset Password</a>
    </p>

    <p>Or copy and paste this link into your browser:</p>
    <p class="link">{{.ResetURL}}</p>

    <div class="warning">
        <strong>Important:</strong> This reset link will expire in 1 hour.
    </div>

    <div class="footer">
        <p>If you didn't request a password reset, you can safely ignore this email. Your password will remain unchanged.</p>
    </div>
</body>
</html>`
