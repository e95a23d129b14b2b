package app

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"sort"
	"time"

	"taskboard/api/internal/authpw"
	"taskboard/api/internal/config"
	"taskboard/api/internal/rbac"
	"taskboard/api/internal/store"
	"taskboard/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Email        string
	IsAdmin      bool
	IsGuest      bool
	ExpiresAt    time.Time
}

func (s Session) principal() rbac.Principal {
	return rbac.Principal{UserID: s.UserID, IsAdmin: s.IsAdmin, IsGuest: s.IsGuest}
}

type CreateWorkspaceInput struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Color       string `json:"color"`
}

type UpdateWorkspaceInput struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	Color       *string `json:"color"`
}

type AddMemberInput struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

type UpdateProfileInput struct {
	DisplayName *string `json:"display_name"`
	Theme       *string `json:"theme"`
}

type dataStore interface {
	GetUserByID(ctx context.Context, id string) (*store.User, error)
	GetUserByEmail(ctx context.Context, email string) (*store.User, error)
	CreateUser(ctx context.Context, u *store.User) error
	UpdateUser(ctx context.Context, u *store.User) error
	DeleteUser(ctx context.Context, id string) error
	ListUsers(ctx context.Context) ([]*store.User, error)
	CountUsers(ctx context.Context) (int, error)
	CountActiveUsers(ctx context.Context) (int, error)

	CreatePasswordReset(ctx context.Context, token, userID string, expiresAt time.Time) error
	ConsumePasswordReset(ctx context.Context, token string) (string, error)
	InvalidatePasswordResets(ctx context.Context, userID string) error

	GetWorkspace(ctx context.Context, id string) (*store.Workspace, error)
	CreateWorkspace(ctx context.Context, w *store.Workspace) error
	UpdateWorkspace(ctx context.Context, w *store.Workspace) error
	DeleteWorkspace(ctx context.Context, id string) error
	ListWorkspacesOwned(ctx context.Context, userID string) ([]*store.Workspace, error)
	ListWorkspacesMemberOf(ctx context.Context, userID string) ([]*store.Workspace, error)
	ListAllWorkspaces(ctx context.Context) ([]*store.Workspace, error)
	CountWorkspaces(ctx context.Context) (int, error)

	GetMembership(ctx context.Context, workspaceID, userID string) (string, error)
	ListMembers(ctx context.Context, workspaceID string) ([]*store.Member, error)
	GetMember(ctx context.Context, workspaceID, userID string) (*store.Member, error)
	GetMemberByID(ctx context.Context, id string) (*store.Member, error)
	CreateMember(ctx context.Context, m *store.Member) error
	UpdateMemberRole(ctx context.Context, memberID, role string) error
	UpdateMemberOrder(ctx context.Context, workspaceID, userID string, order int) error
	DeleteMember(ctx context.Context, memberID string) error
	CountMembers(ctx context.Context, workspaceID string) (int, error)

	GetProject(ctx context.Context, id string) (*store.Project, error)
	ListProjects(ctx context.Context, workspaceID string) ([]*store.Project, error)
	CreateProject(ctx context.Context, p *store.Project) error
	UpdateProject(ctx context.Context, p *store.Project) error
	DeleteProject(ctx context.Context, id string) error
	DeleteTasksByProject(ctx context.Context, projectID string) (int64, error)

	GetTask(ctx context.Context, id string) (*store.Task, error)
	ListTasks(ctx context.Context, workspaceID string) ([]*store.Task, error)
	MaxTaskPosition(ctx context.Context, workspaceID, status string) (int, error)
	CreateTask(ctx context.Context, t *store.Task) error
	UpdateTask(ctx context.Context, t *store.Task) error
	DeleteTask(ctx context.Context, id string) error
	CountTasks(ctx context.Context, workspaceID string) (int, error)
	CountAllTasks(ctx context.Context) (int, error)
	CountTasksByStatus(ctx context.Context) (map[string]int, error)

	CreateTaskComment(ctx context.Context, c *store.TaskComment) error
	GetTaskComment(ctx context.Context, id string) (*store.TaskComment, error)
	ListTaskComments(ctx context.Context, taskID string) ([]*store.TaskComment, error)
	DeleteTaskComment(ctx context.Context, id string) error
	ListTaskCommenters(ctx context.Context, taskID string) ([]string, error)

	InsertActivity(ctx context.Context, e *store.ActivityEntry) error
	ListActivity(ctx context.Context, limit int) ([]*store.ActivityEntry, error)

	InsertNotification(ctx context.Context, n *store.Notification) error
	ListNotifications(ctx context.Context, userID string, limit int) ([]*store.Notification, error)
	CountUnreadNotifications(ctx context.Context, userID string) (int, error)
	MarkNotificationsRead(ctx context.Context, userID string, ids []string) (int64, error)
	DeleteNotification(ctx context.Context, id, userID string) (bool, error)
	CleanupNotifications(ctx context.Context, userID string, now time.Time) (int64, error)

	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
	GetSettingsByPrefix(ctx context.Context, prefix string) (map[string]string, error)

	InTx(ctx context.Context, fn func(ctx context.Context) error) error
	Ping(ctx context.Context) error
}

// sessionStore holds refresh tokens. The Postgres store satisfies it
// directly; a Redis-backed store can be swapped in.
type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (string, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
	RevokeUserSessions(ctx context.Context, userID string) error
}

type mailer interface {
	IsConfigured(ctx context.Context) bool
	SendWorkspaceAdded(ctx context.Context, to, userName, workspaceName, role, addedBy, workspaceURL string) error
	SendInvite(ctx context.Context, to, userName, inviteURL string) error
	SendPasswordReset(ctx context.Context, to, resetURL string) error
	SendTest(ctx context.Context, to string) error
}

type Service struct {
	cfg       config.Config
	store     dataStore
	sessions  sessionStore
	mail      mailer
	passwords *authpw.Service
}

func New(cfg config.Config, dataStore *store.PostgresStore, mail mailer) *Service {
	return &Service{
		cfg:       cfg,
		store:     dataStore,
		sessions:  dataStore,
		mail:      mail,
		passwords: authpw.New(dataStore),
	}
}

// NewWithSessionStore wires an alternate refresh-token backend (Redis).
func NewWithSessionStore(cfg config.Config, dataStore *store.PostgresStore, mail mailer, sessions sessionStore) *Service {
	service := New(cfg, dataStore, mail)
	service.sessions = sessions
	return service
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// baseURL prefers the runtime-configured application base URL and falls back
// to the static frontend URL.
func (s *Service) baseURL(ctx context.Context) string {
	value, err := s.store.GetSetting(ctx, "app_base_url")
	if err == nil && value != "" {
		return value
	}
	return s.cfg.FrontendURL
}

// workspaceRole resolves the caller's effective role for a workspace.
func (s *Service) workspaceRole(ctx context.Context, workspace *store.Workspace, session Session) (rbac.Role, error) {
	memberRole, err := s.store.GetMembership(ctx, workspace.ID, session.UserID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return rbac.RoleNone, err
	}
	isMember := err == nil
	return rbac.Resolve(session.principal(), workspace.OwnerID, memberRole, isMember), nil
}

// ---- workspaces ----

func (s *Service) ListWorkspaces(ctx context.Context, session Session) ([]map[string]any, error) {
	var workspaces []*store.Workspace
	memberOf, err := s.store.ListWorkspacesMemberOf(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	if session.IsGuest {
		workspaces = memberOf
	} else {
		owned, err := s.store.ListWorkspacesOwned(ctx, session.UserID)
		if err != nil {
			return nil, err
		}
		workspaces = append(owned, memberOf...)
	}

	items := make([]map[string]any, 0, len(workspaces))
	for _, workspace := range workspaces {
		item, err := s.workspaceSummary(ctx, workspace, session.UserID)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i]["display_order"].(int) < items[j]["display_order"].(int)
	})
	return items, nil
}

func (s *Service) workspaceSummary(ctx context.Context, workspace *store.Workspace, callerID string) (map[string]any, error) {
	ownerName := "Unknown"
	owner, err := s.store.GetUserByID(ctx, workspace.OwnerID)
	if err == nil {
		ownerName = owner.DisplayName
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	memberCount, err := s.store.CountMembers(ctx, workspace.ID)
	if err != nil {
		return nil, err
	}
	taskCount, err := s.store.CountTasks(ctx, workspace.ID)
	if err != nil {
		return nil, err
	}

	displayOrder := 0
	if callerID != "" {
		member, err := s.store.GetMember(ctx, workspace.ID, callerID)
		if err == nil {
			displayOrder = member.DisplayOrder
		} else if !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
	}

	return map[string]any{
		"id":            workspace.ID,
		"name":          workspace.Name,
		"description":   workspace.Description,
		"color":         workspace.Color,
		"owner_id":      workspace.OwnerID,
		"owner_name":    ownerName,
		"member_count":  memberCount + 1,
		"task_count":    taskCount,
		"display_order": displayOrder,
		"created_at":    workspace.CreatedAt,
	}, nil
}

func (s *Service) CreateWorkspace(ctx context.Context, session Session, input CreateWorkspaceInput) (map[string]any, error) {
	if session.IsGuest {
		return nil, forbidden("Guest users cannot create workspaces")
	}
	if input.Name == "" {
		return nil, validationError("Workspace name is required")
	}
	if input.Color == "" {
		input.Color = "#22c55e"
	}

	workspace := &store.Workspace{
		ID:          util.NewID("ws"),
		Name:        input.Name,
		Description: input.Description,
		Color:       input.Color,
		OwnerID:     session.UserID,
		CreatedAt:   time.Now(),
	}

	err := s.store.InTx(ctx, func(ctx context.Context) error {
		if err := s.store.CreateWorkspace(ctx, workspace); err != nil {
			return err
		}
		return s.logActivity(ctx, session.UserID, workspace.ID, "workspace_created", "workspace", workspace.ID,
			map[string]any{"name": workspace.Name})
	})
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"id":            workspace.ID,
		"name":          workspace.Name,
		"description":   workspace.Description,
		"color":         workspace.Color,
		"owner_id":      workspace.OwnerID,
		"owner_name":    session.UserName,
		"member_count":  1,
		"task_count":    0,
		"display_order": 0,
		"created_at":    workspace.CreatedAt,
	}, nil
}

func (s *Service) GetWorkspace(ctx context.Context, session Session, workspaceID string) (map[string]any, error) {
	workspace, err := s.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	role, err := s.workspaceRole(ctx, workspace, session)
	if err != nil {
		return nil, err
	}
	if !rbac.CanRead(role) {
		return nil, forbidden("Access denied")
	}
	return s.workspaceSummary(ctx, workspace, session.UserID)
}

func (s *Service) UpdateWorkspace(ctx context.Context, session Session, workspaceID string, input UpdateWorkspaceInput) (map[string]any, error) {
	workspace, err := s.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	role, err := s.workspaceRole(ctx, workspace, session)
	if err != nil {
		return nil, err
	}
	if !rbac.CanEdit(role) {
		return nil, forbidden("Only owner or editor can update workspace")
	}

	if input.Name != nil {
		if *input.Name == "" {
			return nil, validationError("Workspace name is required")
		}
		workspace.Name = *input.Name
	}
	if input.Description != nil {
		workspace.Description = *input.Description
	}
	if input.Color != nil {
		workspace.Color = *input.Color
	}

	err = s.store.InTx(ctx, func(ctx context.Context) error {
		if err := s.store.UpdateWorkspace(ctx, workspace); err != nil {
			return err
		}
		return s.logActivity(ctx, session.UserID, workspace.ID, "workspace_updated", "workspace", workspace.ID, nil)
	})
	if err != nil {
		return nil, err
	}
	return s.workspaceSummary(ctx, workspace, session.UserID)
}

func (s *Service) DeleteWorkspace(ctx context.Context, session Session, workspaceID string) error {
	workspace, err := s.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return err
	}
	if workspace.OwnerID != session.UserID && !session.IsAdmin {
		return forbidden("Only owner can delete workspace")
	}
	return s.store.DeleteWorkspace(ctx, workspaceID)
}

// ReorderWorkspaces stores the caller's personal workspace ordering. An owner
// without a membership row gets one synthesized with role "owner" purely to
// carry the display order.
func (s *Service) ReorderWorkspaces(ctx context.Context, session Session, order []string) error {
	return s.store.InTx(ctx, func(ctx context.Context) error {
		for idx, workspaceID := range order {
			_, err := s.store.GetMember(ctx, workspaceID, session.UserID)
			if err == nil {
				if err := s.store.UpdateMemberOrder(ctx, workspaceID, session.UserID, idx); err != nil {
					return err
				}
				continue
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return err
			}

			workspace, err := s.store.GetWorkspace(ctx, workspaceID)
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			if err != nil {
				return err
			}
			if workspace.OwnerID != session.UserID {
				continue
			}
			member := &store.Member{
				ID:           util.NewID("mem"),
				WorkspaceID:  workspaceID,
				UserID:       session.UserID,
				Role:         string(rbac.RoleOwner),
				DisplayOrder: idx,
				CreatedAt:    time.Now(),
			}
			if err := s.store.CreateMember(ctx, member); err != nil {
				return err
			}
		}
		return nil
	})
}

// ---- members ----

func (s *Service) ListWorkspaceMembers(ctx context.Context, session Session, workspaceID string) ([]map[string]any, error) {
	workspace, err := s.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	role, err := s.workspaceRole(ctx, workspace, session)
	if err != nil {
		return nil, err
	}
	if !rbac.CanRead(role) {
		return nil, forbidden("Access denied")
	}

	items := make([]map[string]any, 0, 8)
	owner, err := s.store.GetUserByID(ctx, workspace.OwnerID)
	if err == nil {
		// The owner has no membership row; materialize one for the listing.
		items = append(items, map[string]any{
			"id":         util.NewID("mem"),
			"user_id":    owner.ID,
			"user_email": owner.Email,
			"user_name":  owner.DisplayName,
			"role":       string(rbac.RoleOwner),
			"created_at": workspace.CreatedAt,
		})
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	members, err := s.store.ListMembers(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	for _, member := range members {
		if member.UserID == workspace.OwnerID {
			continue
		}
		items = append(items, map[string]any{
			"id":         member.ID,
			"user_id":    member.UserID,
			"user_email": member.UserEmail,
			"user_name":  member.UserName,
			"role":       member.Role,
			"created_at": member.CreatedAt,
		})
	}
	return items, nil
}

func (s *Service) AddWorkspaceMember(ctx context.Context, session Session, workspaceID string, input AddMemberInput) error {
	workspace, err := s.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return err
	}
	role, err := s.workspaceRole(ctx, workspace, session)
	if err != nil {
		return err
	}
	if !rbac.CanAddMembers(role) {
		return forbidden("Only owner or editor can add members")
	}

	user, err := s.store.GetUserByID(ctx, input.UserID)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound("User not found")
	}
	if err != nil {
		return err
	}

	if _, err := s.store.GetMember(ctx, workspaceID, input.UserID); err == nil {
		return conflict("User is already a member")
	} else if !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if input.UserID == workspace.OwnerID {
		return conflict("User is the workspace owner")
	}
	if !rbac.ValidMemberRole(input.Role) {
		return validationError("Role must be 'viewer' or 'editor'")
	}

	member := &store.Member{
		ID:          util.NewID("mem"),
		WorkspaceID: workspaceID,
		UserID:      input.UserID,
		Role:        input.Role,
		InvitedBy:   session.UserID,
		CreatedAt:   time.Now(),
	}

	err = s.store.InTx(ctx, func(ctx context.Context) error {
		if err := s.store.CreateMember(ctx, member); err != nil {
			return err
		}
		if err := s.logActivity(ctx, session.UserID, workspaceID, "member_added", "user", input.UserID,
			map[string]any{"role": input.Role, "user_email": user.Email}); err != nil {
			return err
		}
		exclude := map[string]bool{session.UserID: true, input.UserID: true}
		return s.notifyWorkspaceMembers(ctx, workspace, exclude, "member_joined",
			user.DisplayName+" joined "+workspace.Name,
			user.DisplayName+" was added to the workspace by "+session.UserName,
			map[string]any{
				"workspace_id":   workspaceID,
				"workspace_name": workspace.Name,
				"user_name":      user.DisplayName,
				"actor_name":     session.UserName,
			})
	})
	if err != nil {
		return err
	}

	workspaceURL := s.baseURL(ctx) + "/workspace/" + workspaceID
	if err := s.mail.SendWorkspaceAdded(ctx, user.Email, user.DisplayName, workspace.Name, input.Role, session.UserName, workspaceURL); err != nil {
		log.Printf("workspace added email to %s failed: %v", user.Email, err)
	}
	return nil
}

func (s *Service) UpdateWorkspaceMember(ctx context.Context, session Session, workspaceID, memberID, role string) error {
	workspace, err := s.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return err
	}
	if workspace.OwnerID != session.UserID {
		return forbidden("Only owner can change member roles")
	}

	member, err := s.store.GetMemberByID(ctx, memberID)
	if err != nil {
		return err
	}
	if member.WorkspaceID != workspaceID {
		return notFound("Member not found")
	}
	if !rbac.ValidMemberRole(role) {
		return validationError("Role must be 'viewer' or 'editor'")
	}

	return s.store.InTx(ctx, func(ctx context.Context) error {
		if err := s.store.UpdateMemberRole(ctx, memberID, role); err != nil {
			return err
		}
		return s.logActivity(ctx, session.UserID, workspaceID, "member_role_changed", "user", member.UserID,
			map[string]any{"new_role": role})
	})
}

func (s *Service) RemoveWorkspaceMember(ctx context.Context, session Session, workspaceID, memberID string) error {
	workspace, err := s.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return err
	}
	member, err := s.store.GetMemberByID(ctx, memberID)
	if err != nil {
		return err
	}
	if member.WorkspaceID != workspaceID {
		return notFound("Member not found")
	}
	// Owner can remove anyone; members can remove themselves.
	if workspace.OwnerID != session.UserID && member.UserID != session.UserID {
		return forbidden("Permission denied")
	}

	return s.store.InTx(ctx, func(ctx context.Context) error {
		if err := s.logActivity(ctx, session.UserID, workspaceID, "member_removed", "user", member.UserID, nil); err != nil {
			return err
		}
		exclude := map[string]bool{session.UserID: true, member.UserID: true}
		if err := s.notifyWorkspaceMembers(ctx, workspace, exclude, "member_left",
			member.UserName+" left "+workspace.Name,
			member.UserName+" was removed from the workspace",
			map[string]any{
				"workspace_id":   workspaceID,
				"workspace_name": workspace.Name,
				"user_name":      member.UserName,
				"actor_name":     session.UserName,
			}); err != nil {
			return err
		}
		return s.store.DeleteMember(ctx, memberID)
	})
}

// ---- profile ----

func (s *Service) UpdateProfile(ctx context.Context, session Session, input UpdateProfileInput) (map[string]any, error) {
	user, err := s.store.GetUserByID(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	if input.DisplayName != nil && *input.DisplayName != "" {
		user.DisplayName = *input.DisplayName
	}
	if input.Theme != nil {
		user.Theme = *input.Theme
	}
	if err := s.store.UpdateUser(ctx, user); err != nil {
		return nil, err
	}
	return userPayload(user), nil
}

func userPayload(user *store.User) map[string]any {
	payload := map[string]any{
		"id":           user.ID,
		"email":        user.Email,
		"display_name": user.DisplayName,
		"is_admin":     user.IsAdmin,
		"is_guest":     user.IsGuest,
		"is_active":    user.IsActive,
		"theme":        user.Theme,
		"created_at":   user.CreatedAt,
	}
	if user.LastLogin != nil {
		payload["last_login"] = *user.LastLogin
	} else {
		payload["last_login"] = nil
	}
	return payload
}
