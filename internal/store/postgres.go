package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txKey struct{}

// q returns the transaction bound to ctx by InTx, or the pool itself.
func (s *PostgresStore) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

// InTx runs fn inside a single transaction. Store calls made with the
// context passed to fn share that transaction. Nested calls reuse the
// outer transaction.
func (s *PostgresStore) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// ---- users ----

const userColumns = `id, email, password_hash, display_name, is_admin, is_guest, is_active, theme, last_login, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.DisplayName, &u.IsAdmin, &u.IsGuest,
		&u.IsActive, &u.Theme, &u.LastLogin, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	u, err := scanUser(s.q(ctx).QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, id))
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	u, err := scanUser(s.q(ctx).QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE lower(email)=lower($1)`, email))
	if err != nil {
		return nil, fmt.Errorf("get user by email: %w", err)
	}
	return u, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, u *User) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash, display_name, is_admin, is_guest, is_active, theme, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)`,
		u.ID, u.Email, u.PasswordHash, u.DisplayName, u.IsAdmin, u.IsGuest, u.IsActive, u.Theme, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateUser(ctx context.Context, u *User) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		UPDATE users SET email=$2, password_hash=$3, display_name=$4, is_admin=$5, is_guest=$6,
			is_active=$7, theme=$8, last_login=$9, updated_at=NOW()
		WHERE id=$1`,
		u.ID, u.Email, u.PasswordHash, u.DisplayName, u.IsAdmin, u.IsGuest, u.IsActive, u.Theme, u.LastLogin)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteUser(ctx context.Context, id string) error {
	_, err := s.q(ctx).ExecContext(ctx, `DELETE FROM users WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]*User, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *PostgresStore) CountUsers(ctx context.Context) (int, error) {
	var n int
	if err := s.q(ctx).QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) CountActiveUsers(ctx context.Context) (int, error) {
	var n int
	if err := s.q(ctx).QueryRowContext(ctx, `SELECT COUNT(*) FROM users WHERE is_active`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count active users: %w", err)
	}
	return n, nil
}

// ---- refresh sessions ----

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at) VALUES ($1, $2, $3)`,
		tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (string, error) {
	var userID string
	err := s.q(ctx).QueryRowContext(ctx, `
		SELECT user_id FROM refresh_sessions
		WHERE token_hash=$1 AND revoked_at IS NULL AND expires_at > NOW()`, tokenHash).Scan(&userID)
	if err != nil {
		return "", fmt.Errorf("lookup refresh session: %w", err)
	}
	return userID, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1 AND revoked_at IS NULL`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeUserSessions(ctx context.Context, userID string) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		UPDATE refresh_sessions SET revoked_at=NOW() WHERE user_id=$1 AND revoked_at IS NULL`, userID)
	if err != nil {
		return fmt.Errorf("revoke user sessions: %w", err)
	}
	return nil
}

// ---- password resets ----

func (s *PostgresStore) CreatePasswordReset(ctx context.Context, token, userID string, expiresAt time.Time) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO password_reset_tokens (token, user_id, expires_at) VALUES ($1, $2, $3)`,
		token, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("create password reset: %w", err)
	}
	return nil
}

// ConsumePasswordReset marks the token used and returns the user it belongs
// to. sql.ErrNoRows means the token is unknown, expired or already used.
func (s *PostgresStore) ConsumePasswordReset(ctx context.Context, token string) (string, error) {
	var userID string
	err := s.q(ctx).QueryRowContext(ctx, `
		UPDATE password_reset_tokens SET used=TRUE
		WHERE token=$1 AND NOT used AND expires_at > NOW()
		RETURNING user_id`, token).Scan(&userID)
	if err != nil {
		return "", fmt.Errorf("consume password reset: %w", err)
	}
	return userID, nil
}

func (s *PostgresStore) InvalidatePasswordResets(ctx context.Context, userID string) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		UPDATE password_reset_tokens SET used=TRUE WHERE user_id=$1 AND NOT used`, userID)
	if err != nil {
		return fmt.Errorf("invalidate password resets: %w", err)
	}
	return nil
}

// ---- workspaces ----

const workspaceColumns = `id, name, description, color, owner_id, created_at, updated_at`

func scanWorkspace(row interface{ Scan(...any) error }) (*Workspace, error) {
	var w Workspace
	err := row.Scan(&w.ID, &w.Name, &w.Description, &w.Color, &w.OwnerID, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *PostgresStore) GetWorkspace(ctx context.Context, id string) (*Workspace, error) {
	w, err := scanWorkspace(s.q(ctx).QueryRowContext(ctx, `SELECT `+workspaceColumns+` FROM workspaces WHERE id=$1`, id))
	if err != nil {
		return nil, fmt.Errorf("get workspace: %w", err)
	}
	return w, nil
}

func (s *PostgresStore) CreateWorkspace(ctx context.Context, w *Workspace) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO workspaces (id, name, description, color, owner_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)`,
		w.ID, w.Name, w.Description, w.Color, w.OwnerID, w.CreatedAt)
	if err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateWorkspace(ctx context.Context, w *Workspace) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		UPDATE workspaces SET name=$2, description=$3, color=$4, updated_at=NOW() WHERE id=$1`,
		w.ID, w.Name, w.Description, w.Color)
	if err != nil {
		return fmt.Errorf("update workspace: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteWorkspace(ctx context.Context, id string) error {
	_, err := s.q(ctx).ExecContext(ctx, `DELETE FROM workspaces WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete workspace: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListWorkspacesOwned(ctx context.Context, userID string) ([]*Workspace, error) {
	return s.listWorkspaces(ctx, `SELECT `+workspaceColumns+` FROM workspaces WHERE owner_id=$1 ORDER BY created_at`, userID)
}

func (s *PostgresStore) ListWorkspacesMemberOf(ctx context.Context, userID string) ([]*Workspace, error) {
	return s.listWorkspaces(ctx, `
		SELECT w.id, w.name, w.description, w.color, w.owner_id, w.created_at, w.updated_at
		FROM workspaces w
		JOIN workspace_members m ON m.workspace_id = w.id
		WHERE m.user_id=$1 AND w.owner_id <> $1
		ORDER BY w.created_at`, userID)
}

func (s *PostgresStore) ListAllWorkspaces(ctx context.Context) ([]*Workspace, error) {
	return s.listWorkspaces(ctx, `SELECT `+workspaceColumns+` FROM workspaces ORDER BY created_at`)
}

func (s *PostgresStore) listWorkspaces(ctx context.Context, query string, args ...any) ([]*Workspace, error) {
	rows, err := s.q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	defer rows.Close()

	var workspaces []*Workspace
	for rows.Next() {
		w, err := scanWorkspace(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workspace: %w", err)
		}
		workspaces = append(workspaces, w)
	}
	return workspaces, rows.Err()
}

func (s *PostgresStore) CountWorkspaces(ctx context.Context) (int, error) {
	var n int
	if err := s.q(ctx).QueryRowContext(ctx, `SELECT COUNT(*) FROM workspaces`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count workspaces: %w", err)
	}
	return n, nil
}

// ---- members ----

// GetMembership returns the role the user holds in the workspace through an
// explicit membership row, or sql.ErrNoRows when none exists.
func (s *PostgresStore) GetMembership(ctx context.Context, workspaceID, userID string) (string, error) {
	var role string
	err := s.q(ctx).QueryRowContext(ctx, `
		SELECT role FROM workspace_members WHERE workspace_id=$1 AND user_id=$2`,
		workspaceID, userID).Scan(&role)
	if err != nil {
		return "", fmt.Errorf("get membership: %w", err)
	}
	return role, nil
}

func (s *PostgresStore) ListMembers(ctx context.Context, workspaceID string) ([]*Member, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT m.id, m.workspace_id, m.user_id, m.role, COALESCE(m.invited_by, ''), m.display_order, m.created_at,
			u.email, u.display_name
		FROM workspace_members m
		JOIN users u ON u.id = m.user_id
		WHERE m.workspace_id=$1
		ORDER BY m.display_order, m.created_at`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	var members []*Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.ID, &m.WorkspaceID, &m.UserID, &m.Role, &m.InvitedBy, &m.DisplayOrder,
			&m.CreatedAt, &m.UserEmail, &m.UserName); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, &m)
	}
	return members, rows.Err()
}

func (s *PostgresStore) GetMember(ctx context.Context, workspaceID, userID string) (*Member, error) {
	var m Member
	err := s.q(ctx).QueryRowContext(ctx, `
		SELECT m.id, m.workspace_id, m.user_id, m.role, COALESCE(m.invited_by, ''), m.display_order, m.created_at,
			u.email, u.display_name
		FROM workspace_members m
		JOIN users u ON u.id = m.user_id
		WHERE m.workspace_id=$1 AND m.user_id=$2`, workspaceID, userID).
		Scan(&m.ID, &m.WorkspaceID, &m.UserID, &m.Role, &m.InvitedBy, &m.DisplayOrder,
			&m.CreatedAt, &m.UserEmail, &m.UserName)
	if err != nil {
		return nil, fmt.Errorf("get member: %w", err)
	}
	return &m, nil
}

func (s *PostgresStore) GetMemberByID(ctx context.Context, id string) (*Member, error) {
	var m Member
	err := s.q(ctx).QueryRowContext(ctx, `
		SELECT m.id, m.workspace_id, m.user_id, m.role, COALESCE(m.invited_by, ''), m.display_order, m.created_at,
			u.email, u.display_name
		FROM workspace_members m
		JOIN users u ON u.id = m.user_id
		WHERE m.id=$1`, id).
		Scan(&m.ID, &m.WorkspaceID, &m.UserID, &m.Role, &m.InvitedBy, &m.DisplayOrder,
			&m.CreatedAt, &m.UserEmail, &m.UserName)
	if err != nil {
		return nil, fmt.Errorf("get member by id: %w", err)
	}
	return &m, nil
}

func (s *PostgresStore) CreateMember(ctx context.Context, m *Member) error {
	var invitedBy any
	if m.InvitedBy != "" {
		invitedBy = m.InvitedBy
	}
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO workspace_members (id, workspace_id, user_id, role, invited_by, display_order, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.ID, m.WorkspaceID, m.UserID, m.Role, invitedBy, m.DisplayOrder, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("create member: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateMemberRole(ctx context.Context, memberID, role string) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		UPDATE workspace_members SET role=$2 WHERE id=$1`, memberID, role)
	if err != nil {
		return fmt.Errorf("update member role: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateMemberOrder(ctx context.Context, workspaceID, userID string, order int) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		UPDATE workspace_members SET display_order=$3 WHERE workspace_id=$1 AND user_id=$2`,
		workspaceID, userID, order)
	if err != nil {
		return fmt.Errorf("update member order: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteMember(ctx context.Context, memberID string) error {
	_, err := s.q(ctx).ExecContext(ctx, `DELETE FROM workspace_members WHERE id=$1`, memberID)
	if err != nil {
		return fmt.Errorf("delete member: %w", err)
	}
	return nil
}

func (s *PostgresStore) CountMembers(ctx context.Context, workspaceID string) (int, error) {
	var n int
	err := s.q(ctx).QueryRowContext(ctx, `
		SELECT COUNT(*) FROM workspace_members WHERE workspace_id=$1`, workspaceID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count members: %w", err)
	}
	return n, nil
}

// ---- projects ----

const projectColumns = `id, workspace_id, name, color, created_at, updated_at`

func scanProject(row interface{ Scan(...any) error }) (*Project, error) {
	var p Project
	err := row.Scan(&p.ID, &p.WorkspaceID, &p.Name, &p.Color, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) GetProject(ctx context.Context, id string) (*Project, error) {
	p, err := scanProject(s.q(ctx).QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=$1`, id))
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) ListProjects(ctx context.Context, workspaceID string) ([]*Project, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT `+projectColumns+` FROM projects WHERE workspace_id=$1 ORDER BY created_at`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var projects []*Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

func (s *PostgresStore) CreateProject(ctx context.Context, p *Project) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO projects (id, workspace_id, name, color, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)`,
		p.ID, p.WorkspaceID, p.Name, p.Color, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("create project: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateProject(ctx context.Context, p *Project) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		UPDATE projects SET name=$2, color=$3, updated_at=NOW() WHERE id=$1`,
		p.ID, p.Name, p.Color)
	if err != nil {
		return fmt.Errorf("update project: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteProject(ctx context.Context, id string) error {
	_, err := s.q(ctx).ExecContext(ctx, `DELETE FROM projects WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	return nil
}

// DeleteTasksByProject removes every task attached to the project and
// reports how many were removed.
func (s *PostgresStore) DeleteTasksByProject(ctx context.Context, projectID string) (int64, error) {
	res, err := s.q(ctx).ExecContext(ctx, `DELETE FROM tasks WHERE project_id=$1`, projectID)
	if err != nil {
		return 0, fmt.Errorf("delete tasks by project: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete tasks by project: %w", err)
	}
	return n, nil
}

// ---- tasks ----

const taskColumns = `id, workspace_id, project_id, title, description, status, priority,
	blocked, block_reason, on_hold, hold_reason, due_date, position,
	COALESCE(created_by, ''), assigned_to, created_at, updated_at`

func scanTask(row interface{ Scan(...any) error }) (*Task, error) {
	var t Task
	err := row.Scan(&t.ID, &t.WorkspaceID, &t.ProjectID, &t.Title, &t.Description, &t.Status, &t.Priority,
		&t.Blocked, &t.BlockReason, &t.OnHold, &t.HoldReason, &t.DueDate, &t.Position,
		&t.CreatedBy, &t.AssignedTo, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (*Task, error) {
	t, err := scanTask(s.q(ctx).QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=$1`, id))
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) ListTasks(ctx context.Context, workspaceID string) ([]*Task, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE workspace_id=$1 ORDER BY position, created_at`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// MaxTaskPosition returns the highest position in the (workspace, status)
// column, or 0 when the column is empty.
func (s *PostgresStore) MaxTaskPosition(ctx context.Context, workspaceID, status string) (int, error) {
	var pos int
	err := s.q(ctx).QueryRowContext(ctx, `
		SELECT COALESCE(MAX(position), 0) FROM tasks WHERE workspace_id=$1 AND status=$2`,
		workspaceID, status).Scan(&pos)
	if err != nil {
		return 0, fmt.Errorf("max task position: %w", err)
	}
	return pos, nil
}

func (s *PostgresStore) CreateTask(ctx context.Context, t *Task) error {
	var createdBy any
	if t.CreatedBy != "" {
		createdBy = t.CreatedBy
	}
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO tasks (id, workspace_id, project_id, title, description, status, priority,
			blocked, block_reason, on_hold, hold_reason, due_date, position, created_by, assigned_to,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $16)`,
		t.ID, t.WorkspaceID, t.ProjectID, t.Title, t.Description, t.Status, t.Priority,
		t.Blocked, t.BlockReason, t.OnHold, t.HoldReason, t.DueDate, t.Position, createdBy, t.AssignedTo,
		t.CreatedAt)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateTask(ctx context.Context, t *Task) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		UPDATE tasks SET project_id=$2, title=$3, description=$4, status=$5, priority=$6,
			blocked=$7, block_reason=$8, on_hold=$9, hold_reason=$10, due_date=$11, position=$12,
			assigned_to=$13, updated_at=NOW()
		WHERE id=$1`,
		t.ID, t.ProjectID, t.Title, t.Description, t.Status, t.Priority,
		t.Blocked, t.BlockReason, t.OnHold, t.HoldReason, t.DueDate, t.Position, t.AssignedTo)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteTask(ctx context.Context, id string) error {
	_, err := s.q(ctx).ExecContext(ctx, `DELETE FROM tasks WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

func (s *PostgresStore) CountTasks(ctx context.Context, workspaceID string) (int, error) {
	var n int
	err := s.q(ctx).QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE workspace_id=$1`, workspaceID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) CountAllTasks(ctx context.Context) (int, error) {
	var n int
	if err := s.q(ctx).QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count all tasks: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) CountTasksByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count tasks by status: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan task count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// ---- task comments ----

func (s *PostgresStore) CreateTaskComment(ctx context.Context, c *TaskComment) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO task_updates (id, task_id, user_id, content, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		c.ID, c.TaskID, c.UserID, c.Content, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("create task comment: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTaskComment(ctx context.Context, id string) (*TaskComment, error) {
	var c TaskComment
	err := s.q(ctx).QueryRowContext(ctx, `
		SELECT c.id, c.task_id, COALESCE(c.user_id, ''), c.content, c.created_at, COALESCE(u.display_name, '')
		FROM task_updates c
		LEFT JOIN users u ON u.id = c.user_id
		WHERE c.id=$1`, id).
		Scan(&c.ID, &c.TaskID, &c.UserID, &c.Content, &c.CreatedAt, &c.UserName)
	if err != nil {
		return nil, fmt.Errorf("get task comment: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) ListTaskComments(ctx context.Context, taskID string) ([]*TaskComment, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT c.id, c.task_id, COALESCE(c.user_id, ''), c.content, c.created_at, COALESCE(u.display_name, '')
		FROM task_updates c
		LEFT JOIN users u ON u.id = c.user_id
		WHERE c.task_id=$1
		ORDER BY c.created_at DESC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task comments: %w", err)
	}
	defer rows.Close()

	var comments []*TaskComment
	for rows.Next() {
		var c TaskComment
		if err := rows.Scan(&c.ID, &c.TaskID, &c.UserID, &c.Content, &c.CreatedAt, &c.UserName); err != nil {
			return nil, fmt.Errorf("scan task comment: %w", err)
		}
		comments = append(comments, &c)
	}
	return comments, rows.Err()
}

func (s *PostgresStore) DeleteTaskComment(ctx context.Context, id string) error {
	_, err := s.q(ctx).ExecContext(ctx, `DELETE FROM task_updates WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete task comment: %w", err)
	}
	return nil
}

// ListTaskCommenters returns the distinct users who have commented on the task.
func (s *PostgresStore) ListTaskCommenters(ctx context.Context, taskID string) ([]string, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT DISTINCT user_id FROM task_updates WHERE task_id=$1 AND user_id IS NOT NULL`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task commenters: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan task commenter: %w", err)
		}
		users = append(users, id)
	}
	return users, rows.Err()
}

// ---- activity log ----

func (s *PostgresStore) InsertActivity(ctx context.Context, e *ActivityEntry) error {
	details, err := marshalJSONB(e.Details)
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	var userID, workspaceID any
	if e.UserID != "" {
		userID = e.UserID
	}
	if e.WorkspaceID != "" {
		workspaceID = e.WorkspaceID
	}
	_, err = s.q(ctx).ExecContext(ctx, `
		INSERT INTO activity_log (id, user_id, workspace_id, action, entity_type, entity_id, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, userID, workspaceID, e.Action, e.EntityType, e.EntityID, details, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListActivity(ctx context.Context, limit int) ([]*ActivityEntry, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT a.id, COALESCE(a.user_id, ''), COALESCE(a.workspace_id, ''), a.action,
			a.entity_type, a.entity_id, a.details, a.created_at, COALESCE(u.display_name, '')
		FROM activity_log a
		LEFT JOIN users u ON u.id = a.user_id
		ORDER BY a.created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list activity: %w", err)
	}
	defer rows.Close()

	var entries []*ActivityEntry
	for rows.Next() {
		var e ActivityEntry
		var details []byte
		if err := rows.Scan(&e.ID, &e.UserID, &e.WorkspaceID, &e.Action,
			&e.EntityType, &e.EntityID, &details, &e.CreatedAt, &e.UserName); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, fmt.Errorf("decode activity details: %w", err)
			}
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// ---- notifications ----

func (s *PostgresStore) InsertNotification(ctx context.Context, n *Notification) error {
	data, err := marshalJSONB(n.Data)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	_, err = s.q(ctx).ExecContext(ctx, `
		INSERT INTO notifications (id, user_id, type, title, message, data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		n.ID, n.UserID, n.Type, n.Title, n.Message, data, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListNotifications(ctx context.Context, userID string, limit int) ([]*Notification, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT id, user_id, type, title, message, data, read_at, created_at
		FROM notifications
		WHERE user_id=$1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var notifications []*Notification
	for rows.Next() {
		var n Notification
		var data []byte
		if err := rows.Scan(&n.ID, &n.UserID, &n.Type, &n.Title, &n.Message, &data, &n.ReadAt, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &n.Data); err != nil {
				return nil, fmt.Errorf("decode notification data: %w", err)
			}
		}
		notifications = append(notifications, &n)
	}
	return notifications, rows.Err()
}

func (s *PostgresStore) CountUnreadNotifications(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.q(ctx).QueryRowContext(ctx, `
		SELECT COUNT(*) FROM notifications WHERE user_id=$1 AND read_at IS NULL`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unread notifications: %w", err)
	}
	return n, nil
}

// MarkNotificationsRead marks the given notifications read, or all of the
// user's unread notifications when ids is empty. Already-read rows are left
// untouched so the reported count only covers fresh reads.
func (s *PostgresStore) MarkNotificationsRead(ctx context.Context, userID string, ids []string) (int64, error) {
	var res sql.Result
	var err error
	if len(ids) == 0 {
		res, err = s.q(ctx).ExecContext(ctx, `
			UPDATE notifications SET read_at=NOW() WHERE user_id=$1 AND read_at IS NULL`, userID)
	} else {
		res, err = s.q(ctx).ExecContext(ctx, `
			UPDATE notifications SET read_at=NOW() WHERE user_id=$1 AND read_at IS NULL AND id=ANY($2)`,
			userID, ids)
	}
	if err != nil {
		return 0, fmt.Errorf("mark notifications read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark notifications read: %w", err)
	}
	return n, nil
}

// DeleteNotification removes the notification if it belongs to the user and
// reports whether a row was deleted.
func (s *PostgresStore) DeleteNotification(ctx context.Context, id, userID string) (bool, error) {
	res, err := s.q(ctx).ExecContext(ctx, `
		DELETE FROM notifications WHERE id=$1 AND user_id=$2`, id, userID)
	if err != nil {
		return false, fmt.Errorf("delete notification: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete notification: %w", err)
	}
	return n > 0, nil
}

// CleanupNotifications drops the user's read notifications older than seven
// days and any notification older than thirty, returning how many went away.
func (s *PostgresStore) CleanupNotifications(ctx context.Context, userID string, now time.Time) (int64, error) {
	res, err := s.q(ctx).ExecContext(ctx, `
		DELETE FROM notifications
		WHERE user_id=$1 AND (
			(read_at IS NOT NULL AND created_at < $2) OR created_at < $3
		)`, userID, now.AddDate(0, 0, -7), now.AddDate(0, 0, -30))
	if err != nil {
		return 0, fmt.Errorf("cleanup notifications: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleanup notifications: %w", err)
	}
	return n, nil
}

// ---- site settings ----

func (s *PostgresStore) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.q(ctx).QueryRowContext(ctx, `SELECT value FROM site_settings WHERE key=$1`, key).Scan(&value)
	if err != nil {
		return "", fmt.Errorf("get setting: %w", err)
	}
	return value, nil
}

func (s *PostgresStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO site_settings (key, value, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`, key, value)
	if err != nil {
		return fmt.Errorf("set setting: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSettingsByPrefix(ctx context.Context, prefix string) (map[string]string, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT key, value FROM site_settings WHERE key LIKE $1 || '%'`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get settings by prefix: %w", err)
	}
	defer rows.Close()

	settings := map[string]string{}
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		settings[key] = value
	}
	return settings, rows.Err()
}

func marshalJSONB(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode jsonb: %w", err)
	}
	return b, nil
}
