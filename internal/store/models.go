package store

import "time"

type User struct {
	ID           string
	Email        string
	PasswordHash string
	DisplayName  string
	IsAdmin      bool
	IsGuest      bool
	IsActive     bool
	Theme        string
	LastLogin    *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Workspace struct {
	ID          string
	Name        string
	Description string
	Color       string
	OwnerID     string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Member is a stored membership grant. The workspace owner normally has no
// row here; a role="owner" row exists only when synthesized to carry the
// owner's display order.
type Member struct {
	ID           string
	WorkspaceID  string
	UserID       string
	Role         string
	InvitedBy    string
	DisplayOrder int
	CreatedAt    time.Time
	// Joined fields for API responses
	UserEmail string
	UserName  string
}

type Project struct {
	ID          string
	WorkspaceID string
	Name        string
	Color       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Task struct {
	ID          string
	WorkspaceID string
	ProjectID   *string
	Title       string
	Description string
	Status      string
	Priority    string
	Blocked     bool
	BlockReason *string
	OnHold      bool
	HoldReason  *string
	DueDate     *time.Time
	Position    int
	CreatedBy   string
	AssignedTo  *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type TaskComment struct {
	ID        string
	TaskID    string
	UserID    string
	Content   string
	CreatedAt time.Time
	// Joined field for API responses
	UserName string
}

type ActivityEntry struct {
	ID          string
	UserID      string
	WorkspaceID string
	Action      string
	EntityType  string
	EntityID    string
	Details     map[string]any
	CreatedAt   time.Time
	// Joined field for API responses
	UserName string
}

type Notification struct {
	ID        string
	UserID    string
	Type      string
	Title     string
	Message   string
	Data      map[string]any
	ReadAt    *time.Time
	CreatedAt time.Time
}
