package app

import (
	"context"
	"time"

	"taskboard/api/internal/store"
	"taskboard/api/internal/util"
)

// logActivity appends one audit record; callers run it inside the mutation's
// transaction so log and mutation commit or roll back together.
func (s *Service) logActivity(ctx context.Context, userID, workspaceID, action, entityType, entityID string, details map[string]any) error {
	return s.store.InsertActivity(ctx, &store.ActivityEntry{
		ID:          util.NewID("act"),
		UserID:      userID,
		WorkspaceID: workspaceID,
		Action:      action,
		EntityType:  entityType,
		EntityID:    entityID,
		Details:     details,
		CreatedAt:   time.Now(),
	})
}

// notifyWorkspaceMembers fans a notification out to the workspace owner and
// every member, minus the excluded users (at least the actor).
func (s *Service) notifyWorkspaceMembers(ctx context.Context, workspace *store.Workspace, exclude map[string]bool, notifType, title, message string, data map[string]any) error {
	recipients := map[string]bool{}
	if !exclude[workspace.OwnerID] {
		recipients[workspace.OwnerID] = true
	}
	members, err := s.store.ListMembers(ctx, workspace.ID)
	if err != nil {
		return err
	}
	for _, member := range members {
		if !exclude[member.UserID] {
			recipients[member.UserID] = true
		}
	}

	for userID := range recipients {
		notification := &store.Notification{
			ID:        util.NewID("ntf"),
			UserID:    userID,
			Type:      notifType,
			Title:     title,
			Message:   message,
			Data:      data,
			CreatedAt: time.Now(),
		}
		if err := s.store.InsertNotification(ctx, notification); err != nil {
			return err
		}
	}
	return nil
}

// ---- notification queries ----

func (s *Service) ListNotifications(ctx context.Context, session Session, limit int) ([]map[string]any, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	notifications, err := s.store.ListNotifications(ctx, session.UserID, limit)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(notifications))
	for _, notification := range notifications {
		item := map[string]any{
			"id":         notification.ID,
			"type":       notification.Type,
			"title":      notification.Title,
			"message":    notification.Message,
			"data":       notification.Data,
			"created_at": notification.CreatedAt,
		}
		if notification.ReadAt != nil {
			item["read_at"] = *notification.ReadAt
		} else {
			item["read_at"] = nil
		}
		items = append(items, item)
	}
	return items, nil
}

func (s *Service) UnreadNotificationCount(ctx context.Context, session Session) (int, error) {
	return s.store.CountUnreadNotifications(ctx, session.UserID)
}

// MarkNotificationsRead marks the given notifications, or all unread ones
// when ids is empty. Idempotent: a second call affects zero rows.
func (s *Service) MarkNotificationsRead(ctx context.Context, session Session, ids []string) (int64, error) {
	return s.store.MarkNotificationsRead(ctx, session.UserID, ids)
}

func (s *Service) DeleteNotification(ctx context.Context, session Session, notificationID string) error {
	deleted, err := s.store.DeleteNotification(ctx, notificationID, session.UserID)
	if err != nil {
		return err
	}
	if !deleted {
		return notFound("Notification not found")
	}
	return nil
}

// CleanupNotifications drops the caller's stale notifications: read ones
// older than seven days, anything older than thirty.
func (s *Service) CleanupNotifications(ctx context.Context, session Session) (int64, error) {
	return s.store.CleanupNotifications(ctx, session.UserID, time.Now())
}
