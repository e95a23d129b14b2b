package app

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"taskboard/api/internal/rbac"
	"taskboard/api/internal/store"
	"taskboard/api/internal/util"
)

var validTaskStatuses = map[string]struct{}{
	"todo":        {},
	"in_progress": {},
	"done":        {},
	"archived":    {},
}

var validTaskPriorities = map[string]struct{}{
	"high":   {},
	"medium": {},
	"low":    {},
}

var statusLabels = map[string]string{
	"todo":        "To Do",
	"in_progress": "In Progress",
	"done":        "Done",
	"archived":    "Archived",
}

func statusLabel(status string) string {
	if label, ok := statusLabels[status]; ok {
		return label
	}
	return status
}

// ---- projects ----

type CreateProjectInput struct {
	WorkspaceID string `json:"workspace_id"`
	Name        string `json:"name"`
	Color       string `json:"color"`
}

type UpdateProjectInput struct {
	Name  *string `json:"name"`
	Color *string `json:"color"`
}

func (s *Service) ListProjects(ctx context.Context, session Session, workspaceID string) ([]map[string]any, error) {
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

	projects, err := s.store.ListProjects(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(projects))
	for _, project := range projects {
		items = append(items, projectPayload(project))
	}
	return items, nil
}

func projectPayload(project *store.Project) map[string]any {
	return map[string]any{
		"id":           project.ID,
		"workspace_id": project.WorkspaceID,
		"name":         project.Name,
		"color":        project.Color,
		"created_at":   project.CreatedAt,
		"updated_at":   project.UpdatedAt,
	}
}

func (s *Service) CreateProject(ctx context.Context, session Session, input CreateProjectInput) (map[string]any, error) {
	workspace, err := s.store.GetWorkspace(ctx, input.WorkspaceID)
	if err != nil {
		return nil, err
	}
	role, err := s.workspaceRole(ctx, workspace, session)
	if err != nil {
		return nil, err
	}
	if !rbac.CanEdit(role) {
		return nil, forbidden("Edit access required")
	}
	if input.Name == "" {
		return nil, validationError("Project name is required")
	}
	if input.Color == "" {
		input.Color = "#3b82f6"
	}

	project := &store.Project{
		ID:          util.NewID("prj"),
		WorkspaceID: input.WorkspaceID,
		Name:        input.Name,
		Color:       input.Color,
		CreatedAt:   time.Now(),
	}
	err = s.store.InTx(ctx, func(ctx context.Context) error {
		if err := s.store.CreateProject(ctx, project); err != nil {
			return err
		}
		return s.logActivity(ctx, session.UserID, project.WorkspaceID, "project_created", "project", project.ID,
			map[string]any{"name": project.Name})
	})
	if err != nil {
		return nil, err
	}
	return projectPayload(project), nil
}

func (s *Service) UpdateProject(ctx context.Context, session Session, projectID string, input UpdateProjectInput) (map[string]any, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	workspace, err := s.store.GetWorkspace(ctx, project.WorkspaceID)
	if err != nil {
		return nil, err
	}
	role, err := s.workspaceRole(ctx, workspace, session)
	if err != nil {
		return nil, err
	}
	if !rbac.CanEdit(role) {
		return nil, forbidden("Edit access required")
	}

	if input.Name != nil && *input.Name != "" {
		project.Name = *input.Name
	}
	if input.Color != nil && *input.Color != "" {
		project.Color = *input.Color
	}

	err = s.store.InTx(ctx, func(ctx context.Context) error {
		if err := s.store.UpdateProject(ctx, project); err != nil {
			return err
		}
		return s.logActivity(ctx, session.UserID, project.WorkspaceID, "project_updated", "project", project.ID,
			map[string]any{"name": project.Name})
	})
	if err != nil {
		return nil, err
	}
	return projectPayload(project), nil
}

// DeleteProject removes the project and all of its tasks; the count of
// removed tasks ends up in the activity details.
func (s *Service) DeleteProject(ctx context.Context, session Session, projectID string) (int64, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return 0, err
	}
	workspace, err := s.store.GetWorkspace(ctx, project.WorkspaceID)
	if err != nil {
		return 0, err
	}
	role, err := s.workspaceRole(ctx, workspace, session)
	if err != nil {
		return 0, err
	}
	if !rbac.CanEdit(role) {
		return 0, forbidden("Edit access required")
	}

	var taskCount int64
	err = s.store.InTx(ctx, func(ctx context.Context) error {
		taskCount, err = s.store.DeleteTasksByProject(ctx, projectID)
		if err != nil {
			return err
		}
		if err := s.logActivity(ctx, session.UserID, project.WorkspaceID, "project_deleted", "project", project.ID,
			map[string]any{"name": project.Name, "tasks_deleted": taskCount}); err != nil {
			return err
		}
		return s.store.DeleteProject(ctx, projectID)
	})
	if err != nil {
		return 0, err
	}
	return taskCount, nil
}

// ---- tasks ----

type CreateTaskInput struct {
	WorkspaceID string  `json:"workspace_id"`
	ProjectID   *string `json:"project_id"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Status      string  `json:"status"`
	Priority    string  `json:"priority"`
	DueDate     *string `json:"due_date"`
	AssignedTo  *string `json:"assigned_to"`
}

type UpdateTaskInput struct {
	Title       *string     `json:"title"`
	Description *string     `json:"description"`
	Status      *string     `json:"status"`
	Priority    *string     `json:"priority"`
	Blocked     *bool       `json:"blocked"`
	BlockReason Opt[string] `json:"block_reason"`
	OnHold      *bool       `json:"on_hold"`
	HoldReason  Opt[string] `json:"hold_reason"`
	DueDate     Opt[string] `json:"due_date"`
	ProjectID   Opt[string] `json:"project_id"`
	Position    *int        `json:"position"`
	AssignedTo  Opt[string] `json:"assigned_to"`
}

func (s *Service) ListTasks(ctx context.Context, session Session, workspaceID string) ([]map[string]any, error) {
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

	tasks, err := s.store.ListTasks(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	projects, err := s.store.ListProjects(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	projectsByID := make(map[string]*store.Project, len(projects))
	for _, project := range projects {
		projectsByID[project.ID] = project
	}

	items := make([]map[string]any, 0, len(tasks))
	for _, task := range tasks {
		item, err := s.taskPayload(ctx, task, projectsByID)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func (s *Service) taskPayload(ctx context.Context, task *store.Task, projectsByID map[string]*store.Project) (map[string]any, error) {
	payload := map[string]any{
		"id":            task.ID,
		"workspace_id":  task.WorkspaceID,
		"project_id":    task.ProjectID,
		"project_name":  nil,
		"project_color": nil,
		"title":         task.Title,
		"description":   task.Description,
		"status":        task.Status,
		"priority":      task.Priority,
		"blocked":       task.Blocked,
		"block_reason":  task.BlockReason,
		"on_hold":       task.OnHold,
		"hold_reason":   task.HoldReason,
		"due_date":      task.DueDate,
		"position":      task.Position,
		"created_by":    task.CreatedBy,
		"assigned_to":   task.AssignedTo,
		"assigned_to_name": nil,
		"updates":       []map[string]any{},
		"created_at":    task.CreatedAt,
		"updated_at":    task.UpdatedAt,
	}

	if task.ProjectID != nil {
		project, ok := projectsByID[*task.ProjectID]
		if !ok {
			loaded, err := s.store.GetProject(ctx, *task.ProjectID)
			if err == nil {
				project, ok = loaded, true
			} else if !errors.Is(err, sql.ErrNoRows) {
				return nil, err
			}
		}
		if ok {
			payload["project_name"] = project.Name
			payload["project_color"] = project.Color
		}
	}

	if task.AssignedTo != nil {
		assignee, err := s.store.GetUserByID(ctx, *task.AssignedTo)
		if err == nil {
			payload["assigned_to_name"] = assignee.DisplayName
		} else if !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
	}

	comments, err := s.store.ListTaskComments(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	updates := make([]map[string]any, 0, len(comments))
	for _, comment := range comments {
		updates = append(updates, map[string]any{
			"id":         comment.ID,
			"user_id":    comment.UserID,
			"user_name":  comment.UserName,
			"content":    comment.Content,
			"created_at": comment.CreatedAt,
		})
	}
	payload["updates"] = updates
	return payload, nil
}

func (s *Service) CreateTask(ctx context.Context, session Session, input CreateTaskInput) (map[string]any, error) {
	workspace, err := s.store.GetWorkspace(ctx, input.WorkspaceID)
	if err != nil {
		return nil, err
	}
	role, err := s.workspaceRole(ctx, workspace, session)
	if err != nil {
		return nil, err
	}
	if !rbac.CanEdit(role) {
		return nil, forbidden("Edit access required")
	}

	if input.Title == "" {
		return nil, validationError("Task title is required")
	}
	if input.Status == "" {
		input.Status = "todo"
	}
	if _, ok := validTaskStatuses[input.Status]; !ok {
		return nil, validationError("Invalid task status")
	}
	if input.Priority == "" {
		input.Priority = "medium"
	}
	if _, ok := validTaskPriorities[input.Priority]; !ok {
		return nil, validationError("Invalid task priority")
	}

	dueDate, err := parseDueDate(input.DueDate)
	if err != nil {
		return nil, err
	}

	task := &store.Task{
		ID:          util.NewID("tsk"),
		WorkspaceID: input.WorkspaceID,
		ProjectID:   input.ProjectID,
		Title:       input.Title,
		Description: input.Description,
		Status:      input.Status,
		Priority:    input.Priority,
		DueDate:     dueDate,
		CreatedBy:   session.UserID,
		AssignedTo:  input.AssignedTo,
		CreatedAt:   time.Now(),
	}

	err = s.store.InTx(ctx, func(ctx context.Context) error {
		// New tasks land at the end of their column.
		maxPos, err := s.store.MaxTaskPosition(ctx, task.WorkspaceID, task.Status)
		if err != nil {
			return err
		}
		task.Position = maxPos + 1
		if err := s.store.CreateTask(ctx, task); err != nil {
			return err
		}
		return s.logActivity(ctx, session.UserID, task.WorkspaceID, "task_created", "task", task.ID,
			map[string]any{"title": task.Title})
	})
	if err != nil {
		return nil, err
	}
	return s.taskPayload(ctx, task, nil)
}

func (s *Service) UpdateTask(ctx context.Context, session Session, taskID string, input UpdateTaskInput) (map[string]any, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	workspace, err := s.store.GetWorkspace(ctx, task.WorkspaceID)
	if err != nil {
		return nil, err
	}
	role, err := s.workspaceRole(ctx, workspace, session)
	if err != nil {
		return nil, err
	}
	if !rbac.CanEdit(role) {
		return nil, forbidden("Edit access required")
	}

	oldStatus := task.Status

	if input.Title != nil {
		if *input.Title == "" {
			return nil, validationError("Task title is required")
		}
		task.Title = *input.Title
	}
	if input.Description != nil {
		task.Description = *input.Description
	}
	if input.Status != nil {
		if _, ok := validTaskStatuses[*input.Status]; !ok {
			return nil, validationError("Invalid task status")
		}
		task.Status = *input.Status
	}
	if input.Priority != nil {
		if _, ok := validTaskPriorities[*input.Priority]; !ok {
			return nil, validationError("Invalid task priority")
		}
		task.Priority = *input.Priority
	}
	if input.Blocked != nil {
		task.Blocked = *input.Blocked
	}
	if input.BlockReason.Set {
		task.BlockReason = input.BlockReason.Ptr()
	}
	if input.OnHold != nil {
		task.OnHold = *input.OnHold
	}
	if input.HoldReason.Set {
		task.HoldReason = input.HoldReason.Ptr()
	}
	if input.DueDate.Set {
		if input.DueDate.Null {
			task.DueDate = nil
		} else {
			dueDate, err := parseDueDate(&input.DueDate.Value)
			if err != nil {
				return nil, err
			}
			task.DueDate = dueDate
		}
	}
	if input.ProjectID.Set {
		task.ProjectID = input.ProjectID.Ptr()
	}
	if input.Position != nil {
		// Client-driven reorder: last write wins, shared positions are
		// tolerated transiently.
		task.Position = *input.Position
	}
	if input.AssignedTo.Set {
		task.AssignedTo = input.AssignedTo.Ptr()
	}

	action := "task_updated"
	moved := input.Status != nil && task.Status != oldStatus
	if moved {
		action = "task_moved"
	}

	err = s.store.InTx(ctx, func(ctx context.Context) error {
		if err := s.store.UpdateTask(ctx, task); err != nil {
			return err
		}
		if moved && task.CreatedBy != "" && task.CreatedBy != session.UserID {
			notification := &store.Notification{
				ID:      util.NewID("ntf"),
				UserID:  task.CreatedBy,
				Type:    "task_moved",
				Title:   "Task moved: " + task.Title,
				Message: session.UserName + " moved your task from " + statusLabel(oldStatus) + " to " + statusLabel(task.Status),
				Data: map[string]any{
					"task_id":      task.ID,
					"workspace_id": task.WorkspaceID,
					"task_title":   task.Title,
					"old_status":   oldStatus,
					"new_status":   task.Status,
					"actor_name":   session.UserName,
				},
				CreatedAt: time.Now(),
			}
			if err := s.store.InsertNotification(ctx, notification); err != nil {
				return err
			}
		}
		return s.logActivity(ctx, session.UserID, task.WorkspaceID, action, "task", task.ID,
			map[string]any{"title": task.Title, "old_status": oldStatus, "new_status": task.Status})
	})
	if err != nil {
		return nil, err
	}
	return s.taskPayload(ctx, task, nil)
}

func (s *Service) DeleteTask(ctx context.Context, session Session, taskID string) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	workspace, err := s.store.GetWorkspace(ctx, task.WorkspaceID)
	if err != nil {
		return err
	}
	role, err := s.workspaceRole(ctx, workspace, session)
	if err != nil {
		return err
	}
	if !rbac.CanEdit(role) {
		return forbidden("Edit access required")
	}

	return s.store.InTx(ctx, func(ctx context.Context) error {
		if err := s.logActivity(ctx, session.UserID, task.WorkspaceID, "task_deleted", "task", task.ID,
			map[string]any{"title": task.Title}); err != nil {
			return err
		}
		return s.store.DeleteTask(ctx, taskID)
	})
}

// ---- task comments ----

// AddTaskComment appends a comment and notifies the creator and prior
// commenters.
func (s *Service) AddTaskComment(ctx context.Context, session Session, taskID, content string) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if content == "" {
		return validationError("Comment content is required")
	}

	preview := truncate(content, 100)

	return s.store.InTx(ctx, func(ctx context.Context) error {
		recipients := map[string]string{}
		if task.CreatedBy != "" && task.CreatedBy != session.UserID {
			recipients[task.CreatedBy] = "task_update"
		}
		commenters, err := s.store.ListTaskCommenters(ctx, taskID)
		if err != nil {
			return err
		}
		for _, commenter := range commenters {
			if commenter == session.UserID {
				continue
			}
			if _, ok := recipients[commenter]; !ok {
				recipients[commenter] = "task_update_reply"
			}
		}

		comment := &store.TaskComment{
			ID:        util.NewID("upd"),
			TaskID:    taskID,
			UserID:    session.UserID,
			Content:   content,
			CreatedAt: time.Now(),
		}
		if err := s.store.CreateTaskComment(ctx, comment); err != nil {
			return err
		}

		for userID, notifType := range recipients {
			title := "New comment on: " + task.Title
			if notifType == "task_update" {
				title = "Update on your task: " + task.Title
			}
			notification := &store.Notification{
				ID:      util.NewID("ntf"),
				UserID:  userID,
				Type:    notifType,
				Title:   title,
				Message: session.UserName + ": " + preview,
				Data: map[string]any{
					"task_id":      task.ID,
					"workspace_id": task.WorkspaceID,
					"task_title":   task.Title,
					"actor_name":   session.UserName,
				},
				CreatedAt: time.Now(),
			}
			if err := s.store.InsertNotification(ctx, notification); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Service) DeleteTaskComment(ctx context.Context, session Session, taskID, commentID string) error {
	comment, err := s.store.GetTaskComment(ctx, commentID)
	if err != nil {
		return err
	}
	if comment.TaskID != taskID {
		return notFound("Update not found")
	}
	if comment.UserID != session.UserID && !session.IsAdmin {
		return forbidden("You can only delete your own updates")
	}
	return s.store.DeleteTaskComment(ctx, commentID)
}

func parseDueDate(value *string) (*time.Time, error) {
	if value == nil || *value == "" {
		return nil, nil
	}
	for _, layout := range []string{"2006-01-02", time.RFC3339} {
		if parsed, err := time.Parse(layout, *value); err == nil {
			return &parsed, nil
		}
	}
	return nil, validationError("Invalid due date")
}

func truncate(content string, limit int) string {
	runes := []rune(content)
	if len(runes) <= limit {
		return content
	}
	return string(runes[:limit]) + "..."
}
