package app

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	"taskboard/api/internal/store"
)

func taskFixture() *store.Task {
	return &store.Task{
		ID:          "tsk_1",
		WorkspaceID: "ws_1",
		Title:       "Ship the launch plan",
		Status:      "todo",
		Priority:    "medium",
		Position:    3,
		CreatedBy:   "usr_creator",
	}
}

func TestCreateTaskAppendsToColumn(t *testing.T) {
	var created *store.Task
	fs := &fakeStore{
		getWorkspaceFn: func(_ context.Context, id string) (*store.Workspace, error) {
			return testWorkspace("usr_owner"), nil
		},
		maxTaskPositionFn: func(_ context.Context, workspaceID, status string) (int, error) {
			if status != "todo" {
				t.Errorf("expected max position query for todo, got %s", status)
			}
			return 4, nil
		},
		createTaskFn: func(_ context.Context, task *store.Task) error {
			created = task
			return nil
		},
	}
	service, _ := newTestService(fs)

	payload, err := service.CreateTask(context.Background(), Session{UserID: "usr_owner"}, CreateTaskInput{
		WorkspaceID: "ws_1",
		Title:       "New task",
	})
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if created.Position != 5 {
		t.Errorf("expected position 5, got %d", created.Position)
	}
	if created.Status != "todo" || created.Priority != "medium" {
		t.Errorf("expected defaults todo/medium, got %s/%s", created.Status, created.Priority)
	}
	if payload["position"] != 5 {
		t.Errorf("expected payload position 5, got %v", payload["position"])
	}
}

func TestCreateTaskEmptyColumnStartsAtOne(t *testing.T) {
	var created *store.Task
	fs := &fakeStore{
		getWorkspaceFn: func(_ context.Context, id string) (*store.Workspace, error) {
			return testWorkspace("usr_owner"), nil
		},
		createTaskFn: func(_ context.Context, task *store.Task) error {
			created = task
			return nil
		},
	}
	service, _ := newTestService(fs)

	_, err := service.CreateTask(context.Background(), Session{UserID: "usr_owner"}, CreateTaskInput{
		WorkspaceID: "ws_1",
		Title:       "First task",
		Status:      "done",
	})
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if created.Position != 1 {
		t.Errorf("expected position 1 in empty column, got %d", created.Position)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	fs := &fakeStore{
		getWorkspaceFn: func(_ context.Context, id string) (*store.Workspace, error) {
			return testWorkspace("usr_owner"), nil
		},
	}
	service, _ := newTestService(fs)
	ctx := context.Background()
	session := Session{UserID: "usr_owner"}

	tests := []struct {
		name  string
		input CreateTaskInput
	}{
		{"missing title", CreateTaskInput{WorkspaceID: "ws_1"}},
		{"bad status", CreateTaskInput{WorkspaceID: "ws_1", Title: "T", Status: "doing"}},
		{"bad priority", CreateTaskInput{WorkspaceID: "ws_1", Title: "T", Priority: "urgent"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := service.CreateTask(ctx, session, tt.input)
			if domainErr := asDomainError(t, err); domainErr.Code != "VALIDATION_ERROR" {
				t.Errorf("expected VALIDATION_ERROR, got %s", domainErr.Code)
			}
		})
	}
}

func TestCreateTaskDueDateFormats(t *testing.T) {
	var created *store.Task
	fs := &fakeStore{
		getWorkspaceFn: func(_ context.Context, id string) (*store.Workspace, error) {
			return testWorkspace("usr_owner"), nil
		},
		createTaskFn: func(_ context.Context, task *store.Task) error {
			created = task
			return nil
		},
	}
	service, _ := newTestService(fs)
	ctx := context.Background()
	session := Session{UserID: "usr_owner"}

	dateOnly := "2026-09-15"
	_, err := service.CreateTask(ctx, session, CreateTaskInput{WorkspaceID: "ws_1", Title: "T", DueDate: &dateOnly})
	if err != nil {
		t.Fatalf("date-only due date rejected: %v", err)
	}
	if created.DueDate == nil || created.DueDate.Format("2006-01-02") != "2026-09-15" {
		t.Errorf("unexpected due date %v", created.DueDate)
	}

	rfc := "2026-09-15T10:30:00Z"
	if _, err := service.CreateTask(ctx, session, CreateTaskInput{WorkspaceID: "ws_1", Title: "T", DueDate: &rfc}); err != nil {
		t.Errorf("RFC3339 due date rejected: %v", err)
	}

	bad := "next tuesday"
	_, err = service.CreateTask(ctx, session, CreateTaskInput{WorkspaceID: "ws_1", Title: "T", DueDate: &bad})
	if domainErr := asDomainError(t, err); domainErr.Code != "VALIDATION_ERROR" {
		t.Errorf("expected VALIDATION_ERROR for bad due date, got %s", domainErr.Code)
	}
}

func TestCreateTaskViewerForbidden(t *testing.T) {
	fs := &fakeStore{
		getWorkspaceFn: func(_ context.Context, id string) (*store.Workspace, error) {
			return testWorkspace("usr_owner"), nil
		},
		getMembershipFn: func(_ context.Context, workspaceID, userID string) (string, error) {
			return "viewer", nil
		},
	}
	service, _ := newTestService(fs)

	_, err := service.CreateTask(context.Background(), Session{UserID: "usr_viewer"}, CreateTaskInput{WorkspaceID: "ws_1", Title: "T"})
	if domainErr := asDomainError(t, err); domainErr.Status != 403 {
		t.Errorf("expected 403 for viewer, got %d", domainErr.Status)
	}
}

func TestUpdateTaskMoveNotifiesCreator(t *testing.T) {
	var notification *store.Notification
	var activity *store.ActivityEntry
	fs := &fakeStore{
		getTaskFn: func(_ context.Context, id string) (*store.Task, error) {
			return taskFixture(), nil
		},
		getWorkspaceFn: func(_ context.Context, id string) (*store.Workspace, error) {
			return testWorkspace("usr_owner"), nil
		},
		getMembershipFn: func(_ context.Context, workspaceID, userID string) (string, error) {
			return "editor", nil
		},
		insertNotificationFn: func(_ context.Context, n *store.Notification) error {
			notification = n
			return nil
		},
		insertActivityFn: func(_ context.Context, e *store.ActivityEntry) error {
			activity = e
			return nil
		},
	}
	service, _ := newTestService(fs)

	status := "in_progress"
	session := Session{UserID: "usr_editor", UserName: "Bob"}
	_, err := service.UpdateTask(context.Background(), session, "tsk_1", UpdateTaskInput{Status: &status})
	if err != nil {
		t.Fatalf("UpdateTask failed: %v", err)
	}

	if notification == nil {
		t.Fatal("expected a task_moved notification")
	}
	if notification.UserID != "usr_creator" {
		t.Errorf("expected creator notified, got %s", notification.UserID)
	}
	if notification.Message != "Bob moved your task from To Do to In Progress" {
		t.Errorf("unexpected message %q", notification.Message)
	}
	if notification.Data["old_status"] != "todo" || notification.Data["new_status"] != "in_progress" {
		t.Errorf("unexpected notification data %v", notification.Data)
	}
	if activity == nil || activity.Action != "task_moved" {
		t.Errorf("expected task_moved activity, got %+v", activity)
	}
}

func TestUpdateTaskMoveByCreatorSkipsNotification(t *testing.T) {
	notified := false
	fs := &fakeStore{
		getTaskFn: func(_ context.Context, id string) (*store.Task, error) {
			return taskFixture(), nil
		},
		getWorkspaceFn: func(_ context.Context, id string) (*store.Workspace, error) {
			return testWorkspace("usr_owner"), nil
		},
		getMembershipFn: func(_ context.Context, workspaceID, userID string) (string, error) {
			return "editor", nil
		},
		insertNotificationFn: func(_ context.Context, n *store.Notification) error {
			notified = true
			return nil
		},
	}
	service, _ := newTestService(fs)

	status := "done"
	_, err := service.UpdateTask(context.Background(), Session{UserID: "usr_creator"}, "tsk_1", UpdateTaskInput{Status: &status})
	if err != nil {
		t.Fatalf("UpdateTask failed: %v", err)
	}
	if notified {
		t.Error("creator moving their own task should not self-notify")
	}
}

func TestUpdateTaskSameStatusIsNotAMove(t *testing.T) {
	var activity *store.ActivityEntry
	fs := &fakeStore{
		getTaskFn: func(_ context.Context, id string) (*store.Task, error) {
			return taskFixture(), nil
		},
		getWorkspaceFn: func(_ context.Context, id string) (*store.Workspace, error) {
			return testWorkspace("usr_owner"), nil
		},
		insertActivityFn: func(_ context.Context, e *store.ActivityEntry) error {
			activity = e
			return nil
		},
	}
	service, _ := newTestService(fs)

	status := "todo"
	_, err := service.UpdateTask(context.Background(), Session{UserID: "usr_owner"}, "tsk_1", UpdateTaskInput{Status: &status})
	if err != nil {
		t.Fatalf("UpdateTask failed: %v", err)
	}
	if activity.Action != "task_updated" {
		t.Errorf("expected task_updated, got %s", activity.Action)
	}
}

func TestUpdateTaskClearsNullableFields(t *testing.T) {
	reason := "waiting on legal"
	task := taskFixture()
	task.Blocked = true
	task.BlockReason = &reason

	var updated *store.Task
	fs := &fakeStore{
		getTaskFn: func(_ context.Context, id string) (*store.Task, error) {
			return task, nil
		},
		getWorkspaceFn: func(_ context.Context, id string) (*store.Workspace, error) {
			return testWorkspace("usr_owner"), nil
		},
		updateTaskFn: func(_ context.Context, t *store.Task) error {
			updated = t
			return nil
		},
	}
	service, _ := newTestService(fs)

	blocked := false
	input := UpdateTaskInput{Blocked: &blocked}
	input.BlockReason.Set = true
	input.BlockReason.Null = true
	input.DueDate.Set = true
	input.DueDate.Null = true

	_, err := service.UpdateTask(context.Background(), Session{UserID: "usr_owner"}, "tsk_1", input)
	if err != nil {
		t.Fatalf("UpdateTask failed: %v", err)
	}
	if updated.Blocked || updated.BlockReason != nil {
		t.Errorf("expected block state cleared, got blocked=%v reason=%v", updated.Blocked, updated.BlockReason)
	}
	if updated.DueDate != nil {
		t.Errorf("expected due date cleared, got %v", updated.DueDate)
	}
}

func TestDeleteProjectCountsTasks(t *testing.T) {
	var activity *store.ActivityEntry
	projectDeleted := false
	fs := &fakeStore{
		getProjectFn: func(_ context.Context, id string) (*store.Project, error) {
			return &store.Project{ID: "prj_1", WorkspaceID: "ws_1", Name: "Q3"}, nil
		},
		getWorkspaceFn: func(_ context.Context, id string) (*store.Workspace, error) {
			return testWorkspace("usr_owner"), nil
		},
		deleteTasksByProjectFn: func(_ context.Context, projectID string) (int64, error) {
			return 7, nil
		},
		deleteProjectFn: func(_ context.Context, id string) error {
			projectDeleted = true
			return nil
		},
		insertActivityFn: func(_ context.Context, e *store.ActivityEntry) error {
			activity = e
			return nil
		},
	}
	service, _ := newTestService(fs)

	count, err := service.DeleteProject(context.Background(), Session{UserID: "usr_owner"}, "prj_1")
	if err != nil {
		t.Fatalf("DeleteProject failed: %v", err)
	}
	if count != 7 {
		t.Errorf("expected 7 deleted tasks, got %d", count)
	}
	if !projectDeleted {
		t.Error("project row not deleted")
	}
	if activity.Action != "project_deleted" || activity.Details["tasks_deleted"] != int64(7) {
		t.Errorf("unexpected activity %+v", activity)
	}
}

func TestAddTaskCommentFanOut(t *testing.T) {
	var comment *store.TaskComment
	byRecipient := map[string]*store.Notification{}
	fs := &fakeStore{
		getTaskFn: func(_ context.Context, id string) (*store.Task, error) {
			return taskFixture(), nil
		},
		listTaskCommentersFn: func(_ context.Context, taskID string) ([]string, error) {
			return []string{"usr_creator", "usr_prior", "usr_actor"}, nil
		},
		createTaskCommentFn: func(_ context.Context, c *store.TaskComment) error {
			comment = c
			return nil
		},
		insertNotificationFn: func(_ context.Context, n *store.Notification) error {
			byRecipient[n.UserID] = n
			return nil
		},
	}
	service, _ := newTestService(fs)

	session := Session{UserID: "usr_actor", UserName: "Cara"}
	if err := service.AddTaskComment(context.Background(), session, "tsk_1", "Looks good to me"); err != nil {
		t.Fatalf("AddTaskComment failed: %v", err)
	}

	if comment == nil || !strings.HasPrefix(comment.ID, "upd_") {
		t.Errorf("unexpected comment %+v", comment)
	}

	if len(byRecipient) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(byRecipient))
	}
	creator := byRecipient["usr_creator"]
	if creator == nil || creator.Type != "task_update" {
		t.Errorf("expected task_update for creator, got %+v", creator)
	}
	if creator.Title != "Update on your task: Ship the launch plan" {
		t.Errorf("unexpected creator title %q", creator.Title)
	}
	prior := byRecipient["usr_prior"]
	if prior == nil || prior.Type != "task_update_reply" {
		t.Errorf("expected task_update_reply for prior commenter, got %+v", prior)
	}
	if prior.Title != "New comment on: Ship the launch plan" {
		t.Errorf("unexpected commenter title %q", prior.Title)
	}
	if prior.Message != "Cara: Looks good to me" {
		t.Errorf("unexpected message %q", prior.Message)
	}
}

func TestAddTaskCommentTruncatesPreview(t *testing.T) {
	var notification *store.Notification
	fs := &fakeStore{
		getTaskFn: func(_ context.Context, id string) (*store.Task, error) {
			return taskFixture(), nil
		},
		insertNotificationFn: func(_ context.Context, n *store.Notification) error {
			notification = n
			return nil
		},
	}
	service, _ := newTestService(fs)

	long := strings.Repeat("x", 150)
	session := Session{UserID: "usr_actor", UserName: "Cara"}
	if err := service.AddTaskComment(context.Background(), session, "tsk_1", long); err != nil {
		t.Fatalf("AddTaskComment failed: %v", err)
	}
	want := "Cara: " + strings.Repeat("x", 100) + "..."
	if notification == nil || notification.Message != want {
		t.Errorf("unexpected preview %q", notification.Message)
	}
}

func TestAddTaskCommentRequiresContent(t *testing.T) {
	fs := &fakeStore{
		getTaskFn: func(_ context.Context, id string) (*store.Task, error) {
			return taskFixture(), nil
		},
	}
	service, _ := newTestService(fs)

	err := service.AddTaskComment(context.Background(), Session{UserID: "usr_actor"}, "tsk_1", "")
	if domainErr := asDomainError(t, err); domainErr.Code != "VALIDATION_ERROR" {
		t.Errorf("expected VALIDATION_ERROR, got %s", domainErr.Code)
	}
}

func TestDeleteTaskComment(t *testing.T) {
	deleted := false
	fs := &fakeStore{
		getTaskCommentFn: func(_ context.Context, id string) (*store.TaskComment, error) {
			return &store.TaskComment{ID: "upd_1", TaskID: "tsk_1", UserID: "usr_author"}, nil
		},
		deleteTaskCommentFn: func(_ context.Context, id string) error {
			deleted = true
			return nil
		},
	}
	service, _ := newTestService(fs)
	ctx := context.Background()

	// Wrong task in the path means not found, not forbidden.
	err := service.DeleteTaskComment(ctx, Session{UserID: "usr_author"}, "tsk_other", "upd_1")
	if domainErr := asDomainError(t, err); domainErr.Status != 404 {
		t.Errorf("expected 404 for wrong task, got %d", domainErr.Status)
	}

	err = service.DeleteTaskComment(ctx, Session{UserID: "usr_other"}, "tsk_1", "upd_1")
	if domainErr := asDomainError(t, err); domainErr.Status != 403 {
		t.Errorf("expected 403 for non-author, got %d", domainErr.Status)
	}

	// Admins may delete anyone's update.
	if err := service.DeleteTaskComment(ctx, Session{UserID: "usr_admin", IsAdmin: true}, "tsk_1", "upd_1"); err != nil {
		t.Fatalf("admin delete failed: %v", err)
	}
	if !deleted {
		t.Error("comment not deleted")
	}
}

func TestDeleteTaskMissing(t *testing.T) {
	service, _ := newTestService(&fakeStore{})

	err := service.DeleteTask(context.Background(), Session{UserID: "usr_1"}, "tsk_ghost")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("expected ErrNoRows, got %v", err)
	}
}
