package persistence

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "clawd.db"), 5000)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestCreateAndGetTask(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id, err := store.CreateTask(ctx, 1, 2, "ask", `{"text":"hi"}`)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	task, err := store.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != TaskStatusQueued {
		t.Fatalf("status = %s, want queued", task.Status)
	}
	if task.UserID != 1 || task.ChatID != 2 || task.Kind != "ask" {
		t.Fatalf("task fields: %+v", task)
	}

	if _, err := store.GetTask(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestClaimIsFIFO(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	first, _ := store.CreateTask(ctx, 1, 1, "ask", "{}")
	second, _ := store.CreateTask(ctx, 1, 1, "ask", "{}")

	got, err := store.ClaimNextTask(ctx)
	if err != nil || got == nil {
		t.Fatalf("claim: task=%v err=%v", got, err)
	}
	if got.TaskID != first {
		t.Fatalf("claimed %s, want %s first", got.TaskID, first)
	}
	if got.Status != TaskStatusRunning {
		t.Fatalf("claimed status = %s", got.Status)
	}

	got, err = store.ClaimNextTask(ctx)
	if err != nil || got == nil || got.TaskID != second {
		t.Fatalf("second claim: task=%v err=%v", got, err)
	}

	got, err = store.ClaimNextTask(ctx)
	if err != nil {
		t.Fatalf("empty claim err: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil on empty queue, got %+v", got)
	}
}

func TestClaimIsExclusive(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id, _ := store.CreateTask(ctx, 1, 1, "ask", "{}")
	if got, _ := store.ClaimNextTask(ctx); got == nil || got.TaskID != id {
		t.Fatalf("first claim failed")
	}
	// The row is running now; claiming again finds nothing.
	if got, _ := store.ClaimNextTask(ctx); got != nil {
		t.Fatalf("task claimed twice: %+v", got)
	}
}

func TestFinishTaskRequiresRunning(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id, _ := store.CreateTask(ctx, 1, 1, "ask", "{}")

	// Not running yet: success write is a no-op.
	changed, err := store.UpdateTaskSuccess(ctx, id, `{"text":"early"}`)
	if err != nil {
		t.Fatalf("update success: %v", err)
	}
	if changed {
		t.Fatalf("queued task moved to succeeded")
	}

	if got, _ := store.ClaimNextTask(ctx); got == nil {
		t.Fatalf("claim failed")
	}
	changed, err = store.UpdateTaskSuccess(ctx, id, `{"text":"done"}`)
	if err != nil || !changed {
		t.Fatalf("update success after claim: changed=%v err=%v", changed, err)
	}
	task, _ := store.GetTask(ctx, id)
	if task.Status != TaskStatusSucceeded || !task.ResultJSON.Valid {
		t.Fatalf("task after success: %+v", task)
	}
}

func TestCancelDropsLateResult(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id, _ := store.CreateTask(ctx, 7, 8, "ask", "{}")
	if got, _ := store.ClaimNextTask(ctx); got == nil {
		t.Fatalf("claim failed")
	}

	n, err := store.CancelTasks(ctx, 7, 8)
	if err != nil || n != 1 {
		t.Fatalf("cancel: n=%d err=%v", n, err)
	}

	// Worker finishes after the cancel; the write must not resurrect the task.
	changed, err := store.UpdateTaskSuccess(ctx, id, `{"text":"late"}`)
	if err != nil {
		t.Fatalf("late success: %v", err)
	}
	if changed {
		t.Fatalf("late result overwrote canceled status")
	}
	task, _ := store.GetTask(ctx, id)
	if task.Status != TaskStatusCanceled {
		t.Fatalf("status = %s, want canceled", task.Status)
	}
	if task.ErrorText.String != "Canceled by user" {
		t.Fatalf("error text = %q", task.ErrorText.String)
	}
}

func TestCancelScopedToUserChat(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	mine, _ := store.CreateTask(ctx, 1, 1, "ask", "{}")
	other, _ := store.CreateTask(ctx, 2, 2, "ask", "{}")

	n, err := store.CancelTasks(ctx, 1, 1)
	if err != nil || n != 1 {
		t.Fatalf("cancel: n=%d err=%v", n, err)
	}
	taskMine, _ := store.GetTask(ctx, mine)
	taskOther, _ := store.GetTask(ctx, other)
	if taskMine.Status != TaskStatusCanceled {
		t.Fatalf("own task not canceled: %s", taskMine.Status)
	}
	if taskOther.Status != TaskStatusQueued {
		t.Fatalf("other user's task canceled: %s", taskOther.Status)
	}
}

func TestCountAndOldestRunning(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.CreateTask(ctx, 1, 1, "ask", "{}"); err != nil {
		t.Fatalf("create: %v", err)
	}
	queued, _ := store.CountTasksByStatus(ctx, TaskStatusQueued)
	if queued != 1 {
		t.Fatalf("queued count = %d", queued)
	}
	age, err := store.OldestRunningTaskAgeSeconds(ctx)
	if err != nil || age != 0 {
		t.Fatalf("age with no running tasks = %d err=%v", age, err)
	}
	if got, _ := store.ClaimNextTask(ctx); got == nil {
		t.Fatalf("claim failed")
	}
	running, _ := store.CountTasksByStatus(ctx, TaskStatusRunning)
	if running != 1 {
		t.Fatalf("running count = %d", running)
	}
}

func TestTimeoutStaleRunning(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id, _ := store.CreateTask(ctx, 1, 1, "ask", "{}")
	if got, _ := store.ClaimNextTask(ctx); got == nil {
		t.Fatalf("claim failed")
	}

	// Nothing stale under a generous timeout.
	ids, err := store.TimeoutStaleRunning(ctx, 3600)
	if err != nil || len(ids) != 0 {
		t.Fatalf("premature timeout: ids=%v err=%v", ids, err)
	}

	// A negative timeout makes every running task stale.
	ids, err = store.TimeoutStaleRunning(ctx, -10)
	if err != nil || len(ids) != 1 || ids[0] != id {
		t.Fatalf("stale sweep: ids=%v err=%v", ids, err)
	}
	task, _ := store.GetTask(ctx, id)
	if task.Status != TaskStatusTimeout {
		t.Fatalf("status = %s, want timeout", task.Status)
	}
}

func TestUserAllowlist(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if store.IsUserAllowed(ctx, 5) {
		t.Fatalf("unknown user allowed")
	}
	if err := store.UpsertUser(ctx, 5, true, false); err != nil {
		t.Fatalf("upsert user: %v", err)
	}
	if !store.IsUserAllowed(ctx, 5) {
		t.Fatalf("allowlisted user rejected")
	}
	if err := store.UpsertUser(ctx, 5, false, false); err != nil {
		t.Fatalf("revoke user: %v", err)
	}
	if store.IsUserAllowed(ctx, 5) {
		t.Fatalf("revoked user still allowed")
	}
}

func TestInsertAuditRow(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	uid := int64(9)
	detail := `{"limit":"user_rpm"}`
	errText := "Rate limit exceeded"
	if err := store.InsertAuditRow(ctx, &uid, "limit_hit", &detail, &errText); err != nil {
		t.Fatalf("insert audit row: %v", err)
	}
	if err := store.InsertAuditRow(ctx, nil, "schedule_fire", nil, nil); err != nil {
		t.Fatalf("insert system audit row: %v", err)
	}

	var count int
	if err := store.DB().QueryRow(`SELECT COUNT(1) FROM audit_logs;`).Scan(&count); err != nil {
		t.Fatalf("count audit rows: %v", err)
	}
	if count != 2 {
		t.Fatalf("audit rows = %d", count)
	}
}

func TestTaskStatusIsTerminal(t *testing.T) {
	terminal := []TaskStatus{TaskStatusSucceeded, TaskStatusFailed, TaskStatusCanceled, TaskStatusTimeout}
	for _, st := range terminal {
		if !st.IsTerminal() {
			t.Fatalf("%s should be terminal", st)
		}
	}
	for _, st := range []TaskStatus{TaskStatusQueued, TaskStatusRunning} {
		if st.IsTerminal() {
			t.Fatalf("%s should not be terminal", st)
		}
	}
}
