package server

import (
	"errors"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *RunStore {
	t.Helper()

	store, err := OpenRunStore(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("OpenRunStore() error: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStoreRunLifecycle(t *testing.T) {
	store := newTestStore(t)

	id, err := store.BeginRun("summarize")
	if err != nil {
		t.Fatalf("BeginRun() error: %v", err)
	}

	run, err := store.GetRun(id)
	if err != nil {
		t.Fatalf("GetRun() error: %v", err)
	}
	if run.Function != "summarize" || run.Status != RunRunning {
		t.Errorf("run = %s/%s, want summarize/running", run.Function, run.Status)
	}

	if err := store.FinishRun(id, RunCompleted, `"done"`, ""); err != nil {
		t.Fatalf("FinishRun() error: %v", err)
	}

	run, err = store.GetRun(id)
	if err != nil {
		t.Fatalf("GetRun() after finish error: %v", err)
	}
	if run.Status != RunCompleted || run.Result != `"done"` {
		t.Errorf("run = %s/%q, want completed/%q", run.Status, run.Result, `"done"`)
	}
	if run.FinishedAt.Before(run.StartedAt) {
		t.Errorf("finished %v before started %v", run.FinishedAt, run.StartedAt)
	}
}

func TestStoreFailedRun(t *testing.T) {
	store := newTestStore(t)

	id, err := store.BeginRun("broken")
	if err != nil {
		t.Fatalf("BeginRun() error: %v", err)
	}
	if err := store.FinishRun(id, RunFailed, "", "division by zero: 6 / 0"); err != nil {
		t.Fatalf("FinishRun() error: %v", err)
	}

	run, err := store.GetRun(id)
	if err != nil {
		t.Fatalf("GetRun() error: %v", err)
	}
	if run.Status != RunFailed || run.Error == "" {
		t.Errorf("run = %s/%q, want failed with an error message", run.Status, run.Error)
	}
}

func TestStoreGetRunMissing(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetRun(999)
	if !errors.Is(err, ErrRunNotFound) {
		t.Errorf("GetRun(999) error = %v, want ErrRunNotFound", err)
	}
}

func TestStoreListRunsNewestFirst(t *testing.T) {
	store := newTestStore(t)

	for _, name := range []string{"first", "second", "third"} {
		if _, err := store.BeginRun(name); err != nil {
			t.Fatalf("BeginRun(%q) error: %v", name, err)
		}
	}

	runs, err := store.ListRuns(0)
	if err != nil {
		t.Fatalf("ListRuns() error: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("got %d runs, want 3", len(runs))
	}
	if runs[0].Function != "third" || runs[2].Function != "first" {
		t.Errorf("order = %s..%s, want third..first", runs[0].Function, runs[2].Function)
	}

	limited, err := store.ListRuns(2)
	if err != nil {
		t.Fatalf("ListRuns(2) error: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("got %d runs with limit 2", len(limited))
	}
}

func TestStoreNotifications(t *testing.T) {
	store := newTestStore(t)

	id, err := store.BeginRun("watched")
	if err != nil {
		t.Fatalf("BeginRun() error: %v", err)
	}
	other, err := store.BeginRun("other")
	if err != nil {
		t.Fatalf("BeginRun() error: %v", err)
	}

	if err := store.AddNotification(id, "updates", "x", "1"); err != nil {
		t.Fatalf("AddNotification() error: %v", err)
	}
	if err := store.AddNotification(id, "updates", "x", "2"); err != nil {
		t.Fatalf("AddNotification() error: %v", err)
	}
	if err := store.AddNotification(other, "updates", "y", "9"); err != nil {
		t.Fatalf("AddNotification() error: %v", err)
	}

	notifications, err := store.Notifications(id)
	if err != nil {
		t.Fatalf("Notifications() error: %v", err)
	}
	if len(notifications) != 2 {
		t.Fatalf("got %d notifications, want 2", len(notifications))
	}
	if notifications[0].Value != "1" || notifications[1].Value != "2" {
		t.Errorf("values = %s, %s, want 1, 2", notifications[0].Value, notifications[1].Value)
	}
	if notifications[0].Channel != "updates" || notifications[0].Variable != "x" {
		t.Errorf("notification = %s/%s, want updates/x", notifications[0].Channel, notifications[0].Variable)
	}
}
