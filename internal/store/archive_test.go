package store

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"croanalyzer/internal/migrate"
	"croanalyzer/internal/model"
)

func openTestArchive(t *testing.T) *Archive {
	t.Helper()
	dsn := os.Getenv("CRO_TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("CRO_TEST_DATABASE_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a, err := OpenArchive(ctx, dsn)
	if err != nil {
		t.Fatalf("OpenArchive error: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	if err := migrate.Up(a.DB); err != nil {
		t.Fatalf("migrate error: %v", err)
	}
	if _, err := a.DB.Exec(`DELETE FROM analyses WHERE url LIKE 'https://archive-test.example/%'`); err != nil {
		t.Fatalf("cleanup error: %v", err)
	}
	return a
}

func TestArchive_SaveRecentAndRetention(t *testing.T) {
	a := openTestArchive(t)
	ctx := context.Background()
	old := time.Now().Add(-40 * 24 * time.Hour).UTC()
	now := time.Now().UTC()

	done := model.NewTask("archive-1", "https://archive-test.example/a", model.Options{}, 3, now)
	_ = done.Start(now)
	result, _ := json.Marshal(model.AnalysisResult{URL: done.URL, Mode: model.ModeStandard, Partial: true})
	_ = done.Succeed(result, "done", now)

	failed := model.NewTask("archive-2", "https://archive-test.example/b", model.Options{DeepInfo: true}, 3, old)
	_ = failed.Fail(model.Failure{Kind: model.KindCancelled, Message: "cancelled"}, old)

	pending := model.NewTask("archive-3", "https://archive-test.example/c", model.Options{}, 3, now)

	for _, task := range []*model.AnalysisTask{done, failed, pending} {
		if err := a.Save(ctx, task); err != nil {
			t.Fatalf("Save error: %v", err)
		}
	}

	recent, err := a.Recent(ctx, "https://archive-test.example/a", 10)
	if err != nil {
		t.Fatalf("Recent error: %v", err)
	}
	if len(recent) != 1 || recent[0].State != model.StateSuccess || !recent[0].Partial || len(recent[0].Result) == 0 {
		t.Fatalf("unexpected records %+v", recent)
	}
	if none, _ := a.Recent(ctx, "https://archive-test.example/c", 10); len(none) != 0 {
		t.Fatalf("expected non-terminal tasks to be skipped")
	}

	deleted, err := a.DeleteOlderThan(ctx, now.Add(-30*24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteOlderThan error: %v", err)
	}
	if deleted < 1 {
		t.Fatalf("expected the old record to be deleted")
	}
	if gone, _ := a.Recent(ctx, "https://archive-test.example/b", 10); len(gone) != 0 {
		t.Fatalf("expected old record removed, got %+v", gone)
	}
}
