package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestFileRunRepositoryPersists(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	repo, err := NewFileRunRepository(dir)
	if err != nil {
		t.Fatalf("failed to create file repo: %v", err)
	}

	ctx := context.Background()
	first := RunRecord{ID: "run-1", Owner: "0xowner", State: "done", StartedAt: 10, FinishedAt: 20}
	second := RunRecord{ID: "run-2", Owner: "0xowner", State: "aborted", Stage: "discover_burner", Reason: "timeout", StartedAt: 30, FinishedAt: 40}
	for _, rec := range []RunRecord{first, second} {
		if err := repo.Save(ctx, rec); err != nil {
			t.Fatalf("save failed: %v", err)
		}
	}

	reopened, err := NewFileRunRepository(dir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	list, err := reopened.ListLatest(ctx, 10)
	if err != nil {
		t.Fatalf("list latest failed: %v", err)
	}
	if len(list) != 2 || list[0].ID != "run-2" || list[0].Reason != "timeout" {
		t.Fatalf("unexpected list: %+v", list)
	}

	limited, _ := reopened.ListLatest(ctx, 1)
	if len(limited) != 1 {
		t.Fatalf("expected limit to apply, got %d", len(limited))
	}
}

func TestFileRunRepositorySkipsCorruptLines(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	content := "{\"id\":\"run-1\",\"state\":\"done\",\"started_at\":5}\nnot json\n"
	if err := os.WriteFile(filepath.Join(dir, "runs.log"), []byte(content), 0o644); err != nil {
		t.Fatalf("write runs.log: %v", err)
	}
	repo, err := NewFileRunRepository(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	list, _ := repo.ListLatest(context.Background(), 0)
	if len(list) != 1 || list[0].ID != "run-1" {
		t.Fatalf("unexpected records %+v", list)
	}
}
