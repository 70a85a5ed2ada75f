package runstore

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gridvid/internal/model"
)

func sampleManifest(runID string) model.BatchManifest {
	return model.BatchManifest{
		RunID:        runID,
		State:        "running",
		Policy:       "retry-in-place",
		Concurrency:  2,
		AccountOrder: []string{"a1", "a2"},
		Items: []model.WorkItem{
			{ID: "i1", Index: 1, Kind: model.KindTextToVideo, Prompt: "one", Status: model.ItemCompleted},
			{ID: "i2", Index: 2, Kind: model.KindTextToVideo, Prompt: "two", Status: model.ItemRunning},
			{ID: "i3", Index: 3, Kind: model.KindTextToVideo, Prompt: "three", Status: model.ItemInterrupted},
			{ID: "i4", Index: 4, Kind: model.KindTextToVideo, Prompt: "four", Status: model.ItemPending},
			{ID: "i5", Index: 5, Kind: model.KindTextToVideo, Prompt: "five", Status: model.ItemFailed},
		},
	}
}

func TestJournalSaveAndLoad(t *testing.T) {
	runsDir := t.TempDir()
	runID := NewRunID()

	j, err := CreateJournal(runsDir, runID)
	if err != nil {
		t.Fatalf("create journal: %v", err)
	}
	if err := j.Save(sampleManifest(runID)); err != nil {
		t.Fatalf("save: %v", err)
	}

	if _, err := OpenJournal(j.Dir()); !errors.Is(err, ErrRunLocked) {
		t.Fatalf("expected open journal to be locked, got %v", err)
	}

	mf, err := LoadManifest(j.Dir())
	if err != nil {
		t.Fatalf("load manifest: %v", err)
	}
	if mf.SchemaVersion != ManifestSchemaVersion || mf.RunID != runID {
		t.Fatalf("unexpected manifest header: %+v", mf)
	}
	if mf.Total != 5 || mf.Completed != 1 || mf.Running != 1 || mf.Interrupted != 1 || mf.Pending != 1 || mf.Failed != 1 {
		t.Fatalf("unexpected manifest counts: %+v", mf)
	}

	meta, err := LoadRunMeta(j.Dir())
	if err != nil {
		t.Fatalf("load run meta: %v", err)
	}
	if meta.Pending != 3 || meta.Resumes != 0 || meta.Policy != "retry-in-place" {
		t.Fatalf("unexpected run meta: %+v", meta)
	}

	if err := j.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := j.Save(mf); err == nil {
		t.Fatal("expected save after close to fail")
	}

	reopened, err := OpenJournal(j.Dir())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if err := reopened.Save(mf); err != nil {
		t.Fatalf("save after reopen: %v", err)
	}
	meta, err = LoadRunMeta(j.Dir())
	if err != nil {
		t.Fatalf("load run meta: %v", err)
	}
	if meta.Resumes != 1 {
		t.Fatalf("expected resume count 1, got %d", meta.Resumes)
	}
}

func TestResetInterruptedItems(t *testing.T) {
	mf := sampleManifest("r1")
	n := ResetInterruptedItems(&mf)
	if n != 2 {
		t.Fatalf("expected 2 items reset, got %d", n)
	}
	for _, it := range mf.Items {
		switch it.ID {
		case "i2", "i3":
			if it.Status != model.ItemPending || it.Reason != ReasonInterruptedPreviousRun {
				t.Fatalf("expected %s pending after reset, got %s (%s)", it.ID, it.Status, it.Reason)
			}
		case "i1":
			if it.Status != model.ItemCompleted {
				t.Fatalf("expected completed item to stay completed, got %s", it.Status)
			}
		case "i5":
			if it.Status != model.ItemFailed {
				t.Fatalf("expected failed item to stay failed, got %s", it.Status)
			}
		}
	}
	if mf.Pending != 3 || mf.Running != 0 || mf.Interrupted != 0 {
		t.Fatalf("unexpected counts after reset: %+v", mf)
	}
}

func TestLatestRunDirSkipsDirsWithoutManifest(t *testing.T) {
	runsDir := t.TempDir()
	for _, id := range []string{"20260101T000000Z-aaaa", "20260102T000000Z-bbbb"} {
		if err := WriteJSON(ManifestPath(filepath.Join(runsDir, id)), sampleManifest(id)); err != nil {
			t.Fatalf("write manifest: %v", err)
		}
	}
	if err := os.Mkdir(filepath.Join(runsDir, "20991231T000000Z-empty"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	latest, err := LatestRunDir(runsDir)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if !strings.HasSuffix(latest, "20260102T000000Z-bbbb") {
		t.Fatalf("unexpected latest run dir: %s", latest)
	}

	dir, err := ResolveRunDir(runsDir, "", true)
	if err != nil || dir != latest {
		t.Fatalf("resolve latest: %q, %v", dir, err)
	}
	if _, err := ResolveRunDir(runsDir, "", false); err == nil {
		t.Fatal("expected error without run id or latest")
	}
}

func TestWriteJSONLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	if err := WriteJSON(filepath.Join(dir, "x.json"), map[string]int{"a": 1}); err != nil {
		t.Fatalf("write: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "x.json" {
		t.Fatalf("unexpected dir entries: %v", entries)
	}
}
