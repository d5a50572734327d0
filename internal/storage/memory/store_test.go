package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tjfontaine/contentgen-gateway/internal/storage"
)

func TestStore_SaveAndGet(t *testing.T) {
	s := New()
	ctx := context.Background()

	run := &storage.RunRecord{
		ID:       "gen-1",
		Status:   storage.RunStatusRunning,
		Prompt:   "shorten the title",
		Fields:   []string{"title"},
		Analysis: map[string]string{"title": "shorten"},
	}
	if err := s.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun() error = %v", err)
	}
	created := run.CreatedAt

	// Caller mutations must not leak into the store.
	run.Analysis["title"] = "changed"
	if stored, _ := s.GetRun(ctx, "gen-1"); stored.Analysis["title"] != "shorten" {
		t.Errorf("stored analysis = %v, want it unaffected by caller edits", stored.Analysis)
	}

	run.Status = storage.RunStatusCompleted
	if err := s.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun() update error = %v", err)
	}

	got, err := s.GetRun(ctx, "gen-1")
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if got.Status != storage.RunStatusCompleted {
		t.Errorf("Status = %v, want completed", got.Status)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt changed on update: %v -> %v", created, got.CreatedAt)
	}
}

func TestStore_GetMissing(t *testing.T) {
	s := New()
	if _, err := s.GetRun(context.Background(), "nope"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetRun() error = %v, want ErrNotFound", err)
	}
}

func TestStore_ListRuns(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	for i, st := range []storage.RunStatus{storage.RunStatusCompleted, storage.RunStatusFailed, storage.RunStatusCompleted} {
		s.SaveRun(ctx, &storage.RunRecord{
			ID:        string(rune('a' + i)),
			Status:    st,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
	}

	all, _ := s.ListRuns(ctx, storage.ListOptions{})
	if len(all) != 3 || all[0].ID != "c" {
		t.Errorf("ListRuns() = %d runs, first %q; want 3, newest first", len(all), all[0].ID)
	}

	completed, _ := s.ListRuns(ctx, storage.ListOptions{Status: storage.RunStatusCompleted, Limit: 1})
	if len(completed) != 1 || completed[0].ID != "c" {
		t.Errorf("filtered ListRuns() = %+v", completed)
	}
}
