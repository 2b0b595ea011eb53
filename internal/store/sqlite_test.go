package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"sortbox/internal/model"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seed(t *testing.T, s *SQLiteStore) {
	t.Helper()
	tranches := []model.Tranche{
		{ID: 1, StartIndex: 0, TotalToFetch: 3},
		{ID: 2, StartIndex: 3, TotalToFetch: 2},
	}
	created, err := s.Initialize(context.Background(), 5, tranches)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if !created {
		t.Fatal("expected tranche set to be created")
	}
}

func items(ids ...string) []model.EnrichedItem {
	out := make([]model.EnrichedItem, len(ids))
	for i, id := range ids {
		out[i] = model.EnrichedItem{ID: id, Subject: "subject " + id, Sender: "a@b.com"}
	}
	return out
}

func TestInitializeOnce(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	seed(t, s)

	created, err := s.Initialize(ctx, 99, []model.Tranche{{ID: 1, TotalToFetch: 99}})
	if err != nil {
		t.Fatalf("second Initialize: %v", err)
	}
	if created {
		t.Fatal("second Initialize must be a no-op")
	}

	all, err := s.All(ctx)
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(all) != 2 || all[0].TotalToFetch != 3 || all[1].TotalToFetch != 2 {
		t.Fatalf("store changed by second Initialize: %+v", all)
	}
	total, _ := s.TotalInboxCount(ctx)
	if total != 5 {
		t.Fatalf("total want 5 got %d", total)
	}
	if all[0].Status != model.StatusPending {
		t.Fatalf("default status want pending got %s", all[0].Status)
	}
}

func TestUpsertMergesFields(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	seed(t, s)

	err := s.Upsert(ctx, 1, model.Update{
		Status:            model.StatusPtr(model.StatusRunning),
		ContinuationToken: model.StringPtr("page-2"),
		AppendItems:       items("a", "b"),
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	// Only the status changes; cursor and items must survive.
	if err := s.Upsert(ctx, 1, model.Update{Status: model.StatusPtr(model.StatusStopped)}); err != nil {
		t.Fatalf("Upsert status: %v", err)
	}

	tr, err := s.Get(ctx, 1)
	if err != nil || tr == nil {
		t.Fatalf("Get: %v %v", tr, err)
	}
	if tr.Status != model.StatusStopped {
		t.Fatalf("status want stopped got %s", tr.Status)
	}
	if tr.ContinuationToken != "page-2" {
		t.Fatalf("cursor lost: %q", tr.ContinuationToken)
	}
	if tr.FetchedCount != 2 || len(tr.Items) != 2 {
		t.Fatalf("fetched=%d items=%d", tr.FetchedCount, len(tr.Items))
	}
	if tr.Items[0].ID != "a" || tr.Items[1].ID != "b" {
		t.Fatalf("item order: %+v", tr.Items)
	}
}

func TestUpsertAppendKeepsCountInvariant(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	seed(t, s)

	if err := s.Upsert(ctx, 1, model.Update{AppendItems: items("a")}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	// Duplicate ids are ignored rather than double counted.
	if err := s.Upsert(ctx, 1, model.Update{AppendItems: items("a", "b")}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	tr, _ := s.Get(ctx, 1)
	if tr.FetchedCount != len(tr.Items) || tr.FetchedCount != 2 {
		t.Fatalf("fetched=%d items=%d", tr.FetchedCount, len(tr.Items))
	}

	err := s.Upsert(ctx, 1, model.Update{AppendItems: items("c", "d")})
	if !errors.Is(err, ErrOverfill) {
		t.Fatalf("want ErrOverfill, got %v", err)
	}
	tr, _ = s.Get(ctx, 1)
	if tr.FetchedCount != 2 {
		t.Fatalf("rejected update leaked: fetched=%d", tr.FetchedCount)
	}
}

func TestUpsertMissingTranche(t *testing.T) {
	s := testStore(t)
	err := s.Upsert(context.Background(), 7, model.Update{Status: model.StatusPtr(model.StatusCompleted)})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	tr, err := s.Get(context.Background(), 7)
	if err != nil || tr != nil {
		t.Fatalf("Get missing: %v %v", tr, err)
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()
	until := time.Now().Add(30 * time.Second).Truncate(time.Millisecond)

	s, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	seed(t, s)
	s.Upsert(ctx, 2, model.Update{
		Status:        model.StatusPtr(model.StatusCooldown),
		CooldownUntil: model.TimePtr(until),
		AppendItems:   items("x"),
	})
	s.Close()

	s, err = NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	tr, _ := s.Get(ctx, 2)
	if tr.Status != model.StatusCooldown || !tr.CooldownUntil.Equal(until) || tr.FetchedCount != 1 {
		t.Fatalf("after reopen: %+v", tr)
	}
}

func TestResetAndDelete(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	seed(t, s)
	s.Upsert(ctx, 1, model.Update{AppendItems: items("a")})

	if err := s.DeleteTranche(ctx, 1); err != nil {
		t.Fatalf("DeleteTranche: %v", err)
	}
	all, _ := s.All(ctx)
	if len(all) != 1 || all[0].ID != 2 {
		t.Fatalf("after delete: %+v", all)
	}

	if err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	all, _ = s.All(ctx)
	total, _ := s.TotalInboxCount(ctx)
	if len(all) != 0 || total != 0 {
		t.Fatalf("after reset: %d tranches, total %d", len(all), total)
	}
	created, _ := s.Initialize(ctx, 5, []model.Tranche{{ID: 1, TotalToFetch: 5}})
	if !created {
		t.Fatal("Initialize after reset should create a new set")
	}
}

func TestAnalysisAndProcessed(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	seed(t, s)
	s.Upsert(ctx, 1, model.Update{AppendItems: items("a", "b")})

	n, err := s.AttachAnalysis(ctx, 1, map[string]model.Analysis{
		"a":       {Category: "news", Tags: []string{"weekly"}, SuggestedFolder: "Newsletters"},
		"missing": {Category: "x"},
	})
	if err != nil {
		t.Fatalf("AttachAnalysis: %v", err)
	}
	if n != 1 {
		t.Fatalf("updated want 1 got %d", n)
	}
	if err := s.MarkProcessed(ctx, 1, []string{"a"}); err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}

	got, _ := s.Items(ctx, 1)
	if got[0].Analysis == nil || got[0].Analysis.SuggestedFolder != "Newsletters" || !got[0].Processed {
		t.Fatalf("item a: %+v", got[0])
	}
	if got[1].Analysis != nil || got[1].Processed {
		t.Fatalf("item b: %+v", got[1])
	}
}

func TestAIConfig(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	cfg, err := s.AIConfig(ctx)
	if err != nil || cfg != nil {
		t.Fatalf("expected empty config, got %+v %v", cfg, err)
	}
	want := model.AIConfig{Kind: model.AIProviderAnthropic, Model: "claude", CredentialKey: "ai-anthropic"}
	if err := s.SetAIConfig(ctx, want); err != nil {
		t.Fatalf("SetAIConfig: %v", err)
	}
	cfg, _ = s.AIConfig(ctx)
	if cfg == nil || *cfg != want {
		t.Fatalf("AIConfig got %+v", cfg)
	}
}

func TestOnChangeSeesCommittedWrite(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	seed(t, s)

	var seen []int
	s.OnChange(func(id int) {
		tranches, _, err := s.Snapshot(ctx)
		if err != nil {
			t.Errorf("Snapshot in listener: %v", err)
			return
		}
		for _, tr := range tranches {
			if tr.ID == id {
				seen = append(seen, tr.FetchedCount)
			}
		}
	})
	s.Upsert(ctx, 1, model.Update{AppendItems: items("a")})
	s.Upsert(ctx, 1, model.Update{AppendItems: items("b")})
	if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
		t.Fatalf("listener observed %v", seen)
	}
}
