package persistence

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestInsertAndRecallMemories(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		item := MemoryItem{Role: role, Content: fmt.Sprintf("entry %d", i), MemoryType: "generic", Salience: 0.48, SafetyFlag: "normal"}
		if _, err := store.InsertMemory(ctx, 1, 1, item); err != nil {
			t.Fatalf("insert memory %d: %v", i, err)
		}
	}

	items, err := store.RecallRecentMemories(ctx, 1, 1, 3)
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("recall count = %d", len(items))
	}
	// Chronological order: oldest of the three first.
	if items[0].Content != "entry 2" || items[2].Content != "entry 4" {
		t.Fatalf("recall order: %q ... %q", items[0].Content, items[2].Content)
	}

	rounds, err := store.CountMemoryRounds(ctx, 1, 1)
	if err != nil || rounds != 3 {
		t.Fatalf("rounds = %d err=%v", rounds, err)
	}

	latest, err := store.LatestMemory(ctx, 1, 1, "user")
	if err != nil || latest.Content != "entry 4" {
		t.Fatalf("latest = %+v err=%v", latest, err)
	}

	since, err := store.RecallMemoriesSince(ctx, 1, 1, latest.ID-2, 10)
	if err != nil {
		t.Fatalf("since: %v", err)
	}
	if len(since) != 2 || since[0].Content != "entry 3" || since[1].Content != "entry 4" {
		t.Fatalf("since = %+v", since)
	}
}

func TestMemoriesScopedByChat(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.InsertMemory(ctx, 1, 1, MemoryItem{Role: "user", Content: "chat one", MemoryType: "generic", Salience: 0.48, SafetyFlag: "normal"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	items, err := store.RecallRecentMemories(ctx, 1, 2, 10)
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("cross-chat leak: %+v", items)
	}
	if _, err := store.LatestMemory(ctx, 1, 2, "user"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPreferenceUpsertReplaces(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.UpsertPreference(ctx, 1, 1, "response_language", "en-US", 0.96, "rule_extract"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := store.UpsertPreference(ctx, 1, 1, "response_language", "zh-CN", 0.96, "rule_extract"); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	prefs, err := store.RecallPreferences(ctx, 1, 1, 10)
	if err != nil {
		t.Fatalf("recall prefs: %v", err)
	}
	if len(prefs) != 1 {
		t.Fatalf("prefs count = %d", len(prefs))
	}
	if prefs[0].Value != "zh-CN" || prefs[0].Source != "rule_extract" {
		t.Fatalf("pref = %+v", prefs[0])
	}
}

func TestLongTermWatermarkIsMonotone(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.UpsertLongTermSummary(ctx, 1, 1, "first summary", 10); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	// Stale writer with a lower watermark loses.
	if err := store.UpsertLongTermSummary(ctx, 1, 1, "stale summary", 5); err != nil {
		t.Fatalf("stale upsert: %v", err)
	}
	got, err := store.GetLongTermSummary(ctx, 1, 1)
	if err != nil {
		t.Fatalf("get summary: %v", err)
	}
	if got.Summary != "first summary" || got.SourceMemoryID != 10 {
		t.Fatalf("stale write won: %+v", got)
	}

	if err := store.UpsertLongTermSummary(ctx, 1, 1, "newer summary", 20); err != nil {
		t.Fatalf("newer upsert: %v", err)
	}
	got, _ = store.GetLongTermSummary(ctx, 1, 1)
	if got.Summary != "newer summary" || got.SourceMemoryID != 20 {
		t.Fatalf("newer write lost: %+v", got)
	}
}

func TestLongTermSummaryNotFound(t *testing.T) {
	store := openTestStore(t)
	if _, err := store.GetLongTermSummary(context.Background(), 1, 99); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
