package memory

import (
	"context"
	"strings"
	"testing"

	"github.com/basket/clawd/internal/persistence"
)

func TestRecentImageCandidates(t *testing.T) {
	svc, store := testService(t, testMemoryConfig(), nil)
	ctx := context.Background()

	insert := func(role, content string) {
		t.Helper()
		if _, err := store.InsertMemory(ctx, 7, 7, persistence.MemoryItem{
			Role: role, Content: content, MemoryType: "conversation", Salience: 0.5,
		}); err != nil {
			t.Fatal(err)
		}
	}
	insert("assistant", "Saved it.\nFILE:/ws/img/gen-1.png")
	insert("user", "FILE:/ws/img/user-supplied.png")
	insert("assistant", "Here you go.\nIMAGE_FILE:/ws/img/gen-2.png\nFILE:/ws/notes.txt")
	insert("assistant", "Again.\nFILE:/ws/img/gen-2.png")

	succeedTask := func(kind, payload, result string) {
		t.Helper()
		id, err := store.CreateTask(ctx, 7, 7, kind, payload)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := store.ClaimNextTask(ctx); err != nil {
			t.Fatal(err)
		}
		if _, err := store.UpdateTaskSuccess(ctx, id, result); err != nil {
			t.Fatal(err)
		}
	}
	succeedTask("ask", `{"text":"hello /ws/img/ignored.png"}`, `{"text":"hi"}`)
	succeedTask("run_skill",
		`{"skill_name":"image_edit","args":{"instruction":"crop","image":{"path":"/ws/img/src.jpg"}}}`,
		`{"text":"done\nFILE:/ws/img/edit-5.png"}`)

	got := svc.RecentImageCandidates(ctx, 7, 7, 50)
	want := []string{"/ws/img/gen-2.png", "/ws/img/gen-1.png", "/ws/img/src.jpg", "/ws/img/edit-5.png"}
	if len(got) != len(want) {
		t.Fatalf("candidates = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("candidates[%d] = %q, want %q (all: %v)", i, got[i], want[i], got)
		}
	}
}

func TestPreferredLanguage(t *testing.T) {
	svc, store := testService(t, testMemoryConfig(), nil)
	ctx := context.Background()

	if got := svc.PreferredLanguage(ctx, 7, 7); got != "" {
		t.Fatalf("empty store language = %q", got)
	}
	if err := store.UpsertPreference(ctx, 7, 7, "language", "en", 0.8, "test"); err != nil {
		t.Fatal(err)
	}
	if err := store.UpsertPreference(ctx, 7, 7, "response_language", "zh-CN", 0.9, "test"); err != nil {
		t.Fatal(err)
	}
	if got := svc.PreferredLanguage(ctx, 7, 7); got != "zh-CN" {
		t.Fatalf("language = %q, want zh-CN", got)
	}
}

func TestImageMemoryContext(t *testing.T) {
	cfg := testMemoryConfig()
	cfg.ImageMemoryIncludeLongTerm = true
	cfg.ImageMemoryIncludePreferences = true
	cfg.ImageMemoryMaxChars = 600
	svc, store := testService(t, cfg, nil)
	ctx := context.Background()

	if got := svc.ImageMemoryContext(ctx, 7, 7, "darker"); got != "" {
		t.Fatalf("empty store context = %q", got)
	}
	if err := store.UpsertPreference(ctx, 7, 7, "style", "concise", 0.9, "test"); err != nil {
		t.Fatal(err)
	}
	block := svc.ImageMemoryContext(ctx, 7, 7, "darker")
	if !strings.Contains(block, "style") || !strings.Contains(block, "concise") {
		t.Fatalf("preference missing from context: %q", block)
	}
}
