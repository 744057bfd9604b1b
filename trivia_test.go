package trivia

import (
	"context"
	"path/filepath"
	"testing"
)

func testFacadeStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	st, err := Open(Config{DBPath: filepath.Join(dir, "test.db")})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestMemorizeAndGet(t *testing.T) {
	st := testFacadeStore(t)
	ctx := context.Background()

	mem, err := st.Memorize(ctx, "go-channels", "channels synchronize goroutines", []string{"Go", "Go", " concurrency "})
	if err != nil {
		t.Fatal(err)
	}
	if mem.Mnemonic != "go-channels" {
		t.Errorf("mnemonic mismatch: %s", mem.Mnemonic)
	}
	if len(mem.Tags) != 2 || mem.Tags[0] != "concurrency" || mem.Tags[1] != "go" {
		t.Errorf("expected normalized+deduped tags [concurrency go], got %v", mem.Tags)
	}

	got, err := st.Get("go-channels")
	if err != nil {
		t.Fatal(err)
	}
	if got.Content != mem.Content {
		t.Errorf("content mismatch after get")
	}
}

func TestMemorizeSameMnemonicIsIdempotentFold(t *testing.T) {
	st := testFacadeStore(t)
	ctx := context.Background()

	if _, err := st.Memorize(ctx, "fact", "the sky is blue", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := st.Memorize(ctx, "fact", "the sky is blue", nil); err != nil {
		t.Fatalf("expected repeated identical memorize to be a no-op, got error: %v", err)
	}

	mem, err := st.Get("fact")
	if err != nil {
		t.Fatal(err)
	}
	if mem.Content != "the sky is blue" {
		t.Errorf("expected content unchanged by idempotent re-memorize, got %q", mem.Content)
	}
}

func TestMemorizeAutomergesNearDuplicate(t *testing.T) {
	st := testFacadeStore(t)
	ctx := context.Background()
	st.cfg.AutomergeThreshold = 10.0 // StubEmbedder distances are not semantically meaningful; force a merge

	if _, err := st.Memorize(ctx, "first", "original content", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := st.Memorize(ctx, "second", "more content", nil); err != nil {
		t.Fatal(err)
	}

	if _, err := st.Get("second"); !IsNotFound(err) {
		t.Errorf("expected 'second' to have been folded into 'first', got err=%v", err)
	}
	first, err := st.Get("first")
	if err != nil {
		t.Fatal(err)
	}
	if first.RecallCount != 0 {
		t.Errorf("memorize should not bump recall_count")
	}
}

func TestMemorizeRejectsBlankInput(t *testing.T) {
	st := testFacadeStore(t)
	ctx := context.Background()

	if _, err := st.Memorize(ctx, "", "content", nil); !IsInvalidInput(err) {
		t.Errorf("expected InvalidInput for blank mnemonic, got %v", err)
	}
	if _, err := st.Memorize(ctx, "m", "  ", nil); !IsInvalidInput(err) {
		t.Errorf("expected InvalidInput for blank content, got %v", err)
	}
}

func TestUpdateRename(t *testing.T) {
	st := testFacadeStore(t)
	ctx := context.Background()
	st.Memorize(ctx, "old-name", "content", nil)

	mem, err := st.Update(ctx, "old-name", UpdateOptions{NewMnemonic: "new-name"})
	if err != nil {
		t.Fatal(err)
	}
	if mem.Mnemonic != "new-name" {
		t.Errorf("expected renamed mnemonic, got %s", mem.Mnemonic)
	}
	if _, err := st.Get("old-name"); !IsNotFound(err) {
		t.Errorf("expected old mnemonic gone, got %v", err)
	}
}

func TestUpdateRenameCollisionIsAlreadyExists(t *testing.T) {
	st := testFacadeStore(t)
	ctx := context.Background()
	st.Memorize(ctx, "a", "ca", nil)
	st.Memorize(ctx, "b", "cb", nil)

	if _, err := st.Update(ctx, "a", UpdateOptions{NewMnemonic: "b"}); !IsAlreadyExists(err) {
		t.Errorf("expected AlreadyExists, got %v", err)
	}
}

func TestUpdateContentAndTags(t *testing.T) {
	st := testFacadeStore(t)
	ctx := context.Background()
	st.Memorize(ctx, "m", "old content", []string{"a"})

	mem, err := st.Update(ctx, "m", UpdateOptions{Content: "new content", Tags: []string{"b", "c"}})
	if err != nil {
		t.Fatal(err)
	}
	if mem.Content != "new content" {
		t.Errorf("content not updated")
	}
	if len(mem.Tags) != 2 || mem.Tags[0] != "b" {
		t.Errorf("expected tags replaced with [b c], got %v", mem.Tags)
	}
}

func TestUpdateMissingIsNotFound(t *testing.T) {
	st := testFacadeStore(t)
	if _, err := st.Update(context.Background(), "nope", UpdateOptions{Content: "x"}); !IsNotFound(err) {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	st := testFacadeStore(t)
	ctx := context.Background()
	st.Memorize(ctx, "m", "content", nil)

	if err := st.Delete("m"); err != nil {
		t.Fatal(err)
	}
	if err := st.Delete("m"); err != nil {
		t.Errorf("expected second delete to succeed idempotently, got %v", err)
	}
}

func TestRateExistingAndMissing(t *testing.T) {
	st := testFacadeStore(t)
	ctx := context.Background()
	st.Memorize(ctx, "m", "content", nil)

	if err := st.Rate("m", true); err != nil {
		t.Fatal(err)
	}
	if err := st.Rate("missing", true); !IsNotFound(err) {
		t.Errorf("expected NotFound rating a missing mnemonic, got %v", err)
	}
}

func TestLinkAndUnlink(t *testing.T) {
	st := testFacadeStore(t)
	ctx := context.Background()
	st.Memorize(ctx, "a", "ca", nil)
	st.Memorize(ctx, "b", "cb", nil)

	if err := st.Link("a", "b", LinkRelated); err != nil {
		t.Fatal(err)
	}
	if err := st.Link("a", "b", LinkRelated); err != nil {
		t.Errorf("expected duplicate link to succeed idempotently, got %v", err)
	}
	if err := st.Link("a", "a", LinkRelated); !IsInvalidInput(err) {
		t.Errorf("expected self-link to be rejected, got %v", err)
	}
	if err := st.Link("a", "b", LinkType("bogus")); !IsInvalidInput(err) {
		t.Errorf("expected unknown link type to be rejected, got %v", err)
	}

	n, err := st.Neighborhood("a")
	if err != nil {
		t.Fatal(err)
	}
	if len(n.Outgoing) != 1 || n.Outgoing[0].Target != "b" {
		t.Errorf("expected a->b in neighborhood, got %v", n.Outgoing)
	}

	if err := st.Unlink("a", "b", LinkRelated); err != nil {
		t.Fatal(err)
	}
	if err := st.Unlink("a", "b", LinkRelated); err != nil {
		t.Errorf("expected unlinking a missing edge to succeed idempotently, got %v", err)
	}
}

func TestLinkMissingEndpointIsNotFound(t *testing.T) {
	st := testFacadeStore(t)
	st.Memorize(context.Background(), "a", "ca", nil)

	if err := st.Link("a", "ghost", LinkRelated); !IsNotFound(err) {
		t.Errorf("expected NotFound for missing target, got %v", err)
	}
}

func TestMergeFoldsContentTagsAndLinks(t *testing.T) {
	st := testFacadeStore(t)
	ctx := context.Background()
	st.Memorize(ctx, "keep", "keep content", []string{"a"})
	st.Memorize(ctx, "discard", "discard content", []string{"b"})
	st.Memorize(ctx, "other", "other content", nil)
	st.Link("other", "discard", LinkRelated)

	merged, err := st.Merge(ctx, "keep", "discard")
	if err != nil {
		t.Fatal(err)
	}
	if merged.Mnemonic != "keep" {
		t.Errorf("expected keep to survive, got %s", merged.Mnemonic)
	}
	if len(merged.Tags) != 2 {
		t.Errorf("expected union of tags, got %v", merged.Tags)
	}

	if _, err := st.Get("discard"); !IsNotFound(err) {
		t.Errorf("expected discard to be deleted, got %v", err)
	}

	n, err := st.Neighborhood("keep")
	if err != nil {
		t.Fatal(err)
	}
	if len(n.Incoming) != 1 || n.Incoming[0].Source != "other" {
		t.Errorf("expected other->keep link rewritten from other->discard, got %v", n.Incoming)
	}
}

func TestMergeSelfIsInvalidInput(t *testing.T) {
	st := testFacadeStore(t)
	st.Memorize(context.Background(), "a", "ca", nil)
	if _, err := st.Merge(context.Background(), "a", "a"); !IsInvalidInput(err) {
		t.Errorf("expected InvalidInput, got %v", err)
	}
}

func TestRecallEmptyStoreReturnsEmptyNotError(t *testing.T) {
	st := testFacadeStore(t)
	results, err := st.Recall(context.Background(), RecallOptions{Query: "anything"})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Errorf("expected no results, got %d", len(results))
	}
}

func TestRecallRanksAndBumpsRecallCount(t *testing.T) {
	st := testFacadeStore(t)
	ctx := context.Background()
	st.Memorize(ctx, "a", "alpha fact about go routines", nil)
	st.Memorize(ctx, "b", "beta fact about databases", nil)

	// The StubEmbedder hashes raw text rather than modeling semantic
	// closeness, so the only distance this test can rely on being smallest
	// is an exact match against what Memorize actually embedded
	// (mnemonic + separator + content, per embedMnemonicSeparator).
	results, err := st.Recall(ctx, RecallOptions{Query: "a\nalpha fact about go routines", Limit: 5})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) == 0 {
		t.Fatal("expected at least one result")
	}
	if results[0].Memory.Mnemonic != "a" {
		t.Errorf("expected exact embedding match to rank first, got %s", results[0].Memory.Mnemonic)
	}

	mem, err := st.Get("a")
	if err != nil {
		t.Fatal(err)
	}
	if mem.RecallCount != 1 {
		t.Errorf("expected recall_count bumped to 1, got %d", mem.RecallCount)
	}
}

func TestRecallTagFilter(t *testing.T) {
	st := testFacadeStore(t)
	ctx := context.Background()
	st.Memorize(ctx, "a", "about go", []string{"go"})
	st.Memorize(ctx, "b", "about python", []string{"python"})

	results, err := st.Recall(ctx, RecallOptions{Query: "about", TagFilter: []string{"go"}})
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range results {
		if r.Memory.Mnemonic == "b" {
			t.Error("expected python-tagged memory to be filtered out")
		}
	}
}

func TestAutomergeDryRunDoesNotMutate(t *testing.T) {
	st := testFacadeStore(t)
	ctx := context.Background()
	st.Memorize(ctx, "a", "content one", nil)
	st.Memorize(ctx, "b", "content two", nil)

	plans, err := st.Automerge(1000.0, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(plans) != 1 {
		t.Fatalf("expected 1 planned merge, got %d", len(plans))
	}
	if _, err := st.Get("a"); err != nil {
		t.Errorf("dry run should not have mutated the store: %v", err)
	}
	if _, err := st.Get("b"); err != nil {
		t.Errorf("dry run should not have mutated the store: %v", err)
	}
}

func TestAutomergeAppliesPlans(t *testing.T) {
	st := testFacadeStore(t)
	ctx := context.Background()
	st.Memorize(ctx, "a", "content one", nil)
	st.Memorize(ctx, "b", "content two", nil)

	plans, err := st.Automerge(1000.0, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(plans) != 1 {
		t.Fatalf("expected 1 merge plan, got %d", len(plans))
	}
	survivors := 0
	for _, mn := range []string{"a", "b"} {
		if _, err := st.Get(mn); err == nil {
			survivors++
		}
	}
	if survivors != 1 {
		t.Errorf("expected exactly one survivor after automerge, got %d", survivors)
	}
}

func TestGraphReturnsWholeStoreUnfiltered(t *testing.T) {
	st := testFacadeStore(t)
	ctx := context.Background()
	st.Memorize(ctx, "a", "ca", nil)
	st.Memorize(ctx, "b", "cb", nil)
	st.Memorize(ctx, "c", "cc", nil)
	st.Link("a", "b", LinkRelated)
	st.Link("b", "c", LinkSupersedes)

	nodes, edges, err := st.Graph()
	if err != nil {
		t.Fatal(err)
	}
	if len(nodes) != 3 {
		t.Errorf("expected all 3 memories, got %d", len(nodes))
	}
	if len(edges) != 2 {
		t.Errorf("expected all 2 links, got %d", len(edges))
	}
}

func TestListTagsMostUsedFirst(t *testing.T) {
	st := testFacadeStore(t)
	ctx := context.Background()
	st.Memorize(ctx, "a", "ca", []string{"go"})
	st.Memorize(ctx, "b", "cb", []string{"go", "sqlite"})

	tags, err := st.ListTags()
	if err != nil {
		t.Fatal(err)
	}
	if len(tags) != 2 {
		t.Fatalf("expected 2 tags, got %v", tags)
	}
	if tags[0].Tag != "go" || tags[0].Count != 2 {
		t.Errorf("expected go:2 first, got %+v", tags[0])
	}
}
