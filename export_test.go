package trivia

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testCtx() context.Context { return context.Background() }

func TestSlugify(t *testing.T) {
	cases := map[string]string{
		"Go Channels!":     "go-channels",
		"  leading/trail ": "leading-trail",
		"already-slug":     "already-slug",
		"UPPER_CASE":       "upper-case",
	}
	for in, want := range cases {
		if got := slugify(in); got != want {
			t.Errorf("slugify(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestExportWritesOneFilePerMemory(t *testing.T) {
	st := testFacadeStore(t)
	st.Memorize(testCtx(), "go-channels", "channels synchronize goroutines", []string{"go"})
	st.Memorize(testCtx(), "python-gil", "the GIL serializes bytecode execution", []string{"python"})

	dir := t.TempDir()
	if err := st.Export(dir, nil); err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{"go-channels.md", "python-gil.md", "links.yaml"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("expected %s to exist: %v", name, err)
		}
	}

	raw, err := os.ReadFile(filepath.Join(dir, "go-channels.md"))
	if err != nil {
		t.Fatal(err)
	}
	body := string(raw)
	if !strings.HasPrefix(body, "---\n") {
		t.Error("expected frontmatter delimiter at start of file")
	}
	if !strings.Contains(body, "mnemonic: go-channels") {
		t.Error("expected mnemonic in frontmatter")
	}
	if !strings.HasSuffix(body, "channels synchronize goroutines") {
		t.Error("expected verbatim content as the file body")
	}
}

func TestExportHandlesSlugCollisions(t *testing.T) {
	st := testFacadeStore(t)
	st.Memorize(testCtx(), "Go!Channels", "first", nil)
	st.Memorize(testCtx(), "Go Channels", "second", nil)

	dir := t.TempDir()
	if err := st.Export(dir, nil); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(filepath.Join(dir, "go-channels.md")); err != nil {
		t.Errorf("expected go-channels.md: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "go-channels-1.md")); err != nil {
		t.Errorf("expected collision-suffixed go-channels-1.md: %v", err)
	}
}

func TestExportTagFilter(t *testing.T) {
	st := testFacadeStore(t)
	st.Memorize(testCtx(), "a", "about go", []string{"go"})
	st.Memorize(testCtx(), "b", "about python", []string{"python"})

	dir := t.TempDir()
	if err := st.Export(dir, []string{"go"}); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(filepath.Join(dir, "a.md")); err != nil {
		t.Errorf("expected a.md: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "b.md")); err == nil {
		t.Error("expected b.md to be excluded by tag filter")
	}
}

func TestExportLinksOnlyIncludesBothEndpoints(t *testing.T) {
	st := testFacadeStore(t)
	st.Memorize(testCtx(), "a", "about go", []string{"go"})
	st.Memorize(testCtx(), "b", "about python", []string{"python"})
	st.Link("a", "b", LinkRelated)

	dir := t.TempDir()
	if err := st.Export(dir, []string{"go"}); err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "links.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(raw), "source: a") {
		t.Error("expected link to be excluded since target 'b' was filtered out of the export")
	}
}
