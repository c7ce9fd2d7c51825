package history

import (
	"path/filepath"
	"testing"
)

func TestHashKubeconfigPathStableAndDistinct(t *testing.T) {
	h1 := HashKubeconfigPath("/home/alice/.kube/config")
	h2 := HashKubeconfigPath("/home/alice/.kube/config")
	if h1 != h2 {
		t.Fatalf("expected stable hash, got %q then %q", h1, h2)
	}
	if len(h1) != 16 {
		t.Fatalf("expected 16-char hash, got %d: %q", len(h1), h1)
	}

	h3 := HashKubeconfigPath("/home/bob/.kube/config")
	if h1 == h3 {
		t.Fatal("expected distinct paths to hash differently")
	}
}

func TestHashKubeconfigPathRelativeResolvesAbsolute(t *testing.T) {
	rel := HashKubeconfigPath("config")
	abs, err := filepath.Abs("config")
	if err != nil {
		t.Fatalf("filepath.Abs: %v", err)
	}
	if got := HashKubeconfigPath(abs); got != rel {
		t.Fatalf("expected relative and absolute forms to hash equal, got %q vs %q", rel, got)
	}
}

func TestLoadMissingFileIsEmptyHistory(t *testing.T) {
	dir := t.TempDir()
	h, err := (Codec{}).Load(filepath.Join(dir, "missing.yaml"))
	if err != nil {
		t.Fatalf("Load(missing) error: %v", err)
	}
	if len(h) != 0 {
		t.Fatalf("expected empty history, got %+v", h)
	}
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "history.yaml")

	h := History{}.
		WithCurrentContext("hash1", "prod").
		WithContextState("hash1", "prod", "kube-system", "pods")

	if err := (Codec{}).Save(h, path); err != nil {
		t.Fatalf("Save error: %v", err)
	}

	loaded, err := (Codec{}).Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	entry := loaded["hash1"]
	if entry.CurrentContext != "prod" {
		t.Fatalf("CurrentContext = %q, want prod", entry.CurrentContext)
	}
	ctx := loaded.ContextFor("hash1", "prod")
	if ctx.Namespace != "kube-system" || ctx.Kind != "pods" {
		t.Fatalf("ContextFor = %+v, want namespace kube-system kind pods", ctx)
	}
}

func TestContextForUnknownReturnsZeroValue(t *testing.T) {
	h := History{}
	ctx := h.ContextFor("missing-hash", "missing-context")
	if ctx.Name != "missing-context" || ctx.Namespace != "" || ctx.Kind != "" {
		t.Fatalf("expected zero-value entry with name set, got %+v", ctx)
	}
}

func TestWithFilterHistoryDedupsConsecutiveRepeats(t *testing.T) {
	h := History{}
	h = h.WithFilterHistory("hash1", "prod", "app=web")
	h = h.WithFilterHistory("hash1", "prod", "app=web")
	h = h.WithFilterHistory("hash1", "prod", "app=api")

	ctx := h.ContextFor("hash1", "prod")
	if len(ctx.FilterHistory) != 2 {
		t.Fatalf("expected 2 entries after consecutive dedup, got %v", ctx.FilterHistory)
	}
	if ctx.FilterHistory[0] != "app=web" || ctx.FilterHistory[1] != "app=api" {
		t.Fatalf("unexpected filter history order: %v", ctx.FilterHistory)
	}
}

func TestWithFilterHistoryBoundsLength(t *testing.T) {
	h := History{}
	for i := 0; i < maxHistoryEntries+10; i++ {
		h = h.WithFilterHistory("hash1", "prod", string(rune('a'+(i%26)))+string(rune(i)))
	}
	ctx := h.ContextFor("hash1", "prod")
	if len(ctx.FilterHistory) != maxHistoryEntries {
		t.Fatalf("expected bounded length %d, got %d", maxHistoryEntries, len(ctx.FilterHistory))
	}
}

func TestWithFilterHistoryIgnoresEmptyTerm(t *testing.T) {
	h := History{}
	h2 := h.WithFilterHistory("hash1", "prod", "")
	if len(h2) != 0 {
		t.Fatalf("expected empty term to be a no-op, got %+v", h2)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	h := History{}.WithContextState("hash1", "prod", "default", "pods")
	h2 := h.WithContextState("hash1", "staging", "kube-system", "deployments")

	if len(h["hash1"].Contexts) != 1 {
		t.Fatalf("original history must not observe the second context, got %+v", h["hash1"])
	}
	if len(h2["hash1"].Contexts) != 2 {
		t.Fatalf("derived history must have both contexts, got %+v", h2["hash1"])
	}
}
