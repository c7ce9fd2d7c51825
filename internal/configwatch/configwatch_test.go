package configwatch

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

type linePersist struct{}

func (linePersist) Load(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (linePersist) Save(value string, path string) error {
	return os.WriteFile(path, []byte(value), 0o644)
}

func waitForValue(t *testing.T, w *Watcher[string], timeout time.Duration) (string, bool) {
	t.Helper()
	select {
	case v := <-w.Values():
		return v, true
	case <-time.After(timeout):
		return "", false
	}
}

func TestWatcherReloadsOnExternalWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.txt")
	if err := os.WriteFile(path, []byte("v1"), 0o644); err != nil {
		t.Fatalf("seed write: %v", err)
	}

	w, err := New[string](path, linePersist{}, 4)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	defer w.Stop()

	if err := os.WriteFile(path, []byte("v2"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	v, ok := waitForValue(t, w, 2*time.Second)
	if !ok {
		t.Fatal("timed out waiting for reload after external write")
	}
	if v != "v2" {
		t.Fatalf("reloaded value = %q, want v2", v)
	}
}

func TestWatcherSkipsSelfInitiatedSave(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.txt")
	if err := os.WriteFile(path, []byte("v1"), 0o644); err != nil {
		t.Fatalf("seed write: %v", err)
	}

	w, err := New[string](path, linePersist{}, 4)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	defer w.Stop()

	if err := w.Save("v2"); err != nil {
		t.Fatalf("Save error: %v", err)
	}

	if _, ok := waitForValue(t, w, 900*time.Millisecond); ok {
		t.Fatal("expected self-initiated save to be skipped, got a reload")
	}

	if err := os.WriteFile(path, []byte("v3"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	v, ok := waitForValue(t, w, 2*time.Second)
	if !ok {
		t.Fatal("timed out waiting for reload after the following external write")
	}
	if v != "v3" {
		t.Fatalf("reloaded value = %q, want v3", v)
	}
}

func TestWatcherDebouncesBurstsIntoOneReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.txt")
	if err := os.WriteFile(path, []byte("v1"), 0o644); err != nil {
		t.Fatalf("seed write: %v", err)
	}

	w, err := New[string](path, linePersist{}, 4)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	defer w.Stop()

	for i := 0; i < 5; i++ {
		if err := os.WriteFile(path, []byte("burst"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	if _, ok := waitForValue(t, w, 2*time.Second); !ok {
		t.Fatal("expected exactly one debounced reload to arrive")
	}

	select {
	case v := <-w.Values():
		t.Fatalf("expected burst to collapse into a single reload, got a second value %q", v)
	case <-time.After(700 * time.Millisecond):
	}
}

func TestChangeFileRepointsAndForcesReload(t *testing.T) {
	dir := t.TempDir()
	pathA := filepath.Join(dir, "a.txt")
	pathB := filepath.Join(dir, "b.txt")
	if err := os.WriteFile(pathA, []byte("a1"), 0o644); err != nil {
		t.Fatalf("seed write a: %v", err)
	}
	if err := os.WriteFile(pathB, []byte("b1"), 0o644); err != nil {
		t.Fatalf("seed write b: %v", err)
	}

	w, err := New[string](pathA, linePersist{}, 4)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	defer w.Stop()

	if err := w.ChangeFile(pathB); err != nil {
		t.Fatalf("ChangeFile error: %v", err)
	}

	if err := os.WriteFile(pathB, []byte("b2"), 0o644); err != nil {
		t.Fatalf("write b: %v", err)
	}

	v, ok := waitForValue(t, w, 2*time.Second)
	if !ok {
		t.Fatal("timed out waiting for reload after ChangeFile")
	}
	if v != "b2" {
		t.Fatalf("reloaded value = %q, want b2", v)
	}
}
