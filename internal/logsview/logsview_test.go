package logsview

import (
	"context"
	"testing"
	"time"

	"github.com/kubenav/kubenav/internal/logsview/scrollback"
)

func openTestScrollback(t *testing.T) *scrollback.Store {
	t.Helper()
	s, err := scrollback.Open(scrollback.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("scrollback.Open error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestLogsObserverAppendsToScrollback exercises the wiring between the
// Logs Observer's line-emission path and its attached scrollback
// cache: every flushed batch must land in the store and be both
// retrievable and full-text searchable.
func TestLogsObserverAppendsToScrollback(t *testing.T) {
	store := openTestScrollback(t)
	o := New(16)
	o.SetScrollback(store)

	ctx := context.Background()
	base := time.Unix(1700000000, 0)
	records := []LineRecord{
		{Timestamp: base, Text: "starting up"},
		{Timestamp: base.Add(time.Second), Text: "listening on :8080"},
	}

	o.appendScrollback(ctx, "default", "web-1", "app", records)

	recent, err := store.Recent(ctx, "default", "web-1", "app", 10)
	if err != nil {
		t.Fatalf("Recent error: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 cached lines, got %d: %+v", len(recent), recent)
	}

	matches, err := o.SearchScrollback(ctx, "default", "web-1", "app", "listening", 10)
	if err != nil {
		t.Fatalf("SearchScrollback error: %v", err)
	}
	if len(matches) != 1 || matches[0].Text != "listening on :8080" {
		t.Fatalf("expected one match for \"listening\", got %+v", matches)
	}
}

// TestLogsObserverAppendScrollbackNoopWithoutStore confirms a
// LogsObserver with no attached store silently skips caching rather
// than panicking, and SearchScrollback reports no store as (nil, nil).
func TestLogsObserverAppendScrollbackNoopWithoutStore(t *testing.T) {
	o := New(16)
	o.appendScrollback(context.Background(), "default", "web-1", "app", []LineRecord{{Timestamp: time.Now(), Text: "x"}})

	matches, err := o.SearchScrollback(context.Background(), "default", "web-1", "app", "x", 10)
	if err != nil {
		t.Fatalf("SearchScrollback error: %v", err)
	}
	if matches != nil {
		t.Fatalf("expected nil matches without an attached store, got %+v", matches)
	}
}

func TestParseLineSplitsTimestampAndMessage(t *testing.T) {
	line, ok := parseLine("2024-01-02T15:04:05.000000000Z connection accepted")
	if !ok {
		t.Fatal("expected parseLine to succeed on a well-formed line")
	}
	if line.Text != "connection accepted" {
		t.Fatalf("unexpected text: %q", line.Text)
	}
	if line.Timestamp.IsZero() {
		t.Fatal("expected a non-zero parsed timestamp")
	}
}

func TestParseLineRejectsMalformedInput(t *testing.T) {
	if _, ok := parseLine("no-space-here"); ok {
		t.Fatal("expected parseLine to reject a line with no space")
	}
	if _, ok := parseLine("not-a-timestamp message body"); ok {
		t.Fatal("expected parseLine to reject an unparseable timestamp")
	}
}
