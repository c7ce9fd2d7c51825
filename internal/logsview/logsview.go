// Package logsview implements the Logs Observer: follows container
// logs with timestamps, reconnects on stream close with since-time
// resume, and emits chunks to a single consumer. The reconnect loop
// and line-scanning shape are grounded directly on the teacher's
// internal/collector/stream.go Stream.Start/run, generalized from a
// fixed storage sink to an output-chunk channel and from
// always-follow to the observer's tail-lines-or-since-time contract.
package logsview

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/kubenav/kubenav/internal/kube"
	"github.com/kubenav/kubenav/internal/logsview/scrollback"
)

// Line is one parsed log line: timestamp plus message, split on the
// first space per spec 4.H.2. Lines that fail to parse are dropped.
type Line struct {
	Timestamp time.Time
	Text      string
}

// Chunk is one delivery unit: an end-timestamp plus the lines read
// since the previous chunk, matching spec's Log chunk data model.
type Chunk struct {
	EndTimestamp time.Time
	Lines        []LineRecord
}

// LineRecord pairs a parsed line with whether it represents a
// synthetic error (stream-end/reconnect notices) rather than real
// container output.
type LineRecord struct {
	Timestamp time.Time
	Text      string
	IsError   bool
}

const (
	minBackoff = 800 * time.Millisecond
	maxBackoff = 30 * time.Second
)

// LogsObserver follows one container's logs.
type LogsObserver struct {
	mu              sync.Mutex
	lastMessageTime time.Time
	running         bool

	scroll *scrollback.Store

	chunks chan Chunk
	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a LogsObserver with the given output buffer depth.
func New(bufferSize int) *LogsObserver {
	return &LogsObserver{chunks: make(chan Chunk, bufferSize)}
}

// SetScrollback attaches a scrollback cache every chunk is appended to
// as it's emitted, so a logs view reopened after a reconnect can show
// recent history immediately instead of waiting on a fresh tail. A nil
// store (the default) disables caching.
func (o *LogsObserver) SetScrollback(store *scrollback.Store) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.scroll = store
}

// Chunks exposes the output channel.
func (o *LogsObserver) Chunks() <-chan Chunk { return o.chunks }

// SearchScrollback full-text-searches this container's cached lines.
// Returns nil, nil if no scrollback store is attached.
func (o *LogsObserver) SearchScrollback(ctx context.Context, namespace, pod, container, query string, limit int) ([]scrollback.Line, error) {
	o.mu.Lock()
	store := o.scroll
	o.mu.Unlock()
	if store == nil {
		return nil, nil
	}
	return store.Search(ctx, namespace, pod, container, query, limit)
}

// Start spawns the follow-and-reconnect loop for podRef's container.
func (o *LogsObserver) Start(ctx context.Context, client *kube.Client, podRef kube.Reference, tailLines *int64, previous bool) {
	runCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.cancel = cancel
	o.done = make(chan struct{})
	o.running = true
	o.mu.Unlock()

	go o.runLoop(runCtx, client, podRef, tailLines, previous)
}

// Stop cancels the loop and waits for it to exit.
func (o *LogsObserver) Stop() {
	o.mu.Lock()
	cancel := o.cancel
	done := o.done
	o.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if done != nil {
		<-done
	}
}

// TryNext pops one buffered chunk, if any.
func (o *LogsObserver) TryNext() (Chunk, bool) {
	select {
	case c := <-o.chunks:
		return c, true
	default:
		return Chunk{}, false
	}
}

// IsEmpty reports whether no chunk is currently buffered.
func (o *LogsObserver) IsEmpty() bool { return len(o.chunks) == 0 }

// Drain pulls every currently buffered chunk without blocking.
func (o *LogsObserver) Drain() []Chunk {
	var out []Chunk
	for {
		select {
		case c := <-o.chunks:
			out = append(out, c)
		default:
			return out
		}
	}
}

func (o *LogsObserver) runLoop(ctx context.Context, client *kube.Client, podRef kube.Reference, tailLines *int64, previous bool) {
	defer func() {
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
		close(o.done)
	}()

	backoff := minBackoff
	firstAttempt := true

	for {
		if ctx.Err() != nil {
			return
		}

		params := kube.LogParams{
			Container:  podRef.Container,
			Follow:     true,
			Timestamps: true,
			Previous:   previous,
		}

		o.mu.Lock()
		sinceKnown := !o.lastMessageTime.IsZero()
		since := o.lastMessageTime
		o.mu.Unlock()

		if sinceKnown {
			t := metav1.NewTime(since.Add(time.Nanosecond))
			params.SinceTime = &t
		} else if firstAttempt && tailLines != nil {
			params.TailLines = tailLines
		}
		firstAttempt = false

		err := o.run(ctx, client, podRef.Namespace.String(), podRef.Name, params)
		if ctx.Err() != nil {
			return
		}

		endRecords := []LineRecord{{
			Timestamp: time.Now(),
			Text:      fmt.Sprintf("log stream ended, reconnecting: %v", err),
			IsError:   true,
		}}
		o.emit(Chunk{EndTimestamp: time.Now(), Lines: endRecords})
		o.appendScrollback(ctx, podRef.Namespace.String(), podRef.Name, podRef.Container, endRecords)

		select {
		case <-time.After(backoff):
			backoff = minDuration(backoff*2, maxBackoff)
		case <-ctx.Done():
			return
		}
	}
}

func (o *LogsObserver) run(ctx context.Context, client *kube.Client, namespace, podName string, params kube.LogParams) error {
	stream, err := client.OpenLogStream(ctx, podName, params)
	if err != nil {
		return fmt.Errorf("open log stream: %w", err)
	}
	defer stream.Close()

	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var batch []LineRecord
	flush := func() {
		if len(batch) == 0 {
			return
		}
		o.emit(Chunk{EndTimestamp: batch[len(batch)-1].Timestamp, Lines: batch})
		o.appendScrollback(ctx, namespace, podName, params.Container, batch)
		batch = nil
	}

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Text()
		parsed, ok := parseLine(line)
		if !ok {
			continue
		}

		o.mu.Lock()
		o.lastMessageTime = parsed.Timestamp
		o.mu.Unlock()

		batch = append(batch, LineRecord{Timestamp: parsed.Timestamp, Text: parsed.Text})
		if len(batch) >= 50 {
			flush()
		}
	}
	flush()

	if err := scanner.Err(); err != nil {
		return err
	}
	return nil
}

func (o *LogsObserver) appendScrollback(ctx context.Context, namespace, pod, container string, records []LineRecord) {
	o.mu.Lock()
	store := o.scroll
	o.mu.Unlock()
	if store == nil {
		return
	}
	lines := make([]scrollback.Line, len(records))
	for i, r := range records {
		lines[i] = scrollback.Line{Timestamp: r.Timestamp, Text: r.Text, IsError: r.IsError}
	}
	if err := store.Append(ctx, namespace, pod, container, lines); err != nil {
		slog.Warn("logsview: scrollback append failed", "err", err)
	}
}

func (o *LogsObserver) emit(c Chunk) {
	select {
	case o.chunks <- c:
		return
	default:
	}
	select {
	case o.chunks <- c:
	case <-time.After(5 * time.Second):
		slog.Warn("logsview: chunk channel full for 5s, dropping chunk")
	}
}

// parseLine splits a raw timestamped log line on its first space into
// (timestamp, message); lines that fail to parse are dropped.
func parseLine(raw string) (Line, bool) {
	idx := strings.IndexByte(raw, ' ')
	if idx < 0 {
		return Line{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, raw[:idx])
	if err != nil {
		return Line{}, false
	}
	return Line{Timestamp: ts, Text: raw[idx+1:]}, true
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
