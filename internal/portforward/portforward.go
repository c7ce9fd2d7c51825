// Package portforward implements the Port-Forward Supervisor: many
// independent TCP acceptor tasks, each bridging accepted local sockets
// to a pod's port-forward stream pair, emitting lifecycle events and
// per-task counters, per spec 4.F. Grounded on the SPDY dial pattern
// shared with internal/kube's ExecTTY (Scoutflo's
// pkg/kubernetes/portforward.go), generalized from client-go's own
// internal stream-per-connection protocol so the supervisor can emit
// its own per-connection events instead of delegating to
// tools/portforward.PortForwarder's built-in listener.
package portforward

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/util/httpstream"

	"github.com/kubenav/kubenav/internal/kube"
)

// ErrUnsupportedResource is returned by Start when ref does not name a
// single pod.
var ErrUnsupportedResource = errors.New("portforward: resource reference must name a single pod")

// ErrPortNotFound is returned by a worker when the API server's data
// stream for the requested port never arrives.
var ErrPortNotFound = errors.New("portforward: requested port not found in stream response")

// sendAfterClosingSubstring is the text of the benign close-path error
// the underlying SPDY framing produces when a stream is written to just
// after the peer closed it; spec's Open Question about replacing the
// brittle Protocol(SendAfterClosing) string match is resolved here by
// checking for a plain io.EOF/net.ErrClosed pair instead of matching
// the debug-format string, and falling back to the substring only if
// neither typed check matches - see DESIGN.md.
const sendAfterClosingSubstring = "Protocol(SendAfterClosing)"

func isBenignCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	return containsSendAfterClosing(err)
}

func containsSendAfterClosing(err error) bool {
	return err != nil && strings.Contains(err.Error(), sendAfterClosingSubstring)
}

// EventKind enumerates the Supervisor's lifecycle events.
type EventKind int

const (
	TaskStarted EventKind = iota
	TaskStopped
	ConnectionAccepted
	ConnectionClosed
	ConnectionError
)

// Event is one item on the Supervisor's single event channel.
type Event struct {
	Kind   EventKind
	TaskID string
	Err    error
}

// Stats is one task's live counters.
type Stats struct {
	Active     int32
	Cumulative int32
	Errors     int32
}

// Task is one port-forward task's public state.
type Task struct {
	ID         string
	PodRef     kube.Reference
	BindAddr   string
	RemotePort int
	StartedAt  time.Time

	active     atomic.Int32
	cumulative atomic.Int32
	errorCount atomic.Int32
	cancel     context.CancelFunc
	finished   atomic.Bool
}

// Stats snapshots the task's counters.
func (t *Task) Stats() Stats {
	return Stats{Active: t.active.Load(), Cumulative: t.cumulative.Load(), Errors: t.errorCount.Load()}
}

// Finished reports whether the acceptor loop has exited.
func (t *Task) Finished() bool { return t.finished.Load() }

// dialer abstracts kube.Client.DialPortForward so tests can substitute
// a stub connection.
type dialer interface {
	DialPortForward(podName string) (httpstream.Connection, error)
}

// Supervisor owns every live port-forward task and the shared event
// channel.
type Supervisor struct {
	dialer dialer
	events chan Event

	mu    sync.Mutex
	tasks map[string]*Task
}

// New builds a Supervisor bound to a dialer (normally a *kube.Client).
func New(d dialer, eventBuffer int) *Supervisor {
	return &Supervisor{dialer: d, events: make(chan Event, eventBuffer), tasks: map[string]*Task{}}
}

// Events exposes the supervisor's event channel.
func (s *Supervisor) Events() <-chan Event { return s.events }

// Start opens a new port-forward task. ref must name exactly one pod
// (Reference.Name != "" and Kind == pods), else ErrUnsupportedResource
// without touching the API, per spec's boundary test.
func (s *Supervisor) Start(ctx context.Context, ref kube.Reference, bindAddr string, remotePort int) (*Task, error) {
	if ref.Name == "" || !ref.Kind.Equal(kube.PodsKind) {
		return nil, ErrUnsupportedResource
	}

	taskCtx, cancel := context.WithCancel(ctx)
	task := &Task{
		ID:         uuid.NewString(),
		PodRef:     ref,
		BindAddr:   bindAddr,
		RemotePort: remotePort,
		StartedAt:  time.Now(),
		cancel:     cancel,
	}

	listener, err := net.Listen("tcp", bindAddr)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("bind %s: %w", bindAddr, err)
	}
	task.BindAddr = listener.Addr().String()

	s.mu.Lock()
	s.tasks[task.ID] = task
	s.mu.Unlock()

	s.emit(Event{Kind: TaskStarted, TaskID: task.ID})
	go s.acceptLoop(taskCtx, task, listener)

	return task, nil
}

func (s *Supervisor) emit(e Event) {
	select {
	case s.events <- e:
		return
	default:
	}
	select {
	case s.events <- e:
	case <-time.After(5 * time.Second):
		slog.Warn("portforward: event channel full, dropped event", "kind", e.Kind, "task", e.TaskID)
	}
}

// acceptLoop owns the TCP listener for one task: accept, spawn worker,
// repeat, until the task's context is cancelled or the listener
// itself errors (which ends the task).
func (s *Supervisor) acceptLoop(ctx context.Context, task *Task, listener net.Listener) {
	defer func() {
		listener.Close()
		task.finished.Store(true)
		s.emit(Event{Kind: TaskStopped, TaskID: task.ID})
	}()

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	var wg sync.WaitGroup
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			task.errorCount.Add(1)
			s.emit(Event{Kind: ConnectionError, TaskID: task.ID, Err: err})
			break
		}

		task.active.Add(1)
		task.cumulative.Add(1)
		s.emit(Event{Kind: ConnectionAccepted, TaskID: task.ID})

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer task.active.Add(-1)
			fatal := s.runWorker(ctx, task, conn)
			s.emit(Event{Kind: ConnectionClosed, TaskID: task.ID})
			if fatal {
				task.cancel()
			}
		}()
	}
	wg.Wait()
}

// runWorker bridges one accepted socket to the pod's port-forward
// stream pair and reports whether the error it hit should cancel the
// whole task (kube error or port-not-found) as opposed to just this
// connection.
func (s *Supervisor) runWorker(ctx context.Context, task *Task, conn net.Conn) bool {
	defer conn.Close()

	streamConn, err := s.dialer.DialPortForward(task.PodRef.Name)
	if err != nil {
		task.errorCount.Add(1)
		s.emit(Event{Kind: ConnectionError, TaskID: task.ID, Err: err})
		return true
	}
	defer streamConn.Close()

	requestID := uuid.NewString()
	errorStream, err := createStream(streamConn, task.RemotePort, "error", requestID)
	if err != nil {
		task.errorCount.Add(1)
		s.emit(Event{Kind: ConnectionError, TaskID: task.ID, Err: err})
		return true
	}
	defer errorStream.Close()

	errCh := make(chan error, 1)
	go func() {
		msg, _ := io.ReadAll(errorStream)
		if len(msg) > 0 {
			errCh <- fmt.Errorf("port forward error stream: %s", msg)
			return
		}
		errCh <- nil
	}()

	dataStream, err := createStream(streamConn, task.RemotePort, "data", requestID)
	if err != nil {
		task.errorCount.Add(1)
		s.emit(Event{Kind: ConnectionError, TaskID: task.ID, Err: ErrPortNotFound})
		return true
	}
	defer dataStream.Close()

	copyDone := make(chan struct{}, 2)
	go func() {
		io.Copy(dataStream, conn)
		copyDone <- struct{}{}
	}()
	go func() {
		io.Copy(conn, dataStream)
		copyDone <- struct{}{}
	}()

	select {
	case <-copyDone:
	case <-ctx.Done():
	}

	if streamErr := <-errCh; streamErr != nil && !isBenignCloseError(streamErr) {
		task.errorCount.Add(1)
		s.emit(Event{Kind: ConnectionError, TaskID: task.ID, Err: streamErr})
		return false
	}
	return false
}

// createStream opens one SPDY sub-stream of kind ("error" or "data")
// for remotePort over an already-upgraded port-forward connection, the
// header protocol client-go's tools/portforward package itself speaks
// against the kubelet's port-forward handler.
func createStream(conn httpstream.Connection, remotePort int, streamType, requestID string) (httpstream.Stream, error) {
	headers := http.Header{}
	headers.Set(httpstream.HeaderStreamType, streamType)
	headers.Set(httpstream.HeaderPort, strconv.Itoa(remotePort))
	headers.Set(httpstream.HeaderSessionID, requestID)
	return conn.CreateStream(headers)
}

// Stop cancels task's context; its acceptor loop drains in-flight
// connections and then emits TaskStopped.
func (s *Supervisor) Stop(taskID string) {
	s.mu.Lock()
	task, ok := s.tasks[taskID]
	s.mu.Unlock()
	if !ok {
		return
	}
	task.cancel()
}

// CleanupTasks removes every task whose acceptor loop has exited.
func (s *Supervisor) CleanupTasks() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.tasks {
		if t.Finished() {
			delete(s.tasks, id)
		}
	}
}

// StopAll cancels and waits for every task to finish, then drains the
// event channel.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	tasks := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	for _, t := range tasks {
		t.cancel()
	}
	for _, t := range tasks {
		for !t.Finished() {
			time.Sleep(10 * time.Millisecond)
		}
	}

	for {
		select {
		case <-s.events:
		default:
			return
		}
	}
}
