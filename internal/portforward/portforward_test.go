package portforward

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"k8s.io/apimachinery/pkg/util/httpstream"

	"github.com/kubenav/kubenav/internal/kube"
)

type fakeDialer struct {
	err error
}

func (f *fakeDialer) DialPortForward(podName string) (httpstream.Connection, error) {
	return nil, f.err
}

func podRef(name string) kube.Reference {
	return kube.Named(kube.PodsKind, kube.NamespaceOf("default"), name)
}

func drainEvent(t *testing.T, events <-chan Event, want EventKind, timeout time.Duration) Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-events:
			if ev.Kind == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event kind %v", want)
		}
	}
}

func TestStartRejectsNonPodReference(t *testing.T) {
	s := New(&fakeDialer{}, 8)
	ref := kube.ForKind(kube.Kind{Plural: "deployments"}, kube.NamespaceOf("default"))

	_, err := s.Start(context.Background(), ref, "127.0.0.1:0", 8080)
	if !errors.Is(err, ErrUnsupportedResource) {
		t.Fatalf("Start() error = %v, want ErrUnsupportedResource", err)
	}
}

func TestStartEmitsTaskStartedAndAcceptedConnection(t *testing.T) {
	s := New(&fakeDialer{err: errors.New("dial failed")}, 8)
	task, err := s.Start(context.Background(), podRef("web-1"), "127.0.0.1:0", 8080)
	if err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer s.StopAll()

	drainEvent(t, s.Events(), TaskStarted, 2*time.Second)

	conn, err := net.Dial("tcp", task.BindAddr)
	if err != nil {
		t.Fatalf("dial local listener: %v", err)
	}
	defer conn.Close()

	drainEvent(t, s.Events(), ConnectionAccepted, 2*time.Second)
	drainEvent(t, s.Events(), ConnectionError, 2*time.Second)

	deadline := time.After(2 * time.Second)
	for !task.Finished() {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for task to finish after dial failure")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestStopCancelsTaskAndEmitsTaskStopped(t *testing.T) {
	s := New(&fakeDialer{}, 8)
	task, err := s.Start(context.Background(), podRef("web-1"), "127.0.0.1:0", 8080)
	if err != nil {
		t.Fatalf("Start error: %v", err)
	}
	drainEvent(t, s.Events(), TaskStarted, 2*time.Second)

	s.Stop(task.ID)
	drainEvent(t, s.Events(), TaskStopped, 2*time.Second)

	if !task.Finished() {
		t.Fatal("expected task to be finished after Stop")
	}
}

func TestStopUnknownTaskIsNoop(t *testing.T) {
	s := New(&fakeDialer{}, 8)
	s.Stop("does-not-exist")
}

func TestCleanupTasksRemovesFinishedTasks(t *testing.T) {
	s := New(&fakeDialer{}, 8)
	task, err := s.Start(context.Background(), podRef("web-1"), "127.0.0.1:0", 8080)
	if err != nil {
		t.Fatalf("Start error: %v", err)
	}
	drainEvent(t, s.Events(), TaskStarted, 2*time.Second)

	s.Stop(task.ID)
	drainEvent(t, s.Events(), TaskStopped, 2*time.Second)

	deadline := time.After(2 * time.Second)
	for !task.Finished() {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for task to finish")
		case <-time.After(10 * time.Millisecond):
		}
	}

	s.CleanupTasks()

	s.mu.Lock()
	_, stillTracked := s.tasks[task.ID]
	s.mu.Unlock()
	if stillTracked {
		t.Fatal("expected finished task to be removed by CleanupTasks")
	}
}

func TestTaskStatsCountAcceptedConnection(t *testing.T) {
	s := New(&fakeDialer{err: errors.New("dial failed")}, 8)
	task, err := s.Start(context.Background(), podRef("web-1"), "127.0.0.1:0", 8080)
	if err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer s.StopAll()
	drainEvent(t, s.Events(), TaskStarted, 2*time.Second)

	conn, err := net.Dial("tcp", task.BindAddr)
	if err != nil {
		t.Fatalf("dial local listener: %v", err)
	}
	defer conn.Close()

	drainEvent(t, s.Events(), ConnectionAccepted, 2*time.Second)

	stats := task.Stats()
	if stats.Cumulative < 1 {
		t.Fatalf("expected cumulative >= 1, got %+v", stats)
	}
}
