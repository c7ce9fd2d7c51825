package observer

import (
	"context"
	"errors"
	"testing"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/watch"
	dynamicfake "k8s.io/client-go/dynamic/fake"
	clienttesting "k8s.io/client-go/testing"

	"github.com/kubenav/kubenav/internal/kube"
)

var podsGVR = schema.GroupVersionResource{Group: "", Version: "v1", Resource: "pods"}

func newPod(namespace, name string) *unstructured.Unstructured {
	return &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": "v1",
		"kind":       "Pod",
		"metadata": map[string]interface{}{
			"name":      name,
			"namespace": namespace,
			"uid":       namespace + "/" + name,
		},
	}}
}

func fakeClientWithDyn(t *testing.T, caps kube.Capabilities, objs ...*unstructured.Unstructured) (*kube.Client, *dynamicfake.FakeDynamicClient) {
	t.Helper()
	scheme := runtime.NewScheme()
	gvrToListKind := map[schema.GroupVersionResource]string{
		podsGVR: "PodList",
	}
	runtimeObjs := make([]runtime.Object, 0, len(objs))
	for _, o := range objs {
		runtimeObjs = append(runtimeObjs, o)
	}
	dyn := dynamicfake.NewSimpleDynamicClientWithCustomListKinds(scheme, gvrToListKind, runtimeObjs...)

	resource := kube.APIResource{GroupVersionResource: podsGVR, Kind: "Pod", Namespaced: true}
	gvk := schema.GroupVersionKind{Group: "", Version: "v1", Kind: "Pod"}
	return kube.NewClient(nil, nil, dyn, gvk, resource, caps, "default"), dyn
}

func fakeClient(t *testing.T, caps kube.Capabilities, objs ...*unstructured.Unstructured) *kube.Client {
	t.Helper()
	client, _ := fakeClientWithDyn(t, caps, objs...)
	return client
}

func drainUntil(t *testing.T, events <-chan Event, want EventKind, timeout time.Duration) Event {
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

func watchAndListCaps() kube.Capabilities {
	return kube.NewCapabilities(metav1.Verbs{"list", "watch", "get"})
}

func TestObserverStartEmitsInitThenReady(t *testing.T) {
	pod := newPod("default", "web-1")
	client := fakeClient(t, watchAndListCaps(), pod)

	obs := New(16)
	ref := kube.ForKind(kube.Kind{Plural: "pods", Version: "v1"}, kube.NamespaceOf("default"))
	resource := kube.APIResource{GroupVersionResource: podsGVR, Kind: "Pod", Namespaced: true}

	if err := obs.Start(context.Background(), client, ref, resource, watchAndListCaps(), "", false); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer obs.Stop()

	initEvent := drainUntil(t, obs.Events(), EventInit, 2*time.Second)
	if len(initEvent.InitData) != 1 || initEvent.InitData[0].GetName() != "web-1" {
		t.Fatalf("expected init data with web-1, got %+v", initEvent.InitData)
	}

	drainUntil(t, obs.Events(), EventInitDone, 2*time.Second)

	if !obs.IsReady() {
		t.Fatal("expected observer to reach Ready state")
	}
	if obs.HasError() {
		t.Fatal("expected no error health")
	}
}

func TestObserverStartRejectsUnsupportedCapabilities(t *testing.T) {
	client := fakeClient(t, kube.Capabilities{})
	obs := New(4)
	ref := kube.ForKind(kube.Kind{Plural: "pods", Version: "v1"}, kube.NamespaceAll())
	resource := kube.APIResource{GroupVersionResource: podsGVR, Kind: "Pod", Namespaced: true}

	err := obs.Start(context.Background(), client, ref, resource, kube.Capabilities{}, "", false)
	if err != ErrUnsupportedOperation {
		t.Fatalf("Start() error = %v, want ErrUnsupportedOperation", err)
	}
}

func TestObserverDoubleStartFails(t *testing.T) {
	pod := newPod("default", "web-1")
	client := fakeClient(t, watchAndListCaps(), pod)
	obs := New(16)
	ref := kube.ForKind(kube.Kind{Plural: "pods", Version: "v1"}, kube.NamespaceOf("default"))
	resource := kube.APIResource{GroupVersionResource: podsGVR, Kind: "Pod", Namespaced: true}

	if err := obs.Start(context.Background(), client, ref, resource, watchAndListCaps(), "", false); err != nil {
		t.Fatalf("first Start error: %v", err)
	}
	defer obs.Stop()

	if err := obs.Start(context.Background(), client, ref, resource, watchAndListCaps(), "", false); err != ErrAlreadyStarted {
		t.Fatalf("second Start() error = %v, want ErrAlreadyStarted", err)
	}
}

func TestObserverStopTransitionsToIdle(t *testing.T) {
	pod := newPod("default", "web-1")
	client := fakeClient(t, watchAndListCaps(), pod)
	obs := New(16)
	ref := kube.ForKind(kube.Kind{Plural: "pods", Version: "v1"}, kube.NamespaceOf("default"))
	resource := kube.APIResource{GroupVersionResource: podsGVR, Kind: "Pod", Namespaced: true}

	if err := obs.Start(context.Background(), client, ref, resource, watchAndListCaps(), "", false); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	drainUntil(t, obs.Events(), EventInitDone, 2*time.Second)

	obs.Stop()
	if !obs.IsWaiting() {
		t.Fatal("expected observer back to Idle/Waiting after Stop")
	}
}

// TestObserverHandleErrorAbsorbsThenForcesRestartWithinWindow exercises
// handleError directly: a lone WatchFailed is absorbed (Continue), and
// a second one arriving well inside forcedRestartWindow forces a
// Restart, matching the force-two-failures-30s-apart scenario.
func TestObserverHandleErrorAbsorbsThenForcesRestartWithinWindow(t *testing.T) {
	pod := newPod("default", "web-1")
	client := fakeClient(t, watchAndListCaps(), pod)

	obs := New(16)
	ref := kube.ForKind(kube.Kind{Plural: "pods", Version: "v1"}, kube.NamespaceOf("default"))
	resource := kube.APIResource{GroupVersionResource: podsGVR, Kind: "Pod", Namespaced: true}

	ctx, cancel := context.WithCancel(context.Background())
	if err := obs.Start(ctx, client, ref, resource, watchAndListCaps(), "", false); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer obs.Stop()
	drainUntil(t, obs.Events(), EventInitDone, 2*time.Second)

	// Cancelling ctx makes decisionContinueOrSleep's 1s backoff resolve
	// instantly via <-o.ctx.Done(), so this assertion doesn't need to
	// wait out the real backoff.
	cancel()

	first := obs.handleError(errors.New("watch closed"), "WatchFailed")
	if first != decisionContinue {
		t.Fatalf("first WatchFailed: got %v, want decisionContinue", first)
	}

	second := obs.handleError(errors.New("watch closed again"), "WatchFailed")
	if second != decisionRestart {
		t.Fatalf("second WatchFailed within forcedRestartWindow: got %v, want decisionRestart", second)
	}
}

// TestObserverAbsorbsOneWatchFailureThenForcesRestart drives the real
// watchSession path with a controllable fake watch stream: the first
// dropped watch must be absorbed silently (no extra Init), and the
// second, arriving well within forcedRestartWindow, must force a full
// reconnect producing exactly one more Init/InitDone pair.
func TestObserverAbsorbsOneWatchFailureThenForcesRestart(t *testing.T) {
	pod := newPod("default", "web-1")
	client, dyn := fakeClientWithDyn(t, watchAndListCaps(), pod)

	watches := make(chan *watch.FakeWatcher, 4)
	dyn.PrependWatchReactor("pods", func(action clienttesting.Action) (bool, watch.Interface, error) {
		fw := watch.NewFake()
		watches <- fw
		return true, fw, nil
	})

	obs := New(16)
	ref := kube.ForKind(kube.Kind{Plural: "pods", Version: "v1"}, kube.NamespaceOf("default"))
	resource := kube.APIResource{GroupVersionResource: podsGVR, Kind: "Pod", Namespaced: true}

	if err := obs.Start(context.Background(), client, ref, resource, watchAndListCaps(), "", false); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer obs.Stop()

	drainUntil(t, obs.Events(), EventInit, 2*time.Second)
	drainUntil(t, obs.Events(), EventInitDone, 2*time.Second)

	var fw1 *watch.FakeWatcher
	select {
	case fw1 = <-watches:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the first watch to open")
	}

	// First failure: the stream closes out from under the observer. It
	// must be absorbed silently, with no extra Init.
	fw1.Stop()

	var fw2 *watch.FakeWatcher
	select {
	case fw2 = <-watches:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for the watch to be quietly reopened")
	}

	select {
	case ev := <-obs.Events():
		t.Fatalf("expected no event after an absorbed watch failure, got %+v", ev)
	case <-time.After(300 * time.Millisecond):
	}

	// Second failure lands well within forcedRestartWindow: this one
	// must force a full reconnect, producing exactly one more Init.
	fw2.Stop()

	drainUntil(t, obs.Events(), EventInit, 2*time.Second)
	drainUntil(t, obs.Events(), EventInitDone, 2*time.Second)

	select {
	case ev := <-obs.Events():
		t.Fatalf("expected exactly one extra Init after the forced restart, got another event %+v", ev)
	case <-time.After(300 * time.Millisecond):
	}
}
