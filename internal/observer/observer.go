// Package observer implements the Background Observer: a long-lived
// task that watches (or, lacking that capability, polls) one
// Kubernetes resource kind and emits a FIFO stream of Init / InitDone
// / Apply / Delete events to a single consumer, tracking a
// state+health machine the UI renders directly.
//
// The run loop and its backoff/reconnect shape are grounded on the
// teacher's log-streaming loop (internal/collector/stream.go): a
// retry loop around one attempt, classifying errors into retryable
// vs terminal, with the event-delivery channel using the
// try-nonblocking-then-block-with-timeout send pattern from
// internal/collector/discovery.go's emitEvent.
package observer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/kubenav/kubenav/internal/kerrors"
	"github.com/kubenav/kubenav/internal/kube"
)

// State is the observer's connection state.
type State int

const (
	Idle State = iota
	Connecting
	Connected
	Ready
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Ready:
		return "Ready"
	case Reconnecting:
		return "Reconnecting"
	default:
		return "Unknown"
	}
}

// Health is the observer's error axis, independent of State.
type Health int

const (
	Good Health = iota
	ApiError
	ConnectionError
)

// EventKind distinguishes the four Observer result event shapes.
type EventKind int

const (
	EventInit EventKind = iota
	EventInitDone
	EventApply
	EventDelete
)

// Event is one item on the observer's single-consumer result channel.
type Event struct {
	Kind     EventKind
	Object   *unstructured.Unstructured   // Apply, Delete
	InitData []*unstructured.Unstructured // Init
}

// decision is the processor's verdict for the run loop.
type decision int

const (
	decisionContinue decision = iota
	decisionRestart
	decisionStop
)

var (
	ErrResourceNotFound     = errors.New("observer: resource not found")
	ErrAlreadyStarted       = errors.New("observer: already started")
	ErrUnsupportedOperation = kube.ErrUnsupportedOperation
)

// forcedRestartWindow is how close together two watch-failed errors
// must occur for the observer to treat the stream as unrecoverable and
// restart immediately rather than retry in place.
const forcedRestartWindow = 120 * time.Second

// pollInterval is the sleep between list polls for resources that
// only support list, not watch.
const pollInterval = 5 * time.Second

// Observer watches one resource kind and delivers typed events.
type Observer struct {
	mu sync.Mutex

	state  State
	health Health
	// hadConnectionError latches true on any ConnectionError so a
	// restart's transient Connecting phase still renders red.
	hadConnectionError bool
	hasAccess          bool

	client   *kube.Client
	ref      kube.Reference
	resource kube.APIResource
	caps     kube.Capabilities

	fallbackNamespace string
	fallbackSet       bool
	fallbackUsed      bool
	stopOnAccessError bool

	lastWatchFailedAt time.Time

	events chan Event
	cancel context.CancelFunc
	done   chan struct{}
	ctx    context.Context
}

// New constructs an idle Observer bound to an output channel capacity.
func New(bufferSize int) *Observer {
	return &Observer{
		state:  Idle,
		health: Good,
		events: make(chan Event, bufferSize),
	}
}

// Events exposes the result channel for a consumer to range over.
func (o *Observer) Events() <-chan Event { return o.events }

// Start begins watching ref via client, resolved against (resource,
// caps). fallbackNamespace, if non-empty, is flipped to on the first
// forbidden-like start/stop failure.
func (o *Observer) Start(ctx context.Context, client *kube.Client, ref kube.Reference, resource kube.APIResource, caps kube.Capabilities, fallbackNamespace string, stopOnAccessError bool) error {
	o.mu.Lock()
	if o.state != Idle {
		o.mu.Unlock()
		return ErrAlreadyStarted
	}
	if !caps.CanWatch() && !caps.CanList() {
		o.mu.Unlock()
		return ErrUnsupportedOperation
	}

	runCtx, cancel := context.WithCancel(ctx)
	o.client = client
	o.ref = ref
	o.resource = resource
	o.caps = caps
	o.fallbackNamespace = fallbackNamespace
	o.fallbackSet = fallbackNamespace != ""
	o.fallbackUsed = false
	o.stopOnAccessError = stopOnAccessError
	o.state = Connecting
	o.ctx = runCtx
	o.cancel = cancel
	o.done = make(chan struct{})
	o.mu.Unlock()

	go o.runLoop(runCtx)
	return nil
}

// Restart stops and restarts the observer against a new reference,
// preserving the had-connection-error latch. A no-op if ref already
// equals the current reference.
func (o *Observer) Restart(ref kube.Reference) error {
	o.mu.Lock()
	same := o.ref.Kind.Equal(ref.Kind) && o.ref.Namespace.String() == ref.Namespace.String() &&
		o.ref.Name == ref.Name && o.ref.Selector == ref.Selector
	client, resource, caps, fallback, stopOnAccess := o.client, o.resource, o.caps, o.fallbackNamespace, o.stopOnAccessError
	latch := o.hadConnectionError
	o.mu.Unlock()
	if same {
		return nil
	}

	o.Stop()

	o.mu.Lock()
	o.hadConnectionError = latch
	o.mu.Unlock()

	return o.Start(context.Background(), client, ref, resource, caps, fallback, stopOnAccess)
}

// Cancel requests the run loop stop without waiting for it to exit.
func (o *Observer) Cancel() {
	o.mu.Lock()
	cancel := o.cancel
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Stop cancels the run loop and blocks until it has exited.
func (o *Observer) Stop() {
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
	o.mu.Lock()
	o.state = Idle
	o.cancel = nil
	o.mu.Unlock()
}

// Drain pulls every currently buffered event without blocking.
func (o *Observer) Drain() []Event {
	var out []Event
	for {
		select {
		case e := <-o.events:
			out = append(out, e)
		default:
			return out
		}
	}
}

// TryNext pops one buffered event, if any.
func (o *Observer) TryNext() (Event, bool) {
	select {
	case e := <-o.events:
		return e, true
	default:
		return Event{}, false
	}
}

// TryChangeFallbackNamespace succeeds only if a fallback namespace was
// configured and has not already been consumed.
func (o *Observer) TryChangeFallbackNamespace() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.fallbackSet || o.fallbackUsed {
		return false
	}
	o.fallbackUsed = true
	o.client.SetNamespace(o.fallbackNamespace)
	o.ref.Namespace = kube.NamespaceOf(o.fallbackNamespace)
	return true
}

func (o *Observer) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

func (o *Observer) setHealth(h Health) {
	o.mu.Lock()
	o.health = h
	if h == ConnectionError {
		o.hadConnectionError = true
	}
	o.mu.Unlock()
}

// IsConnecting reports State == Connecting.
func (o *Observer) IsConnecting() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state == Connecting
}

// IsConnected reports Connected|Ready, or Reconnecting without a
// latched prior connection error.
func (o *Observer) IsConnected() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch o.state {
	case Connected, Ready:
		return true
	case Reconnecting:
		return !o.hadConnectionError
	default:
		return false
	}
}

// IsReady reports State == Ready.
func (o *Observer) IsReady() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state == Ready
}

// IsWaiting reports State == Idle || State == Connecting.
func (o *Observer) IsWaiting() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state == Idle || o.state == Connecting
}

// HasError reports Health != Good.
func (o *Observer) HasError() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.health != Good
}

// HasApiError reports Health == ApiError.
func (o *Observer) HasApiError() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.health == ApiError
}

// HasAccess reports whether the observer has ever successfully
// received data from the API.
func (o *Observer) HasAccess() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hasAccess
}

func (o *Observer) emit(e Event) {
	select {
	case o.events <- e:
		return
	default:
	}
	select {
	case o.events <- e:
	case <-o.ctx.Done():
		slog.Warn("observer: dropped event on shutdown", "kind", e.Kind)
	case <-time.After(5 * time.Second):
		slog.Error("observer: event channel full for 5s, dropping", "kind", e.Kind)
	}
}

// runLoop is the outer reconnect loop: it (re)builds a stream until
// the processor decides Stop, or ctx is cancelled.
func (o *Observer) runLoop(ctx context.Context) {
	defer close(o.done)

	for {
		if ctx.Err() != nil {
			return
		}
		d := o.attempt(ctx)
		switch d {
		case decisionStop:
			if o.TryChangeFallbackNamespace() {
				o.setState(Connecting)
				continue
			}
			return
		case decisionRestart:
			o.setState(Reconnecting)
			continue
		case decisionContinue:
			// attempt() only returns Continue on ctx cancellation.
			return
		}
	}
}

// attempt runs one watch-or-poll session end to end and returns the
// decision that ended it.
func (o *Observer) attempt(ctx context.Context) decision {
	o.setState(Connecting)

	fieldSel := o.ref.FieldSelectorString()
	labelSel := o.ref.LabelSelectorString()

	if o.caps.CanWatch() {
		return o.watchSession(ctx, fieldSel, labelSel)
	}
	if o.caps.CanList() {
		return o.pollSession(ctx, fieldSel, labelSel)
	}
	return decisionStop
}

// watchSession lists once, emits Init/InitDone, then keeps a watch
// stream alive for as long as failures are absorbed (decisionContinue):
// a dropped or errored watch is quietly reopened at the last resource
// version seen, with no new Init. Only a forced restart (two
// WatchStartFailed/WatchFailed within forcedRestartWindow) or a stop
// unwinds back to runLoop, which is what rebuilds the list and emits
// the next Init.
func (o *Observer) watchSession(ctx context.Context, fieldSel, labelSel string) decision {
	list, err := o.client.List(ctx, fieldSel, labelSel)
	for err != nil {
		d := o.handleError(err, "WatchStartFailed")
		if d != decisionContinue {
			return d
		}
		if ctx.Err() != nil {
			return decisionContinue
		}
		list, err = o.client.List(ctx, fieldSel, labelSel)
	}

	init := make([]*unstructured.Unstructured, 0, len(list.Items))
	for i := range list.Items {
		init = append(init, &list.Items[i])
	}
	o.setState(Connected)
	o.emit(Event{Kind: EventInit, InitData: init})
	o.setState(Ready)
	o.emit(Event{Kind: EventInitDone})

	resourceVersion := list.GetResourceVersion()
	for {
		w, err := o.client.Watch(ctx, fieldSel, labelSel, resourceVersion)
		if err != nil {
			d := o.handleError(err, "WatchStartFailed")
			if d != decisionContinue {
				return d
			}
			if ctx.Err() != nil {
				return decisionContinue
			}
			continue
		}

		d, lastRV := o.consumeWatch(ctx, w)
		w.Stop()
		if d != decisionContinue {
			return d
		}
		if ctx.Err() != nil {
			return decisionContinue
		}
		if lastRV != "" {
			resourceVersion = lastRV
		}
	}
}

// consumeWatch reads from one already-open watch stream until it
// closes, errors, or ctx is cancelled, returning the decision for the
// caller plus the last resource version observed so a quietly reopened
// watch resumes close to where this one left off.
func (o *Observer) consumeWatch(ctx context.Context, w watch.Interface) (decision, string) {
	var lastRV string
	for {
		select {
		case <-ctx.Done():
			return decisionContinue, lastRV
		case ev, ok := <-w.ResultChan():
			if !ok {
				return o.handleError(fmt.Errorf("watch channel closed"), "WatchFailed"), lastRV
			}
			switch ev.Type {
			case watch.Added, watch.Modified:
				obj, ok := ev.Object.(*unstructured.Unstructured)
				if !ok {
					continue
				}
				lastRV = obj.GetResourceVersion()
				o.markAccess()
				o.emit(Event{Kind: EventApply, Object: obj})
			case watch.Deleted:
				obj, ok := ev.Object.(*unstructured.Unstructured)
				if !ok {
					continue
				}
				lastRV = obj.GetResourceVersion()
				o.markAccess()
				o.emit(Event{Kind: EventDelete, Object: obj})
			case watch.Error:
				return o.handleError(fmt.Errorf("watch error event"), "WatchFailed"), lastRV
			}
		}
	}
}

func (o *Observer) pollSession(ctx context.Context, fieldSel, labelSel string) decision {
	known := map[string]*unstructured.Unstructured{}

	list, err := o.client.List(ctx, fieldSel, labelSel)
	for err != nil {
		d := o.handleError(err, "WatchStartFailed")
		if d != decisionContinue {
			return d
		}
		if ctx.Err() != nil {
			return decisionContinue
		}
		list, err = o.client.List(ctx, fieldSel, labelSel)
	}
	init := make([]*unstructured.Unstructured, 0, len(list.Items))
	for i := range list.Items {
		obj := &list.Items[i]
		known[string(obj.GetUID())] = obj
		init = append(init, obj)
	}
	o.setState(Connected)
	o.emit(Event{Kind: EventInit, InitData: init})
	o.setState(Ready)
	o.emit(Event{Kind: EventInitDone})

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return decisionContinue
		case <-ticker.C:
			list, err := o.client.List(ctx, fieldSel, labelSel)
			if err != nil {
				d := o.handleError(err, "Poll")
				if d != decisionContinue {
					return d
				}
				continue
			}
			seen := map[string]bool{}
			for i := range list.Items {
				obj := &list.Items[i]
				uid := string(obj.GetUID())
				seen[uid] = true
				if prev, ok := known[uid]; !ok || prev.GetResourceVersion() != obj.GetResourceVersion() {
					known[uid] = obj
					o.markAccess()
					o.emit(Event{Kind: EventApply, Object: obj})
				}
			}
			for uid, obj := range known {
				if !seen[uid] {
					delete(known, uid)
					o.markAccess()
					o.emit(Event{Kind: EventDelete, Object: obj})
				}
			}
		}
	}
}

func (o *Observer) markAccess() {
	o.mu.Lock()
	o.hasAccess = true
	o.mu.Unlock()
	o.setHealth(Good)
}

// handleError classifies err and implements the processor's Error
// branch from spec 4.C: a lone WatchStartFailed/WatchFailed is
// absorbed (Continue, timestamp+health recorded only); two within
// forcedRestartWindow of each other force a full Restart. Every other
// error (including poll failures) is likewise absorbed as Continue
// unless stopOnAccessError turns an access error into a hard Stop.
func (o *Observer) handleError(err error, kind string) decision {
	class := kerrors.Classify(err)

	if kind == "WatchStartFailed" || kind == "WatchFailed" {
		if class == kerrors.ClassAccess && o.isForbiddenLike(err) {
			if o.TryChangeFallbackNamespace() {
				return decisionRestart
			}
		}

		now := time.Now()
		o.mu.Lock()
		prior := o.lastWatchFailedAt
		o.lastWatchFailedAt = now
		o.mu.Unlock()

		o.setHealth(healthFor(class))
		if !prior.IsZero() && now.Sub(prior) < forcedRestartWindow {
			return decisionRestart
		}
		return decisionContinueOrSleep(o)
	}

	if o.stopOnAccessError && class == kerrors.ClassAccess {
		o.setHealth(ApiError)
		return decisionStop
	}

	o.setHealth(healthFor(class))
	return decisionContinue
}

// decisionContinueOrSleep backs off briefly then absorbs the failure,
// so the caller quietly retries (reopening a watch, or waiting for the
// next poll tick) instead of rebuilding the whole session; the short
// sleep avoids a tight spin against a server returning immediate
// errors.
func decisionContinueOrSleep(o *Observer) decision {
	select {
	case <-time.After(time.Second):
	case <-o.ctx.Done():
	}
	return decisionContinue
}

func healthFor(class kerrors.Class) Health {
	switch class {
	case kerrors.ClassAccess:
		return ApiError
	case kerrors.ClassTransport:
		return ConnectionError
	default:
		return ApiError
	}
}

func (o *Observer) isForbiddenLike(err error) bool {
	return kerrors.IsAccess(err)
}
