// Package kube adapts a single Kubernetes API client (REST config,
// typed clientset, dynamic client and discovery) into the narrow set
// of operations the rest of the runtime needs: list/get/patch/delete
// against arbitrary discovered kinds, plus the three streaming
// operations (exec, port-forward, log follow) that only make sense
// against pods.
package kube

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/httpstream"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	kscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/remotecommand"
	"k8s.io/client-go/transport/spdy"
)

// ErrUnsupportedOperation is returned when the caller asked for an
// operation the discovered resource's capabilities don't advertise;
// the client never contacts the server in this case.
var ErrUnsupportedOperation = errors.New("kube: operation unsupported by this resource")

// PatchAction selects the server-side semantics of SetResourceYaml's
// patch, per spec 4.E.7.
type PatchAction int

const (
	PatchApply PatchAction = iota
	PatchForceApply
	PatchMergePatch
)

// Client is a thin wrapper over the Kubernetes dynamic API
// parameterized by a single discovered resource and namespace.
// Namespace is swappable at runtime (used by the Background Observer's
// fallback-namespace flip) so Client is safe to share by value into a
// single owning task; it is not itself safe for concurrent namespace
// mutation from multiple goroutines - callers serialize that through
// whatever owns the Client.
type Client struct {
	restConfig *rest.Config
	clientset  kubernetes.Interface
	dyn        dynamic.Interface

	resource  APIResource
	caps      Capabilities
	gvk       schema.GroupVersionKind
	namespace string // "" means cluster-scoped or all-namespaces
}

// NewClient builds a Client for one discovered resource.
func NewClient(restConfig *rest.Config, clientset kubernetes.Interface, dyn dynamic.Interface, gvk schema.GroupVersionKind, resource APIResource, caps Capabilities, namespace string) *Client {
	return &Client{
		restConfig: restConfig,
		clientset:  clientset,
		dyn:        dyn,
		resource:   resource,
		caps:       caps,
		gvk:        gvk,
		namespace:  namespace,
	}
}

// SetNamespace swaps the client's active namespace. Used by the
// Background Observer when flipping to a fallback namespace.
func (c *Client) SetNamespace(ns string) { c.namespace = ns }

// Namespace returns the client's current namespace, "" meaning
// cluster-scoped or all-namespaces.
func (c *Client) Namespace() string { return c.namespace }

// Resource returns the discovered resource this client is bound to.
func (c *Client) Resource() APIResource { return c.resource }

func (c *Client) resourceInterface() dynamic.ResourceInterface {
	ri := c.dyn.Resource(c.resource.GroupVersionResource)
	if c.resource.Namespaced && c.namespace != "" {
		return ri.Namespace(c.namespace)
	}
	return ri
}

// List lists resources matching the given field/label selectors.
// namespace=="" with a namespaced resource means "all namespaces",
// matching spec's namespace resolution rule.
func (c *Client) List(ctx context.Context, fieldSelector, labelSelector string) (*unstructured.UnstructuredList, error) {
	if !c.caps.CanList() {
		return nil, ErrUnsupportedOperation
	}
	return c.resourceInterface().List(ctx, metav1.ListOptions{
		FieldSelector: fieldSelector,
		LabelSelector: labelSelector,
	})
}

// Watch opens a watch stream matching the given selectors.
func (c *Client) Watch(ctx context.Context, fieldSelector, labelSelector, resourceVersion string) (watch.Interface, error) {
	if !c.caps.CanWatch() {
		return nil, ErrUnsupportedOperation
	}
	return c.resourceInterface().Watch(ctx, metav1.ListOptions{
		FieldSelector:   fieldSelector,
		LabelSelector:   labelSelector,
		ResourceVersion: resourceVersion,
		Watch:           true,
	})
}

// Get fetches a single named resource.
func (c *Client) Get(ctx context.Context, name string) (*unstructured.Unstructured, error) {
	if !c.caps.CanGet() {
		return nil, ErrUnsupportedOperation
	}
	return c.resourceInterface().Get(ctx, name, metav1.GetOptions{})
}

// FieldManager is the patch manager field used for every server-side
// apply performed by this client.
const FieldManager = "kubenav"

// Patch applies obj to the named resource using the requested action.
func (c *Client) Patch(ctx context.Context, name string, obj *unstructured.Unstructured, action PatchAction) (*unstructured.Unstructured, error) {
	if !c.caps.CanPatch() {
		return nil, ErrUnsupportedOperation
	}
	data, err := obj.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("marshal resource: %w", err)
	}

	switch action {
	case PatchApply, PatchForceApply:
		force := action == PatchForceApply
		return c.resourceInterface().Patch(ctx, name, types.ApplyPatchType, data, metav1.PatchOptions{
			FieldManager: FieldManager,
			Force:        &force,
		})
	case PatchMergePatch:
		return c.resourceInterface().Patch(ctx, name, types.MergePatchType, data, metav1.PatchOptions{
			FieldManager: FieldManager,
		})
	default:
		return nil, fmt.Errorf("kube: unknown patch action %d", action)
	}
}

// PatchStatus patches just the status subresource.
func (c *Client) PatchStatus(ctx context.Context, name string, status *unstructured.Unstructured, action PatchAction) (*unstructured.Unstructured, error) {
	if !c.caps.CanPatch() {
		return nil, ErrUnsupportedOperation
	}
	data, err := status.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("marshal status: %w", err)
	}
	patchType := types.MergePatchType
	opts := metav1.PatchOptions{FieldManager: FieldManager}
	if action != PatchMergePatch {
		patchType = types.ApplyPatchType
		force := action == PatchForceApply
		opts.Force = &force
	}
	return c.resourceInterface().Patch(ctx, name, patchType, data, opts, "status")
}

// Delete removes a named resource. A not-found response is swallowed:
// deleting an already-gone resource is a no-op from the caller's
// perspective.
func (c *Client) Delete(ctx context.Context, name string) error {
	if !c.caps.CanDelete() {
		return ErrUnsupportedOperation
	}
	err := c.resourceInterface().Delete(ctx, name, metav1.DeleteOptions{})
	if apierrors.IsNotFound(err) {
		return nil
	}
	return err
}

// ExecSession is the bidirectional handle the Shell Bridge multiplexes
// over: writes to Stdin become keystrokes, reads from Stdout are
// terminal output, and Resize accepts terminal-size updates.
type ExecSession struct {
	Stdin  io.WriteCloser
	Stdout io.Reader
	Resize chan remotecommand.TerminalSize
	done   chan error
}

// Wait blocks until the remote exec session terminates and returns its
// error, if any.
func (s *ExecSession) Wait() error { return <-s.done }

// sizeQueue adapts a channel of TerminalSize updates to the
// remotecommand.TerminalSizeQueue interface expected by the executor.
type sizeQueue struct {
	ch chan remotecommand.TerminalSize
}

func (q *sizeQueue) Next() *remotecommand.TerminalSize {
	size, ok := <-q.ch
	if !ok {
		return nil
	}
	return &size
}

// ExecTTY opens an interactive shell session in a pod's container,
// grounded on the SPDY-executor pattern used for container terminals:
// a POST to the pod's exec subresource upgraded to a streamed TTY.
func (c *Client) ExecTTY(ctx context.Context, podName, container string, command []string) (*ExecSession, error) {
	req := c.clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(podName).
		Namespace(c.namespace).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: container,
			Command:   command,
			Stdin:     true,
			Stdout:    true,
			Stderr:    true,
			TTY:       true,
		}, kscheme.ParameterCodec)

	executor, err := remotecommand.NewSPDYExecutor(c.restConfig, http.MethodPost, req.URL())
	if err != nil {
		return nil, fmt.Errorf("init exec executor: %w", err)
	}

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	resizeCh := make(chan remotecommand.TerminalSize, 1)
	done := make(chan error, 1)

	go func() {
		err := executor.StreamWithContext(ctx, remotecommand.StreamOptions{
			Stdin:             stdinR,
			Stdout:            stdoutW,
			Stderr:            stdoutW,
			Tty:               true,
			TerminalSizeQueue: &sizeQueue{ch: resizeCh},
		})
		stdoutW.CloseWithError(err)
		done <- err
	}()

	return &ExecSession{Stdin: stdinW, Stdout: stdoutR, Resize: resizeCh, done: done}, nil
}

// DialPortForward opens the upgraded SPDY connection to podName's
// portforward subresource, grounded on client-go's
// transport/spdy.RoundTripperFor + spdy.NewDialer pair (the same
// primitives tools/portforward.New uses internally). The caller
// creates one stream pair per accepted local socket via the returned
// connection, which lets the Port-Forward Supervisor own per-
// connection lifecycle and counters itself rather than delegating to
// PortForwarder's own internal listener.
func (c *Client) DialPortForward(podName string) (httpstream.Connection, error) {
	transport, upgrader, err := spdy.RoundTripperFor(c.restConfig)
	if err != nil {
		return nil, fmt.Errorf("build spdy round tripper: %w", err)
	}

	req := c.clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Namespace(c.namespace).
		Name(podName).
		SubResource("portforward")

	dialer := spdy.NewDialer(upgrader, &http.Client{Transport: transport}, http.MethodPost, req.URL())
	conn, _, err := dialer.Dial(portForwardProtocolV1Name)
	if err != nil {
		return nil, fmt.Errorf("dial port forward: %w", err)
	}
	return conn, nil
}

// portForwardProtocolV1Name is the SPDY sub-protocol the API server's
// portforward subresource speaks.
const portForwardProtocolV1Name = "portforward.k8s.io"

// LogParams controls OpenLogStream.
type LogParams struct {
	Container  string
	Follow     bool
	Previous   bool
	Timestamps bool
	SinceTime  *metav1.Time
	TailLines  *int64
}

// OpenLogStream opens a container log stream, grounded on the teacher's
// collector stream: clientset.CoreV1().Pods(ns).GetLogs(...).Stream(ctx).
func (c *Client) OpenLogStream(ctx context.Context, podName string, params LogParams) (io.ReadCloser, error) {
	opts := &corev1.PodLogOptions{
		Container:  params.Container,
		Follow:     params.Follow,
		Previous:   params.Previous,
		Timestamps: params.Timestamps,
		SinceTime:  params.SinceTime,
		TailLines:  params.TailLines,
	}
	req := c.clientset.CoreV1().Pods(c.namespace).GetLogs(podName, opts)
	return req.Stream(ctx)
}

// ListContainerPorts returns the TCP container ports declared on a
// pod's spec, used by ListResourcePorts.
func (c *Client) ListContainerPorts(ctx context.Context, podName string) ([]int32, error) {
	pod, err := c.clientset.CoreV1().Pods(c.namespace).Get(ctx, podName, metav1.GetOptions{})
	if err != nil {
		return nil, err
	}
	var ports []int32
	for _, container := range pod.Spec.Containers {
		for _, p := range container.Ports {
			if p.Protocol == corev1.ProtocolTCP || p.Protocol == "" {
				ports = append(ports, p.ContainerPort)
			}
		}
	}
	return ports, nil
}
