package kerrors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

func TestClassifyNil(t *testing.T) {
	if got := Classify(nil); got != ClassOther {
		t.Fatalf("Classify(nil) = %v, want ClassOther", got)
	}
}

func TestClassifyAccess(t *testing.T) {
	gr := schema.GroupResource{Group: "", Resource: "pods"}
	cases := []error{
		apierrors.NewForbidden(gr, "foo", errors.New("nope")),
		apierrors.NewUnauthorized("nope"),
		apierrors.NewNotFound(gr, "foo"),
		apierrors.NewConflict(gr, "foo", errors.New("conflict")),
		apierrors.NewInvalid(schema.GroupKind{Group: "", Kind: "Pod"}, "foo", nil),
		apierrors.NewTooManyRequests("slow down", 1),
		apierrors.NewMethodNotSupported(gr, "watch"),
	}
	for _, err := range cases {
		if got := Classify(err); got != ClassAccess {
			t.Errorf("Classify(%v) = %v, want ClassAccess", err, got)
		}
		if !IsAccess(err) {
			t.Errorf("IsAccess(%v) = false, want true", err)
		}
	}
}

func TestClassifyTransport(t *testing.T) {
	gr := schema.GroupResource{Group: "", Resource: "pods"}
	cases := []error{
		apierrors.NewTimeoutError("timed out", 1),
		apierrors.NewServerTimeout(gr, "list", 1),
		context.DeadlineExceeded,
		io.EOF,
		io.ErrUnexpectedEOF,
		&net.DNSError{Err: "no such host", Name: "example.invalid"},
		fmt.Errorf("watch failed: %w", errors.New("connection refused")),
		errors.New("rpc error: TLS handshake timeout"),
	}
	for _, err := range cases {
		if got := Classify(err); got != ClassTransport {
			t.Errorf("Classify(%v) = %v, want ClassTransport", err, got)
		}
		if !IsTransport(err) {
			t.Errorf("IsTransport(%v) = false, want true", err)
		}
	}
}

func TestClassifyOther(t *testing.T) {
	cases := []error{
		errors.New("decode failure: unexpected field"),
		context.Canceled,
	}
	for _, err := range cases {
		if got := Classify(err); got != ClassOther {
			t.Errorf("Classify(%v) = %v, want ClassOther", err, got)
		}
	}
}

func TestClassifyPrefersTypedOverSubstring(t *testing.T) {
	// A NotFound error whose message happens to also contain a
	// transport-looking substring must still classify as access, since
	// the typed predicate check runs first.
	gr := schema.GroupResource{Group: "", Resource: "pods"}
	err := apierrors.NewNotFound(gr, "connection refused")
	if got := Classify(err); got != ClassAccess {
		t.Fatalf("Classify(%v) = %v, want ClassAccess", err, got)
	}
}

func TestClassifyMethodNotSupportedUsesStatus(t *testing.T) {
	err := &apierrors.StatusError{ErrStatus: metav1.Status{
		Status: metav1.StatusFailure,
		Reason: metav1.StatusReasonMethodNotAllowed,
	}}
	if got := Classify(err); got != ClassAccess {
		t.Fatalf("Classify(%v) = %v, want ClassAccess", got, ClassAccess)
	}
}
