// Package kerrors classifies errors surfaced by the cluster interaction
// runtime into the axes the rest of the system reacts to: access-class
// (the API server responded, the caller isn't allowed to do this),
// transport-class (the conversation with the API server itself broke
// down) or neither (programmer error, decoding error, etc).
package kerrors

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
)

// Class is the axis an error is classified along.
type Class int

const (
	// ClassOther is any error that isn't access- or transport-class,
	// e.g. a decode failure or an unsupported operation.
	ClassOther Class = iota
	// ClassAccess means the API server answered but refused or
	// rejected the request (forbidden, unauthorized, not found,
	// conflict, invalid, too many requests).
	ClassAccess
	// ClassTransport means the conversation with the API server broke
	// down before or during a response (connection refused, DNS
	// failure, TLS handshake failure, stream reset, timeout).
	ClassTransport
)

// Classify maps an error to its Class. The mapping favors
// apimachinery's typed StatusError predicates first since they are
// authoritative; anything else is classified heuristically.
//
// Access-class predicates: IsForbidden, IsUnauthorized, IsNotFound,
// IsConflict, IsInvalid, IsTooManyRequests, IsMethodNotSupported.
// These all mean the server processed the request far enough to
// produce a structured rejection.
//
// Transport-class: context.DeadlineExceeded (when the caller didn't
// cancel), io.EOF, io.ErrUnexpectedEOF, any net.Error, and
// apierrors.IsServerTimeout/IsTimeout (the server accepted the TCP
// connection but the round trip itself timed out mid-flight, which in
// practice behaves like a dropped connection to a watch/exec stream).
func Classify(err error) Class {
	if err == nil {
		return ClassOther
	}

	switch {
	case apierrors.IsForbidden(err),
		apierrors.IsUnauthorized(err),
		apierrors.IsNotFound(err),
		apierrors.IsConflict(err),
		apierrors.IsInvalid(err),
		apierrors.IsTooManyRequests(err),
		apierrors.IsMethodNotSupported(err):
		return ClassAccess

	case apierrors.IsTimeout(err), apierrors.IsServerTimeout(err):
		return ClassTransport
	}

	if errors.Is(err, context.Canceled) {
		return ClassOther
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransport
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ClassTransport
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransport
	}

	// Watch-stream failures from client-go surface as plain fmt-wrapped
	// strings rather than typed errors; match the substrings the watch
	// machinery is known to produce.
	msg := err.Error()
	for _, needle := range []string{
		"connection refused",
		"connection reset by peer",
		"no such host",
		"i/o timeout",
		"TLS handshake",
		"EOF",
		"stopped by the restarting process",
	} {
		if strings.Contains(msg, needle) {
			return ClassTransport
		}
	}

	return ClassOther
}

// IsAccess reports whether err classifies as access-class.
func IsAccess(err error) bool { return Classify(err) == ClassAccess }

// IsTransport reports whether err classifies as transport-class.
func IsTransport(err error) bool { return Classify(err) == ClassTransport }
