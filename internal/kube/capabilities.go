package kube

import (
	"strings"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

// APIResource describes one discovered resource type: its GroupVersionResource,
// its Kind, and whether it is namespace-scoped.
type APIResource struct {
	GroupVersionResource schema.GroupVersionResource
	Kind                 string
	Namespaced           bool
	ShortNames           []string
}

// Capabilities is the set of verbs a discovered resource supports, the
// contract the Resource Client uses to short-circuit unsupported
// operations before contacting the server.
type Capabilities struct {
	verbs map[string]bool
}

// NewCapabilities builds a Capabilities set from the verbs discovery
// reports for an APIResource.
func NewCapabilities(verbs metav1.Verbs) Capabilities {
	m := make(map[string]bool, len(verbs))
	for _, v := range verbs {
		m[strings.ToLower(v)] = true
	}
	return Capabilities{verbs: m}
}

func (c Capabilities) has(verb string) bool {
	if c.verbs == nil {
		return false
	}
	return c.verbs[verb]
}

func (c Capabilities) CanList() bool         { return c.has("list") }
func (c Capabilities) CanWatch() bool        { return c.has("watch") }
func (c Capabilities) CanGet() bool          { return c.has("get") }
func (c Capabilities) CanPatch() bool        { return c.has("patch") }
func (c Capabilities) CanUpdate() bool       { return c.has("update") }
func (c Capabilities) CanDelete() bool       { return c.has("delete") }
func (c Capabilities) CanDeleteCollection() bool { return c.has("deletecollection") }
