package kube

import (
	"fmt"
	"strings"
)

// Kind identifies a Kubernetes resource kind by its plural name and API
// group; Version is carried along for constructing requests but does
// not participate in equality, matching spec: "Equality is (plural,
// group); version is carried for API construction."
type Kind struct {
	Plural  string
	Group   string
	Version string
}

// Equal compares two Kinds on (plural, group) only.
func (k Kind) Equal(other Kind) bool {
	return strings.EqualFold(k.Plural, other.Plural) && k.Group == other.Group
}

func (k Kind) String() string {
	if k.Group == "" {
		return k.Plural
	}
	return k.Plural + "." + k.Group
}

// Namespace is either the sentinel "all namespaces" variant or a
// concrete namespace name.
type Namespace struct {
	name string
	all  bool
}

// AllNamespacesLiteral is the sentinel used in UI enumerations; the core
// treats it identically to an empty concrete Namespace - both list
// across every namespace.
const AllNamespacesLiteral = "ALL_NAMESPACES"

// NamespaceAll constructs the "all namespaces" variant.
func NamespaceAll() Namespace { return Namespace{all: true} }

// NamespaceOf constructs a concrete namespace. An empty string or the
// AllNamespacesLiteral sentinel both resolve to the all-namespaces
// variant, per spec's boundary invariant: Namespace::all and
// Namespace("") resolve to the same API behavior.
func NamespaceOf(name string) Namespace {
	if name == "" || name == AllNamespacesLiteral {
		return Namespace{all: true}
	}
	return Namespace{name: name}
}

// IsAll reports whether this namespace means "every namespace".
func (n Namespace) IsAll() bool { return n.all }

// String returns the concrete namespace name, or "" for all-namespaces.
func (n Namespace) String() string {
	if n.all {
		return ""
	}
	return n.name
}

// Selector carries the two kinds of server-side selection the API
// supports, plus a name-prefix shortcut used to build a field selector
// fragment of the form metadata.name={n}.
type Selector struct {
	Fields      string
	Labels      string
	NamePrefix  string
}

// FieldSelector derives the field selector string from an optional
// concrete name and the selector's own Fields fragment, concatenating
// with "," when both are present. A concrete name wins over
// NamePrefix when both happen to be supplied by the caller.
func FieldSelector(name string, sel Selector) string {
	var parts []string
	if name != "" {
		parts = append(parts, fmt.Sprintf("metadata.name=%s", name))
	} else if sel.NamePrefix != "" {
		parts = append(parts, fmt.Sprintf("metadata.name=%s", sel.NamePrefix))
	}
	if sel.Fields != "" {
		parts = append(parts, sel.Fields)
	}
	return strings.Join(parts, ",")
}

// LabelSelector derives the label selector string.
func LabelSelector(sel Selector) string { return sel.Labels }

// InvolvedObjectSelector builds the field selector for events scoped to
// a single involved object's UID.
func InvolvedObjectSelector(uid string) string {
	return fmt.Sprintf("involvedObject.uid=%s", uid)
}

// NodeBoundSelector builds the field selector restricting pods to a
// single node.
func NodeBoundSelector(node string) string {
	return fmt.Sprintf("spec.nodeName=%s", node)
}

// JobTrackingSelector builds the label selector for pods owned by a
// given Job.
func JobTrackingSelector(job string) string {
	return fmt.Sprintf("job-name=%s", job)
}

// Reference is a typed locator for a resource or set of resources:
// kind/group/namespace/name, optional field & label selector, optional
// container target.
//
// Invariants, as checked by Valid:
//   - Container != "" or AllContainers implies Kind is the pods kind.
//   - Name and AllContainers are mutually exclusive.
//   - Selector.Fields and Selector.Labels are mutually exclusive.
type Reference struct {
	Kind         Kind
	Namespace    Namespace
	Name         string
	Selector     Selector
	Container    string
	AllContainers bool
}

// PodsKind is the well-known core/v1 Pod kind used for container
// targeting validation.
var PodsKind = Kind{Plural: "pods", Group: "", Version: "v1"}

// ForKind builds a Reference listing every resource of kind in
// namespace.
func ForKind(kind Kind, ns Namespace) Reference {
	return Reference{Kind: kind, Namespace: ns}
}

// Filtered builds a Reference listing resources of kind in namespace
// matching sel.
func Filtered(kind Kind, ns Namespace, sel Selector) Reference {
	return Reference{Kind: kind, Namespace: ns, Selector: sel}
}

// Named builds a Reference pointing at exactly one resource.
func Named(kind Kind, ns Namespace, name string) Reference {
	return Reference{Kind: kind, Namespace: ns, Name: name}
}

// ContainerRef builds a Reference targeting one container of one pod;
// the kind is always the pods kind.
func ContainerRef(ns Namespace, podName, container string) Reference {
	return Reference{Kind: PodsKind, Namespace: ns, Name: podName, Container: container}
}

// Containers builds a Reference targeting every container of one pod.
func Containers(ns Namespace, podName string) Reference {
	return Reference{Kind: PodsKind, Namespace: ns, Name: podName, AllContainers: true}
}

// Valid reports whether the reference respects the data-model
// invariants from spec §3.
func (r Reference) Valid() bool {
	if (r.Container != "" || r.AllContainers) && !r.Kind.Equal(PodsKind) {
		return false
	}
	if r.Name != "" && r.AllContainers {
		return false
	}
	if r.Selector.Fields != "" && r.Selector.Labels != "" && r.Selector.NamePrefix != "" {
		// Both sub-selectors plus a name prefix is allowed by spec
		// ("a selector carries at most one of fields and labels plus
		// an optional name prefix") - fields and labels together is
		// the violation, not the prefix.
	}
	if r.Selector.Fields != "" && r.Selector.Labels != "" {
		return false
	}
	return true
}

// FieldSelectorString derives this reference's effective field
// selector string.
func (r Reference) FieldSelectorString() string {
	return FieldSelector(r.Name, r.Selector)
}

// LabelSelectorString derives this reference's effective label
// selector string.
func (r Reference) LabelSelectorString() string {
	return LabelSelector(r.Selector)
}
