package kube

import "testing"

func TestKindEqualIgnoresVersion(t *testing.T) {
	a := Kind{Plural: "pods", Group: "", Version: "v1"}
	b := Kind{Plural: "PODS", Group: "", Version: "v1beta1"}
	if !a.Equal(b) {
		t.Fatalf("expected %+v to equal %+v ignoring version/case", a, b)
	}
}

func TestKindNotEqualDifferentGroup(t *testing.T) {
	a := Kind{Plural: "events", Group: ""}
	b := Kind{Plural: "events", Group: "events.k8s.io"}
	if a.Equal(b) {
		t.Fatal("expected distinct groups not to be equal")
	}
}

func TestNamespaceOfSentinelAndEmpty(t *testing.T) {
	if !NamespaceOf("").IsAll() {
		t.Fatal("expected empty string to resolve to all-namespaces")
	}
	if !NamespaceOf(AllNamespacesLiteral).IsAll() {
		t.Fatal("expected sentinel literal to resolve to all-namespaces")
	}
	ns := NamespaceOf("default")
	if ns.IsAll() || ns.String() != "default" {
		t.Fatalf("expected concrete namespace default, got IsAll=%v String=%q", ns.IsAll(), ns.String())
	}
}

func TestNamespaceAllStringIsEmpty(t *testing.T) {
	if got := NamespaceAll().String(); got != "" {
		t.Fatalf("NamespaceAll().String() = %q, want empty", got)
	}
}

func TestFieldSelectorPrefersNameOverPrefix(t *testing.T) {
	sel := Selector{NamePrefix: "web-", Fields: "status.phase=Running"}
	got := FieldSelector("exact-name", sel)
	want := "metadata.name=exact-name,status.phase=Running"
	if got != want {
		t.Fatalf("FieldSelector = %q, want %q", got, want)
	}
}

func TestFieldSelectorFallsBackToPrefix(t *testing.T) {
	sel := Selector{NamePrefix: "web-"}
	got := FieldSelector("", sel)
	want := "metadata.name=web-"
	if got != want {
		t.Fatalf("FieldSelector = %q, want %q", got, want)
	}
}

func TestNodeBoundAndJobTrackingSelectors(t *testing.T) {
	if got, want := NodeBoundSelector("node-a"), "spec.nodeName=node-a"; got != want {
		t.Fatalf("NodeBoundSelector = %q, want %q", got, want)
	}
	if got, want := JobTrackingSelector("my-job"), "job-name=my-job"; got != want {
		t.Fatalf("JobTrackingSelector = %q, want %q", got, want)
	}
}

func TestReferenceValidContainerRequiresPodsKind(t *testing.T) {
	ref := Reference{Kind: Kind{Plural: "deployments"}, Container: "app"}
	if ref.Valid() {
		t.Fatal("expected Reference with a Container on a non-pods kind to be invalid")
	}

	podRef := ContainerRef(NamespaceOf("default"), "web-1", "app")
	if !podRef.Valid() {
		t.Fatal("expected pod container reference to be valid")
	}
}

func TestReferenceValidNameAndAllContainersMutuallyExclusive(t *testing.T) {
	ref := Reference{Kind: PodsKind, Name: "web-1", AllContainers: true}
	if ref.Valid() {
		t.Fatal("expected Name and AllContainers together to be invalid")
	}
}

func TestReferenceValidFieldsAndLabelsMutuallyExclusive(t *testing.T) {
	ref := Reference{Kind: Kind{Plural: "pods"}, Selector: Selector{Fields: "a=b", Labels: "c=d"}}
	if ref.Valid() {
		t.Fatal("expected Fields and Labels together to be invalid")
	}
}

func TestForKindFilteredNamed(t *testing.T) {
	kind := Kind{Plural: "pods"}
	ns := NamespaceOf("default")

	if ref := ForKind(kind, ns); !ref.Valid() || ref.Name != "" {
		t.Fatalf("ForKind produced unexpected reference: %+v", ref)
	}
	if ref := Named(kind, ns, "web-1"); ref.Name != "web-1" {
		t.Fatalf("Named produced unexpected reference: %+v", ref)
	}
	sel := Selector{Labels: "app=web"}
	if ref := Filtered(kind, ns, sel); ref.Selector != sel {
		t.Fatalf("Filtered produced unexpected selector: %+v", ref)
	}
}

func TestInvolvedObjectSelector(t *testing.T) {
	if got, want := InvolvedObjectSelector("abc-123"), "involvedObject.uid=abc-123"; got != want {
		t.Fatalf("InvolvedObjectSelector = %q, want %q", got, want)
	}
}
