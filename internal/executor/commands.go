package executor

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	apiextensionsv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"
	apiextensionsclientset "k8s.io/apiextensions-apiserver/pkg/client/clientset/clientset"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"sigs.k8s.io/yaml"

	"github.com/kubenav/kubenav/internal/discovery"
	"github.com/kubenav/kubenav/internal/highlight"
	"github.com/kubenav/kubenav/internal/kube"
)

// --- 1. NewKubernetesClient ---

// NewKubernetesClientResult is the clamped connection a caller ends up
// with, per spec 4.E.1's clamping rules.
type NewKubernetesClientResult struct {
	Connection        *kube.ClusterConnection
	Snapshot          discovery.Snapshot
	ResolvedKind      kube.Kind
	ResolvedNamespace kube.Namespace
}

// NewKubernetesClientCmd connects, runs discovery, and clamps kind to
// pods / namespace to all when the request doesn't resolve.
type NewKubernetesClientCmd struct {
	KubeconfigPath   string
	Context          string
	RequestedKind    kube.Kind
	RequestedNamespace string
	Insecure         bool
	CRDClient        apiextensionsclientset.Interface
}

func (c NewKubernetesClientCmd) Execute(ctx context.Context) (interface{}, error) {
	conn, err := kube.LoadConnection(c.KubeconfigPath, c.Context, c.Insecure)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	disc := discovery.New(conn.Discovery, c.CRDClient)
	snapshot := refreshOnce(ctx, disc)

	resolvedKind := c.RequestedKind
	if _, ok := snapshot.Resolve(c.RequestedKind); !ok {
		resolvedKind = kube.PodsKind
	}

	resolvedNamespace := kube.NamespaceOf(c.RequestedNamespace)
	if !resolvedNamespace.IsAll() {
		exists, err := namespaceExists(ctx, conn, resolvedNamespace.String())
		if err != nil || !exists {
			resolvedNamespace = kube.NamespaceAll()
		}
	}

	return NewKubernetesClientResult{
		Connection:        conn,
		Snapshot:          snapshot,
		ResolvedKind:      resolvedKind,
		ResolvedNamespace: resolvedNamespace,
	}, nil
}

func refreshOnce(ctx context.Context, disc *discovery.Discovery) discovery.Snapshot {
	disc.Start(ctx)
	snapshot := <-disc.Updates()
	return snapshot
}

func namespaceExists(ctx context.Context, conn *kube.ClusterConnection, ns string) (bool, error) {
	_, err := conn.Clientset.CoreV1().Namespaces().Get(ctx, ns, metav1.GetOptions{})
	if err == nil {
		return true, nil
	}
	return false, err
}

// --- 2. ListKubeContexts ---

type ListKubeContextsCmd struct {
	KubeconfigPath string
}

func (c ListKubeContextsCmd) Execute(ctx context.Context) (interface{}, error) {
	return kube.ListContexts(c.KubeconfigPath)
}

// --- 3. ListThemes ---

type ListThemesCmd struct {
	ThemesDir string
}

func (c ListThemesCmd) Execute(ctx context.Context) (interface{}, error) {
	entries, err := os.ReadDir(c.ThemesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("list themes: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(e.Name(), ".yaml") || strings.HasSuffix(e.Name(), ".yml") {
			names = append(names, strings.TrimSuffix(strings.TrimSuffix(e.Name(), ".yaml"), ".yml"))
		}
	}
	sort.Strings(names)
	return names, nil
}

// --- 4. ListResourcePorts ---

type ListResourcePortsCmd struct {
	Client *kube.Client
	PodRef kube.Reference
}

func (c ListResourcePortsCmd) Execute(ctx context.Context) (interface{}, error) {
	return c.Client.ListContainerPorts(ctx, c.PodRef.Name)
}

// --- 5. GetResourceYaml ---

var ErrGetNotSupported = errors.New("executor: get not supported for this resource")

// managedMetadataFields are stripped from a decoded resource before it
// is offered to a user for editing, per spec 4.E.5's sanitize option.
var managedMetadataFields = []string{
	"creationTimestamp", "generation", "managedFields", "uid",
	"resourceVersion", "selfLink", "deletionTimestamp", "deletionGracePeriodSeconds",
}

type GetResourceYamlCmd struct {
	Client     *kube.Client
	Name       string
	Kind       kube.Kind
	Decode     bool
	Sanitize   bool
	Highlighter *highlight.Service
}

type GetResourceYamlResult struct {
	YAML      string
	Styled    [][]highlight.StyledSpan
}

func (c GetResourceYamlCmd) Execute(ctx context.Context) (interface{}, error) {
	obj, err := c.Client.Get(ctx, c.Name)
	if errors.Is(err, kube.ErrUnsupportedOperation) {
		return nil, ErrGetNotSupported
	}
	if err != nil {
		return nil, err
	}

	if c.Decode && strings.EqualFold(c.Kind.Plural, "secrets") {
		if err := decodeSecretData(obj); err != nil {
			return nil, fmt.Errorf("decode secret: %w", err)
		}
	}

	if c.Sanitize {
		sanitizeResource(obj)
	}

	data, err := yaml.Marshal(obj.Object)
	if err != nil {
		return nil, fmt.Errorf("marshal yaml: %w", err)
	}

	result := GetResourceYamlResult{YAML: string(data)}
	if c.Highlighter != nil {
		reply := make(chan highlight.Response, 1)
		c.Highlighter.RequestFull(strings.Split(result.YAML, "\n"), reply)
		resp := <-reply
		if resp.Err != nil {
			return nil, fmt.Errorf("highlight: %w", resp.Err)
		}
		result.Styled = resp.Result.Styled
	}
	return result, nil
}

func decodeSecretData(obj *unstructured.Unstructured) error {
	data, found, err := unstructured.NestedStringMap(obj.Object, "data")
	if err != nil || !found {
		return err
	}
	decoded := map[string]interface{}{}
	for k, v := range data {
		raw, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return fmt.Errorf("field %q: %w", k, err)
		}
		decoded[k] = string(raw)
	}
	return unstructured.SetNestedMap(obj.Object, decoded, "data")
}

func encodeSecretData(obj *unstructured.Unstructured) error {
	data, found, err := unstructured.NestedMap(obj.Object, "data")
	if err != nil || !found {
		return err
	}
	encoded := map[string]interface{}{}
	for k, v := range data {
		s, ok := v.(string)
		if !ok {
			encoded[k] = v
			continue
		}
		encoded[k] = base64.StdEncoding.EncodeToString([]byte(s))
	}
	return unstructured.SetNestedMap(obj.Object, encoded, "data")
}

func sanitizeResource(obj *unstructured.Unstructured) {
	for _, field := range managedMetadataFields {
		unstructured.RemoveNestedField(obj.Object, "metadata", field)
	}
	unstructured.RemoveNestedField(obj.Object, "metadata", "ownerReferences")
	unstructured.RemoveNestedField(obj.Object, "status")
}

// --- 6. GetNewResourceYaml ---

var ErrSchemaNotFound = errors.New("executor: schema not found for kind")

type GetNewResourceYamlCmd struct {
	Namespace    string
	Kind         kube.Kind
	GVK          schema.GroupVersionKind
	CRDClient    apiextensionsclientset.Interface
	RequiredOnly bool
	Highlighter  *highlight.Service
}

func (c GetNewResourceYamlCmd) Execute(ctx context.Context) (interface{}, error) {
	skeleton := map[string]interface{}{
		"apiVersion": apiVersionOf(c.GVK),
		"kind":       c.GVK.Kind,
		"metadata": map[string]interface{}{
			"name": "new-" + strings.ToLower(c.Kind.Plural),
		},
	}
	if c.Namespace != "" {
		skeleton["metadata"].(map[string]interface{})["namespace"] = c.Namespace
	}

	if c.CRDClient != nil {
		if props, ok := c.crdSchema(ctx); ok {
			spec := walkSchema(props, c.RequiredOnly, 0)
			if spec != nil {
				skeleton["spec"] = spec
			}
		}
	}

	data, err := yaml.Marshal(skeleton)
	if err != nil {
		return nil, fmt.Errorf("marshal skeleton: %w", err)
	}

	result := GetResourceYamlResult{YAML: string(data)}
	if c.Highlighter != nil {
		reply := make(chan highlight.Response, 1)
		c.Highlighter.RequestFull(strings.Split(result.YAML, "\n"), reply)
		resp := <-reply
		if resp.Err != nil {
			return nil, fmt.Errorf("highlight: %w", resp.Err)
		}
		result.Styled = resp.Result.Styled
	}
	return result, nil
}

func apiVersionOf(gvk schema.GroupVersionKind) string {
	if gvk.Group == "" {
		return gvk.Version
	}
	return gvk.Group + "/" + gvk.Version
}

func (c GetNewResourceYamlCmd) crdSchema(ctx context.Context) (*apiextensionsv1.JSONSchemaProps, bool) {
	crds, err := c.CRDClient.ApiextensionsV1().CustomResourceDefinitions().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, false
	}
	for _, crd := range crds.Items {
		if !strings.EqualFold(crd.Spec.Names.Plural, c.Kind.Plural) || crd.Spec.Group != c.Kind.Group {
			continue
		}
		for _, v := range crd.Spec.Versions {
			if v.Name != c.GVK.Version {
				continue
			}
			if v.Schema == nil || v.Schema.OpenAPIV3Schema == nil {
				continue
			}
			props, ok := v.Schema.OpenAPIV3Schema.Properties["spec"]
			if !ok {
				return nil, false
			}
			return &props, true
		}
	}
	return nil, false
}

// walkSchema resolves $ref-free JSONSchemaProps (CRD schemas are
// always self-contained, never cross-document $refs) into a skeleton
// value, honoring requiredOnly and flattening allOf by merging each
// branch's properties into the same level.
func walkSchema(props *apiextensionsv1.JSONSchemaProps, requiredOnly bool, depth int) interface{} {
	if props == nil || depth > 12 {
		return nil
	}

	merged := *props
	for _, branch := range props.AllOf {
		for name, p := range branch.Properties {
			if merged.Properties == nil {
				merged.Properties = map[string]apiextensionsv1.JSONSchemaProps{}
			}
			merged.Properties[name] = p
		}
		merged.Required = append(merged.Required, branch.Required...)
	}

	switch merged.Type {
	case "object":
		required := map[string]bool{}
		for _, r := range merged.Required {
			required[r] = true
		}
		out := map[string]interface{}{}
		for name, p := range merged.Properties {
			if requiredOnly && !required[name] {
				continue
			}
			pCopy := p
			v := walkSchema(&pCopy, requiredOnly, depth+1)
			if v != nil {
				out[name] = v
			}
		}
		return out
	case "array":
		if merged.Items != nil && merged.Items.Schema != nil {
			item := walkSchema(merged.Items.Schema, requiredOnly, depth+1)
			if item == nil {
				return []interface{}{}
			}
			return []interface{}{item}
		}
		return []interface{}{}
	case "string":
		return ""
	case "integer":
		return 0
	case "number":
		return 0.0
	case "boolean":
		return false
	default:
		return nil
	}
}

// --- 7. SetResourceYaml ---

type SetResourceYamlCmd struct {
	Client              *kube.Client
	Name                string
	YAML                string
	Action              kube.PatchAction
	EncodeSecret        bool
	PatchStatus         bool
	IgnoreResourceVersion bool
	Kind                kube.Kind
}

func (c SetResourceYamlCmd) Execute(ctx context.Context) (interface{}, error) {
	var obj unstructured.Unstructured
	if err := yaml.Unmarshal([]byte(c.YAML), &obj.Object); err != nil {
		return nil, fmt.Errorf("executor: deserialize yaml: %w", err)
	}

	if c.EncodeSecret && strings.EqualFold(c.Kind.Plural, "secrets") {
		if err := encodeSecretData(&obj); err != nil {
			return nil, fmt.Errorf("encode secret: %w", err)
		}
	}

	if c.IgnoreResourceVersion {
		unstructured.SetNestedField(obj.Object, nil, "metadata", "resourceVersion")
	}

	status, hasStatus, _ := unstructured.NestedMap(obj.Object, "status")
	if hasStatus {
		unstructured.RemoveNestedField(obj.Object, "status")
	}

	updated, err := c.Client.Patch(ctx, c.Name, &obj, c.Action)
	if err != nil {
		return nil, fmt.Errorf("patch: %w", err)
	}

	if c.PatchStatus && hasStatus {
		statusObj := &unstructured.Unstructured{Object: map[string]interface{}{"status": status}}
		if _, err := c.Client.PatchStatus(ctx, c.Name, statusObj, c.Action); err != nil {
			if !errors.Is(err, kube.ErrUnsupportedOperation) {
				return nil, fmt.Errorf("patch status: %w", err)
			}
		}
	}

	return updated, nil
}

// --- 8. DeleteResources ---

type DeleteResourcesCmd struct {
	Client *kube.Client
	Names  []string
}

type DeleteResourcesResult struct {
	Errors map[string]error
}

func (c DeleteResourcesCmd) Execute(ctx context.Context) (interface{}, error) {
	result := DeleteResourcesResult{Errors: map[string]error{}}
	for _, name := range c.Names {
		if err := c.Client.Delete(ctx, name); err != nil {
			result.Errors[name] = err
		}
	}
	return result, nil
}

// --- 9. SaveHistory ---

type SaveHistoryCmd struct {
	Path    string
	Encode  func() ([]byte, error)
}

func (c SaveHistoryCmd) Execute(ctx context.Context) (interface{}, error) {
	data, err := c.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode history: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(c.Path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir: %w", err)
	}
	if err := os.WriteFile(c.Path, data, 0o644); err != nil {
		return nil, fmt.Errorf("write history: %w", err)
	}
	return nil, nil
}
