// Package discovery implements the Cluster Discovery component:
// periodic enumeration of API groups/resources into (resource,
// capabilities) pairs, Kind resolution, and a CRD-columns
// side-observer. The periodic-refresh shape is grounded on the
// teacher's retention worker (internal/server/retention.go): an
// immediate first run followed by a ticker, with jitter added here
// since refresh competes with the API server alongside live watches.
package discovery

import (
	"context"
	"log/slog"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	apiextensionsv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"
	apiextensionsclientset "k8s.io/apiextensions-apiserver/pkg/client/clientset/clientset"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/discovery"

	"github.com/kubenav/kubenav/internal/kube"
)

// refreshInterval is the nominal period between discovery refreshes;
// actual firing is jittered by up to 20% to avoid every informer,
// observer and discovery loop polling the API server in lockstep.
const refreshInterval = 60 * time.Second

// Snapshot is one immutable discovery result.
type Snapshot struct {
	Resources []kube.APIResource
	caps      map[schema.GroupVersionResource]kube.Capabilities
}

func (s Snapshot) capabilitiesFor(gvr schema.GroupVersionResource) kube.Capabilities {
	return s.caps[gvr]
}

// Resolution is the (resource, capabilities) pair a Kind resolves to.
type Resolution struct {
	Resource     kube.APIResource
	Capabilities kube.Capabilities
	GVK          schema.GroupVersionKind
}

// Resolve matches kind case-insensitively against plural or kind name
// across every discovered resource, preferring the group whose name
// sorts lexicographically smallest when more than one group exposes a
// matching name.
func (s Snapshot) Resolve(kind kube.Kind) (Resolution, bool) {
	var candidates []kube.APIResource
	for _, r := range s.Resources {
		if strings.EqualFold(r.GroupVersionResource.Resource, kind.Plural) ||
			strings.EqualFold(r.Kind, kind.Plural) {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return Resolution{}, false
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].GroupVersionResource.Group < candidates[j].GroupVersionResource.Group
	})
	best := candidates[0]
	gvk := schema.GroupVersionKind{Group: best.GroupVersionResource.Group, Version: best.GroupVersionResource.Version, Kind: best.Kind}
	return Resolution{Resource: best, Capabilities: s.capabilitiesFor(best.GroupVersionResource), GVK: gvk}, true
}

// CRDColumnKey keys one version's additionalPrinterColumns entry;
// multi-version CRDs produce independent rows per version.
type CRDColumnKey struct {
	UID     string
	Version string
}

// CRDColumn is one additionalPrinterColumns entry.
type CRDColumn struct {
	Name     string
	Type     string
	JSONPath string
}

// Discovery owns the periodic refresh loop and the CRD side-observer.
type Discovery struct {
	mu        sync.RWMutex
	client    discovery.DiscoveryInterface
	crdClient apiextensionsclientset.Interface

	snapshot    Snapshot
	crdColumns  map[CRDColumnKey][]CRDColumn

	updates chan Snapshot
	cancel  context.CancelFunc
	done    chan struct{}
}

// New builds a Discovery bound to a discovery client and (optionally
// nil) apiextensions clientset for CRD columns.
func New(client discovery.DiscoveryInterface, crdClient apiextensionsclientset.Interface) *Discovery {
	return &Discovery{
		client:     client,
		crdClient:  crdClient,
		crdColumns: map[CRDColumnKey][]CRDColumn{},
		updates:    make(chan Snapshot, 1),
	}
}

// Updates exposes the snapshot-published channel.
func (d *Discovery) Updates() <-chan Snapshot { return d.updates }

// Current returns the most recently published snapshot.
func (d *Discovery) Current() Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.snapshot
}

// CRDColumnsFor returns the additionalPrinterColumns known for one
// CRD version.
func (d *Discovery) CRDColumnsFor(key CRDColumnKey) []CRDColumn {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.crdColumns[key]
}

// Start runs an immediate discovery pass, publishes it, then refreshes
// on a jittered ticker until ctx is cancelled.
func (d *Discovery) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	go d.run(runCtx)
}

// Stop cancels the refresh loop and waits for it to exit.
func (d *Discovery) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	if d.done != nil {
		<-d.done
	}
}

func (d *Discovery) run(ctx context.Context) {
	defer close(d.done)

	d.refresh(ctx)

	for {
		jitter := time.Duration(rand.Int63n(int64(refreshInterval) / 5))
		timer := time.NewTimer(refreshInterval + jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			d.refresh(ctx)
		}
	}
}

func (d *Discovery) refresh(ctx context.Context) {
	_, apiResourceLists, err := d.client.ServerGroupsAndResources()
	if err != nil && len(apiResourceLists) == 0 {
		slog.Warn("discovery: refresh failed", "err", err)
		return
	}

	var resources []kube.APIResource
	caps := map[schema.GroupVersionResource]kube.Capabilities{}

	for _, list := range apiResourceLists {
		gv, err := schema.ParseGroupVersion(list.GroupVersion)
		if err != nil {
			continue
		}
		for _, r := range list.APIResources {
			if strings.Contains(r.Name, "/") {
				continue // skip subresources
			}
			gvr := gv.WithResource(r.Name)
			resources = append(resources, kube.APIResource{
				GroupVersionResource: gvr,
				Kind:                 r.Kind,
				Namespaced:           r.Namespaced,
				ShortNames:           r.ShortNames,
			})
			caps[gvr] = kube.NewCapabilities(r.Verbs)
		}
	}

	snapshot := Snapshot{Resources: resources, caps: caps}
	d.mu.Lock()
	d.snapshot = snapshot
	d.mu.Unlock()

	if d.crdClient != nil {
		d.refreshCRDColumns(ctx)
	}

	select {
	case d.updates <- snapshot:
	default:
		select {
		case <-d.updates:
		default:
		}
		d.updates <- snapshot
	}
}

func (d *Discovery) refreshCRDColumns(ctx context.Context) {
	crds, err := d.crdClient.ApiextensionsV1().CustomResourceDefinitions().List(ctx, metav1.ListOptions{})
	if err != nil {
		slog.Warn("discovery: CRD list failed", "err", err)
		return
	}

	columns := map[CRDColumnKey][]CRDColumn{}
	for _, crd := range crds.Items {
		for _, v := range crd.Spec.Versions {
			key := CRDColumnKey{UID: string(crd.UID), Version: v.Name}
			columns[key] = crdColumnsFromVersion(v)
		}
	}

	d.mu.Lock()
	d.crdColumns = columns
	d.mu.Unlock()
}

func crdColumnsFromVersion(v apiextensionsv1.CustomResourceDefinitionVersion) []CRDColumn {
	out := make([]CRDColumn, 0, len(v.AdditionalPrinterColumns))
	for _, c := range v.AdditionalPrinterColumns {
		out = append(out, CRDColumn{Name: c.Name, Type: c.Type, JSONPath: c.JSONPath})
	}
	return out
}
