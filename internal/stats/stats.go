// Package stats implements the Statistics Aggregator: three embedded
// observers (pod spec, pod metrics, node metrics) joined into a
// per-node/per-pod/per-container rollup, with a monotonic generation
// counter that advances only when a drain actually changed something,
// per spec 4.J.
package stats

import (
	"sync"

	"k8s.io/apimachinery/pkg/api/resource"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/kubenav/kubenav/internal/observer"
	"github.com/kubenav/kubenav/internal/pipeline"
)

// ContainerStats is one container's latest metrics sample.
type ContainerStats struct {
	Name string
	CPU  string
	Mem  string
	have bool
}

// PodStats is one pod's rollup.
type PodStats struct {
	Name       string
	Namespace  string
	Node       string
	CPU        string
	Mem        string
	haveMetric bool
	Containers map[string]*ContainerStats
}

// NodeStats is one node's rollup.
type NodeStats struct {
	Name       string
	CPU        string
	Mem        string
	haveMetric bool
	Pods       map[string]*PodStats // keyed by namespace/name
}

// Snapshot is the published, read-only rollup plus its generation.
type Snapshot struct {
	Generation int64
	Nodes      map[string]*NodeStats
}

// PodMetrics implements pipeline.StatsLookup against the latest
// published snapshot.
func (s Snapshot) PodMetrics(namespace, name string) (cpu, mem string, ok bool) {
	for _, node := range s.Nodes {
		if pod, ok := node.Pods[namespace+"/"+name]; ok && pod.haveMetric {
			return pod.CPU, pod.Mem, true
		}
	}
	return "", "", false
}

// ContainerMetrics implements pipeline.StatsLookup.
func (s Snapshot) ContainerMetrics(namespace, podName, container string) (cpu, mem string, ok bool) {
	for _, node := range s.Nodes {
		if pod, ok := node.Pods[namespace+"/"+podName]; ok {
			if c, ok := pod.Containers[container]; ok && c.have {
				return c.CPU, c.Mem, true
			}
		}
	}
	return "", "", false
}

var _ pipeline.StatsLookup = Snapshot{}

// Aggregator owns the three embedded observers and the derived
// rollup.
type Aggregator struct {
	mu sync.Mutex

	podSpecObserver    *observer.Observer
	podMetricsObserver *observer.Observer
	nodeMetricsObserver *observer.Observer

	pods       map[string]*PodStats // namespace/name
	nodes      map[string]*NodeStats
	generation int64
	dirty      bool
}

// New wires an Aggregator to its three embedded observers. Any of the
// three may be nil if that observer failed to start; HasMetrics
// reflects whether at least the metrics observers are live.
func New(podSpec, podMetrics, nodeMetrics *observer.Observer) *Aggregator {
	return &Aggregator{
		podSpecObserver:     podSpec,
		podMetricsObserver:  podMetrics,
		nodeMetricsObserver: nodeMetrics,
		pods:                map[string]*PodStats{},
		nodes:               map[string]*NodeStats{},
	}
}

// HasMetrics reports whether either metrics observer started
// successfully.
func (a *Aggregator) HasMetrics() bool {
	return a.podMetricsObserver != nil || a.nodeMetricsObserver != nil
}

// Tick drains every embedded observer once, applies changes to the
// flat pod/node maps, and - if anything changed - bumps the generation
// counter. The node->pod->container view is rebuilt by Snapshot on
// each call.
func (a *Aggregator) Tick() {
	changed := false

	if a.podSpecObserver != nil {
		for _, ev := range a.podSpecObserver.Drain() {
			if a.applyPodSpec(ev) {
				changed = true
			}
		}
	}
	if a.podMetricsObserver != nil {
		for _, ev := range a.podMetricsObserver.Drain() {
			if a.applyPodMetrics(ev) {
				changed = true
			}
		}
	}
	if a.nodeMetricsObserver != nil {
		for _, ev := range a.nodeMetricsObserver.Drain() {
			if a.applyNodeMetrics(ev) {
				changed = true
			}
		}
	}

	if changed {
		a.mu.Lock()
		a.generation++
		a.mu.Unlock()
	}
}

func (a *Aggregator) applyPodSpec(ev observer.Event) bool {
	switch ev.Kind {
	case observer.EventApply:
		if ev.Object == nil {
			return false
		}
		key := ev.Object.GetNamespace() + "/" + ev.Object.GetName()
		node, _, _ := unstructured.NestedString(ev.Object.Object, "spec", "nodeName")
		a.mu.Lock()
		pod, ok := a.pods[key]
		if !ok {
			pod = &PodStats{Name: ev.Object.GetName(), Namespace: ev.Object.GetNamespace(), Containers: map[string]*ContainerStats{}}
			a.pods[key] = pod
		}
		pod.Node = node
		a.mu.Unlock()
		return true
	case observer.EventDelete:
		if ev.Object == nil {
			return false
		}
		key := ev.Object.GetNamespace() + "/" + ev.Object.GetName()
		a.mu.Lock()
		delete(a.pods, key)
		a.mu.Unlock()
		return true
	}
	return false
}

func (a *Aggregator) applyPodMetrics(ev observer.Event) bool {
	if ev.Kind != observer.EventApply || ev.Object == nil {
		return false
	}
	key := ev.Object.GetNamespace() + "/" + ev.Object.GetName()
	a.mu.Lock()
	defer a.mu.Unlock()
	pod, ok := a.pods[key]
	if !ok {
		return false
	}

	containers, _, _ := unstructured.NestedSlice(ev.Object.Object, "containers")
	var cpuSum, memSum resource.Quantity
	for _, raw := range containers {
		c, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		name, _ := c["name"].(string)
		if name == "" {
			continue
		}
		usage, _ := c["usage"].(map[string]interface{})
		cpu, _ := usage["cpu"].(string)
		mem, _ := usage["memory"].(string)
		cs, ok := pod.Containers[name]
		if !ok {
			cs = &ContainerStats{Name: name}
			pod.Containers[name] = cs
		}
		cs.CPU, cs.Mem, cs.have = cpu, mem, true
		if q, err := resource.ParseQuantity(cpu); err == nil {
			cpuSum.Add(q)
		}
		if q, err := resource.ParseQuantity(mem); err == nil {
			memSum.Add(q)
		}
	}
	pod.CPU, pod.Mem, pod.haveMetric = cpuSum.String(), memSum.String(), true
	return true
}

func (a *Aggregator) applyNodeMetrics(ev observer.Event) bool {
	if ev.Kind != observer.EventApply || ev.Object == nil {
		return false
	}
	name := ev.Object.GetName()
	usage, _, _ := unstructured.NestedMap(ev.Object.Object, "usage")
	cpu, _ := usage["cpu"].(string)
	mem, _ := usage["memory"].(string)

	a.mu.Lock()
	defer a.mu.Unlock()
	node, ok := a.nodes[name]
	if !ok {
		node = &NodeStats{Name: name, Pods: map[string]*PodStats{}}
		a.nodes[name] = node
	}
	node.CPU, node.Mem, node.haveMetric = cpu, mem, true
	return true
}

// Snapshot rebuilds the node->pod->container view from the flat maps
// and returns it alongside the current generation.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	nodes := map[string]*NodeStats{}
	for name, n := range a.nodes {
		copyNode := *n
		copyNode.Pods = map[string]*PodStats{}
		nodes[name] = &copyNode
	}
	for key, pod := range a.pods {
		node, ok := nodes[pod.Node]
		if !ok {
			node = &NodeStats{Name: pod.Node, Pods: map[string]*PodStats{}}
			nodes[pod.Node] = node
		}
		copyPod := *pod
		node.Pods[key] = &copyPod
	}

	return Snapshot{Generation: a.generation, Nodes: nodes}
}
