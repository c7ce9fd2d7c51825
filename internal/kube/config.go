package kube

import (
	"fmt"
	"os"
	"path/filepath"

	"k8s.io/client-go/discovery"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	clientcmdapi "k8s.io/client-go/tools/clientcmd/api"
)

// ConfigError distinguishes "kubeconfig is unreadable/malformed" from
// generic connectivity errors, mirroring the teacher's typed
// collector.ConfigError for config-shaped failures.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("kube: config %q: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// DefaultKubeconfigPath resolves the kubeconfig path the same way
// kubectl does: $KUBECONFIG if set, else ~/.kube/config.
func DefaultKubeconfigPath() string {
	if v := os.Getenv("KUBECONFIG"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".kube", "config")
}

// ClusterConnection bundles the REST config and ready-to-use clientsets
// for one resolved kube-context.
type ClusterConnection struct {
	RestConfig *rest.Config
	Clientset  kubernetes.Interface
	Dynamic    dynamic.Interface
	Discovery  discovery.DiscoveryInterface
	Context    string
}

// LoadConnection resolves a cluster connection from a kubeconfig file
// and context name. An empty path falls back to in-cluster config,
// matching the teacher's cmd/collector/main.go initKubernetesClient
// fallback order; an empty contextName uses the kubeconfig's current
// context. insecure, if true, disables TLS certificate verification -
// it must be applied to restConfig before any clientset is built from
// it, since kubernetes.NewForConfig copies the transport config at
// call time and ignores mutations made afterward.
func LoadConnection(kubeconfigPath, contextName string, insecure bool) (*ClusterConnection, error) {
	var restConfig *rest.Config
	var err error

	if kubeconfigPath == "" {
		restConfig, err = rest.InClusterConfig()
		if err != nil {
			return nil, fmt.Errorf("kube: no kubeconfig path given and not running in-cluster: %w", err)
		}
	} else {
		loadingRules := &clientcmd.ClientConfigLoadingRules{ExplicitPath: kubeconfigPath}
		overrides := &clientcmd.ConfigOverrides{}
		if contextName != "" {
			overrides.CurrentContext = contextName
		}
		clientConfig := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, overrides)
		restConfig, err = clientConfig.ClientConfig()
		if err != nil {
			return nil, &ConfigError{Path: kubeconfigPath, Err: err}
		}
	}

	if insecure {
		restConfig.TLSClientConfig.Insecure = true
		restConfig.TLSClientConfig.CAData = nil
		restConfig.TLSClientConfig.CAFile = ""
	}

	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("kube: build clientset: %w", err)
	}
	dyn, err := dynamic.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("kube: build dynamic client: %w", err)
	}
	disco, err := discovery.NewDiscoveryClientForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("kube: build discovery client: %w", err)
	}

	return &ClusterConnection{
		RestConfig: restConfig,
		Clientset:  clientset,
		Dynamic:    dyn,
		Discovery:  disco,
		Context:    contextName,
	}, nil
}

// ContextInfo is one entry in ListContexts' result.
type ContextInfo struct {
	Name      string
	Cluster   string
	Namespace string
	Current   bool
}

// ListContexts enumerates every context declared in the kubeconfig at
// path, grounded on Scoutflo's ConfigurationView pattern of reading
// clientcmdapi.Config directly rather than round-tripping through a
// ClientConfig.
func ListContexts(path string) ([]ContextInfo, error) {
	if path == "" {
		path = DefaultKubeconfigPath()
	}
	cfg, err := clientcmd.LoadFromFile(path)
	if err != nil {
		return nil, &ConfigError{Path: path, Err: err}
	}
	return contextsFromAPI(cfg), nil
}

func contextsFromAPI(cfg *clientcmdapi.Config) []ContextInfo {
	infos := make([]ContextInfo, 0, len(cfg.Contexts))
	for name, ctx := range cfg.Contexts {
		infos = append(infos, ContextInfo{
			Name:      name,
			Cluster:   ctx.Cluster,
			Namespace: ctx.Namespace,
			Current:   name == cfg.CurrentContext,
		})
	}
	return infos
}
