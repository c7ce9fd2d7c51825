// Package cliconfig binds the CLI surface described in spec §6
// (--kube-config, --context, --namespace/-n, --all-namespaces,
// --insecure, positional <resource>) via spf13/cobra + spf13/viper,
// grounded on Scoutflo-kubernetes-mcp-server's cmd/root.go
// Flags()+BindPFlags() pattern, and resolves unset flags against the
// persisted navigation history keyed by a hash of the kubeconfig path.
package cliconfig

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kubenav/kubenav/internal/history"
	"github.com/kubenav/kubenav/internal/kube"
)

// Options is the fully resolved set of CLI-derived settings a run of
// kubenav starts from.
type Options struct {
	KubeconfigPath string
	Context        string
	Namespace      string
	AllNamespaces  bool
	Insecure       bool
	Resource       string
}

// BindFlags registers every flag spec §6 names on cmd and binds them
// into v so Resolve can read them back uniformly regardless of
// whether they came from the command line, env, or a config file.
func BindFlags(cmd *cobra.Command, v *viper.Viper) {
	cmd.Flags().String("kube-config", "", "path to the kubeconfig file")
	cmd.Flags().String("context", "", "kubeconfig context to use")
	cmd.Flags().StringP("namespace", "n", "", "namespace to start in")
	cmd.Flags().Bool("all-namespaces", false, "start listing across every namespace")
	cmd.Flags().Bool("insecure", false, "skip TLS certificate verification")
	_ = v.BindPFlags(cmd.Flags())
}

// Resolve derives Options from v's flags and args, falling back to the
// resolved kubeconfig's persisted history for any value the caller
// left unset. Per spec, --all-namespaces takes precedence over
// --namespace whenever both are present.
func Resolve(v *viper.Viper, args []string, hist history.History) Options {
	kubeconfigPath := v.GetString("kube-config")
	if kubeconfigPath == "" {
		kubeconfigPath = kube.DefaultKubeconfigPath()
	}

	hash := history.HashKubeconfigPath(kubeconfigPath)
	kubeconfigEntry := hist[hash]

	contextName := v.GetString("context")
	if contextName == "" {
		contextName = kubeconfigEntry.CurrentContext
	}
	ctxEntry := hist.ContextFor(hash, contextName)

	resource := ""
	if len(args) > 0 {
		resource = args[0]
	}
	if resource == "" {
		resource = ctxEntry.Kind
	}

	allNamespaces := v.GetBool("all-namespaces")
	namespace := v.GetString("namespace")
	if !allNamespaces && namespace == "" {
		namespace = ctxEntry.Namespace
	}
	if allNamespaces {
		namespace = ""
	}

	return Options{
		KubeconfigPath: kubeconfigPath,
		Context:        contextName,
		Namespace:      namespace,
		AllNamespaces:  allNamespaces,
		Insecure:       v.GetBool("insecure"),
		Resource:       resource,
	}
}

// KubeconfigHash is the history key this Options' kubeconfig path
// hashes to, exposed so callers can write history updates back under
// the same key Resolve read from.
func (o Options) KubeconfigHash() string {
	return history.HashKubeconfigPath(o.KubeconfigPath)
}
