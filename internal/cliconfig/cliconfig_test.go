package cliconfig

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kubenav/kubenav/internal/history"
)

func newBoundCommand() (*cobra.Command, *viper.Viper) {
	v := viper.New()
	cmd := &cobra.Command{Use: "test"}
	BindFlags(cmd, v)
	return cmd, v
}

func TestResolveDefaultsFromFlags(t *testing.T) {
	cmd, v := newBoundCommand()
	_ = cmd.Flags().Set("context", "prod")
	_ = cmd.Flags().Set("namespace", "kube-system")

	opts := Resolve(v, []string{"pods"}, history.History{})

	if opts.Context != "prod" {
		t.Errorf("Context = %q, want prod", opts.Context)
	}
	if opts.Namespace != "kube-system" {
		t.Errorf("Namespace = %q, want kube-system", opts.Namespace)
	}
	if opts.Resource != "pods" {
		t.Errorf("Resource = %q, want pods", opts.Resource)
	}
	if opts.AllNamespaces {
		t.Error("AllNamespaces should default false")
	}
}

func TestResolveAllNamespacesOverridesNamespace(t *testing.T) {
	cmd, v := newBoundCommand()
	_ = cmd.Flags().Set("namespace", "kube-system")
	_ = cmd.Flags().Set("all-namespaces", "true")

	opts := Resolve(v, nil, history.History{})

	if !opts.AllNamespaces {
		t.Fatal("expected AllNamespaces true")
	}
	if opts.Namespace != "" {
		t.Fatalf("expected Namespace cleared when AllNamespaces is set, got %q", opts.Namespace)
	}
}

func TestResolveFallsBackToHistory(t *testing.T) {
	cmd, v := newBoundCommand()
	_ = cmd.Flags().Set("kube-config", "/home/alice/.kube/config")

	hash := history.HashKubeconfigPath("/home/alice/.kube/config")
	hist := history.History{}.
		WithCurrentContext(hash, "staging").
		WithContextState(hash, "staging", "apps", "deployments")

	opts := Resolve(v, nil, hist)

	if opts.Context != "staging" {
		t.Fatalf("Context = %q, want staging from history", opts.Context)
	}
	if opts.Namespace != "apps" {
		t.Fatalf("Namespace = %q, want apps from history", opts.Namespace)
	}
	if opts.Resource != "deployments" {
		t.Fatalf("Resource = %q, want deployments from history", opts.Resource)
	}
}

func TestResolveExplicitArgsOverrideHistory(t *testing.T) {
	cmd, v := newBoundCommand()
	_ = cmd.Flags().Set("kube-config", "/home/alice/.kube/config")
	_ = cmd.Flags().Set("namespace", "explicit-ns")

	hash := history.HashKubeconfigPath("/home/alice/.kube/config")
	hist := history.History{}.
		WithCurrentContext(hash, "staging").
		WithContextState(hash, "staging", "apps", "deployments")

	opts := Resolve(v, []string{"services"}, hist)

	if opts.Namespace != "explicit-ns" {
		t.Fatalf("Namespace = %q, want explicit-ns", opts.Namespace)
	}
	if opts.Resource != "services" {
		t.Fatalf("Resource = %q, want services", opts.Resource)
	}
}

func TestKubeconfigHashMatchesHistoryHash(t *testing.T) {
	cmd, v := newBoundCommand()
	_ = cmd.Flags().Set("kube-config", "/home/alice/.kube/config")

	opts := Resolve(v, nil, history.History{})
	if got, want := opts.KubeconfigHash(), history.HashKubeconfigPath("/home/alice/.kube/config"); got != want {
		t.Fatalf("KubeconfigHash() = %q, want %q", got, want)
	}
}

func TestResolveInsecureFlag(t *testing.T) {
	cmd, v := newBoundCommand()
	_ = cmd.Flags().Set("insecure", "true")

	opts := Resolve(v, nil, history.History{})
	if !opts.Insecure {
		t.Fatal("expected Insecure true")
	}
}
