// Command kubenav is the cluster interaction runtime's entrypoint: it
// resolves CLI flags and persisted history into a starting
// kind/namespace, connects to the cluster, and wires the always-on
// background components (Cluster Discovery, the Background Observer,
// the Resource-Event Pipeline, the Config Watcher over history.yaml)
// into one event loop. The terminal rendering engine, widget
// hierarchy, keybinding policy and theme palette consumer are non-goals
// per spec §1 - this entrypoint is the headless core a real UI would
// sit on top of, and logs the event stream it would otherwise hand to
// that renderer.
//
// Grounded on the teacher's cmd/collector/main.go shape: a JSON slog
// handler configured once, typed config loaded and validated before
// anything else runs, explicit signal handling cancelling a root
// context, and a final "stopped" log line on clean shutdown.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/kubenav/kubenav/internal/cliconfig"
	"github.com/kubenav/kubenav/internal/configwatch"
	"github.com/kubenav/kubenav/internal/discovery"
	"github.com/kubenav/kubenav/internal/executor"
	"github.com/kubenav/kubenav/internal/history"
	"github.com/kubenav/kubenav/internal/kube"
	"github.com/kubenav/kubenav/internal/notify"
	"github.com/kubenav/kubenav/internal/observer"
	"github.com/kubenav/kubenav/internal/pipeline"
)

func main() {
	v := viper.New()
	root := newRootCommand(v)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kubenav [resource]",
		Short: "Interactive terminal client for a Kubernetes cluster",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), v, args)
		},
	}
	cliconfig.BindFlags(cmd, v)
	return cmd
}

func setupLogging() {
	handlerOpts := &slog.HandlerOptions{Level: slog.LevelInfo}
	var handler slog.Handler
	if isatty.IsTerminal(os.Stdout.Fd()) {
		handler = slog.NewTextHandler(os.Stderr, handlerOpts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, handlerOpts)
	}
	slog.SetDefault(slog.New(handler))
}

func run(parent context.Context, v *viper.Viper, args []string) error {
	setupLogging()

	histPath := history.DefaultPath()
	hist, err := history.Codec{}.Load(histPath)
	if err != nil {
		slog.Error("failed to load history", "path", histPath, "err", err)
		os.Exit(1)
	}

	opts := cliconfig.Resolve(v, args, hist)
	if opts.Resource == "" {
		opts.Resource = "pods"
	}

	slog.Info("connecting", "kubeconfig", opts.KubeconfigPath, "context", opts.Context)
	conn, err := kube.LoadConnection(opts.KubeconfigPath, opts.Context, opts.Insecure)
	if err != nil {
		slog.Error("failed to connect to cluster", "err", err)
		os.Exit(1)
	}

	disc := discovery.New(conn.Discovery, nil)
	disc.Start(parent)
	defer disc.Stop()

	snapshot := <-disc.Updates()

	resolvedNamespace := kube.NamespaceOf(opts.Namespace)
	if !resolvedNamespace.IsAll() {
		if _, err := conn.Clientset.CoreV1().Namespaces().Get(parent, resolvedNamespace.String(), metav1.GetOptions{}); err != nil {
			slog.Warn("requested namespace not found, falling back to all namespaces", "namespace", resolvedNamespace.String())
			resolvedNamespace = kube.NamespaceAll()
		}
	}

	resolvedKind := kube.Kind{Plural: opts.Resource}
	resolution, ok := snapshot.Resolve(resolvedKind)
	if !ok {
		slog.Warn("requested resource kind not found, falling back to pods", "kind", opts.Resource)
		resolvedKind = kube.PodsKind
		resolution, ok = snapshot.Resolve(resolvedKind)
		if !ok {
			return fmt.Errorf("kubenav: cluster discovery has no pods resource")
		}
	}

	client := kube.NewClient(conn.RestConfig, conn.Clientset, conn.Dynamic, resolution.GVK, resolution.Resource, resolution.Capabilities, resolvedNamespace.String())

	ref := kube.ForKind(resolvedKind, resolvedNamespace)
	obs := observer.New(256)
	if err := obs.Start(parent, client, ref, resolution.Resource, resolution.Capabilities, "", false); err != nil {
		slog.Error("failed to start observer", "err", err)
		os.Exit(1)
	}
	defer obs.Stop()

	rowFactory := pipeline.NewGenericRow
	if resolvedKind.Equal(kube.PodsKind) {
		rowFactory = pipeline.NewPodRow
	}
	list := pipeline.NewList()

	cmdExecutor := executor.New(32)
	defer cmdExecutor.StopAll()

	sink := notify.NewSink(32)
	sink.Infof(fmt.Sprintf("watching %s in %s", resolvedKind.Plural, namespaceLabel(resolvedNamespace)))

	histWatcher, err := ensureHistoryWatcher(histPath, hist)
	if err != nil {
		slog.Warn("history watcher unavailable, continuing without live reload", "err", err)
	} else {
		defer histWatcher.Stop()
	}

	hash := opts.KubeconfigHash()
	hist = hist.WithCurrentContext(hash, opts.Context).WithContextState(hash, opts.Context, resolvedNamespace.String(), resolvedKind.Plural)
	if histWatcher != nil {
		if err := histWatcher.Save(hist); err != nil {
			slog.Warn("failed to persist history", "err", err)
		}
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("shutdown signal received", "signal", sig.String())
		cancel()
	}()

	slog.Info("kubenav started", "kind", resolvedKind.Plural, "namespace", namespaceLabel(resolvedNamespace))
	eventLoop(ctx, obs, disc, list, rowFactory, sink, histWatcher)
	slog.Info("kubenav stopped")
	return nil
}

func eventLoop(ctx context.Context, obs *observer.Observer, disc *discovery.Discovery, list *pipeline.List, rowFactory pipeline.RowFactory, sink *notify.Sink, histWatcher *configwatch.Watcher[history.History]) {
	var histValues <-chan history.History
	if histWatcher != nil {
		histValues = histWatcher.Values()
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-obs.Events():
			if !ok {
				return
			}
			applyEvent(list, rowFactory, ev)
		case snap, ok := <-disc.Updates():
			if !ok {
				continue
			}
			slog.Debug("discovery refreshed", "resources", len(snap.Resources))
		case n, ok := <-sink.Notifications():
			if !ok {
				continue
			}
			slog.Info("notify", "severity", n.Severity, "message", n.Message)
		case h, ok := <-histValues:
			if !ok {
				continue
			}
			_ = h
			slog.Info("history reloaded from disk")
		case <-ticker.C:
			slog.Debug("resource list", "count", list.Len())
		}
	}
}

func applyEvent(list *pipeline.List, rowFactory pipeline.RowFactory, ev observer.Event) {
	switch ev.Kind {
	case observer.EventInit:
		list.Reset()
		for _, obj := range ev.InitData {
			list.Apply(rowFactory(obj, nil))
		}
	case observer.EventApply:
		if ev.Object != nil {
			list.Apply(rowFactory(ev.Object, nil))
		}
	case observer.EventDelete:
		if ev.Object != nil {
			list.Delete(string(ev.Object.GetUID()))
		}
	}
}

func ensureHistoryWatcher(path string, initial history.History) (*configwatch.Watcher[history.History], error) {
	if _, err := os.Stat(path); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		if err := (history.Codec{}).Save(initial, path); err != nil {
			return nil, err
		}
	}
	return configwatch.New[history.History](path, history.Codec{}, 4)
}

func namespaceLabel(ns kube.Namespace) string {
	if ns.IsAll() {
		return kube.AllNamespacesLiteral
	}
	return ns.String()
}
