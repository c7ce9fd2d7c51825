// Package history implements the persisted state described in spec §6:
// a map of kube-config-hash to per-kube-config navigation history
// (current context plus, per context, the last resource kind,
// namespace, and filter/search history), stored at
// "${HOME}/.kubenav/history.yaml". Grounded on the teacher's
// storage/sqlite hashing idiom (internal/storage/sqlite/hash.go's
// dedup hash) generalized from an FNV row-dedup hash to a path-keying
// hash, and on configwatch.Persistable for the load/save contract the
// Config Watcher drives.
package history

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// maxHistoryEntries bounds how many filter/search strings are kept per
// context; oldest entries are dropped first.
const maxHistoryEntries = 50

// ContextEntry is one context's remembered navigation state.
type ContextEntry struct {
	Name          string   `yaml:"name"`
	Namespace     string   `yaml:"namespace"`
	Kind          string   `yaml:"kind"`
	FilterHistory []string `yaml:"filterHistory,omitempty"`
	SearchHistory []string `yaml:"searchHistory,omitempty"`
}

// KubeconfigEntry is the per-kube-config record: which context is
// currently active, plus every context's remembered state.
type KubeconfigEntry struct {
	CurrentContext string         `yaml:"currentContext"`
	Contexts       []ContextEntry `yaml:"contexts"`
}

// History is the full persisted document: kube-config hash -> entry.
type History map[string]KubeconfigEntry

// HashKubeconfigPath derives the stable key History is indexed by from
// a kubeconfig's filesystem path, so the same kubeconfig always
// resolves to the same history entry regardless of how it's invoked
// (absolute vs relative path, symlink aside).
func HashKubeconfigPath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	sum := sha256.Sum256([]byte(abs))
	return hex.EncodeToString(sum[:])[:16]
}

// DefaultDir is "${HOME}/.kubenav".
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".kubenav"
	}
	return filepath.Join(home, ".kubenav")
}

// DefaultPath is "${HOME}/.kubenav/history.yaml".
func DefaultPath() string {
	return filepath.Join(DefaultDir(), "history.yaml")
}

// Codec implements configwatch.Persistable[History] over the YAML
// history file.
type Codec struct{}

// Load reads and parses the history file at path. A missing file loads
// as an empty History rather than an error, matching "read at startup"
// for a first-ever run with no prior history.
func (Codec) Load(path string) (History, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return History{}, nil
		}
		return nil, fmt.Errorf("history: read %s: %w", path, err)
	}
	var h History
	if err := yaml.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("history: parse %s: %w", path, err)
	}
	if h == nil {
		h = History{}
	}
	return h, nil
}

// Save serializes value to path, creating parent directories as
// needed.
func (Codec) Save(value History, path string) error {
	data, err := yaml.Marshal(value)
	if err != nil {
		return fmt.Errorf("history: encode: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("history: mkdir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("history: write %s: %w", path, err)
	}
	return nil
}

// ContextFor returns the remembered entry for contextName within a
// kubeconfig's history, or a zero-value entry if the context has never
// been visited.
func (h History) ContextFor(kubeconfigHash, contextName string) ContextEntry {
	entry := h[kubeconfigHash]
	for _, c := range entry.Contexts {
		if c.Name == contextName {
			return c
		}
	}
	return ContextEntry{Name: contextName}
}

// WithCurrentContext returns a copy of h with kubeconfigHash's current
// context set to contextName, creating the kubeconfig entry if absent.
func (h History) WithCurrentContext(kubeconfigHash, contextName string) History {
	out := h.clone()
	entry := out[kubeconfigHash]
	entry.CurrentContext = contextName
	out[kubeconfigHash] = entry
	return out
}

// WithContextState upserts contextName's remembered kind/namespace
// within kubeconfigHash's entry, used whenever the user's current kind
// or namespace changes.
func (h History) WithContextState(kubeconfigHash, contextName, namespace, kind string) History {
	out := h.clone()
	entry := out[kubeconfigHash]
	found := false
	for i, c := range entry.Contexts {
		if c.Name == contextName {
			c.Namespace = namespace
			c.Kind = kind
			entry.Contexts[i] = c
			found = true
			break
		}
	}
	if !found {
		entry.Contexts = append(entry.Contexts, ContextEntry{Name: contextName, Namespace: namespace, Kind: kind})
	}
	out[kubeconfigHash] = entry
	return out
}

// WithFilterHistory appends term to contextName's filter history,
// deduplicating an immediately-repeated term and bounding the list to
// maxHistoryEntries, oldest first dropped.
func (h History) WithFilterHistory(kubeconfigHash, contextName, term string) History {
	return h.appendHistory(kubeconfigHash, contextName, term, false)
}

// WithSearchHistory appends term to contextName's search history under
// the same dedup/bound rules as WithFilterHistory.
func (h History) WithSearchHistory(kubeconfigHash, contextName, term string) History {
	return h.appendHistory(kubeconfigHash, contextName, term, true)
}

func (h History) appendHistory(kubeconfigHash, contextName, term string, search bool) History {
	if term == "" {
		return h
	}
	out := h.clone()
	entry := out[kubeconfigHash]
	found := false
	for i, c := range entry.Contexts {
		if c.Name != contextName {
			continue
		}
		found = true
		if search {
			c.SearchHistory = appendBounded(c.SearchHistory, term)
		} else {
			c.FilterHistory = appendBounded(c.FilterHistory, term)
		}
		entry.Contexts[i] = c
		break
	}
	if !found {
		c := ContextEntry{Name: contextName}
		if search {
			c.SearchHistory = []string{term}
		} else {
			c.FilterHistory = []string{term}
		}
		entry.Contexts = append(entry.Contexts, c)
	}
	out[kubeconfigHash] = entry
	return out
}

func appendBounded(list []string, term string) []string {
	if len(list) > 0 && list[len(list)-1] == term {
		return list
	}
	list = append(list, term)
	if len(list) > maxHistoryEntries {
		list = list[len(list)-maxHistoryEntries:]
	}
	return list
}

func (h History) clone() History {
	out := make(History, len(h))
	for k, v := range h {
		contexts := make([]ContextEntry, len(v.Contexts))
		copy(contexts, v.Contexts)
		v.Contexts = contexts
		out[k] = v
	}
	return out
}
