// Package theme loads the theme palette files described in spec §6:
// "${HOME}/.{app}/themes/<name>.yaml" documents with an optional
// top-level "palette" section whose entries are substituted into the
// rest of the document before it is handed to the (external, non-goal)
// rendering layer. Grounded on the teacher's YAML-decode style
// (sigs.k8s.io/yaml / gopkg.in/yaml.v3 usage throughout the pack) and
// on configwatch's Persistable shape, though themes are read-only from
// this package's perspective - only internal/executor's ListThemes
// command enumerates the themes directory.
package theme

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// refPattern matches "${palette.NAME}" references anywhere inside a
// scalar string value.
var refPattern = regexp.MustCompile(`\$\{palette\.([A-Za-z0-9_-]+)\}`)

// Theme is a loaded, palette-substituted theme document. Values holds
// every key except "palette" itself, with palette references already
// resolved into literal strings; Palette holds the raw substitution
// table (also useful for composing derived themes programmatically).
type Theme struct {
	Palette map[string]string
	Values  map[string]interface{}
}

// ErrUnresolvedReference is returned when a document references a
// palette entry the file's own palette section never defines.
type ErrUnresolvedReference struct {
	Name string
}

func (e *ErrUnresolvedReference) Error() string {
	return fmt.Sprintf("theme: unresolved palette reference %q", e.Name)
}

// Load reads and parses the theme file at path, substituting every
// "${palette.X}" reference with its value from the file's own
// top-level "palette" section.
func Load(path string) (Theme, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Theme{}, fmt.Errorf("theme: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse is Load's pure core, exposed directly for tests and for
// callers that already have the document in memory.
func Parse(data []byte) (Theme, error) {
	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Theme{}, fmt.Errorf("theme: parse: %w", err)
	}
	if doc == nil {
		doc = map[string]interface{}{}
	}

	palette := map[string]string{}
	if raw, ok := doc["palette"]; ok {
		if m, ok := raw.(map[string]interface{}); ok {
			for k, v := range m {
				palette[k] = fmt.Sprintf("%v", v)
			}
		}
	}
	delete(doc, "palette")

	substituted, err := substituteValue(doc, palette)
	if err != nil {
		return Theme{}, err
	}

	return Theme{Palette: palette, Values: substituted.(map[string]interface{})}, nil
}

func substituteValue(v interface{}, palette map[string]string) (interface{}, error) {
	switch val := v.(type) {
	case string:
		return substituteString(val, palette)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, nested := range val {
			resolved, err := substituteValue(nested, palette)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, nested := range val {
			resolved, err := substituteValue(nested, palette)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

func substituteString(s string, palette map[string]string) (string, error) {
	if !strings.Contains(s, "${palette.") {
		return s, nil
	}
	var firstErr error
	result := refPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := refPattern.FindStringSubmatch(match)[1]
		value, ok := palette[name]
		if !ok {
			if firstErr == nil {
				firstErr = &ErrUnresolvedReference{Name: name}
			}
			return match
		}
		return value
	})
	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}
