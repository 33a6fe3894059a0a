// Package prompts provides the prompt templates used by text-generation actions.
// Templates are stored in actions.json and embedded at compile time.
package prompts

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
)

//go:embed actions.json
var actionsFile []byte

var (
	loadOnce  sync.Once
	templates map[string]string
	loadErr   error
)

// placeholder matches {{.key}} in a template.
var placeholder = regexp.MustCompile(`\{\{\.([A-Za-z0-9_]+)\}\}`)

func load() (map[string]string, error) {
	loadOnce.Do(func() {
		if err := json.Unmarshal(actionsFile, &templates); err != nil {
			loadErr = fmt.Errorf("failed to parse prompt templates: %w", err)
		}
	})
	return templates, loadErr
}

// Template returns the raw template registered under name.
func Template(name string) (string, error) {
	all, err := load()
	if err != nil {
		return "", err
	}
	tmpl, ok := all[name]
	if !ok {
		return "", fmt.Errorf("prompt template %q not found", name)
	}
	return tmpl, nil
}

// Render fills the {{.key}} placeholders of the named template from data. Every
// placeholder must have a non-empty value.
func Render(name string, data map[string]string) (string, error) {
	tmpl, err := Template(name)
	if err != nil {
		return "", err
	}

	var missing []string
	out := placeholder.ReplaceAllStringFunc(tmpl, func(m string) string {
		key := placeholder.FindStringSubmatch(m)[1]
		v := strings.TrimSpace(data[key])
		if v == "" {
			missing = append(missing, key)
			return m
		}
		return v
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("prompt template %q is missing values for: %s", name, strings.Join(missing, ", "))
	}
	return out, nil
}

// Names returns the available template names, sorted.
func Names() []string {
	all, err := load()
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(all))
	for name := range all {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
