package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// LoadPolicyModules reads the configured Rego modules, keyed by file path.
// Files under Dir are loaded in lexical order; non-.rego files are ignored.
func (c *PolicyConfig) LoadPolicyModules() (map[string]string, error) {
	paths := append([]string(nil), c.Modules...)

	if c.Dir != "" {
		entries, err := os.ReadDir(c.Dir)
		if err != nil {
			return nil, fmt.Errorf("read policy dir %s: %w", c.Dir, err)
		}
		var found []string
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".rego") {
				continue
			}
			found = append(found, filepath.Join(c.Dir, entry.Name()))
		}
		sort.Strings(found)
		paths = append(paths, found...)
	}

	modules := make(map[string]string, len(paths))
	for _, path := range paths {
		if _, dup := modules[path]; dup {
			continue
		}
		// #nosec G304 -- policy paths come from the operator's configuration
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read policy module %s: %w", path, err)
		}
		modules[path] = string(data)
	}
	return modules, nil
}
