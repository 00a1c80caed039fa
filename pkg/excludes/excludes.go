// Package excludes loads the optional administrator-supplied YAML sidecar
// of additional rsync exclusion paths.
package excludes

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// file is the on-disk shape of the sidecar document.
type file struct {
	Excludes []string `yaml:"excludes"`
}

// Load reads and parses the YAML document at path. A missing file is not
// an error — it returns a nil slice, matching "absence of the file is not
// an error".
func Load(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("excludes: reading %s: %w", path, err)
	}

	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("excludes: parsing %s: %w", path, err)
	}
	return f.Excludes, nil
}
