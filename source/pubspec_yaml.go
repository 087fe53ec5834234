package source

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// yamlPubspec mirrors rawPubspec's shape for the on-disk pubspec.yaml
// manifest every Path/Root/Git package carries, as opposed to the JSON
// pubspec embedded in a hosted registry response.
type yamlPubspec struct {
	Name            string                 `yaml:"name"`
	Version         string                 `yaml:"version"`
	Environment     map[string]string      `yaml:"environment"`
	Dependencies    map[string]interface{} `yaml:"dependencies"`
	DevDependencies map[string]interface{} `yaml:"dev_dependencies"`
	License         string                 `yaml:"license"`
}

func readPubspecYAML(path string) (*Pubspec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var y yamlPubspec
	if err := yaml.Unmarshal(data, &y); err != nil {
		return nil, &ManifestFormatError{Context: path, Reason: err.Error()}
	}
	return pubspecFromRaw(rawPubspec{
		Name:            y.Name,
		Version:         y.Version,
		Environment:     y.Environment,
		Dependencies:    y.Dependencies,
		DevDependencies: y.DevDependencies,
		License:         y.License,
	})
}

func pubspecYAMLPath(dir string) string {
	return filepath.Join(dir, "pubspec.yaml")
}

// LoadRootPubspec reads and parses the pubspec.yaml at the root of dir,
// for the entrypoint coordinator's "ensure up-to-date" operation.
func LoadRootPubspec(dir string) (*Pubspec, error) {
	return readPubspecYAML(pubspecYAMLPath(dir))
}

// PubspecMTime returns the modification time of dir's pubspec.yaml, used
// to detect a lock file gone stale relative to manifest edits.
func PubspecMTime(dir string) (time.Time, error) {
	info, err := os.Stat(pubspecYAMLPath(dir))
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}
