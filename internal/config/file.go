package config

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// LoadFile reads a flat YAML map of KEY: value pairs and installs it as the
// file override layer. Nested values are rejected. Keys that have no default
// are kept, so new keys need no migration.
func LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "failed to read config file")
	}

	var doc map[string]interface{}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return errors.Wrap(err, "failed to parse config file")
	}

	values := make(map[string]string, len(doc))
	for key, value := range doc {
		switch v := value.(type) {
		case map[string]interface{}, []interface{}:
			return errors.Errorf("config key %s: nested values are not supported", key)
		case nil:
			values[key] = ""
		default:
			values[key] = fmt.Sprint(v)
		}
	}

	SetFileValues(values)
	return nil
}

// SetFileValues replaces the file override layer.
func SetFileValues(values map[string]string) {
	fileMu.Lock()
	defer fileMu.Unlock()

	fileValues = make(map[string]string, len(values))
	for k, v := range values {
		fileValues[k] = v
	}
}
