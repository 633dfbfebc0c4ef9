// internal/config/config.go

package config

import (
	"os"
	"path/filepath"
	"strings"

	yaml "github.com/goccy/go-yaml"
	"github.com/pelletier/go-toml/v2"
)

// Decode reads the file at path into v. Files ending in .toml are decoded as
// TOML, everything else as YAML. Fields absent from the file keep whatever
// value v already holds, so callers fill in defaults first.
func Decode(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return toml.Unmarshal(data, v)
	}
	return yaml.Unmarshal(data, v)
}
