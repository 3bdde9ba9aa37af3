// ABOUTME: Reads configuration files into layer fields and builds the standard layer list.
// ABOUTME: Supports TOML, YAML and JSON with ${VAR} environment expansion.

package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// LayerOptions names the sources used by StandardLayers.
type LayerOptions struct {
	BundledPath string
	UserPath    string
	Overrides   map[string]any
}

// DefaultUserPath returns ~/.kaiak/server.conf.
func DefaultUserPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".kaiak", "server.conf")
	}
	return filepath.Join(home, ".kaiak", "server.conf")
}

// DefaultBundledPath returns $KAIAK_DEFAULT_CONFIG or /etc/kaiak/server.conf.
func DefaultBundledPath() string {
	if p := os.Getenv("KAIAK_DEFAULT_CONFIG"); p != "" {
		return p
	}
	return "/etc/kaiak/server.conf"
}

// StandardLayers loads the bundled and user files (missing files are skipped)
// and appends the invocation overrides.
func StandardLayers(opts LayerOptions) ([]Layer, error) {
	var layers []Layer

	for _, src := range []struct {
		path     string
		priority int
	}{
		{opts.BundledPath, PriorityBundled},
		{opts.UserPath, PriorityUser},
	} {
		if src.path == "" {
			continue
		}
		fields, err := LoadFile(src.path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		layers = append(layers, Layer{Source: src.path, Priority: src.priority, Fields: fields})
	}

	if len(opts.Overrides) > 0 {
		layers = append(layers, Layer{Source: "invocation", Priority: PriorityInvocation, Fields: opts.Overrides})
	}

	return layers, nil
}

// LoadFile reads one configuration file.
func LoadFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	fields, err := Parse(filepath.Ext(path), []byte(expandEnvVars(string(data))))
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return fields, nil
}

// Parse decodes configuration text. ext selects the format; unknown
// extensions are read as TOML.
func Parse(ext string, data []byte) (map[string]any, error) {
	fields := make(map[string]any)

	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &fields); err != nil {
			return nil, err
		}
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(&fields); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
	default:
		if _, err := toml.Decode(string(data), &fields); err != nil {
			return nil, err
		}
	}

	return fields, nil
}

// WriteTOML renders fields as TOML, used by `kaiak config init` and `show`.
func WriteTOML(w io.Writer, fields map[string]any) error {
	return toml.NewEncoder(w).Encode(fields)
}

// expandEnvVars replaces ${VAR_NAME} with the variable's value, or empty.
func expandEnvVars(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envPattern.FindStringSubmatch(match)[1])
	})
}
