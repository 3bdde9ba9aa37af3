// ABOUTME: Ordered configuration layers, the single deep-merge function and resolution.
// ABOUTME: Decoding goes through viper so durations and weak types follow its conventions.

package config

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/viper"
)

// Layer priorities, lowest first.
const (
	PriorityDefaults   = 0
	PriorityBundled    = 10
	PriorityUser       = 20
	PriorityInvocation = 30
)

// Layer is one configuration source.
type Layer struct {
	Source   string
	Priority int
	Fields   map[string]any
}

// Effective is the resolved configuration.
type Effective struct {
	Init InitConfig
	Base BaseConfig

	// Fields is the merged tree the typed values were decoded from.
	Fields map[string]any
	// Sources lists the layers that contributed, lowest priority first.
	Sources []string
}

// Merge deep-merges layers in ascending priority. Only fields a layer
// provides override lower layers; nested maps merge key by key.
func Merge(layers []Layer) map[string]any {
	sorted := slices.Clone(layers)
	slices.SortStableFunc(sorted, func(a, b Layer) int {
		return cmp.Compare(a.Priority, b.Priority)
	})

	merged := make(map[string]any)
	for _, l := range sorted {
		mergeInto(merged, l.Fields)
	}
	return merged
}

// mergeInto copies src over dst in place. Nil values in src count as absent.
func mergeInto(dst, src map[string]any) {
	for key, sv := range src {
		if sv == nil {
			continue
		}

		srcMap, srcIsMap := asMap(sv)
		if !srcIsMap {
			dst[key] = cloneValue(sv)
			continue
		}

		dstMap, dstIsMap := asMap(dst[key])
		if !dstIsMap {
			dstMap = make(map[string]any)
		}
		mergeInto(dstMap, srcMap)
		dst[key] = dstMap
	}
}

// asMap normalizes the map shapes produced by the JSON, TOML and YAML decoders.
func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[fmt.Sprint(k)] = val
		}
		return out, true
	default:
		return nil, false
	}
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if sub, ok := asMap(v); ok {
			out[k] = cloneMap(sub)
			continue
		}
		out[k] = cloneValue(v)
	}
	return out
}

// Resolve merges, decodes and validates the layers. Hard-coded defaults are
// always applied underneath the given layers.
func Resolve(layers []Layer) (*Effective, error) {
	all := append([]Layer{{Source: "defaults", Priority: PriorityDefaults, Fields: Defaults()}}, layers...)
	merged := Merge(all)

	v, err := newViper(merged)
	if err != nil {
		return nil, err
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(keyDelimiter, "_"))
	if err := v.BindEnv("init"+keyDelimiter+"log_level", "KAIAK_LOG_LEVEL"); err != nil {
		return nil, fmt.Errorf("binding environment: %w", err)
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("decoding configuration: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	sources := make([]string, 0, len(all))
	sorted := slices.Clone(all)
	slices.SortStableFunc(sorted, func(a, b Layer) int { return cmp.Compare(a.Priority, b.Priority) })
	for _, l := range sorted {
		sources = append(sources, l.Source)
	}

	return &Effective{
		Init:    s.Init,
		Base:    s.Base,
		Fields:  merged,
		Sources: sources,
	}, nil
}

// decodeBase decodes a base subtree on its own.
func decodeBase(fields map[string]any) (BaseConfig, error) {
	v, err := newViper(fields)
	if err != nil {
		return BaseConfig{}, err
	}

	var b BaseConfig
	if err := v.Unmarshal(&b); err != nil {
		return BaseConfig{}, fmt.Errorf("decoding base configuration: %w", err)
	}
	return b, nil
}

// keyDelimiter separates nested viper keys. Tool names such as
// "fs.write_file" contain dots and must stay a single key.
const keyDelimiter = "::"

// newViper loads an already merged tree. Viper lower-cases keys in place, so
// it always receives a copy.
func newViper(fields map[string]any) (*viper.Viper, error) {
	v := viper.NewWithOptions(viper.KeyDelimiter(keyDelimiter))
	if err := v.MergeConfigMap(cloneMap(fields)); err != nil {
		return nil, fmt.Errorf("loading merged configuration: %w", err)
	}
	return v, nil
}
