// ABOUTME: Runtime holder for the mutable Base configuration.
// ABOUTME: Applies partial updates atomically; sessions take snapshots at creation time.

package config

import (
	"fmt"
	"sync"
)

// BaseStore owns the current Base configuration.
type BaseStore struct {
	mu      sync.RWMutex
	current BaseConfig
	fields  map[string]any
}

// NewBaseStore starts from the resolved configuration.
func NewBaseStore(eff *Effective) *BaseStore {
	fields, _ := asMap(eff.Fields["base"])
	return &BaseStore{
		current: eff.Base.Clone(),
		fields:  cloneMap(fields),
	}
}

// Snapshot returns a copy of the current Base.
func (s *BaseStore) Snapshot() BaseConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Clone()
}

// Apply merges the given fields over the current Base. On any error the
// current Base is left untouched.
func (s *BaseStore) Apply(fields map[string]any) (BaseConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	merged, next, err := s.derive(fields)
	if err != nil {
		return BaseConfig{}, err
	}

	s.fields = merged
	s.current = next
	return next.Clone(), nil
}

// Derive returns the current Base with fields merged on top, without storing
// the result. It is used for per-session overrides.
func (s *BaseStore) Derive(fields map[string]any) (BaseConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, next, err := s.derive(fields)
	return next, err
}

// Replace swaps in a freshly resolved configuration, e.g. after the user file
// changed on disk.
func (s *BaseStore) Replace(eff *Effective) {
	fields, _ := asMap(eff.Fields["base"])

	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = eff.Base.Clone()
	s.fields = cloneMap(fields)
}

func (s *BaseStore) derive(fields map[string]any) (map[string]any, BaseConfig, error) {
	merged := cloneMap(s.fields)
	mergeInto(merged, fields)

	next, err := decodeBase(merged)
	if err != nil {
		return nil, BaseConfig{}, err
	}
	if err := next.Validate(); err != nil {
		return nil, BaseConfig{}, fmt.Errorf("invalid base configuration: %w", err)
	}
	return merged, next, nil
}
