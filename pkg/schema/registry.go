// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

package schema

import (
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed models/*.json
var builtinModels embed.FS

// Registry maps model numbers to control table definitions
type Registry struct {
	mu        sync.RWMutex
	models    map[uint16]*Model
	validator *Validator
}

// NewRegistry creates a registry holding the built-in models
func NewRegistry() (*Registry, error) {
	validator, err := NewValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to create validator: %w", err)
	}

	r := &Registry{
		models:    make(map[uint16]*Model),
		validator: validator,
	}

	if err := r.loadFS(builtinModels, "models"); err != nil {
		return nil, fmt.Errorf("failed to load built-in models: %w", err)
	}

	return r, nil
}

// Lookup returns the model for a model number. An unknown model number
// means no schema is available for that servo.
func (r *Registry) Lookup(modelNumber uint16) (*Model, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[modelNumber]
	return m, ok
}

// Models returns all registered models ordered by model number
func (r *Registry) Models() []*Model {
	r.mu.RLock()
	defer r.mu.RUnlock()

	models := make([]*Model, 0, len(r.models))
	for _, m := range r.models {
		models = append(models, m)
	}
	slices.SortFunc(models, func(a, b *Model) int {
		return int(a.ModelNumber) - int(b.ModelNumber)
	})
	return models
}

// Register adds a model, replacing any existing definition for its number
func (r *Registry) Register(m *Model) error {
	if err := r.validator.ValidateModel(m); err != nil {
		return fmt.Errorf("model %d: %w", m.ModelNumber, err)
	}
	if err := m.init(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[m.ModelNumber] = m
	return nil
}

// LoadDir loads every *.json, *.yaml and *.yml model definition in dir.
// A missing directory is not an error.
func (r *Registry) LoadDir(dir string) error {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	return r.loadFS(os.DirFS(dir), ".")
}

// LoadSearchPaths loads models from each directory in order; later
// directories override earlier ones
func (r *Registry) LoadSearchPaths(paths []string) error {
	for _, p := range paths {
		if err := r.LoadDir(p); err != nil {
			return fmt.Errorf("failed to load models from %s: %w", p, err)
		}
	}
	return nil
}

func (r *Registry) loadFS(fsys fs.FS, root string) error {
	entries, err := fs.ReadDir(fsys, root)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		data, err := fs.ReadFile(fsys, filepath.ToSlash(filepath.Join(root, name)))
		if err != nil {
			return err
		}

		var m *Model
		switch strings.ToLower(filepath.Ext(name)) {
		case ".json":
			m, err = r.decodeJSON(data)
		case ".yaml", ".yml":
			m, err = decodeYAML(data)
		default:
			continue
		}
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}

		if err := r.Register(m); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	return nil
}

func (r *Registry) decodeJSON(data []byte) (*Model, error) {
	if err := r.validator.ValidateJSON(data); err != nil {
		return nil, err
	}
	var m Model
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal model: %w", err)
	}
	return &m, nil
}

func decodeYAML(data []byte) (*Model, error) {
	var m Model
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal model: %w", err)
	}
	return &m, nil
}
