package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/c360studio/modelmesh/task"
	"gopkg.in/yaml.v3"
)

// Registry holds validated graphs keyed by id, plus per-category
// defaults. Graphs are registered once and shared read-only across runs.
type Registry struct {
	mu       sync.RWMutex
	graphs   map[string]*Graph
	defaults map[task.Category]string
}

// NewRegistry creates an empty graph registry.
func NewRegistry() *Registry {
	return &Registry{
		graphs:   make(map[string]*Graph),
		defaults: make(map[task.Category]string),
	}
}

// Register validates and adds a graph. A graph declaring a category
// becomes that category's default unless one is already set.
func (r *Registry) Register(g *Graph) error {
	if err := g.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.graphs[g.ID]; exists {
		return fmt.Errorf("graph %q already registered", g.ID)
	}
	r.graphs[g.ID] = g

	if g.Category != "" {
		if _, taken := r.defaults[g.Category]; !taken {
			r.defaults[g.Category] = g.ID
		}
	}
	return nil
}

// Get returns a graph by id, nil if unknown.
func (r *Registry) Get(id string) *Graph {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.graphs[id]
}

// Resolve picks the graph for a submission: the explicit id when given,
// else the category default, else the implicit single-node graph.
func (r *Registry) Resolve(graphID string, cat task.Category) (*Graph, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if graphID != "" {
		g, ok := r.graphs[graphID]
		if !ok {
			return nil, fmt.Errorf("unknown workflow graph %q", graphID)
		}
		return g, nil
	}
	if id, ok := r.defaults[cat]; ok {
		return r.graphs[id], nil
	}
	return SingleNodeGraph(), nil
}

// SetDefault maps a category to a graph id explicitly.
func (r *Registry) SetDefault(cat task.Category, graphID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.graphs[graphID]; !ok {
		return fmt.Errorf("unknown workflow graph %q", graphID)
	}
	r.defaults[cat] = graphID
	return nil
}

// List returns registered graph ids in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.graphs))
	for id := range r.graphs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// LoadFile parses and registers one YAML graph file.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read workflow file: %w", err)
	}

	var g Graph
	if err := yaml.Unmarshal(data, &g); err != nil {
		return fmt.Errorf("parse workflow file %s: %w", path, err)
	}

	if err := r.Register(&g); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// LoadGlobs discovers and registers graph files matched by doublestar
// patterns ("workflows/**/*.yaml"). Matches load in sorted order so
// registration is deterministic.
func (r *Registry) LoadGlobs(patterns []string) error {
	var paths []string
	seen := make(map[string]bool)

	for _, pattern := range patterns {
		base, rest := doublestar.SplitPattern(pattern)
		matches, err := doublestar.Glob(os.DirFS(base), rest)
		if err != nil {
			return fmt.Errorf("resolve pattern %q: %w", pattern, err)
		}
		for _, m := range matches {
			p := filepath.Join(base, m)
			if !seen[p] {
				seen[p] = true
				paths = append(paths, p)
			}
		}
	}

	sort.Strings(paths)
	for _, p := range paths {
		if err := r.LoadFile(p); err != nil {
			return err
		}
	}
	return nil
}
