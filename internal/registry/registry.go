// Package registry discovers container descriptors on disk.
// Each subdirectory of the containers directory that holds a config.yml
// is one container, and that subdirectory is the container root.
package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"wincell/pkg/manifest"
)

// Container is a manifest paired with the directory it was loaded from.
type Container struct {
	Manifest *manifest.Manifest
	Root     string // absolute container root
}

// Registry holds the containers found by Load, keyed by manifest id.
type Registry struct {
	dir        string
	containers map[string]*Container
}

// Load scans dir for container manifests. A missing dir yields an empty
// registry. Invalid manifests and duplicate ids do not abort the scan:
// the valid containers are returned together with the joined errors of
// the rejected ones.
func Load(dir string) (*Registry, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve containers directory: %w", err)
	}

	reg := &Registry{dir: absDir, containers: make(map[string]*Container)}

	entries, err := os.ReadDir(absDir)
	if err != nil {
		if os.IsNotExist(err) {
			return reg, nil
		}
		return nil, fmt.Errorf("read containers directory: %w", err)
	}

	// os.ReadDir sorts by name, so duplicate resolution is deterministic.
	var errs []error
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		root := filepath.Join(absDir, entry.Name())
		manifestPath := filepath.Join(root, manifest.FileName)
		if _, err := os.Stat(manifestPath); err != nil {
			if !os.IsNotExist(err) {
				errs = append(errs, fmt.Errorf("stat %s: %w", manifestPath, err))
			}
			continue
		}

		m, err := manifest.Load(manifestPath)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		if existing, dup := reg.containers[m.ID]; dup {
			errs = append(errs, fmt.Errorf("%w: duplicate id %q in %s (already defined in %s)",
				manifest.ErrInvalid, m.ID, root, existing.Root))
			continue
		}

		reg.containers[m.ID] = &Container{Manifest: m, Root: root}
	}

	return reg, errors.Join(errs...)
}

// Dir returns the absolute containers directory.
func (r *Registry) Dir() string {
	return r.dir
}

// List returns the registered containers sorted by id.
func (r *Registry) List() []*Container {
	list := make([]*Container, 0, len(r.containers))
	for _, c := range r.containers {
		list = append(list, c)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].Manifest.ID < list[j].Manifest.ID
	})
	return list
}

// Get returns the container with the given id.
func (r *Registry) Get(id string) (*Container, bool) {
	c, ok := r.containers[id]
	return c, ok
}

// Len returns the number of registered containers.
func (r *Registry) Len() int {
	return len(r.containers)
}
