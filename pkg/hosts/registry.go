// Package hosts implements the read-only host registry: a YAML file mapping
// host ids to endpoint details.
package hosts

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/larrydiffey/sftpipe/pkg/core"
)

// File is the on-disk registry format
type File struct {
	Hosts []core.Host `yaml:"hosts"`
}

// Registry is an in-memory host lookup loaded from a YAML file. It
// implements core.HostRegistry.
type Registry struct {
	mu    sync.RWMutex
	hosts map[string]core.Host
}

// DefaultPath returns the default registry location
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".sftpipe", "hosts.yaml"), nil
}

// Load reads a registry file. A missing file yields an empty registry.
func Load(path string) (*Registry, error) {
	r := &Registry{hosts: make(map[string]core.Host)}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("read hosts file %s: %w", path, err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse hosts file %s: %w", path, err)
	}
	for _, h := range f.Hosts {
		if h.ID == "" {
			return nil, fmt.Errorf("hosts file %s: host with empty id", path)
		}
		if h.Port == 0 {
			h.Port = 22
		}
		r.hosts[h.ID] = h
	}
	return r, nil
}

// FromHosts builds a registry from an in-memory host list
func FromHosts(hosts []core.Host) *Registry {
	r := &Registry{hosts: make(map[string]core.Host, len(hosts))}
	for _, h := range hosts {
		if h.Port == 0 {
			h.Port = 22
		}
		r.hosts[h.ID] = h
	}
	return r
}

// Lookup returns the host for an id
func (r *Registry) Lookup(id string) (core.Host, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.hosts[id]
	if !ok {
		return core.Host{}, fmt.Errorf("host %s: %w", id, core.ErrHostNotFound)
	}
	return h, nil
}

// All returns every registered host, sorted by id
func (r *Registry) All() []core.Host {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.Host, 0, len(r.hosts))
	for _, h := range r.hosts {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
