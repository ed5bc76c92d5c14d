/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package registry implements the Pack Registry (spec.md §2): pack
// metadata lookup and bundle locator. Packs are immutable once
// registered, so the registry is append-only.
package registry

import (
	"fmt"
	"sync"

	v1 "github.com/wewatchwall/stark-orchestrator/pkg/apis/v1"
	"github.com/wewatchwall/stark-orchestrator/pkg/errs"
)

// Registry is the in-memory pack catalog.
type Registry struct {
	mu    sync.RWMutex
	packs map[string]*v1.Pack // keyed by id
	byNameVersion map[string]*v1.Pack // keyed by "name@version"
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		packs:         map[string]*v1.Pack{},
		byNameVersion: map[string]*v1.Pack{},
	}
}

// Register adds a pack. Re-registering the same id is rejected since
// packs are immutable once registered (spec.md §3).
func (r *Registry) Register(p *v1.Pack) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.packs[p.Id]; ok {
		return errs.New(errs.Conflict, fmt.Sprintf("pack %s already registered", p.Id))
	}
	r.packs[p.Id] = p
	r.byNameVersion[key(p.Name, p.Version)] = p
	return nil
}

// Get looks up a pack by id.
func (r *Registry) Get(id string) (*v1.Pack, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.packs[id]
	if !ok {
		return nil, errs.New(errs.NotFound, fmt.Sprintf("pack %s not found", id))
	}
	return p, nil
}

// GetByNameVersion looks up a pack by its (name, version) pair.
func (r *Registry) GetByNameVersion(name, version string) (*v1.Pack, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byNameVersion[key(name, version)]
	if !ok {
		return nil, errs.New(errs.NotFound, fmt.Sprintf("pack %s@%s not found", name, version))
	}
	return p, nil
}

// List returns every registered pack.
func (r *Registry) List() []*v1.Pack {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*v1.Pack, 0, len(r.packs))
	for _, p := range r.packs {
		out = append(out, p)
	}
	return out
}

func key(name, version string) string { return name + "@" + version }
