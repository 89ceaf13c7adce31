// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package llm

import (
	"fmt"
	"sort"
)

// Registry maps adapter ids to their handlers and descriptors.
//
// A registry is populated once during single-threaded startup and is
// read-only afterwards, so lookups take no lock. Construct one per process
// (or per test) and pass it to the orchestrator.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter. Registering the same id twice, an empty id, or a
// nil handler is a programming error and panics.
func (r *Registry) Register(id string, handler Handler, desc Descriptor) {
	if id == "" {
		panic("llm: adapter id is required")
	}
	if handler == nil {
		panic(fmt.Sprintf("llm: nil handler for adapter %q", id))
	}
	if _, exists := r.adapters[id]; exists {
		panic(fmt.Sprintf("llm: adapter %q already registered", id))
	}

	desc.ID = id
	desc.Settings = append([]SettingField(nil), desc.Settings...)
	desc.Options = append([]string(nil), desc.Options...)
	r.adapters[id] = Adapter{Handler: handler, Descriptor: desc}
}

// Get returns the adapter registered under id, or a *NotFoundError.
func (r *Registry) Get(id string) (Adapter, error) {
	a, ok := r.adapters[id]
	if !ok {
		return Adapter{}, &NotFoundError{ID: id}
	}
	return a, nil
}

// Has returns true if an adapter is registered under id.
func (r *Registry) Has(id string) bool {
	_, ok := r.adapters[id]
	return ok
}

// List returns all descriptors sorted by id.
func (r *Registry) List() []Descriptor {
	out := make([]Descriptor, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a.Descriptor)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of registered adapters.
func (r *Registry) Count() int {
	return len(r.adapters)
}
