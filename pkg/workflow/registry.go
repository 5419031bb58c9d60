// Copyright 2025 Tom Barlow
//
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

package workflow

import (
	"sort"
	"sync"

	"github.com/tombee/openworkflow/pkg/errors"
)

// WorkflowConfig declares a workflow for DeclareWorkflow / DefineWorkflow.
type WorkflowConfig struct {
	// Name selects the workflow. Required.
	Name string

	// Version distinguishes co-deployed revisions of the same name.
	// Empty registers the unversioned entry.
	Version string

	// Schema, when set, validates and normalizes input at enqueue time.
	Schema Schema
}

// Spec is the declared identity of a workflow: a plain value carrying the
// name, version, and input schema. Declaring is side-effect free; a spec
// becomes runnable once a client implements it.
type Spec struct {
	Name    string
	Version string
	Schema  Schema
}

// DeclareWorkflow builds a Spec from its config. It performs no
// registration and never fails; validation happens when the spec is
// implemented or run.
func DeclareWorkflow(cfg WorkflowConfig) *Spec {
	return &Spec{Name: cfg.Name, Version: cfg.Version, Schema: cfg.Schema}
}

// Definition pairs an implemented spec with its function. Definitions are
// created through Client.ImplementWorkflow / Client.DefineWorkflow.
type Definition struct {
	spec   *Spec
	fn     WorkflowFunc
	client *Client
}

// Spec returns the declared identity of this definition.
func (d *Definition) Spec() *Spec {
	return d.spec
}

// Registry maps (name, version) pairs to workflow definitions within one
// process. Lookups are exact-match.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Definition
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Definition)}
}

// registryKey is "name" for unversioned entries, "name@version" otherwise.
func registryKey(name, version string) string {
	if version == "" {
		return name
	}
	return name + "@" + version
}

// Register adds a definition. Registering the same (name, version) twice
// is a validation error.
func (r *Registry) Register(def *Definition) error {
	if def == nil || def.spec == nil {
		return &errors.ValidationError{Field: "definition", Message: "definition is required"}
	}
	if def.spec.Name == "" {
		return &errors.ValidationError{Field: "name", Message: "workflow name is required"}
	}
	if def.fn == nil {
		return &errors.ValidationError{Field: "fn", Message: "workflow function is required"}
	}

	key := registryKey(def.spec.Name, def.spec.Version)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[key]; exists {
		return &errors.ValidationError{
			Field:      "name",
			Message:    "workflow " + key + " is already registered",
			Suggestion: "register each (name, version) pair once per process",
		}
	}
	r.entries[key] = def
	return nil
}

// Lookup finds the definition for a run's (name, version) selector. A nil
// or empty version targets the unversioned entry.
func (r *Registry) Lookup(name string, version *string) (*Definition, bool) {
	v := ""
	if version != nil {
		v = *version
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.entries[registryKey(name, v)]
	return def, ok
}

// Names returns the registered keys, for logging and diagnostics.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for key := range r.entries {
		names = append(names, key)
	}
	sort.Strings(names)
	return names
}
