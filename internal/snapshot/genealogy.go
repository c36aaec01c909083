/*
Copyright 2024 The VolumeDriver Authors.

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

package snapshot

import (
	"sync"

	"github.com/google/uuid"
)

// parentKey identifies a (namespace, snapshot) pair a clone was created
// from.
type parentKey struct {
	namespace string
	snapshot  uuid.UUID
}

// Genealogy is the process-wide record of clone parentage spec.md §3
// requires to enforce "a snapshot with live children must not be deleted or
// rolled back past": a namespace has no notion of its own children, so that
// bookkeeping has to live above any single volume. This is the same kind of
// process-wide service spec.md §9's "global mutable state" design note
// describes for the cluster/SCO caches, scoped narrowly to clone edges; a
// volume-owning registry (internal/registry) holds one instance shared by
// every Manager.
type Genealogy struct {
	mu       sync.Mutex
	children map[parentKey]map[string]bool // parent -> set of child namespaces
}

// NewGenealogy returns an empty Genealogy.
func NewGenealogy() *Genealogy {
	return &Genealogy{children: make(map[parentKey]map[string]bool)}
}

// RegisterClone records that childNamespace was created from
// (parentNamespace, parentSnapshot).
func (g *Genealogy) RegisterClone(parentNamespace string, parentSnapshot uuid.UUID, childNamespace string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	k := parentKey{namespace: parentNamespace, snapshot: parentSnapshot}
	if g.children[k] == nil {
		g.children[k] = make(map[string]bool)
	}
	g.children[k][childNamespace] = true
}

// UnregisterClone removes childNamespace's clone edge, called on clone
// deletion so its parent's snapshots can be deleted/rolled back past again.
func (g *Genealogy) UnregisterClone(parentNamespace string, parentSnapshot uuid.UUID, childNamespace string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	k := parentKey{namespace: parentNamespace, snapshot: parentSnapshot}
	delete(g.children[k], childNamespace)
	if len(g.children[k]) == 0 {
		delete(g.children, k)
	}
}

// HasLiveChildren reports whether any clone was created from
// (namespace, snapshot) and has not since been unregistered.
func (g *Genealogy) HasLiveChildren(namespace string, snapshot uuid.UUID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	return len(g.children[parentKey{namespace: namespace, snapshot: snapshot}]) > 0
}

// HasAnyLiveChildren reports whether namespace has a live clone off any of
// its snapshots. SCO reclamation (spec.md §4.5) only ever sees this
// volume's own current metadata store, not its descendants', so it cannot
// tell on its own whether a SCO it no longer references is still the only
// copy a clone depends on; this is the conservative, whole-volume gate that
// guards it.
func (g *Genealogy) HasAnyLiveChildren(namespace string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	for k, children := range g.children {
		if k.namespace == namespace && len(children) > 0 {
			return true
		}
	}

	return false
}
