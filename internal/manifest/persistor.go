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

package manifest

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nimbusvol/volumedriver/internal/backend"
	"github.com/nimbusvol/volumedriver/internal/util"
)

// generationRecord is the small crash-safe stash kept in the node cache
// alongside the backend-of-record manifest, so a restart can tell whether
// the last local write actually reached the backend (spec.md §4.5: "the
// local manifest may lead the backend by exactly one in-flight upload").
type generationRecord struct {
	Generation uint64 `json:"generation"`
}

// Persistor loads and saves a volume's manifest against the backend,
// stashing the last-synced generation locally via a util.CachePersister
// (spec.md §6: "snapshots" is the only object ever overwritten in place).
type Persistor struct {
	be    backend.Interface
	ns    string
	cache util.CachePersister

	generation uint64
}

// NewPersistor returns a Persistor for namespace ns, stashing generation
// bookkeeping in cache under ns.
func NewPersistor(be backend.Interface, ns string, cache util.CachePersister) *Persistor {
	return &Persistor{be: be, ns: ns, cache: cache}
}

// Load fetches and decodes the manifest from the backend.
func (p *Persistor) Load(ctx context.Context) (*Manifest, error) {
	data, err := p.be.Get(ctx, p.ns, backend.ManifestObject)
	if err != nil {
		return nil, err
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest: decode: %w", err)
	}

	var rec generationRecord
	if err := p.cache.Get(p.ns, &rec); err == nil {
		p.generation = rec.Generation
	}

	return &m, nil
}

// Save encodes and overwrites the manifest on the backend, then bumps and
// stashes the local generation counter. Saving is always a barrier task in
// the backend task pipeline (spec.md §4.6); Persistor itself does not
// enforce ordering, callers (internal/backendtasks) do.
func (p *Persistor) Save(ctx context.Context, m *Manifest) error {
	m.SchemaVersion = SchemaVersion

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("manifest: encode: %w", err)
	}

	if err := p.be.Put(ctx, p.ns, backend.ManifestObject, data, true, backend.Checksum(data)); err != nil {
		return err
	}

	p.generation++
	if err := p.cache.Create(p.ns, generationRecord{Generation: p.generation}); err != nil {
		return fmt.Errorf("manifest: stash generation: %w", err)
	}

	return nil
}

// Generation returns the last-saved local generation counter.
func (p *Persistor) Generation() uint64 {
	return p.generation
}
