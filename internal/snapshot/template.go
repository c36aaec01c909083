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
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/nimbusvol/volumedriver/internal/manifest"
)

// SetAsTemplate implements spec.md §4.5 setAsTemplate: creates a terminal
// snapshot, drops every earlier snapshot, and marks the volume read-only so
// clones may only be created from the template snapshot. Idempotent
// (testable property 5): calling it a second time on an already-read-only
// volume is a no-op.
func (m *Manager) SetAsTemplate(ctx context.Context, name string, meta []byte, id uuid.UUID) error {
	m.mu.Lock()
	if m.m.ReadOnly {
		m.mu.Unlock()

		return nil
	}
	m.mu.Unlock()

	if err := m.CreateSnapshot(ctx, name, meta, id, false); err != nil {
		return fmt.Errorf("snapshot: set as template: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	terminal := m.m.SnapshotByName(name)
	dropped := make([]manifest.Snapshot, 0, len(m.m.Snapshots)-1)
	for _, s := range m.m.Snapshots {
		if s.Name != name {
			dropped = append(dropped, s)
		}
	}
	m.m.Snapshots = []manifest.Snapshot{*terminal}
	m.m.ReadOnly = true

	for _, s := range dropped {
		for _, ref := range s.TLogs {
			m.enqueueTLogDelete(ref.ID)
		}
	}
	m.enqueueManifestSave(ctx)

	return nil
}
