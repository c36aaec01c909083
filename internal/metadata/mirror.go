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

package metadata

import (
	"fmt"
	"sync"

	"github.com/nimbusvol/volumedriver/internal/model"
	"github.com/nimbusvol/volumedriver/internal/util/log"
)

// NodeConfig names one remote metadata server candidate in a mirrored
// store's node list (spec.md §4.4's `MDSNodeConfig`).
type NodeConfig struct {
	Host string
	Port int
}

// RemoteJournal is the narrow contract a mirrored store's slaves speak: a
// write-only journal that can also replay relocations during catch-up. A
// real implementation would be a gRPC client against internal/controlplane;
// this package only defines the seam, matching the out-of-scope boundary
// spec.md §1 draws around the cluster membership/RPC surface.
type RemoteJournal interface {
	Apply(entries []model.Entry) error
	ApplyRelocations(scrubID uint64, cloneID uint32, relocations []Relocation) error
	Address() NodeConfig
}

// MirroredStore wraps a local Store as the active master alongside a list
// of NodeConfig candidates and their slave journals; nodes[0] is the
// initial master (spec.md §4.4). Mutations made through the embedded Store
// are not forwarded: only entries passed to Replicate reach the slaves,
// relocations are never replicated, and no catch-up replay runs when
// mastership moves.
type MirroredStore struct {
	Store

	mu      sync.Mutex
	nodes   []NodeConfig
	slaves  []RemoteJournal
	masterI int
}

// NewMirroredStore wraps local as master and registers slaves, in node-list
// order; nodes[0] is the initial master.
func NewMirroredStore(local Store, nodes []NodeConfig, slaves []RemoteJournal) *MirroredStore {
	return &MirroredStore{Store: local, nodes: nodes, slaves: slaves}
}

// Replicate streams entries already applied to the local master store out
// to every slave, best-effort: a slave write failure is logged but does not
// fail the call, since the local master remains the source of truth until a
// failover.
func (m *MirroredStore) Replicate(entries []model.Entry) {
	for _, slave := range m.slaves {
		if err := slave.Apply(entries); err != nil {
			log.WarningLogMsg("metadata: mds slave %v fell behind: %s", slave.Address(), err)
		}
	}
}

// Promote moves mastership to the next node in list order and returns it,
// without probing whether either node is reachable. It returns an error
// when no node follows the current master.
func (m *MirroredStore) Promote() (NodeConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.masterI+1 >= len(m.nodes) {
		return NodeConfig{}, fmt.Errorf("metadata: no further mds candidates after %v", m.nodes[m.masterI])
	}
	m.masterI++
	next := m.nodes[m.masterI]
	log.WarningLogMsg("metadata: mds master failed over to %s:%d", next.Host, next.Port)

	return next, nil
}

// Master returns the currently active master node config.
func (m *MirroredStore) Master() NodeConfig {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.nodes[m.masterI]
}
