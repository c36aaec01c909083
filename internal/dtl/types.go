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

// Package dtl implements the Distributed Transaction Log client/server pair
// of spec.md §4.7/§4.8: a synchronous replication cache that holds
// not-yet-uploaded writes on a peer node and replays them on recovery.
package dtl

import "time"

// Mode is the replication configuration a volume is set up with, mirroring
// DtlMode in the teacher domain's DtlClientInterface.h.
type Mode int

const (
	// Synchronous forwards every write to the peer and waits for its ack
	// before the local write is acknowledged.
	Synchronous Mode = iota
	// Asynchronous forwards writes without waiting for the peer's ack.
	Asynchronous
	// StandaloneMode runs with no configured peer at all.
	StandaloneMode
)

func (m Mode) String() string {
	switch m {
	case Synchronous:
		return "synchronous"
	case Asynchronous:
		return "asynchronous"
	case StandaloneMode:
		return "standalone"
	default:
		return "unknown"
	}
}

// State is the client's current runtime replication state, distinct from
// the configured Mode: a Synchronous-mode client degrades to StateDegraded
// at runtime without its Mode changing (spec.md §4.1: "OK_SYNC -> DEGRADED").
type State int

const (
	// StateOKSync is fully synchronous: every write is durable on the peer
	// before being acknowledged locally.
	StateOKSync State = iota
	// StateOKStandalone is the steady state of a client configured with
	// StandaloneMode: no peer, writes never leave the local node.
	StateOKStandalone
	// StateDegraded means a configured peer exists but the last attempt to
	// reach it failed; writes proceed locally until a health-check
	// reconnects.
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateOKSync:
		return "ok_sync"
	case StateOKStandalone:
		return "ok_standalone"
	case StateDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// Config configures a Client.
type Config struct {
	Mode Mode
	// Address is the DTL server's "host:port"; empty for StandaloneMode.
	Address string
	// MaxEntries bounds the client's in-memory ring of not-yet-acked
	// write descriptors; AddEntries blocks once it is full (spec.md
	// §4.7).
	MaxEntries int
	// RequestTimeout bounds every RPC to the peer.
	RequestTimeout time.Duration
	// HealthCheckInterval is how often a Degraded client retries the
	// peer.
	HealthCheckInterval time.Duration
}

// DefaultRequestTimeout matches DtlClientInterface::getDefaultRequestTimeout.
const DefaultRequestTimeout = 60 * time.Second

// DefaultHealthCheckInterval is the periodic reconnection attempt cadence
// for a Degraded client (spec.md §4.7: "Periodic health-checks attempt to
// re-establish sync").
const DefaultHealthCheckInterval = 5 * time.Second
