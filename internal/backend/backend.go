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

// Package backend implements the narrow object-namespace contract every
// volume is built on top of (spec.md §2, §6): per-object put/get/delete with
// optional checksum verification and overwrite semantics, one namespace per
// volume.
package backend

import (
	"context"
	"hash/crc32"
)

// Kind tags which concrete Interface implementation backs a namespace,
// replacing runtime polymorphism over backend drivers with a closed
// enumeration (spec.md §9, "Dynamic dispatch over backend/metadata
// variants").
type Kind int

const (
	// Local is a POSIX-filesystem-backed namespace, one directory per
	// namespace and one file per object.
	Local Kind = iota
	// Multi round-robins get/list across a set of child Interfaces and
	// fans put/delete out to all of them; used to mirror a namespace
	// across more than one physical backend.
	Multi
)

func (k Kind) String() string {
	switch k {
	case Local:
		return "local"
	case Multi:
		return "multi"
	default:
		return "unknown"
	}
}

// ObjectInfo describes a stored object without fetching its payload.
type ObjectInfo struct {
	Size     uint64
	Checksum uint32
}

// Interface is the Backend Interface of spec.md §2: a namespace of opaque,
// immutable-on-write objects (the `snapshots` object is the sole exception,
// overwritten in place per spec.md §6).
type Interface interface {
	// Kind reports the concrete implementation, for logging/metrics.
	Kind() Kind

	// CreateNamespace creates ns. mustNotExist controls whether a
	// pre-existing namespace is an error.
	CreateNamespace(ctx context.Context, ns string, mustNotExist bool) error
	// DeleteNamespace removes ns and every object within it.
	DeleteNamespace(ctx context.Context, ns string) error
	// NamespaceExists reports whether ns has been created.
	NamespaceExists(ctx context.Context, ns string) (bool, error)

	// Put stores data under name in ns. If overwrite is false and the
	// object already exists, returns util.ErrFileExists. If checksum is
	// non-zero, the backend verifies it against the written bytes and
	// returns an error on mismatch.
	Put(ctx context.Context, ns, name string, data []byte, overwrite bool, checksum uint32) error
	// Get fetches the payload of name in ns. Returns util.ErrObjectNotFound
	// if absent.
	Get(ctx context.Context, ns, name string) ([]byte, error)
	// Delete removes name from ns. If mayNotExist, a missing object is not
	// an error (idempotent delete, spec.md §4.5/§4.6).
	Delete(ctx context.Context, ns, name string, mayNotExist bool) error
	// Exists reports whether name is present in ns.
	Exists(ctx context.Context, ns, name string) (bool, error)
	// List returns every object name in ns with the given prefix.
	List(ctx context.Context, ns, prefix string) ([]string, error)
	// Info returns size and checksum for name in ns.
	Info(ctx context.Context, ns, name string) (ObjectInfo, error)
}

// Checksum computes the CRC32 (IEEE) of data, the checksum algorithm used
// throughout the object naming scheme of spec.md §6.
func Checksum(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

// Object naming, spec.md §6.
const (
	// ManifestObject is the one object ever overwritten in place.
	ManifestObject = "snapshots"
	// TLogPrefix prefixes a sealed TLog's object name.
	TLogPrefix = "tlog_"
	// ScrubPrefix prefixes scrubber work/result artifacts.
	ScrubPrefix = "scrub_"
)
