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

package util

// ForAllFunc is a unary predicate for visiting all cache entries matching
// the pattern in CachePersister's ForAll function.
type ForAllFunc func(identifier string) error

// CacheEntryNotFound is an error type for "Not Found" cache errors.
type CacheEntryNotFound struct {
	error
}

// CachePersister is a small JSON-record store keyed by identifier. The
// manifest persistor uses it to keep the last manifest generation synced
// locally, crash-safe local bookkeeping that is distinct from the
// backend-of-record manifest.
type CachePersister interface {
	Create(identifier string, data interface{}) error
	Get(identifier string, data interface{}) error
	ForAll(pattern string, destObj interface{}, f ForAllFunc) error
	Delete(identifier string) error
}

// NewCachePersister returns a CachePersister rooted at basePath/subdir.
func NewCachePersister(basePath, subdir string) CachePersister {
	nc := &NodeCache{
		BasePath: basePath,
		CacheDir: subdir,
	}

	return nc
}
