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

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/nimbusvol/volumedriver/internal/util/log"
)

// NodeCache stores small JSON-encoded records on local disk, one file per
// identifier. Used by the manifest persistor for stashing the last-known
// manifest generation across restarts.
type NodeCache struct {
	BasePath string
	CacheDir string
}

var errDec = errors.New("file not found")

// EnsureCacheDirectory creates the cache directory if not present.
func (nc *NodeCache) EnsureCacheDirectory(cacheDir string) error {
	fullPath := path.Join(nc.BasePath, cacheDir)
	if _, err := os.Stat(fullPath); os.IsNotExist(err) {
		if err := os.MkdirAll(fullPath, 0o755); err != nil { //nolint:gomnd
			return fmt.Errorf("node-cache: failed to create %s folder: %w", fullPath, err)
		}
	}

	return nil
}

// ForAll lists the entries in the cache directory matching pattern and
// invokes f with each identifier.
func (nc *NodeCache) ForAll(pattern string, destObj interface{}, f ForAllFunc) error {
	err := nc.EnsureCacheDirectory(nc.CacheDir)
	if err != nil {
		return fmt.Errorf("node-cache: couldn't ensure cache directory exists: %w", err)
	}
	files, err := os.ReadDir(path.Join(nc.BasePath, nc.CacheDir))
	if err != nil {
		return fmt.Errorf("node-cache: failed to read %s folder: %w", nc.BasePath, err)
	}
	cachePath := path.Join(nc.BasePath, nc.CacheDir)
	for _, file := range files {
		err = decodeObj(cachePath, pattern, file.Name(), destObj)
		if errors.Is(err, errDec) {
			continue
		} else if err == nil {
			if err = f(strings.TrimSuffix(file.Name(), filepath.Ext(file.Name()))); err != nil {
				return err
			}

			continue
		}

		return err
	}

	return nil
}

func decodeObj(fpath, pattern, name string, destObj interface{}) error {
	match, err := regexp.MatchString(pattern, name)
	if err != nil || !match {
		return errDec
	}
	if !strings.HasSuffix(name, ".json") {
		return errDec
	}
	fp, err := os.Open(path.Join(fpath, name)) //nolint:gosec // path built from a fixed cache directory
	if err != nil {
		log.DebugLogMsg("node-cache: open file: %s err %v", name, err)

		return errDec
	}
	defer fp.Close()

	decoder := json.NewDecoder(fp)
	if err = decoder.Decode(destObj); err != nil {
		return fmt.Errorf("node-cache: couldn't decode file %s: %w", name, err)
	}

	return nil
}

// Create writes data as the cache entry for identifier, overwriting any prior
// entry.
func (nc *NodeCache) Create(identifier string, data interface{}) error {
	file := path.Join(nc.BasePath, nc.CacheDir, identifier+".json")
	fp, err := os.Create(file) //nolint:gosec
	if err != nil {
		return fmt.Errorf("node-cache: failed to create metadata storage file %s: %w", file, err)
	}
	defer func() {
		if cerr := fp.Close(); cerr != nil {
			log.WarningLogMsg("failed to close file %s: %v", fp.Name(), cerr)
		}
	}()

	encoder := json.NewEncoder(fp)
	if err = encoder.Encode(data); err != nil {
		return fmt.Errorf("node-cache: failed to encode metadata for file %s: %w", file, err)
	}

	return nil
}

// Get decodes the cache entry for identifier into data.
func (nc *NodeCache) Get(identifier string, data interface{}) error {
	file := path.Join(nc.BasePath, nc.CacheDir, identifier+".json")
	fp, err := os.Open(file) //nolint:gosec
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &CacheEntryNotFound{err}
		}

		return fmt.Errorf("node-cache: open error for %s: %w", file, err)
	}
	defer fp.Close()

	decoder := json.NewDecoder(fp)
	if err = decoder.Decode(data); err != nil {
		return fmt.Errorf("node-cache: decode error: %w", err)
	}

	return nil
}

// Delete removes the cache entry for identifier. Deleting a missing entry is
// not an error.
func (nc *NodeCache) Delete(identifier string) error {
	file := path.Join(nc.BasePath, nc.CacheDir, identifier+".json")
	err := os.Remove(file)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return fmt.Errorf("node-cache: error removing file %s: %w", file, err)
	}

	return nil
}
