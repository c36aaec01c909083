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

package backend

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/nimbusvol/volumedriver/internal/util"
)

// LocalConnection is a POSIX-filesystem-backed Interface, one directory per
// namespace and one regular file per object, modeled on the teacher
// repository's local backend connection.
type LocalConnection struct {
	root string

	mu sync.Mutex
	sf singleflight.Group // dedupes concurrent Get calls for the same namespace/object
}

var _ Interface = (*LocalConnection)(nil)

// NewLocalConnection returns a LocalConnection rooted at root. root is
// created if it does not already exist.
func NewLocalConnection(root string) (*LocalConnection, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}

	return &LocalConnection{root: root}, nil
}

// Kind implements Interface.
func (c *LocalConnection) Kind() Kind { return Local }

func (c *LocalConnection) nsPath(ns string) string {
	return filepath.Join(c.root, ns)
}

func (c *LocalConnection) objectPath(ns, name string) string {
	return filepath.Join(c.nsPath(ns), name)
}

// CreateNamespace implements Interface.
func (c *LocalConnection) CreateNamespace(_ context.Context, ns string, mustNotExist bool) error {
	p := c.nsPath(ns)
	if mustNotExist {
		if _, err := os.Stat(p); err == nil {
			return util.NewErrFileExists(ns, errors.New("namespace already exists"))
		}
	}

	return os.MkdirAll(p, 0o755)
}

// DeleteNamespace implements Interface.
func (c *LocalConnection) DeleteNamespace(_ context.Context, ns string) error {
	return os.RemoveAll(c.nsPath(ns))
}

// NamespaceExists implements Interface.
func (c *LocalConnection) NamespaceExists(_ context.Context, ns string) (bool, error) {
	_, err := os.Stat(c.nsPath(ns))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}

	return false, err
}

// Put implements Interface.
func (c *LocalConnection) Put(_ context.Context, ns, name string, data []byte, overwrite bool, checksum uint32) error {
	if checksum != 0 && Checksum(data) != checksum {
		return util.NewErrFileExists(name, errors.New("checksum mismatch on put"))
	}

	p := c.objectPath(ns, name)
	if !overwrite {
		c.mu.Lock()
		_, err := os.Stat(p)
		exists := err == nil
		c.mu.Unlock()
		if exists {
			return util.NewErrFileExists(name, errors.New("object already exists and overwrite is false"))
		}
	}

	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil { //nolint:gosec
		return err
	}

	return os.Rename(tmp, p)
}

// Get implements Interface.
func (c *LocalConnection) Get(_ context.Context, ns, name string) ([]byte, error) {
	key := ns + "/" + name
	v, err, _ := c.sf.Do(key, func() (interface{}, error) {
		data, err := os.ReadFile(c.objectPath(ns, name)) //nolint:gosec
		if err != nil {
			if os.IsNotExist(err) {
				return nil, util.NewErrObjectNotFound(name, err)
			}

			return nil, err
		}

		return data, nil
	})
	if err != nil {
		return nil, err
	}

	return v.([]byte), nil
}

// Delete implements Interface.
func (c *LocalConnection) Delete(_ context.Context, ns, name string, mayNotExist bool) error {
	err := os.Remove(c.objectPath(ns, name))
	if err != nil && os.IsNotExist(err) && mayNotExist {
		return nil
	}

	return err
}

// Exists implements Interface.
func (c *LocalConnection) Exists(_ context.Context, ns, name string) (bool, error) {
	_, err := os.Stat(c.objectPath(ns, name))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}

	return false, err
}

// List implements Interface.
func (c *LocalConnection) List(_ context.Context, ns, prefix string) ([]string, error) {
	entries, err := os.ReadDir(c.nsPath(ns))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, err
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) == ".tmp" {
			continue
		}
		if len(prefix) == 0 || (len(e.Name()) >= len(prefix) && e.Name()[:len(prefix)] == prefix) {
			names = append(names, e.Name())
		}
	}

	return names, nil
}

// Info implements Interface.
func (c *LocalConnection) Info(_ context.Context, ns, name string) (ObjectInfo, error) {
	data, err := os.ReadFile(c.objectPath(ns, name)) //nolint:gosec
	if err != nil {
		if os.IsNotExist(err) {
			return ObjectInfo{}, util.NewErrObjectNotFound(name, err)
		}

		return ObjectInfo{}, err
	}

	return ObjectInfo{Size: uint64(len(data)), Checksum: Checksum(data)}, nil
}
