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
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// MultiConnection fans writes out to every child Interface and round-robins
// reads across them, replacing the teacher domain's dynamic dispatch over
// backend variants with the `Multi` Kind of spec.md §9.
type MultiConnection struct {
	children []Interface
	next     uint64
}

var _ Interface = (*MultiConnection)(nil)

// NewMultiConnection returns a MultiConnection over children. At least one
// child is required.
func NewMultiConnection(children ...Interface) (*MultiConnection, error) {
	if len(children) == 0 {
		return nil, errors.New("multi backend requires at least one child")
	}

	return &MultiConnection{children: children}, nil
}

// Kind implements Interface.
func (m *MultiConnection) Kind() Kind { return Multi }

func (m *MultiConnection) pick() Interface {
	i := atomic.AddUint64(&m.next, 1)

	return m.children[i%uint64(len(m.children))]
}

func (m *MultiConnection) fanOut(f func(Interface) error) error {
	g := errgroup.Group{}
	for _, child := range m.children {
		child := child
		g.Go(func() error { return f(child) })
	}

	return g.Wait()
}

// CreateNamespace implements Interface.
func (m *MultiConnection) CreateNamespace(ctx context.Context, ns string, mustNotExist bool) error {
	return m.fanOut(func(c Interface) error { return c.CreateNamespace(ctx, ns, mustNotExist) })
}

// DeleteNamespace implements Interface.
func (m *MultiConnection) DeleteNamespace(ctx context.Context, ns string) error {
	return m.fanOut(func(c Interface) error { return c.DeleteNamespace(ctx, ns) })
}

// NamespaceExists implements Interface.
func (m *MultiConnection) NamespaceExists(ctx context.Context, ns string) (bool, error) {
	return m.pick().NamespaceExists(ctx, ns)
}

// Put implements Interface.
func (m *MultiConnection) Put(ctx context.Context, ns, name string, data []byte, overwrite bool, checksum uint32) error {
	return m.fanOut(func(c Interface) error { return c.Put(ctx, ns, name, data, overwrite, checksum) })
}

// Get implements Interface.
func (m *MultiConnection) Get(ctx context.Context, ns, name string) ([]byte, error) {
	return m.pick().Get(ctx, ns, name)
}

// Delete implements Interface.
func (m *MultiConnection) Delete(ctx context.Context, ns, name string, mayNotExist bool) error {
	return m.fanOut(func(c Interface) error { return c.Delete(ctx, ns, name, mayNotExist) })
}

// Exists implements Interface.
func (m *MultiConnection) Exists(ctx context.Context, ns, name string) (bool, error) {
	return m.pick().Exists(ctx, ns, name)
}

// List implements Interface.
func (m *MultiConnection) List(ctx context.Context, ns, prefix string) ([]string, error) {
	return m.pick().List(ctx, ns, prefix)
}

// Info implements Interface.
func (m *MultiConnection) Info(ctx context.Context, ns, name string) (ObjectInfo, error) {
	return m.pick().Info(ctx, ns, name)
}
