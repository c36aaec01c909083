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

package registry

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type fakeHandle struct {
	id        uuid.UUID
	ns        string
	haltCount int
	lastCause error
}

func (h *fakeHandle) ID() uuid.UUID     { return h.id }
func (h *fakeHandle) Namespace() string { return h.ns }
func (h *fakeHandle) Halt(cause error)  { h.haltCount++; h.lastCause = cause }

func TestRegisterLookupUnregister(t *testing.T) {
	r := New()
	h := &fakeHandle{id: uuid.New(), ns: "vol1"}

	require.NoError(t, r.Register(h))
	require.Equal(t, 1, r.Len())

	got, ok := r.Lookup(h.id)
	require.True(t, ok)
	require.Same(t, h, got)

	r.Unregister(h.id)
	require.Equal(t, 0, r.Len())
	_, ok = r.Lookup(h.id)
	require.False(t, ok)
}

func TestRegisterRejectsDuplicateID(t *testing.T) {
	r := New()
	id := uuid.New()
	require.NoError(t, r.Register(&fakeHandle{id: id}))
	require.Error(t, r.Register(&fakeHandle{id: id}))
}

func TestUnregisterUnknownIDIsNoOp(t *testing.T) {
	r := New()
	r.Unregister(uuid.New())
	require.Equal(t, 0, r.Len())
}

func TestHaltAllHaltsEveryRegisteredVolume(t *testing.T) {
	r := New()
	h1 := &fakeHandle{id: uuid.New()}
	h2 := &fakeHandle{id: uuid.New()}
	require.NoError(t, r.Register(h1))
	require.NoError(t, r.Register(h2))

	cause := errors.New("fencing lost")
	r.HaltAll(cause)

	require.Equal(t, 1, h1.haltCount)
	require.Equal(t, 1, h2.haltCount)
	require.Equal(t, cause, h1.lastCause)
}

func TestGenealogyIsSharedAcrossLookups(t *testing.T) {
	r := New()
	parentSnap := uuid.New()

	r.Genealogy().RegisterClone("parent-ns", parentSnap, "child-ns")
	require.True(t, r.Genealogy().HasLiveChildren("parent-ns", parentSnap))
}

func TestLocksTryAcquireRelease(t *testing.T) {
	r := New()
	require.True(t, r.Locks().TryAcquire("vol1"))
	require.False(t, r.Locks().TryAcquire("vol1"))
	r.Locks().Release("vol1")
	require.True(t, r.Locks().TryAcquire("vol1"))
}
