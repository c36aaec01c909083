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

package heartbeat

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nimbusvol/volumedriver/internal/backend"
)

type fakeLockStore struct {
	grant atomic.Bool
}

func (f *fakeLockStore) GrabLock(_ context.Context, _ string) (bool, error) {
	return f.grant.Load(), nil
}

func TestHeartBeatCallsFinishOnLoss(t *testing.T) {
	store := &fakeLockStore{}
	store.grant.Store(false)

	finished := make(chan struct{})
	hb := New("vol1", store, "node-a", 10*time.Millisecond, func() { close(finished) })
	hb.Start(context.Background())

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("finish callback was not invoked after losing the lock")
	}
}

func TestHeartBeatStopIsClean(t *testing.T) {
	store := &fakeLockStore{}
	store.grant.Store(true)

	called := false
	hb := New("vol1", store, "node-a", 10*time.Millisecond, func() { called = true })
	hb.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	hb.Stop()
	require.False(t, called)
}

func TestBackendLockStoreGrabLock(t *testing.T) {
	ctx := context.Background()
	be, err := backend.NewLocalConnection(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, be.CreateNamespace(ctx, "cluster", true))

	s := NewBackendLockStore(be, "cluster", "lock")
	ok, err := s.GrabLock(ctx, "node-a")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.GrabLock(ctx, "node-b")
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = s.GrabLock(ctx, "node-a")
	require.NoError(t, err)
	require.True(t, ok)
}
