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

package dtl

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nimbusvol/volumedriver/internal/model"
)

func startTestServer(t *testing.T) (*Server, string) {
	t.Helper()

	srv, err := NewServer(t.TempDir())
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	srv.ln = ln

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go srv.handle(c)
		}
	}()
	t.Cleanup(func() { srv.Close() })

	return srv, addr
}

func TestClientAddEntriesSynchronousRoundTrip(t *testing.T) {
	_, addr := startTestServer(t)

	c := New("vol1", Config{Mode: Synchronous, Address: addr, RequestTimeout: 2 * time.Second})
	c.Initialize(nil)
	defer c.Destroy()

	require.Eventually(t, func() bool { return c.Mode() == StateOKSync }, time.Second, 10*time.Millisecond)

	locs := []model.ClusterLocation{{SCONumber: 1, Offset: 0}}
	err := c.AddEntries(context.Background(), 100, locs, []byte("payload1"))
	require.NoError(t, err)
}

func TestClientDegradesWhenPeerUnreachable(t *testing.T) {
	c := New("vol1", Config{Mode: Synchronous, Address: "127.0.0.1:1", RequestTimeout: 100 * time.Millisecond})

	var degradedCalled bool
	c.Initialize(func() { degradedCalled = true })
	defer c.Destroy()

	require.Equal(t, StateDegraded, c.Mode())
	// Initialize's failed initial connect does not call the callback (no
	// prior synced state to transition away from); subsequent AddEntries
	// calls are no-ops since c.wire is nil.
	require.NoError(t, c.AddEntries(context.Background(), 0, nil, nil))
	require.False(t, degradedCalled)
}

func TestClientStandaloneNeverDials(t *testing.T) {
	c := New("vol1", Config{Mode: StandaloneMode})
	c.Initialize(nil)
	defer c.Destroy()

	require.Equal(t, StateOKStandalone, c.Mode())
	require.NoError(t, c.AddEntries(context.Background(), 0, []model.ClusterLocation{{SCONumber: 1}}, []byte("x")))
}

func TestServerRemoveUpToAndReplay(t *testing.T) {
	_, addr := startTestServer(t)

	c := New("vol1", Config{Mode: Synchronous, Address: addr, RequestTimeout: 2 * time.Second})
	c.Initialize(nil)
	defer c.Destroy()
	require.Eventually(t, func() bool { return c.Mode() == StateOKSync }, time.Second, 10*time.Millisecond)

	for i := 0; i < 3; i++ {
		locs := []model.ClusterLocation{{SCONumber: uint64(i)}}
		require.NoError(t, c.AddEntries(context.Background(), uint64(i), locs, []byte(fmt.Sprintf("p%d", i))))
	}

	var replayed []model.Entry
	n, err := c.GetSCOFromFailover(context.Background(), "", func(e model.Entry) error {
		replayed = append(replayed, e)

		return nil
	})
	require.NoError(t, err)
	require.EqualValues(t, 3, n)
	require.Len(t, replayed, 3)

	require.NoError(t, c.RemoveUpTo(context.Background(), fmt.Sprintf("%08x", uint64(1))))

	replayed = nil
	n, err = c.GetSCOFromFailover(context.Background(), "", func(e model.Entry) error {
		replayed = append(replayed, e)

		return nil
	})
	require.NoError(t, err)
	require.EqualValues(t, 1, n, "entries up to and including the removed SCO should be trimmed")
}

func TestServerClearResetsLog(t *testing.T) {
	_, addr := startTestServer(t)

	c := New("vol1", Config{Mode: Synchronous, Address: addr, RequestTimeout: 2 * time.Second})
	c.Initialize(nil)
	defer c.Destroy()
	require.Eventually(t, func() bool { return c.Mode() == StateOKSync }, time.Second, 10*time.Millisecond)

	require.NoError(t, c.AddEntries(context.Background(), 0, []model.ClusterLocation{{SCONumber: 1}}, []byte("a")))
	require.NoError(t, c.Clear(context.Background()))

	n, err := c.GetSCOFromFailover(context.Background(), "", func(model.Entry) error { return nil })
	require.NoError(t, err)
	require.EqualValues(t, 0, n)
}
