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

package backendtasks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBarrierDrainsPrecedingTasks(t *testing.T) {
	p := New("vol1", 4)
	defer p.Close()

	var running int32
	var maxRunning int32
	var scosDone int32
	release := make(chan struct{})

	for i := 0; i < 5; i++ {
		p.Enqueue(&Task{
			Kind: WriteSCO,
			Execute: func(ctx context.Context) error {
				n := atomic.AddInt32(&running, 1)
				for {
					old := atomic.LoadInt32(&maxRunning)
					if n <= old || atomic.CompareAndSwapInt32(&maxRunning, old, n) {
						break
					}
				}
				<-release
				atomic.AddInt32(&running, -1)
				atomic.AddInt32(&scosDone, 1)

				return nil
			},
		})
	}

	barrierRan := make(chan int32, 1)
	p.Enqueue(&Task{
		Kind: WriteTLog,
		Execute: func(ctx context.Context) error {
			barrierRan <- atomic.LoadInt32(&scosDone)

			return nil
		},
	})

	time.Sleep(50 * time.Millisecond)
	close(release)

	select {
	case n := <-barrierRan:
		require.EqualValues(t, 5, n, "barrier task must run only after every preceding WriteSCO task completes")
	case <-time.After(5 * time.Second):
		t.Fatal("barrier task never ran")
	}
}

func TestRetryBudgetExhaustionCallsOnTerminalFailure(t *testing.T) {
	p := New("vol1", 2)
	defer p.Close()

	var attempts int32
	failure := make(chan error, 1)

	p.Enqueue(&Task{
		Kind: WriteSCO,
		Execute: func(ctx context.Context) error {
			atomic.AddInt32(&attempts, 1)

			return errors.New("boom")
		},
		OnTerminalFailure: func(err error) {
			failure <- err
		},
	})

	select {
	case err := <-failure:
		require.Error(t, err)
		require.EqualValues(t, retryBudget(WriteSCO), atomic.LoadInt32(&attempts))
	case <-time.After(20 * time.Second):
		t.Fatal("OnTerminalFailure never called")
	}
}

func TestVanishedTLogIsDroppedNotRetried(t *testing.T) {
	p := New("vol1", 2)
	defer p.Close()

	var attempts int32
	done := make(chan struct{})

	p.Enqueue(&Task{
		Kind: WriteTLog,
		Execute: func(ctx context.Context) error {
			n := atomic.AddInt32(&attempts, 1)
			if n == 1 {
				close(done)
			}

			return errors.New("open source tlog: no such file or directory")
		},
		Vanished: func() bool { return true },
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("task never executed")
	}

	time.Sleep(200 * time.Millisecond)
	require.EqualValues(t, 1, atomic.LoadInt32(&attempts), "vanished TLog task must be dropped, not retried")
}

func TestCloseDrainsInFlightWork(t *testing.T) {
	p := New("vol1", 4)

	var wg sync.WaitGroup
	var completed int32
	wg.Add(3)
	for i := 0; i < 3; i++ {
		p.Enqueue(&Task{
			Kind: WriteSCO,
			Execute: func(ctx context.Context) error {
				defer wg.Done()
				time.Sleep(20 * time.Millisecond)
				atomic.AddInt32(&completed, 1)

				return nil
			},
		})
	}

	require.NoError(t, p.Close())
	wg.Wait()
	require.EqualValues(t, 3, atomic.LoadInt32(&completed))
}
