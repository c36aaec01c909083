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
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nimbusvol/volumedriver/internal/model"
	"github.com/nimbusvol/volumedriver/internal/util/log"
)

var clientRingOccupancy = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "volumedriver",
	Subsystem: "dtl_client",
	Name:      "ring_occupancy",
	Help:      "In-flight not-yet-acked write descriptors held by the DTL client, by volume.",
}, []string{"volume"})

func init() {
	prometheus.MustRegister(clientRingOccupancy)
}

// DegradedFunc is invoked once when the client transitions from a synced
// state to StateDegraded (spec.md §4.7: "invokes a degraded_callback
// registered by the volume").
type DegradedFunc func()

// Client is the per-volume DTL forwarder of spec.md §4.7. A Client with
// Mode StandaloneMode or an empty Config.Address never dials a peer and
// stays in StateOKStandalone.
type Client struct {
	volume string
	cfg    Config

	mu       sync.Mutex
	state    State
	nc       net.Conn
	wire     *conn
	degraded DegradedFunc

	ring chan struct{} // bounds in-flight entries at cfg.MaxEntries

	stop   chan struct{}
	stopWg sync.WaitGroup
}

// New creates a Client for volume. Call Initialize to register the degraded
// callback and, for a non-standalone Mode, attempt the first connection.
func New(volume string, cfg Config) *Client {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 1024
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = DefaultHealthCheckInterval
	}

	state := StateOKStandalone
	if cfg.Mode != StandaloneMode && cfg.Address != "" {
		state = StateDegraded // corrected to StateOKSync once Initialize dials successfully
	}

	return &Client{
		volume: volume,
		cfg:    cfg,
		state:  state,
		ring:   make(chan struct{}, cfg.MaxEntries),
		stop:   make(chan struct{}),
	}
}

// Initialize registers degraded and, if configured with a peer, dials it and
// starts the background health-check loop.
func (c *Client) Initialize(degraded DegradedFunc) {
	c.mu.Lock()
	c.degraded = degraded
	c.mu.Unlock()

	if c.cfg.Mode == StandaloneMode || c.cfg.Address == "" {
		return
	}

	if err := c.connect(); err != nil {
		log.WarningLogMsg("dtl: client %s: initial connect to %s failed: %s", c.volume, c.cfg.Address, err)
	}

	c.stopWg.Add(1)
	go c.healLoop()
}

// Mode reports the client's current runtime replication state.
func (c *Client) Mode() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

func (c *Client) connect() error {
	nc, err := net.DialTimeout("tcp", c.cfg.Address, c.cfg.RequestTimeout)
	if err != nil {
		return err
	}

	w := newConn(nc)
	if err := w.writeFrame(frameRegister, registerFrame{Namespace: c.volume}); err != nil {
		nc.Close()

		return err
	}
	if _, err := ackReply(w); err != nil {
		nc.Close()

		return err
	}

	c.mu.Lock()
	c.nc = nc
	c.wire = w
	if c.cfg.Mode == Synchronous || c.cfg.Mode == Asynchronous {
		c.state = StateOKSync
	}
	c.mu.Unlock()

	return nil
}

func ackReply(w *conn) (ackFrame, error) {
	kind, body, err := w.readFrame()
	if err != nil {
		return ackFrame{}, err
	}
	if kind != frameAck {
		return ackFrame{}, fmt.Errorf("dtl: unexpected frame kind %d, want ack", kind)
	}
	var a ackFrame
	if err := decodeFrame(body, &a); err != nil {
		return ackFrame{}, err
	}
	if !a.OK {
		return a, fmt.Errorf("dtl: peer: %s", a.Err)
	}

	return a, nil
}

// degrade transitions to StateDegraded, invokes the registered callback once
// per transition, and closes the dead connection.
func (c *Client) degrade(cause error) {
	c.mu.Lock()
	wasSynced := c.state == StateOKSync
	c.state = StateDegraded
	if c.nc != nil {
		c.nc.Close()
		c.nc = nil
		c.wire = nil
	}
	fn := c.degraded
	c.mu.Unlock()

	if wasSynced {
		log.WarningLogMsg("dtl: client %s: degraded: %s", c.volume, cause)
		if fn != nil {
			fn()
		}
	}
}

// AddEntries forwards a run of cluster writes to the peer. In Synchronous
// mode it blocks until the peer acks; in Asynchronous mode it returns once
// the frame is written. Standalone and Degraded clients never touch the
// network. The ring buffer blocks the caller once cfg.MaxEntries in-flight
// descriptors are outstanding (spec.md §4.7: "overflow blocks the
// producer").
func (c *Client) AddEntries(ctx context.Context, startAddr uint64, locs []model.ClusterLocation, payload []byte) error {
	select {
	case c.ring <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	clientRingOccupancy.WithLabelValues(c.volume).Inc()
	defer func() {
		<-c.ring
		clientRingOccupancy.WithLabelValues(c.volume).Dec()
	}()

	c.mu.Lock()
	state, w := c.state, c.wire
	c.mu.Unlock()

	if state != StateOKSync || w == nil {
		return nil // standalone or degraded: write proceeds locally only
	}

	wire := make([]locationWire, len(locs))
	for i, l := range locs {
		wire[i] = locationWire{SCONumber: l.SCONumber, CloneID: l.CloneID, Offset: l.Offset}
	}

	f := addEntriesFrame{Namespace: c.volume, StartAddress: startAddr, Locations: wire, Payload: payload}
	if err := w.writeFrame(frameAddEntries, f); err != nil {
		// spec.md §4.1: a DTL failure in Synchronous mode triggers
		// OK_SYNC -> DEGRADED rather than failing the write; the write
		// proceeds as local-only from here.
		c.degrade(err)

		return nil
	}

	if c.cfg.Mode == Asynchronous {
		return nil
	}

	if _, err := ackReply(w); err != nil {
		c.degrade(err)

		return nil
	}

	return nil
}

// Flush fsyncs the peer's log for this volume.
func (c *Client) Flush(ctx context.Context) error {
	return c.roundTrip(flushFrame{Namespace: c.volume}, frameFlush)
}

// Clear discards the peer's entire log for this volume.
func (c *Client) Clear(ctx context.Context) error {
	return c.roundTrip(clearFrame{Namespace: c.volume}, frameClear)
}

// RemoveUpTo tells the peer every entry at or before sco's checkpoint may be
// reclaimed -- called once the corresponding TLog upload is confirmed on
// the backend (spec.md §4.6 step 4).
func (c *Client) RemoveUpTo(ctx context.Context, sco string) error {
	return c.roundTrip(removeUpToFrame{Namespace: c.volume, SCO: sco}, frameRemoveUpTo)
}

func (c *Client) roundTrip(body interface{}, kind frameKind) error {
	c.mu.Lock()
	w := c.wire
	c.mu.Unlock()
	if w == nil {
		return nil // standalone/degraded: nothing to forward
	}

	if err := w.writeFrame(kind, body); err != nil {
		c.degrade(err)

		return nil
	}
	if _, err := ackReply(w); err != nil {
		c.degrade(err)

		return nil
	}

	return nil
}

// GetSCOFromFailover replays every entry the peer recorded after sco,
// calling processor for each reconstructed (addr, location, hash) entry in
// order -- spec.md §4.7, testable property 7 "DTL replay equivalence."
func (c *Client) GetSCOFromFailover(ctx context.Context, sco string, processor func(model.Entry) error) (uint64, error) {
	c.mu.Lock()
	w := c.wire
	c.mu.Unlock()
	if w == nil {
		return 0, fmt.Errorf("dtl: client %s: no peer connection to replay from", c.volume)
	}

	if err := w.writeFrame(frameGetSCO, getSCOFrame{Namespace: c.volume, SCO: sco}); err != nil {
		c.degrade(err)

		return 0, err
	}

	kind, body, err := w.readFrame()
	if err != nil {
		c.degrade(err)

		return 0, err
	}
	if kind != frameSCOData {
		return 0, fmt.Errorf("dtl: unexpected frame kind %d, want sco data", kind)
	}
	var data scoDataFrame
	if err := decodeFrame(body, &data); err != nil {
		return 0, err
	}

	var n uint64
	for _, batch := range data.Entries {
		for _, e := range entriesToModel(batch) {
			if err := processor(e); err != nil {
				return n, err
			}
			n++
		}
	}

	return n, nil
}

// healLoop periodically retries the peer while degraded, restoring
// StateOKSync on success (spec.md §4.7: "periodic health-checks attempt to
// re-establish sync").
func (c *Client) healLoop() {
	defer c.stopWg.Done()

	ticker := time.NewTicker(c.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			needsReconnect := c.state == StateDegraded
			c.mu.Unlock()
			if !needsReconnect {
				continue
			}
			if err := c.connect(); err != nil {
				log.DebugLogMsg("dtl: client %s: health check reconnect to %s failed: %s", c.volume, c.cfg.Address, err)

				continue
			}
			log.WarningLogMsg("dtl: client %s: reconnected to %s, restored to %s", c.volume, c.cfg.Address, c.Mode())
		}
	}
}

// Destroy stops the health-check loop and closes the peer connection.
func (c *Client) Destroy() {
	close(c.stop)
	c.stopWg.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nc != nil {
		c.nc.Close()
	}
}
