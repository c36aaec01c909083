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
	"bufio"
	"encoding/gob"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nimbusvol/volumedriver/internal/model"
	"github.com/nimbusvol/volumedriver/internal/util/log"
)

var serverEntriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "volumedriver",
	Subsystem: "dtl_server",
	Name:      "entries_total",
	Help:      "Cluster write descriptors accepted by the DTL server, by namespace.",
}, []string{"namespace"})

func init() {
	prometheus.MustRegister(serverEntriesTotal)
}

// Server is the DTL acceptor of spec.md §4.8: a TCP acceptor hosting one log
// writer per namespace, with at most one live writer per namespace at a
// time.
type Server struct {
	root string
	ln   net.Listener

	mu         sync.Mutex
	namespaces map[string]*namespaceLog
}

// namespaceLog is the per-namespace append log plus the in-memory window of
// entries not yet trimmed by RemoveUpTo.
type namespaceLog struct {
	mu          sync.Mutex
	clusterSize uint32
	file        *os.File
	entries     []addEntriesFrame // entries since the last RemoveUpTo checkpoint
	afterSCO    string            // SCO name entries are recorded relative to
}

// NewServer opens a DTL server rooted at root, where root holds one
// "<namespace>.dtl" log file per registered namespace.
func NewServer(root string) (*Server, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("dtl: create root %s: %w", root, err)
	}

	return &Server{root: root, namespaces: make(map[string]*namespaceLog)}, nil
}

// Serve accepts connections on addr until the listener is closed.
func (s *Server) Serve(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("dtl: listen %s: %w", addr, err)
	}
	s.ln = ln

	for {
		c, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.handle(c)
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	if s.ln == nil {
		return nil
	}

	return s.ln.Close()
}

func (s *Server) handle(nc net.Conn) {
	defer nc.Close()
	c := newConn(nc)

	var ns string
	for {
		kind, body, err := c.readFrame()
		if err != nil {
			return
		}

		switch kind {
		case frameRegister:
			var f registerFrame
			if err := decodeFrame(body, &f); err != nil {
				s.nack(c, err)

				continue
			}
			ns = f.Namespace
			s.register(ns, f.ClusterSize)
			s.ack(c, nil)

		case frameAddEntries:
			var f addEntriesFrame
			if err := decodeFrame(body, &f); err != nil {
				s.nack(c, err)

				continue
			}
			err := s.addEntries(f)
			s.ack(c, err)

		case frameFlush:
			var f flushFrame
			_ = decodeFrame(body, &f)
			s.ack(c, s.flush(f.Namespace))

		case frameClear:
			var f clearFrame
			_ = decodeFrame(body, &f)
			s.ack(c, s.clear(f.Namespace))

		case frameRemoveUpTo:
			var f removeUpToFrame
			_ = decodeFrame(body, &f)
			s.ack(c, s.removeUpTo(f.Namespace, f.SCO))

		case frameGetSCO:
			var f getSCOFrame
			if err := decodeFrame(body, &f); err != nil {
				s.nack(c, err)

				continue
			}
			entries, err := s.getSCO(f.Namespace, f.SCO)
			if err != nil {
				s.nack(c, err)

				continue
			}
			_ = c.writeFrame(frameSCOData, scoDataFrame{Entries: entries})

		default:
			log.WarningLogMsg("dtl: server: unknown frame kind %d", kind)

			return
		}
	}
}

func (s *Server) ack(c *conn, err error) {
	a := ackFrame{OK: err == nil}
	if err != nil {
		a.Err = err.Error()
	}
	_ = c.writeFrame(frameAck, a)
}

func (s *Server) nack(c *conn, err error) {
	_ = c.writeFrame(frameAck, ackFrame{OK: false, Err: err.Error()})
}

// register opens (or reopens) ns's log file, closing any previous writer --
// spec.md §4.8: "new Register calls from the same namespace replace the
// previous writer and close its file handles."
func (s *Server) register(ns string, clusterSize uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.namespaces[ns]; ok {
		old.file.Close()
	}

	path := filepath.Join(s.root, ns+".dtl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644) //nolint:gosec
	if err != nil {
		log.ErrorLogMsg("dtl: register %s: open %s: %s", ns, path, err)

		return
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		log.WarningLogMsg("dtl: register %s: flock %s: %s (continuing, single-process assumption)", ns, path, err)
	}

	n := &namespaceLog{clusterSize: clusterSize, file: f}
	if entries, err := decodeLogFile(f); err != nil {
		log.WarningLogMsg("dtl: register %s: replay %s: %s (starting empty)", ns, path, err)
	} else {
		n.entries = entries
	}

	s.namespaces[ns] = n
}

// decodeLogFile replays every gob-encoded record persisted so far, so a
// restarted server recovers the entries a crashed volume may still need to
// replay from (spec.md §4.8).
func decodeLogFile(f *os.File) ([]addEntriesFrame, error) {
	if _, err := f.Seek(0, 0); err != nil {
		return nil, err
	}
	// addEntries writes each record with its own gob.Encoder, so every
	// record carries its own type definition and needs a fresh decoder.
	br := bufio.NewReader(f)
	var entries []addEntriesFrame
	for {
		var e addEntriesFrame
		if err := gob.NewDecoder(br).Decode(&e); err != nil {
			if err == io.EOF {
				break
			}

			return entries, err
		}
		entries = append(entries, e)
	}
	if _, err := f.Seek(0, 2); err != nil {
		return entries, err
	}

	return entries, nil
}

func (s *Server) namespace(ns string) (*namespaceLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.namespaces[ns]
	if !ok {
		return nil, fmt.Errorf("dtl: namespace %s not registered", ns)
	}

	return n, nil
}

func (s *Server) addEntries(f addEntriesFrame) error {
	n, err := s.namespace(f.Namespace)
	if err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if err := gob.NewEncoder(n.file).Encode(f); err != nil {
		return fmt.Errorf("dtl: persist entries for %s: %w", f.Namespace, err)
	}
	n.entries = append(n.entries, f)
	serverEntriesTotal.WithLabelValues(f.Namespace).Add(float64(len(f.Locations)))

	return nil
}

func (s *Server) flush(ns string) error {
	n, err := s.namespace(ns)
	if err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	return n.file.Sync()
}

func (s *Server) clear(ns string) error {
	n, err := s.namespace(ns)
	if err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.entries = nil
	n.afterSCO = ""
	if err := n.file.Truncate(0); err != nil {
		return err
	}
	_, err = n.file.Seek(0, 0)

	return err
}

// removeUpTo drops every entry at or before sco, letting the peer reclaim
// the corresponding disk space once the volume confirms sco is durable on
// the backend (spec.md §4.6 step 4, §4.8).
func (s *Server) removeUpTo(ns, sco string) error {
	n, err := s.namespace(ns)
	if err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	kept := n.entries[:0]
	found := false
	for _, e := range n.entries {
		if !found {
			if scoNameForBatch(e) == sco {
				found = true
			}

			continue
		}
		kept = append(kept, e)
	}
	n.entries = kept
	n.afterSCO = sco

	return nil
}

// getSCO replays every entry recorded after sco, reconstructing the
// sequence of cluster writes the volume must re-apply (spec.md §4.7
// get_sco_from_failover, property 7 "DTL replay equivalence").
func (s *Server) getSCO(ns, sco string) ([]addEntriesFrame, error) {
	n, err := s.namespace(ns)
	if err != nil {
		return nil, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	var out []addEntriesFrame
	found := sco == "" || sco == n.afterSCO
	for _, e := range n.entries {
		if !found {
			if scoNameForBatch(e) == sco {
				found = true
			}

			continue
		}
		out = append(out, e)
	}

	return out, nil
}

// scoNameForBatch is a placeholder key derived from a batch's first
// location until the SCO boundary is threaded through explicitly by the
// caller; batches are tagged by the SCO number of their first location.
func scoNameForBatch(f addEntriesFrame) string {
	if len(f.Locations) == 0 {
		return ""
	}

	return fmt.Sprintf("%08x", f.Locations[0].SCONumber)
}

// entriesToModel converts wire locations back to model.ClusterLocation for
// callers outside the dtl package (the client's replay processor).
func entriesToModel(f addEntriesFrame) []model.Entry {
	out := make([]model.Entry, 0, len(f.Locations))
	clusterBytes := len(f.Payload)
	if len(f.Locations) > 0 {
		clusterBytes /= len(f.Locations)
	}
	for i, loc := range f.Locations {
		start := i * clusterBytes
		end := start + clusterBytes
		var payload []byte
		if start >= 0 && end <= len(f.Payload) {
			payload = f.Payload[start:end]
		}
		out = append(out, model.Entry{
			Address: model.ClusterAddress(f.StartAddress) + model.ClusterAddress(i),
			Location: model.ClusterLocation{
				SCONumber: loc.SCONumber,
				CloneID:   loc.CloneID,
				Offset:    loc.Offset,
			},
			Hash: model.HashPayload(payload),
		})
	}

	return out
}
