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

package volume

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/nimbusvol/volumedriver/internal/backend"
	"github.com/nimbusvol/volumedriver/internal/backendtasks"
	"github.com/nimbusvol/volumedriver/internal/scocache"
	"github.com/nimbusvol/volumedriver/internal/snapshot"
	"github.com/nimbusvol/volumedriver/internal/tlog"
	"github.com/nimbusvol/volumedriver/internal/util/log"
)

// scoWriter is the not-yet-sealed SCO a volume is currently appending
// clusters to (spec.md §3 "a physical on-disk path until uploaded", same
// shape as a TLog).
type scoWriter struct {
	number   uint64
	path     string
	file     *os.File
	clusters int // next free offset, in ClusterSize units
}

func (v *Volume) scoPath(number uint64) string {
	return filepath.Join(v.cfg.LocalDir, fmt.Sprintf("sco_%016x", number))
}

func (v *Volume) tlogPath(id uuid.UUID) string {
	return filepath.Join(v.cfg.LocalDir, id.String()+".tlog")
}

func openSCOWriter(path string, number uint64) (*scoWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("volume: open sco %s: %w", path, err)
	}

	return &scoWriter{number: number, path: path, file: f}, nil
}

func (s *scoWriter) full(maxClusters int) bool {
	return s.clusters >= maxClusters
}

func (s *scoWriter) append(cluster []byte) (offset int, err error) {
	offset = s.clusters
	if _, err := s.file.Write(cluster); err != nil {
		return 0, fmt.Errorf("volume: append cluster to sco %s: %w", s.path, err)
	}
	s.clusters++

	return offset, nil
}

func (s *scoWriter) sync() error {
	if s.file == nil {
		return nil
	}

	return s.file.Sync()
}

// seal fsyncs and closes the SCO file, returning its CRC32 checksum
// (spec.md §4.3 SCO rollover step "seal").
func (s *scoWriter) seal() (uint32, error) {
	if err := s.file.Sync(); err != nil {
		return 0, fmt.Errorf("volume: fsync sco %s: %w", s.path, err)
	}
	if err := s.file.Close(); err != nil {
		return 0, fmt.Errorf("volume: close sco %s: %w", s.path, err)
	}

	data, err := os.ReadFile(s.path) //nolint:gosec
	if err != nil {
		return 0, fmt.Errorf("volume: checksum sco %s: %w", s.path, err)
	}

	return backend.Checksum(data), nil
}

// openNextTLog opens a brand-new TLog writer for a freshly opened volume.
func (v *Volume) openNextTLog() error {
	id := uuid.New()
	w, err := tlog.OpenWriter(tlog.TLog{ID: id, Path: v.tlogPath(id)}, v.cfg.MaxTLogEntries())
	if err != nil {
		return err
	}

	v.mu.Lock()
	v.tlogID = id
	v.tlogWriter = w
	v.mu.Unlock()

	return nil
}

// openNextSCO opens the first SCO a freshly opened volume writes to. An
// opened volume always starts its local SCO numbering at 0; nothing
// recovers a next SCO number from the backend, and the control plane only
// opens volumes it has just created.
func (v *Volume) openNextSCO() error {
	if err := os.MkdirAll(v.cfg.LocalDir, 0o755); err != nil {
		return fmt.Errorf("volume: create local dir %s: %w", v.cfg.LocalDir, err)
	}

	w, err := openSCOWriter(v.scoPath(v.scoNumber), v.scoNumber)
	if err != nil {
		return err
	}
	v.scoFile = w

	return nil
}

// rolloverSCO seals the current SCO, enqueues its non-barrier WriteSCO
// upload, and opens the next one (spec.md §4.3 "SCO rollover"). Caller
// holds the tlog lock.
func (v *Volume) rolloverSCO(ctx context.Context) error {
	sealed := v.scoFile
	crc, err := sealed.seal()
	if err != nil {
		return err
	}

	if err := v.tlogWriter.AppendCRC(crc); err != nil {
		return fmt.Errorf("volume: append tlog crc after sco seal: %w", err)
	}

	objectName := backend.SCOObjectName(sealed.number, 0)
	if err := v.scoCache.Admit(scocache.SCOInfo{
		Volume: v.cfg.Namespace,
		Path:   sealed.path,
		Size:   int64(sealed.clusters) * int64(v.cfg.ClusterSize()),
	}); err != nil {
		return fmt.Errorf("volume: admit sealed sco into cache: %w", err)
	}

	v.pipeline.Enqueue(&backendtasks.Task{
		Kind: backendtasks.WriteSCO,
		Execute: func(ctx context.Context) error {
			data, err := os.ReadFile(sealed.path) //nolint:gosec
			if err != nil {
				return err
			}

			return v.be.Put(ctx, v.cfg.Namespace, objectName, data, false, crc)
		},
		OnSuccess: func() {
			if err := v.scoCache.MarkDisposable(sealed.path); err != nil {
				log.WarningLogMsg("volume: %s: mark sco %s disposable: %s", v.cfg.Namespace, sealed.path, err)
			}
		},
		OnTerminalFailure: func(err error) {
			log.ErrorLogMsg("volume: %s: sco %s upload failed terminally: %s", v.cfg.Namespace, objectName, err)
			v.Halt(err)
		},
	})

	v.mu.Lock()
	v.scoNumber++
	v.pendingSCOSeal = objectName
	v.mu.Unlock()

	next, err := openSCOWriter(v.scoPath(v.scoNumber), v.scoNumber)
	if err != nil {
		return err
	}
	v.scoFile = next

	return nil
}

// SealCurrentTLog implements snapshot.TLogSealer: seals the current TLog
// file and opens the next one, returning the seal for the manager's
// WriteTLog enqueue (spec.md §4.3 TLog rollover). Called with the tlog lock
// held (createSnapshot and the rollover path both take it first).
func (v *Volume) SealCurrentTLog() (snapshot.TLogSeal, uuid.UUID, error) {
	v.mu.Lock()
	sealedID := v.tlogID
	sealedWriter := v.tlogWriter
	sealedPath := v.tlogPath(sealedID)
	sco := v.pendingSCOSeal
	v.pendingSCOSeal = ""
	v.mu.Unlock()

	crc, err := sealedWriter.Close()
	if err != nil {
		return snapshot.TLogSeal{}, uuid.Nil, fmt.Errorf("volume: seal tlog %s: %w", sealedID, err)
	}

	nextID := uuid.New()
	w, err := tlog.OpenWriter(tlog.TLog{ID: nextID, Path: v.tlogPath(nextID)}, v.cfg.MaxTLogEntries())
	if err != nil {
		return snapshot.TLogSeal{}, uuid.Nil, fmt.Errorf("volume: open next tlog: %w", err)
	}

	v.mu.Lock()
	v.tlogID = nextID
	v.tlogWriter = w
	v.mu.Unlock()

	return snapshot.TLogSeal{ID: sealedID, Path: sealedPath, CRC: crc, SCO: sco}, nextID, nil
}

// LocalPathFor implements snapshot.TLogSealer.
func (v *Volume) LocalPathFor(id uuid.UUID) string {
	return v.tlogPath(id)
}
