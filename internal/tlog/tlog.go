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

package tlog

import (
	"fmt"
	"hash/crc32"
	"os"

	"github.com/google/uuid"

	"github.com/nimbusvol/volumedriver/internal/util/log"
)

// A TLog's entry cap is derived per-volume as tlog_multiplier *
// sco_multiplier (spec.md §3); callers size it and pass it to OpenWriter.

// TLog is the identity and on-disk state of one transaction log (spec.md
// §3): a UUID, a physical path until uploaded, and the written_to_backend
// flag maintained by the manifest/backend task pipeline rather than here.
type TLog struct {
	ID   uuid.UUID
	Path string
}

// ObjectName returns this TLog's fixed backend object name.
func (t TLog) ObjectName() string {
	return "tlog_" + t.ID.String()
}

// New allocates a fresh TLog identity with a physical path under dir.
func New(dir string) TLog {
	id := uuid.New()

	return TLog{ID: id, Path: dir + "/" + id.String() + ".tlog"}
}

// Writer appends entries to a single open TLog file.
type Writer struct {
	file    *os.File
	entries int
	max     int
}

// OpenWriter creates (or truncates) t.Path and returns a Writer capped at
// maxEntries (tlog_multiplier * sco_multiplier, spec.md §3).
func OpenWriter(t TLog, maxEntries int) (*Writer, error) {
	f, err := os.OpenFile(t.Path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("tlog: open %s: %w", t.Path, err)
	}

	return &Writer{file: f, max: maxEntries}, nil
}

// Full reports whether the writer has reached its entry cap and must be
// rolled over (spec.md §4.3).
func (w *Writer) Full() bool {
	return w.entries >= w.max
}

// Append writes one entry. Any failure is fatal for the owning volume
// (spec.md §4.1: "Any failure to append a TLog entry ... is fatal").
func (w *Writer) Append(e Entry) error {
	if _, err := w.file.Write(e.Encode()); err != nil {
		return fmt.Errorf("tlog: append: %w", err)
	}
	if e.Tag == TagCluster {
		w.entries++
	}

	return nil
}

// AppendCRC appends a TLogCRC entry covering the SCO just sealed.
func (w *Writer) AppendCRC(scoCRC uint32) error {
	return w.Append(Entry{Tag: TagCRC, CRC: scoCRC})
}

// Sync fsyncs the underlying file (spec.md §4.1 sync()).
func (w *Writer) Sync() error {
	return w.file.Sync()
}

// Close seals the TLog: fsync then close. Returns the file's CRC32 checksum
// for recording alongside the object name (spec.md §4.3 step 3).
func (w *Writer) Close() (uint32, error) {
	if err := w.file.Sync(); err != nil {
		return 0, fmt.Errorf("tlog: fsync on close: %w", err)
	}
	name := w.file.Name()
	if err := w.file.Close(); err != nil {
		return 0, fmt.Errorf("tlog: close: %w", err)
	}

	data, err := os.ReadFile(name) //nolint:gosec
	if err != nil {
		return 0, fmt.Errorf("tlog: checksum read: %w", err)
	}

	return crc32.ChecksumIEEE(data), nil
}

// ReadAll reads every complete entry from path. A truncated final entry is
// dropped silently, per spec.md §6.
func ReadAll(path string) ([]Entry, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("tlog: read %s: %w", path, err)
	}

	var entries []Entry
	for off := 0; off+EntrySize <= len(data); off += EntrySize {
		e, err := Decode(data[off : off+EntrySize])
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if rem := len(data) % EntrySize; rem != 0 {
		log.WarningLogMsg("tlog: %s has a truncated trailing entry (%d bytes), dropping it", path, rem)
	}

	return entries, nil
}

// CatchUp replays entries into a recovery callback, used on volume open to
// rebuild metadata-store state from a TLog not (yet) reflected on the
// backend. dryRun inspects without applying, matching the metadata store's
// own catch_up(dry_run?) contract (spec.md §4.4).
func CatchUp(path string, dryRun bool, apply func(Entry) error) (int, error) {
	entries, err := ReadAll(path)
	if err != nil {
		return 0, err
	}
	if dryRun {
		return len(entries), nil
	}
	for _, e := range entries {
		if err := apply(e); err != nil {
			return 0, err
		}
	}

	return len(entries), nil
}

// VanishedIsRestoreLikely reports whether a TLog file missing from local
// disk is plausibly explained by a snapshot restore having truncated the
// open TLog list, rather than genuine data loss: true when the TLog's
// generation is strictly newer than the manifest's. The WriteTLog pipeline
// does not call it; it decides by manifest membership instead (see
// DESIGN.md).
func VanishedIsRestoreLikely(manifestGeneration, tlogGeneration uint64) bool {
	return tlogGeneration > manifestGeneration
}
