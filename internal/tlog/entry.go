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

// Package tlog implements the Transaction Log append stream of spec.md
// §3/§4.3/§6: a sequence of fixed-layout entries describing the logical
// writes whose payloads land in a bounded set of SCOs.
package tlog

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/nimbusvol/volumedriver/internal/model"
)

// EntrySize is the fixed on-disk/on-the-wire size of one entry (spec.md §6:
// tag + "(cluster-addr u64, cluster-location 8B, content-hash 16B)"). That
// payload alone is 32 bytes before the tag, so the entry is 36 bytes, not
// 32 -- a 32-byte entry cannot hold a full 16-byte hash alongside an 8-byte
// address and 8-byte location without truncating it.
const EntrySize = 36

// Tag identifies the kind of a TLog entry.
type Tag byte

const (
	// TagCRC is a TLogCRC(crc32_of_sco) entry, emitted when a SCO is sealed.
	TagCRC Tag = iota + 1
	// TagCluster is a Cluster(addr, loc, hash) entry: a logical write.
	TagCluster
	// TagSyncTC is a checkpoint marker.
	TagSyncTC
)

// ErrTruncatedEntry is returned by Decode when fewer than EntrySize bytes
// remain; readers must treat this as end-of-stream rather than corruption
// (spec.md §6: "readers must treat a truncated tail as if ending at the last
// complete entry").
var ErrTruncatedEntry = errors.New("tlog: truncated trailing entry")

// Entry is the decoded, in-memory form of one EntrySize-byte TLog record.
type Entry struct {
	Tag Tag

	// CRC is populated when Tag == TagCRC: the CRC32 of the SCO just sealed.
	CRC uint32

	// Cluster is populated when Tag == TagCluster.
	Cluster model.Entry
}

// Encode serializes e into a fixed EntrySize-byte record.
//
// Layout: byte 0 tag; bytes 1-3 reserved/zero; then tag-specific payload,
// zero-padded to fill the remaining bytes.
//
//	TagCRC:     bytes 4-7   crc32 (big-endian)
//	TagCluster: bytes 4-11  cluster address (big-endian u64)
//	            bytes 12-19 cluster location: 4 bytes SCO number, 2 bytes
//	                        clone-id, 2 bytes offset
//	            bytes 20-35 content hash, full 16 bytes; see encodeCluster.
//	TagSyncTC:  no payload.
func (e Entry) Encode() []byte {
	buf := make([]byte, EntrySize)
	buf[0] = byte(e.Tag)

	switch e.Tag {
	case TagCRC:
		binary.BigEndian.PutUint32(buf[4:8], e.CRC)
	case TagCluster:
		encodeCluster(buf[4:], e.Cluster)
	case TagSyncTC:
		// no payload
	}

	return buf
}

// encodeCluster packs a model.Entry into the bytes following the tag byte:
// 8 bytes address, 4 bytes SCO number (truncated to 32 bits, adequate for
// the addressable SCO count of a single volume), 4 bytes clone-id + offset
// packed as two u16s, and the full 16-byte content hash.
func encodeCluster(buf []byte, c model.Entry) {
	binary.BigEndian.PutUint64(buf[0:8], uint64(c.Address))
	binary.BigEndian.PutUint32(buf[8:12], uint32(c.Location.SCONumber))
	binary.BigEndian.PutUint16(buf[12:14], uint16(c.Location.CloneID))
	binary.BigEndian.PutUint16(buf[14:16], uint16(c.Location.Offset))
	copy(buf[16:32], c.Hash[:])
}

func decodeCluster(buf []byte) model.Entry {
	var c model.Entry
	c.Address = model.ClusterAddress(binary.BigEndian.Uint64(buf[0:8]))
	c.Location.SCONumber = uint64(binary.BigEndian.Uint32(buf[8:12]))
	c.Location.CloneID = uint32(binary.BigEndian.Uint16(buf[12:14]))
	c.Location.Offset = uint32(binary.BigEndian.Uint16(buf[14:16]))
	copy(c.Hash[:], buf[16:32])

	return c
}

// Decode parses one entry from the front of buf. Returns ErrTruncatedEntry
// if buf is shorter than EntrySize.
func Decode(buf []byte) (Entry, error) {
	if len(buf) < EntrySize {
		return Entry{}, ErrTruncatedEntry
	}

	tag := Tag(buf[0])
	switch tag {
	case TagCRC:
		return Entry{Tag: TagCRC, CRC: binary.BigEndian.Uint32(buf[4:8])}, nil
	case TagCluster:
		return Entry{Tag: TagCluster, Cluster: decodeCluster(buf[4:])}, nil
	case TagSyncTC:
		return Entry{Tag: TagSyncTC}, nil
	default:
		return Entry{}, fmt.Errorf("tlog: unknown entry tag %d", tag)
	}
}
