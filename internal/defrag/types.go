// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package defrag implements the chunk defragmentation policy engine of a
// sharded database balancer: the per-collection phase state machines and
// the cross-collection action scheduler described by the balancer's design.
// It owns no network, storage, or wire-format code; all of that is reached
// through the Catalog and Persistence interfaces in catalog.go, exactly as the balancer's top-level scheduling loop supplies
// them to the real cluster catalog and migration/merge/split executor.
package defrag

import (
	"fmt"

	"github.com/google/uuid"
)

// ShardID identifies a storage node owning a set of chunks.
type ShardID string

// ZoneTag labels a key range, constraining which shards may own chunks in
// that range. The zero value means "no zone assigned".
type ZoneTag string

// Key is an opaque shard-key value; the engine only ever compares and
// orders keys, never interprets their contents.
type Key string

// ChunkRange is a half-open interval [Min, Max) over the shard key. Ranges
// within a collection are totally ordered and never overlap.
type ChunkRange struct {
	Min Key
	Max Key
}

// Adjacent reports whether r immediately precedes other: r.Max == other.Min.
func (r ChunkRange) Adjacent(other ChunkRange) bool {
	return r.Max == other.Min
}

// Contains reports whether key falls within [r.Min, r.Max).
func (r ChunkRange) Contains(key Key) bool {
	return key >= r.Min && key < r.Max
}

func (r ChunkRange) String() string {
	return fmt.Sprintf("[%s, %s)", r.Min, r.Max)
}

// Timestamp is the logical clock component of a ChunkVersion, modeled on
// mongo's Timestamp(T, I): T is a coarse wall-clock-ish counter, I
// disambiguates events within the same T.
type Timestamp struct {
	T uint32
	I uint32
}

func (t Timestamp) Less(other Timestamp) bool {
	if t.T != other.T {
		return t.T < other.T
	}
	return t.I < other.I
}

func (t Timestamp) Equal(other Timestamp) bool {
	return t.T == other.T && t.I == other.I
}

// zeroTimestamp and maxTimestamp are the two sentinel timestamps used to
// build the UNSHARDED and IGNORED ChunkVersion sentinels.
var (
	zeroTimestamp = Timestamp{}
	maxTimestamp  = Timestamp{T: ^uint32(0), I: ^uint32(0)}
)

// ignoredEpoch is a fixed, all-ones sentinel UUID distinct from uuid.Nil
// (used as the zero/unsharded epoch), matching mongo's use of a dedicated
// max-valued OID for ChunkVersion::IGNORED().
var ignoredEpoch = uuid.MustParse("ffffffff-ffff-ffff-ffff-ffffffffffff")

// ChunkVersion is (majorVersion, minorVersion, epoch, timestamp) packed so
// that (timestamp, major, minor) totally orders versions of the same
// collection. UnshardedVersion and IgnoredVersion are sentinels that are
// never ordered against any other version.
type ChunkVersion struct {
	Major     uint32
	Minor     uint32
	Epoch     uuid.UUID
	Timestamp Timestamp
}

// UnshardedVersion returns the sentinel meaning "the collection is not
// sharded". It is never ordered against any other version.
func UnshardedVersion() ChunkVersion {
	return ChunkVersion{Major: 0, Minor: 0, Epoch: uuid.Nil, Timestamp: zeroTimestamp}
}

// IgnoredVersion returns the sentinel meaning "do not consider this
// version for comparison purposes". It is never ordered against any other
// version.
func IgnoredVersion() ChunkVersion {
	return ChunkVersion{Major: 0, Minor: 0, Epoch: ignoredEpoch, Timestamp: maxTimestamp}
}

func (v ChunkVersion) IsUnsharded() bool {
	return v.Major == 0 && v.Minor == 0 && v.Epoch == uuid.Nil && v.Timestamp == zeroTimestamp
}

func (v ChunkVersion) IsIgnored() bool {
	return v.Major == 0 && v.Minor == 0 && v.Epoch == ignoredEpoch && v.Timestamp == maxTimestamp
}

// IsSet reports whether v is a real, orderable version (neither sentinel).
func (v ChunkVersion) IsSet() bool {
	return !v.IsUnsharded() && !v.IsIgnored()
}

// SameIncarnation reports whether v and other describe the same collection
// incarnation: versions with different Timestamp are not write-compatible.
func (v ChunkVersion) SameIncarnation(other ChunkVersion) bool {
	return v.Timestamp.Equal(other.Timestamp)
}

// Less totally orders two set versions of the same incarnation by
// (Timestamp, Major, Minor). Comparing a sentinel is meaningless and
// returns false.
func (v ChunkVersion) Less(other ChunkVersion) bool {
	if !v.IsSet() || !other.IsSet() {
		return false
	}
	if !v.Timestamp.Equal(other.Timestamp) {
		return v.Timestamp.Less(other.Timestamp)
	}
	if v.Major != other.Major {
		return v.Major < other.Major
	}
	return v.Minor < other.Minor
}

// ShardInfo is the balancer's snapshot of a shard's capacity, refreshed
// once per phase build from Catalog.GetCollStats.
type ShardInfo struct {
	CurrentSizeBytes uint64
	MaxSizeBytes     uint64
	Draining         bool
}

// CanReceive reports whether a shard can accept new chunks: it must not be
// draining, and must not already be at its configured capacity
// (MaxSizeBytes == 0 means unlimited).
func (s ShardInfo) CanReceive() bool {
	if s.Draining {
		return false
	}
	return s.MaxSizeBytes == 0 || s.CurrentSizeBytes < s.MaxSizeBytes
}

// ZoneMap answers which zone a chunk range belongs to. Two chunks are in
// the same zone iff their ranges map to the same tag.
type ZoneMap struct {
	// tagRanges is kept as a slice rather than an interval tree: zone
	// tables are small (usually a handful of entries) and rebuilt on every
	// phase build, so a linear scan is both simpler and fast enough.
	tagRanges []taggedRange
}

type taggedRange struct {
	r   ChunkRange
	tag ZoneTag
}

func NewZoneMap(entries map[ChunkRange]ZoneTag) ZoneMap {
	zm := ZoneMap{tagRanges: make([]taggedRange, 0, len(entries))}
	for r, tag := range entries {
		zm.tagRanges = append(zm.tagRanges, taggedRange{r: r, tag: tag})
	}
	return zm
}

// ZoneForRange returns the zone tag whose range contains r.Min, or the zero
// ZoneTag if the range is untagged.
func (z ZoneMap) ZoneForRange(r ChunkRange) ZoneTag {
	for _, tr := range z.tagRanges {
		if tr.r.Contains(r.Min) {
			return tr.tag
		}
	}
	return ZoneTag("")
}

// CollectionRecord is the catalog-facing view of a collection: its identity
// and the policy knobs that govern its defragmentation.
type CollectionRecord struct {
	UUID                 uuid.UUID
	Namespace            string
	KeyPattern           string
	Defragmenting        bool
	DefragmentationPhase *PhaseType
	MaxChunkSizeBytes    *uint64 // per-collection override, nil if unset
}
