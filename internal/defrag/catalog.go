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

package defrag

import (
	"context"

	"github.com/google/uuid"
)

// Catalog is the cluster catalog collaborator: it reads chunk lists, shard
// statistics, and zone/tag tables. The engine never mutates chunk or shard
// documents through this interface beyond the estimated-size writes
// exposed on Persistence.
type Catalog interface {
	// GetCollection loads the current catalog record for uuid, including
	// its persisted defragmentation phase marker (if any).
	GetCollection(ctx context.Context, id uuid.UUID) (CollectionRecord, error)

	// GetChunks returns a collection's chunks sorted by ChunkRange.Min.
	GetChunks(ctx context.Context, coll CollectionRecord) ([]ChunkRecord, error)

	// GetShardVersion returns the latest chunk version owned by shard for
	// the given collection, used to stamp outgoing actions.
	GetShardVersion(ctx context.Context, shard ShardID, id uuid.UUID) (ChunkVersion, error)

	// GetZones returns the zone/tag partitioning for a collection's key
	// range.
	GetZones(ctx context.Context, namespace, keyPattern string) (ZoneMap, error)

	// GetCollStats returns current shard capacity/drain state for the
	// collection's owning shards.
	GetCollStats(ctx context.Context, namespace string) ([]ShardStats, error)

	// GetMaxChunkSizeBytes resolves the effective max chunk size for coll:
	// its own override if set, otherwise the global balancer default.
	GetMaxChunkSizeBytes(ctx context.Context, coll CollectionRecord) (uint64, error)
}

// ShardStats is a named (ShardID, ShardInfo) pair, the engine's view of
// ClusterStatistics::ShardStatistics.
type ShardStats struct {
	Shard ShardID
	Info  ShardInfo
}

// Persistence is the configDb-facing collaborator. The engine treats every
// call as authoritative and synchronous. A write error is logged; a failed
// SetPhase or UnsetDefragmentation leaves the collection in its prior phase,
// and the other writes are not retried.
type Persistence interface {
	// SetPhase persists the given phase as the collection's current
	// defragmentationPhase marker.
	SetPhase(ctx context.Context, id uuid.UUID, phase PhaseType) error

	// UnsetDefragmentation clears the defragmentCollection and
	// defragmentationPhase fields, marking the collection as finished.
	UnsetDefragmentation(ctx context.Context, id uuid.UUID) error

	// SetChunkEstimatedSize persists a measured data size for chunk.
	SetChunkEstimatedSize(ctx context.Context, id uuid.UUID, chunk ChunkRange, sizeBytes int64) error

	// ClearEstimatedSizes unsets estimatedSizeBytes on every chunk of the
	// collection, run once when a collection finishes defragmentation.
	ClearEstimatedSizes(ctx context.Context, id uuid.UUID) error
}
