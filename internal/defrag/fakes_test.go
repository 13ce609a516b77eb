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

// fakeCatalog is a small in-memory stand-in for Catalog.
type fakeCatalog struct {
	collections       map[uuid.UUID]CollectionRecord
	chunks            map[uuid.UUID][]ChunkRecord
	zones             map[string]ZoneMap
	stats             map[string][]ShardStats
	maxChunkSizeBytes map[uuid.UUID]uint64
	shardVersions     map[ShardID]ChunkVersion

	getCollectionErr   error
	getShardVersionErr error
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		collections:       map[uuid.UUID]CollectionRecord{},
		chunks:            map[uuid.UUID][]ChunkRecord{},
		zones:             map[string]ZoneMap{},
		stats:             map[string][]ShardStats{},
		maxChunkSizeBytes: map[uuid.UUID]uint64{},
		shardVersions:     map[ShardID]ChunkVersion{},
	}
}

func (f *fakeCatalog) GetCollection(ctx context.Context, id uuid.UUID) (CollectionRecord, error) {
	if f.getCollectionErr != nil {
		return CollectionRecord{}, f.getCollectionErr
	}
	return f.collections[id], nil
}

func (f *fakeCatalog) GetChunks(ctx context.Context, coll CollectionRecord) ([]ChunkRecord, error) {
	return f.chunks[coll.UUID], nil
}

func (f *fakeCatalog) GetShardVersion(ctx context.Context, shard ShardID, id uuid.UUID) (ChunkVersion, error) {
	if f.getShardVersionErr != nil {
		return ChunkVersion{}, f.getShardVersionErr
	}
	return f.shardVersions[shard], nil
}

func (f *fakeCatalog) GetZones(ctx context.Context, namespace, keyPattern string) (ZoneMap, error) {
	return f.zones[namespace], nil
}

func (f *fakeCatalog) GetCollStats(ctx context.Context, namespace string) ([]ShardStats, error) {
	return f.stats[namespace], nil
}

func (f *fakeCatalog) GetMaxChunkSizeBytes(ctx context.Context, coll CollectionRecord) (uint64, error) {
	return f.maxChunkSizeBytes[coll.UUID], nil
}

// fakePersistence records every call it receives so tests can assert on
// what the phase tried to persist.
type fakePersistence struct {
	phasesSet         map[uuid.UUID]PhaseType
	unsetCalls        []uuid.UUID
	estimatedSizes    map[ChunkRange]int64
	clearedSizesCalls []uuid.UUID
	setChunkSizeErr   error
	failOnPhase       PhaseType
	failOnPhaseErr    error
}

func newFakePersistence() *fakePersistence {
	return &fakePersistence{
		phasesSet:      map[uuid.UUID]PhaseType{},
		estimatedSizes: map[ChunkRange]int64{},
	}
}

func (f *fakePersistence) SetPhase(ctx context.Context, id uuid.UUID, phase PhaseType) error {
	if f.failOnPhaseErr != nil && phase == f.failOnPhase {
		return f.failOnPhaseErr
	}
	f.phasesSet[id] = phase
	return nil
}

func (f *fakePersistence) UnsetDefragmentation(ctx context.Context, id uuid.UUID) error {
	if f.failOnPhaseErr != nil && f.failOnPhase == PhaseFinished {
		return f.failOnPhaseErr
	}
	f.unsetCalls = append(f.unsetCalls, id)
	return nil
}

func (f *fakePersistence) SetChunkEstimatedSize(ctx context.Context, id uuid.UUID, chunk ChunkRange, sizeBytes int64) error {
	if f.setChunkSizeErr != nil {
		return f.setChunkSizeErr
	}
	f.estimatedSizes[chunk] = sizeBytes
	return nil
}

func (f *fakePersistence) ClearEstimatedSizes(ctx context.Context, id uuid.UUID) error {
	f.clearedSizesCalls = append(f.clearedSizesCalls, id)
	return nil
}

var _ Catalog = (*fakeCatalog)(nil)
var _ Persistence = (*fakePersistence)(nil)
