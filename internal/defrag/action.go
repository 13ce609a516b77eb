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

import "github.com/google/uuid"

// Action is the tagged union of work the policy engine hands to the
// external executor. Each concrete type below is one variant;
// PolicyEngine.GetNextStreamingAction and SelectChunksToMove are the only
// producers. Every variant except EndOfStreamAction carries the owning
// Collection so the engine can route the matching Acknowledge* call back to
// the right phase.
type Action interface {
	isAction()
}

// MergeChunksAction asks the executor to merge the chunks covering Range
// (which must currently be split into two or more adjacent chunks owned by
// Shard) into one.
type MergeChunksAction struct {
	Collection uuid.UUID
	Shard      ShardID
	Range      ChunkRange
	Version    ChunkVersion
}

func (MergeChunksAction) isAction() {}

// MeasureDataSizeAction asks the executor to compute the data size of the
// chunk covering Range so the catalog can record an estimatedSizeBytes.
type MeasureDataSizeAction struct {
	Collection uuid.UUID
	Shard      ShardID
	Range      ChunkRange
	Version    ChunkVersion
}

func (MeasureDataSizeAction) isAction() {}

// FindSplitPointsAction asks the executor (via the owning shard) for split
// points within Range such that no resulting chunk exceeds MaxChunkBytes.
type FindSplitPointsAction struct {
	Collection    uuid.UUID
	Shard         ShardID
	Range         ChunkRange
	Version       ChunkVersion
	MaxChunkBytes uint64
}

func (FindSplitPointsAction) isAction() {}

// ApplySplitAction asks the executor to split Range at SplitKeys.
type ApplySplitAction struct {
	Collection uuid.UUID
	Shard      ShardID
	Range      ChunkRange
	SplitKeys  []Key
	Version    ChunkVersion
}

func (ApplySplitAction) isAction() {}

// MigrateChunkAction asks the executor to move Chunk from Source to Dest.
type MigrateChunkAction struct {
	Collection uuid.UUID
	Source     ShardID
	Dest       ShardID
	Chunk      ChunkRange
	Version    ChunkVersion
}

func (MigrateChunkAction) isAction() {}

// EndOfStreamAction is returned by GetNextStreamingAction once the stream
// has been closed and no phase has further work.
type EndOfStreamAction struct{}

func (EndOfStreamAction) isAction() {}
