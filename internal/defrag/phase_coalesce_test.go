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
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"github.com/milvus-io/chunkbalance/pkg/util/merr"
)

type CoalesceAdjacentSuite struct {
	suite.Suite
	ctx     context.Context
	catalog *fakeCatalog
	persist *fakePersistence
	coll    CollectionRecord
}

func (s *CoalesceAdjacentSuite) SetupTest() {
	s.ctx = context.Background()
	s.catalog = newFakeCatalog()
	s.persist = newFakePersistence()
	s.coll = CollectionRecord{UUID: uuid.New(), Namespace: "db.coll", KeyPattern: "x"}
}

func (s *CoalesceAdjacentSuite) TestGroupsAdjacentSameShardSameZoneRun() {
	s.catalog.chunks[s.coll.UUID] = []ChunkRecord{
		{Range: ChunkRange{Min: "a", Max: "b"}, Shard: "s1", EstimatedSizeBytes: sizePtr(10)},
		{Range: ChunkRange{Min: "b", Max: "c"}, Shard: "s1", EstimatedSizeBytes: sizePtr(10)},
		{Range: ChunkRange{Min: "c", Max: "d"}, Shard: "s1", EstimatedSizeBytes: sizePtr(10)},
	}

	phase, err := BuildCoalesceAdjacentPhase(s.ctx, s.coll, s.catalog, s.persist)
	s.Require().NoError(err)
	s.False(phase.IsComplete())

	action, ok := phase.PopNextStreamableAction(s.ctx)
	s.Require().True(ok)
	merge, ok := action.(MergeChunksAction)
	s.Require().True(ok)
	s.Equal(ChunkRange{Min: "a", Max: "d"}, merge.Range)
	s.Equal(s.coll.UUID, merge.Collection)

	_, ok = phase.PopNextStreamableAction(s.ctx)
	s.False(ok)
}

func (s *CoalesceAdjacentSuite) TestDifferentZoneBreaksTheRun() {
	s.catalog.chunks[s.coll.UUID] = []ChunkRecord{
		{Range: ChunkRange{Min: "a", Max: "b"}, Shard: "s1", EstimatedSizeBytes: sizePtr(10)},
		{Range: ChunkRange{Min: "b", Max: "c"}, Shard: "s1", EstimatedSizeBytes: sizePtr(10)},
	}
	s.catalog.zones[s.coll.Namespace] = NewZoneMap(map[ChunkRange]ZoneTag{
		{Min: "a", Max: "b"}: "zoneA",
		{Min: "b", Max: "c"}: "zoneB",
	})

	phase, err := BuildCoalesceAdjacentPhase(s.ctx, s.coll, s.catalog, s.persist)
	s.Require().NoError(err)
	s.True(phase.IsComplete())
}

func (s *CoalesceAdjacentSuite) TestLoneChunkMissingSizeQueuesMeasurement() {
	s.catalog.chunks[s.coll.UUID] = []ChunkRecord{
		{Range: ChunkRange{Min: "a", Max: "b"}, Shard: "s1"},
	}

	phase, err := BuildCoalesceAdjacentPhase(s.ctx, s.coll, s.catalog, s.persist)
	s.Require().NoError(err)

	action, ok := phase.PopNextStreamableAction(s.ctx)
	s.Require().True(ok)
	measure, ok := action.(MeasureDataSizeAction)
	s.Require().True(ok)
	s.Equal(ChunkRange{Min: "a", Max: "b"}, measure.Range)

	phase.ApplyDataSizeResult(s.ctx, measure, 42, nil)
	s.Equal(int64(42), s.persist.estimatedSizes[measure.Range])
	s.True(phase.IsComplete())
}

func (s *CoalesceAdjacentSuite) TestRetriableMergeFailureRequeues() {
	s.catalog.chunks[s.coll.UUID] = []ChunkRecord{
		{Range: ChunkRange{Min: "a", Max: "b"}, Shard: "s1", EstimatedSizeBytes: sizePtr(10)},
		{Range: ChunkRange{Min: "b", Max: "c"}, Shard: "s1", EstimatedSizeBytes: sizePtr(10)},
	}
	phase, err := BuildCoalesceAdjacentPhase(s.ctx, s.coll, s.catalog, s.persist)
	s.Require().NoError(err)

	action, ok := phase.PopNextStreamableAction(s.ctx)
	s.Require().True(ok)
	merge := action.(MergeChunksAction)

	phase.ApplyMergeResult(s.ctx, merge, merr.ErrStaleShardVersion)
	s.False(phase.IsComplete())

	action, ok = phase.PopNextStreamableAction(s.ctx)
	s.Require().True(ok)
	s.Equal(merge.Range, action.(MergeChunksAction).Range)
}

func (s *CoalesceAdjacentSuite) TestNonRetriableMergeFailureAbortsForward() {
	s.catalog.chunks[s.coll.UUID] = []ChunkRecord{
		{Range: ChunkRange{Min: "a", Max: "b"}, Shard: "s1", EstimatedSizeBytes: sizePtr(10)},
		{Range: ChunkRange{Min: "b", Max: "c"}, Shard: "s1", EstimatedSizeBytes: sizePtr(10)},
	}
	phase, err := BuildCoalesceAdjacentPhase(s.ctx, s.coll, s.catalog, s.persist)
	s.Require().NoError(err)

	action, ok := phase.PopNextStreamableAction(s.ctx)
	s.Require().True(ok)
	merge := action.(MergeChunksAction)

	phase.ApplyMergeResult(s.ctx, merge, merr.ErrOperationNotPermitted)
	s.True(phase.IsComplete())
	s.Equal(PhaseMoveAndMergeSmall, phase.NextPhase())
}

func (s *CoalesceAdjacentSuite) TestEmptyChunkListIsImmediatelyComplete() {
	phase, err := BuildCoalesceAdjacentPhase(s.ctx, s.coll, s.catalog, s.persist)
	s.Require().NoError(err)
	s.True(phase.IsComplete())
	_, ok := phase.PopNextStreamableAction(s.ctx)
	s.False(ok)
}

func (s *CoalesceAdjacentSuite) TestPopNextMigrationNeverProducesWork() {
	phase, err := BuildCoalesceAdjacentPhase(s.ctx, s.coll, s.catalog, s.persist)
	s.Require().NoError(err)
	_, ok := phase.PopNextMigration(s.ctx, map[ShardID]struct{}{})
	s.False(ok)
}

func TestCoalesceAdjacentSuite(t *testing.T) {
	suite.Run(t, new(CoalesceAdjacentSuite))
}
