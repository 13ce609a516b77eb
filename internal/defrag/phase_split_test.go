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

type SplitLargeSuite struct {
	suite.Suite
	ctx     context.Context
	catalog *fakeCatalog
	coll    CollectionRecord
}

func (s *SplitLargeSuite) SetupTest() {
	s.ctx = context.Background()
	s.catalog = newFakeCatalog()
	s.coll = CollectionRecord{UUID: uuid.New(), Namespace: "db.coll", KeyPattern: "x"}
	s.catalog.maxChunkSizeBytes[s.coll.UUID] = 100
}

func (s *SplitLargeSuite) TestOversizedChunkQueuesFindSplitPoints() {
	s.catalog.chunks[s.coll.UUID] = []ChunkRecord{
		{Range: ChunkRange{Min: "a", Max: "z"}, Shard: "s1", EstimatedSizeBytes: sizePtr(500)},
	}
	phase, err := BuildSplitLargePhase(s.ctx, s.coll, s.catalog)
	s.Require().NoError(err)
	s.False(phase.IsComplete())

	action, ok := phase.PopNextStreamableAction(s.ctx)
	s.Require().True(ok)
	find, ok := action.(FindSplitPointsAction)
	s.Require().True(ok)
	s.Equal(uint64(100), find.MaxChunkBytes)
}

func (s *SplitLargeSuite) TestUnknownSizeAlsoQueuesFindSplitPoints() {
	s.catalog.chunks[s.coll.UUID] = []ChunkRecord{
		{Range: ChunkRange{Min: "a", Max: "z"}, Shard: "s1"},
	}
	phase, err := BuildSplitLargePhase(s.ctx, s.coll, s.catalog)
	s.Require().NoError(err)
	s.False(phase.IsComplete())
}

func (s *SplitLargeSuite) TestUnderThresholdChunkIsSkipped() {
	s.catalog.chunks[s.coll.UUID] = []ChunkRecord{
		{Range: ChunkRange{Min: "a", Max: "z"}, Shard: "s1", EstimatedSizeBytes: sizePtr(10)},
	}
	phase, err := BuildSplitLargePhase(s.ctx, s.coll, s.catalog)
	s.Require().NoError(err)
	s.True(phase.IsComplete())
}

func (s *SplitLargeSuite) TestFindSplitPointsSuccessQueuesApplySplit() {
	s.catalog.chunks[s.coll.UUID] = []ChunkRecord{
		{Range: ChunkRange{Min: "a", Max: "z"}, Shard: "s1", EstimatedSizeBytes: sizePtr(500)},
	}
	phase, err := BuildSplitLargePhase(s.ctx, s.coll, s.catalog)
	s.Require().NoError(err)

	action, ok := phase.PopNextStreamableAction(s.ctx)
	s.Require().True(ok)
	find := action.(FindSplitPointsAction)

	phase.ApplyAutoSplitVectorResult(s.ctx, find, []Key{"m"}, nil)
	s.False(phase.IsComplete())

	action, ok = phase.PopNextStreamableAction(s.ctx)
	s.Require().True(ok)
	split, ok := action.(ApplySplitAction)
	s.Require().True(ok)
	s.Equal([]Key{"m"}, split.SplitKeys)

	phase.ApplySplitResult(s.ctx, split, nil)
	s.True(phase.IsComplete())
}

func (s *SplitLargeSuite) TestFindSplitPointsEmptyResultCompletesRange() {
	s.catalog.chunks[s.coll.UUID] = []ChunkRecord{
		{Range: ChunkRange{Min: "a", Max: "z"}, Shard: "s1", EstimatedSizeBytes: sizePtr(500)},
	}
	phase, err := BuildSplitLargePhase(s.ctx, s.coll, s.catalog)
	s.Require().NoError(err)

	action, ok := phase.PopNextStreamableAction(s.ctx)
	s.Require().True(ok)
	find := action.(FindSplitPointsAction)

	phase.ApplyAutoSplitVectorResult(s.ctx, find, nil, nil)
	s.True(phase.IsComplete())
}

func (s *SplitLargeSuite) TestNonRetriableFailureAbortsToSelf() {
	s.catalog.chunks[s.coll.UUID] = []ChunkRecord{
		{Range: ChunkRange{Min: "a", Max: "z"}, Shard: "s1", EstimatedSizeBytes: sizePtr(500)},
	}
	phase, err := BuildSplitLargePhase(s.ctx, s.coll, s.catalog)
	s.Require().NoError(err)

	action, ok := phase.PopNextStreamableAction(s.ctx)
	s.Require().True(ok)
	find := action.(FindSplitPointsAction)

	phase.ApplyAutoSplitVectorResult(s.ctx, find, nil, merr.ErrOperationNotPermitted)
	s.True(phase.IsComplete())
	s.Equal(PhaseSplitLarge, phase.NextPhase())
}

func (s *SplitLargeSuite) TestRetriableFailureRequeuesFindSplitPoints() {
	s.catalog.chunks[s.coll.UUID] = []ChunkRecord{
		{Range: ChunkRange{Min: "a", Max: "z"}, Shard: "s1", EstimatedSizeBytes: sizePtr(500)},
	}
	phase, err := BuildSplitLargePhase(s.ctx, s.coll, s.catalog)
	s.Require().NoError(err)

	action, ok := phase.PopNextStreamableAction(s.ctx)
	s.Require().True(ok)
	find := action.(FindSplitPointsAction)

	phase.ApplyAutoSplitVectorResult(s.ctx, find, nil, merr.ErrTransient)
	s.False(phase.IsComplete())

	action, ok = phase.PopNextStreamableAction(s.ctx)
	s.Require().True(ok)
	s.Equal(find.Range, action.(FindSplitPointsAction).Range)
}

func TestSplitLargeSuite(t *testing.T) {
	suite.Run(t, new(SplitLargeSuite))
}
