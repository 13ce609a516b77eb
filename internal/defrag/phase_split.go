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
	"go.uber.org/zap"

	"github.com/milvus-io/chunkbalance/pkg/log"
	"github.com/milvus-io/chunkbalance/pkg/metrics"
)

// splitPointBatchLimit bounds how many split points a single FindSplitPoints
// response is assumed to carry before more remain beyond it.
const splitPointBatchLimit = 8192

type splitWork struct {
	rng       ChunkRange
	splitKeys []Key
}

type splitPending struct {
	rangesToFindSplitPoints []ChunkRange
	rangesToSplit           []splitWork
}

func (p *splitPending) empty() bool {
	return len(p.rangesToFindSplitPoints) == 0 && len(p.rangesToSplit) == 0
}

// splitLargePhase finds split points for, and applies splits to, every
// chunk above the collection's max chunk size (or with no known size at
// all).
type splitLargePhase struct {
	id                uuid.UUID
	namespace         string
	catalog           Catalog
	maxChunkSizeBytes uint64

	pendingByShard map[ShardID]*splitPending
	outstanding    int
	aborted        bool
	nextPhase      PhaseType
}

var _ Phase = (*splitLargePhase)(nil)

// BuildSplitLargePhase queues a find-split-points request for every chunk
// whose size is unknown or exceeds the collection's max chunk size.
func BuildSplitLargePhase(ctx context.Context, coll CollectionRecord, catalog Catalog) (Phase, error) {
	chunks, err := catalog.GetChunks(ctx, coll)
	if err != nil {
		return nil, err
	}
	maxChunkSizeBytes, err := catalog.GetMaxChunkSizeBytes(ctx, coll)
	if err != nil {
		return nil, err
	}

	p := &splitLargePhase{
		id:                coll.UUID,
		namespace:         coll.Namespace,
		catalog:           catalog,
		maxChunkSizeBytes: maxChunkSizeBytes,
		pendingByShard:    map[ShardID]*splitPending{},
		nextPhase:         PhaseFinished,
	}
	for _, c := range chunks {
		if !c.HasSize() || uint64(c.SizeOrZero()) > maxChunkSizeBytes {
			p.pendingFor(c.Shard).rangesToFindSplitPoints = append(p.pendingFor(c.Shard).rangesToFindSplitPoints, c.Range)
		}
	}
	return p, nil
}

func (p *splitLargePhase) pendingFor(shard ShardID) *splitPending {
	work, ok := p.pendingByShard[shard]
	if !ok {
		work = &splitPending{}
		p.pendingByShard[shard] = work
	}
	return work
}

func (p *splitLargePhase) Type() PhaseType      { return PhaseSplitLarge }
func (p *splitLargePhase) NextPhase() PhaseType { return p.nextPhase }

func (p *splitLargePhase) IsComplete() bool {
	return len(p.pendingByShard) == 0 && p.outstanding == 0
}

func (p *splitLargePhase) PopNextStreamableAction(ctx context.Context) (Action, bool) {
	for shard, work := range p.pendingByShard {
		version, err := p.catalog.GetShardVersion(ctx, shard, p.id)
		if err != nil {
			log.Warn("unable to fetch shard version while popping split action",
				zap.String("shard", string(shard)), zap.Error(err))
			continue
		}

		var action Action
		if len(work.rangesToSplit) > 0 {
			w := work.rangesToSplit[len(work.rangesToSplit)-1]
			work.rangesToSplit = work.rangesToSplit[:len(work.rangesToSplit)-1]
			action = ApplySplitAction{Collection: p.id, Shard: shard, Range: w.rng, SplitKeys: w.splitKeys, Version: version}
		} else if len(work.rangesToFindSplitPoints) > 0 {
			r := work.rangesToFindSplitPoints[len(work.rangesToFindSplitPoints)-1]
			work.rangesToFindSplitPoints = work.rangesToFindSplitPoints[:len(work.rangesToFindSplitPoints)-1]
			action = FindSplitPointsAction{Collection: p.id, Shard: shard, Range: r, Version: version, MaxChunkBytes: p.maxChunkSizeBytes}
		} else {
			continue
		}

		p.outstanding++
		metrics.ActionsDispatchedTotal.WithLabelValues(actionTypeLabel(action)).Inc()
		if work.empty() {
			delete(p.pendingByShard, shard)
		}
		return action, true
	}
	return nil, false
}

func (p *splitLargePhase) PopNextMigration(ctx context.Context, usedShards map[ShardID]struct{}) (MigrateChunkAction, bool) {
	return MigrateChunkAction{}, false
}

func (p *splitLargePhase) ApplyAutoSplitVectorResult(ctx context.Context, action FindSplitPointsAction, keys []Key, err error) {
	defer func() { p.outstanding-- }()
	if p.aborted {
		return
	}
	handleActionResult(p.id, p.namespace, p.Type(), err,
		func() {
			if len(keys) == 0 {
				return
			}
			work := p.pendingFor(action.Shard)
			work.rangesToSplit = append(work.rangesToSplit, splitWork{rng: action.Range, splitKeys: keys})
			if len(keys) >= splitPointBatchLimit {
				work.rangesToFindSplitPoints = append(work.rangesToFindSplitPoints,
					ChunkRange{Min: keys[len(keys)-1], Max: action.Range.Max})
			}
		},
		func() {
			p.pendingFor(action.Shard).rangesToFindSplitPoints = append(p.pendingFor(action.Shard).rangesToFindSplitPoints, action.Range)
		},
		func() {
			p.abort(p.Type())
		})
}

func (p *splitLargePhase) ApplySplitResult(ctx context.Context, action ApplySplitAction, err error) {
	defer func() { p.outstanding-- }()
	if p.aborted {
		return
	}
	handleActionResult(p.id, p.namespace, p.Type(), err,
		func() {},
		func() {
			work := p.pendingFor(action.Shard)
			work.rangesToSplit = append(work.rangesToSplit, splitWork{rng: action.Range, splitKeys: action.SplitKeys})
		},
		func() {
			p.abort(p.Type())
		})
}

func (p *splitLargePhase) ApplyMergeResult(ctx context.Context, action MergeChunksAction, err error) {
	unexpectedActionType(p.Type(), "MergeChunks")
}

func (p *splitLargePhase) ApplyDataSizeResult(ctx context.Context, action MeasureDataSizeAction, sizeBytes int64, err error) {
	unexpectedActionType(p.Type(), "MeasureDataSize")
}

func (p *splitLargePhase) ApplyMigrateResult(ctx context.Context, action MigrateChunkAction, err error) {
	unexpectedActionType(p.Type(), "MigrateChunk")
}

func (p *splitLargePhase) abort(nextPhase PhaseType) {
	p.aborted = true
	p.nextPhase = nextPhase
	p.pendingByShard = map[ShardID]*splitPending{}
	metrics.PhaseAbortsTotal.WithLabelValues(p.Type().String()).Inc()
}
