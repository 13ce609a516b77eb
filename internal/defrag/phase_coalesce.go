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

// coalescePending is the per-shard work list built by CoalesceAdjacent:
// ranges spanning two or more adjacent same-zone chunks to merge, and
// single chunks missing a data size to measure.
type coalescePending struct {
	mergeRanges   []ChunkRange
	measureRanges []ChunkRange
}

func (p *coalescePending) empty() bool {
	return len(p.mergeRanges) == 0 && len(p.measureRanges) == 0
}

// coalesceAdjacentPhase merges runs of adjacent same-shard, same-zone
// chunks and measures the size of any lone chunk still missing one.
type coalesceAdjacentPhase struct {
	id          uuid.UUID
	namespace   string
	catalog     Catalog
	persistence Persistence

	pending     map[ShardID]*coalescePending
	outstanding int
	aborted     bool
	nextPhase   PhaseType
}

var _ Phase = (*coalesceAdjacentPhase)(nil)

// BuildCoalesceAdjacentPhase reads the collection's chunk list and zone
// map and groups chunks into merge/measure work per shard.
func BuildCoalesceAdjacentPhase(ctx context.Context, coll CollectionRecord, catalog Catalog, persistence Persistence) (Phase, error) {
	chunks, err := catalog.GetChunks(ctx, coll)
	if err != nil {
		return nil, err
	}
	zones, err := catalog.GetZones(ctx, coll.Namespace, coll.KeyPattern)
	if err != nil {
		return nil, err
	}
	return &coalesceAdjacentPhase{
		id:          coll.UUID,
		namespace:   coll.Namespace,
		catalog:     catalog,
		persistence: persistence,
		pending:     groupAdjacentChunks(chunks, zones),
		nextPhase:   PhaseMoveAndMergeSmall,
	}, nil
}

func groupAdjacentChunks(chunks []ChunkRecord, zones ZoneMap) map[ShardID]*coalescePending {
	pending := map[ShardID]*coalescePending{}
	pendingFor := func(shard ShardID) *coalescePending {
		p, ok := pending[shard]
		if !ok {
			p = &coalescePending{}
			pending[shard] = p
		}
		return p
	}

	i := 0
	for i < len(chunks) {
		j := i
		for j+1 < len(chunks) &&
			chunks[j].Shard == chunks[j+1].Shard &&
			zones.ZoneForRange(chunks[j].Range) == zones.ZoneForRange(chunks[j+1].Range) &&
			chunks[j].Range.Adjacent(chunks[j+1].Range) {
			j++
		}
		if j > i {
			shard := chunks[j].Shard
			pendingFor(shard).mergeRanges = append(pendingFor(shard).mergeRanges,
				ChunkRange{Min: chunks[i].Range.Min, Max: chunks[j].Range.Max})
		} else if !chunks[i].HasSize() {
			pendingFor(chunks[i].Shard).measureRanges = append(pendingFor(chunks[i].Shard).measureRanges, chunks[i].Range)
		}
		i = j + 1
	}
	return pending
}

func (p *coalesceAdjacentPhase) Type() PhaseType     { return PhaseCoalesceAdjacent }
func (p *coalesceAdjacentPhase) NextPhase() PhaseType { return p.nextPhase }

func (p *coalesceAdjacentPhase) IsComplete() bool {
	return len(p.pending) == 0 && p.outstanding == 0
}

func (p *coalesceAdjacentPhase) PopNextStreamableAction(ctx context.Context) (Action, bool) {
	for shard, work := range p.pending {
		version, err := p.catalog.GetShardVersion(ctx, shard, p.id)
		if err != nil {
			log.Warn("unable to fetch shard version while popping coalesce action",
				zap.String("shard", string(shard)), zap.Error(err))
			continue
		}

		var action Action
		if len(work.measureRanges) > len(work.mergeRanges) {
			r := work.measureRanges[len(work.measureRanges)-1]
			work.measureRanges = work.measureRanges[:len(work.measureRanges)-1]
			action = MeasureDataSizeAction{Collection: p.id, Shard: shard, Range: r, Version: version}
		} else if len(work.mergeRanges) > 0 {
			r := work.mergeRanges[len(work.mergeRanges)-1]
			work.mergeRanges = work.mergeRanges[:len(work.mergeRanges)-1]
			action = MergeChunksAction{Collection: p.id, Shard: shard, Range: r, Version: version}
		} else {
			continue
		}

		p.outstanding++
		metrics.ActionsDispatchedTotal.WithLabelValues(actionTypeLabel(action)).Inc()
		if work.empty() {
			delete(p.pending, shard)
		}
		return action, true
	}
	return nil, false
}

func (p *coalesceAdjacentPhase) PopNextMigration(ctx context.Context, usedShards map[ShardID]struct{}) (MigrateChunkAction, bool) {
	return MigrateChunkAction{}, false
}

func (p *coalesceAdjacentPhase) ApplyMergeResult(ctx context.Context, action MergeChunksAction, err error) {
	defer func() { p.outstanding-- }()
	if p.aborted {
		return
	}
	work := p.pendingFor(action.Shard)
	handleActionResult(p.id, p.namespace, p.Type(), err,
		func() {
			work.measureRanges = append(work.measureRanges, action.Range)
		},
		func() {
			work.mergeRanges = append(work.mergeRanges, action.Range)
		},
		func() {
			p.abort(PhaseMoveAndMergeSmall)
		})
}

func (p *coalesceAdjacentPhase) ApplyDataSizeResult(ctx context.Context, action MeasureDataSizeAction, sizeBytes int64, err error) {
	defer func() { p.outstanding-- }()
	if p.aborted {
		return
	}
	handleActionResult(p.id, p.namespace, p.Type(), err,
		func() {
			if perr := p.persistence.SetChunkEstimatedSize(ctx, p.id, action.Range, sizeBytes); perr != nil {
				log.Error("failed to persist measured chunk size",
					zap.String("uuid", p.id.String()), zap.Error(perr))
			}
		},
		func() {
			p.pendingFor(action.Shard).measureRanges = append(p.pendingFor(action.Shard).measureRanges, action.Range)
		},
		func() {
			p.abort(PhaseMoveAndMergeSmall)
		})
}

func (p *coalesceAdjacentPhase) ApplyAutoSplitVectorResult(ctx context.Context, action FindSplitPointsAction, keys []Key, err error) {
	unexpectedActionType(p.Type(), "FindSplitPoints")
}

func (p *coalesceAdjacentPhase) ApplySplitResult(ctx context.Context, action ApplySplitAction, err error) {
	unexpectedActionType(p.Type(), "ApplySplit")
}

func (p *coalesceAdjacentPhase) ApplyMigrateResult(ctx context.Context, action MigrateChunkAction, err error) {
	unexpectedActionType(p.Type(), "MigrateChunk")
}

func (p *coalesceAdjacentPhase) pendingFor(shard ShardID) *coalescePending {
	work, ok := p.pending[shard]
	if !ok {
		work = &coalescePending{}
		p.pending[shard] = work
	}
	return work
}

func (p *coalesceAdjacentPhase) abort(nextPhase PhaseType) {
	p.aborted = true
	p.nextPhase = nextPhase
	p.pending = map[ShardID]*coalescePending{}
	metrics.PhaseAbortsTotal.WithLabelValues(p.Type().String()).Inc()
}

func actionTypeLabel(a Action) string {
	switch a.(type) {
	case MergeChunksAction:
		return "merge"
	case MeasureDataSizeAction:
		return "measure"
	case FindSplitPointsAction:
		return "find_split_points"
	case ApplySplitAction:
		return "split"
	case MigrateChunkAction:
		return "migrate"
	default:
		return "unknown"
	}
}
