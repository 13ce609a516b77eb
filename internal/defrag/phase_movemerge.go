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
	"container/list"
	"context"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/milvus-io/chunkbalance/pkg/log"
	"github.com/milvus-io/chunkbalance/pkg/metrics"
	"github.com/milvus-io/chunkbalance/pkg/util/merr"
)

// chunkNode is one entry in a moveAndMergeSmallPhase's chunk sequence. elem
// is the node's own position in collectionChunks, kept so a node can find
// its current left/right neighbor after other nodes are merged away.
type chunkNode struct {
	elem               *list.Element
	rng                ChunkRange
	shard              ShardID
	estimatedSizeBytes int64
	busy               bool
}

// moveAndMergeRequest pairs a small chunk with the sibling it will be moved
// onto and merged with.
type moveAndMergeRequest struct {
	chunkToMove      *chunkNode
	chunkToMergeWith *chunkNode
	mergeWithIsLeft  bool
}

func (r *moveAndMergeRequest) mergedRange() ChunkRange {
	if r.mergeWithIsLeft {
		return ChunkRange{Min: r.chunkToMergeWith.rng.Min, Max: r.chunkToMove.rng.Max}
	}
	return ChunkRange{Min: r.chunkToMove.rng.Min, Max: r.chunkToMergeWith.rng.Max}
}

// moveAndMergeSmallPhase relocates small chunks onto a mergeable
// neighbor's shard, then emits the merge of the pair itself once the
// migration has succeeded. Stable references into the mutating chunk sequence are kept with
// container/list, the direct idiomatic match for a doubly linked list
// whose node identities must survive arbitrary removals.
type moveAndMergeSmallPhase struct {
	id        uuid.UUID
	namespace string
	catalog   Catalog

	chunks                   *list.List // of *chunkNode
	smallChunksByShard       map[ShardID][]*chunkNode
	shardInfos               map[ShardID]*ShardInfo
	shardProcessingOrder     []ShardID
	outstandingMigrations    []*moveAndMergeRequest
	actionableMerges         []*moveAndMergeRequest
	outstandingMerges        []*moveAndMergeRequest
	zones                    ZoneMap
	smallChunkThresholdBytes uint64

	aborted   bool
	nextPhase PhaseType
}

var _ Phase = (*moveAndMergeSmallPhase)(nil)

const moveMergeRankNoMoveRequired uint32 = 1 << 4
const moveMergeRankConvenientMove uint32 = 1 << 3
const moveMergeRankSolvesTwoPending uint32 = 1 << 2
const moveMergeRankSolvesOnePending uint32 = 1 << 1

// BuildMoveAndMergeSmallPhase indexes small chunks per shard and orders
// shards by descending current size, so the fullest shards are drained
// first.
func BuildMoveAndMergeSmallPhase(ctx context.Context, coll CollectionRecord, catalog Catalog, thresholdPctg int) (Phase, error) {
	chunkRecords, err := catalog.GetChunks(ctx, coll)
	if err != nil {
		return nil, err
	}
	zones, err := catalog.GetZones(ctx, coll.Namespace, coll.KeyPattern)
	if err != nil {
		return nil, err
	}
	stats, err := catalog.GetCollStats(ctx, coll.Namespace)
	if err != nil {
		return nil, err
	}
	maxChunkSizeBytes, err := catalog.GetMaxChunkSizeBytes(ctx, coll)
	if err != nil {
		return nil, err
	}

	p := &moveAndMergeSmallPhase{
		id:                       coll.UUID,
		namespace:                coll.Namespace,
		catalog:                  catalog,
		chunks:                   list.New(),
		smallChunksByShard:       map[ShardID][]*chunkNode{},
		shardInfos:               map[ShardID]*ShardInfo{},
		zones:                    zones,
		smallChunkThresholdBytes: smallChunkThresholdBytes(maxChunkSizeBytes, thresholdPctg),
		nextPhase:                PhaseSplitLarge,
	}
	for _, s := range stats {
		info := s.Info
		p.shardInfos[s.Shard] = &info
	}

	for _, c := range chunkRecords {
		if !c.HasSize() {
			log.Warn("chunk with no estimated size detected while building move-and-merge phase",
				zap.String("uuid", coll.UUID.String()), zap.Error(merr.ErrChunkSizeUnknown))
			p.abort(PhaseCoalesceAdjacent)
			return p, nil
		}
		node := &chunkNode{rng: c.Range, shard: c.Shard, estimatedSizeBytes: c.SizeOrZero()}
		node.elem = p.chunks.PushBack(node)
	}

	for e := p.chunks.Front(); e != nil; e = e.Next() {
		node := e.Value.(*chunkNode)
		if uint64(node.estimatedSizeBytes) <= p.smallChunkThresholdBytes {
			p.smallChunksByShard[node.shard] = append(p.smallChunksByShard[node.shard], node)
		}
	}
	for shard := range p.smallChunksByShard {
		sortChunkNodesBySize(p.smallChunksByShard[shard])
	}

	for shard := range p.shardInfos {
		p.shardProcessingOrder = append(p.shardProcessingOrder, shard)
	}
	p.sortShardProcessingOrder()

	return p, nil
}

func smallChunkThresholdBytes(maxChunkSizeBytes uint64, pctg int) uint64 {
	return (maxChunkSizeBytes / 100) * uint64(pctg)
}

func sortChunkNodesBySize(nodes []*chunkNode) {
	sort.SliceStable(nodes, func(i, j int) bool {
		return nodes[i].estimatedSizeBytes < nodes[j].estimatedSizeBytes
	})
}

func (p *moveAndMergeSmallPhase) sortShardProcessingOrder() {
	sort.SliceStable(p.shardProcessingOrder, func(i, j int) bool {
		return p.shardInfos[p.shardProcessingOrder[i]].CurrentSizeBytes >=
			p.shardInfos[p.shardProcessingOrder[j]].CurrentSizeBytes
	})
}

func (p *moveAndMergeSmallPhase) Type() PhaseType      { return PhaseMoveAndMergeSmall }
func (p *moveAndMergeSmallPhase) NextPhase() PhaseType { return p.nextPhase }

func (p *moveAndMergeSmallPhase) IsComplete() bool {
	return len(p.smallChunksByShard) == 0 && len(p.outstandingMigrations) == 0 &&
		len(p.actionableMerges) == 0 && len(p.outstandingMerges) == 0
}

func (p *moveAndMergeSmallPhase) PopNextStreamableAction(ctx context.Context) (Action, bool) {
	if len(p.actionableMerges) == 0 {
		return nil, false
	}
	req := p.actionableMerges[0]

	version, err := p.catalog.GetShardVersion(ctx, req.chunkToMergeWith.shard, p.id)
	if err != nil {
		log.Warn("unable to fetch shard version while popping merge action",
			zap.String("shard", string(req.chunkToMergeWith.shard)), zap.Error(err))
		return nil, false
	}

	p.actionableMerges = p.actionableMerges[1:]
	p.outstandingMerges = append(p.outstandingMerges, req)
	metrics.ActionsDispatchedTotal.WithLabelValues("merge").Inc()
	return MergeChunksAction{Collection: p.id, Shard: req.chunkToMergeWith.shard, Range: req.mergedRange(), Version: version}, true
}

func (p *moveAndMergeSmallPhase) PopNextMigration(ctx context.Context, usedShards map[ShardID]struct{}) (MigrateChunkAction, bool) {
	for _, shard := range p.shardProcessingOrder {
		if _, busy := usedShards[shard]; busy {
			continue
		}
		smallChunk, siblings, ok := p.findNextSmallChunkInShard(shard, usedShards)
		if !ok {
			continue
		}

		target := siblings[0]
		if challenger := siblings[len(siblings)-1]; target != challenger {
			targetRank := p.rankMergeableSibling(smallChunk, target)
			challengerRank := p.rankMergeableSibling(smallChunk, challenger)
			if challengerRank > targetRank ||
				(challengerRank == targetRank &&
					p.shardInfos[challenger.shard].CurrentSizeBytes < p.shardInfos[target.shard].CurrentSizeBytes) {
				target = challenger
			}
		}

		smallChunk.busy = true
		target.busy = true
		usedShards[smallChunk.shard] = struct{}{}
		usedShards[target.shard] = struct{}{}

		version, err := p.catalog.GetShardVersion(ctx, smallChunk.shard, p.id)
		if err != nil {
			log.Warn("unable to fetch shard version while popping migration",
				zap.String("shard", string(smallChunk.shard)), zap.Error(err))
			smallChunk.busy = false
			target.busy = false
			delete(usedShards, smallChunk.shard)
			delete(usedShards, target.shard)
			continue
		}

		req := &moveAndMergeRequest{
			chunkToMove:      smallChunk,
			chunkToMergeWith: target,
			mergeWithIsLeft:  target.rng.Max == smallChunk.rng.Min,
		}
		p.outstandingMigrations = append(p.outstandingMigrations, req)
		metrics.ActionsDispatchedTotal.WithLabelValues("migrate").Inc()
		return MigrateChunkAction{Collection: p.id, Source: smallChunk.shard, Dest: target.shard, Chunk: smallChunk.rng, Version: version}, true
	}
	return MigrateChunkAction{}, false
}

// getChunkSiblings returns the right and/or left neighbor of node eligible
// for a move-and-merge: same zone, and able to receive node's data (or
// already co-located on the same shard).
func (p *moveAndMergeSmallPhase) getChunkSiblings(node *chunkNode) []*chunkNode {
	canMerge := func(a, b *chunkNode) bool {
		sameZone := p.zones.ZoneForRange(a.rng) == p.zones.ZoneForRange(b.rng)
		destAvailable := a.shard == b.shard || p.shardInfos[b.shard].CanReceive()
		return sameZone && destAvailable
	}

	var siblings []*chunkNode
	if next := node.elem.Next(); next != nil {
		sib := next.Value.(*chunkNode)
		if canMerge(node, sib) {
			siblings = append(siblings, sib)
		}
	}
	if prev := node.elem.Prev(); prev != nil {
		sib := prev.Value.(*chunkNode)
		if canMerge(node, sib) {
			siblings = append(siblings, sib)
		}
	}
	return siblings
}

// findNextSmallChunkInShard scans the shard's small-chunk index, pruning
// entries that can no longer be processed (no eligible sibling), and
// returns the first chunk with at least one currently-eligible sibling.
func (p *moveAndMergeSmallPhase) findNextSmallChunkInShard(shard ShardID, usedShards map[ShardID]struct{}) (*chunkNode, []*chunkNode, bool) {
	nodes, ok := p.smallChunksByShard[shard]
	if !ok {
		return nil, nil, false
	}

	i := 0
	for i < len(nodes) {
		candidate := nodes[i]
		if candidate.busy {
			i++
			continue
		}
		siblings := p.getChunkSiblings(candidate)
		if len(siblings) == 0 {
			nodes = append(nodes[:i], nodes[i+1:]...)
			p.smallChunksByShard[shard] = nodes
			continue
		}
		var eligible []*chunkNode
		for _, sib := range siblings {
			if _, busy := usedShards[sib.shard]; !sib.busy && !busy {
				eligible = append(eligible, sib)
			}
		}
		if len(eligible) > 0 {
			return candidate, eligible, true
		}
		i++
	}
	if len(nodes) == 0 {
		delete(p.smallChunksByShard, shard)
	}
	return nil, nil, false
}

func (p *moveAndMergeSmallPhase) rankMergeableSibling(moved, sibling *chunkNode) uint32 {
	var rank uint32
	if moved.shard == sibling.shard {
		rank += moveMergeRankNoMoveRequired
	} else if moved.estimatedSizeBytes < sibling.estimatedSizeBytes {
		rank += moveMergeRankConvenientMove
	}
	mergedSize := moved.estimatedSizeBytes + sibling.estimatedSizeBytes
	if uint64(mergedSize) > p.smallChunkThresholdBytes {
		if uint64(sibling.estimatedSizeBytes) < p.smallChunkThresholdBytes {
			rank += moveMergeRankSolvesTwoPending
		} else {
			rank += moveMergeRankSolvesOnePending
		}
	}
	return rank
}

func (p *moveAndMergeSmallPhase) removeFromSmallChunks(node *chunkNode, shard ShardID) {
	nodes, ok := p.smallChunksByShard[shard]
	if !ok {
		return
	}
	for i, n := range nodes {
		if n == node {
			nodes = append(nodes[:i], nodes[i+1:]...)
			break
		}
	}
	if len(nodes) == 0 {
		delete(p.smallChunksByShard, shard)
	} else {
		p.smallChunksByShard[shard] = nodes
	}
}

func (p *moveAndMergeSmallPhase) findOutstandingMigration(minKey Key) (int, *moveAndMergeRequest) {
	for i, req := range p.outstandingMigrations {
		if req.chunkToMove.rng.Min == minKey {
			return i, req
		}
	}
	return -1, nil
}

func (p *moveAndMergeSmallPhase) findOutstandingMerge(mergedRange ChunkRange) (int, *moveAndMergeRequest) {
	for i, req := range p.outstandingMerges {
		if mergedRange.Contains(req.chunkToMove.rng.Min) {
			return i, req
		}
	}
	return -1, nil
}

func (p *moveAndMergeSmallPhase) ApplyMigrateResult(ctx context.Context, action MigrateChunkAction, err error) {
	idx, req := p.findOutstandingMigration(action.Chunk.Min)
	if req == nil {
		log.Error("migration result with no matching outstanding request",
			zap.String("uuid", p.id.String()))
		return
	}
	p.outstandingMigrations = append(p.outstandingMigrations[:idx], p.outstandingMigrations[idx+1:]...)
	if p.aborted {
		return
	}
	handleActionResult(p.id, p.namespace, p.Type(), err,
		func() {
			moved := req.chunkToMove.estimatedSizeBytes
			p.shardInfos[req.chunkToMove.shard].CurrentSizeBytes -= uint64(moved)
			p.shardInfos[req.chunkToMergeWith.shard].CurrentSizeBytes += uint64(moved)
			p.sortShardProcessingOrder()
			p.actionableMerges = append(p.actionableMerges, req)
		},
		func() {
			req.chunkToMove.busy = false
			req.chunkToMergeWith.busy = false
		},
		func() {
			p.abort(PhaseCoalesceAdjacent)
		})
}

func (p *moveAndMergeSmallPhase) ApplyMergeResult(ctx context.Context, action MergeChunksAction, err error) {
	idx, req := p.findOutstandingMerge(action.Range)
	if req == nil {
		log.Error("merge result with no matching outstanding request",
			zap.String("uuid", p.id.String()))
		return
	}
	p.outstandingMerges = append(p.outstandingMerges[:idx], p.outstandingMerges[idx+1:]...)
	if p.aborted {
		return
	}
	handleActionResult(p.id, p.namespace, p.Type(), err,
		func() {
			merged := req.chunkToMergeWith
			deleted := req.chunkToMove
			merged.rng = req.mergedRange()
			merged.estimatedSizeBytes += deleted.estimatedSizeBytes
			merged.busy = false

			deletedShard := deleted.shard
			p.chunks.Remove(deleted.elem)
			p.removeFromSmallChunks(deleted, deletedShard)

			if uint64(merged.estimatedSizeBytes) > p.smallChunkThresholdBytes {
				p.removeFromSmallChunks(merged, merged.shard)
			} else if nodes, ok := p.smallChunksByShard[merged.shard]; ok {
				sortChunkNodesBySize(nodes)
			}
		},
		func() {
			p.actionableMerges = append(p.actionableMerges, req)
		},
		func() {
			p.abort(PhaseCoalesceAdjacent)
		})
}

func (p *moveAndMergeSmallPhase) ApplyDataSizeResult(ctx context.Context, action MeasureDataSizeAction, sizeBytes int64, err error) {
	unexpectedActionType(p.Type(), "MeasureDataSize")
}

func (p *moveAndMergeSmallPhase) ApplyAutoSplitVectorResult(ctx context.Context, action FindSplitPointsAction, keys []Key, err error) {
	unexpectedActionType(p.Type(), "FindSplitPoints")
}

func (p *moveAndMergeSmallPhase) ApplySplitResult(ctx context.Context, action ApplySplitAction, err error) {
	unexpectedActionType(p.Type(), "ApplySplit")
}

func (p *moveAndMergeSmallPhase) abort(nextPhase PhaseType) {
	p.aborted = true
	p.nextPhase = nextPhase
	p.actionableMerges = nil
	p.smallChunksByShard = map[ShardID][]*chunkNode{}
	p.shardProcessingOrder = nil
	metrics.PhaseAbortsTotal.WithLabelValues(p.Type().String()).Inc()
}
