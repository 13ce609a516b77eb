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
	"sync"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/milvus-io/chunkbalance/pkg/log"
	"github.com/milvus-io/chunkbalance/pkg/metrics"
	"github.com/milvus-io/chunkbalance/pkg/util/merr"
	"github.com/milvus-io/chunkbalance/pkg/util/paramtable"
	"github.com/milvus-io/chunkbalance/pkg/util/syncutil"
)

// PolicyEngine is the cross-collection scheduler: it owns one Phase per
// collection currently enrolled in defragmentation, serializes all access
// to that state behind a single mutex, and hands actions to the external
// executor either on demand (SelectChunksToMove) or through a single
// suspending consumer (GetNextStreamingAction). One global lock guards all
// enrolled collection state rather than a per-collection RWMutex, since
// every operation here eventually touches the cross-collection action
// stream.
type PolicyEngine struct {
	mu sync.Mutex

	catalog     Catalog
	persistence Persistence
	config      *paramtable.DefragConfig

	states                 map[uuid.UUID]Phase
	concurrentStreamingOps int
	pendingConsumer        *syncutil.Future[Action]
	streamClosed           bool
}

// NewPolicyEngine constructs an engine with no collections enrolled.
func NewPolicyEngine(catalog Catalog, persistence Persistence, config *paramtable.DefragConfig) *PolicyEngine {
	return &PolicyEngine{
		catalog:     catalog,
		persistence: persistence,
		config:      config,
		states:      map[uuid.UUID]Phase{},
	}
}

// RefreshCollectionStatus reconciles the engine's enrolled set against the
// collection's current defragmentCollection flag: it enrolls a newly
// flagged collection, or unwinds and drops one whose flag was cleared.
func (e *PolicyEngine) RefreshCollectionStatus(ctx context.Context, coll CollectionRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, enrolled := e.states[coll.UUID]
	switch {
	case coll.Defragmenting && !enrolled:
		e.initializeCollectionState(ctx, coll)
		if e.pendingConsumer != nil {
			if action, ok := e.nextStreamingActionLocked(ctx); ok {
				e.concurrentStreamingOps++
				metrics.ConcurrentStreamingOps.Set(float64(e.concurrentStreamingOps))
				e.pendingConsumer.Set(action)
				e.pendingConsumer = nil
			}
		}
	case !coll.Defragmenting && enrolled:
		if _, ok := e.transitionPhases(ctx, coll, PhaseFinished, true); !ok {
			return
		}
		delete(e.states, coll.UUID)
		metrics.ActiveCollections.Dec()
	}
}

// GetNextStreamingAction returns the next action for the streaming
// executor. If the concurrency cap has been reached or no phase currently
// has work, the call parks behind a single-slot future that
// RefreshCollectionStatus or an Acknowledge* call fulfills once work
// appears; only one consumer may be parked at a time. If the stream has
// been closed and no phase has further work, it returns EndOfStreamAction.
func (e *PolicyEngine) GetNextStreamingAction(ctx context.Context) (Action, error) {
	e.mu.Lock()
	if e.concurrentStreamingOps < e.config.MaxConcurrentStreamingActions.GetAsInt() {
		if action, ok := e.nextStreamingActionLocked(ctx); ok {
			e.concurrentStreamingOps++
			metrics.ConcurrentStreamingOps.Set(float64(e.concurrentStreamingOps))
			e.mu.Unlock()
			return action, nil
		}
	}
	if e.pendingConsumer != nil {
		e.mu.Unlock()
		return nil, merr.ErrNoPendingConsumer
	}
	future := syncutil.NewFuture[Action]()
	e.pendingConsumer = future
	e.mu.Unlock()

	select {
	case <-future.Done():
		return future.Get(), nil
	case <-ctx.Done():
		e.mu.Lock()
		if e.pendingConsumer == future {
			e.pendingConsumer = nil
		}
		e.mu.Unlock()
		return nil, ctx.Err()
	}
}

// SelectChunksToMove asks every enrolled collection's phase for a
// migration that does not touch a shard already committed in usedShards,
// repeating until a full pass adds nothing new, since each phase yields at
// most one migration per PopNextMigration call.
func (e *PolicyEngine) SelectChunksToMove(ctx context.Context, usedShards map[ShardID]struct{}) []MigrateChunkAction {
	e.mu.Lock()
	defer e.mu.Unlock()

	var chunksToMove []MigrateChunkAction
	for {
		before := len(chunksToMove)
		for _, id := range lo.Keys(e.states) {
			if !e.refreshDefragmentationPhaseFor(ctx, id) {
				continue
			}
			phase, ok := e.states[id]
			if !ok {
				continue
			}
			if action, ok := phase.PopNextMigration(ctx, usedShards); ok {
				chunksToMove = append(chunksToMove, action)
			}
		}
		if len(chunksToMove) == before {
			break
		}
	}
	return chunksToMove
}

func (e *PolicyEngine) AcknowledgeMergeResult(ctx context.Context, action MergeChunksAction, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	phase, ok := e.states[action.Collection]
	if !ok {
		return
	}
	phase.ApplyMergeResult(ctx, action, err)
	e.processEndOfAction(ctx)
}

func (e *PolicyEngine) AcknowledgeDataSizeResult(ctx context.Context, action MeasureDataSizeAction, sizeBytes int64, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	phase, ok := e.states[action.Collection]
	if !ok {
		return
	}
	phase.ApplyDataSizeResult(ctx, action, sizeBytes, err)
	e.processEndOfAction(ctx)
}

func (e *PolicyEngine) AcknowledgeAutoSplitVectorResult(ctx context.Context, action FindSplitPointsAction, keys []Key, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	phase, ok := e.states[action.Collection]
	if !ok {
		return
	}
	phase.ApplyAutoSplitVectorResult(ctx, action, keys, err)
	e.processEndOfAction(ctx)
}

func (e *PolicyEngine) AcknowledgeSplitResult(ctx context.Context, action ApplySplitAction, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	phase, ok := e.states[action.Collection]
	if !ok {
		return
	}
	phase.ApplySplitResult(ctx, action, err)
	e.processEndOfAction(ctx)
}

func (e *PolicyEngine) AcknowledgeMoveResult(ctx context.Context, action MigrateChunkAction, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	phase, ok := e.states[action.Collection]
	if !ok {
		return
	}
	phase.ApplyMigrateResult(ctx, action, err)
	e.processEndOfAction(ctx)
}

// CloseActionStream drops every enrolled collection and wakes a parked
// consumer with EndOfStreamAction. Once closed, GetNextStreamingAction
// returns EndOfStreamAction instead of parking.
func (e *PolicyEngine) CloseActionStream() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.states = map[uuid.UUID]Phase{}
	if e.pendingConsumer != nil {
		e.pendingConsumer.Set(EndOfStreamAction{})
		e.pendingConsumer = nil
	}
	e.streamClosed = true
}

// processEndOfAction fulfills a parked consumer if one is waiting and work
// is now available; otherwise it just lowers the in-flight counter.
// concurrentStreamingOps is not changed when a parked consumer is fulfilled
// here. Acknowledge* calls for a collection no longer in e.states return
// before reaching this function, so such results do not lower the counter.
func (e *PolicyEngine) processEndOfAction(ctx context.Context) {
	if e.pendingConsumer != nil {
		if action, ok := e.nextStreamingActionLocked(ctx); ok {
			e.pendingConsumer.Set(action)
			e.pendingConsumer = nil
			return
		}
	}
	e.concurrentStreamingOps--
	metrics.ConcurrentStreamingOps.Set(float64(e.concurrentStreamingOps))
}

// nextStreamingActionLocked scans enrolled collections for the next
// producible action. Callers must hold e.mu.
func (e *PolicyEngine) nextStreamingActionLocked(ctx context.Context) (Action, bool) {
	for _, id := range lo.Keys(e.states) {
		if !e.refreshDefragmentationPhaseFor(ctx, id) {
			continue
		}
		phase, ok := e.states[id]
		if !ok {
			continue
		}
		if action, ok := phase.PopNextStreamableAction(ctx); ok {
			return action, true
		}
	}
	if e.streamClosed {
		return EndOfStreamAction{}, true
	}
	return nil, false
}

// refreshDefragmentationPhaseFor advances id's phase through any number of
// already-complete transitions. It returns false (dropping id from
// e.states) if reloading the collection record fails; this is how a
// collection that was dropped out from under the engine gets noticed and
// unenrolled.
func (e *PolicyEngine) refreshDefragmentationPhaseFor(ctx context.Context, id uuid.UUID) bool {
	phase, ok := e.states[id]
	if !ok || phase == nil || !phase.IsComplete() {
		return ok
	}

	coll, err := e.catalog.GetCollection(ctx, id)
	if err != nil {
		log.Error("error while refreshing defragmentation phase, dropping collection",
			zap.String("uuid", id.String()), zap.Error(merr.ErrCollectionDropped), zap.NamedError("cause", err))
		delete(e.states, id)
		return false
	}

	for phase != nil && phase.IsComplete() {
		next, ok := e.transitionPhases(ctx, coll, phase.NextPhase(), true)
		if !ok {
			break
		}
		phase = next
	}
	if phase == nil {
		delete(e.states, id)
		return false
	}
	e.states[id] = phase
	return true
}

// transitionPhases persists the new phase marker (when shouldPersistPhase
// is set) and builds the corresponding Phase object. The bool result is
// false only when persistence failed: the collection must be left exactly
// as it was pre-transition so the next refresh retries the same
// transition. A true result with a nil Phase means the collection has
// finished defragmenting or its phase failed to build, and the caller
// drops it from e.states.
func (e *PolicyEngine) transitionPhases(ctx context.Context, coll CollectionRecord, nextPhase PhaseType, shouldPersistPhase bool) (Phase, bool) {
	if shouldPersistPhase {
		if err := e.persistPhaseUpdate(ctx, coll.UUID, nextPhase); err != nil {
			log.Error("failed to persist defragmentation phase transition, leaving collection in its prior phase",
				zap.String("uuid", coll.UUID.String()), zap.String("phase", nextPhase.String()), zap.Error(err))
			return nil, false
		}
	}

	var next Phase
	var err error
	switch nextPhase {
	case PhaseCoalesceAdjacent:
		next, err = BuildCoalesceAdjacentPhase(ctx, coll, e.catalog, e.persistence)
	case PhaseMoveAndMergeSmall:
		next, err = BuildMoveAndMergeSmallPhase(ctx, coll, e.catalog, e.config.SmallChunkThresholdPercentage.GetAsInt())
	case PhaseSplitLarge:
		next, err = BuildSplitLargePhase(ctx, coll, e.catalog)
	case PhaseFinished:
		if clearErr := e.persistence.ClearEstimatedSizes(ctx, coll.UUID); clearErr != nil {
			log.Error("failed to clear estimated sizes on defragmentation completion",
				zap.String("uuid", coll.UUID.String()), zap.Error(clearErr))
		}
	}
	if err != nil {
		log.Error("error while building defragmentation phase on collection",
			zap.String("namespace", coll.Namespace),
			zap.String("uuid", coll.UUID.String()),
			zap.String("phase", nextPhase.String()),
			zap.Error(err))
		return nil, true
	}

	phaseTag := "finished"
	if next != nil {
		phaseTag = next.Type().String()
	}
	log.Info("collection defragmentation transitioning to new phase",
		zap.String("namespace", coll.Namespace), zap.String("phase", phaseTag))
	metrics.PhaseTransitionsTotal.WithLabelValues(phaseTag).Inc()
	return next, true
}

// initializeCollectionState builds the starting phase for a
// newly-enrolled collection (its persisted phase marker, or
// CoalesceAdjacent if none yet) and fast-forwards through any phases that
// turn out already complete before recording it.
func (e *PolicyEngine) initializeCollectionState(ctx context.Context, coll CollectionRecord) {
	phaseToBuild := PhaseCoalesceAdjacent
	hadPersistedPhase := coll.DefragmentationPhase != nil
	if hadPersistedPhase {
		phaseToBuild = *coll.DefragmentationPhase
	}

	phase, ok := e.transitionPhases(ctx, coll, phaseToBuild, !hadPersistedPhase)
	if !ok {
		// Persisting the initial phase marker failed; nothing is enrolled
		// yet, so the next RefreshCollectionStatus call retries from scratch.
		return
	}
	for phase != nil && phase.IsComplete() {
		next, ok := e.transitionPhases(ctx, coll, phase.NextPhase(), true)
		if !ok {
			break
		}
		phase = next
	}
	if phase != nil {
		e.states[coll.UUID] = phase
		metrics.ActiveCollections.Inc()
	}
}

func (e *PolicyEngine) persistPhaseUpdate(ctx context.Context, id uuid.UUID, phase PhaseType) error {
	if phase == PhaseFinished {
		return e.persistence.UnsetDefragmentation(ctx, id)
	}
	return e.persistence.SetPhase(ctx, id, phase)
}
