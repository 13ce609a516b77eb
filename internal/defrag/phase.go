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
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/milvus-io/chunkbalance/pkg/log"
	"github.com/milvus-io/chunkbalance/pkg/util/merr"
)

// PhaseType tags the four phase variants: the three active phases plus the
// terminal Finished marker. Only the three active values are ever
// persisted.
type PhaseType int

const (
	PhaseCoalesceAdjacent PhaseType = iota
	PhaseMoveAndMergeSmall
	PhaseSplitLarge
	PhaseFinished
)

func (p PhaseType) String() string {
	switch p {
	case PhaseCoalesceAdjacent:
		return "mergeChunks"
	case PhaseMoveAndMergeSmall:
		return "moveAndMergeChunks"
	case PhaseSplitLarge:
		return "splitChunks"
	case PhaseFinished:
		return "finished"
	default:
		return fmt.Sprintf("unknown(%d)", int(p))
	}
}

// ParsePhaseType parses a persisted phase tag back into a PhaseType. Only
// the three active phases are ever read back from persistence; Finished
// collections have no marker at all.
func ParsePhaseType(tag string) (PhaseType, error) {
	switch tag {
	case "mergeChunks":
		return PhaseCoalesceAdjacent, nil
	case "moveAndMergeChunks":
		return PhaseMoveAndMergeSmall, nil
	case "splitChunks":
		return PhaseSplitLarge, nil
	default:
		return PhaseFinished, fmt.Errorf("unrecognized defragmentation phase tag %q", tag)
	}
}

// Phase is the shared surface of the three active defragmentation phases: a
// closed set of implementations switched on by PhaseType, not an open
// hierarchy, so the scheduler never needs dispatch beyond a single
// interface satisfaction.
type Phase interface {
	Type() PhaseType

	// NextPhase reports where the collection should transition once
	// IsComplete() is true, whether by normal completion or abort.
	NextPhase() PhaseType

	// PopNextStreamableAction returns the next single action to hand the
	// suspending consumer interface, if any is currently producible.
	PopNextStreamableAction(ctx context.Context) (Action, bool)

	// PopNextMigration returns the next batch-selectable migration not
	// touching a shard already in usedShards, inserting into usedShards
	// any shards it commits to.
	PopNextMigration(ctx context.Context, usedShards map[ShardID]struct{}) (MigrateChunkAction, bool)

	ApplyMergeResult(ctx context.Context, action MergeChunksAction, err error)
	ApplyDataSizeResult(ctx context.Context, action MeasureDataSizeAction, sizeBytes int64, err error)
	ApplyAutoSplitVectorResult(ctx context.Context, action FindSplitPointsAction, keys []Key, err error)
	ApplySplitResult(ctx context.Context, action ApplySplitAction, err error)
	ApplyMigrateResult(ctx context.Context, action MigrateChunkAction, err error)

	IsComplete() bool
}

// handleActionResult classifies err as success, retriable, or non-retriable
// and invokes exactly one of onSuccess/onRetriable/onNonRetriable, logging
// non-retriable failures with their collection/phase context.
func handleActionResult(id uuid.UUID, namespace string, phase PhaseType, err error,
	onSuccess, onRetriable, onNonRetriable func(),
) {
	if err == nil {
		onSuccess()
		return
	}
	if merr.IsRetriable(err) {
		onRetriable()
		return
	}
	log.Error("defragmentation for collection hit non-retriable error",
		zap.String("namespace", namespace),
		zap.String("uuid", id.String()),
		zap.String("phase", phase.String()),
		zap.Error(err))
	onNonRetriable()
}

// unexpectedActionType logs a defensive warning when applyActionResult is
// invoked for an action type a given phase never produces, rather than
// asserting and crashing the balancer over a mismatched callback.
func unexpectedActionType(phase PhaseType, got string) {
	log.Error("unexpected action type applied to defragmentation phase",
		zap.String("phase", phase.String()),
		zap.String("actionType", got))
}
