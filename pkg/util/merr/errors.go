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

// Package merr defines the engine's leaf errors and the retriable/
// non-retriable classification the defragmentation phases rely on to decide
// between requeuing an action and aborting a phase.
package merr

import (
	"github.com/cockroachdb/errors"
)

// balancerError is a leaf error carrying an explicit retriable flag,
// declared once and reused rather than classified by matching on error
// strings at the call site.
type balancerError struct {
	msg       string
	retriable bool
}

func newBalancerError(msg string, retriable bool) balancerError {
	return balancerError{msg: msg, retriable: retriable}
}

func (e balancerError) Error() string { return e.msg }

func (e balancerError) Is(err error) bool {
	cause, ok := err.(balancerError)
	if !ok {
		return false
	}
	return cause.msg == e.msg
}

// Retriable reports whether errors matching this leaf should be treated as
// transient by the defragmentation phases.
func (e balancerError) Retriable() bool { return e.retriable }

var (
	// ErrStaleShardVersion signals that the executor observed a routing
	// table version older than what it expected. Always retriable.
	ErrStaleShardVersion = newBalancerError("stale shard version", true)

	// ErrStaleConfig signals a stale read of the sharding config metadata.
	ErrStaleConfig = newBalancerError("stale config", true)

	// ErrTransient is a generic retriable failure for executor-reported
	// errors that the surrounding infrastructure already categorized as
	// transient (network blip, write conflict, etc.).
	ErrTransient = newBalancerError("transient error", true)

	// ErrOperationNotPermitted is a representative non-retriable
	// operational failure (e.g. an authorization or invariant violation
	// reported by the executor).
	ErrOperationNotPermitted = newBalancerError("operation not permitted", false)

	// ErrCollectionDropped signals a catalog-read failure during action
	// selection: the collection no longer exists.
	ErrCollectionDropped = newBalancerError("collection no longer exists", false)

	// ErrNoPendingConsumer is raised if the engine is asked to park a
	// second streaming consumer while one is already parked; this is an
	// internal invariant violation, not a user-facing condition.
	ErrNoPendingConsumer = newBalancerError("a streaming consumer is already parked", false)

	// ErrChunkSizeUnknown flags a chunk whose estimatedSizeBytes is unset
	// where a phase requires it to be known (e.g. MoveAndMergeSmall
	// build-time abort).
	ErrChunkSizeUnknown = newBalancerError("chunk is missing an estimated size", false)
)

type retriableErr interface {
	Retriable() bool
}

// IsRetriable reports whether err, or any error it wraps, declares itself
// retriable.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	var r retriableErr
	if errors.As(err, &r) {
		return r.Retriable()
	}
	return false
}

// Wrap annotates err with msg while preserving its retriable classification
// for IsRetriable, using cockroachdb/errors so the wrapped chain still
// satisfies errors.As for balancerError.
func Wrap(err error, msg string) error {
	return errors.Wrap(err, msg)
}
