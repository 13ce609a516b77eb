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

// ChunkRecord is the catalog's view of one chunk: its range, owning shard,
// estimated size if known, and whether a migration/merge is in flight for
// it. EstimatedSizeBytes is nil when the size is unknown and must be
// measured.
type ChunkRecord struct {
	Range              ChunkRange
	Shard              ShardID
	EstimatedSizeBytes *int64
	Busy               bool
}

// HasSize reports whether the chunk's size has been measured.
func (c ChunkRecord) HasSize() bool {
	return c.EstimatedSizeBytes != nil
}

// SizeOrZero returns the chunk's estimated size, or 0 if unmeasured. Callers
// that must not treat "unknown" as "zero" should check HasSize first.
func (c ChunkRecord) SizeOrZero() int64 {
	if c.EstimatedSizeBytes == nil {
		return 0
	}
	return *c.EstimatedSizeBytes
}

func sizePtr(v int64) *int64 { return &v }
