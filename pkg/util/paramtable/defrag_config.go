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

package paramtable

// DefragConfig holds the balancer's defragmentation knobs: a global
// maxChunkSizeBytes (collections may override it), the streaming
// concurrency cap, and the small-chunk threshold percentage.
type DefragConfig struct {
	MaxChunkSizeBytes             ParamItem `refreshable:"true"`
	MaxConcurrentStreamingActions ParamItem `refreshable:"false"`
	SmallChunkThresholdPercentage ParamItem `refreshable:"false"`
}

func (c *DefragConfig) Init(mgr *Manager) {
	c.MaxChunkSizeBytes = ParamItem{
		Key:          "balancer.defrag.maxChunkSizeBytes",
		Version:      "1.0.0",
		DefaultValue: "67108864",
		Doc:          "Default maximum chunk size, in bytes, before a chunk is split. A collection may override this.",
		Export:       true,
	}
	c.MaxChunkSizeBytes.Init(mgr)

	c.MaxConcurrentStreamingActions = ParamItem{
		Key:          "balancer.defrag.maxConcurrentStreamingOps",
		Version:      "1.0.0",
		DefaultValue: "50",
		Doc:          "Maximum number of streaming defragmentation actions in flight at once.",
		Export:       true,
	}
	c.MaxConcurrentStreamingActions.Init(mgr)

	c.SmallChunkThresholdPercentage = ParamItem{
		Key:          "balancer.defrag.smallChunkThresholdPctg",
		Version:      "1.0.0",
		DefaultValue: "25",
		Doc:          "Percentage of maxChunkSizeBytes below which a chunk is considered small and eligible for move-and-merge.",
		Export:       true,
	}
	c.SmallChunkThresholdPercentage.Init(mgr)
}

// SmallChunkThresholdBytes computes (maxChunkSizeBytes / 100) * pctg using
// integer division throughout, so e.g. maxChunkSizeBytes=103 yields 25,
// not 25.75.
func SmallChunkThresholdBytes(maxChunkSizeBytes uint64, pctg int) uint64 {
	return (maxChunkSizeBytes / 100) * uint64(pctg)
}
