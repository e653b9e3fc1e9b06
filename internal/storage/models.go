// Package storage is the persistent ledger shared by the harness workers.
package storage

import "github.com/ethereum/go-ethereum/common"

// Cursor names.
const (
	CursorTip            = "tip"
	CursorChain          = "chain"
	CursorTurn           = "turn"
	CursorHarvested      = "harvested"
	CursorHarvestChecked = "harvest_checked"
)

// Output is a transaction output observed in a recorded block.
type Output struct {
	TxHash   common.Hash `json:"txHash"`
	Index    uint32      `json:"index"`
	Capacity uint64      `json:"capacity"`
}

// BlockFacts is everything extracted from one block.
type BlockFacts struct {
	Height    uint64
	Timestamp uint64 // milliseconds
	TxHashes  []common.Hash
	Outputs   []Output
}

// SubmissionCounts summarizes submissions against confirmed chain state.
type SubmissionCounts struct {
	Submitted        uint64 `json:"submitted"`
	ConfirmedByHash  uint64 `json:"confirmedByHash"`
	ConfirmedOnChain uint64 `json:"confirmedOnChain"`
}

// Statistics aggregates confirmed submissions. Timestamps and latencies are
// milliseconds.
type Statistics struct {
	Count          uint64 `json:"count"`
	FirstTimestamp int64  `json:"firstTimestamp"`
	LastTimestamp  int64  `json:"lastTimestamp"`
	MinLatency     int64  `json:"minLatency"`
	MaxLatency     int64  `json:"maxLatency"`
	SumLatency     int64  `json:"sumLatency"`
}
