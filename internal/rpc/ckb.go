package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/gateway-fm/cellshot/internal/txbuilder"
)

// Method names used by the harness.
const (
	MethodTipBlockNumber  = "get_tip_block_number"
	MethodBlockByNumber   = "get_block_by_number"
	MethodSendTransaction = "send_transaction"
	MethodCellsByLockHash = "get_cells_by_lock_hash"
)

// Always-success locks are not well-known scripts, so output validation is
// skipped.
const outputsValidator = "passthrough"

// Header is the part of a block header the harness reads. Numeric fields stay
// as hex strings so callers decide how to treat malformed values.
type Header struct {
	Number    string      `json:"number"`
	Timestamp string      `json:"timestamp"`
	Hash      common.Hash `json:"hash"`
}

// Output is a transaction output as returned inside a block.
type Output struct {
	Capacity string           `json:"capacity"`
	Lock     txbuilder.Script `json:"lock"`
}

// Transaction is a transaction as returned inside a block.
type Transaction struct {
	Hash    common.Hash `json:"hash"`
	Outputs []Output    `json:"outputs"`
}

// Block is a block with its transactions.
type Block struct {
	Header       Header        `json:"header"`
	Transactions []Transaction `json:"transactions"`
}

// LiveCell is an unspent cell returned by the lock-hash index.
type LiveCell struct {
	OutPoint txbuilder.OutPoint `json:"out_point"`
	Capacity string             `json:"capacity"`
	Lock     txbuilder.Script   `json:"lock"`
}

// TipHeight returns the node's tip block number.
func (c *HTTPClient) TipHeight(ctx context.Context) (uint64, error) {
	result, err := c.Call(ctx, MethodTipBlockNumber, nil)
	if err != nil {
		return 0, err
	}

	var tip hexutil.Uint64
	if err := json.Unmarshal(result, &tip); err != nil {
		return 0, fmt.Errorf("failed to unmarshal tip block number: %w", err)
	}
	return uint64(tip), nil
}

// BlockByHeight fetches the block at height.
func (c *HTTPClient) BlockByHeight(ctx context.Context, height uint64) (*Block, error) {
	result, err := c.Call(ctx, MethodBlockByNumber, []interface{}{hexutil.Uint64(height)})
	if err != nil {
		return nil, err
	}
	if len(result) == 0 || string(result) == "null" {
		return nil, fmt.Errorf("block %d not found", height)
	}

	var block Block
	if err := json.Unmarshal(result, &block); err != nil {
		return nil, fmt.Errorf("failed to unmarshal block %d: %w", height, err)
	}
	return &block, nil
}

// SendTransaction submits tx and returns the hash assigned by the node.
func (c *HTTPClient) SendTransaction(ctx context.Context, tx *txbuilder.Transaction) (common.Hash, error) {
	result, err := c.Call(ctx, MethodSendTransaction, []interface{}{tx, outputsValidator})
	if err != nil {
		return common.Hash{}, err
	}

	var hash common.Hash
	if err := json.Unmarshal(result, &hash); err != nil {
		return common.Hash{}, fmt.Errorf("failed to unmarshal transaction hash: %w", err)
	}
	return hash, nil
}

// OutputsByLockHash lists live cells under lockHash created in [from, to].
func (c *HTTPClient) OutputsByLockHash(ctx context.Context, lockHash common.Hash, from, to uint64) ([]LiveCell, error) {
	result, err := c.Call(ctx, MethodCellsByLockHash, []interface{}{
		lockHash, hexutil.Uint64(from), hexutil.Uint64(to),
	})
	if err != nil {
		return nil, err
	}

	var cells []LiveCell
	if err := json.Unmarshal(result, &cells); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cells: %w", err)
	}
	return cells, nil
}
