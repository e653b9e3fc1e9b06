package rpc

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/cellshot/internal/txbuilder"
)

// Observer records the outcome of one RPC operation.
type Observer interface {
	ObserveRPC(method string, err error, started time.Time)
}

// ObservedClient decorates a Client with request metrics.
type ObservedClient struct {
	next     Client
	observer Observer
}

// NewObservedClient wraps next. A nil observer returns next unchanged.
func NewObservedClient(next Client, observer Observer) Client {
	if observer == nil {
		return next
	}
	return &ObservedClient{next: next, observer: observer}
}

func (c *ObservedClient) Call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	started := time.Now()
	res, err := c.next.Call(ctx, method, params)
	c.observer.ObserveRPC(method, err, started)
	return res, err
}

func (c *ObservedClient) TipHeight(ctx context.Context) (uint64, error) {
	started := time.Now()
	tip, err := c.next.TipHeight(ctx)
	c.observer.ObserveRPC(MethodTipBlockNumber, err, started)
	return tip, err
}

func (c *ObservedClient) BlockByHeight(ctx context.Context, height uint64) (*Block, error) {
	started := time.Now()
	block, err := c.next.BlockByHeight(ctx, height)
	c.observer.ObserveRPC(MethodBlockByNumber, err, started)
	return block, err
}

func (c *ObservedClient) SendTransaction(ctx context.Context, tx *txbuilder.Transaction) (common.Hash, error) {
	started := time.Now()
	hash, err := c.next.SendTransaction(ctx, tx)
	c.observer.ObserveRPC(MethodSendTransaction, err, started)
	return hash, err
}

func (c *ObservedClient) OutputsByLockHash(ctx context.Context, lockHash common.Hash, from, to uint64) ([]LiveCell, error) {
	started := time.Now()
	cells, err := c.next.OutputsByLockHash(ctx, lockHash, from, to)
	c.observer.ObserveRPC(MethodCellsByLockHash, err, started)
	return cells, err
}

func (c *ObservedClient) URL() string {
	return c.next.URL()
}
