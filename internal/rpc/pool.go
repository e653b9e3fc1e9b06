package rpc

import (
	"context"
	"errors"
	"math/rand/v2"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/cellshot/internal/txbuilder"
)

// Pool spreads requests across endpoints, choosing one uniformly at random
// for every request.
type Pool struct {
	clients []Client
	intn    func(n int) int
}

// NewPool creates a pool over clients.
func NewPool(clients ...Client) (*Pool, error) {
	if len(clients) == 0 {
		return nil, errors.New("pool needs at least one endpoint")
	}
	return &Pool{clients: clients, intn: rand.IntN}, nil
}

// Pick returns a random endpoint.
func (p *Pool) Pick() Client {
	return p.clients[p.intn(len(p.clients))]
}

// SendTransaction submits tx through a randomly picked endpoint.
func (p *Pool) SendTransaction(ctx context.Context, tx *txbuilder.Transaction) (common.Hash, error) {
	return p.Pick().SendTransaction(ctx, tx)
}

// Len returns the number of endpoints.
func (p *Pool) Len() int {
	return len(p.clients)
}
