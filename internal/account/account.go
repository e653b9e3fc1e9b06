// Package account defines the lock identities the harness moves capacity
// between.
package account

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/cellshot/internal/txbuilder"
)

// AlwaysSuccessCodeHash is the code hash of the always-success lock deployed
// on test chains.
var AlwaysSuccessCodeHash = common.HexToHash("0x1")

// Account is a lock identity. Cells carrying Lock belong to the account.
type Account struct {
	Name string
	Lock txbuilder.Script

	lockHash common.Hash
}

// NewAccount creates an account for lock. The lock hash is derived from the
// script.
func NewAccount(name string, lock txbuilder.Script) *Account {
	return &Account{
		Name:     name,
		Lock:     lock,
		lockHash: lock.Hash(),
	}
}

// Source returns the rich identity that capacity is harvested from.
func Source() *Account {
	return NewAccount("source", txbuilder.Script{
		CodeHash: AlwaysSuccessCodeHash,
		HashType: txbuilder.HashTypeData,
	})
}

// Owned returns the identity owned by the run named id. Its lock args are the
// run name, so separate runs never spend each other's cells.
func Owned(id string) (*Account, error) {
	if id == "" {
		return nil, errors.New("run id must not be empty")
	}
	return NewAccount(id, txbuilder.Script{
		CodeHash: AlwaysSuccessCodeHash,
		HashType: txbuilder.HashTypeData,
		Args:     []byte(id),
	}), nil
}

// LockHash returns the hash used to query cells by lock.
func (a *Account) LockHash() common.Hash {
	return a.lockHash
}

// OverrideLockHash replaces the derived lock hash, for nodes whose indexer
// hashes scripts differently.
func (a *Account) OverrideLockHash(hexHash string) error {
	b := common.FromHex(hexHash)
	if len(b) != common.HashLength {
		return fmt.Errorf("lock hash %q: want %d bytes, got %d", hexHash, common.HashLength, len(b))
	}
	a.lockHash = common.BytesToHash(b)
	return nil
}

// Owns reports whether lock belongs to the account.
func (a *Account) Owns(lock txbuilder.Script) bool {
	return a.Lock.Equal(lock)
}
