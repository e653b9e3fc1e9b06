package txbuilder

import "github.com/ethereum/go-ethereum/common/hexutil"

// BuildSelfTransfer spends cell into a single output of the same capacity
// under lock.
func BuildSelfTransfer(cell Cell, lock Script) *Transaction {
	return newTransaction(
		[]CellInput{{PreviousOutput: cell.OutPoint}},
		[]CellOutput{{Capacity: hexutil.Uint64(cell.Capacity), Lock: lock}},
	)
}
