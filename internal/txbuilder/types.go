// Package txbuilder models cells, scripts and the two transaction shapes the
// harness constructs: harvest consolidations and self-transfers.
package txbuilder

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// HashType selects how a script's code hash is matched.
type HashType string

// HashTypeData matches the code hash against the data hash of a dep cell.
const HashTypeData HashType = "data"

// Script is a lock or type script.
type Script struct {
	CodeHash common.Hash   `json:"code_hash"`
	HashType HashType      `json:"hash_type"`
	Args     hexutil.Bytes `json:"args"`
}

// Hash returns the script hash used to look up cells by lock.
func (s Script) Hash() common.Hash {
	return crypto.Keccak256Hash(s.CodeHash.Bytes(), []byte(s.HashType), s.Args)
}

// Equal reports whether two scripts are identical.
func (s Script) Equal(o Script) bool {
	return s.CodeHash == o.CodeHash && s.HashType == o.HashType && string(s.Args) == string(o.Args)
}

// OutPoint identifies a cell by the transaction that created it and its
// output index.
type OutPoint struct {
	TxHash common.Hash    `json:"tx_hash"`
	Index  hexutil.Uint64 `json:"index"`
}

// CellInput spends a previous output.
type CellInput struct {
	PreviousOutput OutPoint       `json:"previous_output"`
	Since          hexutil.Uint64 `json:"since"`
}

// CellOutput is a newly created cell.
type CellOutput struct {
	Capacity hexutil.Uint64 `json:"capacity"`
	Lock     Script         `json:"lock"`
	Type     *Script        `json:"type"`
}

// CellDep references a cell carrying script code.
type CellDep struct {
	OutPoint OutPoint `json:"out_point"`
	DepType  string   `json:"dep_type"`
}

// Transaction is the wire shape accepted by send_transaction.
type Transaction struct {
	Version     hexutil.Uint64  `json:"version"`
	CellDeps    []CellDep       `json:"cell_deps"`
	HeaderDeps  []common.Hash   `json:"header_deps"`
	Inputs      []CellInput     `json:"inputs"`
	Outputs     []CellOutput    `json:"outputs"`
	OutputsData []hexutil.Bytes `json:"outputs_data"`
	Witnesses   []hexutil.Bytes `json:"witnesses"`
}

// Cell is a spendable output together with its capacity in shannons.
type Cell struct {
	OutPoint OutPoint
	Capacity uint64
}

// OutputCapacity returns the sum of all output capacities.
func (tx *Transaction) OutputCapacity() (uint64, error) {
	caps := make([]uint64, len(tx.Outputs))
	for i, o := range tx.Outputs {
		caps[i] = uint64(o.Capacity)
	}
	return SumCapacity(caps)
}

func newTransaction(inputs []CellInput, outputs []CellOutput) *Transaction {
	data := make([]hexutil.Bytes, len(outputs))
	for i := range data {
		data[i] = hexutil.Bytes{}
	}
	return &Transaction{
		CellDeps:    []CellDep{},
		HeaderDeps:  []common.Hash{},
		Inputs:      inputs,
		Outputs:     outputs,
		OutputsData: data,
		Witnesses:   []hexutil.Bytes{},
	}
}
