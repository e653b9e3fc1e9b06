package txbuilder

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ChangeIndex is the output position of the change cell in a harvest.
const ChangeIndex = 0

// Harvest is a consolidation of source cells into owned cells.
type Harvest struct {
	Tx *Transaction

	// Total is the capacity of all inputs.
	Total uint64

	// MinCapacity is the capacity of each owned output.
	MinCapacity uint64

	// Change is the capacity returned to the source lock.
	Change uint64

	// Outputs is the number of owned outputs.
	Outputs int
}

// Split computes how many destination outputs of minCapacity fit into total
// while leaving one change cell, capped at maxOutputs. The change capacity
// absorbs everything that does not fit. ok is false when total cannot fund a
// single destination output.
func Split(total, minCapacity uint64, maxOutputs int) (n int, change uint64, ok bool) {
	if minCapacity == 0 || total <= minCapacity {
		return 0, 0, false
	}
	count := total/minCapacity - 1
	if maxOutputs >= 0 && count > uint64(maxOutputs) {
		count = uint64(maxOutputs)
	}
	if count == 0 {
		return 0, 0, false
	}
	return int(count), total - count*minCapacity, true
}

// BuildHarvest consolidates cells locked by source into outputs locked by
// owned. It returns nil without error when the cells are too poor to harvest.
// A negative maxOutputs means no cap.
func BuildHarvest(cells []Cell, source, owned Script, maxOutputs int) (*Harvest, error) {
	caps := make([]uint64, len(cells))
	for i, c := range cells {
		caps[i] = c.Capacity
	}
	total, err := SumCapacity(caps)
	if err != nil {
		return nil, fmt.Errorf("sum %d input capacities: %w", len(cells), err)
	}

	minCapacity, err := OccupiedCapacity(owned, nil)
	if err != nil {
		return nil, fmt.Errorf("occupied capacity: %w", err)
	}

	n, change, ok := Split(total, minCapacity, maxOutputs)
	if !ok {
		return nil, nil
	}

	inputs := make([]CellInput, len(cells))
	for i, c := range cells {
		inputs[i] = CellInput{PreviousOutput: c.OutPoint}
	}

	outputs := make([]CellOutput, 0, n+1)
	outputs = append(outputs, CellOutput{Capacity: hexutil.Uint64(change), Lock: source})
	for range n {
		outputs = append(outputs, CellOutput{Capacity: hexutil.Uint64(minCapacity), Lock: owned})
	}

	return &Harvest{
		Tx:          newTransaction(inputs, outputs),
		Total:       total,
		MinCapacity: minCapacity,
		Change:      change,
		Outputs:     n,
	}, nil
}
