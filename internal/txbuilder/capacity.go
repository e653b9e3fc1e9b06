package txbuilder

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ShannonsPerByte is the capacity cost of one occupied byte.
const ShannonsPerByte uint64 = 100_000_000

const (
	capacityFieldSize = 8
	codeHashSize      = 32
	hashTypeSize      = 1
)

var (
	// ErrCapacityOverflow is returned when a capacity sum exceeds uint64.
	ErrCapacityOverflow = errors.New("capacity overflow")

	// ErrInvalidCapacity is returned when a capacity field is not a hex quantity.
	ErrInvalidCapacity = errors.New("invalid capacity")
)

// ParseCapacity decodes a hex quantity capacity field.
func ParseCapacity(s string) (uint64, error) {
	v, err := hexutil.DecodeUint64(s)
	if err != nil {
		return 0, fmt.Errorf("%w %q: %v", ErrInvalidCapacity, s, err)
	}
	return v, nil
}

// SumCapacity adds capacities, failing instead of wrapping.
func SumCapacity(caps []uint64) (uint64, error) {
	var total uint64
	for _, c := range caps {
		sum, carry := bits.Add64(total, c, 0)
		if carry != 0 {
			return 0, ErrCapacityOverflow
		}
		total = sum
	}
	return total, nil
}

// OccupiedCapacity returns the minimum capacity a cell with the given lock and
// data must hold to be valid.
func OccupiedCapacity(lock Script, data []byte) (uint64, error) {
	size := uint64(capacityFieldSize + codeHashSize + hashTypeSize)
	size += uint64(len(lock.Args)) + uint64(len(data))
	hi, lo := bits.Mul64(size, ShannonsPerByte)
	if hi != 0 {
		return 0, ErrCapacityOverflow
	}
	return lo, nil
}
