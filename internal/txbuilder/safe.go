package txbuilder

// CalculateSafeHeight returns tip minus margin. ok is false while the chain is
// shorter than the margin.
func CalculateSafeHeight(tip, margin uint64) (height uint64, ok bool) {
	if tip < margin {
		return 0, false
	}
	return tip - margin, true
}
