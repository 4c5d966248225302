package partition

import "hash/fnv"

// Count is the fixed number of logical partitions.
// Never changes after initial deployment — it's a capacity decision, not a scaling decision.
const Count = 256

// For returns the partition ID for a given principal ID.
// Stable and deterministic: same principal always maps to the same partition.
// Uses FNV-32a (stdlib, fast, well-distributed).
func For(principalID string) int {
	h := fnv.New32a()
	h.Write([]byte(principalID))
	return int(h.Sum32() % Count)
}

// Worker assigns a partition to one of n workers. Every row of a partition
// lands on the same worker, so each worker owns its partial states exclusively.
func Worker(partitionID, n int) int {
	if n <= 1 {
		return 0
	}
	return partitionID % n
}
