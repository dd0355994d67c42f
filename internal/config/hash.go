package config

import "hash/fnv"

// hashBytes fingerprints b with FNV-1a. Empty input hashes to 0, so a
// missing config never matches a real one.
func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
