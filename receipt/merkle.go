package receipt

import (
	"bytes"
	"encoding/hex"
	"sort"

	"golang.org/x/crypto/sha3"
)

// MerkleBatch describes one anchored batch of receipts.
type MerkleBatch struct {
	Root      string `json:"root"`
	LeafCount int    `json:"leaf_count"`
	Day       int    `json:"day"`
}

// BuildDailyMerkle hashes each serialized receipt into a keccak256 leaf and
// folds the leaves into a single root. Leaves are sorted before pairing and
// every pair is hashed in sorted order, so the root depends only on the set
// of receipts, never on ingestion order.
func BuildDailyMerkle(serialized [][]byte) string {
	if len(serialized) == 0 {
		return "0x" + hex.EncodeToString(make([]byte, 32))
	}

	leaves := make([][]byte, 0, len(serialized))
	for _, s := range serialized {
		leaves = append(leaves, keccak(s))
	}
	sort.Slice(leaves, func(i, j int) bool { return bytes.Compare(leaves[i], leaves[j]) < 0 })

	for len(leaves) > 1 {
		next := make([][]byte, 0, (len(leaves)+1)/2)
		for i := 0; i < len(leaves); i += 2 {
			if i+1 == len(leaves) {
				// Odd node is promoted unchanged.
				next = append(next, leaves[i])
				continue
			}
			next = append(next, hashPair(leaves[i], leaves[i+1]))
		}
		leaves = next
	}

	return "0x" + hex.EncodeToString(leaves[0])
}

func hashPair(a, b []byte) []byte {
	if bytes.Compare(a, b) > 0 {
		a, b = b, a
	}
	h := sha3.NewLegacyKeccak256()
	h.Write(a)
	h.Write(b)
	return h.Sum(nil)
}

func keccak(data []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	return h.Sum(nil)
}
