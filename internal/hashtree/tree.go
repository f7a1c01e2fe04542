// Package hashtree builds tamper-evident hash commitments over ordered
// byte sequences and re-verifies individual leaves or the whole tree.
package hashtree

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
)

// leafSeparator prefixes leaf hashes: leaf = sha256(0x00 || data).
var leafSeparator = []byte{0x00}

// nodeSeparator prefixes interior node hashes: node = sha256(0x01 || left || right).
var nodeSeparator = []byte{0x01}

// Tree is a commitment over an ordered sequence of items. Once built it is
// read-only; verification never mutates it.
type Tree struct {
	leaves [][]byte
	root   []byte
}

// LeafHash computes the commitment hash for a single item.
func LeafHash(data []byte) []byte {
	h := sha256.New()
	h.Write(leafSeparator)
	h.Write(data)
	return h.Sum(nil)
}

func nodeHash(left, right []byte) []byte {
	h := sha256.New()
	h.Write(nodeSeparator)
	h.Write(left)
	h.Write(right)
	return h.Sum(nil)
}

// emptyRoot is the sentinel root for a tree with no leaves: sha256 of the
// empty string, with no domain separator.
func emptyRoot() []byte {
	sum := sha256.Sum256(nil)
	return sum[:]
}

// Build constructs a tree over the given items in order. Each item is hashed
// into a leaf, then leaves are combined pairwise level by level. A level with
// an odd count carries its unmatched final hash up to the next level
// unchanged. Zero items produce the sentinel empty root.
func Build(items [][]byte) *Tree {
	if len(items) == 0 {
		return &Tree{root: emptyRoot()}
	}

	leaves := make([][]byte, len(items))
	for i, item := range items {
		leaves[i] = LeafHash(item)
	}

	return &Tree{
		leaves: leaves,
		root:   rootFrom(leaves),
	}
}

// rootFrom combines a level of hashes up to a single root.
func rootFrom(level [][]byte) []byte {
	for len(level) > 1 {
		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, nodeHash(level[i], level[i+1]))
			} else {
				// Odd count: promote the last hash without rehashing.
				next = append(next, level[i])
			}
		}
		level = next
	}
	return level[0]
}

// Size returns the number of leaves.
func (t *Tree) Size() int {
	return len(t.leaves)
}

// Root returns a copy of the root hash.
func (t *Tree) Root() []byte {
	return append([]byte(nil), t.root...)
}

// RootHex returns the root hash as a hex string.
func (t *Tree) RootHex() string {
	return hex.EncodeToString(t.root)
}

// Leaves returns a copy of the per-leaf hash array.
func (t *Tree) Leaves() [][]byte {
	out := make([][]byte, len(t.leaves))
	for i, l := range t.leaves {
		out[i] = append([]byte(nil), l...)
	}
	return out
}

// LeafHex returns the hash at index as a hex string, or "" if out of range.
func (t *Tree) LeafHex(index int) string {
	if index < 0 || index >= len(t.leaves) {
		return ""
	}
	return hex.EncodeToString(t.leaves[index])
}

// VerifyLeaf recomputes the hash of item and compares it to the committed
// leaf at index. Pure predicate: an out-of-range index is simply false.
func (t *Tree) VerifyLeaf(index int, item []byte) bool {
	if index < 0 || index >= len(t.leaves) {
		return false
	}
	return bytes.Equal(t.leaves[index], LeafHash(item))
}

// VerifyRoot rebuilds a tree from items and compares the resulting root to
// the committed root. Catches reordering, insertion, deletion, and corruption
// of the stored root or leaf array that per-leaf checks cannot see.
func (t *Tree) VerifyRoot(items [][]byte) bool {
	return bytes.Equal(t.root, Build(items).root)
}
