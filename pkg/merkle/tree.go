// Package merkle builds a Merkle tree over audit entry hashes so exported
// evidence bundles carry a single commitment plus per-entry inclusion proofs.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
)

// Domain prefixes separating leaf and node hashes.
const (
	leafDomain = "we-ne:audit:leaf:v1\x00"
	nodeDomain = "we-ne:audit:node:v1\x00"
)

// Leaf is one committed entry.
type Leaf struct {
	Key  string `json:"key"`
	Hash string `json:"hash"`
}

// Tree is a balanced binary Merkle tree; odd levels duplicate the last node.
type Tree struct {
	Leaves []Leaf
	Root   string
	levels [][]string
}

// Build constructs a tree from key → 64-hex-hash pairs, leaves ordered by key.
func Build(hashes map[string]string) (*Tree, error) {
	keys := make([]string, 0, len(hashes))
	for k := range hashes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	leaves := make([]Leaf, len(keys))
	for i, key := range keys {
		value := hashes[key]
		raw, err := hex.DecodeString(value)
		if err != nil || len(raw) != sha256.Size {
			return nil, fmt.Errorf("merkle: leaf %q is not a 32-byte hex hash", key)
		}
		leaves[i] = Leaf{Key: key, Hash: leafHash(key, raw)}
	}
	if len(leaves) == 0 {
		return &Tree{}, nil
	}

	tree := &Tree{Leaves: leaves}
	level := make([]string, len(leaves))
	for i, leaf := range leaves {
		level[i] = leaf.Hash
	}
	tree.levels = append(tree.levels, level)

	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([]string, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next = append(next, nodeHash(level[i], level[i+1]))
		}
		tree.levels = append(tree.levels, next)
		level = next
	}
	tree.Root = level[0]
	return tree, nil
}

func leafHash(key string, value []byte) string {
	h := sha256.New()
	h.Write([]byte(leafDomain))
	h.Write([]byte(key))
	h.Write([]byte{0})
	h.Write(value)
	return hex.EncodeToString(h.Sum(nil))
}

func nodeHash(left, right string) string {
	h := sha256.New()
	h.Write([]byte(nodeDomain))
	h.Write(mustHex(left))
	h.Write(mustHex(right))
	return hex.EncodeToString(h.Sum(nil))
}

func mustHex(s string) []byte {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return []byte(s)
	}
	return raw
}
