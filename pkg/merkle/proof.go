package merkle

import "fmt"

// ProofStep is one sibling on the path from leaf to root.
type ProofStep struct {
	Side        string `json:"side"` // "L" or "R"
	SiblingHash string `json:"siblingHash"`
}

// InclusionProof shows that one leaf is committed under a root.
type InclusionProof struct {
	LeafKey  string      `json:"leafKey"`
	LeafHash string      `json:"leafHash"`
	Root     string      `json:"root"`
	Path     []ProofStep `json:"path"`
}

// Prove builds the inclusion proof for a leaf key.
func (t *Tree) Prove(key string) (*InclusionProof, error) {
	idx := -1
	for i, leaf := range t.Leaves {
		if leaf.Key == key {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("merkle: no leaf %q", key)
	}

	proof := &InclusionProof{
		LeafKey:  key,
		LeafHash: t.Leaves[idx].Hash,
		Root:     t.Root,
	}
	pos := idx
	for _, level := range t.levels[:len(t.levels)-1] {
		withDup := level
		if len(withDup)%2 == 1 {
			withDup = append(append([]string{}, withDup...), withDup[len(withDup)-1])
		}
		if pos%2 == 0 {
			proof.Path = append(proof.Path, ProofStep{Side: "R", SiblingHash: withDup[pos+1]})
		} else {
			proof.Path = append(proof.Path, ProofStep{Side: "L", SiblingHash: withDup[pos-1]})
		}
		pos /= 2
	}
	return proof, nil
}

// Verify recomputes the root from a proof.
func Verify(proof *InclusionProof, expectedRoot string) bool {
	if expectedRoot != "" && proof.Root != expectedRoot {
		return false
	}
	current := proof.LeafHash
	for _, step := range proof.Path {
		if step.Side == "L" {
			current = nodeHash(step.SiblingHash, current)
		} else {
			current = nodeHash(current, step.SiblingHash)
		}
	}
	return current == proof.Root
}
