package audit

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/wene-labs/ledger/pkg/canonicalize"
	"github.com/wene-labs/ledger/pkg/merkle"
)

// EvidenceBundle is an exportable window of audit history. Third parties can
// re-verify the bundle hash, the Merkle root and internal chain links offline.
type EvidenceBundle struct {
	BundleID   string  `json:"bundle_id"`
	Version    string  `json:"version"`
	CreatedAt  string  `json:"created_at"`
	EntryCount int     `json:"entry_count"`
	Entries    []Entry `json:"entries"`
	GlobalHead string  `json:"global_head"`
	MerkleRoot string  `json:"merkle_root"`
	BundleHash string  `json:"bundle_hash"`
}

// ExportBundle packages the latest limit entries, oldest first.
func (c *Chain) ExportBundle(ctx context.Context, limit int) (*EvidenceBundle, error) {
	entries, err := c.RecentEntries(ctx, limit)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("no audit entries to export")
	}
	// RecentEntries is newest-first; bundles are chronological.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}

	head, err := c.GlobalHead(ctx)
	if err != nil {
		return nil, err
	}
	bundle := &EvidenceBundle{
		BundleID:   uuid.New().String(),
		Version:    "1.0.0",
		CreatedAt:  Timestamp(c.now()),
		EntryCount: len(entries),
		Entries:    entries,
		GlobalHead: head,
	}
	tree, err := bundleTree(entries)
	if err != nil {
		return nil, err
	}
	bundle.MerkleRoot = tree.Root
	bundle.BundleHash, err = canonicalize.Hash(bundle.Entries)
	if err != nil {
		return nil, fmt.Errorf("bundle hash: %w", err)
	}
	return bundle, nil
}

// bundleTree commits every entry hash under one Merkle root, keyed by the
// entry's position in the bundle.
func bundleTree(entries []Entry) (*merkle.Tree, error) {
	leaves := make(map[string]string, len(entries))
	for i, entry := range entries {
		leaves[fmt.Sprintf("%06d:%s", i, entry.EntryHash)] = entry.EntryHash
	}
	return merkle.Build(leaves)
}

// EntryProof builds the Merkle inclusion proof for the entry at index i.
func (b *EvidenceBundle) EntryProof(i int) (*merkle.InclusionProof, error) {
	if i < 0 || i >= len(b.Entries) {
		return nil, fmt.Errorf("entry index %d out of range", i)
	}
	tree, err := bundleTree(b.Entries)
	if err != nil {
		return nil, err
	}
	return tree.Prove(fmt.Sprintf("%06d:%s", i, b.Entries[i].EntryHash))
}

// VerifyBundle re-checks a bundle's hash and per-entry chain links.
func VerifyBundle(bundle *EvidenceBundle) error {
	if len(bundle.Entries) == 0 {
		return fmt.Errorf("bundle is empty")
	}
	computed, err := canonicalize.Hash(bundle.Entries)
	if err != nil {
		return fmt.Errorf("bundle hash: %w", err)
	}
	if computed != bundle.BundleHash {
		return fmt.Errorf("bundle hash mismatch")
	}
	tree, err := bundleTree(bundle.Entries)
	if err != nil {
		return err
	}
	if tree.Root != bundle.MerkleRoot {
		return fmt.Errorf("merkle root mismatch")
	}
	for i := 1; i < len(bundle.Entries); i++ {
		if bundle.Entries[i].PrevHash != bundle.Entries[i-1].EntryHash {
			return fmt.Errorf("global chain broken at entry %d", i)
		}
	}
	for i := range bundle.Entries {
		recomputed, err := ComputeEntryHash(bundle.Entries[i])
		if err != nil || recomputed != bundle.Entries[i].EntryHash {
			return fmt.Errorf("entry hash mismatch at entry %d", i)
		}
	}
	return nil
}
