package merkle_test

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wene-labs/ledger/pkg/merkle"
)

func fakeHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestBuild_RootAndProofs(t *testing.T) {
	leaves := map[string]string{}
	for i := 0; i < 5; i++ {
		leaves[fmt.Sprintf("%03d", i)] = fakeHash(fmt.Sprintf("entry-%d", i))
	}

	tree, err := merkle.Build(leaves)
	require.NoError(t, err)
	require.Len(t, tree.Leaves, 5)
	assert.True(t, len(tree.Root) == 64)

	for key := range leaves {
		proof, err := tree.Prove(key)
		require.NoError(t, err)
		assert.True(t, merkle.Verify(proof, tree.Root), "proof for %s", key)
	}
}

func TestVerify_RejectsWrongRoot(t *testing.T) {
	tree, err := merkle.Build(map[string]string{
		"a": fakeHash("a"),
		"b": fakeHash("b"),
	})
	require.NoError(t, err)

	proof, err := tree.Prove("a")
	require.NoError(t, err)
	assert.False(t, merkle.Verify(proof, fakeHash("other-root")))
}

func TestVerify_RejectsTamperedPath(t *testing.T) {
	tree, err := merkle.Build(map[string]string{
		"a": fakeHash("a"),
		"b": fakeHash("b"),
		"c": fakeHash("c"),
	})
	require.NoError(t, err)

	proof, err := tree.Prove("b")
	require.NoError(t, err)
	proof.Path[0].SiblingHash = fakeHash("forged")
	assert.False(t, merkle.Verify(proof, tree.Root))
}

func TestBuild_RejectsMalformedLeaf(t *testing.T) {
	_, err := merkle.Build(map[string]string{"bad": "not-hex"})
	require.Error(t, err)
}

func TestBuild_DeterministicOrder(t *testing.T) {
	a, err := merkle.Build(map[string]string{"x": fakeHash("1"), "y": fakeHash("2")})
	require.NoError(t, err)
	b, err := merkle.Build(map[string]string{"y": fakeHash("2"), "x": fakeHash("1")})
	require.NoError(t, err)
	assert.Equal(t, a.Root, b.Root)
}
