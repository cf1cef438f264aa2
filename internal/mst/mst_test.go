package mst

import (
	"context"
	"math/rand"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memLoader resolves nothing; all test trees stay fully in memory with
// Refs built via RefToNode, so Resolve never needs to hit a loader.
type memLoader struct{}

func (memLoader) GetNode(ctx context.Context, c cid.Cid) (*Node, error) {
	panic("unexpected load of " + c.String())
}

func leafCID(t *testing.T, s string) cid.Cid {
	t.Helper()
	mh, err := multihash.Sum([]byte(s), multihash.SHA2_256, -1)
	require.NoError(t, err)
	return cid.NewCidV1(cid.Raw, mh)
}

func buildTree(t *testing.T, ctx context.Context, keys []string) *Node {
	t.Helper()
	var root *Node
	var err error
	for _, k := range keys {
		root, err = Add(ctx, memLoader{}, root, k, leafCID(t, k))
		require.NoError(t, err)
	}
	return root
}

func TestMSTInsertionOrderIndependence(t *testing.T) {
	ctx := context.Background()
	keys := []string{
		"app.bsky.feed.post/a", "app.bsky.feed.post/b", "app.bsky.feed.post/c",
		"app.bsky.feed.post/d", "app.bsky.feed.post/e", "app.bsky.feed.post/f",
		"app.bsky.feed.like/x", "app.bsky.feed.like/y",
	}

	root1 := buildTree(t, ctx, keys)
	c1, _, err := root1.CID()
	require.NoError(t, err)

	shuffled := append([]string(nil), keys...)
	rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	root2 := buildTree(t, ctx, shuffled)
	c2, _, err := root2.CID()
	require.NoError(t, err)

	assert.Equal(t, c1, c2, "tree CID must not depend on insertion order")
}

func TestMSTGetAfterAdd(t *testing.T) {
	ctx := context.Background()
	keys := []string{"a.b/1", "a.b/2", "a.b/3", "a.b/4", "a.b/5", "a.b/6", "a.b/7"}
	root := buildTree(t, ctx, keys)

	for _, k := range keys {
		v, ok, err := Get(ctx, memLoader{}, root, k)
		require.NoError(t, err)
		require.True(t, ok, "key %q should be present", k)
		assert.Equal(t, leafCID(t, k), v)
	}

	_, ok, err := Get(ctx, memLoader{}, root, "a.b/missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMSTAddExistingKeyFails(t *testing.T) {
	ctx := context.Background()
	root := buildTree(t, ctx, []string{"a.b/1"})
	_, err := Add(ctx, memLoader{}, root, "a.b/1", leafCID(t, "a.b/1"))
	assert.ErrorIs(t, err, ErrKeyExists)
}

func TestMSTUpdateMissingKeyFails(t *testing.T) {
	ctx := context.Background()
	root := buildTree(t, ctx, []string{"a.b/1"})
	_, err := Update(ctx, memLoader{}, root, "a.b/2", leafCID(t, "a.b/2"))
	assert.ErrorIs(t, err, ErrKeyMissing)
}

func TestMSTDeleteThenCIDMatchesWithoutEverAdding(t *testing.T) {
	ctx := context.Background()
	keys := []string{"a.b/1", "a.b/2", "a.b/3", "a.b/4", "a.b/5"}
	withExtra := append(append([]string(nil), keys...), "a.b/extra")

	root := buildTree(t, ctx, withExtra)
	root, err := Delete(ctx, memLoader{}, root, "a.b/extra")
	require.NoError(t, err)
	c1, _, err := root.CID()
	require.NoError(t, err)

	root2 := buildTree(t, ctx, keys)
	c2, _, err := root2.CID()
	require.NoError(t, err)

	assert.Equal(t, c2, c1, "add-then-delete must converge to the same tree as never adding")
}

func TestMSTDeleteMissingKeyFails(t *testing.T) {
	ctx := context.Background()
	root := buildTree(t, ctx, []string{"a.b/1"})
	_, err := Delete(ctx, memLoader{}, root, "a.b/nope")
	assert.ErrorIs(t, err, ErrKeyMissing)
}

func TestMSTListWithPrefix(t *testing.T) {
	ctx := context.Background()
	keys := []string{
		"app.bsky.feed.post/1", "app.bsky.feed.post/2",
		"app.bsky.feed.like/1", "app.bsky.graph.follow/1",
	}
	root := buildTree(t, ctx, keys)

	leaves, err := ListWithPrefix(ctx, memLoader{}, root, "app.bsky.feed.post/")
	require.NoError(t, err)
	require.Len(t, leaves, 2)
	assert.Equal(t, "app.bsky.feed.post/1", leaves[0].Key)
	assert.Equal(t, "app.bsky.feed.post/2", leaves[1].Key)
}

func TestMSTListIsSorted(t *testing.T) {
	ctx := context.Background()
	keys := []string{"a.b/5", "a.b/1", "a.b/3", "a.b/4", "a.b/2"}
	root := buildTree(t, ctx, keys)
	leaves, err := List(ctx, memLoader{}, root)
	require.NoError(t, err)
	require.Len(t, leaves, 5)
	for i := 1; i < len(leaves); i++ {
		assert.Less(t, leaves[i-1].Key, leaves[i].Key)
	}
}

func TestDiffOfSelfIsEmpty(t *testing.T) {
	ctx := context.Background()
	root := buildTree(t, ctx, []string{"a.b/1", "a.b/2", "a.b/3"})
	d, err := Of(ctx, memLoader{}, root, root)
	require.NoError(t, err)
	assert.Empty(t, d.Adds)
	assert.Empty(t, d.Updates)
	assert.Empty(t, d.Deletes)
	assert.Empty(t, d.NewCIDs)
	assert.Empty(t, d.RemovedCIDs)
}

func TestDiffTracksAddUpdateDelete(t *testing.T) {
	ctx := context.Background()
	root := buildTree(t, ctx, []string{"a.b/1", "a.b/2", "a.b/3"})

	next, err := Delete(ctx, memLoader{}, root, "a.b/3")
	require.NoError(t, err)
	next, err = Update(ctx, memLoader{}, next, "a.b/1", leafCID(t, "a.b/1-v2"))
	require.NoError(t, err)
	next, err = Add(ctx, memLoader{}, next, "a.b/4", leafCID(t, "a.b/4"))
	require.NoError(t, err)

	d, err := Of(ctx, memLoader{}, root, next)
	require.NoError(t, err)
	assert.Contains(t, d.Adds, "a.b/4")
	assert.Contains(t, d.Updates, "a.b/1")
	assert.Contains(t, d.Deletes, "a.b/3")
}

func TestEnsureValidKeyRejectsMalformed(t *testing.T) {
	prefix := "collection/"
	rkey := make([]byte, 257-len(prefix))
	for i := range rkey {
		rkey[i] = 'a'
	}
	tooLong := prefix + string(rkey)

	for _, k := range []string{
		"", "norkey", "/missingcollection", "collection/",
		"ns/a/b",        // multiple slashes: more than one collection/rkey segment
		"collection/a~", // tilde is not in the allowed rkey alphabet
		tooLong,         // 257 bytes, one past the 256-byte boundary
	} {
		assert.Error(t, EnsureValidKey(k), "expected %q to be invalid", k)
	}
	assert.NoError(t, EnsureValidKey("app.bsky.feed.post/3jxyz"))
}

func TestLayerForKeyIsDeterministic(t *testing.T) {
	assert.Equal(t, LayerForKey("app.bsky.feed.post/abc"), LayerForKey("app.bsky.feed.post/abc"))
}
