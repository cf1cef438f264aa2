package carfile

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/ipfs/go-cid"
	car "github.com/ipld/go-car"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/northbound-pds/pds/internal/blockstore"
	"github.com/northbound-pds/pds/internal/codec"
	"github.com/northbound-pds/pds/internal/mst"
)

func TestWriteCARRoundTrip(t *testing.T) {
	rootCID, rootData, err := codec.CIDFor(map[string]any{"a": int64(1)})
	require.NoError(t, err)
	leafCID, leafData, err := codec.CIDFor(map[string]any{"b": int64(2)})
	require.NoError(t, err)

	blocks := blockstore.Blocks{rootCID: rootData, leafCID: leafData}

	var buf bytes.Buffer
	require.NoError(t, WriteCAR(&buf, []cid.Cid{rootCID}, blocks))

	reader, err := car.NewCarReader(&buf)
	require.NoError(t, err)
	assert.Equal(t, []cid.Cid{rootCID}, reader.Header.Roots)

	got := blockstore.Blocks{}
	for {
		blk, err := reader.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got[blk.Cid()] = blk.RawData()
	}
	assert.Equal(t, blocks, got)
}

// memLoader resolves nodes from an in-memory map; unused in this test
// since the tree under test never holds an unresolved CID reference.
type memLoader struct {
	blocks map[cid.Cid][]byte
}

func (l *memLoader) GetNode(ctx context.Context, c cid.Cid) (*mst.Node, error) {
	return mst.DeserializeNode(l.blocks[c])
}

func TestCommitFrameBlocksIncludesCoveringProof(t *testing.T) {
	ctx := context.Background()
	loader := &memLoader{blocks: map[cid.Cid][]byte{}}

	valCID, _, err := codec.CIDFor(map[string]any{"text": "hi"})
	require.NoError(t, err)

	root, err := mst.Add(ctx, loader, nil, "app.bsky.feed.post/a", valCID)
	require.NoError(t, err)

	rootCID, rootData, err := root.CID()
	require.NoError(t, err)

	newBlocks := blockstore.Blocks{rootCID: rootData}
	out, err := CommitFrameBlocks(ctx, loader, newBlocks, nil, root, []string{"app.bsky.feed.post/a"})
	require.NoError(t, err)
	assert.Contains(t, out, rootCID)
}
