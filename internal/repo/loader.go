// Package repo implements the signed commit chain on top of an MST: a
// Repo tracks one DID's current tree and head commit, and applies
// batches of record writes as new signed commits.
package repo

import (
	"context"
	"fmt"

	"github.com/ipfs/go-cid"

	"github.com/northbound-pds/pds/internal/blockstore"
	"github.com/northbound-pds/pds/internal/mst"
)

// storeLoader adapts a blockstore.Store to mst.Loader, deserializing
// node bytes on demand.
type storeLoader struct {
	store blockstore.Store
}

func newStoreLoader(store blockstore.Store) mst.Loader {
	return &storeLoader{store: store}
}

// NewStoreLoader adapts store to mst.Loader for callers outside this
// package (internal/repohost's export helpers) that need to walk an
// already-persisted MST without a live Repo handle.
func NewStoreLoader(store blockstore.Store) mst.Loader {
	return newStoreLoader(store)
}

func (l *storeLoader) GetNode(ctx context.Context, c cid.Cid) (*mst.Node, error) {
	data, err := l.store.Read(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("repo: load mst node %s: %w", c, err)
	}
	return mst.DeserializeNode(data)
}
