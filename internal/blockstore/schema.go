package blockstore

// Schema is the PostgreSQL schema PGStore bootstraps on connect. Tables
// are qualified by did rather than split across per-tenant databases,
// since this module hosts repos directly in one store.
const Schema = `
-- blocks holds every content-addressed block ever written, write-once:
-- a (cid) that already exists is never overwritten.
-- seq is the firehose sequence number the block's batch was written
-- under (every block written as part of one commit shares that
-- commit's seq); 0 for blocks written outside a commit/genesis/tombstone
-- batch.
CREATE TABLE IF NOT EXISTS blocks (
	cid     TEXT PRIMARY KEY,
	did     TEXT NOT NULL,
	data    BYTEA NOT NULL,
	seq     BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS blocks_did_idx ON blocks (did);

-- repos holds one row per hosted repo: its current head commit CID,
-- current rev (TID), and whether it has been tombstoned.
CREATE TABLE IF NOT EXISTS repos (
	did     TEXT PRIMARY KEY,
	head    TEXT NOT NULL,
	rev     TEXT NOT NULL,
	active  BOOLEAN NOT NULL DEFAULT TRUE
);

-- sequences holds the single monotonic counter the firehose allocates
-- event sequence numbers from.
CREATE TABLE IF NOT EXISTS sequences (
	id      SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
	next    BIGINT NOT NULL DEFAULT 1
);
INSERT INTO sequences (id, next) VALUES (1, 1) ON CONFLICT (id) DO NOTHING;

-- events holds the durable firehose log: one row per allocated
-- sequence number, carrying the pre-encoded wire frame.
CREATE TABLE IF NOT EXISTS events (
	seq     BIGINT PRIMARY KEY,
	data    BYTEA NOT NULL
);
`
