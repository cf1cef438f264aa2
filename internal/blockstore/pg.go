package blockstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore is a PostgreSQL-backed Store whose tables are qualified by
// did, supporting many hosted repos in one database.
type PGStore struct {
	pool *pgxpool.Pool
}

// OpenPGStore connects to Postgres, verifies the connection, and
// bootstraps the schema with a connect-ping-bootstrap sequence.
func OpenPGStore(ctx context.Context, dsn string) (*PGStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("blockstore: parse dsn: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("blockstore: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("blockstore: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, Schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("blockstore: bootstrap schema: %w", err)
	}
	return &PGStore{pool: pool}, nil
}

// Close shuts down the connection pool.
func (s *PGStore) Close() {
	s.pool.Close()
}

func (s *PGStore) Read(ctx context.Context, c cid.Cid) ([]byte, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM blocks WHERE cid = $1`, c.String()).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrBlockNotFound, c)
	}
	if err != nil {
		return nil, fmt.Errorf("blockstore: read %s: %w", c, err)
	}
	return data, nil
}

func (s *PGStore) Has(ctx context.Context, c cid.Cid) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM blocks WHERE cid = $1)`, c.String()).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("blockstore: has %s: %w", c, err)
	}
	return exists, nil
}

func (s *PGStore) ReadMany(ctx context.Context, cids []cid.Cid) (Blocks, error) {
	strs := make([]string, len(cids))
	for i, c := range cids {
		strs[i] = c.String()
	}
	rows, err := s.pool.Query(ctx, `SELECT cid, data FROM blocks WHERE cid = ANY($1)`, strs)
	if err != nil {
		return nil, fmt.Errorf("blockstore: read many: %w", err)
	}
	defer rows.Close()

	out := make(Blocks, len(cids))
	for rows.Next() {
		var cs string
		var data []byte
		if err := rows.Scan(&cs, &data); err != nil {
			return nil, fmt.Errorf("blockstore: read many scan: %w", err)
		}
		c, err := cid.Decode(cs)
		if err != nil {
			return nil, fmt.Errorf("blockstore: read many decode cid: %w", err)
		}
		out[c] = data
	}
	return out, rows.Err()
}

func (s *PGStore) ReadBlocks(ctx context.Context, did string) (Blocks, error) {
	rows, err := s.pool.Query(ctx, `SELECT cid, data FROM blocks WHERE did = $1`, did)
	if err != nil {
		return nil, fmt.Errorf("blockstore: read blocks: %w", err)
	}
	defer rows.Close()

	out := Blocks{}
	for rows.Next() {
		var cs string
		var data []byte
		if err := rows.Scan(&cs, &data); err != nil {
			return nil, fmt.Errorf("blockstore: read blocks scan: %w", err)
		}
		c, err := cid.Decode(cs)
		if err != nil {
			return nil, fmt.Errorf("blockstore: read blocks decode cid: %w", err)
		}
		out[c] = data
	}
	return out, rows.Err()
}

func (s *PGStore) ReadBlocksSince(ctx context.Context, did string, since int64) (Blocks, error) {
	rows, err := s.pool.Query(ctx, `SELECT cid, data FROM blocks WHERE did = $1 AND seq >= $2`, did, since)
	if err != nil {
		return nil, fmt.Errorf("blockstore: read blocks since: %w", err)
	}
	defer rows.Close()

	out := Blocks{}
	for rows.Next() {
		var cs string
		var data []byte
		if err := rows.Scan(&cs, &data); err != nil {
			return nil, fmt.Errorf("blockstore: read blocks since scan: %w", err)
		}
		c, err := cid.Decode(cs)
		if err != nil {
			return nil, fmt.Errorf("blockstore: read blocks since decode cid: %w", err)
		}
		out[c] = data
	}
	return out, rows.Err()
}

func (s *PGStore) Write(ctx context.Context, did string, blocks Blocks) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("blockstore: write begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := writeBlocksTx(ctx, tx, did, blocks, 0); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// writeBlocksTx enforces write-once by checking existing bytes before
// insert; ON CONFLICT DO NOTHING alone would silently accept a differing
// payload under the same CID, which this store's write-once invariant
// forbids. seq tags every newly-inserted
// block with the batch's shared sequence number (0 outside a
// commit/genesis/tombstone batch).
func writeBlocksTx(ctx context.Context, tx pgx.Tx, did string, blocks Blocks, seq int64) error {
	for c, data := range blocks {
		var existing []byte
		err := tx.QueryRow(ctx, `SELECT data FROM blocks WHERE cid = $1`, c.String()).Scan(&existing)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			if _, err := tx.Exec(ctx,
				`INSERT INTO blocks (cid, did, data, seq) VALUES ($1, $2, $3, $4)`,
				c.String(), did, data, seq); err != nil {
				return fmt.Errorf("blockstore: insert block %s: %w", c, err)
			}
		case err != nil:
			return fmt.Errorf("blockstore: check block %s: %w", c, err)
		default:
			if string(existing) != string(data) {
				return fmt.Errorf("%w: %s", ErrReadonlyViolation, c)
			}
		}
	}
	return nil
}

func (s *PGStore) ApplyCommit(ctx context.Context, did string, prevHead, newHead cid.Cid, newRev string, newBlocks Blocks, seq int64, eventData []byte) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("blockstore: apply commit begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var curHead string
	err = tx.QueryRow(ctx, `SELECT head FROM repos WHERE did = $1 FOR UPDATE`, did).Scan(&curHead)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrRepoNotFound, did)
	}
	if err != nil {
		return fmt.Errorf("blockstore: apply commit lock repo: %w", err)
	}
	if curHead != prevHead.String() {
		return fmt.Errorf("%w: %s", ErrCommitConflict, did)
	}

	if err := writeBlocksTx(ctx, tx, did, newBlocks, seq); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `INSERT INTO events (seq, data) VALUES ($1, $2)`, seq, eventData); err != nil {
		return fmt.Errorf("blockstore: insert event: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE repos SET head = $1, rev = $2 WHERE did = $3`, newHead.String(), newRev, did); err != nil {
		return fmt.Errorf("blockstore: update repo head: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("blockstore: apply commit: %w", err)
	}
	return nil
}

func (s *PGStore) AllocateSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := s.pool.QueryRow(ctx, `UPDATE sequences SET next = next + 1 WHERE id = 1 RETURNING next - 1`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("blockstore: allocate seq: %w", err)
	}
	return seq, nil
}

func (s *PGStore) LastSeq(ctx context.Context) (int64, error) {
	var next int64
	err := s.pool.QueryRow(ctx, `SELECT next FROM sequences WHERE id = 1`).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("blockstore: last seq: %w", err)
	}
	return next - 1, nil
}

func (s *PGStore) ReadEventsBySeq(ctx context.Context, since int64, fn func(Event) error) error {
	rows, err := s.pool.Query(ctx, `SELECT seq, data FROM events WHERE seq >= $1 ORDER BY seq ASC`, since)
	if err != nil {
		return fmt.Errorf("blockstore: read events by seq: %w", err)
	}
	// Buffer fully before calling fn so the connection is returned to
	// the pool before any (possibly slow) callback runs.
	type row struct {
		seq  int64
		data []byte
	}
	var buffered []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.seq, &r.data); err != nil {
			rows.Close()
			return fmt.Errorf("blockstore: read events by seq scan: %w", err)
		}
		buffered = append(buffered, r)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return err
	}

	for _, r := range buffered {
		if err := fn(Event{Seq: r.seq, Data: r.data}); err != nil {
			return err
		}
	}
	return nil
}

func (s *PGStore) CreateRepo(ctx context.Context, did string, head cid.Cid, rev string, genesisBlocks Blocks, seq int64, eventData []byte) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("blockstore: create repo begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM repos WHERE did = $1)`, did).Scan(&exists); err != nil {
		return fmt.Errorf("blockstore: create repo check: %w", err)
	}
	if exists {
		return fmt.Errorf("%w: %s", ErrRepoExists, did)
	}

	if err := writeBlocksTx(ctx, tx, did, genesisBlocks, seq); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `INSERT INTO events (seq, data) VALUES ($1, $2)`, seq, eventData); err != nil {
		return fmt.Errorf("blockstore: insert genesis event: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO repos (did, head, rev, active) VALUES ($1, $2, $3, TRUE)`,
		did, head.String(), rev); err != nil {
		return fmt.Errorf("blockstore: insert repo: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PGStore) LoadRepo(ctx context.Context, did string) (RepoRecord, error) {
	var rec RepoRecord
	var headStr string
	rec.DID = did
	err := s.pool.QueryRow(ctx, `SELECT head, rev, active FROM repos WHERE did = $1`, did).
		Scan(&headStr, &rec.Rev, &rec.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return RepoRecord{}, fmt.Errorf("%w: %s", ErrRepoNotFound, did)
	}
	if err != nil {
		return RepoRecord{}, fmt.Errorf("blockstore: load repo: %w", err)
	}
	c, err := cid.Decode(headStr)
	if err != nil {
		return RepoRecord{}, fmt.Errorf("blockstore: load repo decode head: %w", err)
	}
	rec.Head = c
	return rec, nil
}

func (s *PGStore) ListRepos(ctx context.Context) ([]RepoRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT did, head, rev, active FROM repos ORDER BY did`)
	if err != nil {
		return nil, fmt.Errorf("blockstore: list repos: %w", err)
	}
	defer rows.Close()

	var out []RepoRecord
	for rows.Next() {
		var rec RepoRecord
		var headStr string
		if err := rows.Scan(&rec.DID, &headStr, &rec.Rev, &rec.Active); err != nil {
			return nil, fmt.Errorf("blockstore: list repos scan: %w", err)
		}
		c, err := cid.Decode(headStr)
		if err != nil {
			return nil, fmt.Errorf("blockstore: list repos decode head: %w", err)
		}
		rec.Head = c
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PGStore) TombstoneRepo(ctx context.Context, did string, seq int64, eventData []byte) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("blockstore: tombstone begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `UPDATE repos SET active = FALSE WHERE did = $1`, did)
	if err != nil {
		return fmt.Errorf("blockstore: tombstone repo: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrRepoNotFound, did)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO events (seq, data) VALUES ($1, $2)`, seq, eventData); err != nil {
		return fmt.Errorf("blockstore: insert tombstone event: %w", err)
	}
	return tx.Commit(ctx)
}
