// Copyright (c) 2024 Durableflow Authors
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package sql

import (
	"context"
	"math"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/durableflow/durableflow/common/log"
	"github.com/durableflow/durableflow/common/persistence"
	"github.com/durableflow/durableflow/common/types"
)

const shardSchema = `
CREATE TABLE IF NOT EXISTS shards (
	shard_id          INTEGER PRIMARY KEY,
	range_start       BIGINT NOT NULL,
	range_end         BIGINT NOT NULL,
	owner_identity    TEXT NOT NULL DEFAULT '',
	lease_expires_at  TIMESTAMPTZ
)`

type shardRow struct {
	ShardID        int       `db:"shard_id"`
	RangeStart     int64     `db:"range_start"`
	RangeEnd       int64     `db:"range_end"`
	OwnerIdentity  string    `db:"owner_identity"`
	LeaseExpiresAt time.Time `db:"lease_expires_at"`
}

type shardStore struct {
	sqlStore
}

// NewShardStore returns a Postgres-backed ShardStore. The CompareAndSwap
// contract is enforced by a conditional UPDATE on the expected owner and
// expiry.
func NewShardStore(db *sqlx.DB, logger log.Logger) (persistence.ShardStore, error) {
	if _, err := db.Exec(shardSchema); err != nil {
		return nil, err
	}
	return &shardStore{sqlStore{db: db, logger: logger}}, nil
}

func (s *shardStore) InitializeShards(ctx context.Context, n int) error {
	var count int
	if err := s.db.GetContext(ctx, &count, `SELECT count(*) FROM shards`); err != nil {
		return types.NewPersistenceError(err, "count shards")
	}
	if count > 0 {
		return nil
	}

	return s.txExecute(ctx, "InitializeShards", func(tx *sqlx.Tx) error {
		span := int64(math.MaxInt64) / int64(n)
		for i := 0; i < n; i++ {
			start := int64(i) * span
			end := start + span
			if i == n-1 {
				end = math.MaxInt64
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO shards (shard_id, range_start, range_end) VALUES ($1, $2, $3)
				 ON CONFLICT (shard_id) DO NOTHING`,
				i, start, end); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *shardStore) Get(ctx context.Context, shardID int) (*types.Shard, error) {
	var row shardRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM shards WHERE shard_id = $1`, shardID)
	if isNoRows(err) {
		return nil, types.NewNotFound("shard %d not found", shardID)
	}
	if err != nil {
		return nil, types.NewPersistenceError(err, "get shard %d", shardID)
	}
	return fromShardRow(row), nil
}

func (s *shardStore) CompareAndSwap(ctx context.Context, newShard *types.Shard, expectedOwner string, expectedExpiresAt time.Time) (bool, error) {
	var swapped bool
	err := s.txExecute(ctx, "CompareAndSwap", func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE shards SET owner_identity = $1, lease_expires_at = $2
			 WHERE shard_id = $3 AND owner_identity = $4 AND lease_expires_at = $5`,
			newShard.OwnerIdentity, newShard.LeaseExpiresAt, newShard.ShardID, expectedOwner, expectedExpiresAt)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		swapped = affected == 1
		return nil
	})
	if err != nil {
		return false, types.NewPersistenceError(err, "compare-and-swap shard %d", newShard.ShardID)
	}
	return swapped, nil
}

func (s *shardStore) List(ctx context.Context) ([]*types.Shard, error) {
	var rows []shardRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM shards ORDER BY shard_id`); err != nil {
		return nil, types.NewPersistenceError(err, "list shards")
	}
	out := make([]*types.Shard, len(rows))
	for i, row := range rows {
		out[i] = fromShardRow(row)
	}
	return out, nil
}

func fromShardRow(row shardRow) *types.Shard {
	return &types.Shard{
		ShardID:        row.ShardID,
		RangeStart:     row.RangeStart,
		RangeEnd:       row.RangeEnd,
		OwnerIdentity:  row.OwnerIdentity,
		LeaseExpiresAt: row.LeaseExpiresAt,
	}
}
