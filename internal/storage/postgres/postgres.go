// Package postgres implements internal/storage.RelationalStore over a
// pgx connection pool: the canonical chain data — batches, miniblocks,
// transactions — with tail deletes for reorg recovery.
package postgres

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"chain-extnode/sync/internal/storage"
)

// Store is a storage.RelationalStore backed by Postgres via pgx. All
// writes happen inside a single transaction per call, matching the
// sealer's one-transaction-per-miniblock contract (spec.md §4.6).
type Store struct {
	pool *pgxpool.Pool
	log  log.Logger
}

// Open connects to dsn and verifies the schema is reachable.
func Open(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &Store{pool: pool, log: log.New("component", "postgres-store")}, nil
}

func (s *Store) Close(ctx context.Context) error {
	s.pool.Close()
	return nil
}

// InsertMiniblock persists a sealed miniblock, its transactions, and each
// transaction's execution result — success flag, gas accounting, emitted
// logs, and storage diffs — in a single transaction (spec.md §3
// "Miniblock Execution Data", §4.6 "writes transactions, logs, events,
// storage diffs, header"); on any write error the transaction rolls back
// and the error is returned for the sealer to treat as fatal.
func (s *Store) InsertMiniblock(ctx context.Context, mb storage.SealedMiniblock) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin miniblock tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO miniblocks (number, timestamp, virtual_blocks, hash, l1_batch_number)
		VALUES ($1, $2, $3, $4, $5)`,
		mb.Number, mb.Timestamp, mb.VirtualBlocks, mb.Hash.Bytes(), mb.L1BatchNumber)
	if err != nil {
		return fmt.Errorf("postgres: insert miniblock %d: %w", mb.Number, err)
	}

	txInsert, err := tx.Prepare(ctx, "insert_tx", `
		INSERT INTO transactions (miniblock_number, idx, hash, sender, nonce, gas_limit, input, origin, success, gas_used, gas_refunded)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`)
	if err != nil {
		return fmt.Errorf("postgres: prepare tx insert: %w", err)
	}
	logInsert, err := tx.Prepare(ctx, "insert_log", `
		INSERT INTO tx_logs (miniblock_number, tx_idx, log_idx, data)
		VALUES ($1, $2, $3, $4)`)
	if err != nil {
		return fmt.Errorf("postgres: prepare log insert: %w", err)
	}
	diffInsert, err := tx.Prepare(ctx, "insert_storage_diff", `
		INSERT INTO tx_storage_diffs (miniblock_number, tx_idx, diff_idx, key, value)
		VALUES ($1, $2, $3, $4, $5)`)
	if err != nil {
		return fmt.Errorf("postgres: prepare storage diff insert: %w", err)
	}

	for i, et := range mb.Txs {
		t := et.Tx
		if _, err := tx.Exec(ctx, txInsert.SQL,
			mb.Number, i, t.Hash.Bytes(), t.Sender.Bytes(), t.Nonce, t.GasLimit, t.Input, uint8(t.Origin),
			et.Success, et.GasUsed, et.GasRefunded); err != nil {
			return fmt.Errorf("postgres: insert tx %d of miniblock %d: %w", i, mb.Number, err)
		}
		for li, entry := range et.Logs {
			if _, err := tx.Exec(ctx, logInsert.SQL, mb.Number, i, li, entry); err != nil {
				return fmt.Errorf("postgres: insert log %d of tx %d of miniblock %d: %w", li, i, mb.Number, err)
			}
		}
		for di, diff := range et.StorageDiffs {
			if _, err := tx.Exec(ctx, diffInsert.SQL, mb.Number, i, di, diff.Key, diff.Value); err != nil {
				return fmt.Errorf("postgres: insert storage diff %d of tx %d of miniblock %d: %w", di, i, mb.Number, err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit miniblock %d: %w", mb.Number, err)
	}
	return nil
}

// InsertBatchHeader persists the sealed batch header including its
// commitment (invariant I2: reading it back must yield the same value).
func (s *Store) InsertBatchHeader(ctx context.Context, h storage.BatchHeader) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO batches (
			number, root_hash, commitment, timestamp, l1_tx_count, l2_tx_count,
			system_logs_digest, bootloader_hash, default_aa_hash, protocol_version, l1_consistent
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,false)`,
		h.BatchNumber, h.RootHash.Bytes(), h.Commitment.Bytes(), h.Timestamp,
		h.L1TxCount, h.L2TxCount, h.SystemLogsDigest.Bytes(), h.BootloaderHash.Bytes(),
		h.DefaultAAHash.Bytes(), h.ProtocolVersion)
	if err != nil {
		return fmt.Errorf("postgres: insert batch header %d: %w", h.BatchNumber, err)
	}
	return nil
}

func (s *Store) MarkL1Consistent(ctx context.Context, batchNumber uint64) error {
	_, err := s.pool.Exec(ctx, `UPDATE batches SET l1_consistent = true WHERE number = $1`, batchNumber)
	if err != nil {
		return fmt.Errorf("postgres: mark l1 consistent %d: %w", batchNumber, err)
	}
	return nil
}

func (s *Store) LastSealedMiniblock(ctx context.Context) (storage.SealedMiniblock, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT number, timestamp, virtual_blocks, hash, l1_batch_number
		FROM miniblocks ORDER BY number DESC LIMIT 1`)
	var mb storage.SealedMiniblock
	var hash []byte
	if err := row.Scan(&mb.Number, &mb.Timestamp, &mb.VirtualBlocks, &hash, &mb.L1BatchNumber); err != nil {
		if err == pgx.ErrNoRows {
			return storage.SealedMiniblock{}, false, nil
		}
		return storage.SealedMiniblock{}, false, fmt.Errorf("postgres: last sealed miniblock: %w", err)
	}
	mb.Hash = common.BytesToHash(hash)
	return mb, true, nil
}

func (s *Store) LastSealedBatch(ctx context.Context) (storage.BatchHeader, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT number, root_hash, commitment, timestamp, l1_tx_count, l2_tx_count,
		       system_logs_digest, bootloader_hash, default_aa_hash, protocol_version, l1_consistent
		FROM batches ORDER BY number DESC LIMIT 1`)
	return scanBatchHeader(row)
}

func (s *Store) BatchHeaderByNumber(ctx context.Context, n uint64) (storage.BatchHeader, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT number, root_hash, commitment, timestamp, l1_tx_count, l2_tx_count,
		       system_logs_digest, bootloader_hash, default_aa_hash, protocol_version, l1_consistent
		FROM batches WHERE number = $1`, n)
	return scanBatchHeader(row)
}

func scanBatchHeader(row pgx.Row) (storage.BatchHeader, bool, error) {
	var h storage.BatchHeader
	var root, commitment, sysLogs, boot, defAA []byte
	err := row.Scan(&h.BatchNumber, &root, &commitment, &h.Timestamp, &h.L1TxCount, &h.L2TxCount,
		&sysLogs, &boot, &defAA, &h.ProtocolVersion, &h.L1Consistent)
	if err != nil {
		if err == pgx.ErrNoRows {
			return storage.BatchHeader{}, false, nil
		}
		return storage.BatchHeader{}, false, fmt.Errorf("postgres: scan batch header: %w", err)
	}
	h.RootHash = common.BytesToHash(root)
	h.Commitment = common.BytesToHash(commitment)
	h.SystemLogsDigest = common.BytesToHash(sysLogs)
	h.BootloaderHash = common.BytesToHash(boot)
	h.DefaultAAHash = common.BytesToHash(defAA)
	return h, true, nil
}

func (s *Store) MiniblockHashByNumber(ctx context.Context, n uint64) (common.Hash, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT hash FROM miniblocks WHERE number = $1`, n)
	var hash []byte
	if err := row.Scan(&hash); err != nil {
		if err == pgx.ErrNoRows {
			return common.Hash{}, false, nil
		}
		return common.Hash{}, false, fmt.Errorf("postgres: miniblock hash %d: %w", n, err)
	}
	return common.BytesToHash(hash), true, nil
}

func (s *Store) MiniblockL1BatchNumber(ctx context.Context, n uint64) (uint64, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT l1_batch_number FROM miniblocks WHERE number = $1`, n)
	var batchNumber uint64
	if err := row.Scan(&batchNumber); err != nil {
		if err == pgx.ErrNoRows {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("postgres: miniblock l1 batch number %d: %w", n, err)
	}
	return batchNumber, true, nil
}

// DeleteTailAfterBatch removes everything above batch n, respecting
// foreign-key order (transactions/events/logs before miniblocks, before
// batches), inside one transaction so a crash mid-delete leaves the
// previous consistent state rather than a partial tail (spec.md P3).
func (s *Store) DeleteTailAfterBatch(ctx context.Context, n uint64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin revert tx: %w", err)
	}
	defer tx.Rollback(ctx)

	stmts := []string{
		`DELETE FROM tx_storage_diffs WHERE miniblock_number IN (SELECT number FROM miniblocks WHERE l1_batch_number > $1)`,
		`DELETE FROM tx_logs WHERE miniblock_number IN (SELECT number FROM miniblocks WHERE l1_batch_number > $1)`,
		`DELETE FROM transactions WHERE miniblock_number IN (SELECT number FROM miniblocks WHERE l1_batch_number > $1)`,
		`DELETE FROM miniblocks WHERE l1_batch_number > $1`,
		`DELETE FROM batches WHERE number > $1`,
	}
	for _, q := range stmts {
		if _, err := tx.Exec(ctx, q, n); err != nil {
			return fmt.Errorf("postgres: revert to batch %d: %w", n, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit revert to batch %d: %w", n, err)
	}
	s.log.Info("reverted relational store tail", "to_batch", n)
	return nil
}
