package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/tokenbay/marketd/internal/domain"
)

// ChainTxStore implements domain.TransactionStore. Rows are write-once: the
// tx_hash primary key doubles as the reconciler's at-most-once guard.
type ChainTxStore struct {
	c *Client
}

// NewChainTxStore creates a ChainTxStore backed by the given client.
func NewChainTxStore(c *Client) *ChainTxStore {
	return &ChainTxStore{c: c}
}

// Insert writes one audit row; domain.ErrAlreadyExists when the hash was
// recorded before.
func (s *ChainTxStore) Insert(ctx context.Context, rec domain.TransactionRecord) error {
	_, err := s.c.q(ctx).Exec(ctx,
		`INSERT INTO chain_transactions (
			tx_hash, method, contract_address, token_id, from_address,
			to_address, price, block_number, block_time, gas_used, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.TxHash, rec.Method, rec.ContractAddress, rec.TokenID,
		rec.From, rec.To, numericArg(rec.Price),
		rec.BlockNumber, nullTime(rec.BlockTime), rec.GasUsed, rec.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: insert chain tx %s: %w", rec.TxHash, err)
	}
	return nil
}

const chainTxSelectCols = `tx_hash, method, contract_address, token_id,
	from_address, to_address, price::text, block_number, block_time,
	gas_used, created_at`

func scanChainTx(row pgx.Row) (domain.TransactionRecord, error) {
	var rec domain.TransactionRecord
	var price *string
	var blockTime *time.Time
	err := row.Scan(&rec.TxHash, &rec.Method, &rec.ContractAddress, &rec.TokenID,
		&rec.From, &rec.To, &price, &rec.BlockNumber, &blockTime,
		&rec.GasUsed, &rec.CreatedAt)
	if err != nil {
		return domain.TransactionRecord{}, err
	}
	if price != nil {
		rec.Price, _ = new(big.Int).SetString(*price, 10)
	}
	if blockTime != nil {
		rec.BlockTime = *blockTime
	}
	return rec, nil
}

// GetByHash retrieves one audit row.
func (s *ChainTxStore) GetByHash(ctx context.Context, txHash string) (domain.TransactionRecord, error) {
	rec, err := scanChainTx(s.c.q(ctx).QueryRow(ctx,
		`SELECT `+chainTxSelectCols+` FROM chain_transactions WHERE tx_hash = $1`, txHash))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.TransactionRecord{}, domain.ErrNotFound
		}
		return domain.TransactionRecord{}, fmt.Errorf("postgres: get chain tx %s: %w", txHash, err)
	}
	return rec, nil
}

// ListByContract returns audit rows for a contract, newest first.
func (s *ChainTxStore) ListByContract(ctx context.Context, contract string, opts domain.ListOpts) ([]domain.TransactionRecord, error) {
	rows, err := s.c.q(ctx).Query(ctx,
		`SELECT `+chainTxSelectCols+` FROM chain_transactions
		 WHERE contract_address = $1
		 ORDER BY created_at DESC
		 LIMIT $2 OFFSET $3`,
		contract, limitOf(opts), opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("postgres: list chain txs for %s: %w", contract, err)
	}
	defer rows.Close()
	return collectChainTxs(rows)
}

// ListCreatedAfter returns rows created strictly after the cutoff, oldest
// first. Used by the audit archiver.
func (s *ChainTxStore) ListCreatedAfter(ctx context.Context, after time.Time, limit int) ([]domain.TransactionRecord, error) {
	rows, err := s.c.q(ctx).Query(ctx,
		`SELECT `+chainTxSelectCols+` FROM chain_transactions
		 WHERE created_at > $1
		 ORDER BY created_at ASC
		 LIMIT $2`,
		after, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list chain txs after %s: %w", after, err)
	}
	defer rows.Close()
	return collectChainTxs(rows)
}

func collectChainTxs(rows pgx.Rows) ([]domain.TransactionRecord, error) {
	var out []domain.TransactionRecord
	for rows.Next() {
		rec, err := scanChainTx(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan chain tx: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

var _ domain.TransactionStore = (*ChainTxStore)(nil)
