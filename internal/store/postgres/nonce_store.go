package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/tokenbay/marketd/internal/domain"
)

// NonceStore implements domain.NonceStore. Monotonicity is not generated
// here; it emerges from MaxNonce + Reserve under the (signer, nonce)
// primary key, with the retry loop living in the service layer.
type NonceStore struct {
	c *Client
}

// NewNonceStore creates a NonceStore backed by the given client.
func NewNonceStore(c *Client) *NonceStore {
	return &NonceStore{c: c}
}

// MaxNonce returns the highest nonce ever issued for signer, or -1.
func (s *NonceStore) MaxNonce(ctx context.Context, signer string) (int64, error) {
	var max int64
	err := s.c.q(ctx).QueryRow(ctx,
		`SELECT COALESCE(MAX(nonce), -1) FROM nonce_records WHERE signer_address = $1`,
		signer,
	).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("postgres: max nonce for %s: %w", signer, err)
	}
	return max, nil
}

// Reserve inserts a RESERVED nonce record. A concurrent winner for the same
// (signer, nonce) pair surfaces as domain.ErrAlreadyExists.
func (s *NonceStore) Reserve(ctx context.Context, rec domain.NonceRecord) error {
	_, err := s.c.q(ctx).Exec(ctx,
		`INSERT INTO nonce_records (signer_address, nonce, status, created_at)
		 VALUES ($1, $2, $3, $4)`,
		rec.SignerAddress, rec.Nonce, string(rec.Status), rec.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: reserve nonce %d for %s: %w", rec.Nonce, rec.SignerAddress, err)
	}
	return nil
}

const nonceSelectCols = `signer_address, nonce, status, COALESCE(order_id, ''), created_at`

func scanNonce(row pgx.Row) (domain.NonceRecord, error) {
	var rec domain.NonceRecord
	var status string
	if err := row.Scan(&rec.SignerAddress, &rec.Nonce, &status, &rec.OrderID, &rec.CreatedAt); err != nil {
		return domain.NonceRecord{}, err
	}
	rec.Status = domain.NonceStatus(status)
	return rec, nil
}

// Get retrieves one nonce record.
func (s *NonceStore) Get(ctx context.Context, signer string, nonce int64) (domain.NonceRecord, error) {
	rec, err := scanNonce(s.c.q(ctx).QueryRow(ctx,
		`SELECT `+nonceSelectCols+` FROM nonce_records WHERE signer_address = $1 AND nonce = $2`,
		signer, nonce,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.NonceRecord{}, domain.ErrNotFound
		}
		return domain.NonceRecord{}, fmt.Errorf("postgres: get nonce %d for %s: %w", nonce, signer, err)
	}
	return rec, nil
}

// MarkUsed flips RESERVED -> USED and stamps the consuming order. The WHERE
// clause makes the flip conditional so a replay with a different order id
// affects zero rows and is classified afterwards.
func (s *NonceStore) MarkUsed(ctx context.Context, signer string, nonce int64, orderID string) (domain.NonceRecord, error) {
	tag, err := s.c.q(ctx).Exec(ctx,
		`UPDATE nonce_records
		 SET status = $1, order_id = $4
		 WHERE signer_address = $2 AND nonce = $3
		   AND (status = $5 OR order_id = $4)`,
		string(domain.NonceStatusUsed), signer, nonce, orderID,
		string(domain.NonceStatusReserved),
	)
	if err != nil {
		return domain.NonceRecord{}, fmt.Errorf("postgres: mark nonce %d used for %s: %w", nonce, signer, err)
	}
	if tag.RowsAffected() == 0 {
		rec, getErr := s.Get(ctx, signer, nonce)
		if getErr != nil {
			return domain.NonceRecord{}, getErr
		}
		// Row exists but did not match: USED by a different order.
		return domain.NonceRecord{}, fmt.Errorf("%w: nonce %d of %s already used by order %s",
			domain.ErrConflict, nonce, signer, rec.OrderID)
	}
	return s.Get(ctx, signer, nonce)
}

var _ domain.NonceStore = (*NonceStore)(nil)
