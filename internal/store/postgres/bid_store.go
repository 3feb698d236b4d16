package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/jackc/pgx/v5"

	"github.com/tokenbay/marketd/internal/domain"
)

// BidStore implements domain.BidStore.
type BidStore struct {
	c *Client
}

// NewBidStore creates a BidStore backed by the given client.
func NewBidStore(c *Client) *BidStore {
	return &BidStore{c: c}
}

// Create inserts a bid. The bids_one_placed partial unique index rejects a
// second PLACED bid from the same bidder on the same item.
func (s *BidStore) Create(ctx context.Context, b domain.Bid) error {
	_, err := s.c.q(ctx).Exec(ctx,
		`INSERT INTO bids (
			id, contract_address, token_id, bidder_address, amount,
			status, event_flags, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		b.ID, b.ContractAddress, b.TokenID, b.Bidder, numericArg(b.Amount),
		string(b.Status), int16(b.Flags), b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicateBid
		}
		return fmt.Errorf("postgres: create bid %s: %w", b.ID, err)
	}
	return nil
}

// Update persists the bid's mutable fields (status, flags, updated_at).
func (s *BidStore) Update(ctx context.Context, b domain.Bid) error {
	tag, err := s.c.q(ctx).Exec(ctx,
		`UPDATE bids SET status = $2, event_flags = $3, updated_at = $4 WHERE id = $1`,
		b.ID, string(b.Status), int16(b.Flags), b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update bid %s: %w", b.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

const bidSelectCols = `id, contract_address, token_id, bidder_address,
	amount::text, status, event_flags, created_at, updated_at`

func scanBid(row pgx.Row) (domain.Bid, error) {
	var b domain.Bid
	var amount, status string
	var flags int16
	err := row.Scan(&b.ID, &b.ContractAddress, &b.TokenID, &b.Bidder,
		&amount, &status, &flags, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return domain.Bid{}, err
	}
	b.Amount, _ = new(big.Int).SetString(amount, 10)
	b.Status = domain.BidStatus(status)
	b.Flags = domain.EventFlags(flags)
	return b, nil
}

// GetByID retrieves a single bid.
func (s *BidStore) GetByID(ctx context.Context, id string) (domain.Bid, error) {
	b, err := scanBid(s.c.q(ctx).QueryRow(ctx,
		`SELECT `+bidSelectCols+` FROM bids WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Bid{}, domain.ErrNotFound
		}
		return domain.Bid{}, fmt.Errorf("postgres: get bid %s: %w", id, err)
	}
	return b, nil
}

// ByBidder returns the most recent bid for the (contract, token, bidder)
// triple regardless of status.
func (s *BidStore) ByBidder(ctx context.Context, contract, tokenID, bidder string) (domain.Bid, error) {
	b, err := scanBid(s.c.q(ctx).QueryRow(ctx,
		`SELECT `+bidSelectCols+` FROM bids
		 WHERE contract_address = $1 AND token_id = $2 AND bidder_address = $3
		 ORDER BY created_at DESC LIMIT 1`,
		contract, tokenID, bidder))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Bid{}, domain.ErrNotFound
		}
		return domain.Bid{}, fmt.Errorf("postgres: bid by %s on %s/%s: %w", bidder, contract, tokenID, err)
	}
	return b, nil
}

// ListByToken returns bids for an item, newest first.
func (s *BidStore) ListByToken(ctx context.Context, contract, tokenID string, opts domain.ListOpts) ([]domain.Bid, error) {
	rows, err := s.c.q(ctx).Query(ctx,
		`SELECT `+bidSelectCols+` FROM bids
		 WHERE contract_address = $1 AND token_id = $2
		 ORDER BY created_at DESC
		 LIMIT $3 OFFSET $4`,
		contract, tokenID, limitOf(opts), opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("postgres: list bids %s/%s: %w", contract, tokenID, err)
	}
	defer rows.Close()

	var out []domain.Bid
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan bid: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

var _ domain.BidStore = (*BidStore)(nil)
