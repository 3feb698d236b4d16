package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/jackc/pgx/v5"

	"github.com/tokenbay/marketd/internal/domain"
)

// ListingStore implements domain.ListingStore.
type ListingStore struct {
	c *Client
}

// NewListingStore creates a ListingStore backed by the given client.
func NewListingStore(c *Client) *ListingStore {
	return &ListingStore{c: c}
}

// Create inserts a listing. The listings_one_active partial unique index
// rejects a second ACTIVE listing for the same triple.
func (s *ListingStore) Create(ctx context.Context, l domain.Listing) error {
	_, err := s.c.q(ctx).Exec(ctx,
		`INSERT INTO listings (
			id, nft_contract, token_id, maker, price, nonce, signature,
			status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		l.ID, l.NFTContract, l.TokenID, l.Maker, numericArg(l.Price),
		l.Nonce, l.Signature, string(l.Status), l.CreatedAt, l.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyListed
		}
		return fmt.Errorf("postgres: create listing %s: %w", l.ID, err)
	}
	return nil
}

// Update persists the listing's mutable fields (status and updated_at).
func (s *ListingStore) Update(ctx context.Context, l domain.Listing) error {
	tag, err := s.c.q(ctx).Exec(ctx,
		`UPDATE listings SET status = $2, updated_at = $3 WHERE id = $1`,
		l.ID, string(l.Status), l.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update listing %s: %w", l.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

const listingSelectCols = `id, nft_contract, token_id, maker, price::text,
	nonce, signature, status, created_at, updated_at`

func scanListing(row pgx.Row) (domain.Listing, error) {
	var l domain.Listing
	var price, status string
	err := row.Scan(&l.ID, &l.NFTContract, &l.TokenID, &l.Maker, &price,
		&l.Nonce, &l.Signature, &status, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return domain.Listing{}, err
	}
	l.Price, _ = new(big.Int).SetString(price, 10)
	l.Status = domain.ListingStatus(status)
	return l, nil
}

// GetByID retrieves a single listing.
func (s *ListingStore) GetByID(ctx context.Context, id string) (domain.Listing, error) {
	l, err := scanListing(s.c.q(ctx).QueryRow(ctx,
		`SELECT `+listingSelectCols+` FROM listings WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Listing{}, domain.ErrNotFound
		}
		return domain.Listing{}, fmt.Errorf("postgres: get listing %s: %w", id, err)
	}
	return l, nil
}

// Latest returns the most recently created listing for the triple.
func (s *ListingStore) Latest(ctx context.Context, contract, tokenID, maker string) (domain.Listing, error) {
	l, err := scanListing(s.c.q(ctx).QueryRow(ctx,
		`SELECT `+listingSelectCols+` FROM listings
		 WHERE nft_contract = $1 AND token_id = $2 AND maker = $3
		 ORDER BY created_at DESC LIMIT 1`,
		contract, tokenID, maker))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Listing{}, domain.ErrNotFound
		}
		return domain.Listing{}, fmt.Errorf("postgres: latest listing %s/%s by %s: %w", contract, tokenID, maker, err)
	}
	return l, nil
}

// ActiveByToken returns the ACTIVE listing for an item, any maker.
func (s *ListingStore) ActiveByToken(ctx context.Context, contract, tokenID string) (domain.Listing, error) {
	l, err := scanListing(s.c.q(ctx).QueryRow(ctx,
		`SELECT `+listingSelectCols+` FROM listings
		 WHERE nft_contract = $1 AND token_id = $2 AND status = 'ACTIVE'
		 ORDER BY created_at DESC LIMIT 1`,
		contract, tokenID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Listing{}, domain.ErrNotFound
		}
		return domain.Listing{}, fmt.Errorf("postgres: active listing %s/%s: %w", contract, tokenID, err)
	}
	return l, nil
}

// ListByToken returns listings for an item, newest first.
func (s *ListingStore) ListByToken(ctx context.Context, contract, tokenID string, opts domain.ListOpts) ([]domain.Listing, error) {
	rows, err := s.c.q(ctx).Query(ctx,
		`SELECT `+listingSelectCols+` FROM listings
		 WHERE nft_contract = $1 AND token_id = $2
		 ORDER BY created_at DESC
		 LIMIT $3 OFFSET $4`,
		contract, tokenID, limitOf(opts), opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("postgres: list listings %s/%s: %w", contract, tokenID, err)
	}
	defer rows.Close()

	var out []domain.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan listing: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// FloorPrice returns MIN(price) over ACTIVE listings for the contract, or
// nil when none exist.
func (s *ListingStore) FloorPrice(ctx context.Context, contract string) (*big.Int, error) {
	var floor *string
	err := s.c.q(ctx).QueryRow(ctx,
		`SELECT MIN(price)::text FROM listings WHERE nft_contract = $1 AND status = 'ACTIVE'`,
		contract,
	).Scan(&floor)
	if err != nil {
		return nil, fmt.Errorf("postgres: floor price for %s: %w", contract, err)
	}
	if floor == nil {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(*floor, 10)
	if !ok {
		return nil, fmt.Errorf("postgres: floor price for %s: bad numeric %q", contract, *floor)
	}
	return v, nil
}

var _ domain.ListingStore = (*ListingStore)(nil)

// numericArg renders a big.Int for a NUMERIC(78,0) parameter.
func numericArg(v *big.Int) *string {
	if v == nil {
		return nil
	}
	s := v.String()
	return &s
}

func limitOf(opts domain.ListOpts) int {
	if opts.Limit <= 0 {
		return 50
	}
	return opts.Limit
}
