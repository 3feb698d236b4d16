package service

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/tokenbay/marketd/internal/domain"
)

// memStore is an in-memory implementation of every store interface, with
// transaction semantics mimicking the postgres layer: RunInTx snapshots the
// state and restores it when fn fails, and a nested RunInTx behaves like a
// savepoint. The outer transaction serializes callers so concurrent tests
// see the same read-then-insert races the real store arbitrates.
type memStore struct {
	mu    sync.Mutex
	stack []memState

	state memState

	// failReserve, when set, forces Reserve to report a lost race for the
	// call numbers (1-based) it returns true for.
	reserveCalls int
	failReserve  func(call int) bool
}

// memTxKey marks a context as already inside a memStore transaction.
type memTxKey struct{}

type memState struct {
	nonces       map[string]domain.NonceRecord
	listings     map[string]domain.Listing
	listingOrder []string
	bids         map[string]domain.Bid
	bidOrder     []string
	txs          map[string]domain.TransactionRecord
	txOrder      []string
	collections  map[string]domain.Collection
	aggs         map[string]domain.CollectionAggregate
}

func newMemStore() *memStore {
	return &memStore{state: memState{
		nonces:      map[string]domain.NonceRecord{},
		listings:    map[string]domain.Listing{},
		bids:        map[string]domain.Bid{},
		txs:         map[string]domain.TransactionRecord{},
		collections: map[string]domain.Collection{},
		aggs:        map[string]domain.CollectionAggregate{},
	}}
}

func copyBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

func (s memState) clone() memState {
	c := memState{
		nonces:       make(map[string]domain.NonceRecord, len(s.nonces)),
		listings:     make(map[string]domain.Listing, len(s.listings)),
		listingOrder: append([]string(nil), s.listingOrder...),
		bids:         make(map[string]domain.Bid, len(s.bids)),
		bidOrder:     append([]string(nil), s.bidOrder...),
		txs:          make(map[string]domain.TransactionRecord, len(s.txs)),
		txOrder:      append([]string(nil), s.txOrder...),
		collections:  make(map[string]domain.Collection, len(s.collections)),
		aggs:         make(map[string]domain.CollectionAggregate, len(s.aggs)),
	}
	for k, v := range s.nonces {
		c.nonces[k] = v
	}
	for k, v := range s.listings {
		v.Price = copyBig(v.Price)
		c.listings[k] = v
	}
	for k, v := range s.bids {
		v.Amount = copyBig(v.Amount)
		c.bids[k] = v
	}
	for k, v := range s.txs {
		v.Price = copyBig(v.Price)
		c.txs[k] = v
	}
	for k, v := range s.collections {
		c.collections[k] = v
	}
	for k, v := range s.aggs {
		v.FloorPrice = copyBig(v.FloorPrice)
		v.TotalVolume = copyBig(v.TotalVolume)
		c.aggs[k] = v
	}
	return c
}

// RunInTx implements domain.TxRunner.
func (s *memStore) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(memTxKey{}) == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		ctx = context.WithValue(ctx, memTxKey{}, true)
	}
	s.stack = append(s.stack, s.state.clone())
	err := fn(ctx)
	saved := s.stack[len(s.stack)-1]
	s.stack = s.stack[:len(s.stack)-1]
	if err != nil {
		s.state = saved
	}
	return err
}

func nonceKey(signer string, nonce int64) string {
	return fmt.Sprintf("%s/%d", signer, nonce)
}

// --- domain.NonceStore ---

func (s *memStore) MaxNonce(ctx context.Context, signer string) (int64, error) {
	max := int64(-1)
	for _, rec := range s.state.nonces {
		if rec.SignerAddress == signer && rec.Nonce > max {
			max = rec.Nonce
		}
	}
	return max, nil
}

func (s *memStore) Reserve(ctx context.Context, rec domain.NonceRecord) error {
	s.reserveCalls++
	if s.failReserve != nil && s.failReserve(s.reserveCalls) {
		return domain.ErrAlreadyExists
	}
	k := nonceKey(rec.SignerAddress, rec.Nonce)
	if _, ok := s.state.nonces[k]; ok {
		return domain.ErrAlreadyExists
	}
	s.state.nonces[k] = rec
	return nil
}

func (s *memStore) Get(ctx context.Context, signer string, nonce int64) (domain.NonceRecord, error) {
	rec, ok := s.state.nonces[nonceKey(signer, nonce)]
	if !ok {
		return domain.NonceRecord{}, domain.ErrNotFound
	}
	return rec, nil
}

func (s *memStore) MarkUsed(ctx context.Context, signer string, nonce int64, orderID string) (domain.NonceRecord, error) {
	k := nonceKey(signer, nonce)
	rec, ok := s.state.nonces[k]
	if !ok {
		return domain.NonceRecord{}, domain.ErrNotFound
	}
	if rec.Status == domain.NonceStatusUsed {
		if rec.OrderID == orderID {
			return rec, nil
		}
		return domain.NonceRecord{}, fmt.Errorf("%w: nonce %d of %s already used by order %s",
			domain.ErrConflict, nonce, signer, rec.OrderID)
	}
	rec.Status = domain.NonceStatusUsed
	rec.OrderID = orderID
	s.state.nonces[k] = rec
	return rec, nil
}

// --- domain.ListingStore ---

func (s *memStore) Create(ctx context.Context, l domain.Listing) error {
	if l.Status == domain.ListingStatusActive {
		for _, id := range s.state.listingOrder {
			ex := s.state.listings[id]
			if ex.Status == domain.ListingStatusActive &&
				ex.NFTContract == l.NFTContract && ex.TokenID == l.TokenID && ex.Maker == l.Maker {
				return domain.ErrAlreadyListed
			}
		}
	}
	l.Price = copyBig(l.Price)
	s.state.listings[l.ID] = l
	s.state.listingOrder = append(s.state.listingOrder, l.ID)
	return nil
}

func (s *memStore) Update(ctx context.Context, l domain.Listing) error {
	if _, ok := s.state.listings[l.ID]; !ok {
		return domain.ErrNotFound
	}
	l.Price = copyBig(l.Price)
	s.state.listings[l.ID] = l
	return nil
}

func (s *memStore) GetByID(ctx context.Context, id string) (domain.Listing, error) {
	l, ok := s.state.listings[id]
	if !ok {
		return domain.Listing{}, domain.ErrNotFound
	}
	l.Price = copyBig(l.Price)
	return l, nil
}

func (s *memStore) Latest(ctx context.Context, contract, tokenID, maker string) (domain.Listing, error) {
	for i := len(s.state.listingOrder) - 1; i >= 0; i-- {
		l := s.state.listings[s.state.listingOrder[i]]
		if l.NFTContract == contract && l.TokenID == tokenID && l.Maker == maker {
			l.Price = copyBig(l.Price)
			return l, nil
		}
	}
	return domain.Listing{}, domain.ErrNotFound
}

func (s *memStore) ActiveByToken(ctx context.Context, contract, tokenID string) (domain.Listing, error) {
	for i := len(s.state.listingOrder) - 1; i >= 0; i-- {
		l := s.state.listings[s.state.listingOrder[i]]
		if l.Status == domain.ListingStatusActive && l.NFTContract == contract && l.TokenID == tokenID {
			l.Price = copyBig(l.Price)
			return l, nil
		}
	}
	return domain.Listing{}, domain.ErrNotFound
}

func (s *memStore) ListByToken(ctx context.Context, contract, tokenID string, opts domain.ListOpts) ([]domain.Listing, error) {
	var out []domain.Listing
	for i := len(s.state.listingOrder) - 1; i >= 0; i-- {
		l := s.state.listings[s.state.listingOrder[i]]
		if l.NFTContract == contract && l.TokenID == tokenID {
			l.Price = copyBig(l.Price)
			out = append(out, l)
		}
	}
	return out, nil
}

func (s *memStore) FloorPrice(ctx context.Context, contract string) (*big.Int, error) {
	var floor *big.Int
	for _, id := range s.state.listingOrder {
		l := s.state.listings[id]
		if l.Status == domain.ListingStatusActive && l.NFTContract == contract {
			if floor == nil || l.Price.Cmp(floor) < 0 {
				floor = copyBig(l.Price)
			}
		}
	}
	return floor, nil
}

// --- domain.BidStore ---

func (s *memStore) CreateBid(ctx context.Context, b domain.Bid) error {
	if b.Status == domain.BidStatusPlaced {
		for _, id := range s.state.bidOrder {
			ex := s.state.bids[id]
			if ex.Status == domain.BidStatusPlaced &&
				ex.ContractAddress == b.ContractAddress && ex.TokenID == b.TokenID && ex.Bidder == b.Bidder {
				return domain.ErrDuplicateBid
			}
		}
	}
	b.Amount = copyBig(b.Amount)
	s.state.bids[b.ID] = b
	s.state.bidOrder = append(s.state.bidOrder, b.ID)
	return nil
}

func (s *memStore) UpdateBid(ctx context.Context, b domain.Bid) error {
	if _, ok := s.state.bids[b.ID]; !ok {
		return domain.ErrNotFound
	}
	b.Amount = copyBig(b.Amount)
	s.state.bids[b.ID] = b
	return nil
}

func (s *memStore) GetBidByID(ctx context.Context, id string) (domain.Bid, error) {
	b, ok := s.state.bids[id]
	if !ok {
		return domain.Bid{}, domain.ErrNotFound
	}
	b.Amount = copyBig(b.Amount)
	return b, nil
}

func (s *memStore) ByBidder(ctx context.Context, contract, tokenID, bidder string) (domain.Bid, error) {
	for i := len(s.state.bidOrder) - 1; i >= 0; i-- {
		b := s.state.bids[s.state.bidOrder[i]]
		if b.ContractAddress == contract && b.TokenID == tokenID && b.Bidder == bidder {
			b.Amount = copyBig(b.Amount)
			return b, nil
		}
	}
	return domain.Bid{}, domain.ErrNotFound
}

func (s *memStore) ListBidsByToken(ctx context.Context, contract, tokenID string, opts domain.ListOpts) ([]domain.Bid, error) {
	var out []domain.Bid
	for i := len(s.state.bidOrder) - 1; i >= 0; i-- {
		b := s.state.bids[s.state.bidOrder[i]]
		if b.ContractAddress == contract && b.TokenID == tokenID {
			b.Amount = copyBig(b.Amount)
			out = append(out, b)
		}
	}
	return out, nil
}

// --- domain.TransactionStore ---

func (s *memStore) Insert(ctx context.Context, rec domain.TransactionRecord) error {
	if _, ok := s.state.txs[rec.TxHash]; ok {
		return domain.ErrAlreadyExists
	}
	rec.Price = copyBig(rec.Price)
	s.state.txs[rec.TxHash] = rec
	s.state.txOrder = append(s.state.txOrder, rec.TxHash)
	return nil
}

func (s *memStore) GetByHash(ctx context.Context, txHash string) (domain.TransactionRecord, error) {
	rec, ok := s.state.txs[txHash]
	if !ok {
		return domain.TransactionRecord{}, domain.ErrNotFound
	}
	rec.Price = copyBig(rec.Price)
	return rec, nil
}

func (s *memStore) ListByContract(ctx context.Context, contract string, opts domain.ListOpts) ([]domain.TransactionRecord, error) {
	var out []domain.TransactionRecord
	for i := len(s.state.txOrder) - 1; i >= 0; i-- {
		rec := s.state.txs[s.state.txOrder[i]]
		if rec.ContractAddress == contract {
			rec.Price = copyBig(rec.Price)
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *memStore) ListCreatedAfter(ctx context.Context, after time.Time, limit int) ([]domain.TransactionRecord, error) {
	var out []domain.TransactionRecord
	for _, h := range s.state.txOrder {
		rec := s.state.txs[h]
		if rec.CreatedAt.After(after) {
			rec.Price = copyBig(rec.Price)
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- domain.AggregateStore ---

func (s *memStore) GetByContract(ctx context.Context, contract string) (domain.Collection, error) {
	col, ok := s.state.collections[contract]
	if !ok {
		return domain.Collection{}, domain.ErrNotFound
	}
	return col, nil
}

func (s *memStore) SetFloor(ctx context.Context, col domain.Collection, floor *big.Int) error {
	agg, ok := s.state.aggs[col.ContractAddress]
	if !ok {
		agg = domain.CollectionAggregate{
			CollectionID:    col.ID,
			ContractAddress: col.ContractAddress,
			TotalVolume:     big.NewInt(0),
		}
	}
	agg.FloorPrice = copyBig(floor)
	agg.UpdatedAt = time.Now().UTC()
	s.state.aggs[col.ContractAddress] = agg
	return nil
}

func (s *memStore) AddVolume(ctx context.Context, col domain.Collection, delta *big.Int) error {
	if delta == nil || delta.Sign() == 0 {
		return nil
	}
	agg, ok := s.state.aggs[col.ContractAddress]
	if !ok {
		agg = domain.CollectionAggregate{
			CollectionID:    col.ID,
			ContractAddress: col.ContractAddress,
			TotalVolume:     big.NewInt(0),
		}
	}
	agg.TotalVolume = new(big.Int).Add(agg.TotalVolume, delta)
	agg.UpdatedAt = time.Now().UTC()
	s.state.aggs[col.ContractAddress] = agg
	return nil
}

func (s *memStore) GetAggregate(ctx context.Context, contract string) (domain.CollectionAggregate, error) {
	agg, ok := s.state.aggs[contract]
	if !ok {
		return domain.CollectionAggregate{}, domain.ErrNotFound
	}
	agg.FloorPrice = copyBig(agg.FloorPrice)
	agg.TotalVolume = copyBig(agg.TotalVolume)
	return agg, nil
}

// bidStoreAdapter exposes memStore's bid methods under the domain.BidStore
// method names, which collide with the listing methods on memStore itself.
type bidStoreAdapter struct{ s *memStore }

func (a bidStoreAdapter) Create(ctx context.Context, b domain.Bid) error {
	return a.s.CreateBid(ctx, b)
}
func (a bidStoreAdapter) Update(ctx context.Context, b domain.Bid) error {
	return a.s.UpdateBid(ctx, b)
}
func (a bidStoreAdapter) GetByID(ctx context.Context, id string) (domain.Bid, error) {
	return a.s.GetBidByID(ctx, id)
}
func (a bidStoreAdapter) ByBidder(ctx context.Context, contract, tokenID, bidder string) (domain.Bid, error) {
	return a.s.ByBidder(ctx, contract, tokenID, bidder)
}
func (a bidStoreAdapter) ListByToken(ctx context.Context, contract, tokenID string, opts domain.ListOpts) ([]domain.Bid, error) {
	return a.s.ListBidsByToken(ctx, contract, tokenID, opts)
}

// openLimiter admits every request.
type openLimiter struct{}

func (openLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	return true, nil
}

// closedLimiter rejects every request.
type closedLimiter struct{}

func (closedLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	return false, nil
}

// memBus records published signals.
type memBus struct {
	mu        sync.Mutex
	published [][]byte
	appended  [][]byte
}

func (b *memBus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, payload)
	return nil
}

func (b *memBus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.appended = append(b.appended, payload)
	return nil
}

// memCache is an in-memory AggregateCache counting hits and misses.
type memCache struct {
	mu      sync.Mutex
	entries map[string]domain.CollectionAggregate
	gets    int
	hits    int
}

func newMemCache() *memCache {
	return &memCache{entries: map[string]domain.CollectionAggregate{}}
}

func (c *memCache) Get(ctx context.Context, contract string) (domain.CollectionAggregate, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	agg, ok := c.entries[contract]
	if ok {
		c.hits++
	}
	return agg, ok, nil
}

func (c *memCache) Set(ctx context.Context, agg domain.CollectionAggregate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[agg.ContractAddress] = agg
	return nil
}

func (c *memCache) Invalidate(ctx context.Context, contract string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, contract)
	return nil
}

var (
	_ domain.TxRunner         = (*memStore)(nil)
	_ domain.NonceStore       = (*memStore)(nil)
	_ domain.ListingStore     = (*memStore)(nil)
	_ domain.BidStore         = bidStoreAdapter{}
	_ domain.TransactionStore = (*memStore)(nil)
	_ domain.AggregateStore   = (*memStore)(nil)
	_ domain.RateLimiter      = openLimiter{}
	_ domain.SignalBus        = (*memBus)(nil)
	_ domain.AggregateCache   = (*memCache)(nil)
)
