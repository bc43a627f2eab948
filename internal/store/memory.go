package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/btree"

	"github.com/atmx/stockdex/internal/model"
)

// Record keys. The NUL separator keeps (owner, stock) pairs unambiguous.
const (
	stocksTableKey = "#stocks"
	statsKey       = "stats"
)

func stockKey(id string) string              { return "stock/" + id }
func positionKey(owner, stock string) string { return "pos/" + owner + "\x00" + stock }
func offerKey(id string) string              { return "offer/" + id }
func accountKey(owner string) string         { return "acct/" + owner }

type entry struct {
	value   any
	version uint64
}

// offerRef orders active offers for one stock: sells by ascending price,
// then buys by descending price, earliest first within a price.
type offerRef struct {
	StockID   string
	IsBuy     bool
	Price     uint64
	CreatedAt int64
	ID        string
}

func offerLess(a, b offerRef) bool {
	if a.StockID != b.StockID {
		return a.StockID < b.StockID
	}
	if a.IsBuy != b.IsBuy {
		return !a.IsBuy
	}
	if a.Price != b.Price {
		if a.IsBuy {
			return a.Price > b.Price
		}
		return a.Price < b.Price
	}
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt < b.CreatedAt
	}
	return a.ID < b.ID
}

func refOf(o *model.Offer) offerRef {
	return offerRef{
		StockID:   o.StockID,
		IsBuy:     o.IsBuy,
		Price:     o.Price,
		CreatedAt: o.CreatedAt.UnixNano(),
		ID:        o.ID,
	}
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Transactions are optimistic: each records the version of every record it
// read and buffers its writes; commit validates the read set under the store
// lock. Transactions over disjoint records never conflict.
type MemoryStore struct {
	mu          sync.RWMutex
	records     map[string]entry
	stocksVer   uint64
	seq         uint64
	trades      map[string][]model.Trade
	active      *btree.BTreeG[offerRef]
	maxAttempts int
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	const degree = 32
	return &MemoryStore{
		records:     make(map[string]entry),
		trades:      make(map[string][]model.Trade),
		active:      btree.NewG[offerRef](degree, offerLess),
		maxAttempts: DefaultMaxAttempts,
	}
}

// SetMaxAttempts sets how many times Atomic retries a conflicting transaction.
func (s *MemoryStore) SetMaxAttempts(n int) { s.maxAttempts = n }

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) Atomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return retry(ctx, s.maxAttempts, func() error {
		tx := &memTx{
			s:      s,
			reads:  make(map[string]uint64),
			writes: make(map[string]pending),
		}
		if err := fn(ctx, tx); err != nil {
			return err
		}
		return s.commit(tx)
	})
}

func (s *MemoryStore) versionOf(key string) uint64 {
	if key == stocksTableKey {
		return s.stocksVer
	}
	return s.records[key].version
}

func (s *MemoryStore) commit(tx *memTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, ver := range tx.reads {
		if s.versionOf(key) != ver {
			return fmt.Errorf("%s: %w", key, ErrConflict)
		}
	}
	for _, key := range tx.order {
		w := tx.writes[key]
		s.seq++
		if old, ok := s.records[key]; ok {
			if o, isOffer := old.value.(model.Offer); isOffer {
				s.active.Delete(refOf(&o))
			}
		}
		if w.deleted {
			delete(s.records, key)
		} else {
			s.records[key] = entry{value: w.value, version: s.seq}
			if o, isOffer := w.value.(model.Offer); isOffer && o.IsActive {
				s.active.ReplaceOrInsert(refOf(&o))
			}
		}
		if strings.HasPrefix(key, "stock/") {
			s.stocksVer = s.seq
		}
	}
	for _, t := range tx.trades {
		s.trades[t.StockID] = append(s.trades[t.StockID], t)
	}
	return nil
}

// --- transaction ---

type pending struct {
	value   any
	deleted bool
}

type memTx struct {
	s      *MemoryStore
	reads  map[string]uint64
	writes map[string]pending
	order  []string
	trades []model.Trade
}

func (t *memTx) observe(key string, ver uint64) {
	if _, seen := t.reads[key]; !seen {
		t.reads[key] = ver
	}
}

func (t *memTx) get(key string) (any, bool) {
	if w, ok := t.writes[key]; ok {
		return w.value, !w.deleted
	}
	t.s.mu.RLock()
	e, ok := t.s.records[key]
	t.s.mu.RUnlock()
	t.observe(key, e.version)
	return e.value, ok
}

func (t *memTx) put(key string, v any) {
	if _, ok := t.writes[key]; !ok {
		t.order = append(t.order, key)
	}
	t.writes[key] = pending{value: v}
}

func (t *memTx) del(key string) {
	if _, ok := t.writes[key]; !ok {
		t.order = append(t.order, key)
	}
	t.writes[key] = pending{deleted: true}
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, model.ErrRecordNotFound)
}

func (t *memTx) GetStock(_ context.Context, id string) (*model.Stock, error) {
	v, ok := t.get(stockKey(id))
	if !ok {
		return nil, notFound("stock", id)
	}
	st := v.(model.Stock)
	return &st, nil
}

func (t *memTx) ListStocks(_ context.Context) ([]model.Stock, error) {
	t.s.mu.RLock()
	t.observe(stocksTableKey, t.s.stocksVer)
	byID := make(map[string]model.Stock)
	for key, e := range t.s.records {
		if st, ok := e.value.(model.Stock); ok {
			byID[st.ID] = st
			t.observe(key, e.version)
		}
	}
	t.s.mu.RUnlock()

	for key, w := range t.writes {
		if st, ok := w.value.(model.Stock); ok && !w.deleted {
			byID[st.ID] = st
		} else if w.deleted && strings.HasPrefix(key, "stock/") {
			delete(byID, strings.TrimPrefix(key, "stock/"))
		}
	}
	return sortedStocks(byID), nil
}

func (t *memTx) InsertStock(_ context.Context, st *model.Stock) error {
	key := stockKey(st.ID)
	if _, ok := t.get(key); ok {
		return fmt.Errorf("stock %s: %w", st.ID, ErrAlreadyExists)
	}
	t.put(key, *st)
	return nil
}

func (t *memTx) UpdateStock(_ context.Context, st *model.Stock) error {
	key := stockKey(st.ID)
	if _, ok := t.get(key); !ok {
		return notFound("stock", st.ID)
	}
	t.put(key, *st)
	return nil
}

func (t *memTx) GetPosition(_ context.Context, owner, stockID string) (*model.StockPosition, error) {
	v, ok := t.get(positionKey(owner, stockID))
	if !ok {
		return nil, notFound("position", owner+"/"+stockID)
	}
	p := v.(model.StockPosition)
	return &p, nil
}

func (t *memTx) PutPosition(_ context.Context, p *model.StockPosition) error {
	t.put(positionKey(p.Owner, p.StockID), *p)
	return nil
}

func (t *memTx) DeletePosition(_ context.Context, owner, stockID string) error {
	t.del(positionKey(owner, stockID))
	return nil
}

func (t *memTx) GetOffer(_ context.Context, id string) (*model.Offer, error) {
	v, ok := t.get(offerKey(id))
	if !ok {
		return nil, notFound("offer", id)
	}
	o := v.(model.Offer)
	return &o, nil
}

func (t *memTx) InsertOffer(_ context.Context, o *model.Offer) error {
	key := offerKey(o.ID)
	if _, ok := t.get(key); ok {
		return fmt.Errorf("offer %s: %w", o.ID, ErrAlreadyExists)
	}
	t.put(key, *o)
	return nil
}

func (t *memTx) UpdateOffer(_ context.Context, o *model.Offer) error {
	key := offerKey(o.ID)
	if _, ok := t.get(key); !ok {
		return notFound("offer", o.ID)
	}
	t.put(key, *o)
	return nil
}

func (t *memTx) GetStats(_ context.Context) (*model.MarketStats, error) {
	v, ok := t.get(statsKey)
	if !ok {
		return nil, notFound("stats", "singleton")
	}
	st := cloneStats(v.(model.MarketStats))
	return &st, nil
}

func (t *memTx) PutStats(_ context.Context, st *model.MarketStats) error {
	t.put(statsKey, cloneStats(*st))
	return nil
}

func (t *memTx) GetAccount(_ context.Context, owner string) (*model.Account, error) {
	v, ok := t.get(accountKey(owner))
	if !ok {
		return nil, notFound("account", owner)
	}
	a := v.(model.Account)
	return &a, nil
}

func (t *memTx) PutAccount(_ context.Context, a *model.Account) error {
	t.put(accountKey(a.Owner), *a)
	return nil
}

func (t *memTx) InsertTrade(_ context.Context, tr *model.Trade) error {
	t.trades = append(t.trades, *tr)
	return nil
}

// --- reads outside a transaction ---

func (s *MemoryStore) lookup(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.records[key]
	return e.value, ok
}

func (s *MemoryStore) GetStock(_ context.Context, id string) (*model.Stock, error) {
	v, ok := s.lookup(stockKey(id))
	if !ok {
		return nil, notFound("stock", id)
	}
	st := v.(model.Stock)
	return &st, nil
}

func (s *MemoryStore) ListStocks(_ context.Context) ([]model.Stock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byID := make(map[string]model.Stock)
	for _, e := range s.records {
		if st, ok := e.value.(model.Stock); ok {
			byID[st.ID] = st
		}
	}
	return sortedStocks(byID), nil
}

func (s *MemoryStore) GetPosition(_ context.Context, owner, stockID string) (*model.StockPosition, error) {
	v, ok := s.lookup(positionKey(owner, stockID))
	if !ok {
		return nil, notFound("position", owner+"/"+stockID)
	}
	p := v.(model.StockPosition)
	return &p, nil
}

func (s *MemoryStore) listPositions(match func(p model.StockPosition) bool) []model.StockPosition {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.StockPosition
	for _, e := range s.records {
		if p, ok := e.value.(model.StockPosition); ok && match(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StockID != out[j].StockID {
			return out[i].StockID < out[j].StockID
		}
		return out[i].Owner < out[j].Owner
	})
	return out
}

func (s *MemoryStore) ListPositionsByOwner(_ context.Context, owner string) ([]model.StockPosition, error) {
	return s.listPositions(func(p model.StockPosition) bool { return p.Owner == owner }), nil
}

func (s *MemoryStore) ListPositionsByStock(_ context.Context, stockID string) ([]model.StockPosition, error) {
	return s.listPositions(func(p model.StockPosition) bool { return p.StockID == stockID }), nil
}

func (s *MemoryStore) GetOffer(_ context.Context, id string) (*model.Offer, error) {
	v, ok := s.lookup(offerKey(id))
	if !ok {
		return nil, notFound("offer", id)
	}
	o := v.(model.Offer)
	return &o, nil
}

// ListOffers serves active offers of one stock from the price-ordered index;
// every other filter falls back to a scan ordered by creation time.
func (s *MemoryStore) ListOffers(_ context.Context, f OfferFilter) ([]model.Offer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Offer
	if f.ActiveOnly && f.StockID != "" {
		s.active.AscendGreaterOrEqual(offerRef{StockID: f.StockID}, func(ref offerRef) bool {
			if ref.StockID != f.StockID {
				return false
			}
			o := s.records[offerKey(ref.ID)].value.(model.Offer)
			if f.Maker == "" || o.Maker == f.Maker {
				out = append(out, o)
			}
			return true
		})
		return out, nil
	}

	for _, e := range s.records {
		o, ok := e.value.(model.Offer)
		if !ok {
			continue
		}
		if f.StockID != "" && o.StockID != f.StockID {
			continue
		}
		if f.Maker != "" && o.Maker != f.Maker {
			continue
		}
		if f.ActiveOnly && !o.IsActive {
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) GetStats(_ context.Context) (*model.MarketStats, error) {
	v, ok := s.lookup(statsKey)
	if !ok {
		return nil, notFound("stats", "singleton")
	}
	st := cloneStats(v.(model.MarketStats))
	return &st, nil
}

func (s *MemoryStore) GetAccount(_ context.Context, owner string) (*model.Account, error) {
	v, ok := s.lookup(accountKey(owner))
	if !ok {
		return nil, notFound("account", owner)
	}
	a := v.(model.Account)
	return &a, nil
}

func (s *MemoryStore) ListTradesByStock(_ context.Context, stockID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	trades := s.trades[stockID]
	result := make([]model.Trade, len(trades))
	copy(result, trades)
	return result, nil
}

// --- helpers ---

func sortedStocks(byID map[string]model.Stock) []model.Stock {
	out := make([]model.Stock, 0, len(byID))
	for _, st := range byID {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func cloneStats(st model.MarketStats) model.MarketStats {
	if st.VolumeBuckets != nil {
		buckets := make([]model.VolumeBucket, len(st.VolumeBuckets))
		copy(buckets, st.VolumeBuckets)
		st.VolumeBuckets = buckets
	}
	return st
}
