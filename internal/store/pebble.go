package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/atmx/stockdex/internal/model"
)

// Key schema:
//
//	stk:<stockID>                      → Stock
//	pos:<owner>\x00<stockID>           → StockPosition
//	ofr:<offerID>                      → Offer
//	sts                                → MarketStats
//	acc:<owner>                        → Account
//	trd:<stockID>:<unixnano>:<tradeID> → Trade
const (
	prefixStock    = "stk:"
	prefixPosition = "pos:"
	prefixOffer    = "ofr:"
	prefixAccount  = "acc:"
	prefixTrade    = "trd:"
	keyStats       = "sts"
)

func kStock(id string) []byte              { return []byte(prefixStock + id) }
func kPosition(owner, stock string) []byte { return []byte(prefixPosition + owner + "\x00" + stock) }
func kOffer(id string) []byte              { return []byte(prefixOffer + id) }
func kAccount(owner string) []byte         { return []byte(prefixAccount + owner) }

// kTrade zero-pads the timestamp so trades of a stock sort chronologically.
func kTrade(t *model.Trade) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%s", prefixTrade, t.StockID, t.ExecutedAt.UnixNano(), t.ID))
}

// upperBound returns the exclusive upper bound for a prefix scan.
func upperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}

// PebbleStore implements Store on an embedded Pebble database. A transaction
// is an indexed batch, so reads see the transaction's own writes, and is
// committed with pebble.Sync. Transactions are serialized by a writer lock;
// reads outside a transaction do not take it.
type PebbleStore struct {
	db *pebble.DB
	mu sync.Mutex
	kv pebbleKV
}

// NewPebbleStore opens (or creates) a Pebble database at path.
func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &PebbleStore{db: db, kv: pebbleKV{r: db}}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

func (s *PebbleStore) Atomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	batch := s.db.NewIndexedBatch()
	defer batch.Close()

	if err := fn(ctx, &pebbleTx{pebbleKV{r: batch, w: batch}}); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

func (s *PebbleStore) GetStock(ctx context.Context, id string) (*model.Stock, error) {
	return s.kv.GetStock(ctx, id)
}

func (s *PebbleStore) ListStocks(ctx context.Context) ([]model.Stock, error) {
	return s.kv.ListStocks(ctx)
}

func (s *PebbleStore) GetPosition(ctx context.Context, owner, stockID string) (*model.StockPosition, error) {
	return s.kv.GetPosition(ctx, owner, stockID)
}

func (s *PebbleStore) ListPositionsByOwner(_ context.Context, owner string) ([]model.StockPosition, error) {
	return scanPrefix[model.StockPosition](s.db, []byte(prefixPosition+owner+"\x00"), nil)
}

func (s *PebbleStore) ListPositionsByStock(_ context.Context, stockID string) ([]model.StockPosition, error) {
	return scanPrefix(s.db, []byte(prefixPosition), func(p model.StockPosition) bool {
		return p.StockID == stockID
	})
}

func (s *PebbleStore) GetOffer(ctx context.Context, id string) (*model.Offer, error) {
	return s.kv.GetOffer(ctx, id)
}

func (s *PebbleStore) ListOffers(_ context.Context, f OfferFilter) ([]model.Offer, error) {
	offers, err := scanPrefix(s.db, []byte(prefixOffer), func(o model.Offer) bool {
		return (f.StockID == "" || o.StockID == f.StockID) &&
			(f.Maker == "" || o.Maker == f.Maker) &&
			(!f.ActiveOnly || o.IsActive)
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(offers, func(i, j int) bool {
		if !offers[i].CreatedAt.Equal(offers[j].CreatedAt) {
			return offers[i].CreatedAt.Before(offers[j].CreatedAt)
		}
		return offers[i].ID < offers[j].ID
	})
	return offers, nil
}

func (s *PebbleStore) GetStats(ctx context.Context) (*model.MarketStats, error) {
	return s.kv.GetStats(ctx)
}

func (s *PebbleStore) GetAccount(ctx context.Context, owner string) (*model.Account, error) {
	return s.kv.GetAccount(ctx, owner)
}

func (s *PebbleStore) ListTradesByStock(_ context.Context, stockID string) ([]model.Trade, error) {
	return scanPrefix[model.Trade](s.db, []byte(prefixTrade+stockID+":"), nil)
}

type pebbleTx struct {
	pebbleKV
}

// kvReader is satisfied by *pebble.DB and by an indexed *pebble.Batch.
type kvReader interface {
	Get(key []byte) ([]byte, io.Closer, error)
	NewIter(o *pebble.IterOptions) (*pebble.Iterator, error)
}

// pebbleKV reads through r and writes into w. w is nil outside a transaction.
type pebbleKV struct {
	r kvReader
	w *pebble.Batch
}

func getJSON[T any](r kvReader, key []byte) (*T, bool, error) {
	val, closer, err := r.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer closer.Close()

	var out T
	if err := json.Unmarshal(val, &out); err != nil {
		return nil, false, fmt.Errorf("decode %q: %w", key, err)
	}
	return &out, true, nil
}

func (kv pebbleKV) set(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return kv.w.Set(key, data, nil)
}

func scanPrefix[T any](r kvReader, prefix []byte, keep func(T) bool) ([]T, error) {
	it, err := r.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var out []T
	for it.First(); it.Valid(); it.Next() {
		var v T
		if err := json.Unmarshal(it.Value(), &v); err != nil {
			return nil, fmt.Errorf("decode %q: %w", it.Key(), err)
		}
		if keep == nil || keep(v) {
			out = append(out, v)
		}
	}
	return out, it.Error()
}

func (kv pebbleKV) GetStock(_ context.Context, id string) (*model.Stock, error) {
	st, ok, err := getJSON[model.Stock](kv.r, kStock(id))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, notFound("stock", id)
	}
	return st, nil
}

func (kv pebbleKV) ListStocks(_ context.Context) ([]model.Stock, error) {
	return scanPrefix[model.Stock](kv.r, []byte(prefixStock), nil)
}

func (kv pebbleKV) InsertStock(_ context.Context, st *model.Stock) error {
	_, ok, err := getJSON[model.Stock](kv.r, kStock(st.ID))
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("stock %s: %w", st.ID, ErrAlreadyExists)
	}
	return kv.set(kStock(st.ID), st)
}

func (kv pebbleKV) UpdateStock(ctx context.Context, st *model.Stock) error {
	if _, err := kv.GetStock(ctx, st.ID); err != nil {
		return err
	}
	return kv.set(kStock(st.ID), st)
}

func (kv pebbleKV) GetPosition(_ context.Context, owner, stockID string) (*model.StockPosition, error) {
	pos, ok, err := getJSON[model.StockPosition](kv.r, kPosition(owner, stockID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, notFound("position", owner+"/"+stockID)
	}
	return pos, nil
}

func (kv pebbleKV) PutPosition(_ context.Context, p *model.StockPosition) error {
	return kv.set(kPosition(p.Owner, p.StockID), p)
}

func (kv pebbleKV) DeletePosition(_ context.Context, owner, stockID string) error {
	return kv.w.Delete(kPosition(owner, stockID), nil)
}

func (kv pebbleKV) GetOffer(_ context.Context, id string) (*model.Offer, error) {
	o, ok, err := getJSON[model.Offer](kv.r, kOffer(id))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, notFound("offer", id)
	}
	return o, nil
}

func (kv pebbleKV) InsertOffer(_ context.Context, o *model.Offer) error {
	_, ok, err := getJSON[model.Offer](kv.r, kOffer(o.ID))
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("offer %s: %w", o.ID, ErrAlreadyExists)
	}
	return kv.set(kOffer(o.ID), o)
}

func (kv pebbleKV) UpdateOffer(ctx context.Context, o *model.Offer) error {
	if _, err := kv.GetOffer(ctx, o.ID); err != nil {
		return err
	}
	return kv.set(kOffer(o.ID), o)
}

func (kv pebbleKV) GetStats(_ context.Context) (*model.MarketStats, error) {
	st, ok, err := getJSON[model.MarketStats](kv.r, []byte(keyStats))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, notFound("stats", "singleton")
	}
	return st, nil
}

func (kv pebbleKV) PutStats(_ context.Context, st *model.MarketStats) error {
	return kv.set([]byte(keyStats), st)
}

func (kv pebbleKV) GetAccount(_ context.Context, owner string) (*model.Account, error) {
	a, ok, err := getJSON[model.Account](kv.r, kAccount(owner))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, notFound("account", owner)
	}
	return a, nil
}

func (kv pebbleKV) PutAccount(_ context.Context, a *model.Account) error {
	return kv.set(kAccount(a.Owner), a)
}

func (kv pebbleKV) InsertTrade(_ context.Context, t *model.Trade) error {
	return kv.set(kTrade(t), t)
}
