package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/stockdex/internal/model"
)

// CachedStore wraps a primary Store with a Redis read-through cache for
// stocks, offers and market stats. Transactions run on the primary; once one
// commits, every cached key it wrote is invalidated.
//
// Each cached key has a generation counter that invalidation bumps. A reader
// notes the generation before loading from the primary and fills the cache
// only if it is unchanged, so a load that raced a commit is never cached.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (commit on primary, invalidate cache) ---

func (s *CachedStore) Atomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	var dirty []string
	err := s.primary.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		// Reset per attempt; a retried transaction may write different keys.
		rec := &recordingTx{Tx: tx}
		if err := fn(ctx, rec); err != nil {
			return err
		}
		dirty = rec.keys
		return nil
	})
	if err != nil {
		return err
	}
	if len(dirty) > 0 {
		s.invalidate(ctx, dirty)
	}
	return nil
}

// invalidateTimeout bounds the post-commit invalidation, which runs even if
// the caller's context is already done.
const invalidateTimeout = 2 * time.Second

func (s *CachedStore) invalidate(ctx context.Context, keys []string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), invalidateTimeout)
	defer cancel()

	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, key := range keys {
			pipe.Incr(ctx, cacheGenKey(key))
		}
		pipe.Del(ctx, keys...)
		return nil
	})
	if err != nil {
		slog.Warn("cache invalidation failed", "keys", keys, "err", err)
	}
}

func (s *CachedStore) Close() error {
	return s.primary.Close()
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetStock(ctx context.Context, id string) (*model.Stock, error) {
	return readThrough(ctx, s, cacheStockKey(id), func() (*model.Stock, error) {
		return s.primary.GetStock(ctx, id)
	})
}

func (s *CachedStore) GetOffer(ctx context.Context, id string) (*model.Offer, error) {
	return readThrough(ctx, s, cacheOfferKey(id), func() (*model.Offer, error) {
		return s.primary.GetOffer(ctx, id)
	})
}

func (s *CachedStore) GetStats(ctx context.Context) (*model.MarketStats, error) {
	return readThrough(ctx, s, cacheStatsKey, func() (*model.MarketStats, error) {
		return s.primary.GetStats(ctx)
	})
}

// fillScript sets KEYS[1] only while the generation at KEYS[2] still equals
// ARGV[1]. A missing generation counts as "0".
var fillScript = redis.NewScript(`
local gen = redis.call("GET", KEYS[2])
if not gen then gen = "0" end
if gen ~= ARGV[1] then return 0 end
if tonumber(ARGV[3]) > 0 then
	redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
else
	redis.call("SET", KEYS[1], ARGV[2])
end
return 1
`)

func readThrough[T any](ctx context.Context, s *CachedStore, key string, load func() (*T, error)) (*T, error) {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var v T
		if json.Unmarshal(data, &v) == nil {
			return &v, nil
		}
	}

	// Cache miss: note the generation, then read from primary.
	gen, genErr := s.rdb.Get(ctx, cacheGenKey(key)).Result()
	if errors.Is(genErr, redis.Nil) {
		gen, genErr = "0", nil
	}
	v, err := load()
	if err != nil {
		return nil, err
	}
	if genErr != nil {
		return v, nil
	}
	if data, err := json.Marshal(v); err == nil {
		fillScript.Run(ctx, s.rdb, []string{key, cacheGenKey(key)}, gen, data, s.ttl.Milliseconds())
	}
	return v, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListStocks(ctx context.Context) ([]model.Stock, error) {
	return s.primary.ListStocks(ctx)
}

func (s *CachedStore) GetPosition(ctx context.Context, owner, stockID string) (*model.StockPosition, error) {
	return s.primary.GetPosition(ctx, owner, stockID)
}

func (s *CachedStore) ListPositionsByOwner(ctx context.Context, owner string) ([]model.StockPosition, error) {
	return s.primary.ListPositionsByOwner(ctx, owner)
}

func (s *CachedStore) ListPositionsByStock(ctx context.Context, stockID string) ([]model.StockPosition, error) {
	return s.primary.ListPositionsByStock(ctx, stockID)
}

func (s *CachedStore) ListOffers(ctx context.Context, f OfferFilter) ([]model.Offer, error) {
	return s.primary.ListOffers(ctx, f)
}

func (s *CachedStore) GetAccount(ctx context.Context, owner string) (*model.Account, error) {
	return s.primary.GetAccount(ctx, owner)
}

func (s *CachedStore) ListTradesByStock(ctx context.Context, stockID string) ([]model.Trade, error) {
	return s.primary.ListTradesByStock(ctx, stockID)
}

// recordingTx notes the cache keys a transaction writes.
type recordingTx struct {
	Tx
	keys []string
}

func (t *recordingTx) InsertStock(ctx context.Context, st *model.Stock) error {
	t.keys = append(t.keys, cacheStockKey(st.ID))
	return t.Tx.InsertStock(ctx, st)
}

func (t *recordingTx) UpdateStock(ctx context.Context, st *model.Stock) error {
	t.keys = append(t.keys, cacheStockKey(st.ID))
	return t.Tx.UpdateStock(ctx, st)
}

func (t *recordingTx) InsertOffer(ctx context.Context, o *model.Offer) error {
	t.keys = append(t.keys, cacheOfferKey(o.ID))
	return t.Tx.InsertOffer(ctx, o)
}

func (t *recordingTx) UpdateOffer(ctx context.Context, o *model.Offer) error {
	t.keys = append(t.keys, cacheOfferKey(o.ID))
	return t.Tx.UpdateOffer(ctx, o)
}

func (t *recordingTx) PutStats(ctx context.Context, st *model.MarketStats) error {
	t.keys = append(t.keys, cacheStatsKey)
	return t.Tx.PutStats(ctx, st)
}

// --- Cache keys ---

const cacheStatsKey = "stats"

func cacheStockKey(id string) string { return fmt.Sprintf("stock:%s", id) }
func cacheOfferKey(id string) string { return fmt.Sprintf("offer:%s", id) }
func cacheGenKey(key string) string { return "gen:" + key }
