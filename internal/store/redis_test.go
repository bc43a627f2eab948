package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/stockdex/internal/model"
)

// unreachableRedis returns a client whose every command fails fast.
func unreachableRedis(t *testing.T) *redis.Client {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func TestCachedStore_FallsBackWhenCacheIsDown(t *testing.T) {
	primary := NewMemoryStore()
	cs := NewCachedStore(primary, unreachableRedis(t), time.Minute)
	ctx := context.Background()

	err := cs.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.InsertStock(ctx, &model.Stock{ID: "AAA", TotalSupply: 1, AvailableSupply: 1, CurrentPrice: 1}); err != nil {
			return err
		}
		return tx.PutStats(ctx, &model.MarketStats{TotalStocks: 1})
	})
	if err != nil {
		t.Fatal(err)
	}

	st, err := cs.GetStock(ctx, "AAA")
	if err != nil || st.ID != "AAA" {
		t.Fatalf("stock = %+v, err %v", st, err)
	}
	stats, err := cs.GetStats(ctx)
	if err != nil || stats.TotalStocks != 1 {
		t.Fatalf("stats = %+v, err %v", stats, err)
	}
	if _, err := cs.GetOffer(ctx, "missing"); err == nil {
		t.Fatal("expected not found")
	}
}

func TestRecordingTx_CollectsWrittenKeys(t *testing.T) {
	primary := NewMemoryStore()
	ctx := context.Background()

	var keys []string
	err := primary.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		rec := &recordingTx{Tx: tx}
		if err := rec.InsertStock(ctx, &model.Stock{ID: "AAA"}); err != nil {
			return err
		}
		if err := rec.InsertOffer(ctx, &model.Offer{ID: "o1", StockID: "AAA"}); err != nil {
			return err
		}
		if err := rec.PutStats(ctx, &model.MarketStats{}); err != nil {
			return err
		}
		// Positions and accounts are not cached.
		if err := rec.PutAccount(ctx, &model.Account{Owner: "bob"}); err != nil {
			return err
		}
		keys = rec.keys
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	want := []string{"stock:AAA", "offer:o1", "stats"}
	if len(keys) != len(want) {
		t.Fatalf("keys = %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("keys[%d] = %s, want %s", i, keys[i], want[i])
		}
	}
}

func newCachedStore(t *testing.T) (*CachedStore, *MemoryStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	primary := NewMemoryStore()
	return NewCachedStore(primary, rdb, time.Minute), primary, mr
}

func setPrice(t *testing.T, ctx context.Context, s Store, id string, price uint64) {
	t.Helper()
	err := s.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		st, err := tx.GetStock(ctx, id)
		if err != nil {
			return err
		}
		st.CurrentPrice = price
		return tx.UpdateStock(ctx, st)
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestCachedStore_ReadThroughAndInvalidate(t *testing.T) {
	cs, primary, mr := newCachedStore(t)
	ctx := context.Background()

	err := cs.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		return tx.InsertStock(ctx, &model.Stock{ID: "AAA", TotalSupply: 1, AvailableSupply: 1, CurrentPrice: 1})
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := cs.GetStock(ctx, "AAA"); err != nil {
		t.Fatal(err)
	}
	if !mr.Exists("stock:AAA") {
		t.Fatal("stock was not cached")
	}

	// A write that bypasses the cache is not seen until the entry goes.
	setPrice(t, ctx, primary, "AAA", 5)
	if st, _ := cs.GetStock(ctx, "AAA"); st.CurrentPrice != 1 {
		t.Fatalf("price = %d, want cached 1", st.CurrentPrice)
	}

	setPrice(t, ctx, cs, "AAA", 7)
	if mr.Exists("stock:AAA") {
		t.Fatal("commit did not invalidate stock:AAA")
	}
	if st, _ := cs.GetStock(ctx, "AAA"); st.CurrentPrice != 7 {
		t.Fatalf("price = %d, want 7", st.CurrentPrice)
	}
}

func TestCachedStore_LoadRacingCommitIsNotCached(t *testing.T) {
	cs, primary, mr := newCachedStore(t)
	ctx := context.Background()

	err := primary.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		return tx.InsertOffer(ctx, &model.Offer{ID: "o1", StockID: "AAA", Amount: 1, Price: 1, IsActive: true, Status: model.OfferActive})
	})
	if err != nil {
		t.Fatal(err)
	}

	// The reader loads the active offer, then a fill commits before the
	// reader gets to populate the cache.
	got, err := readThrough(ctx, cs, cacheOfferKey("o1"), func() (*model.Offer, error) {
		o, err := primary.GetOffer(ctx, "o1")
		if err != nil {
			return nil, err
		}
		err = cs.Atomic(ctx, func(ctx context.Context, tx Tx) error {
			filled, err := tx.GetOffer(ctx, "o1")
			if err != nil {
				return err
			}
			filled.IsActive = false
			filled.Status = model.OfferFilled
			return tx.UpdateOffer(ctx, filled)
		})
		return o, err
	})
	if err != nil {
		t.Fatal(err)
	}
	if !got.IsActive {
		t.Fatal("reader should have loaded the pre-fill offer")
	}
	if mr.Exists("offer:o1") {
		t.Fatal("stale offer was cached after invalidation")
	}

	o, err := cs.GetOffer(ctx, "o1")
	if err != nil {
		t.Fatal(err)
	}
	if o.IsActive || o.Status != model.OfferFilled {
		t.Errorf("offer = %+v, want filled", o)
	}
	if !mr.Exists("offer:o1") {
		t.Error("fresh load was not cached")
	}
}

func TestCachedStore_InvalidatesAfterCallerCancels(t *testing.T) {
	cs, _, mr := newCachedStore(t)
	err := cs.Atomic(context.Background(), func(ctx context.Context, tx Tx) error {
		return tx.InsertStock(ctx, &model.Stock{ID: "AAA", TotalSupply: 1, AvailableSupply: 1, CurrentPrice: 1})
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := cs.GetStock(context.Background(), "AAA"); err != nil {
		t.Fatal(err)
	}

	// The request times out right after the transaction commits.
	ctx, cancel := context.WithCancel(context.Background())
	err = cs.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		st, err := tx.GetStock(ctx, "AAA")
		if err != nil {
			return err
		}
		st.CurrentPrice = 9
		defer cancel()
		return tx.UpdateStock(ctx, st)
	})
	if err != nil {
		t.Fatal(err)
	}
	if mr.Exists("stock:AAA") {
		t.Fatal("cancelled caller left a stale entry")
	}
	if st, _ := cs.GetStock(context.Background(), "AAA"); st.CurrentPrice != 9 {
		t.Errorf("price = %d, want 9", st.CurrentPrice)
	}
}
