package stats_test

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/atmx/stockdex/internal/model"
	"github.com/atmx/stockdex/internal/stats"
	"github.com/atmx/stockdex/internal/store"
)

var t0 = time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC)

func seed(t *testing.T, ms *store.MemoryStore, stocks ...model.Stock) {
	t.Helper()
	err := ms.Atomic(context.Background(), func(ctx context.Context, tx store.Tx) error {
		for i := range stocks {
			if err := tx.InsertStock(ctx, &stocks[i]); err != nil {
				return err
			}
			if _, err := stats.OnMint(ctx, tx, t0); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func trade(t *testing.T, ms *store.MemoryStore, stockID string, volume uint64, at time.Time) *model.MarketStats {
	t.Helper()
	var out *model.MarketStats
	err := ms.Atomic(context.Background(), func(ctx context.Context, tx store.Tx) error {
		st, err := tx.GetStock(ctx, stockID)
		if err != nil {
			return err
		}
		st.TradedVolume += volume
		if err := tx.UpdateStock(ctx, st); err != nil {
			return err
		}
		out, err = stats.OnTrade(ctx, tx, volume, at)
		return err
	})
	if err != nil {
		t.Fatalf("trade: %v", err)
	}
	return out
}

func TestOnMint_CountsAndRanks(t *testing.T) {
	ms := store.NewMemoryStore()
	seed(t, ms,
		model.Stock{ID: "b", TotalSupply: 100, CurrentPrice: 10}, // cap 1000
		model.Stock{ID: "a", TotalSupply: 10, CurrentPrice: 100}, // cap 1000, lower id wins the tie
		model.Stock{ID: "c", TotalSupply: 5, CurrentPrice: 1},
	)

	st, err := ms.GetStats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st.TotalStocks != 3 {
		t.Errorf("total stocks = %d, want 3", st.TotalStocks)
	}
	if st.HighestValuedStock != "a" {
		t.Errorf("highest valued = %q, want a", st.HighestValuedStock)
	}
	if st.MostTradedStock != "" {
		t.Errorf("most traded = %q before any trade", st.MostTradedStock)
	}
}

func TestOnMint_MarketCapBeyondUint64(t *testing.T) {
	ms := store.NewMemoryStore()
	seed(t, ms,
		model.Stock{ID: "big", TotalSupply: math.MaxUint64, CurrentPrice: 2},
		model.Stock{ID: "small", TotalSupply: math.MaxUint64, CurrentPrice: 1},
	)
	st, _ := ms.GetStats(context.Background())
	if st.HighestValuedStock != "big" {
		t.Errorf("highest valued = %q, want big", st.HighestValuedStock)
	}
}

func TestOnTrade_Accumulates(t *testing.T) {
	ms := store.NewMemoryStore()
	seed(t, ms,
		model.Stock{ID: "a", TotalSupply: 100, CurrentPrice: 10},
		model.Stock{ID: "b", TotalSupply: 100, CurrentPrice: 10},
	)

	trade(t, ms, "a", 600, t0)
	st := trade(t, ms, "b", 700, t0.Add(10*time.Minute))

	if st.TotalTransactions != 2 {
		t.Errorf("transactions = %d, want 2", st.TotalTransactions)
	}
	if st.TotalVolume24h != 1300 {
		t.Errorf("24h volume = %d, want 1300", st.TotalVolume24h)
	}
	if len(st.VolumeBuckets) != 1 {
		t.Errorf("same hour should share a bucket, got %d", len(st.VolumeBuckets))
	}
	if st.MostTradedStock != "b" {
		t.Errorf("most traded = %q, want b", st.MostTradedStock)
	}
}

func TestOnTrade_RollsWindow(t *testing.T) {
	ms := store.NewMemoryStore()
	seed(t, ms, model.Stock{ID: "a", TotalSupply: 100, CurrentPrice: 10})

	trade(t, ms, "a", 100, t0)
	trade(t, ms, "a", 200, t0.Add(2*time.Hour))
	st := trade(t, ms, "a", 50, t0.Add(24*time.Hour))

	// The t0 bucket has left the window; transactions are cumulative.
	if st.TotalVolume24h != 250 {
		t.Errorf("24h volume = %d, want 250", st.TotalVolume24h)
	}
	if st.TotalTransactions != 3 {
		t.Errorf("transactions = %d, want 3", st.TotalTransactions)
	}
	if len(st.VolumeBuckets) != 2 {
		t.Errorf("buckets = %d, want 2", len(st.VolumeBuckets))
	}
}

func TestSnapshot_DropsExpiredBuckets(t *testing.T) {
	ms := store.NewMemoryStore()
	seed(t, ms, model.Stock{ID: "a", TotalSupply: 100, CurrentPrice: 10})
	st := trade(t, ms, "a", 100, t0)

	if got := stats.Snapshot(st, t0.Add(23*time.Hour)); got.TotalVolume24h != 100 {
		t.Errorf("within window: volume = %d, want 100", got.TotalVolume24h)
	}
	got := stats.Snapshot(st, t0.Add(25*time.Hour))
	if got.TotalVolume24h != 0 || len(got.VolumeBuckets) != 0 {
		t.Errorf("after window: volume = %d buckets = %d", got.TotalVolume24h, len(got.VolumeBuckets))
	}
	if got.TotalTransactions != 1 {
		t.Errorf("snapshot changed transactions: %d", got.TotalTransactions)
	}
	if st.TotalVolume24h != 100 {
		t.Error("snapshot mutated its input")
	}
}

func TestOnTrade_VolumeOverflow(t *testing.T) {
	ms := store.NewMemoryStore()
	seed(t, ms, model.Stock{ID: "a", TotalSupply: 100, CurrentPrice: 10})
	trade(t, ms, "a", math.MaxUint64-1, t0)

	err := ms.Atomic(context.Background(), func(ctx context.Context, tx store.Tx) error {
		_, err := stats.OnTrade(ctx, tx, 2, t0.Add(time.Hour))
		return err
	})
	if !errors.Is(err, model.ErrArithmeticOverflow) {
		t.Fatalf("expected ErrArithmeticOverflow, got %v", err)
	}
}

func TestLoad_ZeroBeforeFirstUse(t *testing.T) {
	ms := store.NewMemoryStore()
	err := ms.Atomic(context.Background(), func(ctx context.Context, tx store.Tx) error {
		st, err := stats.Load(ctx, tx)
		if err != nil {
			return err
		}
		if st.TotalStocks != 0 || st.TotalTransactions != 0 {
			t.Errorf("fresh stats = %+v", st)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}
