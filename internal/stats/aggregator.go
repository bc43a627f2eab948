// Package stats maintains the exchange-wide MarketStats singleton. Every
// update runs inside the transaction of the operation that caused it, so the
// counters never drift from the ledger.
package stats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/stockdex/internal/model"
	"github.com/atmx/stockdex/internal/store"
)

// Rolling volume window: 24 buckets of one hour.
const (
	BucketWidth = time.Hour
	WindowSize  = 24
)

// Load returns the stats singleton, or a zero record if none exists yet.
func Load(ctx context.Context, tx store.Tx) (*model.MarketStats, error) {
	st, err := tx.GetStats(ctx)
	if errors.Is(err, model.ErrRecordNotFound) {
		return &model.MarketStats{}, nil
	}
	return st, err
}

// OnMint counts a newly minted stock and refreshes the rankings.
func OnMint(ctx context.Context, tx store.Tx, now time.Time) (*model.MarketStats, error) {
	st, err := Load(ctx, tx)
	if err != nil {
		return nil, err
	}
	if st.TotalStocks, err = model.AddU64(st.TotalStocks, 1); err != nil {
		return nil, fmt.Errorf("total stocks: %w", err)
	}
	return st, save(ctx, tx, st, now)
}

// OnTrade adds volume to the current hourly bucket and counts one
// transaction. The stock's own TradedVolume must already include volume.
func OnTrade(ctx context.Context, tx store.Tx, volume uint64, now time.Time) (*model.MarketStats, error) {
	st, err := Load(ctx, tx)
	if err != nil {
		return nil, err
	}
	buckets := live(st.VolumeBuckets, now)
	start := now.Truncate(BucketWidth)
	if n := len(buckets); n > 0 && buckets[n-1].Start.Equal(start) {
		v, err := model.AddU64(buckets[n-1].Volume, volume)
		if err != nil {
			return nil, fmt.Errorf("hourly volume: %w", err)
		}
		buckets[n-1].Volume = v
	} else {
		buckets = append(buckets, model.VolumeBucket{Start: start, Volume: volume})
	}

	total, err := sum(buckets)
	if err != nil {
		return nil, err
	}
	txs, err := model.AddU64(st.TotalTransactions, 1)
	if err != nil {
		return nil, fmt.Errorf("total transactions: %w", err)
	}
	st.VolumeBuckets = buckets
	st.TotalVolume24h = total
	st.TotalTransactions = txs
	return st, save(ctx, tx, st, now)
}

// Snapshot returns a copy of st as of now, dropping buckets that have left
// the 24 hour window since st was last written.
func Snapshot(st *model.MarketStats, now time.Time) *model.MarketStats {
	out := *st
	out.VolumeBuckets = live(st.VolumeBuckets, now)
	// Buckets were summed without overflow when written, so a subset can't overflow.
	out.TotalVolume24h, _ = sum(out.VolumeBuckets)
	return &out
}

func save(ctx context.Context, tx store.Tx, st *model.MarketStats, now time.Time) error {
	stocks, err := tx.ListStocks(ctx)
	if err != nil {
		return err
	}
	st.HighestValuedStock, st.MostTradedStock = rank(stocks)
	st.UpdatedAt = now
	return tx.PutStats(ctx, st)
}

// rank picks the stock with the largest market cap and the one with the
// largest traded volume. Ties go to the lowest ID. mostTraded stays empty
// until something has traded.
func rank(stocks []model.Stock) (highestValued, mostTraded string) {
	var bestCap decimal.Decimal
	var bestVol uint64
	for _, s := range stocks {
		mcap := decimal.NewFromUint64(s.CurrentPrice).Mul(decimal.NewFromUint64(s.TotalSupply))
		if highestValued == "" || mcap.GreaterThan(bestCap) || (mcap.Equal(bestCap) && s.ID < highestValued) {
			highestValued, bestCap = s.ID, mcap
		}
		if s.TradedVolume == 0 {
			continue
		}
		if s.TradedVolume > bestVol || (s.TradedVolume == bestVol && s.ID < mostTraded) {
			mostTraded, bestVol = s.ID, s.TradedVolume
		}
	}
	return highestValued, mostTraded
}

func live(buckets []model.VolumeBucket, now time.Time) []model.VolumeBucket {
	cutoff := now.Truncate(BucketWidth).Add(-(WindowSize - 1) * BucketWidth)
	out := make([]model.VolumeBucket, 0, len(buckets)+1)
	for _, b := range buckets {
		if !b.Start.Before(cutoff) {
			out = append(out, b)
		}
	}
	return out
}

func sum(buckets []model.VolumeBucket) (uint64, error) {
	var total uint64
	for _, b := range buckets {
		var err error
		if total, err = model.AddU64(total, b.Volume); err != nil {
			return 0, fmt.Errorf("24h volume: %w", err)
		}
	}
	return total, nil
}
