// Package position keeps each owner's holding and average entry price per
// stock. It is an internal collaborator of settlement and of the registry's
// allocation path; nothing outside the engine calls it directly.
package position

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/stockdex/internal/model"
	"github.com/atmx/stockdex/internal/store"
)

// Held returns how many units of stockID owner holds (zero without a position).
func Held(ctx context.Context, tx store.Tx, owner, stockID string) (uint64, error) {
	pos, err := tx.GetPosition(ctx, owner, stockID)
	if errors.Is(err, model.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return pos.Amount, nil
}

// Debit removes amount units from owner's position. A position that reaches
// zero is retired so it never counts toward outstanding supply.
func Debit(ctx context.Context, tx store.Tx, owner, stockID string, amount uint64) error {
	pos, err := tx.GetPosition(ctx, owner, stockID)
	if errors.Is(err, model.ErrRecordNotFound) {
		return fmt.Errorf("%s holds no %s: %w", owner, stockID, model.ErrInsufficientStockBalance)
	}
	if err != nil {
		return err
	}
	if amount > pos.Amount {
		return fmt.Errorf("%s holds %d, needs %d: %w", owner, pos.Amount, amount, model.ErrInsufficientStockBalance)
	}
	if amount == pos.Amount {
		return tx.DeletePosition(ctx, owner, stockID)
	}
	pos.Amount -= amount
	return tx.PutPosition(ctx, pos)
}

// Credit adds amount units bought at price to owner's position, creating it
// on first acquisition, and returns the updated position.
func Credit(ctx context.Context, tx store.Tx, owner, stockID string, amount, price uint64, now time.Time) (*model.StockPosition, error) {
	pos, err := tx.GetPosition(ctx, owner, stockID)
	switch {
	case errors.Is(err, model.ErrRecordNotFound):
		pos = &model.StockPosition{
			Owner:      owner,
			StockID:    stockID,
			Amount:     amount,
			EntryPrice: price,
			UpdatedAt:  now,
		}
	case err != nil:
		return nil, err
	default:
		total, err := model.AddU64(pos.Amount, amount)
		if err != nil {
			return nil, fmt.Errorf("credit %s: %w", owner, err)
		}
		pos.EntryPrice = AverageEntry(pos.Amount, pos.EntryPrice, amount, price)
		pos.Amount = total
		pos.UpdatedAt = now
	}
	if err := tx.PutPosition(ctx, pos); err != nil {
		return nil, err
	}
	return pos, nil
}

// AverageEntry is the volume-weighted average of holding oldAmount at
// oldEntry and adding amount at price, truncated to whole units. The products
// are taken in decimal so they cannot overflow; the result lies between the
// two prices and therefore fits in uint64.
func AverageEntry(oldAmount, oldEntry, amount, price uint64) uint64 {
	if oldAmount == 0 {
		return price
	}
	oa := decimal.NewFromUint64(oldAmount)
	na := decimal.NewFromUint64(amount)
	cost := oa.Mul(decimal.NewFromUint64(oldEntry)).Add(na.Mul(decimal.NewFromUint64(price)))
	avg, _ := cost.QuoRem(oa.Add(na), 0)
	return avg.BigInt().Uint64()
}
