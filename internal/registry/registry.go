// Package registry owns Stock records: minting, primary issuance out of the
// unissued supply (free allocation by the authority, or purchase by anyone at
// the current price), and the last-trade price update applied by settlement.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/atmx/stockdex/internal/model"
	"github.com/atmx/stockdex/internal/position"
	"github.com/atmx/stockdex/internal/store"
	"github.com/atmx/stockdex/internal/wallet"
)

// MintParams describes a new stock.
type MintParams struct {
	Name         string
	Symbol       string
	TotalSupply  uint64
	CurrentPrice uint64
	Authority    string
}

// Validate checks p in a fixed order; the first failure wins.
func (p MintParams) Validate() error {
	if utf8.RuneCountInString(p.Name) > model.MaxNameLen {
		return fmt.Errorf("name has %d characters, max %d: %w",
			utf8.RuneCountInString(p.Name), model.MaxNameLen, model.ErrNameTooLong)
	}
	if utf8.RuneCountInString(p.Symbol) > model.MaxSymbolLen {
		return fmt.Errorf("symbol has %d characters, max %d: %w",
			utf8.RuneCountInString(p.Symbol), model.MaxSymbolLen, model.ErrSymbolTooLong)
	}
	if p.TotalSupply == 0 {
		return fmt.Errorf("total supply must be positive: %w", model.ErrInvalidSupply)
	}
	if p.CurrentPrice == 0 {
		return fmt.Errorf("price must be positive: %w", model.ErrInvalidPrice)
	}
	if p.Authority == "" {
		return fmt.Errorf("authority is required: %w", model.ErrInvalidIdentity)
	}
	return nil
}

// Mint creates a stock with its whole supply unallocated. The stock ID is
// derived from (authority, symbol); minting the same pair twice fails with
// ErrStockExists.
func Mint(ctx context.Context, tx store.Tx, p MintParams, now time.Time) (*model.Stock, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	st := &model.Stock{
		ID:              model.StockID(p.Authority, p.Symbol),
		Name:            p.Name,
		Symbol:          p.Symbol,
		TotalSupply:     p.TotalSupply,
		AvailableSupply: p.TotalSupply,
		CurrentPrice:    p.CurrentPrice,
		Authority:       p.Authority,
		CreatedAt:       now,
	}
	if err := tx.InsertStock(ctx, st); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil, fmt.Errorf("%s already minted %s: %w", p.Authority, p.Symbol, model.ErrStockExists)
		}
		return nil, err
	}
	return st, nil
}

// Allocate issues amount units out of the unallocated supply into
// recipient's position at the stock's current price. Only the stock's
// authority may allocate. Allocate and Purchase are the only operations that
// lower AvailableSupply.
func Allocate(ctx context.Context, tx store.Tx, stockID, caller, recipient string, amount uint64, now time.Time) (*model.StockPosition, error) {
	st, err := tx.GetStock(ctx, stockID)
	if err != nil {
		return nil, err
	}
	if caller != st.Authority {
		return nil, fmt.Errorf("%s is not the authority of %s: %w", caller, st.Symbol, model.ErrNotAuthorized)
	}
	if recipient == "" {
		return nil, fmt.Errorf("recipient is required: %w", model.ErrInvalidIdentity)
	}
	if amount == 0 {
		return nil, fmt.Errorf("allocation amount must be positive: %w", model.ErrInvalidSupply)
	}
	if amount > st.AvailableSupply {
		return nil, fmt.Errorf("%s has %d unallocated, requested %d: %w",
			st.Symbol, st.AvailableSupply, amount, model.ErrInsufficientStockBalance)
	}

	pos, err := position.Credit(ctx, tx, recipient, stockID, amount, st.CurrentPrice, now)
	if err != nil {
		return nil, err
	}
	st.AvailableSupply -= amount
	if err := tx.UpdateStock(ctx, st); err != nil {
		return nil, err
	}
	return pos, nil
}

// Purchase sells amount units out of the unallocated supply to buyer at the
// stock's current price. The cost moves from buyer to the stock's authority
// and the units are credited to buyer's position at that price. Units never
// return to the unallocated supply.
func Purchase(ctx context.Context, tx store.Tx, stockID, buyer string, amount uint64, now time.Time) (*model.Purchase, error) {
	st, err := tx.GetStock(ctx, stockID)
	if err != nil {
		return nil, err
	}
	if buyer == "" {
		return nil, fmt.Errorf("buyer is required: %w", model.ErrInvalidIdentity)
	}
	if amount == 0 {
		return nil, fmt.Errorf("purchase amount must be positive: %w", model.ErrInvalidSupply)
	}
	if amount > st.AvailableSupply {
		return nil, fmt.Errorf("%s has %d unallocated, requested %d: %w",
			st.Symbol, st.AvailableSupply, amount, model.ErrInsufficientStockBalance)
	}
	cost, err := model.MulU64(amount, st.CurrentPrice)
	if err != nil {
		return nil, fmt.Errorf("cost of %d %s: %w", amount, st.Symbol, err)
	}

	if err := wallet.Transfer(ctx, tx, buyer, st.Authority, cost); err != nil {
		return nil, err
	}
	pos, err := position.Credit(ctx, tx, buyer, stockID, amount, st.CurrentPrice, now)
	if err != nil {
		return nil, err
	}
	st.AvailableSupply -= amount
	if err := tx.UpdateStock(ctx, st); err != nil {
		return nil, err
	}
	return &model.Purchase{
		StockID:     stockID,
		Buyer:       buyer,
		Authority:   st.Authority,
		Amount:      amount,
		Price:       st.CurrentPrice,
		Cost:        cost,
		Position:    *pos,
		PurchasedAt: now,
	}, nil
}

// SetLastPrice sets the last-trade price and adds notional to the stock's
// cumulative traded volume.
func SetLastPrice(ctx context.Context, tx store.Tx, stockID string, price, notional uint64) (*model.Stock, error) {
	st, err := tx.GetStock(ctx, stockID)
	if err != nil {
		return nil, err
	}
	vol, err := model.AddU64(st.TradedVolume, notional)
	if err != nil {
		return nil, fmt.Errorf("traded volume of %s: %w", st.Symbol, err)
	}
	st.CurrentPrice = price
	st.TradedVolume = vol
	if err := tx.UpdateStock(ctx, st); err != nil {
		return nil, err
	}
	return st, nil
}
