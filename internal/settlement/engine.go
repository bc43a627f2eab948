// Package settlement executes the acceptance of an offer as a single
// all-or-nothing unit: stock moves seller → buyer, funds move buyer → seller,
// the offer is filled, the stock's price and the market stats are updated,
// and a trade receipt is appended.
package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/stockdex/internal/model"
	"github.com/atmx/stockdex/internal/offer"
	"github.com/atmx/stockdex/internal/position"
	"github.com/atmx/stockdex/internal/registry"
	"github.com/atmx/stockdex/internal/stats"
	"github.com/atmx/stockdex/internal/store"
	"github.com/atmx/stockdex/internal/wallet"
)

// Engine settles offers. The zero value rejects self-trades.
type Engine struct {
	// AllowSelfTrade lets a maker accept their own offer. The offer is
	// filled and a receipt recorded, but nothing moves and neither the price
	// nor the stats change.
	AllowSelfTrade bool
}

// Accept settles offerID against acceptor. Every precondition is checked
// before the first write, so a rejected acceptance leaves tx untouched.
func (e Engine) Accept(ctx context.Context, tx store.Tx, offerID, acceptor string, now time.Time) (*model.Trade, error) {
	o, err := offer.Active(ctx, tx, offerID)
	if err != nil {
		return nil, err
	}
	if acceptor == "" {
		return nil, fmt.Errorf("acceptor is required: %w", model.ErrInvalidIdentity)
	}
	self := acceptor == o.Maker
	if self && !e.AllowSelfTrade {
		return nil, fmt.Errorf("%s cannot accept their own offer: %w", acceptor, model.ErrNotAuthorized)
	}
	notional, err := model.MulU64(o.Amount, o.Price)
	if err != nil {
		return nil, fmt.Errorf("notional of offer %s: %w", o.ID, err)
	}

	buyer, seller := o.Maker, acceptor
	if !o.IsBuy {
		buyer, seller = acceptor, o.Maker
	}
	if err := checkParties(ctx, tx, o, buyer, seller, notional); err != nil {
		return nil, err
	}

	if !self {
		if err := position.Debit(ctx, tx, seller, o.StockID, o.Amount); err != nil {
			return nil, err
		}
		if _, err := position.Credit(ctx, tx, buyer, o.StockID, o.Amount, o.Price, now); err != nil {
			return nil, err
		}
		if err := wallet.Transfer(ctx, tx, buyer, seller, notional); err != nil {
			return nil, err
		}
	}
	if err := offer.Fill(ctx, tx, o, acceptor, now); err != nil {
		return nil, err
	}
	if !self {
		if _, err := registry.SetLastPrice(ctx, tx, o.StockID, o.Price, notional); err != nil {
			return nil, err
		}
		if _, err := stats.OnTrade(ctx, tx, notional, now); err != nil {
			return nil, err
		}
	}

	t := &model.Trade{
		ID:         uuid.New().String(),
		OfferID:    o.ID,
		StockID:    o.StockID,
		Buyer:      buyer,
		Seller:     seller,
		Amount:     o.Amount,
		Price:      o.Price,
		Notional:   notional,
		ExecutedAt: now,
	}
	if err := tx.InsertTrade(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// checkParties verifies the side giving stock before the side paying for
// it: on a buy offer the acceptor's units then the maker's funds, on a sell
// offer the maker's units then the acceptor's funds.
func checkParties(ctx context.Context, tx store.Tx, o *model.Offer, buyer, seller string, notional uint64) error {
	held, err := position.Held(ctx, tx, seller, o.StockID)
	if err != nil {
		return err
	}
	if held < o.Amount {
		return fmt.Errorf("seller %s holds %d, offer needs %d: %w", seller, held, o.Amount, model.ErrInsufficientStockBalance)
	}
	funds, err := wallet.Balance(ctx, tx, buyer)
	if err != nil {
		return err
	}
	if funds < notional {
		return fmt.Errorf("buyer %s holds %d, offer costs %d: %w", buyer, funds, notional, model.ErrInsufficientFunds)
	}
	return nil
}
