// Package offer owns Offer records and their state machine:
// active → filled or active → cancelled, both terminal.
//
// Nothing is reserved when an offer opens. A sell offer only checks that the
// maker holds enough units at that moment; funds and stock are checked again
// when the offer is accepted, so a maker can open more offers than they can
// honour and the later acceptances fail.
package offer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/stockdex/internal/model"
	"github.com/atmx/stockdex/internal/position"
	"github.com/atmx/stockdex/internal/store"
)

// OpenParams describes a new offer.
type OpenParams struct {
	Maker   string
	StockID string
	IsBuy   bool
	Amount  uint64
	Price   uint64
}

// Open validates p and records an active offer.
func Open(ctx context.Context, tx store.Tx, p OpenParams, now time.Time) (*model.Offer, error) {
	if p.Maker == "" {
		return nil, fmt.Errorf("maker is required: %w", model.ErrInvalidIdentity)
	}
	if p.Amount == 0 {
		return nil, fmt.Errorf("offer amount must be positive: %w", model.ErrInvalidSupply)
	}
	if p.Price == 0 {
		return nil, fmt.Errorf("offer price must be positive: %w", model.ErrInvalidPrice)
	}
	if _, err := model.MulU64(p.Amount, p.Price); err != nil {
		return nil, fmt.Errorf("offer notional: %w", err)
	}
	if _, err := tx.GetStock(ctx, p.StockID); err != nil {
		return nil, err
	}
	if !p.IsBuy {
		held, err := position.Held(ctx, tx, p.Maker, p.StockID)
		if err != nil {
			return nil, err
		}
		if held < p.Amount {
			return nil, fmt.Errorf("%s holds %d, offers %d: %w", p.Maker, held, p.Amount, model.ErrInsufficientStockBalance)
		}
	}

	o := &model.Offer{
		ID:        uuid.New().String(),
		IsBuy:     p.IsBuy,
		Maker:     p.Maker,
		StockID:   p.StockID,
		Amount:    p.Amount,
		Price:     p.Price,
		IsActive:  true,
		Status:    model.OfferActive,
		CreatedAt: now,
	}
	if err := tx.InsertOffer(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

// Active loads an offer that must still be active. A missing offer is
// reported as not active.
func Active(ctx context.Context, tx store.Tx, offerID string) (*model.Offer, error) {
	o, err := tx.GetOffer(ctx, offerID)
	if errors.Is(err, model.ErrRecordNotFound) {
		return nil, fmt.Errorf("offer %s does not exist: %w", offerID, model.ErrOfferNotActive)
	}
	if err != nil {
		return nil, err
	}
	if !o.IsActive {
		return nil, fmt.Errorf("offer %s is %s: %w", offerID, o.Status, model.ErrOfferNotActive)
	}
	return o, nil
}

// Cancel moves an active offer to cancelled. Only the maker may cancel.
func Cancel(ctx context.Context, tx store.Tx, offerID, caller string, now time.Time) (*model.Offer, error) {
	o, err := Active(ctx, tx, offerID)
	if err != nil {
		return nil, err
	}
	if caller != o.Maker {
		return nil, fmt.Errorf("%s is not the maker of offer %s: %w", caller, offerID, model.ErrNotAuthorized)
	}
	closeOffer(o, model.OfferCancelled, "", now)
	if err := tx.UpdateOffer(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

// Fill moves an active offer to filled by taker. Only settlement calls it.
func Fill(ctx context.Context, tx store.Tx, o *model.Offer, taker string, now time.Time) error {
	if !o.IsActive {
		return fmt.Errorf("offer %s is %s: %w", o.ID, o.Status, model.ErrOfferNotActive)
	}
	closeOffer(o, model.OfferFilled, taker, now)
	return tx.UpdateOffer(ctx, o)
}

func closeOffer(o *model.Offer, status model.OfferStatus, taker string, now time.Time) {
	o.IsActive = false
	o.Status = status
	o.Taker = taker
	o.ClosedAt = &now
}
