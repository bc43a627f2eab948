package exchange

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/stockdex/internal/model"
)

// Portfolio marks every position owner holds to its stock's last-trade
// price. Values are computed in decimal, never float64.
func (e *Exchange) Portfolio(ctx context.Context, owner string) (*model.Portfolio, error) {
	positions, err := e.store.ListPositionsByOwner(ctx, owner)
	if err != nil {
		return nil, err
	}
	bal, err := e.Balance(ctx, owner)
	if err != nil {
		return nil, err
	}

	p := &model.Portfolio{
		Owner:      owner,
		Balance:    bal,
		Positions:  make([]model.PortfolioPosition, 0, len(positions)),
		TotalCost:  decimal.Zero,
		TotalValue: decimal.Zero,
		TotalPnL:   decimal.Zero,
	}
	for _, pos := range positions {
		st, err := e.store.GetStock(ctx, pos.StockID)
		if errors.Is(err, model.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		pp := Mark(pos, st)
		p.Positions = append(p.Positions, pp)
		p.TotalCost = p.TotalCost.Add(pp.CostBasis)
		p.TotalValue = p.TotalValue.Add(pp.MarketValue)
	}
	p.TotalPnL = p.TotalValue.Sub(p.TotalCost)
	return p, nil
}

// Mark values pos at st's current price.
func Mark(pos model.StockPosition, st *model.Stock) model.PortfolioPosition {
	amount := decimal.NewFromUint64(pos.Amount)
	cost := amount.Mul(decimal.NewFromUint64(pos.EntryPrice))
	value := amount.Mul(decimal.NewFromUint64(st.CurrentPrice))
	return model.PortfolioPosition{
		StockPosition: pos,
		Symbol:        st.Symbol,
		CurrentPrice:  st.CurrentPrice,
		CostBasis:     cost,
		MarketValue:   value,
		UnrealizedPnL: value.Sub(cost),
	}
}
