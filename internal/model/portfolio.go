package model

import "github.com/shopspring/decimal"

// PortfolioPosition is a position marked to its stock's last-trade price.
type PortfolioPosition struct {
	StockPosition
	Symbol        string          `json:"symbol"`
	CurrentPrice  uint64          `json:"current_price"`
	CostBasis     decimal.Decimal `json:"cost_basis"`
	MarketValue   decimal.Decimal `json:"market_value"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

// Portfolio is an owner's funds plus every position they hold. Totals are
// decimal because a sum of amount × price terms can exceed uint64.
type Portfolio struct {
	Owner      string              `json:"owner"`
	Balance    uint64              `json:"balance"`
	Positions  []PortfolioPosition `json:"positions"`
	TotalCost  decimal.Decimal     `json:"total_cost"`
	TotalValue decimal.Decimal     `json:"total_value"`
	TotalPnL   decimal.Decimal     `json:"total_pnl"`
}
