// Package model defines the ledger records shared across the exchange engine.
// Quantities and prices are unsigned integer base units; anything that can
// exceed uint64 in an intermediate step goes through shopspring/decimal or the
// checked helpers in arith.go.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Field limits for minted stocks.
const (
	MaxNameLen   = 32
	MaxSymbolLen = 12
)

// Stock is a tradable instrument with a fixed total supply.
// AvailableSupply counts units never yet allocated to any position.
type Stock struct {
	ID              string    `json:"id" db:"id"`
	Name            string    `json:"name" db:"name"`
	Symbol          string    `json:"symbol" db:"symbol"`
	TotalSupply     uint64    `json:"total_supply" db:"total_supply"`
	AvailableSupply uint64    `json:"available_supply" db:"available_supply"`
	CurrentPrice    uint64    `json:"current_price" db:"current_price"` // last-trade price
	Authority       string    `json:"authority" db:"authority"`
	TradedVolume    uint64    `json:"traded_volume" db:"traded_volume"` // cumulative settled notional
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

// Outstanding returns the number of units held in positions.
func (s *Stock) Outstanding() uint64 {
	return s.TotalSupply - s.AvailableSupply
}

// StockPosition is one owner's holding of one stock. EntryPrice is the
// volume-weighted average cost of the units currently held.
type StockPosition struct {
	Owner      string    `json:"owner" db:"owner"`
	StockID    string    `json:"stock_id" db:"stock_id"`
	Amount     uint64    `json:"amount" db:"amount"`
	EntryPrice uint64    `json:"entry_price" db:"entry_price"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}

// OfferStatus is the lifecycle state of an offer.
type OfferStatus string

const (
	OfferActive    OfferStatus = "active"
	OfferFilled    OfferStatus = "filled"
	OfferCancelled OfferStatus = "cancelled"
)

// Offer is a standing intent by Maker to buy or sell Amount units of a stock
// at Price per unit. Filled and cancelled offers are archived, never reopened.
type Offer struct {
	ID        string      `json:"id" db:"id"`
	IsBuy     bool        `json:"is_buy" db:"is_buy"`
	Maker     string      `json:"maker" db:"maker"`
	StockID   string      `json:"stock_id" db:"stock_id"`
	Amount    uint64      `json:"amount" db:"amount"`
	Price     uint64      `json:"price" db:"price"`
	IsActive  bool        `json:"is_active" db:"is_active"`
	Status    OfferStatus `json:"status" db:"status"`
	Taker     string      `json:"taker,omitempty" db:"taker"`
	CreatedAt time.Time   `json:"created_at" db:"created_at"`
	ClosedAt  *time.Time  `json:"closed_at,omitempty" db:"closed_at"`
}

// Side returns "buy" or "sell".
func (o *Offer) Side() string {
	if o.IsBuy {
		return "buy"
	}
	return "sell"
}

// VolumeBucket accumulates settled notional for one hour starting at Start.
type VolumeBucket struct {
	Start  time.Time `json:"start"`
	Volume uint64    `json:"volume"`
}

// MarketStats is the global singleton of exchange-wide counters.
type MarketStats struct {
	TotalStocks        uint64         `json:"total_stocks"`
	TotalVolume24h     uint64         `json:"total_volume_24h"`
	TotalTransactions  uint64         `json:"total_transactions"`
	HighestValuedStock string         `json:"highest_valued_stock"`
	MostTradedStock    string         `json:"most_traded_stock"`
	VolumeBuckets      []VolumeBucket `json:"volume_buckets"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// Account holds an owner's funds in base units.
type Account struct {
	Owner   string `json:"owner" db:"owner"`
	Balance uint64 `json:"balance" db:"balance"`
}

// Trade is the receipt of a settled offer. Trades are immutable.
type Trade struct {
	ID         string    `json:"id" db:"id"`
	OfferID    string    `json:"offer_id" db:"offer_id"`
	StockID    string    `json:"stock_id" db:"stock_id"`
	Buyer      string    `json:"buyer" db:"buyer"`
	Seller     string    `json:"seller" db:"seller"`
	Amount     uint64    `json:"amount" db:"amount"`
	Price      uint64    `json:"price" db:"price"`
	Notional   uint64    `json:"notional" db:"notional"`
	ExecutedAt time.Time `json:"executed_at" db:"executed_at"`
}

// StockID derives the identifier of the stock minted by authority under
// symbol. The same pair always yields the same ID, so a symbol can be minted
// at most once per authority.
func StockID(authority, symbol string) string {
	h := sha256.New()
	h.Write([]byte("stock"))
	h.Write([]byte(authority))
	h.Write([]byte{0})
	h.Write([]byte(symbol))
	return hex.EncodeToString(h.Sum(nil))
}

// Purchase is the receipt of a primary purchase: units bought out of a
// stock's unallocated supply, paid to its authority at the current price.
type Purchase struct {
	StockID     string        `json:"stock_id"`
	Buyer       string        `json:"buyer"`
	Authority   string        `json:"authority"`
	Amount      uint64        `json:"amount"`
	Price       uint64        `json:"price"`
	Cost        uint64        `json:"cost"`
	Position    StockPosition `json:"position"`
	PurchasedAt time.Time     `json:"purchased_at"`
}
