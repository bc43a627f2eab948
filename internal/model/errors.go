package model

import "errors"

// Sentinel errors for every failed precondition. Callers branch with
// errors.Is; the HTTP layer maps each one to a status code.
var (
	ErrNameTooLong              = errors.New("name_too_long")
	ErrSymbolTooLong            = errors.New("symbol_too_long")
	ErrInvalidSupply            = errors.New("invalid_supply")
	ErrInvalidPrice             = errors.New("invalid_price")
	ErrInsufficientStockBalance = errors.New("insufficient_stock_balance")
	ErrInsufficientFunds        = errors.New("insufficient_funds")
	ErrOfferNotActive           = errors.New("offer_not_active")
	ErrNotAuthorized            = errors.New("not_authorized")
	ErrArithmeticOverflow       = errors.New("arithmetic_overflow")
	ErrRecordNotFound           = errors.New("record_not_found")
	ErrStockExists              = errors.New("stock_exists")
	ErrInvalidIdentity          = errors.New("invalid_identity")
)

// Kinds lists every sentinel, in declaration order.
var Kinds = []error{
	ErrNameTooLong,
	ErrSymbolTooLong,
	ErrInvalidSupply,
	ErrInvalidPrice,
	ErrInsufficientStockBalance,
	ErrInsufficientFunds,
	ErrOfferNotActive,
	ErrNotAuthorized,
	ErrArithmeticOverflow,
	ErrRecordNotFound,
	ErrStockExists,
	ErrInvalidIdentity,
}

// Kind returns the sentinel err wraps, or nil if it wraps none.
func Kind(err error) error {
	for _, k := range Kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
