// Package store defines the persistence interface for the exchange ledger.
// Implementations include in-memory (optimistic versioning, used for tests and
// development), PostgreSQL (serializable transactions), Pebble (embedded KV)
// and a Redis read-through cache that wraps any of them.
package store

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/atmx/stockdex/internal/model"
)

var (
	// ErrConflict is returned when a transaction lost a race with a concurrent
	// transaction touching the same records. Atomic retries these.
	ErrConflict = errors.New("store: transaction conflict")

	// ErrAlreadyExists is returned when inserting a record whose key is taken.
	ErrAlreadyExists = errors.New("store: record already exists")
)

// DefaultMaxAttempts bounds how many times Atomic runs fn on ErrConflict.
const DefaultMaxAttempts = 8

// retryBackoff is the upper bound of the jittered wait before the second
// attempt. It doubles on each further attempt.
const retryBackoff = 500 * time.Microsecond

// OfferFilter selects offers for ListOffers. Zero values match everything.
type OfferFilter struct {
	StockID    string
	Maker      string
	ActiveOnly bool
}

// Tx is the record access available inside one atomic transaction. Reads
// observe the transaction's own writes. Get of a missing record returns
// model.ErrRecordNotFound.
type Tx interface {
	GetStock(ctx context.Context, id string) (*model.Stock, error)
	ListStocks(ctx context.Context) ([]model.Stock, error)
	InsertStock(ctx context.Context, s *model.Stock) error
	UpdateStock(ctx context.Context, s *model.Stock) error

	GetPosition(ctx context.Context, owner, stockID string) (*model.StockPosition, error)
	PutPosition(ctx context.Context, p *model.StockPosition) error
	DeletePosition(ctx context.Context, owner, stockID string) error

	GetOffer(ctx context.Context, id string) (*model.Offer, error)
	InsertOffer(ctx context.Context, o *model.Offer) error
	UpdateOffer(ctx context.Context, o *model.Offer) error

	GetStats(ctx context.Context) (*model.MarketStats, error)
	PutStats(ctx context.Context, st *model.MarketStats) error

	GetAccount(ctx context.Context, owner string) (*model.Account, error)
	PutAccount(ctx context.Context, a *model.Account) error

	// InsertTrade appends an immutable trade receipt.
	InsertTrade(ctx context.Context, t *model.Trade) error
}

// Reader holds the read-only queries served outside a transaction.
type Reader interface {
	GetStock(ctx context.Context, id string) (*model.Stock, error)
	ListStocks(ctx context.Context) ([]model.Stock, error)
	GetPosition(ctx context.Context, owner, stockID string) (*model.StockPosition, error)
	ListPositionsByOwner(ctx context.Context, owner string) ([]model.StockPosition, error)
	ListPositionsByStock(ctx context.Context, stockID string) ([]model.StockPosition, error)
	GetOffer(ctx context.Context, id string) (*model.Offer, error)
	ListOffers(ctx context.Context, f OfferFilter) ([]model.Offer, error)
	GetStats(ctx context.Context) (*model.MarketStats, error)
	GetAccount(ctx context.Context, owner string) (*model.Account, error)
	ListTradesByStock(ctx context.Context, stockID string) ([]model.Trade, error)
}

// Store is the persistence interface.
type Store interface {
	Reader

	// Atomic runs fn inside a transaction. Either every write fn made is
	// committed or none is. An error from fn aborts the transaction and is
	// returned unchanged.
	Atomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	Close() error
}

// retry runs attempt until it returns something other than ErrConflict or
// maxAttempts is reached. Attempts after the first wait a jittered,
// exponentially growing delay so contending transactions spread out.
func retry(ctx context.Context, maxAttempts int, attempt func() error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var err error
	for i := 0; i < maxAttempts; i++ {
		if i > 0 {
			wait := time.NewTimer(rand.N(retryBackoff << (i - 1)))
			select {
			case <-ctx.Done():
				wait.Stop()
				return ctx.Err()
			case <-wait.C:
			}
		}
		if err = ctx.Err(); err != nil {
			return err
		}
		err = attempt()
		if !errors.Is(err, ErrConflict) {
			return err
		}
	}
	return err
}
