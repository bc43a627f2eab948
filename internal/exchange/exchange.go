// Package exchange is the public face of the ledger. Each state-changing
// method runs as exactly one store transaction: either every record it
// touches changes, or none does.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/atmx/stockdex/internal/metrics"
	"github.com/atmx/stockdex/internal/model"
	"github.com/atmx/stockdex/internal/offer"
	"github.com/atmx/stockdex/internal/registry"
	"github.com/atmx/stockdex/internal/settlement"
	"github.com/atmx/stockdex/internal/stats"
	"github.com/atmx/stockdex/internal/store"
	"github.com/atmx/stockdex/internal/wallet"
)

// Event types delivered to a Notifier.
const (
	EventStockMinted    = "stock_minted"
	EventOfferOpened    = "offer_opened"
	EventOfferCancelled = "offer_cancelled"
	EventTradeSettled   = "trade_settled"
	EventStockPurchased = "stock_purchased"
)

// Event describes a committed state change. Only the fields relevant to
// Type are set.
type Event struct {
	Type     string
	Stock    *model.Stock
	Offer    *model.Offer
	Trade    *model.Trade
	Purchase *model.Purchase
}

// Notifier receives events after their transaction commits. Notify must not
// block.
type Notifier interface {
	Notify(Event)
}

// Exchange coordinates the registry, offer book, settlement engine and stats
// over a single Store.
type Exchange struct {
	store         store.Store
	engine        settlement.Engine
	allowDeposits bool
	notifier      Notifier
	logger        *slog.Logger
	now           func() time.Time
}

// Option configures an Exchange.
type Option func(*Exchange)

// WithNotifier delivers committed events to n.
func WithNotifier(n Notifier) Option {
	return func(e *Exchange) { e.notifier = n }
}

// WithLogger replaces the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Exchange) { e.logger = l }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Exchange) { e.now = now }
}

// WithSelfTrade lets a maker accept their own offer.
func WithSelfTrade(allow bool) Option {
	return func(e *Exchange) { e.engine.AllowSelfTrade = allow }
}

// WithDeposits enables or disables Deposit. Deposits are enabled unless
// turned off here.
func WithDeposits(allow bool) Option {
	return func(e *Exchange) { e.allowDeposits = allow }
}

// New creates an Exchange on st.
func New(st store.Store, opts ...Option) *Exchange {
	e := &Exchange{
		store:         st,
		allowDeposits: true,
		logger:        slog.Default(),
		now:           func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// MintStock creates a stock whose whole supply is unallocated.
func (e *Exchange) MintStock(ctx context.Context, p registry.MintParams) (*model.Stock, error) {
	defer observe("mint")()
	now := e.now()

	var st *model.Stock
	err := e.store.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		if st, err = registry.Mint(ctx, tx, p, now); err != nil {
			return err
		}
		_, err = stats.OnMint(ctx, tx, now)
		return err
	})
	if err != nil {
		e.reject("mint", err, "authority", p.Authority, "symbol", p.Symbol)
		return nil, err
	}

	metrics.StocksMinted.Inc()
	e.logger.Info("stock minted",
		"id", st.ID,
		"symbol", st.Symbol,
		"authority", st.Authority,
		"supply", st.TotalSupply,
		"price", st.CurrentPrice,
	)
	e.notify(Event{Type: EventStockMinted, Stock: st})
	return st, nil
}

// AllocateStock issues amount unallocated units of stockID to recipient.
// Only the stock's authority may call it.
func (e *Exchange) AllocateStock(ctx context.Context, stockID, caller, recipient string, amount uint64) (*model.StockPosition, error) {
	defer observe("allocate")()
	now := e.now()

	var pos *model.StockPosition
	err := e.store.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		pos, err = registry.Allocate(ctx, tx, stockID, caller, recipient, amount, now)
		return err
	})
	if err != nil {
		e.reject("allocate", err, "stock", stockID, "caller", caller, "recipient", recipient, "amount", amount)
		return nil, err
	}

	e.logger.Info("stock allocated",
		"stock", stockID,
		"recipient", recipient,
		"amount", amount,
		"position", pos.Amount,
	)
	return pos, nil
}

// PurchaseStock sells amount unallocated units of stockID to buyer at the
// stock's current price. The cost is paid to the stock's authority.
func (e *Exchange) PurchaseStock(ctx context.Context, stockID, buyer string, amount uint64) (*model.Purchase, error) {
	defer observe("purchase")()
	now := e.now()

	var rc *model.Purchase
	err := e.store.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		rc, err = registry.Purchase(ctx, tx, stockID, buyer, amount, now)
		return err
	})
	if err != nil {
		e.reject("purchase", err, "stock", stockID, "buyer", buyer, "amount", amount)
		return nil, err
	}

	metrics.PrimaryPurchases.Add(float64(amount))
	e.logger.Info("stock purchased",
		"stock", stockID,
		"buyer", buyer,
		"amount", amount,
		"price", rc.Price,
		"cost", rc.Cost,
		"position", rc.Position.Amount,
	)
	e.notify(Event{Type: EventStockPurchased, Purchase: rc})
	return rc, nil
}

// OpenOffer records a new active offer.
func (e *Exchange) OpenOffer(ctx context.Context, p offer.OpenParams) (*model.Offer, error) {
	defer observe("open_offer")()
	now := e.now()

	var o *model.Offer
	err := e.store.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		o, err = offer.Open(ctx, tx, p, now)
		return err
	})
	if err != nil {
		e.reject("open_offer", err, "maker", p.Maker, "stock", p.StockID, "is_buy", p.IsBuy)
		return nil, err
	}

	metrics.OfferEvents.WithLabelValues("opened").Inc()
	metrics.ActiveOffers.Inc()
	e.logger.Info("offer opened",
		"id", o.ID,
		"maker", o.Maker,
		"stock", o.StockID,
		"side", o.Side(),
		"amount", o.Amount,
		"price", o.Price,
	)
	e.notify(Event{Type: EventOfferOpened, Offer: o})
	return o, nil
}

// CancelOffer withdraws an active offer. Only its maker may cancel it.
func (e *Exchange) CancelOffer(ctx context.Context, offerID, caller string) (*model.Offer, error) {
	defer observe("cancel_offer")()
	now := e.now()

	var o *model.Offer
	err := e.store.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		o, err = offer.Cancel(ctx, tx, offerID, caller, now)
		return err
	})
	if err != nil {
		e.reject("cancel_offer", err, "offer", offerID, "caller", caller)
		return nil, err
	}

	metrics.OfferEvents.WithLabelValues("cancelled").Inc()
	metrics.ActiveOffers.Dec()
	e.logger.Info("offer cancelled", "id", o.ID, "maker", o.Maker)
	e.notify(Event{Type: EventOfferCancelled, Offer: o})
	return o, nil
}

// AcceptOffer settles offerID with acceptor as the counterparty.
func (e *Exchange) AcceptOffer(ctx context.Context, offerID, acceptor string) (*model.Trade, error) {
	defer observe("accept_offer")()
	now := e.now()

	var (
		t  *model.Trade
		o  *model.Offer
		st *model.Stock
	)
	err := e.store.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		if t, err = e.engine.Accept(ctx, tx, offerID, acceptor, now); err != nil {
			return err
		}
		if o, err = tx.GetOffer(ctx, offerID); err != nil {
			return err
		}
		st, err = tx.GetStock(ctx, t.StockID)
		return err
	})
	if err != nil {
		e.reject("accept_offer", err, "offer", offerID, "acceptor", acceptor)
		return nil, err
	}

	metrics.SettlementsTotal.WithLabelValues(o.Side()).Inc()
	metrics.OfferEvents.WithLabelValues("filled").Inc()
	metrics.ActiveOffers.Dec()
	if t.Buyer != t.Seller {
		metrics.TradedNotional.Add(float64(t.Notional))
	}
	e.logger.Info("trade settled",
		"trade_id", t.ID,
		"offer", t.OfferID,
		"stock", t.StockID,
		"buyer", t.Buyer,
		"seller", t.Seller,
		"amount", t.Amount,
		"price", t.Price,
		"notional", t.Notional,
		"last_price", st.CurrentPrice,
	)
	e.notify(Event{Type: EventTradeSettled, Trade: t, Offer: o, Stock: st})
	return t, nil
}

// Deposit credits funds to owner and returns the new balance. It fails with
// ErrNotAuthorized when deposits are disabled.
func (e *Exchange) Deposit(ctx context.Context, owner string, amount uint64) (uint64, error) {
	defer observe("deposit")()

	if !e.allowDeposits {
		err := fmt.Errorf("deposits are disabled: %w", model.ErrNotAuthorized)
		e.reject("deposit", err, "owner", owner, "amount", amount)
		return 0, err
	}
	var bal uint64
	err := e.store.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		bal, err = wallet.Deposit(ctx, tx, owner, amount)
		return err
	})
	if err != nil {
		e.reject("deposit", err, "owner", owner, "amount", amount)
		return 0, err
	}
	e.logger.Info("funds deposited", "owner", owner, "amount", amount, "balance", bal)
	return bal, nil
}

// SyncMetrics sets the gauges that mirror ledger state from the store. Call
// it once at startup so they account for records written by earlier runs.
func (e *Exchange) SyncMetrics(ctx context.Context) error {
	active, err := e.store.ListOffers(ctx, store.OfferFilter{ActiveOnly: true})
	if err != nil {
		return err
	}
	metrics.ActiveOffers.Set(float64(len(active)))
	return nil
}

// --- Reads ---

// Stock returns one stock.
func (e *Exchange) Stock(ctx context.Context, id string) (*model.Stock, error) {
	return e.store.GetStock(ctx, id)
}

// Stocks lists every minted stock ordered by ID.
func (e *Exchange) Stocks(ctx context.Context) ([]model.Stock, error) {
	return e.store.ListStocks(ctx)
}

// Position returns owner's holding of stockID.
func (e *Exchange) Position(ctx context.Context, owner, stockID string) (*model.StockPosition, error) {
	return e.store.GetPosition(ctx, owner, stockID)
}

// Offer returns one offer in any state.
func (e *Exchange) Offer(ctx context.Context, id string) (*model.Offer, error) {
	return e.store.GetOffer(ctx, id)
}

// Offers lists offers matching f.
func (e *Exchange) Offers(ctx context.Context, f store.OfferFilter) ([]model.Offer, error) {
	return e.store.ListOffers(ctx, f)
}

// Trades lists the settled trades of stockID, oldest first.
func (e *Exchange) Trades(ctx context.Context, stockID string) ([]model.Trade, error) {
	if _, err := e.store.GetStock(ctx, stockID); err != nil {
		return nil, err
	}
	return e.store.ListTradesByStock(ctx, stockID)
}

// Balance returns owner's funds.
func (e *Exchange) Balance(ctx context.Context, owner string) (uint64, error) {
	acct, err := e.store.GetAccount(ctx, owner)
	if errors.Is(err, model.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return acct.Balance, nil
}

// Stats returns the market stats as of now. Before anything is minted the
// stats are all zero.
func (e *Exchange) Stats(ctx context.Context) (*model.MarketStats, error) {
	st, err := e.store.GetStats(ctx)
	if errors.Is(err, model.ErrRecordNotFound) {
		st = &model.MarketStats{}
	} else if err != nil {
		return nil, err
	}
	return stats.Snapshot(st, e.now()), nil
}

func (e *Exchange) notify(ev Event) {
	if e.notifier != nil {
		e.notifier.Notify(ev)
	}
}

func (e *Exchange) reject(op string, err error, args ...any) {
	kind := model.Kind(err)
	if kind == nil {
		metrics.Rejections.WithLabelValues(op, "internal").Inc()
		e.logger.Error(op+" failed", append(args, "err", err)...)
		return
	}
	metrics.Rejections.WithLabelValues(op, kind.Error()).Inc()
	e.logger.Info(op+" rejected", append(args, "kind", kind.Error(), "err", err)...)
}

func observe(op string) func() {
	start := time.Now()
	return func() {
		metrics.OperationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}
