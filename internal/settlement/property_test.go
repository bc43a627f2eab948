package settlement_test

import (
	"context"
	"testing"

	"pgregory.net/rapid"

	"github.com/atmx/stockdex/internal/model"
	"github.com/atmx/stockdex/internal/offer"
	"github.com/atmx/stockdex/internal/registry"
	"github.com/atmx/stockdex/internal/settlement"
	"github.com/atmx/stockdex/internal/store"
	"github.com/atmx/stockdex/internal/wallet"
)

var actors = []string{"alice", "bob", "carol", "dave"}

// ledgerMachine drives random operations against one stock and checks the
// ledger's conservation laws after every step. Failed operations are
// expected; they must simply leave no trace.
type ledgerMachine struct {
	ms        *store.MemoryStore
	engine    settlement.Engine
	stockID   string
	deposited uint64
	offers    []string
	settled   int
}

func (m *ledgerMachine) atomic(fn func(ctx context.Context, tx store.Tx) error) error {
	return m.ms.Atomic(context.Background(), fn)
}

func (m *ledgerMachine) init(t *rapid.T) {
	m.ms = store.NewMemoryStore()
	m.engine.AllowSelfTrade = rapid.Bool().Draw(t, "allowSelfTrade")
	supply := rapid.Uint64Range(1, 10_000).Draw(t, "supply")
	err := m.atomic(func(ctx context.Context, tx store.Tx) error {
		st, err := registry.Mint(ctx, tx, registry.MintParams{
			Name: "Prop", Symbol: "PRP", TotalSupply: supply, CurrentPrice: 5, Authority: "alice",
		}, now)
		if err != nil {
			return err
		}
		m.stockID = st.ID
		return nil
	})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
}

func (m *ledgerMachine) allocate(t *rapid.T) {
	actor := rapid.SampledFrom(actors).Draw(t, "actor")
	amount := rapid.Uint64Range(0, 3_000).Draw(t, "allocAmount")
	_ = m.atomic(func(ctx context.Context, tx store.Tx) error {
		_, err := registry.Allocate(ctx, tx, m.stockID, "alice", actor, amount, now)
		return err
	})
}

func (m *ledgerMachine) deposit(t *rapid.T) {
	actor := rapid.SampledFrom(actors).Draw(t, "actor")
	amount := rapid.Uint64Range(1, 1_000_000).Draw(t, "deposit")
	if err := m.atomic(func(ctx context.Context, tx store.Tx) error {
		_, err := wallet.Deposit(ctx, tx, actor, amount)
		return err
	}); err == nil {
		m.deposited += amount
	}
}

func (m *ledgerMachine) open(t *rapid.T) {
	p := offer.OpenParams{
		Maker:   rapid.SampledFrom(actors).Draw(t, "maker"),
		StockID: m.stockID,
		IsBuy:   rapid.Bool().Draw(t, "isBuy"),
		Amount:  rapid.Uint64Range(1, 500).Draw(t, "offerAmount"),
		Price:   rapid.Uint64Range(1, 100).Draw(t, "offerPrice"),
	}
	var o *model.Offer
	if err := m.atomic(func(ctx context.Context, tx store.Tx) error {
		var err error
		o, err = offer.Open(ctx, tx, p, now)
		return err
	}); err == nil {
		m.offers = append(m.offers, o.ID)
	}
}

func (m *ledgerMachine) accept(t *rapid.T) {
	if len(m.offers) == 0 {
		t.Skip("no offers")
	}
	id := rapid.SampledFrom(m.offers).Draw(t, "acceptOffer")
	actor := rapid.SampledFrom(actors).Draw(t, "acceptor")
	if err := m.atomic(func(ctx context.Context, tx store.Tx) error {
		_, err := m.engine.Accept(ctx, tx, id, actor, now)
		return err
	}); err == nil {
		m.settled++
	}
}

func (m *ledgerMachine) cancel(t *rapid.T) {
	if len(m.offers) == 0 {
		t.Skip("no offers")
	}
	id := rapid.SampledFrom(m.offers).Draw(t, "cancelOffer")
	actor := rapid.SampledFrom(actors).Draw(t, "canceller")
	_ = m.atomic(func(ctx context.Context, tx store.Tx) error {
		_, err := offer.Cancel(ctx, tx, id, actor, now)
		return err
	})
}

func (m *ledgerMachine) check(t *rapid.T) {
	ctx := context.Background()
	st, err := m.ms.GetStock(ctx, m.stockID)
	if err != nil {
		t.Fatal(err)
	}
	if st.AvailableSupply > st.TotalSupply {
		t.Fatalf("available %d > total %d", st.AvailableSupply, st.TotalSupply)
	}

	positions, _ := m.ms.ListPositionsByStock(ctx, m.stockID)
	var held uint64
	for _, p := range positions {
		if p.Amount == 0 {
			t.Fatalf("zero position kept for %s", p.Owner)
		}
		held += p.Amount
	}
	if held+st.AvailableSupply != st.TotalSupply {
		t.Fatalf("held %d + available %d != total %d", held, st.AvailableSupply, st.TotalSupply)
	}

	var funds uint64
	for _, a := range actors {
		if acct, err := m.ms.GetAccount(ctx, a); err == nil {
			funds += acct.Balance
		}
	}
	if funds != m.deposited {
		t.Fatalf("funds %d != deposited %d", funds, m.deposited)
	}

	offers, _ := m.ms.ListOffers(ctx, store.OfferFilter{StockID: m.stockID})
	filled := 0
	for _, o := range offers {
		if o.IsActive != (o.Status == model.OfferActive) {
			t.Fatalf("offer %s: is_active=%v status=%s", o.ID, o.IsActive, o.Status)
		}
		if o.Status == model.OfferFilled {
			filled++
		}
	}
	trades, _ := m.ms.ListTradesByStock(ctx, m.stockID)
	if filled != m.settled || len(trades) != m.settled {
		t.Fatalf("filled=%d trades=%d accepted=%d", filled, len(trades), m.settled)
	}
}

func TestProperty_LedgerConservation(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m := &ledgerMachine{}
		m.init(t)
		t.Repeat(map[string]func(*rapid.T){
			"allocate": m.allocate,
			"deposit":  m.deposit,
			"open":     m.open,
			"accept":   m.accept,
			"cancel":   m.cancel,
			"":         m.check,
		})
	})
}
