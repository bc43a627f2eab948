package trade_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/stockdex/internal/exchange"
	"github.com/atmx/stockdex/internal/model"
	"github.com/atmx/stockdex/internal/store"
	"github.com/atmx/stockdex/internal/trade"
)

// newTestEnv creates a test Service with in-memory store and chi router.
func newTestEnv(t *testing.T) chi.Router {
	t.Helper()
	ms := store.NewMemoryStore()
	ex := exchange.New(ms, exchange.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	svc := trade.NewService(ex)

	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)
	return r
}

func do(t *testing.T, router chi.Router, method, path, signer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if signer != "" {
		req.Header.Set(trade.SignerHeader, signer)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func mintAcme(t *testing.T, router chi.Router) model.Stock {
	t.Helper()
	w := do(t, router, "POST", "/api/v1/stocks", "alice", trade.MintStockRequest{
		Name: "Acme", Symbol: "ACM", TotalSupply: 1000, CurrentPrice: 10,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("mint: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	return decodeBody[model.Stock](t, w)
}

// --- Stock tests ---

func TestMintStock(t *testing.T) {
	router := newTestEnv(t)
	st := mintAcme(t, router)

	if st.Authority != "alice" || st.AvailableSupply != 1000 {
		t.Errorf("stock = %+v", st)
	}

	w := do(t, router, "GET", "/api/v1/stocks/"+st.ID, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", w.Code)
	}

	w = do(t, router, "POST", "/api/v1/stocks", "alice", trade.MintStockRequest{
		Name: "Acme", Symbol: "ACM", TotalSupply: 1000, CurrentPrice: 10,
	})
	if w.Code != http.StatusConflict {
		t.Errorf("duplicate mint: expected 409, got %d", w.Code)
	}
	if resp := decodeBody[trade.ErrorResponse](t, w); resp.Error != "stock_exists" {
		t.Errorf("error = %q, want stock_exists", resp.Error)
	}
}

func TestMintStock_Validation(t *testing.T) {
	router := newTestEnv(t)

	w := do(t, router, "POST", "/api/v1/stocks", "alice", trade.MintStockRequest{
		Name: "Acme", Symbol: "ACM", TotalSupply: 0, CurrentPrice: 10,
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("zero supply: expected 400, got %d", w.Code)
	}

	w = do(t, router, "POST", "/api/v1/stocks", "", trade.MintStockRequest{
		Name: "Acme", Symbol: "ACM", TotalSupply: 10, CurrentPrice: 10,
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("no signer: expected 400, got %d", w.Code)
	}

	req := httptest.NewRequest("POST", "/api/v1/stocks", bytes.NewBufferString(`{"total_supply": -1}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("negative supply: expected 400, got %d", rec.Code)
	}
}

func TestGetStock_NotFound(t *testing.T) {
	router := newTestEnv(t)
	w := do(t, router, "GET", "/api/v1/stocks/nope", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestAllocate_OnlyAuthority(t *testing.T) {
	router := newTestEnv(t)
	st := mintAcme(t, router)

	path := "/api/v1/stocks/" + st.ID + "/allocations"
	w := do(t, router, "POST", path, "mallory", trade.AllocateRequest{Recipient: "mallory", Amount: 10})
	if w.Code != http.StatusForbidden {
		t.Errorf("non-authority: expected 403, got %d", w.Code)
	}
	w = do(t, router, "POST", path, "alice", trade.AllocateRequest{Recipient: "bob", Amount: 10})
	if w.Code != http.StatusCreated {
		t.Fatalf("authority: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	pos := decodeBody[model.StockPosition](t, w)
	if pos.Owner != "bob" || pos.Amount != 10 {
		t.Errorf("position = %+v", pos)
	}
}

// --- Offer lifecycle ---

func TestOfferLifecycle(t *testing.T) {
	router := newTestEnv(t)
	st := mintAcme(t, router)

	do(t, router, "POST", "/api/v1/stocks/"+st.ID+"/allocations", "alice", trade.AllocateRequest{Recipient: "alice", Amount: 100})
	do(t, router, "POST", "/api/v1/accounts/bob/deposits", "bob", trade.DepositRequest{Amount: 1000})

	w := do(t, router, "POST", "/api/v1/offers", "alice", trade.OpenOfferRequest{StockID: st.ID, Amount: 50, Price: 12})
	if w.Code != http.StatusCreated {
		t.Fatalf("open: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	o := decodeBody[model.Offer](t, w)

	w = do(t, router, "GET", "/api/v1/offers?active=true&stock_id="+st.ID, "", nil)
	if offers := decodeBody[[]model.Offer](t, w); len(offers) != 1 {
		t.Errorf("active offers = %d, want 1", len(offers))
	}

	w = do(t, router, "POST", "/api/v1/offers/"+o.ID+"/accept", "bob", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("accept: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	tr := decodeBody[model.Trade](t, w)
	if tr.Notional != 600 || tr.Buyer != "bob" || tr.Seller != "alice" {
		t.Errorf("trade = %+v", tr)
	}

	w = do(t, router, "POST", "/api/v1/offers/"+o.ID+"/accept", "bob", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("re-accept: expected 409, got %d", w.Code)
	}
	w = do(t, router, "POST", "/api/v1/offers/"+o.ID+"/cancel", "alice", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("cancel filled: expected 409, got %d", w.Code)
	}

	w = do(t, router, "GET", "/api/v1/accounts/alice", "", nil)
	if acct := decodeBody[trade.AccountResponse](t, w); acct.Balance != 600 {
		t.Errorf("alice balance = %d, want 600", acct.Balance)
	}

	w = do(t, router, "GET", "/api/v1/stocks/"+st.ID+"/trades", "", nil)
	if trades := decodeBody[[]model.Trade](t, w); len(trades) != 1 {
		t.Errorf("trades = %d, want 1", len(trades))
	}

	w = do(t, router, "GET", "/api/v1/stats", "", nil)
	stats := decodeBody[model.MarketStats](t, w)
	if stats.TotalTransactions != 1 || stats.TotalVolume24h != 600 {
		t.Errorf("stats = %+v", stats)
	}

	w = do(t, router, "GET", "/api/v1/portfolio/bob", "", nil)
	if p := decodeBody[model.Portfolio](t, w); len(p.Positions) != 1 || p.Positions[0].Amount != 50 {
		t.Errorf("portfolio = %+v", p)
	}
}

func TestAccept_InsufficientFunds(t *testing.T) {
	router := newTestEnv(t)
	st := mintAcme(t, router)
	do(t, router, "POST", "/api/v1/stocks/"+st.ID+"/allocations", "alice", trade.AllocateRequest{Recipient: "alice", Amount: 100})

	w := do(t, router, "POST", "/api/v1/offers", "alice", trade.OpenOfferRequest{StockID: st.ID, Amount: 50, Price: 12})
	o := decodeBody[model.Offer](t, w)

	w = do(t, router, "POST", "/api/v1/offers/"+o.ID+"/accept", "bob", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
	if resp := decodeBody[trade.ErrorResponse](t, w); resp.Error != "insufficient_funds" {
		t.Errorf("error = %q", resp.Error)
	}
}

func TestCancel_NotMaker(t *testing.T) {
	router := newTestEnv(t)
	st := mintAcme(t, router)
	do(t, router, "POST", "/api/v1/stocks/"+st.ID+"/allocations", "alice", trade.AllocateRequest{Recipient: "alice", Amount: 100})
	w := do(t, router, "POST", "/api/v1/offers", "alice", trade.OpenOfferRequest{StockID: st.ID, Amount: 5, Price: 1})
	o := decodeBody[model.Offer](t, w)

	if w := do(t, router, "POST", "/api/v1/offers/"+o.ID+"/cancel", "bob", nil); w.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", w.Code)
	}
	if w := do(t, router, "POST", "/api/v1/offers/"+o.ID+"/cancel", "alice", nil); w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
}

func TestListOffers_BadFilter(t *testing.T) {
	router := newTestEnv(t)
	if w := do(t, router, "GET", "/api/v1/offers?active=maybe", "", nil); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
	w := do(t, router, "GET", "/api/v1/offers", "", nil)
	if w.Body.String() != "[]\n" {
		t.Errorf("empty list = %q", w.Body.String())
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{model.ErrNameTooLong, http.StatusBadRequest},
		{model.ErrSymbolTooLong, http.StatusBadRequest},
		{model.ErrInvalidSupply, http.StatusBadRequest},
		{model.ErrInvalidPrice, http.StatusBadRequest},
		{model.ErrInvalidIdentity, http.StatusBadRequest},
		{model.ErrRecordNotFound, http.StatusNotFound},
		{model.ErrNotAuthorized, http.StatusForbidden},
		{model.ErrOfferNotActive, http.StatusConflict},
		{model.ErrStockExists, http.StatusConflict},
		{model.ErrInsufficientStockBalance, http.StatusConflict},
		{model.ErrInsufficientFunds, http.StatusConflict},
		{model.ErrArithmeticOverflow, http.StatusUnprocessableEntity},
		{fmt.Errorf("wrapped: %w", model.ErrNotAuthorized), http.StatusForbidden},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tc := range tests {
		if got := trade.StatusFor(tc.err); got != tc.want {
			t.Errorf("StatusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestMessageFor(t *testing.T) {
	msg := trade.MessageFor(exchange.Event{
		Type:  exchange.EventTradeSettled,
		Offer: &model.Offer{ID: "o1", StockID: "s1", Maker: "alice", Amount: 5, Price: 7},
		Trade: &model.Trade{ID: "t1", StockID: "s1", Buyer: "bob", Seller: "alice", Amount: 5, Price: 7, Notional: 35},
	})
	if msg.Type != "trade_settled" || msg.TradeID != "t1" || msg.OfferID != "o1" || msg.Notional != 35 || msg.Side != "sell" {
		t.Errorf("message = %+v", msg)
	}
}

func TestMessageFor_Purchase(t *testing.T) {
	msg := trade.MessageFor(exchange.Event{
		Type:     exchange.EventStockPurchased,
		Purchase: &model.Purchase{StockID: "s1", Buyer: "bob", Authority: "alice", Amount: 3, Price: 10, Cost: 30},
	})
	if msg.Type != "stock_purchased" || msg.Buyer != "bob" || msg.Seller != "alice" || msg.Notional != 30 {
		t.Errorf("message = %+v", msg)
	}
}

func TestPurchaseStock(t *testing.T) {
	router := newTestEnv(t)
	st := mintAcme(t, router)
	path := "/api/v1/stocks/" + st.ID + "/purchases"

	w := do(t, router, "POST", path, "bob", trade.PurchaseRequest{Amount: 5})
	if w.Code != http.StatusConflict {
		t.Fatalf("unfunded: expected 409, got %d: %s", w.Code, w.Body.String())
	}
	if resp := decodeBody[trade.ErrorResponse](t, w); resp.Error != "insufficient_funds" {
		t.Errorf("error = %q, want insufficient_funds", resp.Error)
	}

	do(t, router, "POST", "/api/v1/accounts/bob/deposits", "bob", trade.DepositRequest{Amount: 100})
	w = do(t, router, "POST", path, "bob", trade.PurchaseRequest{Amount: 5})
	if w.Code != http.StatusCreated {
		t.Fatalf("purchase: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	rc := decodeBody[model.Purchase](t, w)
	if rc.Cost != 50 || rc.Position.Amount != 5 || rc.Authority != "alice" {
		t.Errorf("receipt = %+v", rc)
	}

	w = do(t, router, "GET", "/api/v1/accounts/alice", "", nil)
	if acct := decodeBody[trade.AccountResponse](t, w); acct.Balance != 50 {
		t.Errorf("authority balance = %d, want 50", acct.Balance)
	}
	w = do(t, router, "GET", "/api/v1/stocks/"+st.ID, "", nil)
	if got := decodeBody[model.Stock](t, w); got.AvailableSupply != 995 {
		t.Errorf("available = %d, want 995", got.AvailableSupply)
	}

	w = do(t, router, "POST", path, "bob", trade.PurchaseRequest{Amount: 0})
	if w.Code != http.StatusBadRequest {
		t.Errorf("zero amount: expected 400, got %d", w.Code)
	}
}

func TestDeposit_OwnerOnly(t *testing.T) {
	router := newTestEnv(t)

	w := do(t, router, "POST", "/api/v1/accounts/bob/deposits", "mallory", trade.DepositRequest{Amount: 100})
	if w.Code != http.StatusForbidden {
		t.Fatalf("foreign deposit: expected 403, got %d", w.Code)
	}
	w = do(t, router, "POST", "/api/v1/accounts/bob/deposits", "", trade.DepositRequest{Amount: 100})
	if w.Code != http.StatusForbidden {
		t.Fatalf("unsigned deposit: expected 403, got %d", w.Code)
	}
	w = do(t, router, "GET", "/api/v1/accounts/bob", "", nil)
	if acct := decodeBody[trade.AccountResponse](t, w); acct.Balance != 0 {
		t.Errorf("balance = %d, want 0", acct.Balance)
	}

	w = do(t, router, "POST", "/api/v1/accounts/bob/deposits", "bob", trade.DepositRequest{Amount: 100})
	if w.Code != http.StatusOK {
		t.Fatalf("own deposit: expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestDeposit_Disabled(t *testing.T) {
	ex := exchange.New(store.NewMemoryStore(),
		exchange.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		exchange.WithDeposits(false),
	)
	r := chi.NewRouter()
	r.Route("/api/v1", trade.NewService(ex).Routes)

	w := do(t, r, "POST", "/api/v1/accounts/bob/deposits", "bob", trade.DepositRequest{Amount: 100})
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", w.Code)
	}
}

func TestRequestBodyTooLarge(t *testing.T) {
	router := newTestEnv(t)
	body := `{"name":"` + strings.Repeat("x", 128<<10) + `"}`
	req := httptest.NewRequest("POST", "/api/v1/stocks", strings.NewReader(body))
	req.Header.Set(trade.SignerHeader, "alice")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", rec.Code)
	}
}
