// Package trade provides the HTTP handlers for minting stocks, opening,
// cancelling and accepting offers, and querying positions, portfolios and
// market stats.
//
// The caller's identity is read from the X-Signer header. The host in front
// of this service is trusted to have verified it.
package trade

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/stockdex/internal/exchange"
	"github.com/atmx/stockdex/internal/model"
	"github.com/atmx/stockdex/internal/offer"
	"github.com/atmx/stockdex/internal/registry"
	"github.com/atmx/stockdex/internal/store"
)

// SignerHeader carries the caller's verified identity.
const SignerHeader = "X-Signer"

// maxBodyBytes caps every JSON request body.
const maxBodyBytes = 64 << 10

// Service exposes an Exchange over HTTP.
type Service struct {
	ex *exchange.Exchange
}

// NewService creates a new trade service.
func NewService(ex *exchange.Exchange) *Service {
	return &Service{ex: ex}
}

// Routes registers every handler on r. Mount it under /api/v1.
func (s *Service) Routes(r chi.Router) {
	r.Get("/stocks", s.ListStocks)
	r.Post("/stocks", s.MintStock)
	r.Get("/stocks/{stockID}", s.GetStock)
	r.Post("/stocks/{stockID}/allocations", s.AllocateStock)
	r.Post("/stocks/{stockID}/purchases", s.PurchaseStock)
	r.Get("/stocks/{stockID}/trades", s.ListTrades)

	r.Get("/offers", s.ListOffers)
	r.Post("/offers", s.OpenOffer)
	r.Get("/offers/{offerID}", s.GetOffer)
	r.Post("/offers/{offerID}/cancel", s.CancelOffer)
	r.Post("/offers/{offerID}/accept", s.AcceptOffer)

	r.Get("/accounts/{owner}", s.GetAccount)
	r.Post("/accounts/{owner}/deposits", s.Deposit)
	r.Get("/portfolio/{owner}", s.GetPortfolio)
	r.Get("/stats", s.GetStats)
}

// --- Request/Response types ---

// MintStockRequest is the JSON body for POST /stocks. The signer becomes the
// stock's authority.
type MintStockRequest struct {
	Name         string `json:"name"`
	Symbol       string `json:"symbol"`
	TotalSupply  uint64 `json:"total_supply"`
	CurrentPrice uint64 `json:"current_price"`
}

// AllocateRequest is the JSON body for POST /stocks/{stockID}/allocations.
type AllocateRequest struct {
	Recipient string `json:"recipient"`
	Amount    uint64 `json:"amount"`
}

// PurchaseRequest is the JSON body for POST /stocks/{stockID}/purchases. The
// signer is the buyer.
type PurchaseRequest struct {
	Amount uint64 `json:"amount"`
}

// OpenOfferRequest is the JSON body for POST /offers. The signer is the maker.
type OpenOfferRequest struct {
	StockID string `json:"stock_id"`
	IsBuy   bool   `json:"is_buy"`
	Amount  uint64 `json:"amount"`
	Price   uint64 `json:"price"`
}

// DepositRequest is the JSON body for POST /accounts/{owner}/deposits.
type DepositRequest struct {
	Amount uint64 `json:"amount"`
}

// AccountResponse reports an owner's funds.
type AccountResponse struct {
	Owner   string `json:"owner"`
	Balance uint64 `json:"balance"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// --- Stocks ---

// MintStock handles POST /api/v1/stocks
func (s *Service) MintStock(w http.ResponseWriter, r *http.Request) {
	var req MintStockRequest
	if !decode(w, r, &req) {
		return
	}
	st, err := s.ex.MintStock(r.Context(), registry.MintParams{
		Name:         req.Name,
		Symbol:       req.Symbol,
		TotalSupply:  req.TotalSupply,
		CurrentPrice: req.CurrentPrice,
		Authority:    signer(r),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

// ListStocks handles GET /api/v1/stocks
func (s *Service) ListStocks(w http.ResponseWriter, r *http.Request) {
	stocks, err := s.ex.Stocks(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if stocks == nil {
		stocks = []model.Stock{}
	}
	writeJSON(w, http.StatusOK, stocks)
}

// GetStock handles GET /api/v1/stocks/{stockID}
func (s *Service) GetStock(w http.ResponseWriter, r *http.Request) {
	st, err := s.ex.Stock(r.Context(), chi.URLParam(r, "stockID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// AllocateStock handles POST /api/v1/stocks/{stockID}/allocations
func (s *Service) AllocateStock(w http.ResponseWriter, r *http.Request) {
	var req AllocateRequest
	if !decode(w, r, &req) {
		return
	}
	pos, err := s.ex.AllocateStock(r.Context(), chi.URLParam(r, "stockID"), signer(r), req.Recipient, req.Amount)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, pos)
}

// PurchaseStock handles POST /api/v1/stocks/{stockID}/purchases
// Buys unallocated units at the stock's current price from its authority.
func (s *Service) PurchaseStock(w http.ResponseWriter, r *http.Request) {
	var req PurchaseRequest
	if !decode(w, r, &req) {
		return
	}
	rc, err := s.ex.PurchaseStock(r.Context(), chi.URLParam(r, "stockID"), signer(r), req.Amount)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rc)
}

// ListTrades handles GET /api/v1/stocks/{stockID}/trades
func (s *Service) ListTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.ex.Trades(r.Context(), chi.URLParam(r, "stockID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// --- Offers ---

// OpenOffer handles POST /api/v1/offers
func (s *Service) OpenOffer(w http.ResponseWriter, r *http.Request) {
	var req OpenOfferRequest
	if !decode(w, r, &req) {
		return
	}
	o, err := s.ex.OpenOffer(r.Context(), offer.OpenParams{
		Maker:   signer(r),
		StockID: req.StockID,
		IsBuy:   req.IsBuy,
		Amount:  req.Amount,
		Price:   req.Price,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

// ListOffers handles GET /api/v1/offers
// Optional filters: ?stock_id=, ?maker=, ?active=true.
func (s *Service) ListOffers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.OfferFilter{
		StockID: q.Get("stock_id"),
		Maker:   q.Get("maker"),
	}
	if v := q.Get("active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "active must be a boolean")
			return
		}
		f.ActiveOnly = active
	}
	offers, err := s.ex.Offers(r.Context(), f)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if offers == nil {
		offers = []model.Offer{}
	}
	writeJSON(w, http.StatusOK, offers)
}

// GetOffer handles GET /api/v1/offers/{offerID}
func (s *Service) GetOffer(w http.ResponseWriter, r *http.Request) {
	o, err := s.ex.Offer(r.Context(), chi.URLParam(r, "offerID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// CancelOffer handles POST /api/v1/offers/{offerID}/cancel
func (s *Service) CancelOffer(w http.ResponseWriter, r *http.Request) {
	o, err := s.ex.CancelOffer(r.Context(), chi.URLParam(r, "offerID"), signer(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// AcceptOffer handles POST /api/v1/offers/{offerID}/accept
func (s *Service) AcceptOffer(w http.ResponseWriter, r *http.Request) {
	t, err := s.ex.AcceptOffer(r.Context(), chi.URLParam(r, "offerID"), signer(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// --- Accounts and portfolio ---

// GetAccount handles GET /api/v1/accounts/{owner}
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	bal, err := s.ex.Balance(r.Context(), owner)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AccountResponse{Owner: owner, Balance: bal})
}

// Deposit handles POST /api/v1/accounts/{owner}/deposits
// Only the owner may fund their own account.
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if !decode(w, r, &req) {
		return
	}
	owner := chi.URLParam(r, "owner")
	if signer(r) != owner {
		writeError(w, http.StatusForbidden, model.ErrNotAuthorized.Error(), "deposits must be signed by the account owner")
		return
	}
	bal, err := s.ex.Deposit(r.Context(), owner, req.Amount)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AccountResponse{Owner: owner, Balance: bal})
}

// GetPortfolio handles GET /api/v1/portfolio/{owner}
// Returns funds plus every position marked to its last-trade price.
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	p, err := s.ex.Portfolio(r.Context(), chi.URLParam(r, "owner"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// GetStats handles GET /api/v1/stats
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.ex.Stats(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if st.VolumeBuckets == nil {
		st.VolumeBuckets = []model.VolumeBucket{}
	}
	writeJSON(w, http.StatusOK, st)
}

// --- helpers ---

func signer(r *http.Request) string {
	return r.Header.Get(SignerHeader)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request_too_large", "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return false
	}
	return true
}

// StatusFor maps a domain error to its HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrNameTooLong),
		errors.Is(err, model.ErrSymbolTooLong),
		errors.Is(err, model.ErrInvalidSupply),
		errors.Is(err, model.ErrInvalidPrice),
		errors.Is(err, model.ErrInvalidIdentity):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, model.ErrOfferNotActive),
		errors.Is(err, model.ErrStockExists),
		errors.Is(err, model.ErrInsufficientStockBalance),
		errors.Is(err, model.ErrInsufficientFunds):
		return http.StatusConflict
	case errors.Is(err, model.ErrArithmeticOverflow):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeDomainError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		writeError(w, status, "internal", "internal error")
		return
	}
	writeError(w, status, model.Kind(err).Error(), err.Error())
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
