package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/iurnickita/creditledger/internal/auth"
	"github.com/iurnickita/creditledger/internal/handler/config"
	"github.com/iurnickita/creditledger/internal/ledger"
	"github.com/iurnickita/creditledger/internal/logger"
	"github.com/iurnickita/creditledger/internal/market"
	"github.com/iurnickita/creditledger/internal/metering"
	"github.com/iurnickita/creditledger/internal/model"
	"github.com/iurnickita/creditledger/internal/pool"
	"github.com/iurnickita/creditledger/internal/service"
)

// NewServer builds the HTTP server; the caller owns its lifecycle.
func NewServer(cfg config.Config, auth auth.Auth, service service.Service, zaplog *zap.Logger) *http.Server {
	h := newHandler(auth, service, zaplog)
	return &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h.newRouter(),
	}
}

type handler struct {
	auth    auth.Auth
	service service.Service
	zaplog  *zap.Logger
}

func newHandler(auth auth.Auth, service service.Service, zaplog *zap.Logger) *handler {
	return &handler{
		auth:    auth,
		service: service,
		zaplog:  zaplog,
	}
}

func (h *handler) newRouter() *http.ServeMux {
	mux := http.NewServeMux()

	public := func(pattern string, fn http.HandlerFunc) {
		mux.HandleFunc(pattern, logger.RequestLogMdlw(fn, h.zaplog))
	}
	user := func(pattern string, fn http.HandlerFunc) {
		mux.HandleFunc(pattern, logger.RequestLogMdlw(h.auth.Middleware(fn), h.zaplog))
	}
	admin := func(pattern string, fn http.HandlerFunc) {
		mux.HandleFunc(pattern, logger.RequestLogMdlw(h.auth.AdminMiddleware(fn), h.zaplog))
	}

	// кредиты
	user("GET /api/credits/balance", h.GetBalance)
	user("GET /api/credits/transactions", h.GetTransactions)
	user("POST /api/credits/transfer", h.PostTransfer)
	admin("POST /api/admin/credits/deposit", h.PostDeposit)
	admin("POST /api/admin/credits/adjust", h.PostAdjust)
	admin("POST /api/admin/accounts/unlimited", h.PostUnlimited)
	admin("GET /api/admin/credits/replay", h.GetReplay)
	admin("GET /api/admin/credits/balance", h.GetAccountBalance)
	admin("GET /api/admin/credits/transactions", h.GetAccountTransactions)
	admin("GET /api/admin/credits/stats", h.GetCreditStats)

	// списания
	user("POST /api/usage/meter", h.PostMeter)
	user("POST /api/usage/reserve", h.PostReserve)
	user("POST /api/usage/settle", h.PostSettle)
	user("POST /api/usage/release", h.PostRelease)
	user("POST /api/usage/pool", h.PostMeterPool)
	user("POST /api/usage/allocation", h.PostMeterAllocation)

	// пул
	user("POST /api/pool/deposit", h.PostPoolDeposit)
	public("GET /api/pool/stats", h.GetPoolStats)
	user("GET /api/pool/my-contributions", h.GetMyContributions)
	user("GET /api/pool/my-resources", h.GetMyResources)
	admin("POST /api/admin/pool/verify", h.PostPoolVerify)
	admin("POST /api/admin/pool/topup", h.PostPoolTopUp)
	admin("POST /api/admin/pool/approve", h.PostPoolApprove)
	admin("POST /api/admin/pool/reject", h.PostPoolReject)
	admin("POST /api/admin/pool/failure", h.PostPoolFailure)
	admin("POST /api/admin/pool/success", h.PostPoolSuccess)
	admin("POST /api/admin/pool/reactivate", h.PostPoolReactivate)
	admin("GET /api/admin/pool/resources", h.GetPoolResources)

	// маркетплейс
	user("POST /api/market/listings", h.PostListing)
	public("GET /api/market/listings", h.GetListings)
	user("GET /api/market/my-listings", h.GetMyListings)
	user("POST /api/market/listings/status", h.PostListingStatus)
	user("PATCH /api/market/listings/{id}", h.PatchListing)
	user("DELETE /api/market/listings/{id}", h.DeleteListing)
	user("POST /api/market/purchase", h.PostPurchase)
	user("GET /api/market/orders", h.GetOrders)
	user("GET /api/market/orders/{id}", h.GetOrder)
	public("GET /api/market/stats", h.GetMarketStats)

	// тарифы
	public("GET /api/pricing", h.GetPricing)
	admin("POST /api/admin/pricing", h.PostPricing)

	return mux
}

// Кредиты

func (h *handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	acc, err := h.service.GetBalance(r.Context(), caller(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, acc)
}

func (h *handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := paging(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	ts, err := h.service.GetTransactions(r.Context(), caller(r), limit, offset)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeList(h, w, ts)
}

type PostTransferJSONRequest struct {
	To          string          `json:"to"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
	ReferenceID string          `json:"reference_id"`
}

func (h *handler) PostTransfer(w http.ResponseWriter, r *http.Request) {
	var req PostTransferJSONRequest
	if !h.readJSON(w, r, &req) {
		return
	}
	res, err := h.service.Transfer(r.Context(), caller(r), ledger.TransferRequest{
		To:          req.To,
		Amount:      req.Amount,
		Description: req.Description,
		ReferenceID: req.ReferenceID,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

type PostCreditJSONRequest struct {
	AccountID   string          `json:"account_id"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
	ReferenceID string          `json:"reference_id"`
}

func (h *handler) PostDeposit(w http.ResponseWriter, r *http.Request) {
	var req PostCreditJSONRequest
	if !h.readJSON(w, r, &req) {
		return
	}
	t, err := h.service.Deposit(r.Context(), caller(r), req.AccountID, req.Amount, req.Description, req.ReferenceID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, t)
}

func (h *handler) PostAdjust(w http.ResponseWriter, r *http.Request) {
	var req PostCreditJSONRequest
	if !h.readJSON(w, r, &req) {
		return
	}
	t, err := h.service.Adjust(r.Context(), caller(r), req.AccountID, req.Amount, req.Description, req.ReferenceID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, t)
}

type PostUnlimitedJSONRequest struct {
	AccountID string `json:"account_id"`
	Unlimited bool   `json:"unlimited"`
}

func (h *handler) PostUnlimited(w http.ResponseWriter, r *http.Request) {
	var req PostUnlimitedJSONRequest
	if !h.readJSON(w, r, &req) {
		return
	}
	acc, err := h.service.SetUnlimited(r.Context(), caller(r), req.AccountID, req.Unlimited)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, acc)
}

type GetReplayJSONResponse struct {
	AccountID string          `json:"account_id"`
	Balance   decimal.Decimal `json:"balance"`
}

func (h *handler) GetReplay(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account_id")
	balance, err := h.service.Replay(r.Context(), caller(r), accountID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, GetReplayJSONResponse{AccountID: accountID, Balance: balance})
}

func (h *handler) GetAccountBalance(w http.ResponseWriter, r *http.Request) {
	acc, err := h.service.AccountBalance(r.Context(), caller(r), r.URL.Query().Get("account_id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, acc)
}

func (h *handler) GetAccountTransactions(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := paging(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	ts, err := h.service.AccountTransactions(r.Context(), caller(r), r.URL.Query().Get("account_id"), limit, offset)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeList(h, w, ts)
}

func (h *handler) GetCreditStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.CreditStats(r.Context(), caller(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

// Списания

type PostMeterJSONRequest struct {
	ModelID      string `json:"model_id"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
	HasImage     bool   `json:"has_image"`
	ReferenceID  string `json:"reference_id"`
}

func (h *handler) PostMeter(w http.ResponseWriter, r *http.Request) {
	var req PostMeterJSONRequest
	if !h.readJSON(w, r, &req) {
		return
	}
	t, err := h.service.Meter(r.Context(), caller(r), metering.MeterRequest{
		ModelID:      req.ModelID,
		InputTokens:  req.InputTokens,
		OutputTokens: req.OutputTokens,
		HasImage:     req.HasImage,
		ReferenceID:  req.ReferenceID,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, t)
}

type PostReserveJSONRequest struct {
	ModelID       string          `json:"model_id"`
	EstimatedCost decimal.Decimal `json:"estimated_cost"`
	ReferenceID   string          `json:"reference_id"`
}

func (h *handler) PostReserve(w http.ResponseWriter, r *http.Request) {
	var req PostReserveJSONRequest
	if !h.readJSON(w, r, &req) {
		return
	}
	res, err := h.service.Reserve(r.Context(), caller(r), metering.ReserveRequest{
		ModelID:       req.ModelID,
		EstimatedCost: req.EstimatedCost,
		ReferenceID:   req.ReferenceID,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

type PostSettleJSONRequest struct {
	ReservationID string          `json:"reservation_id"`
	ActualCost    decimal.Decimal `json:"actual_cost"`
}

func (h *handler) PostSettle(w http.ResponseWriter, r *http.Request) {
	var req PostSettleJSONRequest
	if !h.readJSON(w, r, &req) {
		return
	}
	res, err := h.service.Settle(r.Context(), caller(r), req.ReservationID, req.ActualCost)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

func (h *handler) PostRelease(w http.ResponseWriter, r *http.Request) {
	var req PostSettleJSONRequest
	if !h.readJSON(w, r, &req) {
		return
	}
	res, err := h.service.Release(r.Context(), caller(r), req.ReservationID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

type PostMeterPoolJSONRequest struct {
	PostMeterJSONRequest
	ResourceID string `json:"resource_id"`
}

func (h *handler) PostMeterPool(w http.ResponseWriter, r *http.Request) {
	var req PostMeterPoolJSONRequest
	if !h.readJSON(w, r, &req) {
		return
	}
	res, err := h.service.MeterPool(r.Context(), caller(r), metering.PoolMeterRequest{
		ResourceID:   req.ResourceID,
		ModelID:      req.ModelID,
		InputTokens:  req.InputTokens,
		OutputTokens: req.OutputTokens,
		HasImage:     req.HasImage,
		ReferenceID:  req.ReferenceID,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

type PostMeterAllocationJSONRequest struct {
	OrderID      string `json:"order_id"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
	ReferenceID  string `json:"reference_id"`
}

func (h *handler) PostMeterAllocation(w http.ResponseWriter, r *http.Request) {
	var req PostMeterAllocationJSONRequest
	if !h.readJSON(w, r, &req) {
		return
	}
	order, err := h.service.MeterAllocation(r.Context(), caller(r), metering.AllocationRequest{
		OrderID:      req.OrderID,
		InputTokens:  req.InputTokens,
		OutputTokens: req.OutputTokens,
		ReferenceID:  req.ReferenceID,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, order)
}

// Пул

type PostPoolDepositJSONRequest struct {
	Provider    string          `json:"provider"`
	ModelFamily string          `json:"model_family"`
	Credential  string          `json:"api_key"`
	Endpoint    string          `json:"endpoint"`
	Unit        model.QuotaUnit `json:"quota_unit"`
	Quota       decimal.Decimal `json:"quota"`
	ReferenceID string          `json:"reference_id"`
}

func (h *handler) PostPoolDeposit(w http.ResponseWriter, r *http.Request) {
	var req PostPoolDepositJSONRequest
	if !h.readJSON(w, r, &req) {
		return
	}
	res, err := h.service.DepositResource(r.Context(), caller(r), pool.DepositRequest{
		Provider:    req.Provider,
		ModelFamily: req.ModelFamily,
		Credential:  req.Credential,
		Endpoint:    req.Endpoint,
		Unit:        req.Unit,
		Quota:       req.Quota,
		ReferenceID: req.ReferenceID,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, res)
}

func (h *handler) GetPoolStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.PoolStats(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

func (h *handler) GetMyContributions(w http.ResponseWriter, r *http.Request) {
	c, err := h.service.MyContributions(r.Context(), caller(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, c)
}

func (h *handler) GetMyResources(w http.ResponseWriter, r *http.Request) {
	rs, err := h.service.MyResources(r.Context(), caller(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeList(h, w, rs)
}

type PostPoolResourceJSONRequest struct {
	ResourceID  string          `json:"resource_id"`
	Units       decimal.Decimal `json:"units"`
	Reason      string          `json:"reason"`
	ReferenceID string          `json:"reference_id"`
}

func (h *handler) PostPoolVerify(w http.ResponseWriter, r *http.Request) {
	var req PostPoolResourceJSONRequest
	if !h.readJSON(w, r, &req) {
		return
	}
	res, err := h.service.VerifyResource(r.Context(), caller(r), req.ResourceID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

func (h *handler) PostPoolTopUp(w http.ResponseWriter, r *http.Request) {
	var req PostPoolResourceJSONRequest
	if !h.readJSON(w, r, &req) {
		return
	}
	res, err := h.service.TopUpResource(r.Context(), caller(r), req.ResourceID, req.Units, req.ReferenceID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

type resourceAction func(ctx context.Context, caller service.Caller, resourceID string) (model.ResourceDeposit, error)

func (h *handler) poolAction(action resourceAction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req PostPoolResourceJSONRequest
		if !h.readJSON(w, r, &req) {
			return
		}
		res, err := action(r.Context(), caller(r), req.ResourceID)
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, res)
	}
}

func (h *handler) PostPoolApprove(w http.ResponseWriter, r *http.Request) {
	h.poolAction(h.service.ApproveResource)(w, r)
}

func (h *handler) PostPoolFailure(w http.ResponseWriter, r *http.Request) {
	h.poolAction(h.service.ReportFailure)(w, r)
}

func (h *handler) PostPoolSuccess(w http.ResponseWriter, r *http.Request) {
	h.poolAction(h.service.ReportSuccess)(w, r)
}

func (h *handler) PostPoolReactivate(w http.ResponseWriter, r *http.Request) {
	h.poolAction(h.service.ReactivateResource)(w, r)
}

func (h *handler) PostPoolReject(w http.ResponseWriter, r *http.Request) {
	var req PostPoolResourceJSONRequest
	if !h.readJSON(w, r, &req) {
		return
	}
	res, err := h.service.RejectResource(r.Context(), caller(r), req.ResourceID, req.Reason)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

func (h *handler) GetPoolResources(w http.ResponseWriter, r *http.Request) {
	status := model.ResourceStatus(r.URL.Query().Get("status"))
	rs, err := h.service.AllResources(r.Context(), caller(r), status)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeList(h, w, rs)
}

// Маркетплейс

type PostListingJSONRequest struct {
	ResourceID   string          `json:"resource_id"`
	ModelID      string          `json:"model_id"`
	Title        string          `json:"title"`
	PricePerUnit decimal.Decimal `json:"price_per_unit"`
	TotalQuota   decimal.Decimal `json:"total_quota"`
	MinPurchase  decimal.Decimal `json:"min_purchase"`
	ReferenceID  string          `json:"reference_id"`
}

func (h *handler) PostListing(w http.ResponseWriter, r *http.Request) {
	var req PostListingJSONRequest
	if !h.readJSON(w, r, &req) {
		return
	}
	l, err := h.service.ListResource(r.Context(), caller(r), market.ListRequest{
		ResourceID:   req.ResourceID,
		ModelID:      req.ModelID,
		Title:        req.Title,
		PricePerUnit: req.PricePerUnit,
		TotalQuota:   req.TotalQuota,
		MinPurchase:  req.MinPurchase,
		ReferenceID:  req.ReferenceID,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, l)
}

func (h *handler) GetListings(w http.ResponseWriter, r *http.Request) {
	ls, err := h.service.ActiveListings(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeList(h, w, ls)
}

func (h *handler) GetMyListings(w http.ResponseWriter, r *http.Request) {
	ls, err := h.service.MyListings(r.Context(), caller(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeList(h, w, ls)
}

type PostListingStatusJSONRequest struct {
	ListingID   string              `json:"listing_id"`
	Status      model.ListingStatus `json:"status"`
	ReferenceID string              `json:"reference_id"`
}

func (h *handler) PostListingStatus(w http.ResponseWriter, r *http.Request) {
	var req PostListingStatusJSONRequest
	if !h.readJSON(w, r, &req) {
		return
	}
	l, err := h.service.SetListingStatus(r.Context(), caller(r), req.ListingID, req.Status, req.ReferenceID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, l)
}

// PatchListingJSONRequest: отсутствующие поля не меняются.
type PatchListingJSONRequest struct {
	Title          *string          `json:"title"`
	PricePerUnit   *decimal.Decimal `json:"price_per_unit"`
	AvailableQuota *decimal.Decimal `json:"available_quota"`
	MinPurchase    *decimal.Decimal `json:"min_purchase"`
	ReferenceID    string           `json:"reference_id"`
}

func (h *handler) PatchListing(w http.ResponseWriter, r *http.Request) {
	var req PatchListingJSONRequest
	if !h.readJSON(w, r, &req) {
		return
	}
	l, err := h.service.UpdateListing(r.Context(), caller(r), market.UpdateRequest{
		ListingID:      r.PathValue("id"),
		Title:          req.Title,
		PricePerUnit:   req.PricePerUnit,
		AvailableQuota: req.AvailableQuota,
		MinPurchase:    req.MinPurchase,
		ReferenceID:    req.ReferenceID,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, l)
}

func (h *handler) DeleteListing(w http.ResponseWriter, r *http.Request) {
	l, err := h.service.DeleteListing(r.Context(), caller(r), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, l)
}

type PostPurchaseJSONRequest struct {
	ListingID     string          `json:"listing_id"`
	CreditsAmount decimal.Decimal `json:"credits_amount"`
	ReferenceID   string          `json:"reference_id"`
}

func (h *handler) PostPurchase(w http.ResponseWriter, r *http.Request) {
	var req PostPurchaseJSONRequest
	if !h.readJSON(w, r, &req) {
		return
	}
	order, err := h.service.Purchase(r.Context(), caller(r), market.PurchaseRequest{
		ListingID:     req.ListingID,
		CreditsAmount: req.CreditsAmount,
		ReferenceID:   req.ReferenceID,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, order)
}

func (h *handler) GetOrders(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := paging(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	orders, err := h.service.Orders(r.Context(), caller(r), r.URL.Query().Get("role"), limit, offset)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeList(h, w, orders)
}

func (h *handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.service.Order(r.Context(), caller(r), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, order)
}

func (h *handler) GetMarketStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.MarketStats(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

// Тарифы

func (h *handler) GetPricing(w http.ResponseWriter, r *http.Request) {
	ps, err := h.service.Catalog(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeList(h, w, ps)
}

// PostPricingJSONRequest: нулевые тарифы рассчитываются из себестоимости провайдера.
type PostPricingJSONRequest struct {
	model.ModelPricing
	ProviderInputPer1K  decimal.Decimal `json:"provider_input_cost_per_1k"`
	ProviderOutputPer1K decimal.Decimal `json:"provider_output_cost_per_1k"`
	Demand              string          `json:"demand"`
}

func (h *handler) PostPricing(w http.ResponseWriter, r *http.Request) {
	var req PostPricingJSONRequest
	if !h.readJSON(w, r, &req) {
		return
	}
	p, err := h.service.SetPricing(r.Context(), caller(r), req.ModelPricing, metering.ProviderCost{
		InputPer1K:  req.ProviderInputPer1K,
		OutputPer1K: req.ProviderOutputPer1K,
		Demand:      req.Demand,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, p)
}

// Вспомогательное

func caller(r *http.Request) service.Caller {
	id, _ := auth.IdentityFrom(r.Context())
	return service.Caller{ID: id.UserCode, Admin: id.IsAdmin}
}

func paging(r *http.Request) (limit, offset int, err error) {
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil {
			return 0, 0, model.NewValidationError("limit", "must be a number")
		}
	}
	if v := q.Get("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil {
			return 0, 0, model.NewValidationError("offset", "must be a number")
		}
	}
	return limit, offset, nil
}

func (h *handler) readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func (h *handler) writeJSON(w http.ResponseWriter, code int, v any) {
	responseJSON, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(responseJSON)
}

// writeList answers 204 for an empty list.
func writeList[T any](h *handler, w http.ResponseWriter, items []T) {
	if len(items) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.writeJSON(w, http.StatusOK, items)
}

func (h *handler) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrValidation):
		code = http.StatusBadRequest
	case errors.Is(err, model.ErrInsufficientCredit):
		code = http.StatusPaymentRequired
	case errors.Is(err, model.ErrForbidden):
		code = http.StatusForbidden
	case model.IsNotFound(err):
		code = http.StatusNotFound
	case errors.Is(err, model.ErrListingInactive),
		errors.Is(err, model.ErrResourceInactive),
		errors.Is(err, model.ErrReservationClosed),
		errors.Is(err, model.ErrInsufficientQuota):
		code = http.StatusConflict
	case errors.Is(err, model.ErrRateLimited):
		code = http.StatusTooManyRequests
	}
	if code == http.StatusInternalServerError {
		h.zaplog.Error("request failed", zap.Error(err))
	}
	http.Error(w, err.Error(), code)
}
