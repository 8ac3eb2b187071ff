// Package handler содержит HTTP-обработчики API сервиса симброкер.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/simbroker-system/internal/middleware"
	"github.com/mmeshcher/simbroker-system/internal/model"
	"github.com/mmeshcher/simbroker-system/internal/provider"
	"github.com/mmeshcher/simbroker-system/internal/repository"
	"github.com/mmeshcher/simbroker-system/internal/service"
	"github.com/mmeshcher/simbroker-system/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, login, password string, referrerID *int64) (int64, error)
	AuthenticateUser(ctx context.Context, login, password string) (int64, error)

	GetPrices(ctx context.Context, sel provider.Selector) []model.PriceQuote
	GetCountries(ctx context.Context) ([]string, error)

	Purchase(ctx context.Context, req service.PurchaseRequest) (*model.Order, error)
	TopUp(ctx context.Context, userID, orderID, itemID int64) (*model.Subscription, error)
	Cancel(ctx context.Context, userID, orderID int64) (*service.RefundResult, error)
	RefreshStatus(ctx context.Context, orderID int64) (*model.Order, error)

	GetOrderForUser(ctx context.Context, userID, orderID int64) (*model.Order, error)
	GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error)
	GetBalance(ctx context.Context, userID int64) (*model.Balance, error)
	GetLedgerByUser(ctx context.Context, userID int64) ([]model.LedgerEntry, error)

	CheckProviderBalances(ctx context.Context) []provider.ProviderBalance
}

// Handler реализует HTTP-обработчики API сервиса симброкер.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

// writeError отображает ошибку бизнес-логики в HTTP-статус.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, validation.ErrValidation):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, repository.ErrInsufficientBalance):
		http.Error(w, http.StatusText(http.StatusPaymentRequired), http.StatusPaymentRequired)
	case errors.Is(err, repository.ErrOrderNotFound),
		errors.Is(err, repository.ErrItemNotFound),
		errors.Is(err, repository.ErrUserNotFound),
		errors.Is(err, service.ErrForbidden):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	case errors.Is(err, service.ErrNotCancellable):
		http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
	case errors.Is(err, provider.ErrUnavailable), errors.Is(err, provider.ErrNoProvider):
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
	default:
		h.logger.Error("internal error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

type credentialsRequest struct {
	Login      string `json:"login"`
	Password   string `json:"password"`
	ReferrerID *int64 `json:"referrer_id,omitempty"`
}

// Register обрабатывает регистрацию нового пользователя.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.RegisterUser(r.Context(), req.Login, req.Password, req.ReferrerID)
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
			return
		}
		h.logger.Error("register user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID)
	w.WriteHeader(http.StatusOK)
}

// Login выполняет аутентификацию пользователя и установку cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.AuthenticateUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) || err.Error() == "invalid credentials" {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error("login user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID)
	w.WriteHeader(http.StatusOK)
}

type priceResponse struct {
	Provider       string  `json:"provider"`
	ItemRef        string  `json:"item_ref"`
	Cost           float64 `json:"cost"`
	AvailableCount int64   `json:"available_count"`
	SuccessRate    float64 `json:"success_rate,omitempty"`
}

// GetPrices возвращает агрегированные предложения провайдеров.
func (h *Handler) GetPrices(w http.ResponseWriter, r *http.Request) {
	kind, err := validation.CheckSelector(r.URL.Query().Get("kind"))
	if err != nil {
		h.writeError(w, err)
		return
	}

	sel := provider.Selector{
		Kind:    kind,
		Country: r.URL.Query().Get("country"),
		Service: r.URL.Query().Get("service"),
	}

	quotes := h.service.GetPrices(r.Context(), sel)

	resp := make([]priceResponse, 0, len(quotes))
	for _, q := range quotes {
		resp = append(resp, priceResponse{
			Provider:       q.Provider,
			ItemRef:        q.ItemRef,
			Cost:           float64(q.CostMinor) / 100,
			AvailableCount: q.AvailableCount,
			SuccessRate:    q.SuccessRate,
		})
	}

	h.writeJSON(w, resp)
}

// GetCountries возвращает список стран активного каталога.
func (h *Handler) GetCountries(w http.ResponseWriter, r *http.Request) {
	countries, err := h.service.GetCountries(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}

	if countries == nil {
		countries = []string{}
	}

	h.writeJSON(w, countries)
}

type purchaseRequest struct {
	ItemID   int64  `json:"item_id"`
	Quantity int64  `json:"quantity,omitempty"`
	Link     string `json:"link,omitempty"`
	Policy   string `json:"policy,omitempty"`
}

type orderResponse struct {
	ID              int64   `json:"id"`
	Kind            string  `json:"kind"`
	Provider        string  `json:"provider"`
	ProviderOrderID string  `json:"provider_order_id,omitempty"`
	Title           string  `json:"title"`
	Price           float64 `json:"price"`
	Quantity        int64   `json:"quantity"`
	Status          string  `json:"status"`
	PhoneNumber     *string `json:"phone_number,omitempty"`
	SMSText         *string `json:"sms_text,omitempty"`
	SMDPAddress     *string `json:"smdp_address,omitempty"`
	MatchingID      *string `json:"matching_id,omitempty"`
	QRPayload       *string `json:"qr_payload,omitempty"`
	ExpiresAt       *string `json:"expires_at,omitempty"`
	CreatedAt       string  `json:"created_at"`
}

func toOrderResponse(o *model.Order) orderResponse {
	resp := orderResponse{
		ID:              o.ID,
		Kind:            string(o.Kind),
		Provider:        o.Provider,
		ProviderOrderID: o.ProviderOrderID,
		Title:           o.Title,
		Price:           float64(o.PriceMinor) / 100,
		Quantity:        o.Quantity,
		Status:          string(o.Status),
		PhoneNumber:     o.Activation.PhoneNumber,
		SMSText:         o.Activation.SMSText,
		SMDPAddress:     o.Activation.SMDPAddress,
		MatchingID:      o.Activation.MatchingID,
		QRPayload:       o.Activation.QRPayload,
		CreatedAt:       o.CreatedAt.Format(time.RFC3339),
	}

	if o.ExpiresAt != nil {
		v := o.ExpiresAt.Format(time.RFC3339)
		resp.ExpiresAt = &v
	}

	return resp
}

// Purchase выполняет покупку позиции каталога текущим пользователем.
func (h *Handler) Purchase(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req purchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	order, err := h.service.Purchase(r.Context(), service.PurchaseRequest{
		UserID:   userID,
		ItemID:   req.ItemID,
		Quantity: req.Quantity,
		Link:     req.Link,
		Policy:   model.SelectionPolicy(req.Policy),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusCreated)
	h.writeJSON(w, toOrderResponse(order))
}

func orderIDFromURL(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "orderID"), 10, 64)
}

// GetOrders возвращает список заказов текущего пользователя.
func (h *Handler) GetOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	orders, err := h.service.GetOrdersByUser(r.Context(), userID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	if len(orders) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]orderResponse, 0, len(orders))
	for i := range orders {
		resp = append(resp, toOrderResponse(&orders[i]))
	}

	h.writeJSON(w, resp)
}

// GetOrder возвращает один заказ текущего пользователя.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	orderID, err := orderIDFromURL(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	order, err := h.service.GetOrderForUser(r.Context(), userID, orderID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, toOrderResponse(order))
}

// RefreshOrder заново сверяет заказ с провайдером и возвращает обновлённое состояние.
func (h *Handler) RefreshOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	orderID, err := orderIDFromURL(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if _, err := h.service.GetOrderForUser(r.Context(), userID, orderID); err != nil {
		h.writeError(w, err)
		return
	}

	order, err := h.service.RefreshStatus(r.Context(), orderID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, toOrderResponse(order))
}

type refundResponse struct {
	Reference string  `json:"reference"`
	Amount    float64 `json:"amount"`
}

// CancelOrder отменяет заказ текущего пользователя с возвратом средств.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	orderID, err := orderIDFromURL(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	res, err := h.service.Cancel(r.Context(), userID, orderID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, refundResponse{
		Reference: res.Reference,
		Amount:    float64(res.AmountMinor) / 100,
	})
}

type topUpRequest struct {
	ItemID int64 `json:"item_id"`
}

type subscriptionResponse struct {
	ID        int64   `json:"id"`
	OrderID   int64   `json:"order_id"`
	Price     float64 `json:"price"`
	ExpiresAt *string `json:"expires_at,omitempty"`
	CreatedAt string  `json:"created_at"`
}

// TopUpOrder докупает пакет для существующего заказа.
func (h *Handler) TopUpOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	orderID, err := orderIDFromURL(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req topUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	sub, err := h.service.TopUp(r.Context(), userID, orderID, req.ItemID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	resp := subscriptionResponse{
		ID:        sub.ID,
		OrderID:   sub.OrderID,
		Price:     float64(sub.PriceMinor) / 100,
		CreatedAt: sub.CreatedAt.Format(time.RFC3339),
	}
	if sub.ExpiresAt != nil {
		v := sub.ExpiresAt.Format(time.RFC3339)
		resp.ExpiresAt = &v
	}

	w.WriteHeader(http.StatusCreated)
	h.writeJSON(w, resp)
}

// GetBalance возвращает баланс текущего пользователя.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	balance, err := h.service.GetBalance(r.Context(), userID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, balance)
}

type ledgerEntryResponse struct {
	Direction string  `json:"direction"`
	Amount    float64 `json:"amount"`
	Status    string  `json:"status"`
	Reference string  `json:"reference"`
	CreatedAt string  `json:"created_at"`
}

// GetLedger возвращает журнал операций текущего пользователя.
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	entries, err := h.service.GetLedgerByUser(r.Context(), userID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	if len(entries) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]ledgerEntryResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, ledgerEntryResponse{
			Direction: string(e.Direction),
			Amount:    float64(e.AmountMinor) / 100,
			Status:    string(e.Status),
			Reference: e.Reference,
			CreatedAt: e.CreatedAt.Format(time.RFC3339),
		})
	}

	h.writeJSON(w, resp)
}

// ProviderBalances возвращает остатки на счетах провайдеров.
func (h *Handler) ProviderBalances(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.service.CheckProviderBalances(r.Context()))
}
