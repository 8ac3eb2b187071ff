package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/mmeshcher/simbroker-system/internal/middleware"
	"github.com/mmeshcher/simbroker-system/internal/model"
	"github.com/mmeshcher/simbroker-system/internal/provider"
	"github.com/mmeshcher/simbroker-system/internal/repository"
	"github.com/mmeshcher/simbroker-system/internal/service"
)

// stubService — управляемая заглушка бизнес-логики для тестов обработчиков.
type stubService struct {
	registerID  int64
	registerErr error
	authID      int64
	authErr     error

	order       *model.Order
	purchaseErr error

	orders    []model.Order
	ordersErr error

	balance *model.Balance
	ledger  []model.LedgerEntry
	quotes  []model.PriceQuote

	refund    *service.RefundResult
	cancelErr error
}

func (s *stubService) RegisterUser(ctx context.Context, login, password string, referrerID *int64) (int64, error) {
	return s.registerID, s.registerErr
}

func (s *stubService) AuthenticateUser(ctx context.Context, login, password string) (int64, error) {
	return s.authID, s.authErr
}

func (s *stubService) GetPrices(ctx context.Context, sel provider.Selector) []model.PriceQuote {
	return s.quotes
}

func (s *stubService) GetCountries(ctx context.Context) ([]string, error) {
	return []string{"ru"}, nil
}

func (s *stubService) Purchase(ctx context.Context, req service.PurchaseRequest) (*model.Order, error) {
	if s.purchaseErr != nil {
		return nil, s.purchaseErr
	}
	return s.order, nil
}

func (s *stubService) TopUp(ctx context.Context, userID, orderID, itemID int64) (*model.Subscription, error) {
	return &model.Subscription{ID: 1, OrderID: orderID, PriceMinor: 2000}, nil
}

func (s *stubService) Cancel(ctx context.Context, userID, orderID int64) (*service.RefundResult, error) {
	if s.cancelErr != nil {
		return nil, s.cancelErr
	}
	return s.refund, nil
}

func (s *stubService) RefreshStatus(ctx context.Context, orderID int64) (*model.Order, error) {
	return s.order, nil
}

func (s *stubService) GetOrderForUser(ctx context.Context, userID, orderID int64) (*model.Order, error) {
	if s.order == nil {
		return nil, repository.ErrOrderNotFound
	}
	return s.order, nil
}

func (s *stubService) GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error) {
	return s.orders, s.ordersErr
}

func (s *stubService) GetBalance(ctx context.Context, userID int64) (*model.Balance, error) {
	return s.balance, nil
}

func (s *stubService) GetLedgerByUser(ctx context.Context, userID int64) ([]model.LedgerEntry, error) {
	return s.ledger, nil
}

func (s *stubService) CheckProviderBalances(ctx context.Context) []provider.ProviderBalance {
	return []provider.ProviderBalance{{Provider: "smslive", BalanceMinor: 100000}}
}

func newTestServer(t *testing.T, svc Service) (*httptest.Server, *middleware.AuthMiddleware) {
	t.Helper()

	auth := middleware.NewAuthMiddleware("test-secret")
	h := NewHandler(svc, zap.NewNop(), auth)
	ts := httptest.NewServer(h.SetupRouter())
	t.Cleanup(ts.Close)

	return ts, auth
}

func authCookie(auth *middleware.AuthMiddleware, userID int64) *http.Cookie {
	rec := httptest.NewRecorder()
	auth.SetAuthCookie(rec, userID)
	return rec.Result().Cookies()[0]
}

func doRequest(t *testing.T, ts *httptest.Server, method, path string, body any, cookie *http.Cookie) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}

	req, err := http.NewRequest(method, ts.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if cookie != nil {
		req.AddCookie(cookie)
	}

	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	return resp
}

func TestRegister(t *testing.T) {
	ts, _ := newTestServer(t, &stubService{registerID: 1})

	resp := doRequest(t, ts, http.MethodPost, "/api/user/register",
		map[string]string{"login": "alice", "password": "secret"}, nil)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if len(resp.Cookies()) == 0 {
		t.Fatalf("auth cookie not set")
	}
}

func TestRegister_Conflict(t *testing.T) {
	ts, _ := newTestServer(t, &stubService{registerErr: repository.ErrUserExists})

	resp := doRequest(t, ts, http.MethodPost, "/api/user/register",
		map[string]string{"login": "alice", "password": "secret"}, nil)

	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
}

func TestRegister_EmptyCredentials(t *testing.T) {
	ts, _ := newTestServer(t, &stubService{})

	resp := doRequest(t, ts, http.MethodPost, "/api/user/register",
		map[string]string{"login": "", "password": ""}, nil)

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestPurchase(t *testing.T) {
	svc := &stubService{order: &model.Order{
		ID:         7,
		Kind:       model.ItemKindNumber,
		Provider:   "smslive",
		Title:      "Telegram RU",
		PriceMinor: 3000,
		Quantity:   1,
		Status:     model.OrderStatusPending,
	}}
	ts, auth := newTestServer(t, svc)

	resp := doRequest(t, ts, http.MethodPost, "/api/user/purchase",
		map[string]any{"item_id": 1}, authCookie(auth, 1))

	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}

	var got struct {
		ID     int64   `json:"id"`
		Price  float64 `json:"price"`
		Status string  `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.ID != 7 || got.Price != 30 || got.Status != "PENDING" {
		t.Fatalf("unexpected response: %+v", got)
	}
}

func TestPurchase_Unauthorized(t *testing.T) {
	ts, _ := newTestServer(t, &stubService{})

	resp := doRequest(t, ts, http.MethodPost, "/api/user/purchase",
		map[string]any{"item_id": 1}, nil)

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestPurchase_InsufficientBalance(t *testing.T) {
	ts, auth := newTestServer(t, &stubService{purchaseErr: repository.ErrInsufficientBalance})

	resp := doRequest(t, ts, http.MethodPost, "/api/user/purchase",
		map[string]any{"item_id": 1}, authCookie(auth, 1))

	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", resp.StatusCode)
	}
}

func TestPurchase_ProviderUnavailable(t *testing.T) {
	ts, auth := newTestServer(t, &stubService{purchaseErr: provider.ErrUnavailable})

	resp := doRequest(t, ts, http.MethodPost, "/api/user/purchase",
		map[string]any{"item_id": 1}, authCookie(auth, 1))

	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
}

func TestGetOrders_Empty(t *testing.T) {
	ts, auth := newTestServer(t, &stubService{})

	resp := doRequest(t, ts, http.MethodGet, "/api/user/orders", nil, authCookie(auth, 1))

	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}
}

func TestGetOrder_NotFound(t *testing.T) {
	ts, auth := newTestServer(t, &stubService{})

	resp := doRequest(t, ts, http.MethodGet, "/api/user/orders/99", nil, authCookie(auth, 1))

	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestCancelOrder(t *testing.T) {
	svc := &stubService{
		order:  &model.Order{ID: 7, UserID: 1, Status: model.OrderStatusPending},
		refund: &service.RefundResult{Reference: "ref-1", AmountMinor: 3000},
	}
	ts, auth := newTestServer(t, svc)

	resp := doRequest(t, ts, http.MethodPost, "/api/user/orders/7/cancel", nil, authCookie(auth, 1))

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var got struct {
		Reference string  `json:"reference"`
		Amount    float64 `json:"amount"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.Reference != "ref-1" || got.Amount != 30 {
		t.Fatalf("unexpected response: %+v", got)
	}
}

func TestCancelOrder_NotCancellable(t *testing.T) {
	ts, auth := newTestServer(t, &stubService{cancelErr: service.ErrNotCancellable})

	resp := doRequest(t, ts, http.MethodPost, "/api/user/orders/7/cancel", nil, authCookie(auth, 1))

	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
}

func TestGetPrices(t *testing.T) {
	svc := &stubService{quotes: []model.PriceQuote{
		{Provider: "smslive", ItemRef: "tg:ru", CostMinor: 2550, AvailableCount: 120, SuccessRate: 97.5},
	}}
	ts, _ := newTestServer(t, svc)

	resp := doRequest(t, ts, http.MethodGet, "/api/prices?kind=number&country=ru&service=tg", nil, nil)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var got []struct {
		Provider string  `json:"provider"`
		Cost     float64 `json:"cost"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(got) != 1 || got[0].Provider != "smslive" || got[0].Cost != 25.5 {
		t.Fatalf("unexpected response: %+v", got)
	}
}

func TestGetPrices_UnknownKind(t *testing.T) {
	ts, _ := newTestServer(t, &stubService{})

	resp := doRequest(t, ts, http.MethodGet, "/api/prices?kind=vps", nil, nil)

	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", resp.StatusCode)
	}
}

func TestGetBalance(t *testing.T) {
	ts, auth := newTestServer(t, &stubService{balance: &model.Balance{Current: 50}})

	resp := doRequest(t, ts, http.MethodGet, "/api/user/balance", nil, authCookie(auth, 1))

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var got model.Balance
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.Current != 50 {
		t.Fatalf("balance = %v, want 50", got.Current)
	}
}

func TestGetLedger_Empty(t *testing.T) {
	ts, auth := newTestServer(t, &stubService{})

	resp := doRequest(t, ts, http.MethodGet, "/api/user/ledger", nil, authCookie(auth, 1))

	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}
}

func TestProviderBalances(t *testing.T) {
	ts, auth := newTestServer(t, &stubService{})

	resp := doRequest(t, ts, http.MethodGet, "/api/providers/balances", nil, authCookie(auth, 1))

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var got []provider.ProviderBalance
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(got) != 1 || got[0].Provider != "smslive" {
		t.Fatalf("unexpected response: %+v", got)
	}
}
