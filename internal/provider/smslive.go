package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/mmeshcher/simbroker-system/internal/model"
	"github.com/mmeshcher/simbroker-system/internal/remote"
)

// SMSLive — провайдер временных номеров с bearer-аутентификацией.
type SMSLive struct {
	client  *remote.Client
	enabled bool
}

// NewSMSLive создаёт адаптер SMSLive. Адаптер включён, если задан ключ API.
func NewSMSLive(baseURL, apiKey string, logger *zap.Logger, opts ...remote.Option) *SMSLive {
	opts = append(opts, remote.WithAuth(remote.BearerAuth{Token: apiKey}))
	return &SMSLive{
		client:  remote.NewClient("smslive", baseURL, logger, opts...),
		enabled: apiKey != "" && baseURL != "",
	}
}

// Name реализует Adapter.
func (p *SMSLive) Name() string { return "smslive" }

// Enabled реализует Adapter.
func (p *SMSLive) Enabled() bool { return p.enabled }

type smslivePrice struct {
	Service string  `json:"service"`
	Country string  `json:"country"`
	Cost    float64 `json:"cost"`
	Count   int64   `json:"count"`
	Rate    float64 `json:"rate"`
}

// GetAvailability запрашивает цены и остатки номеров по стране и сервису.
func (p *SMSLive) GetAvailability(ctx context.Context, sel Selector) ([]model.PriceQuote, error) {
	q := url.Values{}
	if sel.Country != "" {
		q.Set("country", sel.Country)
	}
	if sel.Service != "" {
		q.Set("service", sel.Service)
	}

	res, err := p.client.Call(ctx, http.MethodGet, "/v1/prices", nil, q)
	if err := classify(res, err); err != nil {
		return nil, err
	}

	var prices []smslivePrice
	if err := json.Unmarshal(res.Data, &prices); err != nil {
		return nil, fmt.Errorf("%w: decode prices: %v", ErrUnavailable, err)
	}

	quotes := make([]model.PriceQuote, 0, len(prices))
	for _, pr := range prices {
		quotes = append(quotes, model.PriceQuote{
			Provider:       p.Name(),
			ItemRef:        pr.Service + ":" + pr.Country,
			CostMinor:      toMinor(pr.Cost),
			AvailableCount: pr.Count,
			SuccessRate:    pr.Rate,
		})
	}

	return quotes, nil
}

type smsliveOrder struct {
	ID     string  `json:"id"`
	Phone  *string `json:"phone"`
	SMS    *string `json:"sms"`
	Status string  `json:"status"`
}

func (p *SMSLive) toOrder(data json.RawMessage) (*ProviderOrder, error) {
	var o smsliveOrder
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("%w: decode order: %v", ErrUnavailable, err)
	}

	return &ProviderOrder{
		ID:        o.ID,
		RawStatus: o.Status,
		Status:    p.MapStatus(o.Status),
		Activation: model.Activation{
			PhoneNumber: o.Phone,
			SMSText:     o.SMS,
		},
	}, nil
}

// CreateOrder покупает номер. Reference передаётся провайдеру как внешний
// идентификатор транзакции.
func (p *SMSLive) CreateOrder(ctx context.Context, req OrderRequest) (*ProviderOrder, error) {
	body := map[string]string{
		"item":        req.ItemRef,
		"external_id": req.Reference,
	}

	res, err := p.client.Call(ctx, http.MethodPost, "/v1/numbers", body, nil)
	if err := classify(res, err); err != nil {
		return nil, err
	}

	return p.toOrder(res.Data)
}

// QueryOrder возвращает текущее состояние заказа у провайдера.
func (p *SMSLive) QueryOrder(ctx context.Context, providerOrderID string) (*ProviderOrder, error) {
	res, err := p.client.Call(ctx, http.MethodGet, "/v1/numbers/"+providerOrderID, nil, nil)
	if err := classify(res, err); err != nil {
		return nil, err
	}

	return p.toOrder(res.Data)
}

// CancelOrder отменяет неиспользованный номер.
func (p *SMSLive) CancelOrder(ctx context.Context, providerOrderID string) error {
	res, err := p.client.Call(ctx, http.MethodPost, "/v1/numbers/"+providerOrderID+"/cancel", nil, nil)
	return classify(res, err)
}

// GetBalance возвращает остаток средств на счёте у провайдера.
func (p *SMSLive) GetBalance(ctx context.Context) (int64, error) {
	res, err := p.client.Call(ctx, http.MethodGet, "/v1/balance", nil, nil)
	if err := classify(res, err); err != nil {
		return 0, err
	}

	var b struct {
		Balance float64 `json:"balance"`
	}
	if err := json.Unmarshal(res.Data, &b); err != nil {
		return 0, fmt.Errorf("%w: decode balance: %v", ErrUnavailable, err)
	}

	return toMinor(b.Balance), nil
}

// MapStatus отображает словарь статусов SMSLive во внутренний.
func (p *SMSLive) MapStatus(raw string) model.OrderStatus {
	switch raw {
	case "PENDING":
		return model.OrderStatusPending
	case "RECEIVED":
		return model.OrderStatusActive
	case "FINISHED":
		return model.OrderStatusCompleted
	case "CANCELED":
		return model.OrderStatusCancelled
	case "TIMEOUT":
		return model.OrderStatusExpired
	case "BANNED":
		return model.OrderStatusFailed
	default:
		return model.OrderStatusPending
	}
}
