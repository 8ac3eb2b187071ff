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

// Virtline — второй провайдер временных номеров. Запросы подписываются
// HMAC-подписью от метки времени и тела.
type Virtline struct {
	client  *remote.Client
	enabled bool
}

// NewVirtline создаёт адаптер Virtline.
func NewVirtline(baseURL, apiKey, apiSecret string, logger *zap.Logger, opts ...remote.Option) *Virtline {
	opts = append(opts, remote.WithAuth(remote.HMACAuth{Key: apiKey, Secret: apiSecret}))
	return &Virtline{
		client:  remote.NewClient("virtline", baseURL, logger, opts...),
		enabled: apiKey != "" && apiSecret != "" && baseURL != "",
	}
}

// Name реализует Adapter.
func (p *Virtline) Name() string { return "virtline" }

// Enabled реализует Adapter.
func (p *Virtline) Enabled() bool { return p.enabled }

type virtlineOffer struct {
	ID          string  `json:"id"`
	Price       float64 `json:"price"`
	Stock       int64   `json:"stock"`
	SuccessRate float64 `json:"success_rate"`
}

// GetAvailability запрашивает предложения по стране и сервису.
func (p *Virtline) GetAvailability(ctx context.Context, sel Selector) ([]model.PriceQuote, error) {
	q := url.Values{}
	if sel.Country != "" {
		q.Set("country", sel.Country)
	}
	if sel.Service != "" {
		q.Set("service", sel.Service)
	}

	res, err := p.client.Call(ctx, http.MethodGet, "/api/offers", nil, q)
	if err := classify(res, err); err != nil {
		return nil, err
	}

	var payload struct {
		Offers []virtlineOffer `json:"offers"`
	}
	if err := json.Unmarshal(res.Data, &payload); err != nil {
		return nil, fmt.Errorf("%w: decode offers: %v", ErrUnavailable, err)
	}

	quotes := make([]model.PriceQuote, 0, len(payload.Offers))
	for _, o := range payload.Offers {
		quotes = append(quotes, model.PriceQuote{
			Provider:       p.Name(),
			ItemRef:        o.ID,
			CostMinor:      toMinor(o.Price),
			AvailableCount: o.Stock,
			// Virtline отдаёт долю 0..1, приводим к процентам.
			SuccessRate: o.SuccessRate * 100,
		})
	}

	return quotes, nil
}

type virtlineOrder struct {
	OrderID string  `json:"order_id"`
	Number  *string `json:"number"`
	SMS     *string `json:"sms"`
	State   string  `json:"state"`
}

func (p *Virtline) toOrder(data json.RawMessage) (*ProviderOrder, error) {
	var o virtlineOrder
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("%w: decode order: %v", ErrUnavailable, err)
	}

	return &ProviderOrder{
		ID:        o.OrderID,
		RawStatus: o.State,
		Status:    p.MapStatus(o.State),
		Activation: model.Activation{
			PhoneNumber: o.Number,
			SMSText:     o.SMS,
		},
	}, nil
}

// CreateOrder создаёт заказ по идентификатору предложения.
func (p *Virtline) CreateOrder(ctx context.Context, req OrderRequest) (*ProviderOrder, error) {
	body := map[string]string{
		"offer_id":   req.ItemRef,
		"client_ref": req.Reference,
	}

	res, err := p.client.Call(ctx, http.MethodPost, "/api/orders", body, nil)
	if err := classify(res, err); err != nil {
		return nil, err
	}

	return p.toOrder(res.Data)
}

// QueryOrder возвращает текущее состояние заказа.
func (p *Virtline) QueryOrder(ctx context.Context, providerOrderID string) (*ProviderOrder, error) {
	res, err := p.client.Call(ctx, http.MethodGet, "/api/orders/"+providerOrderID, nil, nil)
	if err := classify(res, err); err != nil {
		return nil, err
	}

	return p.toOrder(res.Data)
}

// CancelOrder запрашивает возврат по заказу.
func (p *Virtline) CancelOrder(ctx context.Context, providerOrderID string) error {
	res, err := p.client.Call(ctx, http.MethodPost, "/api/orders/"+providerOrderID+"/refund", nil, nil)
	return classify(res, err)
}

// GetBalance возвращает остаток средств на счёте.
func (p *Virtline) GetBalance(ctx context.Context) (int64, error) {
	res, err := p.client.Call(ctx, http.MethodGet, "/api/me", nil, nil)
	if err := classify(res, err); err != nil {
		return 0, err
	}

	var me struct {
		Balance float64 `json:"balance"`
	}
	if err := json.Unmarshal(res.Data, &me); err != nil {
		return 0, fmt.Errorf("%w: decode balance: %v", ErrUnavailable, err)
	}

	return toMinor(me.Balance), nil
}

// MapStatus отображает словарь статусов Virtline во внутренний.
func (p *Virtline) MapStatus(raw string) model.OrderStatus {
	switch raw {
	case "waiting":
		return model.OrderStatusPending
	case "sms_received":
		return model.OrderStatusActive
	case "done":
		return model.OrderStatusCompleted
	case "refunded":
		return model.OrderStatusRefunded
	case "expired":
		return model.OrderStatusExpired
	default:
		return model.OrderStatusPending
	}
}
