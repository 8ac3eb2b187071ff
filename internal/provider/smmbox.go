package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/mmeshcher/simbroker-system/internal/model"
	"github.com/mmeshcher/simbroker-system/internal/remote"
)

// SMMBox — провайдер заказов на социальную активность. API принимает
// единственный endpoint с полем action; ключ передаётся в теле запроса.
// Ошибки возвращаются со статусом 200 и полем error в теле.
type SMMBox struct {
	client  *remote.Client
	apiKey  string
	enabled bool
}

// NewSMMBox создаёт адаптер SMMBox.
func NewSMMBox(baseURL, apiKey string, logger *zap.Logger, opts ...remote.Option) *SMMBox {
	return &SMMBox{
		client:  remote.NewClient("smmbox", baseURL, logger, opts...),
		apiKey:  apiKey,
		enabled: apiKey != "" && baseURL != "",
	}
}

// Name реализует Adapter.
func (p *SMMBox) Name() string { return "smmbox" }

// Enabled реализует Adapter.
func (p *SMMBox) Enabled() bool { return p.enabled }

// call выполняет вызов панели и разворачивает ошибку из тела 200-ответа.
func (p *SMMBox) call(ctx context.Context, action string, params map[string]string) (json.RawMessage, error) {
	body := map[string]string{
		"key":    p.apiKey,
		"action": action,
	}
	for k, v := range params {
		body[k] = v
	}

	res, err := p.client.Call(ctx, http.MethodPost, "/api/v2", body, nil)
	if err := classify(res, err); err != nil {
		return nil, err
	}

	var failure struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(res.Data, &failure) == nil && failure.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrRejected, failure.Error)
	}

	return res.Data, nil
}

type smmboxService struct {
	Service int64  `json:"service"`
	Name    string `json:"name"`
	Type    string `json:"type"`
	Rate    string `json:"rate"`
	Min     string `json:"min"`
	Max     string `json:"max"`
}

// GetAvailability возвращает услуги панели, отфильтрованные по селектору.
// Доступность услуги ограничена её максимальным объёмом заказа.
func (p *SMMBox) GetAvailability(ctx context.Context, sel Selector) ([]model.PriceQuote, error) {
	data, err := p.call(ctx, "services", nil)
	if err != nil {
		return nil, err
	}

	var services []smmboxService
	if err := json.Unmarshal(data, &services); err != nil {
		return nil, fmt.Errorf("%w: decode services: %v", ErrUnavailable, err)
	}

	var quotes []model.PriceQuote
	for _, s := range services {
		if sel.Service != "" && s.Type != sel.Service {
			continue
		}

		rate, _ := strconv.ParseFloat(s.Rate, 64)
		max, _ := strconv.ParseInt(s.Max, 10, 64)

		quotes = append(quotes, model.PriceQuote{
			Provider:       p.Name(),
			ItemRef:        strconv.FormatInt(s.Service, 10),
			CostMinor:      toMinor(rate),
			AvailableCount: max,
		})
	}

	return quotes, nil
}

// CreateOrder размещает заказ на услугу с указанным количеством.
func (p *SMMBox) CreateOrder(ctx context.Context, req OrderRequest) (*ProviderOrder, error) {
	data, err := p.call(ctx, "add", map[string]string{
		"service":  req.ItemRef,
		"link":     req.Link,
		"quantity": strconv.FormatInt(req.Quantity, 10),
	})
	if err != nil {
		return nil, err
	}

	var created struct {
		Order int64 `json:"order"`
	}
	if err := json.Unmarshal(data, &created); err != nil {
		return nil, fmt.Errorf("%w: decode order: %v", ErrUnavailable, err)
	}

	return &ProviderOrder{
		ID:        strconv.FormatInt(created.Order, 10),
		RawStatus: "Pending",
		Status:    model.OrderStatusPending,
	}, nil
}

// QueryOrder возвращает состояние заказа в панели.
func (p *SMMBox) QueryOrder(ctx context.Context, providerOrderID string) (*ProviderOrder, error) {
	data, err := p.call(ctx, "status", map[string]string{"order": providerOrderID})
	if err != nil {
		return nil, err
	}

	var st struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("%w: decode status: %v", ErrUnavailable, err)
	}

	return &ProviderOrder{
		ID:        providerOrderID,
		RawStatus: st.Status,
		Status:    p.MapStatus(st.Status),
	}, nil
}

// CancelOrder отменяет заказ, если панель ещё не начала выполнение.
func (p *SMMBox) CancelOrder(ctx context.Context, providerOrderID string) error {
	_, err := p.call(ctx, "cancel", map[string]string{"order": providerOrderID})
	return err
}

// GetBalance возвращает остаток средств на счёте панели.
func (p *SMMBox) GetBalance(ctx context.Context) (int64, error) {
	data, err := p.call(ctx, "balance", nil)
	if err != nil {
		return 0, err
	}

	var b struct {
		Balance string `json:"balance"`
	}
	if err := json.Unmarshal(data, &b); err != nil {
		return 0, fmt.Errorf("%w: decode balance: %v", ErrUnavailable, err)
	}

	v, err := strconv.ParseFloat(b.Balance, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: parse balance: %v", ErrUnavailable, err)
	}

	return toMinor(v), nil
}

// MapStatus отображает словарь статусов панели во внутренний.
func (p *SMMBox) MapStatus(raw string) model.OrderStatus {
	switch raw {
	case "Pending":
		return model.OrderStatusPending
	case "Processing", "In progress":
		return model.OrderStatusProcessing
	case "Completed", "Partial":
		return model.OrderStatusCompleted
	case "Canceled":
		return model.OrderStatusCancelled
	default:
		return model.OrderStatusPending
	}
}
