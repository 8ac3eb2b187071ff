package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/simbroker-system/internal/model"
	"github.com/mmeshcher/simbroker-system/internal/remote"
)

// ESIMFox — провайдер eSIM-профилей. Помимо общего набора возможностей
// поддерживает постраничную выгрузку каталога пакетов (Lister).
type ESIMFox struct {
	client  *remote.Client
	enabled bool
}

// Интерфейс Lister проверяется на этапе компиляции.
var _ Lister = (*ESIMFox)(nil)

// NewESIMFox создаёт адаптер ESIMFox.
func NewESIMFox(baseURL, apiKey string, logger *zap.Logger, opts ...remote.Option) *ESIMFox {
	opts = append(opts, remote.WithAuth(remote.BearerAuth{Token: apiKey}))
	return &ESIMFox{
		client:  remote.NewClient("esimfox", baseURL, logger, opts...),
		enabled: apiKey != "" && baseURL != "",
	}
}

// Name реализует Adapter.
func (p *ESIMFox) Name() string { return "esimfox" }

// Enabled реализует Adapter.
func (p *ESIMFox) Enabled() bool { return p.enabled }

type esimfoxPackage struct {
	Slug    string  `json:"slug"`
	Name    string  `json:"name"`
	Country string  `json:"country"`
	Price   float64 `json:"price"`
	Stock   int64   `json:"stock"`
}

type esimfoxPage struct {
	Total    int              `json:"total"`
	Packages []esimfoxPackage `json:"packages"`
}

// GetAvailability запрашивает пакеты по стране.
func (p *ESIMFox) GetAvailability(ctx context.Context, sel Selector) ([]model.PriceQuote, error) {
	q := url.Values{}
	if sel.Country != "" {
		q.Set("country", sel.Country)
	}

	res, err := p.client.Call(ctx, http.MethodGet, "/v2/packages", nil, q)
	if err := classify(res, err); err != nil {
		return nil, err
	}

	var page esimfoxPage
	if err := json.Unmarshal(res.Data, &page); err != nil {
		return nil, fmt.Errorf("%w: decode packages: %v", ErrUnavailable, err)
	}

	quotes := make([]model.PriceQuote, 0, len(page.Packages))
	for _, pkg := range page.Packages {
		quotes = append(quotes, model.PriceQuote{
			Provider:       p.Name(),
			ItemRef:        pkg.Slug,
			CostMinor:      toMinor(pkg.Price),
			AvailableCount: pkg.Stock,
		})
	}

	return quotes, nil
}

// ListItems постранично выгружает каталог пакетов. Возвращает позиции
// страницы и полное количество, заявленное провайдером.
func (p *ESIMFox) ListItems(ctx context.Context, offset, limit int) ([]ListedItem, int, error) {
	q := url.Values{}
	q.Set("offset", strconv.Itoa(offset))
	q.Set("limit", strconv.Itoa(limit))

	res, err := p.client.Call(ctx, http.MethodGet, "/v2/packages", nil, q)
	if err := classify(res, err); err != nil {
		return nil, 0, err
	}

	var page esimfoxPage
	if err := json.Unmarshal(res.Data, &page); err != nil {
		return nil, 0, fmt.Errorf("%w: decode packages: %v", ErrUnavailable, err)
	}

	items := make([]ListedItem, 0, len(page.Packages))
	for _, pkg := range page.Packages {
		items = append(items, ListedItem{
			Ref:            pkg.Slug,
			Title:          pkg.Name,
			Country:        pkg.Country,
			WholesaleMinor: toMinor(pkg.Price),
			Kind:           model.ItemKindESIM,
		})
	}

	return items, page.Total, nil
}

type esimfoxOrder struct {
	Reference   string  `json:"reference"`
	Status      string  `json:"status"`
	SMDPAddress *string `json:"smdp_address"`
	MatchingID  *string `json:"matching_id"`
	QRCode      *string `json:"qr_code"`
	ExpiresAt   *string `json:"expires_at"`
}

func (p *ESIMFox) toOrder(data json.RawMessage) (*ProviderOrder, error) {
	var o esimfoxOrder
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("%w: decode order: %v", ErrUnavailable, err)
	}

	order := &ProviderOrder{
		ID:        o.Reference,
		RawStatus: o.Status,
		Status:    p.MapStatus(o.Status),
		Activation: model.Activation{
			SMDPAddress: o.SMDPAddress,
			MatchingID:  o.MatchingID,
			QRPayload:   o.QRCode,
		},
	}

	if o.ExpiresAt != nil {
		if t, err := time.Parse(time.RFC3339, *o.ExpiresAt); err == nil {
			order.ExpiresAt = &t
		}
	}

	return order, nil
}

// CreateOrder заказывает eSIM-профиль или пополнение существующего профиля.
func (p *ESIMFox) CreateOrder(ctx context.Context, req OrderRequest) (*ProviderOrder, error) {
	body := map[string]string{
		"package":   req.ItemRef,
		"reference": req.Reference,
	}

	res, err := p.client.Call(ctx, http.MethodPost, "/v2/orders", body, nil)
	if err := classify(res, err); err != nil {
		return nil, err
	}

	return p.toOrder(res.Data)
}

// QueryOrder возвращает состояние профиля и данные активации.
func (p *ESIMFox) QueryOrder(ctx context.Context, providerOrderID string) (*ProviderOrder, error) {
	res, err := p.client.Call(ctx, http.MethodGet, "/v2/orders/"+providerOrderID, nil, nil)
	if err := classify(res, err); err != nil {
		return nil, err
	}

	return p.toOrder(res.Data)
}

// CancelOrder отзывает неустановленный профиль.
func (p *ESIMFox) CancelOrder(ctx context.Context, providerOrderID string) error {
	res, err := p.client.Call(ctx, http.MethodPost, "/v2/orders/"+providerOrderID+"/revoke", nil, nil)
	return classify(res, err)
}

// GetBalance возвращает остаток средств на счёте.
func (p *ESIMFox) GetBalance(ctx context.Context) (int64, error) {
	res, err := p.client.Call(ctx, http.MethodGet, "/v2/balance", nil, nil)
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

// MapStatus отображает словарь статусов ESIMFox во внутренний.
func (p *ESIMFox) MapStatus(raw string) model.OrderStatus {
	switch raw {
	case "Released":
		return model.OrderStatusProcessing
	case "Installed", "Enabled":
		return model.OrderStatusActive
	case "Disabled":
		return model.OrderStatusCompleted
	case "Expired":
		return model.OrderStatusExpired
	case "Revoked":
		return model.OrderStatusCancelled
	default:
		return model.OrderStatusPending
	}
}
