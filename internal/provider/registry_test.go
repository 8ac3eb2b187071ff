package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/simbroker-system/internal/model"
)

// fakeAdapter — управляемый адаптер для тестов реестра.
type fakeAdapter struct {
	name    string
	enabled bool
	quotes  []model.PriceQuote
	err     error
	balance int64

	availCalls int
}

func (f *fakeAdapter) Name() string  { return f.name }
func (f *fakeAdapter) Enabled() bool { return f.enabled }

func (f *fakeAdapter) GetAvailability(ctx context.Context, sel Selector) ([]model.PriceQuote, error) {
	f.availCalls++
	if f.err != nil {
		return nil, f.err
	}
	return f.quotes, nil
}

func (f *fakeAdapter) CreateOrder(ctx context.Context, req OrderRequest) (*ProviderOrder, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeAdapter) QueryOrder(ctx context.Context, providerOrderID string) (*ProviderOrder, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeAdapter) CancelOrder(ctx context.Context, providerOrderID string) error {
	return errors.New("not implemented")
}

func (f *fakeAdapter) GetBalance(ctx context.Context) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.balance, nil
}

func (f *fakeAdapter) MapStatus(raw string) model.OrderStatus { return model.OrderStatusPending }

func quote(provider string, cost, avail int64, rate float64) model.PriceQuote {
	return model.PriceQuote{
		Provider:       provider,
		ItemRef:        "tg:ru",
		CostMinor:      cost,
		AvailableCount: avail,
		SuccessRate:    rate,
	}
}

func TestRegistry_GetAggregatedPrices_SurvivesAdapterFailure(t *testing.T) {
	a := &fakeAdapter{name: "a", enabled: true, quotes: []model.PriceQuote{quote("a", 300, 10, 90)}}
	b := &fakeAdapter{name: "b", enabled: true, err: ErrUnavailable}
	c := &fakeAdapter{name: "c", enabled: true, quotes: []model.PriceQuote{quote("c", 100, 5, 80)}}

	r := NewRegistry(zap.NewNop(), "a", time.Minute, a, b, c)

	got := r.GetAggregatedPrices(context.Background(), Selector{Kind: model.ItemKindNumber, Country: "ru", Service: "tg"})

	if len(got) != 2 {
		t.Fatalf("quotes len = %d, want 2", len(got))
	}
	if got[0].Provider != "c" || got[1].Provider != "a" {
		t.Fatalf("quotes not sorted by cost: %+v", got)
	}
}

func TestRegistry_GetAggregatedPrices_SkipsDisabled(t *testing.T) {
	a := &fakeAdapter{name: "a", enabled: false, quotes: []model.PriceQuote{quote("a", 100, 10, 90)}}
	b := &fakeAdapter{name: "b", enabled: true, quotes: []model.PriceQuote{quote("b", 200, 10, 90)}}

	r := NewRegistry(zap.NewNop(), "b", time.Minute, a, b)

	got := r.GetAggregatedPrices(context.Background(), Selector{Kind: model.ItemKindNumber})

	if len(got) != 1 || got[0].Provider != "b" {
		t.Fatalf("unexpected quotes: %+v", got)
	}
	if a.availCalls != 0 {
		t.Fatalf("disabled adapter was queried %d times", a.availCalls)
	}
}

func TestRegistry_GetAggregatedPrices_CacheHitWithinTTL(t *testing.T) {
	a := &fakeAdapter{name: "a", enabled: true, quotes: []model.PriceQuote{quote("a", 100, 10, 90)}}

	r := NewRegistry(zap.NewNop(), "a", time.Minute, a)

	sel := Selector{Kind: model.ItemKindNumber, Country: "ru", Service: "tg"}
	r.GetAggregatedPrices(context.Background(), sel)
	r.GetAggregatedPrices(context.Background(), sel)

	if a.availCalls != 1 {
		t.Fatalf("adapter queried %d times, want 1 (cache hit expected)", a.availCalls)
	}
}

func TestRegistry_GetAggregatedPrices_CacheExpires(t *testing.T) {
	a := &fakeAdapter{name: "a", enabled: true, quotes: []model.PriceQuote{quote("a", 100, 10, 90)}}

	r := NewRegistry(zap.NewNop(), "a", time.Minute, a)

	now := time.Now()
	r.now = func() time.Time { return now }

	sel := Selector{Kind: model.ItemKindNumber, Country: "ru", Service: "tg"}
	r.GetAggregatedPrices(context.Background(), sel)

	now = now.Add(2 * time.Minute)
	r.GetAggregatedPrices(context.Background(), sel)

	if a.availCalls != 2 {
		t.Fatalf("adapter queried %d times, want 2 after TTL", a.availCalls)
	}
}

func TestRegistry_GetAggregatedPrices_EmptyResultNotCached(t *testing.T) {
	a := &fakeAdapter{name: "a", enabled: true, err: ErrUnavailable}

	r := NewRegistry(zap.NewNop(), "a", time.Minute, a)

	sel := Selector{Kind: model.ItemKindNumber}
	r.GetAggregatedPrices(context.Background(), sel)

	// Провайдер восстановился: следующий запрос должен уйти к нему заново.
	a.err = nil
	a.quotes = []model.PriceQuote{quote("a", 100, 10, 90)}

	got := r.GetAggregatedPrices(context.Background(), sel)

	if len(got) != 1 {
		t.Fatalf("quotes len = %d, want 1 after recovery", len(got))
	}
	if a.availCalls != 2 {
		t.Fatalf("adapter queried %d times, want 2", a.availCalls)
	}
}

func TestRegistry_ByName(t *testing.T) {
	a := &fakeAdapter{name: "a", enabled: true}
	b := &fakeAdapter{name: "b", enabled: false}

	r := NewRegistry(zap.NewNop(), "a", time.Minute, a, b)

	if _, err := r.ByName("a"); err != nil {
		t.Fatalf("ByName(a) error: %v", err)
	}
	if _, err := r.ByName("b"); !errors.Is(err, ErrNoProvider) {
		t.Fatalf("ByName(b) err = %v, want ErrNoProvider", err)
	}
	if _, err := r.ByName("x"); !errors.Is(err, ErrNoProvider) {
		t.Fatalf("ByName(x) err = %v, want ErrNoProvider", err)
	}
}

func TestRegistry_SelectBestProvider_DefaultSkipsQuery(t *testing.T) {
	a := &fakeAdapter{name: "a", enabled: true}
	b := &fakeAdapter{name: "b", enabled: true}

	r := NewRegistry(zap.NewNop(), "b", time.Minute, a, b)

	chosen, q, err := r.SelectBestProvider(context.Background(), Selector{}, model.PolicyDefault)
	if err != nil {
		t.Fatalf("SelectBestProvider error: %v", err)
	}
	if chosen.Name() != "b" {
		t.Fatalf("chosen = %s, want b", chosen.Name())
	}
	if q != nil {
		t.Fatalf("default policy must not produce a quote, got %+v", q)
	}
	if a.availCalls != 0 || b.availCalls != 0 {
		t.Fatalf("default policy queried providers: a=%d b=%d", a.availCalls, b.availCalls)
	}
}

func TestRegistry_SelectBestProvider_CheapestExcludesZeroAvailability(t *testing.T) {
	a := &fakeAdapter{name: "a", enabled: true, quotes: []model.PriceQuote{quote("a", 100, 5, 90)}}
	b := &fakeAdapter{name: "b", enabled: true, quotes: []model.PriceQuote{quote("b", 80, 0, 95)}}

	r := NewRegistry(zap.NewNop(), "a", time.Minute, a, b)

	chosen, q, err := r.SelectBestProvider(context.Background(), Selector{Service: "tg"}, model.PolicyCheapest)
	if err != nil {
		t.Fatalf("SelectBestProvider error: %v", err)
	}
	if chosen.Name() != "a" {
		t.Fatalf("chosen = %s, want a (b has zero availability)", chosen.Name())
	}
	if q.CostMinor != 100 {
		t.Fatalf("quote cost = %d, want 100", q.CostMinor)
	}
}

func TestRegistry_SelectBestProvider_MostAvailable(t *testing.T) {
	a := &fakeAdapter{name: "a", enabled: true, quotes: []model.PriceQuote{quote("a", 100, 5, 90)}}
	b := &fakeAdapter{name: "b", enabled: true, quotes: []model.PriceQuote{quote("b", 200, 50, 70)}}

	r := NewRegistry(zap.NewNop(), "a", time.Minute, a, b)

	chosen, _, err := r.SelectBestProvider(context.Background(), Selector{}, model.PolicyMostAvailable)
	if err != nil {
		t.Fatalf("SelectBestProvider error: %v", err)
	}
	if chosen.Name() != "b" {
		t.Fatalf("chosen = %s, want b", chosen.Name())
	}
}

func TestRegistry_SelectBestProvider_SuccessRate(t *testing.T) {
	a := &fakeAdapter{name: "a", enabled: true, quotes: []model.PriceQuote{quote("a", 100, 5, 85)}}
	b := &fakeAdapter{name: "b", enabled: true, quotes: []model.PriceQuote{quote("b", 200, 5, 99)}}

	r := NewRegistry(zap.NewNop(), "a", time.Minute, a, b)

	chosen, _, err := r.SelectBestProvider(context.Background(), Selector{}, model.PolicySuccessRate)
	if err != nil {
		t.Fatalf("SelectBestProvider error: %v", err)
	}
	if chosen.Name() != "b" {
		t.Fatalf("chosen = %s, want b", chosen.Name())
	}
}

func TestRegistry_SelectBestProvider_TieBreakByRegistrationOrder(t *testing.T) {
	a := &fakeAdapter{name: "a", enabled: true, quotes: []model.PriceQuote{quote("a", 100, 5, 90)}}
	b := &fakeAdapter{name: "b", enabled: true, quotes: []model.PriceQuote{quote("b", 100, 5, 90)}}

	r := NewRegistry(zap.NewNop(), "a", time.Minute, a, b)

	chosen, _, err := r.SelectBestProvider(context.Background(), Selector{}, model.PolicyCheapest)
	if err != nil {
		t.Fatalf("SelectBestProvider error: %v", err)
	}
	if chosen.Name() != "a" {
		t.Fatalf("chosen = %s, want a (registered first)", chosen.Name())
	}
}

func TestRegistry_SelectBestProvider_NoAvailability(t *testing.T) {
	a := &fakeAdapter{name: "a", enabled: true, quotes: []model.PriceQuote{quote("a", 100, 0, 90)}}

	r := NewRegistry(zap.NewNop(), "a", time.Minute, a)

	_, _, err := r.SelectBestProvider(context.Background(), Selector{}, model.PolicyCheapest)
	if !errors.Is(err, ErrNoProvider) {
		t.Fatalf("err = %v, want ErrNoProvider", err)
	}
}

func TestRegistry_CheckAllBalances(t *testing.T) {
	a := &fakeAdapter{name: "a", enabled: true, balance: 12345}
	b := &fakeAdapter{name: "b", enabled: true, err: ErrUnavailable}

	r := NewRegistry(zap.NewNop(), "a", time.Minute, a, b)

	got := r.CheckAllBalances(context.Background())

	if len(got) != 2 {
		t.Fatalf("balances len = %d, want 2", len(got))
	}
	if got[0].Provider != "a" || got[0].BalanceMinor != 12345 || got[0].Err != "" {
		t.Fatalf("unexpected first balance: %+v", got[0])
	}
	if got[1].Provider != "b" || got[1].Err == "" {
		t.Fatalf("unexpected second balance: %+v", got[1])
	}
}
