package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/simbroker-system/internal/model"
)

const defaultCacheTTL = 5 * time.Minute

// ErrNoProvider возвращается, когда ни один включённый провайдер не может
// обслужить запрос.
var ErrNoProvider = errors.New("no suitable provider")

type cacheEntry struct {
	quotes    []model.PriceQuote
	expiresAt time.Time
}

// Registry хранит зарегистрированные адаптеры и агрегирует их предложения.
// Порядок регистрации значим: он используется как tie-break при выборе
// провайдера.
type Registry struct {
	adapters    []Adapter
	defaultName string
	cacheTTL    time.Duration
	logger      *zap.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry
	now   func() time.Time
}

// NewRegistry создаёт реестр с указанными адаптерами. Адаптеры перечисляются
// в порядке регистрации; defaultName задаёт провайдера для политики default.
func NewRegistry(logger *zap.Logger, defaultName string, cacheTTL time.Duration, adapters ...Adapter) *Registry {
	if cacheTTL <= 0 {
		cacheTTL = defaultCacheTTL
	}

	return &Registry{
		adapters:    adapters,
		defaultName: defaultName,
		cacheTTL:    cacheTTL,
		logger:      logger,
		cache:       make(map[string]cacheEntry),
		now:         time.Now,
	}
}

// Enabled возвращает включённые адаптеры в порядке регистрации.
func (r *Registry) Enabled() []Adapter {
	var res []Adapter
	for _, a := range r.adapters {
		if a.Enabled() {
			res = append(res, a)
		}
	}
	return res
}

// ByName возвращает адаптер по имени провайдера.
func (r *Registry) ByName(name string) (Adapter, error) {
	for _, a := range r.adapters {
		if a.Name() == name {
			if !a.Enabled() {
				return nil, fmt.Errorf("%w: provider %s disabled", ErrNoProvider, name)
			}
			return a, nil
		}
	}
	return nil, fmt.Errorf("%w: unknown provider %s", ErrNoProvider, name)
}

// GetAggregatedPrices опрашивает все включённые адаптеры параллельно и
// возвращает объединённый список предложений, отсортированный по цене.
// Сбой отдельного провайдера не приводит к ошибке агрегата: его результат
// пропускается и логируется. Непустой результат кэшируется на время TTL;
// пустой результат не кэшируется, чтобы временный отказ всех провайдеров
// самоизлечивался на следующем запросе.
func (r *Registry) GetAggregatedPrices(ctx context.Context, sel Selector) []model.PriceQuote {
	key := sel.Key()

	r.mu.Lock()
	if e, ok := r.cache[key]; ok && r.now().Before(e.expiresAt) {
		quotes := e.quotes
		r.mu.Unlock()
		return quotes
	}
	r.mu.Unlock()

	enabled := r.Enabled()
	results := make([][]model.PriceQuote, len(enabled))

	var wg sync.WaitGroup
	for i, a := range enabled {
		wg.Add(1)
		go func(i int, a Adapter) {
			defer wg.Done()

			quotes, err := a.GetAvailability(ctx, sel)
			if err != nil {
				r.logger.Warn("availability query failed",
					zap.String("provider", a.Name()),
					zap.Error(err),
				)
				return
			}
			results[i] = quotes
		}(i, a)
	}
	wg.Wait()

	var merged []model.PriceQuote
	for _, quotes := range results {
		merged = append(merged, quotes...)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].CostMinor < merged[j].CostMinor
	})

	if len(merged) > 0 {
		r.mu.Lock()
		r.cache[key] = cacheEntry{quotes: merged, expiresAt: r.now().Add(r.cacheTTL)}
		r.mu.Unlock()
	}

	return merged
}

// SelectBestProvider выбирает провайдера под политику. Кандидатами считаются
// только адаптеры с ненулевой доступностью по селектору; при равенстве
// выигрывает первый зарегистрированный. Политика default не опрашивает
// провайдеров вовсе и возвращает настроенного провайдера по умолчанию.
func (r *Registry) SelectBestProvider(ctx context.Context, sel Selector, policy model.SelectionPolicy) (Adapter, *model.PriceQuote, error) {
	if policy == model.PolicyDefault || policy == "" {
		a, err := r.ByName(r.defaultName)
		if err != nil {
			return nil, nil, err
		}
		return a, nil, nil
	}

	quotes := r.GetAggregatedPrices(ctx, sel)

	// Лучшее предложение каждого провайдера с ненулевой доступностью.
	best := make(map[string]model.PriceQuote)
	for _, q := range quotes {
		if q.AvailableCount <= 0 {
			continue
		}
		cur, ok := best[q.Provider]
		if !ok || q.CostMinor < cur.CostMinor {
			best[q.Provider] = q
		}
	}

	if len(best) == 0 {
		return nil, nil, fmt.Errorf("%w: no availability for %s", ErrNoProvider, sel.Key())
	}

	var chosen Adapter
	var chosenQuote model.PriceQuote

	for _, a := range r.Enabled() {
		q, ok := best[a.Name()]
		if !ok {
			continue
		}

		if chosen == nil {
			chosen, chosenQuote = a, q
			continue
		}

		switch policy {
		case model.PolicyCheapest:
			if q.CostMinor < chosenQuote.CostMinor {
				chosen, chosenQuote = a, q
			}
		case model.PolicyMostAvailable:
			if q.AvailableCount > chosenQuote.AvailableCount {
				chosen, chosenQuote = a, q
			}
		case model.PolicySuccessRate:
			if q.SuccessRate > chosenQuote.SuccessRate {
				chosen, chosenQuote = a, q
			}
		default:
			return nil, nil, fmt.Errorf("unknown selection policy: %s", policy)
		}
	}

	return chosen, &chosenQuote, nil
}

// ProviderBalance — результат проверки счёта одного провайдера.
type ProviderBalance struct {
	Provider     string `json:"provider"`
	BalanceMinor int64  `json:"balance_minor"`
	Err          string `json:"error,omitempty"`
}

// CheckAllBalances опрашивает счета всех включённых провайдеров.
// Сбой отдельного провайдера фиксируется в результате и не прерывает обход.
func (r *Registry) CheckAllBalances(ctx context.Context) []ProviderBalance {
	enabled := r.Enabled()
	res := make([]ProviderBalance, len(enabled))

	var wg sync.WaitGroup
	for i, a := range enabled {
		wg.Add(1)
		go func(i int, a Adapter) {
			defer wg.Done()

			res[i].Provider = a.Name()
			balance, err := a.GetBalance(ctx)
			if err != nil {
				r.logger.Warn("balance query failed",
					zap.String("provider", a.Name()),
					zap.Error(err),
				)
				res[i].Err = err.Error()
				return
			}
			res[i].BalanceMinor = balance
		}(i, a)
	}
	wg.Wait()

	return res
}
