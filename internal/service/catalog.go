package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/mmeshcher/simbroker-system/internal/model"
	"github.com/mmeshcher/simbroker-system/internal/pricing"
	"github.com/mmeshcher/simbroker-system/internal/provider"
)

const (
	catalogPageSize      = 100
	catalogChunkRetries  = 2
	catalogRetryInterval = time.Second
)

// ProgressFunc вызывается между страницами выгрузки каталога. Возврат false
// прерывает выгрузку; накопленное к этому моменту сохраняется.
type ProgressFunc func(fetched, total int) bool

// fetchComplete — явное условие остановки постраничной выгрузки: страница
// короче запрошенной или достигнуто количество, заявленное провайдером.
func fetchComplete(received, requested, offset, total int) bool {
	return received < requested || (total > 0 && offset >= total)
}

// SyncCatalog выгружает каталог провайдера постранично и обновляет локальные
// позиции, пересчитывая цену продажи по текущей конфигурации ценообразования.
// Временный сбой страницы повторяется ограниченное число раз; при
// окончательном сбое возвращается число уже сохранённых позиций вместе
// с ошибкой — частичный результат не отбрасывается.
//
// Полное количество берётся из первой страницы и далее не перепроверяется:
// расхождение на последующих страницах считается особенностью провайдера.
func (s *Service) SyncCatalog(ctx context.Context, providerName string, progress ProgressFunc) (int, error) {
	adapter, err := s.registry.ByName(providerName)
	if err != nil {
		return 0, err
	}

	lister, ok := adapter.(provider.Lister)
	if !ok {
		return 0, fmt.Errorf("provider %s does not support catalog listing", providerName)
	}

	var (
		offset int
		total  int
		synced int
	)

	for {
		var (
			items     []provider.ListedItem
			pageTotal int
		)

		backoff := retry.WithMaxRetries(catalogChunkRetries, retry.NewConstant(catalogRetryInterval))
		err := retry.Do(ctx, backoff, func(ctx context.Context) error {
			var err error
			items, pageTotal, err = lister.ListItems(ctx, offset, catalogPageSize)
			if errors.Is(err, provider.ErrUnavailable) {
				return retry.RetryableError(err)
			}
			return err
		})
		if err != nil {
			return synced, fmt.Errorf("fetch chunk at offset %d: %w", offset, err)
		}

		if offset == 0 {
			total = pageTotal
		}

		for _, it := range items {
			item := &model.CatalogItem{
				Kind:           it.Kind,
				Provider:       providerName,
				ProviderID:     it.Ref,
				Title:          it.Title,
				Country:        it.Country,
				Service:        it.Service,
				WholesaleMinor: it.WholesaleMinor,
				PriceMinor:     pricing.SellingPrice(it.WholesaleMinor, s.pricing),
				MinQuantity:    1,
				MaxQuantity:    1,
			}

			if err := s.repo.UpsertCatalogItem(ctx, item); err != nil {
				s.logger.Warn("catalog item upsert failed",
					zap.String("provider", providerName),
					zap.String("ref", it.Ref),
					zap.Error(err),
				)
				continue
			}
			synced++
		}

		offset += len(items)

		if progress != nil && !progress(offset, total) {
			return synced, nil
		}

		if fetchComplete(len(items), catalogPageSize, offset, total) {
			return synced, nil
		}
	}
}
