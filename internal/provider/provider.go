// Package provider содержит адаптеры внешних провайдеров и реестр,
// агрегирующий их предложения.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mmeshcher/simbroker-system/internal/model"
	"github.com/mmeshcher/simbroker-system/internal/remote"
)

// ErrUnavailable возвращается при временном сбое провайдера: вызов можно
// повторить или выбрать другого провайдера.
var (
	ErrUnavailable = errors.New("provider unavailable")
	// ErrRejected возвращается при постоянном отказе провайдера: повтор
	// с тем же провайдером бессмыслен.
	ErrRejected = errors.New("provider rejected request")
)

// Selector описывает запрос доступности: тип товара и, при необходимости,
// страна и сервис.
type Selector struct {
	Kind    model.ItemKind
	Country string
	Service string
}

// Key возвращает строковый ключ селектора для кэширования.
func (s Selector) Key() string {
	return fmt.Sprintf("%s|%s|%s", s.Kind, s.Country, s.Service)
}

// OrderRequest описывает запрос на создание заказа у провайдера.
type OrderRequest struct {
	// ItemRef — идентификатор позиции в терминах провайдера.
	ItemRef  string
	Quantity int64
	// Reference — ключ идемпотентности, совпадает со ссылкой записи журнала.
	Reference string
	// Link — целевая ссылка для SMM-заказов.
	Link string
}

// ProviderOrder — нормализованное представление заказа на стороне провайдера.
type ProviderOrder struct {
	ID         string
	RawStatus  string
	Status     model.OrderStatus
	Activation model.Activation
	ExpiresAt  *time.Time
}

// ListedItem — позиция каталога провайдера при постраничной выгрузке.
type ListedItem struct {
	Ref            string
	Title          string
	Country        string
	Service        string
	WholesaleMinor int64
	Kind           model.ItemKind
}

// Adapter приводит API конкретного провайдера к общему набору возможностей.
// Любой метод может завершиться ErrUnavailable (временный сбой) или
// ErrRejected (постоянный отказ).
type Adapter interface {
	Name() string
	// Enabled сообщает, настроен ли адаптер. Отключённые адаптеры
	// не участвуют в агрегации.
	Enabled() bool
	GetAvailability(ctx context.Context, sel Selector) ([]model.PriceQuote, error)
	CreateOrder(ctx context.Context, req OrderRequest) (*ProviderOrder, error)
	QueryOrder(ctx context.Context, providerOrderID string) (*ProviderOrder, error)
	CancelOrder(ctx context.Context, providerOrderID string) error
	// GetBalance возвращает остаток средств на счёте у провайдера
	// в минорных единицах.
	GetBalance(ctx context.Context) (int64, error)
	// MapStatus отображает провайдерский статус во внутренний.
	// Неизвестный статус отображается в PENDING, никогда в завершённый.
	MapStatus(raw string) model.OrderStatus
}

// Lister постранично выгружает каталог провайдера. Реализуется адаптерами,
// чей провайдер поддерживает выборку по offset/limit с общим количеством.
type Lister interface {
	ListItems(ctx context.Context, offset, limit int) ([]ListedItem, int, error)
}

// classify переводит результат удалённого вызова в ошибку адаптера.
func classify(res *remote.Result, err error) error {
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if res.Success {
		return nil
	}
	if res.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: status %d: %s", ErrUnavailable, res.StatusCode, res.Message)
	}
	return fmt.Errorf("%w: status %d: %s", ErrRejected, res.StatusCode, res.Message)
}

// toMinor переводит десятичную цену провайдера в минорные единицы.
func toMinor(v float64) int64 {
	if v < 0 {
		return 0
	}
	return int64(v*100 + 0.5)
}
