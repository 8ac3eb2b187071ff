// Package model содержит доменные сущности сервиса симброкер.
package model

import "time"

// User представляет зарегистрированного пользователя с предоплаченным кошельком.
type User struct {
	ID           int64
	Login        string
	PasswordHash []byte
	// BalanceMinor — баланс кошелька в минорных единицах (копейках).
	BalanceMinor int64
	// ReferrerID указывает на пригласившего пользователя, если он есть.
	ReferrerID *int64
	CreatedAt  time.Time
}

// ItemKind описывает тип товара каталога.
type ItemKind string

const (
	ItemKindNumber    ItemKind = "number"
	ItemKindESIM      ItemKind = "esim"
	ItemKindESIMTopup ItemKind = "esim_topup"
	ItemKindSMM       ItemKind = "smm"
)

// CatalogItem описывает единицу каталога, синхронизированную с провайдером.
// Цена продажи фиксируется при синхронизации и не перечитывается у провайдера
// в момент покупки.
type CatalogItem struct {
	ID         int64
	Kind       ItemKind
	Provider   string
	ProviderID string
	Title      string
	Country    string
	Service    string
	// WholesaleMinor — закупочная цена в минорных единицах валюты провайдера.
	WholesaleMinor int64
	// PriceMinor — цена продажи в минорных единицах (wholesale × курс × наценка).
	PriceMinor int64
	// MinQuantity и MaxQuantity ограничивают количество для товаров с
	// поштучной ценой (SMM). Для остальных товаров равны 1.
	MinQuantity int64
	MaxQuantity int64
	Active      bool
	SyncedAt    time.Time
}

// EntryDirection описывает направление движения средств по кошельку.
type EntryDirection string

const (
	EntryDirectionDebit  EntryDirection = "DEBIT"
	EntryDirectionCredit EntryDirection = "CREDIT"
)

// EntryStatus описывает состояние записи журнала в рамках саги покупки.
type EntryStatus string

const (
	// EntryStatusReserved — списание выполнено, удалённая покупка ещё не подтверждена.
	EntryStatusReserved EntryStatus = "RESERVED"
	// EntryStatusCommitted — удалённая покупка подтверждена, списание окончательное.
	EntryStatusCommitted EntryStatus = "COMMITTED"
	// EntryStatusCompensated — удалённая покупка не состоялась, выполнен возврат.
	EntryStatusCompensated EntryStatus = "COMPENSATED"
	// EntryStatusManualReview — компенсация не удалась, требуется ручная сверка.
	EntryStatusManualReview EntryStatus = "MANUAL_REVIEW"
)

// LedgerEntry — неизменяемая запись журнала операций кошелька.
type LedgerEntry struct {
	ID            int64
	UserID        int64
	Direction     EntryDirection
	AmountMinor   int64
	BalanceBefore int64
	BalanceAfter  int64
	Status        EntryStatus
	// Reference — глобально уникальный идентификатор операции. Используется
	// как ключ идемпотентности в сторону провайдера и платёжного шлюза.
	Reference string
	OrderID   *int64
	CreatedAt time.Time
}

// OrderStatus описывает внутренний статус заказа.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "PENDING"
	OrderStatusProcessing OrderStatus = "PROCESSING"
	OrderStatusActive     OrderStatus = "ACTIVE"
	OrderStatusCompleted  OrderStatus = "COMPLETED"
	OrderStatusCancelled  OrderStatus = "CANCELLED"
	OrderStatusRefunded   OrderStatus = "REFUNDED"
	OrderStatusExpired    OrderStatus = "EXPIRED"
	OrderStatusFailed     OrderStatus = "FAILED"
)

// Terminal сообщает, является ли статус терминальным: такие заказы
// не опрашиваются при сверке.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusCompleted, OrderStatusCancelled, OrderStatusRefunded,
		OrderStatusExpired, OrderStatusFailed:
		return true
	}
	return false
}

// Cancellable сообщает, допускает ли статус отмену заказа пользователем.
func (s OrderStatus) Cancellable() bool {
	return s == OrderStatusPending || s == OrderStatusProcessing
}

// Activation содержит данные активации купленного товара. Поля заполняются
// по мере поступления от провайдера и после заполнения не перезаписываются.
type Activation struct {
	PhoneNumber *string
	SMSText     *string
	SMDPAddress *string
	MatchingID  *string
	QRPayload   *string
}

// Order представляет купленный товар. Внутренний статус хранится отдельно
// от провайдерского: провайдерский сохраняется дословно для аудита и
// заново отображается во внутренний при каждой сверке.
type Order struct {
	ID       int64
	UserID   int64
	Kind     ItemKind
	Provider string
	// ProviderOrderID — идентификатор транзакции на стороне провайдера.
	ProviderOrderID string
	ItemID          int64
	Title           string
	// PriceMinor — цена, уплаченная при покупке (снимок каталога).
	PriceMinor int64
	Quantity   int64
	Status     OrderStatus
	// RawStatus — статус провайдера дословно, без отображения.
	RawStatus  string
	Activation Activation
	ExpiresAt  *time.Time
	// Reference — ссылка на запись журнала, оплатившую заказ.
	Reference string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Subscription — подчинённая запись о пополнении существующего заказа
// (например, докупка трафика для eSIM).
type Subscription struct {
	ID              int64
	OrderID         int64
	ItemID          int64
	ProviderOrderID string
	PriceMinor      int64
	ExpiresAt       *time.Time
	CreatedAt       time.Time
}

// ReferralCommission — комиссия реферера, производная от завершённого
// списания. Создаётся не более одного раза на операцию.
type ReferralCommission struct {
	ID          int64
	ReferrerID  int64
	RefereeID   int64
	Reference   string
	RatePercent int64
	AmountMinor int64
	CreatedAt   time.Time
}

// Balance содержит баланс пользователя в рублях для выдачи наружу.
type Balance struct {
	Current float64 `json:"current"`
}

// PriceQuote — нормализованное предложение одного провайдера по запросу
// доступности.
type PriceQuote struct {
	Provider string
	// ItemRef — идентификатор позиции в терминах провайдера.
	ItemRef string
	// CostMinor — закупочная цена в минорных единицах.
	CostMinor int64
	// AvailableCount — сколько единиц провайдер готов отдать сейчас.
	AvailableCount int64
	// SuccessRate — доля успешных выдач по данным провайдера, 0..100.
	SuccessRate float64
}

// SelectionPolicy задаёт правило выбора провайдера среди кандидатов.
type SelectionPolicy string

const (
	PolicyCheapest      SelectionPolicy = "cheapest"
	PolicyMostAvailable SelectionPolicy = "most_available"
	PolicySuccessRate   SelectionPolicy = "success_rate"
	PolicyDefault       SelectionPolicy = "default"
)
