// Package service реализует бизнес-логику сервиса симброкер: оркестрацию
// покупок, сверку статусов и синхронизацию каталога.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/simbroker-system/internal/model"
	"github.com/mmeshcher/simbroker-system/internal/pricing"
	"github.com/mmeshcher/simbroker-system/internal/provider"
	"github.com/mmeshcher/simbroker-system/internal/repository"
	"github.com/mmeshcher/simbroker-system/internal/validation"
)

// ErrInconsistentState возвращается, когда компенсация списания не удалась:
// деньги ушли из кошелька без товара и без возврата. Такие случаи
// эскалируются и помечаются для ручной сверки.
var (
	ErrInconsistentState = errors.New("inconsistent wallet state")
	// ErrNotCancellable возвращается при попытке отменить заказ
	// в неподходящем статусе.
	ErrNotCancellable = errors.New("order is not cancellable")
	// ErrForbidden возвращается при обращении к чужому заказу.
	ErrForbidden = errors.New("order belongs to another user")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateUser(ctx context.Context, login string, passwordHash []byte, referrerID *int64) (int64, error)
	GetUserByLogin(ctx context.Context, login string) (*model.User, error)
	GetUser(ctx context.Context, userID int64) (*model.User, error)

	GetCatalogItem(ctx context.Context, itemID int64) (*model.CatalogItem, error)
	UpsertCatalogItem(ctx context.Context, item *model.CatalogItem) error
	GetCountries(ctx context.Context) ([]string, error)

	ReserveDebit(ctx context.Context, userID, amount int64, reference string) (int64, int64, error)
	CommitDebit(ctx context.Context, reference string, orderID *int64) error
	CompensateDebit(ctx context.Context, reference, compReference string) error
	MarkDebitManualReview(ctx context.Context, reference string) error
	CreditWallet(ctx context.Context, userID, amount int64, reference string, orderID *int64) (int64, int64, error)

	CreateOrder(ctx context.Context, o *model.Order) (int64, error)
	GetOrder(ctx context.Context, orderID int64) (*model.Order, error)
	GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error)
	UpdateOrderStatus(ctx context.Context, orderID int64, status model.OrderStatus, rawStatus string) error
	EnrichOrder(ctx context.Context, orderID int64, status model.OrderStatus, rawStatus string, act model.Activation, expiresAt *time.Time) error
	ExtendOrderExpiry(ctx context.Context, orderID int64, expiresAt time.Time) error

	CreateSubscription(ctx context.Context, s *model.Subscription) (int64, error)
	CreateCommission(ctx context.Context, c *model.ReferralCommission, creditReference string) (bool, error)
	CountCommittedPurchases(ctx context.Context, userID int64) (int64, error)

	GetOrdersForReconcile(ctx context.Context, limit int) ([]model.Order, error)
	GetStaleReservations(ctx context.Context, olderThan time.Time) ([]model.LedgerEntry, error)
	GetLedgerByUser(ctx context.Context, userID int64) ([]model.LedgerEntry, error)
}

// Registry описывает контракт реестра провайдеров, используемый сервисом.
type Registry interface {
	GetAggregatedPrices(ctx context.Context, sel provider.Selector) []model.PriceQuote
	SelectBestProvider(ctx context.Context, sel provider.Selector, policy model.SelectionPolicy) (provider.Adapter, *model.PriceQuote, error)
	ByName(name string) (provider.Adapter, error)
	CheckAllBalances(ctx context.Context) []provider.ProviderBalance
}

// Service содержит бизнес-логику сервиса симброкер.
type Service struct {
	repo     Repository
	registry Registry
	pricing  pricing.Config
	logger   *zap.Logger
}

// NewService создаёт новый сервис с указанным репозиторием и реестром провайдеров.
func NewService(repo Repository, registry Registry, pricingCfg pricing.Config, logger *zap.Logger) *Service {
	return &Service{
		repo:     repo,
		registry: registry,
		pricing:  pricingCfg,
		logger:   logger,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterUser регистрирует нового пользователя, при необходимости связывая
// его с реферером.
func (s *Service) RegisterUser(ctx context.Context, login, password string, referrerID *int64) (int64, error) {
	hashed := hashPassword(login, password)
	return s.repo.CreateUser(ctx, login, hashed, referrerID)
}

// AuthenticateUser проверяет логин и пароль пользователя и возвращает его идентификатор.
func (s *Service) AuthenticateUser(ctx context.Context, login, password string) (int64, error) {
	u, err := s.repo.GetUserByLogin(ctx, login)
	if err != nil {
		return 0, err
	}

	hashed := hashPassword(login, password)
	if hex.EncodeToString(hashed) != hex.EncodeToString(u.PasswordHash) {
		return 0, errors.New("invalid credentials")
	}

	return u.ID, nil
}

func hashPassword(login, password string) []byte {
	sum := sha256.Sum256([]byte(login + ":" + password))
	return sum[:]
}

// PurchaseRequest описывает запрос на покупку.
type PurchaseRequest struct {
	UserID   int64
	ItemID   int64
	Quantity int64
	// Link — целевая ссылка для SMM-заказов.
	Link string
	// Policy задаёт правило выбора провайдера. Пустое значение означает
	// провайдера, к которому привязана позиция каталога.
	Policy model.SelectionPolicy
}

// Purchase выполняет сагу покупки: проверка позиции и количества, быстрая
// проверка баланса, резервирование списания, создание заказа у провайдера,
// затем подтверждение списания или компенсация. Покупка либо полностью
// успешна (товар выдан, кошелёк списан), либо полностью неуспешна
// (кошелёк не изменился).
func (s *Service) Purchase(ctx context.Context, req PurchaseRequest) (*model.Order, error) {
	item, err := s.repo.GetCatalogItem(ctx, req.ItemID)
	if err != nil {
		if errors.Is(err, repository.ErrItemNotFound) {
			return nil, fmt.Errorf("%w: item %d", validation.ErrValidation, req.ItemID)
		}
		return nil, err
	}

	if err := validation.CheckItem(item); err != nil {
		return nil, err
	}

	quantity := req.Quantity
	if quantity == 0 {
		quantity = 1
	}
	if err := validation.CheckQuantity(item, quantity); err != nil {
		return nil, err
	}

	// Цена берётся из каталога, зафиксированная при синхронизации,
	// и не перечитывается у провайдера.
	price := pricing.TotalPrice(item.PriceMinor, quantity)

	adapter, itemRef, err := s.resolveAdapter(ctx, item, req.Policy)
	if err != nil {
		return nil, err
	}

	// Быстрый отказ без побочных эффектов; баланс будет перечитан
	// ещё раз под блокировкой при списании.
	user, err := s.repo.GetUser(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if user.BalanceMinor < price {
		return nil, repository.ErrInsufficientBalance
	}

	reference := uuid.NewString()

	if _, _, err := s.repo.ReserveDebit(ctx, req.UserID, price, reference); err != nil {
		return nil, err
	}

	po, err := adapter.CreateOrder(ctx, provider.OrderRequest{
		ItemRef:   itemRef,
		Quantity:  quantity,
		Reference: reference,
		Link:      req.Link,
	})
	if err != nil {
		return nil, s.compensate(ctx, reference, err)
	}

	order := &model.Order{
		UserID:          req.UserID,
		Kind:            item.Kind,
		Provider:        adapter.Name(),
		ProviderOrderID: po.ID,
		ItemID:          item.ID,
		Title:           item.Title,
		PriceMinor:      price,
		Quantity:        quantity,
		Status:          po.Status,
		RawStatus:       po.RawStatus,
		Activation:      po.Activation,
		ExpiresAt:       po.ExpiresAt,
		Reference:       reference,
	}

	orderID, err := s.repo.CreateOrder(ctx, order)
	if err != nil {
		// Заказ у провайдера создан, но локально не сохранён.
		// Списание остаётся зарезервированным, его подберёт фоновая сверка.
		s.logger.Error("order persisted on provider but not locally",
			zap.String("reference", reference),
			zap.String("provider", adapter.Name()),
			zap.String("provider_order_id", po.ID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %v", ErrInconsistentState, err)
	}
	order.ID = orderID

	if err := s.repo.CommitDebit(ctx, reference, &orderID); err != nil {
		s.logger.Error("commit debit failed, reservation left for sweep",
			zap.String("reference", reference),
			zap.Int64("order_id", orderID),
			zap.Error(err),
		)
		return order, nil
	}

	// Комиссия начисляется только после окончательного списания
	// и никогда при неуспешной покупке.
	s.awardCommission(ctx, user, price, reference)

	return order, nil
}

// resolveAdapter выбирает адаптер для покупки. По умолчанию используется
// провайдер позиции каталога; при заданной политике выбор делегируется
// реестру, и позиция провайдера берётся из его предложения.
func (s *Service) resolveAdapter(ctx context.Context, item *model.CatalogItem, policy model.SelectionPolicy) (provider.Adapter, string, error) {
	if policy == "" {
		a, err := s.registry.ByName(item.Provider)
		if err != nil {
			return nil, "", err
		}
		return a, item.ProviderID, nil
	}

	sel := provider.Selector{Kind: item.Kind, Country: item.Country, Service: item.Service}

	a, quote, err := s.registry.SelectBestProvider(ctx, sel, policy)
	if err != nil {
		return nil, "", err
	}

	itemRef := item.ProviderID
	if quote != nil {
		itemRef = quote.ItemRef
	}

	return a, itemRef, nil
}

// compensate возвращает пользователю списанную сумму после неуспешного
// удалённого вызова. Неуспех самой компенсации — критическое событие:
// оно эскалируется, а списание помечается для ручной сверки.
func (s *Service) compensate(ctx context.Context, reference string, cause error) error {
	if err := s.repo.CompensateDebit(ctx, reference, uuid.NewString()); err != nil {
		s.logger.Error("compensation failed: wallet debited with no good and no refund",
			zap.String("reference", reference),
			zap.NamedError("purchase_error", cause),
			zap.Error(err),
		)

		if markErr := s.repo.MarkDebitManualReview(ctx, reference); markErr != nil {
			s.logger.Error("failed to flag debit for manual review",
				zap.String("reference", reference),
				zap.Error(markErr),
			)
		}

		return fmt.Errorf("%w: %v (purchase failed: %v)", ErrInconsistentState, err, cause)
	}

	return fmt.Errorf("purchase failed, wallet restored: %w", cause)
}

// Ставки комиссии по числу окончательных покупок приглашённого.
func commissionRate(purchases int64) int64 {
	switch {
	case purchases <= 10:
		return 10
	case purchases <= 50:
		return 5
	default:
		return 3
	}
}

// awardCommission начисляет реферальную комиссию по завершённому списанию.
// Сбой начисления не влияет на результат покупки.
func (s *Service) awardCommission(ctx context.Context, user *model.User, price int64, reference string) {
	if user.ReferrerID == nil {
		return
	}

	purchases, err := s.repo.CountCommittedPurchases(ctx, user.ID)
	if err != nil {
		s.logger.Warn("failed to count purchases for commission",
			zap.Int64("user_id", user.ID), zap.Error(err))
		return
	}

	rate := commissionRate(purchases)
	amount := price * rate / 100
	if amount <= 0 {
		return
	}

	created, err := s.repo.CreateCommission(ctx, &model.ReferralCommission{
		ReferrerID:  *user.ReferrerID,
		RefereeID:   user.ID,
		Reference:   reference,
		RatePercent: rate,
		AmountMinor: amount,
	}, uuid.NewString())
	if err != nil {
		s.logger.Warn("failed to create referral commission",
			zap.String("reference", reference), zap.Error(err))
		return
	}

	if created {
		s.logger.Info("referral commission awarded",
			zap.Int64("referrer_id", *user.ReferrerID),
			zap.Int64("referee_id", user.ID),
			zap.Int64("amount", amount),
		)
	}
}

// TopUp докупает пакет для существующего заказа (например, трафик для eSIM).
// Сага та же, что и при покупке, но успешный исход создаёт подчинённую
// запись и продлевает срок действия родительского заказа, если новый срок
// позже текущего.
func (s *Service) TopUp(ctx context.Context, userID, orderID, itemID int64) (*model.Subscription, error) {
	parent, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if parent.UserID != userID {
		return nil, ErrForbidden
	}

	item, err := s.repo.GetCatalogItem(ctx, itemID)
	if err != nil {
		if errors.Is(err, repository.ErrItemNotFound) {
			return nil, fmt.Errorf("%w: item %d", validation.ErrValidation, itemID)
		}
		return nil, err
	}
	if err := validation.CheckItem(item); err != nil {
		return nil, err
	}
	if item.Kind != model.ItemKindESIMTopup {
		return nil, fmt.Errorf("%w: item %d is not a top-up package", validation.ErrValidation, itemID)
	}
	if item.Provider != parent.Provider {
		return nil, fmt.Errorf("%w: top-up provider mismatch", validation.ErrValidation)
	}

	adapter, err := s.registry.ByName(parent.Provider)
	if err != nil {
		return nil, err
	}

	user, err := s.repo.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	price := item.PriceMinor
	if user.BalanceMinor < price {
		return nil, repository.ErrInsufficientBalance
	}

	reference := uuid.NewString()

	if _, _, err := s.repo.ReserveDebit(ctx, userID, price, reference); err != nil {
		return nil, err
	}

	po, err := adapter.CreateOrder(ctx, provider.OrderRequest{
		ItemRef:   item.ProviderID,
		Quantity:  1,
		Reference: reference,
	})
	if err != nil {
		return nil, s.compensate(ctx, reference, err)
	}

	sub := &model.Subscription{
		OrderID:         parent.ID,
		ItemID:          item.ID,
		ProviderOrderID: po.ID,
		PriceMinor:      price,
		ExpiresAt:       po.ExpiresAt,
	}

	subID, err := s.repo.CreateSubscription(ctx, sub)
	if err != nil {
		s.logger.Error("top-up persisted on provider but not locally",
			zap.String("reference", reference),
			zap.Int64("order_id", parent.ID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %v", ErrInconsistentState, err)
	}
	sub.ID = subID

	if po.ExpiresAt != nil {
		if err := s.repo.ExtendOrderExpiry(ctx, parent.ID, *po.ExpiresAt); err != nil {
			s.logger.Warn("failed to extend order expiry",
				zap.Int64("order_id", parent.ID), zap.Error(err))
		}
	}

	if err := s.repo.CommitDebit(ctx, reference, &parent.ID); err != nil {
		s.logger.Error("commit debit failed, reservation left for sweep",
			zap.String("reference", reference), zap.Error(err))
		return sub, nil
	}

	s.awardCommission(ctx, user, price, reference)

	return sub, nil
}

// RefundResult описывает результат отмены заказа.
type RefundResult struct {
	Reference   string
	AmountMinor int64
}

// Cancel отменяет заказ. Возврат выполняется только если провайдер
// подтвердил отмену; при отказе провайдера кошелёк и заказ не меняются.
func (s *Service) Cancel(ctx context.Context, userID, orderID int64) (*RefundResult, error) {
	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, ErrForbidden
	}
	if !order.Status.Cancellable() {
		return nil, fmt.Errorf("%w: status %s", ErrNotCancellable, order.Status)
	}

	adapter, err := s.registry.ByName(order.Provider)
	if err != nil {
		return nil, err
	}

	if err := adapter.CancelOrder(ctx, order.ProviderOrderID); err != nil {
		return nil, fmt.Errorf("provider cancel failed: %w", err)
	}

	reference := uuid.NewString()
	if _, _, err := s.repo.CreditWallet(ctx, userID, order.PriceMinor, reference, &order.ID); err != nil {
		s.logger.Error("provider cancelled but refund credit failed",
			zap.Int64("order_id", order.ID), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrInconsistentState, err)
	}

	if err := s.repo.UpdateOrderStatus(ctx, order.ID, model.OrderStatusRefunded, order.RawStatus); err != nil {
		s.logger.Warn("failed to mark order refunded",
			zap.Int64("order_id", order.ID), zap.Error(err))
	}

	return &RefundResult{Reference: reference, AmountMinor: order.PriceMinor}, nil
}

// GetPrices возвращает агрегированные предложения провайдеров по селектору.
func (s *Service) GetPrices(ctx context.Context, sel provider.Selector) []model.PriceQuote {
	return s.registry.GetAggregatedPrices(ctx, sel)
}

// GetCountries возвращает список стран активного каталога.
func (s *Service) GetCountries(ctx context.Context) ([]string, error) {
	return s.repo.GetCountries(ctx)
}

// GetBalance возвращает баланс пользователя.
func (s *Service) GetBalance(ctx context.Context, userID int64) (*model.Balance, error) {
	u, err := s.repo.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &model.Balance{Current: float64(u.BalanceMinor) / 100}, nil
}

// GetOrdersByUser возвращает заказы пользователя.
func (s *Service) GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error) {
	return s.repo.GetOrdersByUser(ctx, userID)
}

// GetOrderForUser возвращает заказ, проверяя владельца.
func (s *Service) GetOrderForUser(ctx context.Context, userID, orderID int64) (*model.Order, error) {
	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, ErrForbidden
	}
	return order, nil
}

// GetLedgerByUser возвращает журнал операций пользователя.
func (s *Service) GetLedgerByUser(ctx context.Context, userID int64) ([]model.LedgerEntry, error) {
	return s.repo.GetLedgerByUser(ctx, userID)
}

// CheckProviderBalances возвращает остатки на счетах всех провайдеров.
func (s *Service) CheckProviderBalances(ctx context.Context) []provider.ProviderBalance {
	return s.registry.CheckAllBalances(ctx)
}
