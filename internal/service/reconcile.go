package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/simbroker-system/internal/model"
)

const (
	reconcileBatchSize = 100
	// staleReservationAge — возраст, после которого зарезервированное
	// списание считается оборванной сагой.
	staleReservationAge = 15 * time.Minute
)

// RefreshStatus заново опрашивает провайдера по заказу, отображает статус
// и дозаполняет данные активации. Повторный вызов без изменений на стороне
// провайдера не меняет локальное состояние.
func (s *Service) RefreshStatus(ctx context.Context, orderID int64) (*model.Order, error) {
	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if order.Status.Terminal() || order.ProviderOrderID == "" {
		return order, nil
	}

	adapter, err := s.registry.ByName(order.Provider)
	if err != nil {
		return nil, err
	}

	po, err := adapter.QueryOrder(ctx, order.ProviderOrderID)
	if err != nil {
		return nil, err
	}

	if err := s.repo.EnrichOrder(ctx, order.ID, po.Status, po.RawStatus, po.Activation, po.ExpiresAt); err != nil {
		return nil, err
	}

	return s.repo.GetOrder(ctx, order.ID)
}

// StartReconciler запускает фоновую сверку: периодический опрос провайдеров
// по незавершённым заказам и поиск оборванных саг.
func (s *Service) StartReconciler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.reconcileBatch(ctx)
				s.sweepStaleReservations(ctx)
			}
		}
	}()
}

func (s *Service) reconcileBatch(ctx context.Context) {
	orders, err := s.repo.GetOrdersForReconcile(ctx, reconcileBatchSize)
	if err != nil {
		s.logger.Warn("reconcile batch query failed", zap.Error(err))
		return
	}

	for _, o := range orders {
		if _, err := s.RefreshStatus(ctx, o.ID); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			s.logger.Warn("order refresh failed",
				zap.Int64("order_id", o.ID),
				zap.String("provider", o.Provider),
				zap.Error(err),
			)
		}
	}
}

// sweepStaleReservations находит списания, застрявшие в состоянии RESERVED:
// сага была оборвана между списанием и подтверждением. Они помечаются для
// ручной сверки и эскалируются, поскольку нарушают инвариант кошелька.
func (s *Service) sweepStaleReservations(ctx context.Context) {
	entries, err := s.repo.GetStaleReservations(ctx, time.Now().Add(-staleReservationAge))
	if err != nil {
		s.logger.Warn("stale reservation query failed", zap.Error(err))
		return
	}

	for _, e := range entries {
		s.logger.Error("stale debit reservation: wallet debited with no confirmed outcome",
			zap.String("reference", e.Reference),
			zap.Int64("user_id", e.UserID),
			zap.Int64("amount", e.AmountMinor),
			zap.Time("created_at", e.CreatedAt),
		)

		if err := s.repo.MarkDebitManualReview(ctx, e.Reference); err != nil {
			s.logger.Error("failed to flag stale reservation",
				zap.String("reference", e.Reference), zap.Error(err))
		}
	}
}
