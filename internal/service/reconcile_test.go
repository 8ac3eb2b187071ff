package service

import (
	"context"
	"testing"
	"time"

	"github.com/mmeshcher/simbroker-system/internal/model"
	"github.com/mmeshcher/simbroker-system/internal/provider"
)

func strptr(s string) *string { return &s }

func TestRefreshStatus_EnrichesOrder(t *testing.T) {
	repo := newFakeRepo()
	userID := seedUser(repo, 0, nil)
	repo.nextOrderID++
	orderID := repo.nextOrderID
	repo.orders[orderID] = &model.Order{
		ID:              orderID,
		UserID:          userID,
		Provider:        "smslive",
		ProviderOrderID: "p-1",
		Status:          model.OrderStatusPending,
		RawStatus:       "PENDING",
	}

	adapter := &stubAdapter{name: "smslive", order: &provider.ProviderOrder{
		ID:        "p-1",
		RawStatus: "RECEIVED",
		Status:    model.OrderStatusActive,
		Activation: model.Activation{
			PhoneNumber: strptr("+79001234567"),
			SMSText:     strptr("1234"),
		},
	}}
	svc := newTestService(repo, adapter)

	got, err := svc.RefreshStatus(context.Background(), orderID)
	if err != nil {
		t.Fatalf("RefreshStatus error: %v", err)
	}

	if got.Status != model.OrderStatusActive || got.RawStatus != "RECEIVED" {
		t.Fatalf("status = %s/%s", got.Status, got.RawStatus)
	}
	if got.Activation.PhoneNumber == nil || *got.Activation.PhoneNumber != "+79001234567" {
		t.Fatalf("phone not enriched: %v", got.Activation.PhoneNumber)
	}
	if got.Activation.SMSText == nil || *got.Activation.SMSText != "1234" {
		t.Fatalf("sms not enriched: %v", got.Activation.SMSText)
	}
}

func TestRefreshStatus_Idempotent(t *testing.T) {
	repo := newFakeRepo()
	userID := seedUser(repo, 0, nil)
	repo.nextOrderID++
	orderID := repo.nextOrderID
	repo.orders[orderID] = &model.Order{
		ID:              orderID,
		UserID:          userID,
		Provider:        "smslive",
		ProviderOrderID: "p-1",
		Status:          model.OrderStatusPending,
	}

	adapter := &stubAdapter{name: "smslive", order: &provider.ProviderOrder{
		ID:         "p-1",
		RawStatus:  "RECEIVED",
		Status:     model.OrderStatusActive,
		Activation: model.Activation{PhoneNumber: strptr("+79001234567")},
	}}
	svc := newTestService(repo, adapter)

	first, err := svc.RefreshStatus(context.Background(), orderID)
	if err != nil {
		t.Fatalf("first refresh: %v", err)
	}
	second, err := svc.RefreshStatus(context.Background(), orderID)
	if err != nil {
		t.Fatalf("second refresh: %v", err)
	}

	if *first != *second {
		t.Fatalf("repeated refresh changed state:\nfirst:  %+v\nsecond: %+v", first, second)
	}
}

func TestRefreshStatus_ActivationNotOverwritten(t *testing.T) {
	repo := newFakeRepo()
	userID := seedUser(repo, 0, nil)
	repo.nextOrderID++
	orderID := repo.nextOrderID
	repo.orders[orderID] = &model.Order{
		ID:              orderID,
		UserID:          userID,
		Provider:        "smslive",
		ProviderOrderID: "p-1",
		Status:          model.OrderStatusActive,
		Activation:      model.Activation{SMSText: strptr("first code")},
	}

	adapter := &stubAdapter{name: "smslive", order: &provider.ProviderOrder{
		ID:         "p-1",
		RawStatus:  "RECEIVED",
		Status:     model.OrderStatusActive,
		Activation: model.Activation{SMSText: strptr("second code")},
	}}
	svc := newTestService(repo, adapter)

	got, err := svc.RefreshStatus(context.Background(), orderID)
	if err != nil {
		t.Fatalf("RefreshStatus error: %v", err)
	}
	if *got.Activation.SMSText != "first code" {
		t.Fatalf("activation overwritten: %q", *got.Activation.SMSText)
	}
}

func TestRefreshStatus_SkipsTerminalOrders(t *testing.T) {
	repo := newFakeRepo()
	userID := seedUser(repo, 0, nil)
	repo.nextOrderID++
	orderID := repo.nextOrderID
	repo.orders[orderID] = &model.Order{
		ID:              orderID,
		UserID:          userID,
		Provider:        "smslive",
		ProviderOrderID: "p-1",
		Status:          model.OrderStatusCompleted,
	}

	adapter := &stubAdapter{name: "smslive"}
	svc := newTestService(repo, adapter)

	got, err := svc.RefreshStatus(context.Background(), orderID)
	if err != nil {
		t.Fatalf("RefreshStatus error: %v", err)
	}
	if got.Status != model.OrderStatusCompleted {
		t.Fatalf("status = %s", got.Status)
	}
	if len(adapter.queryCalls) != 0 {
		t.Fatalf("terminal order queried at provider")
	}
}

func TestRefreshStatus_SkipsOrdersWithoutProviderID(t *testing.T) {
	repo := newFakeRepo()
	userID := seedUser(repo, 0, nil)
	repo.nextOrderID++
	orderID := repo.nextOrderID
	repo.orders[orderID] = &model.Order{
		ID:     orderID,
		UserID: userID,
		Status: model.OrderStatusPending,
	}

	adapter := &stubAdapter{name: "smslive"}
	svc := newTestService(repo, adapter)

	if _, err := svc.RefreshStatus(context.Background(), orderID); err != nil {
		t.Fatalf("RefreshStatus error: %v", err)
	}
	if len(adapter.queryCalls) != 0 {
		t.Fatalf("order without provider id queried at provider")
	}
}

func TestSweepStaleReservations(t *testing.T) {
	repo := newFakeRepo()
	userID := seedUser(repo, 5000, nil)

	// Свежий резерв и резерв старше порога.
	if _, _, err := repo.ReserveDebit(context.Background(), userID, 1000, "fresh"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, _, err := repo.ReserveDebit(context.Background(), userID, 1000, "stale"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	for i := range repo.entries {
		if repo.entries[i].Reference == "stale" {
			repo.entries[i].CreatedAt = time.Now().Add(-time.Hour)
		}
	}

	svc := newTestService(repo, &stubAdapter{name: "smslive"})
	svc.sweepStaleReservations(context.Background())

	if len(repo.manualReview) != 1 || repo.manualReview[0] != "stale" {
		t.Fatalf("manual review marks = %v, want [stale]", repo.manualReview)
	}
	for _, e := range repo.entries {
		if e.Reference == "fresh" && e.Status != model.EntryStatusReserved {
			t.Fatalf("fresh reservation touched: %+v", e)
		}
	}
}

func TestReconcileBatch_RefreshesNonTerminalOrders(t *testing.T) {
	repo := newFakeRepo()
	userID := seedUser(repo, 0, nil)

	repo.nextOrderID++
	pendingID := repo.nextOrderID
	repo.orders[pendingID] = &model.Order{
		ID: pendingID, UserID: userID, Provider: "smslive",
		ProviderOrderID: "p-1", Status: model.OrderStatusPending,
	}

	repo.nextOrderID++
	doneID := repo.nextOrderID
	repo.orders[doneID] = &model.Order{
		ID: doneID, UserID: userID, Provider: "smslive",
		ProviderOrderID: "p-2", Status: model.OrderStatusCompleted,
	}

	adapter := &stubAdapter{name: "smslive", order: &provider.ProviderOrder{
		ID: "p-1", RawStatus: "FINISHED", Status: model.OrderStatusCompleted,
	}}
	svc := newTestService(repo, adapter)

	svc.reconcileBatch(context.Background())

	if len(adapter.queryCalls) != 1 || adapter.queryCalls[0] != "p-1" {
		t.Fatalf("query calls = %v, want [p-1]", adapter.queryCalls)
	}
	if repo.orders[pendingID].Status != model.OrderStatusCompleted {
		t.Fatalf("pending order not reconciled: %s", repo.orders[pendingID].Status)
	}
}
