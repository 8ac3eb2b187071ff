package service

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/mmeshcher/simbroker-system/internal/model"
	"github.com/mmeshcher/simbroker-system/internal/provider"
)

// listerAdapter — адаптер с постраничной выгрузкой каталога. Временные сбои
// задаются по номеру вызова, чтобы проверить повтор страницы.
type listerAdapter struct {
	stubAdapter

	pages      [][]provider.ListedItem
	total      int
	failCalls  map[int]error
	callNumber int
}

func (a *listerAdapter) ListItems(ctx context.Context, offset, limit int) ([]provider.ListedItem, int, error) {
	a.callNumber++
	if err := a.failCalls[a.callNumber]; err != nil {
		return nil, 0, err
	}

	page := offset / limit
	if page >= len(a.pages) {
		return nil, a.total, nil
	}
	return a.pages[page], a.total, nil
}

func listedItems(prefix string, n int) []provider.ListedItem {
	items := make([]provider.ListedItem, n)
	for i := range items {
		items[i] = provider.ListedItem{
			Ref:            fmt.Sprintf("%s-%d", prefix, i),
			Title:          fmt.Sprintf("Package %s %d", prefix, i),
			Country:        "ru",
			WholesaleMinor: 1000,
			Kind:           model.ItemKindESIM,
		}
	}
	return items
}

func TestFetchComplete(t *testing.T) {
	tests := []struct {
		name      string
		received  int
		requested int
		offset    int
		total     int
		want      bool
	}{
		{"short page stops", 40, 100, 240, 0, true},
		{"full page continues", 100, 100, 100, 0, false},
		{"total reached stops", 100, 100, 200, 200, true},
		{"total not reached continues", 100, 100, 100, 200, false},
		{"unknown total ignores offset", 100, 100, 500, 0, false},
		{"empty page stops", 0, 100, 200, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := fetchComplete(tt.received, tt.requested, tt.offset, tt.total); got != tt.want {
				t.Fatalf("fetchComplete(%d, %d, %d, %d) = %v, want %v",
					tt.received, tt.requested, tt.offset, tt.total, got, tt.want)
			}
		})
	}
}

func TestSyncCatalog_MultiPage(t *testing.T) {
	repo := newFakeRepo()

	adapter := &listerAdapter{
		stubAdapter: stubAdapter{name: "esimfox"},
		pages: [][]provider.ListedItem{
			listedItems("a", 100),
			listedItems("b", 100),
			listedItems("c", 40),
		},
		total: 240,
	}
	svc := newTestService(repo, &adapter.stubAdapter)
	svc.registry = &stubRegistry{adapter: adapter}

	synced, err := svc.SyncCatalog(context.Background(), "esimfox", nil)
	if err != nil {
		t.Fatalf("SyncCatalog error: %v", err)
	}

	if synced != 240 {
		t.Fatalf("synced = %d, want 240", synced)
	}
	if len(repo.items) != 240 {
		t.Fatalf("catalog items = %d, want 240", len(repo.items))
	}

	// Цена продажи пересчитана из закупочной: 1000 × 1 × 1.3.
	for _, it := range repo.items {
		if it.PriceMinor != 1300 {
			t.Fatalf("item %s price = %d, want 1300", it.ProviderID, it.PriceMinor)
		}
		if it.Provider != "esimfox" {
			t.Fatalf("item provider = %s", it.Provider)
		}
	}
}

func TestSyncCatalog_RetriesTransientChunkFailure(t *testing.T) {
	repo := newFakeRepo()

	adapter := &listerAdapter{
		stubAdapter: stubAdapter{name: "esimfox"},
		pages: [][]provider.ListedItem{
			listedItems("a", 100),
			listedItems("b", 40),
		},
		total: 140,
		// Первый запрос второй страницы падает временно, повтор удаётся.
		failCalls: map[int]error{2: provider.ErrUnavailable},
	}
	svc := newTestService(repo, &adapter.stubAdapter)
	svc.registry = &stubRegistry{adapter: adapter}

	synced, err := svc.SyncCatalog(context.Background(), "esimfox", nil)
	if err != nil {
		t.Fatalf("SyncCatalog error: %v", err)
	}
	if synced != 140 {
		t.Fatalf("synced = %d, want 140", synced)
	}
}

func TestSyncCatalog_PartialResultOnPermanentFailure(t *testing.T) {
	repo := newFakeRepo()

	adapter := &listerAdapter{
		stubAdapter: stubAdapter{name: "esimfox"},
		pages: [][]provider.ListedItem{
			listedItems("a", 100),
			listedItems("b", 40),
		},
		total: 140,
		// Постоянный отказ второй страницы: повторов не будет.
		failCalls: map[int]error{2: provider.ErrRejected},
	}
	svc := newTestService(repo, &adapter.stubAdapter)
	svc.registry = &stubRegistry{adapter: adapter}

	synced, err := svc.SyncCatalog(context.Background(), "esimfox", nil)
	if err == nil {
		t.Fatalf("expected error on permanent chunk failure")
	}
	if !errors.Is(err, provider.ErrRejected) {
		t.Fatalf("err = %v, want ErrRejected in chain", err)
	}

	// Частичный результат сохранён, а не отброшен.
	if synced != 100 {
		t.Fatalf("synced = %d, want 100", synced)
	}
	if len(repo.items) != 100 {
		t.Fatalf("catalog items = %d, want 100", len(repo.items))
	}
}

func TestSyncCatalog_ProgressAbort(t *testing.T) {
	repo := newFakeRepo()

	adapter := &listerAdapter{
		stubAdapter: stubAdapter{name: "esimfox"},
		pages: [][]provider.ListedItem{
			listedItems("a", 100),
			listedItems("b", 100),
			listedItems("c", 100),
		},
		total: 300,
	}
	svc := newTestService(repo, &adapter.stubAdapter)
	svc.registry = &stubRegistry{adapter: adapter}

	synced, err := svc.SyncCatalog(context.Background(), "esimfox", func(fetched, total int) bool {
		return fetched < 200
	})
	if err != nil {
		t.Fatalf("SyncCatalog error: %v", err)
	}
	if synced != 200 {
		t.Fatalf("synced = %d, want 200 (aborted by progress)", synced)
	}
}

func TestSyncCatalog_ProviderWithoutListing(t *testing.T) {
	repo := newFakeRepo()
	adapter := &stubAdapter{name: "smmbox"}
	svc := newTestService(repo, adapter)

	if _, err := svc.SyncCatalog(context.Background(), "smmbox", nil); err == nil {
		t.Fatalf("expected error for provider without catalog listing")
	}
}
