// Package pricing содержит расчёт цены продажи из закупочной цены провайдера.
package pricing

import "math"

// Config содержит параметры ценообразования. Значение передаётся явно,
// а не читается из глобального состояния: при смене курса или наценки
// цены каталога пересчитываются заново.
type Config struct {
	// FXRate — курс пересчёта валюты провайдера в локальную валюту.
	FXRate float64
	// MarkupPercent — торговая наценка в процентах.
	MarkupPercent float64
}

// SellingPrice вычисляет цену продажи в минорных единицах:
// wholesale × курс × (1 + наценка/100), с округлением до ближайшей единицы.
func SellingPrice(wholesaleMinor int64, cfg Config) int64 {
	if wholesaleMinor <= 0 {
		return 0
	}

	price := float64(wholesaleMinor) * cfg.FXRate * (1 + cfg.MarkupPercent/100)
	return int64(math.Round(price))
}

// TotalPrice вычисляет итоговую цену заказа для товаров с поштучной ценой.
func TotalPrice(priceMinor, quantity int64) int64 {
	if quantity < 1 {
		quantity = 1
	}
	return priceMinor * quantity
}
