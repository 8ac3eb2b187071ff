package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/mmeshcher/simbroker-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса симброкер.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.Logger(h.logger))

	r.Get("/api/prices", h.GetPrices)
	r.Get("/api/countries", h.GetCountries)

	r.Route("/api/user", func(r chi.Router) {
		r.Post("/register", h.Register)
		r.Post("/login", h.Login)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/purchase", h.Purchase)

			r.Get("/orders", h.GetOrders)
			r.Get("/orders/{orderID}", h.GetOrder)
			r.Post("/orders/{orderID}/refresh", h.RefreshOrder)
			r.Post("/orders/{orderID}/cancel", h.CancelOrder)
			r.Post("/orders/{orderID}/topup", h.TopUpOrder)

			r.Get("/balance", h.GetBalance)
			r.Get("/ledger", h.GetLedger)
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)
		r.Get("/api/providers/balances", h.ProviderBalances)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
