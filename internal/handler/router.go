package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	custommiddleware "github.com/mmeshcher/bookmarket-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса букмаркет.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Post("/user/register", h.Register)
		r.Post("/user/login", h.Login)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Get("/cart", h.GetCart)
			r.Delete("/cart", h.ClearCart)
			r.Post("/cart/items", h.AddItem)
			r.Delete("/cart/items/{itemID}", h.RemoveItem)
			r.Post("/cart/coupon", h.ApplyCoupon)
			r.Post("/cart/checkout", h.Checkout)

			r.Get("/purchases", h.GetPurchases)

			r.Group(func(r chi.Router) {
				r.Use(h.authMiddleware.RequireAdmin)

				r.Post("/coupons", h.CreateCoupon)
				r.Post("/purchases/{purchaseID}/confirm", h.ConfirmPurchase)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
