package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/kirillbelykh/kontur-api/internal/middleware"
)

// SetupRouter настраивает маршруты управляющего API.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.Logger(h.logger))

	r.Get("/ping", h.Ping)

	r.Route("/api", func(r chi.Router) {
		r.Post("/orders", h.SubmitOrders)
		r.Get("/orders", h.GetOrders)
		r.Post("/orders/{id}/retry-download", h.RetryDownload)

		r.Post("/introductions", h.TriggerIntroduction)

		r.Get("/session", h.GetSession)
		r.Get("/history", h.GetHistory)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
