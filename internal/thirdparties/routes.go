package thirdparties

import "github.com/go-chi/chi/v5"

// MountRoutes registers the third party screens. Reads are open to every
// role; writes need CanModify and deletes CanDelete.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.List)
	r.Get("/{id}", h.Show)
	r.Group(func(r chi.Router) {
		r.Use(h.requireModify)
		r.Get("/new", h.ShowForm)
		r.Post("/", h.Create)
		r.Get("/{id}/edit", h.ShowEditForm)
		r.Post("/{id}/edit", h.Update)
	})
	r.With(h.requireDelete).Post("/{id}/delete", h.Delete)
}
