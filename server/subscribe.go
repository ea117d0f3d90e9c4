package server

import (
	"net/http"

	"bulletin-notifier/pkg/bulletin"
	"bulletin-notifier/subscriber"
)

func (s *Server) handleSubscribeForm(w http.ResponseWriter, r *http.Request) {
	s.render(w, http.StatusOK, "subscribe.tmpl", map[string]any{
		"SavedEmail": s.emailCookie(r),
	})
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form data", http.StatusBadRequest)
		return
	}

	addr := bulletin.NormalizeEmail(r.FormValue("email"))
	if !s.validEmail(addr) {
		s.render(w, http.StatusBadRequest, "subscribe.tmpl", map[string]any{
			"SavedEmail": r.FormValue("email"),
			"Error":      "Please enter a valid email address.",
		})
		return
	}

	outcome, _, err := s.registry.Subscribe(r.Context(), addr)
	if err != nil {
		s.logger.Error("Failed to subscribe", "email", addr, "error", err)
		http.Error(w, "Failed to create subscription", http.StatusInternalServerError)
		return
	}

	s.setEmailCookie(w, addr)

	switch outcome {
	case subscriber.AlreadySubscribed:
		s.render(w, http.StatusOK, "already_subscribed.tmpl", map[string]any{"Email": addr})
	default:
		s.logger.Info("Subscription created", "email", addr, "reactivated", outcome == subscriber.Reactivated, "ip", clientIP(r))
		s.render(w, http.StatusOK, "subscribed.tmpl", map[string]any{
			"Email":       addr,
			"Reactivated": outcome == subscriber.Reactivated,
		})
	}
}
