package server

import (
	"errors"
	"net/http"

	"bulletin-notifier/subscriber"
)

func (s *Server) handleUnsubscribeConfirm(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")

	_, sub, err := s.registry.Resolve(r.Context(), token)
	switch {
	case errors.Is(err, subscriber.ErrInvalidToken):
		s.renderInvalidLink(w)
		return
	case errors.Is(err, subscriber.ErrMalformed):
		// Still confirmable; the POST removes the broken record.
	case err != nil:
		s.logger.Error("Failed to resolve unsubscribe token", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	data := map[string]any{"Token": token}
	if sub != nil {
		data["Email"] = sub.Email
	}
	s.render(w, http.StatusOK, "unsubscribe.tmpl", data)
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form data", http.StatusBadRequest)
		return
	}

	outcome, addr, err := s.registry.Unsubscribe(r.Context(), r.FormValue("token"), s.monitor.DefaultRecipient())
	if errors.Is(err, subscriber.ErrInvalidToken) {
		s.renderInvalidLink(w)
		return
	}
	if err != nil {
		s.logger.Error("Failed to unsubscribe", "error", err)
		http.Error(w, "Failed to unsubscribe", http.StatusInternalServerError)
		return
	}

	if outcome == subscriber.Protected {
		s.logger.Info("Refused to unsubscribe default recipient", "email", addr)
		s.render(w, http.StatusOK, "protected.tmpl", map[string]any{"Email": addr})
		return
	}

	s.render(w, http.StatusOK, "unsubscribed.tmpl", map[string]any{
		"Email":   addr,
		"Already": outcome == subscriber.AlreadyUnsubscribed,
	})
}

func (s *Server) renderInvalidLink(w http.ResponseWriter) {
	s.render(w, http.StatusNotFound, "not_found.tmpl", map[string]any{
		"Message": subscriber.ErrInvalidToken.Error(),
	})
}
