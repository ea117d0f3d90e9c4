package server

import (
	"net/http"
	"strings"
)

func (s *Server) handleEmailForm(w http.ResponseWriter, r *http.Request) {
	s.render(w, http.StatusOK, "email.tmpl", map[string]any{"SavedEmail": s.emailCookie(r)})
}

// handleEmail sends the current bulletin to one address without creating a
// subscription.
func (s *Server) handleEmail(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "Invalid form data"})
		return
	}

	to := strings.TrimSpace(r.FormValue("to"))
	if !s.validEmail(to) {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "Invalid email"})
		return
	}

	via := s.monitor.Via()
	c, err := s.monitor.SendLatest(r.Context(), to)
	if c == nil {
		s.writeJSON(w, http.StatusBadGateway, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	if err != nil {
		s.logger.Warn("On-demand send failed", "email", to, "error", err)
		s.writeJSON(w, http.StatusOK, map[string]any{"ok": false, "via": via, "sendError": err.Error()})
		return
	}

	s.logger.Info("On-demand bulletin sent", "email", to, "via", via, "ip", clientIP(r))
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "via": via})
}
