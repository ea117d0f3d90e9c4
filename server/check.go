package server

import (
	"net/http"

	"bulletin-notifier/email"
	"bulletin-notifier/pkg/bulletin"
)

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	last, err := s.monitor.Last(r.Context())
	if err != nil {
		s.logger.Error("Failed to read bulletin state", "error", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"ok":        true,
		"last":      last,
		"sourceUrl": s.monitor.SourceURL(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("Check endpoint triggered", "method", r.Method)
	res := s.monitor.PerformCheck(r.Context(), bulletin.CheckOptions{IncludeCanonicalText: true})
	s.writeJSON(w, http.StatusOK, res)
}

// errorStatus is the upstream status when one was received, otherwise 502.
func errorStatus(res *bulletin.CheckResult) int {
	if res.UpstreamStatus != 0 {
		return res.UpstreamStatus
	}
	return http.StatusBadGateway
}

func (s *Server) handleCheckRaw(w http.ResponseWriter, r *http.Request) {
	res := s.monitor.PerformCheck(r.Context(), bulletin.CheckOptions{IncludeCanonicalText: true})
	if res.Error != "" {
		s.writeText(w, errorStatus(&res), "Error: "+res.Error)
		return
	}
	s.writeText(w, http.StatusOK, res.CanonicalText)
}

func (s *Server) handleCheckHTML(w http.ResponseWriter, r *http.Request) {
	res := s.monitor.PerformCheck(r.Context(), bulletin.CheckOptions{IncludeCanonicalText: true})
	if res.Error != "" || res.CanonicalText == "" {
		msg := res.Error
		if msg == "" {
			msg = "No text"
		}
		s.writeText(w, errorStatus(&res), "Error: "+msg)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	page := email.RenderHTML(res.CanonicalText, email.RenderOptions{SourceURL: res.SourceURL})
	if _, err := w.Write([]byte(page)); err != nil {
		s.logger.Warn("Failed to write preview", "error", err)
	}
}

// sendResult is the JSON body of /send/test.
type sendResult struct {
	OK        bool   `json:"ok"`
	Notified  bool   `json:"notified"`
	Via       string `json:"via"`
	SendError string `json:"sendError,omitempty"`
	Error     string `json:"error,omitempty"`
	SourceURL string `json:"sourceUrl"`
	Bytes     int    `json:"bytes"`
}

func (s *Server) handleSendTest(w http.ResponseWriter, r *http.Request) {
	out := sendResult{Via: s.monitor.Via(), SourceURL: s.monitor.SourceURL()}

	to := s.monitor.DefaultRecipient()
	if to == "" {
		out.SendError = "default recipient not configured"
		s.writeJSON(w, http.StatusOK, out)
		return
	}

	c, err := s.monitor.SendLatest(r.Context(), to)
	if c == nil {
		out.Error = err.Error()
		s.writeJSON(w, http.StatusBadGateway, out)
		return
	}
	out.Bytes = len(c.Text)
	if err != nil {
		s.logger.Warn("Test send failed", "email", to, "error", err)
		out.SendError = err.Error()
	} else {
		out.Notified = true
		out.OK = true
		s.logger.Info("Test bulletin sent", "email", to, "via", out.Via)
	}
	s.writeJSON(w, http.StatusOK, out)
}

