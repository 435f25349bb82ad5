package api

import (
	"net/http"

	"github.com/litelens/litelens-core/internal/auth"
)

// anonymousSubject owns tickets issued while auth is disabled.
const anonymousSubject = "anonymous"

// handleWSTicket issues a single-use WebSocket ticket so the session token
// never appears in a URL.
func (s *Server) handleWSTicket(w http.ResponseWriter, r *http.Request) {
	subject, _ := r.Context().Value(ctxKeySubject).(string) //nolint:errcheck // unauthenticated requests have no subject
	if subject == "" {
		subject = anonymousSubject
	}

	ticket, err := s.tickets.Issue(subject)
	if err != nil {
		writeError(w, err, requestIDFrom(r.Context()))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ticket":     ticket.Value,
		"expires_in": int(auth.DefaultTicketTTL.Seconds()),
	})
}

// redeemTicket checks the ticket of a WebSocket upgrade. Without auth a
// ticket is optional.
func (s *Server) redeemTicket(r *http.Request) (string, bool) {
	value := r.URL.Query().Get("ticket")
	if value == "" {
		return anonymousSubject, !s.secCfg.AuthEnabled
	}
	t, err := s.tickets.Redeem(value)
	if err != nil {
		return "", false
	}
	return t.Subject, true
}
