package handlers

import (
	"net/http"
	"regexp"

	"github.com/escuela-ia/chat-guardrails/internal/domain"
)

var (
	datePattern  = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	monthPattern = regexp.MustCompile(`^\d{4}-\d{2}$`)
)

// DailyCosts returns the cost aggregate for one UTC day. The optional
// ?date=YYYY-MM-DD parameter defaults to today.
func (h *Handlers) DailyCosts(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	if date != "" && !datePattern.MatchString(date) {
		writeError(w, r, domain.ErrValidation("date must be formatted YYYY-MM-DD"))
		return
	}

	summary, err := h.tracker.Daily(r.Context(), date)
	if err != nil {
		writeError(w, r, domain.ErrInternal(err))
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// MonthlyCosts returns the cost aggregate for one UTC month. The optional
// ?month=YYYY-MM parameter defaults to the current month.
func (h *Handlers) MonthlyCosts(w http.ResponseWriter, r *http.Request) {
	month := r.URL.Query().Get("month")
	if month != "" && !monthPattern.MatchString(month) {
		writeError(w, r, domain.ErrValidation("month must be formatted YYYY-MM"))
		return
	}

	summary, err := h.tracker.Monthly(r.Context(), month)
	if err != nil {
		writeError(w, r, domain.ErrInternal(err))
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// CacheStats returns the response cache counters.
func (h *Handlers) CacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.cache.Stats())
}
