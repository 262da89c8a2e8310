package handlers

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/Salveishonn/wash-on-demand-eco-sub002/services/booking-service/internal/availability"
	"github.com/Salveishonn/wash-on-demand-eco-sub002/services/booking-service/internal/schedule"
)

// The availability window is capped so a range query cannot fan out into an
// unbounded scan.
const maxRangeDays = 62

type AvailabilityHandler struct {
	repo     ReservationStore
	template schedule.WeekTemplate
	logger   *slog.Logger
}

func NewAvailabilityHandler(repo ReservationStore, template schedule.WeekTemplate, logger *slog.Logger) *AvailabilityHandler {
	return &AvailabilityHandler{repo: repo, template: template, logger: logger}
}

// Get serves both forms of the availability query: ?date= for a single day
// and ?from=&to= for an inclusive range of per-day summaries.
func (h *AvailabilityHandler) Get(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	dateStr := strings.TrimSpace(q.Get("date"))
	if dateStr != "" {
		h.getDay(w, r, dateStr)
		return
	}
	h.getRange(w, r, strings.TrimSpace(q.Get("from")), strings.TrimSpace(q.Get("to")))
}

func (h *AvailabilityHandler) getDay(w http.ResponseWriter, r *http.Request, dateStr string) {
	date, err := schedule.ParseDate(dateStr)
	if err != nil {
		writeValidationError(w, "date must be YYYY-MM-DD")
		return
	}

	occupied := map[string]bool{}
	if !h.template.Closed(date) {
		occupied, err = h.repo.OccupiedTimes(r.Context(), dateStr)
		if err != nil {
			h.logger.Error("availability lookup failed", "date", dateStr, "err", err)
			writePersistenceError(w, "failed to load availability")
			return
		}
	}

	writeJSON(w, http.StatusOK, availability.ForDate(h.template, date, occupied))
}

func (h *AvailabilityHandler) getRange(w http.ResponseWriter, r *http.Request, fromStr, toStr string) {
	if fromStr == "" || toStr == "" {
		writeValidationError(w, "date or from/to query parameters are required")
		return
	}
	from, err := schedule.ParseDate(fromStr)
	if err != nil {
		writeValidationError(w, "from must be YYYY-MM-DD")
		return
	}
	to, err := schedule.ParseDate(toStr)
	if err != nil {
		writeValidationError(w, "to must be YYYY-MM-DD")
		return
	}
	// An inverted range is an empty window, not an error.
	if to.Before(from) {
		writeJSON(w, http.StatusOK, []availability.DaySummary{})
		return
	}
	if to.Sub(from).Hours() > 24*maxRangeDays {
		writeValidationError(w, "date range too large")
		return
	}

	occupied, err := h.repo.OccupiedTimesInRange(r.Context(), fromStr, toStr)
	if err != nil {
		h.logger.Error("availability range lookup failed", "from", fromStr, "to", toStr, "err", err)
		writePersistenceError(w, "failed to load availability")
		return
	}

	writeJSON(w, http.StatusOK, availability.ForRange(h.template, from, to, occupied))
}
