package analytics_api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"ms-mpesa/internal/analytics"
	"ms-mpesa/internal/auth"
	"ms-mpesa/internal/logger"
	"ms-mpesa/internal/utils"

	"github.com/go-chi/chi/v5"
)

const dateLayout = "2006-01-02"

// Handler handles analytics HTTP endpoints
type Handler struct {
	Service  *analytics.Service
	Logger   *logger.Logger
	Location *time.Location
}

// NewHandler creates a new analytics handler. Report days are cut in
// Africa/Nairobi time when the zone database is available.
func NewHandler(service *analytics.Service, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Discard()
	}
	loc, err := time.LoadLocation("Africa/Nairobi")
	if err != nil {
		loc = time.FixedZone("EAT", 3*60*60)
	}
	return &Handler{Service: service, Logger: log, Location: loc}
}

// RegisterRoutes registers the analytics routes on a chi router
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/api/analytics/reconciliation", h.GetReconciliationReport)
}

// parseRange reads from/to as inclusive calendar days; both default to today.
func (h *Handler) parseRange(r *http.Request) (time.Time, time.Time, error) {
	today := time.Now().In(h.Location).Format(dateLayout)
	fromStr, toStr := r.URL.Query().Get("from"), r.URL.Query().Get("to")
	if fromStr == "" {
		fromStr = today
	}
	if toStr == "" {
		toStr = fromStr
	}

	from, err := time.ParseInLocation(dateLayout, fromStr, h.Location)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid from date %q", fromStr)
	}
	to, err := time.ParseInLocation(dateLayout, toStr, h.Location)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid to date %q", toStr)
	}
	return from, to.AddDate(0, 0, 1), nil
}

// GetReconciliationReport returns received vs reconciled totals for a date range
func (h *Handler) GetReconciliationReport(w http.ResponseWriter, r *http.Request) {
	from, to, err := h.parseRange(r)
	if err != nil {
		h.respond(w, http.StatusBadRequest, utils.ErrorResponse("Invalid date range", err.Error()))
		return
	}
	h.Logger.Info("ANALYTICS", fmt.Sprintf("Reconciliation report %s..%s requested by %s",
		from.Format(dateLayout), to.AddDate(0, 0, -1).Format(dateLayout), auth.UserID(r.Context())))

	report, err := h.Service.GetReconciliationReport(r.Context(), from, to)
	if errors.Is(err, analytics.ErrInvalidRange) {
		h.respond(w, http.StatusBadRequest, utils.ErrorResponse("Invalid date range", err.Error()))
		return
	}
	if err != nil {
		h.Logger.Error("ANALYTICS", fmt.Sprintf("Failed to build reconciliation report: %v", err))
		h.respond(w, http.StatusInternalServerError, utils.ErrorResponse("Failed to build report", err.Error()))
		return
	}

	h.respond(w, http.StatusOK, utils.SuccessResponse("Reconciliation report", report))
}

func (h *Handler) respond(w http.ResponseWriter, status int, data interface{}) {
	if err := utils.WriteJSON(w, status, data); err != nil {
		h.Logger.Error("ANALYTICS", fmt.Sprintf("Failed to encode response: %v", err))
	}
}
