package recon

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/jetpackmatt/dashboard-sub004/internal/platform/httpx"
	"github.com/jetpackmatt/dashboard-sub004/internal/shared"
)

// Handler exposes the operational JSON API for runs and exceptions. The
// dashboard UI consuming it lives elsewhere.
type Handler struct {
	service  *Service
	enqueuer TaskEnqueuer
	validate *validator.Validate
	logger   *slog.Logger
}

// TaskEnqueuer hands a run request to the background worker.
type TaskEnqueuer interface {
	EnqueueSync(from, to time.Time) (string, error)
}

// NewHandler constructs a handler.
func NewHandler(service *Service, enqueuer TaskEnqueuer, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		service:  service,
		enqueuer: enqueuer,
		validate: validator.New(),
		logger:   logger,
	}
}

// Routes mounts the recon API.
func (h *Handler) Routes(r chi.Router) {
	r.With(httprate.LimitByIP(10, time.Minute)).Post("/runs", h.triggerRun)
	r.Get("/runs", h.listRuns)
	r.Get("/runs/{id}", h.getRun)
	r.Get("/runs/{id}/exceptions", h.listExceptions)
}

type triggerRunRequest struct {
	WindowFrom time.Time `json:"window_from" validate:"required"`
	WindowTo   time.Time `json:"window_to" validate:"required,gtfield=WindowFrom"`
}

func (h *Handler) triggerRun(w http.ResponseWriter, r *http.Request) {
	var req triggerRunRequest
	if r.ContentLength > 0 {
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
			return
		}
	}
	if req.WindowFrom.IsZero() && req.WindowTo.IsZero() {
		week := shared.PreviousBillingWeek(time.Now())
		req.WindowFrom, req.WindowTo = week.From, week.To
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	taskID, err := h.enqueuer.EnqueueSync(req.WindowFrom, req.WindowTo)
	if err != nil {
		h.logger.Error("enqueue sync", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	httpx.JSON(w, http.StatusAccepted, map[string]any{
		"task_id":     taskID,
		"window_from": req.WindowFrom,
		"window_to":   req.WindowTo,
	})
}

func (h *Handler) listRuns(w http.ResponseWriter, r *http.Request) {
	_, perPage := shared.PaginationFromRequest(r, 100)
	runs, err := h.service.ListRuns(r.Context(), perPage)
	if err != nil {
		h.logger.Error("list runs", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (h *Handler) getRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid run id")
		return
	}
	run, err := h.service.GetRun(r.Context(), id)
	if err != nil {
		if !errors.Is(err, shared.ErrNotFound) {
			h.logger.Error("get run", slog.Any("error", err))
		}
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, run)
}

func (h *Handler) listExceptions(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid run id")
		return
	}
	page, perPage := shared.PaginationFromRequest(r, 500)
	bucket := ExceptionBucket(r.URL.Query().Get("bucket"))
	pagination := shared.NewPagination(page, perPage, 0)

	exceptions, err := h.service.ListExceptions(r.Context(), id, bucket, pagination.PerPage, pagination.Offset())
	if err != nil {
		h.logger.Error("list exceptions", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"exceptions": exceptions,
		"page":       pagination.Page,
		"per_page":   pagination.PerPage,
	})
}
