package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"PulseDispatch/internal/csvparser"
	"PulseDispatch/internal/models"
)

const maxUploadBytes = 10 << 20

type Service interface {
	Schedule(ctx context.Context, req models.ScheduleRequest) (models.ScheduleResult, error)
	Task(ctx context.Context, id string) (models.EmailTask, error)
	CampaignStats(ctx context.Context, campaignID string) (models.StatusCounts, error)
	SenderStats(ctx context.Context, senderID string) (models.SenderStats, error)
	SenderEmails(ctx context.Context, senderID string, limit int) ([]models.EmailTask, error)
}

// Check is a named readiness probe, e.g. the database ping.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

type Handler struct {
	Svc        Service
	Log        *zap.Logger
	Checks     []Check
	MaxCSVRows int
}

func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/api/schedule", h.Schedule).Methods(http.MethodPost)
	r.HandleFunc("/api/schedule/csv", h.ScheduleCSV).Methods(http.MethodPost)
	r.HandleFunc("/api/campaigns/{id}/stats", h.CampaignStats).Methods(http.MethodGet)
	r.HandleFunc("/api/tasks/{id}", h.Task).Methods(http.MethodGet)
	r.HandleFunc("/api/users/{senderId}/stats", h.SenderStats).Methods(http.MethodGet)
	r.HandleFunc("/api/users/{senderId}/emails", h.SenderEmails).Methods(http.MethodGet)
	r.HandleFunc("/healthz", h.Healthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", h.Readyz).Methods(http.MethodGet)
}

// NewRouter wires the routes behind the logging and metrics middleware.
func NewRouter(h *Handler) *mux.Router {
	r := mux.NewRouter()
	r.Use(Logging(h.Log), Metrics)
	h.Register(r)
	return r
}

func (h *Handler) Schedule(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	var req models.ScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: "request body too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body"})
		return
	}
	h.schedule(w, r, req)
}

func (h *Handler) ScheduleCSV(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "expected multipart/form-data upload"})
		return
	}

	req, errs := formRequest(r)

	file, _, err := r.FormFile("file")
	if err != nil {
		errs = append(errs, models.ValidationError{Field: "file", Msg: "required"})
	} else {
		defer file.Close()
		rows, err := csvparser.ParseRecipientRows(file, h.MaxCSVRows)
		if err != nil {
			var ve models.ValidationError
			if !errors.As(err, &ve) {
				ve = models.ValidationError{Field: "file", Msg: err.Error()}
			}
			errs = append(errs, ve)
		}
		req.Recipients = csvparser.Emails(rows)
	}

	if len(errs) > 0 {
		h.fail(w, r, errs, nil)
		return
	}
	h.schedule(w, r, req)
}

func (h *Handler) schedule(w http.ResponseWriter, r *http.Request, req models.ScheduleRequest) {
	res, err := h.Svc.Schedule(r.Context(), req)
	if err != nil && res.CampaignID != "" && errors.Is(err, models.ErrQueue) {
		// The campaign is persisted; a client retry would duplicate it.
		h.Log.Error("campaign persisted but not fully queued",
			zap.String("campaign_id", res.CampaignID),
			zap.Error(err),
		)
		writeJSON(w, http.StatusBadGateway, errorBody{
			Error:      "campaign saved but not fully queued; pending tasks are picked up by the next resume",
			CampaignID: res.CampaignID,
		})
		return
	}
	if err != nil {
		h.fail(w, r, err, res.Rejected)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (h *Handler) CampaignStats(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	counts, err := h.Svc.CampaignStats(r.Context(), id)
	if err != nil {
		h.fail(w, r, err, nil)
		return
	}

	total := 0
	for _, n := range counts {
		total += n
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"campaignId": id,
		"total":      total,
		"byStatus":   counts,
	})
}

func (h *Handler) Task(w http.ResponseWriter, r *http.Request) {
	task, err := h.Svc.Task(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (h *Handler) SenderStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.Svc.SenderStats(r.Context(), mux.Vars(r)["senderId"])
	if err != nil {
		h.fail(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) SenderEmails(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			h.fail(w, r, models.ValidationError{Field: "limit", Msg: "must be between 1 and 500"}, nil)
			return
		}
		limit = n
	}

	tasks, err := h.Svc.SenderEmails(r.Context(), mux.Vars(r)["senderId"], limit)
	if err != nil {
		h.fail(w, r, err, nil)
		return
	}
	if tasks == nil {
		tasks = []models.EmailTask{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	failing := map[string]string{}
	for _, c := range h.Checks {
		if err := c.Fn(ctx); err != nil {
			failing[c.Name] = err.Error()
		}
	}
	if len(failing) > 0 {
		h.Log.Warn("readiness check failed", zap.Any("checks", failing))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "checks": failing})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type errorBody struct {
	Error      string                   `json:"error"`
	Fields     []models.ValidationError `json:"fields,omitempty"`
	Rejected   []models.Rejection       `json:"rejected,omitempty"`
	CampaignID string                   `json:"campaignId,omitempty"`
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error, rejected []models.Rejection) {
	var many models.ValidationErrors
	var one models.ValidationError

	switch {
	case errors.As(err, &many):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "validation failed", Fields: many, Rejected: rejected})
	case errors.As(err, &one):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "validation failed", Fields: []models.ValidationError{one}, Rejected: rejected})
	case errors.Is(err, models.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not found"})
	case errors.Is(err, models.ErrStoreUnavailable), errors.Is(err, models.ErrQueue):
		h.Log.Error("dependency failure", zap.String("path", r.URL.Path), zap.Error(err))
		writeJSON(w, http.StatusBadGateway, errorBody{Error: "dependency unavailable"})
	default:
		h.Log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

// formRequest reads the scheduling fields of a CSV upload form.
func formRequest(r *http.Request) (models.ScheduleRequest, models.ValidationErrors) {
	var errs models.ValidationErrors
	req := models.ScheduleRequest{
		SenderID: strings.TrimSpace(r.FormValue("senderId")),
		Subject:  r.FormValue("subject"),
		Body:     r.FormValue("body"),
	}

	if v := r.FormValue("scheduleAt"); v != "" {
		at, err := time.Parse(time.RFC3339, v)
		if err != nil {
			errs = append(errs, models.ValidationError{Field: "scheduleAt", Msg: "must be RFC 3339"})
		} else {
			req.ScheduleAt = &at
		}
	}

	ints := []struct {
		field string
		dst   *int
	}{
		{"minDelaySeconds", &req.MinDelaySeconds},
		{"hourlyLimit", &req.HourlyLimit},
	}
	for _, f := range ints {
		v := r.FormValue(f.field)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, models.ValidationError{Field: f.field, Msg: "must be an integer"})
			continue
		}
		*f.dst = n
	}
	return req, errs
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
