package http

import (
	"encoding/json"
	"net/http"
	"strconv"

	"scribe/internal/logging"
	"scribe/internal/schedule"
	"scribe/internal/storage/taskstore"
	"scribe/internal/task"
)

// ScheduleHandler exposes the raw task scheduling surface.
type ScheduleHandler struct {
	manager *schedule.Manager
	logger  logging.Logger
}

// NewScheduleHandler builds the scheduling handler.
func NewScheduleHandler(manager *schedule.Manager) *ScheduleHandler {
	return &ScheduleHandler{
		manager: manager,
		logger:  logging.NewComponentLogger("ScheduleHandler"),
	}
}

// HandleCreateTask submits a raw task config.
func (h *ScheduleHandler) HandleCreateTask(w http.ResponseWriter, r *http.Request) {
	var cfg task.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(err.Error()))
		return
	}
	created, err := h.manager.Submit(r.Context(), cfg)
	if err != nil {
		h.logger.Error("failed to create task: %v", err)
		status := http.StatusInternalServerError
		if schedule.IsValidation(err) {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, errorResponse(err.Error()))
		return
	}
	writeJSON(w, http.StatusCreated, successResponse(created))
}

// HandleGetTask returns a full task record.
func (h *ScheduleHandler) HandleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.manager.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.logger.Error("failed to get task: %v", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse(err.Error()))
		return
	}
	if t == nil {
		writeJSON(w, http.StatusNotFound, errorResponse("Task not found"))
		return
	}
	writeJSON(w, http.StatusOK, successResponse(t))
}

// HandleGetTaskStatus returns only the task status.
func (h *ScheduleHandler) HandleGetTaskStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.manager.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		h.logger.Error("failed to get task status: %v", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse(err.Error()))
		return
	}
	if status == nil {
		writeJSON(w, http.StatusNotFound, errorResponse("Task not found"))
		return
	}
	writeJSON(w, http.StatusOK, successResponse(status))
}

type updatePriorityRequest struct {
	Priority task.Priority `json:"priority"`
}

// HandleUpdatePriority changes the priority of a pending task.
func (h *ScheduleHandler) HandleUpdatePriority(w http.ResponseWriter, r *http.Request) {
	var req updatePriorityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(err.Error()))
		return
	}
	if err := h.manager.UpdatePriority(r.Context(), r.PathValue("id"), req.Priority); err != nil {
		h.logger.Error("failed to update task priority: %v", err)
		writeJSON(w, http.StatusBadRequest, errorResponse(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, successResponse(struct{}{}))
}

// HandleTaskStats returns paginated counts by status.
func (h *ScheduleHandler) HandleTaskStats(w http.ResponseWriter, r *http.Request) {
	page := taskstore.DefaultPagination()
	if v := r.URL.Query().Get("index"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			page.Index = n
		}
	}
	if v := r.URL.Query().Get("size"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			page.Size = n
		}
	}

	stats, err := h.manager.Stats(r.Context(), page)
	if err != nil {
		h.logger.Error("failed to get task stats: %v", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, successResponse(stats))
}
