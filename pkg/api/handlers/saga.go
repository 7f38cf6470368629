package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/sagaflow/sagaflow/pkg/api/middleware"
	"github.com/sagaflow/sagaflow/pkg/api/models"
	"github.com/sagaflow/sagaflow/pkg/api/response"
	"github.com/sagaflow/sagaflow/pkg/logger"
	"github.com/sagaflow/sagaflow/pkg/saga"
)

// SagaHandler handles saga API endpoints.
type SagaHandler struct {
	orchestrator *saga.Orchestrator
	store        saga.StateStore
	logger       logger.Logger
	validator    *validator.Validate
}

// NewSagaHandler creates a saga handler.
func NewSagaHandler(orchestrator *saga.Orchestrator, store saga.StateStore, log logger.Logger) *SagaHandler {
	if log == nil {
		log = logger.Global()
	}
	return &SagaHandler{
		orchestrator: orchestrator,
		store:        store,
		logger:       log,
		validator:    validator.New(),
	}
}

// StartSaga handles POST /api/v1/sagas.
func (h *SagaHandler) StartSaga(w http.ResponseWriter, r *http.Request) {
	if h.orchestrator == nil {
		response.Error(w, http.StatusServiceUnavailable, response.ErrCodeServiceUnavailable, "saga engine unavailable", getRequestID(r.Context()))
		return
	}

	var req models.StartSagaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, "invalid request body", getRequestID(r.Context()))
		return
	}
	if err := h.validator.Struct(&req); err != nil {
		response.Error(w, http.StatusBadRequest, response.ErrCodeValidationFailed, err.Error(), getRequestID(r.Context()))
		return
	}

	sagaID, err := h.orchestrator.Start(r.Context(), saga.Type(req.Type), req.Data)
	if err != nil {
		if errors.Is(err, saga.ErrOrchestration) {
			response.Error(w, http.StatusBadRequest, response.ErrCodeValidationFailed, err.Error(), getRequestID(r.Context()))
			return
		}
		response.Error(w, http.StatusInternalServerError, response.ErrCodeInternalServer, err.Error(), getRequestID(r.Context()))
		return
	}

	view, err := h.orchestrator.Status(r.Context(), sagaID)
	if err != nil {
		response.Error(w, http.StatusInternalServerError, response.ErrCodeInternalServer, err.Error(), getRequestID(r.Context()))
		return
	}

	h.logger.InfoContext(r.Context(), "saga accepted",
		"saga_id", sagaID, "type", req.Type)

	response.JSON(w, http.StatusAccepted, models.StartSagaResponse{
		SagaID:    sagaID,
		Type:      string(view.Saga.Type),
		Status:    string(view.Saga.Status),
		CreatedAt: view.Saga.CreatedAt,
	})
}

// GetSaga handles GET /api/v1/sagas/{id}.
func (h *SagaHandler) GetSaga(w http.ResponseWriter, r *http.Request) {
	if h.orchestrator == nil {
		response.Error(w, http.StatusServiceUnavailable, response.ErrCodeServiceUnavailable, "saga engine unavailable", getRequestID(r.Context()))
		return
	}

	sagaID := chi.URLParam(r, "id")
	if sagaID == "" {
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, "saga id is required", getRequestID(r.Context()))
		return
	}

	view, err := h.orchestrator.Status(r.Context(), sagaID)
	if err != nil {
		if errors.Is(err, saga.ErrSagaNotFound) {
			response.Error(w, http.StatusNotFound, response.ErrCodeNotFound, "saga not found", getRequestID(r.Context()))
			return
		}
		response.Error(w, http.StatusInternalServerError, response.ErrCodeInternalServer, err.Error(), getRequestID(r.Context()))
		return
	}

	response.JSON(w, http.StatusOK, sagaDetail(view))
}

// ListSagas handles GET /api/v1/sagas.
func (h *SagaHandler) ListSagas(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		response.Error(w, http.StatusServiceUnavailable, response.ErrCodeServiceUnavailable, "saga store unavailable", getRequestID(r.Context()))
		return
	}

	limit := 20
	offset := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 0 {
			limit = parsed
		}
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 0 {
			offset = parsed
		}
	}
	status := strings.TrimSpace(r.URL.Query().Get("status"))

	sagas, total, err := h.store.ListSagas(r.Context(), saga.ListFilter{
		Status: status,
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		response.Error(w, http.StatusInternalServerError, response.ErrCodeInternalServer, err.Error(), getRequestID(r.Context()))
		return
	}

	items := make([]models.SagaSummary, 0, len(sagas))
	for _, record := range sagas {
		items = append(items, models.SagaSummary{
			SagaID:      record.ID,
			Type:        string(record.Type),
			Status:      string(record.Status),
			CreatedAt:   record.CreatedAt,
			CompletedAt: record.CompletedAt,
		})
	}

	response.JSON(w, http.StatusOK, models.SagaListResponse{
		Items:  items,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

func sagaDetail(view *saga.View) models.SagaDetailResponse {
	steps := make([]models.StepView, 0, len(view.Steps))
	for _, step := range view.Steps {
		steps = append(steps, models.StepView{
			Name:               string(step.Name),
			Sequence:           step.Sequence,
			Status:             string(step.Status),
			Result:             step.Result,
			Errors:             step.Errors,
			CompensationResult: step.CompensationResult,
			Compensated:        step.Compensated(),
			UpdatedAt:          step.UpdatedAt,
		})
	}

	return models.SagaDetailResponse{
		SagaID:      view.Saga.ID,
		Type:        string(view.Saga.Type),
		Status:      string(view.Saga.Status),
		Data:        view.Saga.Data,
		Error:       view.Saga.Error,
		Steps:       steps,
		CreatedAt:   view.Saga.CreatedAt,
		UpdatedAt:   view.Saga.UpdatedAt,
		CompletedAt: view.Saga.CompletedAt,
	}
}

func getRequestID(ctx context.Context) string {
	return middleware.GetRequestID(ctx)
}
