// Package models defines request and response DTOs for the HTTP API.
package models

import "time"

// StartSagaRequest is the body of POST /api/v1/sagas.
type StartSagaRequest struct {
	// Type selects the saga plan, e.g. "create_order" or "cancel_order".
	Type string `json:"type" validate:"required"`

	// Data is the initial saga payload passed to every step.
	Data map[string]any `json:"data"`
}

// StartSagaResponse acknowledges an accepted saga.
type StartSagaResponse struct {
	SagaID    string    `json:"saga_id"`
	Type      string    `json:"type"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// StepView is one step within a saga detail response.
type StepView struct {
	Name               string         `json:"name"`
	Sequence           int            `json:"sequence"`
	Status             string         `json:"status"`
	Result             map[string]any `json:"result,omitempty"`
	Errors             []string       `json:"errors,omitempty"`
	CompensationResult map[string]any `json:"compensation_result,omitempty"`
	Compensated        bool           `json:"compensated"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// SagaDetailResponse is the body of GET /api/v1/sagas/{id}.
type SagaDetailResponse struct {
	SagaID      string         `json:"saga_id"`
	Type        string         `json:"type"`
	Status      string         `json:"status"`
	Data        map[string]any `json:"data,omitempty"`
	Error       string         `json:"error,omitempty"`
	Steps       []StepView     `json:"steps"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// SagaSummary is one row of a saga list response.
type SagaSummary struct {
	SagaID      string     `json:"saga_id"`
	Type        string     `json:"type"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// SagaListResponse is the body of GET /api/v1/sagas.
type SagaListResponse struct {
	Items  []SagaSummary `json:"items"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}
