// Package api holds the HTTP request/response shapes of the control plane
// and a thin client for them.
package api

import (
	"encoding/json"
	"time"

	"neuronctl/internal/model"
)

// Error codes carried in Response.Code.
const (
	CodeInvalid      = "invalid"
	CodeNotFound     = "not_found"
	CodeRetired      = "retired"
	CodeConflict     = "conflict"
	CodeUnavailable  = "unavailable"
	CodeAborted      = "aborted"
	CodeUnauthorized = "unauthorized"
	CodeInternal     = "internal"
)

// Response is the envelope of every API operation.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

// RawResponse is Response as decoded by a client.
type RawResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	Code    string          `json:"code,omitempty"`
}

// OK wraps data in a successful response.
func OK(data any) Response {
	return Response{Success: true, Data: data}
}

// Fail builds an error response.
func Fail(code string, err error) Response {
	return Response{Error: err.Error(), Code: code}
}

// ResolveConflictRequest is an operator decision on an open conflict.
type ResolveConflictRequest struct {
	Resolution model.Resolution `json:"resolution" binding:"required"`
	Data       json.RawMessage  `json:"data,omitempty"`
	ResolvedBy string           `json:"resolvedBy" binding:"required"`
}

// RollbackRequest re-activates an older config version.
type RollbackRequest struct {
	Key     string `json:"configKey"`
	Version int64  `json:"version" binding:"required,gt=0"`
	By      string `json:"by"`
	Reason  string `json:"reason"`
}

// RetireRequest names who retired a neuron.
type RetireRequest struct {
	By string `json:"by"`
}

// AdvisoryRequest is an operator notice fanned out to every connected neuron.
type AdvisoryRequest struct {
	Status string `json:"status" binding:"required"`
	Detail string `json:"detail"`
}

// HeartbeatRequest is a check-in over HTTP for neurons without a session.
type HeartbeatRequest struct {
	NeuronID string `json:"neuronId" binding:"required"`
}

// Exported reports how many events an export wrote.
type Exported struct {
	Count int    `json:"count"`
	Path  string `json:"path,omitempty"`
}

// EventQuery narrows event listings.
type EventQuery struct {
	NeuronID  string    `form:"neuronId"`
	EventType string    `form:"eventType"`
	Since     time.Time `form:"since" time_format:"2006-01-02T15:04:05Z07:00"`
	Limit     int       `form:"limit"`
}
