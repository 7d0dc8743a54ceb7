package dto

import (
	"encoding/json"

	"github.com/google/uuid"
)

// ListQuery are the pull-phase query parameters.
type ListQuery struct {
	ModifiedSince string `form:"modifiedSince"`
	Limit         int    `form:"limit"`
}

// WriteRequest is the compare-and-set slice of a POST/PUT body on
// /api/{entity}; the record store decodes the rest onto the typed row.
// BaseVersion of 0 (or absent) means create.
type WriteRequest struct {
	BaseVersion uint64 `json:"baseVersion"`
}

// ResolveConflictRequest asks the server to merge a contested record.
type ResolveConflictRequest struct {
	EntityType   string          `json:"entityType" validate:"required"`
	EntityID     uuid.UUID       `json:"entityId" validate:"required"`
	Strategy     string          `json:"strategy" validate:"omitempty,oneof=server-wins client-wins last-write-wins merge-fields manual"`
	ClientData   json.RawMessage `json:"clientData" validate:"required"`
	OriginalData json.RawMessage `json:"originalData,omitempty"`
}

// DataResponse wraps a successful payload.
type DataResponse struct {
	Data any `json:"data"`
}

// ConflictResponse is the 409 body: the current server row for the resolver.
type ConflictResponse struct {
	Detail  string `json:"detail"`
	Current any    `json:"current"`
}
