package handler

import (
	"net/http"

	"blendsync/internal/apierror"
	"blendsync/internal/dto"
	"blendsync/internal/middleware"
	"blendsync/internal/model"
	"blendsync/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// ConflictHandler exposes server-assisted conflict resolution for clients
// whose local merge needs an authoritative answer (or an operator override).
type ConflictHandler struct{ svc service.SyncService }

func NewConflictHandler(svc service.SyncService) *ConflictHandler {
	return &ConflictHandler{svc: svc}
}

// Resolve godoc
// @Summary      Resolve a contested record
// @Description  Merges server/client/original under the requested strategy and applies the result atomically.
// @Tags         conflicts
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        request body dto.ResolveConflictRequest true "conflict payload"
// @Success      200 {object} dto.DataResponse
// @Failure      409 {object} apierror.APIError
// @Router       /api/conflicts/resolve [post]
func (h *ConflictHandler) Resolve(c *gin.Context) {
	var req dto.ResolveConflictRequest
	if !bindAndValidate(c, &req) {
		return
	}
	if _, ok := model.Lookup(req.EntityType); !ok {
		c.JSON(http.StatusNotFound, apierror.New("unknown entity"))
		return
	}

	out, err := h.svc.ResolveConflict(c.Request.Context(), middleware.Principal(c), req)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeOutcome(c, out, http.StatusOK)
}

// Snapshot returns the current server copy of one record, so a client can
// inspect both sides of a conflict before choosing a strategy.
func (h *ConflictHandler) Snapshot(c *gin.Context) {
	entity := c.Param("entityType")
	if _, ok := model.Lookup(entity); !ok {
		c.JSON(http.StatusNotFound, apierror.New("unknown entity"))
		return
	}
	id, err := uuid.Parse(c.Param("entityId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, apierror.NewKind(apierror.KindValidation, "invalid id"))
		return
	}

	row, status, err := h.svc.Snapshot(c.Request.Context(), middleware.Principal(c), entity, id)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeOutcome(c, outcomeFor(status, row), http.StatusOK)
}
