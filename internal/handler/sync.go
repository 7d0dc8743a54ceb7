package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"blendsync/internal/apierror"
	"blendsync/internal/dto"
	"blendsync/internal/middleware"
	"blendsync/internal/model"
	"blendsync/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// SyncHandler serves the generic /api/{entity} surface the sync engine
// consumes: cursor pulls, conditional creates/updates/deletes.
type SyncHandler struct{ svc service.SyncService }

func NewSyncHandler(svc service.SyncService) *SyncHandler { return &SyncHandler{svc: svc} }

// List godoc
// @Summary      List rows modified since a cursor
// @Description  Pull phase: rows of the caller's store with lastSyncedAt > modifiedSince, ascending.
// @Tags         sync
// @Produce      json
// @Security     BearerAuth
// @Param        entity        path  string true  "entity collection"
// @Param        modifiedSince query string false "ISO-8601 cursor (default: beginning of time)"
// @Param        limit         query int    false "max rows (default 500)"
// @Success      200 {object} dto.DataResponse
// @Router       /api/{entity} [get]
func (h *SyncHandler) List(c *gin.Context) {
	entity, ok := entityParam(c)
	if !ok {
		return
	}
	var q dto.ListQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, apierror.NewKind(apierror.KindValidation, err.Error()))
		return
	}

	var since time.Time
	if q.ModifiedSince != "" {
		var err error
		since, err = time.Parse(time.RFC3339, q.ModifiedSince)
		if err != nil {
			c.JSON(http.StatusBadRequest, apierror.NewKind(apierror.KindValidation, "modifiedSince must be ISO-8601"))
			return
		}
	}

	rows, err := h.svc.List(c.Request.Context(), middleware.Principal(c), entity, since, q.Limit)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.DataResponse{Data: rows})
}

// Create handles POST /api/{entity}: first upload of a locally created row.
func (h *SyncHandler) Create(c *gin.Context) {
	entity, ok := entityParam(c)
	if !ok {
		return
	}
	payload, ok := rawBody(c)
	if !ok {
		return
	}

	out, err := h.svc.Create(c.Request.Context(), middleware.Principal(c), entity, payload)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeOutcome(c, out, http.StatusCreated)
}

// Update handles PUT /api/{entity}/{id}: conditional update at baseVersion.
func (h *SyncHandler) Update(c *gin.Context) {
	entity, ok := entityParam(c)
	if !ok {
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, apierror.NewKind(apierror.KindValidation, "invalid id"))
		return
	}
	payload, ok := rawBody(c)
	if !ok {
		return
	}
	var req dto.WriteRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		c.JSON(http.StatusBadRequest, apierror.NewKind(apierror.KindValidation, "invalid JSON: "+err.Error()))
		return
	}

	out, err := h.svc.Update(c.Request.Context(), middleware.Principal(c), entity, id, payload, req.BaseVersion)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeOutcome(c, out, http.StatusOK)
}

// Delete handles DELETE /api/{entity}/{id}?baseVersion=N: conditional soft
// delete. A stale witness yields 409 — destructive intent is never inferred.
func (h *SyncHandler) Delete(c *gin.Context) {
	entity, ok := entityParam(c)
	if !ok {
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, apierror.NewKind(apierror.KindValidation, "invalid id"))
		return
	}
	baseVersion, err := strconv.ParseUint(c.Query("baseVersion"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, apierror.NewKind(apierror.KindValidation, "baseVersion is required"))
		return
	}

	out, err := h.svc.Delete(c.Request.Context(), middleware.Principal(c), entity, id, baseVersion)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeOutcome(c, out, http.StatusOK)
}

func entityParam(c *gin.Context) (string, bool) {
	entity := c.Param("entity")
	if _, ok := model.Lookup(entity); !ok {
		c.JSON(http.StatusNotFound, apierror.New("unknown entity"))
		return "", false
	}
	return entity, true
}

func rawBody(c *gin.Context) ([]byte, bool) {
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil || len(payload) == 0 {
		c.JSON(http.StatusBadRequest, apierror.NewKind(apierror.KindValidation, "request body required"))
		return nil, false
	}
	return payload, true
}
