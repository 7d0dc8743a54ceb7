package handler

import (
	"errors"
	"net/http"

	"blendsync/internal/apierror"
	"blendsync/internal/dto"
	"blendsync/internal/model"
	"blendsync/internal/repository"
	"blendsync/internal/resolve"
	"blendsync/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// bindAndValidate binds JSON body and runs go-playground/validator tags.
// Returns false and writes the error response if validation fails —
// the caller should return immediately without writing another response.
func bindAndValidate(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, apierror.NewKind(apierror.KindValidation, "invalid JSON: "+err.Error()))
		return false
	}
	if err := validate.Struct(req); err != nil {
		fields := make(map[string]string)
		for _, fe := range err.(validator.ValidationErrors) {
			fields[fe.Field()] = fe.Tag()
		}
		c.JSON(http.StatusUnprocessableEntity, apierror.NewValidation(fields))
		return false
	}
	return true
}

// writeOutcome maps a tagged write outcome onto the HTTP surface:
// 409 carries the current server row so the client can resolve without a
// second round trip.
func writeOutcome(c *gin.Context, out repository.WriteOutcome, successCode int) {
	switch out.Status {
	case repository.WriteAccepted:
		c.JSON(successCode, dto.DataResponse{Data: out.Row})
	case repository.WriteVersionConflict:
		c.JSON(http.StatusConflict, dto.ConflictResponse{Detail: "version conflict", Current: out.Row})
	case repository.WriteDuplicate:
		c.JSON(http.StatusConflict, dto.ConflictResponse{Detail: "record already exists", Current: out.Row})
	case repository.WriteNotFound:
		c.JSON(http.StatusNotFound, apierror.New("record not found"))
	case repository.WriteTenantViolation:
		c.JSON(http.StatusForbidden, apierror.NewKind(apierror.KindTenantViolation, "record belongs to another store"))
	default:
		c.JSON(http.StatusInternalServerError, apierror.New("internal server error"))
	}
}

func outcomeFor(status repository.WriteStatus, row model.Syncable) repository.WriteOutcome {
	return repository.WriteOutcome{Status: status, Row: row}
}

// writeServiceError maps service-layer failures onto the error taxonomy.
func writeServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrValidation):
		c.JSON(http.StatusBadRequest, apierror.NewKind(apierror.KindValidation, err.Error()))
	case errors.Is(err, resolve.ErrManual):
		c.JSON(http.StatusConflict, apierror.NewKind(apierror.KindResolverRefusal, "manual resolution required"))
	case errors.Is(err, resolve.ErrUnknownStrategy), errors.Is(err, repository.ErrUnknownEntity):
		c.JSON(http.StatusBadRequest, apierror.NewKind(apierror.KindValidation, err.Error()))
	default:
		_ = c.Error(err)
	}
}
