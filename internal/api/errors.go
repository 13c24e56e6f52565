package api

import (
	"net/http"

	"market-forecast-service/internal/errs"

	"github.com/gin-gonic/gin"
)

// statusFor maps error kinds to HTTP status codes.
func statusFor(kind errs.Kind) int {
	switch kind {
	case errs.KindValidationFailed:
		return http.StatusBadRequest
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindDuplicateJob:
		return http.StatusConflict
	case errs.KindNoValidPrediction, errs.KindInsufficientCoverage:
		return http.StatusUnprocessableEntity
	case errs.KindDataUnavailable:
		return http.StatusNotFound
	case errs.KindUpstreamFailure:
		return http.StatusBadGateway
	case errs.KindTimeout:
		return http.StatusGatewayTimeout
	case errs.KindCancelled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes the error envelope {error, message, detail?}.
func respondError(c *gin.Context, err error) {
	kind := errs.KindOf(err)
	body := gin.H{
		"error":   string(kind),
		"message": err.Error(),
	}
	if detail := errs.DetailOf(err); detail != nil {
		body["detail"] = detail
	}
	c.JSON(statusFor(kind), body)
}
