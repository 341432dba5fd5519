package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/jwtrust/internal/federation"
	"github.com/jmerrifield20/jwtrust/internal/issuer"
	"github.com/jmerrifield20/jwtrust/internal/signature"
	"github.com/jmerrifield20/jwtrust/internal/trust"
)

// statusFor maps a trust layer error onto an HTTP status code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, issuer.ErrNotFound), errors.Is(err, federation.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, issuer.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, trust.ErrConfiguration),
		errors.Is(err, trust.ErrUnsupportedMethod),
		errors.Is(err, trust.ErrValidation),
		errors.Is(err, issuer.ErrInvalidRequest),
		errors.Is(err, signature.ErrMalformedToken),
		errors.Is(err, signature.ErrAlgorithm),
		errors.Is(err, signature.ErrNoKey):
		return http.StatusBadRequest
	case errors.Is(err, trust.ErrKeyResolution),
		errors.Is(err, trust.ErrTrustMetadata),
		errors.Is(err, trust.ErrAlgorithmResolution),
		errors.Is(err, signature.ErrUntrustedChain):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err with the mapped status. Server errors are logged
// and their details withheld from the client.
func respondError(c *gin.Context, logger *zap.Logger, msg string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Error(msg, zap.String("request_id", c.GetString(requestIDKey)), zap.Error(err))
		c.JSON(status, gin.H{"error": msg})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
