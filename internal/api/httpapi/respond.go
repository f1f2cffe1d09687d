package httpapi

import (
	"github.com/gin-gonic/gin"

	apperrors "github.com/quoteforge/quoteforge/internal/platform/errors"
)

type errorBody struct {
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// respondError maps a domain error to its HTTP status and JSON body.
// Non-domain errors surface as 500 without leaking internals.
func respondError(c *gin.Context, err error) {
	if domainErr, ok := apperrors.AsDomain(err); ok {
		c.JSON(domainErr.Code.HTTPStatus(), errorBody{
			Code:     string(domainErr.Code),
			Message:  domainErr.Message,
			Metadata: domainErr.Metadata,
		})
		return
	}
	c.JSON(apperrors.CodeUnknown.HTTPStatus(), errorBody{
		Code:    string(apperrors.CodeUnknown),
		Message: "internal error",
	})
}
