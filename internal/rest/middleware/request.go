package middleware

import (
	"github.com/flexprice/usagegate/internal/types"
	"github.com/gin-gonic/gin"
)

const (
	headerRequestID       = "X-Request-ID"
	headerCustomerCountry = "X-Customer-Country"
	headerEdgeCountry     = "CF-IPCountry"
)

// RequestIDMiddleware threads a request id through the context and echoes
// it on the response.
func RequestIDMiddleware(c *gin.Context) {
	requestID := c.GetHeader(headerRequestID)
	if requestID == "" {
		requestID = types.GenerateRequestID()
	}

	c.Request = c.Request.WithContext(types.SetRequestID(c.Request.Context(), requestID))
	c.Header(headerRequestID, requestID)
	c.Next()
}

// CountryMiddleware records the caller's inferred country so the router
// can pin EU customers to the EU shard namespace. The edge-provided
// header wins over the explicit one.
func CountryMiddleware(c *gin.Context) {
	country := c.GetHeader(headerEdgeCountry)
	if country == "" {
		country = c.GetHeader(headerCustomerCountry)
	}
	if country != "" {
		c.Request = c.Request.WithContext(types.SetCustomerCountry(c.Request.Context(), country))
	}
	c.Next()
}
