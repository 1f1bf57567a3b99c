package v1

import (
	"net/http"

	"github.com/flexprice/usagegate/internal/api/dto"
	ierr "github.com/flexprice/usagegate/internal/errors"
	"github.com/flexprice/usagegate/internal/logger"
	"github.com/flexprice/usagegate/internal/router"
	"github.com/gin-gonic/gin"
)

type LimitsHandler struct {
	service *router.Service
	log     *logger.Logger
}

func NewLimitsHandler(service *router.Service, log *logger.Logger) *LimitsHandler {
	return &LimitsHandler{service: service, log: log}
}

// @Summary Verify an entitlement
// @Description Check whether one feature call is allowed for a customer
// @Tags Limits
// @Accept json
// @Produce json
// @Param request body dto.VerifyRequest true "Verify request"
// @Success 200 {object} dto.VerifyResponse
// @Failure 400 {object} ierr.ErrorResponse
// @Router /limits/verify [post]
func (h *LimitsHandler) Verify(c *gin.Context) {
	var req dto.VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(ierr.WithError(err).
			WithHint("Invalid request payload").
			Mark(ierr.ErrValidation))
		return
	}

	resp, err := h.service.Verify(c.Request.Context(), &req)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// @Summary Report usage
// @Description Record consumed usage against a customer's entitlement
// @Tags Limits
// @Accept json
// @Produce json
// @Param request body dto.ReportRequest true "Report request"
// @Success 200 {object} dto.ReportResponse
// @Failure 400 {object} ierr.ErrorResponse
// @Router /limits/report [post]
func (h *LimitsHandler) Report(c *gin.Context) {
	var req dto.ReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(ierr.WithError(err).
			WithHint("Invalid request payload").
			Mark(ierr.ErrValidation))
		return
	}

	resp, err := h.service.Report(c.Request.Context(), &req)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// @Summary Usage snapshot
// @Description Live counters and cycle windows for a customer's entitlements
// @Tags Limits
// @Produce json
// @Param customerId query string true "Customer ID"
// @Param projectId query string false "Project ID"
// @Success 200 {object} dto.UsageResponse
// @Router /limits/usage [get]
func (h *LimitsHandler) Usage(c *gin.Context) {
	customerID := c.Query("customerId")
	if customerID == "" {
		c.Error(ierr.NewError("customerId is required").
			WithHint("Pass the customer ID as a query parameter").
			Mark(ierr.ErrValidation))
		return
	}

	resp, err := h.service.Usage(c.Request.Context(), customerID, c.Query("projectId"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// @Summary Prewarm a shard
// @Description Hydrate a customer's entitlements ahead of traffic
// @Tags Limits
// @Accept json
// @Produce json
// @Param request body dto.PrewarmRequest true "Prewarm request"
// @Success 200 {object} dto.PrewarmResponse
// @Router /limits/prewarm [post]
func (h *LimitsHandler) Prewarm(c *gin.Context) {
	var req dto.PrewarmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(ierr.WithError(err).
			WithHint("Invalid request payload").
			Mark(ierr.ErrValidation))
		return
	}

	resp, err := h.service.Prewarm(c.Request.Context(), &req)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// @Summary Reset a shard
// @Description Wipe a customer's shard state after flushing buffered records
// @Tags Limits
// @Accept json
// @Produce json
// @Param request body dto.ResetRequest true "Reset request"
// @Success 200 {object} dto.ResetResponse
// @Failure 400 {object} ierr.ErrorResponse
// @Router /limits/reset [post]
func (h *LimitsHandler) Reset(c *gin.Context) {
	var req dto.ResetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(ierr.WithError(err).
			WithHint("Invalid request payload").
			Mark(ierr.ErrValidation))
		return
	}

	resp, err := h.service.Reset(c.Request.Context(), &req)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, resp)
}
