package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/akshatsynkcode/polkawalletgenerator/internal/domain"
	"github.com/akshatsynkcode/polkawalletgenerator/internal/middleware"
)

// Error envelope messages
const (
	ErrTransferFailed = "Failed to transfer funds"
	ErrFundingFailed  = "Failed to generate and fund address"
)

// AddressFunder runs one generate-and-fund workflow
type AddressFunder interface {
	Fund(ctx context.Context) (*domain.FundingResult, error)
}

// Handler contains all HTTP handlers
type Handler struct {
	funder  AddressFunder
	timeout time.Duration
}

// NewHandler creates a new handler. A zero timeout leaves the request bound
// only by the client connection.
func NewHandler(funder AddressFunder, timeout time.Duration) *Handler {
	return &Handler{
		funder:  funder,
		timeout: timeout,
	}
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details"`
}

// GenerateAddress handles GET /generate-address
func (h *Handler) GenerateAddress(c *gin.Context) {
	ctx := c.Request.Context()
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	result, err := h.funder.Fund(ctx)
	if err != nil {
		var transferErr *domain.TransferError
		if errors.As(err, &transferErr) {
			c.JSON(http.StatusInternalServerError, ErrorResponse{
				Error:   ErrTransferFailed,
				Details: transferErr.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   ErrFundingFailed,
			Details: err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, result)
}

// HealthResponse is the response for health check endpoint
type HealthResponse struct {
	Status string `json:"status"`
	Time   string `json:"time"`
}

// Health handles GET /health
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status: "ok",
		Time:   time.Now().UTC().Format(time.RFC3339),
	})
}

// SetupRoutes configures all API routes
func SetupRoutes(r *gin.Engine, h *Handler) {
	r.GET("/health", h.Health)
	r.GET("/generate-address", h.GenerateAddress)
}

// NewRouter builds the gin engine with the middleware chain and CORS open to all origins
func NewRouter(h *Handler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.Tracing())
	router.Use(middleware.Metrics())
	router.Use(cors.Default())
	SetupRoutes(router, h)
	return router
}
