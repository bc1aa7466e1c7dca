package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vietddude/custody/internal/core/domain"
	"github.com/vietddude/custody/internal/ledger"
	"github.com/vietddude/custody/internal/withdrawal"
)

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Server exposes the gateway over HTTP.
type Server struct {
	svc      *Service
	http     *http.Server
	shutdown time.Duration
	log      *slog.Logger
}

type executeResponse struct {
	Success           bool        `json:"success"`
	OperationID       string      `json:"operation_id"`
	Data              interface{} `json:"data,omitempty"`
	Error             string      `json:"error,omitempty"`
	AuditLogID        string      `json:"audit_log_id,omitempty"`
	Reasons           []string    `json:"reasons,omitempty"`
	RequiredApprovals int         `json:"required_approvals,omitempty"`
}

// NewServer creates the gateway HTTP server.
func NewServer(cfg ServerConfig, svc *Service, health func(context.Context) error, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	shutdown := cfg.ShutdownTimeout
	if shutdown <= 0 {
		shutdown = 10 * time.Second
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		svc:      svc,
		shutdown: shutdown,
		log:      log,
	}

	router.GET("/health", func(c *gin.Context) {
		if health != nil {
			if err := health(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	v1.POST("/execute", s.handleExecute)
	v1.POST("/manual-review-callback", s.handleReviewCallback)

	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.log.Info("gateway listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.shutdown)
	defer cancel()
	return s.http.Shutdown(ctx)
}

func (s *Server) handleExecute(c *gin.Context) {
	var req ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, executeResponse{Error: "invalid request: " + err.Error()})
		return
	}

	result, err := s.svc.Execute(c.Request.Context(), &req, c.ClientIP(), c.Request.UserAgent())
	if err != nil {
		c.JSON(statusFor(err), executeResponse{
			OperationID: req.OperationID,
			Error:       err.Error(),
			AuditLogID:  result.AuditLogID,
		})
		return
	}

	resp := executeResponse{
		Success:     true,
		OperationID: req.OperationID,
		Data:        result.Withdraw,
		AuditLogID:  result.AuditLogID,
	}
	if a := result.Assessment; a != nil {
		switch a.Decision {
		case domain.RiskDecisionDeny:
			resp.Success = false
			resp.Error = "denied by risk engine"
			resp.Reasons = a.Reasons
			c.JSON(http.StatusForbidden, resp)
			return
		case domain.RiskDecisionManualReview:
			resp.Reasons = a.Reasons
			resp.RequiredApprovals = a.RequiredApprovals
			c.JSON(http.StatusAccepted, resp)
			return
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleReviewCallback(c *gin.Context) {
	var req ReviewCallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, executeResponse{Error: "invalid request: " + err.Error()})
		return
	}
	if req.Decision != "approved" && req.Decision != "rejected" {
		c.JSON(http.StatusBadRequest, executeResponse{
			OperationID: req.OperationID,
			Error:       "decision must be approved or rejected",
		})
		return
	}

	w, err := s.svc.HandleReviewCallback(c.Request.Context(), &req, c.ClientIP(), c.Request.UserAgent())
	if err != nil {
		c.JSON(statusFor(err), executeResponse{OperationID: req.OperationID, Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, executeResponse{
		Success:     true,
		OperationID: req.OperationID,
		Data:        w,
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrUnknownModule),
		errors.Is(err, ErrBadSignature),
		errors.Is(err, ErrStaleTimestamp),
		errors.Is(err, ErrMissingRiskSignature):
		return http.StatusUnauthorized
	case errors.Is(err, ErrReplay):
		return http.StatusConflict
	case errors.Is(err, ErrUnsupportedTarget),
		errors.Is(err, ErrBadRequest),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, withdrawal.ErrReviewState):
		return http.StatusBadRequest
	case errors.Is(err, withdrawal.ErrReviewNotFound):
		return http.StatusNotFound
	case errors.Is(err, withdrawal.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity
	case errors.Is(err, withdrawal.ErrUnsupportedChain):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
