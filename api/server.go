package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/web5fans/micro-pay/internal/types"
	"github.com/web5fans/micro-pay/service"
	"github.com/web5fans/micro-pay/storage"
)

type Server struct {
	host     string
	port     int64
	payments service.Payment
	logger   *logrus.Logger
	engine   *gin.Engine
}

func NewServer(host string, port int64, payments service.Payment, logger *logrus.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		host:     host,
		port:     port,
		payments: payments,
		logger:   logger,
	}
	s.engine = s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	g := r.Group("/api/payment")
	g.POST("/prepare", s.preparePayment)
	g.POST("/transfer", s.completeTransfer)
	g.GET("/:id", s.getPayment)
	g.GET("/sender/:address", s.getPaymentsBySender)
	g.GET("/receiver/:address", s.getAccountsByReceiver)
	return r
}

// Start serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              net.JoinHostPort(s.host, strconv.FormatInt(s.port, 10)),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", srv.Addr).Info("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
		}).Debug("request handled")
	}
}

func (s *Server) preparePayment(c *gin.Context) {
	var req types.PrepareRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	res, err := s.payments.PreparePayment(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) completeTransfer(c *gin.Context) {
	var req types.TransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	res, err := s.payments.CompleteTransfer(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) getPayment(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payment id"})
		return
	}
	res, err := s.payments.GetPayment(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) getPaymentsBySender(c *gin.Context) {
	page, err := pageFromQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := s.payments.GetPaymentsBySender(c.Request.Context(), c.Param("address"), page)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payments": res})
}

func (s *Server) getAccountsByReceiver(c *gin.Context) {
	page, err := pageFromQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := s.payments.GetAccountsByReceiver(c.Request.Context(), c.Param("address"), page)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accounts": res})
}

func pageFromQuery(c *gin.Context) (storage.Page, error) {
	var page storage.Page
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return page, fmt.Errorf("invalid limit %q", v)
		}
		page.Limit = n
	}
	if v := c.Query("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return page, fmt.Errorf("invalid offset %q", v)
		}
		page.Offset = n
	}
	page.Sort = c.Query("sort")
	return page, nil
}

func (s *Server) writeError(c *gin.Context, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.WithError(err).WithField("path", c.FullPath()).Error("request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// StatusFor maps a domain error onto an HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrValidation), errors.Is(err, types.ErrHashMismatch):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrPaymentNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrDuplicateActivePayment), errors.Is(err, types.ErrStateMismatch):
		return http.StatusConflict
	case errors.Is(err, types.ErrInsufficientBalance), errors.Is(err, types.ErrUnsupportedCellShape),
		errors.Is(err, types.ErrPlatformCellMissing):
		return http.StatusUnprocessableEntity
	case errors.Is(err, types.ErrNoAvailablePlatformAddress):
		return http.StatusServiceUnavailable
	case errors.Is(err, types.ErrChain):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
