package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/adamscao/trustgate/internal/accounts"
	"github.com/adamscao/trustgate/internal/api/handlers"
	"github.com/adamscao/trustgate/internal/api/middleware"
	"github.com/adamscao/trustgate/internal/approval"
	"github.com/adamscao/trustgate/internal/config"
	"github.com/adamscao/trustgate/internal/db/repository"
	"github.com/adamscao/trustgate/internal/truststore"
)

// Dependencies are the components the HTTP API exposes
type Dependencies struct {
	Channel    *approval.Channel
	TrustStore *truststore.Store
	Accounts   *accounts.Service
	Clients    handlers.ClientSource
	AuditRepo  *repository.AuditRepository
}

// Server represents the HTTP server
type Server struct {
	router *gin.Engine
	config *config.Config
	logger *zap.SugaredLogger
}

// NewServer creates a new API server
func NewServer(cfg *config.Config, deps Dependencies, log *zap.SugaredLogger) *Server {
	// Set Gin mode
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// Global middleware
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(log))

	// Create handlers
	approvalHandler := handlers.NewApprovalHandler(deps.Channel, cfg.Presentation.DateLayout, 0, log)
	trustHandler := handlers.NewTrustHandler(deps.TrustStore, deps.AuditRepo, log)
	accountHandler := handlers.NewAccountHandler(deps.Accounts, deps.Clients, log)
	auditHandler := handlers.NewAuditHandler(deps.AuditRepo)

	// API v1 routes, all require the admin token
	v1 := router.Group("/v1")
	v1.Use(middleware.AdminAuth(cfg.Admin.Token))
	{
		approvals := v1.Group("/approvals")
		{
			approvals.GET("", approvalHandler.List)
			approvals.GET("/stream", approvalHandler.Stream)
			approvals.POST("/:handle", middleware.Gate(cfg.Gate.TOTPSecret, deps.AuditRepo, log), approvalHandler.Resolve)
		}

		trust := v1.Group("/trust")
		{
			trust.GET("", trustHandler.List)
			trust.DELETE("", trustHandler.Reset)
			trust.DELETE("/:fingerprint", trustHandler.Forget)
		}

		accts := v1.Group("/accounts")
		{
			accts.GET("", accountHandler.List)
			accts.POST("", accountHandler.Create)
			accts.PUT("/:id/base-url", accountHandler.SetBaseURL)
			accts.POST("/:id/probe", accountHandler.Probe)
		}

		v1.GET("/audit", auditHandler.List)
	}

	// Health check
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":   "ok",
			"surfaces": deps.Channel.Surfaces(),
		})
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return &Server{
		router: router,
		config: cfg,
		logger: log,
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.Server.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		// approval streams and pending probes end with the server
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Infow("HTTP server listening", "addr", srv.Addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warnw("Graceful shutdown incomplete, closing connections", "error", err)
		return srv.Close()
	}

	return nil
}

// Router returns the underlying Gin router
func (s *Server) Router() *gin.Engine {
	return s.router
}
