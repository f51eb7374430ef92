// Package server exposes the billing services over HTTP. It owns no
// business rules: handlers bind requests, delegate to the domain
// services, and map errors onto status codes.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/tradebill/internal/config"
	estimatedomain "github.com/smallbiznis/tradebill/internal/estimate/domain"
	invoicedomain "github.com/smallbiznis/tradebill/internal/invoice/domain"
	recurringdomain "github.com/smallbiznis/tradebill/internal/recurring/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Provide(NewServer),
	fx.Invoke(run),
)

func NewEngine(cfg config.Config) *gin.Engine {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(cfg config.Config) *gin.Engine {
	return NewEngine(cfg)
}

func run(lc fx.Lifecycle, cfg config.Config, log *zap.Logger, r *gin.Engine, srv *Server) {
	srv.RegisterRoutes()

	httpSrv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server failed", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine       *gin.Engine
	cfg          config.Config
	log          *zap.Logger
	invoiceSvc   invoicedomain.Service
	estimateSvc  estimatedomain.Service
	recurringSvc recurringdomain.Service
}

type ServerParams struct {
	fx.In

	Engine       *gin.Engine
	Config       config.Config
	Log          *zap.Logger
	InvoiceSvc   invoicedomain.Service
	EstimateSvc  estimatedomain.Service
	RecurringSvc recurringdomain.Service
}

func NewServer(p ServerParams) *Server {
	return &Server{
		engine:       p.Engine,
		cfg:          p.Config,
		log:          p.Log.Named("http"),
		invoiceSvc:   p.InvoiceSvc,
		estimateSvc:  p.EstimateSvc,
		recurringSvc: p.RecurringSvc,
	}
}

func (s *Server) RegisterRoutes() {
	api := s.engine.Group("/api/v1", s.TenantRequired())

	api.GET("/invoices", s.ListInvoices)
	api.POST("/invoices", s.CreateInvoice)
	api.GET("/invoices/:id", s.GetInvoiceByID)
	api.PUT("/invoices/:id", s.UpdateInvoice)
	api.DELETE("/invoices/:id", s.DeleteInvoice)
	api.POST("/invoices/:id/send", s.SendInvoice)
	api.POST("/invoices/:id/viewed", s.MarkInvoiceViewed)
	api.POST("/invoices/:id/paid", s.MarkInvoicePaid)
	api.POST("/invoices/:id/cancel", s.CancelInvoice)

	api.GET("/estimates", s.ListEstimates)
	api.POST("/estimates", s.CreateEstimate)
	api.GET("/estimates/:id", s.GetEstimateByID)
	api.PUT("/estimates/:id", s.UpdateEstimate)
	api.DELETE("/estimates/:id", s.DeleteEstimate)
	api.POST("/estimates/:id/send", s.SendEstimate)
	api.POST("/estimates/:id/viewed", s.MarkEstimateViewed)
	api.POST("/estimates/:id/accept", s.AcceptEstimate)
	api.POST("/estimates/:id/decline", s.DeclineEstimate)
	api.POST("/estimates/:id/convert", s.ConvertEstimate)

	api.GET("/recurring_invoices", s.ListRecurringInvoices)
	api.POST("/recurring_invoices", s.CreateRecurringInvoice)
	api.GET("/recurring_invoices/:id", s.GetRecurringInvoiceByID)
	api.PUT("/recurring_invoices/:id", s.UpdateRecurringInvoice)
	api.DELETE("/recurring_invoices/:id", s.DeleteRecurringInvoice)
	api.POST("/recurring_invoices/:id/pause", s.PauseRecurringInvoice)
	api.POST("/recurring_invoices/:id/resume", s.ResumeRecurringInvoice)
	api.POST("/recurring_invoices/:id/cancel", s.CancelRecurringInvoice)
	api.POST("/recurring_invoices/:id/generate", s.GenerateRecurringInvoice)

	// The payment token is the credential; no tenant header required.
	public := s.engine.Group("/public")
	public.GET("/invoices/:token", s.GetPublicInvoice)
}
