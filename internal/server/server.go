package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/requestid"
	"github.com/gin-gonic/gin"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/courier/internal/circuitbreaker"
	"github.com/smallbiznis/courier/internal/config"
	deadletterdomain "github.com/smallbiznis/courier/internal/deadletter/domain"
	"github.com/smallbiznis/courier/internal/observability"
	obsmiddleware "github.com/smallbiznis/courier/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/courier/internal/observability/metrics"
	obstracing "github.com/smallbiznis/courier/internal/observability/tracing"
	"github.com/smallbiznis/courier/internal/ratelimit"
	webhookdomain "github.com/smallbiznis/courier/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module serves both the webhook receiver and the admin API.
var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(func(s *Server) {
		s.RegisterWebhookRoutes()
		s.RegisterAdminRoutes()
	}),
	fx.Invoke(RunHTTP),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestid.New(
		requestid.WithGenerator(func() string { return ulid.Make().String() }),
		requestid.WithHandler(func(c *gin.Context, id string) { c.Set("request_id", id) }),
	))
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func RunHTTP(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	addr := cfg.HTTPAddr
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("http server listening", zap.String("addr", addr))
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine      *gin.Engine
	cfg         config.Config
	log         *zap.Logger
	webhooks    webhookdomain.Service
	deadLetters deadletterdomain.Service
	breakers    *circuitbreaker.Registry
	intake      *ratelimit.IntakeLimiter
	obsMetrics  *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin         *gin.Engine
	Cfg         config.Config
	Log         *zap.Logger
	Webhooks    webhookdomain.Service
	DeadLetters deadletterdomain.Service
	Breakers    *circuitbreaker.Registry
	Intake      *ratelimit.IntakeLimiter `optional:"true"`
	ObsMetrics  *obsmetrics.Metrics      `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	return &Server{
		engine:      p.Gin,
		cfg:         p.Cfg,
		log:         p.Log.Named("http.server"),
		webhooks:    p.Webhooks,
		deadLetters: p.DeadLetters,
		breakers:    p.Breakers,
		intake:      p.Intake,
		obsMetrics:  p.ObsMetrics,
	}
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) RegisterWebhookRoutes() {
	s.engine.POST("/webhooks/:provider", s.ReceiveWebhook)
}

func (s *Server) RegisterAdminRoutes() {
	admin := s.engine.Group("/admin")
	if len(s.cfg.AdminCORSOrigins) > 0 {
		admin.Use(cors.New(cors.Config{
			AllowOrigins:  s.cfg.AdminCORSOrigins,
			AllowMethods:  []string{http.MethodGet, http.MethodPost},
			AllowHeaders:  []string{"Authorization", "Content-Type", headerActor},
			ExposeHeaders: []string{"X-Request-Id"},
			MaxAge:        12 * time.Hour,
		}))
	}
	admin.Use(s.AdminAuthRequired())

	admin.GET("/dead-letters", s.ListDeadLetters)
	admin.GET("/dead-letters/:id", s.GetDeadLetter)
	admin.POST("/dead-letters/:id/replay", s.ReplayDeadLetter)
	admin.GET("/breakers", s.ListBreakers)
}
