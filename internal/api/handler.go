// Package api serves the operator HTTP surface of the execution core.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"execution-core/internal/events"
	"execution-core/internal/guard"
	"execution-core/internal/monitor"
	"execution-core/internal/order"
	"execution-core/internal/risk"
	"execution-core/pkg/db"
)

// Commands is the command service surface.
type Commands interface {
	Submit(ctx context.Context, cmd order.Command) order.Result
	Register(ctx context.Context, cmd order.Command) (string, error)
	ClientID() string
}

// GuardView reads guard state.
type GuardView interface {
	Strategies() []string
	View(strategyID string) guard.StrategyView
}

// RiskView reads the risk manager state.
type RiskView interface {
	Status() risk.Status
}

// MetricsView reads process metrics.
type MetricsView interface {
	Snapshot() monitor.MetricsSnapshot
}

// BrokerHealth reports whether the gateway lets calls through.
type BrokerHealth interface {
	Available() bool
}

// Config holds HTTP server settings.
type Config struct {
	JWTSecret      string
	RateLimit      float64
	Burst          int
	RequestTimeout time.Duration
	CORSOrigins    []string
}

// Deps are the services the API reads from and writes to.
type Deps struct {
	Commands Commands
	Ledger   *db.Ledger
	Guard    GuardView
	Risk     RiskView
	Metrics  MetricsView
	Broker   BrokerHealth
	Bus      *events.Bus
}

// Server wires HTTP endpoints around the execution services.
type Server struct {
	Router *gin.Engine
	deps   Deps
	cfg    Config
	log    *zap.SugaredLogger
	valid  *validator.Validate
}

// NewServer builds the router.
func NewServer(deps Deps, cfg Config, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	r := gin.New()

	// Order matters: recovery first, logging after the id is set.
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(log))
	r.Use(RateLimitMiddleware(newIPLimiters(cfg.RateLimit, cfg.Burst), log))
	r.Use(CORSMiddleware(cfg.CORSOrigins))

	s := &Server{Router: r, deps: deps, cfg: cfg, log: log, valid: validator.New()}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)

	ws := s.Router.Group("/ws")
	ws.Use(AuthMiddleware(s.cfg.JWTSecret))
	ws.GET("/orders", s.streamOrders)

	api := s.Router.Group("/api")
	api.Use(TimeoutMiddleware(s.cfg.RequestTimeout))
	api.Use(AuthMiddleware(s.cfg.JWTSecret))
	{
		api.POST("/commands", s.submitCommand)
		api.POST("/commands/exit", s.registerExit)

		api.GET("/orders/:id", s.getOrder)
		api.GET("/strategies", s.listStrategies)
		api.GET("/strategies/:id/orders/open", s.getOpenOrders)
		api.GET("/strategies/:id/guard", s.getGuard)

		api.GET("/risk", s.getRisk)
		api.GET("/metrics", s.getMetrics)
	}
}

func (s *Server) health(c *gin.Context) {
	resp := gin.H{"status": "ok", "time": time.Now().UTC()}
	if s.deps.Broker != nil {
		resp["broker_available"] = s.deps.Broker.Available()
	}
	if s.deps.Risk != nil {
		resp["can_execute"] = s.deps.Risk.Status().CanExecute
	}
	c.JSON(http.StatusOK, resp)
}

// Run serves on addr until ctx is done.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Infow("api listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
