// Package api serves the status snapshot, metrics, event stream and the
// forced-unwind control over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"execution-core/internal/coordinator"
	"execution-core/internal/events"
	"execution-core/internal/monitor"
	"execution-core/pkg/db"
)

// Accounts is the coordinator surface the API needs.
type Accounts interface {
	GetAllAccountsStatus() map[string]coordinator.AccountStatus
	AccountStatus(id string) (coordinator.AccountStatus, error)
	SetForcedUnwind(id string, on bool) error
}

// AuditReader reads the audit trail.
type AuditReader interface {
	ListOrderAudit(ctx context.Context, accountID string, limit int) ([]db.OrderAudit, error)
	ListReconcileAudit(ctx context.Context, accountID string, limit int) ([]db.ReconcileAudit, error)
	ListTransitions(ctx context.Context, accountID string, limit int) ([]db.TransitionAudit, error)
}

// SystemMeta describes the running process.
type SystemMeta struct {
	DryRun    bool      `json:"dry_run"`
	Version   string    `json:"version"`
	StartedAt time.Time `json:"started_at"`
}

// Server wires HTTP endpoints around the coordinator and the event bus.
type Server struct {
	Router    *gin.Engine
	Bus       *events.Bus
	Accounts  Accounts
	Audit     AuditReader
	JWTSecret string
	Meta      SystemMeta
	Log       *zap.Logger

	http *http.Server
}

func NewServer(accounts Accounts, audit AuditReader, bus *events.Bus, meta SystemMeta, jwtSecret string, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(log))
	r.Use(newIPLimiter(20, 50).Middleware(log))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:    r,
		Bus:       bus,
		Accounts:  accounts,
		Audit:     audit,
		JWTSecret: jwtSecret,
		Meta:      meta,
		Log:       log,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/metrics", gin.WrapH(monitor.Handler()))
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	{
		api.GET("/accounts", s.listAccounts)
		api.GET("/accounts/:id", s.getAccount)

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.PUT("/accounts/:id/forced-unwind", s.setForcedUnwind)
			protected.GET("/accounts/:id/orders", s.listOrders)
			protected.GET("/accounts/:id/transitions", s.listTransitions)
			protected.GET("/accounts/:id/reconciliations", s.listReconciliations)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	all := s.Accounts.GetAllAccountsStatus()
	running, disabled := 0, 0
	for _, st := range all {
		if st.Running {
			running++
		}
		if st.Disabled {
			disabled++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"accounts": len(all),
		"running":  running,
		"disabled": disabled,
		"dry_run":  s.Meta.DryRun,
		"version":  s.Meta.Version,
		"uptime":   time.Since(s.Meta.StartedAt).Round(time.Second).String(),
	})
}

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{Addr: addr, Handler: s.Router, ReadHeaderTimeout: 10 * time.Second}
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
