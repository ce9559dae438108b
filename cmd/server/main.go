package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opsforge/changeflow/modules/changes/infrastructure/persistence"
	"github.com/opsforge/changeflow/modules/changes/presentation/controllers"
	"github.com/opsforge/changeflow/modules/changes/services"
	"github.com/opsforge/changeflow/pkg/configuration"
	"github.com/opsforge/changeflow/pkg/eventbus"
	"github.com/opsforge/changeflow/pkg/httpapi"
	"github.com/opsforge/changeflow/pkg/metrics"
	"github.com/opsforge/changeflow/pkg/middleware"
	"github.com/opsforge/changeflow/pkg/server"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			configuration.Use().Unload()
			log.Println(r)
			debug.PrintStack()
			os.Exit(1)
		}
	}()

	conf := configuration.Use()
	logger := conf.Logger()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	pool, err := pgxpool.New(ctx, conf.Database.Opts)
	if err != nil {
		panic(err)
	}
	defer pool.Close()

	suite := services.NewSuite(services.SuiteConfig{
		Changes:   persistence.NewPgChangeRepository(),
		Policies:  persistence.NewPgPolicyRepository(),
		Approvals: persistence.NewPgApprovalRepository(),
		Audit:     persistence.NewPgAuditRepository(),
		Directory: persistence.NewPgContactDirectory(),
		Bus:       eventbus.NewEventPublisher(logger),
		Settings: services.GovernanceSettings{
			CabQuorum:          conf.Governance.CabQuorum,
			EmergencyCabQuorum: conf.Governance.EmergencyCabQuorum,
			AllowVoteChanges:   conf.Governance.AllowVoteChanges,
			BypassReasonMinLen: conf.Governance.BypassReasonMinLen,
			AutoPopulateCab:    conf.Governance.AutoPopulateCab,
		},
	})

	httpServer := server.NewHTTPServer(
		[]server.Controller{
			controllers.NewChangesAPIController(suite),
			metrics.NewPrometheusController(""),
			&healthController{pool: pool},
		},
		[]mux.MiddlewareFunc{
			middleware.WithLogger(logger),
			middleware.WithPool(pool),
			middleware.ProvideTenant("/health", "/debug/prometheus"),
			middleware.ProvideActor("/health", "/debug/prometheus"),
		},
		notFound(), methodNotAllowed(),
	)

	srv := &http.Server{
		Addr:         conf.SocketAddress,
		Handler:      httpServer.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		logger.Infof("listening on %s", conf.SocketAddress)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("server stopped")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("graceful shutdown failed")
	}
	configuration.Use().Unload()
}

// healthController answers liveness probes. Its path is exempted from the
// identity middleware since probes carry no gateway headers.
type healthController struct {
	pool *pgxpool.Pool
}

func (c *healthController) Key() string { return "/health" }

func (c *healthController) Register(r *mux.Router) {
	r.HandleFunc("/health", func(w http.ResponseWriter, req *http.Request) {
		if err := c.pool.Ping(req.Context()); err != nil {
			_ = httpapi.WriteError(w, http.StatusServiceUnavailable, "UNHEALTHY", "database unreachable", nil)
			return
		}
		_ = httpapi.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
}

func notFound() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = httpapi.WriteError(w, http.StatusNotFound, "ROUTE_NOT_FOUND", "no such route", nil)
	})
}

func methodNotAllowed() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = httpapi.WriteError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed for this route", nil)
	})
}
