package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"github.com/yourorg/storefront-payments/internal/config"
	"github.com/yourorg/storefront-payments/internal/gateway"
	"github.com/yourorg/storefront-payments/internal/gateway/circuitbreaker"
	gatewaymock "github.com/yourorg/storefront-payments/internal/gateway/mock"
	"github.com/yourorg/storefront-payments/internal/logger"
	"github.com/yourorg/storefront-payments/internal/metrics"
	"github.com/yourorg/storefront-payments/internal/monitor"
	"github.com/yourorg/storefront-payments/internal/orchestrator"
	"github.com/yourorg/storefront-payments/internal/order"
	"github.com/yourorg/storefront-payments/internal/policy"
	"github.com/yourorg/storefront-payments/internal/reporting"
	"github.com/yourorg/storefront-payments/internal/transaction"
)

// paymentSession pairs one orchestrator with the terminal event it
// delivered, so display collaborators can poll GET /payments/:id.
type paymentSession struct {
	orch *orchestrator.Orchestrator

	mu      sync.Mutex
	success *orchestrator.SuccessEvent
	failure *orchestrator.FailureEvent
}

type server struct {
	cfg       *config.Config
	logger    *slog.Logger
	gateway   gateway.Client
	retries   *orchestrator.RetryController
	metrics   *metrics.Metrics
	collector *reporting.Collector
	finalizer order.Finalizer
	contract  *monitor.ContractMonitor
	registry  *prometheus.Registry

	mu       sync.Mutex
	payments map[string]*paymentSession
}

func newServer(cfg *config.Config, log *slog.Logger) (*server, error) {
	contract, err := monitor.NewContractMonitor()
	if err != nil {
		return nil, err
	}
	enforcer, err := policy.NewRetryPolicyEnforcer(policy.DefaultRules())
	if err != nil {
		return nil, err
	}

	var gw gateway.Client
	switch cfg.Gateway.Driver {
	case "mock":
		log.Warn("running against the mock gateway; no real payments will be made")
		gw = gatewaymock.New()
	default:
		breaker := circuitbreaker.New(circuitbreaker.Config{})
		gw = gateway.NewHTTPClient(cfg.Gateway.BaseURL, cfg.Gateway.APIKey, log,
			gateway.WithHTTPClient(&http.Client{Timeout: cfg.Gateway.HTTPTimeout}),
			gateway.WithBreaker(breaker),
		)
	}

	registry := prometheus.NewRegistry()
	return &server{
		cfg:       cfg,
		logger:    log,
		gateway:   gw,
		retries:   orchestrator.NewRetryController(cfg.Payment.MaxRetries, enforcer),
		metrics:   metrics.New(registry),
		collector: reporting.NewCollector(),
		finalizer: order.NewLogFinalizer(log),
		contract:  contract,
		registry:  registry,
		payments:  make(map[string]*paymentSession),
	}, nil
}

func (s *server) createPaymentHandler(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not read request body"})
		return
	}

	valid, validationErrors, err := s.contract.Validate(body)
	if err != nil {
		s.logger.Error("contract validation error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal validation error"})
		return
	}
	if !valid {
		c.JSON(http.StatusBadRequest, gin.H{"error": monitor.FormatErrors(validationErrors)})
		return
	}

	var req transaction.PaymentRequest
	if err := json.Unmarshal(body, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request format: " + err.Error()})
		return
	}

	orch := orchestrator.New(s.gateway, s.retries,
		orchestrator.Config{
			PollInterval: s.cfg.Payment.PollInterval,
			PollTimeout:  s.cfg.Payment.PollTimeout,
			MaxRetries:   s.cfg.Payment.MaxRetries,
		},
		s.logger,
		orchestrator.WithMetrics(s.metrics),
		orchestrator.WithRecorder(s.collector),
	)
	session := &paymentSession{orch: orch}

	orch.OnSuccess(func(ev orchestrator.SuccessEvent) {
		session.mu.Lock()
		session.success = &ev
		session.mu.Unlock()

		// Order creation failures belong to the finalizer; the orchestrator
		// never retries them.
		if err := s.finalizer.FinalizeOrder(context.Background(), order.Confirmation{
			TransactionID: ev.TransactionID,
			Provider:      ev.Provider,
			OrderID:       req.OrderID,
			PayerID:       req.PayerID,
			Amount:        req.Amount,
			Currency:      req.Currency,
		}); err != nil {
			s.logger.Error("order finalization failed", "transaction_id", ev.TransactionID, "error", err)
		}
	})
	orch.OnFailure(func(ev orchestrator.FailureEvent) {
		session.mu.Lock()
		session.failure = &ev
		session.mu.Unlock()
	})

	s.mu.Lock()
	s.payments[orch.PaymentID()] = session
	s.mu.Unlock()

	result, err := orch.Start(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, result)
}

func (s *server) session(c *gin.Context) (*paymentSession, bool) {
	s.mu.Lock()
	session, ok := s.payments[c.Param("id")]
	s.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown payment"})
		return nil, false
	}
	return session, true
}

func (s *server) getPaymentHandler(c *gin.Context) {
	session, ok := s.session(c)
	if !ok {
		return
	}

	snapshot, active := session.orch.Snapshot()
	resp := gin.H{
		"paymentId":      session.orch.PaymentID(),
		"status":         snapshot.Status.String(),
		"statusMessage":  snapshot.StatusMessage,
		"retryAvailable": session.orch.RetryAvailable(),
	}
	if !active {
		resp["status"] = transaction.StatusIdle.String()
		resp["statusMessage"] = "Payment cancelled"
	}
	if snapshot.TransactionID != "" {
		resp["transactionId"] = snapshot.TransactionID
	}
	if snapshot.RedirectTarget != "" {
		resp["redirectTarget"] = snapshot.RedirectTarget
	}

	session.mu.Lock()
	if session.failure != nil {
		resp["failureCode"] = session.failure.Code
	}
	session.mu.Unlock()

	c.JSON(http.StatusOK, resp)
}

func (s *server) retryPaymentHandler(c *gin.Context) {
	session, ok := s.session(c)
	if !ok {
		return
	}

	err := session.orch.Retry(c.Request.Context())
	switch {
	case err == nil:
		session.mu.Lock()
		session.failure = nil
		session.mu.Unlock()
		snapshot, _ := session.orch.Snapshot()
		c.JSON(http.StatusOK, gin.H{
			"paymentId":     session.orch.PaymentID(),
			"status":        snapshot.Status.String(),
			"statusMessage": snapshot.StatusMessage,
			"retryCount":    snapshot.RetryCount,
		})
	case errors.Is(err, orchestrator.ErrRetriesExhausted):
		c.JSON(http.StatusConflict, gin.H{"error": "max retries reached", "retryAvailable": false})
	case errors.Is(err, orchestrator.ErrNoAttempt), errors.Is(err, orchestrator.ErrNoTransaction):
		c.JSON(http.StatusConflict, gin.H{"error": "nothing to retry; start a new payment"})
	default:
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	}
}

func (s *server) cancelPaymentHandler(c *gin.Context) {
	session, ok := s.session(c)
	if !ok {
		return
	}
	session.orch.Cancel()
	c.Status(http.StatusNoContent)
}

func (s *server) retrospectiveHandler(c *gin.Context) {
	c.JSON(http.StatusOK, reporting.Generate(s.collector.Snapshot()))
}

func (s *server) routes() *gin.Engine {
	if s.cfg.Server.Mode != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("storefront-payments"))

	router.POST("/payments", s.createPaymentHandler)
	router.GET("/payments/:id", s.getPaymentHandler)
	router.POST("/payments/:id/retry", s.retryPaymentHandler)
	router.POST("/payments/:id/cancel", s.cancelPaymentHandler)
	router.GET("/reports/retrospective", s.retrospectiveHandler)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	return router
}

// closeSessions cancels every live orchestrator on shutdown so no poll loop
// outlives the process's graceful-stop window.
func (s *server) closeSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, session := range s.payments {
		session.orch.Close()
	}
}

func setupTracing(ctx context.Context) (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func run() error {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	log := logger.New(cfg.Logger.Level, cfg.Logger.Format, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := setupTracing(ctx)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Warn("trace provider shutdown failed", "error", err)
		}
	}()

	srv, err := newServer(cfg, log)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.routes(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 3 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("payment orchestrator listening", "addr", httpServer.Addr, "gateway_driver", cfg.Gateway.Driver)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		log.Info("shutting down")
		srv.closeSessions()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
