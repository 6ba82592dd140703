package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"homeward/internal/config"
	"homeward/internal/journal"
	"homeward/internal/lifecycle"
	"homeward/internal/readmodel"
	"homeward/internal/remittance"
	"homeward/internal/walletauth"
)

// Pinger is implemented by dependencies that report their health.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Manager *lifecycle.Manager
	Cache   *readmodel.Cache
	Journal journal.Journal
	Logger  *zap.Logger
	// Health maps a component name to its health check.
	Health map[string]Pinger
}

type Server struct {
	cfg        *config.AppConfig
	manager    *lifecycle.Manager
	cache      *readmodel.Cache
	journal    journal.Journal
	validator  remittance.Validator
	wallet     *walletauth.Verifier
	health     map[string]Pinger
	logger     *zap.Logger
	metrics    *metricsRegistry
	router     chi.Router
	httpServer *http.Server
	watch      *lifecycle.Subscription
	watchDone  chan struct{}
}

func NewServer(cfg *config.AppConfig, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	j := deps.Journal
	if j == nil {
		j = journal.NewMemoryJournal()
	}

	var stats func() readmodel.Stats
	if deps.Cache != nil {
		stats = deps.Cache.Stats
	}

	s := &Server{
		cfg:       cfg,
		manager:   deps.Manager,
		cache:     deps.Cache,
		journal:   j,
		validator: remittance.Validator{Decimals: cfg.Chain.Decimals},
		wallet: &walletauth.Verifier{
			MaxSkew:  cfg.Service.WalletAuthSkew,
			Required: cfg.Service.WalletAuthRequired,
		},
		health:    deps.Health,
		logger:    logger.Named("server"),
		metrics:   newMetricsRegistry(stats),
		watchDone: make(chan struct{}),
	}
	s.router = s.routes()

	s.watch = s.manager.Subscribe(nil)
	go s.observeLifecycle()

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           s.router,
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Method(http.MethodGet, "/metrics", s.metrics.handler())
		r.Get("/countries", s.handleCountries)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			r.Use(s.wallet.Middleware)

			r.Post("/remittances/validate", s.handleValidate)
			r.Post("/remittances", s.handleCreate)
			r.Get("/remittances", s.handleList)
			r.Get("/remittances/{id}", s.handleGet)
			r.Get("/remittances/{id}/history", s.handleHistory)
			r.Post("/remittances/{id}/cancel", s.handleCancel)

			r.Get("/accounts/{address}/reputation", s.handleReputation)
			r.Get("/accounts/{address}/transaction-count", s.handleTransactionCount)
			r.Get("/ledger/transactions/{txId}", s.handleLedgerTransaction)
			r.Post("/ledger/transactions/{txId}/complete", s.handleComplete)
		})

		// streams stay open until the transaction settles
		r.Get("/remittances/{id}/events", s.handleEvents)
	})
	return r
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.logger.Info("API listening", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.watch.Close()
	<-s.watchDone
	return err
}

// observeLifecycle feeds lifecycle events into the metrics.
func (s *Server) observeLifecycle() {
	defer close(s.watchDone)
	for ev := range s.watch.Events() {
		if ev.Kind == lifecycle.EventPending {
			s.metrics.incHeartbeat()
			continue
		}
		s.metrics.incTransition(string(ev.Snapshot.State))
		if ev.Snapshot.State == lifecycle.StateFailed {
			s.metrics.incFailure(ev.Snapshot.LastError)
		}
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	type component struct {
		Connected bool    `json:"connected"`
		LatencyMs float64 `json:"latency_ms"`
		Error     string  `json:"error,omitempty"`
	}

	overallHealthy := true
	components := make(map[string]component, len(s.health))
	for name, p := range s.health {
		start := time.Now()
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		err := p.Ping(ctx)
		cancel()
		if err != nil {
			overallHealthy = false
			components[name] = component{Error: err.Error()}
			continue
		}
		components[name] = component{
			Connected: true,
			LatencyMs: float64(time.Since(start).Microseconds()) / 1000.0,
		}
	}

	status := "healthy"
	if !overallHealthy {
		status = "degraded"
	}

	resp := struct {
		Status     string               `json:"status"`
		Components map[string]component `json:"components"`
		InFlight   int                  `json:"in_flight"`
	}{
		Status:     status,
		Components: components,
		InFlight:   s.inFlight(),
	}

	code := http.StatusOK
	if !overallHealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (s *Server) inFlight() int {
	n := 0
	for _, snap := range s.manager.List() {
		if !snap.State.Terminal() {
			n++
		}
	}
	return n
}

func (s *Server) handleCountries(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Countries []remittance.Country `json:"countries"`
		Purposes  []remittance.Purpose `json:"purposes"`
		FeeRate   string               `json:"feeRate"`
	}{
		Countries: remittance.Countries(),
		Purposes:  remittance.Purposes(),
		FeeRate:   remittance.FeeRate.String(),
	})
}

type errorResponse struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
