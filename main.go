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
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	derrors "github.com/tradewarden/delegation-engine/internal/domain/errors"
	"github.com/tradewarden/delegation-engine/internal/domain/market"
	"github.com/tradewarden/delegation-engine/internal/domain/permission"
	"github.com/tradewarden/delegation-engine/internal/domain/rule"
	"github.com/tradewarden/delegation-engine/internal/domain/values"
	"github.com/tradewarden/delegation-engine/internal/infrastructure/cache"
	"github.com/tradewarden/delegation-engine/internal/infrastructure/config"
	"github.com/tradewarden/delegation-engine/internal/infrastructure/events"
	"github.com/tradewarden/delegation-engine/internal/infrastructure/repository"
	"github.com/tradewarden/delegation-engine/internal/infrastructure/telemetry"
	"github.com/tradewarden/delegation-engine/internal/metrics"
	"github.com/tradewarden/delegation-engine/internal/service/autorevoke"
	"github.com/tradewarden/delegation-engine/internal/service/evaluator"
	"github.com/tradewarden/delegation-engine/internal/service/lifecycle"
	"github.com/tradewarden/delegation-engine/internal/service/scheduler"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.SetDefault(telemetry.SetupSlogLogger(cfg.LogLevel))

	logger, err := telemetry.NewLogger(cfg.LogLevel, cfg.Environment)
	if err != nil {
		slog.Error("failed to setup logger", "error", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("daemon failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("starting delegation engine",
		zap.String("version", cfg.Version),
		zap.String("environment", cfg.Environment),
		zap.Int("port", cfg.Server.Port))

	otelCfg := telemetry.DefaultConfig()
	otelCfg.ServiceVersion = cfg.Version
	otelCfg.Environment = cfg.Environment
	otelCfg.Enabled = cfg.Telemetry.Enabled
	if cfg.Telemetry.OTLPEndpoint != "" {
		otelCfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	}
	otelCfg.SamplingRate = cfg.Telemetry.SamplingRatio

	otelProvider, err := telemetry.InitializeOpenTelemetry(ctx, otelCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := otelProvider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	pool, err := repository.NewPool(ctx, &cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer pool.Close()

	permissions := repository.NewPermissionRepository(pool)
	rules := repository.NewRuleRepository(pool)
	eventLog := repository.NewEventRepository(pool)

	redisClient, err := cache.NewClient(&cfg.Redis, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer redisClient.Close()

	frequency := cache.NewFrequencyLimiter(redisClient, logger)
	snapshots := cache.NewSnapshotStore(redisClient, logger)

	hub := events.NewHub(logger, events.DefaultHubConfig())
	defer hub.Close() //nolint:errcheck
	publisher := events.NewPublisher(hub, logger)

	registry, err := metrics.NewRegistry("delegation-engine")
	if err != nil {
		return fmt.Errorf("failed to create metrics registry: %w", err)
	}

	// Vote proposal transport is deployment-specific; without one wired,
	// escalations still restrict and audit, they just skip the proposal.
	manager := lifecycle.NewManager(permissions, publisher, nil, logger,
		lifecycle.WithInstrumentation(registry))

	checker := evaluator.NewEvaluator(logger, frequency,
		evaluator.WithInstrumentation(registry))

	engine := autorevoke.NewEngine(manager,
		&broadcastingEventStore{EventStore: eventLog, publisher: publisher},
		logger,
		autorevoke.WithWorkers(cfg.Engine.Workers),
		autorevoke.WithTransactionCounter(frequency),
		autorevoke.WithInstrumentation(registry),
	)

	persisted, err := rules.FindAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to load rules: %w", err)
	}
	for _, r := range persisted {
		if err := engine.AddRule(r); err != nil {
			return fmt.Errorf("failed to load rule %s: %w", r.ID, err)
		}
	}
	logger.Info("loaded auto-revoke rules", zap.Int("count", len(persisted)))

	sched := scheduler.New(snapshots, engine, logger,
		scheduler.WithInterval(cfg.Engine.Interval),
		scheduler.WithSnapshotTimeout(cfg.Engine.SnapshotTimeout),
		scheduler.WithTriggerRate(cfg.Engine.TriggerInterval),
	)
	sched.Start(ctx)
	defer sched.Stop()

	srv := newServer(cfg, pool, redisClient, hub, snapshots, sched, manager, checker, frequency, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown failed: %w", err)
	}
	return nil
}

// broadcastingEventStore persists rule firings and then fans them out to
// the affected user's connections.
type broadcastingEventStore struct {
	autorevoke.EventStore
	publisher *events.Publisher
}

func (s *broadcastingEventStore) Record(ctx context.Context, ev *rule.AutoRevokeEvent) error {
	if err := s.EventStore.Record(ctx, ev); err != nil {
		return err
	}
	s.publisher.PublishAutoRevoke(ctx, ev)
	return nil
}

// checkRequest is the wire form of a pre-flight permission check.
type checkRequest struct {
	PermissionID      uuid.UUID        `json:"permission_id"`
	Action            string           `json:"action"`
	Token             string           `json:"token"`
	Amount            string           `json:"amount"`
	PortfolioValue    string           `json:"portfolio_value"`
	PriceChange24h    *decimal.Decimal `json:"price_change_24h,omitempty"`
	RiskScore         *decimal.Decimal `json:"risk_score,omitempty"`
	CommunityApproval *bool            `json:"community_approval,omitempty"`
}

func (r checkRequest) toActionRequest() (evaluator.ActionRequest, error) {
	action, err := permission.ParseType(r.Action)
	if err != nil {
		return evaluator.ActionRequest{}, err
	}
	amount, err := values.NewAmountFromString(r.Amount)
	if err != nil {
		return evaluator.ActionRequest{}, fmt.Errorf("invalid amount: %w", err)
	}
	req := evaluator.ActionRequest{
		Action:            action,
		Token:             r.Token,
		Amount:            amount,
		Now:               time.Now().UTC(),
		PriceChange24h:    r.PriceChange24h,
		RiskScore:         r.RiskScore,
		CommunityApproval: r.CommunityApproval,
	}
	if r.PortfolioValue != "" {
		if req.PortfolioValue, err = values.NewAmountFromString(r.PortfolioValue); err != nil {
			return evaluator.ActionRequest{}, fmt.Errorf("invalid portfolio value: %w", err)
		}
	}
	return req, nil
}

func newServer(
	cfg *config.Config,
	pool *pgxpool.Pool,
	redisClient *redis.Client,
	hub *events.Hub,
	snapshots *cache.SnapshotStore,
	sched *scheduler.Scheduler,
	manager *lifecycle.Manager,
	checker *evaluator.Evaluator,
	frequency *cache.FrequencyLimiter,
	logger *zap.Logger,
) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, "database unreachable", http.StatusServiceUnavailable)
			return
		}
		if err := redisClient.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok")) //nolint:errcheck
	})

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "delegation_engine",
			Name:      "websocket_connections",
			Help:      "Open event stream connections.",
		}, func() float64 { return float64(hub.ConnectionCount()) }),
	)
	mux.Handle("GET /metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))

	// Webhook entry: ingest a fresh snapshot and run an immediate pass.
	mux.HandleFunc("POST /snapshot", func(w http.ResponseWriter, r *http.Request) {
		var cond market.Condition
		if err := json.NewDecoder(r.Body).Decode(&cond); err != nil {
			http.Error(w, "invalid snapshot payload", http.StatusBadRequest)
			return
		}
		if cond.Timestamp.IsZero() {
			cond.Timestamp = time.Now().UTC()
		}
		if err := snapshots.Publish(r.Context(), cond); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		fired, err := sched.TriggerNow(r.Context())
		if errors.Is(err, scheduler.ErrThrottled) {
			http.Error(w, "trigger throttled", http.StatusTooManyRequests)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int{"events": len(fired)}) //nolint:errcheck
	})

	// Pre-flight check for a proposed action. Permitted actions are recorded
	// against the permission's frequency windows so repeated checks count.
	mux.HandleFunc("POST /check", func(w http.ResponseWriter, r *http.Request) {
		var req checkRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid check payload", http.StatusBadRequest)
			return
		}

		actionReq, err := req.toActionRequest()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if snapshot, err := snapshots.Current(r.Context()); err == nil {
			actionReq.Market = snapshot
		}

		p, err := manager.Get(r.Context(), req.PermissionID)
		if err != nil {
			if errors.Is(err, derrors.ErrPermissionNotFound) {
				http.Error(w, "permission not found", http.StatusNotFound)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		decision, err := checker.IsActionPermitted(r.Context(), p, actionReq)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if decision.Permitted {
			if err := frequency.Record(r.Context(), p.ID, actionReq.Action.String()); err != nil {
				logger.Warn("failed to record action frequency",
					zap.String("permission_id", p.ID.String()), zap.Error(err))
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{ //nolint:errcheck
			"permitted": decision.Permitted,
			"reason":    decision.Reason,
		})
	})

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
		userID, err := uuid.Parse(r.URL.Query().Get("user_id"))
		if err != nil {
			http.Error(w, "user_id query parameter required", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		hub.AddConnection(uuid.NewString(), conn, userID)
	})

	return &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
}
