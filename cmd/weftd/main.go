// Command weftd runs the workflow orchestrator daemon: the durable-workflow
// engine with the dynamic interpreter and planner bodies registered, the
// completion bridge consuming the events topic, and the HTTP control plane.
//
// # Configuration
//
// Environment variables (a YAML file named by -config or CONFIG_FILE is
// merged beneath them):
//
//	HOST, PORT             - HTTP listen address (default: "0.0.0.0:8080")
//	LOG_LEVEL              - "info" or "debug" (default: "info")
//	ENGINE                 - "temporal" or "inmem" (default: "temporal")
//	TEMPORAL_HOST_PORT     - Temporal frontend (default: "localhost:7233")
//	TEMPORAL_NAMESPACE     - Temporal namespace (default: "default")
//	TEMPORAL_TASK_QUEUE    - worker task queue (default: "weft-workflows")
//	REDIS_ADDR             - Redis for streams and state (default: "localhost:6379")
//	REDIS_PASSWORD         - Redis password (optional)
//	STREAM_STREAM_NAME     - physical stream for workflow.stream (optional)
//	EVENTS_STREAM_NAME     - physical stream for workflow.events (optional)
//	STATE_STORE_DRIVER     - "redis" or "mongo" (default: "redis")
//	MONGO_URI              - Mongo connection string (mongo driver only)
//	MONGO_DATABASE         - Mongo database name (default: "weft")
//	AUDIT_ENABLED          - enable the Postgres audit trail (default: false)
//	POSTGRES_URL           - audit database URL (required when enabled)
//	FUNCTION_ROUTER_URL    - function router base URL (default: "http://localhost:3000")
//	AGENT_SERVICE_URL      - agent service base URL (optional)
//	PLANNER_SERVICE_URL    - planner service base URL (optional)
//
// # Example
//
//	ENGINE=inmem FUNCTION_ROUTER_URL=http://localhost:3000 go run ./cmd/weftd
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	tclient "go.temporal.io/sdk/client"
	"goa.design/clue/log"

	"github.com/weftworks/weft/clients/agentsvc"
	"github.com/weftworks/weft/clients/callback"
	"github.com/weftworks/weft/clients/router"
	"github.com/weftworks/weft/config"
	"github.com/weftworks/weft/features/audit"
	auditpg "github.com/weftworks/weft/features/audit/postgres"
	"github.com/weftworks/weft/features/state"
	mongostate "github.com/weftworks/weft/features/state/mongo"
	redisstate "github.com/weftworks/weft/features/state/redis"
	"github.com/weftworks/weft/features/stream/pulse"
	"github.com/weftworks/weft/httpapi"
	"github.com/weftworks/weft/runtime/workflow/activities"
	"github.com/weftworks/weft/runtime/workflow/api"
	"github.com/weftworks/weft/runtime/workflow/bridge"
	"github.com/weftworks/weft/runtime/workflow/engine"
	"github.com/weftworks/weft/runtime/workflow/engine/inmem"
	"github.com/weftworks/weft/runtime/workflow/engine/temporal"
	"github.com/weftworks/weft/runtime/workflow/interpreter"
	"github.com/weftworks/weft/runtime/workflow/planner"
	"github.com/weftworks/weft/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configF = flag.String("config", "", "Path to a YAML config file")
		dbgF    = flag.Bool("debug", false, "Log at debug level")
	)
	flag.Parse()

	cfg, err := config.Load(*configF)
	if err != nil {
		return err
	}

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF || strings.EqualFold(cfg.Service.LogLevel, "debug") {
		ctx = log.Context(ctx, log.WithDebug())
	}
	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()

	// Redis backs both the pulse streams and the default state driver.
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	defer func() { _ = rdb.Close() }()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	ready := map[string]httpapi.ReadyCheck{
		"redis": func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	}

	var store state.Store
	switch cfg.State.Driver {
	case config.StateDriverMongo:
		mcli, err := mongodriver.Connect(mongooptions.Client().ApplyURI(cfg.State.MongoURI))
		if err != nil {
			return fmt.Errorf("connect to mongo: %w", err)
		}
		defer func() { _ = mcli.Disconnect(context.Background()) }()
		if err := mcli.Ping(ctx, nil); err != nil {
			return fmt.Errorf("ping mongo: %w", err)
		}
		store, err = mongostate.New(mongostate.Options{
			Client:   mcli,
			Database: cfg.State.MongoDatabase,
			Logger:   logger,
		})
		if err != nil {
			return err
		}
		ready["mongo"] = func(ctx context.Context) error { return mcli.Ping(ctx, nil) }
	default:
		store, err = redisstate.New(redisstate.Options{Client: rdb, Logger: logger})
		if err != nil {
			return err
		}
	}

	var auditStore audit.Store
	if cfg.Audit.Enabled {
		pool, err := auditpg.Connect(ctx, cfg.Audit.PostgresURL)
		if err != nil {
			return err
		}
		defer pool.Close()
		pg, err := auditpg.New(auditpg.Options{Pool: pool, Logger: logger})
		if err != nil {
			return err
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ensure audit schema: %w", err)
		}
		auditStore = pg
		ready["postgres"] = func(ctx context.Context) error { return pool.Ping(ctx) }
	}

	pulseClient, err := pulse.New(pulse.Options{Redis: rdb})
	if err != nil {
		return err
	}
	streams, err := pulse.NewStreams(pulse.StreamsOptions{
		Client:      pulseClient,
		StreamNames: cfg.StreamNames(),
	})
	if err != nil {
		return err
	}
	defer func() { _ = streams.Close(context.Background()) }()

	var eng engine.Engine
	switch cfg.Engine.Kind {
	case config.EngineInMem:
		eng = inmem.New(inmem.WithLogger(logger))
		logger.Warn(ctx, "using the in-memory engine, runs will not survive a restart")
	default:
		eng, err = temporal.New(temporal.Options{
			ClientOptions: &tclient.Options{
				HostPort:  cfg.Engine.Temporal.HostPort,
				Namespace: cfg.Engine.Temporal.Namespace,
			},
			WorkerOptions: temporal.WorkerOptions{TaskQueue: cfg.Engine.Temporal.TaskQueue},
			Logger:        logger,
			Metrics:       metrics,
			Tracer:        telemetry.NewClueTracer(),
		})
		if err != nil {
			return fmt.Errorf("create temporal engine: %w", err)
		}
	}
	defer func() { _ = eng.Close() }()

	deps := activities.Deps{
		Router:    router.New(cfg.Clients.FunctionRouterURL, router.WithLogger(logger)),
		Publisher: streams.Publisher(),
		State:     store,
		Audit:     auditStore,
		Callback:  callback.New(callback.WithLogger(logger)),
		Logger:    logger,
		Metrics:   metrics,
	}
	if cfg.Clients.AgentServiceURL != "" {
		deps.Agents = agentsvc.New(cfg.Clients.AgentServiceURL, agentsvc.WithLogger(logger))
	}
	if cfg.Clients.PlannerServiceURL != "" {
		deps.Planner = agentsvc.NewPlanner(cfg.Clients.PlannerServiceURL, agentsvc.WithLogger(logger))
	}
	if _, err := activities.Register(ctx, eng, deps); err != nil {
		return fmt.Errorf("register activities: %w", err)
	}
	if err := interpreter.Register(ctx, eng, interpreter.Config{TaskQueue: cfg.Engine.Temporal.TaskQueue}); err != nil {
		return fmt.Errorf("register dynamic workflow: %w", err)
	}
	if err := planner.Register(ctx, eng, planner.Config{TaskQueue: cfg.Engine.Temporal.TaskQueue}); err != nil {
		return fmt.Errorf("register planner workflow: %w", err)
	}

	// The bridge consumes agent completion envelopes and raises them as
	// external events on the waiting parents.
	br := bridge.New(eng, bridge.WithLogger(logger), bridge.WithMetrics(metrics))
	consumer, err := streams.NewConsumer(pulse.ConsumerOptions{})
	if err != nil {
		return err
	}
	envs, consumeErrs, stopConsumer, err := consumer.Subscribe(ctx, api.TopicEvents)
	if err != nil {
		return fmt.Errorf("subscribe to events topic: %w", err)
	}
	defer stopConsumer()
	go func() {
		for {
			select {
			case env, ok := <-envs:
				if !ok {
					return
				}
				br.Handle(ctx, env)
			case cerr, ok := <-consumeErrs:
				if !ok {
					return
				}
				logger.Warn(ctx, "events consumer error", "error", cerr)
			}
		}
	}()

	srv, err := httpapi.New(httpapi.Options{
		Engine:      eng,
		State:       store,
		Logger:      logger,
		Metrics:     metrics,
		ReadyChecks: ready,
	})
	if err != nil {
		return err
	}

	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()
	go func() {
		logger.Info(ctx, "starting weftd",
			"addr", cfg.ListenAddr(),
			"engine", cfg.Engine.Kind,
			"state_driver", cfg.State.Driver,
			"audit", cfg.Audit.Enabled,
		)
		if err := srv.Start(cfg.ListenAddr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	logger.Info(ctx, "shutting down", "reason", (<-errc).Error())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn(ctx, "http shutdown incomplete", "error", err)
	}
	return nil
}
