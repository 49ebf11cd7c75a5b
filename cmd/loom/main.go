// Command loom runs a queue worker node: it consumes the actor queue, hosts
// actor instances, and serves health probes for its Redis and Mongo backends.
//
// The built-in "workflow" actor type executes versioned workflow definitions
// from the workflow store, so a freshly started node can run workflows with
// no further registration.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"goa.design/clue/health"
	"goa.design/clue/log"
	"golang.org/x/time/rate"

	appconfig "github.com/loomhq/loom/config"
	"github.com/loomhq/loom/runtime/actor"
	actorcfg "github.com/loomhq/loom/runtime/actor/config"
	"github.com/loomhq/loom/runtime/actorruntime"
	idemredis "github.com/loomhq/loom/runtime/idempotency/redis"
	journalredis "github.com/loomhq/loom/runtime/journal/redis"
	lockredis "github.com/loomhq/loom/runtime/lock/redis"
	queueredis "github.com/loomhq/loom/runtime/queue/redis"
	stateredis "github.com/loomhq/loom/runtime/state/redis"
	streampulse "github.com/loomhq/loom/runtime/stream/pulse"
	"github.com/loomhq/loom/runtime/telemetry"
	"github.com/loomhq/loom/runtime/trace"
	tracemongo "github.com/loomhq/loom/runtime/trace/mongo"
	"github.com/loomhq/loom/runtime/worker"
	"github.com/loomhq/loom/workflow/executor"
	secretsmongo "github.com/loomhq/loom/workflow/secrets/mongo"
	wfstore "github.com/loomhq/loom/workflow/store"
	wfstoremongo "github.com/loomhq/loom/workflow/store/mongo"
)

// workflowActorType is the actor type registered by every worker node.
const workflowActorType = "workflow"

func main() {
	var (
		configF = flag.String("config", "", "Path to YAML configuration file")
		dbgF    = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))

	cfg, err := appconfig.Load(*configF)
	if err != nil {
		log.Fatalf(ctx, err, "invalid configuration")
	}
	if *dbgF || cfg.Debug {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	log.Print(ctx, log.KV{K: "msg", V: "starting worker"},
		log.KV{K: "queue", V: cfg.Queue.Name},
		log.KV{K: "concurrency", V: cfg.Worker.Concurrency})

	// Backend clients.
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf(ctx, err, "redis unreachable at %s", cfg.Redis.Addr)
	}
	defer rdb.Close()

	mctx, mcancel := context.WithTimeout(ctx, 10*time.Second)
	mcli, err := mongodriver.Connect(mctx, mongooptions.Client().ApplyURI(cfg.Mongo.URI))
	mcancel()
	if err != nil {
		log.Fatalf(ctx, err, "mongo unreachable at %s", cfg.Mongo.URI)
	}
	defer func() {
		dctx, dcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer dcancel()
		if err := mcli.Disconnect(dctx); err != nil {
			log.Errorf(ctx, err, "mongo disconnect")
		}
	}()

	// Redis-backed runtime stores.
	q, err := queueredis.New(queueredis.Options{Client: rdb, KeyPrefix: cfg.Queue.KeyPrefix, WorkerID: cfg.Worker.ID})
	if err != nil {
		log.Fatalf(ctx, err, "queue init")
	}
	journals, err := journalredis.New(journalredis.Options{Client: rdb, KeyPrefix: cfg.Queue.KeyPrefix})
	if err != nil {
		log.Fatalf(ctx, err, "journal store init")
	}
	states, err := stateredis.New(stateredis.Options{Client: rdb, KeyPrefix: cfg.Queue.KeyPrefix})
	if err != nil {
		log.Fatalf(ctx, err, "state store init")
	}
	locks, err := lockredis.New(lockredis.Options{Client: rdb, KeyPrefix: cfg.Queue.KeyPrefix})
	if err != nil {
		log.Fatalf(ctx, err, "lock manager init")
	}
	idem, err := idemredis.New(idemredis.Options{Client: rdb, KeyPrefix: cfg.Queue.KeyPrefix})
	if err != nil {
		log.Fatalf(ctx, err, "idempotency store init")
	}
	streams, err := streampulse.New(streampulse.Options{Redis: rdb})
	if err != nil {
		log.Fatalf(ctx, err, "stream transport init")
	}

	// Mongo-backed stores.
	traces, err := tracemongo.New(tracemongo.Options{Client: mcli, Database: cfg.Mongo.Database})
	if err != nil {
		log.Fatalf(ctx, err, "trace store init")
	}
	workflows, err := wfstoremongo.New(wfstoremongo.Options{Client: mcli, Database: cfg.Mongo.Database})
	if err != nil {
		log.Fatalf(ctx, err, "workflow store init")
	}
	secrets, err := secretsmongo.New(secretsmongo.Options{Client: mcli, Database: cfg.Mongo.Database})
	if err != nil {
		log.Fatalf(ctx, err, "secret store init")
	}

	tracer := trace.NewWriter(traces)
	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()

	// Actor runtime and discovery.
	rt, err := actorruntime.New(actorruntime.Options{
		Journal: journals,
		States:  states,
		Locks:   locks,
		Spawner: &worker.QueueSpawner{Queue: q, QueueName: cfg.Queue.Name},
		Tracer:  tracer,
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		log.Fatalf(ctx, err, "actor runtime init")
	}
	disc, err := actorruntime.NewRmapDiscovery(rdb)
	if err != nil {
		log.Fatalf(ctx, err, "discovery init")
	}
	defer disc.Close()

	exec := executor.New(executor.Options{
		Secrets: secrets,
		Actors:  &executor.RuntimeInvoker{Runtime: rt, Discovery: disc},
		Logger:  logger,
	})
	if err := rt.Register(actorruntime.Registration{
		Type:    workflowActorType,
		Handler: workflowHandler(workflows, exec),
		Config:  actorcfg.Config{Timeout: 5 * time.Minute, Ordering: actorcfg.OrderingFIFO},
	}); err != nil {
		log.Fatalf(ctx, err, "register workflow actor")
	}
	nodeID := cfg.Worker.ID
	if err := disc.Announce(ctx, workflowActorType, nodeID); err != nil {
		log.Fatalf(ctx, err, "announce node")
	}
	defer func() {
		if err := disc.Leave(context.Background(), workflowActorType, nodeID); err != nil {
			log.Errorf(ctx, err, "discovery leave")
		}
	}()

	// Queue worker.
	var limiter *rate.Limiter
	if cfg.Worker.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Worker.RatePerSecond), 1)
	}
	w, err := worker.New(worker.Options{
		Queue:       q,
		QueueName:   cfg.Queue.Name,
		Runtime:     rt,
		Idempotency: idem,
		Tracer:      tracer,
		Streams:     streams,
		Logger:      logger,
		Metrics:     metrics,
		PollTimeout: cfg.Worker.PollTimeout,
		Limiter:     limiter,
		Concurrency: cfg.Worker.Concurrency,
		WorkerID:    cfg.Worker.ID,
	})
	if err != nil {
		log.Fatalf(ctx, err, "worker init")
	}

	// Health endpoints over every backed client.
	checker := health.NewChecker(redisPinger{rdb: rdb}, traces, workflows, secrets)
	mux := http.NewServeMux()
	mux.Handle("/healthz", health.Handler(checker))
	mux.Handle("/livez", health.Handler(health.NewChecker()))
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}

	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()
	go func() {
		log.Printf(ctx, "health endpoints on %s", cfg.HTTPAddr)
		errc <- srv.ListenAndServe()
	}()

	wctx, cancel := context.WithCancel(ctx)
	go func() {
		errc <- w.Run(wctx)
	}()

	log.Printf(ctx, "exiting: %v", <-errc)
	cancel()
	sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer scancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Errorf(ctx, err, "http shutdown")
	}
	log.Printf(ctx, "worker stopped")
}

// workflowHandler executes one workflow definition per invocation. The
// payload selects the workflow id, an optional version (latest when empty)
// and parameter overrides; the result is the finished instance.
func workflowHandler(store wfstore.Store, exec *executor.Executor) actor.Handler {
	return func(ctx context.Context, c *actor.Core, payload json.RawMessage) (json.RawMessage, error) {
		var req struct {
			WorkflowID string         `json:"workflow_id"`
			Version    string         `json:"version,omitempty"`
			Parameters map[string]any `json:"parameters,omitempty"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("decode workflow request: %w", err)
		}
		if req.WorkflowID == "" {
			return nil, fmt.Errorf("workflow_id is required")
		}
		var (
			ver *wfstore.Version
			err error
		)
		if req.Version != "" {
			ver, err = store.GetVersion(ctx, req.WorkflowID, req.Version)
		} else {
			ver, err = store.Get(ctx, req.WorkflowID)
		}
		if err != nil {
			return nil, fmt.Errorf("load workflow %q: %w", req.WorkflowID, err)
		}
		inst, err := exec.Run(ctx, &ver.Definition, executor.RunOptions{
			WorkflowID: req.WorkflowID,
			InstanceID: c.ID(),
			Parameters: req.Parameters,
		})
		if err != nil {
			return nil, err
		}
		return json.Marshal(inst)
	}
}

// redisPinger adapts the Redis client to the health checker.
type redisPinger struct {
	rdb *redis.Client
}

func (p redisPinger) Name() string { return "redis" }

func (p redisPinger) Ping(ctx context.Context) error { return p.rdb.Ping(ctx).Err() }
