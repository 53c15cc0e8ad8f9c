// Command switchboard runs the orchestrator daemon. It binds chat sessions
// to sandboxes, brokers approval-gated tool calls to the configured JSON-RPC
// tool servers and serves the control API. With worker mode enabled the
// process also drains the shared tool job queue.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	goredis "github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/log"
	pulsepool "goa.design/pulse/pool"
	"goa.design/pulse/rmap"

	"github.com/switchboard-ai/switchboard/config"
	"github.com/switchboard-ai/switchboard/control"
	mongohistory "github.com/switchboard-ai/switchboard/features/history/mongo"
	clientsmongo "github.com/switchboard-ai/switchboard/features/history/mongo/clients/mongo"
	"github.com/switchboard-ai/switchboard/features/model/anthropic"
	"github.com/switchboard-ai/switchboard/features/model/bedrock"
	"github.com/switchboard-ai/switchboard/features/model/middleware"
	"github.com/switchboard-ai/switchboard/features/model/openai"
	"github.com/switchboard-ai/switchboard/runtime/connection"
	"github.com/switchboard-ai/switchboard/runtime/conversation"
	"github.com/switchboard-ai/switchboard/runtime/dispatch"
	"github.com/switchboard-ai/switchboard/runtime/health"
	"github.com/switchboard-ai/switchboard/runtime/model"
	"github.com/switchboard-ai/switchboard/runtime/orchestrator"
	"github.com/switchboard-ai/switchboard/runtime/pool"
	"github.com/switchboard-ai/switchboard/runtime/sandbox"
	"github.com/switchboard-ai/switchboard/runtime/sandbox/docker"
	"github.com/switchboard-ai/switchboard/runtime/session"
	"github.com/switchboard-ai/switchboard/runtime/statestore"
	"github.com/switchboard-ai/switchboard/runtime/statestore/inmem"
	redisstore "github.com/switchboard-ai/switchboard/runtime/statestore/redis"
	"github.com/switchboard-ai/switchboard/runtime/stream"
	"github.com/switchboard-ai/switchboard/runtime/telemetry"
	"github.com/switchboard-ai/switchboard/runtime/toolserver"
)

// Model identifiers used when the configuration names a provider but no
// model.
const (
	defaultAnthropicModel = "claude-sonnet-4-5"
	defaultOpenAIModel    = "gpt-4o"
	defaultBedrockModel   = "anthropic.claude-sonnet-4-20250514-v1:0"
)

func main() {
	var (
		configF  = flag.String("config", "", "path to the optional YAML daemon configuration")
		serversF = flag.String("servers", "", "path to tool-servers.json (overrides configuration)")
		httpF    = flag.String("http", "", "control API listen address (overrides configuration)")
		dbgF     = flag.Bool("debug", false, "log debug output")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))

	cfg, err := config.Load(*configF)
	if err != nil {
		log.Fatalf(ctx, err, "invalid configuration")
	}
	if *serversF != "" {
		cfg.ServersFile = *serversF
	}
	if *httpF != "" {
		cfg.HTTP = *httpF
	}
	if *dbgF {
		cfg.Debug = true
	}
	if cfg.Debug {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	if err := run(ctx, cfg); err != nil {
		log.Fatalf(ctx, err, "switchboard failed")
	}
}

func run(ctx context.Context, cfg config.Config) error {
	logger := telemetry.NewLogger()
	metrics := telemetry.NewMetrics()

	// State store. Redis is the shared store; without it every plane that
	// coordinates across nodes runs process-local.
	var (
		kv  statestore.Store
		rdb *goredis.Client
	)
	if cfg.StateStoreURL != "" {
		ropts, err := goredis.ParseURL(cfg.StateStoreURL)
		if err != nil {
			return fmt.Errorf("parse state store url: %w", err)
		}
		rdb = goredis.NewClient(ropts)
		defer func() {
			if err := rdb.Close(); err != nil {
				log.Errorf(ctx, err, "close redis")
			}
		}()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to state store: %w", err)
		}
		kv = redisstore.NewFromClient(rdb)
	} else {
		log.Printf(ctx, "STATE_STORE_URL not set: using the in-process state store (single node only)")
		kv = inmem.New()
	}

	// Tool server registry.
	registry, err := toolserver.NewRegistry(cfg.ServersFile, toolserver.WithRegistryLogger(logger))
	if err != nil {
		return fmt.Errorf("load tool server registry: %w", err)
	}

	// Sandbox runtime behind the admission gate.
	runtime, err := docker.New(docker.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("connect sandbox runtime: %w", err)
	}
	defer func() {
		if err := runtime.Close(); err != nil {
			log.Errorf(ctx, err, "close sandbox runtime")
		}
	}()
	gated := sandbox.NewGate(runtime, sandbox.WithGateLogger(logger), sandbox.WithGateMetrics(metrics))

	// Connection plane and health monitor.
	conns := connection.NewManager(registry, connection.NewTransportDialer(gated),
		connection.WithManagerLogger(logger), connection.WithManagerMetrics(metrics))
	monOpts := []health.MonitorOption{health.WithMonitorLogger(logger), health.WithMonitorMetrics(metrics)}
	if rdb != nil {
		view, err := rmap.Join(ctx, "switchboard:health", rdb)
		if err != nil {
			log.Errorf(ctx, err, "join replicated health view, continuing without it")
		} else {
			monOpts = append(monOpts, health.WithReplicatedView(view))
		}
	}
	monitor := health.NewMonitor(conns, registry, monOpts...)

	// Conversation history.
	conv, convClose, err := historyStore(ctx, cfg, kv, logger)
	if err != nil {
		return err
	}
	defer convClose()

	// Session plane.
	caps := sandbox.Caps{MemoryMiB: cfg.Sandbox.MemoryMiB, CPUs: cfg.Sandbox.CPUs}
	var (
		source  session.SandboxSource
		sbxPool *pool.Pool
	)
	if cfg.Pool.Enabled {
		sbxPool = pool.NewPool(gated, pool.Config{
			MinIdle:  cfg.Pool.MinIdle,
			MaxTotal: cfg.Pool.MaxTotal,
			IdleTTL:  cfg.Pool.IdleTTL(),
			Image:    cfg.Sandbox.Image,
			Cmd:      cfg.Sandbox.Cmd,
			Env:      cfg.Sandbox.Env,
			Caps:     caps,
		}, pool.WithPoolLogger(logger), pool.WithPoolMetrics(metrics))
		source = session.NewPoolSource(sbxPool)
	} else {
		defaults := session.AcquireOptions{Image: cfg.Sandbox.Image, Env: cfg.Sandbox.Env, Cmd: cfg.Sandbox.Cmd}
		source = session.NewRuntimeSource(gated, defaults, caps)
	}
	sessions := session.NewManager(kv, source, conv,
		session.WithManagerLogger(logger), session.WithManagerMetrics(metrics))

	// Janitor. A distributed ticker elects one sweeping node when Redis is
	// available.
	janOpts := []session.JanitorOption{
		session.WithIdleTTL(cfg.Session.IdleTTL()),
		session.WithJanitorLogger(logger),
		session.WithJanitorMetrics(metrics),
	}
	if rdb != nil {
		node, err := pulsepool.AddNode(ctx, "switchboard:janitor", rdb)
		if err != nil {
			log.Errorf(ctx, err, "join janitor ticker pool, sweeping locally")
		} else {
			defer func() {
				if err := node.Close(context.WithoutCancel(ctx)); err != nil {
					log.Errorf(ctx, err, "close janitor ticker pool")
				}
			}()
			janOpts = append(janOpts, session.WithTicker(session.DistributedTicker(node, "sessions:sweep")))
		}
	}
	janitor := session.NewJanitor(kv, sessions, janOpts...)

	// Model provider behind the adaptive rate limiter.
	llm, err := buildModel(ctx, cfg, rdb)
	if err != nil {
		return err
	}

	orcOpts := []orchestrator.Option{
		orchestrator.WithTurnDefaults(orchestrator.TurnDefaults{
			SystemPrompt:     cfg.Provider.SystemPrompt,
			MaxHistoryTokens: cfg.Conversation.MaxHistoryTokens,
			MaxOutputTokens:  cfg.Provider.MaxOutputTokens,
			Temperature:      cfg.Provider.Temperature,
		}),
		orchestrator.WithHealthMonitor(monitor),
		orchestrator.WithJanitor(janitor),
		orchestrator.WithLogger(logger),
		orchestrator.WithMetrics(metrics),
	}
	if sbxPool != nil {
		orcOpts = append(orcOpts, orchestrator.WithPool(sbxPool))
	}
	if cfg.Worker.Enabled {
		worker := dispatch.NewWorker(kv, conns,
			dispatch.WithConcurrency(cfg.Worker.Concurrency),
			dispatch.WithWorkerJobTTL(cfg.Worker.JobTimeout()),
			dispatch.WithWorkerLogger(logger),
			dispatch.WithWorkerMetrics(metrics))
		executor := dispatch.NewExecutor(kv,
			dispatch.WithJobTTL(cfg.Worker.JobTimeout()),
			dispatch.WithExecutorLogger(logger),
			dispatch.WithExecutorMetrics(metrics))
		orcOpts = append(orcOpts, orchestrator.WithWorker(worker), orchestrator.WithExecutor(executor))
	}
	orc := orchestrator.New(llm, sessions, conns, conv, orcOpts...)
	if err := orc.Start(ctx); err != nil {
		return err
	}

	// Control API: management plane plus the client session plane.
	api := control.NewAPI(registry, monitor,
		control.WithAPILogger(logger),
		control.WithAPIMetrics(metrics),
		control.WithSessionPlane(func(ctx context.Context, sessionID string, sink stream.Sink) (control.ClientConn, error) {
			return orc.Attach(ctx, sessionID, sink)
		}))
	srv := &http.Server{Addr: cfg.HTTP, Handler: api.Handler(), ReadHeaderTimeout: 60 * time.Second}

	// errc gathers the shutdown triggers: signals and server errors.
	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		go func() {
			log.Printf(ctx, "control API listening on %q", cfg.HTTP)
			errc <- srv.ListenAndServe()
		}()
		<-ctx.Done()
		log.Printf(ctx, "shutting down control API at %q", cfg.HTTP)
		sctx, scancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer scancel()
		if err := srv.Shutdown(sctx); err != nil {
			// Event streams outlive the drain window; drop them.
			_ = srv.Close()
		}
	}()

	log.Printf(ctx, "exiting (%v)", <-errc)
	sctx, scancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer scancel()
	if err := orc.Shutdown(sctx); err != nil {
		log.Errorf(ctx, err, "shutdown incomplete")
	}
	cancel()
	wg.Wait()
	log.Printf(ctx, "exited")
	return nil
}

// historyStore selects the conversation backend: MongoDB when configured,
// otherwise the state store. The returned closer releases backend resources.
func historyStore(ctx context.Context, cfg config.Config, kv statestore.Store, logger telemetry.Logger) (conversation.Store, func(), error) {
	hc := cfg.Conversation
	if hc.MongoURL == "" {
		store := conversation.New(kv,
			conversation.WithMaxHistoryTokens(hc.MaxHistoryTokens),
			conversation.WithCompression(hc.Compression),
			conversation.WithTTL(hc.TTL()),
			conversation.WithLogger(logger))
		return store, func() {}, nil
	}

	cli, err := mongodriver.Connect(mongooptions.Client().ApplyURI(hc.MongoURL))
	if err != nil {
		return nil, nil, fmt.Errorf("connect mongo history store: %w", err)
	}
	db := hc.MongoDatabase
	if db == "" {
		db = "switchboard"
	}
	store, err := mongohistory.NewStoreFromMongo(clientsmongo.Options{
		Client:   cli,
		Database: db,
		TTL:      hc.TTL(),
	}, hc.MaxHistoryTokens)
	if err != nil {
		return nil, nil, fmt.Errorf("build mongo history store: %w", err)
	}
	log.Printf(ctx, "conversation history on mongodb database %q", db)
	closer := func() {
		dctx, dcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer dcancel()
		if err := cli.Disconnect(dctx); err != nil {
			log.Errorf(ctx, err, "disconnect mongo")
		}
	}
	return store, closer, nil
}

// buildModel constructs the configured provider and wraps it in the adaptive
// rate limiter. With Redis available the limiter shares its budget across
// nodes through a replicated map.
func buildModel(ctx context.Context, cfg config.Config, rdb *goredis.Client) (model.Client, error) {
	var (
		base model.Client
		err  error
	)
	switch cfg.Provider.Name {
	case "anthropic":
		base, err = anthropic.NewFromAPIKey(os.Getenv("ANTHROPIC_API_KEY"), modelOr(cfg, defaultAnthropicModel))
	case "openai":
		base, err = openai.NewFromAPIKey(os.Getenv("OPENAI_API_KEY"), modelOr(cfg, defaultOpenAIModel))
	case "bedrock":
		base, err = bedrockModel(cfg)
	default:
		err = fmt.Errorf("unknown provider %q", cfg.Provider.Name)
	}
	if err != nil {
		return nil, fmt.Errorf("build %s model client: %w", cfg.Provider.Name, err)
	}

	var limits *rmap.Map
	if rdb != nil {
		limits, err = rmap.Join(ctx, "switchboard:limits", rdb)
		if err != nil {
			log.Errorf(ctx, err, "join rate limit map, limiting locally")
			limits = nil
		}
	}
	limiter := middleware.NewAdaptiveRateLimiter(ctx, limits, "model:"+cfg.Provider.Name, 0, 0)
	return limiter.Middleware()(base), nil
}

func modelOr(cfg config.Config, fallback string) string {
	if cfg.Provider.Model != "" {
		return cfg.Provider.Model
	}
	return fallback
}

// bedrockModel builds the Bedrock client from the AWS environment variables.
func bedrockModel(cfg config.Config) (model.Client, error) {
	region := os.Getenv("AWS_REGION")
	if region == "" {
		region = os.Getenv("AWS_DEFAULT_REGION")
	}
	if region == "" {
		return nil, errors.New("AWS_REGION is required")
	}
	keyID := os.Getenv("AWS_ACCESS_KEY_ID")
	secret := os.Getenv("AWS_SECRET_ACCESS_KEY")
	if keyID == "" || secret == "" {
		return nil, errors.New("AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY are required")
	}
	token := os.Getenv("AWS_SESSION_TOKEN")
	creds := aws.NewCredentialsCache(aws.CredentialsProviderFunc(
		func(context.Context) (aws.Credentials, error) {
			return aws.Credentials{
				AccessKeyID:     keyID,
				SecretAccessKey: secret,
				SessionToken:    token,
				Source:          "environment",
			}, nil
		}))
	rt := bedrockruntime.New(bedrockruntime.Options{Region: region, Credentials: creds})
	return bedrock.New(rt, bedrock.Options{DefaultModel: modelOr(cfg, defaultBedrockModel)})
}
