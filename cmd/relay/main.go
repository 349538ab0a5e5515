// Command relay runs the agent runtime as a single process: durable SQLite
// queues, the router/planner/executor consumers, and a terminal bridge that
// dispatches turns and prints collected responses.
//
// With no configuration it runs a scripted, keyless backend against a local
// database file. A YAML config selects a real model provider and optional
// audit backends (Pulse streams over Redis, a Mongo trail).
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/log"

	mongoaudit "goa.design/relay/features/audit/mongo"
	mongoclients "goa.design/relay/features/audit/mongo/clients/mongo"
	pulseaudit "goa.design/relay/features/audit/pulse"
	pulseclients "goa.design/relay/features/audit/pulse/clients/pulse"
	"goa.design/relay/features/roles/anthropic"
	"goa.design/relay/features/roles/bedrock"
	"goa.design/relay/features/roles/llm"
	"goa.design/relay/features/roles/middleware"
	"goa.design/relay/features/roles/openai"
	"goa.design/relay/features/store/sqlite"
	"goa.design/relay/runtime/bus"
	"goa.design/relay/runtime/bus/audit"
	auditinmem "goa.design/relay/runtime/bus/audit/inmem"
	"goa.design/relay/runtime/bus/bridge"
	"goa.design/relay/runtime/bus/consumer"
	"goa.design/relay/runtime/bus/guidance"
	"goa.design/relay/runtime/bus/orchestrator"
	busrouter "goa.design/relay/runtime/bus/router"
	"goa.design/relay/runtime/bus/telemetry"
	"goa.design/relay/runtime/roles"
)

// roleSet is the full role surface a backend must provide.
type roleSet interface {
	roles.Router
	roles.Planner
	roles.Executor
}

func main() {
	var (
		configF  = flag.String("config", "", "YAML configuration file (optional)")
		dbF      = flag.String("db", "", "SQLite database path (overrides config)")
		messageF = flag.String("message", "", "Dispatch a single turn and exit")
		timeoutF = flag.Duration("timeout", 30*time.Second, "Response collection timeout")
		dbgF     = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	cfg, err := LoadConfig(*configF)
	if err != nil {
		log.Fatalf(ctx, err, "load configuration")
	}
	if *dbF != "" {
		cfg.Database.Path = *dbF
	}
	log.Print(ctx, log.KV{K: "db", V: cfg.Database.Path}, log.KV{K: "provider", V: cfg.Roles.Provider})

	// Durable queue store.
	store, err := sqlite.New(sqlite.Options{Path: cfg.Database.Path})
	if err != nil {
		log.Fatalf(ctx, err, "open queue store")
	}
	defer store.Close()
	if err := store.Initialize(ctx); err != nil {
		log.Fatalf(ctx, err, "initialize queue store")
	}

	// Audit bus with an in-memory trail; optional Pulse and Mongo backends.
	events := audit.NewBus()
	trail := auditinmem.New()
	if _, err := events.Register(audit.NewTrailSubscriber(trail)); err != nil {
		log.Fatalf(ctx, err, "register audit trail")
	}
	cleanup, err := wireAuditBackends(ctx, events, cfg.Audit)
	if err != nil {
		log.Fatalf(ctx, err, "wire audit backends")
	}
	defer cleanup(ctx)

	logger := telemetry.NewClueLogger()
	rtr := busrouter.New(store,
		busrouter.WithLogger(logger),
		busrouter.WithMetrics(telemetry.NewClueMetrics()),
		busrouter.WithAuditBus(events),
	)

	backend, err := buildRoles(cfg, rtr)
	if err != nil {
		log.Fatalf(ctx, err, "build role backend")
	}

	consultMgr := guidance.NewConsultManager(store, rtr,
		consultOptions(cfg.Guidance, logger, events)...,
	)

	copts := consumerOptions(cfg.Consumer, logger, events)
	pollers := []orchestrator.Poller{
		consumer.NewRouterConsumer(store, rtr, backend, copts...),
		consumer.NewPlannerConsumer(store, rtr, backend, copts...),
		consumer.NewExecutorConsumer(store, rtr, backend,
			[]consumer.ExecutorOption{consumer.WithConsulter(consultMgr)},
			copts...,
		),
	}

	orch := orchestrator.New(store, pollers,
		orchestratorOptions(cfg.Orchestrator, logger, events)...,
	)
	if err := orch.Start(ctx); err != nil {
		log.Fatalf(ctx, err, "start orchestrator")
	}
	defer orch.Stop(context.Background())

	br := bridge.New(store, rtr,
		bridge.WithLogger(logger),
		bridge.WithAuditBus(events),
	)

	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	if *messageF != "" {
		if err := runTurn(ctx, br, *messageF, *timeoutF); err != nil {
			log.Fatalf(ctx, err, "dispatch turn")
		}
		return
	}

	go func() { errc <- repl(ctx, br, *timeoutF) }()

	log.Printf(ctx, "exiting (%v)", <-errc)
}

// runTurn dispatches one turn and prints the collected response.
func runTurn(ctx context.Context, br *bridge.Bridge, text string, timeout time.Duration) error {
	traceID, err := br.DispatchTurn(ctx, bridge.Turn{Text: text})
	if err != nil {
		return err
	}
	resp, err := br.CollectResponse(ctx, traceID, timeout)
	if err != nil {
		return err
	}
	if resp == nil {
		fmt.Println("(no response within timeout)")
		return nil
	}
	fmt.Println(resp.PayloadString(bus.PayloadKeyText))
	return nil
}

// repl reads turns from stdin until EOF.
func repl(ctx context.Context, br *bridge.Bridge, timeout time.Duration) error {
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("you> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if err := runTurn(ctx, br, text, timeout); err != nil {
			log.Errorf(ctx, err, "turn failed")
		}
	}
}

// buildRoles constructs the configured role backend. Model-backed providers
// share the llm role logic and differ only in the completer.
func buildRoles(cfg Config, emitter roles.Emitter) (roleSet, error) {
	if cfg.Roles.Provider == "scripted" {
		return newScriptedRoles(emitter), nil
	}
	completer, err := buildCompleter(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Roles.RateLimitTPM > 0 {
		limiter := middleware.NewAdaptiveRateLimiter(cfg.Roles.RateLimitTPM, cfg.Roles.RateLimitMaxTPM)
		completer = limiter.Middleware()(completer)
	}
	return llm.New(completer, emitter)
}

func buildCompleter(cfg Config) (llm.Completer, error) {
	opts := cfg.Roles
	switch opts.Provider {
	case "anthropic":
		key := opts.APIKey
		if key == "" {
			key = os.Getenv("ANTHROPIC_API_KEY")
		}
		return anthropic.NewFromAPIKey(key, anthropic.Options{
			Model:       opts.Model,
			MaxTokens:   opts.MaxTokens,
			Temperature: opts.Temperature,
		})
	case "openai":
		key := opts.APIKey
		if key == "" {
			key = os.Getenv("OPENAI_API_KEY")
		}
		return openai.NewFromAPIKey(key, openai.Options{
			Model:       opts.Model,
			MaxTokens:   opts.MaxTokens,
			Temperature: opts.Temperature,
		})
	case "bedrock":
		runtime, err := buildBedrockRuntime(cfg.AWS)
		if err != nil {
			return nil, err
		}
		return bedrock.New(runtime, bedrock.Options{
			ModelID:     opts.Model,
			MaxTokens:   opts.MaxTokens,
			Temperature: opts.Temperature,
		})
	default:
		return nil, fmt.Errorf("unknown role provider %q", opts.Provider)
	}
}

func buildBedrockRuntime(cfg AWSConfig) (*bedrockruntime.Client, error) {
	if cfg.Region == "" {
		return nil, fmt.Errorf("aws region is required for the bedrock provider")
	}
	if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, fmt.Errorf("aws credentials are required for the bedrock provider")
	}
	creds := aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
		return aws.Credentials{
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			SessionToken:    cfg.SessionToken,
			Source:          "relay config",
		}, nil
	})
	return bedrockruntime.New(bedrockruntime.Options{
		Region:      cfg.Region,
		Credentials: creds,
	}), nil
}

// wireAuditBackends registers the configured optional audit backends and
// returns a cleanup closing their connections.
func wireAuditBackends(ctx context.Context, events audit.Bus, cfg AuditConfig) (func(context.Context), error) {
	var closers []func(context.Context)
	cleanup := func(ctx context.Context) {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i](ctx)
		}
	}

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		closers = append(closers, func(context.Context) { rdb.Close() })
		pc, err := pulseclients.New(pulseclients.Options{
			Redis:        rdb,
			StreamMaxLen: cfg.StreamMaxLen,
		})
		if err != nil {
			cleanup(ctx)
			return nil, fmt.Errorf("pulse client: %w", err)
		}
		sink, err := pulseaudit.NewSink(pulseaudit.Options{Client: pc})
		if err != nil {
			cleanup(ctx)
			return nil, fmt.Errorf("pulse sink: %w", err)
		}
		if _, err := events.Register(sink); err != nil {
			cleanup(ctx)
			return nil, err
		}
		log.Print(ctx, log.KV{K: "audit", V: "pulse"}, log.KV{K: "redis", V: cfg.RedisAddr})
	}

	if cfg.MongoURI != "" {
		db := cfg.MongoDatabase
		if db == "" {
			db = "relay"
		}
		mc, err := mongodriver.Connect(mongooptions.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			cleanup(ctx)
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		closers = append(closers, func(ctx context.Context) { mc.Disconnect(ctx) })
		client, err := mongoclients.New(mongoclients.Options{Client: mc, Database: db})
		if err != nil {
			cleanup(ctx)
			return nil, fmt.Errorf("mongo audit client: %w", err)
		}
		trail, err := mongoaudit.NewTrail(client)
		if err != nil {
			cleanup(ctx)
			return nil, err
		}
		if _, err := events.Register(audit.NewTrailSubscriber(trail)); err != nil {
			cleanup(ctx)
			return nil, err
		}
		log.Print(ctx, log.KV{K: "audit", V: "mongo"}, log.KV{K: "database", V: db})
	}

	return cleanup, nil
}

func consumerOptions(cfg ConsumerConfig, logger telemetry.Logger, events audit.Bus) []consumer.Option {
	opts := []consumer.Option{
		consumer.WithLogger(logger),
		consumer.WithMetrics(telemetry.NewClueMetrics()),
		consumer.WithTracer(telemetry.NewClueTracer()),
		consumer.WithAuditBus(events),
	}
	if cfg.LeaseDuration > 0 {
		opts = append(opts, consumer.WithLeaseDuration(cfg.LeaseDuration.Std()))
	}
	if cfg.MaxAttempts > 0 {
		opts = append(opts, consumer.WithMaxAttempts(cfg.MaxAttempts))
	}
	return opts
}

func orchestratorOptions(cfg OrchestratorConfig, logger telemetry.Logger, events audit.Bus) []orchestrator.Option {
	opts := []orchestrator.Option{
		orchestrator.WithLogger(logger),
		orchestrator.WithMetrics(telemetry.NewClueMetrics()),
		orchestrator.WithAuditBus(events),
	}
	if cfg.IdleInterval > 0 {
		opts = append(opts, orchestrator.WithIdleInterval(cfg.IdleInterval.Std()))
	}
	if cfg.SweepInterval > 0 {
		opts = append(opts, orchestrator.WithSweepInterval(cfg.SweepInterval.Std()))
	}
	return opts
}

func consultOptions(cfg GuidanceConfig, logger telemetry.Logger, events audit.Bus) []guidance.Option {
	opts := []guidance.Option{
		guidance.WithLogger(logger),
		guidance.WithAuditBus(events),
	}
	if cfg.ConsultTimeout > 0 {
		opts = append(opts, guidance.WithConsultTimeout(cfg.ConsultTimeout.Std()))
	}
	return opts
}
