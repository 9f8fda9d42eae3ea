package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	goredis "github.com/redis/go-redis/v9"
	openaisdk "github.com/sashabaranov/go-openai"
	"go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"goa.design/clue/health"
	"goa.design/clue/log"
	"goa.design/pulse/rmap"

	"github.com/genkai-ai/gatehouse"
	"github.com/genkai-ai/gatehouse/admission"
	"github.com/genkai-ai/gatehouse/config"
	admissionpulse "github.com/genkai-ai/gatehouse/features/admission/pulse"
	anthropicgen "github.com/genkai-ai/gatehouse/features/generate/anthropic"
	bedrockgen "github.com/genkai-ai/gatehouse/features/generate/bedrock"
	openaigen "github.com/genkai-ai/gatehouse/features/generate/openai"
	historymongo "github.com/genkai-ai/gatehouse/features/history/mongo"
	clientsmongo "github.com/genkai-ai/gatehouse/features/history/mongo/clients/mongo"
	historyredis "github.com/genkai-ai/gatehouse/features/history/redis"
	clientsredis "github.com/genkai-ai/gatehouse/features/history/redis/clients/redis"
	historysqlite "github.com/genkai-ai/gatehouse/features/history/sqlite"
	"github.com/genkai-ai/gatehouse/generate"
	"github.com/genkai-ai/gatehouse/generate/middleware"
	"github.com/genkai-ai/gatehouse/history"
	"github.com/genkai-ai/gatehouse/history/inmem"
	"github.com/genkai-ai/gatehouse/telemetry"
)

const (
	mongoDatabase = "gatehouse"

	limitsMapName = "gatehouse-limits"
	budgetMapName = "gatehouse-budget"
	budgetMapKey  = "generate-tpm"
)

func main() {
	var (
		configF = flag.String("config", "", "Path to the YAML configuration file")
		syncF   = flag.String("sync-redis", "", "Redis address for cross-replica limit coordination (optional)")
		dbgF    = flag.Bool("debug", false, "Enable debug logs")
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

	if *configF == "" {
		log.Fatalf(ctx, nil, "missing -config flag")
	}
	cfg, err := config.Load(*configF)
	if err != nil {
		log.Fatalf(ctx, err, "load configuration")
	}

	logger := telemetry.NewClueLogger()

	store, pingers, cleanup, err := buildStore(ctx, cfg, logger)
	if err != nil {
		log.Fatalf(ctx, err, "build history store")
	}
	defer cleanup()

	// Cross-replica coordination is optional: without it the admission limits
	// and the generation budget are process local.
	var limitsMap, budgetMap *rmap.Map
	if *syncF != "" {
		syncRdb := goredis.NewClient(&goredis.Options{Addr: *syncF})
		if limitsMap, err = rmap.Join(ctx, limitsMapName, syncRdb); err != nil {
			log.Fatalf(ctx, err, "join limits map")
		}
		defer limitsMap.Close()
		if budgetMap, err = rmap.Join(ctx, budgetMapName, syncRdb); err != nil {
			log.Fatalf(ctx, err, "join budget map")
		}
		defer budgetMap.Close()
	}

	client, providerPingers, err := buildGenerator(ctx, cfg, budgetMap)
	if err != nil {
		log.Fatalf(ctx, err, "build generation client")
	}
	pingers = append(pingers, providerPingers...)

	ctrl, err := admission.New(cfg.Limits(), admission.Options{Logger: logger})
	if err != nil {
		log.Fatalf(ctx, err, "build admission controller")
	}
	if limitsMap != nil {
		syncer, err := admissionpulse.New(ctx, admissionpulse.Options{
			Map:        limitsMap,
			Controller: ctrl,
			Logger:     logger,
		})
		if err != nil {
			log.Fatalf(ctx, err, "start limits syncer")
		}
		defer syncer.Close()
	}

	svc, err := gatehouse.New(gatehouse.Options{
		Controller:       ctrl,
		Store:            store,
		Generator:        client,
		ContextSize:      cfg.History.MaxHistorySize,
		MetricsWindow:    cfg.MetricsWindow(),
		EvictionInterval: cfg.EvictionInterval(),
		Pingers:          pingers,
		Logger:           logger,
		Metrics:          telemetry.NewClueMetrics(),
		Tracer:           telemetry.NewClueTracer(),
	})
	if err != nil {
		log.Fatalf(ctx, err, "build service")
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go svc.Run(runCtx)
	defer svc.Close()

	log.Print(ctx, log.KV{K: "msg", V: "gatehouse started"},
		log.KV{K: "history-backend", V: cfg.History.Backend},
		log.KV{K: "provider", V: cfg.Provider.Name})

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	log.Print(ctx, log.KV{K: "msg", V: "shutting down"})
}

// buildStore constructs the configured history backend plus the pingers the
// health check should cover and a cleanup closing any open connections.
func buildStore(ctx context.Context, cfg config.Config, logger telemetry.Logger) (history.Store, []health.Pinger, func(), error) {
	noop := func() {}
	switch cfg.History.Backend {
	case "memory":
		store := inmem.New(inmem.Options{
			MaxHistory: cfg.History.MaxHistorySize,
			Retention:  cfg.Retention(),
			Logger:     logger,
		})
		return store, nil, noop, nil

	case "redis":
		rdb := goredis.NewClient(&goredis.Options{Addr: cfg.History.DSN})
		client, err := clientsredis.New(clientsredis.Options{Redis: rdb})
		if err != nil {
			return nil, nil, noop, err
		}
		store, err := historyredis.NewStore(historyredis.Options{
			Client:     client,
			MaxHistory: cfg.History.MaxHistorySize,
			Retention:  cfg.Retention(),
			Logger:     logger,
		})
		if err != nil {
			return nil, nil, noop, err
		}
		return store, []health.Pinger{client}, func() { rdb.Close() }, nil

	case "mongo":
		mc, err := mongo.Connect(ctx, mongooptions.Client().ApplyURI(cfg.History.DSN))
		if err != nil {
			return nil, nil, noop, err
		}
		client, err := clientsmongo.New(clientsmongo.Options{
			Client:   mc,
			Database: mongoDatabase,
		})
		if err != nil {
			return nil, nil, noop, err
		}
		store, err := historymongo.NewStore(historymongo.Options{
			Client:     client,
			MaxHistory: cfg.History.MaxHistorySize,
			Retention:  cfg.Retention(),
			Logger:     logger,
		})
		if err != nil {
			return nil, nil, noop, err
		}
		cleanup := func() {
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			mc.Disconnect(sctx)
		}
		return store, []health.Pinger{client}, cleanup, nil

	case "sqlite":
		store, err := historysqlite.NewStore(historysqlite.Options{
			Path:       cfg.History.DSN,
			MaxHistory: cfg.History.MaxHistorySize,
			Retention:  cfg.Retention(),
			Logger:     logger,
		})
		if err != nil {
			return nil, nil, noop, err
		}
		return store, []health.Pinger{store}, func() { store.Close() }, nil
	}
	return nil, nil, noop, errUnknownBackend(cfg.History.Backend)
}

// buildGenerator constructs the configured provider adapter wrapped with the
// retry and adaptive throttling middlewares, registered in a registry so
// operators can switch providers at runtime. A non-nil budget map makes the
// throttle budget cluster wide.
func buildGenerator(ctx context.Context, cfg config.Config, budget *rmap.Map) (generate.Client, []health.Pinger, error) {
	var (
		client generate.Client
		pinger health.Pinger
		err    error
	)
	switch cfg.Provider.Name {
	case "anthropic":
		ac := sdk.NewClient(anthropicoption.WithAPIKey(cfg.Provider.APIKey))
		c, aerr := anthropicgen.New(anthropicgen.Options{
			Messages:     &ac.Messages,
			DefaultModel: cfg.Provider.Model,
			SystemPrompt: cfg.Provider.SystemPrompt,
		})
		client, pinger, err = c, c, aerr

	case "openai":
		c, oerr := openaigen.New(openaigen.Options{
			Client:       openaisdk.NewClient(cfg.Provider.APIKey),
			DefaultModel: cfg.Provider.Model,
			SystemPrompt: cfg.Provider.SystemPrompt,
		})
		client, pinger, err = c, c, oerr

	case "bedrock":
		awsCfg, lerr := awsconfig.LoadDefaultConfig(ctx)
		if lerr != nil {
			return nil, nil, lerr
		}
		c, berr := bedrockgen.New(bedrockgen.Options{
			Runtime:      bedrockruntime.NewFromConfig(awsCfg),
			DefaultModel: cfg.Provider.Model,
			SystemPrompt: cfg.Provider.SystemPrompt,
		})
		client, pinger, err = c, c, berr

	default:
		return nil, nil, errUnknownProvider(cfg.Provider.Name)
	}
	if err != nil {
		return nil, nil, err
	}

	limiter := middleware.NewAdaptiveRateLimiter(ctx, budget, budgetMapKey, 0, 0)
	client = middleware.NewRetry(middleware.DefaultRetryConfig())(limiter.Middleware()(client))

	reg := generate.NewRegistry()
	if err := reg.Register(cfg.Provider.Name, client); err != nil {
		return nil, nil, err
	}
	return reg, []health.Pinger{pinger}, nil
}

type errUnknownBackend string

func (e errUnknownBackend) Error() string { return "unknown history backend " + string(e) }

type errUnknownProvider string

func (e errUnknownProvider) Error() string { return "unknown provider " + string(e) }
