package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/FlowBotIO/flowbot/internal/api"
	"github.com/FlowBotIO/flowbot/internal/endpoint"
	"github.com/FlowBotIO/flowbot/internal/flow"
	"github.com/FlowBotIO/flowbot/internal/genai"
	"github.com/FlowBotIO/flowbot/internal/group"
	"github.com/FlowBotIO/flowbot/internal/messaging"
	"github.com/FlowBotIO/flowbot/internal/periodic"
	"github.com/FlowBotIO/flowbot/internal/store"
	"github.com/FlowBotIO/flowbot/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for FlowBot state data
	DefaultStateDir = "/var/lib/flowbot"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "flowbot.db"
	// DefaultFlowsDir is where bot definition JSON files are loaded from
	DefaultFlowsDir = "flows"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	slog.Info("Bootstrapping FlowBot")
	if err := run(flags); err != nil {
		slog.Error("FlowBot failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("FlowBot exited successfully")
}

// Config holds environment configuration
type Config struct {
	StoreDriver string
	DatabaseURL string
	StateDir    string
	FlowsDir    string
	OpenAIKey   string
	OpenAIBase  string
	ModelsURL   string
	APIAddr     string
}

// Flags holds command line flag values
type Flags struct {
	stateDir    *string
	storeDriver *string
	dbDSN       *string
	flowsDir    *string
	openaiKey   *string
	openaiBase  *string
	modelsURL   *string
	apiAddr     *string
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StoreDriver: os.Getenv("FLOWBOT_STORE_DRIVER"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		StateDir:    os.Getenv("FLOWBOT_STATE_DIR"),
		FlowsDir:    os.Getenv("FLOWBOT_FLOWS_DIR"),
		OpenAIKey:   os.Getenv("OPENAI_API_KEY"),
		OpenAIBase:  os.Getenv("OPENAI_BASE_URL"),
		ModelsURL:   os.Getenv("MODELS_BASE_URL"),
		APIAddr:     os.Getenv("API_ADDR"),
	}
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
	}
	if config.FlowsDir == "" {
		config.FlowsDir = DefaultFlowsDir
	}
	if config.APIAddr == "" {
		config.APIAddr = api.DefaultAddr
	}
	return config
}

// parseCommandLineFlags parses command line flags with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:    flag.String("state-dir", config.StateDir, "Directory for FlowBot state (SQLite database)"),
		storeDriver: flag.String("store", config.StoreDriver, "Store driver: memory, sqlite, postgres, or redis"),
		dbDSN:       flag.String("dsn", config.DatabaseURL, "Database connection string"),
		flowsDir:    flag.String("flows", config.FlowsDir, "Directory of bot definition JSON files"),
		openaiKey:   flag.String("openai-api-key", config.OpenAIKey, "OpenAI-compatible API key"),
		openaiBase:  flag.String("openai-base-url", config.OpenAIBase, "OpenAI-compatible API base URL"),
		modelsURL:   flag.String("models-url", config.ModelsURL, "Model catalog base URL"),
		apiAddr:     flag.String("addr", config.APIAddr, "API listen address"),
	}
	flag.Parse()
	return flags
}

func run(flags Flags) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := buildStore(flags)
	if err != nil {
		return err
	}
	defer st.Close()

	graphs := store.NewInMemoryGraphRepo()
	if err := graphs.LoadDir(*flags.flowsDir); err != nil {
		slog.Warn("Failed to load flow definitions", "dir", *flags.flowsDir, "error", err)
	}

	messenger := buildMessenger()
	selector, aiClient := buildGenAI(flags)
	groups := group.NewCoordinator(st, messenger)
	groups.CountLateAsOnTime = util.ParseBoolEnv("GROUP_COUNT_LATE_AS_ON_TIME", false)

	// A nil *genai.Client must stay a nil interface inside the interpreter.
	var ai flow.AIClient
	if aiClient != nil {
		ai = aiClient
	}
	interp := flow.NewInterpreter(st, graphs, messenger, groups, selector, ai)
	groups.SetResumer(interp)
	scheduler := periodic.NewScheduler(st, interp)
	interp.SetScheduler(scheduler)
	defer scheduler.Stop()

	correlator := endpoint.NewCorrelator(st, interp)
	correlator.SetRetention(util.ParseDurationEnv("ENDPOINT_RETENTION", endpoint.DefaultRetention))

	if err := scheduler.RecoverTasks(ctx); err != nil {
		slog.Warn("Periodic task recovery reported errors", "error", err)
	}
	correlator.StartSweeper(ctx, util.ParseDurationEnv("ENDPOINT_SWEEP_INTERVAL", time.Hour))
	interp.StartSessionSweeper(ctx,
		util.ParseDurationEnv("SESSION_SWEEP_INTERVAL", time.Hour),
		util.ParseDurationEnv("SESSION_MAX_AGE", 30*24*time.Hour))

	server := api.NewServer(interp, correlator, scheduler, graphs, api.WithAddr(*flags.apiAddr))
	return server.Run(ctx)
}

func buildStore(flags Flags) (store.Store, error) {
	driver := strings.ToLower(*flags.storeDriver)
	dsn := *flags.dbDSN
	if driver == "" {
		// Infer from the DSN shape the way operators usually pass it.
		switch {
		case dsn == "":
			driver = "memory"
		case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
			driver = "postgres"
		case strings.HasPrefix(dsn, "redis://"), strings.HasPrefix(dsn, "rediss://"):
			driver = "redis"
		default:
			driver = "sqlite"
		}
	}

	switch driver {
	case "memory":
		slog.Info("Using in-memory store")
		return store.NewInMemoryStore(), nil
	case "sqlite":
		if dsn == "" {
			dsn = *flags.stateDir + "/" + DefaultDBFileName
		}
		slog.Info("Using SQLite store", "dsn", dsn)
		return store.NewSQLiteStore(store.WithDSN(dsn))
	case "postgres":
		slog.Info("Using Postgres store")
		return store.NewPostgresStore(store.WithDSN(dsn))
	case "redis":
		slog.Info("Using Redis store")
		return store.NewRedisStore(store.WithDSN(dsn))
	default:
		slog.Warn("Unknown store driver, falling back to in-memory", "driver", driver)
		return store.NewInMemoryStore(), nil
	}
}

func buildMessenger() messaging.Messenger {
	if os.Getenv("TWILIO_ACCOUNT_SID") != "" {
		m, err := messaging.NewTwilioMessenger()
		if err != nil {
			slog.Error("Failed to initialize Twilio messenger, falling back to console", "error", err)
			return messaging.NewConsoleMessenger()
		}
		slog.Info("Using Twilio messenger")
		return m
	}
	slog.Info("No Twilio credentials set, using console messenger")
	return messaging.NewConsoleMessenger()
}

// buildGenAI wires the model selector and chat client. Both are optional:
// without an API key the AI node handlers record configuration errors
// instead of calling out.
func buildGenAI(flags Flags) (*genai.Selector, *genai.Client) {
	if *flags.openaiKey == "" {
		slog.Info("No OpenAI API key set, AI nodes disabled")
		return nil, nil
	}

	var clientOpts []genai.Option
	clientOpts = append(clientOpts, genai.WithAPIKey(*flags.openaiKey))
	if *flags.openaiBase != "" {
		clientOpts = append(clientOpts, genai.WithBaseURL(*flags.openaiBase))
	}
	client, err := genai.NewClient(clientOpts...)
	if err != nil {
		slog.Error("Failed to initialize AI client, AI nodes disabled", "error", err)
		return nil, nil
	}

	catalogBase := *flags.modelsURL
	if catalogBase == "" {
		catalogBase = *flags.openaiBase
	}
	var selector *genai.Selector
	if catalogBase != "" {
		selector = genai.NewSelector(genai.NewHTTPCatalog(catalogBase), genai.SelectorConfig{
			DefaultModel:                os.Getenv("AI_DEFAULT_MODEL"),
			DisabledModels:              util.ParseListEnv("AI_DISABLED_MODELS"),
			AllowedModels:               util.ParseListEnv("AI_ALLOWED_MODELS"),
			MaxPromptCostPerMillion:     util.ParseFloatEnv("AI_MAX_PROMPT_COST", 0),
			MaxCompletionCostPerMillion: util.ParseFloatEnv("AI_MAX_COMPLETION_COST", 0),
			CacheTTL:                    util.ParseDurationEnv("AI_CATALOG_CACHE_TTL", genai.DefaultCacheTTL),
		})
		slog.Info("AI model selector enabled", "catalog", catalogBase)
	} else {
		slog.Info("No model catalog URL set, AI nodes use node-pinned models only")
	}
	return selector, client
}
